package egress

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	dropwatchErrors "github.com/fibreops/dropwatch/internal/errors"
)

func TestSendPostsToBridge(t *testing.T) {
	var got sendRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/send" {
			t.Errorf("path = %s, want /api/send", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(sendResponse{Success: true, Message: "sent"})
	}))
	defer srv.Close()

	c := NewBridgeClient(srv.URL, 5*time.Second)
	err := c.Send(context.Background(), "27123-456@g.us", "✅ recorded")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got.Recipient != "27123-456@g.us" || got.Message != "✅ recorded" {
		t.Errorf("request = %+v", got)
	}
}

func TestSendBridgeFailureIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(sendResponse{Success: false, Message: "not connected"})
	}))
	defer srv.Close()

	c := NewBridgeClient(srv.URL, 5*time.Second)
	err := c.Send(context.Background(), "27123-456@g.us", "hello")
	if !errors.Is(err, dropwatchErrors.ErrTransient) {
		t.Errorf("error = %v, want ErrTransient", err)
	}
}

func TestSendServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewBridgeClient(srv.URL, 5*time.Second)
	err := c.Send(context.Background(), "27123-456@g.us", "hello")
	if !errors.Is(err, dropwatchErrors.ErrTransient) {
		t.Errorf("error = %v, want ErrTransient", err)
	}
}

func TestSendRejectsEmptyRecipient(t *testing.T) {
	c := NewBridgeClient("http://localhost:0", time.Second)
	err := c.Send(context.Background(), "", "hello")
	if !errors.Is(err, dropwatchErrors.ErrInvalidInput) {
		t.Errorf("error = %v, want ErrInvalidInput", err)
	}
}

func TestHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))

	c := NewBridgeClient(srv.URL, time.Second)
	if err := c.Health(context.Background()); err != nil {
		t.Errorf("Health with live bridge: %v", err)
	}

	srv.Close()
	if err := c.Health(context.Background()); err == nil {
		t.Error("Health should fail once the bridge is down")
	}
}

func TestResubmissionConfirmation(t *testing.T) {
	msg := ResubmissionConfirmation("DR0000123")
	if !strings.Contains(msg, "DR0000123") || !strings.Contains(msg, "resubmitted") {
		t.Errorf("confirmation = %q", msg)
	}
}

func TestIncompleteFeedback(t *testing.T) {
	msg := IncompleteFeedback("DR0000123", []string{"Property Frontage", "ONT Barcode Scan"})
	for _, want := range []string{"DR0000123", "Property Frontage", "ONT Barcode Scan"} {
		if !strings.Contains(msg, want) {
			t.Errorf("feedback missing %q: %q", want, msg)
		}
	}

	bare := IncompleteFeedback("DR0000123", nil)
	if !strings.Contains(bare, "DR0000123") {
		t.Errorf("bare feedback = %q", bare)
	}
}
