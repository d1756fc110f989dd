package daemon

import (
	"context"
	"testing"

	"github.com/fibreops/dropwatch/internal/errors"
)

func TestPreflightAllHealthy(t *testing.T) {
	checks := []Check{
		{Name: "messages_db", Required: true, Probe: func(context.Context) error { return nil }},
		{Name: "bridge", Probe: func(context.Context) error { return nil }},
	}

	report, err := Preflight(context.Background(), checks)
	if err != nil {
		t.Fatalf("Preflight: %v", err)
	}
	if len(report) != 2 {
		t.Fatalf("report entries = %d, want 2", len(report))
	}
	for _, h := range report {
		if !h.Healthy {
			t.Errorf("%s unhealthy: %v", h.Name, h.Err)
		}
	}
}

func TestPreflightRequiredFailureIsFatal(t *testing.T) {
	checks := []Check{
		{Name: "messages_db", Required: true, Probe: func(context.Context) error {
			return errors.Transient("no such file")
		}},
	}

	if _, err := Preflight(context.Background(), checks); err == nil {
		t.Fatal("required probe failure must fail the preflight")
	}
}

func TestPreflightOptionalFailureIsNot(t *testing.T) {
	checks := []Check{
		{Name: "messages_db", Required: true, Probe: func(context.Context) error { return nil }},
		{Name: "bridge", Probe: func(context.Context) error {
			return errors.Transient("connection refused")
		}},
	}

	report, err := Preflight(context.Background(), checks)
	if err != nil {
		t.Fatalf("optional failure must not fail the preflight: %v", err)
	}
	if report[1].Healthy {
		t.Error("bridge probe should be reported unhealthy")
	}
}
