// Package daemon runs the startup preflight: before the first cycle is
// scheduled, every external dependency gets a health probe, so a
// misconfigured deployment fails fast instead of looping on errors.
package daemon

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/fibreops/dropwatch/internal/errors"
)

// Check is one external dependency probe.
type Check struct {
	Name string
	// Required checks fail the preflight; optional ones only log. The
	// bridge send endpoint is optional because outbound delivery is
	// best-effort, the message log is not.
	Required bool
	Probe    func(ctx context.Context) error
}

// ComponentHealth is the outcome of a single probe.
type ComponentHealth struct {
	Name    string
	Healthy bool
	Err     error
}

const probeTimeout = 10 * time.Second

// Preflight runs every check and returns the health report plus an error if
// any required dependency is unreachable.
func Preflight(ctx context.Context, checks []Check) ([]ComponentHealth, error) {
	report := make([]ComponentHealth, 0, len(checks))
	var failed []string

	for _, check := range checks {
		probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
		err := check.Probe(probeCtx)
		cancel()

		health := ComponentHealth{Name: check.Name, Healthy: err == nil, Err: err}
		report = append(report, health)

		switch {
		case err == nil:
			slog.Info("Preflight check passed", "component", check.Name)
		case check.Required:
			slog.Error("Preflight check failed", "component", check.Name, "error", err)
			failed = append(failed, check.Name)
		default:
			slog.Warn("Preflight check failed (optional)", "component", check.Name, "error", err)
		}
	}

	if len(failed) > 0 {
		return report, errors.Transient("required dependencies unreachable: " + strings.Join(failed, ", "))
	}
	return report, nil
}
