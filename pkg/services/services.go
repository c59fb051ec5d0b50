// Package services starts and stops the klipper stack around flash
// operations through systemd.
package services

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/samsamfire/klipperfleet/internal/proc"
)

const actionTimeout = 30 * time.Second

// ownService is never touched: stopping it would kill the orchestrator
// mid-flash.
const ownService = "klipperfleet.service"

type Controller struct {
	logger *slog.Logger
	runner proc.Runner
}

func New(runner proc.Runner, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		logger: logger.With("service", "[SERVICES]"),
		runner: runner,
	}
}

// Units lists the klipper and moonraker systemd units present on the
// host, excluding the orchestrator's own.
func (c *Controller) Units(ctx context.Context) []string {
	out, code, err := c.runner.Output(ctx, proc.Command{
		Path:    "systemctl",
		Args:    []string{"list-units", "--type=service", "--all", "--no-legend", "--plain", "klipper*", "moonraker*"},
		Timeout: actionTimeout,
	})
	if err != nil || code != 0 {
		c.logger.Warn("listing service units failed", "code", code, "err", err)
		return nil
	}
	var units []string
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		unit := fields[0]
		if !strings.HasSuffix(unit, ".service") || unit == ownService {
			continue
		}
		units = append(units, unit)
	}
	sort.Strings(units)
	return units
}

// Apply runs a systemctl action on every managed unit. Individual
// failures are collected into the single summary line that is both
// logged and returned, so task logs can carry it; they never abort the
// caller, because a failed service start must not mask the flash
// outcome it follows.
func (c *Controller) Apply(ctx context.Context, action string) string {
	units := c.Units(ctx)
	if len(units) == 0 {
		c.logger.Info("no klipper services found", "action", action)
		return fmt.Sprintf("No klipper services found to %s", action)
	}

	var errs *multierror.Error
	for _, unit := range units {
		_, code, err := c.runner.Output(ctx, proc.Command{
			Path:    "sudo",
			Args:    []string{"systemctl", action, unit},
			Timeout: actionTimeout,
		})
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s %s: %w", action, unit, err))
		} else if code != 0 {
			errs = multierror.Append(errs, fmt.Errorf("%s %s exited %d", action, unit, code))
		}
	}

	if err := errs.ErrorOrNil(); err != nil {
		c.logger.Warn("service action finished with failures", "action", action, "units", len(units), "err", err)
		return fmt.Sprintf("Services %s finished with failures: %v", action, err)
	}
	c.logger.Info("service action applied", "action", action, "units", strings.Join(units, ", "))
	return fmt.Sprintf("Services %s: %s", action, strings.Join(units, ", "))
}

// Status returns unit name to active-state for every managed unit.
func (c *Controller) Status(ctx context.Context) map[string]string {
	states := make(map[string]string)
	for _, unit := range c.Units(ctx) {
		out, _, err := c.runner.Output(ctx, proc.Command{
			Path:    "systemctl",
			Args:    []string{"is-active", unit},
			Timeout: actionTimeout,
		})
		state := strings.TrimSpace(out)
		if err != nil || state == "" {
			state = "unknown"
		}
		states[unit] = state
	}
	return states
}
