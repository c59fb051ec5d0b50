package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/samsamfire/klipperfleet/internal/proc/proctest"
)

const listUnitsOutput = `klipper.service          loaded active   running Klipper 3D Printer Firmware
klipper-mcu.service      loaded inactive dead    Klipper MCU Host Process
klipperfleet.service     loaded active   running Fleet Flash Orchestrator
moonraker.service        loaded active   running Moonraker API Server
`

func TestUnitsFiltersOwnService(t *testing.T) {
	runner := proctest.NewRunner()
	runner.On("list-units", proctest.Result{Stdout: listUnitsOutput})
	c := New(runner, nil)

	units := c.Units(context.Background())
	assert.Equal(t, []string{"klipper-mcu.service", "klipper.service", "moonraker.service"}, units)
}

func TestApplyRunsActionPerUnit(t *testing.T) {
	runner := proctest.NewRunner()
	runner.On("list-units", proctest.Result{Stdout: listUnitsOutput})
	c := New(runner, nil)

	line := c.Apply(context.Background(), "stop")
	assert.Equal(t, 1, runner.CallsMatching("systemctl stop klipper.service"))
	assert.Equal(t, 1, runner.CallsMatching("systemctl stop klipper-mcu.service"))
	assert.Equal(t, 1, runner.CallsMatching("systemctl stop moonraker.service"))
	assert.Equal(t, 0, runner.CallsMatching("systemctl stop klipperfleet.service"))
	assert.Equal(t, "Services stop: klipper-mcu.service, klipper.service, moonraker.service", line)
}

func TestApplyToleratesFailures(t *testing.T) {
	runner := proctest.NewRunner()
	runner.On("list-units", proctest.Result{Stdout: listUnitsOutput})
	runner.On("systemctl start klipper.service", proctest.Result{Code: 5})
	c := New(runner, nil)

	// Must not panic or abort; the remaining units are still handled.
	line := c.Apply(context.Background(), "start")
	assert.Equal(t, 1, runner.CallsMatching("systemctl start moonraker.service"))
	assert.Contains(t, line, "Services start finished with failures")
	assert.Contains(t, line, "klipper.service exited 5")
}

func TestApplyWithNoUnits(t *testing.T) {
	runner := proctest.NewRunner()
	c := New(runner, nil)

	line := c.Apply(context.Background(), "restart")
	assert.Equal(t, 0, runner.CallsMatching("sudo systemctl"))
	assert.Equal(t, "No klipper services found to restart", line)
}

func TestStatus(t *testing.T) {
	runner := proctest.NewRunner()
	runner.On("list-units", proctest.Result{Stdout: listUnitsOutput})
	runner.On("is-active klipper.service", proctest.Result{Stdout: "active\n"})
	runner.On("is-active klipper-mcu.service", proctest.Result{Stdout: "inactive\n", Code: 3})
	runner.On("is-active moonraker.service", proctest.Result{Stdout: "active\n"})
	c := New(runner, nil)

	assert.Equal(t, map[string]string{
		"klipper.service":     "active",
		"klipper-mcu.service": "inactive",
		"moonraker.service":   "active",
	}, c.Status(context.Background()))
}
