package discover

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samsamfire/klipperfleet/internal/proc/proctest"
	"github.com/samsamfire/klipperfleet/pkg/bus"
	"github.com/samsamfire/klipperfleet/pkg/moonraker"
)

type fakeMCUs map[string]moonraker.MCU

func (f fakeMCUs) ConfiguredMCUs(ctx context.Context) map[string]moonraker.MCU { return f }

func newDiscovererTest(t *testing.T, runner *proctest.Runner, mcus fakeMCUs) *Discoverer {
	t.Helper()
	d := New(runner, mcus, bus.NewArbiter(), "/opt/klipper", "/opt/katapult", nil)
	byID := filepath.Join(t.TempDir(), "by-id")
	require.NoError(t, os.MkdirAll(byID, 0o755))
	d.byIDDir = byID
	d.ttyGlobs = nil
	d.uartCandidates = nil
	d.exists = func(string) bool { return false }
	return d
}

func touch(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, nil, 0o644))
}

func TestSerialDevicesModes(t *testing.T) {
	runner := proctest.NewRunner()
	d := newDiscovererTest(t, runner, fakeMCUs{})

	touch(t, filepath.Join(d.byIDDir, "usb-Klipper_stm32h723xx_main-if00"))
	touch(t, filepath.Join(d.byIDDir, "usb-katapult_stm32g0b1xx_39002900-if00"))
	touch(t, filepath.Join(d.byIDDir, "usb-Beacon_Beacon_RevH_ABC123-if00"))

	devices := d.SerialDevices(context.Background(), true)
	require.Len(t, devices, 3)

	modes := map[string]Mode{}
	for _, dev := range devices {
		modes[filepath.Base(dev.ID)] = dev.Mode
	}
	assert.Equal(t, ModeService, modes["usb-Klipper_stm32h723xx_main-if00"])
	assert.Equal(t, ModeReady, modes["usb-katapult_stm32g0b1xx_39002900-if00"])
	assert.Equal(t, ModeReady, modes["usb-Beacon_Beacon_RevH_ABC123-if00"],
		"unconfigured non-klipper devices default to ready")
}

func TestSerialDevicesConfiguredNameEnrichment(t *testing.T) {
	runner := proctest.NewRunner()
	d := newDiscovererTest(t, runner, nil)
	path := filepath.Join(d.byIDDir, "usb-Beacon_Beacon_RevH_ABC123-if00")
	touch(t, path)
	d.mcus = fakeMCUs{path: {Name: "mcu beacon", Active: true}}

	devices := d.SerialDevices(context.Background(), false)
	require.Len(t, devices, 1)
	assert.Equal(t, "mcu beacon (usb-Beacon_Beacon_RevH_ABC123-if00)", devices[0].Name)
	assert.Equal(t, ModeService, devices[0].Mode, "configured devices count as in service")
}

func TestSerialDevicesGenericTTYDeduplication(t *testing.T) {
	runner := proctest.NewRunner()
	d := newDiscovererTest(t, runner, fakeMCUs{})

	real := filepath.Join(t.TempDir(), "ttyACM0")
	touch(t, real)
	link := filepath.Join(d.byIDDir, "usb-Klipper_stm32-if00")
	require.NoError(t, os.Symlink(real, link))
	d.ttyGlobs = []string{real}

	devices := d.SerialDevices(context.Background(), true)
	require.Len(t, devices, 1, "generic node behind an existing by-id link is collapsed")
	assert.Equal(t, link, devices[0].ID)
}

func TestDFUDevicesCaching(t *testing.T) {
	runner := proctest.NewRunner()
	runner.On("dfu-util -l", proctest.Result{Stdout: dfuListOutput})
	d := newDiscovererTest(t, runner, fakeMCUs{})

	first := d.DFUDevices(context.Background(), false)
	require.Len(t, first, 2)
	second := d.DFUDevices(context.Background(), false)
	require.Len(t, second, 2)
	assert.Equal(t, 1, runner.CallsMatching("dfu-util -l"), "second call served from cache")

	d.DFUDevices(context.Background(), true)
	assert.Equal(t, 2, runner.CallsMatching("dfu-util -l"), "force bypasses the cache")
}

func TestCANDevicesMergePriority(t *testing.T) {
	runner := proctest.NewRunner()
	runner.On("link show type can", proctest.Result{Stdout: "3: can0: <NOARP,UP,LOWER_UP> state UP\n"})
	runner.On("link show can0", proctest.Result{Stdout: "3: can0: <NOARP,UP,LOWER_UP> state UP\n"})
	runner.On("flashtool.py -i can0 -q", proctest.Result{
		Stdout: "Detected UUID: aabbccddeeff, Application: Katapult\n",
	})
	runner.On("canbus_query.py", proctest.Result{
		Stdout: "Found canbus_uuid=aabbccddeeff, Application: Klipper\nFound canbus_uuid=112233445566, Application: Klipper\n",
	})
	d := newDiscovererTest(t, runner, fakeMCUs{
		"112233445566": {Name: "mcu EBBCan", Active: true},
		"999999999999": {Name: "mcu lost", Active: false},
	})

	devices := d.CANDevices(context.Background(), false, false)
	require.Len(t, devices, 3)

	byID := map[string]Device{}
	for _, dev := range devices {
		byID[dev.ID] = dev
	}
	assert.Equal(t, ModeReady, byID["aabbccddeeff"].Mode,
		"bootloader query wins over firmware query")
	assert.Equal(t, ModeService, byID["112233445566"].Mode)
	assert.Equal(t, "mcu EBBCan", byID["112233445566"].Name, "configured section enriches the name")
	assert.Equal(t, ModeOffline, byID["999999999999"].Mode, "configured but unseen and inactive")
}

func TestCANDevicesCachePerInterface(t *testing.T) {
	runner := proctest.NewRunner()
	runner.On("link show type can", proctest.Result{Stdout: "3: can0: <NOARP,UP,LOWER_UP> state UP\n"})
	runner.On("link show can0", proctest.Result{Stdout: "3: can0: <NOARP,UP,LOWER_UP> state UP\n"})
	runner.On("flashtool.py -i can0 -q", proctest.Result{
		Stdout: "Detected UUID: aabbccddeeff, Application: Katapult\n",
	})
	d := newDiscovererTest(t, runner, fakeMCUs{})

	d.CANDevices(context.Background(), true, false)
	d.CANDevices(context.Background(), true, false)
	assert.Equal(t, 1, runner.CallsMatching("flashtool.py -i can0 -q"))

	d.InvalidateCAN("can0")
	d.CANDevices(context.Background(), true, false)
	assert.Equal(t, 2, runner.CallsMatching("flashtool.py -i can0 -q"))
}

func TestLinuxProcess(t *testing.T) {
	runner := proctest.NewRunner()
	d := newDiscovererTest(t, runner, fakeMCUs{})

	devices := d.LinuxProcess()
	require.Len(t, devices, 1)
	assert.Equal(t, "linux_process", devices[0].ID)
	assert.Equal(t, ModeReady, devices[0].Mode)

	d.exists = func(path string) bool { return path == "/tmp/klipper_host_mcu" }
	assert.Equal(t, ModeService, d.LinuxProcess()[0].Mode)
}
