// Package discover enumerates the serial, CAN, DFU and host-process
// devices visible to the host and annotates each with its current mode.
package discover

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/samsamfire/klipperfleet/internal/proc"
	"github.com/samsamfire/klipperfleet/pkg/bus"
	"github.com/samsamfire/klipperfleet/pkg/fleet"
	"github.com/samsamfire/klipperfleet/pkg/identity"
	"github.com/samsamfire/klipperfleet/pkg/moonraker"
)

// Mode is the observed state of one device.
type Mode string

const (
	// ModeService : running application firmware.
	ModeService Mode = "service"
	// ModeReady : sitting in the Katapult bootloader, awaiting a flash.
	ModeReady Mode = "ready"
	// ModeDFU : in the DFU bootloader.
	ModeDFU Mode = "dfu"
	// ModeOffline : not visible on any channel.
	ModeOffline Mode = "offline"
	// ModeFlashing : override while a flash operation is active.
	ModeFlashing Mode = "flashing"
	// ModeBusBusy : override while another task holds the bus lock.
	ModeBusBusy Mode = "bus_busy"
	// ModeQuerying : fast-path placeholder when discovery is skipped.
	ModeQuerying Mode = "querying"
	ModeUnknown  Mode = "unknown"
)

// Device is one discovered device.
type Device struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Type        string `json:"type"`
	Mode        Mode   `json:"mode"`
	Application string `json:"application,omitempty"`
	Interface   string `json:"interface,omitempty"`
	VidPid      string `json:"vid_pid,omitempty"`
	Path        string `json:"path,omitempty"`
	Serial      string `json:"serial,omitempty"`
}

// MCUSource provides the host printer's configured-MCU set.
type MCUSource interface {
	ConfiguredMCUs(ctx context.Context) map[string]moonraker.MCU
}

// Discoverer enumerates devices. All bus access is serialised through
// the shared Arbiter; results are cached with short TTLs so rapid
// status polls do not contend with real work.
type Discoverer struct {
	logger      *slog.Logger
	runner      proc.Runner
	mcus        MCUSource
	arbiter     *bus.Arbiter
	klipperDir  string
	katapultDir string

	// Filesystem seams, overridable in tests.
	byIDDir        string
	ttyGlobs       []string
	uartCandidates []string
	hostMCUSocket  string
	exists         func(string) bool
}

func New(runner proc.Runner, mcus MCUSource, arbiter *bus.Arbiter, klipperDir, katapultDir string, logger *slog.Logger) *Discoverer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Discoverer{
		logger:         logger.With("service", "[DISCOVER]"),
		runner:         runner,
		mcus:           mcus,
		arbiter:        arbiter,
		klipperDir:     klipperDir,
		katapultDir:    katapultDir,
		byIDDir:        "/dev/serial/by-id",
		ttyGlobs:       []string{"/dev/ttyACM*", "/dev/ttyUSB*"},
		uartCandidates: []string{"/dev/ttyAMA0", "/dev/ttyS0"},
		hostMCUSocket:  "/tmp/klipper_host_mcu",
		exists: func(path string) bool {
			_, err := os.Stat(path)
			return err == nil
		},
	}
}

// Arbiter exposes the shared bus arbiter for components that must hold
// a bus lock across their own operations.
func (d *Discoverer) Arbiter() *bus.Arbiter { return d.arbiter }

func (d *Discoverer) configured(ctx context.Context, skip bool) map[string]moonraker.MCU {
	if skip || d.mcus == nil {
		return map[string]moonraker.MCU{}
	}
	return d.mcus.ConfiguredMCUs(ctx)
}

// classifySerial derives the mode of a serial node from its name and
// whether the host printer has it configured.
func classifySerial(path string, configured bool) Mode {
	lower := strings.ToLower(path)
	switch {
	case strings.Contains(lower, "klipper") || strings.Contains(lower, "kalico"):
		return ModeService
	case strings.Contains(lower, "katapult") || strings.Contains(lower, "canboot"):
		return ModeReady
	case configured:
		return ModeService
	}
	return ModeReady
}

func realPath(p string) string {
	if resolved, err := filepath.EvalSymlinks(p); err == nil {
		return resolved
	}
	return p
}

// SerialDevices lists USB serial devices (by-id preferred), generic
// ttyACM/ttyUSB nodes not already covered by a by-id link, and raw
// UARTs that are configured in the host printer config.
func (d *Discoverer) SerialDevices(ctx context.Context, skipMoonraker bool) []Device {
	configured := d.configured(ctx, skipMoonraker)
	var devices []Device

	byID, _ := filepath.Glob(filepath.Join(d.byIDDir, "*"))
	for _, dev := range byID {
		name := filepath.Base(dev)
		mcu, isConfigured := configured[dev]
		if isConfigured {
			name = mcu.Name + " (" + name + ")"
		}
		devices = append(devices, Device{
			ID:   dev,
			Name: name,
			Type: "usb",
			Mode: classifySerial(dev, isConfigured),
		})
	}

	seen := make(map[string]bool, len(devices))
	for _, dev := range devices {
		seen[realPath(dev.ID)] = true
	}

	var generic []string
	for _, pattern := range d.ttyGlobs {
		matches, _ := filepath.Glob(pattern)
		generic = append(generic, matches...)
	}
	for _, dev := range generic {
		if seen[realPath(dev)] {
			continue
		}
		seen[realPath(dev)] = true
		name := filepath.Base(dev)
		mcu, isConfigured := configured[dev]
		if isConfigured {
			name = mcu.Name + " (" + name + ")"
		}
		devices = append(devices, Device{
			ID:   dev,
			Name: name,
			Type: "usb",
			Mode: classifySerial(dev, isConfigured),
		})
	}

	// Raw UARTs only show up when the printer config references them.
	for _, dev := range d.uartCandidates {
		if !d.exists(dev) {
			continue
		}
		mcu, isConfigured := configured[dev]
		if !isConfigured || seen[realPath(dev)] {
			continue
		}
		devices = append(devices, Device{
			ID:   dev,
			Name: mcu.Name + " (" + filepath.Base(dev) + ")",
			Type: "uart",
			Mode: ModeService,
		})
	}
	return devices
}

// LinuxProcess returns the singleton host-MCU record.
func (d *Discoverer) LinuxProcess() []Device {
	mode := ModeReady
	if d.LinuxReady() {
		mode = ModeService
	}
	return []Device{{
		ID:   fleet.LinuxProcessID,
		Name: "Linux Process (Host MCU)",
		Type: "linux",
		Mode: mode,
	}}
}

// LinuxReady reports whether the host MCU socket exists.
func (d *Discoverer) LinuxReady() bool {
	return d.exists(d.hostMCUSocket)
}

// DFUList implements identity.Scanner.
func (d *Discoverer) DFUList(ctx context.Context) []identity.DFUDevice {
	devices := d.DFUDevices(ctx, false)
	out := make([]identity.DFUDevice, 0, len(devices))
	for _, dev := range devices {
		out = append(out, identity.DFUDevice{ID: dev.ID, Serial: dev.Serial})
	}
	return out
}

// SerialList implements identity.Scanner.
func (d *Discoverer) SerialList(ctx context.Context) []string {
	devices := d.SerialDevices(ctx, true)
	ids := make([]string, 0, len(devices))
	for _, dev := range devices {
		ids = append(ids, dev.ID)
	}
	return ids
}
