// Package flash writes firmware images to devices that are already in
// a flashable mode. Serial and CAN devices go through the Katapult
// flashtool, DFU devices through dfu-util, and the host MCU is a plain
// binary install.
package flash

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/samsamfire/klipperfleet/internal/proc"
	"github.com/samsamfire/klipperfleet/pkg/bus"
	"github.com/samsamfire/klipperfleet/pkg/fleet"
	"github.com/samsamfire/klipperfleet/pkg/identity"
)

const (
	flashTimeout    = 5 * time.Minute
	dfuLeaveTimeout = 30 * time.Second

	// A DFU transfer that fails right after a mode switch usually
	// succeeds once the device has settled, so it is retried.
	dfuAttempts = 3
	dfuRetryGap = 2 * time.Second

	// dfuVendorProduct is the STM32 system bootloader id, passed on
	// every dfu-util request alongside the per-device disambiguator.
	dfuVendorProduct = "0483:df11"

	hostMCUService = "klipper-mcu.service"
	hostMCUSocket  = "/tmp/klipper_host_mcu"
	hostMCUBinary  = "/usr/local/bin/klipper_mcu"
)

// Prober is the slice of the discoverer the flasher needs.
type Prober interface {
	identity.Scanner
	InvalidateCAN(iface string)
	InvalidateDFU()
	EnsureCANUp(ctx context.Context, iface string)
	Arbiter() *bus.Arbiter
}

type Flasher struct {
	logger      *slog.Logger
	runner      proc.Runner
	probe       Prober
	katapultDir string

	sleep func(ctx context.Context, d time.Duration)
}

func New(runner proc.Runner, probe Prober, katapultDir string, logger *slog.Logger) *Flasher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Flasher{
		logger:      logger.With("service", "[FLASH]"),
		runner:      runner,
		probe:       probe,
		katapultDir: katapultDir,
		sleep:       sleepCtx,
	}
}

func (f *Flasher) flashtool() string {
	return filepath.Join(f.katapultDir, "scripts", "flashtool.py")
}

// FlashSerial writes firmware to a device sitting in Katapult on a
// serial port. Progress output is streamed into sink.
func (f *Flasher) FlashSerial(ctx context.Context, dev fleet.Device, firmware string, sink func(string)) error {
	resolver := identity.NewResolver(f.probe)
	port := resolver.ResolveSerial(ctx, dev.ID, "")

	f.logger.Info("flashing over serial", "port", port, "firmware", firmware)
	code, err := f.runner.Stream(ctx, proc.Command{
		Path:    "python3",
		Args:    []string{f.flashtool(), "-d", port, "-b", strconv.Itoa(dev.KatapultBaud()), "-f", firmware},
		Timeout: flashTimeout,
	}, sink)
	if err != nil {
		return fmt.Errorf("flash %s: %w", port, err)
	}
	if code != 0 {
		return fmt.Errorf("flash %s exited %d", port, code)
	}
	return nil
}

// FlashCAN writes firmware to a Katapult node over the CAN bus. The
// transfer holds the CAN lock for its whole duration and drops the
// cached discovery afterwards.
func (f *Flasher) FlashCAN(ctx context.Context, dev fleet.Device, firmware string, sink func(string)) error {
	iface := dev.CANInterface()
	f.probe.EnsureCANUp(ctx, iface)

	arb := f.probe.Arbiter()
	arb.CAN.Lock()
	f.logger.Info("flashing over CAN", "uuid", dev.ID, "interface", iface, "firmware", firmware)
	code, err := f.runner.Stream(ctx, proc.Command{
		Path:    "python3",
		Args:    []string{f.flashtool(), "-i", iface, "-u", dev.ID, "-f", firmware},
		Timeout: flashTimeout,
	}, sink)
	arb.CAN.Unlock()
	f.probe.InvalidateCAN(iface)

	if err != nil {
		return fmt.Errorf("flash %s: %w", dev.ID, err)
	}
	if code != 0 {
		return fmt.Errorf("flash %s exited %d", dev.ID, code)
	}
	return nil
}

// FlashDFU writes firmware with dfu-util at addr. The download runs
// without the ":leave" modifier: some bootloaders drop off the bus
// after a long erase when it is present, masking an incomplete flash
// as success. Failed transfers are retried after a settle period with
// the device identity re-resolved, since DFU devices re-enumerate
// readily. With use_dfu_exit set a separate leave request reboots the
// device afterwards; only there the detach exit 251 counts as success.
func (f *Flasher) FlashDFU(ctx context.Context, dev fleet.Device, firmware string, addr uint32, sink func(string)) error {
	resolver := identity.NewResolver(f.probe)
	arb := f.probe.Arbiter()

	var lastErr error
	var id string
	downloaded := false
	for attempt := 0; attempt < dfuAttempts && !downloaded; attempt++ {
		if attempt > 0 {
			f.logger.Warn("retrying DFU flash", "id", dev.ID, "attempt", attempt+1, "err", lastErr)
			f.sleep(ctx, dfuRetryGap)
			f.probe.InvalidateDFU()
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		id = resolver.ResolveDFU(ctx, dev.ID, dev.DFUID, false)

		args := []string{"dfu-util"}
		args = append(args, dfuArgs(id)...)
		args = append(args, "-a", "0", "-s", fmt.Sprintf("%#x", addr), "-D", firmware)

		f.logger.Info("flashing over DFU", "id", id, "firmware", firmware, "address", fmt.Sprintf("%#x", addr))
		arb.DFU.Lock()
		code, err := f.runner.Stream(ctx, proc.Command{
			Path:    "sudo",
			Args:    args,
			Timeout: flashTimeout,
		}, sink)
		arb.DFU.Unlock()

		switch {
		case err != nil:
			lastErr = fmt.Errorf("flash %s: %w", id, err)
		case code == 0:
			downloaded = true
		default:
			// 251 here means the device detached before the transfer
			// finished, a failure like any other.
			lastErr = fmt.Errorf("flash %s exited %d", id, code)
		}
	}
	if !downloaded {
		f.probe.InvalidateDFU()
		return lastErr
	}

	if dev.UseDFUExit {
		f.leaveDFU(ctx, id, addr, sink)
	}
	f.probe.InvalidateDFU()
	return nil
}

// leaveDFU reboots a freshly flashed device out of DFU with a separate
// zero-length request. The device detaching mid-request (exit 251) is
// the expected outcome; anything else is reported but never fails the
// flash that already landed.
func (f *Flasher) leaveDFU(ctx context.Context, id string, addr uint32, sink func(string)) {
	args := []string{"dfu-util"}
	args = append(args, dfuArgs(id)...)
	args = append(args, "-a", "0", "-R", "-s", fmt.Sprintf("%#x:leave", addr))

	f.logger.Info("leaving DFU", "id", id)
	arb := f.probe.Arbiter()
	arb.DFU.Lock()
	code, err := f.runner.Stream(ctx, proc.Command{
		Path:    "sudo",
		Args:    args,
		Timeout: dfuLeaveTimeout,
	}, sink)
	arb.DFU.Unlock()

	if err != nil || (code != 0 && code != 251) {
		line := fmt.Sprintf("Warning: DFU leave request for %s failed (code %d)", id, code)
		if err != nil {
			line = fmt.Sprintf("Warning: DFU leave request for %s failed: %v", id, err)
		}
		f.logger.Warn("DFU leave failed", "id", id, "code", code, "err", err)
		if sink != nil {
			sink(line)
		}
	}
}

// FlashLinux installs the host MCU binary. The klipper-mcu service is
// stopped and the socket holder killed first; restarting services is
// the caller's responsibility.
func (f *Flasher) FlashLinux(ctx context.Context, firmware string, sink func(string)) error {
	report := func(line string) {
		if sink != nil {
			sink(line)
		}
	}

	report("Stopping " + hostMCUService)
	if _, code, err := f.runner.Output(ctx, proc.Command{
		Path: "sudo",
		Args: []string{"systemctl", "stop", hostMCUService},
	}); err != nil || code != 0 {
		// The service may simply not be installed.
		f.logger.Debug("stopping host MCU service failed", "code", code, "err", err)
	}
	// Anything still holding the socket blocks the new binary.
	f.runner.Output(ctx, proc.Command{
		Path: "sudo",
		Args: []string{"fuser", "-k", hostMCUSocket},
	})
	f.sleep(ctx, 2*time.Second)

	report("Installing " + hostMCUBinary)
	if _, code, err := f.runner.Output(ctx, proc.Command{
		Path: "sudo",
		Args: []string{"cp", firmware, hostMCUBinary},
	}); err != nil {
		return fmt.Errorf("install host MCU binary: %w", err)
	} else if code != 0 {
		return fmt.Errorf("install host MCU binary exited %d", code)
	}
	if _, code, err := f.runner.Output(ctx, proc.Command{
		Path: "sudo",
		Args: []string{"chmod", "+x", hostMCUBinary},
	}); err != nil || code != 0 {
		return fmt.Errorf("chmod host MCU binary failed (code %d): %v", code, err)
	}
	return nil
}

// dfuArgs builds the device selection flags: the STM32 bootloader
// vid:pid filter plus the disambiguator matching the id shape (bus
// paths carry dots or dashes, serial numbers neither). An id that is
// itself a vid:pid pair replaces the filter.
func dfuArgs(id string) []string {
	if strings.Contains(id, ":") {
		return []string{"-d", id}
	}
	args := []string{"-d", dfuVendorProduct}
	if strings.ContainsAny(id, "-.") {
		return append(args, "-p", id)
	}
	return append(args, "-S", id)
}

func sleepCtx(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
