// Package transition moves devices between their operating modes:
// application firmware, the Katapult bootloader and DFU. Regular reboot
// requests go through the vendor flashtool; only the direct
// jump-to-application path emits raw CAN frames.
package transition

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.bug.st/serial"

	"github.com/samsamfire/klipperfleet/internal/crc"
	"github.com/samsamfire/klipperfleet/internal/proc"
	"github.com/samsamfire/klipperfleet/pkg/bus"
	"github.com/samsamfire/klipperfleet/pkg/can"
	"github.com/samsamfire/klipperfleet/pkg/fleet"
	"github.com/samsamfire/klipperfleet/pkg/identity"
)

const (
	// magicBaudRate triggers the bootloader on boards that watch for a
	// 1200 baud open/close on their CDC port.
	magicBaudRate = 1200

	rebootTimeout = 30 * time.Second
	// settleAfterReset gives USB re-enumeration time to finish before
	// the caller probes again.
	settleAfterReset = 2 * time.Second
	dfuSettle        = 3 * time.Second
	// nodeAssignGap separates the node assignment frame from the
	// command that follows it.
	nodeAssignGap = 100 * time.Millisecond

	// appFlashStart is the default application base on STM32 parts,
	// used for the dfu-util :leave request.
	appFlashStart = 0x08000000
)

// Katapult wire protocol pieces for the direct jump path.
const (
	adminSetNodeID = 0x11
	cmdComplete    = 0x15
	assignedNodeID = 0x80
)

// Prober is the slice of the discoverer the transitioner needs.
type Prober interface {
	identity.Scanner
	InvalidateCAN(iface string)
	InvalidateDFU()
	EnsureCANUp(ctx context.Context, iface string)
	Arbiter() *bus.Arbiter
}

type Transitioner struct {
	logger      *slog.Logger
	runner      proc.Runner
	probe       Prober
	katapultDir string

	// Seams, overridable in tests.
	newBus    func(channel string) (can.Bus, error)
	sleep     func(ctx context.Context, d time.Duration)
	magicBaud func(port string) error
	exists    func(string) bool
}

func New(runner proc.Runner, probe Prober, katapultDir string, logger *slog.Logger) *Transitioner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transitioner{
		logger:      logger.With("service", "[TRANSITION]"),
		runner:      runner,
		probe:       probe,
		katapultDir: katapultDir,
		newBus: func(channel string) (can.Bus, error) {
			return can.NewBus("socketcan", channel)
		},
		sleep: sleepCtx,
		magicBaud: func(port string) error {
			p, err := serial.Open(port, &serial.Mode{BaudRate: magicBaudRate})
			if err != nil {
				return err
			}
			return p.Close()
		},
		exists: func(path string) bool {
			_, err := os.Stat(path)
			return err == nil
		},
	}
}

func looksLikeBootloader(id string) bool {
	lower := strings.ToLower(id)
	return strings.Contains(lower, "katapult") || strings.Contains(lower, "canboot")
}

// RebootToKatapult requests the bootloader on a device currently
// running application firmware.
func (t *Transitioner) RebootToKatapult(ctx context.Context, dev fleet.Device) error {
	switch dev.Method {
	case fleet.MethodCAN:
		return t.canToKatapult(ctx, dev)
	case fleet.MethodSerial:
		return t.serialToKatapult(ctx, dev)
	case fleet.MethodLinux:
		// The host MCU has no bootloader; stopping its service is all
		// the preparation a flash needs.
		return nil
	}
	return fmt.Errorf("cannot request bootloader for method %q", dev.Method)
}

func (t *Transitioner) canToKatapult(ctx context.Context, dev fleet.Device) error {
	iface := dev.CANInterface()
	t.probe.EnsureCANUp(ctx, iface)

	arb := t.probe.Arbiter()
	arb.CAN.Lock()
	t.logger.Info("requesting bootloader over CAN", "uuid", dev.ID, "interface", iface)
	_, code, err := t.runner.Output(ctx, proc.Command{
		Path:    "python3",
		Args:    []string{filepath.Join(t.katapultDir, "scripts", "flashtool.py"), "-i", iface, "-u", dev.ID, "-r"},
		Timeout: rebootTimeout,
	})
	arb.CAN.Unlock()
	t.probe.InvalidateCAN(iface)

	if err != nil {
		return fmt.Errorf("bootloader request for %s: %w", dev.ID, err)
	}
	if code != 0 {
		return fmt.Errorf("bootloader request for %s exited %d", dev.ID, code)
	}
	t.sleep(ctx, settleAfterReset)
	return nil
}

func (t *Transitioner) serialToKatapult(ctx context.Context, dev fleet.Device) error {
	resolver := t.resolver()
	port := resolver.ResolveSerial(ctx, dev.ID, "")
	if !t.exists(port) {
		return fmt.Errorf("serial device %s not present", dev.ID)
	}
	if looksLikeBootloader(port) {
		t.logger.Info("device already in bootloader", "port", port)
		return nil
	}

	// The 1200 baud trick is harmless on boards that ignore it, so it is
	// always tried first; a node that drops off the bus took the bait.
	t.logger.Info("triggering bootloader via magic baud", "port", port)
	if err := t.magicBaud(port); err != nil {
		t.logger.Debug("magic baud open failed", "port", port, "err", err)
	} else {
		t.sleep(ctx, settleAfterReset)
		if !t.exists(port) {
			return nil
		}
	}

	t.logger.Info("requesting bootloader over serial", "port", port)
	_, code, err := t.runner.Output(ctx, proc.Command{
		Path:    "python3",
		Args:    []string{filepath.Join(t.katapultDir, "scripts", "flashtool.py"), "-d", port, "-b", strconv.Itoa(dev.KatapultBaud()), "-r"},
		Timeout: rebootTimeout,
	})
	if err != nil {
		return fmt.Errorf("bootloader request for %s: %w", port, err)
	}
	if code != 0 {
		return fmt.Errorf("bootloader request for %s exited %d", port, code)
	}
	t.sleep(ctx, settleAfterReset)
	return nil
}

// RebootToDFU drops a serial device into the DFU bootloader via the
// magic baud trick, then verifies it actually showed up on USB.
func (t *Transitioner) RebootToDFU(ctx context.Context, dev fleet.Device) error {
	resolver := t.resolver()
	port := resolver.ResolveSerial(ctx, dev.ID, "")
	if !t.exists(port) {
		if resolved := resolver.ResolveDFU(ctx, dev.ID, dev.DFUID, false); resolved != dev.ID {
			t.logger.Info("device already in DFU", "id", resolved)
			return nil
		}
		return fmt.Errorf("serial device %s not present", dev.ID)
	}

	t.logger.Info("entering DFU via magic baud", "port", port)
	if err := t.magicBaud(port); err != nil {
		return fmt.Errorf("magic baud on %s: %w", port, err)
	}
	t.sleep(ctx, dfuSettle)
	t.probe.InvalidateDFU()

	if resolved := resolver.ResolveDFU(ctx, dev.ID, dev.DFUID, false); resolved != dev.ID {
		return nil
	}
	return fmt.Errorf("%s did not enter DFU; it may need the BOOT0 jumper held during reset", dev.ID)
}

// RebootToApp returns a device sitting in a bootloader to application
// firmware.
func (t *Transitioner) RebootToApp(ctx context.Context, dev fleet.Device) error {
	switch dev.Method {
	case fleet.MethodCAN:
		return t.canJump(ctx, dev)
	case fleet.MethodDFU:
		return t.dfuLeave(ctx, dev)
	case fleet.MethodSerial:
		// A serial device stuck in DFU can still be kicked out.
		resolver := t.resolver()
		if resolved := resolver.ResolveDFU(ctx, dev.ID, dev.DFUID, true); resolved != dev.ID {
			dev.DFUID = resolved
			return t.dfuLeave(ctx, dev)
		}
		// Katapult jumps to the application on its own after a serial
		// flash completes.
		return nil
	case fleet.MethodLinux:
		return nil
	}
	return fmt.Errorf("cannot jump to application for method %q", dev.Method)
}

// canJump assigns the node an id on the admin channel, then sends the
// complete command which makes Katapult jump into the application.
func (t *Transitioner) canJump(ctx context.Context, dev fleet.Device) error {
	uuid, err := hex.DecodeString(dev.ID)
	if err != nil || len(uuid) != 6 {
		return fmt.Errorf("invalid CAN uuid %q", dev.ID)
	}
	iface := dev.CANInterface()
	t.probe.EnsureCANUp(ctx, iface)

	b, err := t.newBus(iface)
	if err != nil {
		return fmt.Errorf("open %s: %w", iface, err)
	}
	if err := b.Connect(); err != nil {
		return fmt.Errorf("connect %s: %w", iface, err)
	}
	defer b.Disconnect()

	t.logger.Info("sending jump-to-application", "uuid", dev.ID, "interface", iface)
	assign := can.NewFrame(can.AdminID, 0, 8)
	assign.Data[0] = adminSetNodeID
	copy(assign.Data[1:7], uuid)
	assign.Data[7] = assignedNodeID
	if err := b.Send(assign); err != nil {
		return fmt.Errorf("node assignment for %s: %w", dev.ID, err)
	}

	t.sleep(ctx, nodeAssignGap)

	jump := can.NewFrame(can.NodeID, 0, 8)
	jump.Data = commandFrame(cmdComplete, nil)
	if err := b.Send(jump); err != nil {
		return fmt.Errorf("jump command for %s: %w", dev.ID, err)
	}
	t.probe.InvalidateCAN(iface)
	return nil
}

// commandFrame encodes one Katapult command with its trailer CRC.
func commandFrame(cmd byte, args []byte) [8]byte {
	payload := append([]byte{cmd, byte(len(args))}, args...)
	sum := crc.Checksum(payload)

	var frame [8]byte
	frame[0] = 0x01
	frame[1] = 0x88
	n := copy(frame[2:], payload)
	frame[2+n] = byte(sum)
	frame[3+n] = byte(sum >> 8)
	frame[4+n] = 0x99
	frame[5+n] = 0x03
	return frame
}

// dfuLeave asks dfu-util to exit DFU by issuing a zero-length read with
// the :leave modifier. dfu-util reports 251 when the device detaches
// mid-request, which is exactly what leaving looks like.
func (t *Transitioner) dfuLeave(ctx context.Context, dev fleet.Device) error {
	resolver := t.resolver()
	id := resolver.ResolveDFU(ctx, dev.ID, dev.DFUID, false)

	args := []string{"dfu-util"}
	args = append(args, dfuSelector(id)...)
	args = append(args,
		"-a", "0",
		"-s", fmt.Sprintf("%#x:leave", appFlashStart),
		"-U", "/tmp/klipperfleet-dfu-leave.bin",
		"-Z", "1",
	)
	t.logger.Info("leaving DFU", "id", id)
	_, code, err := t.runner.Output(ctx, proc.Command{
		Path:    "sudo",
		Args:    args,
		Timeout: rebootTimeout,
	})
	t.probe.InvalidateDFU()
	if err != nil {
		return fmt.Errorf("dfu leave for %s: %w", id, err)
	}
	if code != 0 && code != 251 {
		return fmt.Errorf("dfu leave for %s exited %d", id, code)
	}
	return nil
}

// dfuSelector picks the dfu-util flag that matches the id shape: bus
// paths carry dots or dashes, vid:pid pairs a colon, serial numbers
// neither.
func dfuSelector(id string) []string {
	switch {
	case strings.Contains(id, ":"):
		return []string{"-d", id}
	case strings.ContainsAny(id, "-."):
		return []string{"-p", id}
	}
	return []string{"-S", id}
}

func (t *Transitioner) resolver() *identity.Resolver {
	return identity.NewResolver(t.probe)
}

func sleepCtx(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
