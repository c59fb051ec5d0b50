package discover

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/samsamfire/klipperfleet/internal/proc"
)

const (
	klipperQueryTimeout  = 2 * time.Second
	katapultQueryTimeout = 5 * time.Second
	canBitrate           = 1000000
)

// CANInterfaces lists the CAN interfaces known to the kernel.
func (d *Discoverer) CANInterfaces(ctx context.Context) []string {
	out, _, err := d.runner.Output(ctx, proc.Command{
		Path: "ip",
		Args: []string{"link", "show", "type", "can"},
	})
	if err != nil {
		d.logger.Warn("listing CAN interfaces failed", "err", err)
		return nil
	}
	return parseIPLinkInterfaces(out)
}

// InterfaceUp reports whether iface is UP and has a carrier.
func (d *Discoverer) InterfaceUp(ctx context.Context, iface string) bool {
	out, _, err := d.runner.Output(ctx, proc.Command{
		Path: "ip",
		Args: []string{"link", "show", iface},
	})
	if err != nil {
		return false
	}
	return interfaceUp(out)
}

// EnsureCANUp brings iface up when it is down, e.g. after a bridge
// reboot tore the bus down.
func (d *Discoverer) EnsureCANUp(ctx context.Context, iface string) {
	out, _, err := d.runner.Output(ctx, proc.Command{
		Path: "ip",
		Args: []string{"link", "show", iface},
	})
	if err == nil && interfaceUp(out) {
		return
	}
	d.logger.Info("bringing up CAN interface", "interface", iface)
	_, _, err = d.runner.Output(ctx, proc.Command{
		Path: "sudo",
		Args: []string{"ip", "link", "set", iface, "up", "type", "can", "bitrate", strconv.Itoa(canBitrate)},
	})
	if err != nil {
		d.logger.Warn("failed to bring up CAN interface", "interface", iface, "err", err)
		return
	}
	sleepCtx(ctx, time.Second)
}

// CANDevices discovers devices on every CAN interface. Moonraker is
// queried at most once across interfaces.
func (d *Discoverer) CANDevices(ctx context.Context, skipMoonraker, force bool) []Device {
	var devices []Device
	for _, iface := range d.CANInterfaces(ctx) {
		devices = append(devices, d.CANDevicesOn(ctx, iface, skipMoonraker, force)...)
		skipMoonraker = true
	}
	return devices
}

// CANDevicesOn discovers devices on one interface. The bootloader
// query (Katapult flashtool -q) and the firmware query (klipper
// canbus_query.py) run sequentially under the CAN lock: concurrent
// queries on one bus corrupt each other. Priority on merge:
// bootloader query > firmware query > configured-but-unseen.
func (d *Discoverer) CANDevicesOn(ctx context.Context, iface string, skipMoonraker, force bool) []Device {
	d.EnsureCANUp(ctx, iface)

	if !force {
		if cached, ok := d.arbiter.CANCached(iface); ok {
			return fromCached(cached)
		}
	}

	d.arbiter.CAN.Lock()
	defer d.arbiter.CAN.Unlock()
	d.logger.Debug("CAN lock acquired for discovery", "interface", iface)

	katapultRes := d.katapultQuery(ctx, iface)
	klipperRes := d.klipperQuery(ctx, iface)
	configured := d.configured(ctx, skipMoonraker)

	seen := map[string]*Device{}
	var order []string

	for _, res := range katapultRes {
		mode := ModeService
		if app := strings.ToLower(res.Application); app == "katapult" || app == "canboot" {
			mode = ModeReady
		}
		if _, ok := seen[res.UUID]; !ok {
			order = append(order, res.UUID)
		}
		seen[res.UUID] = &Device{
			ID:          res.UUID,
			Name:        "CAN Device (" + res.UUID + ")",
			Type:        "can",
			Application: res.Application,
			Mode:        mode,
			Interface:   iface,
		}
	}
	for _, res := range klipperRes {
		if _, ok := seen[res.UUID]; ok {
			continue
		}
		order = append(order, res.UUID)
		seen[res.UUID] = &Device{
			ID:          res.UUID,
			Name:        "CAN Device (" + res.UUID + ")",
			Type:        "can",
			Application: res.Application,
			Mode:        ModeService,
			Interface:   iface,
		}
	}
	for identifier, info := range configured {
		if !isCANUUID(identifier) {
			continue
		}
		if dev, ok := seen[identifier]; ok {
			// Enrich the placeholder name with the config section.
			if dev.Name == "CAN Device ("+identifier+")" {
				dev.Name = info.Name
			}
			continue
		}
		mode := ModeOffline
		app := "Klipper (Offline)"
		if info.Active {
			mode = ModeService
			app = "Klipper (Configured)"
		}
		order = append(order, identifier)
		seen[identifier] = &Device{
			ID:          identifier,
			Name:        info.Name,
			Type:        "can",
			Application: app,
			Mode:        mode,
			Interface:   iface,
		}
	}

	devices := make([]Device, 0, len(order))
	for _, uuid := range order {
		devices = append(devices, *seen[uuid])
	}
	d.arbiter.StoreCAN(iface, toCached(devices))
	d.logger.Debug("CAN lock released", "interface", iface, "devices", len(devices))
	return devices
}

func (d *Discoverer) katapultQuery(ctx context.Context, iface string) []canQueryResult {
	out, _, err := d.runner.Output(ctx, proc.Command{
		Path:    "python3",
		Args:    []string{filepath.Join(d.katapultDir, "scripts", "flashtool.py"), "-i", iface, "-q"},
		Timeout: katapultQueryTimeout,
	})
	if err != nil {
		d.logger.Debug("katapult query failed", "interface", iface, "err", err)
		return nil
	}
	return parseKatapultQuery(out)
}

func (d *Discoverer) klipperQuery(ctx context.Context, iface string) []canQueryResult {
	python := filepath.Join(d.klipperDir, "..", "klippy-env", "bin", "python3")
	if _, err := os.Stat(python); err != nil {
		python = "python3"
	}
	out, _, err := d.runner.Output(ctx, proc.Command{
		Path:    python,
		Args:    []string{filepath.Join(d.klipperDir, "scripts", "canbus_query.py"), iface},
		Timeout: klipperQueryTimeout,
	})
	if err != nil {
		d.logger.Debug("klipper query failed", "interface", iface, "err", err)
		return nil
	}
	return parseKlipperQuery(out)
}

// InvalidateCAN drops the cached discovery after a state-changing
// operation on iface.
func (d *Discoverer) InvalidateCAN(iface string) {
	d.arbiter.InvalidateCAN(iface)
}

// InvalidateDFU drops the cached DFU listing.
func (d *Discoverer) InvalidateDFU() {
	d.arbiter.InvalidateDFU()
}

// sleepCtx sleeps unless the context is cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
