package discover

import (
	"context"
	"strings"

	"github.com/samsamfire/klipperfleet/pkg/fleet"
	"github.com/samsamfire/klipperfleet/pkg/identity"
)

// StatusRequest identifies one device for a status probe.
type StatusRequest struct {
	ID            string
	Method        fleet.Method
	DFUID         string
	SkipMoonraker bool
	IsBridge      bool
	Interface     string
}

func looksLikeBootloader(id string) bool {
	lower := strings.ToLower(id)
	return strings.Contains(lower, "katapult") || strings.Contains(lower, "canboot")
}

// CheckStatus returns the current mode of a single device.
//
// Two subtleties beyond plain enumeration: a bridge's own presence is
// secondary to the health of the interface it provides, and a serial
// device may currently be sitting in DFU, in which case dfu is
// returned so the caller can switch methods.
func (d *Discoverer) CheckStatus(ctx context.Context, req StatusRequest) Mode {
	resolver := identity.NewResolver(d)
	iface := req.Interface
	if iface == "" {
		iface = "can0"
	}

	if req.IsBridge {
		return d.bridgeStatus(ctx, resolver, req, iface)
	}

	switch req.Method {
	case fleet.MethodSerial:
		if d.exists(req.ID) {
			if looksLikeBootloader(req.ID) {
				return ModeReady
			}
			return ModeService
		}
		// Gone from /dev: it may be in DFU,
		if resolved := resolver.ResolveDFU(ctx, req.ID, req.DFUID, false); resolved != req.ID {
			return ModeDFU
		}
		// or it re-enumerated under a different by-id path.
		if resolved := resolver.ResolveSerial(ctx, req.ID, ""); resolved != req.ID && d.exists(resolved) {
			if looksLikeBootloader(resolved) {
				return ModeReady
			}
			return ModeService
		}
		return ModeOffline

	case fleet.MethodCAN:
		for _, dev := range d.CANDevices(ctx, req.SkipMoonraker, false) {
			if dev.ID == req.ID {
				if dev.Mode == "" {
					return ModeOffline
				}
				return dev.Mode
			}
		}
		if req.DFUID != "" {
			if resolved := resolver.ResolveDFU(ctx, req.ID, req.DFUID, false); resolved != req.ID {
				return ModeDFU
			}
		}
		return ModeOffline

	case fleet.MethodDFU:
		resolved := resolver.ResolveDFU(ctx, req.ID, req.DFUID, false)
		for _, dev := range d.DFUDevices(ctx, false) {
			if dev.ID == resolved {
				return ModeDFU
			}
		}
		if serialID := resolver.ResolveSerial(ctx, req.ID, ""); d.exists(serialID) {
			return ModeService
		}
		return ModeOffline

	case fleet.MethodLinux:
		if d.LinuxReady() {
			return ModeService
		}
		return ModeReady
	}
	return ModeUnknown
}

// bridgeStatus checks a USB-to-CAN bridge. The bridge in service means
// the interface is alive; the bridge visible as a serial or DFU device
// means it dropped into its bootloader and the bus is down.
func (d *Discoverer) bridgeStatus(ctx context.Context, resolver *identity.Resolver, req StatusRequest, iface string) Mode {
	targetSerial := identity.ExtractSerial(req.ID)
	for _, s := range d.SerialList(ctx) {
		if s == req.ID {
			return ModeReady
		}
		if targetSerial != "" && strings.Contains(s, targetSerial) {
			return ModeReady
		}
	}

	if req.DFUID != "" {
		resolved := resolver.ResolveDFU(ctx, req.ID, req.DFUID, false)
		for _, dev := range d.DFUDevices(ctx, false) {
			if dev.ID == resolved {
				return ModeReady
			}
		}
	}

	if req.Method == fleet.MethodSerial || strings.HasPrefix(req.ID, "/dev/") {
		// A serial bridge must actually be present to be in service.
		if d.exists(req.ID) && d.InterfaceUp(ctx, iface) {
			return ModeService
		}
		return ModeOffline
	}

	// CAN-identified bridge: the interface being up is the primary
	// signal, refined by the host printer's view when reachable.
	if d.InterfaceUp(ctx, iface) {
		if !req.SkipMoonraker {
			mcus := d.configured(ctx, false)
			if mcu, ok := mcus[req.ID]; ok && mcu.Active {
				return ModeService
			}
			return ModeOffline
		}
		return ModeService
	}
	return ModeOffline
}
