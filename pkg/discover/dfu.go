package discover

import (
	"context"

	"github.com/samsamfire/klipperfleet/internal/proc"
	"github.com/samsamfire/klipperfleet/pkg/bus"
)

// DFUDevices lists devices currently in DFU mode via dfu-util -l.
// The whole scan runs under the DFU lock: dfu-util -l contends with an
// in-progress flash. Results are cached for a short TTL unless force
// is set.
func (d *Discoverer) DFUDevices(ctx context.Context, force bool) []Device {
	d.arbiter.DFU.Lock()
	defer d.arbiter.DFU.Unlock()

	if !force {
		if cached, ok := d.arbiter.DFUCached(); ok {
			return fromCached(cached)
		}
	}

	out, _, err := d.runner.Output(ctx, proc.Command{
		Path: "sudo",
		Args: []string{"dfu-util", "-l"},
	})
	if err != nil {
		d.logger.Warn("dfu-util listing failed", "err", err)
		return nil
	}
	devices := parseDFUList(out)
	d.arbiter.StoreDFU(toCached(devices))
	return devices
}

func toCached(devices []Device) []bus.CachedDevice {
	out := make([]bus.CachedDevice, 0, len(devices))
	for _, d := range devices {
		out = append(out, bus.CachedDevice{
			ID:          d.ID,
			Name:        d.Name,
			Type:        d.Type,
			Mode:        string(d.Mode),
			Application: d.Application,
			Interface:   d.Interface,
			VidPid:      d.VidPid,
			Path:        d.Path,
			Serial:      d.Serial,
		})
	}
	return out
}

func fromCached(cached []bus.CachedDevice) []Device {
	out := make([]Device, 0, len(cached))
	for _, c := range cached {
		out = append(out, Device{
			ID:          c.ID,
			Name:        c.Name,
			Type:        c.Type,
			Mode:        Mode(c.Mode),
			Application: c.Application,
			Interface:   c.Interface,
			VidPid:      c.VidPid,
			Path:        c.Path,
			Serial:      c.Serial,
		})
	}
	return out
}
