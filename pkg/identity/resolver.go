// Package identity maps a device identity across mode transitions.
//
// A device's stable id changes when it swaps between application
// firmware, Katapult and DFU: the USB product string differs per mode,
// so the by-id path differs, while the underlying serial number
// usually survives. The resolver finds the current physical id; it
// never rewrites the registry itself.
package identity

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// DFUDevice is the slice of a DFU listing the resolver needs.
type DFUDevice struct {
	ID     string
	Serial string
}

// Scanner provides current device listings. Implemented by the
// discoverer; tests substitute fixed lists.
type Scanner interface {
	DFUList(ctx context.Context) []DFUDevice
	SerialList(ctx context.Context) []string
}

type Resolver struct {
	scanner Scanner
	// exists is an os.Stat seam for tests.
	exists func(string) bool
}

func NewResolver(scanner Scanner) *Resolver {
	return &Resolver{
		scanner: scanner,
		exists: func(path string) bool {
			_, err := os.Stat(path)
			return err == nil
		},
	}
}

// tokens dropped from by-id basenames before picking the serial:
// vendor/product words that are not serial numbers.
var dropTokens = map[string]bool{
	"usb":      true,
	"Klipper":  true,
	"katapult": true,
	"CanBoot":  true,
	"00":       true,
}

// ExtractSerial pulls a probable serial number out of a device id.
// For a by-id path the basename is split on underscore and hyphen
// boundaries and the longest non-generic token wins. A short slash-free
// id is assumed to already be a serial.
func ExtractSerial(deviceID string) string {
	if deviceID == "" {
		return ""
	}
	if strings.HasPrefix(deviceID, "/dev/serial/by-id/") {
		filename := strings.ReplaceAll(filepath.Base(deviceID), "-if", "_")
		parts := strings.FieldsFunc(filename, func(r rune) bool {
			return r == '_' || r == '-'
		})
		var candidates []string
		for _, p := range parts {
			if p != "" && !dropTokens[p] {
				candidates = append(candidates, p)
			}
		}
		if len(candidates) > 0 {
			sort.SliceStable(candidates, func(i, j int) bool {
				return len(candidates[i]) > len(candidates[j])
			})
			return candidates[0]
		}
		return ""
	}
	if !strings.Contains(deviceID, "/") && len(deviceID) > 5 {
		return deviceID
	}
	return ""
}

// ResolveDFU finds the DFU id matching deviceID. Match order: exact
// known DFU id, then serial-number match, then the sole connected DFU
// device unless strict disables that fallback. Returns deviceID
// unchanged on failure.
func (r *Resolver) ResolveDFU(ctx context.Context, deviceID, knownDFUID string, strict bool) string {
	devs := r.scanner.DFUList(ctx)
	if len(devs) == 0 {
		return deviceID
	}

	if knownDFUID != "" {
		for _, d := range devs {
			if d.ID == knownDFUID {
				return d.ID
			}
		}
		// The known id may be a generic product name (e.g.
		// STM32FxSTM32); with a single device connected assume it.
		if !strict && len(devs) == 1 {
			return devs[0].ID
		}
	}

	targetSerial := ExtractSerial(deviceID)
	for _, d := range devs {
		if d.ID == deviceID {
			return d.ID
		}
		if d.Serial != "" && targetSerial != "" && d.Serial == targetSerial {
			return d.ID
		}
	}

	if !strict && len(devs) == 1 {
		return devs[0].ID
	}
	return deviceID
}

// ResolveSerial finds the serial path matching a DFU id or a stale
// serial id. Returns deviceID unchanged on failure.
func (r *Resolver) ResolveSerial(ctx context.Context, deviceID, knownSerialID string) string {
	if knownSerialID != "" && r.exists(knownSerialID) {
		return knownSerialID
	}
	if r.exists(deviceID) {
		return deviceID
	}

	serials := r.scanner.SerialList(ctx)

	targetSerial := ExtractSerial(deviceID)
	if targetSerial == "" {
		// Maybe the input is a DFU id: look its serial up.
		for _, d := range r.scanner.DFUList(ctx) {
			if d.ID == deviceID {
				targetSerial = d.Serial
				break
			}
		}
	}
	if targetSerial != "" {
		for _, s := range serials {
			if strings.Contains(s, targetSerial) {
				return s
			}
		}
	}
	return deviceID
}
