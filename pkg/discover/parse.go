package discover

import (
	"strings"
)

// parseDFUList extracts devices from dfu-util -l output. A device in
// DFU lists one line per alt setting; entries are deduplicated by the
// chosen id (serial unless missing or UNKNOWN, then bus path).
//
// Example line:
//
//	Found DFU: [0483:df11] ver=0200, devnum=12, cfg=1, intf=0, path="1-1.2", alt=0, name="@Internal Flash ...", serial="357236543131"
func parseDFUList(output string) []Device {
	var devices []Device
	seen := map[string]bool{}
	for _, line := range strings.Split(output, "\n") {
		if !strings.Contains(line, "Found DFU:") {
			continue
		}
		vidPid := quotedOrBracketed(line, "[", "]")
		serial := quotedField(line, `serial="`)
		path := quotedField(line, `path="`)

		id := serial
		if id == "" || id == "UNKNOWN" {
			id = path
		}
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true

		name := "DFU Device (" + vidPid + ")"
		if serial != "" {
			name += " S/N: " + serial
		}
		devices = append(devices, Device{
			ID:     id,
			Name:   name,
			Type:   "dfu",
			Mode:   ModeReady,
			VidPid: vidPid,
			Path:   path,
			Serial: serial,
		})
	}
	return devices
}

func quotedOrBracketed(line, open, end string) string {
	i := strings.Index(line, open)
	if i < 0 {
		return ""
	}
	rest := line[i+len(open):]
	j := strings.Index(rest, end)
	if j < 0 {
		return ""
	}
	return rest[:j]
}

func quotedField(line, prefix string) string {
	i := strings.Index(line, prefix)
	if i < 0 {
		return ""
	}
	rest := line[i+len(prefix):]
	j := strings.Index(rest, `"`)
	if j < 0 {
		return ""
	}
	return rest[:j]
}

// parseIPLinkInterfaces extracts interface names from
// `ip link show type can` output ("3: can0: <NOARP,UP,...>" lines,
// "@" suffixes stripped).
func parseIPLinkInterfaces(output string) []string {
	var ifaces []string
	for _, line := range strings.Split(output, "\n") {
		if !strings.Contains(line, ": ") {
			continue
		}
		fields := strings.SplitN(line, ":", 3)
		if len(fields) < 2 {
			continue
		}
		name := strings.TrimSpace(fields[1])
		name = strings.SplitN(name, "@", 2)[0]
		if name != "" {
			ifaces = append(ifaces, name)
		}
	}
	return ifaces
}

// interfaceUp reports whether `ip link show <iface>` output describes
// an interface that is UP with a carrier.
func interfaceUp(output string) bool {
	up := strings.Contains(output, "state UP") || strings.Contains(output, "state UNKNOWN")
	return up && !strings.Contains(output, "NO-CARRIER")
}

// canQueryResult is one UUID reported by a bus query tool.
type canQueryResult struct {
	UUID        string
	Application string
}

// parseKatapultQuery parses Katapult flashtool -q output. Lines look
// like "Detected UUID: aabbccddeeff, Application: Katapult".
func parseKatapultQuery(output string) []canQueryResult {
	var results []canQueryResult
	for _, line := range strings.Split(output, "\n") {
		if !strings.Contains(line, "UUID:") {
			continue
		}
		line = strings.ReplaceAll(line, "Detected UUID:", "UUID:")
		parts := strings.Split(line, ",")
		uuid := strings.TrimSpace(strings.SplitN(parts[0], "UUID:", 2)[1])
		app := "Unknown"
		if len(parts) > 1 && strings.Contains(parts[1], "Application:") {
			app = strings.TrimSpace(strings.SplitN(parts[1], "Application:", 2)[1])
		}
		results = append(results, canQueryResult{UUID: uuid, Application: app})
	}
	return results
}

// parseKlipperQuery parses klipper canbus_query.py output. Lines look
// like "Found canbus_uuid=aabbccddeeff, Application: Klipper".
func parseKlipperQuery(output string) []canQueryResult {
	var results []canQueryResult
	for _, line := range strings.Split(output, "\n") {
		if !strings.Contains(line, "canbus_uuid=") {
			continue
		}
		after := strings.SplitN(line, "canbus_uuid=", 2)[1]
		uuid := strings.TrimSpace(strings.SplitN(after, ",", 2)[0])
		app := "Unknown"
		if strings.Contains(line, "Application:") {
			app = strings.TrimSpace(strings.SplitN(line, "Application:", 2)[1])
		}
		results = append(results, canQueryResult{UUID: uuid, Application: app})
	}
	return results
}

// isCANUUID reports whether id is a 12-character lowercase hex UUID.
func isCANUUID(id string) bool {
	if len(id) != 12 {
		return false
	}
	for _, c := range id {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
