package discover

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const dfuListOutput = `dfu-util 0.11

Found DFU: [0483:df11] ver=0200, devnum=12, cfg=1, intf=0, path="1-1.2", alt=1, name="@Option Bytes", serial="357236543131"
Found DFU: [0483:df11] ver=0200, devnum=12, cfg=1, intf=0, path="1-1.2", alt=0, name="@Internal Flash  /0x08000000/064*0002Kg", serial="357236543131"
Found DFU: [0483:df11] ver=0200, devnum=14, cfg=1, intf=0, path="1-1.4", alt=0, name="@Internal Flash", serial="UNKNOWN"
`

func TestParseDFUList(t *testing.T) {
	devices := parseDFUList(dfuListOutput)
	require.Len(t, devices, 2, "alt settings deduplicate, UNKNOWN serial falls back to path")

	assert.Equal(t, "357236543131", devices[0].ID)
	assert.Equal(t, "0483:df11", devices[0].VidPid)
	assert.Equal(t, "1-1.2", devices[0].Path)
	assert.Equal(t, ModeReady, devices[0].Mode)
	assert.Equal(t, "DFU Device (0483:df11) S/N: 357236543131", devices[0].Name)

	assert.Equal(t, "1-1.4", devices[1].ID, "UNKNOWN serial uses bus path as id")
}

func TestParseDFUListEmpty(t *testing.T) {
	assert.Empty(t, parseDFUList("dfu-util 0.11\n\nno devices\n"))
}

func TestParseIPLinkInterfaces(t *testing.T) {
	out := `3: can0: <NOARP,UP,LOWER_UP,ECHO> mtu 16 qdisc fq_codel state UP mode DEFAULT group default qlen 1024
    link/can
7: can1@usb0: <NOARP> mtu 16 qdisc noop state DOWN mode DEFAULT group default qlen 10
    link/can
`
	assert.Equal(t, []string{"can0", "can1"}, parseIPLinkInterfaces(out))
}

func TestInterfaceUp(t *testing.T) {
	up := `3: can0: <NOARP,UP,LOWER_UP,ECHO> mtu 16 qdisc fq_codel state UP mode DEFAULT`
	down := `3: can0: <NOARP> mtu 16 qdisc noop state DOWN mode DEFAULT`
	noCarrier := `3: can0: <NO-CARRIER,NOARP,UP,ECHO> mtu 16 qdisc fq_codel state UP mode DEFAULT`

	assert.True(t, interfaceUp(up))
	assert.False(t, interfaceUp(down))
	assert.False(t, interfaceUp(noCarrier), "NO-CARRIER means a dead bus even when UP")
}

func TestParseKatapultQuery(t *testing.T) {
	out := `Sending bootloader request...
Detected UUID: aabbccddeeff, Application: Katapult
Detected UUID: 112233445566, Application: Klipper
Query Complete
`
	results := parseKatapultQuery(out)
	require.Len(t, results, 2)
	assert.Equal(t, canQueryResult{UUID: "aabbccddeeff", Application: "Katapult"}, results[0])
	assert.Equal(t, canQueryResult{UUID: "112233445566", Application: "Klipper"}, results[1])
}

func TestParseKlipperQuery(t *testing.T) {
	out := `Found canbus_uuid=aabbccddeeff, Application: Klipper
Total 1 uuids found
`
	results := parseKlipperQuery(out)
	require.Len(t, results, 1)
	assert.Equal(t, canQueryResult{UUID: "aabbccddeeff", Application: "Klipper"}, results[0])
}

func TestIsCANUUID(t *testing.T) {
	assert.True(t, isCANUUID("aabbccddeeff"))
	assert.True(t, isCANUUID("112233445566"))
	assert.False(t, isCANUUID("AABBCCDDEEFF"), "configured uuids are lowercased first")
	assert.False(t, isCANUUID("aabbccddeef"))
	assert.False(t, isCANUUID("/dev/serial/by-id/usb-x"))
}
