package fleet

// Method is the transport used to reach a device.
type Method string

const (
	MethodSerial Method = "serial"
	MethodCAN    Method = "can"
	MethodDFU    Method = "dfu"
	MethodLinux  Method = "linux"
)

// LinuxProcessID is the fixed id of the host-process MCU.
const LinuxProcessID = "linux_process"

// Device is one registered fleet member. Id is the current stable
// identifier: a /dev/serial/by-id path for serial devices, the
// 12-hex-character UUID for CAN nodes, the USB serial or bus path for
// DFU devices and the literal "linux_process" for the host MCU.
type Device struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Method    Method `json:"method"`
	Profile   string `json:"profile"`
	Interface string `json:"interface,omitempty"`
	Baudrate  int    `json:"baudrate,omitempty"`
	Notes     string `json:"notes,omitempty"`

	IsKatapult bool `json:"is_katapult"`
	IsBridge   bool `json:"is_bridge"`

	// DFUID is the secondary identity the device assumes in DFU mode.
	DFUID string `json:"dfu_id,omitempty"`
	// UseMagicBaud marks devices that enter their bootloader when the
	// serial port is opened at 1200 baud.
	UseMagicBaud bool `json:"use_magic_baud"`
	// UseDFUExit marks DFU bootloaders supporting the ":leave" jump.
	UseDFUExit bool `json:"use_dfu_exit"`

	ExcludeFromBatch bool `json:"exclude_from_batch"`

	FlashedVersion string `json:"flashed_version,omitempty"`
	FlashedCommit  string `json:"flashed_commit,omitempty"`
	LastFlashed    string `json:"last_flashed,omitempty"`
	LiveVersion    string `json:"live_version,omitempty"`

	// OldID carries the previous identity on an explicit identity
	// rewrite. It is consumed by SaveDevice and never persisted.
	OldID string `json:"old_id,omitempty"`

	// Status is filled in by the fleet API from live discovery; it is
	// not persisted.
	Status string `json:"status,omitempty"`
}

// CANInterface returns the CAN interface the device sits on, defaulting
// to can0.
func (d Device) CANInterface() string {
	if d.Interface == "" {
		return "can0"
	}
	return d.Interface
}

// KatapultBaud returns the serial baudrate for the Katapult tool,
// defaulting to 250000.
func (d Device) KatapultBaud() int {
	if d.Baudrate == 0 {
		return 250000
	}
	return d.Baudrate
}
