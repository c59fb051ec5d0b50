package http

import (
	"github.com/samsamfire/klipperfleet/pkg/discover"
	"github.com/samsamfire/klipperfleet/pkg/fleet"
)

type ErrorResponse struct {
	Error string `json:"error"`
}

type TaskCreatedResponse struct {
	TaskID string `json:"task_id"`
}

type FleetResponse struct {
	Devices []fleet.Device `json:"devices"`
}

type DiscoverResponse struct {
	Serial []discover.Device `json:"serial"`
	CAN    []discover.Device `json:"can"`
	DFU    []discover.Device `json:"dfu"`
	Linux  []discover.Device `json:"linux"`
}

type ProfilesResponse struct {
	Profiles []string `json:"profiles"`
}

type DeviceUpsertRequest struct {
	fleet.Device
	// OldID swaps a device's identity: the entry under OldID is replaced
	// by this one.
	OldID string `json:"old_id,omitempty"`
}

type FlashRequest struct {
	DeviceID string `json:"device_id"`
}

type RebootRequest struct {
	DeviceID string `json:"device_id"`
	Mode     string `json:"mode"`
}

type ServiceRequest struct {
	Action string `json:"action"`
}

type CancelResponse struct {
	Cancelled bool `json:"cancelled"`
}

type StatusOKResponse struct {
	Status string `json:"status"`
}
