package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/samsamfire/klipperfleet/pkg/batch"
	"github.com/samsamfire/klipperfleet/pkg/discover"
	"github.com/samsamfire/klipperfleet/pkg/fleet"
)

func (s *Server) handleFleet(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, ErrMethodNotAllowed)
		return
	}
	devices, err := s.registry.Fleet()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	fast := r.URL.Query().Has("fast")
	skipMoonraker := fast || s.tasks.BusTaskRunning()
	var live map[string]string
	if !skipMoonraker && s.printer != nil {
		live = s.printer.MCUVersions(r.Context())
	}
	for i := range devices {
		devices[i].Status = s.deviceStatus(r, &devices[i], fast, skipMoonraker)
		if v, ok := live[devices[i].ID]; ok {
			devices[i].LiveVersion = v
		}
	}
	writeJSON(w, FleetResponse{Devices: devices})
}

// deviceStatus resolves the live mode of one registered device without
// ever blocking on a bus lock: a held lock reports bus_busy, and fast
// mode skips bus probing entirely. Moonraker is left alone while a bus
// task runs since the printer services are stopped then.
func (s *Server) deviceStatus(r *http.Request, dev *fleet.Device, fast, skipMoonraker bool) string {
	if override, ok := s.tasks.DeviceOverride(dev.Name); ok {
		return override
	}

	usesBus := dev.Method == fleet.MethodCAN || dev.Method == fleet.MethodDFU ||
		(dev.IsBridge && dev.Interface != "")
	if usesBus {
		arb := s.disc.Arbiter()
		if arb.CAN.Busy() || arb.DFU.Busy() {
			return string(discover.ModeBusBusy)
		}
		if fast {
			return string(discover.ModeQuerying)
		}
	}
	mode := s.disc.CheckStatus(r.Context(), discover.StatusRequest{
		ID:            dev.ID,
		Method:        dev.Method,
		DFUID:         dev.DFUID,
		SkipMoonraker: skipMoonraker,
		IsBridge:      dev.IsBridge,
		Interface:     dev.Interface,
	})
	return string(mode)
}

func (s *Server) handleFleetDevice(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req DeviceUpsertRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, ErrInvalidBody)
			return
		}
		dev := req.Device
		if dev.ID == "" || dev.Name == "" || dev.Method == "" {
			writeError(w, http.StatusBadRequest, fmt.Errorf("id, name and method are required"))
			return
		}
		switch dev.Method {
		case fleet.MethodSerial, fleet.MethodCAN, fleet.MethodDFU, fleet.MethodLinux:
		default:
			writeError(w, http.StatusBadRequest, fmt.Errorf("unknown method %q", dev.Method))
			return
		}
		if req.OldID != "" && req.OldID != dev.ID {
			if err := s.registry.RemoveDevice(req.OldID); err != nil && !errors.Is(err, fleet.ErrNotFound) {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
		}
		if err := s.registry.SaveDevice(dev); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, StatusOKResponse{Status: "ok"})

	case http.MethodDelete:
		id := r.URL.Query().Get("device_id")
		if id == "" {
			writeError(w, http.StatusBadRequest, fmt.Errorf("device_id is required"))
			return
		}
		if err := s.registry.RemoveDevice(id); err != nil {
			if errors.Is(err, fleet.ErrNotFound) {
				writeError(w, http.StatusNotFound, ErrUnknownDevice)
				return
			}
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, StatusOKResponse{Status: "ok"})

	default:
		writeError(w, http.StatusMethodNotAllowed, ErrMethodNotAllowed)
	}
}

func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, ErrMethodNotAllowed)
		return
	}
	force := r.URL.Query().Has("force")
	skipMoonraker := s.tasks.BusTaskRunning()
	ctx := r.Context()
	resp := DiscoverResponse{
		Serial: s.disc.SerialDevices(ctx, skipMoonraker),
		CAN:    s.disc.CANDevices(ctx, skipMoonraker, force),
		DFU:    s.disc.DFUDevices(ctx, force),
		Linux:  s.disc.LinuxProcess(),
	}
	writeJSON(w, resp)
}

func (s *Server) handleProfiles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, ErrMethodNotAllowed)
		return
	}
	writeJSON(w, ProfilesResponse{Profiles: s.profiles.Profiles()})
}

func (s *Server) handleBuild(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, ErrMethodNotAllowed)
		return
	}
	profile := strings.TrimPrefix(r.URL.Path, "/build/")
	if profile == "" || !contains(s.profiles.Profiles(), profile) {
		writeError(w, http.StatusNotFound, ErrUnknownProfile)
		return
	}
	taskID := s.launch("build "+profile, false, func(ctx context.Context, id string) {
		s.batcher.BuildOne(ctx, id, profile)
	})
	writeJSON(w, TaskCreatedResponse{TaskID: taskID})
}

func (s *Server) handleFlash(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, ErrMethodNotAllowed)
		return
	}
	var req FlashRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DeviceID == "" {
		writeError(w, http.StatusBadRequest, ErrInvalidBody)
		return
	}
	if err := s.batcher.ArtifactReady(req.DeviceID); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	taskID := s.launch("flash "+req.DeviceID, true, func(ctx context.Context, id string) {
		s.batcher.FlashOne(ctx, id, req.DeviceID)
	})
	writeJSON(w, TaskCreatedResponse{TaskID: taskID})
}

func (s *Server) handleReboot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, ErrMethodNotAllowed)
		return
	}
	var req RebootRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DeviceID == "" {
		writeError(w, http.StatusBadRequest, ErrInvalidBody)
		return
	}
	switch req.Mode {
	case "katapult", "dfu", "application", "app":
	default:
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown reboot mode %q", req.Mode))
		return
	}
	taskID := s.launch("reboot "+req.DeviceID, true, func(ctx context.Context, id string) {
		s.batcher.RebootOne(ctx, id, req.DeviceID, req.Mode)
	})
	writeJSON(w, TaskCreatedResponse{TaskID: taskID})
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, ErrMethodNotAllowed)
		return
	}
	action, err := batch.ParseAction(strings.TrimPrefix(r.URL.Path, "/batch/"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	taskID := s.launch("batch "+string(action), true, func(ctx context.Context, id string) {
		s.batcher.Run(ctx, id, action)
	})
	writeJSON(w, TaskCreatedResponse{TaskID: taskID})
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, ErrMethodNotAllowed)
		return
	}
	writeJSON(w, s.tasks.List())
}

func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, ErrMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/task/status/")
	snap, ok := s.tasks.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, ErrUnknownTask)
		return
	}
	writeJSON(w, snap)
}

func (s *Server) handleTaskCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, ErrMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/task/cancel/")
	if _, ok := s.tasks.Get(id); !ok {
		writeError(w, http.StatusNotFound, ErrUnknownTask)
		return
	}
	writeJSON(w, CancelResponse{Cancelled: s.tasks.Cancel(id)})
}

func (s *Server) handleServicesStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, ErrMethodNotAllowed)
		return
	}
	writeJSON(w, s.services.Status(r.Context()))
}

func (s *Server) handleServicesManage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, ErrMethodNotAllowed)
		return
	}
	var req ServiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrInvalidBody)
		return
	}
	switch req.Action {
	case "start", "stop", "restart":
	default:
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown service action %q", req.Action))
		return
	}
	s.services.Apply(r.Context(), req.Action)
	if s.printer != nil && req.Action != "stop" {
		// Klipper drops its MCU links while services bounce; nudge it to
		// reconnect. Failures are expected while moonraker comes back up.
		if err := s.printer.FirmwareRestart(r.Context()); err != nil {
			s.logger.Debug("firmware restart after service action failed", "err", err)
		}
	}
	writeJSON(w, StatusOKResponse{Status: "ok"})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, ErrMethodNotAllowed)
		return
	}
	profile := strings.TrimPrefix(r.URL.Path, "/download/")
	if profile == "" || !contains(s.profiles.Profiles(), profile) {
		writeError(w, http.StatusNotFound, ErrUnknownProfile)
		return
	}
	http.ServeFile(w, r, s.profiles.ArtifactPath(profile))
}

func contains(items []string, s string) bool {
	for _, item := range items {
		if item == s {
			return true
		}
	}
	return false
}
