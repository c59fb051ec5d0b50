// Package http exposes the orchestrator over a small JSON API: fleet
// registry, discovery, build/flash/batch task launches and task
// observation.
package http

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/samsamfire/klipperfleet/pkg/batch"
	"github.com/samsamfire/klipperfleet/pkg/bus"
	"github.com/samsamfire/klipperfleet/pkg/discover"
	"github.com/samsamfire/klipperfleet/pkg/fleet"
	"github.com/samsamfire/klipperfleet/pkg/task"
)

// Registry is the persisted fleet the API edits.
type Registry interface {
	Fleet() ([]fleet.Device, error)
	SaveDevice(device fleet.Device) error
	RemoveDevice(id string) error
}

// Discovery observes live devices.
type Discovery interface {
	CheckStatus(ctx context.Context, req discover.StatusRequest) discover.Mode
	SerialDevices(ctx context.Context, skipMoonraker bool) []discover.Device
	CANDevices(ctx context.Context, skipMoonraker, force bool) []discover.Device
	DFUDevices(ctx context.Context, force bool) []discover.Device
	LinuxProcess() []discover.Device
	Arbiter() *bus.Arbiter
}

// Batcher runs the long operations behind task ids.
type Batcher interface {
	Run(ctx context.Context, taskID string, action batch.Action)
	FlashOne(ctx context.Context, taskID, deviceID string)
	RebootOne(ctx context.Context, taskID, deviceID, target string)
	BuildOne(ctx context.Context, taskID, profile string)
	ArtifactReady(deviceID string) error
}

// Profiles lists saved firmware profiles and their artifacts.
type Profiles interface {
	Profiles() []string
	ArtifactPath(profile string) string
}

// ServiceControl manages the printer systemd units.
type ServiceControl interface {
	Status(ctx context.Context) map[string]string
	Apply(ctx context.Context, action string) string
}

// Printer is the host printer service view: live firmware versions for
// the fleet listing and the reconnect nudge after services come back.
// May be nil.
type Printer interface {
	MCUVersions(ctx context.Context) map[string]string
	FirmwareRestart(ctx context.Context) error
}

type Server struct {
	logger   *slog.Logger
	serveMux *http.ServeMux

	registry Registry
	disc     Discovery
	tasks    *task.Store
	batcher  Batcher
	profiles Profiles
	services ServiceControl
	printer  Printer
}

func NewServer(registry Registry, disc Discovery, tasks *task.Store, batcher Batcher,
	profiles Profiles, services ServiceControl, printer Printer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		logger:   logger.With("service", "[HTTP]"),
		serveMux: http.NewServeMux(),
		registry: registry,
		disc:     disc,
		tasks:    tasks,
		batcher:  batcher,
		profiles: profiles,
		services: services,
		printer:  printer,
	}

	s.serveMux.HandleFunc("/fleet", s.handleFleet)
	s.serveMux.HandleFunc("/fleet/device", s.handleFleetDevice)
	s.serveMux.HandleFunc("/devices/discover", s.handleDiscover)
	s.serveMux.HandleFunc("/profiles", s.handleProfiles)
	s.serveMux.HandleFunc("/build/", s.handleBuild)
	s.serveMux.HandleFunc("/flash", s.handleFlash)
	s.serveMux.HandleFunc("/flash/reboot", s.handleReboot)
	s.serveMux.HandleFunc("/batch/", s.handleBatch)
	s.serveMux.HandleFunc("/tasks", s.handleTasks)
	s.serveMux.HandleFunc("/task/status/", s.handleTaskStatus)
	s.serveMux.HandleFunc("/task/cancel/", s.handleTaskCancel)
	s.serveMux.HandleFunc("/task/logs/", s.handleTaskLogs)
	s.serveMux.HandleFunc("/services/status", s.handleServicesStatus)
	s.serveMux.HandleFunc("/services/manage", s.handleServicesManage)
	s.serveMux.HandleFunc("/download/", s.handleDownload)
	return s
}

// Process server, blocking
func (s *Server) ListenAndServe(addr string) error {
	s.logger.Info("listening", "addr", addr)
	return http.ListenAndServe(addr, s.serveMux)
}

// ServeMux exposes the router, mainly for tests.
func (s *Server) ServeMux() *http.ServeMux { return s.serveMux }

// launch registers a task and runs fn on its own goroutine. The task
// context survives the HTTP request.
func (s *Server) launch(name string, busTask bool, fn func(ctx context.Context, taskID string)) string {
	taskID, ctx := s.tasks.Create(context.Background(), name, busTask)
	go fn(ctx, taskID)
	return taskID
}
