// Package batch runs the fleet-wide firmware pipeline: build the
// distinct profiles, stop the printer services, drop every target into
// a bootloader, flash them bridges-last, and bring the services back
// whatever happened in between.
package batch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/samsamfire/klipperfleet/pkg/build"
	"github.com/samsamfire/klipperfleet/pkg/discover"
	"github.com/samsamfire/klipperfleet/pkg/fleet"
	"github.com/samsamfire/klipperfleet/pkg/flash"
	"github.com/samsamfire/klipperfleet/pkg/identity"
	"github.com/samsamfire/klipperfleet/pkg/task"
)

// Action selects which pipeline phases run.
type Action string

const (
	ActionBuild           Action = "build"
	ActionFlashReady      Action = "flash-ready"
	ActionFlashAll        Action = "flash-all"
	ActionBuildFlashReady Action = "build-flash-ready"
	ActionBuildFlashAll   Action = "build-flash-all"
)

// ParseAction validates an action string from the API.
func ParseAction(s string) (Action, error) {
	switch Action(s) {
	case ActionBuild, ActionFlashReady, ActionFlashAll, ActionBuildFlashReady, ActionBuildFlashAll:
		return Action(s), nil
	}
	return "", fmt.Errorf("unknown batch action %q", s)
}

func (a Action) builds() bool { return strings.Contains(string(a), "build") }
func (a Action) flashes() bool {
	return strings.Contains(string(a), "flash")
}

// readyOnly actions never reboot in-service devices; whatever is not
// already in a bootloader gets skipped.
func (a Action) readyOnly() bool { return strings.HasSuffix(string(a), "ready") }

// Builder compiles profiles and locates their artifacts.
type Builder interface {
	Build(ctx context.Context, profile string, sink func(string)) (build.Artifact, error)
	ArtifactPath(profile string) string
	ConfigPath(profile string) string
	ReadInfo(profile string) (build.Info, error)
}

// Services controls the printer systemd units. Apply returns its
// one-line outcome summary for the task log.
type Services interface {
	Apply(ctx context.Context, action string) string
}

// Transitions moves devices between modes.
type Transitions interface {
	RebootToKatapult(ctx context.Context, dev fleet.Device) error
	RebootToDFU(ctx context.Context, dev fleet.Device) error
	RebootToApp(ctx context.Context, dev fleet.Device) error
}

// Flashers writes firmware per transport.
type Flashers interface {
	FlashSerial(ctx context.Context, dev fleet.Device, firmware string, sink func(string)) error
	FlashCAN(ctx context.Context, dev fleet.Device, firmware string, sink func(string)) error
	FlashDFU(ctx context.Context, dev fleet.Device, firmware string, addr uint32, sink func(string)) error
	FlashLinux(ctx context.Context, firmware string, sink func(string)) error
}

// Registry is the persisted fleet.
type Registry interface {
	Fleet() ([]fleet.Device, error)
	RecordFlash(id, version, commit, timestamp string) error
	RewriteID(oldID, newID string, method fleet.Method) error
}

// Prober observes current device state.
type Prober interface {
	identity.Scanner
	CANDevices(ctx context.Context, skipMoonraker, force bool) []discover.Device
	CheckStatus(ctx context.Context, req discover.StatusRequest) discover.Mode
	EnsureCANUp(ctx context.Context, iface string)
	InterfaceUp(ctx context.Context, iface string) bool
}

type Orchestrator struct {
	logger   *slog.Logger
	tasks    *task.Store
	registry Registry
	builder  Builder
	services Services
	trans    Transitions
	flasher  Flashers
	probe    Prober

	sleep  func(ctx context.Context, d time.Duration)
	exists func(string) bool
	now    func() time.Time

	rebootPoll time.Duration
	rebootWait time.Duration
	manualWait time.Duration
	adoptWait  time.Duration
}

func New(tasks *task.Store, registry Registry, builder Builder, services Services,
	trans Transitions, flasher Flashers, probe Prober, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		logger:   logger.With("service", "[BATCH]"),
		tasks:    tasks,
		registry: registry,
		builder:  builder,
		services: services,
		trans:    trans,
		flasher:  flasher,
		probe:    probe,
		sleep:    sleepCtx,
		exists: func(path string) bool {
			_, err := os.Stat(path)
			return err == nil
		},
		now:        time.Now,
		rebootPoll: 2 * time.Second,
		rebootWait: 30 * time.Second,
		manualWait: 60 * time.Second,
		adoptWait:  30 * time.Second,
	}
}

// results keeps per-key outcomes in insertion order for the summary.
type results struct {
	order   []string
	entries map[string]string
}

func newResults() *results {
	return &results{entries: make(map[string]string)}
}

func (r *results) set(key, value string) {
	if _, ok := r.entries[key]; !ok {
		r.order = append(r.order, key)
	}
	r.entries[key] = value
}

func (r *results) has(key string) bool {
	_, ok := r.entries[key]
	return ok
}

// Run executes one batch action to completion. It is meant to be
// launched on its own goroutine; everything observable lands in the
// task store.
func (o *Orchestrator) Run(ctx context.Context, taskID string, action Action) {
	buildResults := newResults()
	flashResults := newResults()
	servicesStopped := false
	summaryDone := false
	status := task.StatusCompleted

	emitSummary := func() {
		if summaryDone {
			return
		}
		summaryDone = true
		o.writeSummary(taskID, buildResults, flashResults)
	}

	defer func() {
		if r := recover(); r != nil {
			o.log(taskID, fmt.Sprintf("!!! CRITICAL ERROR: %v", r))
			o.logger.Error("batch task panicked", "task", taskID, "panic", r)
			status = task.StatusFailed
		}
		if servicesStopped {
			// The task context may already be cancelled; services come
			// back regardless, and the log shows it after the summary.
			o.log(taskID, o.services.Apply(context.Background(), "start"))
		}
		o.tasks.Complete(taskID, status)
	}()

	o.log(taskID, fmt.Sprintf("Starting batch action: %s", action))
	devices, err := o.registry.Fleet()
	if err != nil {
		o.log(taskID, fmt.Sprintf("!!! Error reading fleet: %v", err))
		status = task.StatusFailed
		emitSummary()
		return
	}

	targets := make([]*fleet.Device, 0, len(devices))
	for i := range devices {
		dev := &devices[i]
		if action.flashes() && dev.ExcludeFromBatch {
			flashResults.set(dev.Name, "EXCLUDED")
			continue
		}
		targets = append(targets, dev)
	}

	if action.builds() {
		if o.buildPhase(ctx, taskID, targets, buildResults) {
			emitSummary()
			return
		}
	}

	if action.flashes() {
		servicesStopped = o.flashPhase(ctx, taskID, action, targets, buildResults, flashResults)
	}

	emitSummary()
}

// buildPhase compiles every distinct profile. Returns true when the
// task was cancelled mid-way.
func (o *Orchestrator) buildPhase(ctx context.Context, taskID string, targets []*fleet.Device, buildResults *results) bool {
	var profiles []string
	seen := map[string]bool{}
	for _, dev := range targets {
		if dev.Profile == "" || seen[dev.Profile] {
			continue
		}
		seen[dev.Profile] = true
		profiles = append(profiles, dev.Profile)
	}

	for _, profile := range profiles {
		if o.cancelled(taskID) {
			return true
		}
		o.log(taskID, fmt.Sprintf("Building profile: %s", profile))
		if _, err := o.builder.Build(ctx, profile, o.tasks.Sink(taskID)); err != nil {
			o.log(taskID, fmt.Sprintf("!!! Build failed for %s: %v", profile, err))
			buildResults.set(profile, "FAILED")
			continue
		}
		buildResults.set(profile, "SUCCESS")
	}
	return false
}

// flashPhase runs pre-stop discovery, the reboot wave and the flash
// wave. Returns whether services were stopped, so the caller's finally
// can restart them.
func (o *Orchestrator) flashPhase(ctx context.Context, taskID string, action Action,
	targets []*fleet.Device, buildResults, flashResults *results) bool {

	if len(targets) == 0 {
		o.log(taskID, "No devices to flash")
		return false
	}

	// Pre-stop discovery runs while moonraker is still up, so
	// configured-MCU context is available.
	statuses := o.preStopDiscovery(ctx, taskID, targets)

	var rebootQueue []*fleet.Device
	if !action.readyOnly() {
		for _, dev := range targets {
			if statuses[dev.ID] != discover.ModeService || dev.IsBridge {
				continue
			}
			switch dev.Method {
			case fleet.MethodCAN, fleet.MethodSerial, fleet.MethodDFU:
				rebootQueue = append(rebootQueue, dev)
			}
		}
	}

	if o.cancelled(taskID) {
		return false
	}

	o.log(taskID, "Stopping printer services")
	o.log(taskID, o.services.Apply(ctx, "stop"))

	initialSerials := toSet(o.probe.SerialList(ctx))

	if len(rebootQueue) > 0 && !o.cancelled(taskID) {
		o.rebootWave(ctx, taskID, rebootQueue)
	}

	o.flashWave(ctx, taskID, targets, initialSerials, buildResults, flashResults)
	return true
}

func (o *Orchestrator) preStopDiscovery(ctx context.Context, taskID string, targets []*fleet.Device) map[string]discover.Mode {
	o.log(taskID, "Discovering current device states")
	statuses := make(map[string]discover.Mode, len(targets))

	canSeen := map[string]discover.Mode{}
	hasCAN := false
	for _, dev := range targets {
		if dev.Method == fleet.MethodCAN && !dev.IsBridge {
			hasCAN = true
		}
	}
	if hasCAN {
		for _, found := range o.probe.CANDevices(ctx, false, true) {
			canSeen[found.ID] = found.Mode
		}
	}

	for _, dev := range targets {
		if dev.Method == fleet.MethodCAN && !dev.IsBridge {
			mode, ok := canSeen[dev.ID]
			if !ok {
				mode = discover.ModeOffline
			}
			statuses[dev.ID] = mode
			continue
		}
		statuses[dev.ID] = o.probe.CheckStatus(ctx, statusRequest(dev, false))
	}
	for _, dev := range targets {
		o.log(taskID, fmt.Sprintf("  %s: %s", dev.Name, statuses[dev.ID]))
	}
	return statuses
}

// rebootWave sends every queued device towards its bootloader, then
// polls until all of them arrive or the window closes.
func (o *Orchestrator) rebootWave(ctx context.Context, taskID string, queue []*fleet.Device) {
	manual := false
	for _, dev := range queue {
		if o.cancelled(taskID) {
			return
		}
		switch {
		case dev.Method == fleet.MethodDFU && dev.UseMagicBaud:
			o.log(taskID, fmt.Sprintf("Rebooting %s into DFU", dev.Name))
			if err := o.trans.RebootToDFU(ctx, *dev); err != nil {
				o.log(taskID, fmt.Sprintf("!!! Error rebooting %s to DFU: %v", dev.Name, err))
			}
		case dev.Method == fleet.MethodDFU:
			o.log(taskID, fmt.Sprintf("Please put %s into DFU mode manually now", dev.Name))
			manual = true
		default:
			o.log(taskID, fmt.Sprintf("Rebooting %s into Katapult", dev.Name))
			if err := o.trans.RebootToKatapult(ctx, *dev); err != nil {
				o.log(taskID, fmt.Sprintf("!!! Error rebooting %s: %v", dev.Name, err))
			}
		}
	}

	wait := o.rebootWait
	if manual {
		wait = o.manualWait
	}

	ifaces := map[string]bool{}
	for _, dev := range queue {
		if dev.Method == fleet.MethodCAN {
			ifaces[dev.CANInterface()] = true
		}
	}

	resolver := identity.NewResolver(o.probe)
	strict := len(queue) > 1
	deadline := o.now().Add(wait)
	for {
		if o.cancelled(taskID) {
			return
		}
		ready := 0
		for _, dev := range queue {
			o.refreshIdentity(ctx, taskID, resolver, dev, strict)
			mode := o.probe.CheckStatus(ctx, statusRequest(dev, true))
			if mode == discover.ModeReady || mode == discover.ModeDFU {
				ready++
			}
		}
		// A bridge rebooting unexpectedly takes the bus down with it.
		for iface := range ifaces {
			if !o.probe.InterfaceUp(ctx, iface) {
				o.log(taskID, fmt.Sprintf("CAN interface %s lost carrier, bringing it back up", iface))
				o.probe.EnsureCANUp(ctx, iface)
			}
		}
		if ready == len(queue) {
			o.log(taskID, "All devices reached their bootloader")
			return
		}
		if !o.now().Before(deadline) {
			o.log(taskID, fmt.Sprintf("Reboot wave timed out with %d/%d devices ready", ready, len(queue)))
			return
		}
		o.sleep(ctx, o.rebootPoll)
	}
}

// refreshIdentity updates a device record in memory when it re-appeared
// under a different identity after a reboot.
func (o *Orchestrator) refreshIdentity(ctx context.Context, taskID string, resolver *identity.Resolver, dev *fleet.Device, strict bool) {
	if resolved := resolver.ResolveDFU(ctx, dev.ID, dev.DFUID, strict); resolved != dev.ID {
		if dev.Method != fleet.MethodDFU || dev.DFUID != resolved {
			o.log(taskID, fmt.Sprintf("%s surfaced as DFU device %s", dev.Name, resolved))
			dev.Method = fleet.MethodDFU
			dev.DFUID = resolved
		}
		return
	}
	if dev.Method == fleet.MethodSerial {
		if resolved := resolver.ResolveSerial(ctx, dev.ID, ""); resolved != dev.ID {
			o.log(taskID, fmt.Sprintf("%s re-enumerated as %s", dev.Name, resolved))
			o.adoptID(taskID, dev, resolved, fleet.MethodSerial)
		}
	}
}

// adoptID promotes a confirmed identity change into the registry and
// the in-memory record.
func (o *Orchestrator) adoptID(taskID string, dev *fleet.Device, newID string, method fleet.Method) {
	if err := o.registry.RewriteID(dev.ID, newID, method); err != nil {
		o.log(taskID, fmt.Sprintf("Warning: could not persist new id for %s: %v", dev.Name, err))
	}
	dev.ID = newID
	dev.Method = method
}

// flashWave flashes every target, bridges last.
func (o *Orchestrator) flashWave(ctx context.Context, taskID string, targets []*fleet.Device,
	initialSerials map[string]bool, buildResults, flashResults *results) {

	ordered := make([]*fleet.Device, len(targets))
	copy(ordered, targets)
	sort.SliceStable(ordered, func(i, j int) bool {
		return !ordered[i].IsBridge && ordered[j].IsBridge
	})

	for _, dev := range ordered {
		if o.cancelled(taskID) {
			return
		}
		if flashResults.has(dev.Name) {
			continue
		}
		if dev.Profile == "" {
			flashResults.set(dev.Name, "SKIPPED (no profile)")
			continue
		}
		if buildResults.entries[dev.Profile] == "FAILED" {
			flashResults.set(dev.Name, "SKIPPED (build failed)")
			continue
		}

		mode := o.probe.CheckStatus(ctx, statusRequest(dev, true))
		if dev.IsBridge && mode == discover.ModeService {
			mode = o.rebootBridge(ctx, taskID, dev, initialSerials)
		}
		if mode != discover.ModeReady && mode != discover.ModeDFU && dev.Method != fleet.MethodLinux {
			flashResults.set(dev.Name, fmt.Sprintf("SKIPPED (%s)", mode))
			continue
		}

		o.tasks.SetDeviceStatus(taskID, dev.Name, "flashing")
		o.log(taskID, fmt.Sprintf("Flashing %s (%s)", dev.Name, dev.Profile))
		if err := o.flashOneDevice(ctx, taskID, dev, mode); err != nil {
			o.tasks.SetDeviceStatus(taskID, dev.Name, "failed")
			o.log(taskID, fmt.Sprintf("!!! Error flashing %s: %v", dev.Name, err))
			flashResults.set(dev.Name, fmt.Sprintf("FAILED (%v)", err))
			continue
		}
		o.tasks.SetDeviceStatus(taskID, dev.Name, "ready")
		flashResults.set(dev.Name, "SUCCESS")
		o.recordFlash(taskID, dev)
	}
}

// rebootBridge drops a still-in-service bridge into its bootloader and
// adopts whatever new identity it comes back with.
func (o *Orchestrator) rebootBridge(ctx context.Context, taskID string, dev *fleet.Device, initialSerials map[string]bool) discover.Mode {
	o.log(taskID, fmt.Sprintf("Rebooting bridge %s", dev.Name))
	initialDFU := map[string]bool{}
	for _, d := range o.probe.DFUList(ctx) {
		initialDFU[d.ID] = true
	}

	var err error
	if dev.Method == fleet.MethodDFU {
		err = o.trans.RebootToDFU(ctx, *dev)
	} else {
		err = o.trans.RebootToKatapult(ctx, *dev)
	}
	if err != nil {
		o.log(taskID, fmt.Sprintf("!!! Error rebooting bridge %s: %v", dev.Name, err))
	}

	deadline := o.now().Add(o.adoptWait)
	for {
		if o.cancelled(taskID) {
			return discover.ModeOffline
		}
		for _, d := range o.probe.DFUList(ctx) {
			if !initialDFU[d.ID] {
				o.log(taskID, fmt.Sprintf("Bridge %s adopted as DFU device %s", dev.Name, d.ID))
				dev.Method = fleet.MethodDFU
				dev.DFUID = d.ID
				return discover.ModeDFU
			}
		}
		if adopted := pickNewSerial(o.probe.SerialList(ctx), initialSerials); adopted != "" {
			o.log(taskID, fmt.Sprintf("Bridge %s adopted as serial device %s", dev.Name, adopted))
			o.adoptID(taskID, dev, adopted, fleet.MethodSerial)
			return discover.ModeReady
		}
		if !o.now().Before(deadline) {
			o.log(taskID, fmt.Sprintf("Bridge %s never surfaced in a bootloader", dev.Name))
			return discover.ModeService
		}
		o.sleep(ctx, o.rebootPoll)
	}
}

// pickNewSerial chooses among serial ids that were absent from the
// initial snapshot, preferring an obvious bootloader name.
func pickNewSerial(serials []string, initial map[string]bool) string {
	var novelties []string
	for _, s := range serials {
		if !initial[s] {
			novelties = append(novelties, s)
		}
	}
	for _, s := range novelties {
		lower := strings.ToLower(s)
		if strings.Contains(lower, "katapult") || strings.Contains(lower, "canboot") {
			return s
		}
	}
	if len(novelties) > 0 {
		return novelties[0]
	}
	return ""
}

func (o *Orchestrator) flashOneDevice(ctx context.Context, taskID string, dev *fleet.Device, mode discover.Mode) error {
	firmware := o.builder.ArtifactPath(dev.Profile)
	if !o.exists(firmware) {
		return fmt.Errorf("no built artifact for profile %s", dev.Profile)
	}
	sink := o.tasks.Sink(taskID)

	var err error
	switch {
	case dev.Method == fleet.MethodLinux:
		err = o.flasher.FlashLinux(ctx, firmware, sink)
	case dev.Method == fleet.MethodDFU || mode == discover.ModeDFU:
		addr := flash.Offset(o.builder.ConfigPath(dev.Profile))
		err = o.flasher.FlashDFU(ctx, *dev, firmware, addr, sink)
	case dev.Method == fleet.MethodCAN:
		err = o.flasher.FlashCAN(ctx, *dev, firmware, sink)
	default:
		err = o.flasher.FlashSerial(ctx, *dev, firmware, sink)
	}
	if err != nil {
		return err
	}

	if err := o.trans.RebootToApp(ctx, *dev); err != nil {
		// The flash itself landed; a stuck jump is worth a warning, not
		// a failure.
		o.log(taskID, fmt.Sprintf("Warning: %s did not return to application: %v", dev.Name, err))
	}
	return nil
}

// recordFlash persists build metadata on the registry record.
func (o *Orchestrator) recordFlash(taskID string, dev *fleet.Device) {
	info, err := o.builder.ReadInfo(dev.Profile)
	if err != nil {
		o.logger.Debug("no build metadata", "profile", dev.Profile, "err", err)
	}
	ts := o.now().UTC().Format(time.RFC3339)
	if err := o.registry.RecordFlash(dev.ID, info.Version, info.Commit, ts); err != nil {
		o.log(taskID, fmt.Sprintf("Warning: could not record flash for %s: %v", dev.Name, err))
	}
}

func (o *Orchestrator) writeSummary(taskID string, buildResults, flashResults *results) {
	o.log(taskID, "")
	o.log(taskID, "================ SUMMARY ================")
	if len(buildResults.order) > 0 {
		o.log(taskID, "Builds:")
		for _, profile := range buildResults.order {
			o.log(taskID, "  "+colorize(profile, buildResults.entries[profile]))
		}
	}
	if len(flashResults.order) > 0 {
		o.log(taskID, "Devices:")
		for _, name := range flashResults.order {
			o.log(taskID, "  "+colorize(name, flashResults.entries[name]))
		}
	}
	if len(buildResults.order) == 0 && len(flashResults.order) == 0 {
		o.log(taskID, "Nothing to do")
	}
	o.log(taskID, "=========================================")
}

func colorize(name, result string) string {
	color := "YELLOW"
	switch {
	case result == "SUCCESS":
		color = "GREEN"
	case strings.HasPrefix(result, "FAILED"):
		color = "RED"
	}
	return fmt.Sprintf("[COLOR:%s]%s: %s[/COLOR]", color, name, result)
}

func (o *Orchestrator) cancelled(taskID string) bool {
	if !o.tasks.Cancelled(taskID) {
		return false
	}
	o.log(taskID, "Task cancelled, skipping remaining work")
	return true
}

func (o *Orchestrator) log(taskID, line string) {
	o.tasks.AppendLog(taskID, line)
}

func statusRequest(dev *fleet.Device, skipMoonraker bool) discover.StatusRequest {
	return discover.StatusRequest{
		ID:            dev.ID,
		Method:        dev.Method,
		DFUID:         dev.DFUID,
		SkipMoonraker: skipMoonraker,
		IsBridge:      dev.IsBridge,
		Interface:     dev.Interface,
	}
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, s := range items {
		set[s] = true
	}
	return set
}

func sleepCtx(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
