package http

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samsamfire/klipperfleet/pkg/batch"
	"github.com/samsamfire/klipperfleet/pkg/bus"
	"github.com/samsamfire/klipperfleet/pkg/discover"
	"github.com/samsamfire/klipperfleet/pkg/fleet"
	"github.com/samsamfire/klipperfleet/pkg/task"
)

type fakeDiscovery struct {
	arbiter  *bus.Arbiter
	statuses map[string]discover.Mode
	serial   []discover.Device
	can      []discover.Device
	dfu      []discover.Device
}

func (d *fakeDiscovery) CheckStatus(ctx context.Context, req discover.StatusRequest) discover.Mode {
	if mode, ok := d.statuses[req.ID]; ok {
		return mode
	}
	return discover.ModeOffline
}

func (d *fakeDiscovery) SerialDevices(ctx context.Context, skip bool) []discover.Device { return d.serial }
func (d *fakeDiscovery) CANDevices(ctx context.Context, skip, force bool) []discover.Device {
	return d.can
}
func (d *fakeDiscovery) DFUDevices(ctx context.Context, force bool) []discover.Device { return d.dfu }
func (d *fakeDiscovery) LinuxProcess() []discover.Device {
	return []discover.Device{{ID: "linux_process", Mode: discover.ModeReady}}
}
func (d *fakeDiscovery) Arbiter() *bus.Arbiter { return d.arbiter }

type fakeBatcher struct {
	mu            sync.Mutex
	tasks         *task.Store
	flashed       []string
	actions       []batch.Action
	artifactError error
}

func (b *fakeBatcher) Run(ctx context.Context, taskID string, action batch.Action) {
	b.mu.Lock()
	b.actions = append(b.actions, action)
	b.mu.Unlock()
	b.tasks.AppendLog(taskID, "batch done")
	b.tasks.Complete(taskID, task.StatusCompleted)
}

func (b *fakeBatcher) FlashOne(ctx context.Context, taskID, deviceID string) {
	b.mu.Lock()
	b.flashed = append(b.flashed, deviceID)
	b.mu.Unlock()
	b.tasks.Complete(taskID, task.StatusCompleted)
}

func (b *fakeBatcher) RebootOne(ctx context.Context, taskID, deviceID, target string) {
	b.tasks.Complete(taskID, task.StatusCompleted)
}

func (b *fakeBatcher) BuildOne(ctx context.Context, taskID, profile string) {
	b.tasks.Complete(taskID, task.StatusCompleted)
}

func (b *fakeBatcher) ArtifactReady(deviceID string) error { return b.artifactError }

type fakeProfiles struct{ names []string }

func (p *fakeProfiles) Profiles() []string { return p.names }
func (p *fakeProfiles) ArtifactPath(profile string) string {
	return filepath.Join("/tmp", profile+".bin")
}

type fakeServiceControl struct {
	mu      sync.Mutex
	applied []string
}

func (s *fakeServiceControl) Status(ctx context.Context) map[string]string {
	return map[string]string{"klipper.service": "active"}
}

func (s *fakeServiceControl) Apply(ctx context.Context, action string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applied = append(s.applied, action)
	return "Services " + action + ": klipper.service"
}

type fakePrinter struct {
	mu       sync.Mutex
	versions map[string]string
	queries  int
	restarts int
}

func (p *fakePrinter) MCUVersions(ctx context.Context) map[string]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queries++
	return p.versions
}

func (p *fakePrinter) FirmwareRestart(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.restarts++
	return nil
}

type fixture struct {
	server   *Server
	ts       *httptest.Server
	client   *Client
	registry *fleet.Store
	tasks    *task.Store
	disc     *fakeDiscovery
	batcher  *fakeBatcher
	services *fakeServiceControl
	printer  *fakePrinter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	registry, err := fleet.NewStore(t.TempDir(), nil)
	require.NoError(t, err)
	tasks := task.NewStore()
	f := &fixture{
		registry: registry,
		tasks:    tasks,
		disc:     &fakeDiscovery{arbiter: bus.NewArbiter(), statuses: map[string]discover.Mode{}},
		batcher:  &fakeBatcher{tasks: tasks},
		services: &fakeServiceControl{},
		printer:  &fakePrinter{versions: map[string]string{}},
	}
	f.server = NewServer(registry, f.disc, tasks, f.batcher, &fakeProfiles{names: []string{"octopus"}}, f.services, f.printer, nil)
	f.ts = httptest.NewServer(f.server.ServeMux())
	t.Cleanup(f.ts.Close)
	f.client = NewClient(f.ts.URL)
	return f
}

func TestFleetRoundTrip(t *testing.T) {
	f := newFixture(t)
	dev := fleet.Device{ID: "aabbccddeeff", Name: "EBB", Method: fleet.MethodCAN, Profile: "octopus"}
	require.NoError(t, f.client.SaveDevice(dev))
	f.disc.statuses[dev.ID] = discover.ModeService

	devices, err := f.client.Fleet(false)
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, "EBB", devices[0].Name)
	assert.Equal(t, "service", devices[0].Status)

	require.NoError(t, f.client.RemoveDevice(dev.ID))
	devices, err = f.client.Fleet(false)
	require.NoError(t, err)
	assert.Empty(t, devices)

	err = f.client.RemoveDevice("nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown device")
}

func TestFleetBusBusyObservation(t *testing.T) {
	f := newFixture(t)
	canDev := fleet.Device{ID: "aabbccddeeff", Name: "EBB", Method: fleet.MethodCAN}
	serialDev := fleet.Device{ID: "/dev/serial/by-id/usb-katapult_x-if00", Name: "mcu", Method: fleet.MethodSerial}
	require.NoError(t, f.client.SaveDevice(canDev))
	require.NoError(t, f.client.SaveDevice(serialDev))
	f.disc.statuses[serialDev.ID] = discover.ModeReady

	f.disc.arbiter.CAN.Lock()
	defer f.disc.arbiter.CAN.Unlock()

	devices, err := f.client.Fleet(false)
	require.NoError(t, err)
	byName := map[string]string{}
	for _, d := range devices {
		byName[d.Name] = d.Status
	}
	assert.Equal(t, "bus_busy", byName["EBB"], "held CAN lock is observed, never awaited")
	assert.Equal(t, "ready", byName["mcu"], "serial devices are unaffected by the CAN lock")
}

func TestFleetFastMode(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.client.SaveDevice(fleet.Device{ID: "aabbccddeeff", Name: "EBB", Method: fleet.MethodCAN}))

	devices, err := f.client.Fleet(true)
	require.NoError(t, err)
	assert.Equal(t, "querying", devices[0].Status, "fast mode never probes the bus")
}

func TestFleetLiveVersions(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.client.SaveDevice(fleet.Device{ID: "mcu", Name: "mainboard", Method: fleet.MethodSerial}))
	f.printer.versions = map[string]string{"mcu": "v0.12.0-123-gabcdef"}

	devices, err := f.client.Fleet(false)
	require.NoError(t, err)
	assert.Equal(t, "v0.12.0-123-gabcdef", devices[0].LiveVersion)

	// Fast mode skips moonraker, so no version query either.
	f.printer.queries = 0
	devices, err = f.client.Fleet(true)
	require.NoError(t, err)
	assert.Empty(t, devices[0].LiveVersion)
	assert.Zero(t, f.printer.queries)
}

func TestFleetSkipsMoonrakerDuringBusTask(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.client.SaveDevice(fleet.Device{ID: "mcu", Name: "mainboard", Method: fleet.MethodSerial}))
	f.printer.versions = map[string]string{"mcu": "v0.12.0"}
	f.tasks.Create(context.Background(), "batch flash-all", true)

	devices, err := f.client.Fleet(false)
	require.NoError(t, err)
	assert.Empty(t, devices[0].LiveVersion)
	assert.Zero(t, f.printer.queries, "moonraker is left alone while services are down")
}

func TestFleetFlashingOverride(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.client.SaveDevice(fleet.Device{ID: "aabbccddeeff", Name: "EBB", Method: fleet.MethodCAN}))
	id, _ := f.tasks.Create(context.Background(), "flash", true)
	f.tasks.SetDeviceStatus(id, "EBB", "flashing")

	devices, err := f.client.Fleet(false)
	require.NoError(t, err)
	assert.Equal(t, "flashing", devices[0].Status)
}

func TestFlashValidatesArtifact(t *testing.T) {
	f := newFixture(t)
	f.batcher.artifactError = assert.AnError

	_, err := f.client.Flash("aabbccddeeff")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
}

func TestFlashLaunchesTask(t *testing.T) {
	f := newFixture(t)

	taskID, err := f.client.Flash("aabbccddeeff")
	require.NoError(t, err)
	require.NotEmpty(t, taskID)

	assert.Eventually(t, func() bool {
		snap, err := f.client.TaskStatus(taskID)
		return err == nil && snap.Status == task.StatusCompleted
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"aabbccddeeff"}, f.batcher.flashed)
}

func TestBatchActions(t *testing.T) {
	f := newFixture(t)

	taskID, err := f.client.Batch("flash-all")
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		snap, err := f.client.TaskStatus(taskID)
		return err == nil && snap.Status == task.StatusCompleted
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, []batch.Action{batch.ActionFlashAll}, f.batcher.actions)

	_, err = f.client.Batch("explode")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
}

func TestRebootValidatesMode(t *testing.T) {
	f := newFixture(t)

	_, err := f.client.Reboot("aabbccddeeff", "sideways")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown reboot mode")

	taskID, err := f.client.Reboot("aabbccddeeff", "katapult")
	require.NoError(t, err)
	require.NotEmpty(t, taskID)
}

func TestTaskListing(t *testing.T) {
	f := newFixture(t)
	id1, _ := f.tasks.Create(context.Background(), "flash one", true)
	f.tasks.Complete(id1, task.StatusCompleted)
	id2, _ := f.tasks.Create(context.Background(), "flash two", true)

	list, err := f.client.Tasks()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, id2, list[0].ID, "newest first")
	assert.Equal(t, id1, list[1].ID)
}

func TestTaskCancelAndUnknown(t *testing.T) {
	f := newFixture(t)
	id, _ := f.tasks.Create(context.Background(), "batch", true)

	cancelled, err := f.client.CancelTask(id)
	require.NoError(t, err)
	assert.True(t, cancelled)

	_, err = f.client.TaskStatus("12345")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestTaskLogStream(t *testing.T) {
	f := newFixture(t)
	id, _ := f.tasks.Create(context.Background(), "batch", true)
	f.tasks.AppendLog(id, "line one")
	f.tasks.AppendLog(id, "line two")
	f.tasks.Complete(id, task.StatusCompleted)

	wsURL := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/task/logs/" + id
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	var lines []string
	for {
		conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			break
		}
		lines = append(lines, string(msg))
	}
	assert.Equal(t, []string{"line one", "line two"}, lines)
}

func TestServicesEndpoints(t *testing.T) {
	f := newFixture(t)

	resp, err := f.ts.Client().Get(f.ts.URL + "/services/status")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, 200, resp.StatusCode)

	require.NoError(t, f.client.post("/services/manage", ServiceRequest{Action: "restart"}, nil))
	assert.Equal(t, []string{"restart"}, f.services.applied)
	assert.Equal(t, 1, f.printer.restarts, "restart nudges klipper to reconnect its MCUs")

	err = f.client.post("/services/manage", ServiceRequest{Action: "explode"}, nil)
	require.Error(t, err)
}

func TestDeviceIdentitySwap(t *testing.T) {
	f := newFixture(t)
	old := fleet.Device{ID: "usb-katapult_old", Name: "EBB", Method: fleet.MethodSerial}
	require.NoError(t, f.client.SaveDevice(old))

	swap := DeviceUpsertRequest{
		Device: fleet.Device{ID: "usb-Klipper_new", Name: "EBB", Method: fleet.MethodSerial},
		OldID:  "usb-katapult_old",
	}
	require.NoError(t, f.client.post("/fleet/device", swap, nil))

	devices, err := f.client.Fleet(true)
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, "usb-Klipper_new", devices[0].ID)
}

func TestSaveDeviceValidation(t *testing.T) {
	f := newFixture(t)
	err := f.client.SaveDevice(fleet.Device{ID: "x", Name: "y", Method: "teleport"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown method")
}
