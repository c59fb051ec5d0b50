package batch

import (
	"context"
	"fmt"

	"github.com/samsamfire/klipperfleet/pkg/discover"
	"github.com/samsamfire/klipperfleet/pkg/fleet"
	"github.com/samsamfire/klipperfleet/pkg/identity"
	"github.com/samsamfire/klipperfleet/pkg/task"
)

// FlashOne flashes a single registered device as a background task:
// services are stopped only if the device still runs its application
// and has to be rebooted first.
func (o *Orchestrator) FlashOne(ctx context.Context, taskID, deviceID string) {
	servicesStopped := false
	status := task.StatusCompleted

	defer func() {
		if r := recover(); r != nil {
			o.log(taskID, fmt.Sprintf("!!! CRITICAL ERROR: %v", r))
			o.logger.Error("flash task panicked", "task", taskID, "panic", r)
			status = task.StatusFailed
		}
		if servicesStopped {
			o.log(taskID, o.services.Apply(context.Background(), "start"))
		}
		o.tasks.Complete(taskID, status)
	}()

	dev, err := o.findDevice(deviceID)
	if err != nil {
		o.log(taskID, fmt.Sprintf("!!! Error: %v", err))
		status = task.StatusFailed
		return
	}
	if dev.Profile == "" {
		o.log(taskID, fmt.Sprintf("!!! Error: %s has no profile assigned", dev.Name))
		status = task.StatusFailed
		return
	}

	mode := o.probe.CheckStatus(ctx, statusRequest(&dev, false))
	o.log(taskID, fmt.Sprintf("%s is currently %s", dev.Name, mode))

	if mode == discover.ModeService && dev.Method != fleet.MethodLinux {
		o.log(taskID, "Stopping printer services")
		o.log(taskID, o.services.Apply(ctx, "stop"))
		servicesStopped = true

		queue := []*fleet.Device{&dev}
		o.rebootWave(ctx, taskID, queue)
		mode = o.probe.CheckStatus(ctx, statusRequest(&dev, true))
	} else if dev.Method == fleet.MethodLinux {
		o.log(taskID, "Stopping printer services")
		o.log(taskID, o.services.Apply(ctx, "stop"))
		servicesStopped = true
	} else {
		// Already in a bootloader; the identity may still be stale.
		resolver := identity.NewResolver(o.probe)
		o.refreshIdentity(ctx, taskID, resolver, &dev, false)
		mode = o.probe.CheckStatus(ctx, statusRequest(&dev, true))
	}

	if o.cancelled(taskID) {
		return
	}
	if mode != discover.ModeReady && mode != discover.ModeDFU && dev.Method != fleet.MethodLinux {
		o.log(taskID, fmt.Sprintf("!!! Error: %s is %s, not flashable", dev.Name, mode))
		status = task.StatusFailed
		return
	}

	o.tasks.SetDeviceStatus(taskID, dev.Name, "flashing")
	o.log(taskID, fmt.Sprintf("Flashing %s (%s)", dev.Name, dev.Profile))
	if err := o.flashOneDevice(ctx, taskID, &dev, mode); err != nil {
		o.tasks.SetDeviceStatus(taskID, dev.Name, "failed")
		o.log(taskID, fmt.Sprintf("!!! Error flashing %s: %v", dev.Name, err))
		status = task.StatusFailed
		return
	}
	o.tasks.SetDeviceStatus(taskID, dev.Name, "ready")
	o.log(taskID, fmt.Sprintf("%s flashed successfully", dev.Name))
	o.recordFlash(taskID, &dev)
}

// BuildOne compiles a single profile as a background task.
func (o *Orchestrator) BuildOne(ctx context.Context, taskID, profile string) {
	status := task.StatusCompleted
	defer func() {
		if r := recover(); r != nil {
			o.log(taskID, fmt.Sprintf("!!! CRITICAL ERROR: %v", r))
			o.logger.Error("build task panicked", "task", taskID, "panic", r)
			status = task.StatusFailed
		}
		o.tasks.Complete(taskID, status)
	}()

	o.log(taskID, fmt.Sprintf("Building profile: %s", profile))
	art, err := o.builder.Build(ctx, profile, o.tasks.Sink(taskID))
	if err != nil {
		o.log(taskID, fmt.Sprintf("!!! Build failed for %s: %v", profile, err))
		status = task.StatusFailed
		return
	}
	o.log(taskID, fmt.Sprintf("Build finished: %s (%s)", art.Firmware, art.Info.Version))
}

// RebootOne moves a single device to the requested mode: "katapult",
// "dfu" or "application".
func (o *Orchestrator) RebootOne(ctx context.Context, taskID, deviceID, target string) {
	status := task.StatusCompleted
	defer func() {
		if r := recover(); r != nil {
			o.log(taskID, fmt.Sprintf("!!! CRITICAL ERROR: %v", r))
			o.logger.Error("reboot task panicked", "task", taskID, "panic", r)
			status = task.StatusFailed
		}
		o.tasks.Complete(taskID, status)
	}()

	dev, err := o.findDevice(deviceID)
	if err != nil {
		o.log(taskID, fmt.Sprintf("!!! Error: %v", err))
		status = task.StatusFailed
		return
	}

	o.log(taskID, fmt.Sprintf("Rebooting %s to %s", dev.Name, target))
	switch target {
	case "katapult":
		err = o.trans.RebootToKatapult(ctx, dev)
	case "dfu":
		err = o.trans.RebootToDFU(ctx, dev)
	case "application", "app":
		err = o.trans.RebootToApp(ctx, dev)
	default:
		err = fmt.Errorf("unknown reboot target %q", target)
	}
	if err != nil {
		o.log(taskID, fmt.Sprintf("!!! Error: %v", err))
		status = task.StatusFailed
		return
	}
	o.log(taskID, fmt.Sprintf("%s rebooted to %s", dev.Name, target))
}

func (o *Orchestrator) findDevice(deviceID string) (fleet.Device, error) {
	devices, err := o.registry.Fleet()
	if err != nil {
		return fleet.Device{}, fmt.Errorf("reading fleet: %w", err)
	}
	for _, dev := range devices {
		if dev.ID == deviceID {
			return dev, nil
		}
	}
	return fleet.Device{}, fmt.Errorf("unknown device %q", deviceID)
}

// ArtifactReady reports whether a device's profile has a built
// artifact, for request validation before a flash task is accepted.
func (o *Orchestrator) ArtifactReady(deviceID string) error {
	dev, err := o.findDevice(deviceID)
	if err != nil {
		return err
	}
	if dev.Profile == "" {
		return fmt.Errorf("%s has no profile assigned", dev.Name)
	}
	if !o.exists(o.builder.ArtifactPath(dev.Profile)) {
		return fmt.Errorf("profile %s has no built artifact", dev.Profile)
	}
	return nil
}
