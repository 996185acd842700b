package deployment

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/otaforge/otaforge/control_plane/observability"
	"github.com/otaforge/otaforge/control_plane/store"
	"github.com/otaforge/otaforge/control_plane/streaming"
)

// Controller owns the device-facing deployment flow: device registration,
// assignment lookup and action status recording.
type Controller struct {
	store     store.Store
	publisher streaming.Publisher
}

func NewController(s store.Store, publisher streaming.Publisher) *Controller {
	return &Controller{store: s, publisher: publisher}
}

// RegisterOrFind upserts the device identity and, if the device has an
// active action, publishes an assignment notification for the oldest one.
// Registration is idempotent: a device announcing presence twice keeps its
// identity.
func (c *Controller) RegisterOrFind(ctx context.Context, tenant string, deviceID string, replyAddress string) error {
	device, err := c.store.FindOrCreateDevice(ctx, tenant, deviceID, replyAddress)
	if err != nil {
		return fmt.Errorf("register device %s: %w", deviceID, err)
	}
	log.Printf("Device %s reported online state (tenant %s)", deviceID, tenant)

	return c.offerNextAction(ctx, device)
}

// offerNextAction looks up the device's active actions and publishes the
// assignment for the first one. Actions are ordered ascending by creation,
// so the oldest active action wins. No active action means nothing to do.
func (c *Controller) offerNextAction(ctx context.Context, device *store.Device) error {
	actions, err := c.store.FindActiveActions(ctx, device.Tenant, device.DeviceID)
	if err != nil {
		return fmt.Errorf("find active actions for %s: %w", device.DeviceID, err)
	}
	if len(actions) == 0 {
		return nil
	}
	action := actions[0]

	modules, err := c.store.ListSoftwareModules(ctx, device.Tenant, action.DistributionSetID)
	if err != nil {
		return fmt.Errorf("list modules of set %s: %w", action.DistributionSetID, err)
	}

	event := streaming.AssignmentEvent{
		Tenant:       device.Tenant,
		DeviceID:     device.DeviceID,
		ActionID:     action.ActionID,
		ReplyAddress: device.ReplyAddress,
	}
	for _, m := range modules {
		event.SoftwareModules = append(event.SoftwareModules, streaming.ModuleRef{
			ModuleID: m.ModuleID,
			Name:     m.Name,
			Version:  m.Version,
			Type:     m.Type,
		})
	}

	if err := c.publisher.Publish(ctx, streaming.TopicAssignment, event); err != nil {
		return fmt.Errorf("publish assignment for %s: %w", device.DeviceID, err)
	}
	observability.AssignmentsPublished.Inc()
	return nil
}

// HandleStatusReport records one status report from a device: it runs the
// state machine, appends the status event and updates the action as one
// logical store operation, and re-checks for a follow-up assignment once
// the action goes inactive.
//
// Unknown actions surface store.ErrNotFound; the message is fatal for the
// caller, not retried here.
func (c *Controller) HandleStatusReport(ctx context.Context, tenant string, actionID string, reported string, messages []string) error {
	action, err := c.store.GetAction(ctx, tenant, actionID)
	if err != nil {
		return fmt.Errorf("action %s: %w", actionID, err)
	}

	// A closed action never reopens. CANCEL_REJECTED is exempt: the
	// fallback applies to already-canceled actions too.
	if !action.Active && reported != CancelRejected {
		log.Printf("Dropped status %s for closed action %s", reported, actionID)
		return nil
	}

	outcome, err := Transition(action, reported)
	if err != nil {
		return err
	}

	event := &store.ActionStatusEvent{
		EventID:    uuid.NewString(),
		ActionID:   actionID,
		Tenant:     tenant,
		Status:     outcome.Status,
		Message:    strings.Join(messages, ", "),
		OccurredAt: time.Now(),
	}

	var updated *store.Action
	if outcome.Cancel {
		updated, err = c.store.RecordCancelStatus(ctx, tenant, event)
	} else {
		updated, err = c.store.RecordStatusUpdate(ctx, tenant, event, outcome.Status, outcome.Active)
	}
	if err != nil {
		return fmt.Errorf("record status for action %s: %w", actionID, err)
	}
	observability.StatusTransitions.WithLabelValues(string(outcome.Status)).Inc()

	if !updated.Active {
		device, err := c.store.GetDevice(ctx, tenant, updated.DeviceID)
		if err != nil {
			return fmt.Errorf("device %s: %w", updated.DeviceID, err)
		}
		return c.offerNextAction(ctx, device)
	}
	return nil
}

// NotifyCancel publishes a cancel notification for an action whose
// cancellation the management side has requested. The device answers on
// the status channel with CANCELED or CANCEL_REJECTED.
func (c *Controller) NotifyCancel(ctx context.Context, tenant string, actionID string) error {
	action, err := c.store.GetAction(ctx, tenant, actionID)
	if err != nil {
		return fmt.Errorf("action %s: %w", actionID, err)
	}
	device, err := c.store.GetDevice(ctx, tenant, action.DeviceID)
	if err != nil {
		return fmt.Errorf("device %s: %w", action.DeviceID, err)
	}

	return c.publisher.Publish(ctx, streaming.TopicCancel, streaming.CancelEvent{
		Tenant:       tenant,
		DeviceID:     device.DeviceID,
		ActionID:     action.ActionID,
		ReplyAddress: device.ReplyAddress,
	})
}

// ReportDownloadProgress publishes a progress event for an action's
// running artifact download.
func (c *Controller) ReportDownloadProgress(ctx context.Context, tenant string, actionID string, percent int) {
	err := c.publisher.Publish(ctx, streaming.TopicDownloadProgress, streaming.ProgressEvent{
		Tenant:   tenant,
		ActionID: actionID,
		Percent:  percent,
	})
	if err != nil {
		// Progress is best effort; the transfer itself must not fail on a
		// publisher hiccup.
		log.Printf("Failed to publish download progress for action %s: %v", actionID, err)
	}
}
