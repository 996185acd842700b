package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/otaforge/otaforge/control_plane/deployment"
	"github.com/otaforge/otaforge/control_plane/identity"
	"github.com/otaforge/otaforge/control_plane/observability"
	"github.com/otaforge/otaforge/control_plane/store"
)

// Dispatcher routes inbound protocol messages to the registration,
// status-update and authentication handlers. Handle is safe for
// concurrent use; all per-message state lives in the derived context.
type Dispatcher struct {
	controller *deployment.Controller
	auth       *Authenticator
}

func NewDispatcher(controller *deployment.Controller, auth *Authenticator) *Dispatcher {
	return &Dispatcher{controller: controller, auth: auth}
}

// Handle processes one inbound message and returns the reply, if the kind
// produces one (only AUTHENTICATE does). A returned error satisfying
// IsViolation means the message was rejected and must be dropped; the bus
// consumer logs it and moves on.
func (d *Dispatcher) Handle(ctx context.Context, msg Message) (*Reply, error) {
	start := time.Now()
	defer func() {
		observability.MessageHandleDuration.Observe(time.Since(start).Seconds())
	}()

	if !msg.JSONCompatible() {
		return nil, d.reject(msg, violationf("content type %q is not JSON compatible", msg.ContentType))
	}
	if msg.Tenant == "" {
		return nil, d.reject(msg, violationf("message without tenant header"))
	}

	// The tenant principal lives on the derived context only: every exit
	// path of this call leaves the caller's context untouched, which is
	// the scoped acquire/restore the handlers rely on.
	ctx = identity.WithPrincipal(ctx, identity.AnonymousTenant(msg.Tenant))

	switch msg.Kind {
	case KindDeviceOnline:
		if err := d.handleDeviceOnline(ctx, msg); err != nil {
			return nil, d.reject(msg, err)
		}
		observability.MessagesReceived.WithLabelValues(string(msg.Kind), "handled").Inc()
		return nil, nil

	case KindEvent:
		if err := d.handleEvent(ctx, msg); err != nil {
			return nil, d.reject(msg, err)
		}
		observability.MessagesReceived.WithLabelValues(string(msg.Kind), "handled").Inc()
		return nil, nil

	case KindAuthenticate:
		reply, err := d.handleAuthenticate(ctx, msg)
		if err != nil {
			return nil, d.reject(msg, err)
		}
		observability.MessagesReceived.WithLabelValues(string(msg.Kind), "handled").Inc()
		return reply, nil

	default:
		return nil, d.reject(msg, violationf("no handler for message kind %q", msg.Kind))
	}
}

// reject logs the violation and counts the drop. Transient store errors
// are counted separately so queue-side alerts can tell them apart.
func (d *Dispatcher) reject(msg Message, err error) error {
	outcome := "dropped"
	if IsViolation(err) {
		outcome = "rejected"
	}
	observability.MessagesReceived.WithLabelValues(string(msg.Kind), outcome).Inc()
	log.Printf("Message rejected (kind=%s tenant=%s): %v", msg.Kind, msg.Tenant, err)
	return err
}

func (d *Dispatcher) handleDeviceOnline(ctx context.Context, msg Message) error {
	if msg.DeviceID == "" {
		return violationf("DEVICE_ONLINE without device id")
	}
	if msg.ReplyAddress == "" {
		return violationf("DEVICE_ONLINE without reply address")
	}
	return d.controller.RegisterOrFind(ctx, msg.Tenant, msg.DeviceID, msg.ReplyAddress)
}

func (d *Dispatcher) handleEvent(ctx context.Context, msg Message) error {
	if msg.Topic != TopicUpdateActionStatus {
		return violationf("no handler for event topic %q", msg.Topic)
	}

	var payload ActionStatusPayload
	if err := json.Unmarshal(msg.Body, &payload); err != nil {
		return violationf("undecodable status update body: %v", err)
	}
	if payload.ActionID == "" {
		return violationf("status update without action id")
	}

	err := d.controller.HandleStatusReport(ctx, msg.Tenant, payload.ActionID, payload.Status, payload.Messages)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return violationf("status update for unknown action %s", payload.ActionID)
	case errors.Is(err, deployment.ErrUnknownStatus):
		return violationf("%v", err)
	default:
		var illegal *deployment.IllegalStateError
		if errors.As(err, &illegal) {
			return violationf("%v", illegal)
		}
		return err
	}
}

func (d *Dispatcher) handleAuthenticate(ctx context.Context, msg Message) (*Reply, error) {
	var token SecurityToken
	if err := json.Unmarshal(msg.Body, &token); err != nil {
		return nil, violationf("undecodable security token: %v", err)
	}

	response := d.auth.Authenticate(ctx, token)

	body, err := json.Marshal(response)
	if err != nil {
		return nil, err
	}
	return &Reply{ContentType: "application/json", Body: body}, nil
}
