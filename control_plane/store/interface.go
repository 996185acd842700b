package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a referenced entity does not exist.
// Handlers map it to a reportable not-found outcome, never to an internal
// fault.
var ErrNotFound = errors.New("not found")

// Store defines the methods required of the persistence backend.
// It abstracts over Postgres (durable) and an in-memory implementation
// (tests, single-node development).
//
// Entity creation (devices aside) belongs to the management side of the
// system; this interface covers only what the device-facing control plane
// reads and writes.
type Store interface {
	// Device Operations

	// FindOrCreateDevice upserts the device identity. If the device
	// already exists it is returned unchanged apart from its reply
	// address and last-seen timestamp; otherwise it is created.
	FindOrCreateDevice(ctx context.Context, tenant string, deviceID string, replyAddress string) (*Device, error)

	// GetDevice returns the device or ErrNotFound.
	GetDevice(ctx context.Context, tenant string, deviceID string) (*Device, error)

	// Action Operations

	// GetAction returns the action or ErrNotFound.
	GetAction(ctx context.Context, tenant string, actionID string) (*Action, error)

	// FindActiveActions returns all active actions of the device ordered
	// ascending by creation time. The first entry is the one offered to
	// the device.
	FindActiveActions(ctx context.Context, tenant string, deviceID string) ([]*Action, error)

	// FindActionForDownload returns the active action that authorizes the
	// device to download content of the given software module, or
	// ErrNotFound if the device is not authorized.
	FindActionForDownload(ctx context.Context, tenant string, deviceID string, moduleID string) (*Action, error)

	// RecordStatusUpdate appends the status event and moves the action to
	// the given status/active flag as one atomic operation per action.
	// It returns the updated action.
	RecordStatusUpdate(ctx context.Context, tenant string, event *ActionStatusEvent, status Status, active bool) (*Action, error)

	// RecordCancelStatus is the dedicated recording path for CANCELED
	// reports so cancel-specific bookkeeping can be applied by the
	// backend. The action always ends up inactive.
	RecordCancelStatus(ctx context.Context, tenant string, event *ActionStatusEvent) (*Action, error)

	// ListStatusEvents returns the append-only audit trail of an action
	// ordered ascending by occurrence.
	ListStatusEvents(ctx context.Context, tenant string, actionID string) ([]*ActionStatusEvent, error)

	// Distribution Operations

	// ListSoftwareModules returns the modules of a distribution set in
	// stable order.
	ListSoftwareModules(ctx context.Context, tenant string, distributionSetID string) ([]*SoftwareModule, error)

	// FindArtifactBySHA1 returns the artifact metadata for the content
	// hash or ErrNotFound.
	FindArtifactBySHA1(ctx context.Context, tenant string, sha1 string) (*ArtifactMeta, error)
}
