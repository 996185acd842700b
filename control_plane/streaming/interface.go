package streaming

import (
	"context"
	"time"
)

// Topics used by the device-facing control plane. Delivery logic (telling
// the device what to install, UI fan-out) lives outside this service and
// subscribes to these.
const (
	TopicAssignment       = "device.assignment"
	TopicCancel           = "device.cancel"
	TopicDownloadProgress = "download.progress"
)

type Event struct {
	ID        string    `json:"id"`
	Topic     string    `json:"topic"`
	Payload   []byte    `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
}

type Publisher interface {
	Publish(ctx context.Context, topic string, payload interface{}) error
	Close() error
}

// AssignmentEvent tells the delivery layer which action the device should
// be offered next, together with the modules of the assigned distribution
// set and the last known reply address of the device.
type AssignmentEvent struct {
	Tenant          string      `json:"tenant"`
	DeviceID        string      `json:"device_id"`
	ActionID        string      `json:"action_id"`
	SoftwareModules []ModuleRef `json:"software_modules"`
	ReplyAddress    string      `json:"reply_address"`
}

// ModuleRef is the wire form of a software module in an assignment event.
type ModuleRef struct {
	ModuleID string `json:"module_id"`
	Name     string `json:"name"`
	Version  string `json:"version"`
	Type     string `json:"type"`
}

// CancelEvent asks the delivery layer to tell the device to stop an action.
type CancelEvent struct {
	Tenant       string `json:"tenant"`
	DeviceID     string `json:"device_id"`
	ActionID     string `json:"action_id"`
	ReplyAddress string `json:"reply_address"`
}

// ProgressEvent reports live download progress for an action.
type ProgressEvent struct {
	Tenant   string `json:"tenant"`
	ActionID string `json:"action_id"`
	Percent  int    `json:"percent"`
}
