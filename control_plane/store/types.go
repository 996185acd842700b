package store

import (
	"time"
)

// Status is the stored deployment status of an Action.
type Status string

const (
	StatusDownload  Status = "DOWNLOAD"
	StatusRetrieved Status = "RETRIEVED"
	StatusRunning   Status = "RUNNING"
	StatusCanceling Status = "CANCELING"
	StatusCanceled  Status = "CANCELED"
	StatusFinished  Status = "FINISHED"
	StatusError     Status = "ERROR"
	StatusWarning   Status = "WARNING"
)

// IsCancelingOrCanceled reports whether the status is part of a cancel
// flow. Devices may only reject a cancel while the action is in one of
// these states.
func (s Status) IsCancelingOrCanceled() bool {
	return s == StatusCanceling || s == StatusCanceled
}

// Device represents a managed endpoint.
type Device struct {
	DeviceID      string    `json:"device_id" db:"device_id"`
	Tenant        string    `json:"tenant" db:"tenant"` // Multi-tenancy
	SecurityToken string    `json:"-" db:"security_token"`
	ReplyAddress  string    `json:"reply_address" db:"reply_address"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
	LastSeenAt    time.Time `json:"last_seen_at" db:"last_seen_at"`
}

// Action represents one deployment action assigned to one device. At most
// one action per device is offered to the device at a time; among all
// active actions the oldest one (ascending creation order) wins.
type Action struct {
	ActionID          string    `json:"action_id" db:"action_id"`
	Tenant            string    `json:"tenant" db:"tenant"`
	DeviceID          string    `json:"device_id" db:"device_id"`
	DistributionSetID string    `json:"distribution_set_id" db:"distribution_set_id"`
	Status            Status    `json:"status" db:"status"`
	Active            bool      `json:"active" db:"active"`
	CreatedAt         time.Time `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time `json:"updated_at" db:"updated_at"`
}

// ActionStatusEvent is an append-only record of one status report from a
// device. Events are never mutated or deleted.
type ActionStatusEvent struct {
	EventID    string    `json:"event_id" db:"event_id"`
	ActionID   string    `json:"action_id" db:"action_id"`
	Tenant     string    `json:"tenant" db:"tenant"`
	Status     Status    `json:"status" db:"status"`
	Message    string    `json:"message" db:"message"`
	OccurredAt time.Time `json:"occurred_at" db:"occurred_at"`
}

// SoftwareModule is one installable unit of a distribution set.
type SoftwareModule struct {
	ModuleID          string `json:"module_id" db:"module_id"`
	Tenant            string `json:"tenant" db:"tenant"`
	DistributionSetID string `json:"distribution_set_id" db:"distribution_set_id"`
	Name              string `json:"name" db:"name"`
	Version           string `json:"version" db:"version"`
	Type              string `json:"type" db:"type"` // "os", "runtime", "application"
}

// ArtifactMeta is the stored metadata of one artifact binary. The binary
// itself lives in the artifact store, addressed by SHA1.
type ArtifactMeta struct {
	SHA1           string    `json:"sha1" db:"sha1"`
	MD5            string    `json:"md5" db:"md5"`
	Tenant         string    `json:"tenant" db:"tenant"`
	ModuleID       string    `json:"module_id" db:"module_id"`
	Filename       string    `json:"filename" db:"filename"`
	Size           int64     `json:"size" db:"size"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
	LastModifiedAt time.Time `json:"last_modified_at" db:"last_modified_at"`
}
