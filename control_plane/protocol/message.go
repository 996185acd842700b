// Package protocol defines the device-facing message envelope and the
// dispatcher that routes inbound messages to their handlers.
package protocol

import (
	"strings"
)

// Kind is the declared type of an inbound protocol message.
type Kind string

const (
	// KindDeviceOnline announces a device's presence and asks for its
	// current assignment.
	KindDeviceOnline Kind = "DEVICE_ONLINE"
	// KindEvent carries a topic-scoped event payload.
	KindEvent Kind = "EVENT"
	// KindAuthenticate requests download authorization and is the only
	// kind answered with a reply.
	KindAuthenticate Kind = "AUTHENTICATE"
)

// TopicUpdateActionStatus is the only recognized EVENT topic.
const TopicUpdateActionStatus = "UPDATE_ACTION_STATUS"

// Message is the transport-agnostic inbound envelope. The bus consumers
// (redis queue, websocket channel) decode their frames into this and hand
// it to the dispatcher.
type Message struct {
	Kind        Kind   `json:"type"`
	Tenant      string `json:"tenant"`
	ContentType string `json:"content_type"`

	// DEVICE_ONLINE fields.
	DeviceID     string `json:"device_id,omitempty"`
	ReplyAddress string `json:"reply_address,omitempty"`

	// EVENT fields.
	Topic string `json:"topic,omitempty"`

	// Kind-specific JSON body (EVENT, AUTHENTICATE).
	Body []byte `json:"body,omitempty"`
}

// JSONCompatible reports whether the declared content encoding is JSON.
// Messages with any other encoding are rejected before routing.
func (m Message) JSONCompatible() bool {
	return strings.Contains(m.ContentType, "json")
}

// Reply is the synchronous answer to a message, routed back over the
// transport the message arrived on.
type Reply struct {
	ContentType string `json:"content_type"`
	Body        []byte `json:"body"`
}

// ActionStatusPayload is the body of an UPDATE_ACTION_STATUS event.
type ActionStatusPayload struct {
	ActionID string   `json:"actionId"`
	Status   string   `json:"status"`
	Messages []string `json:"messages"`
}

// SecurityToken is the body of an AUTHENTICATE request: the device
// credential pair plus the content hash it wants to download.
type SecurityToken struct {
	DeviceID   string `json:"deviceId"`
	Credential string `json:"credential"`
	SHA1       string `json:"contentHash"`
}

// ArtifactHashes carries the content hashes of an artifact in a download
// response.
type ArtifactHashes struct {
	SHA1 string `json:"sha1"`
	MD5  string `json:"md5"`
}

// ArtifactInfo is the artifact metadata part of a download response.
type ArtifactInfo struct {
	Size   int64          `json:"size"`
	Hashes ArtifactHashes `json:"hashes"`
}

// DownloadResponse answers an AUTHENTICATE request. ResponseCode uses
// HTTP status semantics: 200, 403 (bad credentials), 404 (unknown
// artifact or unauthorized download — deliberately indistinguishable),
// 500 (internal).
type DownloadResponse struct {
	ResponseCode int           `json:"responseCode"`
	Message      string        `json:"message,omitempty"`
	Artifact     *ArtifactInfo `json:"artifact,omitempty"`
	DownloadURL  string        `json:"downloadUrl,omitempty"`
}
