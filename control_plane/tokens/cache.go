package tokens

import (
	"context"
	"time"
)

// LookupMode tells the download server how to resolve the descriptor back
// to an artifact.
type LookupMode string

const (
	// BySHA1 resolves the artifact by its content hash.
	BySHA1 LookupMode = "sha1"
)

// Descriptor is what a download token resolves to: one artifact reference,
// bound to the tenant and action the token was issued for.
type Descriptor struct {
	Mode      LookupMode `json:"mode"`
	Key       string     `json:"key"`
	Tenant    string     `json:"tenant"`
	DeviceID  string     `json:"device_id"`
	ActionID  string     `json:"action_id"`
	IssuedAt  time.Time  `json:"issued_at"`
}

// Cache maps a random single-purpose download token to its descriptor.
//
// Tokens stay valid until their TTL expires; redemption does not consume
// them. A device resuming an interrupted transfer, or fetching multiple
// byte ranges in parallel, reuses the token it was handed, so revoking on
// first use would break exactly the resumable-download path the token
// exists for.
type Cache interface {
	// Put stores the descriptor under the token. The token is fresh and
	// random, so a key collision is treated as an error.
	Put(ctx context.Context, token string, d Descriptor) error

	// Get returns the descriptor for an unexpired token. The second
	// return is false for unknown or expired tokens.
	Get(ctx context.Context, token string) (Descriptor, bool, error)
}
