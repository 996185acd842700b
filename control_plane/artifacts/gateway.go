package artifacts

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned when no binary exists for the content hash.
var ErrNotFound = errors.New("artifact binary not found")

// ByteSource is a seekable handle on artifact content. The range server
// seeks to the resolved offset of each requested range and is responsible
// for closing the source on every exit path.
type ByteSource interface {
	io.Reader
	io.Seeker
	io.Closer
}

// Gateway is read-only streaming access to artifact binaries by content
// hash. The write side (upload, content addressing) belongs to the
// management surface of the system.
type Gateway interface {
	// Open returns a byte source and the total content length for the
	// artifact with the given SHA1, or ErrNotFound.
	Open(ctx context.Context, sha1 string) (ByteSource, int64, error)
}
