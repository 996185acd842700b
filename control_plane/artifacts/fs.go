package artifacts

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
)

// FSGateway serves artifact binaries from a content-addressed directory
// tree: <root>/<first two hash chars>/<hash>.
type FSGateway struct {
	root string
}

func NewFSGateway(root string) *FSGateway {
	return &FSGateway{root: root}
}

func (g *FSGateway) path(sha1 string) string {
	if len(sha1) < 2 {
		return filepath.Join(g.root, sha1)
	}
	return filepath.Join(g.root, sha1[:2], sha1)
}

func (g *FSGateway) Open(ctx context.Context, sha1 string) (ByteSource, int64, error) {
	f, err := os.Open(g.path(sha1))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, 0, ErrNotFound
	}
	if err != nil {
		return nil, 0, err
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	return f, info.Size(), nil
}
