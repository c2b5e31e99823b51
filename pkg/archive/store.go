// Package archive ships closed journal days to durable storage. A day is
// only shipped after its hash chain verifies, together with a manifest
// sidecar carrying the content digest and chain head, so an archived day
// can be checked without the origin host.
package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Store is a key-addressed object sink. Keys use forward slashes
// regardless of backend.
type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
}

// FSStore keeps archive objects as plain files under a root directory.
type FSStore struct {
	root string
	mu   sync.Mutex
}

// NewFSStore creates (if needed) the archive root.
func NewFSStore(root string) (*FSStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}
	return &FSStore{root: root}, nil
}

func (s *FSStore) path(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}

// Put writes the object through a temp file and rename, so a crashed
// archiver never leaves a half-written object under the final key.
func (s *FSStore) Put(ctx context.Context, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create archive dir for %s: %w", key, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write archive object %s: %w", key, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("commit archive object %s: %w", key, err)
	}
	return nil
}

func (s *FSStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		return nil, fmt.Errorf("read archive object %s: %w", key, err)
	}
	return data, nil
}

func (s *FSStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := os.Stat(s.path(key))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("stat archive object %s: %w", key, err)
}
