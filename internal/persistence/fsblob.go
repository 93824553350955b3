package persistence

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fintide/ledgerpilot/internal/domain"
)

// FSBlobStore is content-addressed blob storage on the local filesystem:
// payloads land under <root>/ab/<sha256-hex>, fanned out by hash prefix.
type FSBlobStore struct {
	root string
}

// NewFSBlobStore creates the root directory if needed.
func NewFSBlobStore(root string) (*FSBlobStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create blob root: %w", err)
	}
	return &FSBlobStore{root: root}, nil
}

func (s *FSBlobStore) path(hash string) string {
	return filepath.Join(s.root, hash[:2], hash)
}

// Put writes the payload under its sha256 hex. Writing an existing hash is a
// no-op: content addressing makes it the same bytes.
func (s *FSBlobStore) Put(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])
	path := s.path(hash)
	if _, err := os.Stat(path); err == nil {
		return hash, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("%w: blob dir: %v", domain.ErrStorage, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("%w: write blob: %v", domain.ErrStorage, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("%w: commit blob: %v", domain.ErrStorage, err)
	}
	return hash, nil
}

// Get reads a payload by hash.
func (s *FSBlobStore) Get(hash string) ([]byte, error) {
	if len(hash) < 2 {
		return nil, fmt.Errorf("%w: malformed blob hash %q", domain.ErrNotFound, hash)
	}
	data, err := os.ReadFile(s.path(hash))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: blob %s", domain.ErrNotFound, hash)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read blob: %v", domain.ErrStorage, err)
	}
	return data, nil
}

var _ BlobStore = (*FSBlobStore)(nil)
