package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

const (
	checkpointFileSuffix = ".json"
	lockFileSuffix       = ".lock"
)

// fileStore implements Store using one JSON file per key on the local filesystem
type fileStore struct {
	basePath string
}

// NewFileStore creates a new file-based checkpoint store.
// basePath is the directory where checkpoint files will be stored.
func NewFileStore(basePath string) Store {
	return &fileStore{
		basePath: basePath,
	}
}

func (f *fileStore) path(key Key, suffix string) string {
	return filepath.Join(f.basePath, key.String()+suffix)
}

// Save writes the checkpoint to a temporary file, syncs it and atomically renames it into place
func (f *fileStore) Save(_ context.Context, cp *Checkpoint) error {
	if err := os.MkdirAll(f.basePath, 0750); err != nil {
		return fmt.Errorf("failed to create checkpoint directory: %w", err)
	}

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint %s: %w", cp.Key, err)
	}

	filePath := f.path(cp.Key, checkpointFileSuffix)
	tempPath := filePath + ".tmp"
	if err := writeFileSync(tempPath, data); err != nil {
		return fmt.Errorf("failed to write temporary checkpoint file %s: %w", cp.Key, err)
	}

	if err := os.Rename(tempPath, filePath); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("failed to rename checkpoint file %s: %w", cp.Key, err)
	}

	return nil
}

// Load reads the checkpoint file for key
func (f *fileStore) Load(_ context.Context, key Key) (*Checkpoint, error) {
	// #nosec G304 -- path is built from the base path and a hex digest
	data, err := os.ReadFile(f.path(key, checkpointFileSuffix))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read checkpoint file %s: %w", key, err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint %s: %w", key, err)
	}
	return &cp, nil
}

// Reset removes the checkpoint file for key
func (f *fileStore) Reset(_ context.Context, key Key) error {
	err := os.Remove(f.path(key, checkpointFileSuffix))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove checkpoint file %s: %w", key, err)
	}
	return nil
}

// Lock takes an exclusive file lock so that other processes sharing the directory are excluded too
func (f *fileStore) Lock(_ context.Context, key Key) (Unlock, error) {
	if err := os.MkdirAll(f.basePath, 0750); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}

	fileLock := flock.New(f.path(key, lockFileSuffix))
	locked, err := fileLock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to lock checkpoint %s: %w", key, err)
	}
	if !locked {
		return nil, ErrKeyInUse
	}

	return fileLock.Unlock, nil
}

func writeFileSync(path string, data []byte) error {
	// #nosec G304 -- path is built from the base path and a hex digest
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	if _, err := file.Write(data); err != nil {
		_ = file.Close()
		return err
	}
	if err := file.Sync(); err != nil {
		_ = file.Close()
		return err
	}
	return file.Close()
}
