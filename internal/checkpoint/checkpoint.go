// Package checkpoint persists how far a replication has progressed so that a
// later run can resume from the same position.
package checkpoint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
	"time"
)

//go:generate mockgen -destination=mocks/mock_store.go -package=mocks -source=checkpoint.go Store

var (
	// ErrNotFound is returned by Load when no checkpoint exists for the key
	ErrNotFound = errors.New("checkpoint not found")

	// ErrKeyInUse is returned by Lock when another active replication holds the key
	ErrKeyInUse = errors.New("checkpoint key is in use by another replication")
)

// Key identifies a checkpoint. It is derived from the source store, the
// endpoint and the direction of the replication.
type Key string

// NewKey derives the checkpoint key for a (store, endpoint, direction) tuple
func NewKey(storeID, endpointID, direction string) Key {
	h := sha256.New()
	for _, part := range []string{storeID, endpointID, direction} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return Key(hex.EncodeToString(h.Sum(nil)))
}

// String returns the key as a string
func (k Key) String() string {
	return string(k)
}

// Checkpoint is the persisted position of a replication
type Checkpoint struct {
	Key Key `json:"key"`

	// Sequence is the last sequence known to be fully replicated
	Sequence uint64 `json:"sequence"`

	// SessionID is the replication run that last saved this checkpoint
	SessionID string `json:"sessionId,omitempty"`

	UpdatedAt time.Time `json:"updatedAt"`
}

// Unlock releases a key acquired with Store.Lock
type Unlock func() error

// Store persists checkpoints
type Store interface {
	// Load returns the checkpoint stored for key, or ErrNotFound
	Load(ctx context.Context, key Key) (*Checkpoint, error)

	// Save durably stores the checkpoint before returning
	Save(ctx context.Context, cp *Checkpoint) error

	// Reset deletes the checkpoint for key. Resetting a missing key is not an error.
	Reset(ctx context.Context, key Key) error

	// Lock claims key for a single active replication.
	// It returns ErrKeyInUse when the key is already claimed.
	Lock(ctx context.Context, key Key) (Unlock, error)
}

// leases tracks the keys claimed inside this process
type leases struct {
	mu   sync.Mutex
	held map[Key]struct{}
}

func (l *leases) acquire(key Key) (Unlock, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.held == nil {
		l.held = make(map[Key]struct{})
	}
	if _, ok := l.held[key]; ok {
		return nil, ErrKeyInUse
	}
	l.held[key] = struct{}{}

	var once sync.Once
	return func() error {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
		return nil
	}, nil
}
