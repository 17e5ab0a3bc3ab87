// Package store defines the local document store consumed by the replicator
// and provides an in-memory implementation.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strconv"
	"strings"
)

//go:generate mockgen -destination=mocks/mock_store.go -package=mocks -source=store.go Store,Notifier

var (
	// ErrNotFound is returned when a document does not exist in the store
	ErrNotFound = errors.New("document not found")

	// ErrStorageFull is returned when the store cannot persist more data
	ErrStorageFull = errors.New("storage full")

	// ErrClosed is returned when the store has been closed
	ErrClosed = errors.New("store closed")
)

// Change is a single document revision as exchanged between stores.
// Sequence is the position of the change in the feed of the store it was read from.
type Change struct {
	Sequence uint64          `json:"seq"`
	DocID    string          `json:"id"`
	RevID    string          `json:"rev"`
	Deleted  bool            `json:"deleted,omitempty"`
	Body     json.RawMessage `json:"body,omitempty"`
}

// Store is the local data store the replicator reads changes from and applies changes to.
type Store interface {
	// ID returns a stable identifier for the store, used in checkpoint keys
	ID() string

	// ReadChanges returns the changes with a sequence strictly greater than since,
	// in sequence order. The sequence is finite and can be restarted from any position.
	ReadChanges(ctx context.Context, since uint64) iter.Seq2[Change, error]

	// ApplyChange stores a change received from another store.
	// Applying a revision the store already holds is a no-op.
	ApplyChange(ctx context.Context, change Change) error
}

// Notifier is implemented by stores that can signal new local changes.
// The returned channel receives a value (coalesced) whenever a change is committed;
// the returned function releases the subscription.
type Notifier interface {
	Notify() (<-chan struct{}, func())
}

// ConflictResolver decides whether an incoming revision replaces the current one.
type ConflictResolver func(current, incoming string) bool

// DefaultConflictResolver keeps the revision with the higher generation,
// breaking ties by comparing digests.
func DefaultConflictResolver(current, incoming string) bool {
	curGen, curDigest := ParseRevID(current)
	inGen, inDigest := ParseRevID(incoming)
	if inGen != curGen {
		return inGen > curGen
	}
	return inDigest > curDigest
}

// NewRevID derives the next revision identifier for a document body.
func NewRevID(parent string, deleted bool, body []byte) string {
	gen, _ := ParseRevID(parent)
	h := sha256.New()
	h.Write([]byte(parent))
	if deleted {
		h.Write([]byte{1})
	}
	h.Write(body)
	return fmt.Sprintf("%d-%s", gen+1, hex.EncodeToString(h.Sum(nil))[:16])
}

// ParseRevID splits a revision identifier into its generation and digest.
// Malformed identifiers have generation 0.
func ParseRevID(rev string) (uint64, string) {
	genStr, digest, ok := strings.Cut(rev, "-")
	if !ok {
		return 0, rev
	}
	gen, err := strconv.ParseUint(genStr, 10, 64)
	if err != nil {
		return 0, rev
	}
	return gen, digest
}

// Collect reads up to limit changes from seq. A limit <= 0 reads everything.
func Collect(seq iter.Seq2[Change, error], limit int) ([]Change, error) {
	var changes []Change
	for change, err := range seq {
		if err != nil {
			return changes, err
		}
		changes = append(changes, change)
		if limit > 0 && len(changes) >= limit {
			break
		}
	}
	return changes, nil
}
