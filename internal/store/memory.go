package store

import (
	"cmp"
	"context"
	"encoding/json"
	"iter"
	"slices"
	"sync"

	"github.com/google/uuid"
)

// Document is the current revision of a document held by a store.
type Document struct {
	ID       string
	RevID    string
	Deleted  bool
	Body     json.RawMessage
	Sequence uint64
}

// MemoryOption configures a MemoryStore
type MemoryOption func(*MemoryStore)

// WithStoreID sets the identifier of the store instead of a random one
func WithStoreID(id string) MemoryOption {
	return func(s *MemoryStore) {
		s.id = id
	}
}

// WithConflictResolver sets the resolver used when applying remote changes
func WithConflictResolver(resolver ConflictResolver) MemoryOption {
	return func(s *MemoryStore) {
		s.resolver = resolver
	}
}

// MemoryStore is a Store kept entirely in memory.
type MemoryStore struct {
	id       string
	resolver ConflictResolver

	mu      sync.RWMutex
	docs    map[string]*Document
	lastSeq uint64

	notifier Broadcaster
}

var (
	_ Store    = (*MemoryStore)(nil)
	_ Notifier = (*MemoryStore)(nil)
)

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		id:       uuid.NewString(),
		resolver: DefaultConflictResolver,
		docs:     make(map[string]*Document),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ID returns the store identifier
func (s *MemoryStore) ID() string {
	return s.id
}

// Put writes a new local revision of a document and returns its revision ID
func (s *MemoryStore) Put(_ context.Context, docID string, body json.RawMessage) (string, error) {
	return s.write(docID, false, body), nil
}

// Delete writes a tombstone revision for a document
func (s *MemoryStore) Delete(_ context.Context, docID string) (string, error) {
	s.mu.RLock()
	_, ok := s.docs[docID]
	s.mu.RUnlock()
	if !ok {
		return "", ErrNotFound
	}
	return s.write(docID, true, nil), nil
}

func (s *MemoryStore) write(docID string, deleted bool, body json.RawMessage) string {
	s.mu.Lock()
	parent := ""
	if doc, ok := s.docs[docID]; ok {
		parent = doc.RevID
	}
	s.lastSeq++
	doc := &Document{
		ID:       docID,
		RevID:    NewRevID(parent, deleted, body),
		Deleted:  deleted,
		Body:     slices.Clone(body),
		Sequence: s.lastSeq,
	}
	s.docs[docID] = doc
	s.mu.Unlock()

	s.notifier.Broadcast()
	return doc.RevID
}

// Get returns the current revision of a document
func (s *MemoryStore) Get(_ context.Context, docID string) (*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.docs[docID]
	if !ok {
		return nil, ErrNotFound
	}
	docCopy := *doc
	docCopy.Body = slices.Clone(doc.Body)
	return &docCopy, nil
}

// Count returns the number of live (non-deleted) documents
func (s *MemoryStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, doc := range s.docs {
		if !doc.Deleted {
			count++
		}
	}
	return count
}

// LastSequence returns the sequence of the most recent change
func (s *MemoryStore) LastSequence() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSeq
}

// ReadChanges returns the latest revision of every document changed after since
func (s *MemoryStore) ReadChanges(ctx context.Context, since uint64) iter.Seq2[Change, error] {
	return func(yield func(Change, error) bool) {
		s.mu.RLock()
		changes := make([]Change, 0, len(s.docs))
		for _, doc := range s.docs {
			if doc.Sequence > since {
				changes = append(changes, Change{
					Sequence: doc.Sequence,
					DocID:    doc.ID,
					RevID:    doc.RevID,
					Deleted:  doc.Deleted,
					Body:     slices.Clone(doc.Body),
				})
			}
		}
		s.mu.RUnlock()

		slices.SortFunc(changes, func(a, b Change) int {
			return cmp.Compare(a.Sequence, b.Sequence)
		})

		for _, change := range changes {
			if err := ctx.Err(); err != nil {
				yield(Change{}, err)
				return
			}
			if !yield(change, nil) {
				return
			}
		}
	}
}

// ApplyChange stores a remote revision if it wins against the current one
func (s *MemoryStore) ApplyChange(ctx context.Context, change Change) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	current, ok := s.docs[change.DocID]
	if ok && (current.RevID == change.RevID || !s.resolver(current.RevID, change.RevID)) {
		s.mu.Unlock()
		return nil
	}
	s.lastSeq++
	s.docs[change.DocID] = &Document{
		ID:       change.DocID,
		RevID:    change.RevID,
		Deleted:  change.Deleted,
		Body:     slices.Clone(change.Body),
		Sequence: s.lastSeq,
	}
	s.mu.Unlock()

	s.notifier.Broadcast()
	return nil
}

// Notify subscribes to change notifications
func (s *MemoryStore) Notify() (<-chan struct{}, func()) {
	return s.notifier.Subscribe()
}

// Broadcaster fans out coalesced wake-ups to subscribers. The zero value is ready to use.
type Broadcaster struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan struct{}
}

// Subscribe registers a new subscriber
func (b *Broadcaster) Subscribe() (<-chan struct{}, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subs == nil {
		b.subs = make(map[int]chan struct{})
	}
	id := b.nextID
	b.nextID++
	ch := make(chan struct{}, 1)
	b.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// Broadcast wakes every subscriber without blocking
func (b *Broadcaster) Broadcast() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
