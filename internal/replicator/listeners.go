package replicator

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// ChangeListener receives every Status published by a Replicator
type ChangeListener func(Status)

// ListenerToken identifies a subscription made with AddChangeListener
type ListenerToken struct {
	id uuid.UUID
}

// String returns the token identifier
func (t ListenerToken) String() string {
	return t.id.String()
}

// Executor runs listener callbacks. Implementations must run the submitted
// functions in submission order. Execute is called from the goroutine that
// dispatches statuses, never with replicator locks held, so an executor may
// run fn inline; a slow inline callback delays delivery to other listeners.
type Executor interface {
	Execute(fn func())
}

// ExecutorFunc adapts a function to the Executor interface
type ExecutorFunc func(fn func())

// Execute calls f
func (f ExecutorFunc) Execute(fn func()) {
	f(fn)
}

// ListenerOption configures a subscription
type ListenerOption func(*subscription)

// WithExecutor delivers statuses through e instead of a dedicated serial queue
func WithExecutor(e Executor) ListenerOption {
	return func(s *subscription) {
		if e != nil {
			s.executor = e
		}
	}
}

// SerialExecutor runs functions one at a time, in order, on a background
// goroutine. Its queue is unbounded so Execute never blocks.
type SerialExecutor struct {
	mu      sync.Mutex
	queue   []func()
	running bool
	closed  bool
}

// NewSerialExecutor creates an empty SerialExecutor
func NewSerialExecutor() *SerialExecutor {
	return &SerialExecutor{}
}

// Execute queues fn
func (e *SerialExecutor) Execute(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return
	}
	e.queue = append(e.queue, fn)
	if !e.running {
		e.running = true
		go e.drain()
	}
}

// Close discards queued functions. A function already running completes.
func (e *SerialExecutor) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	e.queue = nil
}

func (e *SerialExecutor) drain() {
	for {
		e.mu.Lock()
		if len(e.queue) == 0 {
			e.running = false
			e.mu.Unlock()
			return
		}
		fn := e.queue[0]
		e.queue[0] = nil
		e.queue = e.queue[1:]
		e.mu.Unlock()

		fn()
	}
}

type subscription struct {
	listener ChangeListener
	executor Executor
	removed  atomic.Bool

	// from is the first status sequence delivered to this subscription
	from uint64

	// owned is the executor created for this subscription, closed on removal
	owned *SerialExecutor
}

func (s *subscription) deliver(status Status) {
	s.executor.Execute(func() {
		if s.removed.Load() {
			return
		}
		s.listener(status)
	})
}

// listenerRegistry is the set of subscriptions of a Replicator
type listenerRegistry struct {
	mu            sync.RWMutex
	subscriptions map[ListenerToken]*subscription
}

func newListenerRegistry() *listenerRegistry {
	return &listenerRegistry{
		subscriptions: make(map[ListenerToken]*subscription),
	}
}

func (r *listenerRegistry) add(listener ChangeListener, from uint64, opts ...ListenerOption) ListenerToken {
	sub := &subscription{listener: listener, from: from}
	for _, opt := range opts {
		opt(sub)
	}
	if sub.executor == nil {
		sub.owned = NewSerialExecutor()
		sub.executor = sub.owned
	}

	token := ListenerToken{id: uuid.New()}
	r.mu.Lock()
	r.subscriptions[token] = sub
	r.mu.Unlock()
	return token
}

func (r *listenerRegistry) remove(token ListenerToken) {
	r.mu.Lock()
	sub, ok := r.subscriptions[token]
	delete(r.subscriptions, token)
	r.mu.Unlock()

	if !ok {
		return
	}
	sub.removed.Store(true)
	if sub.owned != nil {
		sub.owned.Close()
	}
}

// publish hands the status with sequence seq to every subscription made
// before it was set. Each subscription gets its own copy.
func (r *listenerRegistry) publish(seq uint64, status Status) {
	r.mu.RLock()
	subs := make([]*subscription, 0, len(r.subscriptions))
	for _, sub := range r.subscriptions {
		if seq >= sub.from {
			subs = append(subs, sub)
		}
	}
	r.mu.RUnlock()

	for _, sub := range subs {
		sub.deliver(status.clone())
	}
}

func (r *listenerRegistry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subscriptions)
}
