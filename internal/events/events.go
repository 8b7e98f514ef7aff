package events

import (
	"sync"
	"time"

	"promptsync/internal/models"
)

// Kind discriminates event variants.
type Kind string

const (
	KindSyncStarted        Kind = "sync_started"
	KindSyncCompleted      Kind = "sync_completed"
	KindSyncFailed         Kind = "sync_failed"
	KindConflictDetected   Kind = "conflict_detected"
	KindRemoteDataReceived Kind = "remote_data_received"
	KindNetworkChanged     Kind = "network_changed"
)

// Event is the closed set of notifications the sync service emits.
// Subscribers type-switch on the concrete variant and get checked payload
// shapes instead of stringly-keyed maps.
type Event interface {
	Kind() Kind
}

// SyncStarted fires when a batch begins draining.
type SyncStarted struct {
	QueueLength int
}

func (SyncStarted) Kind() Kind { return KindSyncStarted }

// SyncCompleted fires after a batch finishes without failures.
type SyncCompleted struct {
	ProcessedItems int
	RemainingItems int
	Duration       time.Duration
}

func (SyncCompleted) Kind() Kind { return KindSyncCompleted }

// SyncFailed fires when one or more items exhausted their retry budget.
type SyncFailed struct {
	Err         error
	FailedItems []models.SyncItem
}

func (SyncFailed) Kind() Kind { return KindSyncFailed }

// ConflictDetected fires when local and remote copies of an entity were
// both modified inside the concurrent window.
type ConflictDetected struct {
	EntityType models.EntityType
	Local      models.Task
	Remote     models.Task
}

func (ConflictDetected) Kind() Kind { return KindConflictDetected }

// RemoteDataReceived carries the user's remote task set after a pull.
type RemoteDataReceived struct {
	Tasks []models.Task
}

func (RemoteDataReceived) Kind() Kind { return KindRemoteDataReceived }

// NetworkChanged fires on online/offline transitions.
type NetworkChanged struct {
	Online bool
}

func (NetworkChanged) Kind() Kind { return KindNetworkChanged }

// Handler reacts to an event. Handlers run synchronously on the
// publisher's goroutine; the caller decides the concurrency model.
type Handler func(Event)

// Bus provides in-process pub/sub over the typed event set.
type Bus struct {
	mu     sync.RWMutex
	all    []Handler
	byKind map[Kind][]Handler
}

func NewBus() *Bus {
	return &Bus{byKind: make(map[Kind][]Handler)}
}

// Subscribe registers a handler for every event.
func (b *Bus) Subscribe(handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, handler)
}

// SubscribeKind registers a handler for one variant only.
func (b *Bus) SubscribeKind(kind Kind, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.byKind[kind] = append(b.byKind[kind], handler)
}

// Publish delivers the event to all-event subscribers then kind-specific
// ones, in subscription order.
func (b *Bus) Publish(event Event) {
	if b == nil {
		return
	}

	b.mu.RLock()
	handlers := append([]Handler(nil), b.all...)
	handlers = append(handlers, b.byKind[event.Kind()]...)
	b.mu.RUnlock()

	for _, handler := range handlers {
		handler(event)
	}
}
