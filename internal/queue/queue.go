package queue

import (
	"sort"
	"sync"
	"time"

	"promptsync/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Queue is the ordered, deduplicating collection of pending sync
// operations. At most one item exists per (entity type, entity id,
// operation) triple; a newer enqueue for the same triple replaces the
// older payload. Items drain in priority order, equal priorities in
// enqueue order.
type Queue struct {
	mu     sync.Mutex
	items  []models.SyncItem
	store  Store
	logger *zerolog.Logger
}

func New(store Store, logger *zerolog.Logger) *Queue {
	return &Queue{store: store, logger: logger}
}

// Load reads the durable mirror once at startup. A missing or corrupt
// mirror yields an empty queue; it never fails startup.
func (q *Queue) Load() int {
	if q.store == nil {
		return 0
	}

	items, err := q.store.Load()
	if err != nil {
		q.logger.Warn().Err(err).Msg("queue mirror unreadable, starting empty")
		return 0
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = items
	q.sortLocked()
	return len(q.items)
}

// Enqueue completes the item (id, timestamp, zero retries), applies the
// dedup-replace rule, re-sorts, and persists. Returns the stored item.
func (q *Queue) Enqueue(item models.SyncItem) models.SyncItem {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = time.Now()
	}
	item.RetryCount = 0

	q.mu.Lock()
	defer q.mu.Unlock()

	key := item.Key()
	replaced := false
	for i := range q.items {
		if q.items[i].Key() == key {
			q.items[i] = item
			replaced = true
			break
		}
	}
	if !replaced {
		q.items = append(q.items, item)
	}

	q.sortLocked()
	q.persistLocked()
	return item
}

// DequeueBatch removes and returns up to n items from the front.
func (q *Queue) DequeueBatch(n int) []models.SyncItem {
	q.mu.Lock()
	defer q.mu.Unlock()

	if n > len(q.items) {
		n = len(q.items)
	}
	if n <= 0 {
		return nil
	}

	batch := make([]models.SyncItem, n)
	copy(batch, q.items[:n])
	q.items = append([]models.SyncItem(nil), q.items[n:]...)
	q.persistLocked()
	return batch
}

// RequeueFront puts a retryable item back at the head so it is attempted
// before newer work.
func (q *Queue) RequeueFront(item models.SyncItem) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.items = append([]models.SyncItem{item}, q.items...)
	q.persistLocked()
}

// Clear drops every pending item.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.items = nil
	q.persistLocked()
}

func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Snapshot returns a copy of the pending items in drain order.
func (q *Queue) Snapshot() []models.SyncItem {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]models.SyncItem, len(q.items))
	copy(out, q.items)
	return out
}

func (q *Queue) sortLocked() {
	sort.SliceStable(q.items, func(i, j int) bool {
		return q.items[i].Priority < q.items[j].Priority
	})
}

// persistLocked mirrors the queue; losing the mirror must never block the
// in-memory queue, so failures are logged and swallowed.
func (q *Queue) persistLocked() {
	if q.store == nil {
		return
	}
	if err := q.store.Save(q.items); err != nil {
		q.logger.Warn().Err(err).Int("items", len(q.items)).Msg("persist queue mirror failed")
	}
}
