package sync

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"promptsync/internal/conflict"
	"promptsync/internal/events"
	"promptsync/internal/executor"
	"promptsync/internal/models"
	"promptsync/internal/queue"
	"promptsync/internal/remote"

	"github.com/rs/zerolog"
)

// fakeStore wraps the memory store with error injection and call counts.
type fakeStore struct {
	*remote.MemoryStore
	promptErr   error
	promptCalls int
	promptTexts []string
	chatCalls   int
	chatLast    []models.ChatMessage
	createCalls int
	listErr     error
}

func (f *fakeStore) GetUserTasks(ctx context.Context, userID string) ([]models.Task, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.MemoryStore.GetUserTasks(ctx, userID)
}

func (f *fakeStore) UpdateSystemPrompt(ctx context.Context, userID, taskID, text string) error {
	f.promptCalls++
	f.promptTexts = append(f.promptTexts, text)
	if f.promptErr != nil {
		return f.promptErr
	}
	return f.MemoryStore.UpdateSystemPrompt(ctx, userID, taskID, text)
}

func (f *fakeStore) UpdateChatHistory(ctx context.Context, userID, taskID string, messages []models.ChatMessage) error {
	f.chatCalls++
	f.chatLast = messages
	return f.MemoryStore.UpdateChatHistory(ctx, userID, taskID, messages)
}

func (f *fakeStore) CreateTask(ctx context.Context, userID string, task models.Task) error {
	f.createCalls++
	return f.MemoryStore.CreateTask(ctx, userID, task)
}

func newTestService(t *testing.T, store remote.Store, strategy conflict.Strategy) (*Service, *events.Bus) {
	t.Helper()
	logger := zerolog.New(os.Stdout)
	bus := events.NewBus()
	q := queue.New(nil, &logger)
	exec := executor.New(store, nil, &logger)
	resolver := conflict.NewResolver(strategy, &logger)

	opts := Options{BatchSize: 10, MaxRetries: 3, RealtimeSync: false}
	svc := NewService(opts, q, exec, resolver, store, bus, &logger)
	t.Cleanup(svc.Close)
	return svc, bus
}

func seedTask(store *remote.MemoryStore, updatedAt time.Time, messages ...models.ChatMessage) {
	store.SeedTask("u-1", models.Task{
		ID:        "t-1",
		UserID:    "u-1",
		Name:      "seeded",
		Messages:  messages,
		UpdatedAt: updatedAt,
	})
}

func promptUpdate(text string, updatedAt time.Time) models.SyncItem {
	return models.SyncItem{
		UserID:     "u-1",
		Operation:  models.OpUpdate,
		EntityType: models.EntitySystemPrompt,
		Payload:    models.PromptPayload{TaskID: "t-1", Text: text, UpdatedAt: updatedAt},
		Priority:   models.PriorityLow,
	}
}

func TestOfflineEditsCoalesceThenSyncOnce(t *testing.T) {
	store := &fakeStore{MemoryStore: remote.NewMemoryStore()}
	seedTask(store.MemoryStore, time.Now().Add(-time.Hour))
	svc, _ := newTestService(t, store, conflict.LocalWins)

	svc.SetOnline(false)

	// Two edits of the same prompt within two seconds while offline.
	now := time.Now()
	svc.Enqueue(promptUpdate("first draft", now))
	svc.Enqueue(promptUpdate("final draft", now.Add(time.Second)))

	if got := svc.State().QueueLength; got != 1 {
		t.Fatalf("expected 1 coalesced item, got %d", got)
	}

	// Offline: a drain attempt is a no-op.
	svc.ProcessQueue(context.Background())
	if store.promptCalls != 0 {
		t.Fatalf("expected no remote calls while offline, got %d", store.promptCalls)
	}

	svc.SetOnline(true)
	svc.ProcessQueue(context.Background())

	if store.promptCalls != 1 {
		t.Fatalf("expected exactly one remote call, got %d", store.promptCalls)
	}
	if store.promptTexts[0] != "final draft" {
		t.Fatalf("expected latest text, got %q", store.promptTexts[0])
	}
	if got := svc.Stats().SuccessfulOperations; got != 1 {
		t.Fatalf("expected 1 successful op, got %d", got)
	}
}

func TestRetryBound(t *testing.T) {
	store := &fakeStore{MemoryStore: remote.NewMemoryStore(), promptErr: errors.New("backend down")}
	seedTask(store.MemoryStore, time.Now().Add(-time.Hour))
	svc, _ := newTestService(t, store, conflict.LocalWins)

	item := promptUpdate("doomed", time.Now())
	item.MaxRetries = 2
	svc.Enqueue(item)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		svc.ProcessQueue(ctx)
	}

	// maxRetries+1 attempts total, then dropped and counted.
	if store.promptCalls != 3 {
		t.Fatalf("expected 3 attempts, got %d", store.promptCalls)
	}
	if got := svc.Stats().FailedOperations; got != 1 {
		t.Fatalf("expected 1 failed op, got %d", got)
	}
	if got := svc.State().QueueLength; got != 0 {
		t.Fatalf("expected empty queue after drop, got %d", got)
	}
	if svc.State().Status != models.StatusError {
		t.Fatalf("expected error status, got %s", svc.State().Status)
	}
	if svc.State().LastError == "" {
		t.Fatalf("expected last error to be surfaced")
	}
}

func TestAllRequeuedBatchIsNotSuccess(t *testing.T) {
	store := &fakeStore{MemoryStore: remote.NewMemoryStore(), promptErr: errors.New("backend down")}
	seedTask(store.MemoryStore, time.Now().Add(-time.Hour))
	svc, bus := newTestService(t, store, conflict.LocalWins)

	var completed int
	bus.SubscribeKind(events.KindSyncCompleted, func(events.Event) { completed++ })

	item := promptUpdate("deferred", time.Now())
	item.MaxRetries = 3
	svc.Enqueue(item)
	svc.ProcessQueue(context.Background())

	// Nothing was applied: the item is back in the queue and the status
	// must not report a successful sync.
	if got := svc.State().Status; got == models.StatusSuccess {
		t.Fatalf("deferred batch must not report success")
	}
	if got := svc.State().QueueLength; got != 1 {
		t.Fatalf("expected item back in queue, got %d", got)
	}
	if completed != 0 {
		t.Fatalf("no completion event expected, got %d", completed)
	}
	if got := svc.Stats().SuccessfulOperations; got != 0 {
		t.Fatalf("expected 0 successes, got %d", got)
	}
}

func TestFailedItemDoesNotAbortBatch(t *testing.T) {
	store := &fakeStore{MemoryStore: remote.NewMemoryStore(), promptErr: errors.New("boom")}
	seedTask(store.MemoryStore, time.Now().Add(-time.Hour))
	svc, _ := newTestService(t, store, conflict.LocalWins)

	bad := promptUpdate("fails", time.Now())
	bad.MaxRetries = 1
	bad.Priority = models.PriorityHighest
	svc.Enqueue(bad)
	svc.Enqueue(models.SyncItem{
		UserID:     "u-1",
		Operation:  models.OpCreate,
		EntityType: models.EntityTask,
		Payload:    models.TaskPayload{TaskID: "t-2", Name: "fine"},
		Priority:   models.PriorityLowest,
	})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		svc.ProcessQueue(ctx)
	}

	stats := svc.Stats()
	if stats.SuccessfulOperations != 1 {
		t.Fatalf("expected healthy item to succeed, got %d successes", stats.SuccessfulOperations)
	}
	if stats.FailedOperations != 1 {
		t.Fatalf("expected 1 failure, got %d", stats.FailedOperations)
	}
}

func TestIdempotentCreateAgainstExistingTask(t *testing.T) {
	store := &fakeStore{MemoryStore: remote.NewMemoryStore()}
	seedTask(store.MemoryStore, time.Now().Add(-time.Hour))
	svc, _ := newTestService(t, store, conflict.LocalWins)

	svc.Enqueue(models.SyncItem{
		UserID:     "u-1",
		Operation:  models.OpCreate,
		EntityType: models.EntityTask,
		Payload:    models.TaskPayload{TaskID: "t-1", Name: "seeded again"},
	})
	svc.ProcessQueue(context.Background())

	stats := svc.Stats()
	if stats.FailedOperations != 0 {
		t.Fatalf("duplicate create must not fail, got %d failures", stats.FailedOperations)
	}
	tasks, _ := store.GetUserTasks(context.Background(), "u-1")
	if len(tasks) != 1 {
		t.Fatalf("task must exist exactly once, got %d", len(tasks))
	}
}

func TestConflictRemoteWinsSkipsWrite(t *testing.T) {
	store := &fakeStore{MemoryStore: remote.NewMemoryStore()}
	base := time.Now()
	seedTask(store.MemoryStore, base)
	svc, bus := newTestService(t, store, conflict.RemoteWins)

	var conflictEvents int
	bus.SubscribeKind(events.KindConflictDetected, func(events.Event) { conflictEvents++ })

	// Local edit lands 500ms after the remote one: concurrent.
	svc.Enqueue(promptUpdate("local version", base.Add(500*time.Millisecond)))
	svc.ProcessQueue(context.Background())

	if store.promptCalls != 0 {
		t.Fatalf("remote wins must skip the write, got %d calls", store.promptCalls)
	}
	if conflictEvents != 1 {
		t.Fatalf("expected 1 conflict event, got %d", conflictEvents)
	}
	if got := svc.Stats().ConflictedOperations; got != 1 {
		t.Fatalf("expected 1 conflicted op, got %d", got)
	}
	if got := svc.Stats().SuccessfulOperations; got != 1 {
		t.Fatalf("skipped item still completes, got %d successes", got)
	}
}

func TestConflictLocalWinsWrites(t *testing.T) {
	store := &fakeStore{MemoryStore: remote.NewMemoryStore()}
	base := time.Now()
	seedTask(store.MemoryStore, base)
	svc, _ := newTestService(t, store, conflict.LocalWins)

	svc.Enqueue(promptUpdate("local version", base.Add(500*time.Millisecond)))
	svc.ProcessQueue(context.Background())

	if store.promptCalls != 1 {
		t.Fatalf("local wins must write, got %d calls", store.promptCalls)
	}
}

func TestStaleLocalEditDiscarded(t *testing.T) {
	store := &fakeStore{MemoryStore: remote.NewMemoryStore()}
	base := time.Now()
	seedTask(store.MemoryStore, base)
	svc, _ := newTestService(t, store, conflict.LocalWins)

	// Local edit is 5s older than the remote copy: clean last-write-wins,
	// no conflict, no write.
	svc.Enqueue(promptUpdate("stale", base.Add(-5*time.Second)))
	svc.ProcessQueue(context.Background())

	if store.promptCalls != 0 {
		t.Fatalf("stale edit must be discarded, got %d calls", store.promptCalls)
	}
	if got := svc.Stats().ConflictedOperations; got != 0 {
		t.Fatalf("no conflict expected, got %d", got)
	}
}

func TestConflictMergeUnionsChatHistory(t *testing.T) {
	store := &fakeStore{MemoryStore: remote.NewMemoryStore()}
	base := time.Now()
	remoteMsgs := []models.ChatMessage{
		{ID: "b", Role: "assistant", Content: "hello", Timestamp: base.Add(-time.Minute)},
		{ID: "c", Role: "user", Content: "remote turn", Timestamp: base.Add(-30 * time.Second)},
	}
	seedTask(store.MemoryStore, base, remoteMsgs...)
	svc, _ := newTestService(t, store, conflict.Merge)

	localMsgs := []models.ChatMessage{
		{ID: "a", Role: "user", Content: "hi", Timestamp: base.Add(-2 * time.Minute)},
		{ID: "b", Role: "assistant", Content: "hello", Timestamp: base.Add(-time.Minute)},
	}
	svc.Enqueue(models.SyncItem{
		UserID:     "u-1",
		Operation:  models.OpUpdate,
		EntityType: models.EntityChatHistory,
		Payload:    models.ChatPayload{TaskID: "t-1", Messages: localMsgs, UpdatedAt: base.Add(400 * time.Millisecond)},
	})
	svc.ProcessQueue(context.Background())

	if store.chatCalls != 1 {
		t.Fatalf("expected merged write, got %d calls", store.chatCalls)
	}
	if len(store.chatLast) != 3 {
		t.Fatalf("expected 3 merged messages, got %d", len(store.chatLast))
	}
	for i, want := range []string{"a", "b", "c"} {
		if store.chatLast[i].ID != want {
			t.Fatalf("position %d: expected %s, got %s", i, want, store.chatLast[i].ID)
		}
	}
}

func TestReentrancyGuard(t *testing.T) {
	store := &fakeStore{MemoryStore: remote.NewMemoryStore()}
	seedTask(store.MemoryStore, time.Now().Add(-time.Hour))
	svc, _ := newTestService(t, store, conflict.LocalWins)

	svc.Enqueue(promptUpdate("blocked", time.Now()))

	// Occupy the single in-flight slot: any drain attempt is a no-op.
	svc.inFlight <- struct{}{}
	svc.ProcessQueue(context.Background())
	if store.promptCalls != 0 {
		t.Fatalf("expected no processing while a batch is in flight")
	}
	<-svc.inFlight

	svc.ProcessQueue(context.Background())
	if store.promptCalls != 1 {
		t.Fatalf("expected processing after the slot freed, got %d", store.promptCalls)
	}
}

func TestForceFullSync(t *testing.T) {
	store := &fakeStore{MemoryStore: remote.NewMemoryStore()}
	seedTask(store.MemoryStore, time.Now().Add(-time.Hour))
	svc, bus := newTestService(t, store, conflict.LocalWins)

	var received []models.Task
	bus.SubscribeKind(events.KindRemoteDataReceived, func(e events.Event) {
		received = e.(events.RemoteDataReceived).Tasks
	})

	svc.Enqueue(promptUpdate("will be cleared", time.Now()))

	tasks, err := svc.ForceFullSync(context.Background(), "u-1")
	if err != nil {
		t.Fatalf("force full sync: %v", err)
	}
	if len(tasks) != 1 || len(received) != 1 {
		t.Fatalf("expected remote tasks returned and published, got %d/%d", len(tasks), len(received))
	}
	if got := svc.State().QueueLength; got != 0 {
		t.Fatalf("expected cleared queue, got %d", got)
	}
}

func TestPushToRemoteBulkEnqueues(t *testing.T) {
	store := &fakeStore{MemoryStore: remote.NewMemoryStore()}
	svc, _ := newTestService(t, store, conflict.LocalWins)

	locals := []models.Task{
		{ID: "t-1", Name: "one"},
		{ID: "t-2", Name: "two"},
		{ID: "t-3", Name: "three"},
	}
	svc.PushToRemote("u-1", locals)

	if got := svc.State().QueueLength; got != 3 {
		t.Fatalf("expected 3 queued creates, got %d", got)
	}

	svc.ProcessQueue(context.Background())
	tasks, _ := store.GetUserTasks(context.Background(), "u-1")
	if len(tasks) != 3 {
		t.Fatalf("expected 3 uploaded tasks, got %d", len(tasks))
	}
}

func TestPullFromRemotePropagatesErrors(t *testing.T) {
	store := &fakeStore{MemoryStore: remote.NewMemoryStore(), listErr: errors.New("backend down")}
	svc, bus := newTestService(t, store, conflict.LocalWins)

	var published int
	bus.SubscribeKind(events.KindRemoteDataReceived, func(events.Event) { published++ })

	if _, err := svc.PullFromRemote(context.Background(), "u-1"); err == nil {
		t.Fatalf("expected pull error to propagate")
	}
	if published != 0 {
		t.Fatalf("no data event expected on a failed pull, got %d", published)
	}
}

func TestSchedulerDrainsOnEnqueue(t *testing.T) {
	store := &fakeStore{MemoryStore: remote.NewMemoryStore()}
	seedTask(store.MemoryStore, time.Now().Add(-time.Hour))

	logger := zerolog.New(os.Stdout)
	bus := events.NewBus()
	q := queue.New(nil, &logger)
	exec := executor.New(store, nil, &logger)
	resolver := conflict.NewResolver(conflict.LocalWins, &logger)

	opts := Options{BatchSize: 10, MaxRetries: 3, RealtimeSync: true, AutoSyncInterval: time.Hour}
	svc := NewService(opts, q, exec, resolver, store, bus, &logger)
	svc.Start()
	defer svc.Close()

	done := make(chan struct{})
	bus.SubscribeKind(events.KindSyncCompleted, func(events.Event) {
		select {
		case done <- struct{}{}:
		default:
		}
	})

	svc.Enqueue(promptUpdate("realtime", time.Now()))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected realtime enqueue to trigger a drain")
	}

	if store.promptCalls != 1 {
		t.Fatalf("expected one remote call, got %d", store.promptCalls)
	}
}
