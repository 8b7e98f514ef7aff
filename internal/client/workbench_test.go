package client

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"promptsync/internal/cache"
	"promptsync/internal/conflict"
	"promptsync/internal/events"
	"promptsync/internal/executor"
	"promptsync/internal/models"
	"promptsync/internal/queue"
	"promptsync/internal/remote"
	syncsvc "promptsync/internal/sync"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testUser = "u-1"

type fixture struct {
	wb    *Workbench
	svc   *syncsvc.Service
	store *remote.MemoryStore
	db    *cache.DB
	bus   *events.Bus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	dir := t.TempDir()
	db, err := cache.Open(filepath.Join(dir, "cache.db"), &logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store := remote.NewMemoryStore()
	bus := events.NewBus()
	q := queue.New(queue.NewFileStore(filepath.Join(dir, "queue.json")), &logger)
	exec := executor.New(store, nil, &logger)
	resolver := conflict.NewResolver(conflict.LocalWins, &logger)

	// Manual drains only; no scheduler, no realtime kicks.
	svc := syncsvc.NewService(syncsvc.Options{
		AutoSyncInterval: time.Hour,
		BatchSize:        10,
		MaxRetries:       1,
		RealtimeSync:     false,
	}, q, exec, resolver, store, bus, &logger)

	wb := NewWorkbench(testUser, svc, store, db, bus, time.Hour, &logger)
	return &fixture{wb: wb, svc: svc, store: store, db: db, bus: bus}
}

func TestMutationPriorities(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	task := f.wb.CreateTask(ctx, "classifier", "", models.ModelParams{Model: "gpt-4o"})
	f.wb.SaveChatHistory(ctx, task.ID, []models.ChatMessage{{ID: "m-1", Role: "user", Content: "hi"}})
	f.wb.SaveSystemPrompt(ctx, task.ID, "Classify the input.")
	f.wb.SaveModelParams(ctx, task.ID, models.ModelParams{Model: "gpt-4o", Temperature: 0.2})
	f.wb.DeleteTask(ctx, "other-task")

	snapshot := f.svc.QueueSnapshot()
	require.Len(t, snapshot, 5)

	// Drain order follows the per-entity priorities.
	assert.Equal(t, models.OpDelete, snapshot[0].Operation)
	assert.Equal(t, models.EntityTask, snapshot[1].EntityType)
	assert.Equal(t, models.OpCreate, snapshot[1].Operation)
	assert.Equal(t, models.EntityModelParams, snapshot[2].EntityType)
	assert.Equal(t, models.EntitySystemPrompt, snapshot[3].EntityType)
	assert.Equal(t, models.EntityChatHistory, snapshot[4].EntityType)
}

func TestCacheMirror(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	task := f.wb.CreateTask(ctx, "summarizer", "drafts", models.ModelParams{})
	cached, err := f.db.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.Equal(t, "summarizer", cached.Name)

	f.wb.RenameTask(ctx, task.ID, "summarizer v2")
	cached, err = f.db.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "summarizer v2", cached.Name)

	f.wb.DeleteTask(ctx, task.ID)
	cached, err = f.db.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Nil(t, cached)
}

func TestAppendChatMessageExtendsHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	task := f.wb.CreateTask(ctx, "chat", "", models.ModelParams{})
	f.wb.AppendChatMessage(ctx, task.ID, "user", "first")
	f.wb.AppendChatMessage(ctx, task.ID, "assistant", "second")

	cached, err := f.db.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.NotNil(t, cached)
	require.Len(t, cached.Messages, 2)
	assert.Equal(t, "first", cached.Messages[0].Content)
	assert.Equal(t, "second", cached.Messages[1].Content)
}

func TestSnapshotFollowsEvents(t *testing.T) {
	f := newFixture(t)

	assert.True(t, f.wb.Snapshot().Online)

	f.svc.SetOnline(false)
	assert.False(t, f.wb.Snapshot().Online)

	f.svc.SetOnline(true)
	assert.True(t, f.wb.Snapshot().Online)
}

func TestDirectPromptFlush(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.store.SeedTask(testUser, models.Task{ID: "t-1", UserID: testUser, Name: "seeded", UpdatedAt: time.Now().Add(-time.Hour)})

	f.wb.SaveSystemPrompt(ctx, "t-1", "Be terse.")
	f.wb.flushPrompts()

	remoteTask, err := f.store.GetTask(ctx, testUser, "t-1")
	require.NoError(t, err)
	assert.Equal(t, "Be terse.", remoteTask.SystemPrompt)

	f.wb.dirtyMu.Lock()
	assert.Empty(t, f.wb.dirtyPrompts)
	f.wb.dirtyMu.Unlock()
}

func TestFailedFlushStaysDirty(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Task does not exist remotely, so the direct write fails.
	f.wb.SaveSystemPrompt(ctx, "missing", "text")
	f.wb.flushPrompts()

	f.wb.dirtyMu.Lock()
	_, stillDirty := f.wb.dirtyPrompts["missing"]
	f.wb.dirtyMu.Unlock()
	assert.True(t, stillDirty)
}

func TestDirectChatFlush(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.store.SeedTask(testUser, models.Task{ID: "t-1", UserID: testUser, UpdatedAt: time.Now().Add(-time.Hour)})

	f.wb.SaveChatHistory(ctx, "t-1", []models.ChatMessage{
		{ID: "m-1", Role: "user", Content: "hello", Timestamp: time.Now()},
	})
	f.wb.flushChats()

	remoteTask, err := f.store.GetTask(ctx, testUser, "t-1")
	require.NoError(t, err)
	require.Len(t, remoteTask.Messages, 1)
	assert.Equal(t, "hello", remoteTask.Messages[0].Content)
}

func TestPushLocalTasks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	now := time.Now()
	require.NoError(t, f.db.UpsertTask(ctx, models.Task{ID: "t-1", UserID: testUser, Name: "a", CreatedAt: now, UpdatedAt: now}))
	require.NoError(t, f.db.UpsertTask(ctx, models.Task{ID: "t-2", UserID: testUser, Name: "b", CreatedAt: now, UpdatedAt: now}))

	n, err := f.wb.PushLocalTasks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, len(f.svc.QueueSnapshot()))
}
