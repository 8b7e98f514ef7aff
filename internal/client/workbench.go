package client

import (
	"context"
	"sync"
	"time"

	"promptsync/internal/cache"
	"promptsync/internal/events"
	"promptsync/internal/models"
	"promptsync/internal/remote"
	syncsvc "promptsync/internal/sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Workbench is the adapter the editing surface talks to. Every mutation
// lands in the local sqlite cache immediately and is enqueued for remote
// sync; the user never waits on the network.
type Workbench struct {
	userID string
	svc    *syncsvc.Service
	store  remote.Store
	db     *cache.DB
	logger *zerolog.Logger

	directWriteEvery time.Duration

	mu    sync.RWMutex
	state models.SyncState

	// Latest unflushed values per task, written straight to the store on a
	// fixed cadence so long editing sessions don't pile up queue traffic.
	dirtyMu      sync.Mutex
	dirtyPrompts map[string]models.PromptPayload
	dirtyChats   map[string]models.ChatPayload

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewWorkbench(userID string, svc *syncsvc.Service, store remote.Store, db *cache.DB, bus *events.Bus, directWriteEvery time.Duration, logger *zerolog.Logger) *Workbench {
	if directWriteEvery <= 0 {
		directWriteEvery = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Workbench{
		userID:           userID,
		svc:              svc,
		store:            store,
		db:               db,
		logger:           logger,
		directWriteEvery: directWriteEvery,
		state:            svc.State(),
		dirtyPrompts:     make(map[string]models.PromptPayload),
		dirtyChats:       make(map[string]models.ChatPayload),
		ctx:              ctx,
		cancel:           cancel,
	}

	// Rebuild the snapshot on every service event instead of polling.
	bus.Subscribe(func(events.Event) {
		state := svc.State()
		w.mu.Lock()
		w.state = state
		w.mu.Unlock()
	})

	return w
}

// Start launches the periodic direct-write flushers for system prompts and
// chat histories.
func (w *Workbench) Start() {
	w.wg.Add(2)
	go w.runPromptFlusher()
	go w.runChatFlusher()
}

func (w *Workbench) Close() {
	w.cancel()
	w.wg.Wait()
}

// Snapshot returns the last observed sync state. It is rebuilt from events,
// so readers never block on the service's internals.
func (w *Workbench) Snapshot() models.SyncState {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

// CreateTask records a new task locally and queues its remote creation.
func (w *Workbench) CreateTask(ctx context.Context, name, folderName string, params models.ModelParams) models.Task {
	now := time.Now()
	task := models.Task{
		ID:         uuid.New().String(),
		UserID:     w.userID,
		Name:       name,
		FolderName: folderName,
		Params:     params,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	w.mirrorTask(ctx, task)

	w.svc.Enqueue(models.SyncItem{
		UserID:     w.userID,
		Operation:  models.OpCreate,
		EntityType: models.EntityTask,
		Priority:   models.PriorityHigh,
		Payload: models.TaskPayload{
			TaskID:     task.ID,
			Name:       task.Name,
			FolderName: task.FolderName,
			Params:     task.Params,
			UpdatedAt:  task.UpdatedAt,
		},
	})
	return task
}

// CreateFolder records a new folder locally and queues its remote creation.
func (w *Workbench) CreateFolder(ctx context.Context, name string) models.Folder {
	now := time.Now()
	folder := models.Folder{
		ID:        uuid.New().String(),
		UserID:    w.userID,
		Name:      name,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if w.db != nil {
		if err := w.db.UpsertFolder(ctx, folder); err != nil {
			w.logger.Warn().Err(err).Str("folder", folder.ID).Msg("cache mirror write failed")
		}
	}

	w.svc.Enqueue(models.SyncItem{
		UserID:     w.userID,
		Operation:  models.OpCreate,
		EntityType: models.EntityFolder,
		Priority:   models.PriorityHigh,
		Payload: models.FolderPayload{
			FolderID:  folder.ID,
			Name:      folder.Name,
			UpdatedAt: folder.UpdatedAt,
		},
	})
	return folder
}

// RenameTask changes a task's display name.
func (w *Workbench) RenameTask(ctx context.Context, taskID, name string) {
	now := time.Now()
	w.updateCachedTask(ctx, taskID, func(t *models.Task) {
		t.Name = name
		t.UpdatedAt = now
	})

	w.svc.Enqueue(models.SyncItem{
		UserID:     w.userID,
		Operation:  models.OpUpdate,
		EntityType: models.EntityTask,
		Priority:   models.PriorityHigh,
		Payload:    models.TaskPayload{TaskID: taskID, Name: name, UpdatedAt: now},
	})
}

// DeleteTask removes a task locally and queues the remote delete at top
// priority so a delete is never outrun by a stale update.
func (w *Workbench) DeleteTask(ctx context.Context, taskID string) {
	if w.db != nil {
		if err := w.db.DeleteTask(ctx, taskID); err != nil {
			w.logger.Warn().Err(err).Str("task", taskID).Msg("cache mirror delete failed")
		}
	}

	w.dirtyMu.Lock()
	delete(w.dirtyPrompts, taskID)
	delete(w.dirtyChats, taskID)
	w.dirtyMu.Unlock()

	w.svc.Enqueue(models.SyncItem{
		UserID:     w.userID,
		Operation:  models.OpDelete,
		EntityType: models.EntityTask,
		Priority:   models.PriorityHighest,
		Payload:    models.TaskPayload{TaskID: taskID, UpdatedAt: time.Now()},
	})
}

// SaveSystemPrompt stores the latest prompt text. Rapid re-saves coalesce
// in both the queue and the direct-write buffer.
func (w *Workbench) SaveSystemPrompt(ctx context.Context, taskID, text string) {
	now := time.Now()
	w.updateCachedTask(ctx, taskID, func(t *models.Task) {
		t.SystemPrompt = text
		t.UpdatedAt = now
	})

	payload := models.PromptPayload{TaskID: taskID, Text: text, UpdatedAt: now}
	w.dirtyMu.Lock()
	w.dirtyPrompts[taskID] = payload
	w.dirtyMu.Unlock()

	w.svc.Enqueue(models.SyncItem{
		UserID:     w.userID,
		Operation:  models.OpUpdate,
		EntityType: models.EntitySystemPrompt,
		Priority:   models.PriorityLow,
		Payload:    payload,
	})
}

// SaveChatHistory stores the full transcript for a task.
func (w *Workbench) SaveChatHistory(ctx context.Context, taskID string, messages []models.ChatMessage) {
	now := time.Now()
	w.updateCachedTask(ctx, taskID, func(t *models.Task) {
		t.Messages = messages
		t.UpdatedAt = now
	})

	payload := models.ChatPayload{TaskID: taskID, Messages: messages, UpdatedAt: now}
	w.dirtyMu.Lock()
	w.dirtyChats[taskID] = payload
	w.dirtyMu.Unlock()

	w.svc.Enqueue(models.SyncItem{
		UserID:     w.userID,
		Operation:  models.OpUpdate,
		EntityType: models.EntityChatHistory,
		Priority:   models.PriorityLowest,
		Payload:    payload,
	})
}

// AppendChatMessage adds one message to the task's transcript and saves the
// whole history.
func (w *Workbench) AppendChatMessage(ctx context.Context, taskID, role, content string) models.ChatMessage {
	msg := models.ChatMessage{
		ID:        uuid.New().String(),
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	}

	var messages []models.ChatMessage
	if w.db != nil {
		if task, err := w.db.GetTask(ctx, taskID); err == nil && task != nil {
			messages = task.Messages
		}
	}
	messages = append(messages, msg)

	w.SaveChatHistory(ctx, taskID, messages)
	return msg
}

// SaveModelParams stores the task's model parameter set.
func (w *Workbench) SaveModelParams(ctx context.Context, taskID string, params models.ModelParams) {
	now := time.Now()
	w.updateCachedTask(ctx, taskID, func(t *models.Task) {
		t.Params = params
		t.UpdatedAt = now
	})

	w.svc.Enqueue(models.SyncItem{
		UserID:     w.userID,
		Operation:  models.OpUpdate,
		EntityType: models.EntityModelParams,
		Priority:   models.PriorityNormal,
		Payload:    models.ParamsPayload{TaskID: taskID, Params: params, UpdatedAt: now},
	})
}

// PushLocalTasks bulk-enqueues creates for everything in the local cache.
// Used once after sign-in to upload data that predates the account.
func (w *Workbench) PushLocalTasks(ctx context.Context) (int, error) {
	if w.db == nil {
		return 0, nil
	}
	tasks, err := w.db.GetTasks(ctx, w.userID)
	if err != nil {
		return 0, err
	}
	w.svc.PushToRemote(w.userID, tasks)
	return len(tasks), nil
}

// mirrorTask writes the task to the local cache; mirror failures are
// logged, never surfaced, so editing keeps working without the cache.
func (w *Workbench) mirrorTask(ctx context.Context, task models.Task) {
	if w.db == nil {
		return
	}
	if err := w.db.UpsertTask(ctx, task); err != nil {
		w.logger.Warn().Err(err).Str("task", task.ID).Msg("cache mirror write failed")
	}
}

func (w *Workbench) updateCachedTask(ctx context.Context, taskID string, mutate func(*models.Task)) {
	if w.db == nil {
		return
	}
	task, err := w.db.GetTask(ctx, taskID)
	if err != nil || task == nil {
		return
	}
	mutate(task)
	w.mirrorTask(ctx, *task)
}

func (w *Workbench) runPromptFlusher() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.directWriteEvery)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.flushPrompts()
		}
	}
}

func (w *Workbench) runChatFlusher() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.directWriteEvery)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.flushChats()
		}
	}
}

// flushPrompts writes the latest dirty prompt per task straight to the
// store, bypassing the queue. A failed write goes back to the dirty set
// unless a newer save already replaced it.
func (w *Workbench) flushPrompts() {
	if !w.svc.Online() {
		return
	}

	w.dirtyMu.Lock()
	pending := w.dirtyPrompts
	w.dirtyPrompts = make(map[string]models.PromptPayload)
	w.dirtyMu.Unlock()

	for taskID, payload := range pending {
		if err := w.store.UpdateSystemPrompt(w.ctx, w.userID, taskID, payload.Text); err != nil {
			w.logger.Debug().Err(err).Str("task", taskID).Msg("direct prompt write failed")
			w.dirtyMu.Lock()
			if _, exists := w.dirtyPrompts[taskID]; !exists {
				w.dirtyPrompts[taskID] = payload
			}
			w.dirtyMu.Unlock()
		}
	}
}

func (w *Workbench) flushChats() {
	if !w.svc.Online() {
		return
	}

	w.dirtyMu.Lock()
	pending := w.dirtyChats
	w.dirtyChats = make(map[string]models.ChatPayload)
	w.dirtyMu.Unlock()

	for taskID, payload := range pending {
		if err := w.store.UpdateChatHistory(w.ctx, w.userID, taskID, payload.Messages); err != nil {
			w.logger.Debug().Err(err).Str("task", taskID).Msg("direct chat write failed")
			w.dirtyMu.Lock()
			if _, exists := w.dirtyChats[taskID]; !exists {
				w.dirtyChats[taskID] = payload
			}
			w.dirtyMu.Unlock()
		}
	}
}
