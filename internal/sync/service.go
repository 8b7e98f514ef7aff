package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"promptsync/internal/config"
	"promptsync/internal/conflict"
	"promptsync/internal/events"
	"promptsync/internal/executor"
	"promptsync/internal/metrics"
	"promptsync/internal/models"
	"promptsync/internal/queue"
	"promptsync/internal/remote"

	"github.com/rs/zerolog"
)

// Options governs the service's scheduling and retry behavior.
type Options struct {
	AutoSyncInterval time.Duration
	BatchSize        int
	MaxRetries       int
	RedrainDelay     time.Duration
	ProbeInterval    time.Duration
	RealtimeSync     bool
}

// OptionsFromConfig translates the config surface into runtime options.
func OptionsFromConfig(cfg config.SyncConfig, remote config.RemoteConfig) Options {
	return Options{
		AutoSyncInterval: time.Duration(cfg.AutoSyncIntervalMs) * time.Millisecond,
		BatchSize:        cfg.BatchSize,
		MaxRetries:       cfg.MaxRetries,
		RedrainDelay:     time.Duration(cfg.RedrainDelayMs) * time.Millisecond,
		ProbeInterval:    time.Duration(remote.ProbeIntervalMs) * time.Millisecond,
		RealtimeSync:     cfg.EnableRealtime == nil || *cfg.EnableRealtime,
	}
}

// Service orchestrates the queue, resolver and executor: it decides when
// the queue drains, detects conflicts per item, folds results into stats
// and emits typed events. One Service exists per running client.
type Service struct {
	opts     Options
	queue    *queue.Queue
	exec     *executor.Executor
	resolver *conflict.Resolver
	store    remote.Store
	bus      *events.Bus
	logger   *zerolog.Logger

	// inFlight is the single-slot token guarding batch processing:
	// whoever holds the slot is the one running batch, every other
	// trigger is a no-op.
	inFlight chan struct{}
	kick     chan struct{}

	mu        sync.Mutex
	status    models.SyncStatus
	online    bool
	lastError string
	stats     models.SyncStats

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewService(opts Options, q *queue.Queue, exec *executor.Executor, resolver *conflict.Resolver, store remote.Store, bus *events.Bus, logger *zerolog.Logger) *Service {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.AutoSyncInterval <= 0 {
		opts.AutoSyncInterval = 30 * time.Second
	}
	if opts.RedrainDelay <= 0 {
		opts.RedrainDelay = 500 * time.Millisecond
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		opts:     opts,
		queue:    q,
		exec:     exec,
		resolver: resolver,
		store:    store,
		bus:      bus,
		logger:   logger,
		inFlight: make(chan struct{}, 1),
		kick:     make(chan struct{}, 1),
		status:   models.StatusIdle,
		online:   true,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start recovers the persisted queue and launches the auto-sync scheduler
// and, when a probe interval is set, the network monitor.
func (s *Service) Start() {
	recovered := s.queue.Load()
	if recovered > 0 {
		s.logger.Info().Int("items", recovered).Msg("recovered pending sync operations from mirror")
	}
	metrics.SetQueueDepth(s.queue.Size())

	s.wg.Add(1)
	go s.runScheduler()

	if s.opts.ProbeInterval > 0 {
		s.wg.Add(1)
		go s.runProbe()
	}
}

// Close cancels timers and background goroutines. Pending queue items are
// left in the durable mirror so the next session can recover them.
func (s *Service) Close() {
	s.cancel()
	s.wg.Wait()
}

// Enqueue adds one mutation to the sync queue, applying the dedup and
// priority rules, and triggers an immediate drain when realtime sync is
// enabled and the service is online.
func (s *Service) Enqueue(item models.SyncItem) models.SyncItem {
	if item.MaxRetries <= 0 {
		item.MaxRetries = s.opts.MaxRetries
	}
	stored := s.queue.Enqueue(item)
	metrics.SetQueueDepth(s.queue.Size())

	if s.opts.RealtimeSync && s.Online() {
		s.kickDrain()
	}
	return stored
}

// PullFromRemote fetches the user's full remote task set and publishes it
// as RemoteDataReceived. Merging into local state is the caller's job.
func (s *Service) PullFromRemote(ctx context.Context, userID string) ([]models.Task, error) {
	tasks, err := s.store.GetUserTasks(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("pull from remote: %w", err)
	}
	s.bus.Publish(events.RemoteDataReceived{Tasks: tasks})
	return tasks, nil
}

// PushToRemote bulk-enqueues create operations for local-only entities,
// used for the first upload of data that predates the account.
func (s *Service) PushToRemote(userID string, tasks []models.Task) {
	for _, task := range tasks {
		s.Enqueue(models.SyncItem{
			UserID:     userID,
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
	}
}

// ForceFullSync clears the queue, pulls remote state, then drains whatever
// was enqueued meanwhile. Explicit user action; errors propagate.
func (s *Service) ForceFullSync(ctx context.Context, userID string) ([]models.Task, error) {
	s.queue.Clear()
	metrics.SetQueueDepth(0)

	tasks, err := s.PullFromRemote(ctx, userID)
	if err != nil {
		return nil, err
	}

	s.ProcessQueue(ctx)
	return tasks, nil
}

// Stats returns a copy of the cumulative counters.
func (s *Service) Stats() models.SyncStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// State returns the UI-facing snapshot of the service.
func (s *Service) State() models.SyncState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return models.SyncState{
		Status:      s.status,
		Online:      s.online,
		QueueLength: s.queue.Size(),
		LastSyncAt:  s.stats.LastSyncAt,
		LastError:   s.lastError,
		Conflicts:   s.stats.ConflictedOperations,
	}
}

// QueueSnapshot exposes the pending items in drain order.
func (s *Service) QueueSnapshot() []models.SyncItem {
	return s.queue.Snapshot()
}

func (s *Service) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// SetOnline flips the connectivity flag. Going offline leaves queued
// operations untouched; coming back online drains the backlog.
func (s *Service) SetOnline(online bool) {
	s.mu.Lock()
	changed := s.online != online
	s.online = online
	s.mu.Unlock()

	if !changed {
		return
	}

	s.logger.Info().Bool("online", online).Msg("network state changed")
	s.bus.Publish(events.NetworkChanged{Online: online})
	if online {
		s.kickDrain()
	}
}

func (s *Service) runScheduler() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.opts.AutoSyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.ProcessQueue(s.ctx)
		case <-s.kick:
			s.ProcessQueue(s.ctx)
		}
	}
}

func (s *Service) runProbe() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.opts.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			err := s.store.Ping(s.ctx)
			s.SetOnline(err == nil)
		}
	}
}

// kickDrain requests an immediate batch without blocking; a pending kick
// coalesces with it.
func (s *Service) kickDrain() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// ProcessQueue drains one batch. Reentrant calls while a batch is in
// flight are no-ops; that is the only state held across suspension
// points.
func (s *Service) ProcessQueue(ctx context.Context) {
	select {
	case s.inFlight <- struct{}{}:
	default:
		return
	}
	defer func() { <-s.inFlight }()

	if s.queue.Size() == 0 || !s.Online() || s.store == nil {
		return
	}

	s.mu.Lock()
	prior := s.status
	s.mu.Unlock()

	s.setStatus(models.StatusSyncing, "")
	s.bus.Publish(events.SyncStarted{QueueLength: s.queue.Size()})

	batch := s.queue.DequeueBatch(s.opts.BatchSize)
	start := time.Now()

	var failed []models.SyncItem
	var lastErr error
	processed := 0
	retried := 0

	// Sequential on purpose: ordering and at most one in-flight write per
	// entity are easy to reason about this way.
	for _, item := range batch {
		if err := s.processItem(ctx, item); err != nil {
			item.RetryCount++
			if item.RetryCount <= item.MaxRetries {
				s.logger.Warn().Err(err).Str("item", item.ID).Int("retry", item.RetryCount).Msg("sync item failed, requeued")
				s.queue.RequeueFront(item)
				retried++
				continue
			}
			s.logger.Error().Err(err).Str("item", item.ID).Msg("sync item dropped after exhausting retries")
			failed = append(failed, item)
			lastErr = err
			metrics.IncOp("failed")
			s.countOp(func(st *models.SyncStats) {
				st.TotalOperations++
				st.FailedOperations++
			})
			continue
		}
		processed++
		metrics.IncOp("success")
		s.countOp(func(st *models.SyncStats) {
			st.TotalOperations++
			st.SuccessfulOperations++
		})
	}

	duration := time.Since(start)
	remaining := s.queue.Size()

	s.mu.Lock()
	s.stats.LastSyncAt = time.Now()
	if s.stats.AvgBatchDuration == 0 {
		s.stats.AvgBatchDuration = duration
	} else {
		// Exponentially-weighted approximation, not a true mean.
		s.stats.AvgBatchDuration = (s.stats.AvgBatchDuration + duration) / 2
	}
	s.mu.Unlock()

	metrics.ObserveBatch(duration.Seconds())
	metrics.SetQueueDepth(remaining)

	switch {
	case len(failed) > 0:
		s.setStatus(models.StatusError, lastErr.Error())
		s.bus.Publish(events.SyncFailed{Err: lastErr, FailedItems: failed})
	case processed > 0:
		s.setStatus(models.StatusSuccess, "")
		s.bus.Publish(events.SyncCompleted{ProcessedItems: processed, RemainingItems: remaining, Duration: duration})
	default:
		// Every item was requeued for retry; nothing was applied, so the
		// batch neither succeeded nor failed. Restore the pre-batch status
		// and let the redrain attempt again.
		s.logger.Warn().Int("retried", retried).Msg("batch deferred, all items requeued")
		s.setStatus(prior, "")
	}

	// Backlogs drain faster than the idle cadence.
	if remaining > 0 {
		timer := time.AfterFunc(s.opts.RedrainDelay, s.kickDrain)
		go func() {
			<-s.ctx.Done()
			timer.Stop()
		}()
	}
}

// processItem resolves a potential conflict, then applies the item. Errors
// never escape the batch loop uncaught.
func (s *Service) processItem(ctx context.Context, item models.SyncItem) error {
	item, skip, err := s.reconcile(ctx, item)
	if err != nil {
		return err
	}
	if skip {
		return nil
	}
	return s.exec.Execute(ctx, item)
}

// reconcile checks update items against the remote record. A remote copy
// modified within the concurrent window of the local edit is a conflict;
// the configured strategy decides what gets written.
func (s *Service) reconcile(ctx context.Context, item models.SyncItem) (models.SyncItem, bool, error) {
	if item.Operation != models.OpUpdate || item.EntityType == models.EntityFolder {
		return item, false, nil
	}

	remoteTask, err := s.store.GetTask(ctx, item.UserID, item.Payload.EntityID())
	if errors.Is(err, remote.ErrNotFound) {
		return item, false, nil
	}
	if err != nil {
		return item, false, fmt.Errorf("fetch remote record: %w", err)
	}

	if !s.resolver.Detect(item.Payload.ModifiedAt(), remoteTask.UpdatedAt) {
		// Clean last-write-wins: if the remote copy is strictly newer the
		// local edit is stale and the remote side keeps it.
		if remoteTask.UpdatedAt.After(item.Payload.ModifiedAt()) {
			s.logger.Debug().Str("item", item.ID).Msg("remote copy is newer, discarding stale local edit")
			return item, true, nil
		}
		return item, false, nil
	}

	localTask := localTaskView(item)
	s.countOp(func(st *models.SyncStats) { st.ConflictedOperations++ })
	metrics.IncOp("conflict")
	s.setStatus(models.StatusConflict, "")
	s.bus.Publish(events.ConflictDetected{EntityType: item.EntityType, Local: localTask, Remote: *remoteTask})

	resolution := s.resolver.Resolve(ctx, conflict.Conflict{
		EntityType: item.EntityType,
		Local:      localTask,
		Remote:     *remoteTask,
		DetectedAt: time.Now(),
	})

	switch resolution.Winner {
	case conflict.WinnerRemote:
		return item, true, nil
	case conflict.WinnerMerged:
		return mergedItem(item, resolution.Task), false, nil
	default:
		return item, false, nil
	}
}

// localTaskView projects the item's payload onto a task for conflict
// reporting and merging.
func localTaskView(item models.SyncItem) models.Task {
	task := models.Task{ID: item.Payload.EntityID(), UserID: item.UserID, UpdatedAt: item.Payload.ModifiedAt()}
	switch p := item.Payload.(type) {
	case models.TaskPayload:
		task.Name = p.Name
		task.FolderName = p.FolderName
		task.Params = p.Params
	case models.PromptPayload:
		task.SystemPrompt = p.Text
	case models.ChatPayload:
		task.Messages = p.Messages
	case models.ParamsPayload:
		task.Params = p.Params
	}
	return task
}

// mergedItem rewrites the item's payload with the merge outcome.
func mergedItem(item models.SyncItem, merged models.Task) models.SyncItem {
	switch p := item.Payload.(type) {
	case models.TaskPayload:
		p.Name = merged.Name
		p.FolderName = merged.FolderName
		p.Params = merged.Params
		item.Payload = p
	case models.PromptPayload:
		p.Text = merged.SystemPrompt
		item.Payload = p
	case models.ChatPayload:
		p.Messages = merged.Messages
		item.Payload = p
	case models.ParamsPayload:
		p.Params = merged.Params
		item.Payload = p
	}
	return item
}

// setStatus updates the aggregate status. The last error message sticks
// until the next failing batch overwrites it.
func (s *Service) setStatus(status models.SyncStatus, lastError string) {
	s.mu.Lock()
	s.status = status
	if lastError != "" {
		s.lastError = lastError
	}
	s.mu.Unlock()
}

func (s *Service) countOp(fn func(*models.SyncStats)) {
	s.mu.Lock()
	fn(&s.stats)
	s.mu.Unlock()
}
