package remote

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"promptsync/internal/models"

	"github.com/rs/zerolog"
)

// recoveryInterval is how long a downed primary stays benched before the
// next call probes it again.
const recoveryInterval = time.Minute

// Failover routes calls to a primary Store and falls back to a secondary
// when the primary errors. The primary is retried after a cool-down.
type Failover struct {
	primary   Store
	fallback  Store
	logger    *zerolog.Logger
	isDown    atomic.Bool
	mu        sync.Mutex
	lastCheck time.Time
}

func NewFailover(primary, fallback Store, logger *zerolog.Logger) *Failover {
	return &Failover{primary: primary, fallback: fallback, logger: logger}
}

// do runs op against the primary when it is considered healthy, marking it
// down on error, and otherwise against the fallback. A downed primary is
// probed again once the recovery interval has elapsed.
func (f *Failover) do(name string, op func(Store) error) error {
	if !f.isDown.Load() {
		err := op(f.primary)
		if err == nil || definitive(err) {
			return err
		}
		f.logger.Error().Err(err).Str("op", name).Msg("primary remote store failed, switching to fallback")
		f.markDown()
	} else if f.shouldProbe() {
		err := op(f.primary)
		if err == nil || definitive(err) {
			f.isDown.Store(false)
			f.logger.Info().Str("op", name).Msg("primary remote store recovered")
			return err
		}
	}

	return op(f.fallback)
}

// definitive reports whether err is a real answer from the backend rather
// than an outage; those never trigger failover.
func definitive(err error) bool {
	return errors.Is(err, ErrDuplicateKey) || errors.Is(err, ErrNotFound)
}

func (f *Failover) markDown() {
	f.isDown.Store(true)
	f.mu.Lock()
	f.lastCheck = time.Now()
	f.mu.Unlock()
}

func (f *Failover) shouldProbe() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if time.Since(f.lastCheck) < recoveryInterval {
		return false
	}
	f.lastCheck = time.Now()
	return true
}

func (f *Failover) CreateTask(ctx context.Context, userID string, task models.Task) error {
	return f.do("create_task", func(s Store) error { return s.CreateTask(ctx, userID, task) })
}

func (f *Failover) RenameTask(ctx context.Context, userID, taskID, name string) error {
	return f.do("rename_task", func(s Store) error { return s.RenameTask(ctx, userID, taskID, name) })
}

func (f *Failover) DeleteTask(ctx context.Context, userID, taskID string) error {
	return f.do("delete_task", func(s Store) error { return s.DeleteTask(ctx, userID, taskID) })
}

func (f *Failover) UpdateSystemPrompt(ctx context.Context, userID, taskID, text string) error {
	return f.do("update_prompt", func(s Store) error { return s.UpdateSystemPrompt(ctx, userID, taskID, text) })
}

func (f *Failover) UpdateChatHistory(ctx context.Context, userID, taskID string, messages []models.ChatMessage) error {
	return f.do("update_chat", func(s Store) error { return s.UpdateChatHistory(ctx, userID, taskID, messages) })
}

func (f *Failover) UpdateModelParams(ctx context.Context, userID, taskID string, params models.ModelParams) error {
	return f.do("update_params", func(s Store) error { return s.UpdateModelParams(ctx, userID, taskID, params) })
}

func (f *Failover) CreateFolder(ctx context.Context, userID string, folder models.Folder) error {
	return f.do("create_folder", func(s Store) error { return s.CreateFolder(ctx, userID, folder) })
}

func (f *Failover) GetTask(ctx context.Context, userID, taskID string) (*models.Task, error) {
	var task *models.Task
	err := f.do("get_task", func(s Store) error {
		var opErr error
		task, opErr = s.GetTask(ctx, userID, taskID)
		return opErr
	})
	return task, err
}

func (f *Failover) GetUserTasks(ctx context.Context, userID string) ([]models.Task, error) {
	var tasks []models.Task
	err := f.do("get_user_tasks", func(s Store) error {
		var opErr error
		tasks, opErr = s.GetUserTasks(ctx, userID)
		return opErr
	})
	return tasks, err
}

func (f *Failover) Ping(ctx context.Context) error {
	return f.do("ping", func(s Store) error { return s.Ping(ctx) })
}
