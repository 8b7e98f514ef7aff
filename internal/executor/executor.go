package executor

import (
	"context"
	"errors"
	"fmt"

	"promptsync/internal/models"
	"promptsync/internal/remote"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

var (
	// ErrUnknownEntity reports a queue item whose entity type has no
	// route in the dispatch table.
	ErrUnknownEntity = errors.New("unknown sync type")

	// ErrUnsupportedOp reports an operation the entity's route does not
	// implement, e.g. deleting a system prompt.
	ErrUnsupportedOp = errors.New("unsupported operation")
)

// Executor applies one dequeued item to the remote store, routed by
// entity type. It does not resolve conflicts; that happens before an item
// reaches it.
type Executor struct {
	store   remote.Store
	limiter *rate.Limiter
	logger  *zerolog.Logger
}

// New builds an executor. The limiter is optional; when set, every remote
// call waits for a token first.
func New(store remote.Store, limiter *rate.Limiter, logger *zerolog.Logger) *Executor {
	return &Executor{store: store, limiter: limiter, logger: logger}
}

// Execute applies the item's mutation to the remote store. A duplicate
// create is success: the same enqueue may race with an earlier successful
// attempt under retry. Deleting an already-absent record is success for
// the same reason.
func (e *Executor) Execute(ctx context.Context, item models.SyncItem) error {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limit wait: %w", err)
		}
	}

	switch item.EntityType {
	case models.EntityTask:
		return e.executeTask(ctx, item)
	case models.EntityFolder:
		return e.executeFolder(ctx, item)
	case models.EntitySystemPrompt:
		return e.executePrompt(ctx, item)
	case models.EntityChatHistory:
		return e.executeChat(ctx, item)
	case models.EntityModelParams:
		return e.executeParams(ctx, item)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownEntity, item.EntityType)
	}
}

func (e *Executor) executeTask(ctx context.Context, item models.SyncItem) error {
	payload, ok := item.Payload.(models.TaskPayload)
	if !ok {
		return fmt.Errorf("task item carries %T payload", item.Payload)
	}

	switch item.Operation {
	case models.OpCreate:
		task := models.Task{
			ID:         payload.TaskID,
			UserID:     item.UserID,
			Name:       payload.Name,
			FolderName: payload.FolderName,
			Params:     payload.Params,
			UpdatedAt:  payload.UpdatedAt,
		}
		err := e.store.CreateTask(ctx, item.UserID, task)
		if errors.Is(err, remote.ErrDuplicateKey) {
			e.logger.Debug().Str("task", payload.TaskID).Msg("task already exists remotely, treating create as success")
			return nil
		}
		return err
	case models.OpUpdate:
		return e.store.RenameTask(ctx, item.UserID, payload.TaskID, payload.Name)
	case models.OpDelete:
		err := e.store.DeleteTask(ctx, item.UserID, payload.TaskID)
		if errors.Is(err, remote.ErrNotFound) {
			e.logger.Debug().Str("task", payload.TaskID).Msg("task already gone remotely, treating delete as success")
			return nil
		}
		return err
	default:
		return fmt.Errorf("%w: %s %s", ErrUnsupportedOp, item.Operation, item.EntityType)
	}
}

func (e *Executor) executeFolder(ctx context.Context, item models.SyncItem) error {
	payload, ok := item.Payload.(models.FolderPayload)
	if !ok {
		return fmt.Errorf("folder item carries %T payload", item.Payload)
	}

	switch item.Operation {
	case models.OpCreate:
		folder := models.Folder{ID: payload.FolderID, UserID: item.UserID, Name: payload.Name, UpdatedAt: payload.UpdatedAt}
		err := e.store.CreateFolder(ctx, item.UserID, folder)
		if errors.Is(err, remote.ErrDuplicateKey) {
			return nil
		}
		return err
	case models.OpUpdate, models.OpDelete:
		// Folders sync remotely on create only; renames and deletes stay
		// local.
		e.logger.Info().Str("folder", payload.FolderID).Str("op", string(item.Operation)).Msg("folder operation is local-only, skipping remote sync")
		return nil
	default:
		return fmt.Errorf("%w: %s %s", ErrUnsupportedOp, item.Operation, item.EntityType)
	}
}

func (e *Executor) executePrompt(ctx context.Context, item models.SyncItem) error {
	payload, ok := item.Payload.(models.PromptPayload)
	if !ok {
		return fmt.Errorf("prompt item carries %T payload", item.Payload)
	}
	if item.Operation != models.OpUpdate {
		return fmt.Errorf("%w: %s %s", ErrUnsupportedOp, item.Operation, item.EntityType)
	}
	return e.store.UpdateSystemPrompt(ctx, item.UserID, payload.TaskID, payload.Text)
}

func (e *Executor) executeChat(ctx context.Context, item models.SyncItem) error {
	payload, ok := item.Payload.(models.ChatPayload)
	if !ok {
		return fmt.Errorf("chat item carries %T payload", item.Payload)
	}
	if item.Operation != models.OpUpdate {
		return fmt.Errorf("%w: %s %s", ErrUnsupportedOp, item.Operation, item.EntityType)
	}
	return e.store.UpdateChatHistory(ctx, item.UserID, payload.TaskID, payload.Messages)
}

func (e *Executor) executeParams(ctx context.Context, item models.SyncItem) error {
	payload, ok := item.Payload.(models.ParamsPayload)
	if !ok {
		return fmt.Errorf("params item carries %T payload", item.Payload)
	}
	if item.Operation != models.OpUpdate {
		return fmt.Errorf("%w: %s %s", ErrUnsupportedOp, item.Operation, item.EntityType)
	}
	return e.store.UpdateModelParams(ctx, item.UserID, payload.TaskID, payload.Params)
}
