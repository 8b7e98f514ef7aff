package remote

import (
	"context"
	"errors"

	"promptsync/internal/models"
)

var (
	// ErrDuplicateKey reports an entity that already exists remotely.
	// Callers performing creates must treat it as success; the same create
	// may race with an earlier successful attempt under retry.
	ErrDuplicateKey = errors.New("remote: duplicate key")

	// ErrNotFound reports a missing remote record.
	ErrNotFound = errors.New("remote: not found")

	// ErrUnreachable reports that the backend could not be contacted.
	ErrUnreachable = errors.New("remote: unreachable")
)

// Store is the abstract remote persistence backend the sync engine
// reconciles against. Every call may suspend for arbitrary network
// latency; timeout handling belongs to the implementation.
type Store interface {
	CreateTask(ctx context.Context, userID string, task models.Task) error
	RenameTask(ctx context.Context, userID, taskID, name string) error
	DeleteTask(ctx context.Context, userID, taskID string) error
	UpdateSystemPrompt(ctx context.Context, userID, taskID, text string) error
	UpdateChatHistory(ctx context.Context, userID, taskID string, messages []models.ChatMessage) error
	UpdateModelParams(ctx context.Context, userID, taskID string, params models.ModelParams) error
	CreateFolder(ctx context.Context, userID string, folder models.Folder) error
	GetTask(ctx context.Context, userID, taskID string) (*models.Task, error)
	GetUserTasks(ctx context.Context, userID string) ([]models.Task, error)
	Ping(ctx context.Context) error
}
