package cache

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"promptsync/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	db, err := Open(filepath.Join(t.TempDir(), "cache.db"), &logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestTaskCRUD(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	task := models.Task{
		ID:           "t-1",
		UserID:       "u-1",
		Name:         "rewriter",
		FolderName:   "drafts",
		SystemPrompt: "Rewrite formally.",
		Messages: []models.ChatMessage{
			{ID: "m-1", Role: "user", Content: "hello", Timestamp: now},
		},
		Params:    models.ModelParams{Model: "gpt-4o", Temperature: 0.7},
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, db.UpsertTask(ctx, task))

	got, err := db.GetTask(ctx, "t-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "rewriter", got.Name)
	assert.Equal(t, "Rewrite formally.", got.SystemPrompt)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "gpt-4o", got.Params.Model)

	// Upsert replaces in place.
	task.Name = "rewriter v2"
	require.NoError(t, db.UpsertTask(ctx, task))
	tasks, err := db.GetTasks(ctx, "u-1")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "rewriter v2", tasks[0].Name)

	require.NoError(t, db.DeleteTask(ctx, "t-1"))
	got, err = db.GetTask(ctx, "t-1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestFolderCRUD(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, db.UpsertFolder(ctx, models.Folder{ID: "f-1", UserID: "u-1", Name: "experiments", CreatedAt: now, UpdatedAt: now}))
	require.NoError(t, db.UpsertFolder(ctx, models.Folder{ID: "f-2", UserID: "u-1", Name: "archive", CreatedAt: now, UpdatedAt: now}))

	folders, err := db.GetFolders(ctx, "u-1")
	require.NoError(t, err)
	require.Len(t, folders, 2)
	assert.Equal(t, "archive", folders[0].Name, "sorted by name")

	require.NoError(t, db.DeleteFolder(ctx, "f-1"))
	folders, err = db.GetFolders(ctx, "u-1")
	require.NoError(t, err)
	assert.Len(t, folders, 1)
}

func TestGetTasksScopedToUser(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, db.UpsertTask(ctx, models.Task{ID: "t-1", UserID: "u-1", Name: "mine", CreatedAt: now, UpdatedAt: now}))
	require.NoError(t, db.UpsertTask(ctx, models.Task{ID: "t-2", UserID: "u-2", Name: "theirs", CreatedAt: now, UpdatedAt: now}))

	tasks, err := db.GetTasks(ctx, "u-1")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "mine", tasks[0].Name)
}
