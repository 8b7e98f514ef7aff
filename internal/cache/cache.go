package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"promptsync/internal/models"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// DB is the local durable cache of folders and tasks. It is a plain
// read-through copy for offline use and first-time upload; the sync queue,
// not this cache, is the source of truth for pending mutations.
type DB struct {
	db     *sql.DB
	logger *zerolog.Logger
}

func Open(path string, logger *zerolog.Logger) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open cache database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("connect to cache database: %w", err)
	}
	if err := createTables(db); err != nil {
		return nil, fmt.Errorf("create cache tables: %w", err)
	}

	logger.Info().Str("path", path).Msg("local cache initialized")
	return &DB{db: db, logger: logger}, nil
}

func createTables(db *sql.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS folders (
            id TEXT PRIMARY KEY,
            user_id TEXT NOT NULL,
            name TEXT NOT NULL,
            created_at DATETIME NOT NULL,
            updated_at DATETIME NOT NULL
        )`,
		`CREATE TABLE IF NOT EXISTS tasks (
            id TEXT PRIMARY KEY,
            user_id TEXT NOT NULL,
            name TEXT NOT NULL,
            folder_name TEXT,
            system_prompt TEXT NOT NULL DEFAULT '',
            messages TEXT NOT NULL DEFAULT '[]',
            params TEXT NOT NULL DEFAULT '{}',
            created_at DATETIME NOT NULL,
            updated_at DATETIME NOT NULL
        )`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_user_id ON tasks(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_folder_name ON tasks(folder_name)`,
		`CREATE INDEX IF NOT EXISTS idx_folders_user_id ON folders(user_id)`,
	}

	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			return err
		}
	}
	return nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

// UpsertTask writes the full task row, replacing any existing copy.
func (d *DB) UpsertTask(ctx context.Context, task models.Task) error {
	messages, err := json.Marshal(task.Messages)
	if err != nil {
		return fmt.Errorf("encode messages: %w", err)
	}
	params, err := json.Marshal(task.Params)
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}

	query := `INSERT INTO tasks (id, user_id, name, folder_name, system_prompt, messages, params, created_at, updated_at)
              VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
              ON CONFLICT(id) DO UPDATE SET
                name = excluded.name,
                folder_name = excluded.folder_name,
                system_prompt = excluded.system_prompt,
                messages = excluded.messages,
                params = excluded.params,
                updated_at = excluded.updated_at`
	_, err = d.db.ExecContext(ctx, query,
		task.ID, task.UserID, task.Name, task.FolderName, task.SystemPrompt,
		string(messages), string(params), task.CreatedAt, task.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert task: %w", err)
	}
	return nil
}

func (d *DB) GetTask(ctx context.Context, taskID string) (*models.Task, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT id, user_id, name, folder_name, system_prompt, messages, params, created_at, updated_at
         FROM tasks WHERE id = ?`, taskID)

	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return task, nil
}

func (d *DB) GetTasks(ctx context.Context, userID string) ([]models.Task, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT id, user_id, name, folder_name, system_prompt, messages, params, created_at, updated_at
         FROM tasks WHERE user_id = ? ORDER BY updated_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("get tasks: %w", err)
	}
	defer rows.Close()

	var tasks []models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, *task)
	}
	return tasks, rows.Err()
}

func (d *DB) DeleteTask(ctx context.Context, taskID string) error {
	if _, err := d.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, taskID); err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return nil
}

func (d *DB) UpsertFolder(ctx context.Context, folder models.Folder) error {
	query := `INSERT INTO folders (id, user_id, name, created_at, updated_at)
              VALUES (?, ?, ?, ?, ?)
              ON CONFLICT(id) DO UPDATE SET name = excluded.name, updated_at = excluded.updated_at`
	_, err := d.db.ExecContext(ctx, query,
		folder.ID, folder.UserID, folder.Name, folder.CreatedAt, folder.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert folder: %w", err)
	}
	return nil
}

func (d *DB) GetFolders(ctx context.Context, userID string) ([]models.Folder, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT id, user_id, name, created_at, updated_at FROM folders WHERE user_id = ? ORDER BY name`, userID)
	if err != nil {
		return nil, fmt.Errorf("get folders: %w", err)
	}
	defer rows.Close()

	var folders []models.Folder
	for rows.Next() {
		var f models.Folder
		if err := rows.Scan(&f.ID, &f.UserID, &f.Name, &f.CreatedAt, &f.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan folder: %w", err)
		}
		folders = append(folders, f)
	}
	return folders, rows.Err()
}

func (d *DB) DeleteFolder(ctx context.Context, folderID string) error {
	if _, err := d.db.ExecContext(ctx, `DELETE FROM folders WHERE id = ?`, folderID); err != nil {
		return fmt.Errorf("delete folder: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*models.Task, error) {
	var task models.Task
	var messages, params string
	err := row.Scan(&task.ID, &task.UserID, &task.Name, &task.FolderName,
		&task.SystemPrompt, &messages, &params, &task.CreatedAt, &task.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(messages), &task.Messages); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}
	if err := json.Unmarshal([]byte(params), &task.Params); err != nil {
		return nil, fmt.Errorf("decode params: %w", err)
	}
	return &task, nil
}
