package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"promptsync/internal/config"
	"promptsync/internal/models"

	"github.com/redis/go-redis/v9"
)

// RedisStore backs the remote contract with a Redis instance. Tasks live
// in a hash per user keyed by task id; useful for self-hosted deployments
// where the workbench backend is a small Redis-based service.
type RedisStore struct {
	client *redis.Client
}

// NewRedisClient builds a client from configuration.
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func taskKey(userID string) string   { return fmt.Sprintf("tasks:%s", userID) }
func folderKey(userID string) string { return fmt.Sprintf("folders:%s", userID) }

func (s *RedisStore) CreateTask(ctx context.Context, userID string, task models.Task) error {
	if task.UpdatedAt.IsZero() {
		task.UpdatedAt = time.Now()
	}
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}

	created, err := s.client.HSetNX(ctx, taskKey(userID), task.ID, data).Result()
	if err != nil {
		return fmt.Errorf("create task in redis: %w", err)
	}
	if !created {
		return ErrDuplicateKey
	}
	return nil
}

func (s *RedisStore) RenameTask(ctx context.Context, userID, taskID, name string) error {
	return s.mutate(ctx, userID, taskID, func(t *models.Task) {
		t.Name = name
	})
}

func (s *RedisStore) DeleteTask(ctx context.Context, userID, taskID string) error {
	removed, err := s.client.HDel(ctx, taskKey(userID), taskID).Result()
	if err != nil {
		return fmt.Errorf("delete task from redis: %w", err)
	}
	if removed == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *RedisStore) UpdateSystemPrompt(ctx context.Context, userID, taskID, text string) error {
	return s.mutate(ctx, userID, taskID, func(t *models.Task) {
		t.SystemPrompt = text
	})
}

func (s *RedisStore) UpdateChatHistory(ctx context.Context, userID, taskID string, messages []models.ChatMessage) error {
	return s.mutate(ctx, userID, taskID, func(t *models.Task) {
		t.Messages = append([]models.ChatMessage(nil), messages...)
	})
}

func (s *RedisStore) UpdateModelParams(ctx context.Context, userID, taskID string, params models.ModelParams) error {
	return s.mutate(ctx, userID, taskID, func(t *models.Task) {
		t.Params = params
	})
}

func (s *RedisStore) CreateFolder(ctx context.Context, userID string, folder models.Folder) error {
	data, err := json.Marshal(folder)
	if err != nil {
		return fmt.Errorf("marshal folder: %w", err)
	}
	created, err := s.client.HSetNX(ctx, folderKey(userID), folder.ID, data).Result()
	if err != nil {
		return fmt.Errorf("create folder in redis: %w", err)
	}
	if !created {
		return ErrDuplicateKey
	}
	return nil
}

func (s *RedisStore) GetTask(ctx context.Context, userID, taskID string) (*models.Task, error) {
	val, err := s.client.HGet(ctx, taskKey(userID), taskID).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task from redis: %w", err)
	}

	var task models.Task
	if err := json.Unmarshal([]byte(val), &task); err != nil {
		return nil, fmt.Errorf("unmarshal task: %w", err)
	}
	return &task, nil
}

func (s *RedisStore) GetUserTasks(ctx context.Context, userID string) ([]models.Task, error) {
	entries, err := s.client.HGetAll(ctx, taskKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get tasks from redis: %w", err)
	}

	tasks := make([]models.Task, 0, len(entries))
	for _, raw := range entries {
		var task models.Task
		if err := json.Unmarshal([]byte(raw), &task); err != nil {
			return nil, fmt.Errorf("unmarshal task: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	return nil
}

func (s *RedisStore) mutate(ctx context.Context, userID, taskID string, fn func(*models.Task)) error {
	task, err := s.GetTask(ctx, userID, taskID)
	if err != nil {
		return err
	}

	fn(task)
	task.UpdatedAt = time.Now()

	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	if err := s.client.HSet(ctx, taskKey(userID), taskID, data).Err(); err != nil {
		return fmt.Errorf("update task in redis: %w", err)
	}
	return nil
}
