package remote

import (
	"context"
	"sync"
	"time"

	"promptsync/internal/models"
)

// MemoryStore is an in-process Store used for tests and local development.
type MemoryStore struct {
	mu      sync.RWMutex
	tasks   map[string]map[string]models.Task
	folders map[string]map[string]models.Folder
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:   make(map[string]map[string]models.Task),
		folders: make(map[string]map[string]models.Folder),
	}
}

func (s *MemoryStore) CreateTask(ctx context.Context, userID string, task models.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tasks[userID] == nil {
		s.tasks[userID] = make(map[string]models.Task)
	}
	if _, exists := s.tasks[userID][task.ID]; exists {
		return ErrDuplicateKey
	}
	if task.UpdatedAt.IsZero() {
		task.UpdatedAt = time.Now()
	}
	s.tasks[userID][task.ID] = task
	return nil
}

func (s *MemoryStore) RenameTask(ctx context.Context, userID, taskID, name string) error {
	return s.mutate(userID, taskID, func(t *models.Task) {
		t.Name = name
	})
}

func (s *MemoryStore) DeleteTask(ctx context.Context, userID, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[userID][taskID]; !exists {
		return ErrNotFound
	}
	delete(s.tasks[userID], taskID)
	return nil
}

func (s *MemoryStore) UpdateSystemPrompt(ctx context.Context, userID, taskID, text string) error {
	return s.mutate(userID, taskID, func(t *models.Task) {
		t.SystemPrompt = text
	})
}

func (s *MemoryStore) UpdateChatHistory(ctx context.Context, userID, taskID string, messages []models.ChatMessage) error {
	return s.mutate(userID, taskID, func(t *models.Task) {
		t.Messages = append([]models.ChatMessage(nil), messages...)
	})
}

func (s *MemoryStore) UpdateModelParams(ctx context.Context, userID, taskID string, params models.ModelParams) error {
	return s.mutate(userID, taskID, func(t *models.Task) {
		t.Params = params
	})
}

func (s *MemoryStore) CreateFolder(ctx context.Context, userID string, folder models.Folder) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.folders[userID] == nil {
		s.folders[userID] = make(map[string]models.Folder)
	}
	if _, exists := s.folders[userID][folder.ID]; exists {
		return ErrDuplicateKey
	}
	s.folders[userID][folder.ID] = folder
	return nil
}

func (s *MemoryStore) GetTask(ctx context.Context, userID, taskID string) (*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, exists := s.tasks[userID][taskID]
	if !exists {
		return nil, ErrNotFound
	}
	return &task, nil
}

func (s *MemoryStore) GetUserTasks(ctx context.Context, userID string) ([]models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tasks := make([]models.Task, 0, len(s.tasks[userID]))
	for _, t := range s.tasks[userID] {
		tasks = append(tasks, t)
	}
	return tasks, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// SeedTask installs a task with its timestamps untouched; used by tests
// and by the local development backend to preload fixtures.
func (s *MemoryStore) SeedTask(userID string, task models.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tasks[userID] == nil {
		s.tasks[userID] = make(map[string]models.Task)
	}
	s.tasks[userID][task.ID] = task
}

func (s *MemoryStore) mutate(userID, taskID string, fn func(*models.Task)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, exists := s.tasks[userID][taskID]
	if !exists {
		return ErrNotFound
	}
	fn(&task)
	task.UpdatedAt = time.Now()
	s.tasks[userID][taskID] = task
	return nil
}
