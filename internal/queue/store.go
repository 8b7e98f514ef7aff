package queue

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"promptsync/internal/models"
)

// Store mirrors the queue to durable storage so a restart can recover
// pending operations. Durability is best effort; the in-memory queue is
// authoritative.
type Store interface {
	Save(items []models.SyncItem) error
	Load() ([]models.SyncItem, error)
}

// NopStore keeps the queue memory-only, for deployments with offline
// persistence turned off.
type NopStore struct{}

func (NopStore) Save([]models.SyncItem) error     { return nil }
func (NopStore) Load() ([]models.SyncItem, error) { return nil, nil }

// FileStore keeps the queue as a JSON array in a single file.
type FileStore struct {
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Save(items []models.SyncItem) error {
	if items == nil {
		items = []models.SyncItem{}
	}
	data, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("encode queue: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create queue dir: %w", err)
	}

	// Write-then-rename so a crash mid-write cannot truncate the mirror.
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write queue mirror: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace queue mirror: %w", err)
	}
	return nil
}

func (s *FileStore) Load() ([]models.SyncItem, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read queue mirror: %w", err)
	}

	var items []models.SyncItem
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("decode queue mirror: %w", err)
	}
	return items, nil
}
