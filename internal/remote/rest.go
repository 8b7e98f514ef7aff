package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"promptsync/internal/config"
	"promptsync/internal/models"

	"github.com/avast/retry-go/v4"
)

// RESTStore talks JSON over HTTP to the workbench backend (a
// Supabase-style REST service). Reads are retried a few times on
// transient failures; writes are left to the sync engine's own retry
// loop so an item is never applied twice inside one attempt.
type RESTStore struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewRESTStore(cfg config.RemoteConfig) *RESTStore {
	timeout := time.Duration(cfg.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &RESTStore{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: timeout},
	}
}

type createTaskBody struct {
	ID         string             `json:"id"`
	Name       string             `json:"name"`
	FolderName string             `json:"folder_name,omitempty"`
	Params     models.ModelParams `json:"params"`
}

func (s *RESTStore) CreateTask(ctx context.Context, userID string, task models.Task) error {
	body := createTaskBody{ID: task.ID, Name: task.Name, FolderName: task.FolderName, Params: task.Params}
	return s.write(ctx, http.MethodPost, fmt.Sprintf("/v1/users/%s/tasks", userID), body)
}

func (s *RESTStore) RenameTask(ctx context.Context, userID, taskID, name string) error {
	body := map[string]string{"name": name}
	return s.write(ctx, http.MethodPatch, fmt.Sprintf("/v1/users/%s/tasks/%s", userID, taskID), body)
}

func (s *RESTStore) DeleteTask(ctx context.Context, userID, taskID string) error {
	return s.write(ctx, http.MethodDelete, fmt.Sprintf("/v1/users/%s/tasks/%s", userID, taskID), nil)
}

func (s *RESTStore) UpdateSystemPrompt(ctx context.Context, userID, taskID, text string) error {
	body := map[string]string{"text": text}
	return s.write(ctx, http.MethodPut, fmt.Sprintf("/v1/users/%s/tasks/%s/prompt", userID, taskID), body)
}

func (s *RESTStore) UpdateChatHistory(ctx context.Context, userID, taskID string, messages []models.ChatMessage) error {
	body := map[string][]models.ChatMessage{"messages": messages}
	return s.write(ctx, http.MethodPut, fmt.Sprintf("/v1/users/%s/tasks/%s/messages", userID, taskID), body)
}

func (s *RESTStore) UpdateModelParams(ctx context.Context, userID, taskID string, params models.ModelParams) error {
	return s.write(ctx, http.MethodPut, fmt.Sprintf("/v1/users/%s/tasks/%s/params", userID, taskID), params)
}

func (s *RESTStore) CreateFolder(ctx context.Context, userID string, folder models.Folder) error {
	body := map[string]string{"id": folder.ID, "name": folder.Name}
	return s.write(ctx, http.MethodPost, fmt.Sprintf("/v1/users/%s/folders", userID), body)
}

func (s *RESTStore) GetTask(ctx context.Context, userID, taskID string) (*models.Task, error) {
	var task models.Task
	err := s.readRetried(ctx, fmt.Sprintf("/v1/users/%s/tasks/%s", userID, taskID), &task)
	if err != nil {
		return nil, err
	}
	return &task, nil
}

func (s *RESTStore) GetUserTasks(ctx context.Context, userID string) ([]models.Task, error) {
	var tasks []models.Task
	err := s.readRetried(ctx, fmt.Sprintf("/v1/users/%s/tasks", userID), &tasks)
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

func (s *RESTStore) Ping(ctx context.Context) error {
	err := s.readRetried(ctx, "/healthz", nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	return nil
}

// readRetried issues an idempotent GET with bounded retries on transient
// failures.
func (s *RESTStore) readRetried(ctx context.Context, path string, out any) error {
	return retry.Do(
		func() error { return s.do(ctx, http.MethodGet, path, nil, out) },
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(200*time.Millisecond),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			// Definitive answers from the backend are not retryable.
			return !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrDuplicateKey)
		}),
	)
}

func (s *RESTStore) write(ctx context.Context, method, path string, body any) error {
	return s.do(ctx, method, path, body, nil)
}

func (s *RESTStore) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusConflict:
		return ErrDuplicateKey
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode >= 400:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("remote returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
