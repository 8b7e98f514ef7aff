package models

import "time"

// ModelParams holds the inference parameters attached to a task.
type ModelParams struct {
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p"`
	MaxTokens   int     `json:"max_tokens"`
	Endpoint    string  `json:"endpoint,omitempty"`
}

// ChatMessage is a single conversation turn.
type ChatMessage struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Task is a workbench task: a named system prompt plus its chat history
// and model parameters, optionally grouped under a folder.
type Task struct {
	ID           string        `json:"id"`
	UserID       string        `json:"user_id"`
	Name         string        `json:"name"`
	FolderName   string        `json:"folder_name,omitempty"`
	SystemPrompt string        `json:"system_prompt"`
	Messages     []ChatMessage `json:"messages,omitempty"`
	Params       ModelParams   `json:"params"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// Folder groups tasks in the workbench sidebar.
type Folder struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
