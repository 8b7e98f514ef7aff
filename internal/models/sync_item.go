package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Operation is the kind of mutation a queue item carries.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// EntityType identifies which synchronizable data kind an item mutates.
type EntityType string

const (
	EntityFolder       EntityType = "folder"
	EntityTask         EntityType = "task"
	EntitySystemPrompt EntityType = "system_prompt"
	EntityChatHistory  EntityType = "chat_history"
	EntityModelParams  EntityType = "model_params"
)

// Queue priorities; 1 is drained first.
const (
	PriorityHighest = 1
	PriorityHigh    = 2
	PriorityNormal  = 3
	PriorityLow     = 4
	PriorityLowest  = 5
)

// Payload is the per-entity data of a queue item. Every payload names the
// entity it mutates and the local modification time used for conflict
// detection.
type Payload interface {
	Entity() EntityType
	EntityID() string
	ModifiedAt() time.Time
}

// TaskPayload backs create/rename/delete of tasks.
type TaskPayload struct {
	TaskID     string      `json:"task_id"`
	Name       string      `json:"name,omitempty"`
	FolderName string      `json:"folder_name,omitempty"`
	Params     ModelParams `json:"params,omitempty"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

func (p TaskPayload) Entity() EntityType    { return EntityTask }
func (p TaskPayload) EntityID() string      { return p.TaskID }
func (p TaskPayload) ModifiedAt() time.Time { return p.UpdatedAt }

// FolderPayload backs folder operations.
type FolderPayload struct {
	FolderID  string    `json:"folder_id"`
	Name      string    `json:"name,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (p FolderPayload) Entity() EntityType    { return EntityFolder }
func (p FolderPayload) EntityID() string      { return p.FolderID }
func (p FolderPayload) ModifiedAt() time.Time { return p.UpdatedAt }

// PromptPayload replaces a task's system prompt text.
type PromptPayload struct {
	TaskID    string    `json:"task_id"`
	Text      string    `json:"text"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (p PromptPayload) Entity() EntityType    { return EntitySystemPrompt }
func (p PromptPayload) EntityID() string      { return p.TaskID }
func (p PromptPayload) ModifiedAt() time.Time { return p.UpdatedAt }

// ChatPayload replaces a task's full chat transcript.
type ChatPayload struct {
	TaskID    string        `json:"task_id"`
	Messages  []ChatMessage `json:"messages"`
	UpdatedAt time.Time     `json:"updated_at"`
}

func (p ChatPayload) Entity() EntityType    { return EntityChatHistory }
func (p ChatPayload) EntityID() string      { return p.TaskID }
func (p ChatPayload) ModifiedAt() time.Time { return p.UpdatedAt }

// ParamsPayload replaces a task's model parameter set.
type ParamsPayload struct {
	TaskID    string      `json:"task_id"`
	Params    ModelParams `json:"params"`
	UpdatedAt time.Time   `json:"updated_at"`
}

func (p ParamsPayload) Entity() EntityType    { return EntityModelParams }
func (p ParamsPayload) EntityID() string      { return p.TaskID }
func (p ParamsPayload) ModifiedAt() time.Time { return p.UpdatedAt }

// SyncItem is one pending mutation in the sync queue.
type SyncItem struct {
	ID         string
	UserID     string
	Operation  Operation
	EntityType EntityType
	Payload    Payload
	EnqueuedAt time.Time
	RetryCount int
	MaxRetries int
	Priority   int
}

// Key returns the dedup key: at most one queued item may exist per
// (entity type, entity id, operation) triple.
func (i SyncItem) Key() string {
	return fmt.Sprintf("%s/%s/%s", i.EntityType, i.Payload.EntityID(), i.Operation)
}

// syncItemJSON is the wire form of SyncItem; the payload is kept raw so it
// can be decoded into the variant selected by EntityType.
type syncItemJSON struct {
	ID         string          `json:"id"`
	UserID     string          `json:"user_id"`
	Operation  Operation       `json:"operation"`
	EntityType EntityType      `json:"entity_type"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	RetryCount int             `json:"retry_count"`
	MaxRetries int             `json:"max_retries"`
	Priority   int             `json:"priority"`
}

func (i SyncItem) MarshalJSON() ([]byte, error) {
	payload, err := json.Marshal(i.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return json.Marshal(syncItemJSON{
		ID:         i.ID,
		UserID:     i.UserID,
		Operation:  i.Operation,
		EntityType: i.EntityType,
		Payload:    payload,
		EnqueuedAt: i.EnqueuedAt,
		RetryCount: i.RetryCount,
		MaxRetries: i.MaxRetries,
		Priority:   i.Priority,
	})
}

func (i *SyncItem) UnmarshalJSON(data []byte) error {
	var raw syncItemJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	payload, err := decodePayload(raw.EntityType, raw.Payload)
	if err != nil {
		return err
	}

	i.ID = raw.ID
	i.UserID = raw.UserID
	i.Operation = raw.Operation
	i.EntityType = raw.EntityType
	i.Payload = payload
	i.EnqueuedAt = raw.EnqueuedAt
	i.RetryCount = raw.RetryCount
	i.MaxRetries = raw.MaxRetries
	i.Priority = raw.Priority
	return nil
}

func decodePayload(entity EntityType, raw json.RawMessage) (Payload, error) {
	var p Payload
	var err error
	switch entity {
	case EntityTask:
		var v TaskPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case EntityFolder:
		var v FolderPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case EntitySystemPrompt:
		var v PromptPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case EntityChatHistory:
		var v ChatPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case EntityModelParams:
		var v ParamsPayload
		err = json.Unmarshal(raw, &v)
		p = v
	default:
		return nil, fmt.Errorf("unknown entity type: %s", entity)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", entity, err)
	}
	return p, nil
}
