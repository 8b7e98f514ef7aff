package models

import "time"

// SyncStatus is the aggregate service state surfaced to the UI.
type SyncStatus string

const (
	StatusIdle     SyncStatus = "idle"
	StatusSyncing  SyncStatus = "syncing"
	StatusSuccess  SyncStatus = "success"
	StatusError    SyncStatus = "error"
	StatusConflict SyncStatus = "conflict"
)

// SyncStats holds cumulative counters for the lifetime of the service.
type SyncStats struct {
	TotalOperations      int64         `json:"total_operations"`
	SuccessfulOperations int64         `json:"successful_operations"`
	FailedOperations     int64         `json:"failed_operations"`
	ConflictedOperations int64         `json:"conflicted_operations"`
	LastSyncAt           time.Time     `json:"last_sync_at"`
	AvgBatchDuration     time.Duration `json:"avg_batch_duration"`
}

// SyncState is the reactive snapshot the client adapter exposes to views.
type SyncState struct {
	Status      SyncStatus `json:"status"`
	Online      bool       `json:"online"`
	QueueLength int        `json:"queue_length"`
	LastSyncAt  time.Time  `json:"last_sync_at"`
	LastError   string     `json:"last_error,omitempty"`
	Conflicts   int64      `json:"conflicts"`
}
