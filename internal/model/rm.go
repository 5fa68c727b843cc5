package model

import "time"

// Connection is a user's link to the external resource-management system.
// TokenSealed holds the bearer credential as produced by the credential package.
type Connection struct {
	ID          int64
	UserID      string
	BaseURL     string
	TokenSealed string
	Active      bool
	CreatedAt   time.Time
}

// ProjectMapping links a local project to a remote RM project.
type ProjectMapping struct {
	ID                int64
	ConnectionID      int64
	ProjectID         int64
	RemoteProjectID   string
	RemoteProjectName string
	Active            bool
}

// SyncedEntry tracks one remote time entry and the hash of the aggregate it
// represented at the last successful sync.
type SyncedEntry struct {
	ID              int64
	MappingID       int64
	ProjectID       int64 // resolved through the mapping, not stored
	RemoteEntryID   string
	AggregationDate time.Time
	LastSyncedHash  string
	SyncVersion     int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// SyncedEntryComponent snapshots one local entry's contribution to a synced entry.
type SyncedEntryComponent struct {
	SyncedEntryID   int64
	EntryID         int64
	DurationMinutes int64
	IsBillable      bool
	Notes           string
}

// SyncStatus is the lifecycle state of a sync run.
type SyncStatus string

const (
	SyncRunning   SyncStatus = "RUNNING"
	SyncSucceeded SyncStatus = "SUCCEEDED"
	SyncFailed    SyncStatus = "FAILED"
)

// SyncLog is the append-only record of one sync run.
type SyncLog struct {
	ID           int64      `json:"id"`
	RunID        string     `json:"run_id"`
	UserID       string     `json:"user_id"`
	ConnectionID *int64     `json:"connection_id,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	Status       SyncStatus `json:"status"`
	Created      int        `json:"created"`
	Updated      int        `json:"updated"`
	Deleted      int        `json:"deleted"`
	Skipped      int        `json:"skipped"`
	Failed       int        `json:"failed"`
	ErrorText    string     `json:"error,omitempty"`
}

// SyncCounts are the per-category totals written when a run finishes.
type SyncCounts struct {
	Created int
	Updated int
	Deleted int
	Skipped int
	Failed  int
}
