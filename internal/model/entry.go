package model

import "time"

// TimesheetEntry is one local unit of tracked time for a single calendar day.
type TimesheetEntry struct {
	ID              int64     `json:"id"`
	UserID          string    `json:"user_id"`
	ProjectID       *int64    `json:"project_id"`
	Date            time.Time `json:"date"`
	DurationMinutes int64     `json:"duration_minutes"`
	IsBillable      bool      `json:"is_billable"`
	Notes           string    `json:"notes"`
	IsManual        bool      `json:"is_manual"`
	IsSkipped       bool      `json:"is_skipped"`
	// OriginID links the entry to the calendar event it was imported from.
	OriginID *string `json:"origin_id,omitempty"`
}

// Project is a local project that entries are categorized under.
type Project struct {
	ID              int64     `json:"id"`
	Name            string    `json:"name"`
	BillableDefault bool      `json:"billable_default"`
	Archived        bool      `json:"archived"`
	CreatedAt       time.Time `json:"created_at"`
}
