// Package msgraph imports Outlook calendar events as timesheet entries.
package msgraph

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"time"

	"github.com/Tiliavir/ttt-rmsync/internal/model"
	"github.com/Tiliavir/ttt-rmsync/internal/store"
	"github.com/Tiliavir/ttt-rmsync/internal/timecalc"
)

// originPrefix namespaces calendar event ids in TimesheetEntry.OriginID.
const originPrefix = "outlook:"

// EntryStore is where imported entries go. *store.Store implements it.
type EntryStore interface {
	EntryByOrigin(ctx context.Context, userID, originID string) (model.TimesheetEntry, error)
	UpsertEntryByOrigin(ctx context.Context, e model.TimesheetEntry) (store.UpsertResult, error)
}

// ImportResult holds counters for an import.
type ImportResult struct {
	Imported int
	Updated  int
	Skipped  int // already imported and unchanged
	Filtered int // cancelled, all-day, private or free
	Errors   int
}

// ImportOptions configures an import.
type ImportOptions struct {
	UserID    string
	ProjectID int64
	Billable  bool
	Timezone  string
	DryRun    bool
	// Out receives one progress line per event; nil discards them.
	Out io.Writer
}

// parseGraphTime parses a Graph API dateTime string in the given timezone.
// Graph returns times like "2026-02-27T09:00:00.0000000" without a zone suffix
// when a Prefer: outlook.timezone header is set.
func parseGraphTime(dt, tz string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, dt); err == nil {
		return t, nil
	}

	loc := time.UTC
	if tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return time.Time{}, fmt.Errorf("unknown timezone %q: %w", tz, err)
		}
		loc = l
	}
	for _, layout := range []string{
		"2006-01-02T15:04:05.0000000",
		"2006-01-02T15:04:05",
	} {
		if t, err := time.ParseInLocation(layout, dt, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse graph time %q", dt)
}

// buildNotes is the subject, with the location appended when there is one.
// The body preview stays local since notes are sent to RM.
func buildNotes(event CalendarEvent) string {
	subject := strings.TrimSpace(event.Subject)
	loc := strings.TrimSpace(event.Location.DisplayName)
	if loc == "" {
		return subject
	}
	if subject == "" {
		return loc
	}
	return subject + " @ " + loc
}

// shouldSkip returns true if the event should not be imported.
func shouldSkip(event CalendarEvent) bool {
	return event.IsCancelled ||
		event.IsAllDay ||
		event.Sensitivity == "private" ||
		event.ShowAs == "free" ||
		event.Start.DateTime == "" || event.End.DateTime == ""
}

// MapEventToEntry converts a calendar event into a timesheet entry booked on
// the event's start day. The duration is rounded to whole minutes.
func MapEventToEntry(event CalendarEvent, opts ImportOptions) (model.TimesheetEntry, error) {
	start, err := parseGraphTime(event.Start.DateTime, opts.Timezone)
	if err != nil {
		return model.TimesheetEntry{}, fmt.Errorf("parsing start time: %w", err)
	}
	end, err := parseGraphTime(event.End.DateTime, opts.Timezone)
	if err != nil {
		return model.TimesheetEntry{}, fmt.Errorf("parsing end time: %w", err)
	}
	if end.Before(start) {
		return model.TimesheetEntry{}, fmt.Errorf("event ends before it starts (%s < %s)", end, start)
	}

	project := opts.ProjectID
	origin := originPrefix + event.ID
	return model.TimesheetEntry{
		UserID:          opts.UserID,
		ProjectID:       &project,
		Date:            timecalc.Day(start),
		DurationMinutes: int64(math.Round(end.Sub(start).Minutes())),
		IsBillable:      opts.Billable,
		Notes:           buildNotes(event),
		OriginID:        &origin,
	}, nil
}

// ImportEvents writes the events as timesheet entries. Events seen before are
// matched through their origin id and updated in place, so repeated imports
// never duplicate. Entries the user marked as skipped stay skipped.
func ImportEvents(ctx context.Context, st EntryStore, events []CalendarEvent, opts ImportOptions) (ImportResult, error) {
	out := opts.Out
	if out == nil {
		out = io.Discard
	}
	var result ImportResult

	for _, event := range events {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if shouldSkip(event) {
			result.Filtered++
			continue
		}

		entry, err := MapEventToEntry(event, opts)
		if err != nil {
			fmt.Fprintf(out, "  ! Error mapping event %q: %v\n", event.Subject, err)
			result.Errors++
			continue
		}

		outcome, err := apply(ctx, st, entry, opts.DryRun)
		if err != nil {
			fmt.Fprintf(out, "  ! Error saving %q: %v\n", event.Subject, err)
			result.Errors++
			continue
		}

		dur := timecalc.FormatMinutes(entry.DurationMinutes)
		switch outcome {
		case store.UpsertCreated:
			fmt.Fprintf(out, "  ✓ Imported: %s (%s)\n", event.Subject, dur)
			result.Imported++
		case store.UpsertUpdated:
			fmt.Fprintf(out, "  ↑ Updated:  %s (%s)\n", event.Subject, dur)
			result.Updated++
		default:
			fmt.Fprintf(out, "  – Skipped:  %s (already exists)\n", event.Subject)
			result.Skipped++
		}
	}
	return result, nil
}

// apply upserts the entry, or in dry-run mode reports what the upsert would do.
func apply(ctx context.Context, st EntryStore, e model.TimesheetEntry, dryRun bool) (store.UpsertResult, error) {
	if !dryRun {
		return st.UpsertEntryByOrigin(ctx, e)
	}
	existing, err := st.EntryByOrigin(ctx, e.UserID, *e.OriginID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return store.UpsertCreated, nil
	case err != nil:
		return store.UpsertUnchanged, err
	case store.SameContent(existing, e):
		return store.UpsertUnchanged, nil
	}
	return store.UpsertUpdated, nil
}
