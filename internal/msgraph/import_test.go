package msgraph_test

import (
	"context"
	"testing"
	"time"

	"github.com/Tiliavir/ttt-rmsync/internal/model"
	"github.com/Tiliavir/ttt-rmsync/internal/msgraph"
	"github.com/Tiliavir/ttt-rmsync/internal/store"
	"github.com/Tiliavir/ttt-rmsync/internal/timecalc"
)

var day = time.Date(2026, 2, 27, 0, 0, 0, 0, time.UTC)

func makeEvent(id, subject, start, end string) msgraph.CalendarEvent {
	return msgraph.CalendarEvent{
		ID:          id,
		Subject:     subject,
		Sensitivity: "normal",
		ShowAs:      "busy",
		Start:       msgraph.EventTime{DateTime: start, TimeZone: "UTC"},
		End:         msgraph.EventTime{DateTime: end, TimeZone: "UTC"},
	}
}

func newStore(t *testing.T) (*store.Store, int64) {
	t.Helper()
	st, err := store.NewMemory()
	if err != nil {
		t.Fatalf("NewMemory: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	project, err := st.EnsureProject(context.Background(), "Meetings", true)
	if err != nil {
		t.Fatalf("EnsureProject: %v", err)
	}
	return st, project.ID
}

func entries(t *testing.T, st *store.Store) []model.TimesheetEntry {
	t.Helper()
	r, _ := timecalc.NewRange(day, day)
	list, err := st.ListEntries(context.Background(), store.EntryFilter{UserID: "alice", Range: &r, IncludeSkipped: true})
	if err != nil {
		t.Fatalf("ListEntries: %v", err)
	}
	return list
}

func TestMapEventToEntry(t *testing.T) {
	event := makeEvent("ext-id-1", "Sprint Planning", "2026-02-27T09:00:00", "2026-02-27T10:30:00")
	entry, err := msgraph.MapEventToEntry(event, msgraph.ImportOptions{UserID: "alice", ProjectID: 7, Billable: true, Timezone: "UTC"})
	if err != nil {
		t.Fatalf("MapEventToEntry: %v", err)
	}
	if entry.OriginID == nil || *entry.OriginID != "outlook:ext-id-1" {
		t.Errorf("OriginID = %v, want outlook:ext-id-1", entry.OriginID)
	}
	if entry.Notes != "Sprint Planning" {
		t.Errorf("Notes = %q, want %q", entry.Notes, "Sprint Planning")
	}
	if entry.ProjectID == nil || *entry.ProjectID != 7 {
		t.Errorf("ProjectID = %v, want 7", entry.ProjectID)
	}
	if entry.DurationMinutes != 90 {
		t.Errorf("DurationMinutes = %d, want 90", entry.DurationMinutes)
	}
	if !entry.Date.Equal(day) {
		t.Errorf("Date = %s, want %s", entry.Date, day)
	}
	if !entry.IsBillable || entry.IsManual || entry.UserID != "alice" {
		t.Errorf("entry = %+v", entry)
	}
}

func TestMapEventToEntry_WithLocation(t *testing.T) {
	event := makeEvent("ext-id-2", "Standup", "2026-02-27T10:00:00", "2026-02-27T10:15:00")
	event.BodyPreview = "Daily standup, private agenda"
	event.Location.DisplayName = "Zoom"

	entry, err := msgraph.MapEventToEntry(event, msgraph.ImportOptions{Timezone: "UTC"})
	if err != nil {
		t.Fatalf("MapEventToEntry: %v", err)
	}
	if entry.Notes != "Standup @ Zoom" {
		t.Errorf("Notes = %q, want %q", entry.Notes, "Standup @ Zoom")
	}
}

func TestMapEventToEntry_Timezone(t *testing.T) {
	// 23:30 UTC on the 27th; the day is taken in the import timezone.
	event := makeEvent("tz", "Late call", "2026-02-28T00:30:00.0000000", "2026-02-28T01:00:00.0000000")
	entry, err := msgraph.MapEventToEntry(event, msgraph.ImportOptions{Timezone: "Europe/Berlin"})
	if err != nil {
		t.Fatalf("MapEventToEntry: %v", err)
	}
	if got := timecalc.FormatDate(entry.Date); got != "2026-02-28" {
		t.Errorf("Date = %s, want 2026-02-28", got)
	}
	if entry.DurationMinutes != 30 {
		t.Errorf("DurationMinutes = %d, want 30", entry.DurationMinutes)
	}
}

func TestMapEventToEntry_Errors(t *testing.T) {
	if _, err := msgraph.MapEventToEntry(makeEvent("x", "x", "garbage", "2026-02-27T10:00:00"), msgraph.ImportOptions{}); err == nil {
		t.Error("expected error for unparsable start")
	}
	if _, err := msgraph.MapEventToEntry(makeEvent("x", "x", "2026-02-27T10:00:00", "2026-02-27T09:00:00"), msgraph.ImportOptions{}); err == nil {
		t.Error("expected error for end before start")
	}
	if _, err := msgraph.MapEventToEntry(makeEvent("x", "x", "2026-02-27T09:00:00", "2026-02-27T10:00:00"), msgraph.ImportOptions{Timezone: "Mars/Olympus"}); err == nil {
		t.Error("expected error for unknown timezone")
	}
}

func TestImportEvents_Import(t *testing.T) {
	st, project := newStore(t)
	events := []msgraph.CalendarEvent{
		makeEvent("ext-1", "Architecture Board", "2026-02-27T09:00:00", "2026-02-27T10:30:00"),
	}
	opts := msgraph.ImportOptions{UserID: "alice", ProjectID: project, Billable: true}

	result, err := msgraph.ImportEvents(context.Background(), st, events, opts)
	if err != nil {
		t.Fatalf("ImportEvents: %v", err)
	}
	if result.Imported != 1 || result.Skipped != 0 {
		t.Errorf("result = %+v, want 1 imported", result)
	}

	list := entries(t, st)
	if len(list) != 1 {
		t.Fatalf("entries = %d, want 1", len(list))
	}
	if list[0].OriginID == nil || *list[0].OriginID != "outlook:ext-1" || list[0].DurationMinutes != 90 {
		t.Errorf("entry = %+v", list[0])
	}
}

func TestImportEvents_Idempotent(t *testing.T) {
	st, project := newStore(t)
	events := []msgraph.CalendarEvent{
		makeEvent("ext-1", "Architecture Board", "2026-02-27T09:00:00", "2026-02-27T10:30:00"),
	}
	opts := msgraph.ImportOptions{UserID: "alice", ProjectID: project}

	r1, err := msgraph.ImportEvents(context.Background(), st, events, opts)
	if err != nil {
		t.Fatalf("first ImportEvents: %v", err)
	}
	if r1.Imported != 1 {
		t.Errorf("first import: Imported = %d, want 1", r1.Imported)
	}

	r2, err := msgraph.ImportEvents(context.Background(), st, events, opts)
	if err != nil {
		t.Fatalf("second ImportEvents: %v", err)
	}
	if r2.Imported != 0 || r2.Skipped != 1 {
		t.Errorf("second import = %+v, want 1 skipped", r2)
	}
	if n := len(entries(t, st)); n != 1 {
		t.Fatalf("entries = %d after 2 imports, want 1", n)
	}
}

func TestImportEvents_Update(t *testing.T) {
	st, project := newStore(t)
	event := makeEvent("ext-1", "Architecture Board", "2026-02-27T09:00:00", "2026-02-27T10:30:00")
	opts := msgraph.ImportOptions{UserID: "alice", ProjectID: project}
	ctx := context.Background()

	if _, err := msgraph.ImportEvents(ctx, st, []msgraph.CalendarEvent{event}, opts); err != nil {
		t.Fatalf("first ImportEvents: %v", err)
	}
	list := entries(t, st)
	if err := st.SetSkipped(ctx, list[0].ID, true); err != nil {
		t.Fatalf("SetSkipped: %v", err)
	}

	event.Subject = "Architecture Board (updated)"
	event.End.DateTime = "2026-02-27T11:00:00"
	r2, err := msgraph.ImportEvents(ctx, st, []msgraph.CalendarEvent{event}, opts)
	if err != nil {
		t.Fatalf("second ImportEvents: %v", err)
	}
	if r2.Updated != 1 {
		t.Errorf("Updated = %d, want 1", r2.Updated)
	}

	list = entries(t, st)
	if len(list) != 1 {
		t.Fatalf("entries = %d, want 1", len(list))
	}
	got := list[0]
	if got.Notes != "Architecture Board (updated)" || got.DurationMinutes != 120 {
		t.Errorf("entry = %+v, want updated notes and 120 minutes", got)
	}
	if !got.IsSkipped {
		t.Error("re-import cleared the skipped flag")
	}
}

func TestImportEvents_SkipFiltered(t *testing.T) {
	st, project := newStore(t)
	opts := msgraph.ImportOptions{UserID: "alice", ProjectID: project}

	tests := []struct {
		name   string
		mutate func(e *msgraph.CalendarEvent)
	}{
		{"cancelled", func(e *msgraph.CalendarEvent) { e.IsCancelled = true }},
		{"all-day", func(e *msgraph.CalendarEvent) { e.IsAllDay = true }},
		{"private", func(e *msgraph.CalendarEvent) { e.Sensitivity = "private" }},
		{"free", func(e *msgraph.CalendarEvent) { e.ShowAs = "free" }},
		{"no end", func(e *msgraph.CalendarEvent) { e.End.DateTime = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := makeEvent("f-"+tt.name, tt.name, "2026-02-27T09:00:00", "2026-02-27T10:00:00")
			tt.mutate(&e)
			r, err := msgraph.ImportEvents(context.Background(), st, []msgraph.CalendarEvent{e}, opts)
			if err != nil {
				t.Fatalf("ImportEvents: %v", err)
			}
			if r.Imported != 0 || r.Filtered != 1 {
				t.Errorf("result = %+v, want the %s event filtered", r, tt.name)
			}
		})
	}
	if n := len(entries(t, st)); n != 0 {
		t.Errorf("filtered events wrote %d entries", n)
	}
}

func TestImportEvents_DryRun(t *testing.T) {
	st, project := newStore(t)
	ctx := context.Background()
	known := makeEvent("known", "Known", "2026-02-27T08:00:00", "2026-02-27T09:00:00")
	if _, err := msgraph.ImportEvents(ctx, st, []msgraph.CalendarEvent{known}, msgraph.ImportOptions{UserID: "alice", ProjectID: project}); err != nil {
		t.Fatal(err)
	}

	moved := known
	moved.End.DateTime = "2026-02-27T09:30:00"
	events := []msgraph.CalendarEvent{
		makeEvent("ext-dry", "Dry Run Event", "2026-02-27T09:00:00", "2026-02-27T10:00:00"),
		moved,
	}
	result, err := msgraph.ImportEvents(ctx, st, events, msgraph.ImportOptions{UserID: "alice", ProjectID: project, DryRun: true})
	if err != nil {
		t.Fatalf("ImportEvents dry-run: %v", err)
	}
	if result.Imported != 1 || result.Updated != 1 {
		t.Errorf("dry-run result = %+v, want 1 imported and 1 updated", result)
	}

	list := entries(t, st)
	if len(list) != 1 || list[0].DurationMinutes != 60 {
		t.Errorf("dry-run changed the store: %+v", list)
	}
}

func TestImportEvents_PreservesManualEntries(t *testing.T) {
	st, project := newStore(t)
	ctx := context.Background()
	manualID, err := st.AddEntry(ctx, model.TimesheetEntry{
		UserID: "alice", ProjectID: &project, Date: day, DurationMinutes: 60, IsBillable: true, Notes: "manual", IsManual: true,
	})
	if err != nil {
		t.Fatalf("AddEntry: %v", err)
	}

	events := []msgraph.CalendarEvent{
		makeEvent("ext-1", "Meeting", "2026-02-27T11:00:00", "2026-02-27T12:00:00"),
	}
	if _, err := msgraph.ImportEvents(ctx, st, events, msgraph.ImportOptions{UserID: "alice", ProjectID: project}); err != nil {
		t.Fatalf("ImportEvents: %v", err)
	}

	list := entries(t, st)
	if len(list) != 2 {
		t.Fatalf("entries = %d, want 2 (manual + imported)", len(list))
	}
	manual, err := st.GetEntry(ctx, manualID)
	if err != nil {
		t.Fatalf("GetEntry: %v", err)
	}
	if !manual.IsManual || manual.Notes != "manual" || manual.OriginID != nil {
		t.Errorf("manual entry changed: %+v", manual)
	}
}
