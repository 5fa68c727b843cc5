// Package rmsync pushes locally tracked time to the RM billing system.
//
// Entries are grouped into one aggregate per project and day, fingerprinted,
// and compared with what was pushed last time. Only aggregates whose
// fingerprint changed cause a remote call. Every pushed aggregate keeps a
// record of the local entries that made it up.
package rmsync

import (
	"cmp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Tiliavir/ttt-rmsync/internal/model"
	"github.com/Tiliavir/ttt-rmsync/internal/timecalc"
)

// notesSeparator joins the notes of several contributors.
const notesSeparator = "; "

// Contribution snapshots what one local entry added to an aggregate.
type Contribution struct {
	EntryID         int64
	DurationMinutes int64
	IsBillable      bool
	Notes           string
}

// Aggregate is all of one project's time on one calendar day.
type Aggregate struct {
	ProjectID     int64
	Date          time.Time
	TotalMinutes  int64
	TotalHours    decimal.Decimal
	IsBillable    bool
	Notes         string
	EntryIDs      []int64
	Contributions []Contribution
	// RemoteProjectID is the RM project the aggregate is billed to. It is
	// set once the aggregate is matched to a project mapping.
	RemoteProjectID string
}

// Key identifies the aggregate as "projectID|YYYY-MM-DD".
func (a Aggregate) Key() string {
	return Key(a.ProjectID, a.Date)
}

// Key builds the aggregate key of a project and day.
func Key(projectID int64, date time.Time) string {
	return strconv.FormatInt(projectID, 10) + "|" + timecalc.FormatDate(date)
}

// AggregateEntries groups entries by project and day. Entries without a
// project are dropped. Zero-minute entries still count as contributors.
//
// Within an aggregate the contributors are ordered by entry id. The aggregate
// is billable when any contributor is billable, and its notes are the distinct
// non-empty contributor notes joined in that order. Both depend only on the
// set of contributors, not on input order.
func AggregateEntries(entries []model.TimesheetEntry) map[string]Aggregate {
	groups := make(map[string]*Aggregate)
	for _, e := range entries {
		if e.ProjectID == nil {
			continue
		}
		day := timecalc.Day(e.Date)
		key := Key(*e.ProjectID, day)
		g, ok := groups[key]
		if !ok {
			g = &Aggregate{ProjectID: *e.ProjectID, Date: day}
			groups[key] = g
		}
		g.TotalMinutes += e.DurationMinutes
		g.Contributions = append(g.Contributions, Contribution{
			EntryID:         e.ID,
			DurationMinutes: e.DurationMinutes,
			IsBillable:      e.IsBillable,
			Notes:           strings.TrimSpace(e.Notes),
		})
	}

	out := make(map[string]Aggregate, len(groups))
	for key, g := range groups {
		finalize(g)
		out[key] = *g
	}
	return out
}

func finalize(g *Aggregate) {
	slices.SortFunc(g.Contributions, func(a, b Contribution) int {
		return cmp.Compare(a.EntryID, b.EntryID)
	})

	g.TotalHours = timecalc.MinutesToHours(g.TotalMinutes)
	g.EntryIDs = make([]int64, 0, len(g.Contributions))
	var notes []string
	seen := make(map[string]bool)
	for _, c := range g.Contributions {
		g.EntryIDs = append(g.EntryIDs, c.EntryID)
		if c.IsBillable {
			g.IsBillable = true
		}
		if c.Notes != "" && !seen[c.Notes] {
			seen[c.Notes] = true
			notes = append(notes, c.Notes)
		}
	}
	g.Notes = strings.Join(notes, notesSeparator)
}

// components converts the contributions into junction rows.
func (a Aggregate) components() []model.SyncedEntryComponent {
	out := make([]model.SyncedEntryComponent, 0, len(a.Contributions))
	for _, c := range a.Contributions {
		out = append(out, model.SyncedEntryComponent{
			EntryID:         c.EntryID,
			DurationMinutes: c.DurationMinutes,
			IsBillable:      c.IsBillable,
			Notes:           c.Notes,
		})
	}
	return out
}
