package rmsync_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/Tiliavir/ttt-rmsync/internal/credential"
	"github.com/Tiliavir/ttt-rmsync/internal/model"
	"github.com/Tiliavir/ttt-rmsync/internal/rmapi"
	"github.com/Tiliavir/ttt-rmsync/internal/rmapi/rmtest"
	"github.com/Tiliavir/ttt-rmsync/internal/rmsync"
	"github.com/Tiliavir/ttt-rmsync/internal/store"
	"github.com/Tiliavir/ttt-rmsync/internal/timecalc"
)

const (
	user     = "alice"
	rmToken  = "rm-token"
	rmSecret = "test-secret"
)

type fixture struct {
	t        *testing.T
	ctx      context.Context
	st       *store.Store
	srv      *rmtest.Server
	box      *credential.Box
	connID   int64
	projects map[string]int64
	window   timecalc.Range
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	st, err := store.NewMemory()
	if err != nil {
		t.Fatalf("NewMemory: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	srv := rmtest.NewServer(rmToken)
	t.Cleanup(srv.Close)

	box, err := credential.NewBox(rmSecret)
	if err != nil {
		t.Fatalf("NewBox: %v", err)
	}
	sealed, err := box.Seal(rmToken)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	connID, err := st.SaveConnection(ctx, model.Connection{UserID: user, BaseURL: srv.URL, TokenSealed: sealed, Active: true})
	if err != nil {
		t.Fatalf("SaveConnection: %v", err)
	}
	window, err := timecalc.NewRange(d1, d1.AddDate(0, 0, 6))
	if err != nil {
		t.Fatal(err)
	}
	f := &fixture{t: t, ctx: ctx, st: st, srv: srv, box: box, connID: connID, projects: map[string]int64{}, window: window}
	f.mapProject("P1", "RP-1")
	f.mapProject("P2", "RP-2")
	return f
}

func (f *fixture) mapProject(name, remoteID string) int64 {
	f.t.Helper()
	id, err := f.st.AddProject(f.ctx, name, true)
	if err != nil {
		f.t.Fatalf("AddProject: %v", err)
	}
	if _, err := f.st.SaveMapping(f.ctx, model.ProjectMapping{
		ConnectionID: f.connID, ProjectID: id, RemoteProjectID: remoteID, RemoteProjectName: name, Active: true,
	}); err != nil {
		f.t.Fatalf("SaveMapping: %v", err)
	}
	f.projects[name] = id
	return id
}

func (f *fixture) add(project string, date time.Time, minutes int64, billable bool, notes string) int64 {
	f.t.Helper()
	var p *int64
	if project != "" {
		id := f.projects[project]
		p = &id
	}
	id, err := f.st.AddEntry(f.ctx, model.TimesheetEntry{
		UserID: user, ProjectID: p, Date: date, DurationMinutes: minutes, IsBillable: billable, Notes: notes, IsManual: true,
	})
	if err != nil {
		f.t.Fatalf("AddEntry: %v", err)
	}
	return id
}

func (f *fixture) setMinutes(id, minutes int64) {
	f.t.Helper()
	e, err := f.st.GetEntry(f.ctx, id)
	if err != nil {
		f.t.Fatalf("GetEntry: %v", err)
	}
	e.DurationMinutes = minutes
	if err := f.st.UpdateEntry(f.ctx, e); err != nil {
		f.t.Fatalf("UpdateEntry: %v", err)
	}
}

func (f *fixture) reconciler(connect rmsync.Connector) *rmsync.Reconciler {
	if connect == nil {
		connect = rmsync.HTTPConnector(2 * time.Second)
	}
	return rmsync.New(f.st, f.box, connect, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func (f *fixture) run(r *rmsync.Reconciler) rmsync.Result {
	f.t.Helper()
	res, err := r.RunSync(f.ctx, user, f.window)
	if err != nil {
		f.t.Fatalf("RunSync: %v", err)
	}
	return res
}

func (f *fixture) synced() []model.SyncedEntry {
	f.t.Helper()
	mappings, err := f.st.ActiveMappings(f.ctx, f.connID)
	if err != nil {
		f.t.Fatalf("ActiveMappings: %v", err)
	}
	var ids []int64
	for _, m := range mappings {
		ids = append(ids, m.ID)
	}
	out, err := f.st.ListSyncedEntries(f.ctx, ids, f.window)
	if err != nil {
		f.t.Fatalf("ListSyncedEntries: %v", err)
	}
	return out
}

func (f *fixture) components(id int64) []model.SyncedEntryComponent {
	f.t.Helper()
	comps, err := f.st.Components(f.ctx, id)
	if err != nil {
		f.t.Fatalf("Components: %v", err)
	}
	return comps
}

func (f *fixture) latestRun() model.SyncLog {
	f.t.Helper()
	l, err := f.st.LatestRun(f.ctx, user)
	if err != nil {
		f.t.Fatalf("LatestRun: %v", err)
	}
	return l
}

func ops(calls []rmtest.Call) []string {
	out := []string{}
	for _, c := range calls {
		out = append(out, c.Op)
	}
	return out
}

func TestRunSyncCreatesNewAggregate(t *testing.T) {
	f := newFixture(t)
	e1 := f.add("P1", d1, 240, true, "standup")
	e2 := f.add("P1", d1, 240, true, "review")

	res := f.run(f.reconciler(nil))
	if res.Created != 1 || res.Failed != 0 || res.RunID == "" {
		t.Fatalf("result = %+v, want one create", res)
	}

	synced := f.synced()
	if len(synced) != 1 {
		t.Fatalf("synced entries = %d, want 1", len(synced))
	}
	se := synced[0]
	if se.SyncVersion != 1 || !se.AggregationDate.Equal(d1) {
		t.Errorf("synced entry = %+v, want version 1 on %s", se, d1)
	}
	want := rmtest.Entry{ProjectID: "RP-1", Date: "2026-02-27", Hours: 8, Notes: "standup; review", Task: "Billable"}
	if diff := cmp.Diff(want, f.srv.Entries()[se.RemoteEntryID]); diff != "" {
		t.Errorf("remote entry mismatch (-want +got):\n%s", diff)
	}

	wantComps := []model.SyncedEntryComponent{
		{SyncedEntryID: se.ID, EntryID: e1, DurationMinutes: 240, IsBillable: true, Notes: "standup"},
		{SyncedEntryID: se.ID, EntryID: e2, DurationMinutes: 240, IsBillable: true, Notes: "review"},
	}
	if diff := cmp.Diff(wantComps, f.components(se.ID)); diff != "" {
		t.Errorf("components mismatch (-want +got):\n%s", diff)
	}

	log := f.latestRun()
	if log.Status != model.SyncSucceeded || log.Created != 1 || log.CompletedAt == nil {
		t.Errorf("sync log = %+v, want SUCCEEDED with 1 created", log)
	}
	if log.RunID != res.RunID || log.ConnectionID == nil || *log.ConnectionID != f.connID {
		t.Errorf("sync log = %+v, want run %s on connection %d", log, res.RunID, f.connID)
	}
}

func TestRunSyncIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.add("P1", d1, 240, true, "")
	f.add("P1", d2, 90, false, "")
	f.add("P2", d1, 30, true, "")
	r := f.reconciler(nil)

	first := f.run(r)
	if first.Created != 3 {
		t.Fatalf("first run created %d, want 3", first.Created)
	}
	before := f.synced()
	f.srv.ResetCalls()

	second := f.run(r)
	if n := len(f.srv.Calls()); n != 0 {
		t.Errorf("second run made %d remote calls, want 0", n)
	}
	if second.Skipped != 3 || second.Created+second.Updated+second.Deleted+second.Failed != 0 {
		t.Errorf("second run = %+v, want 3 skipped", second)
	}
	if diff := cmp.Diff(before, f.synced()); diff != "" {
		t.Errorf("synced records changed (-before +after):\n%s", diff)
	}
}

func TestRunSyncUpdatesChangedAggregate(t *testing.T) {
	f := newFixture(t)
	f.add("P1", d1, 240, true, "")
	e2 := f.add("P1", d1, 240, true, "")
	r := f.reconciler(nil)
	f.run(r)
	remoteID := f.synced()[0].RemoteEntryID
	f.srv.ResetCalls()

	f.setMinutes(e2, 180)
	res := f.run(r)
	if res.Updated != 1 || res.Created != 0 {
		t.Fatalf("result = %+v, want one update", res)
	}
	if diff := cmp.Diff([]string{"update"}, ops(f.srv.Calls())); diff != "" {
		t.Errorf("calls mismatch (-want +got):\n%s", diff)
	}
	se := f.synced()[0]
	if se.SyncVersion != 2 || se.RemoteEntryID != remoteID {
		t.Errorf("synced entry = %+v, want version 2 on %s", se, remoteID)
	}
	if got := f.srv.Entries()[remoteID].Hours; got != 7 {
		t.Errorf("remote hours = %v, want 7", got)
	}
	var sum int64
	for _, c := range f.components(se.ID) {
		sum += c.DurationMinutes
	}
	if sum != 420 {
		t.Errorf("component minutes = %d, want 420", sum)
	}
}

func TestRunSyncRemapMovesEntryToNewRemoteProject(t *testing.T) {
	f := newFixture(t)
	f.add("P1", d1, 120, true, "")
	r := f.reconciler(nil)
	f.run(r)
	se := f.synced()[0]
	f.srv.ResetCalls()

	if _, err := f.st.SaveMapping(f.ctx, model.ProjectMapping{
		ConnectionID: f.connID, ProjectID: f.projects["P1"], RemoteProjectID: "RP-9", Active: true,
	}); err != nil {
		t.Fatalf("SaveMapping: %v", err)
	}
	res := f.run(r)
	if res.Updated != 1 || res.Skipped != 0 {
		t.Fatalf("result = %+v, want the remapped aggregate updated", res)
	}
	if diff := cmp.Diff([]string{"update"}, ops(f.srv.Calls())); diff != "" {
		t.Errorf("calls mismatch (-want +got):\n%s", diff)
	}
	if got := f.srv.Entries()[se.RemoteEntryID].ProjectID; got != "RP-9" {
		t.Errorf("remote project = %s, want RP-9", got)
	}

	f.srv.ResetCalls()
	if res := f.run(r); res.Skipped != 1 || len(f.srv.Calls()) != 0 {
		t.Errorf("rerun = %+v with %d calls, want unchanged", res, len(f.srv.Calls()))
	}
}

func TestRunSyncDeletesOrphan(t *testing.T) {
	f := newFixture(t)
	e1 := f.add("P1", d1, 240, true, "")
	e2 := f.add("P1", d1, 240, true, "")
	r := f.reconciler(nil)
	f.run(r)
	se := f.synced()[0]
	f.srv.ResetCalls()

	for _, id := range []int64{e1, e2} {
		if err := f.st.DeleteEntry(f.ctx, id); err != nil {
			t.Fatalf("DeleteEntry: %v", err)
		}
	}
	res := f.run(r)
	if res.Deleted != 1 {
		t.Fatalf("result = %+v, want one delete", res)
	}
	calls := f.srv.Calls()
	if len(calls) != 1 || calls[0].Op != "delete" || calls[0].RemoteID != se.RemoteEntryID {
		t.Errorf("calls = %+v, want delete of %s", calls, se.RemoteEntryID)
	}
	if n := len(f.synced()); n != 0 {
		t.Errorf("synced entries = %d, want 0", n)
	}
	if n := len(f.components(se.ID)); n != 0 {
		t.Errorf("components left = %d, want 0", n)
	}
	if len(f.srv.Entries()) != 0 {
		t.Errorf("remote entries left: %v", f.srv.Entries())
	}
}

func TestRunSyncSkippedEntryOrphansAggregate(t *testing.T) {
	f := newFixture(t)
	id := f.add("P1", d1, 60, true, "")
	r := f.reconciler(nil)
	f.run(r)

	if err := f.st.SetSkipped(f.ctx, id, true); err != nil {
		t.Fatalf("SetSkipped: %v", err)
	}
	if res := f.run(r); res.Deleted != 1 {
		t.Errorf("result = %+v, want skipped entry to remove the remote entry", res)
	}
}

func TestRunSyncIgnoresUnmappedAndUncategorized(t *testing.T) {
	f := newFixture(t)
	other, err := f.st.AddProject(f.ctx, "Unmapped", true)
	if err != nil {
		t.Fatal(err)
	}
	f.projects["Unmapped"] = other
	f.add("Unmapped", d1, 60, true, "")
	f.add("", d1, 60, true, "")
	f.add("P1", d1.AddDate(0, 0, 30), 60, true, "") // outside window

	res := f.run(f.reconciler(nil))
	if res.Created+res.Skipped+res.Failed != 0 {
		t.Errorf("result = %+v, want nothing to do", res)
	}
	if n := len(f.srv.Calls()); n != 0 {
		t.Errorf("remote calls = %d, want 0", n)
	}
}

func TestRunSyncZeroHourAggregates(t *testing.T) {
	f := newFixture(t)
	f.add("P1", d1, 0, true, "placeholder")
	id := f.add("P2", d1, 60, true, "")
	r := f.reconciler(nil)

	res := f.run(r)
	if res.Created != 1 || res.Skipped != 1 {
		t.Fatalf("result = %+v, want 1 created and the zero-hour aggregate skipped", res)
	}
	for _, c := range f.srv.Calls() {
		if c.Entry.ProjectID == "RP-1" {
			t.Errorf("zero-hour aggregate was pushed: %+v", c)
		}
	}

	f.srv.ResetCalls()
	f.setMinutes(id, 0)
	res = f.run(r)
	if res.Deleted != 1 || res.Updated != 0 {
		t.Errorf("result = %+v, want aggregate dropping to zero to be deleted", res)
	}
	if diff := cmp.Diff([]string{"delete"}, ops(f.srv.Calls())); diff != "" {
		t.Errorf("calls mismatch (-want +got):\n%s", diff)
	}
}

func TestRunSyncIsolatesFailures(t *testing.T) {
	f := newFixture(t)
	f.add("P1", d1, 60, true, "")
	f.add("P2", d1, 60, true, "")
	f.srv.FailWith(func(op, _ string, e rmtest.Entry) int {
		if e.ProjectID == "RP-2" {
			return http.StatusInternalServerError
		}
		return 0
	})
	r := f.reconciler(nil)

	res := f.run(r)
	if res.Created != 1 || res.Failed != 1 {
		t.Fatalf("result = %+v, want 1 created and 1 failed", res)
	}
	wantKey := rmsync.Key(f.projects["P2"], d1)
	if len(res.Errors) != 1 || res.Errors[0].Key != wantKey || !strings.Contains(res.Errors[0].Message, "500") {
		t.Errorf("errors = %+v, want one for %s", res.Errors, wantKey)
	}
	log := f.latestRun()
	if log.Status != model.SyncSucceeded || log.Failed != 1 || !strings.Contains(log.ErrorText, wantKey) {
		t.Errorf("sync log = %+v, want SUCCEEDED with the failure recorded", log)
	}

	f.srv.FailWith(nil)
	res = f.run(r)
	if res.Created != 1 || res.Skipped != 1 || res.Failed != 0 {
		t.Errorf("retry = %+v, want the failed aggregate created", res)
	}
}

func TestRunSyncTimeoutIsPerAggregate(t *testing.T) {
	f := newFixture(t)
	f.add("P1", d1, 60, true, "")
	f.srv.SetDelay(300 * time.Millisecond)

	res, err := f.reconciler(rmsync.HTTPConnector(30*time.Millisecond)).RunSync(f.ctx, user, f.window)
	if err != nil {
		t.Fatalf("RunSync: %v", err)
	}
	if res.Failed != 1 || res.Created != 0 {
		t.Errorf("result = %+v, want one failed aggregate", res)
	}
	if log := f.latestRun(); log.Status != model.SyncSucceeded {
		t.Errorf("status = %s, want SUCCEEDED", log.Status)
	}
}

func TestRunSyncWithoutConnectionFails(t *testing.T) {
	f := newFixture(t)
	r := f.reconciler(nil)

	_, err := r.RunSync(f.ctx, "bob", f.window)
	if !errors.Is(err, rmsync.ErrNoConnection) {
		t.Fatalf("err = %v, want ErrNoConnection", err)
	}
	log, err := f.st.LatestRun(f.ctx, "bob")
	if err != nil {
		t.Fatalf("LatestRun: %v", err)
	}
	if log.Status != model.SyncFailed || log.CompletedAt == nil || log.ErrorText == "" {
		t.Errorf("sync log = %+v, want FAILED with error text", log)
	}
}

func TestRunSyncWithoutMappingsFails(t *testing.T) {
	f := newFixture(t)
	for name, id := range f.projects {
		if _, err := f.st.SaveMapping(f.ctx, model.ProjectMapping{ConnectionID: f.connID, ProjectID: id, RemoteProjectID: "x", RemoteProjectName: name}); err != nil {
			t.Fatal(err)
		}
	}
	f.add("P1", d1, 60, true, "")

	_, err := f.reconciler(nil).RunSync(f.ctx, user, f.window)
	if !errors.Is(err, rmsync.ErrNoMappings) {
		t.Fatalf("err = %v, want ErrNoMappings", err)
	}
	if log := f.latestRun(); log.Status != model.SyncFailed {
		t.Errorf("status = %s, want FAILED", log.Status)
	}
	if n := len(f.srv.Calls()); n != 0 {
		t.Errorf("remote calls = %d, want 0", n)
	}
}

func TestRunSyncBadCredentialFails(t *testing.T) {
	f := newFixture(t)
	other, err := credential.NewBox("another-secret")
	if err != nil {
		t.Fatal(err)
	}
	r := rmsync.New(f.st, other, rmsync.HTTPConnector(time.Second), nil)
	if _, err := r.RunSync(f.ctx, user, f.window); err == nil {
		t.Fatal("expected credential error")
	}
	if log := f.latestRun(); log.Status != model.SyncFailed {
		t.Errorf("status = %s, want FAILED", log.Status)
	}
}

func TestRunSyncRejectsConcurrentRun(t *testing.T) {
	f := newFixture(t)
	f.add("P1", d1, 60, true, "")
	if _, err := f.st.BeginRun(f.ctx, "other-instance", user); err != nil {
		t.Fatalf("BeginRun: %v", err)
	}
	r := f.reconciler(nil)

	if _, err := r.RunSync(f.ctx, user, f.window); !errors.Is(err, store.ErrSyncInProgress) {
		t.Fatalf("err = %v, want ErrSyncInProgress", err)
	}
	if n := len(f.srv.Calls()); n != 0 {
		t.Errorf("remote calls = %d, want 0", n)
	}

	n, err := r.RecoverStale(f.ctx, time.Hour)
	if err != nil || n != 0 {
		t.Fatalf("RecoverStale(1h) = %d, %v; want 0 for a fresh run", n, err)
	}
	// A negative age makes every RUNNING row stale.
	if n, err = r.RecoverStale(f.ctx, -time.Minute); err != nil || n != 1 {
		t.Fatalf("RecoverStale = %d, %v; want 1", n, err)
	}
	if res := f.run(r); res.Created != 1 {
		t.Errorf("result after recovery = %+v, want 1 created", res)
	}
}

// cancellingRemote cancels the run after the first successful create.
type cancellingRemote struct {
	rmsync.Remote
	cancel context.CancelFunc
}

func (c cancellingRemote) CreateTimeEntry(ctx context.Context, in rmapi.TimeEntryInput) (string, error) {
	id, err := c.Remote.CreateTimeEntry(ctx, in)
	c.cancel()
	return id, err
}

func TestRunSyncCancelledBetweenAggregates(t *testing.T) {
	f := newFixture(t)
	f.add("P1", d1, 60, true, "")
	f.add("P2", d1, 60, true, "")

	ctx, cancel := context.WithCancel(f.ctx)
	defer cancel()
	connect := func(baseURL, token string) rmsync.Remote {
		return cancellingRemote{Remote: rmapi.NewClient(baseURL, token), cancel: cancel}
	}
	res, err := f.reconciler(connect).RunSync(ctx, user, f.window)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if res.Created != 1 {
		t.Errorf("result = %+v, want the first aggregate kept", res)
	}
	if n := len(f.synced()); n != 1 {
		t.Errorf("synced entries = %d, want 1", n)
	}
	log := f.latestRun()
	if log.Status != model.SyncFailed || log.ErrorText != "run cancelled" || log.Created != 1 {
		t.Errorf("sync log = %+v, want FAILED run cancelled with 1 created", log)
	}

	if res := f.run(f.reconciler(nil)); res.Created != 1 || res.Skipped != 1 {
		t.Errorf("next run = %+v, want the remaining aggregate created", res)
	}
}

// failingStore refuses to record new synced entries.
type failingStore struct {
	*store.Store
}

func (failingStore) RecordCreated(context.Context, model.SyncedEntry, []model.SyncedEntryComponent) (int64, error) {
	return 0, errors.New("disk full")
}

func TestRunSyncRollsBackRemoteCreate(t *testing.T) {
	f := newFixture(t)
	f.add("P1", d1, 60, true, "")
	r := rmsync.New(failingStore{f.st}, f.box, rmsync.HTTPConnector(time.Second), nil)

	res, err := r.RunSync(f.ctx, user, f.window)
	if err != nil {
		t.Fatalf("RunSync: %v", err)
	}
	if res.Failed != 1 || !strings.Contains(res.Errors[0].Message, "disk full") {
		t.Errorf("result = %+v, want one failure mentioning disk full", res)
	}
	if diff := cmp.Diff([]string{"create", "delete"}, ops(f.srv.Calls())); diff != "" {
		t.Errorf("calls mismatch (-want +got):\n%s", diff)
	}
	if len(f.srv.Entries()) != 0 {
		t.Errorf("remote entry left behind: %v", f.srv.Entries())
	}
}

// negativeStore reports a negative duration the store itself would reject.
type negativeStore struct {
	*store.Store
	projectID int64
}

func (n negativeStore) ListEligibleEntries(context.Context, string, timecalc.Range, []int64) ([]model.TimesheetEntry, error) {
	pid := n.projectID
	return []model.TimesheetEntry{
		{ID: 1000, UserID: user, ProjectID: &pid, Date: d1, DurationMinutes: -120, IsBillable: true},
	}, nil
}

func TestRunSyncNeverPushesNegativeTotals(t *testing.T) {
	f := newFixture(t)
	r := rmsync.New(negativeStore{f.st, f.projects["P1"]}, f.box, rmsync.HTTPConnector(time.Second), nil)

	plan, err := r.Plan(f.ctx, user, f.window)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(plan.New) != 0 || len(plan.ZeroHour) != 1 {
		t.Errorf("plan = new %d zero %d; want the negative aggregate held back", len(plan.New), len(plan.ZeroHour))
	}
	res, err := r.RunSync(f.ctx, user, f.window)
	if err != nil {
		t.Fatalf("RunSync: %v", err)
	}
	if res.Created != 0 || res.Skipped != 1 {
		t.Errorf("result = %+v, want nothing created", res)
	}
	if n := len(f.srv.Calls()); n != 0 {
		t.Errorf("remote calls = %d, want 0", n)
	}
}

func TestRunSyncRefreshesContributorsOfUnchangedAggregate(t *testing.T) {
	f := newFixture(t)
	old := f.add("P1", d1, 90, true, "review")
	r := f.reconciler(nil)
	f.run(r)
	se := f.synced()[0]
	f.srv.ResetCalls()

	if err := f.st.DeleteEntry(f.ctx, old); err != nil {
		t.Fatalf("DeleteEntry: %v", err)
	}
	replacement := f.add("P1", d1, 90, true, "review")
	res := f.run(r)
	if res.Skipped != 1 || res.Updated+res.Created+res.Deleted != 0 {
		t.Fatalf("result = %+v, want the aggregate unchanged", res)
	}
	if n := len(f.srv.Calls()); n != 0 {
		t.Errorf("remote calls = %d, want 0", n)
	}
	want := []model.SyncedEntryComponent{
		{SyncedEntryID: se.ID, EntryID: replacement, DurationMinutes: 90, IsBillable: true, Notes: "review"},
	}
	if diff := cmp.Diff(want, f.components(se.ID)); diff != "" {
		t.Errorf("components mismatch (-want +got):\n%s", diff)
	}
	if got := f.synced()[0]; got.SyncVersion != se.SyncVersion || got.LastSyncedHash != se.LastSyncedHash {
		t.Errorf("synced entry = %+v, want version and hash kept from %+v", got, se)
	}
}

func TestPlanMakesNoCallsOrWrites(t *testing.T) {
	f := newFixture(t)
	keep := f.add("P1", d1, 60, true, "")
	gone := f.add("P1", d2, 60, true, "")
	r := f.reconciler(nil)
	f.run(r)
	f.srv.ResetCalls()

	f.setMinutes(keep, 90)
	if err := f.st.DeleteEntry(f.ctx, gone); err != nil {
		t.Fatal(err)
	}
	f.add("P2", d1, 30, false, "")
	f.add("P2", d2, 0, false, "")
	before := f.synced()

	plan, err := r.Plan(f.ctx, user, f.window)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(plan.New) != 1 || len(plan.Changed) != 1 || len(plan.Unchanged) != 0 || len(plan.Orphaned) != 1 || len(plan.ZeroHour) != 1 {
		t.Errorf("plan = new %d changed %d unchanged %d orphaned %d zero %d; want 1/1/0/1/1",
			len(plan.New), len(plan.Changed), len(plan.Unchanged), len(plan.Orphaned), len(plan.ZeroHour))
	}
	if plan.New[0].Mapping.RemoteProjectID != "RP-2" {
		t.Errorf("new item mapping = %+v, want RP-2", plan.New[0].Mapping)
	}
	if n := len(f.srv.Calls()); n != 0 {
		t.Errorf("remote calls = %d, want 0", n)
	}
	if diff := cmp.Diff(before, f.synced()); diff != "" {
		t.Errorf("Plan wrote synced records (-before +after):\n%s", diff)
	}
	runs, err := f.st.ListRuns(f.ctx, user, 0)
	if err != nil || len(runs) != 1 {
		t.Errorf("runs = %d, %v; want only the earlier run", len(runs), err)
	}
}

// TestJunctionMatchesRemote mutates random entry sets between runs and checks
// that every synced record matches its remote entry and contributor set.
func TestJunctionMatchesRemote(t *testing.T) {
	f := newFixture(t)
	r := f.reconciler(nil)
	rng := rand.New(rand.NewSource(11))
	names := []string{"P1", "P2"}
	var live []int64

	for round := 0; round < 6; round++ {
		for i := 0; i < 8; i++ {
			date := d1.AddDate(0, 0, rng.Intn(4))
			live = append(live, f.add(names[rng.Intn(2)], date, int64(rng.Intn(240)+1), rng.Intn(2) == 0, ""))
		}
		rng.Shuffle(len(live), func(a, b int) { live[a], live[b] = live[b], live[a] })
		for i := 0; i < 3 && len(live) > 0; i++ {
			if err := f.st.DeleteEntry(f.ctx, live[0]); err != nil {
				t.Fatal(err)
			}
			live = live[1:]
		}
		for i := 0; i < 3 && i < len(live); i++ {
			f.setMinutes(live[i], int64(rng.Intn(300)))
		}

		res := f.run(r)
		if res.Failed != 0 {
			t.Fatalf("round %d: failures %+v", round, res.Errors)
		}
		checkJunction(t, f, round)

		f.srv.ResetCalls()
		f.run(r)
		if n := len(f.srv.Calls()); n != 0 {
			t.Fatalf("round %d: rerun made %d calls", round, n)
		}
	}
}

func checkJunction(t *testing.T, f *fixture, round int) {
	t.Helper()
	var ids []int64
	for _, id := range f.projects {
		ids = append(ids, id)
	}
	entries, err := f.st.ListEligibleEntries(f.ctx, user, f.window, ids)
	if err != nil {
		t.Fatal(err)
	}
	want := map[string][]int64{}
	for key, a := range rmsync.AggregateEntries(entries) {
		if a.TotalMinutes > 0 {
			want[key] = a.EntryIDs
		}
	}

	remote := f.srv.Entries()
	synced := f.synced()
	if len(synced) != len(remote) || len(synced) != len(want) {
		t.Fatalf("round %d: %d synced records, %d remote entries, %d aggregates", round, len(synced), len(remote), len(want))
	}
	for _, se := range synced {
		key := rmsync.Key(se.ProjectID, se.AggregationDate)
		rem, ok := remote[se.RemoteEntryID]
		if !ok {
			t.Fatalf("round %d %s: remote entry %s missing", round, key, se.RemoteEntryID)
		}
		var sum int64
		var got []int64
		for _, c := range f.components(se.ID) {
			sum += c.DurationMinutes
			got = append(got, c.EntryID)
		}
		if remoteMinutes := int64(math.Round(rem.Hours * 60)); sum != remoteMinutes {
			t.Errorf("round %d %s: components %d min, remote %v h", round, key, sum, rem.Hours)
		}
		if diff := cmp.Diff(want[key], got); diff != "" {
			t.Errorf("round %d %s: contributors mismatch (-want +got):\n%s", round, key, diff)
		}
	}
}
