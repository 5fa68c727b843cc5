package rmsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Tiliavir/ttt-rmsync/internal/model"
	"github.com/Tiliavir/ttt-rmsync/internal/rmapi"
	"github.com/Tiliavir/ttt-rmsync/internal/store"
	"github.com/Tiliavir/ttt-rmsync/internal/timecalc"
)

var (
	// ErrNoConnection means the user has no active RM connection.
	ErrNoConnection = errors.New("no active RM connection")
	// ErrNoMappings means the connection has no active project mappings.
	ErrNoMappings = errors.New("no active project mappings")
)

// errCancelled is the log text of a run stopped through its context.
const errCancelled = "run cancelled"

// Store is the persistence the reconciler needs. *store.Store implements it.
type Store interface {
	BeginRun(ctx context.Context, runID, userID string) (model.SyncLog, error)
	AttachConnection(ctx context.Context, logID, connectionID int64) error
	FinishRun(ctx context.Context, logID int64, status model.SyncStatus, c model.SyncCounts, errText string) error
	FailStaleRuns(ctx context.Context, olderThan time.Duration) (int64, error)

	ActiveConnection(ctx context.Context, userID string) (model.Connection, error)
	ActiveMappings(ctx context.Context, connectionID int64) ([]model.ProjectMapping, error)
	ListEligibleEntries(ctx context.Context, userID string, r timecalc.Range, projectIDs []int64) ([]model.TimesheetEntry, error)

	ListSyncedEntries(ctx context.Context, mappingIDs []int64, r timecalc.Range) ([]model.SyncedEntry, error)
	RecordCreated(ctx context.Context, se model.SyncedEntry, comps []model.SyncedEntryComponent) (int64, error)
	RecordUpdated(ctx context.Context, id int64, hash string, comps []model.SyncedEntryComponent) (int, error)
	RecordDeleted(ctx context.Context, id int64) error
	Components(ctx context.Context, syncedID int64) ([]model.SyncedEntryComponent, error)
	ReplaceComponents(ctx context.Context, syncedID int64, comps []model.SyncedEntryComponent) error
}

// Remote is the RM time entry API. *rmapi.Client implements it.
type Remote interface {
	CreateTimeEntry(ctx context.Context, in rmapi.TimeEntryInput) (string, error)
	UpdateTimeEntry(ctx context.Context, remoteID string, in rmapi.TimeEntryInput) error
	DeleteTimeEntry(ctx context.Context, remoteID string) error
}

// TokenOpener recovers the bearer token from a connection's sealed form.
type TokenOpener interface {
	Open(sealed string) (string, error)
}

// Connector builds a Remote for a connection's base URL and token.
type Connector func(baseURL, token string) Remote

// HTTPConnector returns a Connector for the real RM API with a per-call timeout.
func HTTPConnector(timeout time.Duration) Connector {
	return func(baseURL, token string) Remote {
		return rmapi.NewClient(baseURL, token, rmapi.WithTimeout(timeout))
	}
}

// AggregateError describes a failure confined to one aggregate.
type AggregateError struct {
	Key     string `json:"key"`
	Message string `json:"message"`
}

// Result is the outcome of one run.
type Result struct {
	RunID   string           `json:"run_id"`
	Created int              `json:"created"`
	Updated int              `json:"updated"`
	Deleted int              `json:"deleted"`
	Skipped int              `json:"skipped"`
	Failed  int              `json:"failed"`
	Errors  []AggregateError `json:"errors,omitempty"`
}

func (r Result) counts() model.SyncCounts {
	return model.SyncCounts{
		Created: r.Created,
		Updated: r.Updated,
		Deleted: r.Deleted,
		Skipped: r.Skipped,
		Failed:  r.Failed,
	}
}

func (r *Result) fail(key string, err error) {
	r.Failed++
	r.Errors = append(r.Errors, AggregateError{Key: key, Message: err.Error()})
}

// Item is a classified aggregate paired with the mapping it syncs through.
type Item struct {
	Classified
	Mapping model.ProjectMapping
}

// Plan is the work a run would do, computed without remote calls or writes.
type Plan struct {
	Connection model.Connection
	Range      timecalc.Range
	New        []Item
	Changed    []Item
	Unchanged  []Item
	Orphaned   []model.SyncedEntry
	// ZeroHour aggregates total zero minutes or less and are never pushed.
	// Any that were pushed before are listed in Orphaned instead.
	ZeroHour []Aggregate
}

// Reconciler runs syncs for users.
type Reconciler struct {
	store   Store
	tokens  TokenOpener
	connect Connector
	log     *slog.Logger
}

// New creates a Reconciler. A nil logger uses slog.Default().
func New(st Store, tokens TokenOpener, connect Connector, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{store: st, tokens: tokens, connect: connect, log: logger}
}

// RunSync pushes the user's aggregates inside window to RM.
//
// Failures of single aggregates are collected in the Result and do not fail
// the run. An error is returned when the run could not start, when a
// precondition such as the connection is missing, or when ctx was cancelled;
// in the last case the Result holds what was done before the cancellation.
func (r *Reconciler) RunSync(ctx context.Context, userID string, window timecalc.Range) (Result, error) {
	res := Result{RunID: uuid.NewString()}
	log := r.log.With("run_id", res.RunID, "user", userID)

	run, err := r.store.BeginRun(ctx, res.RunID, userID)
	if err != nil {
		return res, err
	}
	log.Info("sync started", "range", window.String())

	plan, remote, err := r.fetch(ctx, run.ID, userID, window)
	if err != nil {
		log.Error("sync failed", "err", err)
		r.finish(ctx, log, run.ID, model.SyncFailed, res, err.Error())
		return res, err
	}

	if err := r.reconcile(ctx, log, plan, remote, &res); err != nil {
		log.Warn("sync cancelled", "err", err, "created", res.Created, "updated", res.Updated, "deleted", res.Deleted)
		r.finish(ctx, log, run.ID, model.SyncFailed, res, errCancelled)
		return res, err
	}

	log.Info("sync finished",
		"created", res.Created, "updated", res.Updated, "deleted", res.Deleted,
		"skipped", res.Skipped, "failed", res.Failed)
	r.finish(ctx, log, run.ID, model.SyncSucceeded, res, summarize(res.Errors))
	return res, nil
}

// Plan computes what RunSync would do for the user without calling RM or
// writing anything.
func (r *Reconciler) Plan(ctx context.Context, userID string, window timecalc.Range) (Plan, error) {
	conn, err := r.connection(ctx, userID)
	if err != nil {
		return Plan{}, err
	}
	return r.plan(ctx, conn, userID, window)
}

// RecoverStale fails RUNNING runs that started more than olderThan ago. It is
// the only way out of an abandoned run; nothing is retried.
func (r *Reconciler) RecoverStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	n, err := r.store.FailStaleRuns(ctx, olderThan)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		r.log.Warn("failed abandoned sync runs", "count", n, "older_than", olderThan.String())
	}
	return n, nil
}

func (r *Reconciler) fetch(ctx context.Context, logID int64, userID string, window timecalc.Range) (Plan, Remote, error) {
	conn, err := r.connection(ctx, userID)
	if err != nil {
		return Plan{}, nil, err
	}
	if err := r.store.AttachConnection(ctx, logID, conn.ID); err != nil {
		return Plan{}, nil, err
	}
	token, err := r.tokens.Open(conn.TokenSealed)
	if err != nil {
		return Plan{}, nil, fmt.Errorf("open RM credential: %w", err)
	}
	plan, err := r.plan(ctx, conn, userID, window)
	if err != nil {
		return Plan{}, nil, err
	}
	return plan, r.connect(conn.BaseURL, token), nil
}

func (r *Reconciler) connection(ctx context.Context, userID string) (model.Connection, error) {
	conn, err := r.store.ActiveConnection(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return model.Connection{}, ErrNoConnection
	}
	return conn, err
}

func (r *Reconciler) plan(ctx context.Context, conn model.Connection, userID string, window timecalc.Range) (Plan, error) {
	mappings, err := r.store.ActiveMappings(ctx, conn.ID)
	if err != nil {
		return Plan{}, err
	}
	if len(mappings) == 0 {
		return Plan{}, ErrNoMappings
	}
	byProject := make(map[int64]model.ProjectMapping, len(mappings))
	projectIDs := make([]int64, 0, len(mappings))
	mappingIDs := make([]int64, 0, len(mappings))
	for _, m := range mappings {
		byProject[m.ProjectID] = m
		projectIDs = append(projectIDs, m.ProjectID)
		mappingIDs = append(mappingIDs, m.ID)
	}

	entries, err := r.store.ListEligibleEntries(ctx, userID, window, projectIDs)
	if err != nil {
		return Plan{}, err
	}
	synced, err := r.store.ListSyncedEntries(ctx, mappingIDs, window)
	if err != nil {
		return Plan{}, err
	}

	p := Plan{Connection: conn, Range: window}
	current := AggregateEntries(entries)
	for key, a := range current {
		if a.TotalMinutes <= 0 {
			p.ZeroHour = append(p.ZeroHour, a)
			delete(current, key)
			continue
		}
		a.RemoteProjectID = byProject[a.ProjectID].RemoteProjectID
		current[key] = a
	}
	slices.SortFunc(p.ZeroHour, func(a, b Aggregate) int { return strings.Compare(a.Key(), b.Key()) })
	d := Detect(current, PriorByKey(synced))

	withMapping := func(cs []Classified) []Item {
		items := make([]Item, 0, len(cs))
		for _, c := range cs {
			items = append(items, Item{Classified: c, Mapping: byProject[c.Aggregate.ProjectID]})
		}
		return items
	}
	p.New = withMapping(d.New)
	p.Changed = withMapping(d.Changed)
	p.Unchanged = withMapping(d.Unchanged)
	p.Orphaned = d.Orphaned
	return p, nil
}

// reconcile applies the plan one aggregate at a time. It only returns an
// error when ctx is done.
func (r *Reconciler) reconcile(ctx context.Context, log *slog.Logger, p Plan, remote Remote, res *Result) error {
	res.Skipped += len(p.Unchanged)
	for _, it := range p.Unchanged {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.refresh(ctx, it); err != nil {
			log.Warn("could not refresh contributors", "key", it.Aggregate.Key(), "err", err)
		}
	}
	for _, a := range p.ZeroHour {
		log.Warn("skipping zero-hour aggregate", "key", a.Key())
		res.Skipped++
	}

	for _, it := range p.New {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.create(ctx, remote, it); err != nil {
			log.Error("create failed", "key", it.Aggregate.Key(), "err", err)
			res.fail(it.Aggregate.Key(), err)
			continue
		}
		res.Created++
	}
	for _, it := range p.Changed {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.update(ctx, remote, it); err != nil {
			log.Error("update failed", "key", it.Aggregate.Key(), "err", err)
			res.fail(it.Aggregate.Key(), err)
			continue
		}
		res.Updated++
	}
	for _, se := range p.Orphaned {
		if err := ctx.Err(); err != nil {
			return err
		}
		key := Key(se.ProjectID, se.AggregationDate)
		if err := r.remove(ctx, remote, se); err != nil {
			log.Error("delete failed", "key", key, "err", err)
			res.fail(key, err)
			continue
		}
		res.Deleted++
	}
	return nil
}

// After a successful remote call the local write uses a context that ignores
// cancellation, so a stop request never separates the two.

func (r *Reconciler) create(ctx context.Context, remote Remote, it Item) error {
	remoteID, err := remote.CreateTimeEntry(ctx, payload(it))
	if err != nil {
		return err
	}
	persist := context.WithoutCancel(ctx)
	_, err = r.store.RecordCreated(persist, model.SyncedEntry{
		MappingID:       it.Mapping.ID,
		RemoteEntryID:   remoteID,
		AggregationDate: it.Aggregate.Date,
		LastSyncedHash:  it.Hash,
	}, it.Aggregate.components())
	if err == nil {
		return nil
	}
	// Without the record the next run would create a duplicate.
	if derr := remote.DeleteTimeEntry(persist, remoteID); derr != nil {
		return fmt.Errorf("record remote entry %s: %w (rollback delete failed: %v)", remoteID, err, derr)
	}
	return fmt.Errorf("record remote entry %s: %w", remoteID, err)
}

func (r *Reconciler) update(ctx context.Context, remote Remote, it Item) error {
	if err := remote.UpdateTimeEntry(ctx, it.Prior.RemoteEntryID, payload(it)); err != nil {
		return err
	}
	_, err := r.store.RecordUpdated(context.WithoutCancel(ctx), it.Prior.ID, it.Hash, it.Aggregate.components())
	return err
}

// refresh rewrites the junction rows of an unchanged aggregate whose
// contributors were replaced by entries with the same content. RM is not
// called.
func (r *Reconciler) refresh(ctx context.Context, it Item) error {
	stored, err := r.store.Components(ctx, it.Prior.ID)
	if err != nil {
		return err
	}
	current := it.Aggregate.components()
	if sameComponents(stored, current) {
		return nil
	}
	return r.store.ReplaceComponents(ctx, it.Prior.ID, current)
}

func sameComponents(a, b []model.SyncedEntryComponent) bool {
	return slices.EqualFunc(a, b, func(x, y model.SyncedEntryComponent) bool {
		return x.EntryID == y.EntryID &&
			x.DurationMinutes == y.DurationMinutes &&
			x.IsBillable == y.IsBillable &&
			x.Notes == y.Notes
	})
}

func (r *Reconciler) remove(ctx context.Context, remote Remote, se model.SyncedEntry) error {
	if err := remote.DeleteTimeEntry(ctx, se.RemoteEntryID); err != nil {
		return err
	}
	return r.store.RecordDeleted(context.WithoutCancel(ctx), se.ID)
}

func payload(it Item) rmapi.TimeEntryInput {
	return rmapi.TimeEntryInput{
		RemoteProjectID: it.Mapping.RemoteProjectID,
		Date:            timecalc.FormatDate(it.Aggregate.Date),
		Hours:           it.Aggregate.TotalHours,
		Notes:           it.Aggregate.Notes,
		Task:            MapBillableToTask(it.Aggregate.IsBillable),
	}
}

// finish writes the terminal log row even when ctx is already cancelled.
func (r *Reconciler) finish(ctx context.Context, log *slog.Logger, logID int64, status model.SyncStatus, res Result, errText string) {
	if err := r.store.FinishRun(context.WithoutCancel(ctx), logID, status, res.counts(), errText); err != nil {
		log.Error("could not finish sync log", "status", status, "err", err)
	}
}

func summarize(errs []AggregateError) string {
	if len(errs) == 0 {
		return ""
	}
	lines := make([]string, 0, len(errs))
	for _, e := range errs {
		lines = append(lines, e.Key+": "+e.Message)
	}
	return strings.Join(lines, "\n")
}
