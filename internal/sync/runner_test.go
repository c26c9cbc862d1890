package sync

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/Martian-dev/jobmail-sync/internal/domain"
	"github.com/Martian-dev/jobmail-sync/internal/extract"
	"github.com/Martian-dev/jobmail-sync/internal/tokenstore"
)

type runnerFixture struct {
	runner  *Runner
	prov    *fakeProvider
	tokens  *fakeTokens
	ext     *fakeExtractor
	records *fakeRecords
	events  *fakeEvents
	state   *tokenstore.Store
}

func newRunnerFixture(t *testing.T) *runnerFixture {
	t.Helper()
	f := &runnerFixture{
		prov:    newFakeProvider(),
		tokens:  &fakeTokens{token: "access"},
		ext:     &fakeExtractor{results: map[string]extract.Result{}, errs: map[string]error{}},
		records: newFakeRecords(),
		events:  &fakeEvents{},
		state:   testState(t),
	}
	f.runner = &Runner{
		Tokens:    f.tokens,
		State:     f.state,
		Provider:  f.prov,
		Extractor: f.ext,
		Records:   f.records,
		Events:    f.events,
		Options:   DefaultOptions(),
		Now:       func() time.Time { return fixedStart },
	}
	return f
}

func (f *runnerFixture) addThread(id, body string, res extract.Result) {
	f.prov.threads[id] = textThread(id, body)
	f.ext.results[body] = res
}

func TestRunSyncPersistsJobLikeThreads(t *testing.T) {
	f := newRunnerFixture(t)
	f.prov.pages[""] = &ThreadPage{IDs: []string{"t1", "t2", "t3"}}
	f.addThread("t1", "offer from acme", jobLike("Acme"))
	f.addThread("t2", "weekly digest", extract.Result{Extraction: domain.Extraction{Confidence: 0.2}})
	f.prov.threads["t3"] = &Thread{ID: "t3"}

	sum, err := f.runner.RunSync(context.Background(), "u1")
	if err != nil {
		t.Fatalf("RunSync: %v", err)
	}
	if sum.Processed != 1 || sum.Scanned != 3 || sum.Skipped != 2 || sum.Pages != 1 || sum.Truncated {
		t.Errorf("summary = %+v", sum)
	}
	rec, ok := f.records.docs["u1/t1"]
	if !ok || domain.Deref(rec.Company) != "Acme" {
		t.Fatalf("record = %+v, %v", rec, ok)
	}
	if len(f.events.recs) != 1 || f.events.recs[0].ThreadID != "t1" {
		t.Errorf("events = %+v", f.events.recs)
	}

	cursor, ok, err := f.state.Cursor(context.Background(), "u1")
	if err != nil || !ok {
		t.Fatalf("Cursor = %v, %v", ok, err)
	}
	if cursor.UnixMilli() != fixedStart.UnixMilli() {
		t.Errorf("cursor = %v, want %v", cursor, fixedStart)
	}
	if !strings.Contains(f.prov.lastQuery, "newer_than:14d") {
		t.Errorf("first pass query = %q", f.prov.lastQuery)
	}

	st, _ := f.state.SyncStatus(context.Background(), "u1")
	if st.State != tokenstore.StateIdle || st.Processed != 1 {
		t.Errorf("status = %+v", st)
	}
}

func TestRunSyncZeroThreadsAdvancesCursor(t *testing.T) {
	f := newRunnerFixture(t)

	sum, err := f.runner.RunSync(context.Background(), "u1")
	if err != nil {
		t.Fatalf("RunSync: %v", err)
	}
	if sum.Processed != 0 || sum.Scanned != 0 {
		t.Errorf("summary = %+v", sum)
	}
	if _, ok, _ := f.state.Cursor(context.Background(), "u1"); !ok {
		t.Error("cursor not written")
	}
}

func TestRunSyncIncrementalQueryUsesCursor(t *testing.T) {
	f := newRunnerFixture(t)
	prev := fixedStart.Add(-time.Hour)
	if _, err := f.state.AdvanceCursor(context.Background(), "u1", prev); err != nil {
		t.Fatal(err)
	}
	if _, err := f.runner.RunSync(context.Background(), "u1"); err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(f.prov.lastQuery, "after:"+strconv.FormatInt(prev.Unix(), 10)) {
		t.Errorf("query = %q", f.prov.lastQuery)
	}
}

func TestRunSyncPageFailureKeepsCursor(t *testing.T) {
	f := newRunnerFixture(t)
	prev := fixedStart.Add(-time.Hour)
	if _, err := f.state.AdvanceCursor(context.Background(), "u1", prev); err != nil {
		t.Fatal(err)
	}
	f.prov.pages[""] = &ThreadPage{IDs: []string{"t1"}, NextPageToken: "p2"}
	f.prov.listErr["p2"] = errors.New("backend error")
	f.addThread("t1", "interview invite", jobLike("Acme"))

	_, err := f.runner.RunSync(context.Background(), "u1")
	var serr *SyncError
	if !errors.As(err, &serr) || serr.Phase != PhasePaginating {
		t.Fatalf("err = %v", err)
	}
	if !errors.Is(err, domain.ErrFetchFailed) {
		t.Errorf("err = %v, want fetch failure", err)
	}

	cursor, _, _ := f.state.Cursor(context.Background(), "u1")
	if cursor.UnixMilli() != prev.UnixMilli() {
		t.Errorf("cursor moved to %v", cursor)
	}
	// Threads already handled stay persisted.
	if _, ok := f.records.docs["u1/t1"]; !ok {
		t.Error("t1 not persisted")
	}
	st, _ := f.state.SyncStatus(context.Background(), "u1")
	if st.State != tokenstore.StateError || st.Reason != "fetch_failed" || st.Failures != 1 {
		t.Errorf("status = %+v", st)
	}
}

func TestRunSyncNotAuthorized(t *testing.T) {
	f := newRunnerFixture(t)
	f.tokens.err = domain.ErrNotAuthorized

	_, err := f.runner.RunSync(context.Background(), "u1")
	if !errors.Is(err, domain.ErrNotAuthorized) {
		t.Fatalf("err = %v", err)
	}
	var serr *SyncError
	if !errors.As(err, &serr) || serr.Phase != PhaseIdle {
		t.Errorf("phase = %v", serr)
	}
	if f.prov.listCalls != 0 {
		t.Errorf("mailbox called %d times", f.prov.listCalls)
	}
	if _, ok, _ := f.state.Cursor(context.Background(), "u1"); ok {
		t.Error("cursor written on failure")
	}
}

func TestRunSyncThreadFailuresAreLocal(t *testing.T) {
	f := newRunnerFixture(t)
	f.prov.pages[""] = &ThreadPage{IDs: []string{"bad-fetch", "bad-extract", "bad-upsert", "ok"}}
	f.prov.getErr["bad-fetch"] = &domain.FetchError{Op: "get", ID: "bad-fetch", Status: 404}
	f.addThread("bad-extract", "x1", jobLike("X"))
	f.ext.errs["x1"] = errors.New("inference timeout")
	f.addThread("bad-upsert", "x2", jobLike("Y"))
	f.records.failFor["bad-upsert"] = true
	f.addThread("ok", "x3", jobLike("Z"))

	sum, err := f.runner.RunSync(context.Background(), "u1")
	if err != nil {
		t.Fatalf("RunSync: %v", err)
	}
	if sum.Processed != 1 || sum.Skipped != 3 {
		t.Errorf("summary = %+v", sum)
	}
	if _, ok := f.records.docs["u1/ok"]; !ok {
		t.Error("ok thread not persisted")
	}
}

func TestRunSyncTruncatedStillAdvances(t *testing.T) {
	f := newRunnerFixture(t)
	f.prov.endless = true
	f.runner.Options.PageCap = 2

	sum, err := f.runner.RunSync(context.Background(), "u1")
	if err != nil {
		t.Fatalf("RunSync: %v", err)
	}
	if !sum.Truncated || sum.Pages != 2 || f.prov.listCalls != 2 {
		t.Errorf("summary = %+v list calls = %d", sum, f.prov.listCalls)
	}
	if _, ok, _ := f.state.Cursor(context.Background(), "u1"); !ok {
		t.Error("cursor not advanced")
	}
}

func TestRunSyncIdempotent(t *testing.T) {
	f := newRunnerFixture(t)
	f.prov.pages[""] = &ThreadPage{IDs: []string{"t1"}}
	f.addThread("t1", "offer", jobLike("Acme"))

	for i := 0; i < 2; i++ {
		if _, err := f.runner.RunSync(context.Background(), "u1"); err != nil {
			t.Fatalf("pass %d: %v", i, err)
		}
	}
	if len(f.records.docs) != 1 {
		t.Errorf("docs = %d, want 1", len(f.records.docs))
	}
}

func TestRunSyncCursorNeverMovesBack(t *testing.T) {
	f := newRunnerFixture(t)
	later := fixedStart.Add(time.Hour)
	if _, err := f.state.AdvanceCursor(context.Background(), "u1", later); err != nil {
		t.Fatal(err)
	}
	sum, err := f.runner.RunSync(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	if sum.Cursor.UnixMilli() != later.UnixMilli() {
		t.Errorf("cursor = %v, want %v", sum.Cursor, later)
	}
}

func TestRunSyncCancelled(t *testing.T) {
	f := newRunnerFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	f.prov.pages[""] = &ThreadPage{IDs: []string{"t1", "t2"}}
	f.addThread("t1", "a", jobLike("A"))
	f.addThread("t2", "b", jobLike("B"))
	f.runner.Records = cancellingRecords{next: f.records, cancel: cancel}

	_, err := f.runner.RunSync(ctx, "u1")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
	if _, ok, _ := f.state.Cursor(context.Background(), "u1"); ok {
		t.Error("cursor written for cancelled pass")
	}
}

type cancellingRecords struct {
	next   RecordWriter
	cancel context.CancelFunc
}

func (c cancellingRecords) Upsert(ctx context.Context, rec domain.Record) error {
	defer c.cancel()
	return c.next.Upsert(ctx, rec)
}
