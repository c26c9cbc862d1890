package sync

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Martian-dev/jobmail-sync/internal/domain"
	"github.com/Martian-dev/jobmail-sync/internal/extract"
	"github.com/Martian-dev/jobmail-sync/internal/tokenstore"
)

// fakeProvider serves pages keyed by page token and threads keyed by id.
type fakeProvider struct {
	mu         sync.Mutex
	pages      map[string]*ThreadPage
	threads    map[string]*Thread
	listErr    map[string]error
	getErr     map[string]error
	listCalls  int
	getCalls   int
	lastQuery  string
	endless    bool
	beforeList func()
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		pages:   map[string]*ThreadPage{},
		threads: map[string]*Thread{},
		listErr: map[string]error{},
		getErr:  map[string]error{},
	}
}

func (f *fakeProvider) ListThreads(ctx context.Context, accessToken, query string, pageSize int64, pageToken string) (*ThreadPage, error) {
	if f.beforeList != nil {
		f.beforeList()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	f.lastQuery = query
	if err := f.listErr[pageToken]; err != nil {
		return nil, err
	}
	if f.endless {
		n := f.listCalls
		return &ThreadPage{IDs: []string{fmt.Sprintf("t%d", n)}, NextPageToken: fmt.Sprintf("p%d", n)}, nil
	}
	if p, ok := f.pages[pageToken]; ok {
		return p, nil
	}
	return &ThreadPage{}, nil
}

func (f *fakeProvider) GetThread(ctx context.Context, accessToken, id string) (*Thread, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	if err := f.getErr[id]; err != nil {
		return nil, err
	}
	if t, ok := f.threads[id]; ok {
		return t, nil
	}
	return &Thread{ID: id}, nil
}

func textThread(id, body string) *Thread {
	return &Thread{ID: id, Messages: []Message{{
		ID: id + "-m1",
		Payload: Part{
			MimeType: "multipart/alternative",
			Parts: []Part{{
				MimeType: "text/plain",
				Data:     base64.RawURLEncoding.EncodeToString([]byte(body)),
			}},
		},
	}}}
}

type fakeTokens struct {
	token string
	err   error
	calls int
}

func (f *fakeTokens) AccessToken(ctx context.Context, userID string) (string, error) {
	f.calls++
	return f.token, f.err
}

// fakeExtractor maps body text to a canned result.
type fakeExtractor struct {
	results map[string]extract.Result
	errs    map[string]error
}

func (f *fakeExtractor) Extract(ctx context.Context, text string) (extract.Result, error) {
	if err := f.errs[text]; err != nil {
		return extract.Result{}, err
	}
	if r, ok := f.results[text]; ok {
		return r, nil
	}
	return extract.Result{Extraction: domain.Empty(), Degraded: true}, nil
}

type fakeRecords struct {
	mu      sync.Mutex
	docs    map[string]domain.Record
	writes  int
	failFor map[string]bool
}

func newFakeRecords() *fakeRecords {
	return &fakeRecords{docs: map[string]domain.Record{}, failFor: map[string]bool{}}
}

func (f *fakeRecords) Upsert(ctx context.Context, rec domain.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFor[rec.ThreadID] {
		return &domain.UpsertError{ThreadID: rec.ThreadID, Status: 500, Err: errors.New("gateway down")}
	}
	f.writes++
	f.docs[rec.UserID+"/"+rec.ThreadID] = rec
	return nil
}

type fakeEvents struct {
	mu   sync.Mutex
	recs []domain.Record
}

func (f *fakeEvents) ApplicationUpserted(ctx context.Context, rec domain.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recs = append(f.recs, rec)
	return nil
}

func testState(t *testing.T) *tokenstore.Store {
	t.Helper()
	kv, err := tokenstore.OpenSQLite(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	st := tokenstore.New(kv)
	t.Cleanup(func() { st.Close() })
	return st
}

func jobLike(company string) extract.Result {
	return extract.Result{Extraction: domain.Extraction{
		Company:    domain.Str(company),
		Confidence: 0.9,
	}}
}

var fixedStart = time.Date(2025, 10, 2, 12, 0, 0, 0, time.UTC)
