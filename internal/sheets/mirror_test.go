package sheets

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/Martian-dev/jobmail-sync/internal/domain"
)

type call struct {
	method string
	path   string
	query  string
	body   map[string]any
}

type fakeSheets struct {
	mu    sync.Mutex
	calls []call
	tabs  []string
}

func (f *fakeSheets) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		c := call{method: r.Method, path: r.URL.Path, query: r.URL.RawQuery}
		if b, _ := io.ReadAll(r.Body); len(b) > 0 {
			_ = json.Unmarshal(b, &c.body)
		}
		f.calls = append(f.calls, c)

		w.Header().Set("Content-Type", "application/json")
		if r.Method == http.MethodGet && r.URL.Path == "/v4/spreadsheets/sheet-1" {
			sheets := []map[string]any{}
			for _, tab := range f.tabs {
				sheets = append(sheets, map[string]any{"properties": map[string]any{"title": tab}})
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"sheets": sheets})
			return
		}
		_, _ = w.Write([]byte(`{}`))
	}
}

func newTestMirror(t *testing.T, f *fakeSheets) *Mirror {
	t.Helper()
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)
	return New("sheet-1", "Apps", nil, WithEndpoint(srv.URL+"/"), WithHTTPClient(srv.Client()))
}

func sampleRecords() []domain.Record {
	st := domain.StageInterview
	return []domain.Record{
		{ThreadID: "t1", Extraction: domain.Extraction{Company: domain.Str("Acme"), Role: domain.Str("SRE"), Status: &st, Confidence: 0.874}},
		{ThreadID: "t2", Extraction: domain.Extraction{Confidence: 0.5}},
	}
}

func TestRows(t *testing.T) {
	rows := Rows(sampleRecords())
	want := [][]interface{}{
		{"t1", "Acme", "SRE", "interview", "", "", "87%"},
		{"t2", "", "", "", "", "", "50%"},
	}
	if !reflect.DeepEqual(rows, want) {
		t.Errorf("Rows = %v", rows)
	}
}

func TestReplaceAll(t *testing.T) {
	f := &fakeSheets{tabs: []string{"Apps_u1"}}
	m := newTestMirror(t, f)

	n, err := m.ReplaceAll(context.Background(), "tok", "u1", sampleRecords())
	if err != nil {
		t.Fatalf("ReplaceAll: %v", err)
	}
	if n != 2 {
		t.Errorf("wrote %d", n)
	}
	if len(f.calls) != 3 {
		t.Fatalf("calls = %+v", f.calls)
	}
	clear, update := f.calls[1], f.calls[2]
	if clear.method != http.MethodPost || !strings.HasSuffix(clear.path, "'Apps_u1'!A:Z:clear") {
		t.Errorf("clear = %+v", clear)
	}
	if update.method != http.MethodPut || !strings.Contains(update.query, "valueInputOption=USER_ENTERED") {
		t.Errorf("update = %+v", update)
	}
	values, _ := update.body["values"].([]any)
	if len(values) != 3 {
		t.Fatalf("values = %v", values)
	}
	header, _ := values[0].([]any)
	if len(header) != len(Header) || header[0] != "Thread ID" {
		t.Errorf("header = %v", header)
	}
}

func TestAppendCreatesMissingTab(t *testing.T) {
	f := &fakeSheets{}
	m := newTestMirror(t, f)

	n, err := m.Append(context.Background(), "tok", "u2", sampleRecords()[:1])
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if n != 1 {
		t.Errorf("appended %d", n)
	}
	if len(f.calls) != 3 {
		t.Fatalf("calls = %+v", f.calls)
	}
	if add := f.calls[1]; !strings.HasSuffix(add.path, ":batchUpdate") {
		t.Errorf("expected batchUpdate, got %+v", add)
	}
	app := f.calls[2]
	if !strings.HasSuffix(app.path, ":append") || !strings.Contains(app.query, "insertDataOption=INSERT_ROWS") {
		t.Errorf("append = %+v", app)
	}
}

func TestAppendNothing(t *testing.T) {
	f := &fakeSheets{}
	n, err := newTestMirror(t, f).Append(context.Background(), "tok", "u", nil)
	if err != nil || n != 0 || len(f.calls) != 0 {
		t.Errorf("Append(nil) = %d, %v, calls=%d", n, err, len(f.calls))
	}
}

func TestUnconfigured(t *testing.T) {
	m := New("", "", nil)
	if m.Configured() {
		t.Error("Configured = true")
	}
	if _, err := m.ReplaceAll(context.Background(), "tok", "u", nil); err == nil {
		t.Error("expected error without spreadsheet id")
	}
}
