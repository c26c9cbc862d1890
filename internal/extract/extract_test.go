package extract

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/Martian-dev/jobmail-sync/internal/domain"
	"github.com/Martian-dev/jobmail-sync/internal/llm"
)

type stubClient struct {
	out  string
	err  error
	last llm.Request
}

func (s *stubClient) Run(ctx context.Context, req llm.Request) (string, error) {
	s.last = req
	return s.out, s.err
}

func TestParseWrappedObject(t *testing.T) {
	raw := "Sure! Here is the JSON:\n```json\n" +
		`{"company":"  Acme  ","role":"Backend Engineer","application_date":"Oct 2, 2025","status":"interview","source":"LinkedIn","confidence":0.92}` +
		"\n```\nLet me know if you need anything else."

	res := Parse(raw)
	if res.Degraded {
		t.Fatal("unexpected degraded result")
	}
	e := res.Extraction
	if domain.Deref(e.Company) != "Acme" {
		t.Errorf("company = %q", domain.Deref(e.Company))
	}
	if domain.Deref(e.Role) != "Backend Engineer" {
		t.Errorf("role = %q", domain.Deref(e.Role))
	}
	if domain.Deref(e.ApplicationDate) != "2025-10-02" {
		t.Errorf("date = %q", domain.Deref(e.ApplicationDate))
	}
	if e.Status == nil || *e.Status != domain.StageInterview {
		t.Errorf("status = %v", e.Status)
	}
	if e.Confidence != 0.92 {
		t.Errorf("confidence = %v", e.Confidence)
	}
}

func TestParseNoObject(t *testing.T) {
	for _, raw := range []string{"", "I could not find anything.", "{ not json", "}{"} {
		res := Parse(raw)
		if !res.Degraded {
			t.Errorf("Parse(%q): expected degraded", raw)
		}
		if res.Company != nil || res.Status != nil || res.Confidence != 0 {
			t.Errorf("Parse(%q) = %+v, want empty", raw, res.Extraction)
		}
	}
}

func TestParseBracesInsideStrings(t *testing.T) {
	raw := `note {"company":"Curly {Braces} Inc","role":"SRE \"}\" lead","confidence":0.7} trailing }`
	res := Parse(raw)
	if res.Degraded {
		t.Fatal("unexpected degraded")
	}
	if got := domain.Deref(res.Company); got != "Curly {Braces} Inc" {
		t.Errorf("company = %q", got)
	}
	if got := domain.Deref(res.Role); got != `SRE "}" lead` {
		t.Errorf("role = %q", got)
	}
}

func TestParseUsesFirstSpanOnly(t *testing.T) {
	raw := `Format {like this}: {"company":"Globex","confidence":0.6}`
	res := Parse(raw)
	if !res.Degraded || res.Company != nil || res.Confidence != 0 {
		t.Fatalf("Parse = %+v degraded=%v, want empty degraded result", res.Extraction, res.Degraded)
	}
}

func TestParseHugeConfidenceKeepsFields(t *testing.T) {
	tests := []struct {
		raw  string
		want float64
	}{
		{`{"company":"Acme","role":"SRE","status":"interview","confidence":1e400}`, 1},
		{`{"company":"Acme","role":"SRE","status":"interview","confidence":-1e400}`, 0},
	}
	for _, tt := range tests {
		res := Parse(tt.raw)
		if res.Degraded {
			t.Fatalf("Parse(%s) degraded", tt.raw)
		}
		if domain.Deref(res.Company) != "Acme" || domain.Deref(res.Role) != "SRE" || domain.Deref(res.Status) != "interview" {
			t.Errorf("Parse(%s) = %+v", tt.raw, res.Extraction)
		}
		if res.Confidence != tt.want {
			t.Errorf("Parse(%s) confidence = %v, want %v", tt.raw, res.Confidence, tt.want)
		}
	}
}

func TestNormalizeFields(t *testing.T) {
	tests := []struct {
		name   string
		fields map[string]any
		check  func(t *testing.T, e domain.Extraction)
	}{
		{
			name:   "status case mismatch is unset",
			fields: map[string]any{"status": "Interview"},
			check: func(t *testing.T, e domain.Extraction) {
				if e.Status != nil {
					t.Errorf("status = %v, want nil", *e.Status)
				}
			},
		},
		{
			name:   "unknown status is unset",
			fields: map[string]any{"status": "ghosted"},
			check: func(t *testing.T, e domain.Extraction) {
				if e.Status != nil {
					t.Errorf("status = %v, want nil", *e.Status)
				}
			},
		},
		{
			name:   "non-string text fields are unset",
			fields: map[string]any{"company": 42.0, "role": true, "source": []any{"x"}},
			check: func(t *testing.T, e domain.Extraction) {
				if e.Company != nil || e.Role != nil || e.Source != nil {
					t.Errorf("got %+v", e)
				}
			},
		},
		{
			name:   "whitespace-only string is unset",
			fields: map[string]any{"company": "   "},
			check: func(t *testing.T, e domain.Extraction) {
				if e.Company != nil {
					t.Errorf("company = %q", *e.Company)
				}
			},
		},
		{
			name:   "unparseable date is unset",
			fields: map[string]any{"application_date": "sometime last week"},
			check: func(t *testing.T, e domain.Extraction) {
				if e.ApplicationDate != nil {
					t.Errorf("date = %q", *e.ApplicationDate)
				}
			},
		},
		{
			name:   "update status kept",
			fields: map[string]any{"status": " update "},
			check: func(t *testing.T, e domain.Extraction) {
				if e.Status == nil || *e.Status != domain.StageUpdate {
					t.Errorf("status = %v", e.Status)
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.check(t, Normalize(tt.fields))
		})
	}
}

func TestConfidenceClamp(t *testing.T) {
	tests := []struct {
		in   any
		want float64
	}{
		{0.5, 0.5},
		{-3.0, 0},
		{1.7, 1},
		{85.0, 1},
		{"0.8", 0.8},
		{" 1 ", 1},
		{"high", 0},
		{"NaN", 0},
		{"Inf", 1},
		{"-Inf", 0},
		{json.Number("0.7"), 0.7},
		{json.Number("1e400"), 1},
		{json.Number("-1e400"), 0},
		{json.Number("1e-400"), 0},
		{json.Number("lots"), 0},
		{nil, 0},
		{map[string]any{}, 0},
		{true, 1},
	}
	for _, tt := range tests {
		got := Normalize(map[string]any{"confidence": tt.in}).Confidence
		if got != tt.want {
			t.Errorf("confidence(%v) = %v, want %v", tt.in, got, tt.want)
		}
		if got < 0 || got > 1 {
			t.Errorf("confidence(%v) = %v outside [0,1]", tt.in, got)
		}
	}
}

func TestNormalizeDate(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"2025-10-02", "2025-10-02", true},
		{"Oct 2, 2025", "2025-10-02", true},
		{"Oct. 2, 2025", "2025-10-02", true},
		{"October 2nd, 2025", "2025-10-02", true},
		{"2 October 2025", "2025-10-02", true},
		{"10/02/2025", "2025-10-02", true},
		{"2025-10-02T23:30:00-05:00", "2025-10-02", true},
		{"Thu, 02 Oct 2025 09:15:00 +0000", "2025-10-02", true},
		{"Thu, 2 Oct 2025 10:00:00 +0000", "2025-10-02", true},
		{"2 Oct 2025 10:00:00 +0000", "2025-10-02", true},
		{"2025-10-2", "2025-10-02", true},
		{"2025/10/2", "2025-10-02", true},
		{"Sept 30, 2025", "2025-09-30", true},
		{"Sept. 30, 2025", "2025-09-30", true},
		{"September 30, 2025", "2025-09-30", true},
		{"2 October, 2025", "2025-10-02", true},
		{"10/2/25", "2025-10-02", true},
		{"2025-02-30", "", false},
		{"yesterday", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := NormalizeDate(tt.in)
		if ok != tt.ok || got != tt.want {
			t.Errorf("NormalizeDate(%q) = %q, %v; want %q, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestExtractSendsPrompt(t *testing.T) {
	stub := &stubClient{out: `{"company":"Initech","confidence":0.9}`}
	x := New(stub, Options{Temperature: 0.2, MaxTokens: 400, MaxInputChars: 5}, nil)

	res, err := x.Extract(context.Background(), "hello world")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if domain.Deref(res.Company) != "Initech" {
		t.Errorf("company = %q", domain.Deref(res.Company))
	}
	if stub.last.Model != DefaultModel {
		t.Errorf("model = %q", stub.last.Model)
	}
	if len(stub.last.Messages) != 2 || stub.last.Messages[0].Role != "system" {
		t.Fatalf("messages = %+v", stub.last.Messages)
	}
	if !strings.Contains(stub.last.Messages[0].Content, "extraction engine") {
		t.Error("system prompt missing")
	}
	if stub.last.Messages[1].Content != "hello" {
		t.Errorf("user content = %q, want truncated", stub.last.Messages[1].Content)
	}
}

func TestExtractTransportError(t *testing.T) {
	stub := &stubClient{err: errors.New("connection refused")}
	_, err := New(stub, Options{}, nil).Extract(context.Background(), "x")
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestExtractMalformedOutputIsNotAnError(t *testing.T) {
	stub := &stubClient{out: "no idea, sorry"}
	res, err := New(stub, Options{}, nil).Extract(context.Background(), "x")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if !res.Degraded || res.Confidence != 0 {
		t.Errorf("res = %+v", res)
	}
}
