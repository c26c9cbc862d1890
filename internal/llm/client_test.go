package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestWorkersAIRun(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody workersAIRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"result":{"response":"{\"company\":\"Acme\"}"},"success":true,"errors":[]}`))
	}))
	defer srv.Close()

	c := NewWorkersAIClient(srv.URL, "acct", "tok", time.Second)
	out, err := c.Run(context.Background(), Request{
		Model:       "@cf/meta/llama-3.1-8b-instruct",
		Messages:    []Message{{Role: "system", Content: "sys"}, {Role: "user", Content: "hi"}},
		Temperature: 0.2,
		MaxTokens:   400,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out != `{"company":"Acme"}` {
		t.Errorf("out = %q", out)
	}
	if gotPath != "/accounts/acct/ai/run/@cf/meta/llama-3.1-8b-instruct" {
		t.Errorf("path = %q", gotPath)
	}
	if gotAuth != "Bearer tok" {
		t.Errorf("auth = %q", gotAuth)
	}
	if len(gotBody.Messages) != 2 || gotBody.MaxTokens != 400 {
		t.Errorf("body = %+v", gotBody)
	}
}

func TestWorkersAIObjectResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"result":{"response":{"company":"Acme"}},"success":true}`))
	}))
	defer srv.Close()

	out, err := NewWorkersAIClient(srv.URL, "a", "t", time.Second).Run(context.Background(), Request{Model: "m"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out != `{"company":"Acme"}` {
		t.Errorf("out = %q", out)
	}
}

func TestWorkersAIHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := NewWorkersAIClient(srv.URL, "a", "t", time.Second).Run(context.Background(), Request{Model: "m"})
	if err == nil || !strings.Contains(err.Error(), "500") {
		t.Fatalf("err = %v, want status 500", err)
	}
}

func TestOllamaRun(t *testing.T) {
	var got ollamaChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("path = %q", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"message":{"role":"assistant","content":"{}"},"done":true}`))
	}))
	defer srv.Close()

	out, err := NewOllamaClient(srv.URL, time.Second).Run(context.Background(), Request{Model: "llama3", MaxTokens: 10})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out != "{}" {
		t.Errorf("out = %q", out)
	}
	if got.Stream || got.Format != "json" || got.Options.NumPredict != 10 {
		t.Errorf("request = %+v", got)
	}
}

type flakyClient struct {
	calls atomic.Int32
	err   error
}

func (f *flakyClient) Run(ctx context.Context, req Request) (string, error) {
	f.calls.Add(1)
	if f.err != nil {
		return "", f.err
	}
	return "ok", nil
}

func TestGuardedBreakerOpens(t *testing.T) {
	inner := &flakyClient{err: errors.New("upstream down")}
	g := NewGuarded(inner, "test", Config{BreakerFailures: 2, BreakerCooldown: time.Minute}, nil)

	for i := 0; i < 2; i++ {
		if _, err := g.Run(context.Background(), Request{}); err == nil {
			t.Fatalf("call %d: expected error", i)
		}
	}
	if _, err := g.Run(context.Background(), Request{}); err == nil {
		t.Fatal("expected breaker error")
	}
	if n := inner.calls.Load(); n != 2 {
		t.Errorf("inner calls = %d, want 2 (third call short-circuited)", n)
	}
}

func TestGuardedPassThrough(t *testing.T) {
	inner := &flakyClient{}
	g := NewGuarded(inner, "test", Config{RequestsPerSecond: 100, Burst: 1}, nil)
	out, err := g.Run(context.Background(), Request{})
	if err != nil || out != "ok" {
		t.Fatalf("Run = %q, %v", out, err)
	}
}

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(Config{Provider: ProviderWorkersAI}, nil); err == nil {
		t.Error("expected error for missing workers ai credentials")
	}
	if _, err := NewClient(Config{Provider: "nope"}, nil); err == nil {
		t.Error("expected error for unknown provider")
	}
	if _, err := NewClient(Config{Provider: ProviderOllama}, nil); err != nil {
		t.Errorf("ollama: %v", err)
	}
}
