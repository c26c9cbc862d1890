package sync

import (
	"encoding/base64"
	"strings"
	"testing"
)

func b64(s string) string { return base64.RawURLEncoding.EncodeToString([]byte(s)) }

func TestResolveText(t *testing.T) {
	tests := []struct {
		name   string
		thread *Thread
		want   string
	}{
		{
			name:   "no messages",
			thread: &Thread{ID: "t"},
			want:   "",
		},
		{
			name: "plain preferred over html",
			thread: &Thread{Messages: []Message{{Payload: Part{
				MimeType: "multipart/alternative",
				Parts: []Part{
					{MimeType: "text/html", Data: b64("<p>html</p>")},
					{MimeType: "text/plain", Data: b64("plain text")},
				},
			}}}},
			want: "plain text",
		},
		{
			name: "nested plain part",
			thread: &Thread{Messages: []Message{{Payload: Part{
				MimeType: "multipart/mixed",
				Parts: []Part{
					{MimeType: "multipart/alternative", Parts: []Part{
						{MimeType: "text/plain", Data: b64("deep")},
					}},
					{MimeType: "application/pdf", Data: b64("%PDF")},
				},
			}}}},
			want: "deep",
		},
		{
			name: "top-level body",
			thread: &Thread{Messages: []Message{{Payload: Part{
				MimeType: "text/plain",
				Data:     b64("single part"),
			}}}},
			want: "single part",
		},
		{
			name: "latest message wins",
			thread: &Thread{Messages: []Message{
				{Payload: Part{MimeType: "text/plain", Data: b64("old")}},
				{Payload: Part{MimeType: "text/plain", Data: b64("new")}},
			}},
			want: "new",
		},
		{
			name: "padded base64url",
			thread: &Thread{Messages: []Message{{Payload: Part{
				MimeType: "text/plain",
				Data:     base64.URLEncoding.EncodeToString([]byte("ab")),
			}}}},
			want: "ab",
		},
		{
			name: "attachments only",
			thread: &Thread{Messages: []Message{{Payload: Part{
				MimeType: "multipart/mixed",
				Parts:    []Part{{MimeType: "image/png", Data: b64("png")}},
			}}}},
			want: "",
		},
		{
			name: "malformed data",
			thread: &Thread{Messages: []Message{{Payload: Part{
				MimeType: "text/plain",
				Data:     "!!!not base64!!!",
			}}}},
			want: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ResolveText(tt.thread); got != tt.want {
				t.Errorf("ResolveText() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestResolveTextHTMLFallback(t *testing.T) {
	th := &Thread{Messages: []Message{{Payload: Part{
		MimeType: "multipart/alternative",
		Parts: []Part{{
			MimeType: "text/html",
			Data:     b64(`<html><body><p>Thanks&nbsp;for applying to <b>Acme</b></p><br>Interview next week</body></html>`),
		}},
	}}}}
	got := ResolveText(th)
	if strings.Contains(got, "<") || strings.Contains(got, ">") {
		t.Errorf("tags left in %q", got)
	}
	for _, want := range []string{"Acme", "Interview next week", "applying"} {
		if !strings.Contains(got, want) {
			t.Errorf("%q missing %q", got, want)
		}
	}
	if strings.Contains(got, "&nbsp;") {
		t.Errorf("entity not decoded in %q", got)
	}
}

func TestStripHTMLSeparatesBlocks(t *testing.T) {
	got := strings.Join(strings.Fields(StripHTML("<p>one</p><p>two</p>")), " ")
	if got != "one two" {
		t.Errorf("StripHTML = %q", got)
	}
}
