// Package extract turns free-form email text into a sanitized
// domain.Extraction using a language model.
package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/Martian-dev/jobmail-sync/internal/domain"
	"github.com/Martian-dev/jobmail-sync/internal/llm"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "@cf/meta/llama-3.1-8b-instruct"

// SystemPrompt is sent with every request.
const SystemPrompt = `You are an extraction engine. Return ONLY a single JSON object (no prose) matching this shape:

{
  "company": string | null,
  "role": string | null,
  "application_date": string | null,
  "status": "applied" | "assessment" | "interview" | "offer" | "accepted" | "declined" | "rejected" | "withdrawn" | "update" | null,
  "source": string | null,
  "confidence": number
}

Rules:
- If unsure, use null. Never invent.
- If the email is a rejection, status = "rejected".
- If it's an interview invite, status = "interview".
- If it's a general update without clear status, status = "update".
- Prefer ISO dates (yyyy-mm-dd). If you see "Oct 2, 2025", convert to "2025-10-02".
- Company = employer, not job board. Role = position title.
- Output only JSON. No markdown, no commentary.`

// Options tune the inference request.
type Options struct {
	Model       string
	Temperature float64
	MaxTokens   int
	// MaxInputChars truncates the email text before sending. Zero means
	// no limit.
	MaxInputChars int
}

// Result is a normalized extraction. Degraded is set when the model output
// held no parseable object and the empty extraction was substituted.
type Result struct {
	domain.Extraction
	Degraded bool
}

// Extractor runs the model and normalizes its output.
type Extractor struct {
	client llm.Client
	opts   Options
	log    *zap.Logger
}

// New creates an Extractor.
func New(client llm.Client, opts Options, log *zap.Logger) *Extractor {
	if opts.Model == "" {
		opts.Model = DefaultModel
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Extractor{client: client, opts: opts, log: log}
}

// Model returns the configured model id.
func (x *Extractor) Model() string { return x.opts.Model }

// Extract sends text to the model. Malformed output never fails; only a
// transport error from the inference endpoint does.
func (x *Extractor) Extract(ctx context.Context, text string) (Result, error) {
	if x.opts.MaxInputChars > 0 && len(text) > x.opts.MaxInputChars {
		text = truncateRunes(text, x.opts.MaxInputChars)
	}

	raw, err := x.client.Run(ctx, llm.Request{
		Model: x.opts.Model,
		Messages: []llm.Message{
			{Role: "system", Content: SystemPrompt},
			{Role: "user", Content: text},
		},
		Temperature: x.opts.Temperature,
		MaxTokens:   x.opts.MaxTokens,
	})
	if err != nil {
		return Result{}, fmt.Errorf("inference: %w", err)
	}

	res := Parse(raw)
	if res.Degraded {
		x.log.Debug("model output held no usable object", zap.Int("output_len", len(raw)))
	}
	return res, nil
}

// Parse normalizes raw model output. Only the first balanced {...} span is
// considered; when it is missing or not a JSON object the result is the
// empty extraction marked Degraded. It never fails.
func Parse(raw string) Result {
	span, ok := firstObject(raw)
	if !ok {
		return Result{Extraction: domain.Empty(), Degraded: true}
	}
	// Numbers stay as text so an out-of-range confidence cannot void the
	// whole object.
	dec := json.NewDecoder(strings.NewReader(span))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil || fields == nil {
		return Result{Extraction: domain.Empty(), Degraded: true}
	}
	return Result{Extraction: Normalize(fields)}
}

// firstObject returns the first balanced {...} span in s. Braces inside
// JSON string literals are ignored.
func firstObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}
	end := matchBrace(s, start)
	if end < 0 {
		return "", false
	}
	return s[start : end+1], true
}

// matchBrace returns the index of the brace closing the one at open, or -1.
func matchBrace(s string, open int) int {
	depth := 0
	inString, escaped := false, false
	for i := open; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

func truncateRunes(s string, n int) string {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
