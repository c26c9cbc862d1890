package sync

import (
	"encoding/base64"
	"strings"

	"golang.org/x/net/html"
)

// ResolveText returns the plain text of the thread's newest message, or ""
// when nothing readable is found. Preference order: a text/plain part, a
// text/html part with tags replaced by whitespace, then the top-level body.
func ResolveText(t *Thread) string {
	latest, ok := t.Latest()
	if !ok {
		return ""
	}
	payload := latest.Payload

	if p, ok := findPart(payload.Parts, "text/plain"); ok {
		if s := decodeBody(p.Data); s != "" {
			return s
		}
	}
	if p, ok := findPart(payload.Parts, "text/html"); ok {
		if s := decodeBody(p.Data); s != "" {
			return StripHTML(s)
		}
	}
	if len(payload.Parts) == 0 && payload.Data != "" {
		s := decodeBody(payload.Data)
		if payload.MimeType == "text/html" {
			return StripHTML(s)
		}
		return s
	}
	return ""
}

// findPart returns the first part of the given type with body data,
// searching nested multiparts depth first.
func findPart(parts []Part, mimeType string) (Part, bool) {
	for _, p := range parts {
		if strings.EqualFold(p.MimeType, mimeType) && p.Data != "" {
			return p, true
		}
		if len(p.Parts) > 0 {
			if found, ok := findPart(p.Parts, mimeType); ok {
				return found, true
			}
		}
	}
	return Part{}, false
}

// decodeBody decodes URL-safe base64, with or without padding. Malformed
// input yields "".
func decodeBody(data string) string {
	if data == "" {
		return ""
	}
	trimmed := strings.TrimRight(data, "=")
	b, err := base64.RawURLEncoding.DecodeString(trimmed)
	if err != nil {
		b, err = base64.RawStdEncoding.DecodeString(trimmed)
		if err != nil {
			return ""
		}
	}
	return string(b)
}

// StripHTML replaces every tag with a space and keeps text content with
// entities decoded.
func StripHTML(s string) string {
	var sb strings.Builder
	z := html.NewTokenizer(strings.NewReader(s))
	for {
		switch z.Next() {
		case html.ErrorToken:
			// io.EOF or a malformed tail; either way keep what was read.
			return sb.String()
		case html.TextToken:
			sb.Write(z.Text())
		default:
			sb.WriteByte(' ')
		}
	}
}
