package extract

import (
	"encoding/json"
	"errors"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/Martian-dev/jobmail-sync/internal/domain"
)

// Normalize builds an Extraction from untrusted decoded JSON fields.
// Non-string text fields become unset, status must name a stage exactly,
// confidence is coerced into [0,1] and dates are rewritten as yyyy-mm-dd.
func Normalize(fields map[string]any) domain.Extraction {
	e := domain.Extraction{
		Company:    text(fields["company"]),
		Role:       text(fields["role"]),
		Source:     text(fields["source"]),
		Confidence: confidence(fields["confidence"]),
	}
	if s := text(fields["status"]); s != nil {
		if st, ok := domain.ParseStage(*s); ok {
			e.Status = &st
		}
	}
	if s := text(fields["application_date"]); s != nil {
		if d, ok := NormalizeDate(*s); ok {
			e.ApplicationDate = &d
		}
	}
	return e
}

func text(v any) *string {
	s, ok := v.(string)
	if !ok {
		return nil
	}
	return domain.Str(strings.TrimSpace(s))
}

func confidence(v any) float64 {
	var f float64
	switch x := v.(type) {
	case float64:
		f = x
	case json.Number:
		p, ok := parseNumber(string(x))
		if !ok {
			return 0
		}
		f = p
	case string:
		p, ok := parseNumber(strings.TrimSpace(x))
		if !ok {
			return 0
		}
		f = p
	case bool:
		if x {
			f = 1
		}
	default:
		return 0
	}
	if math.IsNaN(f) {
		return 0
	}
	return math.Max(0, math.Min(1, f))
}

// parseNumber parses a decimal number. Magnitudes beyond float64 come back
// as signed infinity (or zero on underflow) so the caller can clamp them.
func parseNumber(s string) (float64, bool) {
	if s == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil && !errors.Is(err, strconv.ErrRange) {
		return 0, false
	}
	return f, true
}

var dateLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006/01/02",
	"2006.01.02",
	"01/02/2006",
	"1/2/2006",
	"2006-1-2",
	"2006/1/2",
	"1/2/06",
	"01-02-2006",
	"Jan 2, 2006",
	"January 2, 2006",
	"Jan 2 2006",
	"January 2 2006",
	"2 Jan 2006",
	"2 January 2006",
	"02 Jan 2006",
	"2 Jan, 2006",
	"2 January, 2006",
	"Mon, Jan 2, 2006",
	"Monday, January 2, 2006",
	"Mon, 02 Jan 2006",
	"Mon, 2 Jan 2006",
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"2 Jan 2006 15:04:05 -0700",
	"Jan 2, 2006 3:04 PM",
	"January 2, 2006 3:04 PM",
	time.RFC1123Z,
	time.RFC1123,
	time.RFC822Z,
	time.RFC822,
	time.RFC850,
	time.ANSIC,
	time.UnixDate,
}

var (
	ordinalSuffix = regexp.MustCompile(`\b(\d{1,2})(st|nd|rd|th)\b`)
	septAbbrev    = regexp.MustCompile(`\bSept\b`)
)

// NormalizeDate rewrites a recognizable calendar date as yyyy-mm-dd. The
// date is taken in the offset it was written in. Unrecognized or
// impossible dates report false.
func NormalizeDate(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", false
	}
	candidates := []string{s}
	cleaned := ordinalSuffix.ReplaceAllString(s, "$1")
	cleaned = strings.ReplaceAll(cleaned, ".", "")
	cleaned = septAbbrev.ReplaceAllString(cleaned, "Sep")
	cleaned = strings.Join(strings.Fields(cleaned), " ")
	if cleaned != s {
		candidates = append(candidates, cleaned)
	}

	for _, c := range candidates {
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, c); err == nil {
				return t.Format("2006-01-02"), true
			}
		}
	}
	return "", false
}
