package sync

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Search terms selecting application-tracking mail.
var (
	trackerSenders = []string{
		"lever.co", "greenhouse.io", "workday", "jazzhr", "smartrecruiters",
		"icims", "breezy.hr", "ashbyhq.com", "greenhousemail.io", "myworkdayjobs.com",
	}
	trackerSubjects = []string{"application", "interview", "offer", "rejection"}
	marketingTerms  = []string{"newsletter", "digest", "promo", "sale", "unsubscribe"}
)

// RecencyFilter narrows the search to mail after the cursor, or to the
// default lookback window when the user has no cursor yet.
func RecencyFilter(cursor time.Time, hasCursor bool, lookback time.Duration) string {
	if hasCursor {
		return fmt.Sprintf("after:%d", cursor.Unix())
	}
	days := int(math.Ceil(lookback.Hours() / 24))
	if days < 1 {
		days = 1
	}
	return fmt.Sprintf("newer_than:%dd", days)
}

// BuildQuery returns the full mailbox search expression.
func BuildQuery(recency string) string {
	return strings.Join([]string{
		"category:primary",
		"(",
		"from:(" + strings.Join(trackerSenders, " OR ") + ")",
		"OR subject:(" + strings.Join(trackerSubjects, " OR ") + ")",
		")",
		"-subject:(" + strings.Join(marketingTerms, " OR ") + ")",
		recency,
	}, " ")
}
