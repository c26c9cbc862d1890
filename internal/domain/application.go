package domain

import "time"

// Stage is the lifecycle stage of a job application.
type Stage string

const (
	StageApplied    Stage = "applied"
	StageAssessment Stage = "assessment"
	StageInterview  Stage = "interview"
	StageOffer      Stage = "offer"
	StageAccepted   Stage = "accepted"
	StageDeclined   Stage = "declined"
	StageRejected   Stage = "rejected"
	StageWithdrawn  Stage = "withdrawn"
	StageUpdate     Stage = "update"
)

// Stages lists every accepted stage, in lifecycle order.
var Stages = []Stage{
	StageApplied,
	StageAssessment,
	StageInterview,
	StageOffer,
	StageAccepted,
	StageDeclined,
	StageRejected,
	StageWithdrawn,
	StageUpdate,
}

// ParseStage returns the stage named by s. Matching is exact: "Rejected"
// and " rejected" are not stages.
func ParseStage(s string) (Stage, bool) {
	for _, st := range Stages {
		if string(st) == s {
			return st, true
		}
	}
	return "", false
}

// Extraction is the structured view of one application email. Nil pointers
// mean "unset".
type Extraction struct {
	Company         *string `json:"company"`
	Role            *string `json:"role"`
	ApplicationDate *string `json:"application_date"` // yyyy-mm-dd
	Status          *Stage  `json:"status"`
	Source          *string `json:"source"`
	Confidence      float64 `json:"confidence"`
}

// Empty is the maximally uncertain extraction.
func Empty() Extraction {
	return Extraction{}
}

// IsJobLike reports whether e carries enough signal to be worth persisting:
// any of status, role or company set, or confidence at or above threshold.
func (e Extraction) IsJobLike(threshold float64) bool {
	return e.Status != nil || e.Role != nil || e.Company != nil || e.Confidence >= threshold
}

// Record is an extraction keyed by the thread it came from, as held by the
// record store.
type Record struct {
	UserID   string `json:"userId"`
	ThreadID string `json:"threadId"`
	Extraction
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// Str returns a pointer to s, or nil for the empty string.
func Str(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Deref returns the pointed-to string or "".
func Deref[T ~string](p *T) string {
	if p == nil {
		return ""
	}
	return string(*p)
}
