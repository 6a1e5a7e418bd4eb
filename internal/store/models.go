package store

import (
	"fmt"
	"strings"
	"time"
)

// Verdict is the compliance flag produced by an analysis.
type Verdict string

const (
	VerdictYes       Verdict = "Yes"
	VerdictNo        Verdict = "No"
	VerdictUncertain Verdict = "Uncertain"
)

// ParseVerdict coerces a raw flag value case-insensitively into one of the
// three allowed verdicts.
func ParseVerdict(s string) (Verdict, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "yes":
		return VerdictYes, nil
	case "no":
		return VerdictNo, nil
	case "uncertain":
		return VerdictUncertain, nil
	}
	return "", fmt.Errorf("invalid verdict %q", s)
}

// ReviewStatus tracks the human-review lifecycle of an analysis record.
// The only allowed transitions are pending_review -> approved and
// pending_review -> edited.
type ReviewStatus string

const (
	StatusPendingReview ReviewStatus = "pending_review"
	StatusApproved      ReviewStatus = "approved"
	StatusEdited        ReviewStatus = "edited"
)

// Reviewer is a human expert allowed to approve or correct analyses.
type Reviewer struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"` // Do not expose this in JSON responses
	CreatedAt    time.Time `json:"created_at"`
}

// CorpusChunk is one embedded passage of the regulation corpus. The corpus
// table is populated by an external ingestion step and is read-only here.
type CorpusChunk struct {
	ID        int64     `json:"id"`
	SourceID  string    `json:"source_id"`
	Content   string    `json:"content"`
	Embedding []float32 `json:"-"`
}

// RetrievedPassage is a ranked corpus excerpt returned for one query. It is
// not persisted on its own; it lives embedded in the owning AnalysisRecord.
type RetrievedPassage struct {
	SourceID string  `json:"source_id"`
	Excerpt  string  `json:"text_excerpt"`
	Score    float32 `json:"relevance_score"`
}

// Exemplar is a human-approved or human-corrected past analysis reused as
// few-shot guidance. Immutable once created; at most one exists per record.
type Exemplar struct {
	ID          int64     `json:"id"`
	RecordID    string    `json:"record_id"`
	QueryText   string    `json:"query_text"`
	Verdict     Verdict   `json:"verdict"`
	Reasoning   string    `json:"reasoning"`
	Regulations []string  `json:"regulations"`
	ApprovedBy  string    `json:"approved_by"`
	CreatedAt   time.Time `json:"created_at"`
	Embedding   []float32 `json:"-"`
}

// Correction carries the reviewer-supplied replacement fields for an edit.
type Correction struct {
	Verdict     Verdict  `json:"verdict"`
	Reasoning   string   `json:"reasoning"`
	Regulations []string `json:"regulations"`
}

// EditDiff preserves the original model output when a reviewer edits a
// record, so the audit trail keeps both sides of the correction.
type EditDiff struct {
	OriginalVerdict     Verdict  `json:"original_verdict"`
	OriginalReasoning   string   `json:"original_reasoning"`
	OriginalRegulations []string `json:"original_regulations"`
}

// AnalysisRecord is the audit-log entry for one completed analysis. Records
// are never deleted; after creation only the review fields (status,
// reviewed_at, reviewed_by, edit diff) and, on edit, the verdict fields may
// change, and only through ReviewRecord.
type AnalysisRecord struct {
	ID                 string             `json:"id"`
	RawText            string             `json:"raw_text"`
	NormalizedText     string             `json:"normalized_text"`
	RetrievedPassages  []RetrievedPassage `json:"retrieved_passages"`
	ExemplarsUsed      []int64            `json:"exemplars_used"`
	Verdict            Verdict            `json:"verdict"`
	Reasoning          string             `json:"reasoning"`
	RelatedRegulations []string           `json:"related_regulations"`
	CitedSources       []string           `json:"cited_sources"`
	SchemaFallback     bool               `json:"schema_fallback"`
	Status             ReviewStatus       `json:"status"`
	CreatedAt          time.Time          `json:"created_at"`
	ReviewedAt         *time.Time         `json:"reviewed_at,omitempty"`
	ReviewedBy         *string            `json:"reviewed_by,omitempty"`
	EditDiff           *EditDiff          `json:"edit_diff,omitempty"`
}
