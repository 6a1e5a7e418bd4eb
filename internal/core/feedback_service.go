package core

import (
	"context"

	"go.uber.org/zap"
	"regtok.com/compliance-service/internal/store"
	"regtok.com/compliance-service/internal/utils"
)

// ReviewStore is the slice of the audit store the feedback loop needs.
type ReviewStore interface {
	ReviewRecord(id string, status store.ReviewStatus, reviewer string, corr *store.Correction, embedding []float32) (*store.AnalysisRecord, *store.Exemplar, error)
	GetAnalysisRecord(id string) (*store.AnalysisRecord, error)
}

// FeedbackService bridges human review into the exemplar store. Every
// accepted review applies exactly one status transition and creates exactly
// one exemplar; reviewing an already-reviewed record is a conflict, not a
// reprocess.
type FeedbackService struct {
	store ReviewStore
	embed EmbedFunc
	log   *zap.Logger
}

func NewFeedbackService(reviewStore ReviewStore, embed EmbedFunc, log *zap.Logger) *FeedbackService {
	return &FeedbackService{store: reviewStore, embed: embed, log: log}
}

// Approve marks the record approved and stores an exemplar built from the
// record's original verdict, reasoning and regulations.
func (s *FeedbackService) Approve(ctx context.Context, recordID, reviewer string) (*store.AnalysisRecord, error) {
	return s.review(ctx, recordID, store.StatusApproved, reviewer, nil)
}

// Edit applies the reviewer's corrections to the record, preserving the
// originals in the edit diff, and stores an exemplar built from the
// corrected fields.
func (s *FeedbackService) Edit(ctx context.Context, recordID, reviewer string, corr store.Correction) (*store.AnalysisRecord, error) {
	verdict, err := store.ParseVerdict(string(corr.Verdict))
	if err != nil {
		return nil, err
	}
	corr.Verdict = verdict
	return s.review(ctx, recordID, store.StatusEdited, reviewer, &corr)
}

func (s *FeedbackService) review(ctx context.Context, recordID string, status store.ReviewStatus, reviewer string, corr *store.Correction) (*store.AnalysisRecord, error) {
	rec, err := s.store.GetAnalysisRecord(recordID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, store.ErrRecordNotFound
	}
	if rec.Status != store.StatusPendingReview {
		return nil, store.ErrReviewConflict
	}

	// Best effort: exemplar selection falls back to a lexical heuristic when
	// no embedding is stored, so a provider outage must not block review.
	var embedding []float32
	if s.embed != nil {
		embedding, err = s.embed(ctx, rec.NormalizedText)
		if err != nil {
			s.log.Warn("could not embed exemplar query text",
				zap.String("record_id", recordID), zap.Error(err))
			embedding = nil
		} else {
			utils.Normalize(embedding)
		}
	}

	reviewed, exemplar, err := s.store.ReviewRecord(recordID, status, reviewer, corr, embedding)
	if err != nil {
		return nil, err
	}

	s.log.Info("review applied",
		zap.String("record_id", recordID),
		zap.String("status", string(status)),
		zap.String("reviewer", reviewer),
		zap.Int64("exemplar_id", exemplar.ID))
	return reviewed, nil
}
