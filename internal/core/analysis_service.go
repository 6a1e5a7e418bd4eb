package core

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"regtok.com/compliance-service/internal/store"
)

// The orchestrator depends on small interfaces so tests can substitute
// fakes; production wires the concrete Retriever, ExemplarSelector,
// LLMService and SQLiteStore.

type PassageRetriever interface {
	Retrieve(ctx context.Context, normalizedText string) ([]store.RetrievedPassage, []float32, error)
}

type ExemplarPicker interface {
	Select(queryEmbedding []float32, queryText string, k int) ([]store.Exemplar, error)
}

type AnalysisGenerator interface {
	GenerateAnalysis(ctx context.Context, prompt string) (string, error)
}

type AuditWriter interface {
	InsertAnalysisRecord(rec *store.AnalysisRecord) error
}

// AnalysisService runs the full pipeline for one feature description:
// normalize, retrieve, select exemplars, one reasoning call, validate,
// persist. Analyses are independent; the service holds no per-request state.
type AnalysisService struct {
	normalizer       *Normalizer
	retriever        PassageRetriever
	exemplars        ExemplarPicker
	generator        AnalysisGenerator
	audit            AuditWriter
	exemplarK        int
	schemaRetryLimit int
	log              *zap.Logger
}

func NewAnalysisService(
	normalizer *Normalizer,
	retriever PassageRetriever,
	exemplars ExemplarPicker,
	generator AnalysisGenerator,
	audit AuditWriter,
	exemplarK, schemaRetryLimit int,
	log *zap.Logger,
) *AnalysisService {
	return &AnalysisService{
		normalizer:       normalizer,
		retriever:        retriever,
		exemplars:        exemplars,
		generator:        generator,
		audit:            audit,
		exemplarK:        exemplarK,
		schemaRetryLimit: schemaRetryLimit,
		log:              log,
	}
}

// Analyze produces and persists one AnalysisRecord. Nothing is persisted
// until reasoning completes, so an abandoned or failed analysis leaves no
// partial record behind. Retrieval and provider failures propagate to the
// caller; only structurally invalid LLM output degrades to a tagged
// Uncertain fallback after the corrective retries run out.
func (s *AnalysisService) Analyze(ctx context.Context, rawText string) (*store.AnalysisRecord, error) {
	normalized := s.normalizer.Normalize(rawText)

	passages, queryEmbedding, err := s.retriever.Retrieve(ctx, normalized)
	if err != nil {
		return nil, err
	}

	exemplars, err := s.exemplars.Select(queryEmbedding, normalized, s.exemplarK)
	if err != nil {
		s.log.Warn("exemplar selection failed, proceeding zero-shot", zap.Error(err))
		exemplars = nil
	}

	prompt := BuildAnalysisPrompt(normalized, passages, exemplars)
	allowed := sourceIDSet(passages)

	raw, err := s.generator.GenerateAnalysis(ctx, prompt)
	if err != nil {
		return nil, err
	}

	result, parseErr := parseAnalysisResponse(raw, allowed)
	for attempt := 0; parseErr != nil && attempt < s.schemaRetryLimit; attempt++ {
		s.log.Warn("analysis response failed schema validation, sending correction prompt",
			zap.Int("attempt", attempt+1), zap.Error(parseErr))
		raw, err = s.generator.GenerateAnalysis(ctx, BuildCorrectionPrompt(prompt, raw, parseErr))
		if err != nil {
			return nil, err
		}
		result, parseErr = parseAnalysisResponse(raw, allowed)
	}

	schemaFallback := false
	if parseErr != nil {
		schemaFallback = true
		result = &analysisResult{
			Verdict:   store.VerdictUncertain,
			Reasoning: fmt.Sprintf("Analysis inconclusive due to response format error: %v", parseErr),
		}
		s.log.Warn("degrading analysis to tagged Uncertain after schema retries", zap.Error(parseErr))
	}

	rec := &store.AnalysisRecord{
		ID:                 uuid.NewString(),
		RawText:            rawText,
		NormalizedText:     normalized,
		RetrievedPassages:  passages,
		ExemplarsUsed:      exemplarIDs(exemplars),
		Verdict:            result.Verdict,
		Reasoning:          result.Reasoning,
		RelatedRegulations: result.Regulations,
		CitedSources:       result.CitedSources,
		SchemaFallback:     schemaFallback,
		Status:             store.StatusPendingReview,
		CreatedAt:          time.Now().UTC(),
	}
	if err := s.audit.InsertAnalysisRecord(rec); err != nil {
		return nil, fmt.Errorf("failed to persist analysis record: %w", err)
	}

	s.log.Info("analysis recorded",
		zap.String("record_id", rec.ID),
		zap.String("verdict", string(rec.Verdict)),
		zap.Int("passages", len(passages)),
		zap.Int("exemplars", len(exemplars)))
	return rec, nil
}

type analysisResult struct {
	Verdict      store.Verdict
	Reasoning    string
	Regulations  []string
	CitedSources []string
}

// llmAnalysis mirrors the JSON schema the model must emit.
type llmAnalysis struct {
	Flag               string   `json:"flag"`
	Reasoning          string   `json:"reasoning"`
	RelatedRegulations []string `json:"related_regulations"`
	CitedSources       []string `json:"cited_sources"`
}

// parseAnalysisResponse validates one raw response against the schema.
// Any cited source outside the passages provided in this call is a schema
// violation: verdicts must not cite documents they were never shown.
func parseAnalysisResponse(raw string, allowedSources map[string]bool) (*analysisResult, error) {
	var parsed llmAnalysis
	if err := json.Unmarshal([]byte(stripCodeFence(raw)), &parsed); err != nil {
		return nil, fmt.Errorf("response is not valid JSON: %v", err)
	}

	verdict, err := store.ParseVerdict(parsed.Flag)
	if err != nil {
		return nil, err
	}

	for _, src := range parsed.CitedSources {
		if !allowedSources[src] {
			return nil, fmt.Errorf("cited source %q is not among the retrieved passages", src)
		}
	}

	return &analysisResult{
		Verdict:      verdict,
		Reasoning:    strings.TrimSpace(parsed.Reasoning),
		Regulations:  dedupe(parsed.RelatedRegulations),
		CitedSources: parsed.CitedSources,
	}, nil
}

// stripCodeFence removes a ```json ... ``` wrapper some models add even in
// JSON mode.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	if idx := strings.Index(s, "\n"); idx >= 0 {
		s = s[idx+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func sourceIDSet(passages []store.RetrievedPassage) map[string]bool {
	set := make(map[string]bool, len(passages))
	for _, p := range passages {
		set[p.SourceID] = true
	}
	return set
}

func exemplarIDs(exemplars []store.Exemplar) []int64 {
	ids := make([]int64, 0, len(exemplars))
	for _, e := range exemplars {
		ids = append(ids, e.ID)
	}
	return ids
}

func dedupe(values []string) []string {
	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
