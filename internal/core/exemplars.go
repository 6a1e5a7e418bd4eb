package core

import (
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"
	"regtok.com/compliance-service/internal/store"
	"regtok.com/compliance-service/internal/utils"
)

// ExemplarSource provides the stored human-reviewed exemplars.
type ExemplarSource interface {
	GetAllExemplars() ([]store.Exemplar, error)
}

// ExemplarSelector picks the stored exemplars most similar to a query.
// Unlike the corpus, the exemplar set grows over time, so it is read fresh
// on every selection rather than cached.
type ExemplarSelector struct {
	src ExemplarSource
	log *zap.Logger
}

func NewExemplarSelector(src ExemplarSource, log *zap.Logger) *ExemplarSelector {
	return &ExemplarSelector{src: src, log: log}
}

type scoredExemplar struct {
	exemplar store.Exemplar
	score    float32
}

// Select returns up to k exemplars ordered by similarity descending, ties
// broken by exemplar id ascending. Exemplars with a stored embedding are
// scored against the query embedding; the rest fall back to a token-overlap
// heuristic, so selection never needs the network and is deterministic for
// fixed store contents. An empty store yields an empty slice and the caller
// proceeds zero-shot.
func (s *ExemplarSelector) Select(queryEmbedding []float32, queryText string, k int) ([]store.Exemplar, error) {
	if k <= 0 {
		return nil, nil
	}
	exemplars, err := s.src.GetAllExemplars()
	if err != nil {
		return nil, fmt.Errorf("failed to load exemplars: %w", err)
	}
	if len(exemplars) == 0 {
		return nil, nil
	}

	scored := make([]scoredExemplar, 0, len(exemplars))
	for _, e := range exemplars {
		scored = append(scored, scoredExemplar{exemplar: e, score: s.score(queryEmbedding, queryText, e)})
	}
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		return scored[i].exemplar.ID < scored[j].exemplar.ID
	})

	selected := make([]store.Exemplar, 0, k)
	for i := 0; i < len(scored) && i < k; i++ {
		selected = append(selected, scored[i].exemplar)
	}
	return selected, nil
}

func (s *ExemplarSelector) score(queryEmbedding []float32, queryText string, e store.Exemplar) float32 {
	if len(queryEmbedding) > 0 && len(e.Embedding) > 0 {
		similarity, err := utils.CosineSimilarity(queryEmbedding, e.Embedding)
		if err == nil {
			return similarity
		}
		s.log.Warn("could not score exemplar embedding, falling back to token overlap",
			zap.Int64("exemplar_id", e.ID), zap.Error(err))
	}
	return tokenOverlap(queryText, e.QueryText)
}

// tokenOverlap is the Jaccard index over lowercased word sets.
func tokenOverlap(a, b string) float32 {
	setA := tokenSet(a)
	setB := tokenSet(b)
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}
	shared := 0
	for tok := range setA {
		if setB[tok] {
			shared++
		}
	}
	union := len(setA) + len(setB) - shared
	return float32(shared) / float32(union)
}

func tokenSet(text string) map[string]bool {
	set := make(map[string]bool)
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		tok = strings.Trim(tok, ".,;:()[]{}\"'")
		if tok != "" {
			set[tok] = true
		}
	}
	return set
}
