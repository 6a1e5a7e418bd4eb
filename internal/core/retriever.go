package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"regtok.com/compliance-service/internal/store"
	"regtok.com/compliance-service/internal/utils"
)

// ErrRetrievalFailed marks an inability to query the regulation corpus.
// Callers must treat it as distinct from an empty (but successful) result.
var ErrRetrievalFailed = errors.New("retrieval failed")

// EmbedFunc computes a dense embedding for one text.
type EmbedFunc func(ctx context.Context, text string) ([]float32, error)

// ChunkSource provides the embedded regulation corpus.
type ChunkSource interface {
	GetAllCorpusChunks() ([]store.CorpusChunk, error)
}

// Retriever ranks regulation passages against a query embedding. The corpus
// is static per process, so chunks are loaded once at construction, the same
// way the embedding cache works for the rest of the pipeline.
type Retriever struct {
	chunks         []store.CorpusChunk
	embed          EmbedFunc
	topK           int
	maxAttempts    int
	initialBackoff time.Duration
	log            *zap.Logger
}

func NewRetriever(src ChunkSource, embed EmbedFunc, topK, maxAttempts int, initialBackoff time.Duration, log *zap.Logger) (*Retriever, error) {
	chunks, err := src.GetAllCorpusChunks()
	if err != nil {
		return nil, fmt.Errorf("%w: loading corpus: %v", ErrRetrievalFailed, err)
	}
	if len(chunks) == 0 {
		log.Warn("retriever initialized with no corpus chunks; ensure the corpus has been ingested")
	} else {
		log.Info("retriever initialized", zap.Int("corpus_chunks", len(chunks)))
	}

	return &Retriever{
		chunks:         chunks,
		embed:          embed,
		topK:           topK,
		maxAttempts:    maxAttempts,
		initialBackoff: initialBackoff,
		log:            log,
	}, nil
}

type scoredChunk struct {
	chunk store.CorpusChunk
	score float32
}

// Retrieve embeds the normalized text and returns the top-k passages by
// descending relevance, ties broken by source id ascending so identical
// queries over an unchanged corpus always rank identically. The query
// embedding is returned as well so exemplar selection can reuse it without
// another provider call. An empty result with a nil error means "no relevant
// passages"; corpus or embedding trouble is surfaced as ErrRetrievalFailed.
func (r *Retriever) Retrieve(ctx context.Context, normalizedText string) ([]store.RetrievedPassage, []float32, error) {
	queryEmbedding, err := r.embedWithRetry(ctx, normalizedText)
	if err != nil {
		return nil, nil, err
	}

	scored := make([]scoredChunk, 0, len(r.chunks))
	for _, chunk := range r.chunks {
		if len(chunk.Embedding) == 0 {
			r.log.Warn("skipping corpus chunk with missing embedding", zap.Int64("chunk_id", chunk.ID))
			continue
		}
		similarity, err := utils.CosineSimilarity(queryEmbedding, chunk.Embedding)
		if err != nil {
			r.log.Warn("could not score corpus chunk", zap.Int64("chunk_id", chunk.ID), zap.Error(err))
			continue
		}
		scored = append(scored, scoredChunk{chunk: chunk, score: similarity})
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		return scored[i].chunk.SourceID < scored[j].chunk.SourceID
	})

	passages := make([]store.RetrievedPassage, 0, r.topK)
	for i := 0; i < len(scored) && i < r.topK; i++ {
		passages = append(passages, store.RetrievedPassage{
			SourceID: scored[i].chunk.SourceID,
			Excerpt:  scored[i].chunk.Content,
			Score:    scored[i].score,
		})
	}
	return passages, queryEmbedding, nil
}

func (r *Retriever) embedWithRetry(ctx context.Context, text string) ([]float32, error) {
	backoff := r.initialBackoff
	var lastErr error
	for attempt := 0; attempt < r.maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		embedding, err := r.embed(ctx, text)
		if err == nil {
			utils.Normalize(embedding)
			return embedding, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		r.log.Warn("query embedding attempt failed", zap.Int("attempt", attempt+1), zap.Error(err))
	}
	return nil, fmt.Errorf("%w: embedding query after %d attempts: %v", ErrRetrievalFailed, r.maxAttempts, lastErr)
}
