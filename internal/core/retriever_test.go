package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"regtok.com/compliance-service/internal/store"
)

type fakeChunkSource struct {
	chunks []store.CorpusChunk
	err    error
}

func (f *fakeChunkSource) GetAllCorpusChunks() ([]store.CorpusChunk, error) {
	return f.chunks, f.err
}

func fixedEmbed(embedding []float32) EmbedFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		out := make([]float32, len(embedding))
		copy(out, embedding)
		return out, nil
	}
}

func testCorpus() []store.CorpusChunk {
	return []store.CorpusChunk{
		{ID: 1, SourceID: "utah_sb152", Content: "Utah minors curfew", Embedding: []float32{1, 0, 0}},
		{ID: 2, SourceID: "gdpr_art8", Content: "Child data consent", Embedding: []float32{0, 1, 0}},
		{ID: 3, SourceID: "coppa_312", Content: "Parental consent online", Embedding: []float32{0.6, 0.8, 0}},
	}
}

func newTestRetriever(t *testing.T, src ChunkSource, embed EmbedFunc, topK int) *Retriever {
	t.Helper()
	r, err := NewRetriever(src, embed, topK, 3, time.Millisecond, zap.NewNop())
	require.NoError(t, err)
	return r
}

func TestRetrieveRanksByDescendingSimilarity(t *testing.T) {
	src := &fakeChunkSource{chunks: testCorpus()}
	r := newTestRetriever(t, src, fixedEmbed([]float32{1, 0, 0}), 3)

	passages, embedding, err := r.Retrieve(context.Background(), "curfew feature")
	require.NoError(t, err)
	require.Len(t, passages, 3)
	assert.Equal(t, "utah_sb152", passages[0].SourceID)
	assert.Equal(t, "coppa_312", passages[1].SourceID)
	assert.Equal(t, "gdpr_art8", passages[2].SourceID)
	assert.NotEmpty(t, embedding)
	for i := 1; i < len(passages); i++ {
		assert.GreaterOrEqual(t, passages[i-1].Score, passages[i].Score)
	}
}

func TestRetrieveHonorsTopK(t *testing.T) {
	src := &fakeChunkSource{chunks: testCorpus()}
	r := newTestRetriever(t, src, fixedEmbed([]float32{1, 0, 0}), 2)

	passages, _, err := r.Retrieve(context.Background(), "curfew feature")
	require.NoError(t, err)
	assert.Len(t, passages, 2)
}

func TestRetrieveBreaksScoreTiesBySourceID(t *testing.T) {
	src := &fakeChunkSource{chunks: []store.CorpusChunk{
		{ID: 1, SourceID: "zz_law", Content: "b", Embedding: []float32{1, 0, 0}},
		{ID: 2, SourceID: "aa_law", Content: "a", Embedding: []float32{1, 0, 0}},
	}}
	r := newTestRetriever(t, src, fixedEmbed([]float32{1, 0, 0}), 2)

	passages, _, err := r.Retrieve(context.Background(), "anything")
	require.NoError(t, err)
	require.Len(t, passages, 2)
	assert.Equal(t, "aa_law", passages[0].SourceID)
	assert.Equal(t, "zz_law", passages[1].SourceID)
}

func TestRetrieveIsDeterministicAcrossCalls(t *testing.T) {
	src := &fakeChunkSource{chunks: testCorpus()}
	r := newTestRetriever(t, src, fixedEmbed([]float32{0.3, 0.9, 0.1}), 3)

	first, _, err := r.Retrieve(context.Background(), "child consent")
	require.NoError(t, err)
	second, _, err := r.Retrieve(context.Background(), "child consent")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestRetrieveEmptyCorpusIsNotAnError(t *testing.T) {
	src := &fakeChunkSource{}
	r := newTestRetriever(t, src, fixedEmbed([]float32{1, 0, 0}), 5)

	passages, _, err := r.Retrieve(context.Background(), "anything")
	require.NoError(t, err)
	assert.Empty(t, passages)
}

func TestRetrieveSkipsChunksWithoutEmbeddings(t *testing.T) {
	src := &fakeChunkSource{chunks: []store.CorpusChunk{
		{ID: 1, SourceID: "has_embedding", Content: "x", Embedding: []float32{1, 0, 0}},
		{ID: 2, SourceID: "no_embedding", Content: "y"},
	}}
	r := newTestRetriever(t, src, fixedEmbed([]float32{1, 0, 0}), 5)

	passages, _, err := r.Retrieve(context.Background(), "anything")
	require.NoError(t, err)
	require.Len(t, passages, 1)
	assert.Equal(t, "has_embedding", passages[0].SourceID)
}

func TestRetrieveSurfacesEmbeddingFailure(t *testing.T) {
	src := &fakeChunkSource{chunks: testCorpus()}
	calls := 0
	failing := func(ctx context.Context, text string) ([]float32, error) {
		calls++
		return nil, errors.New("provider down")
	}
	r := newTestRetriever(t, src, failing, 3)

	_, _, err := r.Retrieve(context.Background(), "anything")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRetrievalFailed)
	assert.Equal(t, 3, calls, "should retry up to maxAttempts")
}

func TestRetrieveRetriesThenSucceeds(t *testing.T) {
	src := &fakeChunkSource{chunks: testCorpus()}
	calls := 0
	flaky := func(ctx context.Context, text string) ([]float32, error) {
		calls++
		if calls < 2 {
			return nil, errors.New("transient")
		}
		return []float32{1, 0, 0}, nil
	}
	r := newTestRetriever(t, src, flaky, 3)

	passages, _, err := r.Retrieve(context.Background(), "anything")
	require.NoError(t, err)
	assert.NotEmpty(t, passages)
	assert.Equal(t, 2, calls)
}

func TestRetrieveStopsOnContextCancel(t *testing.T) {
	src := &fakeChunkSource{chunks: testCorpus()}
	ctx, cancel := context.WithCancel(context.Background())
	failing := func(ctx context.Context, text string) ([]float32, error) {
		cancel()
		return nil, errors.New("provider down")
	}
	r := newTestRetriever(t, src, failing, 3)

	_, _, err := r.Retrieve(ctx, "anything")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewRetrieverFailsWhenCorpusUnreadable(t *testing.T) {
	src := &fakeChunkSource{err: errors.New("db gone")}
	_, err := NewRetriever(src, fixedEmbed([]float32{1}), 3, 3, time.Millisecond, zap.NewNop())
	assert.ErrorIs(t, err, ErrRetrievalFailed)
}
