package core

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"regtok.com/compliance-service/internal/store"
)

type fakeRetriever struct {
	passages []store.RetrievedPassage
	err      error
}

func (f *fakeRetriever) Retrieve(ctx context.Context, normalizedText string) ([]store.RetrievedPassage, []float32, error) {
	if f.err != nil {
		return nil, nil, f.err
	}
	return f.passages, []float32{1, 0, 0}, nil
}

type fakePicker struct {
	exemplars []store.Exemplar
	err       error
}

func (f *fakePicker) Select(queryEmbedding []float32, queryText string, k int) ([]store.Exemplar, error) {
	return f.exemplars, f.err
}

// scriptedGenerator replays canned responses in order and records the prompts
// it was given.
type scriptedGenerator struct {
	responses []string
	errs      []error
	prompts   []string
}

func (g *scriptedGenerator) GenerateAnalysis(ctx context.Context, prompt string) (string, error) {
	call := len(g.prompts)
	g.prompts = append(g.prompts, prompt)
	if call < len(g.errs) && g.errs[call] != nil {
		return "", g.errs[call]
	}
	if call >= len(g.responses) {
		return "", fmt.Errorf("unexpected generation call %d", call+1)
	}
	return g.responses[call], nil
}

type fakeAudit struct {
	inserted []*store.AnalysisRecord
	err      error
}

func (f *fakeAudit) InsertAnalysisRecord(rec *store.AnalysisRecord) error {
	if f.err != nil {
		return f.err
	}
	f.inserted = append(f.inserted, rec)
	return nil
}

func newTestAnalysisService(retriever PassageRetriever, picker ExemplarPicker, gen AnalysisGenerator, audit AuditWriter) *AnalysisService {
	normalizer := NewNormalizer(map[string]string{"KR": "South Korea"})
	return NewAnalysisService(normalizer, retriever, picker, gen, audit, 2, 1, zap.NewNop())
}

func utahPassages() []store.RetrievedPassage {
	return []store.RetrievedPassage{
		{SourceID: "utah_sb152", Excerpt: "Utah minors curfew", Score: 0.9},
		{SourceID: "gdpr_art8", Excerpt: "Child data consent", Score: 0.5},
	}
}

func TestAnalyzeHappyPath(t *testing.T) {
	gen := &scriptedGenerator{responses: []string{
		`{"flag": "yes", "reasoning": "Utah S.B. 152 applies.", "related_regulations": ["Utah S.B. 152"], "cited_sources": ["utah_sb152"]}`,
	}}
	audit := &fakeAudit{}
	svc := newTestAnalysisService(&fakeRetriever{passages: utahPassages()}, &fakePicker{}, gen, audit)

	rec, err := svc.Analyze(context.Background(), "Curfew login blocker for minors in KR")
	require.NoError(t, err)

	assert.Equal(t, store.VerdictYes, rec.Verdict, "flag is coerced case-insensitively")
	assert.Equal(t, "Utah S.B. 152 applies.", rec.Reasoning)
	assert.Equal(t, []string{"Utah S.B. 152"}, rec.RelatedRegulations)
	assert.Equal(t, []string{"utah_sb152"}, rec.CitedSources)
	assert.False(t, rec.SchemaFallback)
	assert.Equal(t, store.StatusPendingReview, rec.Status)
	assert.Equal(t, "Curfew login blocker for minors in KR", rec.RawText)
	assert.Equal(t, "Curfew login blocker for minors in KR (South Korea)", rec.NormalizedText)
	assert.NotEmpty(t, rec.ID)
	require.Len(t, audit.inserted, 1)
	assert.Same(t, rec, audit.inserted[0])
	require.Len(t, gen.prompts, 1)
	assert.Contains(t, gen.prompts[0], "[utah_sb152]")
}

func TestAnalyzeAcceptsFencedJSON(t *testing.T) {
	gen := &scriptedGenerator{responses: []string{
		"```json\n{\"flag\": \"No\", \"reasoning\": \"Generic feature.\", \"related_regulations\": [], \"cited_sources\": []}\n```",
	}}
	svc := newTestAnalysisService(&fakeRetriever{}, &fakePicker{}, gen, &fakeAudit{})

	rec, err := svc.Analyze(context.Background(), "Dark mode toggle")
	require.NoError(t, err)
	assert.Equal(t, store.VerdictNo, rec.Verdict)
	assert.False(t, rec.SchemaFallback)
}

func TestAnalyzeCorrectiveRetryRecovers(t *testing.T) {
	gen := &scriptedGenerator{responses: []string{
		`not json at all`,
		`{"flag": "Uncertain", "reasoning": "Needs human review.", "related_regulations": [], "cited_sources": []}`,
	}}
	audit := &fakeAudit{}
	svc := newTestAnalysisService(&fakeRetriever{passages: utahPassages()}, &fakePicker{}, gen, audit)

	rec, err := svc.Analyze(context.Background(), "Ambiguous geofence handler")
	require.NoError(t, err)

	assert.Equal(t, store.VerdictUncertain, rec.Verdict)
	assert.False(t, rec.SchemaFallback, "a recovered retry is a normal verdict")
	require.Len(t, gen.prompts, 2)
	assert.Contains(t, gen.prompts[1], "## Correction")
	assert.Contains(t, gen.prompts[1], "not json at all")
	assert.Len(t, audit.inserted, 1)
}

func TestAnalyzeSchemaFallbackAfterRetriesExhausted(t *testing.T) {
	gen := &scriptedGenerator{responses: []string{
		`still not json`,
		`{"flag": "definitely"}`,
	}}
	audit := &fakeAudit{}
	svc := newTestAnalysisService(&fakeRetriever{passages: utahPassages()}, &fakePicker{}, gen, audit)

	rec, err := svc.Analyze(context.Background(), "Ambiguous geofence handler")
	require.NoError(t, err)

	assert.True(t, rec.SchemaFallback)
	assert.Equal(t, store.VerdictUncertain, rec.Verdict)
	assert.Contains(t, rec.Reasoning, "Analysis inconclusive due to response format error")
	assert.Equal(t, store.StatusPendingReview, rec.Status)
	require.Len(t, audit.inserted, 1, "the fallback verdict is still persisted for review")
}

func TestAnalyzeRejectsCitationsOutsideRetrievedSet(t *testing.T) {
	gen := &scriptedGenerator{responses: []string{
		`{"flag": "Yes", "reasoning": "r", "related_regulations": [], "cited_sources": ["made_up_source"]}`,
		`{"flag": "Yes", "reasoning": "r", "related_regulations": [], "cited_sources": ["utah_sb152"]}`,
	}}
	svc := newTestAnalysisService(&fakeRetriever{passages: utahPassages()}, &fakePicker{}, gen, &fakeAudit{})

	rec, err := svc.Analyze(context.Background(), "Curfew blocker")
	require.NoError(t, err)

	require.Len(t, gen.prompts, 2, "an out-of-set citation triggers the correction prompt")
	assert.Contains(t, gen.prompts[1], "made_up_source")
	assert.Equal(t, []string{"utah_sb152"}, rec.CitedSources)
	assert.False(t, rec.SchemaFallback)
}

func TestAnalyzeProviderFailureIsSurfacedNotSwallowed(t *testing.T) {
	gen := &scriptedGenerator{errs: []error{fmt.Errorf("%w: after 3 attempts: 503", ErrProviderFailed)}}
	audit := &fakeAudit{}
	svc := newTestAnalysisService(&fakeRetriever{passages: utahPassages()}, &fakePicker{}, gen, audit)

	_, err := svc.Analyze(context.Background(), "Curfew blocker")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProviderFailed)
	assert.Empty(t, audit.inserted, "nothing is persisted on provider failure")
}

func TestAnalyzeProviderFailureDuringCorrectionIsSurfaced(t *testing.T) {
	gen := &scriptedGenerator{
		responses: []string{`not json`},
		errs:      []error{nil, fmt.Errorf("%w: after 3 attempts: 503", ErrProviderFailed)},
	}
	audit := &fakeAudit{}
	svc := newTestAnalysisService(&fakeRetriever{passages: utahPassages()}, &fakePicker{}, gen, audit)

	_, err := svc.Analyze(context.Background(), "Curfew blocker")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProviderFailed)
	assert.Empty(t, audit.inserted)
}

func TestAnalyzeRetrievalFailureIsSurfaced(t *testing.T) {
	retriever := &fakeRetriever{err: fmt.Errorf("%w: embedding query", ErrRetrievalFailed)}
	audit := &fakeAudit{}
	svc := newTestAnalysisService(retriever, &fakePicker{}, &scriptedGenerator{}, audit)

	_, err := svc.Analyze(context.Background(), "Curfew blocker")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRetrievalFailed)
	assert.Empty(t, audit.inserted)
}

func TestAnalyzeEmptyExemplarStoreRunsZeroShot(t *testing.T) {
	gen := &scriptedGenerator{responses: []string{
		`{"flag": "No", "reasoning": "Generic.", "related_regulations": [], "cited_sources": []}`,
	}}
	svc := newTestAnalysisService(&fakeRetriever{passages: utahPassages()}, &fakePicker{}, gen, &fakeAudit{})

	rec, err := svc.Analyze(context.Background(), "Dark mode toggle")
	require.NoError(t, err)
	assert.Empty(t, rec.ExemplarsUsed)
	assert.NotContains(t, gen.prompts[0], "## Reviewed Examples")
}

func TestAnalyzeExemplarSelectionFailureDegradesToZeroShot(t *testing.T) {
	gen := &scriptedGenerator{responses: []string{
		`{"flag": "No", "reasoning": "Generic.", "related_regulations": [], "cited_sources": []}`,
	}}
	picker := &fakePicker{err: errors.New("db gone")}
	svc := newTestAnalysisService(&fakeRetriever{passages: utahPassages()}, picker, gen, &fakeAudit{})

	rec, err := svc.Analyze(context.Background(), "Dark mode toggle")
	require.NoError(t, err)
	assert.Empty(t, rec.ExemplarsUsed)
}

func TestAnalyzeRecordsExemplarIDsUsed(t *testing.T) {
	gen := &scriptedGenerator{responses: []string{
		`{"flag": "Yes", "reasoning": "r", "related_regulations": [], "cited_sources": []}`,
	}}
	picker := &fakePicker{exemplars: []store.Exemplar{
		{ID: 3, QueryText: "age gate", Verdict: store.VerdictYes},
		{ID: 8, QueryText: "curfew", Verdict: store.VerdictYes},
	}}
	svc := newTestAnalysisService(&fakeRetriever{passages: utahPassages()}, picker, gen, &fakeAudit{})

	rec, err := svc.Analyze(context.Background(), "Curfew blocker")
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 8}, rec.ExemplarsUsed)
	assert.Contains(t, gen.prompts[0], "## Reviewed Examples")
}

func TestParseAnalysisResponseDedupesRegulations(t *testing.T) {
	raw := `{"flag": "Yes", "reasoning": "r", "related_regulations": ["GDPR", " GDPR ", "", "DSA"], "cited_sources": []}`
	result, err := parseAnalysisResponse(raw, map[string]bool{})
	require.NoError(t, err)
	assert.Equal(t, []string{"GDPR", "DSA"}, result.Regulations)
}

func TestStripCodeFence(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", `{"a":1}`, `{"a":1}`},
		{"json fence", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"bare fence", "```\n{\"a\":1}\n```", `{"a":1}`},
		{"padded", "  {\"a\":1}  ", `{"a":1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, stripCodeFence(tt.in))
		})
	}
}
