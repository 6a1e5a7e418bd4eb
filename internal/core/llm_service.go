package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

const (
	defaultAnalysisModelName  = "gemini-2.5-pro"
	defaultEmbeddingModelName = "text-embedding-004"

	// Low temperature keeps the structured verdict stable across runs.
	analysisTemperature = 0.1
)

// ErrProviderFailed marks an LLM call that kept failing past the retry
// ceiling. It is never silently downgraded to an Uncertain verdict.
var ErrProviderFailed = errors.New("llm provider failed")

type LLMService struct {
	client         *genai.Client
	maxAttempts    int
	initialBackoff time.Duration
	timeout        time.Duration
	log            *zap.Logger
}

func NewLLMService(ctx context.Context, apiKey string, maxAttempts int, initialBackoff, timeout time.Duration, log *zap.Logger) (*LLMService, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	return &LLMService{
		client:         client,
		maxAttempts:    maxAttempts,
		initialBackoff: initialBackoff,
		timeout:        timeout,
		log:            log,
	}, nil
}

func (s *LLMService) Close() {
	if s.client != nil {
		if err := s.client.Close(); err != nil {
			s.log.Warn("error closing GenAI client", zap.Error(err))
		}
	}
}

// GetEmbedding makes a single embedding call. The retriever owns the retry
// policy, so no retries happen here.
func (s *LLMService) GetEmbedding(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	em := s.client.EmbeddingModel(defaultEmbeddingModelName)
	res, err := em.EmbedContent(ctx, genai.Text(text))
	if err != nil {
		return nil, fmt.Errorf("gemini embedding request failed: %w", err)
	}

	if res.Embedding == nil || len(res.Embedding.Values) == 0 {
		return nil, fmt.Errorf("no embedding data received from gemini")
	}
	return res.Embedding.Values, nil
}

// GenerateAnalysis sends one analysis prompt in JSON mode and returns the
// raw response text. Transport errors, timeouts and empty responses are
// retried with doubling backoff up to the attempt ceiling, then surfaced as
// ErrProviderFailed. Caller cancellation stops the retries immediately.
func (s *LLMService) GenerateAnalysis(ctx context.Context, prompt string) (string, error) {
	model := s.client.GenerativeModel(defaultAnalysisModelName)
	temp := float32(analysisTemperature)
	model.GenerationConfig = genai.GenerationConfig{
		Temperature:      &temp,
		ResponseMIMEType: "application/json",
	}

	backoff := s.initialBackoff
	var lastErr error
	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		text, err := s.generateOnce(ctx, model, prompt)
		if err == nil {
			return text, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		lastErr = err
		s.log.Warn("analysis generation attempt failed", zap.Int("attempt", attempt+1), zap.Error(err))
	}
	return "", fmt.Errorf("%w: after %d attempts: %v", ErrProviderFailed, s.maxAttempts, lastErr)
}

func (s *LLMService) generateOnce(ctx context.Context, model *genai.GenerativeModel, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	resp, err := model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", fmt.Errorf("gemini GenerateContent failed: %w", err)
	}
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("empty response from gemini")
	}

	var responseText strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			responseText.WriteString(string(txt))
		}
	}
	if responseText.Len() == 0 {
		return "", fmt.Errorf("gemini response contained no text parts")
	}
	return responseText.String(), nil
}
