package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"regtok.com/compliance-service/internal/auth"
	"regtok.com/compliance-service/internal/core"
	"regtok.com/compliance-service/internal/store"
)

type APIHandler struct {
	analysis  *core.AnalysisService
	feedback  *core.FeedbackService
	dbStore   *store.SQLiteStore
	jwtSecret string
	validate  *validator.Validate
	log       *zap.Logger
}

func NewAPIHandler(analysis *core.AnalysisService, feedback *core.FeedbackService, dbStore *store.SQLiteStore, jwtSecret string, log *zap.Logger) *APIHandler {
	return &APIHandler{
		analysis:  analysis,
		feedback:  feedback,
		dbStore:   dbStore,
		jwtSecret: jwtSecret,
		validate:  validator.New(),
		log:       log,
	}
}

func (h *APIHandler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Authorization header is required", http.StatusUnauthorized)
			return
		}

		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		reviewer, err := auth.ValidateJWT(tokenString, h.jwtSecret)
		if err != nil {
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), "reviewer", reviewer)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type SignupRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required,min=8"`
}

func (h *APIHandler) SignupHandler(w http.ResponseWriter, r *http.Request) {
	var req SignupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		http.Error(w, "Username and a password of at least 8 characters are required", http.StatusBadRequest)
		return
	}

	if existing, err := h.dbStore.GetReviewerByUsername(req.Username); err != nil {
		h.log.Error("failed to check reviewer existence", zap.String("username", req.Username), zap.Error(err))
		http.Error(w, "Failed to create reviewer", http.StatusInternalServerError)
		return
	} else if existing != nil {
		http.Error(w, "Username already taken", http.StatusConflict)
		return
	}

	hashedPassword, err := auth.HashPassword(req.Password)
	if err != nil {
		h.log.Error("failed to hash password", zap.String("username", req.Username), zap.Error(err))
		http.Error(w, "Failed to process password", http.StatusInternalServerError)
		return
	}

	reviewer, err := h.dbStore.CreateReviewer(req.Username, hashedPassword)
	if err != nil {
		h.log.Error("failed to create reviewer", zap.String("username", req.Username), zap.Error(err))
		http.Error(w, "Failed to create reviewer", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(reviewer)
}

type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

func (h *APIHandler) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		http.Error(w, "Username and password are required", http.StatusBadRequest)
		return
	}

	reviewer, err := h.dbStore.GetReviewerByUsername(req.Username)
	if err != nil {
		h.log.Error("failed to get reviewer", zap.String("username", req.Username), zap.Error(err))
		http.Error(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}
	if reviewer == nil || !auth.CheckPasswordHash(req.Password, reviewer.PasswordHash) {
		http.Error(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}

	token, err := auth.GenerateJWT(req.Username, h.jwtSecret)
	if err != nil {
		h.log.Error("failed to generate JWT", zap.String("username", req.Username), zap.Error(err))
		http.Error(w, "Failed to generate token", http.StatusInternalServerError)
		return
	}

	json.NewEncoder(w).Encode(map[string]string{"token": token})
}

type AnalyzeRequest struct {
	FeatureText string `json:"feature_text" validate:"required"`
}

// AnalyzeResponse is the stable verdict payload every caller receives.
type AnalyzeResponse struct {
	RecordID           string   `json:"record_id"`
	Flag               string   `json:"flag"`
	Reasoning          string   `json:"reasoning"`
	RelatedRegulations []string `json:"related_regulations"`
	CitedSources       []string `json:"cited_sources"`
	SchemaFallback     bool     `json:"schema_fallback"`
	Status             string   `json:"status"`
}

func (h *APIHandler) AnalyzeHandler(w http.ResponseWriter, r *http.Request) {
	var req AnalyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		http.Error(w, "Feature description cannot be empty", http.StatusBadRequest)
		return
	}

	rec, err := h.analysis.Analyze(r.Context(), req.FeatureText)
	if err != nil {
		switch {
		case errors.Is(err, core.ErrRetrievalFailed):
			h.log.Error("analysis failed on retrieval", zap.Error(err))
			http.Error(w, "Could not query the regulation corpus", http.StatusBadGateway)
		case errors.Is(err, core.ErrProviderFailed):
			h.log.Error("analysis failed on llm provider", zap.Error(err))
			http.Error(w, "LLM provider unavailable", http.StatusBadGateway)
		default:
			h.log.Error("analysis failed", zap.Error(err))
			http.Error(w, "Failed to analyze feature", http.StatusInternalServerError)
		}
		return
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(verdictPayload(rec))
}

func (h *APIHandler) ListRecordsHandler(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)
	offset := queryInt(r, "offset", 0)

	records, err := h.dbStore.ListAnalysisRecords(limit, offset)
	if err != nil {
		h.log.Error("failed to list analysis records", zap.Error(err))
		http.Error(w, "Failed to list records", http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []store.AnalysisRecord{}
	}
	json.NewEncoder(w).Encode(records)
}

func (h *APIHandler) ApproveHandler(w http.ResponseWriter, r *http.Request) {
	reviewer := r.Context().Value("reviewer").(string)
	recordID := chi.URLParam(r, "recordID")

	rec, err := h.feedback.Approve(r.Context(), recordID, reviewer)
	if err != nil {
		h.writeReviewError(w, recordID, err)
		return
	}
	json.NewEncoder(w).Encode(verdictPayload(rec))
}

type EditRequest struct {
	Flag               string   `json:"flag" validate:"required"`
	Reasoning          string   `json:"reasoning" validate:"required"`
	RelatedRegulations []string `json:"related_regulations"`
}

func (h *APIHandler) EditHandler(w http.ResponseWriter, r *http.Request) {
	reviewer := r.Context().Value("reviewer").(string)
	recordID := chi.URLParam(r, "recordID")

	var req EditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		http.Error(w, "Corrected flag and reasoning are required", http.StatusBadRequest)
		return
	}

	corr := store.Correction{
		Verdict:     store.Verdict(req.Flag),
		Reasoning:   req.Reasoning,
		Regulations: req.RelatedRegulations,
	}
	rec, err := h.feedback.Edit(r.Context(), recordID, reviewer, corr)
	if err != nil {
		if _, verdictErr := store.ParseVerdict(req.Flag); verdictErr != nil {
			http.Error(w, "Flag must be one of Yes, No, Uncertain", http.StatusBadRequest)
			return
		}
		h.writeReviewError(w, recordID, err)
		return
	}
	json.NewEncoder(w).Encode(verdictPayload(rec))
}

func (h *APIHandler) writeReviewError(w http.ResponseWriter, recordID string, err error) {
	switch {
	case errors.Is(err, store.ErrRecordNotFound):
		http.Error(w, "Record not found", http.StatusNotFound)
	case errors.Is(err, store.ErrReviewConflict):
		http.Error(w, "Record has already been reviewed", http.StatusConflict)
	default:
		h.log.Error("review failed", zap.String("record_id", recordID), zap.Error(err))
		http.Error(w, "Failed to apply review", http.StatusInternalServerError)
	}
}

func verdictPayload(rec *store.AnalysisRecord) AnalyzeResponse {
	resp := AnalyzeResponse{
		RecordID:           rec.ID,
		Flag:               string(rec.Verdict),
		Reasoning:          rec.Reasoning,
		RelatedRegulations: rec.RelatedRegulations,
		CitedSources:       rec.CitedSources,
		SchemaFallback:     rec.SchemaFallback,
		Status:             string(rec.Status),
	}
	if resp.RelatedRegulations == nil {
		resp.RelatedRegulations = []string{}
	}
	if resp.CitedSources == nil {
		resp.CitedSources = []string{}
	}
	return resp
}

func queryInt(r *http.Request, key string, defaultValue int) int {
	if raw := r.URL.Query().Get(key); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v >= 0 {
			return v
		}
	}
	return defaultValue
}
