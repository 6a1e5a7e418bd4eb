package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"regtok.com/compliance-service/internal/api"
	"regtok.com/compliance-service/internal/config"
	"regtok.com/compliance-service/internal/core"
	"regtok.com/compliance-service/internal/logger"
	"regtok.com/compliance-service/internal/store"
)

func main() {
	// Load configuration
	config.LoadConfig()

	// Setup logging
	log := logger.New(config.AppConfig.LogLevel, config.AppConfig.LogFile)
	defer log.Sync()

	// Initialize database store (audit log, exemplars, regulation corpus)
	dbStore, err := store.NewSQLiteStore(config.AppConfig.DatabaseURL, log)
	if err != nil {
		log.Fatal("Failed to initialize database", zap.Error(err))
	}
	defer dbStore.Close()

	// Initialize LLM service
	llmService, err := core.NewLLMService(
		context.Background(),
		config.AppConfig.GeminiAPIKey,
		config.AppConfig.LLMMaxAttempts,
		time.Duration(config.AppConfig.LLMInitialBackoffMs)*time.Millisecond,
		time.Duration(config.AppConfig.LLMTimeoutSeconds)*time.Second,
		log,
	)
	if err != nil {
		log.Fatal("Failed to initialize LLM service", zap.Error(err))
	}
	defer llmService.Close()

	// Load the jargon table once per process; reloads are external.
	jargonMap, err := core.LoadJargonMap(config.AppConfig.JargonFile)
	if err != nil {
		log.Warn("No jargon mapping loaded, feature text passes through unexpanded", zap.Error(err))
		jargonMap = map[string]string{}
	}
	normalizer := core.NewNormalizer(jargonMap)

	// Initialize retriever over the ingested regulation corpus
	retriever, err := core.NewRetriever(
		dbStore,
		llmService.GetEmbedding,
		config.AppConfig.RetrievalTopK,
		config.AppConfig.LLMMaxAttempts,
		time.Duration(config.AppConfig.LLMInitialBackoffMs)*time.Millisecond,
		log,
	)
	if err != nil {
		log.Fatal("Failed to initialize retriever", zap.Error(err))
	}

	// Initialize the analysis pipeline and the feedback loop
	exemplarSelector := core.NewExemplarSelector(dbStore, log)
	analysisService := core.NewAnalysisService(
		normalizer,
		retriever,
		exemplarSelector,
		llmService,
		dbStore,
		config.AppConfig.ExemplarTopK,
		config.AppConfig.SchemaRetryLimit,
		log,
	)
	feedbackService := core.NewFeedbackService(dbStore, llmService.GetEmbedding, log)

	// Initialize API Handler and Router
	apiHandler := api.NewAPIHandler(analysisService, feedbackService, dbStore, config.AppConfig.JWTSecret, log)
	router := api.NewRouter(apiHandler)

	// Start HTTP server
	serverAddr := fmt.Sprintf(":%s", config.AppConfig.HTTPPort)

	srv := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 120 * time.Second, // Analysis calls can take a while
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown handling
	go func() {
		log.Info("Starting server", zap.String("addr", serverAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Could not listen", zap.String("addr", serverAddr), zap.Error(err))
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down server...")

	// Give active analyses time to finish before forcing the exit.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown", zap.Error(err))
	}

	log.Info("Server exiting gracefully")
}
