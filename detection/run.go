// Copyright 2025 OpenGuard
// SPDX-License-Identifier: Apache-2.0

package detection

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"openguard/platform/anonymizer"
	"openguard/platform/auth"
	"openguard/platform/common/limits"
	"openguard/platform/logpipe"
	"openguard/platform/shared/config"
	"openguard/platform/shared/logger"
	"openguard/platform/store"
)

// Run starts the detection service: the scanner engine behind /v1/guardrails,
// the scan and gateway APIs, and the async log pipeline.
func Run() {
	log := logger.New("detection")
	cfg, err := config.Load()
	if err != nil {
		log.Error("", "", "invalid configuration", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.DatabaseURL, cfg.DetectionMaxConcurrent)
	if err != nil {
		log.Error("", "", "database connection failed", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
	defer st.Close()

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Error("", "", "invalid REDIS_URL", map[string]interface{}{"error": err.Error()})
			os.Exit(1)
		}
		redisClient = redis.NewClient(opts)
		defer redisClient.Close()
	}

	var writer *logpipe.Writer
	if cfg.StoreDetectionResults {
		writer, err = logpipe.NewWriter(cfg.DetectionLogDir(), 10000, time.Second, log)
		if err != nil {
			log.Error("", "", "detection log writer failed", map[string]interface{}{"error": err.Error()})
			os.Exit(1)
		}
		defer writer.Close()
	}

	var genai *GuardrailsClient
	if cfg.GuardrailsModelAPIURL != "" {
		genai = NewGuardrailsClient(cfg.GuardrailsModelAPIURL, cfg.GuardrailsModelAPIKey, cfg.GuardrailsModelName)
	} else {
		log.Warn("", "", "no safety model configured, GenAI scanners disabled", nil)
	}
	var embeddings *EmbeddingClient
	if cfg.EmbeddingAPIBaseURL != "" {
		embeddings = NewEmbeddingClient(cfg.EmbeddingAPIBaseURL, cfg.EmbeddingAPIKey,
			cfg.EmbeddingModelName, cfg.EmbeddingModelDimension)
	}

	anon := anonymizer.New(anonymizer.DefaultMethods())
	engine := NewEngine(genai, anon, log, cfg.MaxDetectionContextLength)
	cache := NewConfigCache(st)
	kb := NewKnowledgeSearcher(st, embeddings, log, cfg.EmbeddingMaxResults)
	resolver := NewResolver(engine, cache, st, kb, genai, anon, log, cfg.DefaultLanguage)
	svc := NewService(st, resolver, engine, cache, writer, log)

	authn := auth.New(st, cfg.JWTSecretKey, time.Duration(cfg.JWTAccessTokenExpireMin)*time.Minute)
	rateLimiter := limits.NewRateLimiter(redisClient, log)
	gate := limits.NewConcurrencyGate(int64(cfg.DetectionMaxConcurrent))
	quota := limits.NewQuotaEnforcer(st, cfg.Deployment(), log)

	r := mux.NewRouter()
	r.HandleFunc("/health", healthHandler(st)).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	api := r.PathPrefix("/v1").Subrouter()
	api.Use(authn.Middleware(log))
	api.Use(limits.RateLimitMiddleware(rateLimiter, st, log))
	api.Use(gate.Middleware)
	api.HandleFunc("/guardrails", quotaWrap(quota, svc.HandleGuardrails)).Methods("POST")
	api.HandleFunc("/scan/email", svc.HandleScanEmail).Methods("POST")
	api.HandleFunc("/scan/webpage", svc.HandleScanWebpage).Methods("POST")
	api.HandleFunc("/gateway/process-input", svc.HandleGatewayInput).Methods("POST")
	api.HandleFunc("/gateway/process-output", svc.HandleGatewayOutput).Methods("POST")

	dify := r.PathPrefix("/dify").Subrouter()
	dify.Use(authn.Middleware(log))
	dify.Use(gate.Middleware)
	dify.HandleFunc("/moderation", svc.HandleDifyModeration).Methods("POST")

	c := cors.New(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	srv := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.DetectionPort),
		Handler:      c.Handler(r),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 120 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Info("", "", "detection service listening",
		map[string]interface{}{"port": cfg.DetectionPort})
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error("", "", "server exited", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
}

// quotaWrap applies the quota middleware to a single route.
func quotaWrap(q *limits.QuotaEnforcer, h http.HandlerFunc) http.HandlerFunc {
	wrapped := q.Middleware(h)
	return func(w http.ResponseWriter, r *http.Request) {
		wrapped.ServeHTTP(w, r)
	}
}

func healthHandler(st *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		status := "healthy"
		code := http.StatusOK
		if err := st.DB.PingContext(ctx); err != nil {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, map[string]string{"status": status, "service": "detection"})
	}
}
