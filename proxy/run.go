// Copyright 2025 OpenGuard
// SPDX-License-Identifier: Apache-2.0

package proxy

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
	"openguard/platform/detection"
	"openguard/platform/logpipe"
	"openguard/platform/shared/config"
	"openguard/platform/shared/logger"
	"openguard/platform/store"
)

// Run starts the reverse proxy service.
func Run() {
	log := logger.New("proxy")
	cfg, err := config.Load()
	if err != nil {
		log.Error("", "", "invalid configuration", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.DatabaseURL, cfg.ProxyMaxConcurrent)
	if err != nil {
		log.Error("", "", "database connection failed", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
	defer st.Close()

	cipher, err := LoadOrCreateKeyCipher(cfg.EncryptionKeyPath())
	if err != nil {
		log.Error("", "", "encryption key unavailable", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}

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

	var genai *detection.GuardrailsClient
	if cfg.GuardrailsModelAPIURL != "" {
		genai = detection.NewGuardrailsClient(cfg.GuardrailsModelAPIURL, cfg.GuardrailsModelAPIKey, cfg.GuardrailsModelName)
	}
	var embeddings *detection.EmbeddingClient
	if cfg.EmbeddingAPIBaseURL != "" {
		embeddings = detection.NewEmbeddingClient(cfg.EmbeddingAPIBaseURL, cfg.EmbeddingAPIKey,
			cfg.EmbeddingModelName, cfg.EmbeddingModelDimension)
	}

	anon := anonymizer.New(anonymizer.DefaultMethods())
	engine := detection.NewEngine(genai, anon, log, cfg.MaxDetectionContextLength)
	cache := detection.NewConfigCache(st)
	kb := detection.NewKnowledgeSearcher(st, embeddings, log, cfg.EmbeddingMaxResults)
	resolver := detection.NewResolver(engine, cache, st, kb, genai, anon, log, cfg.DefaultLanguage)

	svc := NewService(st, resolver, NewUpstreamResolver(st, cipher), writer, log)

	authn := auth.New(st, cfg.JWTSecretKey, time.Duration(cfg.JWTAccessTokenExpireMin)*time.Minute)
	rateLimiter := limits.NewRateLimiter(redisClient, log)
	gate := limits.NewConcurrencyGate(int64(cfg.ProxyMaxConcurrent))
	quota := limits.NewQuotaEnforcer(st, cfg.Deployment(), log)

	r := mux.NewRouter()
	r.HandleFunc("/health", healthHandler(st)).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	api := r.PathPrefix("/v1").Subrouter()
	api.Use(authn.Middleware(log))
	api.Use(limits.RateLimitMiddleware(rateLimiter, st, log))
	api.Use(gate.Middleware)
	api.HandleFunc("/chat/completions", quotaWrap(quota, svc.HandleChatCompletions)).Methods("POST")
	api.HandleFunc("/completions", svc.HandleCompletions).Methods("POST")
	api.HandleFunc("/models", svc.HandleModels).Methods("GET")
	api.HandleFunc("/model/chat/completions", svc.HandleModelChat).Methods("POST")

	c := cors.New(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	srv := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.ProxyPort),
		Handler:      c.Handler(r),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 180 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Info("", "", "proxy service listening", map[string]interface{}{"port": cfg.ProxyPort})
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error("", "", "server exited", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
}

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
		writeJSON(w, code, map[string]string{"status": status, "service": "proxy"})
	}
}
