// Copyright 2025 OpenGuard
// SPDX-License-Identifier: Apache-2.0

package admin

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"openguard/platform/auth"
	"openguard/platform/common/limits"
	"openguard/platform/detection"
	"openguard/platform/logpipe"
	"openguard/platform/proxy"
	"openguard/platform/shared/config"
	"openguard/platform/shared/logger"
	"openguard/platform/store"
)

// Run starts the admin service. Admin owns schema migration, the built-in
// scanner definitions, and the log-to-database importer; detection and proxy
// only read what admin writes.
func Run() {
	log := logger.New("admin")
	cfg, err := config.Load()
	if err != nil {
		log.Error("", "", "invalid configuration", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.DatabaseURL, cfg.AdminMaxConcurrent)
	if err != nil {
		log.Error("", "", "database connection failed", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
	defer st.Close()

	if err := st.InitSchema(ctx); err != nil {
		log.Error("", "", "schema migration failed", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
	if err := LoadBuiltinScanners(ctx, st, cfg.BuiltinScannerDir, log); err != nil {
		log.Error("", "", "builtin scanner load failed", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}

	cipher, err := proxy.LoadOrCreateKeyCipher(cfg.EncryptionKeyPath())
	if err != nil {
		log.Error("", "", "encryption key unavailable", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}

	var importer *logpipe.Importer
	if cfg.StoreDetectionResults {
		importer = logpipe.NewImporter(cfg.DetectionLogDir(), cfg.ImporterStatePath(), st, log, 5*time.Second)
		go importer.Run(ctx)
	}
	go resetUsageLoop(ctx, st, log)

	var genai *detection.GuardrailsClient
	if cfg.GuardrailsModelAPIURL != "" {
		genai = detection.NewGuardrailsClient(cfg.GuardrailsModelAPIURL, cfg.GuardrailsModelAPIKey, cfg.GuardrailsModelName)
	}
	var kb *detection.KnowledgeSearcher
	if cfg.EmbeddingAPIBaseURL != "" {
		embeddings := detection.NewEmbeddingClient(cfg.EmbeddingAPIBaseURL, cfg.EmbeddingAPIKey,
			cfg.EmbeddingModelName, cfg.EmbeddingModelDimension)
		kb = detection.NewKnowledgeSearcher(st, embeddings, log, cfg.EmbeddingMaxResults)
	}

	svc := NewService(st, auth.New(st, cfg.JWTSecretKey, time.Duration(cfg.JWTAccessTokenExpireMin)*time.Minute),
		kb, genai, importer, cipher, cfg.Deployment(), cfg.DataDir, log)
	gate := limits.NewConcurrencyGate(int64(cfg.AdminMaxConcurrent))

	r := mux.NewRouter()
	r.HandleFunc("/health", healthHandler(st)).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	r.HandleFunc("/auth/register", svc.HandleRegister).Methods("POST")
	r.HandleFunc("/auth/login", svc.HandleLogin).Methods("POST")

	// the appeal page is public: the request id is the capability
	r.HandleFunc("/v1/appeal/{request_id}", svc.HandleAppealPage).Methods("GET")
	r.HandleFunc("/v1/appeal/{request_id}", svc.HandleSubmitAppeal).Methods("POST")

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(svc.authn.Middleware(log))
	api.Use(gate.Middleware)

	api.HandleFunc("/auth/me", svc.HandleMe).Methods("GET")

	api.HandleFunc("/applications", svc.HandleListApplications).Methods("GET")
	api.HandleFunc("/applications", svc.HandleCreateApplication).Methods("POST")
	api.HandleFunc("/applications/{id}", svc.HandleGetApplication).Methods("GET")
	api.HandleFunc("/applications/{id}", svc.HandleUpdateApplication).Methods("PUT")
	api.HandleFunc("/applications/{id}", svc.HandleDeleteApplication).Methods("DELETE")

	api.HandleFunc("/applications/{id}/scanners", svc.HandleListScanners).Methods("GET")
	api.HandleFunc("/applications/{id}/scanners", svc.HandleCreateCustomScanner).Methods("POST")
	api.HandleFunc("/applications/{id}/scanners/{scanner_id}/config", svc.HandleUpsertScannerConfig).Methods("PUT")
	api.HandleFunc("/scanners/{scanner_id}", svc.HandleUpdateScanner).Methods("PUT")
	api.HandleFunc("/scanners/{scanner_id}", svc.HandleDeleteScanner).Methods("DELETE")

	api.HandleFunc("/packages", svc.HandleListPackages).Methods("GET")
	api.HandleFunc("/packages", svc.HandleUpsertPackage).Methods("POST")
	api.HandleFunc("/packages/{package_id}/purchase", svc.HandlePurchasePackage).Methods("POST")
	api.HandleFunc("/purchases", svc.HandleListPurchases).Methods("GET")
	api.HandleFunc("/purchases/{purchase_id}/review", svc.HandleReviewPurchase).Methods("POST")

	api.HandleFunc("/applications/{id}/lists", svc.HandleListKeywordLists).Methods("GET")
	api.HandleFunc("/applications/{id}/lists", svc.HandleCreateKeywordList).Methods("POST")
	api.HandleFunc("/applications/{id}/lists/{list_id}", svc.HandleUpdateKeywordList).Methods("PUT")
	api.HandleFunc("/applications/{id}/lists/{list_id}", svc.HandleDeleteKeywordList).Methods("DELETE")

	api.HandleFunc("/applications/{id}/templates", svc.HandleListTemplates).Methods("GET")
	api.HandleFunc("/applications/{id}/templates", svc.HandleUpsertTemplate).Methods("PUT")
	api.HandleFunc("/applications/{id}/templates/{template_id}", svc.HandleDeleteTemplate).Methods("DELETE")

	api.HandleFunc("/applications/{id}/risk-config", svc.HandleGetRiskConfig).Methods("GET")
	api.HandleFunc("/applications/{id}/risk-config", svc.HandleUpdateRiskConfig).Methods("PUT")
	api.HandleFunc("/applications/{id}/policies/data-leakage", svc.HandleGetDataLeakagePolicy).Methods("GET")
	api.HandleFunc("/applications/{id}/policies/data-leakage", svc.HandleUpdateDataLeakagePolicy).Methods("PUT")
	api.HandleFunc("/applications/{id}/policies/gateway", svc.HandleGetGatewayPolicy).Methods("GET")
	api.HandleFunc("/applications/{id}/policies/gateway", svc.HandleUpdateGatewayPolicy).Methods("PUT")

	api.HandleFunc("/upstreams", svc.HandleListUpstreams).Methods("GET")
	api.HandleFunc("/upstreams", svc.HandleCreateUpstream).Methods("POST")
	api.HandleFunc("/upstreams/{upstream_id}", svc.HandleUpdateUpstream).Methods("PUT")
	api.HandleFunc("/upstreams/{upstream_id}", svc.HandleDeleteUpstream).Methods("DELETE")
	api.HandleFunc("/model-routes", svc.HandleListRoutes).Methods("GET")
	api.HandleFunc("/model-routes", svc.HandleCreateRoute).Methods("POST")
	api.HandleFunc("/model-routes/{route_id}", svc.HandleDeleteRoute).Methods("DELETE")

	api.HandleFunc("/applications/{id}/knowledge-bases", svc.HandleListKnowledgeBases).Methods("GET")
	api.HandleFunc("/applications/{id}/knowledge-bases", svc.HandleCreateKnowledgeBase).Methods("POST")
	api.HandleFunc("/knowledge-bases/{kb_id}", svc.HandleDeleteKnowledgeBase).Methods("DELETE")

	api.HandleFunc("/results", svc.HandleListResults).Methods("GET")
	api.HandleFunc("/applications/{id}/results/stats", svc.HandleResultStats).Methods("GET")

	api.HandleFunc("/subscription", svc.HandleGetSubscription).Methods("GET")
	api.HandleFunc("/model-usage", svc.HandleModelUsage).Methods("GET")
	api.HandleFunc("/model-access", svc.HandleEnableModelAccess).Methods("POST")
	api.HandleFunc("/tenants/{tenant_id}/rate-limit", svc.HandleSetRateLimit).Methods("PUT")
	api.HandleFunc("/tenants/{tenant_id}/switch", svc.HandleSwitchTenant).Methods("POST")

	api.HandleFunc("/logs/force-sync", svc.HandleForceSync).Methods("POST")
	api.HandleFunc("/appeals", svc.HandleListAppeals).Methods("GET")
	api.HandleFunc("/appeals/{appeal_id}/review", svc.HandleReviewAppeal).Methods("POST")

	c := cors.New(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	srv := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.AdminPort),
		Handler:      c.Handler(r),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Info("", "", "admin service listening", map[string]interface{}{"port": cfg.AdminPort})
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error("", "", "server exited", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
}

// resetUsageLoop rolls monthly quota windows forward once an hour.
func resetUsageLoop(ctx context.Context, st *store.Store, log *logger.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := st.Tenants.ResetExpiredUsage(ctx)
			if err != nil {
				log.Error("", "", "usage reset failed", map[string]interface{}{"error": err.Error()})
				continue
			}
			if n > 0 {
				log.Info("", "", "usage windows reset", map[string]interface{}{"tenants": n})
			}
		}
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
		writeJSON(w, code, map[string]string{"status": status, "service": "admin"})
	}
}
