package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/versionvault/internal/metrics"
	"github.com/sells-group/versionvault/internal/model"
	"github.com/sells-group/versionvault/internal/pattern"
	"github.com/sells-group/versionvault/internal/pipeline"
	"github.com/sells-group/versionvault/internal/store"
)

var servePort int

// server holds what the HTTP handlers need.
type server struct {
	run      runFunc
	store    store.Store
	patterns *pattern.Learner
	metrics  *metrics.Metrics
}

// extractRequest is the body of POST /extract.
type extractRequest struct {
	ProductID    string           `json:"product_id"`
	Name         string           `json:"name"`
	Manufacturer string           `json:"manufacturer"`
	VersionURL   string           `json:"version_url"`
	MainURL      string           `json:"main_url"`
	SourceKind   model.SourceKind `json:"source_kind"`
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	}
	r.Post("/extract", s.handleExtract)
	r.Get("/patterns/{domain}", s.handlePattern)
	r.Get("/products/{id}/history", s.handleHistory)
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) handleExtract(w http.ResponseWriter, r *http.Request) {
	var req extractRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var product model.Product
	if req.ProductID != "" {
		p, err := s.store.GetProduct(r.Context(), req.ProductID)
		if eris.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "product not found")
			return
		}
		if err != nil {
			zap.L().Error("serve: load product", zap.String("product_id", req.ProductID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "load product failed")
			return
		}
		product = *p
	} else {
		if req.Name == "" || req.VersionURL == "" {
			writeError(w, http.StatusBadRequest, "name and version_url are required")
			return
		}
		kind, err := parseKind(string(req.SourceKind))
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		product = model.Product{
			Name:         req.Name,
			Manufacturer: req.Manufacturer,
			VersionURL:   req.VersionURL,
			MainURL:      req.MainURL,
			SourceKind:   kind,
		}
	}

	if err := pipeline.CheckProduct(product); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := s.run(r.Context(), product)
	if err != nil {
		zap.L().Error("serve: extraction failed", zap.String("url", product.VersionURL), zap.Error(err))
		if result == nil {
			writeError(w, http.StatusInternalServerError, "extraction failed")
			return
		}
		writeJSON(w, http.StatusInternalServerError, result)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *server) handlePattern(w http.ResponseWriter, r *http.Request) {
	domain := chi.URLParam(r, "domain")
	p, err := s.patterns.Lookup(r.Context(), domain)
	if err != nil {
		zap.L().Error("serve: lookup pattern", zap.String("domain", domain), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if p == nil {
		writeError(w, http.StatusNotFound, "no pattern for domain")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	entries, err := s.store.ListHistory(r.Context(), id, limit)
	if err != nil {
		zap.L().Error("serve: list history", zap.String("product_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "list history failed")
		return
	}
	if entries == nil {
		entries = []model.HistoryEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the extraction API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if servePort != 0 {
			cfg.Server.Port = servePort
		}

		env, err := initPipeline(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		s := &server{
			run:      env.Pipeline.Run,
			store:    env.Store,
			patterns: env.Pipeline.Patterns(),
			metrics:  env.Metrics,
		}
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:           s.routes(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
