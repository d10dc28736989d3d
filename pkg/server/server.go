package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/modelrelay/modelrelay/pkg/config"
	"github.com/modelrelay/modelrelay/pkg/llms"
	"github.com/modelrelay/modelrelay/pkg/registry"
)

// Server exposes the gateway over HTTP: one execution endpoint plus health
// and metrics.
type Server struct {
	cfg     *config.Config
	gateway *llms.Gateway
	reg     *registry.Registry
	metrics *prometheus.Registry
	http    *http.Server
}

func New(cfg *config.Config, gateway *llms.Gateway, reg *registry.Registry, metrics *prometheus.Registry) *Server {
	s := &Server{cfg: cfg, gateway: gateway, reg: reg, metrics: metrics}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(cfg.Server.WriteTimeout))

	r.Post("/v1/responses", s.handleResponses)
	r.Get("/v1/providers", s.handleProviders)
	r.Get("/healthz", s.handleHealth)
	if metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(metrics, promhttp.HandlerOpts{}))
	}

	s.http = &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	return s
}

// ListenAndServe blocks until the server stops.
func (s *Server) ListenAndServe() error {
	slog.Info("gateway listening", "addr", s.cfg.Server.Addr)
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// responsesRequest is the wire shape of the execution endpoint: a canonical
// request plus an optional explicit provider id.
type responsesRequest struct {
	llms.Request
	Provider string `json:"provider,omitempty"`
}

func (s *Server) handleResponses(w http.ResponseWriter, r *http.Request) {
	var req responsesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Model == "" {
		req.Model = s.cfg.LLM.DefaultModel
	}
	if req.MaxTokens == 0 {
		req.MaxTokens = s.cfg.LLM.MaxTokens
	}

	resp, streaming, err := s.gateway.ExecuteProviderRequest(r.Context(), req.Provider, &req.Request)
	if err != nil {
		status := http.StatusBadGateway
		var pe *llms.ProviderError
		if errors.As(err, &pe) {
			switch {
			case pe.Status == http.StatusUnauthorized || pe.Status == http.StatusForbidden:
				status = pe.Status
			case pe.Status == http.StatusTooManyRequests:
				status = pe.Status
			case pe.Status == 0 && pe.Message == "no API key available":
				status = http.StatusUnauthorized
			}
		}
		slog.Error("execution failed", "model", req.Model, "error", err)
		writeError(w, status, err.Error())
		return
	}

	if streaming != nil {
		s.writeStream(w, streaming)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Debug("response write failed", "error", err)
	}
}

// writeStream copies assistant text (and any embedded tool-call frames) to
// the client as it arrives.
func (s *Server) writeStream(w http.ResponseWriter, streaming *llms.StreamingExecution) {
	defer streaming.Stream.Close()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 4096)
	for {
		n, err := streaming.Stream.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err == io.EOF {
			return
		}
		if err != nil {
			slog.Debug("stream ended with error", "error", err)
			return
		}
	}
}

func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	type providerView struct {
		ID           string   `json:"id"`
		Name         string   `json:"name"`
		DefaultModel string   `json:"defaultModel,omitempty"`
		Models       []string `json:"models,omitempty"`
	}
	var out []providerView
	for _, id := range s.reg.Providers() {
		if p, ok := s.reg.Provider(id); ok {
			out = append(out, providerView{
				ID:           p.ID,
				Name:         p.Name,
				DefaultModel: p.DefaultModel,
				Models:       p.Models,
			})
		}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
