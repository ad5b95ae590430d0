// Package api exposes the gateway over HTTP.
package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gabztoo/Perpetuo/internal/domain"
	"github.com/gabztoo/Perpetuo/internal/gateway"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	headerRequestID      = "X-Request-ID"
	headerIdempotencyKey = "X-Idempotency-Key"
	headerRoute          = "X-Perpetuo-Route"
	headerProviderKey    = "X-Provider-Key-"

	maxBodyBytes = 4 << 20
)

// ChatEngine runs one chat request end to end.
type ChatEngine interface {
	Complete(ctx context.Context, in gateway.Input) (*gateway.Result, *gateway.Error)
}

type HandlerConfig struct {
	Engine       ChatEngine
	Checkers     []HealthChecker
	ReadyTimeout time.Duration
	Version      string
	// Admin is mounted under /admin/ when set.
	Admin http.Handler
}

type Handler struct {
	engine ChatEngine
	mux    *http.ServeMux
}

func NewHandler(cfg HandlerConfig) *Handler {
	readyTimeout := cfg.ReadyTimeout
	if readyTimeout == 0 {
		readyTimeout = 2 * time.Second
	}

	h := &Handler{
		engine: cfg.Engine,
		mux:    http.NewServeMux(),
	}

	h.mux.HandleFunc("POST /v1/chat/completions", h.handleChatCompletions)
	h.mux.HandleFunc("POST /r/{routeKey}/v1/chat/completions", h.handleChatCompletions)
	h.mux.HandleFunc("GET /healthz", handleHealthz(cfg.Version))
	h.mux.HandleFunc("GET /health/ready", handleHealthReadyWithCheckers(cfg.Checkers, readyTimeout, cfg.Version))
	h.mux.Handle("GET /metrics", promhttp.Handler())
	if cfg.Admin != nil {
		h.mux.Handle("/admin/", cfg.Admin)
	}

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get(headerRequestID)
	if requestID == "" {
		requestID = uuid.New().String()
	}
	w.Header().Set(headerRequestID, requestID)

	apiKey := extractAPIKey(r)
	if apiKey == "" {
		writeError(w, http.StatusUnauthorized, gateway.TypeAuthentication, "missing API key")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, gateway.TypeInvalidRequest, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, gateway.TypeInvalidRequest, "could not read request body")
		return
	}
	var req domain.ChatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, gateway.TypeInvalidRequest, "invalid request body")
		return
	}

	res, gerr := h.engine.Complete(r.Context(), gateway.Input{
		APIKey:          apiKey,
		RouteKey:        r.PathValue("routeKey"),
		StrategyHeader:  r.Header.Get(headerRoute),
		IdempotencyKey:  r.Header.Get(headerIdempotencyKey),
		ProviderKeys:    providerKeys(r.Header),
		Request:         req,
		ClientRequestID: requestID,
	})
	if gerr != nil {
		writeGatewayError(w, gerr)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if res.Replayed {
		w.Header().Set("X-Idempotent-Replay", "true")
	}
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(res.Body); err != nil {
		slog.Debug("response write failed", "request_id", requestID, "error", err)
	}
}

func handleHealthz(version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok", "version": version})
	}
}

func extractAPIKey(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return ""
}

// providerKeys collects X-Provider-Key-<name> headers keyed by lower-case
// provider name.
func providerKeys(h http.Header) map[string]string {
	keys := make(map[string]string)
	for name, values := range h {
		if len(values) == 0 || len(name) <= len(headerProviderKey) {
			continue
		}
		if !strings.EqualFold(name[:len(headerProviderKey)], headerProviderKey) {
			continue
		}
		if v := strings.TrimSpace(values[0]); v != "" {
			keys[strings.ToLower(name[len(headerProviderKey):])] = v
		}
	}
	return keys
}

func writeError(w http.ResponseWriter, status int, errType, message string) {
	writeGatewayError(w, &gateway.Error{Status: status, Type: errType, Message: message})
}

func writeGatewayError(w http.ResponseWriter, e *gateway.Error) {
	if e.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(e.RetryAfter))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Status)
	json.NewEncoder(w).Encode(map[string]*gateway.Error{"error": e})
}
