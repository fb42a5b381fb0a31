package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/filequeue/internal/logctx"
	"github.com/italolelis/filequeue/internal/queue"
	"github.com/italolelis/filequeue/internal/storage"
)

const (
	defaultDownloadsLimit = 50
	maxDownloadsLimit     = 500

	sseKeepAlive = 15 * time.Second
)

// Queue is the controller surface exposed over HTTP.
type Queue interface {
	Status() queue.State
	Subscribe() (<-chan queue.State, func())
	Start(ctx context.Context) error
	Reset(ctx context.Context) error
	SetBaseURL(ctx context.Context, raw string) bool
}

// ErrorLog holds recent error log lines.
type ErrorLog interface {
	Entries() []string
}

// BaseURLRequest is the body of PUT /config/base-url.
type BaseURLRequest struct {
	BaseURL string `json:"base_url"`
}

// BaseURLResponse tells whether the endpoint changed.
type BaseURLResponse struct {
	BaseURL string `json:"base_url"`
	Changed bool   `json:"changed"`
}

// QueueHandler serves the operator API of the download queue.
type QueueHandler struct {
	queue    Queue
	records  storage.DownloadRepository
	errors   ErrorLog
	username string
	password string
}

// NewQueueHandler creates the handler. Control routes require basic auth when username is set.
func NewQueueHandler(q Queue, records storage.DownloadRepository, errorLog ErrorLog, username, password string) *QueueHandler {
	return &QueueHandler{
		queue:    q,
		records:  records,
		errors:   errorLog,
		username: username,
		password: password,
	}
}

func (h *QueueHandler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/status", h.HandleStatus)
	r.Get("/status/stream", h.HandleStatusStream)
	r.Get("/downloads", h.HandleDownloads)
	r.Get("/logs", h.HandleLogs)

	r.Group(func(r chi.Router) {
		if h.username != "" {
			r.Use(h.basicAuthMiddleware)
		}

		r.Post("/start", h.HandleStart)
		r.Post("/reset", h.HandleReset)
		r.Put("/config/base-url", h.HandleSetBaseURL)
	})

	return r
}

// HandleStatus returns the current queue state.
func (h *QueueHandler) HandleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, queue.Snapshot(h.queue.Status()))
}

// HandleStatusStream streams state changes as server-sent events.
func (h *QueueHandler) HandleStatusStream(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())
	rc := http.NewResponseController(w)

	// The stream outlives the server write timeout.
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		logger.Debug("write deadline not supported", "err", err)
	}

	states, unsubscribe := h.queue.Subscribe()
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if err := rc.Flush(); err != nil {
		logger.Error("streaming not supported", "err", err)

		return
	}

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
		case s, ok := <-states:
			if !ok {
				return
			}

			payload, err := json.Marshal(queue.Snapshot(s))
			if err != nil {
				logger.Error("failed to marshal state", "err", err)

				continue
			}

			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", s.Name(), payload); err != nil {
				return
			}
		}

		if err := rc.Flush(); err != nil {
			return
		}
	}
}

// HandleStart starts draining the queue.
func (h *QueueHandler) HandleStart(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	if err := h.queue.Start(r.Context()); err != nil {
		logger.Error("failed to start queue", "err", err)
		http.Error(w, "failed to start queue", http.StatusInternalServerError)

		return
	}

	writeJSON(w, http.StatusAccepted, queue.Snapshot(h.queue.Status()))
}

// HandleReset cancels in-flight work and returns the queue to idle.
func (h *QueueHandler) HandleReset(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	if err := h.queue.Reset(r.Context()); err != nil {
		logger.Error("failed to reset queue", "err", err)
		http.Error(w, "failed to reset queue", http.StatusInternalServerError)

		return
	}

	writeJSON(w, http.StatusOK, queue.Snapshot(h.queue.Status()))
}

// HandleSetBaseURL updates the backend endpoint.
func (h *QueueHandler) HandleSetBaseURL(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	var req BaseURLRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Warn("failed to decode request", "err", err)
		http.Error(w, "invalid request body", http.StatusBadRequest)

		return
	}

	raw := strings.TrimSpace(req.BaseURL)
	if err := validateBaseURL(raw); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)

		return
	}

	changed := h.queue.SetBaseURL(r.Context(), raw)

	writeJSON(w, http.StatusOK, BaseURLResponse{BaseURL: strings.TrimRight(raw, "/"), Changed: changed})
}

// HandleDownloads lists completed downloads, most recent first.
func (h *QueueHandler) HandleDownloads(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	limit := defaultDownloadsLimit

	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)

			return
		}

		limit = min(n, maxDownloadsLimit)
	}

	records, err := h.records.ListDownloads(r.Context(), limit)
	if err != nil {
		logger.Error("failed to list downloads", "err", err)
		http.Error(w, "failed to list downloads", http.StatusInternalServerError)

		return
	}

	if records == nil {
		records = []storage.DownloadRecord{}
	}

	writeJSON(w, http.StatusOK, records)
}

// HandleLogs returns the most recent error log lines, oldest first.
func (h *QueueHandler) HandleLogs(w http.ResponseWriter, _ *http.Request) {
	entries := []string{}
	if h.errors != nil {
		entries = append(entries, h.errors.Entries()...)
	}

	writeJSON(w, http.StatusOK, map[string][]string{"entries": entries})
}

func (h *QueueHandler) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="filequeue"`)
			http.Error(w, "invalid authorization format", http.StatusUnauthorized)

			return
		}

		if username != h.username || password != h.password {
			http.Error(w, "invalid username or password", http.StatusUnauthorized)

			return
		}

		next.ServeHTTP(w, r)
	})
}

func validateBaseURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("base_url is required")
	}

	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid base_url: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("base_url must use http or https")
	}

	if u.Host == "" {
		return fmt.Errorf("base_url must include a host")
	}

	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(v)
}
