package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/askgram/internal/relay"
)

const maxRequestBodySize = 1 << 20 // 1MB

type HTTPDeps struct {
	Relay         Relay
	Token         string
	WebhookSecret string // optional; when set, webhook deliveries must echo it
	Logger        *slog.Logger
}

// NewHandler returns the REST API and the Telegram webhook endpoint.
func NewHandler(deps HTTPDeps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	deps.Logger = deps.Logger.With("component", "api")

	r := chi.NewRouter()

	r.Get("/health", handleHealth)
	r.Post("/telegram/webhook", handleWebhook(deps))

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))
		r.Use(RequireOwner)

		r.Post("/requests", handleSubmitQuestion(deps))
		r.Get("/requests/{id}", handleGetStatus(deps))
		r.Get("/requests/{id}/await", handleAwait(deps))
		r.Post("/response", handleSubmitAnswer(deps))
		r.Get("/history", handleHistory(deps))
		r.Delete("/cleanup", handleCleanup(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

type submitQuestionRequest struct {
	Message  string `json:"message"`
	Timeout  int    `json:"timeout"`
	Metadata any    `json:"metadata"`
}

func handleSubmitQuestion(deps HTTPDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req submitQuestionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid JSON: %v", err)
			return
		}
		if req.Message == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "message is required")
			return
		}

		metadata, err := encodeMetadata(req.Metadata)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		sub, err := deps.Relay.SubmitQuestion(r.Context(), ownerFrom(r.Context()), relay.QuestionInput{
			Prompt:         req.Message,
			TimeoutSeconds: req.Timeout,
			Metadata:       metadata,
		})
		if err != nil {
			writeRelayError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, sub)
	}
}

func handleGetStatus(deps HTTPDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := deps.Relay.GetStatus(r.Context(), ownerFrom(r.Context()), chi.URLParam(r, "id"))
		if err != nil {
			writeRelayError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

func handleAwait(deps HTTPDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		opts := relay.AwaitOptions{
			Timeout: time.Duration(parseIntParam(r, "timeout", 0, relay.MaxTimeoutSeconds)) * time.Second,
		}
		if v := parseFloatParam(r, "poll_interval"); v > 0 {
			opts.PollInterval = time.Duration(v * float64(time.Second))
		}

		ans, err := deps.Relay.AwaitAnswer(r.Context(), ownerFrom(r.Context()), chi.URLParam(r, "id"), opts)
		if err != nil {
			writeRelayError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, ans)
	}
}

type submitAnswerRequest struct {
	RequestID string `json:"request_id"`
	Response  string `json:"response"`
}

func handleSubmitAnswer(deps HTTPDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req submitAnswerRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid JSON: %v", err)
			return
		}
		if req.RequestID == "" || req.Response == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "request_id and response are required")
			return
		}

		ans, err := deps.Relay.SubmitAnswer(r.Context(), ownerFrom(r.Context()), req.RequestID, req.Response)
		if err != nil {
			writeRelayError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, ans)
	}
}

func handleHistory(deps HTTPDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", relay.DefaultHistoryLimit, maxHistoryLimit)
		completedOnly, _ := strconv.ParseBool(r.URL.Query().Get("completed_only"))

		qs, err := deps.Relay.ListHistory(r.Context(), ownerFrom(r.Context()), limit, completedOnly)
		if err != nil {
			writeRelayError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toHistory(qs))
	}
}

func handleCleanup(deps HTTPDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		days := parseIntParam(r, "older_than_days", 0, 0)
		res, err := deps.Relay.Cleanup(r.Context(), days)
		if err != nil {
			writeRelayError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// encodeMetadata stores strings as-is and anything else as compact JSON.
func encodeMetadata(v any) (string, error) {
	switch m := v.(type) {
	case nil:
		return "", nil
	case string:
		return m, nil
	default:
		b, err := json.Marshal(m)
		if err != nil {
			return "", fmt.Errorf("encoding metadata: %w", err)
		}
		return string(b), nil
	}
}

func writeRelayError(w http.ResponseWriter, err error) {
	code, errType := errorKind(err)
	httpError(w, code, errType, "%v", err)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}

func parseFloatParam(r *http.Request, key string) float64 {
	v, err := strconv.ParseFloat(r.URL.Query().Get(key), 64)
	if err != nil || v < 0 {
		return 0
	}
	return v
}
