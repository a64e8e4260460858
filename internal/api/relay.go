package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/kalambet/askgram/internal/relay"
	"github.com/kalambet/askgram/internal/storage"
)

// Relay is the engine surface both transports call. *relay.Service satisfies it.
type Relay interface {
	SubmitQuestion(ctx context.Context, owner string, in relay.QuestionInput) (relay.Submitted, error)
	AwaitAnswer(ctx context.Context, owner, id string, opts relay.AwaitOptions) (relay.Answer, error)
	SubmitAnswer(ctx context.Context, owner, id, response string) (relay.Answer, error)
	GetStatus(ctx context.Context, owner, id string) (relay.Status, error)
	ListHistory(ctx context.Context, owner string, limit int, completedOnly bool) ([]storage.Question, error)
	Cleanup(ctx context.Context, olderThanDays int) (relay.CleanupResult, error)
	HandleInbound(ctx context.Context, ev relay.InboundEvent) relay.InboundOutcome
}

const maxHistoryLimit = 100

type historyEntry struct {
	ID                  string     `json:"request_id"`
	Message             string     `json:"message"`
	Status              string     `json:"status"`
	CreatedAt           time.Time  `json:"created_at"`
	TimeoutSeconds      int        `json:"timeout_seconds"`
	TelegramMessageID   string     `json:"telegram_message_id,omitempty"`
	Metadata            string     `json:"metadata,omitempty"`
	Response            *string    `json:"response"`
	ResponseAt          *time.Time `json:"response_at"`
	ResponseTimeSeconds *int       `json:"response_time_seconds,omitempty"`
}

type historyPayload struct {
	Requests []historyEntry `json:"requests"`
}

func toHistory(qs []storage.Question) historyPayload {
	entries := make([]historyEntry, len(qs))
	for i, q := range qs {
		e := historyEntry{
			ID:                  q.ID,
			Message:             q.Prompt,
			Status:              q.Status,
			CreatedAt:           q.CreatedAt,
			TimeoutSeconds:      q.TimeoutSeconds,
			TelegramMessageID:   q.ExternalRef,
			Metadata:            q.Metadata,
			ResponseAt:          q.ResponseAt,
			ResponseTimeSeconds: q.ResponseTimeSeconds(),
		}
		if q.Completed() {
			resp := q.Response
			e.Response = &resp
		}
		entries[i] = e
	}
	return historyPayload{Requests: entries}
}

// errorKind maps engine errors to an HTTP status and error type.
func errorKind(err error) (int, string) {
	switch {
	case errors.Is(err, relay.ErrNotFound):
		return http.StatusNotFound, "not_found_error"
	case errors.Is(err, relay.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout, "timeout_error"
	case errors.Is(err, relay.ErrUpstreamDelivery):
		return http.StatusBadGateway, "upstream_error"
	case errors.Is(err, relay.ErrInvalidArgument):
		return http.StatusBadRequest, "invalid_request_error"
	default:
		return http.StatusInternalServerError, "server_error"
	}
}

func indentJSON(v any) (string, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshaling result: %w", err)
	}
	return string(b), nil
}
