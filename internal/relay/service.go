// Package relay correlates questions sent to a Telegram chat with the answers
// that come back, whether they arrive as channel updates or as direct
// submissions.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/askgram/internal/dedupe"
	"github.com/kalambet/askgram/internal/keylock"
	"github.com/kalambet/askgram/internal/storage"
	"github.com/kalambet/askgram/internal/telegram"
)

const (
	DefaultTimeoutSeconds = 300
	MaxTimeoutSeconds     = 3600
	DefaultPollInterval   = 2 * time.Second
	DefaultScanLimit      = 10
	DefaultHistoryLimit   = 10
	DefaultRetentionDays  = 7
	defaultDedupeTTL      = 10 * time.Minute
	dedupeCapacity        = 4096

	// bytesPerRow is the rough on-disk size used to estimate freed space.
	bytesPerRow = 512
)

// Store is the persistence the relay needs. *storage.Store satisfies it.
type Store interface {
	CreateQuestion(ctx context.Context, q storage.Question) error
	GetQuestion(ctx context.Context, id, owner string) (storage.Question, error)
	CompleteQuestion(ctx context.Context, id, owner, response string, at time.Time) (storage.Question, bool, error)
	ListQuestions(ctx context.Context, owner string, opts storage.ListOptions) ([]storage.Question, error)
	ListPending(ctx context.Context, owner string) ([]storage.Question, error)
	ListActiveOwners(ctx context.Context, limit int) ([]string, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	Vacuum(ctx context.Context) error
}

// Sender delivers prompts to the channel. *telegram.Client satisfies it.
type Sender interface {
	SendMessage(ctx context.Context, chatID, text string) (telegram.Message, error)
}

// Options tunes a Service. Zero values fall back to defaults.
type Options struct {
	ChatID         string // destination for prompts; inbound messages from other chats are ignored
	DefaultTimeout int    // seconds a question waits when the caller gives no timeout
	RetentionDays  int    // age Cleanup uses when the caller gives none
	ScanLimit      int
	DedupeTTL      time.Duration
	PollInterval   time.Duration
	Logger         *slog.Logger
	Now            func() time.Time
}

// Service is the correlation engine.
type Service struct {
	store  Store
	sender Sender
	locks  keylock.Map
	seen   *dedupe.Cache[int64]

	chatID         string
	defaultTimeout int
	retentionDays  int
	scanLimit      int
	pollInterval   time.Duration
	logger         *slog.Logger
	now            func() time.Time
}

// New creates a Service.
func New(store Store, sender Sender, opts Options) *Service {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultTimeoutSeconds
	}
	if opts.RetentionDays <= 0 {
		opts.RetentionDays = DefaultRetentionDays
	}
	if opts.ScanLimit <= 0 {
		opts.ScanLimit = DefaultScanLimit
	}
	if opts.DedupeTTL <= 0 {
		opts.DedupeTTL = defaultDedupeTTL
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		store:          store,
		sender:         sender,
		seen:           dedupe.New[int64](opts.DedupeTTL, dedupeCapacity),
		chatID:         opts.ChatID,
		defaultTimeout: min(opts.DefaultTimeout, MaxTimeoutSeconds),
		retentionDays:  opts.RetentionDays,
		scanLimit:      opts.ScanLimit,
		pollInterval:   opts.PollInterval,
		logger:         opts.Logger.With("component", "relay"),
		now:            opts.Now,
	}
}

// QuestionInput is a new question.
type QuestionInput struct {
	Prompt         string
	TimeoutSeconds int
	Metadata       string
}

// Submitted acknowledges a question that reached the channel.
type Submitted struct {
	ID        string    `json:"request_id"`
	CreatedAt time.Time `json:"created_at"`
	MessageID string    `json:"telegram_message_id"`
	Prompt    string    `json:"telegram_message"`
}

// SubmitQuestion sends the prompt to the channel and, only once the send is
// acknowledged, stores a pending question for owner.
func (s *Service) SubmitQuestion(ctx context.Context, owner string, in QuestionInput) (Submitted, error) {
	if strings.TrimSpace(in.Prompt) == "" {
		return Submitted{}, fmt.Errorf("%w: message is required", ErrInvalidArgument)
	}
	if owner == "" {
		return Submitted{}, fmt.Errorf("%w: owner is required", ErrInvalidArgument)
	}
	if in.TimeoutSeconds <= 0 {
		in.TimeoutSeconds = s.defaultTimeout
	}
	in.TimeoutSeconds = min(in.TimeoutSeconds, MaxTimeoutSeconds)

	msg, err := s.sender.SendMessage(ctx, s.chatID, in.Prompt)
	if err != nil {
		return Submitted{}, fmt.Errorf("%w: %w", ErrUpstreamDelivery, err)
	}

	q := storage.Question{
		ID:             newQuestionID(),
		Owner:          owner,
		Prompt:         in.Prompt,
		Metadata:       in.Metadata,
		CreatedAt:      s.now().UTC(),
		TimeoutSeconds: in.TimeoutSeconds,
		ExternalRef:    telegram.FormatID(msg.MessageID),
		Status:         storage.StatusPending,
	}
	if err := s.store.CreateQuestion(ctx, q); err != nil {
		return Submitted{}, fmt.Errorf("storing question: %w", err)
	}

	s.logger.Info("question sent", "id", q.ID, "owner", owner, "message_id", q.ExternalRef)
	return Submitted{ID: q.ID, CreatedAt: q.CreatedAt, MessageID: q.ExternalRef, Prompt: q.Prompt}, nil
}

// Answer is a completed question.
type Answer struct {
	ID               string    `json:"request_id"`
	Response         string    `json:"response"`
	ResponseAt       time.Time `json:"response_at"`
	ElapsedSeconds   int       `json:"elapsed_seconds"`
	AlreadyCompleted bool      `json:"already_completed,omitempty"`
}

func answerFrom(q storage.Question) Answer {
	a := Answer{ID: q.ID, Response: q.Response}
	if q.ResponseAt != nil {
		a.ResponseAt = *q.ResponseAt
	}
	if secs := q.ResponseTimeSeconds(); secs != nil {
		a.ElapsedSeconds = *secs
	}
	return a
}

// SubmitAnswer completes a question directly. If another writer already
// answered it, the winning answer is returned with AlreadyCompleted set.
func (s *Service) SubmitAnswer(ctx context.Context, owner, id, response string) (Answer, error) {
	if id == "" {
		return Answer{}, fmt.Errorf("%w: request_id is required", ErrInvalidArgument)
	}
	if strings.TrimSpace(response) == "" {
		return Answer{}, fmt.Errorf("%w: response is required", ErrInvalidArgument)
	}

	unlock, err := s.locks.Lock(ctx, owner)
	if err != nil {
		return Answer{}, err
	}
	defer unlock()

	q, won, err := s.store.CompleteQuestion(ctx, id, owner, response, s.now().UTC())
	if err != nil {
		return Answer{}, err
	}

	a := answerFrom(q)
	a.AlreadyCompleted = !won
	if won {
		s.logger.Info("question answered", "id", id, "owner", owner, "via", "direct")
	}
	return a, nil
}

// Status is the externally visible state of a question.
type Status struct {
	ID         string     `json:"request_id"`
	Status     string     `json:"status"`
	Prompt     string     `json:"message"`
	CreatedAt  time.Time  `json:"created_at"`
	Response   *string    `json:"response"`
	ResponseAt *time.Time `json:"response_at"`
}

// GetStatus returns the current state of a question without side effects.
func (s *Service) GetStatus(ctx context.Context, owner, id string) (Status, error) {
	q, err := s.store.GetQuestion(ctx, id, owner)
	if err != nil {
		return Status{}, err
	}
	st := Status{
		ID:         q.ID,
		Status:     q.Status,
		Prompt:     q.Prompt,
		CreatedAt:  q.CreatedAt,
		ResponseAt: q.ResponseAt,
	}
	if q.Completed() {
		resp := q.Response
		st.Response = &resp
	}
	return st, nil
}

// ListHistory returns owner's most recent questions, newest first.
func (s *Service) ListHistory(ctx context.Context, owner string, limit int, completedOnly bool) ([]storage.Question, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return s.store.ListQuestions(ctx, owner, storage.ListOptions{Limit: limit, CompletedOnly: completedOnly})
}

// CleanupResult reports a retention sweep.
type CleanupResult struct {
	DeletedCount    int64 `json:"deleted_count"`
	FreedSpaceBytes int64 `json:"freed_space_bytes"`
}

// Cleanup deletes every question older than olderThanDays regardless of
// status or owner, then compacts the database. A non-positive olderThanDays
// uses Options.RetentionDays.
func (s *Service) Cleanup(ctx context.Context, olderThanDays int) (CleanupResult, error) {
	if olderThanDays <= 0 {
		olderThanDays = s.retentionDays
	}
	cutoff := s.now().UTC().AddDate(0, 0, -olderThanDays)

	n, err := s.store.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return CleanupResult{}, fmt.Errorf("deleting old questions: %w", err)
	}
	if n > 0 {
		if err := s.store.Vacuum(ctx); err != nil {
			s.logger.Warn("vacuum after cleanup failed", "error", err)
		}
	}

	s.logger.Info("cleanup finished", "older_than_days", olderThanDays, "deleted", n)
	return CleanupResult{DeletedCount: n, FreedSpaceBytes: n * bytesPerRow}, nil
}

// newQuestionID returns "req_" followed by 12 random hex characters.
func newQuestionID() string {
	hex := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "req_" + hex[:12]
}
