package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist or belongs
// to another owner.
var ErrNotFound = errors.New("not found")

// ErrDuplicateID is returned when a question id is already taken.
var ErrDuplicateID = errors.New("duplicate question id")

const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
)

// Question is an outstanding or answered prompt sent to the external channel.
type Question struct {
	ID             string
	Owner          string
	Prompt         string
	Metadata       string
	CreatedAt      time.Time
	TimeoutSeconds int
	ExternalRef    string // channel message id; empty if unknown
	Status         string // "pending", "completed"
	Response       string
	ResponseAt     *time.Time
}

// Completed reports whether the question has been answered.
func (q Question) Completed() bool {
	return q.Status == StatusCompleted
}

// ResponseTimeSeconds returns the whole seconds between creation and answer,
// or nil while the question is pending.
func (q Question) ResponseTimeSeconds() *int {
	if q.ResponseAt == nil {
		return nil
	}
	secs := int(q.ResponseAt.Sub(q.CreatedAt).Seconds())
	return &secs
}

// ListOptions filters ListQuestions.
type ListOptions struct {
	Limit         int
	CompletedOnly bool
}
