package relay

import (
	"errors"

	"github.com/kalambet/askgram/internal/storage"
)

var (
	// ErrNotFound is returned for unknown ids and for ids owned by someone else.
	ErrNotFound = storage.ErrNotFound

	// ErrTimeout is returned by AwaitAnswer when the deadline passes first.
	// The stored question is left untouched.
	ErrTimeout = errors.New("timed out waiting for response")

	// ErrUpstreamDelivery is returned when the prompt could not be sent to the
	// channel. No question is stored in that case.
	ErrUpstreamDelivery = errors.New("upstream delivery failed")

	// ErrInvalidArgument is returned for empty prompts, ids and answers.
	ErrInvalidArgument = errors.New("invalid argument")
)
