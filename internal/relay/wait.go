package relay

import (
	"context"
	"fmt"
	"time"
)

// AwaitOptions bounds AwaitAnswer. A zero Timeout uses the question's own
// timeout; a zero PollInterval uses the service default. Timeouts are capped
// at MaxTimeoutSeconds.
type AwaitOptions struct {
	Timeout      time.Duration
	PollInterval time.Duration
}

// AwaitAnswer polls until the question is completed, the deadline passes
// (ErrTimeout) or ctx is cancelled. It holds no lock while waiting, so any
// number of callers may wait on the same question. Timing out does not
// change the stored question; a late answer is still recorded.
func (s *Service) AwaitAnswer(ctx context.Context, owner, id string, opts AwaitOptions) (Answer, error) {
	if id == "" {
		return Answer{}, fmt.Errorf("%w: request_id is required", ErrInvalidArgument)
	}

	q, err := s.store.GetQuestion(ctx, id, owner)
	if err != nil {
		return Answer{}, err
	}
	if q.Completed() {
		return answerFrom(q), nil
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = time.Duration(min(q.TimeoutSeconds, MaxTimeoutSeconds)) * time.Second
	}
	if timeout <= 0 {
		timeout = time.Duration(s.defaultTimeout) * time.Second
	}
	timeout = min(timeout, MaxTimeoutSeconds*time.Second)
	interval := opts.PollInterval
	if interval <= 0 {
		interval = s.pollInterval
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return Answer{}, ctx.Err()
		case <-deadline.C:
			return Answer{}, fmt.Errorf("%w: no reply to %s after %s", ErrTimeout, id, timeout)
		case <-ticker.C:
		}

		q, err := s.store.GetQuestion(ctx, id, owner)
		if err != nil {
			return Answer{}, err
		}
		if q.Completed() {
			return answerFrom(q), nil
		}
	}
}
