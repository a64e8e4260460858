// Package poller feeds Telegram updates to the relay by long polling
// getUpdates, for deployments that cannot receive webhooks.
package poller

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/askgram/internal/relay"
	"github.com/kalambet/askgram/internal/telegram"
)

// UpdateSource fetches updates. *telegram.Client satisfies it.
type UpdateSource interface {
	GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]telegram.Update, error)
}

// Handler consumes inbound events. *relay.Service satisfies it.
type Handler interface {
	HandleInbound(ctx context.Context, ev relay.InboundEvent) relay.InboundOutcome
}

// Poller long-polls an UpdateSource and hands every message to a Handler.
type Poller struct {
	source      UpdateSource
	handler     Handler
	pollTimeout time.Duration
	retryDelay  time.Duration
	offset      int64
	logger      *slog.Logger
}

// New creates a Poller. If pollTimeout is <= 0, it defaults to 25s.
func New(source UpdateSource, handler Handler, pollTimeout time.Duration) *Poller {
	if pollTimeout <= 0 {
		pollTimeout = 25 * time.Second
	}
	return &Poller{
		source:      source,
		handler:     handler,
		pollTimeout: pollTimeout,
		retryDelay:  3 * time.Second,
		logger:      slog.Default().With("component", "poller"),
	}
}

// Offset returns the next update id the poller will ask for.
func (p *Poller) Offset() int64 {
	return p.offset
}

// Run polls until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	p.logger.Info("long polling for updates", "timeout", p.pollTimeout)
	defer func() { p.logger.Info("long polling stopped", "offset", p.Offset()) }()
	for {
		if ctx.Err() != nil {
			return
		}

		_, err := p.RunOnce(ctx)
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		p.logger.Error("poll iteration failed", "error", err)

		select {
		case <-ctx.Done():
			return
		case <-time.After(p.retryDelay):
		}
	}
}

// RunOnce fetches one batch of updates and processes it in order.
// Returns the number of updates received.
func (p *Poller) RunOnce(ctx context.Context) (int, error) {
	updates, err := p.source.GetUpdates(ctx, p.offset, p.pollTimeout)
	if err != nil {
		return 0, fmt.Errorf("getting updates: %w", err)
	}

	for _, u := range updates {
		// The offset moves past each update even if handling it fails.
		if u.UpdateID >= p.offset {
			p.offset = u.UpdateID + 1
		}

		ev, ok := relay.EventFromUpdate(u)
		if !ok {
			continue
		}
		out := p.handler.HandleInbound(ctx, ev)
		p.logger.Debug("update handled", "update_id", u.UpdateID, "outcome", out.Outcome)
	}
	return len(updates), nil
}
