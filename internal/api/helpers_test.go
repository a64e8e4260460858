package api

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kalambet/askgram/internal/relay"
	"github.com/kalambet/askgram/internal/storage"
	"github.com/kalambet/askgram/internal/telegram"
)

const (
	testToken  = "test-token-12345"
	testChatID = "123"
	testOwner  = "alice"
)

type fakeSender struct {
	next atomic.Int64
	err  error
}

func (f *fakeSender) SendMessage(_ context.Context, _, text string) (telegram.Message, error) {
	if f.err != nil {
		return telegram.Message{}, f.err
	}
	return telegram.Message{MessageID: 500 + f.next.Add(1), Text: text}, nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRelay(t *testing.T) (*relay.Service, *fakeSender) {
	t.Helper()
	return newTestRelayWith(t, relay.Options{})
}

// newTestRelayWith fills in the chat and logger and keeps the rest of opts.
func newTestRelayWith(t *testing.T, opts relay.Options) (*relay.Service, *fakeSender) {
	t.Helper()
	store, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	opts.ChatID = testChatID
	opts.Logger = quietLogger()
	sender := &fakeSender{}
	return relay.New(store, sender, opts), sender
}

func setupHandler(t *testing.T, webhookSecret string) (http.Handler, *relay.Service, *fakeSender) {
	t.Helper()
	svc, sender := newTestRelay(t)
	h := NewHandler(HTTPDeps{
		Relay:         svc,
		Token:         testToken,
		WebhookSecret: webhookSecret,
		Logger:        quietLogger(),
	})
	return h, svc, sender
}

func authReq(method, url, body, token, owner string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if owner != "" {
		req.Header.Set(OwnerHeader, owner)
	}
	return req
}
