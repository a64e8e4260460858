// Package telegram is a minimal Bot API client covering the methods askgram
// needs: sending prompts, receiving updates and managing the webhook.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"
)

const (
	defaultBaseURL = "https://api.telegram.org"
	defaultTimeout = 30 * time.Second
	maxRetries     = 3
	initialBackoff = 500 * time.Millisecond
)

// SecretTokenHeader carries the webhook secret on every webhook delivery.
const SecretTokenHeader = "X-Telegram-Bot-Api-Secret-Token"

// APIError is a non-ok Bot API reply.
type APIError struct {
	Method      string
	Code        int
	Description string
	RetryAfter  time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram %s: %d %s", e.Method, e.Code, e.Description)
}

func isRateLimit(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusTooManyRequests {
		return apiErr, true
	}
	return nil, false
}

// Client talks to the Telegram Bot API for one bot token.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a Bot API client for token.
func NewClient(token string) *Client {
	return &Client{
		token:   token,
		baseURL: defaultBaseURL,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
	}
}

// NewClientWithBaseURL creates a client pointing at a custom base URL (for testing
// or a self-hosted Bot API server).
func NewClientWithBaseURL(token, baseURL string) *Client {
	c := NewClient(token)
	if baseURL != "" {
		c.baseURL = strings.TrimRight(baseURL, "/")
	}
	return c
}

// SendMessage posts plain text to chatID and returns the stored message.
// chatID is the numeric chat id in decimal form.
func (c *Client) SendMessage(ctx context.Context, chatID, text string) (Message, error) {
	var msg Message
	err := c.call(ctx, "sendMessage", map[string]any{
		"chat_id": chatID,
		"text":    text,
	}, &msg, 0)
	return msg, err
}

// GetUpdates long-polls for updates with id >= offset, waiting up to timeout
// on the server side.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, error) {
	params := map[string]any{
		"timeout":         int(timeout.Seconds()),
		"allowed_updates": []string{"message"},
	}
	if offset > 0 {
		params["offset"] = offset
	}
	var updates []Update
	if err := c.call(ctx, "getUpdates", params, &updates, timeout); err != nil {
		return nil, err
	}
	return updates, nil
}

// GetMe returns the bot's own identity; useful for validating the token.
func (c *Client) GetMe(ctx context.Context) (User, error) {
	var u User
	err := c.call(ctx, "getMe", nil, &u, 0)
	return u, err
}

// GetWebhookInfo reports the webhook currently registered for the bot.
func (c *Client) GetWebhookInfo(ctx context.Context) (WebhookInfo, error) {
	var info WebhookInfo
	err := c.call(ctx, "getWebhookInfo", nil, &info, 0)
	return info, err
}

// SetWebhook registers url for push delivery. A non-empty secret is echoed by
// Telegram in SecretTokenHeader on every delivery.
func (c *Client) SetWebhook(ctx context.Context, url, secret string) error {
	params := map[string]any{
		"url":             url,
		"allowed_updates": []string{"message"},
	}
	if secret != "" {
		params["secret_token"] = secret
	}
	var ok bool
	return c.call(ctx, "setWebhook", params, &ok, 0)
}

// DeleteWebhook removes the webhook so getUpdates can be used again.
func (c *Client) DeleteWebhook(ctx context.Context) error {
	var ok bool
	return c.call(ctx, "deleteWebhook", map[string]any{"drop_pending_updates": false}, &ok, 0)
}

// call invokes a Bot API method, retrying on rate limits.
func (c *Client) call(ctx context.Context, method string, params map[string]any, out any, longPoll time.Duration) error {
	body, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshaling %s params: %w", method, err)
	}

	var lastErr error
	for attempt := range maxRetries {
		err := c.do(ctx, method, body, out, longPoll)
		if err == nil {
			return nil
		}

		apiErr, limited := isRateLimit(err)
		if !limited {
			return err
		}

		lastErr = err
		if attempt < maxRetries-1 {
			backoff := time.Duration(float64(initialBackoff) * math.Pow(2, float64(attempt)))
			if apiErr.RetryAfter > backoff {
				backoff = apiErr.RetryAfter
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
	}

	return fmt.Errorf("rate limited after %d retries: %w", maxRetries, lastErr)
}

func (c *Client) do(ctx context.Context, method string, body []byte, out any, longPoll time.Duration) error {
	reqCtx, cancel := context.WithTimeout(ctx, defaultTimeout+longPoll)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.methodURL(method), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	client := c.httpClient
	if longPoll > 0 {
		// The shared client timeout would cut long polls short.
		client = &http.Client{Transport: c.httpClient.Transport}
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("calling %s: %w", method, c.redact(err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading %s response: %w", method, err)
	}

	envelope := apiResponse[json.RawMessage]{}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("unexpected status %d from %s: %s", resp.StatusCode, method, truncate(string(raw), 200))
	}
	if !envelope.OK {
		apiErr := &APIError{Method: method, Code: envelope.ErrorCode, Description: envelope.Description}
		if apiErr.Code == 0 {
			apiErr.Code = resp.StatusCode
		}
		if envelope.Parameters != nil && envelope.Parameters.RetryAfter > 0 {
			apiErr.RetryAfter = time.Duration(envelope.Parameters.RetryAfter) * time.Second
		}
		return apiErr
	}

	if out == nil || len(envelope.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(envelope.Result, out); err != nil {
		return fmt.Errorf("decoding %s result: %w", method, err)
	}
	return nil
}

func (c *Client) methodURL(method string) string {
	return c.baseURL + "/bot" + c.token + "/" + method
}

// redact strips the bot token from transport errors, which embed the URL.
func (c *Client) redact(err error) error {
	if c.token == "" || !strings.Contains(err.Error(), c.token) {
		return err
	}
	return errors.New(strings.ReplaceAll(err.Error(), c.token, "<token>"))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
