package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fatih/color"

	"github.com/kalambet/askgram/internal/config"
	"github.com/kalambet/askgram/internal/telegram"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Auth   string
	Owner  string
}

type testServer struct {
	server *httptest.Server

	mu       sync.Mutex
	requests []recordedRequest
	statuses map[string]int
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{statuses: make(map[string]int)}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		key := r.Method + " " + r.URL.Path

		ts.mu.Lock()
		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
			Auth:   r.Header.Get("Authorization"),
			Owner:  r.Header.Get("X-User-ID"),
		})
		status, hasStatus := ts.statuses[key]
		ts.mu.Unlock()

		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			if hasStatus {
				w.WriteHeader(status)
			}
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) setStatus(key string, code int) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.statuses[key] = code
}

func (ts *testServer) recorded() []recordedRequest {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return append([]recordedRequest(nil), ts.requests...)
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		owner:      "alice",
		httpClient: ts.server.Client(),
	}
}

var ctx = context.Background()

func TestAskCommand_SubmitAndAwait(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /requests":                       `{"request_id":"req_0123456789ab","created_at":"2025-01-01T00:00:00Z","telegram_message_id":"42","telegram_message":"Deploy?"}`,
		"GET /requests/req_0123456789ab/await": `{"request_id":"req_0123456789ab","response":"yes","response_at":"2025-01-01T00:00:05Z","elapsed_seconds":5}`,
	})

	if err := runAsk(ctx, ts.client(), "Deploy?", 60, "ticket-7", false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	reqs := ts.recorded()
	if len(reqs) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(reqs))
	}

	submit := reqs[0]
	if submit.Method != "POST" || submit.Path != "/requests" {
		t.Errorf("first request = %s %s, want POST /requests", submit.Method, submit.Path)
	}
	if submit.Auth != "Bearer test-token" {
		t.Errorf("auth = %q, want Bearer test-token", submit.Auth)
	}
	if submit.Owner != "alice" {
		t.Errorf("owner = %q, want alice", submit.Owner)
	}

	var body map[string]any
	if err := json.Unmarshal([]byte(submit.Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if body["message"] != "Deploy?" {
		t.Errorf("body.message = %v, want Deploy?", body["message"])
	}
	if body["timeout"] != float64(60) {
		t.Errorf("body.timeout = %v, want 60", body["timeout"])
	}
	if body["metadata"] != "ticket-7" {
		t.Errorf("body.metadata = %v, want ticket-7", body["metadata"])
	}

	if reqs[1].Path != "/requests/req_0123456789ab/await?timeout=60" {
		t.Errorf("await path = %q", reqs[1].Path)
	}
}

func TestAskCommand_NoWait(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /requests": `{"request_id":"req_0123456789ab"}`,
	})

	if err := runAsk(ctx, ts.client(), "FYI", 0, "", true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	reqs := ts.recorded()
	if len(reqs) != 1 {
		t.Fatalf("expected 1 request, got %d", len(reqs))
	}
	var body map[string]any
	json.Unmarshal([]byte(reqs[0].Body), &body)
	if _, ok := body["timeout"]; ok {
		t.Error("timeout should be omitted when not given")
	}
}

func TestAskCommand_Timeout(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /requests":                       `{"request_id":"req_0123456789ab"}`,
		"GET /requests/req_0123456789ab/await": `{"error":{"message":"timed out","type":"timeout_error"}}`,
	})
	ts.setStatus("GET /requests/req_0123456789ab/await", http.StatusRequestTimeout)

	err := runAsk(ctx, ts.client(), "Deploy?", 1, "", false)
	if err == nil {
		t.Fatal("expected error on timeout")
	}
	if !strings.Contains(err.Error(), "no answer") {
		t.Errorf("error = %q, want it to mention 'no answer'", err.Error())
	}
}

func TestAskCommand_MissingArgs(t *testing.T) {
	defer rootCmd.SetArgs(nil)

	rootCmd.SetArgs([]string{"ask"})
	err := rootCmd.Execute()
	if err == nil {
		t.Fatal("expected error for missing args")
	}
	if !strings.Contains(err.Error(), "arg") {
		t.Errorf("error = %q, want it to mention args", err.Error())
	}
}

func TestAnswerCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /response": `{"request_id":"req_0123456789ab","response":"ship it","elapsed_seconds":12}`,
	})

	if err := runAnswer(ctx, ts.client(), "req_0123456789ab", "ship it"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	reqs := ts.recorded()
	var body map[string]string
	if err := json.Unmarshal([]byte(reqs[0].Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if body["request_id"] != "req_0123456789ab" || body["response"] != "ship it" {
		t.Errorf("body = %v", body)
	}
}

func TestAnswerCommand_AlreadyCompleted(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /response": `{"request_id":"req_0123456789ab","response":"first","already_completed":true}`,
	})

	if err := runAnswer(ctx, ts.client(), "req_0123456789ab", "second"); err != nil {
		t.Fatalf("already answered should not be an error, got %v", err)
	}
}

func TestAnswerCommand_NotFound(t *testing.T) {
	ts := newTestServer(t, map[string]string{})

	err := runAnswer(ctx, ts.client(), "req_missing", "hi")
	var apiErr *apiError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error = %v, want *apiError", err)
	}
	if apiErr.Status != 404 || apiErr.Type != "not_found" {
		t.Errorf("apiErr = %+v, want 404 not_found", apiErr)
	}
}

func TestFetchHistory(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /history": `{"requests":[{"request_id":"req_a","message":"q","status":"completed","created_at":"2025-01-01T00:00:00Z","response":"a","response_time_seconds":3}]}`,
	})

	items, err := fetchHistory(ctx, ts.client(), 5, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(items))
	}
	if items[0].Response == nil || *items[0].Response != "a" {
		t.Errorf("response = %v, want a", items[0].Response)
	}

	u, err := url.Parse(ts.recorded()[0].Path)
	if err != nil {
		t.Fatal(err)
	}
	if u.Query().Get("limit") != "5" || u.Query().Get("completed_only") != "true" {
		t.Errorf("query = %q", u.RawQuery)
	}
}

func TestFormatHistoryItem(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()
	noColor = true

	resp := "yes"
	secs := 4
	line := formatHistoryItem(historyItem{
		ID:                  "req_a",
		Message:             strings.Repeat("x", 100),
		Status:              "completed",
		CreatedAt:           "2025-01-01T00:00:00Z",
		Response:            &resp,
		ResponseTimeSeconds: &secs,
	})
	if !strings.Contains(line, "req_a") || !strings.Contains(line, "→ yes") || !strings.Contains(line, "(4s)") {
		t.Errorf("line = %q", line)
	}
	if !strings.Contains(line, strings.Repeat("x", 60)+"...") {
		t.Errorf("long message not truncated: %q", line)
	}

	pending := formatHistoryItem(historyItem{ID: "req_b", Message: "q", Status: "pending"})
	if strings.Contains(pending, "→") {
		t.Errorf("pending line should have no response: %q", pending)
	}
}

func TestCleanupCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"DELETE /cleanup": `{"deleted_count":3,"freed_space_bytes":1536}`,
	})

	if err := runCleanup(ctx, ts.client(), 14); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := ts.recorded()[0].Path; got != "/cleanup?older_than_days=14" {
		t.Errorf("path = %q, want /cleanup?older_than_days=14", got)
	}
}

func TestServerNotReachable(t *testing.T) {
	client := &apiClient{
		baseURL:    "http://127.0.0.1:1",
		token:      "x",
		owner:      "alice",
		httpClient: &http.Client{Timeout: time.Second},
	}
	_, err := client.get(ctx, "/health")
	if err == nil {
		t.Fatal("expected error for stopped server")
	}
	if !strings.Contains(err.Error(), "not reachable") {
		t.Errorf("error = %q, want it to mention 'not reachable'", err.Error())
	}
}

func TestNoColorFlag(t *testing.T) {
	old, oldGlobal := noColor, color.NoColor
	defer func() { noColor, color.NoColor = old, oldGlobal }()

	noColor = true
	result := colorize(colorGreen, "test message")
	if strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=true should not contain ANSI codes, got %q", result)
	}
	if result != "test message" {
		t.Errorf("result = %q, want %q", result, "test message")
	}

	noColor = false
	color.NoColor = false
	result = colorize(colorGreen, "test message")
	if !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}

func TestWebhookURL(t *testing.T) {
	cfg := config.Config{}
	if _, err := webhookURL(cfg, ""); err == nil {
		t.Error("expected error without public URL")
	}

	cfg.Server.PublicURL = "https://relay.example.com/"
	got, err := webhookURL(cfg, "")
	if err != nil {
		t.Fatal(err)
	}
	if got != "https://relay.example.com/telegram/webhook" {
		t.Errorf("webhookURL = %q", got)
	}

	got, _ = webhookURL(cfg, "https://other.example.com/hook")
	if got != "https://other.example.com/hook" {
		t.Errorf("explicit URL not used: %q", got)
	}
}

func TestWriteMCPConfig(t *testing.T) {
	var buf bytes.Buffer
	if err := writeMCPConfig(&buf, "askgram", "/usr/local/bin/askgram"); err != nil {
		t.Fatal(err)
	}

	var doc struct {
		MCPServers map[string]struct {
			Command string   `json:"command"`
			Args    []string `json:"args"`
		} `json:"mcpServers"`
	}
	if err := json.Unmarshal(buf.Bytes(), &doc); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	entry, ok := doc.MCPServers["askgram"]
	if !ok {
		t.Fatalf("missing askgram entry: %s", buf.String())
	}
	if entry.Command != "/usr/local/bin/askgram" || len(entry.Args) != 1 || entry.Args[0] != "mcp" {
		t.Errorf("entry = %+v", entry)
	}
}

type fakeBot struct {
	me      telegram.User
	meErr   error
	webhook telegram.WebhookInfo
	updates []telegram.Update
}

func (f *fakeBot) GetMe(ctx context.Context) (telegram.User, error) { return f.me, f.meErr }
func (f *fakeBot) GetWebhookInfo(ctx context.Context) (telegram.WebhookInfo, error) {
	return f.webhook, nil
}
func (f *fakeBot) GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]telegram.Update, error) {
	return f.updates, nil
}
func (f *fakeBot) SetWebhook(ctx context.Context, url, secret string) error { return nil }
func (f *fakeBot) DeleteWebhook(ctx context.Context) error                  { return nil }

func TestTelegramChats(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()
	noColor = true

	bot := &fakeBot{updates: []telegram.Update{
		{UpdateID: 1, Message: &telegram.Message{Chat: telegram.Chat{ID: 42, Type: "private", FirstName: "Ann"}}},
		{UpdateID: 2, Message: &telegram.Message{Chat: telegram.Chat{ID: 42, Type: "private", FirstName: "Ann"}}},
		{UpdateID: 3, Message: &telegram.Message{Chat: telegram.Chat{ID: -100777, Type: "supergroup", Title: "Ops"}}},
		{UpdateID: 4},
	}}

	var buf bytes.Buffer
	if err := runTelegramChats(ctx, bot, &buf); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	out := buf.String()
	if strings.Count(out, "42  ") != 1 {
		t.Errorf("chat 42 should be listed once:\n%s", out)
	}
	if !strings.Contains(out, "-100777") || !strings.Contains(out, "Ops") {
		t.Errorf("group chat missing:\n%s", out)
	}
}

func TestTelegramCheck(t *testing.T) {
	cfg := config.Config{}
	cfg.Telegram.Mode = config.ModePoll

	bot := &fakeBot{
		me:      telegram.User{ID: 1, Username: "askbot", IsBot: true},
		webhook: telegram.WebhookInfo{URL: "https://example.com/hook"},
	}
	if err := runTelegramCheck(ctx, bot, cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	bot.meErr = errors.New("Unauthorized")
	if err := runTelegramCheck(ctx, bot, cfg); err == nil {
		t.Fatal("expected error when getMe fails")
	}
}
