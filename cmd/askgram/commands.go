package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/askgram/internal/config"
)

type submission struct {
	ID        string    `json:"request_id"`
	CreatedAt time.Time `json:"created_at"`
	MessageID string    `json:"telegram_message_id"`
}

type answer struct {
	ID               string    `json:"request_id"`
	Response         string    `json:"response"`
	ResponseAt       time.Time `json:"response_at"`
	ElapsedSeconds   int       `json:"elapsed_seconds"`
	AlreadyCompleted bool      `json:"already_completed"`
}

type historyItem struct {
	ID                  string  `json:"request_id"`
	Message             string  `json:"message"`
	Status              string  `json:"status"`
	CreatedAt           string  `json:"created_at"`
	Response            *string `json:"response"`
	ResponseTimeSeconds *int    `json:"response_time_seconds"`
}

// maxAwait bounds an await whose timeout the server picks.
const maxAwait = time.Hour

// awaitSlack is added to the client-side deadline so the server reports the
// timeout rather than the client cutting the connection.
const awaitSlack = 30 * time.Second

// --- ask ---

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Send a question to Telegram and wait for the answer",
	Long: `Send a question to the configured Telegram chat and print the answer.

Reply to the bot's message in Telegram, or start your reply with "<request_id>:".

Examples:
  askgram ask "Deploy to production now?"
  askgram ask --timeout 60 "Which region should I use?"
  askgram ask --no-wait "FYI: nightly build is red"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		question := strings.Join(args, " ")
		timeout, _ := cmd.Flags().GetInt("timeout")
		noWait, _ := cmd.Flags().GetBool("no-wait")
		metadata, _ := cmd.Flags().GetString("metadata")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return runAsk(cmdContext(cmd), client, question, timeout, metadata, noWait)
	},
}

func init() {
	askCmd.Flags().Int("timeout", 0, "seconds to wait for an answer (default: wait.default_timeout)")
	askCmd.Flags().Bool("no-wait", false, "print the request id and return without waiting")
	askCmd.Flags().String("metadata", "", "opaque data stored with the request")
}

func runAsk(ctx context.Context, client *apiClient, question string, timeout int, metadata string, noWait bool) error {
	body := map[string]any{"message": question}
	if timeout > 0 {
		body["timeout"] = timeout
	}
	if metadata != "" {
		body["metadata"] = metadata
	}

	submitCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	resp, err := client.post(submitCtx, "/requests", body)
	if err != nil {
		return err
	}
	var sub submission
	if err := decodeJSON(resp, &sub); err != nil {
		return err
	}

	if noWait {
		fmt.Println(sub.ID)
		return nil
	}
	printStep("Sent %s, waiting for a reply...", colorize(colorCyan, sub.ID))

	ans, err := awaitAnswer(ctx, client, sub.ID, timeout)
	if err != nil {
		return err
	}
	fmt.Println(ans.Response)
	return nil
}

func awaitAnswer(ctx context.Context, client *apiClient, id string, timeout int) (answer, error) {
	path := "/requests/" + url.PathEscape(id) + "/await"
	deadline := maxAwait
	if timeout > 0 {
		path += fmt.Sprintf("?timeout=%d", timeout)
		deadline = time.Duration(timeout) * time.Second
	}

	awaitCtx, cancel := context.WithTimeout(ctx, deadline+awaitSlack)
	defer cancel()
	resp, err := client.get(awaitCtx, path)
	if err != nil {
		return answer{}, err
	}
	var ans answer
	if err := decodeJSON(resp, &ans); err != nil {
		var apiErr *apiError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusRequestTimeout {
			return answer{}, fmt.Errorf("no answer to %s yet; check later with `askgram status %s`", id, id)
		}
		return answer{}, err
	}
	return ans, nil
}

// --- answer ---

var answerCmd = &cobra.Command{
	Use:   "answer <request_id> <response>",
	Short: "Answer a pending request directly",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return runAnswer(cmdContext(cmd), client, args[0], strings.Join(args[1:], " "))
	},
}

func runAnswer(ctx context.Context, client *apiClient, id, response string) error {
	resp, err := client.post(ctx, "/response", map[string]string{
		"request_id": id,
		"response":   response,
	})
	if err != nil {
		return err
	}
	var ans answer
	if err := decodeJSON(resp, &ans); err != nil {
		return err
	}
	if ans.AlreadyCompleted {
		printWarning("%s was already answered: %s", ans.ID, ans.Response)
		return nil
	}
	printSuccess("Answered %s after %ds", ans.ID, ans.ElapsedSeconds)
	return nil
}

// --- status ---

var statusCmd = &cobra.Command{
	Use:   "status <request_id>",
	Short: "Show the status of a request as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmdContext(cmd), "/requests/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}

		var status any
		if err := decodeJSON(resp, &status); err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(status)
	},
}

// --- history ---

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent requests, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		completedOnly, _ := cmd.Flags().GetBool("completed-only")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		items, err := fetchHistory(cmdContext(cmd), client, limit, completedOnly)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			fmt.Println("No requests found.")
			return nil
		}
		for _, it := range items {
			fmt.Println(formatHistoryItem(it))
		}
		return nil
	},
}

func init() {
	historyCmd.Flags().Int("limit", 10, "maximum number of requests to list")
	historyCmd.Flags().Bool("completed-only", false, "only list answered requests")
}

func fetchHistory(ctx context.Context, client *apiClient, limit int, completedOnly bool) ([]historyItem, error) {
	q := url.Values{}
	q.Set("limit", fmt.Sprint(limit))
	if completedOnly {
		q.Set("completed_only", "true")
	}
	resp, err := client.get(ctx, "/history?"+q.Encode())
	if err != nil {
		return nil, err
	}
	var payload struct {
		Requests []historyItem `json:"requests"`
	}
	if err := decodeJSON(resp, &payload); err != nil {
		return nil, err
	}
	return payload.Requests, nil
}

func formatHistoryItem(it historyItem) string {
	msg := it.Message
	if len(msg) > 60 {
		msg = msg[:60] + "..."
	}
	statusColor := colorYellow
	if it.Response != nil {
		statusColor = colorGreen
	}
	line := fmt.Sprintf("%s  %s  %s  %s",
		colorize(colorCyan, it.ID),
		colorize(colorGray, it.CreatedAt),
		colorize(statusColor, it.Status),
		msg,
	)
	if it.Response != nil {
		line += "\n    → " + *it.Response
		if it.ResponseTimeSeconds != nil {
			line += colorize(colorGray, fmt.Sprintf(" (%ds)", *it.ResponseTimeSeconds))
		}
	}
	return line
}

// --- cleanup ---

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete requests older than the retention period",
	RunE: func(cmd *cobra.Command, args []string) error {
		days, _ := cmd.Flags().GetInt("older-than-days")
		if days <= 0 {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			days = cfg.Retention.OlderThanDays
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return runCleanup(cmdContext(cmd), client, days)
	},
}

func init() {
	cleanupCmd.Flags().Int("older-than-days", 0, "age in days past which requests are deleted (default: retention.older_than_days)")
}

func runCleanup(ctx context.Context, client *apiClient, days int) error {
	resp, err := client.delete(ctx, fmt.Sprintf("/cleanup?older_than_days=%d", days))
	if err != nil {
		return err
	}
	var result struct {
		DeletedCount    int64 `json:"deleted_count"`
		FreedSpaceBytes int64 `json:"freed_space_bytes"`
	}
	if err := decodeJSON(resp, &result); err != nil {
		return err
	}
	printSuccess("Deleted %d requests older than %d days (~%d bytes freed)", result.DeletedCount, days, result.FreedSpaceBytes)
	return nil
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		fmt.Printf("%s\n", colorize(colorGray, "# "+config.ConfigFilePath()))
		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s  %s\n", colorize(colorBold, k.Key), k.Value, colorize(colorGray, k.EnvVar))
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value. Valid keys:\n  " + strings.Join(config.ValidKeys(), "\n  "),
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s", key)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
