package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/askgram/internal/config"
	"github.com/kalambet/askgram/internal/telegram"
)

// botAPI is the part of the Bot API the telegram subcommands use.
type botAPI interface {
	GetMe(ctx context.Context) (telegram.User, error)
	GetWebhookInfo(ctx context.Context) (telegram.WebhookInfo, error)
	GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]telegram.Update, error)
	SetWebhook(ctx context.Context, url, secret string) error
	DeleteWebhook(ctx context.Context) error
}

var newBotClient = func(cfg config.Config) (botAPI, error) {
	if cfg.Telegram.BotToken == "" {
		return nil, config.ErrMissingBotToken
	}
	return telegram.NewClientWithBaseURL(cfg.Telegram.BotToken, cfg.Telegram.APIURL), nil
}

var telegramCmd = &cobra.Command{
	Use:   "telegram",
	Short: "Inspect and configure the Telegram bot",
}

var telegramCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify the bot token and show webhook status",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		bot, err := newBotClient(cfg)
		if err != nil {
			return err
		}
		return runTelegramCheck(cmdContext(cmd), bot, cfg)
	},
}

func runTelegramCheck(ctx context.Context, bot botAPI, cfg config.Config) error {
	ctx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	me, err := bot.GetMe(ctx)
	if err != nil {
		printStatus("Bot", "unreachable")
		return fmt.Errorf("checking bot token: %w", err)
	}
	printStatus("Bot", "@%s (id %d)", me.Username, me.ID)

	if cfg.Telegram.ChatID == "" {
		printStatus("Chat", "not set (run `askgram telegram chats`)")
	} else {
		printStatus("Chat", "%s", cfg.Telegram.ChatID)
	}
	printStatus("Mode", "%s", cfg.Telegram.Mode)

	info, err := bot.GetWebhookInfo(ctx)
	if err != nil {
		return fmt.Errorf("reading webhook info: %w", err)
	}
	if info.URL == "" {
		printStatus("Webhook", "none")
	} else {
		printStatus("Webhook", "%s (%d pending updates)", info.URL, info.PendingUpdateCount)
		if info.LastErrorMessage != "" {
			printStatus("Last webhook error", "%s", info.LastErrorMessage)
		}
	}

	switch {
	case cfg.Telegram.Mode == config.ModePoll && info.URL != "":
		printWarning("A webhook is set, so long polling will fail. Run `askgram telegram webhook delete`.")
	case cfg.Telegram.Mode == config.ModeWebhook && info.URL == "":
		printWarning("telegram.mode is webhook but no webhook is registered. Run `askgram telegram webhook set`.")
	default:
		printSuccess("Telegram configuration looks good")
	}
	return nil
}

var telegramChatsCmd = &cobra.Command{
	Use:   "chats",
	Short: "List chats that recently messaged the bot",
	Long: `List chats that recently messaged the bot, to find the value for telegram.chat_id.

Send any message to your bot first. This reads pending updates without
consuming them, so it only works while no webhook is set.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		bot, err := newBotClient(cfg)
		if err != nil {
			return err
		}
		return runTelegramChats(cmdContext(cmd), bot, os.Stdout)
	},
}

func runTelegramChats(ctx context.Context, bot botAPI, w io.Writer) error {
	ctx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	updates, err := bot.GetUpdates(ctx, 0, 0)
	if err != nil {
		return fmt.Errorf("reading updates: %w", err)
	}

	seen := make(map[int64]bool)
	for _, u := range updates {
		if u.Message == nil || seen[u.Message.Chat.ID] {
			continue
		}
		chat := u.Message.Chat
		seen[chat.ID] = true
		fmt.Fprintf(w, "%s  %-10s %s\n", colorize(colorCyan, telegram.FormatID(chat.ID)), chat.Type, chat.DisplayName())
	}
	if len(seen) == 0 {
		printWarning("No recent messages. Send your bot a message and try again.")
		return nil
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Set one with: askgram config set telegram.chat_id <id>")
	return nil
}

var telegramWebhookCmd = &cobra.Command{
	Use:   "webhook",
	Short: "Register or remove the bot webhook",
}

var telegramWebhookSetCmd = &cobra.Command{
	Use:   "set [url]",
	Short: "Point the bot webhook at this server (default: server.public_url)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		url := ""
		if len(args) == 1 {
			url = args[0]
		}
		url, err = webhookURL(cfg, url)
		if err != nil {
			return err
		}
		bot, err := newBotClient(cfg)
		if err != nil {
			return err
		}
		if err := bot.SetWebhook(cmdContext(cmd), url, cfg.Telegram.WebhookSecret); err != nil {
			return err
		}
		if cfg.Telegram.WebhookSecret == "" {
			printWarning("No telegram.webhook_secret set; anyone who learns the URL can post updates.")
		}
		printSuccess("Webhook set to %s", url)
		return nil
	},
}

var telegramWebhookDeleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Remove the bot webhook so long polling works",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		bot, err := newBotClient(cfg)
		if err != nil {
			return err
		}
		if err := bot.DeleteWebhook(cmdContext(cmd)); err != nil {
			return err
		}
		printSuccess("Webhook removed")
		return nil
	},
}

// webhookURL returns the explicit URL, or the configured public URL with the
// webhook path appended.
func webhookURL(cfg config.Config, explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if cfg.Server.PublicURL == "" {
		return "", errors.New("no URL given and server.public_url is not set")
	}
	return strings.TrimRight(cfg.Server.PublicURL, "/") + "/telegram/webhook", nil
}

func init() {
	telegramWebhookCmd.AddCommand(telegramWebhookSetCmd)
	telegramWebhookCmd.AddCommand(telegramWebhookDeleteCmd)
	telegramCmd.AddCommand(telegramCheckCmd)
	telegramCmd.AddCommand(telegramChatsCmd)
	telegramCmd.AddCommand(telegramWebhookCmd)
}

// --- mcp-config ---

var mcpConfigCmd = &cobra.Command{
	Use:   "mcp-config",
	Short: "Print an MCP client configuration entry for askgram",
	Long: `Print a JSON snippet for the "mcpServers" section of an MCP client
configuration (for example Claude Desktop's claude_desktop_config.json).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		exe, err := os.Executable()
		if err != nil {
			exe = "askgram"
		}
		name, _ := cmd.Flags().GetString("name")
		return writeMCPConfig(os.Stdout, name, exe)
	},
}

func init() {
	mcpConfigCmd.Flags().String("name", "askgram", "server name in the MCP client configuration")
}

type mcpServerEntry struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
}

func writeMCPConfig(w io.Writer, name, exe string) error {
	doc := map[string]map[string]mcpServerEntry{
		"mcpServers": {
			name: {Command: exe, Args: []string{"mcp"}},
		},
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}
