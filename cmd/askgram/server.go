package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/askgram/internal/api"
	"github.com/kalambet/askgram/internal/config"
	"github.com/kalambet/askgram/internal/poller"
	"github.com/kalambet/askgram/internal/relay"
	"github.com/kalambet/askgram/internal/storage"
	"github.com/kalambet/askgram/internal/telegram"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, Telegram ingress and MCP stdio server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		listen, _ := cmd.Flags().GetString("listen")
		withMCP, _ := cmd.Flags().GetBool("mcp")
		return runServer(listen, withMCP)
	},
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Run only the MCP stdio server, with built-in long polling",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMCP()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running askgram server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

func init() {
	serveCmd.Flags().String("listen", "127.0.0.1", "address to bind the HTTP server to")
	serveCmd.Flags().Bool("mcp", true, "also serve MCP over stdin/stdout")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "askgram.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func setupLogging(level string) {
	logLevel := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn", "warning":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	// stdout carries the MCP protocol.
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
}

// engine bundles the pieces every long-running command needs.
type engine struct {
	cfg   config.Config
	store *storage.Store
	bot   *telegram.Client
	relay *relay.Service
}

func loadRuntimeConfig() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func openEngine(cfg config.Config) (*engine, error) {
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	bot := telegram.NewClientWithBaseURL(cfg.Telegram.BotToken, cfg.Telegram.APIURL)
	svc := relay.New(store, bot, relay.Options{
		ChatID:         cfg.Telegram.ChatID,
		DefaultTimeout: cfg.Wait.DefaultTimeout,
		RetentionDays:  cfg.Retention.OlderThanDays,
		ScanLimit:      cfg.Ingress.ScanLimit,
		DedupeTTL:      cfg.Ingress.DedupeTTL,
		PollInterval:   time.Duration(cfg.Wait.PollInterval) * time.Second,
	})
	return &engine{cfg: cfg, store: store, bot: bot, relay: svc}, nil
}

func (e *engine) Close() {
	if err := e.store.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
	}
}

func (e *engine) newMCPServer() *server.StdioServer {
	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Relay:   e.relay,
		Owner:   e.cfg.Owner.Default,
		Version: version,
	})
	return server.NewStdioServer(mcpSrv)
}

// prepareIngress makes the bot's webhook state match the configured mode.
// It reports whether this process should long poll.
func (e *engine) prepareIngress(ctx context.Context) bool {
	if e.cfg.Telegram.Mode == config.ModeWebhook {
		url := strings.TrimRight(e.cfg.Server.PublicURL, "/") + "/telegram/webhook"
		if err := e.bot.SetWebhook(ctx, url, e.cfg.Telegram.WebhookSecret); err != nil {
			slog.Warn("registering webhook failed; replies will not arrive until it is set", "url", url, "error", err)
		} else {
			slog.Info("webhook registered", "url", url)
		}
		return false
	}

	info, err := e.bot.GetWebhookInfo(ctx)
	if err != nil {
		slog.Warn("could not read webhook info", "error", err)
		return true
	}
	if info.URL != "" {
		slog.Warn("a webhook is set on this bot; long polling will fail until it is removed with `askgram telegram webhook delete`", "url", info.URL)
	}
	return true
}

func runServer(listen string, withMCP bool) error {
	fmt.Fprintf(os.Stderr, "askgram version %s\n", version)

	cfg, err := loadRuntimeConfig()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)

	apiToken, err := config.GetAPIToken()
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	slog.Info("API bearer token available")

	// Check if server is already running via health endpoint.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("askgram is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("askgram is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng, err := openEngine(cfg)
	if err != nil {
		return err
	}
	defer eng.Close()

	handler := api.NewHandler(api.HTTPDeps{
		Relay:         eng.relay,
		Token:         apiToken,
		WebhookSecret: cfg.Telegram.WebhookSecret,
	})

	addr := net.JoinHostPort(listen, strconv.Itoa(cfg.Server.Port))
	// No WriteTimeout: /await holds a response open for up to an hour.
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		fmt.Fprintf(os.Stderr, "askgram listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		fmt.Fprintln(os.Stderr, "shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if eng.prepareIngress(gctx) {
		p := poller.New(eng.bot, eng.relay, cfg.Telegram.PollTimeout)
		g.Go(func() error {
			p.Run(gctx)
			return nil
		})
	}

	if withMCP {
		stdioSrv := eng.newMCPServer()
		g.Go(func() error {
			if err := stdioSrv.Listen(gctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
			return nil
		})
		slog.Info("MCP server started (stdio transport)")
	}

	return g.Wait()
}

// runMCP serves MCP on stdio until stdin closes or a signal arrives.
func runMCP() error {
	cfg, err := loadRuntimeConfig()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng, err := openEngine(cfg)
	if err != nil {
		return err
	}
	defer eng.Close()

	g, gctx := errgroup.WithContext(ctx)
	gctx, cancel := context.WithCancel(gctx)
	defer cancel()

	if cfg.Telegram.Mode == config.ModeWebhook {
		slog.Warn("telegram.mode is webhook; only `askgram serve` receives replies, this process can only send and read")
	} else if eng.prepareIngress(gctx) {
		p := poller.New(eng.bot, eng.relay, cfg.Telegram.PollTimeout)
		g.Go(func() error {
			p.Run(gctx)
			return nil
		})
	}

	stdioSrv := eng.newMCPServer()
	g.Go(func() error {
		defer cancel()
		if err := stdioSrv.Listen(gctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("MCP stdio server: %w", err)
		}
		return nil
	})

	return g.Wait()
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("askgram is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop askgram (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to askgram (PID %d)", pid)
	return nil
}
