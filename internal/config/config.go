package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

const (
	ModePoll    = "poll"
	ModeWebhook = "webhook"
)

type Config struct {
	Server    ServerConfig
	Telegram  TelegramConfig
	Storage   StorageConfig
	Owner     OwnerConfig
	Wait      WaitConfig
	Ingress   IngressConfig
	Retention RetentionConfig
	Log       LogConfig
}

type ServerConfig struct {
	Port      int
	PublicURL string // externally reachable base URL, used to register the webhook
}

type TelegramConfig struct {
	BotToken      string
	ChatID        string
	APIURL        string
	WebhookSecret string
	Mode          string // "poll" or "webhook"
	PollTimeout   time.Duration
}

type StorageConfig struct {
	DataDir string
}

type OwnerConfig struct {
	Default string
}

type WaitConfig struct {
	DefaultTimeout int // seconds
	PollInterval   int // seconds
}

type IngressConfig struct {
	ScanLimit int
	DedupeTTL time.Duration
}

type RetentionConfig struct {
	OlderThanDays int
}

type LogConfig struct {
	Level string
}

// ErrMissingBotToken and ErrMissingChatID are returned by Validate.
var (
	ErrMissingBotToken = errors.New("missing required config: telegram.bot_token")
	ErrMissingChatID   = errors.New("missing required config: telegram.chat_id")
)

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		Telegram: TelegramConfig{
			APIURL:      "https://api.telegram.org",
			Mode:        ModePoll,
			PollTimeout: 25 * time.Second,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Owner: OwnerConfig{
			Default: "local",
		},
		Wait: WaitConfig{
			DefaultTimeout: 300,
			PollInterval:   2,
		},
		Ingress: IngressConfig{
			ScanLimit: 10,
			DedupeTTL: 10 * time.Minute,
		},
		Retention: RetentionConfig{
			OlderThanDays: 7,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the TOML config file, environment variables
// and the platform secret store, in that order of increasing precedence for
// everything except secrets; the secret store only fills secrets still empty.
//
// The file lives at $XDG_CONFIG_HOME/askgram/config.toml. Environment
// variables are named ASKGRAM_<SECTION>_<KEY>.
//
// Load does not require Telegram credentials; call Validate before talking
// to the Bot API.
func Load() (Config, error) {
	return loadWith(newFileBackend(configFilePath()), platformSecrets())
}

func loadFromPath(path string, secrets SecretStore) (Config, error) {
	return loadWith(newFileBackend(path), secrets)
}

func loadWith(b ConfigBackend, secrets SecretStore) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)
	applySecrets(&cfg, secrets)

	switch cfg.Telegram.Mode {
	case ModePoll, ModeWebhook:
	default:
		return Config{}, fmt.Errorf("invalid telegram.mode %q: want %q or %q", cfg.Telegram.Mode, ModePoll, ModeWebhook)
	}

	return cfg, nil
}

// Validate reports the first missing setting needed to run the relay.
func (c Config) Validate() error {
	if c.Telegram.BotToken == "" {
		return fmt.Errorf("%w. Set ASKGRAM_TELEGRAM_BOT_TOKEN or run `askgram config set telegram.bot_token <token>`", ErrMissingBotToken)
	}
	if c.Telegram.ChatID == "" {
		return fmt.Errorf("%w. Run `askgram telegram chats` to find it", ErrMissingChatID)
	}
	// Inbound updates carry the numeric chat id, so an @username would never match.
	if _, err := strconv.ParseInt(c.Telegram.ChatID, 10, 64); err != nil {
		return fmt.Errorf("invalid telegram.chat_id %q: must be the numeric chat id. Run `askgram telegram chats` to find it", c.Telegram.ChatID)
	}
	if c.Telegram.Mode == ModeWebhook && c.Server.PublicURL == "" {
		return fmt.Errorf("missing required config: server.public_url (needed for telegram.mode=webhook)")
	}
	return nil
}

func configFilePath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "askgram", "config.toml")
}

// ConfigFilePath returns the path Load reads.
func ConfigFilePath() string {
	return configFilePath()
}

func dataHome() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "askgram-data"
		}
	}
	return filepath.Join(dir, "askgram")
}

func defaultDataDir() string {
	return dataHome()
}
