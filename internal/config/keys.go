package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "ASKGRAM_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.public_url", typ: kString, env: "ASKGRAM_SERVER_PUBLIC_URL",
		apply:   func(cfg *Config, v any) { cfg.Server.PublicURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.PublicURL },
	},
	{
		key: "telegram.bot_token", typ: kString, env: "ASKGRAM_TELEGRAM_BOT_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Telegram.BotToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Telegram.BotToken },
	},
	{
		key: "telegram.chat_id", typ: kString, env: "ASKGRAM_TELEGRAM_CHAT_ID",
		apply:   func(cfg *Config, v any) { cfg.Telegram.ChatID = v.(string) },
		extract: func(cfg Config) any { return cfg.Telegram.ChatID },
	},
	{
		key: "telegram.api_url", typ: kString, env: "ASKGRAM_TELEGRAM_API_URL",
		apply:   func(cfg *Config, v any) { cfg.Telegram.APIURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Telegram.APIURL },
	},
	{
		key: "telegram.webhook_secret", typ: kString, env: "ASKGRAM_TELEGRAM_WEBHOOK_SECRET",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Telegram.WebhookSecret = v.(string) },
		extract: func(cfg Config) any { return cfg.Telegram.WebhookSecret },
	},
	{
		key: "telegram.mode", typ: kString, env: "ASKGRAM_TELEGRAM_MODE",
		apply:   func(cfg *Config, v any) { cfg.Telegram.Mode = v.(string) },
		extract: func(cfg Config) any { return cfg.Telegram.Mode },
	},
	{
		key: "telegram.poll_timeout", typ: kDuration, env: "ASKGRAM_TELEGRAM_POLL_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Telegram.PollTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Telegram.PollTimeout },
	},
	{
		key: "storage.data_dir", typ: kString, env: "ASKGRAM_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "owner.default", typ: kString, env: "ASKGRAM_OWNER_DEFAULT",
		apply:   func(cfg *Config, v any) { cfg.Owner.Default = v.(string) },
		extract: func(cfg Config) any { return cfg.Owner.Default },
	},
	{
		key: "wait.default_timeout", typ: kInt, env: "ASKGRAM_WAIT_DEFAULT_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Wait.DefaultTimeout = v.(int) },
		extract: func(cfg Config) any { return cfg.Wait.DefaultTimeout },
	},
	{
		key: "wait.poll_interval", typ: kInt, env: "ASKGRAM_WAIT_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Wait.PollInterval = v.(int) },
		extract: func(cfg Config) any { return cfg.Wait.PollInterval },
	},
	{
		key: "ingress.scan_limit", typ: kInt, env: "ASKGRAM_INGRESS_SCAN_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.Ingress.ScanLimit = v.(int) },
		extract: func(cfg Config) any { return cfg.Ingress.ScanLimit },
	},
	{
		key: "ingress.dedupe_ttl", typ: kDuration, env: "ASKGRAM_INGRESS_DEDUPE_TTL",
		apply:   func(cfg *Config, v any) { cfg.Ingress.DedupeTTL = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Ingress.DedupeTTL },
	},
	{
		key: "retention.older_than_days", typ: kInt, env: "ASKGRAM_RETENTION_OLDER_THAN_DAYS",
		apply:   func(cfg *Config, v any) { cfg.Retention.OlderThanDays = v.(int) },
		extract: func(cfg Config) any { return cfg.Retention.OlderThanDays },
	},
	{
		key: "log.level", typ: kString, env: "ASKGRAM_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func lookupSpec(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
}

// parseValue converts raw text into the Go type a key expects.
func parseValue(s keySpec, raw string) (any, error) {
	switch s.typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kDuration:
		return time.ParseDuration(raw)
	default:
		return raw, nil
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		switch s.typ {
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		default:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if !ok || (v == "" && s.typ != kString) {
				continue
			}
			parsed, err := parseValue(s, v)
			if err != nil {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, v, err)
				continue
			}
			s.apply(cfg, parsed)
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := parseValue(s, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}

// applySecrets fills secret keys still empty after file and env from the
// secret store.
func applySecrets(cfg *Config, secrets SecretStore) {
	if secrets == nil {
		return
	}
	for _, s := range specs {
		if !s.secret {
			continue
		}
		if cur, _ := s.extract(*cfg).(string); cur != "" {
			continue
		}
		v, err := secrets.Get(secretService, s.key)
		if err != nil || v == "" {
			continue
		}
		s.apply(cfg, v)
	}
}
