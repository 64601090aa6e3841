package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

const (
	TruncationTruncate = "truncate"
	TruncationReject   = "reject"
)

type Config struct {
	Deployment string `env:"DEPLOYMENT" yaml:"deployment" json:"deployment"`

	// Platform Enable/Disable flags
	EnableDiscord   bool `env:"ENABLE_DISCORD" yaml:"enable_discord" json:"enable_discord"`
	EnableDeltaChat bool `env:"ENABLE_DELTACHAT" yaml:"enable_deltachat" json:"enable_deltachat"`
	EnableAlerts    bool `env:"ENABLE_TELEGRAM_ALERTS" yaml:"enable_telegram_alerts" json:"enable_telegram_alerts"`

	// Discord configuration (network A)
	DiscordBotToken    string   `env:"DISCORD_BOT_TOKEN" yaml:"discord_bot_token" json:"-"`
	DiscordGuildID     string   `env:"DISCORD_GUILD_ID" yaml:"discord_guild_id" json:"discord_guild_id"`
	DiscordAdminUsers  []string `env:"DISCORD_ADMIN_USERS" envSeparator:"," yaml:"discord_admin_users" json:"discord_admin_users"`
	DiscordUseWebhooks bool     `env:"DISCORD_USE_WEBHOOKS" yaml:"discord_use_webhooks" json:"discord_use_webhooks"`

	// Delta Chat configuration (network B)
	DeltaChatRPCServer   string `env:"DELTACHAT_RPC_SERVER" yaml:"deltachat_rpc_server" json:"deltachat_rpc_server"`
	DeltaChatAccountsDir string `env:"DELTACHAT_ACCOUNTS_DIR" yaml:"deltachat_accounts_dir" json:"deltachat_accounts_dir"`
	DeltaChatAccountID   int    `env:"DELTACHAT_ACCOUNT_ID" yaml:"deltachat_account_id" json:"deltachat_account_id"`
	DeltaChatAddr        string `env:"DELTACHAT_ADDR" yaml:"deltachat_addr" json:"deltachat_addr"`
	DeltaChatPassword    string `env:"DELTACHAT_PASSWORD" yaml:"deltachat_password" json:"-"`
	DeltaChatDisplayName string `env:"DELTACHAT_DISPLAY_NAME" yaml:"deltachat_display_name" json:"deltachat_display_name"`

	// Telegram configuration (operator alerts)
	TelegramBotToken string        `env:"TELEGRAM_BOT_TOKEN" yaml:"telegram_bot_token" json:"-"`
	TelegramChatID   int64         `env:"TELEGRAM_CHAT_ID" yaml:"telegram_chat_id" json:"telegram_chat_id"`
	AlertCooldown    time.Duration `env:"ALERT_COOLDOWN" yaml:"alert_cooldown" json:"alert_cooldown"`

	// Database configuration
	StoreBackend  string `env:"STORE_BACKEND" yaml:"store_backend" json:"store_backend"`
	DatabasePath  string `env:"DATABASE_PATH" yaml:"database_path" json:"database_path"`
	RedisAddr     string `env:"REDIS_ADDR" yaml:"redis_addr" json:"redis_addr"`
	RedisPassword string `env:"REDIS_PASSWORD" yaml:"redis_password" json:"-"`
	RedisDB       int    `env:"REDIS_DB" yaml:"redis_db" json:"redis_db"`

	// Relay engine
	Workers          int           `env:"WORKERS" yaml:"workers" json:"workers"`
	QueueSize        int           `env:"QUEUE_SIZE" yaml:"queue_size" json:"queue_size"`
	MaxAttempts      int           `env:"MAX_ATTEMPTS" yaml:"max_attempts" json:"max_attempts"`
	BackoffBase      time.Duration `env:"BACKOFF_BASE" yaml:"backoff_base" json:"backoff_base"`
	BackoffMax       time.Duration `env:"BACKOFF_MAX" yaml:"backoff_max" json:"backoff_max"`
	AttemptTimeout   time.Duration `env:"ATTEMPT_TIMEOUT" yaml:"attempt_timeout" json:"attempt_timeout"`
	ShutdownGrace    time.Duration `env:"SHUTDOWN_GRACE" yaml:"shutdown_grace" json:"shutdown_grace"`
	DedupBucket      time.Duration `env:"DEDUP_BUCKET" yaml:"dedup_bucket" json:"dedup_bucket"`
	DedupRetention   time.Duration `env:"DEDUP_RETENTION" yaml:"dedup_retention" json:"dedup_retention"`
	DedupShards      int           `env:"DEDUP_SHARDS" yaml:"dedup_shards" json:"dedup_shards"`
	DedupShardSize   int           `env:"DEDUP_SHARD_SIZE" yaml:"dedup_shard_size" json:"dedup_shard_size"`
	MappingCacheSize int           `env:"MAPPING_CACHE_SIZE" yaml:"mapping_cache_size" json:"mapping_cache_size"`
	MessageRetention time.Duration `env:"MESSAGE_RETENTION" yaml:"message_retention" json:"message_retention"`
	CleanupInterval  time.Duration `env:"CLEANUP_INTERVAL" yaml:"cleanup_interval" json:"cleanup_interval"`
	HealthInterval   time.Duration `env:"HEALTH_INTERVAL" yaml:"health_interval" json:"health_interval"`

	// Formatting
	MaxMessageLength int    `env:"MAX_MESSAGE_LENGTH" yaml:"max_message_length" json:"max_message_length"`
	TruncationPolicy string `env:"TRUNCATION_POLICY" yaml:"truncation_policy" json:"truncation_policy"`
	TruncationMarker string `env:"TRUNCATION_MARKER" yaml:"truncation_marker" json:"truncation_marker"`
	PrefixTemplate   string `env:"PREFIX_TEMPLATE" yaml:"prefix_template" json:"prefix_template"`
	NetworkALabel    string `env:"NETWORK_A_LABEL" yaml:"network_a_label" json:"network_a_label"`
	NetworkBLabel    string `env:"NETWORK_B_LABEL" yaml:"network_b_label" json:"network_b_label"`

	// Ids of the accounts the bridge itself posts as, per network.
	BridgeAccountsA []string `env:"BRIDGE_ACCOUNTS_A" envSeparator:"," yaml:"bridge_accounts_a" json:"bridge_accounts_a"`
	BridgeAccountsB []string `env:"BRIDGE_ACCOUNTS_B" envSeparator:"," yaml:"bridge_accounts_b" json:"bridge_accounts_b"`

	// Logging configuration
	LogLevel  string `env:"LOG_LEVEL" yaml:"log_level" json:"log_level"`
	LogFormat string `env:"LOG_FORMAT" yaml:"log_format" json:"log_format"`
	LogFile   string `env:"LOG_FILE" yaml:"log_file" json:"log_file"`

	// API configuration
	APIEnable bool   `env:"API_ENABLE" yaml:"api_enable" json:"api_enable"`
	APIAddr   string `env:"API_ADDR" yaml:"api_addr" json:"api_addr"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Deployment:           "default",
		EnableDiscord:        true,
		EnableDeltaChat:      true,
		DiscordUseWebhooks:   true,
		DeltaChatRPCServer:   "deltachat-rpc-server",
		DeltaChatAccountsDir: "./accounts",
		DeltaChatDisplayName: "Bridge",
		StoreBackend:         "sqlite",
		DatabasePath:         "./bridge.db",
		Workers:              8,
		QueueSize:            256,
		MaxAttempts:          5,
		BackoffBase:          2 * time.Second,
		BackoffMax:           5 * time.Minute,
		AttemptTimeout:       30 * time.Second,
		ShutdownGrace:        10 * time.Second,
		DedupBucket:          time.Minute,
		DedupRetention:       24 * time.Hour,
		DedupShards:          16,
		DedupShardSize:       4096,
		MappingCacheSize:     1024,
		MessageRetention:     30 * 24 * time.Hour,
		CleanupInterval:      time.Hour,
		HealthInterval:       30 * time.Second,
		AlertCooldown:        5 * time.Minute,
		MaxMessageLength:     4000,
		TruncationPolicy:     TruncationTruncate,
		TruncationMarker:     " […]",
		PrefixTemplate:       "[{network}] {sender}: ",
		NetworkALabel:        "A",
		NetworkBLabel:        "B",
		LogLevel:             "info",
		LogFormat:            "console",
		APIAddr:              ":8080",
	}
}

// Load builds the configuration from defaults, the optional YAML file at
// path, then the environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the relay engine cannot run with.
func (c *Config) Validate() error {
	var errs []error
	positive := func(name string, v int) {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", name, v))
		}
	}
	positiveDuration := func(name string, v time.Duration) {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, v))
		}
	}

	positive("workers", c.Workers)
	positive("queue_size", c.QueueSize)
	positive("max_attempts", c.MaxAttempts)
	positive("dedup_shards", c.DedupShards)
	positive("dedup_shard_size", c.DedupShardSize)
	positive("mapping_cache_size", c.MappingCacheSize)
	positive("max_message_length", c.MaxMessageLength)
	positiveDuration("backoff_base", c.BackoffBase)
	positiveDuration("backoff_max", c.BackoffMax)
	positiveDuration("attempt_timeout", c.AttemptTimeout)
	positiveDuration("shutdown_grace", c.ShutdownGrace)
	positiveDuration("dedup_bucket", c.DedupBucket)
	positiveDuration("dedup_retention", c.DedupRetention)
	positiveDuration("message_retention", c.MessageRetention)
	positiveDuration("cleanup_interval", c.CleanupInterval)
	positiveDuration("health_interval", c.HealthInterval)

	if c.BackoffMax < c.BackoffBase {
		errs = append(errs, fmt.Errorf("backoff_max (%s) is below backoff_base (%s)", c.BackoffMax, c.BackoffBase))
	}
	switch c.TruncationPolicy {
	case TruncationTruncate, TruncationReject:
	default:
		errs = append(errs, fmt.Errorf("unknown truncation_policy %q", c.TruncationPolicy))
	}
	switch c.StoreBackend {
	case "sqlite", "memory":
	default:
		errs = append(errs, fmt.Errorf("unknown store_backend %q", c.StoreBackend))
	}
	if !strings.Contains(c.PrefixTemplate, "{sender}") {
		errs = append(errs, errors.New("prefix_template must contain {sender}"))
	}
	if c.Deployment == "" {
		errs = append(errs, errors.New("deployment must not be empty"))
	}
	if c.EnableAlerts && (c.TelegramBotToken == "" || c.TelegramChatID == 0) {
		errs = append(errs, errors.New("telegram alerts need TELEGRAM_BOT_TOKEN and TELEGRAM_CHAT_ID"))
	}

	return errors.Join(errs...)
}

// Snapshot renders the configuration without secrets.
func (c *Config) Snapshot() (string, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
