// Package config loads daemon configuration from an optional YAML file
// layered under environment variables. Environment always wins, which keeps
// container deployments file-free.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/SrDicov/Discoat/errors"
)

// Config is the full daemon configuration.
type Config struct {
	NodeID    string `yaml:"node_id" env:"NODE_ID"`
	DBPath    string `yaml:"db_path" env:"DB_PATH"`
	NATSURL   string `yaml:"nats_url" env:"NATS_URL"` // empty means local bus
	LogLevel  string `yaml:"log_level" env:"LOG_LEVEL"`
	LogFormat string `yaml:"log_format" env:"LOG_FORMAT"`
	Port      int    `yaml:"port" env:"PORT"`

	// GlobalSudo holds operator user ids; only their hashes are kept after
	// Validate runs.
	GlobalSudo []string `yaml:"global_sudo" env:"GLOBAL_SUDO"`
	sudoHashes map[string]struct{}

	Discord  DiscordConfig  `yaml:"discord"`
	Telegram TelegramConfig `yaml:"telegram"`
	WhatsApp WhatsAppConfig `yaml:"whatsapp"`
	Signal   SignalConfig   `yaml:"signal"`
	Stoat    StoatConfig    `yaml:"stoat"`
	Storage  StorageConfig  `yaml:"storage"`
}

// StorageConfig points at the external media service. All fields optional;
// without them attachments pass through with their original URLs.
type StorageConfig struct {
	S3Bucket   string `yaml:"s3_bucket" env:"S3_BUCKET"`
	S3Region   string `yaml:"s3_region" env:"S3_REGION"`
	S3Endpoint string `yaml:"s3_endpoint" env:"S3_ENDPOINT"`
	CDNURL     string `yaml:"cdn_url" env:"CDN_URL"`
}

// DiscordConfig configures the Discord adapter.
type DiscordConfig struct {
	Token string `yaml:"token" env:"DISCORD_TOKEN"`
}

// TelegramConfig configures the Telegram adapter.
type TelegramConfig struct {
	Token string `yaml:"token" env:"TELEGRAM_TOKEN"`
}

// WhatsAppConfig configures the WhatsApp bridge adapter.
type WhatsAppConfig struct {
	BridgeURL string `yaml:"bridge_url" env:"WHATSAPP_BRIDGE_URL"`
}

// SignalConfig configures the signal-cli REST adapter.
type SignalConfig struct {
	Phone  string `yaml:"phone" env:"SIGNAL_PHONE"`
	APIURL string `yaml:"api_url" env:"SIGNAL_API_URL"`
}

// StoatConfig configures the Stoat websocket adapter.
type StoatConfig struct {
	Token string `yaml:"token" env:"STOAT_TOKEN"`
	URL   string `yaml:"url" env:"STOAT_URL"`
}

// Defaults returns the baseline configuration.
func Defaults() *Config {
	return &Config{
		NodeID:    "discoat-1",
		DBPath:    "data/openchat_core.db",
		LogLevel:  "info",
		LogFormat: "text",
		Port:      8080,
		Signal: SignalConfig{
			APIURL: "http://127.0.0.1:8686",
		},
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if
// path is non-empty), then environment overrides.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.WrapFatal(err, "config", "Load", "read config file")
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.WrapFatal(err, "config", "Load", "parse config file")
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, errors.WrapFatal(err, "config", "Load", "parse environment")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var logLevels = map[string]struct{}{
	"error": {}, "warn": {}, "info": {}, "debug": {}, "trace": {},
}

// Validate checks the configuration and hashes the sudo list.
func (c *Config) Validate() error {
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	if _, ok := logLevels[c.LogLevel]; !ok {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate",
			"log_level must be one of error/warn/info/debug/trace")
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate",
			"log_format must be text or json")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate", "port out of range")
	}
	if strings.TrimSpace(c.DBPath) == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "config", "Validate", "db_path is required")
	}

	// Plain ids are hashed immediately and never held beyond boot.
	c.sudoHashes = make(map[string]struct{}, len(c.GlobalSudo))
	for _, id := range c.GlobalSudo {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		c.sudoHashes[HashID(id)] = struct{}{}
	}
	c.GlobalSudo = nil
	return nil
}

// HashID hashes an operator user id for ACL comparison.
func HashID(id string) string {
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:])
}

// IsSudo reports whether a user id belongs to the operator ACL.
func (c *Config) IsSudo(userID string) bool {
	_, ok := c.sudoHashes[HashID(userID)]
	return ok
}

// AdapterSettings returns the free-form settings map handed to one adapter's
// context.
func (c *Config) AdapterSettings(platform string) map[string]string {
	switch platform {
	case "discord":
		return map[string]string{"token": c.Discord.Token}
	case "telegram":
		return map[string]string{"token": c.Telegram.Token}
	case "whatsapp":
		return map[string]string{"bridge_url": c.WhatsApp.BridgeURL}
	case "signal":
		return map[string]string{"phone": c.Signal.Phone, "api_url": c.Signal.APIURL}
	case "stoat":
		return map[string]string{"token": c.Stoat.Token, "url": c.Stoat.URL}
	}
	return map[string]string{}
}

// EnabledPlatforms lists platforms whose credentials are configured.
func (c *Config) EnabledPlatforms() []string {
	var out []string
	if c.Discord.Token != "" {
		out = append(out, "discord")
	}
	if c.Telegram.Token != "" {
		out = append(out, "telegram")
	}
	if c.WhatsApp.BridgeURL != "" {
		out = append(out, "whatsapp")
	}
	if c.Signal.Phone != "" {
		out = append(out, "signal")
	}
	if c.Stoat.Token != "" {
		out = append(out, "stoat")
	}
	return out
}
