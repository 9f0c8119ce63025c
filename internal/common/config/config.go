// Package config provides configuration management for TeleClaude.
// It supports loading configuration from environment variables, a config file, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the daemon.
type Config struct {
	Computer   ComputerConfig         `mapstructure:"computer"`
	Database   DatabaseConfig         `mapstructure:"database"`
	API        APIConfig              `mapstructure:"api"`
	MCP        MCPConfig              `mapstructure:"mcp"`
	Telegram   TelegramConfig         `mapstructure:"telegram"`
	Discord    DiscordConfig          `mapstructure:"discord"`
	Redis      RedisConfig            `mapstructure:"redis"`
	Agents     map[string]AgentConfig `mapstructure:"agents"`
	Poller     PollerConfig           `mapstructure:"poller"`
	Checkpoint CheckpointConfig       `mapstructure:"checkpoint"`
	Cron       []CronEntry            `mapstructure:"cron"`
	Logging    LoggingConfig          `mapstructure:"logging"`
}

// ComputerConfig identifies this machine and its trust boundaries.
type ComputerConfig struct {
	Name        string   `mapstructure:"name"`
	TrustedDirs []string `mapstructure:"trustedDirs"`
	// Shell overrides the exit-marker shell name derived from $SHELL.
	Shell string `mapstructure:"shell"`
}

// DatabaseConfig holds SQLite database configuration.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// APIConfig holds the REST/WebSocket gateway configuration.
type APIConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// MCPConfig holds the MCP surface configuration.
type MCPConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	SocketPath string `mapstructure:"socketPath"`
}

// TelegramConfig holds the Telegram adapter configuration.
type TelegramConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Token   string `mapstructure:"token"`
	ChatID  int64  `mapstructure:"chatId"`
}

// DiscordConfig holds the Discord adapter configuration.
type DiscordConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Token     string `mapstructure:"token"`
	GuildID   string `mapstructure:"guildId"`
	ChannelID string `mapstructure:"channelId"`
}

// RedisConfig holds the cross-machine transport configuration.
// An empty address disables the transport; local sessions are unaffected.
type RedisConfig struct {
	Addr         string `mapstructure:"addr"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	HeartbeatTTL int    `mapstructure:"heartbeatTtl"` // in seconds
}

// AgentConfig describes one launchable agent kind.
type AgentConfig struct {
	Enabled   bool     `mapstructure:"enabled"`
	Command   string   `mapstructure:"command"`
	Strengths []string `mapstructure:"strengths"`
	Avoid     []string `mapstructure:"avoid"`
}

// PollerConfig holds output poller tuning.
type PollerConfig struct {
	IntervalMs              int `mapstructure:"intervalMs"`
	InitialDelayMs          int `mapstructure:"initialDelayMs"`
	IdleNotificationSeconds int `mapstructure:"idleNotificationSeconds"`
	MaxPolls                int `mapstructure:"maxPolls"`
}

// CheckpointConfig holds checkpoint engine tuning.
type CheckpointConfig struct {
	Enabled              bool `mapstructure:"enabled"`
	IdleThresholdSeconds int  `mapstructure:"idleThresholdSeconds"`
}

// CronEntry describes one scheduled command submission.
type CronEntry struct {
	Name     string `mapstructure:"name"`
	Schedule string `mapstructure:"schedule"`
	Kind     string `mapstructure:"kind"`
	Payload  string `mapstructure:"payload"` // JSON arguments for the command
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (a *APIConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(a.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (a *APIConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(a.WriteTimeout) * time.Second
}

// HeartbeatTTLDuration returns the peer-registry TTL as a time.Duration.
func (r *RedisConfig) HeartbeatTTLDuration() time.Duration {
	return time.Duration(r.HeartbeatTTL) * time.Second
}

// Interval returns the poll interval as a time.Duration.
func (p *PollerConfig) Interval() time.Duration {
	return time.Duration(p.IntervalMs) * time.Millisecond
}

// InitialDelay returns the initial poll delay as a time.Duration.
func (p *PollerConfig) InitialDelay() time.Duration {
	return time.Duration(p.InitialDelayMs) * time.Millisecond
}

// IdleNotification returns the idle notification threshold as a time.Duration.
func (p *PollerConfig) IdleNotification() time.Duration {
	return time.Duration(p.IdleNotificationSeconds) * time.Second
}

// HomeDir returns the TeleClaude state directory (~/.teleclaude).
func HomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".teleclaude"
	}
	return filepath.Join(home, ".teleclaude")
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	hostname, _ := os.Hostname()

	// Computer defaults
	v.SetDefault("computer.name", hostname)
	v.SetDefault("computer.trustedDirs", []string{})
	v.SetDefault("computer.shell", "")

	// Database defaults
	v.SetDefault("database.path", filepath.Join(HomeDir(), "teleclaude.db"))

	// API gateway defaults
	v.SetDefault("api.enabled", true)
	v.SetDefault("api.host", "127.0.0.1")
	v.SetDefault("api.port", 8787)
	v.SetDefault("api.readTimeout", 30)
	v.SetDefault("api.writeTimeout", 30)

	// MCP defaults
	v.SetDefault("mcp.enabled", true)
	v.SetDefault("mcp.socketPath", filepath.Join(HomeDir(), "daemon.sock"))

	// Chat adapters are opt-in
	v.SetDefault("telegram.enabled", false)
	v.SetDefault("discord.enabled", false)

	// Redis transport defaults - empty addr means cross-machine disabled
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.heartbeatTtl", 30)

	// Poller defaults
	v.SetDefault("poller.intervalMs", 1000)
	v.SetDefault("poller.initialDelayMs", 2000)
	v.SetDefault("poller.idleNotificationSeconds", 60)
	v.SetDefault("poller.maxPolls", 600)

	// Checkpoint defaults
	v.SetDefault("checkpoint.enabled", true)
	v.SetDefault("checkpoint.idleThresholdSeconds", 120)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.outputPath", "stderr")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix TELECLAUDE_ followed by the upper-cased
// key path with dots replaced by underscores (TELECLAUDE_API_PORT).
// The config file is config.yaml in ~/.teleclaude/ or /etc/teleclaude/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("TELECLAUDE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings where env var naming differs from config key naming.
	_ = v.BindEnv("telegram.token", "TELECLAUDE_TELEGRAM_TOKEN")
	_ = v.BindEnv("discord.token", "TELECLAUDE_DISCORD_TOKEN")
	_ = v.BindEnv("redis.addr", "TELECLAUDE_REDIS_ADDR")
	_ = v.BindEnv("logging.level", "TELECLAUDE_LOG_LEVEL")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(HomeDir())
	v.AddConfigPath("/etc/teleclaude/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Computer.Name == "" {
		errs = append(errs, "computer.name is required")
	}

	if cfg.API.Enabled {
		if cfg.API.Port <= 0 || cfg.API.Port > 65535 {
			errs = append(errs, "api.port must be between 1 and 65535")
		}
	}

	if cfg.Telegram.Enabled && cfg.Telegram.Token == "" {
		errs = append(errs, "telegram.token is required when telegram is enabled")
	}
	if cfg.Discord.Enabled && cfg.Discord.Token == "" {
		errs = append(errs, "discord.token is required when discord is enabled")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}

	for i, entry := range cfg.Cron {
		if entry.Schedule == "" || entry.Kind == "" {
			errs = append(errs, fmt.Sprintf("cron[%d] needs both schedule and kind", i))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// AgentEnabled reports whether the named agent kind is configured and enabled.
func (c *Config) AgentEnabled(name string) bool {
	a, ok := c.Agents[name]
	return ok && a.Enabled
}

// AgentNames returns the configured agent kinds in deterministic order:
// claude, gemini, codex first, then any others alphabetically.
func (c *Config) AgentNames() []string {
	preferred := []string{"claude", "gemini", "codex"}
	seen := make(map[string]bool)
	var names []string
	for _, p := range preferred {
		if _, ok := c.Agents[p]; ok {
			names = append(names, p)
			seen[p] = true
		}
	}
	var rest []string
	for name := range c.Agents {
		if !seen[name] {
			rest = append(rest, name)
		}
	}
	sortStrings(rest)
	return append(names, rest...)
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j] < s[j-1]; j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}

// TrustedDir reports whether the given working directory is inside one of the
// configured trusted roots. An empty trust list permits any directory.
func (c *Config) TrustedDir(dir string) bool {
	if len(c.Computer.TrustedDirs) == 0 {
		return true
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return false
	}
	for _, root := range c.Computer.TrustedDirs {
		rootAbs, err := filepath.Abs(expandHome(root))
		if err != nil {
			continue
		}
		if abs == rootAbs || strings.HasPrefix(abs, rootAbs+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func expandHome(p string) string {
	if strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, p[2:])
		}
	}
	return p
}
