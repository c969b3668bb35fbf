package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type LookupFunc func(string) (string, bool)

type Profile string

const (
	ProfileDev  Profile = "dev"
	ProfileTest Profile = "test"
	ProfileProd Profile = "prod"
)

type Config struct {
	Profile       Profile
	Service       ServiceConfig
	HTTP          HTTPConfig
	Database      DatabaseConfig
	Completion    CompletionConfig
	Chat          ChatConfig
	Observability ObservabilityConfig
	Auth          AuthConfig
}

type ServiceConfig struct {
	Name string
}

type HTTPConfig struct {
	Address      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DatabaseConfig describes the target database the assistant operates on.
// Driver is one of "postgres", "sqlite", "duckdb".
type DatabaseConfig struct {
	Driver           string
	DSN              string
	MaxOpenConns     int
	MaxIdleConns     int
	ConnMaxIdleTime  time.Duration
	ConnMaxLifetime  time.Duration
	StatementTimeout time.Duration
}

// CompletionConfig describes the LLM backend. Provider is "openai" or "gemini".
type CompletionConfig struct {
	Provider    string
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	Timeout     time.Duration
	MaxRPS      float64
}

type ChatConfig struct {
	HistoryTurns    int
	SchemaTableCap  int
	RepairRetries   int
	ProgressFrames  bool
	TurnTimeout     time.Duration
	MaxMessageBytes int
}

type ObservabilityConfig struct {
	LogLevel slog.Level
	LogJSON  bool
}

type AuthConfig struct {
	Required   bool
	StaticKeys string
}

func LoadFromEnv(serviceName string) (Config, error) {
	return Load(serviceName, os.LookupEnv)
}

func Load(serviceName string, lookup LookupFunc) (Config, error) {
	if lookup == nil {
		return Config{}, fmt.Errorf("lookup function is required")
	}

	profile := ProfileDev
	if raw, ok := lookup("SQLCHAT_PROFILE"); ok {
		profile = Profile(strings.ToLower(strings.TrimSpace(raw)))
	}
	if !isValidProfile(profile) {
		return Config{}, fmt.Errorf("invalid SQLCHAT_PROFILE: %q", profile)
	}

	cfg := defaultsForProfile(profile)
	if serviceName != "" {
		cfg.Service.Name = serviceName
	}

	if err := applyString(lookup, "SQLCHAT_SERVICE_NAME", &cfg.Service.Name); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "SQLCHAT_HTTP_ADDR", &cfg.HTTP.Address); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "SQLCHAT_HTTP_READ_TIMEOUT", &cfg.HTTP.ReadTimeout); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "SQLCHAT_HTTP_WRITE_TIMEOUT", &cfg.HTTP.WriteTimeout); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "SQLCHAT_HTTP_IDLE_TIMEOUT", &cfg.HTTP.IdleTimeout); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "SQLCHAT_DB_DRIVER", &cfg.Database.Driver); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "SQLCHAT_DB_DSN", &cfg.Database.DSN); err != nil {
		return Config{}, err
	}
	if err := applyInt(lookup, "SQLCHAT_DB_MAX_OPEN_CONNS", &cfg.Database.MaxOpenConns); err != nil {
		return Config{}, err
	}
	if err := applyInt(lookup, "SQLCHAT_DB_MAX_IDLE_CONNS", &cfg.Database.MaxIdleConns); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "SQLCHAT_DB_CONN_MAX_IDLE_TIME", &cfg.Database.ConnMaxIdleTime); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "SQLCHAT_DB_CONN_MAX_LIFETIME", &cfg.Database.ConnMaxLifetime); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "SQLCHAT_DB_STATEMENT_TIMEOUT", &cfg.Database.StatementTimeout); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "SQLCHAT_COMPLETION_PROVIDER", &cfg.Completion.Provider); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "SQLCHAT_COMPLETION_BASE_URL", &cfg.Completion.BaseURL); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "SQLCHAT_COMPLETION_API_KEY", &cfg.Completion.APIKey); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "SQLCHAT_COMPLETION_MODEL", &cfg.Completion.Model); err != nil {
		return Config{}, err
	}
	if err := applyFloat(lookup, "SQLCHAT_COMPLETION_TEMPERATURE", &cfg.Completion.Temperature); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "SQLCHAT_COMPLETION_TIMEOUT", &cfg.Completion.Timeout); err != nil {
		return Config{}, err
	}
	if err := applyFloat(lookup, "SQLCHAT_COMPLETION_MAX_RPS", &cfg.Completion.MaxRPS); err != nil {
		return Config{}, err
	}
	if err := applyInt(lookup, "SQLCHAT_CHAT_HISTORY_TURNS", &cfg.Chat.HistoryTurns); err != nil {
		return Config{}, err
	}
	if err := applyInt(lookup, "SQLCHAT_CHAT_SCHEMA_TABLE_CAP", &cfg.Chat.SchemaTableCap); err != nil {
		return Config{}, err
	}
	if err := applyInt(lookup, "SQLCHAT_CHAT_REPAIR_RETRIES", &cfg.Chat.RepairRetries); err != nil {
		return Config{}, err
	}
	if err := applyBool(lookup, "SQLCHAT_CHAT_PROGRESS_FRAMES", &cfg.Chat.ProgressFrames); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "SQLCHAT_CHAT_TURN_TIMEOUT", &cfg.Chat.TurnTimeout); err != nil {
		return Config{}, err
	}
	if err := applyInt(lookup, "SQLCHAT_CHAT_MAX_MESSAGE_BYTES", &cfg.Chat.MaxMessageBytes); err != nil {
		return Config{}, err
	}
	if err := applyBool(lookup, "SQLCHAT_LOG_JSON", &cfg.Observability.LogJSON); err != nil {
		return Config{}, err
	}
	if err := applyLogLevel(lookup, "SQLCHAT_LOG_LEVEL", &cfg.Observability.LogLevel); err != nil {
		return Config{}, err
	}
	if err := applyBool(lookup, "SQLCHAT_AUTH_REQUIRED", &cfg.Auth.Required); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "SQLCHAT_AUTH_STATIC_KEYS", &cfg.Auth.StaticKeys); err != nil {
		return Config{}, err
	}

	if cfg.Service.Name == "" {
		return Config{}, fmt.Errorf("service name is required")
	}
	if cfg.HTTP.Address == "" {
		return Config{}, fmt.Errorf("http address is required")
	}
	if !isValidDriver(cfg.Database.Driver) {
		return Config{}, fmt.Errorf("invalid SQLCHAT_DB_DRIVER: %q", cfg.Database.Driver)
	}
	if !isValidProvider(cfg.Completion.Provider) {
		return Config{}, fmt.Errorf("invalid SQLCHAT_COMPLETION_PROVIDER: %q", cfg.Completion.Provider)
	}
	if cfg.Chat.RepairRetries < 0 || cfg.Chat.RepairRetries > 4 {
		return Config{}, fmt.Errorf("invalid SQLCHAT_CHAT_REPAIR_RETRIES: %d (must be 0..4)", cfg.Chat.RepairRetries)
	}
	if cfg.Chat.HistoryTurns < 0 {
		return Config{}, fmt.Errorf("invalid SQLCHAT_CHAT_HISTORY_TURNS: %d", cfg.Chat.HistoryTurns)
	}
	if cfg.Chat.SchemaTableCap < 1 {
		return Config{}, fmt.Errorf("invalid SQLCHAT_CHAT_SCHEMA_TABLE_CAP: %d", cfg.Chat.SchemaTableCap)
	}
	return cfg, nil
}

func defaultsForProfile(profile Profile) Config {
	cfg := Config{
		Profile: profile,
		Service: ServiceConfig{Name: "sqlchat-server"},
		HTTP: HTTPConfig{
			Address:      ":8080",
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Database: DatabaseConfig{
			Driver:           "sqlite",
			DSN:              "file:sqlchat.db?cache=shared",
			MaxOpenConns:     10,
			MaxIdleConns:     10,
			ConnMaxIdleTime:  5 * time.Minute,
			ConnMaxLifetime:  30 * time.Minute,
			StatementTimeout: 10 * time.Second,
		},
		Completion: CompletionConfig{
			Provider:    "openai",
			BaseURL:     "https://api.openai.com",
			Model:       "gpt-4o-mini",
			Temperature: 0.1,
			Timeout:     15 * time.Second,
			MaxRPS:      2,
		},
		Chat: ChatConfig{
			HistoryTurns:    6,
			SchemaTableCap:  12,
			RepairRetries:   0,
			ProgressFrames:  true,
			TurnTimeout:     60 * time.Second,
			MaxMessageBytes: 64 * 1024,
		},
		Observability: ObservabilityConfig{
			LogLevel: slog.LevelDebug,
			LogJSON:  true,
		},
		Auth: AuthConfig{
			Required:   false,
			StaticKeys: "",
		},
	}

	switch profile {
	case ProfileTest:
		cfg.HTTP.Address = ":18080"
		cfg.Observability.LogLevel = slog.LevelWarn
		cfg.Auth.Required = false
	case ProfileProd:
		cfg.Observability.LogLevel = slog.LevelInfo
		cfg.Auth.Required = true
		cfg.Chat.ProgressFrames = false
	}

	return cfg
}

func isValidProfile(profile Profile) bool {
	switch profile {
	case ProfileDev, ProfileTest, ProfileProd:
		return true
	default:
		return false
	}
}

func isValidDriver(driver string) bool {
	switch driver {
	case "postgres", "sqlite", "duckdb":
		return true
	default:
		return false
	}
}

func isValidProvider(provider string) bool {
	switch provider {
	case "openai", "gemini":
		return true
	default:
		return false
	}
}

func applyString(lookup LookupFunc, key string, dst *string) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	*dst = strings.TrimSpace(raw)
	return nil
}

func applyDuration(lookup LookupFunc, key string, dst *time.Duration) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyBool(lookup LookupFunc, key string, dst *bool) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyInt(lookup LookupFunc, key string, dst *int) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyFloat(lookup LookupFunc, key string, dst *float64) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyLogLevel(lookup LookupFunc, key string, dst *slog.Level) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	level := strings.ToLower(strings.TrimSpace(raw))
	switch level {
	case "debug":
		*dst = slog.LevelDebug
	case "info":
		*dst = slog.LevelInfo
	case "warn", "warning":
		*dst = slog.LevelWarn
	case "error":
		*dst = slog.LevelError
	default:
		return fmt.Errorf("invalid %s: %q", key, raw)
	}
	return nil
}
