package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/kobosync/internal/database"
	"github.com/MarcoPoloResearchLab/kobosync/internal/kobo"
	"github.com/MarcoPoloResearchLab/kobosync/internal/registrations"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	envPrefix               = "KOBOSYNC"
	defaultDotEnvFile       = ".env"
	defaultDatabaseDriver   = database.DriverSQLite
	defaultDatabasePath     = "kobosync.db"
	defaultTimeoutSeconds   = 30
	defaultMaxAttempts      = 10
	defaultWebhookAddress   = "127.0.0.1:5000"
	defaultDedupeTTLSeconds = 600
	defaultTunnelProvider   = TunnelNone
	defaultLogLevel         = "info"
	defaultLogFormat        = "json"

	TunnelNone  = "none"
	TunnelNgrok = "ngrok"
)

// KoboConfig locates the KoboToolbox API and form.
type KoboConfig struct {
	BaseURL        string `validate:"required,url"`
	APIToken       string
	AssetUID       string
	TimeoutSeconds int `validate:"min=1"`
}

// Timeout returns the request timeout.
func (c KoboConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// DatabaseConfig selects the person store.
type DatabaseConfig struct {
	Driver string `validate:"oneof=sqlite postgres"`
	DSN    string `validate:"required_if=Driver postgres"`
	Path   string `validate:"required_if=Driver sqlite"`
	Table  string `validate:"required"`
}

// SyncConfig tunes the choice differ.
type SyncConfig struct {
	MaxAttempts int `validate:"min=1"`
}

// WebhookConfig configures the registration relay endpoint.
type WebhookConfig struct {
	Address          string `validate:"required,hostname_port"`
	TriggerField     string `validate:"required"`
	TriggerValue     string `validate:"required"`
	SigningSecret    string
	DedupeTTLSeconds int `validate:"min=1"`
	AllowedOrigins   []string
}

// DedupeTTL returns how long delivered submission ids are remembered.
func (c WebhookConfig) DedupeTTL() time.Duration {
	return time.Duration(c.DedupeTTLSeconds) * time.Second
}

// TunnelConfig selects how the webhook endpoint is exposed.
type TunnelConfig struct {
	Provider  string `validate:"oneof=none ngrok"`
	AuthToken string `validate:"required_if=Provider ngrok"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level  string
	Format string `validate:"oneof=json console"`
}

// AppConfig captures runtime configuration for every command.
type AppConfig struct {
	Kobo     KoboConfig
	Database DatabaseConfig
	Sync     SyncConfig
	Webhook  WebhookConfig
	Tunnel   TunnelConfig
	Log      LogConfig
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("kobo.base_url", kobo.DefaultBaseURL)
	configViper.SetDefault("kobo.timeout_seconds", defaultTimeoutSeconds)
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("database.table", database.DefaultPersonTable)
	configViper.SetDefault("sync.max_attempts", defaultMaxAttempts)
	configViper.SetDefault("webhook.address", defaultWebhookAddress)
	configViper.SetDefault("webhook.trigger_field", registrations.DefaultTriggerField)
	configViper.SetDefault("webhook.trigger_value", registrations.DefaultTriggerValue)
	configViper.SetDefault("webhook.dedupe_ttl_seconds", defaultDedupeTTLSeconds)
	configViper.SetDefault("webhook.allowed_origins", []string{"*"})
	configViper.SetDefault("tunnel.provider", defaultTunnelProvider)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
}

// LoadDotEnv exports the variables of a dotenv file into the process
// environment. A missing file is not an error; variables already set win.
func LoadDotEnv(path string) error {
	if strings.TrimSpace(path) == "" {
		path = defaultDotEnvFile
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: load %s: %w", path, err)
	}
	return nil
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		Kobo: KoboConfig{
			BaseURL:        strings.TrimSpace(configViper.GetString("kobo.base_url")),
			APIToken:       strings.TrimSpace(configViper.GetString("kobo.api_token")),
			AssetUID:       strings.TrimSpace(configViper.GetString("kobo.asset_uid")),
			TimeoutSeconds: configViper.GetInt("kobo.timeout_seconds"),
		},
		Database: DatabaseConfig{
			Driver: strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
			DSN:    configViper.GetString("database.dsn"),
			Path:   configViper.GetString("database.path"),
			Table:  strings.TrimSpace(configViper.GetString("database.table")),
		},
		Sync: SyncConfig{
			MaxAttempts: configViper.GetInt("sync.max_attempts"),
		},
		Webhook: WebhookConfig{
			Address:          configViper.GetString("webhook.address"),
			TriggerField:     configViper.GetString("webhook.trigger_field"),
			TriggerValue:     configViper.GetString("webhook.trigger_value"),
			SigningSecret:    configViper.GetString("webhook.signing_secret"),
			DedupeTTLSeconds: configViper.GetInt("webhook.dedupe_ttl_seconds"),
			AllowedOrigins:   configViper.GetStringSlice("webhook.allowed_origins"),
		},
		Tunnel: TunnelConfig{
			Provider:  strings.ToLower(strings.TrimSpace(configViper.GetString("tunnel.provider"))),
			AuthToken: configViper.GetString("tunnel.authtoken"),
		},
		Log: LogConfig{
			Level:  configViper.GetString("log.level"),
			Format: strings.ToLower(strings.TrimSpace(configViper.GetString("log.format"))),
		},
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c AppConfig) validate() error {
	if err := validate.Struct(c); err != nil {
		var fieldErrors validator.ValidationErrors
		if !errors.As(err, &fieldErrors) {
			return err
		}
		messages := make([]string, 0, len(fieldErrors))
		for _, fieldError := range fieldErrors {
			messages = append(messages, fmt.Sprintf("%s failed %s", configKey(fieldError.Namespace()), fieldError.Tag()))
		}
		return fmt.Errorf("invalid configuration: %s", strings.Join(messages, "; "))
	}
	return nil
}

var configKeys = map[string]string{
	"AppConfig.Kobo.BaseURL":             "kobo.base_url",
	"AppConfig.Kobo.TimeoutSeconds":      "kobo.timeout_seconds",
	"AppConfig.Database.Driver":          "database.driver",
	"AppConfig.Database.DSN":             "database.dsn",
	"AppConfig.Database.Path":            "database.path",
	"AppConfig.Database.Table":           "database.table",
	"AppConfig.Sync.MaxAttempts":         "sync.max_attempts",
	"AppConfig.Webhook.Address":          "webhook.address",
	"AppConfig.Webhook.TriggerField":     "webhook.trigger_field",
	"AppConfig.Webhook.TriggerValue":     "webhook.trigger_value",
	"AppConfig.Webhook.DedupeTTLSeconds": "webhook.dedupe_ttl_seconds",
	"AppConfig.Tunnel.Provider":          "tunnel.provider",
	"AppConfig.Tunnel.AuthToken":         "tunnel.authtoken",
	"AppConfig.Log.Format":               "log.format",
}

func configKey(namespace string) string {
	if key, ok := configKeys[namespace]; ok {
		return key
	}
	return namespace
}
