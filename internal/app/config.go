package app

import (
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/florianilch/aps-session/internal/apsauth"
	"github.com/florianilch/aps-session/internal/observability"
	"github.com/florianilch/aps-session/internal/secretstore"
	"github.com/florianilch/aps-session/internal/session"
)

// LogFormat represents the logging output format.
type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// SecretStorageType represents where the APS client secret is read from.
type SecretStorageType string

const (
	SecretStorageTypeEnv     SecretStorageType = "env"
	SecretStorageTypeFile    SecretStorageType = "file"
	SecretStorageTypeKeyring SecretStorageType = "keyring"
)

// Default configuration values
const (
	DefaultConfigLogFormat         = LogFormatText
	DefaultConfigServerHost        = "127.0.0.1"
	DefaultConfigServerPort        = 3000
	DefaultConfigShutdownTimeout   = 5 * time.Second
	DefaultConfigProviderBaseURL   = apsauth.DefaultBaseURL
	DefaultConfigProviderTimeout   = 30 * time.Second
	DefaultConfigSessionCookieName = session.DefaultCookieName
	DefaultConfigSecretStorage     = SecretStorageTypeEnv
	DefaultConfigSecretEnvKey      = secretstore.DefaultEnvKey
	DefaultConfigTelemetryExporter = observability.ExporterNone
	DefaultConfigTelemetryProtocol = observability.ProtocolHTTP
)

// ServerConfig holds server-specific configuration.
type ServerConfig struct {
	Host string `json:"host" validate:"hostname_rfc1123|ip"`
	Port uint16 `json:"port"` // Port range 0-65535 handled by uint16 type
	// StaticDir is served at / when set.
	StaticDir string `json:"static_dir" validate:"omitempty,dir"`
}

// ShutdownConfig holds shutdown behavior configuration.
type ShutdownConfig struct {
	// Timeout for graceful shutdown.
	Timeout time.Duration `json:"timeout"`
}

// ProviderConfig holds APS authentication endpoint configuration.
type ProviderConfig struct {
	BaseURL string        `json:"base_url" validate:"required,url"`
	Timeout time.Duration `json:"timeout"`
}

// SessionConfig holds session cookie configuration.
type SessionConfig struct {
	CookieName string `json:"cookie_name" validate:"required"`
	Secure     bool   `json:"secure"`
	// CookieKey is a base64-encoded 32-byte key. Cookies are sealed when set.
	CookieKey string `json:"cookie_key" validate:"omitempty,base64"`
}

// Key decodes CookieKey. Returns nil if unset.
func (s *SessionConfig) Key() ([]byte, error) {
	if s.CookieKey == "" {
		return nil, nil
	}
	key, err := base64.StdEncoding.DecodeString(s.CookieKey)
	if err != nil {
		return nil, fmt.Errorf("decoding session.cookie_key: %w", err)
	}
	if len(key) != session.KeySize {
		return nil, fmt.Errorf("session.cookie_key must decode to %d bytes, got %d", session.KeySize, len(key))
	}
	return key, nil
}

// SecretConfig describes where the client secret is stored.
type SecretConfig struct {
	Storage SecretStorageType `json:"storage" validate:"required,oneof=env file keyring"`

	// Storage-specific settings (mutually exclusive based on Storage type)
	EnvKey      string `json:"env_key,omitempty"`      // For env storage: environment variable name
	File        string `json:"file,omitempty"`         // For file storage: path to secret file
	KeyringUser string `json:"keyring_user,omitempty"` // For keyring storage: user identifier
}

// NewSecretStore creates a SecretStore from the secret configuration.
func (s *SecretConfig) NewSecretStore() (secretstore.SecretStore, error) {
	switch s.Storage {
	case SecretStorageTypeEnv:
		return secretstore.NewEnvStore(s.EnvKey)
	case SecretStorageTypeFile:
		return secretstore.NewFileStore(s.File)
	case SecretStorageTypeKeyring:
		return secretstore.NewKeyringStore(secretstore.DefaultKeyringService, s.KeyringUser)
	default:
		return nil, fmt.Errorf("unsupported secret storage type: %s", s.Storage)
	}
}

// TelemetryConfig holds OpenTelemetry log export configuration.
type TelemetryConfig struct {
	Exporter observability.Exporter `json:"exporter" validate:"oneof=none stdout otlp"`
	Protocol observability.Protocol `json:"protocol" validate:"oneof=http grpc"`
	Endpoint string                 `json:"endpoint" validate:"omitempty,url"`
}

// Config holds the application's configuration.
type Config struct {
	// LogLevel for logging output (defaults to Info if unset).
	LogLevel  slog.Level `json:"log_level"`
	LogFormat LogFormat  `json:"log_format" validate:"oneof=text json"`

	// ClientID and CallbackURL identify the APS application (APS_CLIENT_ID, APS_CALLBACK_URL).
	ClientID    string `json:"client_id" validate:"required"`
	CallbackURL string `json:"callback_url" validate:"required,url"`

	Server    ServerConfig    `json:"server"`
	Shutdown  ShutdownConfig  `json:"shutdown"`
	Provider  ProviderConfig  `json:"provider"`
	Session   SessionConfig   `json:"session"`
	Secret    SecretConfig    `json:"secret"`
	Telemetry TelemetryConfig `json:"telemetry"`
}

// ApplyDefaults fills unset config fields with sensible defaults.
func (c *Config) ApplyDefaults() error {
	if c.LogFormat == "" {
		c.LogFormat = DefaultConfigLogFormat
	}
	if c.Server.Host == "" {
		c.Server.Host = DefaultConfigServerHost
	}
	if c.Server.Port == 0 {
		c.Server.Port = DefaultConfigServerPort
	}
	if c.Shutdown.Timeout == 0 {
		c.Shutdown.Timeout = DefaultConfigShutdownTimeout
	}
	if c.Provider.BaseURL == "" {
		c.Provider.BaseURL = DefaultConfigProviderBaseURL
	}
	if c.Provider.Timeout == 0 {
		c.Provider.Timeout = DefaultConfigProviderTimeout
	}
	if c.Session.CookieName == "" {
		c.Session.CookieName = DefaultConfigSessionCookieName
	}
	if c.Secret.Storage == "" {
		c.Secret.Storage = DefaultConfigSecretStorage
	}
	if c.Telemetry.Exporter == "" {
		c.Telemetry.Exporter = DefaultConfigTelemetryExporter
	}
	if c.Telemetry.Protocol == "" {
		c.Telemetry.Protocol = DefaultConfigTelemetryProtocol
	}

	// Dynamic defaults based on storage type
	switch c.Secret.Storage {
	case SecretStorageTypeEnv:
		if c.Secret.EnvKey == "" {
			c.Secret.EnvKey = DefaultConfigSecretEnvKey
		}
	case SecretStorageTypeFile:
		if c.Secret.File == "" {
			configDir, err := os.UserConfigDir()
			if err != nil {
				return fmt.Errorf("secret.file required (auto-detect failed: %w)", err)
			}
			c.Secret.File = filepath.Join(configDir, "aps-session", "client_secret")
		}
	case SecretStorageTypeKeyring:
		// one keyring entry per APS application
		if c.Secret.KeyringUser == "" {
			c.Secret.KeyringUser = c.ClientID
		}
	}

	return nil
}

// Validate validates the configuration using struct tags and enum values.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}

	if _, err := c.Session.Key(); err != nil {
		return err
	}

	switch c.Secret.Storage {
	case SecretStorageTypeEnv:
		if c.Secret.EnvKey == "" {
			return errors.New("env_key required for env storage")
		}
	case SecretStorageTypeFile:
		if c.Secret.File == "" {
			return errors.New("file path required for file storage")
		}
	case SecretStorageTypeKeyring:
		if c.Secret.KeyringUser == "" {
			return errors.New("keyring_user required for keyring storage")
		}
	}

	return nil
}
