package app

import (
	"context"
	"encoding/base64"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/zalando/go-keyring"
)

func validConfig(t *testing.T) *Config {
	t.Helper()
	cfg := &Config{
		ClientID:    "my-client",
		CallbackURL: "http://localhost:3000/api/aps/callback/oauth",
	}
	if err := cfg.ApplyDefaults(); err != nil {
		t.Fatalf("ApplyDefaults() error = %v", err)
	}
	return cfg
}

func TestApplyDefaults(t *testing.T) {
	cfg := validConfig(t)

	checks := map[string]struct{ got, want any }{
		"log_format":          {cfg.LogFormat, LogFormatText},
		"server.host":         {cfg.Server.Host, DefaultConfigServerHost},
		"server.port":         {cfg.Server.Port, uint16(DefaultConfigServerPort)},
		"shutdown.timeout":    {cfg.Shutdown.Timeout, DefaultConfigShutdownTimeout},
		"provider.base_url":   {cfg.Provider.BaseURL, "https://developer.api.autodesk.com"},
		"provider.timeout":    {cfg.Provider.Timeout, 30 * time.Second},
		"session.cookie_name": {cfg.Session.CookieName, "APSApp"},
		"secret.storage":      {cfg.Secret.Storage, SecretStorageTypeEnv},
		"secret.env_key":      {cfg.Secret.EnvKey, "APS_CLIENT_SECRET"},
	}
	for key, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", key, c.got, c.want)
		}
	}

	keyringCfg := &Config{ClientID: "my-client", Secret: SecretConfig{Storage: SecretStorageTypeKeyring}}
	if err := keyringCfg.ApplyDefaults(); err != nil {
		t.Fatalf("ApplyDefaults() error = %v", err)
	}
	if keyringCfg.Secret.KeyringUser != "my-client" {
		t.Errorf("keyring_user = %q, want client id", keyringCfg.Secret.KeyringUser)
	}
}

func TestValidate(t *testing.T) {
	validKey := base64.StdEncoding.EncodeToString(make([]byte, 32))

	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{name: "defaults", modify: func(*Config) {}},
		{name: "sealed cookie", modify: func(c *Config) { c.Session.CookieKey = validKey }},
		{name: "missing client id", modify: func(c *Config) { c.ClientID = "" }, wantErr: true},
		{name: "missing callback", modify: func(c *Config) { c.CallbackURL = "" }, wantErr: true},
		{name: "invalid callback", modify: func(c *Config) { c.CallbackURL = "not a url" }, wantErr: true},
		{name: "invalid log format", modify: func(c *Config) { c.LogFormat = "xml" }, wantErr: true},
		{name: "short cookie key", modify: func(c *Config) { c.Session.CookieKey = base64.StdEncoding.EncodeToString([]byte("short")) }, wantErr: true},
		{name: "cookie key not base64", modify: func(c *Config) { c.Session.CookieKey = "%%%" }, wantErr: true},
		{name: "unknown storage", modify: func(c *Config) { c.Secret.Storage = "vault" }, wantErr: true},
		{name: "file storage without path", modify: func(c *Config) { c.Secret.Storage = SecretStorageTypeFile }, wantErr: true},
		{name: "keyring without user", modify: func(c *Config) { c.Secret.Storage = SecretStorageTypeKeyring }, wantErr: true},
		{name: "unknown exporter", modify: func(c *Config) { c.Telemetry.Exporter = "zipkin" }, wantErr: true},
		{name: "missing static dir", modify: func(c *Config) { c.Server.StaticDir = "/does/not/exist" }, wantErr: true},
		{name: "static dir", modify: func(c *Config) { c.Server.StaticDir = t.TempDir() }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.modify(cfg)

			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNewReadsClientSecret(t *testing.T) {
	t.Run("env", func(t *testing.T) {
		t.Setenv("APS_CLIENT_SECRET", "s3cret")
		if _, err := New(context.Background(), validConfig(t)); err != nil {
			t.Fatalf("New() error = %v", err)
		}
	})

	t.Run("keyring", func(t *testing.T) {
		keyring.MockInit()
		cfg := validConfig(t)
		cfg.Secret = SecretConfig{Storage: SecretStorageTypeKeyring, KeyringUser: cfg.ClientID}

		if _, err := New(context.Background(), cfg); err == nil {
			t.Fatal("New() expected error without a stored secret")
		}
		if err := keyring.Set("aps-session", cfg.ClientID, "s3cret"); err != nil {
			t.Fatalf("keyring.Set() error = %v", err)
		}
		if _, err := New(context.Background(), cfg); err != nil {
			t.Fatalf("New() error = %v", err)
		}
	})

	t.Run("missing file", func(t *testing.T) {
		cfg := validConfig(t)
		cfg.Secret = SecretConfig{Storage: SecretStorageTypeFile, File: filepath.Join(t.TempDir(), "client_secret")}

		_, err := New(context.Background(), cfg)
		if err == nil || !strings.Contains(err.Error(), "client secret") {
			t.Errorf("New() error = %v, want client secret error", err)
		}
	})
}

// freePort returns a port that was free a moment ago.
func freePort(t *testing.T) uint16 {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer func() { _ = l.Close() }()
	return uint16(l.Addr().(*net.TCPAddr).Port)
}

func TestStartServesUntilCancelled(t *testing.T) {
	t.Setenv("APS_CLIENT_SECRET", "s3cret")
	cfg := validConfig(t)
	cfg.Server.Port = freePort(t)

	application, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- application.Start(ctx) }()

	url := "http://" + application.Address() + "/api/aps/clientid"
	var resp *http.Response
	for range 50 {
		resp, err = http.Get(url)
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		cancel()
		t.Fatalf("server never became reachable: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start() error = %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Start() did not return after cancellation")
	}
}
