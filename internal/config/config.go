package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables understood by the configuration layer. Env values
// always win over the config file.
const (
	EnvConfigPath   = "CONFIG_PATH"
	EnvDBConnection = "DB_CONNECTION"

	EnvSessionCookie = "SESSION_COOKIE"
	EnvSessionTTL    = "SESSION_TTL"

	EnvOIDCIssuerURL    = "OIDC_ISSUER_URL"
	EnvOIDCClientID     = "OIDC_CLIENT_ID"
	EnvOIDCClientSecret = "OIDC_CLIENT_SECRET"
	EnvOIDCRedirectURL  = "OIDC_REDIRECT_URL"

	EnvWebAuthnID     = "WEBAUTHN_ID"
	EnvWebAuthnOrigin = "WEBAUTHN_ORIGIN"
	EnvWebAuthnCAList = "WEBAUTHN_ATTESTATION_CA_LIST"
)

// AppConfig holds resolved application configuration values.
type AppConfig struct {
	ConfigPath string
}

// LoadFromEnv loads app config from environment variables.
func LoadFromEnv() (AppConfig, error) {
	return AppConfig{ConfigPath: ResolveConfigPath(os.Getenv(EnvConfigPath))}, nil
}

// ResolveConfigPath normalizes the config path and applies defaults.
func ResolveConfigPath(p string) string {
	trimmed := strings.TrimSpace(p)
	if trimmed == "" {
		trimmed = "./config.yaml"
	}
	if abs, err := filepath.Abs(trimmed); err == nil {
		return abs
	}
	return trimmed
}

// ErrMissingDatabaseDSN indicates no database DSN is present in the config file.
var ErrMissingDatabaseDSN = errors.New("missing database dsn (set `database-dsn` or `database.dsn` in config file)")

// ErrOIDCNotConfigured indicates the config carries no OIDC section at all;
// federated login is disabled in that case.
var ErrOIDCNotConfigured = errors.New("oidc is not configured")

// LoadDatabaseDSN reads the database DSN from the YAML config file.
func LoadDatabaseDSN(configPath string) (string, error) {
	if dsn := strings.TrimSpace(os.Getenv(EnvDBConnection)); dsn != "" {
		return dsn, nil
	}

	// fileConfig maps the YAML fields needed for DSN resolution.
	type fileConfig struct {
		DatabaseDSN string `yaml:"database-dsn"`
		Database    struct {
			DSN string `yaml:"dsn"`
		} `yaml:"database"`
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return "", fmt.Errorf("read config file: %w", err)
	}

	var cfg fileConfig
	if errUnmarshal := yaml.Unmarshal(data, &cfg); errUnmarshal != nil {
		return "", fmt.Errorf("parse config file: %w", errUnmarshal)
	}

	if dsn := strings.TrimSpace(cfg.DatabaseDSN); dsn != "" {
		return dsn, nil
	}
	if dsn := strings.TrimSpace(cfg.Database.DSN); dsn != "" {
		return dsn, nil
	}
	return "", ErrMissingDatabaseDSN
}

// SessionConfig holds server-side session settings.
type SessionConfig struct {
	CookieName string        `yaml:"cookie-name"`
	TTL        time.Duration `yaml:"ttl"`
}

// Session defaults applied when the config omits or invalidates values.
const (
	defaultSessionCookie = "idgate_session"
	defaultSessionTTL    = 24 * time.Hour
)

// LoadSessionConfig loads session settings from the YAML config file.
func LoadSessionConfig(configPath string) (SessionConfig, error) {
	// fileConfig maps the YAML fields needed for session settings.
	type fileConfig struct {
		Session SessionConfig `yaml:"session"`
	}

	result := SessionConfig{CookieName: defaultSessionCookie, TTL: defaultSessionTTL}

	data, errRead := os.ReadFile(configPath)
	if errRead == nil {
		var cfg fileConfig
		if errUnmarshal := yaml.Unmarshal(data, &cfg); errUnmarshal == nil {
			if name := strings.TrimSpace(cfg.Session.CookieName); name != "" {
				result.CookieName = name
			}
			if cfg.Session.TTL > 0 {
				result.TTL = cfg.Session.TTL
			}
		}
	}

	if name := strings.TrimSpace(os.Getenv(EnvSessionCookie)); name != "" {
		result.CookieName = name
	}
	if ttlRaw := strings.TrimSpace(os.Getenv(EnvSessionTTL)); ttlRaw != "" {
		if ttl, errParse := time.ParseDuration(ttlRaw); errParse == nil && ttl > 0 {
			result.TTL = ttl
		}
	}
	return result, nil
}

// OIDCConfig holds the relying-party settings for federated login.
type OIDCConfig struct {
	IssuerURL    string `yaml:"issuer-url"`
	ClientID     string `yaml:"client-id"`
	ClientSecret string `yaml:"client-secret"`
	RedirectURL  string `yaml:"redirect-url"`
}

// LoadOIDCConfig loads OIDC settings from the YAML config file plus env
// overrides. Returns ErrOIDCNotConfigured when no field is set anywhere; a
// partially filled section is a hard error.
func LoadOIDCConfig(configPath string) (OIDCConfig, error) {
	// fileConfig maps the YAML fields needed for OIDC settings.
	type fileConfig struct {
		OIDC OIDCConfig `yaml:"oidc"`
	}

	var result OIDCConfig

	data, errRead := os.ReadFile(configPath)
	if errRead == nil {
		var cfg fileConfig
		if errUnmarshal := yaml.Unmarshal(data, &cfg); errUnmarshal == nil {
			result = cfg.OIDC
		}
	}

	if v := strings.TrimSpace(os.Getenv(EnvOIDCIssuerURL)); v != "" {
		result.IssuerURL = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvOIDCClientID)); v != "" {
		result.ClientID = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvOIDCClientSecret)); v != "" {
		result.ClientSecret = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvOIDCRedirectURL)); v != "" {
		result.RedirectURL = v
	}

	if result.IssuerURL == "" && result.ClientID == "" && result.ClientSecret == "" && result.RedirectURL == "" {
		return OIDCConfig{}, ErrOIDCNotConfigured
	}
	if result.IssuerURL == "" || result.ClientID == "" || result.ClientSecret == "" || result.RedirectURL == "" {
		return OIDCConfig{}, fmt.Errorf("incomplete oidc config: issuer-url, client-id, client-secret and redirect-url are all required")
	}
	return result, nil
}

// WebAuthnConfig holds the relying-party settings for webauthn ceremonies.
type WebAuthnConfig struct {
	RPID                  string `yaml:"rp-id"`
	RPOrigin              string `yaml:"rp-origin"`
	AttestationCAListPath string `yaml:"attestation-ca-list"`
}

// LoadWebAuthnConfig loads webauthn settings from the YAML config file plus
// env overrides. All fields are required.
func LoadWebAuthnConfig(configPath string) (WebAuthnConfig, error) {
	// fileConfig maps the YAML fields needed for webauthn settings.
	type fileConfig struct {
		WebAuthn WebAuthnConfig `yaml:"webauthn"`
	}

	var result WebAuthnConfig

	data, errRead := os.ReadFile(configPath)
	if errRead == nil {
		var cfg fileConfig
		if errUnmarshal := yaml.Unmarshal(data, &cfg); errUnmarshal == nil {
			result = cfg.WebAuthn
		}
	}

	if v := strings.TrimSpace(os.Getenv(EnvWebAuthnID)); v != "" {
		result.RPID = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvWebAuthnOrigin)); v != "" {
		result.RPOrigin = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvWebAuthnCAList)); v != "" {
		result.AttestationCAListPath = v
	}

	if result.RPID == "" || result.RPOrigin == "" || result.AttestationCAListPath == "" {
		return WebAuthnConfig{}, fmt.Errorf("incomplete webauthn config: rp-id, rp-origin and attestation-ca-list are all required")
	}
	return result, nil
}
