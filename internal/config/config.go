package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Environment variables that override the file.
const (
	EnvDBPath    = "TTT_DB_PATH"
	EnvRMBaseURL = "TTT_RM_BASE_URL"
	EnvRMUser    = "TTT_RM_USER"
	EnvRMSecret  = "TTT_RM_SECRET"
	EnvLogLevel  = "LOG_LEVEL"
)

// Config is the root configuration for ttt, stored in ~/.ttt/config.json.
// The file supports single-line // comments for documentation purposes.
type Config struct {
	Outlook  OutlookConfig  `json:"outlook"`
	Database DatabaseConfig `json:"database"`
	RM       RMConfig       `json:"rm"`
	Log      LogConfig      `json:"log"`

	// Secret seals stored RM credentials. It is only read from the
	// environment and never written to the file.
	Secret string `json:"-"`
}

// OutlookConfig holds Microsoft Graph / Outlook calendar import settings.
type OutlookConfig struct {
	// TenantID is the Azure AD tenant. Use "common" for personal/multi-tenant accounts.
	TenantID string `json:"tenant_id"`
	// ClientID is the Azure app (client) ID for the OAuth2 device code flow.
	ClientID string `json:"client_id"`
	// DefaultProject is the project name assigned to imported Outlook events.
	DefaultProject string `json:"default_project"`
	// Timezone is the IANA timezone for event times (e.g. "Europe/Berlin"). Empty = UTC.
	Timezone string `json:"timezone"`
}

// DatabaseConfig locates the SQLite database.
type DatabaseConfig struct {
	Path string `json:"path"`
}

// RMConfig holds settings of the RM billing sync.
type RMConfig struct {
	// BaseURL is used by "ttt rm connect" when --base-url is omitted.
	BaseURL string `json:"base_url"`
	// UserID owns the local entries and the RM connection.
	UserID string `json:"user_id"`
	// RequestTimeout bounds each RM API call.
	RequestTimeout Duration `json:"request_timeout"`
	// StaleAfter is the age after which "ttt rm recover" fails a RUNNING sync.
	StaleAfter Duration `json:"stale_after"`
	// WindowDays is the default sync window, ending today.
	WindowDays int `json:"window_days"`
}

// LogConfig configures diagnostics logging.
type LogConfig struct {
	Level string `json:"level"`
	// File, when set, receives the log (rotated) instead of stderr.
	File string `json:"file"`
}

// Duration is a time.Duration written as a string such as "30s" or "45m".
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	s = strings.TrimSpace(s)
	if s == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

const (
	// DefaultTenantID is the Microsoft "common" tenant (supports personal and
	// multi-tenant organisational accounts without additional registration).
	DefaultTenantID = "common"
	// DefaultClientID is the well-known public Azure CLI app ID.
	// It supports device code flow without a client secret and requires no
	// app registration. Replace with your own registered app ID for
	// organisational or production deployments.
	DefaultClientID = "04b07795-8542-4c4a-95af-30b2c573d5ab"
	// DefaultProject is the project name used when none is specified.
	DefaultProject = "Meetings"

	DefaultRequestTimeout = Duration(30 * time.Second)
	DefaultStaleAfter     = Duration(time.Hour)
	DefaultWindowDays     = 14
	DefaultLogLevel       = "info"
)

// configTemplate is the annotated config written on first run.
// Lines whose trimmed content starts with // are stripped before JSON parsing,
// allowing human-readable documentation inside the file.
const configTemplate = `// ttt configuration – ~/.ttt/config.json
//
// All settings are optional; empty values fall back to the built-in defaults.
// Environment variables (also read from ./.env) override this file:
//   TTT_DB_PATH, TTT_RM_BASE_URL, TTT_RM_USER, TTT_RM_SECRET, LOG_LEVEL
{
  // ── Microsoft Graph / Outlook calendar import ────────────────────────────
  "outlook": {
    // Azure AD tenant ID.
    // • "common"  – personal Microsoft accounts and any organisation (default)
    // • Your organisation's tenant GUID, e.g. "xxxxxxxx-xxxx-xxxx-xxxx-xxxxxxxxxxxx"
    "tenant_id": "common",

    // Azure application (client) ID used for the OAuth2 device code flow.
    // The built-in value is the public Azure CLI app – no app registration needed.
    "client_id": "04b07795-8542-4c4a-95af-30b2c573d5ab",

    // Project assigned to imported calendar events.
    // Can be overridden per import with: ttt outlook import --project <name>
    "default_project": "Meetings",

    // IANA timezone for interpreting calendar event times, e.g. "Europe/Berlin".
    // Leave empty to use UTC. Can be overridden with: ttt outlook import --timezone <tz>
    "timezone": ""
  },

  // ── Local database ───────────────────────────────────────────────────────
  "database": {
    // SQLite file. Empty = ttt.db next to this config file.
    "path": ""
  },

  // ── RM billing sync ──────────────────────────────────────────────────────
  "rm": {
    // Base URL of the RM API, used when "ttt rm connect" gets no --base-url.
    "base_url": "",

    // Owner of local entries and of the RM connection. Empty = OS user name.
    "user_id": "",

    // Upper bound for a single RM API call.
    "request_timeout": "30s",

    // A sync still RUNNING after this long is failed by "ttt rm recover".
    "stale_after": "1h",

    // Days synced by "ttt rm sync" when --from is omitted (ending today).
    "window_days": 14
  },

  // ── Diagnostics ──────────────────────────────────────────────────────────
  "log": {
    // debug, info, warn or error.
    "level": "info",

    // Rotated log file. Empty = stderr.
    "file": ""
  }
}
`

// Dir returns ~/.ttt.
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(home, ".ttt"), nil
}

// stripLineComments removes lines whose leading non-whitespace content starts
// with //. Only full-line comments are handled; inline comments are not stripped.
func stripLineComments(data []byte) []byte {
	var out []byte
	for _, line := range bytes.Split(data, []byte("\n")) {
		if bytes.HasPrefix(bytes.TrimLeft(line, " \t"), []byte("//")) {
			continue
		}
		out = append(out, line...)
		out = append(out, '\n')
	}
	return out
}

// Load reads ~/.ttt/config.json, creating it with annotated defaults on first
// run, then applies ./.env and environment overrides.
func Load() (Config, error) {
	dir, err := Dir()
	if err != nil {
		return Config{}, err
	}
	// A missing .env is the normal case.
	_ = godotenv.Load()
	return LoadFrom(filepath.Join(dir, "config.json"))
}

// LoadFrom reads the config at path. A missing file is created from the
// template. Zero fields are filled with defaults and environment overrides
// are applied last.
func LoadFrom(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		// First run: write the annotated template so users can discover options.
		if writeErr := writeDefault(path); writeErr != nil {
			fmt.Fprintf(os.Stderr, "Warning: could not create config file %s: %v\n", path, writeErr)
		}
	case err != nil:
		return Config{}, fmt.Errorf("reading config file %s: %w", path, err)
	default:
		if err := json.Unmarshal(stripLineComments(data), &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config file %s: %w\nTip: delete the file to regenerate defaults", path, err)
		}
	}

	applyDefaults(&cfg, filepath.Dir(path))
	applyEnv(&cfg)
	return cfg, nil
}

// applyDefaults fills zero-value fields so callers always get a usable Config
// even if the user only partially fills in the file.
func applyDefaults(cfg *Config, dir string) {
	if cfg.Outlook.TenantID == "" {
		cfg.Outlook.TenantID = DefaultTenantID
	}
	if cfg.Outlook.ClientID == "" {
		cfg.Outlook.ClientID = DefaultClientID
	}
	if cfg.Outlook.DefaultProject == "" {
		cfg.Outlook.DefaultProject = DefaultProject
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = filepath.Join(dir, "ttt.db")
	}
	if cfg.RM.UserID == "" {
		cfg.RM.UserID = defaultUserID()
	}
	if cfg.RM.RequestTimeout <= 0 {
		cfg.RM.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.RM.StaleAfter <= 0 {
		cfg.RM.StaleAfter = DefaultStaleAfter
	}
	if cfg.RM.WindowDays <= 0 {
		cfg.RM.WindowDays = DefaultWindowDays
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = DefaultLogLevel
	}
}

func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvDBPath); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv(EnvRMBaseURL); v != "" {
		cfg.RM.BaseURL = v
	}
	if v := os.Getenv(EnvRMUser); v != "" {
		cfg.RM.UserID = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.Log.Level = v
	}
	cfg.Secret = os.Getenv(EnvRMSecret)
}

func defaultUserID() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return "local"
}

// writeDefault creates the config directory and writes the annotated default
// config template.
func writeDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(configTemplate), 0o600); err != nil {
		return fmt.Errorf("writing default config: %w", err)
	}
	return nil
}
