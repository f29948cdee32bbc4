package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration for convsync.
type Config struct {
	Server        ServerConfig        `json:"server"`
	User          UserConfig          `json:"user"`
	Storage       StorageConfig       `json:"storage"`
	Sync          SyncConfig          `json:"sync"`
	Toast         ToastConfig         `json:"toast"`
	Notifications NotificationsConfig `json:"notifications"`
	Directory     DirectoryConfig     `json:"directory"`
	Uploads       UploadsConfig       `json:"uploads"`
	Relay         RelayConfig         `json:"relay"`
	Log           LogConfig           `json:"log"`
	Metrics       MetricsConfig       `json:"metrics"`
}

// ServerConfig points the client at the realtime server.
type ServerConfig struct {
	URL   string `json:"url"`
	Token string `json:"token,omitempty"`
}

// UserConfig is the identity the client signs in with.
type UserConfig struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

// StorageConfig selects the key-value backend for unread state and
// notification history.
type StorageConfig struct {
	Backend string `json:"backend"` // "memory" | "sqlite" | "pebble"
	Path    string `json:"path,omitempty"`
}

type SyncConfig struct {
	PageSize             int      `json:"pageSize"`
	FetchTimeout         Duration `json:"fetchTimeout"`
	InboxSize            int      `json:"inboxSize"`
	AckTimeout           Duration `json:"ackTimeout"`
	HeartbeatInterval    Duration `json:"heartbeatInterval"`
	ReconnectBaseDelay   Duration `json:"reconnectBaseDelay"`
	ReconnectMaxDelay    Duration `json:"reconnectMaxDelay"`
	MaxReconnectAttempts int      `json:"maxReconnectAttempts"` // 0 = unlimited
}

type ToastConfig struct {
	Visible   Duration `json:"visible"`
	Animation Duration `json:"animation"`
	Settle    Duration `json:"settle"`
}

type NotificationsConfig struct {
	HistoryCap int `json:"historyCap"`
}

// DirectoryConfig lists forward targets by id and display name.
type DirectoryConfig struct {
	Users    map[string]string `json:"users,omitempty"`
	Groups   map[string]string `json:"groups,omitempty"`
	Channels map[string]string `json:"channels,omitempty"`
}

// UploadsConfig places attachments in a local directory served under
// BaseURL.
type UploadsConfig struct {
	Dir     string `json:"dir,omitempty"`
	BaseURL string `json:"baseUrl,omitempty"`
}

// RelayConfig configures the development relay server.
type RelayConfig struct {
	Addr       string                    `json:"addr"`
	FetchDelay Duration                  `json:"fetchDelay,omitempty"`
	Deny       map[string]string         `json:"deny,omitempty"`
	Members    map[string]FlexStringList `json:"members,omitempty"`
	Names      map[string]string         `json:"names,omitempty"`
	Storage    StorageConfig             `json:"storage"`
}

type LogConfig struct {
	Level string `json:"level"`
	File  string `json:"file,omitempty"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
}

// Duration is a time.Duration written as a Go duration string ("8s").
// Bare numbers are read as seconds.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		if s == "" {
			*d = 0
			return nil
		}
		v, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(v)
		return nil
	}
	var n float64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid duration %s", string(data))
	}
	*d = Duration(n * float64(time.Second))
	return nil
}

// FlexStringList is a []string that can unmarshal from JSON arrays containing
// both strings and numbers (e.g. ["123", 456] both become "123", "456").
type FlexStringList []string

func (f *FlexStringList) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			result = append(result, s)
			continue
		}
		var n float64
		if err := json.Unmarshal(item, &n); err == nil {
			result = append(result, strconv.FormatInt(int64(n), 10))
			continue
		}
		result = append(result, string(item))
	}
	*f = result
	return nil
}

// DefaultConfigDir returns the default config directory (~/.convsync).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".convsync"
	}
	return filepath.Join(home, ".convsync")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

// Load reads a JSON, YAML or TOML config file, picked by extension. A .env
// file next to it is loaded into the environment first; variables already
// set win.
func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	envFile := filepath.Join(filepath.Dir(path), ".env")
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("cannot load %s: %w", envFile, err)
		}
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	data, err = toJSON(path, data)
	if err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.Storage.Path = ExpandPath(cfg.Storage.Path)
	cfg.Relay.Storage.Path = ExpandPath(cfg.Relay.Storage.Path)
	cfg.Log.File = ExpandPath(cfg.Log.File)
	cfg.Uploads.Dir = ExpandPath(cfg.Uploads.Dir)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// toJSON converts YAML and TOML documents to JSON so every format decodes
// through the same struct tags.
func toJSON(path string, data []byte) ([]byte, error) {
	var m map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &m); err != nil {
			return nil, err
		}
	case ".toml":
		if err := toml.Unmarshal(data, &m); err != nil {
			return nil, err
		}
	default:
		return data, nil
	}
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match // Keep original if no env var and no default
		}
		return val
	})
}

// Save writes the config in the format named by the file extension.
func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".toml":
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			return fmt.Errorf("cannot marshal config: %w", err)
		}
		if ext := strings.ToLower(filepath.Ext(path)); ext == ".toml" {
			data, err = toml.Marshal(m)
		} else {
			data, err = yaml.Marshal(m)
		}
		if err != nil {
			return fmt.Errorf("cannot marshal config: %w", err)
		}
	}

	return os.WriteFile(path, data, 0o644)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.Server.URL == "" {
		errs = append(errs, "server.url is required")
	} else if !hasScheme(cfg.Server.URL, "http://", "https://", "ws://", "wss://") {
		errs = append(errs, "server.url must start with http(s):// or ws(s)://")
	}

	errs = append(errs, validateStorage("storage", cfg.Storage)...)
	errs = append(errs, validateStorage("relay.storage", cfg.Relay.Storage)...)

	if cfg.Sync.PageSize < 1 || cfg.Sync.PageSize > 500 {
		errs = append(errs, "sync.pageSize must be between 1 and 500")
	}
	if cfg.Sync.FetchTimeout <= 0 {
		errs = append(errs, "sync.fetchTimeout must be > 0")
	}
	if cfg.Sync.InboxSize < 1 {
		errs = append(errs, "sync.inboxSize must be >= 1")
	}
	if cfg.Sync.MaxReconnectAttempts < 0 {
		errs = append(errs, "sync.maxReconnectAttempts must be >= 0")
	}
	if cfg.Sync.ReconnectMaxDelay > 0 && cfg.Sync.ReconnectMaxDelay < cfg.Sync.ReconnectBaseDelay {
		errs = append(errs, "sync.reconnectMaxDelay must be >= sync.reconnectBaseDelay")
	}

	if cfg.Toast.Visible <= 0 {
		errs = append(errs, "toast.visible must be > 0")
	}
	if cfg.Toast.Animation < 0 || cfg.Toast.Settle < 0 {
		errs = append(errs, "toast.animation and toast.settle must be >= 0")
	}
	if cfg.Notifications.HistoryCap < 1 {
		errs = append(errs, "notifications.historyCap must be >= 1")
	}

	if cfg.Uploads.Dir != "" && cfg.Uploads.BaseURL == "" {
		errs = append(errs, "uploads.baseUrl is required when uploads.dir is set")
	}

	switch strings.ToLower(cfg.Log.Level) {
	case "", "debug", "info", "warn", "error":
		// valid
	default:
		errs = append(errs, "log.level must be one of: debug, info, warn, error")
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Addr == "" {
		errs = append(errs, "metrics.addr is required when metrics are enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func validateStorage(prefix string, s StorageConfig) []string {
	switch strings.ToLower(s.Backend) {
	case "", "memory":
		return nil
	case "sqlite", "pebble":
		if s.Path == "" {
			return []string{prefix + ".path is required for the " + s.Backend + " backend"}
		}
		return nil
	default:
		return []string{prefix + ".backend must be one of: memory, sqlite, pebble"}
	}
}

func hasScheme(u string, schemes ...string) bool {
	for _, s := range schemes {
		if strings.HasPrefix(u, s) {
			return true
		}
	}
	return false
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
