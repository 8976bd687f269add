package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Flavor selects which CMS backend the console talks to.
type Flavor string

const (
	// FlavorIntegrated is the multi-tenant integrated CMS.
	FlavorIntegrated Flavor = "integrated"
	// FlavorService is a single-tenant service CMS addressed by service id.
	FlavorService Flavor = "service"
)

// StoreDriver selects the token store backend.
type StoreDriver string

const (
	StoreDriverMemory StoreDriver = "memory"
	StoreDriverFile   StoreDriver = "file"
	StoreDriverRedis  StoreDriver = "redis"
)

// Guard contexts.
const (
	GuardContextAdmin   = "admin"
	GuardContextRegular = "regular"
)

// Config represents the complete application configuration
type Config struct {
	Flavor     Flavor           `yaml:"flavor"`
	Backend    BackendConfig    `yaml:"backend"`
	Listen     ListenConfig     `yaml:"listen"`
	TokenStore TokenStoreConfig `yaml:"token_store"`
	Routes     RoutesConfig     `yaml:"routes"`
	Session    SessionConfig    `yaml:"session"`
	Log        LogConfig        `yaml:"log"`
}

// BackendConfig defines how to reach the CMS REST backend
type BackendConfig struct {
	BaseURL    string `yaml:"base_url"`    // e.g. https://cms.example.com
	APIPrefix  string `yaml:"api_prefix"`  // derived from the flavor when empty
	ServiceID  string `yaml:"service_id"`  // required for the service flavor
	Timeout    int    `yaml:"timeout"`     // request timeout in seconds
	RolePrefix string `yaml:"role_prefix"` // namespace prefix stripped from role names
}

// ListenConfig defines where the daemon listens for requests
type ListenConfig struct {
	HTTP   string `yaml:"http"`   // console HTTP address
	Socket string `yaml:"socket"` // control socket path
}

// TokenStoreConfig defines where the token pair is persisted
type TokenStoreConfig struct {
	Driver        StoreDriver `yaml:"driver"`
	Path          string      `yaml:"path"`     // directory for the file driver
	Lifetime      int         `yaml:"lifetime"` // seconds, 0 keeps records until cleared
	RedisAddr     string      `yaml:"redis_addr"`
	RedisPassword string      `yaml:"redis_password"`
	RedisDB       int         `yaml:"redis_db"`
	KeyPrefix     string      `yaml:"key_prefix"`
}

// RoutesConfig describes the console's navigation policy
type RoutesConfig struct {
	SignIn         string            `yaml:"sign_in"`
	Home           string            `yaml:"home"`
	PasswordChange string            `yaml:"password_change"`
	Public         []string          `yaml:"public"`
	Guards         []GuardConfig     `yaml:"guards"`
	Landing        map[string]string `yaml:"landing"` // role -> landing path
	DefaultLanding string            `yaml:"default_landing"`
}

// GuardConfig restricts a path prefix to a set of roles
type GuardConfig struct {
	Prefix  string   `yaml:"prefix"`
	Roles   []string `yaml:"roles"`
	Context string   `yaml:"context"` // admin or regular
}

// SessionConfig tunes the session machine
type SessionConfig struct {
	NavigationDelayMS int  `yaml:"navigation_delay_ms"`
	NotifyDelayMS     int  `yaml:"notify_delay_ms"`
	RememberLogin     bool `yaml:"remember_login"`
}

// LogConfig defines logging settings
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	// Read file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Parse YAML
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Pick up a local .env, then apply environment variable overrides
	loadDotEnv(".env")
	cfg.applyEnvOverrides()
	cfg.applyFlavorDefaults()

	// Validate
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// loadDotEnv exports variables from the given files without overriding the
// process environment. Missing files are ignored.
func loadDotEnv(files ...string) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("failed to load .env file", "error", err)
	}
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Flavor: FlavorIntegrated,
		Backend: BackendConfig{
			Timeout:    15,
			RolePrefix: "ROLE_",
		},
		Listen: ListenConfig{
			HTTP:   "127.0.0.1:9400",
			Socket: "/run/cms-console/ctl.sock",
		},
		TokenStore: TokenStoreConfig{
			Driver:    StoreDriverFile,
			Path:      "/var/lib/cms-console",
			Lifetime:  86400, // 1 day
			KeyPrefix: "cms-console",
		},
		Routes: RoutesConfig{
			SignIn:         "/login",
			Home:           "/home",
			PasswordChange: "/password-change",
			Public: []string{
				"/login",
				"/signup",
				"/find-credentials/id",
				"/find-credentials/password",
			},
			Guards: []GuardConfig{
				{Prefix: "/services", Roles: []string{"SUPER_ADMIN", "ADMIN"}, Context: GuardContextAdmin},
			},
			DefaultLanding: "/home",
		},
		Session: SessionConfig{
			NavigationDelayMS: 50,
			NotifyDelayMS:     100,
			RememberLogin:     true,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// applyEnvOverrides applies environment variable overrides
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("CMS_CONSOLE_FLAVOR"); v != "" {
		c.Flavor = Flavor(v)
	}

	// Backend overrides
	if v := os.Getenv("CMS_CONSOLE_BACKEND_BASE_URL"); v != "" {
		c.Backend.BaseURL = v
	}
	if v := os.Getenv("CMS_CONSOLE_BACKEND_SERVICE_ID"); v != "" {
		c.Backend.ServiceID = v
	}

	// Token store overrides
	if v := os.Getenv("CMS_CONSOLE_TOKEN_STORE_DRIVER"); v != "" {
		c.TokenStore.Driver = StoreDriver(v)
	}
	if v := os.Getenv("CMS_CONSOLE_TOKEN_STORE_PATH"); v != "" {
		c.TokenStore.Path = v
	}
	if v := os.Getenv("CMS_CONSOLE_REDIS_ADDR"); v != "" {
		c.TokenStore.RedisAddr = v
	}
	if v := os.Getenv("CMS_CONSOLE_REDIS_PASSWORD"); v != "" {
		c.TokenStore.RedisPassword = v
	}
	if v := os.Getenv("CMS_CONSOLE_REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			c.TokenStore.RedisDB = db
		} else {
			slog.Warn("ignoring invalid CMS_CONSOLE_REDIS_DB", "value", v)
		}
	}

	// Log overrides
	if v := os.Getenv("CMS_CONSOLE_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("CMS_CONSOLE_LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}

	// Listen overrides
	if v := os.Getenv("CMS_CONSOLE_LISTEN_HTTP"); v != "" {
		c.Listen.HTTP = v
	}
	if v := os.Getenv("CMS_CONSOLE_LISTEN_SOCKET"); v != "" {
		c.Listen.Socket = v
	}
}

// applyFlavorDefaults fills the API prefix from the flavor when not set explicitly.
func (c *Config) applyFlavorDefaults() {
	if c.Backend.APIPrefix != "" {
		return
	}
	switch c.Flavor {
	case FlavorIntegrated:
		c.Backend.APIPrefix = "/api/v2/integrated-cms"
	case FlavorService:
		if c.Backend.ServiceID != "" {
			c.Backend.APIPrefix = "/api/v2/cms/" + c.Backend.ServiceID
		}
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	// Validate flavor and backend
	switch c.Flavor {
	case FlavorIntegrated:
	case FlavorService:
		if c.Backend.ServiceID == "" {
			return fmt.Errorf("backend.service_id is required for the service flavor")
		}
	default:
		return fmt.Errorf("flavor must be one of: integrated, service")
	}

	if c.Backend.BaseURL == "" {
		return fmt.Errorf("backend.base_url is required")
	}
	if !strings.HasPrefix(c.Backend.BaseURL, "http://") && !strings.HasPrefix(c.Backend.BaseURL, "https://") {
		return fmt.Errorf("backend.base_url must be a valid HTTP(S) URL")
	}
	if c.Backend.APIPrefix != "" && !strings.HasPrefix(c.Backend.APIPrefix, "/") {
		return fmt.Errorf("backend.api_prefix must start with /")
	}
	if c.Backend.Timeout <= 0 {
		return fmt.Errorf("backend.timeout must be positive")
	}

	// Validate token store
	switch c.TokenStore.Driver {
	case StoreDriverMemory:
	case StoreDriverFile:
		if c.TokenStore.Path == "" {
			return fmt.Errorf("token_store.path is required for the file driver")
		}
	case StoreDriverRedis:
		if c.TokenStore.RedisAddr == "" {
			return fmt.Errorf("token_store.redis_addr is required for the redis driver")
		}
	default:
		return fmt.Errorf("token_store.driver must be one of: memory, file, redis")
	}
	if c.TokenStore.Lifetime < 0 {
		return fmt.Errorf("token_store.lifetime must not be negative")
	}

	// Validate routes
	for name, p := range map[string]string{
		"routes.sign_in":         c.Routes.SignIn,
		"routes.home":            c.Routes.Home,
		"routes.password_change": c.Routes.PasswordChange,
		"routes.default_landing": c.Routes.DefaultLanding,
	} {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("%s must be an absolute path", name)
		}
	}
	for i, g := range c.Routes.Guards {
		if !strings.HasPrefix(g.Prefix, "/") {
			return fmt.Errorf("routes.guards[%d].prefix must be an absolute path", i)
		}
		if g.Context != GuardContextAdmin && g.Context != GuardContextRegular {
			return fmt.Errorf("routes.guards[%d].context must be one of: admin, regular", i)
		}
	}

	// Validate session
	if c.Session.NavigationDelayMS < 0 || c.Session.NotifyDelayMS < 0 {
		return fmt.Errorf("session delays must not be negative")
	}

	// Validate log config
	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}

	validFormats := map[string]bool{
		"json": true,
		"text": true,
	}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: json, text")
	}

	// Validate listen config
	if c.Listen.HTTP == "" {
		return fmt.Errorf("listen.http is required")
	}
	if c.Listen.Socket == "" {
		return fmt.Errorf("listen.socket is required")
	}

	return nil
}

// APIBaseURL joins the backend base URL and the API prefix.
func (c *BackendConfig) APIBaseURL() string {
	return strings.TrimRight(c.BaseURL, "/") + c.APIPrefix
}

// RequestTimeout returns the backend request timeout.
func (c *BackendConfig) RequestTimeout() time.Duration {
	return time.Duration(c.Timeout) * time.Second
}

// NavigationDelay returns the delay before the post-logout navigation.
func (c *SessionConfig) NavigationDelay() time.Duration {
	return time.Duration(c.NavigationDelayMS) * time.Millisecond
}

// NotifyDelay returns the delay before the post-logout notification.
func (c *SessionConfig) NotifyDelay() time.Duration {
	return time.Duration(c.NotifyDelayMS) * time.Millisecond
}

// SetupLogging configures the global slog logger based on the LogConfig.
func SetupLogging(cfg *LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stderr, opts)
	default:
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}

	slog.SetDefault(slog.New(handler))
}

// Redact returns a deep-enough copy of the config with secrets redacted for safe logging
func (c *Config) Redact() *Config {
	redacted := *c
	// Deep copy slices and maps to avoid sharing them with the original
	if c.Routes.Public != nil {
		redacted.Routes.Public = append([]string(nil), c.Routes.Public...)
	}
	if c.Routes.Guards != nil {
		redacted.Routes.Guards = make([]GuardConfig, len(c.Routes.Guards))
		for i, g := range c.Routes.Guards {
			g.Roles = append([]string(nil), g.Roles...)
			redacted.Routes.Guards[i] = g
		}
	}
	if c.Routes.Landing != nil {
		redacted.Routes.Landing = make(map[string]string, len(c.Routes.Landing))
		for k, v := range c.Routes.Landing {
			redacted.Routes.Landing[k] = v
		}
	}
	if redacted.TokenStore.RedisPassword != "" {
		redacted.TokenStore.RedisPassword = "[REDACTED]"
	}
	return &redacted
}
