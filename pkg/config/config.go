// Package config assembles the daemon configuration from defaults, an
// optional YAML file, environment variables and command-line flags, in
// that order of increasing precedence.
package config

import (
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Store backends.
const (
	StoreMemory    = "memory"
	StoreRedis     = "redis"
	StorePostgREST = "postgrest"
	StoreSQLite    = "sqlite"
)

// Config is the daemon configuration.
type Config struct {
	Addr       string   `yaml:"addr"`
	AdminToken string   `yaml:"admin_token"`
	LEDomains  []string `yaml:"le_domains"`
	LECacheDir string   `yaml:"le_cache_dir"`
	LEEmail    string   `yaml:"le_email"`

	BridgeURL   string `yaml:"bridge_url"`
	BridgeToken string `yaml:"bridge_token"`
	SessionID   string `yaml:"session_id"`

	Store         string `yaml:"store"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisPrefix   string `yaml:"redis_prefix"`
	SupabaseURL   string `yaml:"supabase_url"`
	SupabaseKey   string `yaml:"supabase_key"`
	SupabaseTable string `yaml:"supabase_table"`
	SQLitePath    string `yaml:"sqlite_path"`

	WebhookURL     string   `yaml:"webhook_url"`
	WebhookSecret  string   `yaml:"webhook_secret"`
	Keywords       []string `yaml:"keywords"`
	TruncateMarker string   `yaml:"truncate_marker"`

	LogLevel       string `yaml:"log_level"`
	GCPProject     string `yaml:"gcp_project"`
	GCPCredentials string `yaml:"gcp_credentials"`

	ReconnectInitial time.Duration `yaml:"reconnect_initial"`
	ReconnectMax     time.Duration `yaml:"reconnect_max"`
	WatchdogInterval time.Duration `yaml:"watchdog_interval"`
	DeliveryInitial  time.Duration `yaml:"delivery_initial"`
	DeliveryMax      time.Duration `yaml:"delivery_max"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout"`

	RedisDB     int `yaml:"redis_db"`
	RateLimit   int `yaml:"rate_limit"`
	TextLimit   int `yaml:"text_limit"`
	ReplyLimit  int `yaml:"reply_limit"`
	MaxBytes    int `yaml:"max_bytes"`
	MaxAttempts int `yaml:"max_attempts"`

	LetsEncrypt         bool `yaml:"letsencrypt"`
	LogJSON             bool `yaml:"log_json"`
	WatchdogIgnoreError bool `yaml:"watchdog_ignore_error"`
	RetryOnInitFailure  bool `yaml:"retry_on_init_failure"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Addr:             ":3000",
		LECacheDir:       "./.letsencrypt",
		SessionID:        "default_session",
		Store:            StoreMemory,
		SupabaseTable:    "whatsapp_sessions",
		RedisPrefix:      "chatbridge:session",
		SQLitePath:       "chatbridge.db",
		TruncateMarker:   "...",
		Keywords:         []string{"valuation"},
		LogLevel:         "info",
		ReconnectInitial: 5 * time.Second,
		ReconnectMax:     5 * time.Minute,
		WatchdogInterval: 5 * time.Minute,
		DeliveryInitial:  time.Second,
		DeliveryMax:      30 * time.Second,
		RequestTimeout:   10 * time.Second,
		ShutdownTimeout:  10 * time.Second,
		RateLimit:        100,
		TextLimit:        1000,
		ReplyLimit:       500,
		MaxBytes:         90_000,
		MaxAttempts:      3,
	}
}

// LoadDotEnv loads environment variables from path. A missing file is not
// an error.
func LoadDotEnv(path string) error {
	err := godotenv.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// Load builds the configuration from args and getenv and validates it.
func Load(args []string, getenv func(string) string) (*Config, error) {
	cfg := Default()

	path := configPath(args, getenv)
	if path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(getenv); err != nil {
		return nil, err
	}

	fs := flag.NewFlagSet("chatbridge", flag.ContinueOnError)
	fs.String("config", path, "YAML configuration file")
	cfg.RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile overlays the YAML file at path onto c.
func (c *Config) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// configPath finds -config in args, falling back to CHATBRIDGE_CONFIG.
func configPath(args []string, getenv func(string) string) string {
	for i, a := range args {
		name, value, hasValue := strings.Cut(strings.TrimLeft(a, "-"), "=")
		if name != "config" || !strings.HasPrefix(a, "-") {
			continue
		}
		if hasValue {
			return value
		}
		if i+1 < len(args) {
			return args[i+1]
		}
	}
	return getenv("CHATBRIDGE_CONFIG")
}

// RegisterFlags defines a flag for every setting, defaulting to the
// current value of c.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.Addr, "addr", c.Addr, "HTTP service address")
	fs.StringVar(&c.AdminToken, "admin-token", c.AdminToken, "Bearer token for /restart and /clear-session (empty disables the check)")
	fs.BoolVar(&c.LetsEncrypt, "letsencrypt", c.LetsEncrypt, "Use Let's Encrypt for automatic TLS certificates")
	listVar(fs, &c.LEDomains, "le-domains", "Comma-separated list of domains for Let's Encrypt certificates")
	fs.StringVar(&c.LECacheDir, "le-cache-dir", c.LECacheDir, "Cache directory for Let's Encrypt certificates")
	fs.StringVar(&c.LEEmail, "le-email", c.LEEmail, "Contact email for Let's Encrypt notifications")
	fs.IntVar(&c.RateLimit, "rate-limit", c.RateLimit, "Maximum requests per minute per IP on control endpoints")

	fs.StringVar(&c.BridgeURL, "bridge-url", c.BridgeURL, "Chat bridge websocket URL (ws:// or wss://)")
	fs.StringVar(&c.BridgeToken, "bridge-token", c.BridgeToken, "Chat bridge bearer token")
	fs.StringVar(&c.SessionID, "session-id", c.SessionID, "Session identifier in the session store")

	fs.StringVar(&c.Store, "store", c.Store, "Session store backend: memory, redis, postgrest or sqlite")
	fs.StringVar(&c.RedisAddr, "redis-addr", c.RedisAddr, "Redis address for the redis store")
	fs.StringVar(&c.RedisPrefix, "redis-prefix", c.RedisPrefix, "Redis key prefix")
	fs.IntVar(&c.RedisDB, "redis-db", c.RedisDB, "Redis database number")
	fs.StringVar(&c.SupabaseURL, "supabase-url", c.SupabaseURL, "Supabase project URL for the postgrest store")
	fs.StringVar(&c.SupabaseTable, "supabase-table", c.SupabaseTable, "Table holding sessions")
	fs.StringVar(&c.SQLitePath, "sqlite-path", c.SQLitePath, "Database file for the sqlite store")

	fs.StringVar(&c.WebhookURL, "webhook-url", c.WebhookURL, "Webhook receiving forwarded messages (empty disables forwarding)")
	listVar(fs, &c.Keywords, "keywords", "Comma-separated keywords; messages without one are not forwarded (empty forwards all)")
	fs.IntVar(&c.TextLimit, "text-limit", c.TextLimit, "Maximum characters of message text forwarded")
	fs.IntVar(&c.ReplyLimit, "reply-limit", c.ReplyLimit, "Maximum characters of quoted text forwarded")
	fs.IntVar(&c.MaxBytes, "max-bytes", c.MaxBytes, "Largest webhook body sent, in bytes")
	fs.IntVar(&c.MaxAttempts, "max-attempts", c.MaxAttempts, "Delivery attempts per message")
	fs.DurationVar(&c.DeliveryInitial, "delivery-initial", c.DeliveryInitial, "First delay between delivery attempts")
	fs.DurationVar(&c.DeliveryMax, "delivery-max", c.DeliveryMax, "Largest delay between delivery attempts")
	fs.DurationVar(&c.RequestTimeout, "request-timeout", c.RequestTimeout, "Timeout of one webhook request")

	fs.DurationVar(&c.ReconnectInitial, "reconnect-initial", c.ReconnectInitial, "First reconnect delay")
	fs.DurationVar(&c.ReconnectMax, "reconnect-max", c.ReconnectMax, "Largest reconnect delay")
	fs.DurationVar(&c.WatchdogInterval, "watchdog-interval", c.WatchdogInterval, "Interval between connection health checks")
	fs.BoolVar(&c.WatchdogIgnoreError, "watchdog-ignore-error", c.WatchdogIgnoreError, "Let the watchdog restart a connection in ERROR")
	fs.BoolVar(&c.RetryOnInitFailure, "retry-init", c.RetryOnInitFailure, "Reconnect with backoff after a failed initialization")
	fs.DurationVar(&c.ShutdownTimeout, "shutdown-timeout", c.ShutdownTimeout, "Graceful shutdown timeout")

	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "Log level: debug, info, warn or error")
	fs.BoolVar(&c.LogJSON, "log-json", c.LogJSON, "Log in JSON")
	fs.StringVar(&c.GCPProject, "gcp-project", c.GCPProject, "Google Cloud project for Secret Manager (empty disables it)")
	fs.StringVar(&c.GCPCredentials, "gcp-credentials", c.GCPCredentials, "Service account file for Secret Manager")
}

func listVar(fs *flag.FlagSet, dst *[]string, name, usage string) {
	fs.Func(name, usage+" (default "+strings.Join(*dst, ",")+")", func(s string) error {
		*dst = splitList(s)
		return nil
	})
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// applyEnv overlays environment variables. Secrets are read here and
// never from flags, so they stay out of process listings.
func (c *Config) applyEnv(getenv func(string) string) error {
	var errs []error
	str := func(dst *string, keys ...string) {
		for _, k := range keys {
			if v := getenv(k); v != "" {
				*dst = v
				return
			}
		}
	}
	num := func(dst *int, key string) {
		if v := getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	dur := func(dst *time.Duration, key string) {
		if v := getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	boolean := func(dst *bool, key string) {
		if v := getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}

	if port := getenv("PORT"); port != "" {
		c.Addr = ":" + port
	}
	str(&c.AdminToken, "ADMIN_TOKEN")
	str(&c.BridgeURL, "BRIDGE_URL")
	str(&c.BridgeToken, "BRIDGE_TOKEN")
	str(&c.SessionID, "WHATSAPP_SESSION_ID", "SESSION_ID")
	str(&c.Store, "SESSION_STORE")
	str(&c.RedisAddr, "REDIS_ADDR")
	str(&c.RedisPassword, "REDIS_PASSWORD")
	num(&c.RedisDB, "REDIS_DB")
	str(&c.SupabaseURL, "SUPABASE_URL")
	str(&c.SupabaseKey, "SUPABASE_ANON_KEY", "SUPABASE_KEY")
	str(&c.SQLitePath, "SQLITE_PATH")
	str(&c.WebhookURL, "WEBHOOK_URL", "N8N_WEBHOOK_URL")
	str(&c.WebhookSecret, "WEBHOOK_SECRET")
	if v := getenv("KEYWORDS"); v != "" {
		c.Keywords = splitList(v)
	}
	num(&c.MaxAttempts, "MAX_WEBHOOK_RETRIES")
	dur(&c.ReconnectInitial, "RECONNECT_INITIAL")
	dur(&c.ReconnectMax, "RECONNECT_MAX")
	dur(&c.WatchdogInterval, "WATCHDOG_INTERVAL")
	boolean(&c.RetryOnInitFailure, "RETRY_ON_INIT_FAILURE")
	str(&c.LogLevel, "LOG_LEVEL")
	if getenv("LOG_FORMAT") == "json" {
		c.LogJSON = true
	}
	str(&c.GCPProject, "GCP_PROJECT", "GOOGLE_CLOUD_PROJECT")

	return errors.Join(errs...)
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []error
	if c.SessionID == "" {
		errs = append(errs, errors.New("session ID is required"))
	}
	if c.BridgeURL == "" {
		errs = append(errs, errors.New("bridge URL is required (-bridge-url or BRIDGE_URL)"))
	} else if u, err := url.Parse(c.BridgeURL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		errs = append(errs, fmt.Errorf("bridge URL must be ws:// or wss://, got %q", c.BridgeURL))
	}

	switch c.Store {
	case StoreMemory:
	case StoreRedis:
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("redis store requires -redis-addr"))
		}
	case StorePostgREST:
		if c.SupabaseURL == "" || c.SupabaseKey == "" {
			errs = append(errs, errors.New("postgrest store requires SUPABASE_URL and SUPABASE_ANON_KEY"))
		}
	case StoreSQLite:
		if c.SQLitePath == "" {
			errs = append(errs, errors.New("sqlite store requires -sqlite-path"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store %q", c.Store))
	}

	if c.WebhookURL != "" {
		if u, err := url.Parse(c.WebhookURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			errs = append(errs, fmt.Errorf("webhook URL must be http:// or https://, got %q", c.WebhookURL))
		}
	}
	if c.LetsEncrypt && len(c.LEDomains) == 0 {
		errs = append(errs, errors.New("letsencrypt requires -le-domains"))
	}
	if c.MaxAttempts < 1 {
		errs = append(errs, errors.New("max attempts must be at least 1"))
	}
	if c.TextLimit < 1 || c.ReplyLimit < 1 || c.MaxBytes < 1 {
		errs = append(errs, errors.New("text limit, reply limit and max bytes must be positive"))
	}
	if c.ReconnectInitial <= 0 || c.ReconnectMax < c.ReconnectInitial {
		errs = append(errs, errors.New("reconnect delays must be positive with max >= initial"))
	}
	if c.DeliveryInitial <= 0 || c.DeliveryMax < c.DeliveryInitial {
		errs = append(errs, errors.New("delivery delays must be positive with max >= initial"))
	}
	if c.WatchdogInterval <= 0 || c.RequestTimeout <= 0 || c.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("watchdog interval, request timeout and shutdown timeout must be positive"))
	}
	if c.RateLimit < 1 {
		errs = append(errs, errors.New("rate limit must be at least 1"))
	}
	return errors.Join(errs...)
}
