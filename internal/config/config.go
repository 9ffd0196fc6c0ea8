package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"agentgate/internal/logging"
	"agentgate/internal/ratelimit"
	"agentgate/pkg/types"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "AGENTGATE_"

// Stats backends
const (
	StatsBackendNone   = "none"
	StatsBackendMemory = "memory"
	StatsBackendRedis  = "redis"
)

// ARCHITECTURAL DISCOVERY: Configuration layer serves as system-wide settings coordinator
// Clean separation between configuration management and business logic
type Config struct {
	Database  *DatabaseConfig
	HTTP      *HTTPConfig
	WebSocket *WebSocketConfig
	Auth      *AuthConfig
	RateLimit *RateLimitConfig
	Stats     *StatsConfig
	Log       *logging.Config
}

// DatabaseConfig locates the SQLite audit store.
// Retention of zero keeps audit rows forever.
type DatabaseConfig struct {
	Path              string
	Timeout           time.Duration
	Retention         time.Duration
	RetentionSchedule string
}

// HTTPConfig controls the listener
type HTTPConfig struct {
	Port         int
	Host         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Address returns host:port for the listener
func (h *HTTPConfig) Address() string {
	return fmt.Sprintf("%s:%d", h.Host, h.Port)
}

// WebSocketConfig tunes the gateway socket
type WebSocketConfig struct {
	PingInterval     time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	HandshakeTimeout time.Duration
	BufferSize       int
}

// AuthConfig selects the auth mode and its secrets.
// Secrets are normally supplied via AGENTGATE_AUTH_TOKEN / AGENTGATE_AUTH_PASSWORD.
type AuthConfig struct {
	Mode           string
	Token          string
	Password       string
	TrustedProxies []string
}

// RateLimitConfig covers the auth limiter, per-connection frame pacing and the
// HTTP token bucket
type RateLimitConfig struct {
	AuthMaxAttempts  uint32
	AuthWindow       time.Duration
	AuthLockout      time.Duration
	AuthBurst        uint32
	ExemptLoopback   bool
	FrameMaxRequests uint32
	FrameWindow      time.Duration
	HTTPRate         float64
	HTTPBurst        int
	PruneInterval    time.Duration
}

// StatsConfig selects where admission decision counters go
type StatsConfig struct {
	Backend       string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	KeyPrefix     string
	TTL           time.Duration
}

// FUNCTIONAL DISCOVERY: Defaults match the gateway facade: 5 failed auths per minute,
// 5 minute lockout, loopback exempt
func DefaultConfig() *Config {
	return &Config{
		Database: &DatabaseConfig{
			Path:              "./agentgate.db",
			Timeout:           30 * time.Second,
			Retention:         30 * 24 * time.Hour,
			RetentionSchedule: "0 3 * * *",
		},
		HTTP: &HTTPConfig{
			Port:         8080,
			Host:         "0.0.0.0",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		WebSocket: &WebSocketConfig{
			PingInterval:     30 * time.Second,
			ReadTimeout:      60 * time.Second,
			WriteTimeout:     10 * time.Second,
			HandshakeTimeout: 10 * time.Second,
			BufferSize:       100,
		},
		Auth: &AuthConfig{
			Mode: string(types.AuthModeNone),
		},
		RateLimit: &RateLimitConfig{
			AuthMaxAttempts:  5,
			AuthWindow:       time.Minute,
			AuthLockout:      5 * time.Minute,
			AuthBurst:        0,
			ExemptLoopback:   true,
			FrameMaxRequests: 100,
			FrameWindow:      time.Minute,
			HTTPRate:         10,
			HTTPBurst:        20,
			PruneInterval:    time.Minute,
		},
		Stats: &StatsConfig{
			Backend:   StatsBackendMemory,
			KeyPrefix: "agentgate:stats",
			TTL:       2 * time.Hour,
		},
		Log: &logging.Config{
			Level: "info",
		},
	}
}

// Validate rejects configurations the gateway cannot run with
func (c *Config) Validate() error {
	if c.Database == nil {
		return fmt.Errorf("database configuration is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database path cannot be empty")
	}
	if c.Database.Timeout <= 0 {
		return fmt.Errorf("database timeout must be positive")
	}
	if c.Database.Retention < 0 {
		return fmt.Errorf("database retention cannot be negative")
	}
	if c.Database.Retention > 0 {
		if _, err := cron.ParseStandard(c.Database.RetentionSchedule); err != nil {
			return fmt.Errorf("invalid retention schedule %q: %w", c.Database.RetentionSchedule, err)
		}
	}

	if c.HTTP == nil {
		return fmt.Errorf("HTTP configuration is required")
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("HTTP port must be between 1 and 65535")
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 {
		return fmt.Errorf("HTTP timeouts must be positive")
	}
	if c.HTTP.Host == "" {
		return fmt.Errorf("HTTP host cannot be empty")
	}

	if c.WebSocket == nil {
		return fmt.Errorf("WebSocket configuration is required")
	}
	if c.WebSocket.PingInterval <= 0 {
		return fmt.Errorf("WebSocket ping interval must be positive")
	}
	if c.WebSocket.ReadTimeout <= c.WebSocket.PingInterval {
		return fmt.Errorf("WebSocket read timeout must exceed ping interval")
	}
	if c.WebSocket.WriteTimeout <= 0 || c.WebSocket.HandshakeTimeout <= 0 {
		return fmt.Errorf("WebSocket write and handshake timeouts must be positive")
	}
	if c.WebSocket.BufferSize <= 0 {
		return fmt.Errorf("WebSocket buffer size must be positive")
	}

	if err := c.validateAuth(); err != nil {
		return err
	}
	if err := c.validateRateLimit(); err != nil {
		return err
	}
	if err := c.validateStats(); err != nil {
		return err
	}

	if c.Log == nil {
		return fmt.Errorf("log configuration is required")
	}
	if !logging.IsValidLevel(c.Log.Level) {
		return fmt.Errorf("unknown log level %q", c.Log.Level)
	}
	return nil
}

func (c *Config) validateAuth() error {
	if c.Auth == nil {
		return fmt.Errorf("auth configuration is required")
	}
	mode := types.AuthMode(c.Auth.Mode)
	if !types.IsValidAuthMode(mode) {
		return types.ErrInvalidAuthMode
	}
	if mode == types.AuthModeToken && c.Auth.Token == "" {
		return fmt.Errorf("auth mode token requires a token")
	}
	if mode == types.AuthModePassword && c.Auth.Password == "" {
		return fmt.Errorf("auth mode password requires a password")
	}
	if mode == types.AuthModeTrustedProxy && len(c.Auth.TrustedProxies) == 0 {
		return fmt.Errorf("auth mode trusted-proxy requires at least one trusted proxy")
	}
	return nil
}

func (c *Config) validateRateLimit() error {
	if c.RateLimit == nil {
		return fmt.Errorf("rate limit configuration is required")
	}
	if err := c.AuthLimiterConfig().Validate(); err != nil {
		return fmt.Errorf("auth limiter: %w", err)
	}
	if c.RateLimit.FrameMaxRequests == 0 || c.RateLimit.FrameWindow < time.Millisecond {
		return fmt.Errorf("frame pacing needs at least 1 request per 1ms window")
	}
	if c.RateLimit.HTTPRate <= 0 || c.RateLimit.HTTPBurst <= 0 {
		return fmt.Errorf("HTTP rate and burst must be positive")
	}
	if c.RateLimit.PruneInterval <= 0 {
		return fmt.Errorf("prune interval must be positive")
	}
	return nil
}

func (c *Config) validateStats() error {
	if c.Stats == nil {
		return fmt.Errorf("stats configuration is required")
	}
	switch c.Stats.Backend {
	case StatsBackendNone, StatsBackendMemory:
	case StatsBackendRedis:
		if c.Stats.RedisAddr == "" {
			return fmt.Errorf("stats backend redis requires redis_addr")
		}
	default:
		return fmt.Errorf("unknown stats backend %q", c.Stats.Backend)
	}
	return nil
}

// AuthMode returns the typed auth mode
func (c *Config) AuthMode() types.AuthMode {
	return types.AuthMode(c.Auth.Mode)
}

// AuthSecrets returns the shared secrets for the authenticator
func (c *Config) AuthSecrets() types.AuthConfig {
	return types.AuthConfig{Token: c.Auth.Token, Password: c.Auth.Password}
}

// AuthLimiterConfig converts the rate limit section for the sliding window limiter
func (c *Config) AuthLimiterConfig() ratelimit.SlidingWindowConfig {
	cfg := ratelimit.DefaultSlidingWindowConfig()
	cfg.MaxAttempts = c.RateLimit.AuthMaxAttempts
	cfg.WindowMs = c.RateLimit.AuthWindow.Milliseconds()
	cfg.LockoutMs = c.RateLimit.AuthLockout.Milliseconds()
	cfg.BurstAllowance = c.RateLimit.AuthBurst
	cfg.ExemptLoopback = c.RateLimit.ExemptLoopback
	return cfg
}

// FUNCTIONAL DISCOVERY: Environment variable configuration enables deployment flexibility
// Malformed values are ignored and the previous value kept
func LoadFromEnv() *Config {
	config := DefaultConfig()
	applyEnv(config)
	return config
}

func applyEnv(config *Config) {
	envString("HTTP_HOST", &config.HTTP.Host)
	envInt("HTTP_PORT", &config.HTTP.Port)
	envDuration("HTTP_READ_TIMEOUT", &config.HTTP.ReadTimeout)
	envDuration("HTTP_WRITE_TIMEOUT", &config.HTTP.WriteTimeout)

	envString("DATABASE_PATH", &config.Database.Path)
	envDuration("DATABASE_TIMEOUT", &config.Database.Timeout)
	envDuration("DATABASE_RETENTION", &config.Database.Retention)
	envString("DATABASE_RETENTION_SCHEDULE", &config.Database.RetentionSchedule)

	envDuration("WEBSOCKET_PING_INTERVAL", &config.WebSocket.PingInterval)
	envDuration("WEBSOCKET_READ_TIMEOUT", &config.WebSocket.ReadTimeout)
	envDuration("WEBSOCKET_WRITE_TIMEOUT", &config.WebSocket.WriteTimeout)
	envDuration("WEBSOCKET_HANDSHAKE_TIMEOUT", &config.WebSocket.HandshakeTimeout)
	envInt("WEBSOCKET_BUFFER_SIZE", &config.WebSocket.BufferSize)

	envString("AUTH_MODE", &config.Auth.Mode)
	envString("AUTH_TOKEN", &config.Auth.Token)
	envString("AUTH_PASSWORD", &config.Auth.Password)
	if proxies := os.Getenv(EnvPrefix + "AUTH_TRUSTED_PROXIES"); proxies != "" {
		config.Auth.TrustedProxies = splitList(proxies)
	}

	envUint32("RATE_LIMIT_AUTH_MAX_ATTEMPTS", &config.RateLimit.AuthMaxAttempts)
	envDuration("RATE_LIMIT_AUTH_WINDOW", &config.RateLimit.AuthWindow)
	envDuration("RATE_LIMIT_AUTH_LOCKOUT", &config.RateLimit.AuthLockout)
	envUint32("RATE_LIMIT_AUTH_BURST", &config.RateLimit.AuthBurst)
	envBool("RATE_LIMIT_EXEMPT_LOOPBACK", &config.RateLimit.ExemptLoopback)
	envUint32("RATE_LIMIT_FRAME_MAX_REQUESTS", &config.RateLimit.FrameMaxRequests)
	envDuration("RATE_LIMIT_FRAME_WINDOW", &config.RateLimit.FrameWindow)
	envFloat("RATE_LIMIT_HTTP_RATE", &config.RateLimit.HTTPRate)
	envInt("RATE_LIMIT_HTTP_BURST", &config.RateLimit.HTTPBurst)
	envDuration("RATE_LIMIT_PRUNE_INTERVAL", &config.RateLimit.PruneInterval)

	envString("STATS_BACKEND", &config.Stats.Backend)
	envString("STATS_REDIS_ADDR", &config.Stats.RedisAddr)
	envString("STATS_REDIS_PASSWORD", &config.Stats.RedisPassword)
	envInt("STATS_REDIS_DB", &config.Stats.RedisDB)
	envString("STATS_KEY_PREFIX", &config.Stats.KeyPrefix)
	envDuration("STATS_TTL", &config.Stats.TTL)

	envString("LOG_LEVEL", &config.Log.Level)
	envBool("LOG_JSON", &config.Log.JSON)
}

func envString(name string, dst *string) {
	if v := os.Getenv(EnvPrefix + name); v != "" {
		*dst = v
	}
}

func envInt(name string, dst *int) {
	if v := os.Getenv(EnvPrefix + name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envUint32(name string, dst *uint32) {
	if v := os.Getenv(EnvPrefix + name); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			*dst = uint32(n)
		}
	}
}

func envFloat(name string, dst *float64) {
	if v := os.Getenv(EnvPrefix + name); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envBool(name string, dst *bool) {
	if v := os.Getenv(EnvPrefix + name); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envDuration(name string, dst *time.Duration) {
	if v := os.Getenv(EnvPrefix + name); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ConfigFile is the on-disk shape. Durations are strings such as "30s".
// FUNCTIONAL DISCOVERY: Separate struct for parsing keeps duration strings out of the runtime config
type ConfigFile struct {
	Database  *DatabaseConfigFile  `json:"database" yaml:"database"`
	HTTP      *HTTPConfigFile      `json:"http" yaml:"http"`
	WebSocket *WebSocketConfigFile `json:"websocket" yaml:"websocket"`
	Auth      *AuthConfigFile      `json:"auth" yaml:"auth"`
	RateLimit *RateLimitConfigFile `json:"rate_limit" yaml:"rate_limit"`
	Stats     *StatsConfigFile     `json:"stats" yaml:"stats"`
	Log       *logging.Config      `json:"log" yaml:"log"`
}

type DatabaseConfigFile struct {
	Path              string `json:"path" yaml:"path"`
	Timeout           string `json:"timeout" yaml:"timeout"`
	Retention         string `json:"retention" yaml:"retention"`
	RetentionSchedule string `json:"retention_schedule" yaml:"retention_schedule"`
}

type HTTPConfigFile struct {
	Port         int    `json:"port" yaml:"port"`
	Host         string `json:"host" yaml:"host"`
	ReadTimeout  string `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout string `json:"write_timeout" yaml:"write_timeout"`
}

type WebSocketConfigFile struct {
	PingInterval     string `json:"ping_interval" yaml:"ping_interval"`
	ReadTimeout      string `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout     string `json:"write_timeout" yaml:"write_timeout"`
	HandshakeTimeout string `json:"handshake_timeout" yaml:"handshake_timeout"`
	BufferSize       int    `json:"buffer_size" yaml:"buffer_size"`
}

type AuthConfigFile struct {
	Mode           string   `json:"mode" yaml:"mode"`
	Token          string   `json:"token" yaml:"token"`
	Password       string   `json:"password" yaml:"password"`
	TrustedProxies []string `json:"trusted_proxies" yaml:"trusted_proxies"`
}

type RateLimitConfigFile struct {
	AuthMaxAttempts  uint32  `json:"auth_max_attempts" yaml:"auth_max_attempts"`
	AuthWindow       string  `json:"auth_window" yaml:"auth_window"`
	AuthLockout      string  `json:"auth_lockout" yaml:"auth_lockout"`
	AuthBurst        *uint32 `json:"auth_burst" yaml:"auth_burst"`
	ExemptLoopback   *bool   `json:"exempt_loopback" yaml:"exempt_loopback"`
	FrameMaxRequests uint32  `json:"frame_max_requests" yaml:"frame_max_requests"`
	FrameWindow      string  `json:"frame_window" yaml:"frame_window"`
	HTTPRate         float64 `json:"http_rate" yaml:"http_rate"`
	HTTPBurst        int     `json:"http_burst" yaml:"http_burst"`
	PruneInterval    string  `json:"prune_interval" yaml:"prune_interval"`
}

type StatsConfigFile struct {
	Backend       string `json:"backend" yaml:"backend"`
	RedisAddr     string `json:"redis_addr" yaml:"redis_addr"`
	RedisPassword string `json:"redis_password" yaml:"redis_password"`
	RedisDB       int    `json:"redis_db" yaml:"redis_db"`
	KeyPrefix     string `json:"key_prefix" yaml:"key_prefix"`
	TTL           string `json:"ttl" yaml:"ttl"`
}

// LoadFromFile reads a JSON or YAML file (by extension) over the defaults
func LoadFromFile(path string) (*Config, error) {
	config := DefaultConfig()
	if err := applyFile(config, path); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}
	return config, nil
}

func parseFile(path string) (*ConfigFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var configFile ConfigFile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &configFile)
	default:
		err = json.Unmarshal(data, &configFile)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return &configFile, nil
}

// applyFile overlays the non-zero values of the file onto config.
// A malformed duration is an error rather than silently ignored.
func applyFile(config *Config, path string) error {
	f, err := parseFile(path)
	if err != nil {
		return err
	}

	d := durationSetter{path: path}

	if f.Database != nil {
		setString(&config.Database.Path, f.Database.Path)
		d.set(&config.Database.Timeout, f.Database.Timeout)
		d.set(&config.Database.Retention, f.Database.Retention)
		setString(&config.Database.RetentionSchedule, f.Database.RetentionSchedule)
	}
	if f.HTTP != nil {
		setInt(&config.HTTP.Port, f.HTTP.Port)
		setString(&config.HTTP.Host, f.HTTP.Host)
		d.set(&config.HTTP.ReadTimeout, f.HTTP.ReadTimeout)
		d.set(&config.HTTP.WriteTimeout, f.HTTP.WriteTimeout)
	}
	if f.WebSocket != nil {
		setInt(&config.WebSocket.BufferSize, f.WebSocket.BufferSize)
		d.set(&config.WebSocket.PingInterval, f.WebSocket.PingInterval)
		d.set(&config.WebSocket.ReadTimeout, f.WebSocket.ReadTimeout)
		d.set(&config.WebSocket.WriteTimeout, f.WebSocket.WriteTimeout)
		d.set(&config.WebSocket.HandshakeTimeout, f.WebSocket.HandshakeTimeout)
	}
	if f.Auth != nil {
		setString(&config.Auth.Mode, f.Auth.Mode)
		setString(&config.Auth.Token, f.Auth.Token)
		setString(&config.Auth.Password, f.Auth.Password)
		if len(f.Auth.TrustedProxies) > 0 {
			config.Auth.TrustedProxies = f.Auth.TrustedProxies
		}
	}
	if r := f.RateLimit; r != nil {
		if r.AuthMaxAttempts > 0 {
			config.RateLimit.AuthMaxAttempts = r.AuthMaxAttempts
		}
		if r.AuthBurst != nil {
			config.RateLimit.AuthBurst = *r.AuthBurst
		}
		if r.ExemptLoopback != nil {
			config.RateLimit.ExemptLoopback = *r.ExemptLoopback
		}
		if r.FrameMaxRequests > 0 {
			config.RateLimit.FrameMaxRequests = r.FrameMaxRequests
		}
		if r.HTTPRate > 0 {
			config.RateLimit.HTTPRate = r.HTTPRate
		}
		setInt(&config.RateLimit.HTTPBurst, r.HTTPBurst)
		d.set(&config.RateLimit.AuthWindow, r.AuthWindow)
		d.set(&config.RateLimit.AuthLockout, r.AuthLockout)
		d.set(&config.RateLimit.FrameWindow, r.FrameWindow)
		d.set(&config.RateLimit.PruneInterval, r.PruneInterval)
	}
	if s := f.Stats; s != nil {
		setString(&config.Stats.Backend, s.Backend)
		setString(&config.Stats.RedisAddr, s.RedisAddr)
		setString(&config.Stats.RedisPassword, s.RedisPassword)
		setInt(&config.Stats.RedisDB, s.RedisDB)
		setString(&config.Stats.KeyPrefix, s.KeyPrefix)
		d.set(&config.Stats.TTL, s.TTL)
	}
	if f.Log != nil {
		setString(&config.Log.Level, f.Log.Level)
		config.Log.JSON = f.Log.JSON
	}

	return d.err
}

type durationSetter struct {
	path string
	err  error
}

func (d *durationSetter) set(dst *time.Duration, value string) {
	if value == "" || d.err != nil {
		return
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		d.err = fmt.Errorf("invalid duration %q in %s: %w", value, d.path, err)
		return
	}
	*dst = parsed
}

func setString(dst *string, value string) {
	if value != "" {
		*dst = value
	}
}

func setInt(dst *int, value int) {
	if value > 0 {
		*dst = value
	}
}

// LoadDotEnv loads .env.local and .env from the working directory when present.
// Variables already set in the process environment win.
func LoadDotEnv() error {
	for _, file := range []string{".env.local", ".env"} {
		if err := godotenv.Load(file); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to load %s: %w", file, err)
		}
	}
	return nil
}

// FUNCTIONAL DISCOVERY: Configuration precedence: file > environment > defaults
// A named file that cannot be read or parsed is an error; the result is validated.
func LoadConfigWithPrecedence(path string) (*Config, error) {
	if err := LoadDotEnv(); err != nil {
		return nil, err
	}

	config := LoadFromEnv()

	if path != "" {
		if err := applyFile(config, path); err != nil {
			return nil, err
		}
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}
