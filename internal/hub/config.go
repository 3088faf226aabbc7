// Package hub implements the ManLab hub: agent sessions, the command
// queue, telemetry intake, interactive sessions, and the REST facade.
package hub

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds hub configuration from environment variables.
type Config struct {
	// Server
	ListenAddr string
	BaseURL    string

	// Database
	DatabaseURL string

	// Authentication
	PasswordHash string // bcrypt hash for the dashboard user
	JWTSecret    string // HS256 signing key for dashboard tokens
	TOTPSecret   string // optional, for 2FA
	AgentToken   string // bearer token agents must present

	// Session
	TokenDuration time.Duration

	// Rate limiting
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Security
	AllowedOrigins []string // optional, for WebSocket origin validation

	// Agent liveness. Offline detection uses multiplier × heartbeat_interval
	// with a floor, so a short interval cannot flap nodes offline.
	HeartbeatInterval time.Duration
	OfflineMultiplier int
	OfflineMinimum    time.Duration
	BackoffBase       time.Duration // first probe delay after a missed heartbeat
	BackoffCap        time.Duration
	SessionTieBreak   string // "newest" or "reject"

	// Command queue
	CommandTimeout    time.Duration // deadline applied to queued commands
	CancelTimeout     time.Duration // wait for an agent cancel ack before force-cancelling
	CommandSweepEvery time.Duration

	// Interactive sessions (terminal, log viewer, file browser)
	SessionTTL        time.Duration
	SessionSweepEvery time.Duration

	// Prepared downloads
	DownloadTTL        time.Duration
	DownloadSweepEvery time.Duration

	// Process alerts
	AlertCPUThreshold float64
	AlertMemThreshold float64
	AlertCooldown     time.Duration
	AlertCacheSize    int
	DiscordWebhook    string // optional

	// Telemetry retention and rollups
	RawRetention time.Duration
	RollupEvery  time.Duration

	// Hub self-monitoring
	ResourceInterval time.Duration
	MemSoftPercent   float64
	MemHardPercent   float64
	MemCheckEvery    time.Duration
	MemActionEvery   time.Duration // debounce between cleanup passes
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		ListenAddr:   getEnv("MANLAB_LISTEN", ":8800"),
		BaseURL:      getEnv("MANLAB_BASE_URL", "http://localhost:8800"),
		DatabaseURL:  os.Getenv("MANLAB_DATABASE_URL"),
		PasswordHash: os.Getenv("MANLAB_PASSWORD_HASH"),
		JWTSecret:    os.Getenv("MANLAB_JWT_SECRET"),
		TOTPSecret:   os.Getenv("MANLAB_TOTP_SECRET"), // optional
		AgentToken:   os.Getenv("MANLAB_AGENT_TOKEN"),

		TokenDuration:     parseDuration("MANLAB_TOKEN_DURATION", 24*time.Hour),
		RateLimitRequests: parseInt("MANLAB_RATE_LIMIT", 5),
		RateLimitWindow:   parseDuration("MANLAB_RATE_WINDOW", 1*time.Minute),
		AllowedOrigins:    parseOrigins("MANLAB_ALLOWED_ORIGINS"),

		HeartbeatInterval: parseDuration("MANLAB_HEARTBEAT_INTERVAL", 30*time.Second),
		OfflineMultiplier: parseInt("MANLAB_OFFLINE_MULTIPLIER", 3),
		OfflineMinimum:    parseDuration("MANLAB_OFFLINE_MINIMUM", 90*time.Second),
		BackoffBase:       parseDuration("MANLAB_BACKOFF_BASE", 30*time.Second),
		BackoffCap:        parseDuration("MANLAB_BACKOFF_CAP", 10*time.Minute),
		SessionTieBreak:   getEnv("MANLAB_SESSION_TIEBREAK", TieBreakNewest),

		CommandTimeout:    parseDuration("MANLAB_COMMAND_TIMEOUT", 10*time.Minute),
		CancelTimeout:     parseDuration("MANLAB_CANCEL_TIMEOUT", 30*time.Second),
		CommandSweepEvery: parseDuration("MANLAB_COMMAND_SWEEP_INTERVAL", 1*time.Minute),

		SessionTTL:        parseDuration("MANLAB_SESSION_TTL", 10*time.Minute),
		SessionSweepEvery: parseDuration("MANLAB_SESSION_SWEEP_INTERVAL", 1*time.Minute),

		DownloadTTL:        parseDuration("MANLAB_DOWNLOAD_TTL", 4*time.Hour),
		DownloadSweepEvery: parseDuration("MANLAB_DOWNLOAD_SWEEP_INTERVAL", 5*time.Minute),

		AlertCPUThreshold: parseFloat("MANLAB_ALERT_CPU_THRESHOLD", 90),
		AlertMemThreshold: parseFloat("MANLAB_ALERT_MEM_THRESHOLD", 80),
		AlertCooldown:     parseDuration("MANLAB_ALERT_COOLDOWN", 10*time.Minute),
		AlertCacheSize:    parseInt("MANLAB_ALERT_CACHE_SIZE", 1024),
		DiscordWebhook:    os.Getenv("MANLAB_DISCORD_WEBHOOK"),

		RawRetention: parseDuration("MANLAB_RAW_RETENTION", 48*time.Hour),
		RollupEvery:  parseDuration("MANLAB_ROLLUP_INTERVAL", 15*time.Minute),

		ResourceInterval: parseDuration("MANLAB_RESOURCE_INTERVAL", 15*time.Second),
		MemSoftPercent:   parseFloat("MANLAB_MEM_SOFT_PERCENT", 85),
		MemHardPercent:   parseFloat("MANLAB_MEM_HARD_PERCENT", 95),
		MemCheckEvery:    parseDuration("MANLAB_MEM_CHECK_INTERVAL", 30*time.Second),
		MemActionEvery:   parseDuration("MANLAB_MEM_ACTION_INTERVAL", 2*time.Minute),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Tie-break policies for a second live socket claiming an already
// connected node.
const (
	TieBreakNewest = "newest"
	TieBreakReject = "reject"
)

func (c *Config) validate() error {
	var errs []string

	if c.DatabaseURL == "" {
		errs = append(errs, "MANLAB_DATABASE_URL is required")
	}
	if c.PasswordHash == "" {
		errs = append(errs, "MANLAB_PASSWORD_HASH is required")
	}
	if c.JWTSecret == "" {
		errs = append(errs, "MANLAB_JWT_SECRET is required")
	}
	if c.AgentToken == "" {
		errs = append(errs, "MANLAB_AGENT_TOKEN is required")
	}
	if c.SessionTieBreak != TieBreakNewest && c.SessionTieBreak != TieBreakReject {
		errs = append(errs, "MANLAB_SESSION_TIEBREAK must be \"newest\" or \"reject\"")
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// HasTOTP returns true if TOTP is configured.
func (c *Config) HasTOTP() bool {
	return c.TOTPSecret != ""
}

// HasDiscord returns true if a Discord webhook is configured.
func (c *Config) HasDiscord() bool {
	return c.DiscordWebhook != ""
}

// OfflineThreshold calculates how long a node may stay silent before it
// is marked offline. Uses multiplier × heartbeat_interval with a floor.
func (c *Config) OfflineThreshold() time.Duration {
	calculated := c.HeartbeatInterval * time.Duration(c.OfflineMultiplier)
	if calculated < c.OfflineMinimum {
		return c.OfflineMinimum
	}
	return calculated
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func parseDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

func parseInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}

func parseFloat(key string, defaultValue float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func parseOrigins(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}
