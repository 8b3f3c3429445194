package config

import "time"

// Defaults for every recognized option. Startup never requires an env var.
const (
	DefaultAddr             = ":4001"
	DefaultRedisAddr        = "localhost:6379"
	DefaultDatabaseURL      = "postgres://notifier:notifier@db:5432/notifier?sslmode=disable"
	DefaultMigrationsDir    = "db/migrations"
	DefaultPoolMinConns     = 2
	DefaultPoolMaxConns     = 10
	DefaultAcquireTimeoutMS = 5000
	DefaultConnectTimeoutMS = 10000
	DefaultIdleTimeoutSec   = 300
	DefaultReapIntervalSec  = 60
	DefaultValidationSec    = 30
	DefaultConnLimit        = 100
	DefaultConnWindowSec    = 60
	DefaultEventsPerSec     = 50
	DefaultBanSec           = 60
	DefaultClusterWorkers   = 1
	DefaultPresenceLeaseSec = 30
	DefaultSSEHeartbeatSec  = 25
	DefaultShutdownGraceSec = 10
)

// ServerConfig holds runtime configuration for the notification server.
type ServerConfig struct {
	Environment string
	Addr        string
	Host        string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	DatabaseURL   string
	MigrationsDir string

	PoolMinConns     int
	PoolMaxConns     int
	AcquireTimeout   time.Duration
	ConnectTimeout   time.Duration
	IdleTimeout      time.Duration
	ReapInterval     time.Duration
	ValidationWindow time.Duration

	ConnRateLimit   int
	ConnRateWindow  time.Duration
	EventsPerSecond int
	BanDuration     time.Duration

	ClusterWorkers int
	AdminToken     string
	PresenceLease  time.Duration
	SSEHeartbeat   time.Duration
	ShutdownGrace  time.Duration
}

// LoadServerConfig constructs a ServerConfig from environment variables.
func LoadServerConfig() ServerConfig {
	cfg := ServerConfig{
		Environment: GetString("APP_ENV", "development"),
		Addr:        GetString("NOTIFIER_ADDR", DefaultAddr),
		Host:        GetString("NOTIFIER_HOST", ""),

		RedisAddr:     GetString("REDIS_ADDR", DefaultRedisAddr),
		RedisPassword: GetString("REDIS_PASSWORD", ""),
		RedisDB:       GetInt("REDIS_DB", 0),

		DatabaseURL:   GetString("DATABASE_URL", DefaultDatabaseURL),
		MigrationsDir: GetString("DB_MIGRATIONS_DIR", DefaultMigrationsDir),

		PoolMinConns:     GetInt("POOL_MIN_CONNS", DefaultPoolMinConns),
		PoolMaxConns:     GetInt("POOL_MAX_CONNS", DefaultPoolMaxConns),
		AcquireTimeout:   GetMillis("POOL_ACQUIRE_TIMEOUT_MS", DefaultAcquireTimeoutMS),
		ConnectTimeout:   GetMillis("POOL_CONNECT_TIMEOUT_MS", DefaultConnectTimeoutMS),
		IdleTimeout:      GetSeconds("POOL_IDLE_TIMEOUT_SECONDS", DefaultIdleTimeoutSec),
		ReapInterval:     GetSeconds("POOL_REAP_INTERVAL_SECONDS", DefaultReapIntervalSec),
		ValidationWindow: GetSeconds("POOL_VALIDATION_WINDOW_SECONDS", DefaultValidationSec),

		ConnRateLimit:   GetInt("RATE_CONN_LIMIT", DefaultConnLimit),
		ConnRateWindow:  GetSeconds("RATE_CONN_WINDOW_SECONDS", DefaultConnWindowSec),
		EventsPerSecond: GetInt("RATE_EVENTS_PER_SECOND", DefaultEventsPerSec),
		BanDuration:     GetSeconds("RATE_BAN_SECONDS", DefaultBanSec),

		ClusterWorkers: GetInt("CLUSTER_WORKERS", DefaultClusterWorkers),
		AdminToken:     GetString("ADMIN_TOKEN", ""),
		PresenceLease:  GetSeconds("PRESENCE_LEASE_SECONDS", DefaultPresenceLeaseSec),
		SSEHeartbeat:   GetSeconds("SSE_HEARTBEAT_SECONDS", DefaultSSEHeartbeatSec),
		ShutdownGrace:  GetSeconds("SHUTDOWN_GRACE_SECONDS", DefaultShutdownGraceSec),
	}
	cfg.Validate()
	return cfg
}

// Validate normalizes out-of-range values so a bad environment cannot
// produce an unusable server.
func (c *ServerConfig) Validate() {
	if c.PoolMinConns < 0 {
		c.PoolMinConns = 0
	}
	if c.PoolMaxConns < 1 {
		c.PoolMaxConns = DefaultPoolMaxConns
	}
	if c.PoolMinConns > c.PoolMaxConns {
		c.PoolMinConns = c.PoolMaxConns
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = DefaultAcquireTimeoutMS * time.Millisecond
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeoutMS * time.Millisecond
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = DefaultReapIntervalSec * time.Second
	}
	if c.ClusterWorkers < 1 {
		c.ClusterWorkers = DefaultClusterWorkers
	}
	if c.EventsPerSecond < 1 {
		c.EventsPerSecond = DefaultEventsPerSec
	}
	if c.ConnRateLimit < 1 {
		c.ConnRateLimit = DefaultConnLimit
	}
}
