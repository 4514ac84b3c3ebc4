package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type ServerConfig struct {
	Host            string
	Port            string
	Environment     string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

type RedisConfig struct {
	Host         string
	Port         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
}

type DatabaseConfig struct {
	Enabled         bool
	Host            string
	Port            string
	User            string
	Password        string
	DBName          string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type MetricsConfig struct {
	KeyPrefix      string
	SampleCap      int64
	SampleTTL      time.Duration
	CounterTTL     time.Duration
	StartMarkerTTL time.Duration
	StatWindows    []int64
}

type BaselineConfig struct {
	MaxSamples           int
	DecayFactor          float64
	TargetSampleSize     int
	SlidingWindowDays    float64
	SignificantChangePct float64
	TTL                  time.Duration
}

type DeviationConfig struct {
	Threshold         float64
	RecentSampleLimit int
}

type TrendConfig struct {
	Window          time.Duration
	IntervalSeconds int64
	DepthThreshold  float64
	EfficiencySwing float64
}

type HeartbeatConfig struct {
	TTL            time.Duration
	StaleThreshold time.Duration
	Interval       time.Duration
}

type WorkerConfig struct {
	Connection        string
	MaxConcurrentJobs int
	JobTimeout        time.Duration
}

type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	Database  DatabaseConfig
	Metrics   MetricsConfig
	Baseline  BaselineConfig
	Deviation DeviationConfig
	Trend     TrendConfig
	Heartbeat HeartbeatConfig
	Worker    WorkerConfig
	LogLevel  string
}

func Load() (*Config, error) {
	godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getEnv("SERVER_PORT", "8080"),
			Environment:     getEnv("ENVIRONMENT", "development"),
			ReadTimeout:     getDurationEnv("SERVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:    getDurationEnv("SERVER_WRITE_TIMEOUT", 10*time.Second),
			ShutdownTimeout: getDurationEnv("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Redis: RedisConfig{
			Host:         getEnv("REDIS_HOST", "localhost"),
			Port:         getEnv("REDIS_PORT", "6379"),
			Password:     getEnv("REDIS_PASSWORD", ""),
			DB:           getIntEnv("REDIS_DB", 0),
			PoolSize:     getIntEnv("REDIS_POOL_SIZE", 10),
			MinIdleConns: getIntEnv("REDIS_MIN_IDLE_CONNS", 2),
		},
		Database: DatabaseConfig{
			Enabled:         getBoolEnv("BASELINE_ARCHIVE_ENABLED", false),
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getEnv("DB_PORT", "5432"),
			User:            getEnv("DB_USER", "postgres"),
			Password:        getEnv("DB_PASSWORD", "postgres"),
			DBName:          getEnv("DB_NAME", "queuepulse"),
			SSLMode:         getEnv("DB_SSLMODE", "disable"),
			MaxOpenConns:    getIntEnv("DB_MAX_OPEN_CONNS", 10),
			MaxIdleConns:    getIntEnv("DB_MAX_IDLE_CONNS", 2),
			ConnMaxLifetime: getDurationEnv("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Metrics: MetricsConfig{
			KeyPrefix:      getEnv("METRICS_KEY_PREFIX", "queuepulse"),
			SampleCap:      getInt64Env("METRICS_SAMPLE_CAP", 10000),
			SampleTTL:      getDurationEnv("METRICS_SAMPLE_TTL", 1*time.Hour),
			CounterTTL:     getDurationEnv("METRICS_COUNTER_TTL", 24*time.Hour),
			StartMarkerTTL: getDurationEnv("METRICS_START_MARKER_TTL", 10*time.Minute),
			StatWindows:    []int64{60, 300, 900, 3600, 86400},
		},
		Baseline: BaselineConfig{
			MaxSamples:           getIntEnv("BASELINE_MAX_SAMPLES", 100),
			DecayFactor:          getFloatEnv("BASELINE_DECAY_FACTOR", 0.1),
			TargetSampleSize:     getIntEnv("BASELINE_TARGET_SAMPLE_SIZE", 200),
			SlidingWindowDays:    getFloatEnv("BASELINE_SLIDING_WINDOW_DAYS", 7),
			SignificantChangePct: getFloatEnv("BASELINE_SIGNIFICANT_CHANGE_PCT", 20),
			TTL:                  getDurationEnv("BASELINE_TTL", 7*24*time.Hour),
		},
		Deviation: DeviationConfig{
			Threshold:         getFloatEnv("DEVIATION_THRESHOLD", 2.0),
			RecentSampleLimit: getIntEnv("DEVIATION_RECENT_SAMPLE_LIMIT", 200),
		},
		Trend: TrendConfig{
			Window:          getDurationEnv("TREND_WINDOW", 24*time.Hour),
			IntervalSeconds: getInt64Env("TREND_INTERVAL_SECONDS", 300),
			DepthThreshold:  getFloatEnv("TREND_DEPTH_THRESHOLD", 1000),
			EfficiencySwing: getFloatEnv("TREND_EFFICIENCY_SWING", 0.25),
		},
		Heartbeat: HeartbeatConfig{
			TTL:            getDurationEnv("HEARTBEAT_TTL", 10*time.Minute),
			StaleThreshold: getDurationEnv("HEARTBEAT_STALE_THRESHOLD", 60*time.Second),
			Interval:       getDurationEnv("HEARTBEAT_INTERVAL", 15*time.Second),
		},
		Worker: WorkerConfig{
			Connection:        getEnv("WORKER_CONNECTION", "redis"),
			MaxConcurrentJobs: getIntEnv("WORKER_MAX_CONCURRENT_JOBS", 4),
			JobTimeout:        getDurationEnv("WORKER_JOB_TIMEOUT", 30*time.Minute),
		},
		LogLevel: getEnv("LOG_LEVEL", "info"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Metrics.KeyPrefix == "" {
		return fmt.Errorf("metrics key prefix is required")
	}
	if c.Metrics.SampleCap <= 0 {
		return fmt.Errorf("sample cap must be positive")
	}
	if c.Metrics.SampleTTL <= 0 || c.Metrics.CounterTTL <= 0 {
		return fmt.Errorf("metrics TTLs must be positive")
	}
	if c.Baseline.MaxSamples <= 0 || c.Baseline.TargetSampleSize <= 0 {
		return fmt.Errorf("baseline sample sizes must be positive")
	}
	if c.Baseline.DecayFactor < 0 {
		return fmt.Errorf("baseline decay factor must be non-negative")
	}
	if c.Baseline.SlidingWindowDays <= 0 {
		return fmt.Errorf("baseline sliding window must be positive")
	}
	if c.Deviation.Threshold <= 0 {
		return fmt.Errorf("deviation threshold must be positive")
	}
	if c.Trend.Window <= 0 || c.Trend.IntervalSeconds <= 0 {
		return fmt.Errorf("trend window and interval must be positive")
	}
	if c.Heartbeat.TTL <= 0 || c.Heartbeat.StaleThreshold <= 0 {
		return fmt.Errorf("heartbeat TTL and stale threshold must be positive")
	}
	if c.Database.Enabled && (c.Database.Host == "" || c.Database.DBName == "") {
		return fmt.Errorf("database configuration is incomplete")
	}
	return nil
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode,
	)
}

func (c *RedisConfig) Address() string {
	return fmt.Sprintf("%s:%s", c.Host, c.Port)
}

func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%s", c.Host, c.Port)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getInt64Env(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
