package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the application configuration
type Config struct {
	Server       ServerConfig
	Redis        RedisConfig
	ControlPlane ControlPlaneConfig
	Monitoring   MonitoringConfig
	Tracing      TracingConfig
}

// ServerConfig holds agent identity and HTTP listener settings
type ServerConfig struct {
	AppName   string
	Version   string
	ServerID  string
	Region    string
	IPAddress string
	Host      string
	Port      int
}

// RedisConfig holds queue store connection settings and queue names
type RedisConfig struct {
	Host           string
	Port           int
	Password       string
	DB             int
	PoolSize       int
	DialTimeout    time.Duration
	ReadTimeout    time.Duration
	UsageQueue     string
	LifecycleQueue string
	QuotaQueue     string
	QuotaResponse  string
	DeadLetter     string
}

// ControlPlaneConfig holds remote authority client settings
type ControlPlaneConfig struct {
	URL                 string
	APIKey              string
	APIKeyHeader        string
	Timeout             time.Duration
	RetryAttempts       int
	InitialErrorDelay   time.Duration
	BackoffMultiplier   float64
	MaxBackoff          time.Duration
	HealthCheckEnabled  bool
	HealthCheckInterval time.Duration
	JWTKeysCacheTTL     time.Duration
}

// MonitoringConfig holds heartbeat, command polling and logging settings
type MonitoringConfig struct {
	HeartbeatInterval   time.Duration
	CommandPollInterval time.Duration
	CommandCacheTTL     time.Duration
	ConsumerPopTimeout  time.Duration
	LogLevel            string
}

// TracingConfig holds tracing settings
type TracingConfig struct {
	Enabled      bool
	ServiceName  string
	OTLPEndpoint string
}

// Load loads configuration from environment variables with defaults
func Load() *Config {
	return &Config{
		Server: ServerConfig{
			AppName:   "dataplane-agent",
			Version:   getEnv("AGENT_VERSION", "1.0.0"),
			ServerID:  getEnv("SERVER_ID", ""),
			Region:    getEnv("SERVER_REGION", ""),
			IPAddress: getEnv("SERVER_IP", "0.0.0.0"),
			Host:      getEnv("SERVER_HOST", "0.0.0.0"),
			Port:      getEnvInt("SERVER_PORT", 8081),
		},
		Redis: RedisConfig{
			Host:           getEnv("REDIS_HOST", "localhost"),
			Port:           getEnvInt("REDIS_PORT", 6379),
			Password:       getEnv("REDIS_PASSWORD", ""),
			DB:             getEnvInt("REDIS_DB", 0),
			PoolSize:       getEnvInt("REDIS_MAX_CONNECTIONS", 10),
			DialTimeout:    getEnvDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:    getEnvDuration("REDIS_SOCKET_TIMEOUT", 30*time.Second),
			UsageQueue:     getEnv("USAGE_RECORDS_QUEUE", "queue:usage_records"),
			LifecycleQueue: getEnv("SESSION_LIFECYCLE_QUEUE", "queue:session_lifecycle"),
			QuotaQueue:     getEnv("QUOTA_REFRESH_QUEUE", "queue:quota_refresh"),
			QuotaResponse:  getEnv("QUOTA_RESPONSE_QUEUE", "queue:quota_response"),
			DeadLetter:     getEnv("DEAD_LETTER_QUEUE", "queue:dead_letter"),
		},
		ControlPlane: ControlPlaneConfig{
			URL:                 strings.TrimRight(getEnv("CONTROL_PLANE_URL", ""), "/"),
			APIKey:              getEnv("CONTROL_PLANE_API_KEY", ""),
			APIKeyHeader:        getEnv("CONTROL_PLANE_API_KEY_HEADER", "X-API-Key"),
			Timeout:             getEnvDuration("CONTROL_PLANE_TIMEOUT", 30*time.Second),
			RetryAttempts:       getEnvInt("CONTROL_PLANE_RETRY_ATTEMPTS", 3),
			InitialErrorDelay:   getEnvDuration("CONTROL_PLANE_INITIAL_ERROR_DELAY", 1*time.Second),
			BackoffMultiplier:   getEnvFloat("CONTROL_PLANE_BACKOFF_MULTIPLIER", 2.0),
			MaxBackoff:          getEnvDuration("CONTROL_PLANE_MAX_BACKOFF", 5*time.Minute),
			HealthCheckEnabled:  getEnvBool("CONTROL_PLANE_HEALTH_CHECK_ENABLED", true),
			HealthCheckInterval: getEnvDuration("CONTROL_PLANE_HEALTH_CHECK_INTERVAL", 60*time.Second),
			JWTKeysCacheTTL:     getEnvDuration("JWT_PUBLIC_KEYS_CACHE_TTL", 1*time.Hour),
		},
		Monitoring: MonitoringConfig{
			HeartbeatInterval:   getEnvDuration("HEARTBEAT_INTERVAL", 60*time.Second),
			CommandPollInterval: getEnvDuration("COMMAND_POLL_INTERVAL", 60*time.Second),
			CommandCacheTTL:     getEnvDuration("COMMAND_CACHE_TTL", 24*time.Hour),
			ConsumerPopTimeout:  getEnvDuration("CONSUMER_POP_TIMEOUT", 5*time.Second),
			LogLevel:            getEnv("LOG_LEVEL", "INFO"),
		},
		Tracing: TracingConfig{
			Enabled:      getEnvBool("TRACING_ENABLED", false),
			ServiceName:  getEnv("SERVICE_NAME", "dataplane-agent"),
			OTLPEndpoint: getEnv("OTLP_ENDPOINT", "localhost:4318"),
		},
	}
}

// Validate checks that required settings are present and well-formed.
func (c *Config) Validate() error {
	var missing []string
	if c.Server.ServerID == "" {
		missing = append(missing, "SERVER_ID")
	}
	if c.Server.Region == "" {
		missing = append(missing, "SERVER_REGION")
	}
	if c.ControlPlane.URL == "" {
		missing = append(missing, "CONTROL_PLANE_URL")
	}
	if c.ControlPlane.APIKey == "" {
		missing = append(missing, "CONTROL_PLANE_API_KEY")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	if !strings.HasPrefix(c.ControlPlane.URL, "http://") && !strings.HasPrefix(c.ControlPlane.URL, "https://") {
		return fmt.Errorf("CONTROL_PLANE_URL must start with http:// or https://, got %q", c.ControlPlane.URL)
	}
	if c.ControlPlane.RetryAttempts < 1 {
		return fmt.Errorf("CONTROL_PLANE_RETRY_ATTEMPTS must be at least 1, got %d", c.ControlPlane.RetryAttempts)
	}
	if c.ControlPlane.BackoffMultiplier < 1 {
		return fmt.Errorf("CONTROL_PLANE_BACKOFF_MULTIPLIER must be at least 1, got %g", c.ControlPlane.BackoffMultiplier)
	}
	return nil
}

// RedisAddr returns the host:port address of the queue store.
func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ProcessingQueue returns the processing-list name paired with a source queue.
func ProcessingQueue(sourceQueue string) string {
	return sourceQueue + ":processing"
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
