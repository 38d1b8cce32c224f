// Package config provides configuration management and environment variable handling for the application
package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ProductionConfig holds all configuration for production environment
type ProductionConfig struct {
	Database   DatabaseConfig   `json:"database"`
	Server     ServerConfig     `json:"server"`
	Security   SecurityConfig   `json:"security"`
	JWT        JWTConfig        `json:"jwt"`
	Logging    LoggingConfig    `json:"logging"`
	Metrics    MetricsConfig    `json:"metrics"`
	Cache      CacheConfig      `json:"cache"`
	Messaging  MessagingConfig  `json:"messaging"`
	Deployment DeploymentConfig `json:"deployment"`
}

type DatabaseConfig struct {
	Host            string        `json:"host"`
	Port            int           `json:"port"`
	Name            string        `json:"name"`
	User            string        `json:"user"`
	Password        string        `json:"password"`
	SSLMode         string        `json:"ssl_mode"`
	MaxOpenConns    int           `json:"max_open_conns"`
	MaxIdleConns    int           `json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `json:"conn_max_idle_time"`
	SlowQueryLog    bool          `json:"slow_query_log"`
	SlowQueryTime   time.Duration `json:"slow_query_time"`
	AutoMigrate     bool          `json:"auto_migrate"`
}

type ServerConfig struct {
	Host              string        `json:"host"`
	Port              int           `json:"port"`
	ReadTimeout       time.Duration `json:"read_timeout"`
	WriteTimeout      time.Duration `json:"write_timeout"`
	IdleTimeout       time.Duration `json:"idle_timeout"`
	ShutdownTimeout   time.Duration `json:"shutdown_timeout"`
	BodyLimit         int           `json:"body_limit"`
	EnableMetrics     bool          `json:"enable_metrics"`
	TrustedProxies    []string      `json:"trusted_proxies"`
	ProxyHeader       string        `json:"proxy_header"`
	EnableCompression bool          `json:"enable_compression"`
}

type SecurityConfig struct {
	// TLS/HTTPS
	TLSEnabled  bool   `json:"tls_enabled"`
	TLSCertFile string `json:"tls_cert_file"`
	TLSKeyFile  string `json:"tls_key_file"`
	HSTSMaxAge  int    `json:"hsts_max_age"`

	// CORS
	AllowedOrigins   []string `json:"allowed_origins"`
	AllowedMethods   []string `json:"allowed_methods"`
	AllowedHeaders   []string `json:"allowed_headers"`
	AllowCredentials bool     `json:"allow_credentials"`
	CORSMaxAge       int      `json:"cors_max_age"`

	// Rate Limiting
	GlobalRateLimit    int           `json:"global_rate_limit"`    // requests per window
	ExtensionRateLimit int           `json:"extension_rate_limit"` // requests per window per device
	RateLimitWindow    time.Duration `json:"rate_limit_window"`

	// Extension device secrets
	BcryptCost int `json:"bcrypt_cost"`
}

type JWTConfig struct {
	SecretKey         string        `json:"secret_key"`
	PrivateKey        string        `json:"private_key"`  // RSA private key in PEM format
	PublicKey         string        `json:"public_key"`   // RSA public key in PEM format
	UseRSAKeys        bool          `json:"use_rsa_keys"` // Whether to use RSA keys instead of secret key
	AccessTokenTTL    time.Duration `json:"access_token_ttl"`
	RefreshTokenTTL   time.Duration `json:"refresh_token_ttl"`
	ExtensionTokenTTL time.Duration `json:"extension_token_ttl"`
	Issuer            string        `json:"issuer"`
	Audience          string        `json:"audience"`
	Algorithm         string        `json:"algorithm"`
}

type LoggingConfig struct {
	Level            string `json:"level"`  // debug, info, warn, error
	Format           string `json:"format"` // json, text
	Output           string `json:"output"` // stdout, file, both
	FilePath         string `json:"file_path"`
	MaxSize          int    `json:"max_size"` // MB
	MaxBackups       int    `json:"max_backups"`
	MaxAge           int    `json:"max_age"` // days
	Compress         bool   `json:"compress"`
	EnableCaller     bool   `json:"enable_caller"`
	EnableStacktrace bool   `json:"enable_stacktrace"`
	EnableAccessLog  bool   `json:"enable_access_log"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type CacheConfig struct {
	Enabled         bool          `json:"enabled"`
	Provider        string        `json:"provider"` // redis, memory
	RedisURL        string        `json:"redis_url"`
	RedisDB         int           `json:"redis_db"`
	RedisPrefix     string        `json:"redis_prefix"`
	CleanupInterval time.Duration `json:"cleanup_interval"`
}

// MessagingConfig tunes the outbound pipeline
type MessagingConfig struct {
	SchedulerEnabled       bool          `json:"scheduler_enabled"`
	MaxAttempts            int           `json:"max_attempts"`
	CommandTTL             time.Duration `json:"command_ttl"`
	CommandPriority        int           `json:"command_priority"`
	ControlCommandPriority int           `json:"control_command_priority"`
	DispatchBatchSize      int           `json:"dispatch_batch_size"`
	RetryBatchSize         int           `json:"retry_batch_size"`
	ExpiryBatchSize        int           `json:"expiry_batch_size"`
	PollLimit              int           `json:"poll_limit"`
	ModeratorSweepSpec     string        `json:"moderator_sweep_spec"`
	GlobalSweepSpec        string        `json:"global_sweep_spec"`
	SweepMinInterval       time.Duration `json:"sweep_min_interval"`
	SweepParallelism       int           `json:"sweep_parallelism"`
	DispatchLockTTL        time.Duration `json:"dispatch_lock_ttl"`
	OrphanGracePeriod      time.Duration `json:"orphan_grace_period"`
	CommandRetention       time.Duration `json:"command_retention"`
	HeartbeatTimeout       time.Duration `json:"heartbeat_timeout"`
	DefaultMessagesLimit   int64         `json:"default_messages_limit"`
	DefaultQueuesLimit     int64         `json:"default_queues_limit"`
	Timezone               string        `json:"timezone"`
}

type DeploymentConfig struct {
	Environment string `json:"environment"`
	Version     string `json:"version"`
	CommitHash  string `json:"commit_hash"`
	BuildTime   string `json:"build_time"`
}

// LoadProductionConfig loads and validates configuration from environment variables
func LoadProductionConfig() (*ProductionConfig, error) {
	// Load environment variables from .env file
	if err := loadEnvFile(); err != nil {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	cfg := &ProductionConfig{
		Database: DatabaseConfig{
			Host:            getEnvString("DB_HOST", "localhost"),
			Port:            getEnvInt("DB_PORT", 5432),
			Name:            getEnvString("DB_NAME", "clinic_queue"),
			User:            getEnvString("DB_USER", "postgres"),
			Password:        getEnvString("DB_PASSWORD", ""),
			SSLMode:         getEnvString("DB_SSL_MODE", "require"),
			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 50),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 10),
			ConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute),
			ConnMaxIdleTime: getEnvDuration("DB_CONN_MAX_IDLE_TIME", 15*time.Minute),
			SlowQueryLog:    getEnvBool("DB_SLOW_QUERY_LOG", true),
			SlowQueryTime:   getEnvDuration("DB_SLOW_QUERY_TIME", 1*time.Second),
			AutoMigrate:     getEnvBool("DB_AUTO_MIGRATE", true),
		},
		Server: ServerConfig{
			Host:              getEnvString("SERVER_HOST", "0.0.0.0"),
			Port:              getEnvInt("SERVER_PORT", 8080),
			ReadTimeout:       getEnvDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:      getEnvDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:       getEnvDuration("SERVER_IDLE_TIMEOUT", 120*time.Second),
			ShutdownTimeout:   getEnvDuration("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
			BodyLimit:         getEnvInt("SERVER_BODY_LIMIT", 4*1024*1024), // 4MB
			EnableMetrics:     getEnvBool("SERVER_ENABLE_METRICS", true),
			TrustedProxies:    getEnvStringSlice("SERVER_TRUSTED_PROXIES", []string{"127.0.0.1"}),
			ProxyHeader:       getEnvString("SERVER_PROXY_HEADER", "X-Real-IP"),
			EnableCompression: getEnvBool("SERVER_ENABLE_COMPRESSION", true),
		},
		Security: SecurityConfig{
			TLSEnabled:         getEnvBool("TLS_ENABLED", false),
			TLSCertFile:        getEnvString("TLS_CERT_FILE", ""),
			TLSKeyFile:         getEnvString("TLS_KEY_FILE", ""),
			HSTSMaxAge:         getEnvInt("HSTS_MAX_AGE", 31536000), // 1 year
			AllowedOrigins:     getEnvStringSlice("CORS_ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
			AllowedMethods:     getEnvStringSlice("CORS_ALLOWED_METHODS", []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}),
			AllowedHeaders:     getEnvStringSlice("CORS_ALLOWED_HEADERS", []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Requested-With"}),
			AllowCredentials:   getEnvBool("CORS_ALLOW_CREDENTIALS", true),
			CORSMaxAge:         getEnvInt("CORS_MAX_AGE", 86400),
			GlobalRateLimit:    getEnvInt("GLOBAL_RATE_LIMIT", 2000),
			ExtensionRateLimit: getEnvInt("EXTENSION_RATE_LIMIT", 240),
			RateLimitWindow:    getEnvDuration("RATE_LIMIT_WINDOW", 1*time.Minute),
			BcryptCost:         getEnvInt("BCRYPT_COST", 12),
		},
		JWT: JWTConfig{
			SecretKey:         getEnvString("JWT_SECRET_KEY", ""),
			PrivateKey:        getEnvString("JWT_PRIVATE_KEY", ""),
			PublicKey:         getEnvString("JWT_PUBLIC_KEY", ""),
			UseRSAKeys:        getEnvBool("JWT_USE_RSA_KEYS", false),
			AccessTokenTTL:    getEnvDuration("JWT_ACCESS_TOKEN_TTL", 24*time.Hour),
			RefreshTokenTTL:   getEnvDuration("JWT_REFRESH_TOKEN_TTL", 7*24*time.Hour),
			ExtensionTokenTTL: getEnvDuration("JWT_EXTENSION_TOKEN_TTL", 90*24*time.Hour),
			Issuer:            getEnvString("JWT_ISSUER", "clinic-queue"),
			Audience:          getEnvString("JWT_AUDIENCE", "clinic-queue-api"),
			Algorithm:         getEnvString("JWT_ALGORITHM", jwtAlgorithm(getEnvBool("JWT_USE_RSA_KEYS", false))),
		},
		Logging: LoggingConfig{
			Level:            getEnvString("LOG_LEVEL", "info"),
			Format:           getEnvString("LOG_FORMAT", "json"),
			Output:           getEnvString("LOG_OUTPUT", "stdout"),
			FilePath:         getEnvString("LOG_FILE_PATH", "/var/log/clinic-queue/app.log"),
			MaxSize:          getEnvInt("LOG_MAX_SIZE", 100),
			MaxBackups:       getEnvInt("LOG_MAX_BACKUPS", 10),
			MaxAge:           getEnvInt("LOG_MAX_AGE", 30),
			Compress:         getEnvBool("LOG_COMPRESS", true),
			EnableCaller:     getEnvBool("LOG_ENABLE_CALLER", true),
			EnableStacktrace: getEnvBool("LOG_ENABLE_STACKTRACE", false),
			EnableAccessLog:  getEnvBool("LOG_ENABLE_ACCESS", true),
		},
		Metrics: MetricsConfig{
			Enabled: getEnvBool("METRICS_ENABLED", true),
			Path:    getEnvString("METRICS_PATH", "/metrics"),
		},
		Cache: CacheConfig{
			Enabled:         getEnvBool("CACHE_ENABLED", true),
			Provider:        getEnvString("CACHE_PROVIDER", "redis"),
			RedisURL:        getEnvString("CACHE_REDIS_URL", "redis://localhost:6379"),
			RedisDB:         getEnvInt("CACHE_REDIS_DB", 0),
			RedisPrefix:     getEnvString("CACHE_REDIS_PREFIX", "clinic:"),
			CleanupInterval: getEnvDuration("CACHE_CLEANUP_INTERVAL", 10*time.Minute),
		},
		Messaging: MessagingConfig{
			SchedulerEnabled:       getEnvBool("MESSAGING_SCHEDULER_ENABLED", true),
			MaxAttempts:            getEnvInt("MESSAGING_MAX_ATTEMPTS", 3),
			CommandTTL:             getEnvDuration("MESSAGING_COMMAND_TTL", 2*time.Minute),
			CommandPriority:        getEnvInt("MESSAGING_COMMAND_PRIORITY", 100),
			ControlCommandPriority: getEnvInt("MESSAGING_CONTROL_COMMAND_PRIORITY", 10),
			DispatchBatchSize:      getEnvInt("MESSAGING_DISPATCH_BATCH_SIZE", 50),
			RetryBatchSize:         getEnvInt("MESSAGING_RETRY_BATCH_SIZE", 100),
			ExpiryBatchSize:        getEnvInt("MESSAGING_EXPIRY_BATCH_SIZE", 500),
			PollLimit:              getEnvInt("MESSAGING_POLL_LIMIT", 10),
			ModeratorSweepSpec:     getEnvString("MESSAGING_MODERATOR_SWEEP_SPEC", "@every 60s"),
			GlobalSweepSpec:        getEnvString("MESSAGING_GLOBAL_SWEEP_SPEC", "@every 60s"),
			SweepMinInterval:       getEnvDuration("MESSAGING_SWEEP_MIN_INTERVAL", 45*time.Second),
			SweepParallelism:       getEnvInt("MESSAGING_SWEEP_PARALLELISM", 4),
			DispatchLockTTL:        getEnvDuration("MESSAGING_DISPATCH_LOCK_TTL", 2*time.Minute),
			OrphanGracePeriod:      getEnvDuration("MESSAGING_ORPHAN_GRACE_PERIOD", 10*time.Minute),
			CommandRetention:       getEnvDuration("MESSAGING_COMMAND_RETENTION", 7*24*time.Hour),
			HeartbeatTimeout:       getEnvDuration("MESSAGING_HEARTBEAT_TIMEOUT", 90*time.Second),
			DefaultMessagesLimit:   int64(getEnvInt("MESSAGING_DEFAULT_MESSAGES_LIMIT", 1000)),
			DefaultQueuesLimit:     int64(getEnvInt("MESSAGING_DEFAULT_QUEUES_LIMIT", 10)),
			Timezone:               getEnvString("MESSAGING_TIMEZONE", "UTC"),
		},
		Deployment: DeploymentConfig{
			Environment: getEnvString("APP_ENV", "production"),
			Version:     getEnvString("VERSION", "1.0.0"),
			CommitHash:  getEnvString("COMMIT_HASH", "unknown"),
			BuildTime:   getEnvString("BUILD_TIME", "unknown"),
		},
	}

	// Validate the loaded configuration
	if err := ValidateProductionConfig(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadEnvFile loads environment variables from .env file if it exists
func loadEnvFile() error {
	envFile := ".env"

	// Check if .env file exists
	if _, err := os.Stat(envFile); os.IsNotExist(err) {
		// .env file doesn't exist, continue with environment variables
		return nil
	}

	// Open .env file
	file, err := os.Open(envFile)
	if err != nil {
		return fmt.Errorf("failed to open .env file: %w", err)
	}
	defer file.Close()

	// Read file line by line
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines and comments
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		// Parse key=value pairs
		if strings.Contains(line, "=") {
			parts := strings.SplitN(line, "=", 2)
			if len(parts) == 2 {
				key := strings.TrimSpace(parts[0])
				value := strings.TrimSpace(parts[1])

				// Remove quotes if present
				if (strings.HasPrefix(value, `"`) && strings.HasSuffix(value, `"`)) ||
					(strings.HasPrefix(value, `'`) && strings.HasSuffix(value, `'`)) {
					value = value[1 : len(value)-1]
				}

				// Set environment variable if not already set
				if os.Getenv(key) == "" {
					os.Setenv(key, value)
				}
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("error reading .env file: %w", err)
	}

	return nil
}

// Helper functions for environment variable parsing
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		// Use standard library strings.Split and strings.TrimSpace
		var result []string
		for _, item := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(item); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}

// jwtAlgorithm is the signing algorithm the token service uses for a key type
func jwtAlgorithm(useRSAKeys bool) string {
	if useRSAKeys {
		return "RS256"
	}
	return "HS256"
}

// ValidateProductionConfig validates the production configuration
func ValidateProductionConfig(cfg *ProductionConfig) error {
	var errors []string

	// Validate database configuration
	if cfg.Database.Host == "" {
		errors = append(errors, "DB_HOST is required")
	}
	if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
		errors = append(errors, "DB_PORT must be between 1 and 65535")
	}
	if cfg.Database.Name == "" {
		errors = append(errors, "DB_NAME is required")
	}
	if cfg.Database.User == "" {
		errors = append(errors, "DB_USER is required")
	}

	// Validate JWT configuration
	if !cfg.JWT.UseRSAKeys && len(cfg.JWT.SecretKey) < 32 {
		errors = append(errors, "JWT_SECRET_KEY must be at least 32 characters long")
	}
	if cfg.JWT.UseRSAKeys && (cfg.JWT.PrivateKey == "" || cfg.JWT.PublicKey == "") {
		errors = append(errors, "JWT_PRIVATE_KEY and JWT_PUBLIC_KEY are required when JWT_USE_RSA_KEYS is set")
	}
	if want := jwtAlgorithm(cfg.JWT.UseRSAKeys); cfg.JWT.Algorithm != want {
		errors = append(errors, fmt.Sprintf("JWT_ALGORITHM must be %s for the configured key type", want))
	}
	if cfg.JWT.AccessTokenTTL <= 0 {
		errors = append(errors, "JWT_ACCESS_TOKEN_TTL must be positive")
	}
	if cfg.JWT.ExtensionTokenTTL <= 0 {
		errors = append(errors, "JWT_EXTENSION_TOKEN_TTL must be positive")
	}
	if cfg.JWT.Issuer == "" {
		errors = append(errors, "JWT_ISSUER is required")
	}

	// Validate server configuration
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errors = append(errors, "SERVER_PORT must be between 1 and 65535")
	}
	if cfg.Server.ReadTimeout <= 0 || cfg.Server.WriteTimeout <= 0 || cfg.Server.IdleTimeout <= 0 {
		errors = append(errors, "SERVER_READ_TIMEOUT, SERVER_WRITE_TIMEOUT and SERVER_IDLE_TIMEOUT must be positive")
	}

	// Validate security configuration
	if cfg.Security.BcryptCost < 10 || cfg.Security.BcryptCost > 14 {
		errors = append(errors, "BCRYPT_COST must be between 10 and 14")
	}
	if cfg.Security.TLSEnabled && (cfg.Security.TLSCertFile == "" || cfg.Security.TLSKeyFile == "") {
		errors = append(errors, "TLS_CERT_FILE and TLS_KEY_FILE are required when TLS is enabled")
	}

	// Validate logging configuration
	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errors = append(errors, "LOG_LEVEL must be one of: debug, info, warn, error")
	}
	switch cfg.Logging.Output {
	case "stdout", "file", "both":
	default:
		errors = append(errors, "LOG_OUTPUT must be one of: stdout, file, both")
	}

	// Validate cache configuration if enabled
	if cfg.Cache.Enabled && cfg.Cache.Provider == "redis" && cfg.Cache.RedisURL == "" {
		errors = append(errors, "CACHE_REDIS_URL is required when cache is enabled with redis provider")
	}

	errors = append(errors, validateMessagingConfig(cfg.Messaging)...)

	// Return validation errors if any
	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errors, "; "))
	}

	return nil
}

func validateMessagingConfig(m MessagingConfig) []string {
	var errors []string
	if m.MaxAttempts < 1 || m.MaxAttempts > 10 {
		errors = append(errors, "MESSAGING_MAX_ATTEMPTS must be between 1 and 10")
	}
	if m.CommandTTL < 10*time.Second || m.CommandTTL > 30*time.Minute {
		errors = append(errors, "MESSAGING_COMMAND_TTL must be between 10s and 30m")
	}
	if m.CommandPriority < 0 || m.CommandPriority > 1000 {
		errors = append(errors, "MESSAGING_COMMAND_PRIORITY must be between 0 and 1000")
	}
	if m.ControlCommandPriority < 0 || m.ControlCommandPriority > 1000 {
		errors = append(errors, "MESSAGING_CONTROL_COMMAND_PRIORITY must be between 0 and 1000")
	}
	if m.DispatchBatchSize <= 0 || m.RetryBatchSize <= 0 || m.ExpiryBatchSize <= 0 {
		errors = append(errors, "MESSAGING batch sizes must be positive")
	}
	if m.PollLimit < 1 || m.PollLimit > 50 {
		errors = append(errors, "MESSAGING_POLL_LIMIT must be between 1 and 50")
	}
	if m.ModeratorSweepSpec == "" || m.GlobalSweepSpec == "" {
		errors = append(errors, "MESSAGING sweep specs are required")
	}
	if m.SweepParallelism < 1 {
		errors = append(errors, "MESSAGING_SWEEP_PARALLELISM must be at least 1")
	}
	if m.DispatchLockTTL <= 0 || m.OrphanGracePeriod <= 0 || m.CommandRetention <= 0 || m.HeartbeatTimeout <= 0 {
		errors = append(errors, "MESSAGING durations must be positive")
	}
	if m.OrphanGracePeriod < m.CommandTTL {
		errors = append(errors, "MESSAGING_ORPHAN_GRACE_PERIOD must not be shorter than MESSAGING_COMMAND_TTL")
	}
	if m.DefaultMessagesLimit < -1 || m.DefaultQueuesLimit < -1 {
		errors = append(errors, "MESSAGING default limits must be -1 (unlimited) or non-negative")
	}
	if _, err := time.LoadLocation(m.Timezone); err != nil {
		errors = append(errors, "MESSAGING_TIMEZONE is not a valid IANA zone")
	}
	return errors
}
