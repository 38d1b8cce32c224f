package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-key-for-jwt-signing-32-chars"

func TestLoadProductionConfig_Defaults(t *testing.T) {
	t.Setenv("JWT_SECRET_KEY", testSecret)

	cfg, err := LoadProductionConfig()
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Messaging.MaxAttempts)
	assert.Equal(t, 2*time.Minute, cfg.Messaging.CommandTTL)
	assert.Equal(t, 100, cfg.Messaging.CommandPriority)
	assert.Equal(t, 10, cfg.Messaging.ControlCommandPriority)
	assert.Equal(t, "@every 60s", cfg.Messaging.ModeratorSweepSpec)
	assert.Equal(t, int64(1000), cfg.Messaging.DefaultMessagesLimit)
	assert.Equal(t, "clinic:", cfg.Cache.RedisPrefix)
	assert.Equal(t, "HS256", cfg.JWT.Algorithm)
	assert.Equal(t, []string{"127.0.0.1"}, cfg.Server.TrustedProxies)
	assert.Equal(t, "X-Real-IP", cfg.Server.ProxyHeader)
}

func TestLoadProductionConfig_AlgorithmFollowsKeyType(t *testing.T) {
	t.Setenv("JWT_USE_RSA_KEYS", "true")
	t.Setenv("JWT_PRIVATE_KEY", "private")
	t.Setenv("JWT_PUBLIC_KEY", "public")

	cfg, err := LoadProductionConfig()
	require.NoError(t, err)
	assert.Equal(t, "RS256", cfg.JWT.Algorithm)
}

func TestLoadProductionConfig_Overrides(t *testing.T) {
	t.Setenv("JWT_SECRET_KEY", testSecret)
	t.Setenv("MESSAGING_MAX_ATTEMPTS", "5")
	t.Setenv("MESSAGING_COMMAND_TTL", "90s")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example,")
	t.Setenv("MESSAGING_POLL_LIMIT", "not-a-number")

	cfg, err := LoadProductionConfig()
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Messaging.MaxAttempts)
	assert.Equal(t, 90*time.Second, cfg.Messaging.CommandTTL)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Security.AllowedOrigins)
	assert.Equal(t, 10, cfg.Messaging.PollLimit, "unparsable values fall back to the default")
}

func TestLoadProductionConfig_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantMsg string
	}{
		{
			name:    "short secret",
			env:     map[string]string{"JWT_SECRET_KEY": "short"},
			wantMsg: "JWT_SECRET_KEY must be at least 32 characters long",
		},
		{
			name:    "lease too short",
			env:     map[string]string{"JWT_SECRET_KEY": testSecret, "MESSAGING_COMMAND_TTL": "5s"},
			wantMsg: "MESSAGING_COMMAND_TTL must be between 10s and 30m",
		},
		{
			name:    "priority out of range",
			env:     map[string]string{"JWT_SECRET_KEY": testSecret, "MESSAGING_COMMAND_PRIORITY": "1001"},
			wantMsg: "MESSAGING_COMMAND_PRIORITY must be between 0 and 1000",
		},
		{
			name: "orphan grace shorter than lease",
			env: map[string]string{
				"JWT_SECRET_KEY":                testSecret,
				"MESSAGING_COMMAND_TTL":         "20m",
				"MESSAGING_ORPHAN_GRACE_PERIOD": "10m",
			},
			wantMsg: "MESSAGING_ORPHAN_GRACE_PERIOD must not be shorter than MESSAGING_COMMAND_TTL",
		},
		{
			name:    "unknown timezone",
			env:     map[string]string{"JWT_SECRET_KEY": testSecret, "MESSAGING_TIMEZONE": "Mars/Olympus"},
			wantMsg: "MESSAGING_TIMEZONE is not a valid IANA zone",
		},
		{
			name:    "algorithm does not match secret key",
			env:     map[string]string{"JWT_SECRET_KEY": testSecret, "JWT_ALGORITHM": "RS256"},
			wantMsg: "JWT_ALGORITHM must be HS256 for the configured key type",
		},
		{
			name:    "tls without certificate",
			env:     map[string]string{"JWT_SECRET_KEY": testSecret, "TLS_ENABLED": "true"},
			wantMsg: "TLS_CERT_FILE and TLS_KEY_FILE are required when TLS is enabled",
		},
		{
			name:    "bad log level",
			env:     map[string]string{"JWT_SECRET_KEY": testSecret, "LOG_LEVEL": "verbose"},
			wantMsg: "LOG_LEVEL must be one of",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			cfg, err := LoadProductionConfig()
			require.Error(t, err)
			assert.Nil(t, cfg)
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}
