package services

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// createTestTokenService creates a token service for testing with symmetric key
func createTestTokenService() (TokenService, error) {
	return NewTokenService(
		15*time.Minute,
		7*24*time.Hour,
		"test-issuer",
		"test-audience",
		false, // useRSAKeys
		"",    // privateKeyPEM
		"",    // publicKeyPEM
		"test-secret-key-for-jwt-signing-32-chars", // secretKey
	)
}

func TestNewTokenService(t *testing.T) {
	tests := []struct {
		name          string
		useRSAKeys    bool
		privateKeyPEM string
		publicKeyPEM  string
		secretKey     string
		expectError   bool
	}{
		{
			name:        "valid symmetric key configuration",
			secretKey:   "test-secret-key-for-jwt-signing-32-chars",
			expectError: false,
		},
		{
			name:        "missing secret key",
			expectError: true,
		},
		{
			name:        "RSA keys missing",
			useRSAKeys:  true,
			expectError: true,
		},
		{
			name:          "RSA keys malformed",
			useRSAKeys:    true,
			privateKeyPEM: "not a pem",
			publicKeyPEM:  "not a pem",
			expectError:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			service, err := NewTokenService(15*time.Minute, 7*24*time.Hour, "test-issuer", "test-audience",
				tt.useRSAKeys, tt.privateKeyPEM, tt.publicKeyPEM, tt.secretKey)
			if tt.expectError {
				assert.Error(t, err)
				assert.Nil(t, service)
				return
			}
			assert.NoError(t, err)
			assert.NotNil(t, service)
		})
	}
}

func TestGenerateTokens(t *testing.T) {
	service, err := createTestTokenService()
	require.NoError(t, err)

	accessToken, refreshToken, err := service.GenerateTokens(12, 3)
	require.NoError(t, err)
	assert.NotEmpty(t, accessToken)
	assert.NotEmpty(t, refreshToken)
	assert.NotEqual(t, accessToken, refreshToken)

	access, err := service.ValidateToken(accessToken)
	require.NoError(t, err)
	assert.Equal(t, uint(12), access.UserID)
	assert.Equal(t, uint(3), access.ModeratorID)
	assert.Equal(t, TokenTypeAccess, access.TokenType)
	assert.NotEmpty(t, access.TokenID)
	assert.True(t, access.ExpiresAt.After(access.IssuedAt))

	refresh, err := service.ValidateToken(refreshToken)
	require.NoError(t, err)
	assert.Equal(t, TokenTypeRefresh, refresh.TokenType)
	assert.True(t, refresh.ExpiresAt.After(access.ExpiresAt))
	assert.NotEqual(t, access.TokenID, refresh.TokenID)
}

func TestValidateToken(t *testing.T) {
	service, err := createTestTokenService()
	require.NoError(t, err)
	adminAccess, _, err := service.GenerateAdminTokens(5)
	require.NoError(t, err)
	deviceToken, _, err := service.GenerateDeviceToken(uuid.New(), 3, time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name        string
		token       string
		expectedErr error
	}{
		{name: "empty token", token: "", expectedErr: ErrTokenInvalid},
		{name: "garbage", token: "not.a.jwt", expectedErr: ErrTokenInvalid},
		{name: "admin token has no user", token: adminAccess, expectedErr: ErrTokenInvalid},
		{name: "device token has no user", token: deviceToken, expectedErr: ErrTokenInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims, err := service.ValidateToken(tt.token)
			assert.ErrorIs(t, err, tt.expectedErr)
			assert.Nil(t, claims)
		})
	}
}

func TestRefreshToken(t *testing.T) {
	service, err := createTestTokenService()
	require.NoError(t, err)

	accessToken, refreshToken, err := service.GenerateTokens(12, 3)
	require.NoError(t, err)

	newAccess, newRefresh, err := service.RefreshToken(refreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, accessToken, newAccess)
	assert.NotEqual(t, refreshToken, newRefresh)

	claims, err := service.ValidateToken(newAccess)
	require.NoError(t, err)
	assert.Equal(t, uint(12), claims.UserID)
	assert.Equal(t, uint(3), claims.ModeratorID)

	_, _, err = service.RefreshToken(accessToken)
	assert.ErrorIs(t, err, ErrWrongTokenType)

	_, _, err = service.RefreshToken("invalid")
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestAdminTokens(t *testing.T) {
	service, err := createTestTokenService()
	require.NoError(t, err)

	accessToken, _, err := service.GenerateAdminTokens(9)
	require.NoError(t, err)
	claims, err := service.ValidateAdminToken(accessToken)
	require.NoError(t, err)
	assert.Equal(t, uint(9), claims.AdminID)
	assert.Equal(t, TokenTypeAccess, claims.TokenType)

	userToken, _, err := service.GenerateTokens(1, 1)
	require.NoError(t, err)
	_, err = service.ValidateAdminToken(userToken)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestDeviceTokens(t *testing.T) {
	service, err := createTestTokenService()
	require.NoError(t, err)
	deviceID := uuid.New()

	token, expiresAt, err := service.GenerateDeviceToken(deviceID, 4, 48*time.Hour)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(48*time.Hour), expiresAt, time.Minute)

	claims, err := service.ValidateDeviceToken(token)
	require.NoError(t, err)
	assert.Equal(t, deviceID, claims.DeviceID)
	assert.Equal(t, uint(4), claims.ModeratorID)
	assert.Equal(t, expiresAt.Unix(), claims.ExpiresAt.Unix())

	// staff tokens are not accepted on extension routes
	userToken, _, err := service.GenerateTokens(1, 4)
	require.NoError(t, err)
	_, err = service.ValidateDeviceToken(userToken)
	assert.ErrorIs(t, err, ErrWrongTokenType)

	// a zero ttl falls back to the default extension token lifetime
	_, expiresAt, err = service.GenerateDeviceToken(deviceID, 4, 0)
	require.NoError(t, err)
	assert.True(t, expiresAt.After(time.Now()))
}

func TestTokenExpiration(t *testing.T) {
	service, err := NewTokenService(-time.Minute, -time.Minute, "test-issuer", "test-audience",
		false, "", "", "test-secret-key-for-jwt-signing-32-chars")
	require.NoError(t, err)

	accessToken, refreshToken, err := service.GenerateTokens(1, 1)
	require.NoError(t, err)

	_, err = service.ValidateToken(accessToken)
	assert.ErrorIs(t, err, ErrTokenExpired)
	_, _, err = service.RefreshToken(refreshToken)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestTokenSecurity(t *testing.T) {
	service1, err := createTestTokenService()
	require.NoError(t, err)
	service2, err := NewTokenService(15*time.Minute, 7*24*time.Hour, "test-issuer", "test-audience",
		false, "", "", "different-secret-key-for-jwt-signing-32")
	require.NoError(t, err)

	token1, _, err := service1.GenerateTokens(1, 1)
	require.NoError(t, err)
	token2, _, err := service2.GenerateTokens(1, 1)
	require.NoError(t, err)

	_, err = service1.ValidateToken(token2)
	assert.ErrorIs(t, err, ErrTokenInvalid)
	_, err = service2.ValidateToken(token1)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestConcurrentTokenGeneration(t *testing.T) {
	service, err := createTestTokenService()
	require.NoError(t, err)

	const workers = 20
	var wg sync.WaitGroup
	tokens := make([]string, workers)
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], _, errs[i] = service.GenerateTokens(uint(i+1), 1)
		}(i)
	}
	wg.Wait()

	seen := map[string]bool{}
	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		assert.False(t, seen[tokens[i]], "tokens must be unique")
		seen[tokens[i]] = true

		claims, err := service.ValidateToken(tokens[i])
		require.NoError(t, err)
		assert.Equal(t, uint(i+1), claims.UserID)
	}
}

func BenchmarkGenerateTokens(b *testing.B) {
	service, err := createTestTokenService()
	require.NoError(b, err)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, _, err := service.GenerateTokens(uint(i), 1); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkValidateToken(b *testing.B) {
	service, err := createTestTokenService()
	require.NoError(b, err)
	token, _, err := service.GenerateTokens(123, 1)
	require.NoError(b, err)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := service.ValidateToken(token); err != nil {
			b.Fatal(err)
		}
	}
}
