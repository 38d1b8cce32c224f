// Package services provides technical services used by the business flows: tokens, locks, caches and event sinks
package services

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"time"

	"github.com/amirphl/clinic-queue/utils"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Token service error constants
var (
	ErrTokenExpired   = errors.New("token has expired")
	ErrTokenInvalid   = errors.New("invalid token")
	ErrWrongTokenType = errors.New("wrong token type")
)

// Token types carried in the token_type claim
const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
	TokenTypeDevice  = "device"
)

// TokenService handles JWT token generation and validation for staff, admins and
// paired browser extensions
type TokenService interface {
	GenerateTokens(userID, moderatorID uint) (accessToken, refreshToken string, err error)
	ValidateToken(token string) (*TokenClaims, error)
	RefreshToken(refreshToken string) (newAccessToken, newRefreshToken string, err error)
	GenerateAdminTokens(adminID uint) (accessToken, refreshToken string, err error)
	ValidateAdminToken(token string) (*AdminTokenClaims, error)
	GenerateDeviceToken(deviceID uuid.UUID, moderatorID uint, ttl time.Duration) (token string, expiresAt time.Time, err error)
	ValidateDeviceToken(token string) (*DeviceTokenClaims, error)
}

// TokenClaims represents the claims of a clinic staff token.
// ModeratorID is the clinic account that owns the queues the user works on.
type TokenClaims struct {
	UserID      uint      `json:"user_id"`
	ModeratorID uint      `json:"moderator_id"`
	IssuedAt    time.Time `json:"issued_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	TokenType   string    `json:"token_type"` // "access" or "refresh"
	TokenID     string    `json:"jti"`
}

// AdminTokenClaims represents claims for admin JWTs
type AdminTokenClaims struct {
	AdminID   uint      `json:"admin_id"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
	TokenType string    `json:"token_type"`
	TokenID   string    `json:"jti"`
}

// DeviceTokenClaims represents claims of a paired extension
type DeviceTokenClaims struct {
	DeviceID    uuid.UUID `json:"device_id"`
	ModeratorID uint      `json:"moderator_id"`
	IssuedAt    time.Time `json:"issued_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	TokenID     string    `json:"jti"`
}

// TokenServiceImpl implements TokenService
type TokenServiceImpl struct {
	accessTokenTTL  time.Duration
	refreshTokenTTL time.Duration
	signingMethod   jwt.SigningMethod
	privateKey      *rsa.PrivateKey
	publicKey       *rsa.PublicKey
	secretKey       []byte
	useRSAKeys      bool
	issuer          string
	audience        string
}

// NewTokenService creates a new token service
func NewTokenService(accessTokenTTL, refreshTokenTTL time.Duration, issuer, audience string, useRSAKeys bool, privateKeyPEM, publicKeyPEM, secretKey string) (TokenService, error) {
	var privateKey *rsa.PrivateKey
	var publicKey *rsa.PublicKey
	var secretKeyBytes []byte
	var signingMethod jwt.SigningMethod

	if useRSAKeys {
		var err error
		privateKey, publicKey, err = parseRSAKeys(privateKeyPEM, publicKeyPEM)
		if err != nil {
			return nil, fmt.Errorf("failed to parse RSA keys: %w", err)
		}
		signingMethod = jwt.SigningMethodRS256
	} else {
		if secretKey == "" {
			return nil, fmt.Errorf("secret key is required when not using RSA keys")
		}
		secretKeyBytes = []byte(secretKey)
		signingMethod = jwt.SigningMethodHS256
	}

	return &TokenServiceImpl{
		accessTokenTTL:  accessTokenTTL,
		refreshTokenTTL: refreshTokenTTL,
		signingMethod:   signingMethod,
		privateKey:      privateKey,
		publicKey:       publicKey,
		secretKey:       secretKeyBytes,
		useRSAKeys:      useRSAKeys,
		issuer:          issuer,
		audience:        audience,
	}, nil
}

// parseRSAKeys parses RSA private and public keys from PEM format
func parseRSAKeys(privateKeyPEM, publicKeyPEM string) (*rsa.PrivateKey, *rsa.PublicKey, error) {
	if privateKeyPEM == "" || publicKeyPEM == "" {
		return nil, nil, fmt.Errorf("both private and public keys are required")
	}

	privateKeyBlock, _ := pem.Decode([]byte(privateKeyPEM))
	if privateKeyBlock == nil {
		return nil, nil, fmt.Errorf("failed to decode private key")
	}
	privateKey, err := x509.ParsePKCS1PrivateKey(privateKeyBlock.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	publicKeyBlock, _ := pem.Decode([]byte(publicKeyPEM))
	if publicKeyBlock == nil {
		return nil, nil, fmt.Errorf("failed to decode public key")
	}
	publicKey, err := x509.ParsePKIXPublicKey(publicKeyBlock.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	rsaPublicKey, ok := publicKey.(*rsa.PublicKey)
	if !ok {
		return nil, nil, fmt.Errorf("public key is not RSA")
	}

	return privateKey, rsaPublicKey, nil
}

// GenerateTokens generates access and refresh tokens for a clinic user
func (s *TokenServiceImpl) GenerateTokens(userID, moderatorID uint) (accessToken, refreshToken string, err error) {
	subject := jwt.MapClaims{
		"user_id":      userID,
		"moderator_id": moderatorID,
	}
	return s.generatePair(subject)
}

// GenerateAdminTokens generates access and refresh tokens for an admin (same TTLs, different claim key)
func (s *TokenServiceImpl) GenerateAdminTokens(adminID uint) (accessToken, refreshToken string, err error) {
	return s.generatePair(jwt.MapClaims{"admin_id": adminID})
}

// GenerateDeviceToken issues the long-lived token a paired extension authenticates with
func (s *TokenServiceImpl) GenerateDeviceToken(deviceID uuid.UUID, moderatorID uint, ttl time.Duration) (string, time.Time, error) {
	if ttl <= 0 {
		ttl = utils.ExtensionTokenTTL
	}
	now := utils.UTCNow()
	tokenID, err := generateTokenID()
	if err != nil {
		return "", time.Time{}, err
	}
	expiresAt := now.Add(ttl)
	token, err := s.generateToken(jwt.MapClaims{
		"device_id":    deviceID.String(),
		"moderator_id": moderatorID,
		"token_type":   TokenTypeDevice,
		"jti":          tokenID,
		"iat":          now.Unix(),
		"exp":          expiresAt.Unix(),
		"iss":          s.issuer,
		"aud":          s.audience,
	})
	if err != nil {
		return "", time.Time{}, err
	}
	return token, expiresAt, nil
}

func (s *TokenServiceImpl) generatePair(subject jwt.MapClaims) (accessToken, refreshToken string, err error) {
	now := utils.UTCNow()

	accessToken, err = s.signTyped(subject, TokenTypeAccess, now, s.accessTokenTTL)
	if err != nil {
		return "", "", err
	}
	refreshToken, err = s.signTyped(subject, TokenTypeRefresh, now, s.refreshTokenTTL)
	if err != nil {
		return "", "", err
	}
	return accessToken, refreshToken, nil
}

func (s *TokenServiceImpl) signTyped(subject jwt.MapClaims, tokenType string, now time.Time, ttl time.Duration) (string, error) {
	tokenID, err := generateTokenID()
	if err != nil {
		return "", err
	}
	claims := jwt.MapClaims{
		"token_type": tokenType,
		"jti":        tokenID,
		"iat":        now.Unix(),
		"exp":        now.Add(ttl).Unix(),
		"iss":        s.issuer,
		"aud":        s.audience,
	}
	for k, v := range subject {
		claims[k] = v
	}
	return s.generateToken(claims)
}

// ValidateToken validates a clinic user JWT and returns claims
func (s *TokenServiceImpl) ValidateToken(token string) (*TokenClaims, error) {
	claims, base, err := s.parse(token)
	if err != nil {
		return nil, err
	}
	userID, ok := claims["user_id"].(float64)
	if !ok {
		return nil, ErrTokenInvalid
	}
	moderatorID, ok := claims["moderator_id"].(float64)
	if !ok {
		return nil, ErrTokenInvalid
	}
	if base.tokenType != TokenTypeAccess && base.tokenType != TokenTypeRefresh {
		return nil, ErrWrongTokenType
	}
	return &TokenClaims{
		UserID:      uint(userID),
		ModeratorID: uint(moderatorID),
		TokenType:   base.tokenType,
		TokenID:     base.tokenID,
		IssuedAt:    base.issuedAt,
		ExpiresAt:   base.expiresAt,
	}, nil
}

// ValidateAdminToken validates an admin JWT and returns admin-specific claims
func (s *TokenServiceImpl) ValidateAdminToken(token string) (*AdminTokenClaims, error) {
	claims, base, err := s.parse(token)
	if err != nil {
		return nil, err
	}
	adminID, ok := claims["admin_id"].(float64)
	if !ok {
		return nil, ErrTokenInvalid
	}
	return &AdminTokenClaims{
		AdminID:   uint(adminID),
		TokenType: base.tokenType,
		TokenID:   base.tokenID,
		IssuedAt:  base.issuedAt,
		ExpiresAt: base.expiresAt,
	}, nil
}

// ValidateDeviceToken validates an extension token
func (s *TokenServiceImpl) ValidateDeviceToken(token string) (*DeviceTokenClaims, error) {
	claims, base, err := s.parse(token)
	if err != nil {
		return nil, err
	}
	if base.tokenType != TokenTypeDevice {
		return nil, ErrWrongTokenType
	}
	rawDeviceID, ok := claims["device_id"].(string)
	if !ok {
		return nil, ErrTokenInvalid
	}
	deviceID, err := uuid.Parse(rawDeviceID)
	if err != nil {
		return nil, ErrTokenInvalid
	}
	moderatorID, ok := claims["moderator_id"].(float64)
	if !ok {
		return nil, ErrTokenInvalid
	}
	return &DeviceTokenClaims{
		DeviceID:    deviceID,
		ModeratorID: uint(moderatorID),
		TokenID:     base.tokenID,
		IssuedAt:    base.issuedAt,
		ExpiresAt:   base.expiresAt,
	}, nil
}

// RefreshToken generates new tokens using a refresh token
func (s *TokenServiceImpl) RefreshToken(refreshToken string) (newAccessToken, newRefreshToken string, err error) {
	claims, err := s.ValidateToken(refreshToken)
	if err != nil {
		return "", "", fmt.Errorf("invalid refresh token: %w", err)
	}
	if claims.TokenType != TokenTypeRefresh {
		return "", "", fmt.Errorf("token is not a refresh token: %w", ErrWrongTokenType)
	}
	return s.GenerateTokens(claims.UserID, claims.ModeratorID)
}

type baseClaims struct {
	tokenType string
	tokenID   string
	issuedAt  time.Time
	expiresAt time.Time
}

// parse verifies the signature and the registered claims shared by every token kind
func (s *TokenServiceImpl) parse(token string) (jwt.MapClaims, baseClaims, error) {
	parsedToken, err := jwt.Parse(token, func(token *jwt.Token) (any, error) {
		if s.useRSAKeys {
			if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return s.publicKey, nil
		}
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secretKey, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, baseClaims{}, ErrTokenExpired
		}
		return nil, baseClaims{}, ErrTokenInvalid
	}
	if !parsedToken.Valid {
		return nil, baseClaims{}, ErrTokenInvalid
	}
	claims, ok := parsedToken.Claims.(jwt.MapClaims)
	if !ok {
		return nil, baseClaims{}, ErrTokenInvalid
	}

	tokenType, ok := claims["token_type"].(string)
	if !ok {
		return nil, baseClaims{}, ErrTokenInvalid
	}
	tokenID, ok := claims["jti"].(string)
	if !ok {
		return nil, baseClaims{}, ErrTokenInvalid
	}
	issuedAt, ok := claims["iat"].(float64)
	if !ok {
		return nil, baseClaims{}, ErrTokenInvalid
	}
	expiresAt, ok := claims["exp"].(float64)
	if !ok {
		return nil, baseClaims{}, ErrTokenInvalid
	}
	if utils.UTCNow().After(time.Unix(int64(expiresAt), 0)) {
		return nil, baseClaims{}, ErrTokenExpired
	}

	return claims, baseClaims{
		tokenType: tokenType,
		tokenID:   tokenID,
		issuedAt:  time.Unix(int64(issuedAt), 0),
		expiresAt: time.Unix(int64(expiresAt), 0),
	}, nil
}

// generateToken creates a signed JWT token
func (s *TokenServiceImpl) generateToken(claims jwt.MapClaims) (string, error) {
	token := jwt.NewWithClaims(s.signingMethod, claims)
	if s.useRSAKeys {
		return token.SignedString(s.privateKey)
	}
	return token.SignedString(s.secretKey)
}

// generateTokenID generates a unique token ID
func generateTokenID() (string, error) {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", bytes), nil
}
