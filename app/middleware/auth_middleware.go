// Package middleware contains HTTP middleware functions for request processing
package middleware

import (
	"errors"
	"strings"

	"github.com/amirphl/clinic-queue/app/dto"
	"github.com/amirphl/clinic-queue/app/services"
	"github.com/gofiber/fiber/v3"
)

// AuthMiddleware handles JWT token validation for protected endpoints
type AuthMiddleware struct {
	tokenService services.TokenService
}

// NewAuthMiddleware creates a new authentication middleware
func NewAuthMiddleware(tokenService services.TokenService) *AuthMiddleware {
	return &AuthMiddleware{
		tokenService: tokenService,
	}
}

func unauthorized(c fiber.Ctx, message, code string) error {
	return c.Status(fiber.StatusUnauthorized).JSON(dto.APIResponse{
		Success: false,
		Message: message,
		Error:   dto.ErrorDetail{Code: code},
	})
}

// bearerToken extracts the token of an "Authorization: Bearer <token>" header.
// On failure it has already written the 401 response.
func bearerToken(c fiber.Ctx) (string, error) {
	authHeader := c.Get("Authorization")
	if authHeader == "" {
		return "", unauthorized(c, "Authorization header is required", "MISSING_AUTHORIZATION_HEADER")
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", unauthorized(c, "Invalid authorization header format. Expected 'Bearer <token>'", "INVALID_AUTHORIZATION_FORMAT")
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", unauthorized(c, "Access token is required", "MISSING_ACCESS_TOKEN")
	}
	return token, nil
}

func tokenError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, services.ErrTokenExpired):
		return unauthorized(c, "Access token has expired", "TOKEN_EXPIRED")
	case errors.Is(err, services.ErrWrongTokenType):
		return unauthorized(c, "Token cannot be used for this endpoint", "WRONG_TOKEN_TYPE")
	case errors.Is(err, services.ErrTokenInvalid):
		return unauthorized(c, "Invalid access token", "TOKEN_INVALID")
	default:
		return unauthorized(c, "Token validation failed", "TOKEN_VALIDATION_FAILED")
	}
}

func storeRequestID(c fiber.Ctx) {
	if requestID := c.Get("X-Request-ID"); requestID != "" {
		c.Locals("request_id", requestID)
	}
}

// Authenticate validates clinic staff access tokens and stores the user and moderator
func (m *AuthMiddleware) Authenticate() fiber.Handler {
	return func(c fiber.Ctx) error {
		token, err := bearerToken(c)
		if token == "" {
			return err
		}

		claims, err := m.tokenService.ValidateToken(token)
		if err != nil {
			return tokenError(c, err)
		}
		if claims.TokenType != services.TokenTypeAccess {
			return tokenError(c, services.ErrWrongTokenType)
		}
		if claims.ModeratorID == 0 {
			return unauthorized(c, "Token has no moderator", "INVALID_MODERATOR_ID")
		}

		c.Locals("user_id", claims.UserID)
		c.Locals("moderator_id", claims.ModeratorID)
		c.Locals("token_id", claims.TokenID)
		c.Locals("token_claims", claims)
		storeRequestID(c)

		return c.Next()
	}
}

// AdminAuthenticate validates JWT tokens and sets admin-specific context values
func (m *AuthMiddleware) AdminAuthenticate() fiber.Handler {
	return func(c fiber.Ctx) error {
		token, err := bearerToken(c)
		if token == "" {
			return err
		}

		adminClaims, err := m.tokenService.ValidateAdminToken(token)
		if err != nil {
			return tokenError(c, err)
		}
		if adminClaims.TokenType != services.TokenTypeAccess {
			return tokenError(c, services.ErrWrongTokenType)
		}

		c.Locals("admin_id", adminClaims.AdminID)
		c.Locals("token_id", adminClaims.TokenID)
		c.Locals("token_claims", adminClaims)
		storeRequestID(c)

		return c.Next()
	}
}

// DeviceAuthenticate validates the token of a paired browser extension
func (m *AuthMiddleware) DeviceAuthenticate() fiber.Handler {
	return func(c fiber.Ctx) error {
		token, err := bearerToken(c)
		if token == "" {
			return err
		}

		claims, err := m.tokenService.ValidateDeviceToken(token)
		if err != nil {
			return tokenError(c, err)
		}

		c.Locals("device_id", claims.DeviceID.String())
		c.Locals("moderator_id", claims.ModeratorID)
		c.Locals("token_id", claims.TokenID)
		storeRequestID(c)

		return c.Next()
	}
}

// GetModeratorIDFromContext extracts the moderator ID from the request context
func GetModeratorIDFromContext(c fiber.Ctx) (uint, bool) {
	moderatorID, ok := c.Locals("moderator_id").(uint)
	return moderatorID, ok
}

// GetAdminIDFromContext extracts admin ID from the request context
func GetAdminIDFromContext(c fiber.Ctx) (uint, bool) {
	adminID, ok := c.Locals("admin_id").(uint)
	return adminID, ok
}
