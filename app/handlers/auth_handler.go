package handlers

import (
	"errors"
	"time"

	"github.com/amirphl/clinic-queue/app/dto"
	"github.com/amirphl/clinic-queue/app/services"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
)

// AuthHandlerInterface defines the contract for staff token handlers.
// Staff tokens are issued by the clinic application sharing the signing key.
type AuthHandlerInterface interface {
	Refresh(c fiber.Ctx) error
}

// AuthHandler handles staff token refresh
type AuthHandler struct {
	tokenService   services.TokenService
	accessTokenTTL time.Duration
	validator      *validator.Validate
}

func (h *AuthHandler) ErrorResponse(c fiber.Ctx, statusCode int, message, errorCode string, details any) error {
	return c.Status(statusCode).JSON(dto.APIResponse{
		Success: false,
		Message: message,
		Error: dto.ErrorDetail{
			Code:    errorCode,
			Details: details,
		},
	})
}

func (h *AuthHandler) SuccessResponse(c fiber.Ctx, statusCode int, message string, data any) error {
	return c.Status(statusCode).JSON(dto.APIResponse{
		Success: true,
		Message: message,
		Data:    data,
	})
}

// NewAuthHandler creates a new authentication handler
func NewAuthHandler(tokenService services.TokenService, accessTokenTTL time.Duration) *AuthHandler {
	return &AuthHandler{
		tokenService:   tokenService,
		accessTokenTTL: accessTokenTTL,
		validator:      validator.New(),
	}
}

// Refresh
// @Summary Refresh staff tokens
// @Tags Authentication
// @Accept json
// @Produce json
// @Param request body dto.RefreshTokenRequest true "Refresh token"
// @Success 200 {object} dto.APIResponse{data=dto.TokenPairResponse} "New token pair"
// @Failure 401 {object} dto.APIResponse "Invalid or expired refresh token"
// @Router /api/v1/auth/refresh [post]
func (h *AuthHandler) Refresh(c fiber.Ctx) error {
	var req dto.RefreshTokenRequest
	if err := c.Bind().JSON(&req); err != nil {
		return h.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", "INVALID_REQUEST", err.Error())
	}
	if err := h.validator.Struct(&req); err != nil {
		return h.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", "VALIDATION_ERROR", validationMessages(err))
	}

	access, refresh, err := h.tokenService.RefreshToken(req.RefreshToken)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrTokenExpired):
			return h.ErrorResponse(c, fiber.StatusUnauthorized, "Refresh token has expired", "TOKEN_EXPIRED", nil)
		case errors.Is(err, services.ErrWrongTokenType):
			return h.ErrorResponse(c, fiber.StatusUnauthorized, "Token is not a refresh token", "WRONG_TOKEN_TYPE", nil)
		default:
			return h.ErrorResponse(c, fiber.StatusUnauthorized, "Invalid refresh token", "TOKEN_INVALID", nil)
		}
	}

	return h.SuccessResponse(c, fiber.StatusOK, "Tokens refreshed", dto.TokenPairResponse{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		ExpiresIn:    int(h.accessTokenTTL.Seconds()),
	})
}
