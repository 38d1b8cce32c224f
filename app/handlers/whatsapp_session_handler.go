package handlers

import (
	"github.com/amirphl/clinic-queue/app/dto"
	businessflow "github.com/amirphl/clinic-queue/business_flow"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"go.uber.org/zap"
)

// WhatsAppSessionHandlerInterface defines the contract for the moderator channel gate
type WhatsAppSessionHandlerInterface interface {
	Get(c fiber.Ctx) error
	Pause(c fiber.Ctx) error
	Resume(c fiber.Ctx) error
}

// WhatsAppSessionHandler handles the WhatsApp session of the authenticated moderator
type WhatsAppSessionHandler struct {
	flow      businessflow.WhatsAppSessionFlow
	validator *validator.Validate
}

func (h *WhatsAppSessionHandler) ErrorResponse(c fiber.Ctx, statusCode int, message, errorCode string, details any) error {
	return c.Status(statusCode).JSON(dto.APIResponse{
		Success: false,
		Message: message,
		Error: dto.ErrorDetail{
			Code:    errorCode,
			Details: details,
		},
	})
}

func (h *WhatsAppSessionHandler) SuccessResponse(c fiber.Ctx, statusCode int, message string, data any) error {
	return c.Status(statusCode).JSON(dto.APIResponse{
		Success: true,
		Message: message,
		Data:    data,
	})
}

// NewWhatsAppSessionHandler creates a new whatsapp session handler
func NewWhatsAppSessionHandler(flow businessflow.WhatsAppSessionFlow) *WhatsAppSessionHandler {
	return &WhatsAppSessionHandler{
		flow:      flow,
		validator: validator.New(),
	}
}

// Get
// @Description Current WhatsApp channel state and extension liveness
// @Tags WhatsApp Session
// @Produce json
// @Success 200 {object} dto.APIResponse{data=dto.WhatsAppSessionResponse} "Session state"
// @Failure 404 {object} dto.APIResponse "No session yet"
// @Router /api/v1/whatsapp/session [get]
func (h *WhatsAppSessionHandler) Get(c fiber.Ctx) error {
	moderatorID, _, ok := moderatorIdentity(c)
	if !ok {
		return h.ErrorResponse(c, fiber.StatusUnauthorized, "Moderator ID not found in context", "MISSING_MODERATOR_ID", nil)
	}

	ctx := requestContextWithTimeout(c, "/api/v1/whatsapp/session", defaultRequestTimeout)
	defer releaseRequestContext(ctx)

	result, err := h.flow.GetWhatsAppSession(ctx, moderatorID)
	if err != nil {
		if businessflow.IsWhatsAppSessionNotFound(err) {
			return h.ErrorResponse(c, fiber.StatusNotFound, "WhatsApp session not found", "WHATSAPP_SESSION_NOT_FOUND", nil)
		}
		zap.L().Error("Get whatsapp session failed", zap.Uint("moderator_id", moderatorID), zap.Error(err))
		return h.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load WhatsApp session", "WHATSAPP_SESSION_LOOKUP_FAILED", nil)
	}
	return h.SuccessResponse(c, fiber.StatusOK, "WhatsApp session retrieved successfully", result)
}

// Pause
// @Description Stop every dispatch of the moderator until resumed
// @Tags WhatsApp Session
// @Accept json
// @Produce json
// @Param request body dto.PauseWhatsAppSessionRequest false "Pause reason"
// @Success 200 {object} dto.APIResponse{data=dto.WhatsAppSessionResponse} "Session paused"
// @Router /api/v1/whatsapp/session/pause [post]
func (h *WhatsAppSessionHandler) Pause(c fiber.Ctx) error {
	var req dto.PauseWhatsAppSessionRequest
	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return h.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", "INVALID_REQUEST", err.Error())
		}
	}
	moderatorID, userID, ok := moderatorIdentity(c)
	if !ok {
		return h.ErrorResponse(c, fiber.StatusUnauthorized, "Moderator ID not found in context", "MISSING_MODERATOR_ID", nil)
	}
	req.ModeratorID = moderatorID
	req.UserID = userID
	if err := h.validator.Struct(&req); err != nil {
		return h.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", "VALIDATION_ERROR", validationMessages(err))
	}

	metadata := businessflow.NewClientMetadata(c.IP(), c.Get("User-Agent"))
	ctx := requestContextWithTimeout(c, "/api/v1/whatsapp/session/pause", defaultRequestTimeout)
	defer releaseRequestContext(ctx)

	result, err := h.flow.PauseWhatsAppSession(ctx, &req, metadata)
	if err != nil {
		zap.L().Error("Pause whatsapp session failed", zap.Uint("moderator_id", moderatorID), zap.Error(err))
		return h.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to pause WhatsApp session", "WHATSAPP_PAUSE_FAILED", nil)
	}
	return h.SuccessResponse(c, fiber.StatusOK, "WhatsApp session paused", result)
}

// Resume
// @Description Lift the moderator pause and release messages parked by QR or network outages
// @Tags WhatsApp Session
// @Produce json
// @Success 200 {object} dto.APIResponse{data=dto.WhatsAppSessionResponse} "Session resumed"
// @Router /api/v1/whatsapp/session/resume [post]
func (h *WhatsAppSessionHandler) Resume(c fiber.Ctx) error {
	moderatorID, userID, ok := moderatorIdentity(c)
	if !ok {
		return h.ErrorResponse(c, fiber.StatusUnauthorized, "Moderator ID not found in context", "MISSING_MODERATOR_ID", nil)
	}
	req := dto.ResumeWhatsAppSessionRequest{ModeratorID: moderatorID, UserID: userID}

	metadata := businessflow.NewClientMetadata(c.IP(), c.Get("User-Agent"))
	ctx := requestContextWithTimeout(c, "/api/v1/whatsapp/session/resume", defaultRequestTimeout)
	defer releaseRequestContext(ctx)

	result, err := h.flow.ResumeWhatsAppSession(ctx, &req, metadata)
	if err != nil {
		zap.L().Error("Resume whatsapp session failed", zap.Uint("moderator_id", moderatorID), zap.Error(err))
		return h.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to resume WhatsApp session", "WHATSAPP_RESUME_FAILED", nil)
	}
	return h.SuccessResponse(c, fiber.StatusOK, "WhatsApp session resumed", result)
}
