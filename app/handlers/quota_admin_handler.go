package handlers

import (
	"strconv"

	"github.com/amirphl/clinic-queue/app/dto"
	businessflow "github.com/amirphl/clinic-queue/business_flow"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"go.uber.org/zap"
)

// QuotaAdminHandlerInterface defines the contract for quota administration
type QuotaAdminHandlerInterface interface {
	GetQuota(c fiber.Ctx) error
	UpdateQuota(c fiber.Ctx) error
}

// QuotaAdminHandler lets admins read and change moderator quotas
type QuotaAdminHandler struct {
	flow      businessflow.QuotaFlow
	validator *validator.Validate
}

func (h *QuotaAdminHandler) ErrorResponse(c fiber.Ctx, statusCode int, message, errorCode string, details any) error {
	return c.Status(statusCode).JSON(dto.APIResponse{
		Success: false,
		Message: message,
		Error: dto.ErrorDetail{
			Code:    errorCode,
			Details: details,
		},
	})
}

func (h *QuotaAdminHandler) SuccessResponse(c fiber.Ctx, statusCode int, message string, data any) error {
	return c.Status(statusCode).JSON(dto.APIResponse{
		Success: true,
		Message: message,
		Data:    data,
	})
}

// NewQuotaAdminHandler creates a new quota admin handler
func NewQuotaAdminHandler(flow businessflow.QuotaFlow) *QuotaAdminHandler {
	return &QuotaAdminHandler{
		flow:      flow,
		validator: validator.New(),
	}
}

func parseModeratorParam(c fiber.Ctx) (uint, bool) {
	id, err := strconv.ParseUint(c.Params("moderatorId"), 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return uint(id), true
}

// GetQuota
// @Description Read the message and queue quota of a moderator
// @Tags Admin Quotas
// @Produce json
// @Param moderatorId path integer true "Moderator ID"
// @Success 200 {object} dto.APIResponse{data=dto.QuotaResponse} "Quota"
// @Failure 404 {object} dto.APIResponse "Quota not found"
// @Router /api/v1/admin/quotas/{moderatorId} [get]
func (h *QuotaAdminHandler) GetQuota(c fiber.Ctx) error {
	moderatorID, ok := parseModeratorParam(c)
	if !ok {
		return h.ErrorResponse(c, fiber.StatusBadRequest, "Invalid moderator ID", "INVALID_MODERATOR_ID", nil)
	}

	ctx := requestContextWithTimeout(c, "/api/v1/admin/quotas", defaultRequestTimeout)
	defer releaseRequestContext(ctx)

	result, err := h.flow.GetQuota(ctx, moderatorID)
	if err != nil {
		if businessflow.IsQuotaNotFound(err) {
			return h.ErrorResponse(c, fiber.StatusNotFound, "Quota not found", "QUOTA_NOT_FOUND", nil)
		}
		zap.L().Error("Get quota failed", zap.Uint("moderator_id", moderatorID), zap.Error(err))
		return h.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load quota", "QUOTA_LOOKUP_FAILED", nil)
	}
	return h.SuccessResponse(c, fiber.StatusOK, "Quota retrieved successfully", result)
}

// UpdateQuota
// @Description Set or add to the limits of a moderator. -1 means unlimited.
// @Tags Admin Quotas
// @Accept json
// @Produce json
// @Param moderatorId path integer true "Moderator ID"
// @Param request body dto.UpdateQuotaRequest true "New limits"
// @Success 200 {object} dto.APIResponse{data=dto.QuotaResponse} "Quota updated"
// @Failure 400 {object} dto.APIResponse "Invalid limit or mode"
// @Router /api/v1/admin/quotas/{moderatorId} [put]
func (h *QuotaAdminHandler) UpdateQuota(c fiber.Ctx) error {
	var req dto.UpdateQuotaRequest
	if err := c.Bind().JSON(&req); err != nil {
		return h.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", "INVALID_REQUEST", err.Error())
	}
	moderatorID, ok := parseModeratorParam(c)
	if !ok {
		return h.ErrorResponse(c, fiber.StatusBadRequest, "Invalid moderator ID", "INVALID_MODERATOR_ID", nil)
	}
	req.ModeratorID = moderatorID
	if err := h.validator.Struct(&req); err != nil {
		return h.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", "VALIDATION_ERROR", validationMessages(err))
	}

	metadata := businessflow.NewClientMetadata(c.IP(), c.Get("User-Agent"))
	if adminID, ok := c.Locals("admin_id").(uint); ok {
		metadata.AddAdditional("admin_id", strconv.FormatUint(uint64(adminID), 10))
	}
	ctx := requestContextWithTimeout(c, "/api/v1/admin/quotas/update", defaultRequestTimeout)
	defer releaseRequestContext(ctx)

	result, err := h.flow.UpdateQuota(ctx, &req, metadata)
	if err != nil {
		if businessflow.IsInvalidQuotaUpdate(err) {
			return h.ErrorResponse(c, fiber.StatusBadRequest, err.Error(), "INVALID_QUOTA_UPDATE", nil)
		}
		if businessflow.IsQuotaNotFound(err) {
			return h.ErrorResponse(c, fiber.StatusNotFound, "Quota not found", "QUOTA_NOT_FOUND", nil)
		}
		zap.L().Error("Update quota failed", zap.Uint("moderator_id", moderatorID), zap.Error(err))
		return h.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to update quota", "QUOTA_UPDATE_FAILED", nil)
	}
	return h.SuccessResponse(c, fiber.StatusOK, "Quota updated successfully", result)
}
