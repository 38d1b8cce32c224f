package handlers

import (
	"context"
	"strconv"

	"github.com/amirphl/clinic-queue/app/dto"
	businessflow "github.com/amirphl/clinic-queue/business_flow"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"go.uber.org/zap"
)

// MessagingHandlerInterface defines the contract for bulk messaging handlers
type MessagingHandlerInterface interface {
	EnqueueSend(c fiber.Ctx) error
	PauseSession(c fiber.Ctx) error
	ResumeSession(c fiber.Ctx) error
	CancelSession(c fiber.Ctx) error
	OngoingSessions(c fiber.Ctx) error
	ListFailedTasks(c fiber.Ctx) error
	RetryFailedTasks(c fiber.Ctx) error
	DeleteFailedTasks(c fiber.Ctx) error
	ExportFailedTasks(c fiber.Ctx) error
}

// MessagingHandler handles sending, session control and failed task requests
type MessagingHandler struct {
	sendFlow       businessflow.SendFlow
	sessionFlow    businessflow.SessionFlow
	failedTaskFlow businessflow.FailedTaskFlow
	validator      *validator.Validate
}

func (h *MessagingHandler) ErrorResponse(c fiber.Ctx, statusCode int, message, errorCode string, details any) error {
	return c.Status(statusCode).JSON(dto.APIResponse{
		Success: false,
		Message: message,
		Error: dto.ErrorDetail{
			Code:    errorCode,
			Details: details,
		},
	})
}

func (h *MessagingHandler) SuccessResponse(c fiber.Ctx, statusCode int, message string, data any) error {
	return c.Status(statusCode).JSON(dto.APIResponse{
		Success: true,
		Message: message,
		Data:    data,
	})
}

// NewMessagingHandler creates a new messaging handler
func NewMessagingHandler(sendFlow businessflow.SendFlow, sessionFlow businessflow.SessionFlow, failedTaskFlow businessflow.FailedTaskFlow) *MessagingHandler {
	return &MessagingHandler{
		sendFlow:       sendFlow,
		sessionFlow:    sessionFlow,
		failedTaskFlow: failedTaskFlow,
		validator:      validator.New(),
	}
}

// EnqueueSend
// @Description Queue WhatsApp messages for the patients of a queue. Without template_id each patient gets the template of the first matching condition.
// @Tags Messaging
// @Accept json
// @Produce json
// @Param request body dto.EnqueueSendRequest true "Send request"
// @Success 201 {object} dto.APIResponse{data=dto.EnqueueSendResponse} "Messages queued"
// @Failure 400 {object} dto.APIResponse "Validation error or no recipients"
// @Failure 401 {object} dto.APIResponse "Unauthorized"
// @Failure 403 {object} dto.APIResponse "Queue belongs to another moderator"
// @Failure 404 {object} dto.APIResponse "Queue or template not found"
// @Failure 409 {object} dto.APIResponse "Message quota exceeded"
// @Failure 500 {object} dto.APIResponse "Internal server error"
// @Router /api/v1/messaging/send [post]
func (h *MessagingHandler) EnqueueSend(c fiber.Ctx) error {
	var req dto.EnqueueSendRequest
	if err := c.Bind().JSON(&req); err != nil {
		return h.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", "INVALID_REQUEST", err.Error())
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
	ctx := requestContextWithTimeout(c, "/api/v1/messaging/send", defaultRequestTimeout)
	defer releaseRequestContext(ctx)

	result, err := h.sendFlow.EnqueueSend(ctx, &req, metadata)
	if err != nil {
		switch {
		case businessflow.IsQueueNotFound(err):
			return h.ErrorResponse(c, fiber.StatusNotFound, "Queue not found", "QUEUE_NOT_FOUND", nil)
		case businessflow.IsQueueAccessDenied(err):
			return h.ErrorResponse(c, fiber.StatusForbidden, "Queue belongs to another moderator", "QUEUE_ACCESS_DENIED", nil)
		case businessflow.IsTemplateNotFound(err):
			return h.ErrorResponse(c, fiber.StatusNotFound, "Template not found", "TEMPLATE_NOT_FOUND", nil)
		case businessflow.IsNoRecipients(err):
			return h.ErrorResponse(c, fiber.StatusBadRequest, "No patient matched a message template", "NO_RECIPIENTS", nil)
		case businessflow.IsQuotaExceeded(err):
			return h.ErrorResponse(c, fiber.StatusConflict, "Message quota exceeded", "QUOTA_EXCEEDED", err.Error())
		}
		zap.L().Error("Enqueue send failed", zap.Uint("moderator_id", moderatorID), zap.Error(err))
		return h.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to queue messages", "ENQUEUE_FAILED", nil)
	}

	return h.SuccessResponse(c, fiber.StatusCreated, result.Message, result)
}

// PauseSession
// @Description Pause a message session. Queued messages of the session are skipped until resumed.
// @Tags Messaging
// @Produce json
// @Param id path integer true "Session ID"
// @Success 200 {object} dto.APIResponse{data=dto.SessionActionResponse} "Session paused"
// @Failure 404 {object} dto.APIResponse "Session not found"
// @Failure 409 {object} dto.APIResponse "Session already finished"
// @Router /api/v1/messaging/sessions/{id}/pause [post]
func (h *MessagingHandler) PauseSession(c fiber.Ctx) error {
	return h.sessionAction(c, "/api/v1/messaging/sessions/pause", h.sessionFlow.PauseSession)
}

// ResumeSession
// @Description Resume a paused message session
// @Tags Messaging
// @Produce json
// @Param id path integer true "Session ID"
// @Success 200 {object} dto.APIResponse{data=dto.SessionActionResponse} "Session resumed"
// @Failure 404 {object} dto.APIResponse "Session not found"
// @Failure 409 {object} dto.APIResponse "Session already finished"
// @Router /api/v1/messaging/sessions/{id}/resume [post]
func (h *MessagingHandler) ResumeSession(c fiber.Ctx) error {
	return h.sessionAction(c, "/api/v1/messaging/sessions/resume", h.sessionFlow.ResumeSession)
}

// CancelSession
// @Description Cancel a message session. Queued messages are cancelled, in-flight ones finish normally.
// @Tags Messaging
// @Produce json
// @Param id path integer true "Session ID"
// @Success 200 {object} dto.APIResponse{data=dto.SessionActionResponse} "Session cancelled"
// @Failure 404 {object} dto.APIResponse "Session not found"
// @Failure 409 {object} dto.APIResponse "Session already finished"
// @Router /api/v1/messaging/sessions/{id}/cancel [post]
func (h *MessagingHandler) CancelSession(c fiber.Ctx) error {
	return h.sessionAction(c, "/api/v1/messaging/sessions/cancel", h.sessionFlow.CancelSession)
}

type sessionActionFunc func(ctx context.Context, req *dto.SessionActionRequest, metadata *businessflow.ClientMetadata) (*dto.SessionActionResponse, error)

func (h *MessagingHandler) sessionAction(c fiber.Ctx, endpoint string, action sessionActionFunc) error {
	sessionID, err := strconv.ParseUint(c.Params("id"), 10, 64)
	if err != nil || sessionID == 0 {
		return h.ErrorResponse(c, fiber.StatusBadRequest, "Invalid session ID", "INVALID_SESSION_ID", nil)
	}

	moderatorID, userID, ok := moderatorIdentity(c)
	if !ok {
		return h.ErrorResponse(c, fiber.StatusUnauthorized, "Moderator ID not found in context", "MISSING_MODERATOR_ID", nil)
	}
	req := dto.SessionActionRequest{
		ModeratorID: moderatorID,
		UserID:      userID,
		SessionID:   uint(sessionID),
	}

	metadata := businessflow.NewClientMetadata(c.IP(), c.Get("User-Agent"))
	ctx := requestContextWithTimeout(c, endpoint, defaultRequestTimeout)
	defer releaseRequestContext(ctx)

	result, err := action(ctx, &req, metadata)
	if err != nil {
		switch {
		case businessflow.IsSessionNotFound(err):
			return h.ErrorResponse(c, fiber.StatusNotFound, "Session not found", "SESSION_NOT_FOUND", nil)
		case businessflow.IsSessionAccessDenied(err):
			return h.ErrorResponse(c, fiber.StatusForbidden, "Session belongs to another moderator", "SESSION_ACCESS_DENIED", nil)
		case businessflow.IsSessionTerminal(err):
			return h.ErrorResponse(c, fiber.StatusConflict, "Session already finished", "SESSION_TERMINAL", nil)
		}
		zap.L().Error("Session action failed", zap.String("endpoint", endpoint), zap.Uint("session_id", req.SessionID), zap.Error(err))
		return h.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to update session", "SESSION_ACTION_FAILED", nil)
	}

	return h.SuccessResponse(c, fiber.StatusOK, result.Message, result)
}

// OngoingSessions
// @Description List active and paused sessions with per-patient progress
// @Tags Messaging
// @Produce json
// @Success 200 {object} dto.APIResponse{data=dto.OngoingSessionsResponse} "Ongoing sessions"
// @Failure 401 {object} dto.APIResponse "Unauthorized"
// @Router /api/v1/messaging/sessions/ongoing [get]
func (h *MessagingHandler) OngoingSessions(c fiber.Ctx) error {
	moderatorID, _, ok := moderatorIdentity(c)
	if !ok {
		return h.ErrorResponse(c, fiber.StatusUnauthorized, "Moderator ID not found in context", "MISSING_MODERATOR_ID", nil)
	}

	ctx := requestContextWithTimeout(c, "/api/v1/messaging/sessions/ongoing", defaultRequestTimeout)
	defer releaseRequestContext(ctx)

	result, err := h.sessionFlow.GetOngoingSessions(ctx, moderatorID)
	if err != nil {
		zap.L().Error("List ongoing sessions failed", zap.Uint("moderator_id", moderatorID), zap.Error(err))
		return h.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to list sessions", "SESSION_LIST_FAILED", nil)
	}
	return h.SuccessResponse(c, fiber.StatusOK, "Ongoing sessions retrieved successfully", result)
}

// ListFailedTasks
// @Description List failed messages with their latest failure reason
// @Tags Failed Tasks
// @Produce json
// @Param page query integer false "Page number (default: 1)"
// @Param page_size query integer false "Items per page (default: 20, max: 100)"
// @Success 200 {object} dto.APIResponse{data=dto.ListFailedTasksResponse} "Failed messages"
// @Failure 400 {object} dto.APIResponse "Validation error"
// @Router /api/v1/messaging/failed-tasks [get]
func (h *MessagingHandler) ListFailedTasks(c fiber.Ctx) error {
	moderatorID, _, ok := moderatorIdentity(c)
	if !ok {
		return h.ErrorResponse(c, fiber.StatusUnauthorized, "Moderator ID not found in context", "MISSING_MODERATOR_ID", nil)
	}

	req := dto.ListFailedTasksRequest{ModeratorID: moderatorID}
	if v := c.Query("page"); v != "" {
		page, err := strconv.Atoi(v)
		if err != nil {
			return h.ErrorResponse(c, fiber.StatusBadRequest, "Invalid page", "INVALID_PAGE", nil)
		}
		req.Page = page
	}
	if v := c.Query("page_size"); v != "" {
		pageSize, err := strconv.Atoi(v)
		if err != nil {
			return h.ErrorResponse(c, fiber.StatusBadRequest, "Invalid page size", "INVALID_PAGE_SIZE", nil)
		}
		req.PageSize = pageSize
	}
	if err := h.validator.Struct(&req); err != nil {
		return h.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", "VALIDATION_ERROR", validationMessages(err))
	}

	ctx := requestContextWithTimeout(c, "/api/v1/messaging/failed-tasks", defaultRequestTimeout)
	defer releaseRequestContext(ctx)

	result, err := h.failedTaskFlow.GetFailedTasks(ctx, &req)
	if err != nil {
		zap.L().Error("List failed tasks failed", zap.Uint("moderator_id", moderatorID), zap.Error(err))
		return h.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to list failed messages", "FAILED_TASKS_LIST_FAILED", nil)
	}
	return h.SuccessResponse(c, fiber.StatusOK, "Failed messages retrieved successfully", result)
}

// RetryFailedTasks
// @Description Requeue failed messages. Messages at the attempt limit need reset_attempts.
// @Tags Failed Tasks
// @Accept json
// @Produce json
// @Param request body dto.RetryTasksRequest true "Message IDs"
// @Success 200 {object} dto.APIResponse{data=dto.RetryTasksResponse} "Retry outcome"
// @Failure 400 {object} dto.APIResponse "Validation error"
// @Router /api/v1/messaging/failed-tasks/retry [post]
func (h *MessagingHandler) RetryFailedTasks(c fiber.Ctx) error {
	var req dto.RetryTasksRequest
	if err := c.Bind().JSON(&req); err != nil {
		return h.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", "INVALID_REQUEST", err.Error())
	}
	moderatorID, _, ok := moderatorIdentity(c)
	if !ok {
		return h.ErrorResponse(c, fiber.StatusUnauthorized, "Moderator ID not found in context", "MISSING_MODERATOR_ID", nil)
	}
	req.ModeratorID = moderatorID
	if err := h.validator.Struct(&req); err != nil {
		return h.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", "VALIDATION_ERROR", validationMessages(err))
	}

	metadata := businessflow.NewClientMetadata(c.IP(), c.Get("User-Agent"))
	ctx := requestContextWithTimeout(c, "/api/v1/messaging/failed-tasks/retry", defaultRequestTimeout)
	defer releaseRequestContext(ctx)

	result, err := h.failedTaskFlow.RetryTasks(ctx, &req, metadata)
	if err != nil {
		if businessflow.IsInvalidMessageIDs(err) {
			return h.ErrorResponse(c, fiber.StatusBadRequest, err.Error(), "INVALID_MESSAGE_IDS", nil)
		}
		zap.L().Error("Retry failed tasks failed", zap.Uint("moderator_id", moderatorID), zap.Error(err))
		return h.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to retry messages", "RETRY_FAILED", nil)
	}
	return h.SuccessResponse(c, fiber.StatusOK, result.Message, result)
}

// DeleteFailedTasks
// @Description Delete failed messages and their failure records
// @Tags Failed Tasks
// @Accept json
// @Produce json
// @Param request body dto.DeleteFailedTasksRequest true "Message IDs"
// @Success 200 {object} dto.APIResponse{data=dto.DeleteFailedTasksResponse} "Deleted messages"
// @Failure 400 {object} dto.APIResponse "Validation error"
// @Router /api/v1/messaging/failed-tasks/delete [post]
func (h *MessagingHandler) DeleteFailedTasks(c fiber.Ctx) error {
	var req dto.DeleteFailedTasksRequest
	if err := c.Bind().JSON(&req); err != nil {
		return h.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", "INVALID_REQUEST", err.Error())
	}
	moderatorID, _, ok := moderatorIdentity(c)
	if !ok {
		return h.ErrorResponse(c, fiber.StatusUnauthorized, "Moderator ID not found in context", "MISSING_MODERATOR_ID", nil)
	}
	req.ModeratorID = moderatorID
	if err := h.validator.Struct(&req); err != nil {
		return h.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", "VALIDATION_ERROR", validationMessages(err))
	}

	metadata := businessflow.NewClientMetadata(c.IP(), c.Get("User-Agent"))
	ctx := requestContextWithTimeout(c, "/api/v1/messaging/failed-tasks/delete", defaultRequestTimeout)
	defer releaseRequestContext(ctx)

	result, err := h.failedTaskFlow.DeleteFailedTasks(ctx, &req, metadata)
	if err != nil {
		if businessflow.IsInvalidMessageIDs(err) {
			return h.ErrorResponse(c, fiber.StatusBadRequest, err.Error(), "INVALID_MESSAGE_IDS", nil)
		}
		zap.L().Error("Delete failed tasks failed", zap.Uint("moderator_id", moderatorID), zap.Error(err))
		return h.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to delete messages", "DELETE_FAILED_TASKS_FAILED", nil)
	}
	return h.SuccessResponse(c, fiber.StatusOK, result.Message, result)
}

// ExportFailedTasks
// @Description Download failed messages as an Excel workbook
// @Tags Failed Tasks
// @Produce application/vnd.openxmlformats-officedocument.spreadsheetml.sheet
// @Success 200 {file} file "Workbook"
// @Failure 500 {object} dto.APIResponse "Internal server error"
// @Router /api/v1/messaging/failed-tasks/export [get]
func (h *MessagingHandler) ExportFailedTasks(c fiber.Ctx) error {
	moderatorID, _, ok := moderatorIdentity(c)
	if !ok {
		return h.ErrorResponse(c, fiber.StatusUnauthorized, "Moderator ID not found in context", "MISSING_MODERATOR_ID", nil)
	}

	ctx := requestContextWithTimeout(c, "/api/v1/messaging/failed-tasks/export", 2*defaultRequestTimeout)
	defer releaseRequestContext(ctx)

	file, err := h.failedTaskFlow.ExportFailedTasks(ctx, moderatorID)
	if err != nil {
		zap.L().Error("Export failed tasks failed", zap.Uint("moderator_id", moderatorID), zap.Error(err))
		return h.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to export failed messages", "EXPORT_FAILED", nil)
	}

	c.Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	c.Set("Content-Disposition", "attachment; filename="+file.FileName)
	return c.Send(file.Content)
}
