package handlers

import (
	"errors"

	"github.com/amirphl/clinic-queue/app/dto"
	businessflow "github.com/amirphl/clinic-queue/business_flow"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"go.uber.org/zap"
)

// ExtensionHandlerInterface defines the contract for the browser extension transport
type ExtensionHandlerInterface interface {
	// moderator side
	StartPairing(c fiber.Ctx) error
	ListDevices(c fiber.Ctx) error
	RevokeDevice(c fiber.Ctx) error
	IssueControlCommand(c fiber.Ctx) error

	// extension side
	CompletePairing(c fiber.Ctx) error
	RefreshToken(c fiber.Ctx) error
	Heartbeat(c fiber.Ctx) error
	PollCommands(c fiber.Ctx) error
	AckCommand(c fiber.Ctx) error
	CompleteCommand(c fiber.Ctx) error
}

// ExtensionHandler handles pairing, liveness and command delivery for extensions
type ExtensionHandler struct {
	pairingFlow businessflow.PairingFlow
	commandFlow businessflow.CommandFlow
	validator   *validator.Validate
}

func (h *ExtensionHandler) ErrorResponse(c fiber.Ctx, statusCode int, message, errorCode string, details any) error {
	return c.Status(statusCode).JSON(dto.APIResponse{
		Success: false,
		Message: message,
		Error: dto.ErrorDetail{
			Code:    errorCode,
			Details: details,
		},
	})
}

func (h *ExtensionHandler) SuccessResponse(c fiber.Ctx, statusCode int, message string, data any) error {
	return c.Status(statusCode).JSON(dto.APIResponse{
		Success: true,
		Message: message,
		Data:    data,
	})
}

// NewExtensionHandler creates a new extension handler
func NewExtensionHandler(pairingFlow businessflow.PairingFlow, commandFlow businessflow.CommandFlow) *ExtensionHandler {
	return &ExtensionHandler{
		pairingFlow: pairingFlow,
		commandFlow: commandFlow,
		validator:   validator.New(),
	}
}

// deviceError maps device and pairing failures shared by several endpoints
func (h *ExtensionHandler) deviceError(c fiber.Ctx, err error) (bool, error) {
	switch {
	case businessflow.IsDeviceNotFound(err):
		return true, h.ErrorResponse(c, fiber.StatusNotFound, "Extension device not found", "DEVICE_NOT_FOUND", nil)
	case businessflow.IsDeviceInactive(err):
		return true, h.ErrorResponse(c, fiber.StatusForbidden, "Extension device is revoked", "DEVICE_INACTIVE", nil)
	case businessflow.IsCacheNotAvailable(err):
		return true, h.ErrorResponse(c, fiber.StatusServiceUnavailable, "Pairing is not available", "CACHE_NOT_AVAILABLE", nil)
	}
	return false, nil
}

// commandError maps command protocol failures
func (h *ExtensionHandler) commandError(c fiber.Ctx, err error) (bool, error) {
	switch {
	case businessflow.IsCommandNotFound(err):
		return true, h.ErrorResponse(c, fiber.StatusNotFound, "Command not found", "COMMAND_NOT_FOUND", nil)
	case businessflow.IsCommandAccessDenied(err):
		return true, h.ErrorResponse(c, fiber.StatusForbidden, "Command belongs to another moderator", "COMMAND_ACCESS_DENIED", nil)
	case businessflow.IsCommandExpired(err):
		return true, h.ErrorResponse(c, fiber.StatusGone, "Command lease expired", "COMMAND_EXPIRED", nil)
	case businessflow.IsInvalidCommandTransition(err):
		return true, h.ErrorResponse(c, fiber.StatusConflict, "Command cannot move to the requested status", "INVALID_COMMAND_TRANSITION", nil)
	case businessflow.IsInvalidCommandRequest(err):
		return true, h.ErrorResponse(c, fiber.StatusBadRequest, err.Error(), "INVALID_COMMAND", nil)
	case businessflow.IsProviderUnavailable(err):
		return true, h.ErrorResponse(c, fiber.StatusServiceUnavailable, "No paired extension is online", "PROVIDER_UNAVAILABLE", nil)
	}
	var be *businessflow.BusinessError
	if errors.As(err, &be) {
		switch be.Code {
		case "INVALID_PAYLOAD", "INVALID_RESULT":
			return true, h.ErrorResponse(c, fiber.StatusBadRequest, be.Message, be.Code, nil)
		}
	}
	return false, nil
}

// StartPairing
// @Description Create a one-time pairing code to enter in the browser extension
// @Tags Extension
// @Produce json
// @Success 201 {object} dto.APIResponse{data=dto.StartPairingResponse} "Pairing code created"
// @Failure 503 {object} dto.APIResponse "Pairing store unavailable"
// @Router /api/v1/extension-devices/pairing [post]
func (h *ExtensionHandler) StartPairing(c fiber.Ctx) error {
	moderatorID, _, ok := moderatorIdentity(c)
	if !ok {
		return h.ErrorResponse(c, fiber.StatusUnauthorized, "Moderator ID not found in context", "MISSING_MODERATOR_ID", nil)
	}

	ctx := requestContextWithTimeout(c, "/api/v1/extension/pairing/start", defaultRequestTimeout)
	defer releaseRequestContext(ctx)

	result, err := h.pairingFlow.StartPairing(ctx, &dto.StartPairingRequest{ModeratorID: moderatorID})
	if err != nil {
		if handled, resp := h.deviceError(c, err); handled {
			return resp
		}
		zap.L().Error("Start pairing failed", zap.Uint("moderator_id", moderatorID), zap.Error(err))
		return h.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to create pairing code", "PAIRING_CODE_FAILED", nil)
	}
	return h.SuccessResponse(c, fiber.StatusCreated, "Pairing code created", result)
}

// CompletePairing
// @Description Exchange a pairing code for device credentials
// @Tags Extension
// @Accept json
// @Produce json
// @Param request body dto.CompletePairingRequest true "Pairing code and device info"
// @Success 201 {object} dto.APIResponse{data=dto.CompletePairingResponse} "Device paired"
// @Failure 400 {object} dto.APIResponse "Invalid or expired code"
// @Router /api/v1/extension/pairing/complete [post]
func (h *ExtensionHandler) CompletePairing(c fiber.Ctx) error {
	var req dto.CompletePairingRequest
	if err := c.Bind().JSON(&req); err != nil {
		return h.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", "INVALID_REQUEST", err.Error())
	}
	if err := h.validator.Struct(&req); err != nil {
		return h.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", "VALIDATION_ERROR", validationMessages(err))
	}

	metadata := businessflow.NewClientMetadata(c.IP(), c.Get("User-Agent"))
	ctx := requestContextWithTimeout(c, "/api/v1/extension/pairing/complete", defaultRequestTimeout)
	defer releaseRequestContext(ctx)

	result, err := h.pairingFlow.CompletePairing(ctx, &req, metadata)
	if err != nil {
		if businessflow.IsPairingCodeInvalid(err) {
			return h.ErrorResponse(c, fiber.StatusBadRequest, "Pairing code is invalid or expired", "PAIRING_CODE_INVALID", nil)
		}
		if handled, resp := h.deviceError(c, err); handled {
			return resp
		}
		zap.L().Error("Complete pairing failed", zap.Error(err))
		return h.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to pair extension", "PAIRING_FAILED", nil)
	}
	return h.SuccessResponse(c, fiber.StatusCreated, "Extension paired successfully", result)
}

// RefreshToken
// @Description Issue a new device token using the device secret
// @Tags Extension
// @Accept json
// @Produce json
// @Param request body dto.RefreshDeviceTokenRequest true "Device credentials"
// @Success 200 {object} dto.APIResponse{data=dto.DeviceTokenResponse} "Token issued"
// @Failure 401 {object} dto.APIResponse "Unknown device or wrong secret"
// @Router /api/v1/extension/token/refresh [post]
func (h *ExtensionHandler) RefreshToken(c fiber.Ctx) error {
	var req dto.RefreshDeviceTokenRequest
	if err := c.Bind().JSON(&req); err != nil {
		return h.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", "INVALID_REQUEST", err.Error())
	}
	if err := h.validator.Struct(&req); err != nil {
		return h.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", "VALIDATION_ERROR", validationMessages(err))
	}

	ctx := requestContextWithTimeout(c, "/api/v1/extension/token/refresh", defaultRequestTimeout)
	defer releaseRequestContext(ctx)

	result, err := h.pairingFlow.RefreshDeviceToken(ctx, &req)
	if err != nil {
		if businessflow.IsDeviceNotFound(err) {
			return h.ErrorResponse(c, fiber.StatusUnauthorized, "Invalid device credentials", "INVALID_DEVICE_CREDENTIALS", nil)
		}
		if handled, resp := h.deviceError(c, err); handled {
			return resp
		}
		zap.L().Error("Device token refresh failed", zap.String("device_id", req.DeviceID), zap.Error(err))
		return h.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to issue token", "TOKEN_GENERATION_FAILED", nil)
	}
	return h.SuccessResponse(c, fiber.StatusOK, "Token issued", result)
}

// Heartbeat
// @Description Report extension liveness and the WhatsApp Web state
// @Tags Extension
// @Accept json
// @Produce json
// @Param request body dto.HeartbeatRequest true "Heartbeat"
// @Success 200 {object} dto.APIResponse{data=dto.HeartbeatResponse} "Heartbeat recorded"
// @Router /api/v1/extension/heartbeat [post]
func (h *ExtensionHandler) Heartbeat(c fiber.Ctx) error {
	var req dto.HeartbeatRequest
	if err := c.Bind().JSON(&req); err != nil {
		return h.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", "INVALID_REQUEST", err.Error())
	}
	deviceID, moderatorID, ok := deviceIdentity(c)
	if !ok {
		return h.ErrorResponse(c, fiber.StatusUnauthorized, "Device not found in context", "MISSING_DEVICE_ID", nil)
	}
	req.DeviceID = deviceID
	req.ModeratorID = moderatorID
	if err := h.validator.Struct(&req); err != nil {
		return h.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", "VALIDATION_ERROR", validationMessages(err))
	}

	ctx := requestContextWithTimeout(c, "/api/v1/extension/heartbeat", defaultRequestTimeout)
	defer releaseRequestContext(ctx)

	result, err := h.pairingFlow.Heartbeat(ctx, &req)
	if err != nil {
		if handled, resp := h.deviceError(c, err); handled {
			return resp
		}
		zap.L().Error("Heartbeat failed", zap.String("device_id", deviceID), zap.Error(err))
		return h.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to record heartbeat", "HEARTBEAT_FAILED", nil)
	}
	return h.SuccessResponse(c, fiber.StatusOK, "Heartbeat recorded", result)
}

// PollCommands
// @Description Claim pending commands for the calling extension, highest priority first
// @Tags Extension
// @Accept json
// @Produce json
// @Param request body dto.PollCommandsRequest false "Poll options"
// @Success 200 {object} dto.APIResponse{data=dto.PollCommandsResponse} "Claimed commands"
// @Router /api/v1/extension/commands/poll [post]
func (h *ExtensionHandler) PollCommands(c fiber.Ctx) error {
	var req dto.PollCommandsRequest
	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return h.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", "INVALID_REQUEST", err.Error())
		}
	}
	deviceID, moderatorID, ok := deviceIdentity(c)
	if !ok {
		return h.ErrorResponse(c, fiber.StatusUnauthorized, "Device not found in context", "MISSING_DEVICE_ID", nil)
	}
	req.DeviceID = deviceID
	req.ModeratorID = moderatorID
	if err := h.validator.Struct(&req); err != nil {
		return h.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", "VALIDATION_ERROR", validationMessages(err))
	}

	ctx := requestContextWithTimeout(c, "/api/v1/extension/commands/poll", defaultRequestTimeout)
	defer releaseRequestContext(ctx)

	result, err := h.commandFlow.PollCommands(ctx, &req)
	if err != nil {
		if handled, resp := h.deviceError(c, err); handled {
			return resp
		}
		zap.L().Error("Poll commands failed", zap.String("device_id", deviceID), zap.Error(err))
		return h.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to poll commands", "COMMAND_POLL_FAILED", nil)
	}
	return h.SuccessResponse(c, fiber.StatusOK, "Commands claimed", result)
}

// AckCommand
// @Description Acknowledge that the extension received a command
// @Tags Extension
// @Produce json
// @Param id path string true "Command ID"
// @Success 200 {object} dto.APIResponse{data=dto.CommandStatusResponse} "Command acknowledged"
// @Failure 404 {object} dto.APIResponse "Command not found"
// @Failure 409 {object} dto.APIResponse "Command already finished"
// @Router /api/v1/extension/commands/{id}/ack [post]
func (h *ExtensionHandler) AckCommand(c fiber.Ctx) error {
	_, moderatorID, ok := deviceIdentity(c)
	if !ok {
		return h.ErrorResponse(c, fiber.StatusUnauthorized, "Device not found in context", "MISSING_DEVICE_ID", nil)
	}
	req := dto.AckCommandRequest{ModeratorID: moderatorID, CommandID: c.Params("id")}
	if err := h.validator.Struct(&req); err != nil {
		return h.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", "VALIDATION_ERROR", validationMessages(err))
	}

	ctx := requestContextWithTimeout(c, "/api/v1/extension/commands/ack", defaultRequestTimeout)
	defer releaseRequestContext(ctx)

	result, err := h.commandFlow.AckCommand(ctx, &req)
	if err != nil {
		if handled, resp := h.commandError(c, err); handled {
			return resp
		}
		zap.L().Error("Ack command failed", zap.String("command_id", req.CommandID), zap.Error(err))
		return h.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to acknowledge command", "COMMAND_ACK_FAILED", nil)
	}
	return h.SuccessResponse(c, fiber.StatusOK, "Command acknowledged", result)
}

// CompleteCommand
// @Description Report the outcome of a command
// @Tags Extension
// @Accept json
// @Produce json
// @Param id path string true "Command ID"
// @Param request body dto.CompleteCommandRequest true "Command result"
// @Success 200 {object} dto.APIResponse{data=dto.CommandStatusResponse} "Result recorded"
// @Failure 404 {object} dto.APIResponse "Command not found"
// @Failure 409 {object} dto.APIResponse "Command already finished"
// @Router /api/v1/extension/commands/{id}/complete [post]
func (h *ExtensionHandler) CompleteCommand(c fiber.Ctx) error {
	var req dto.CompleteCommandRequest
	if err := c.Bind().JSON(&req); err != nil {
		return h.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", "INVALID_REQUEST", err.Error())
	}
	_, moderatorID, ok := deviceIdentity(c)
	if !ok {
		return h.ErrorResponse(c, fiber.StatusUnauthorized, "Device not found in context", "MISSING_DEVICE_ID", nil)
	}
	req.ModeratorID = moderatorID
	req.CommandID = c.Params("id")
	if err := h.validator.Struct(&req); err != nil {
		return h.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", "VALIDATION_ERROR", validationMessages(err))
	}

	ctx := requestContextWithTimeout(c, "/api/v1/extension/commands/complete", defaultRequestTimeout)
	defer releaseRequestContext(ctx)

	result, err := h.commandFlow.CompleteCommand(ctx, &req)
	if err != nil {
		if handled, resp := h.commandError(c, err); handled {
			return resp
		}
		zap.L().Error("Complete command failed", zap.String("command_id", req.CommandID), zap.Error(err))
		return h.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to record command result", "COMMAND_COMPLETE_FAILED", nil)
	}
	return h.SuccessResponse(c, fiber.StatusOK, "Command result recorded", result)
}

// IssueControlCommand
// @Description Send a control command (health check, QR code, refresh...) to the paired extension
// @Tags Extension
// @Accept json
// @Produce json
// @Param request body dto.IssueControlCommandRequest true "Command"
// @Success 201 {object} dto.APIResponse{data=dto.IssueControlCommandResponse} "Command issued"
// @Failure 503 {object} dto.APIResponse "No live extension"
// @Router /api/v1/extension-devices/commands [post]
func (h *ExtensionHandler) IssueControlCommand(c fiber.Ctx) error {
	var req dto.IssueControlCommandRequest
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

	ctx := requestContextWithTimeout(c, "/api/v1/extension/commands", defaultRequestTimeout)
	defer releaseRequestContext(ctx)

	result, err := h.commandFlow.IssueControlCommand(ctx, &req)
	if err != nil {
		if handled, resp := h.commandError(c, err); handled {
			return resp
		}
		zap.L().Error("Issue control command failed", zap.Uint("moderator_id", moderatorID), zap.Error(err))
		return h.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to issue command", "COMMAND_ISSUE_FAILED", nil)
	}
	return h.SuccessResponse(c, fiber.StatusCreated, "Command issued", result)
}

// ListDevices
// @Description List the extension devices paired with the moderator
// @Tags Extension
// @Produce json
// @Success 200 {object} dto.APIResponse{data=dto.ListDevicesResponse} "Devices"
// @Router /api/v1/extension-devices [get]
func (h *ExtensionHandler) ListDevices(c fiber.Ctx) error {
	moderatorID, _, ok := moderatorIdentity(c)
	if !ok {
		return h.ErrorResponse(c, fiber.StatusUnauthorized, "Moderator ID not found in context", "MISSING_MODERATOR_ID", nil)
	}

	ctx := requestContextWithTimeout(c, "/api/v1/extension/devices", defaultRequestTimeout)
	defer releaseRequestContext(ctx)

	result, err := h.pairingFlow.ListDevices(ctx, moderatorID)
	if err != nil {
		zap.L().Error("List devices failed", zap.Uint("moderator_id", moderatorID), zap.Error(err))
		return h.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to list devices", "DEVICE_LIST_FAILED", nil)
	}
	return h.SuccessResponse(c, fiber.StatusOK, "Devices retrieved successfully", result)
}

// RevokeDevice
// @Description Revoke a paired extension device
// @Tags Extension
// @Produce json
// @Param id path string true "Device ID"
// @Success 200 {object} dto.APIResponse "Device revoked"
// @Failure 404 {object} dto.APIResponse "Device not found"
// @Router /api/v1/extension-devices/{id} [delete]
func (h *ExtensionHandler) RevokeDevice(c fiber.Ctx) error {
	moderatorID, _, ok := moderatorIdentity(c)
	if !ok {
		return h.ErrorResponse(c, fiber.StatusUnauthorized, "Moderator ID not found in context", "MISSING_MODERATOR_ID", nil)
	}
	req := dto.RevokeDeviceRequest{ModeratorID: moderatorID, DeviceID: c.Params("id")}
	if err := h.validator.Struct(&req); err != nil {
		return h.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", "VALIDATION_ERROR", validationMessages(err))
	}

	metadata := businessflow.NewClientMetadata(c.IP(), c.Get("User-Agent"))
	ctx := requestContextWithTimeout(c, "/api/v1/extension/devices/revoke", defaultRequestTimeout)
	defer releaseRequestContext(ctx)

	if err := h.pairingFlow.RevokeDevice(ctx, &req, metadata); err != nil {
		if handled, resp := h.deviceError(c, err); handled {
			return resp
		}
		zap.L().Error("Revoke device failed", zap.Uint("moderator_id", moderatorID), zap.Error(err))
		return h.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to revoke device", "DEVICE_REVOKE_FAILED", nil)
	}
	return h.SuccessResponse(c, fiber.StatusOK, "Device revoked successfully", nil)
}
