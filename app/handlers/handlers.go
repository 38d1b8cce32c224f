// Package handlers contains HTTP request handlers and presentation layer logic for the API endpoints
package handlers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/amirphl/clinic-queue/utils"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
)

const defaultRequestTimeout = 30 * time.Second

func getValidationErrorMessage(err validator.FieldError) string {
	switch err.Tag() {
	case "required":
		return err.Field() + " is required"
	case "min":
		return err.Field() + " must be at least " + err.Param()
	case "max":
		return err.Field() + " must be at most " + err.Param()
	case "len":
		return err.Field() + " must be exactly " + err.Param() + " characters"
	case "oneof":
		return err.Field() + " must be one of: " + err.Param()
	case "numeric":
		return err.Field() + " must contain only numbers"
	case "uuid":
		return err.Field() + " must be a valid UUID"
	case "gte":
		return fmt.Sprintf("%s must be greater than or equal to %s", err.Field(), err.Param())
	case "lte":
		return fmt.Sprintf("%s must be less than or equal to %s", err.Field(), err.Param())
	default:
		return err.Field() + " is invalid"
	}
}

// validationMessages flattens validator errors into readable messages
func validationMessages(err error) []string {
	var fieldErrors validator.ValidationErrors
	if !errors.As(err, &fieldErrors) {
		return []string{err.Error()}
	}
	messages := make([]string, 0, len(fieldErrors))
	for _, fe := range fieldErrors {
		messages = append(messages, getValidationErrorMessage(fe))
	}
	return messages
}

func requestContextWithTimeout(c fiber.Ctx, endpoint string, timeout time.Duration) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	ctx = context.WithValue(ctx, utils.RequestIDKey, c.Get("X-Request-ID"))
	ctx = context.WithValue(ctx, utils.UserAgentKey, c.Get("User-Agent"))
	ctx = context.WithValue(ctx, utils.IPAddressKey, c.IP())
	ctx = context.WithValue(ctx, utils.EndpointKey, endpoint)
	ctx = context.WithValue(ctx, utils.TimeoutKey, timeout)
	ctx = context.WithValue(ctx, utils.CancelFuncKey, cancel)
	return ctx
}

// releaseRequestContext cancels a context built by requestContextWithTimeout
func releaseRequestContext(ctx context.Context) {
	if cancel, ok := ctx.Value(utils.CancelFuncKey).(context.CancelFunc); ok {
		cancel()
	}
}

// moderatorIdentity reads the caller set by the auth middleware
func moderatorIdentity(c fiber.Ctx) (moderatorID, userID uint, ok bool) {
	moderatorID, ok = c.Locals("moderator_id").(uint)
	if !ok || moderatorID == 0 {
		return 0, 0, false
	}
	userID, _ = c.Locals("user_id").(uint)
	return moderatorID, userID, true
}

// deviceIdentity reads the extension device set by the device auth middleware
func deviceIdentity(c fiber.Ctx) (deviceID string, moderatorID uint, ok bool) {
	deviceID, ok = c.Locals("device_id").(string)
	if !ok || deviceID == "" {
		return "", 0, false
	}
	moderatorID, ok = c.Locals("moderator_id").(uint)
	return deviceID, moderatorID, ok && moderatorID != 0
}
