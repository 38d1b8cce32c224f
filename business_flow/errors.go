// Package businessflow contains the messaging pipeline use cases
package businessflow

import (
	"errors"
	"fmt"

	"github.com/amirphl/clinic-queue/models"
)

// Business flow error constants
var (
	// Queue and recipient errors
	ErrQueueNotFound     = errors.New("queue not found")
	ErrQueueAccessDenied = errors.New("queue access denied")
	ErrTemplateNotFound  = errors.New("message template not found")
	ErrNoRecipients      = errors.New("no patient matched a message template")

	// Quota errors
	ErrQuotaNotFound        = errors.New("quota not found")
	ErrQuotaExceeded        = errors.New("message quota exceeded")
	ErrInvalidQuotaMode     = errors.New("quota mode must be set or add")
	ErrInvalidLimit         = errors.New("quota limit is invalid")
	ErrLimitBelowConsumed   = errors.New("quota limit cannot be below consumed amount")
	ErrCannotAddToUnlimited = errors.New("cannot add to an unlimited quota")

	// Session errors
	ErrSessionNotFound     = errors.New("message session not found")
	ErrSessionAccessDenied = errors.New("message session access denied")
	ErrSessionTerminal     = errors.New("message session is already finished")

	// Message errors
	ErrMessageNotFound      = errors.New("message not found")
	ErrMessageInFlight      = errors.New("message already has an outstanding command")
	ErrInvalidMessageState  = errors.New("message is not in a state that allows this action")
	ErrNoMessageIDs         = errors.New("at least one message id is required")
	ErrTooManyMessageIDs    = errors.New("too many message ids")
	ErrRetryLimitReached    = errors.New("message reached the maximum number of attempts")
	ErrQuotaFailureNotRetry = errors.New("quota exhausted messages cannot be retried")

	// Extension protocol errors
	ErrProviderUnavailable      = errors.New("no paired and live extension for moderator")
	ErrCommandNotFound          = errors.New("extension command not found")
	ErrCommandAccessDenied      = errors.New("extension command belongs to another moderator")
	ErrInvalidCommandTransition = errors.New("extension command cannot move to the requested status")
	ErrCommandExpired           = errors.New("extension command lease expired")
	ErrInvalidCommandType       = errors.New("invalid extension command type")
	ErrInvalidResultStatus      = errors.New("invalid extension result status")
	ErrInvalidPriority          = errors.New("command priority out of range")
	ErrInvalidTTL               = errors.New("command ttl out of range")

	// Pairing errors
	ErrPairingCodeInvalid = errors.New("pairing code is invalid or expired")
	ErrDeviceNotFound     = errors.New("extension device not found")
	ErrDeviceInactive     = errors.New("extension device is revoked")
	ErrCacheNotAvailable  = errors.New("cache not available")

	ErrWhatsAppSessionNotFound = errors.New("whatsapp session not found")
)

type BusinessError struct {
	Code    string
	Message string
	Err     error
}

func (e *BusinessError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *BusinessError) Unwrap() error {
	return e.Err
}

func NewBusinessError(code, message string, err error) *BusinessError {
	return &BusinessError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

func NewBusinessErrorf(code, message string, err error, args ...any) *BusinessError {
	return &BusinessError{
		Code:    code,
		Message: fmt.Sprintf(message, args...),
		Err:     err,
	}
}

// PauseKind is the systemic condition that stopped a moderator's channel
type PauseKind string

const (
	PauseKindQR  PauseKind = "qr"
	PauseKindNET PauseKind = "net"
)

// Reason returns the pause reason stored on paused rows
func (k PauseKind) Reason() string {
	if k == PauseKindQR {
		return models.PauseReasonPendingQR
	}
	return models.PauseReasonPendingNET
}

// PauseKindFromResult maps a systemic provider result to its pause kind
func PauseKindFromResult(status models.ResultStatus) (PauseKind, bool) {
	switch status {
	case models.ResultStatusPendingQR:
		return PauseKindQR, true
	case models.ResultStatusPendingNET:
		return PauseKindNET, true
	default:
		return "", false
	}
}

// SystemicPauseError aborts a dispatch cycle: the moderator's channel needs
// re-authentication (QR) or network recovery (NET) before anything else is sent
type SystemicPauseError struct {
	ModeratorID uint
	MessageID   uint
	Kind        PauseKind
}

func (e *SystemicPauseError) Error() string {
	return fmt.Sprintf("moderator %d paused (%s) while sending message %d", e.ModeratorID, e.Kind.Reason(), e.MessageID)
}

// AsSystemicPause extracts a SystemicPauseError from err
func AsSystemicPause(err error) (*SystemicPauseError, bool) {
	var pauseErr *SystemicPauseError
	if errors.As(err, &pauseErr) {
		return pauseErr, true
	}
	return nil, false
}

func IsQueueNotFound(err error) bool {
	return errors.Is(err, ErrQueueNotFound)
}

func IsQueueAccessDenied(err error) bool {
	return errors.Is(err, ErrQueueAccessDenied)
}

func IsTemplateNotFound(err error) bool {
	return errors.Is(err, ErrTemplateNotFound)
}

func IsNoRecipients(err error) bool {
	return errors.Is(err, ErrNoRecipients)
}

func IsQuotaNotFound(err error) bool {
	return errors.Is(err, ErrQuotaNotFound)
}

func IsQuotaExceeded(err error) bool {
	return errors.Is(err, ErrQuotaExceeded)
}

func IsInvalidQuotaUpdate(err error) bool {
	return errors.Is(err, ErrInvalidQuotaMode) ||
		errors.Is(err, ErrInvalidLimit) ||
		errors.Is(err, ErrLimitBelowConsumed) ||
		errors.Is(err, ErrCannotAddToUnlimited)
}

func IsSessionNotFound(err error) bool {
	return errors.Is(err, ErrSessionNotFound)
}

func IsSessionAccessDenied(err error) bool {
	return errors.Is(err, ErrSessionAccessDenied)
}

func IsSessionTerminal(err error) bool {
	return errors.Is(err, ErrSessionTerminal)
}

func IsMessageNotFound(err error) bool {
	return errors.Is(err, ErrMessageNotFound)
}

func IsInvalidMessageIDs(err error) bool {
	return errors.Is(err, ErrNoMessageIDs) || errors.Is(err, ErrTooManyMessageIDs)
}

func IsProviderUnavailable(err error) bool {
	return errors.Is(err, ErrProviderUnavailable)
}

func IsCommandNotFound(err error) bool {
	return errors.Is(err, ErrCommandNotFound)
}

func IsCommandAccessDenied(err error) bool {
	return errors.Is(err, ErrCommandAccessDenied)
}

func IsInvalidCommandTransition(err error) bool {
	return errors.Is(err, ErrInvalidCommandTransition)
}

func IsCommandExpired(err error) bool {
	return errors.Is(err, ErrCommandExpired)
}

func IsInvalidCommandRequest(err error) bool {
	return errors.Is(err, ErrInvalidCommandType) ||
		errors.Is(err, ErrInvalidResultStatus) ||
		errors.Is(err, ErrInvalidPriority) ||
		errors.Is(err, ErrInvalidTTL)
}

func IsPairingCodeInvalid(err error) bool {
	return errors.Is(err, ErrPairingCodeInvalid)
}

func IsDeviceNotFound(err error) bool {
	return errors.Is(err, ErrDeviceNotFound)
}

func IsDeviceInactive(err error) bool {
	return errors.Is(err, ErrDeviceInactive)
}

func IsCacheNotAvailable(err error) bool {
	return errors.Is(err, ErrCacheNotAvailable)
}

func IsWhatsAppSessionNotFound(err error) bool {
	return errors.Is(err, ErrWhatsAppSessionNotFound)
}
