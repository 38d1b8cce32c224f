package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CommandType is the kind of work handed to the browser extension
type CommandType string

const (
	CommandTypeSendMessage         CommandType = "SendMessage"
	CommandTypeCheckWhatsAppNumber CommandType = "CheckWhatsAppNumber"
	CommandTypeRefresh             CommandType = "Refresh"
	CommandTypeHealthCheck         CommandType = "HealthCheck"
	CommandTypePause               CommandType = "Pause"
	CommandTypeResume              CommandType = "Resume"
	CommandTypeGetStatus           CommandType = "GetStatus"
	CommandTypeGetQrCode           CommandType = "GetQrCode"
)

func (t CommandType) String() string {
	return string(t)
}

// Valid checks if the command type is valid
func (t CommandType) Valid() bool {
	switch t {
	case CommandTypeSendMessage, CommandTypeCheckWhatsAppNumber, CommandTypeRefresh,
		CommandTypeHealthCheck, CommandTypePause, CommandTypeResume,
		CommandTypeGetStatus, CommandTypeGetQrCode:
		return true
	default:
		return false
	}
}

// Scan implements the sql.Scanner interface for CommandType
func (t *CommandType) Scan(value any) error {
	if value == nil {
		*t = ""
		return nil
	}
	switch v := value.(type) {
	case string:
		*t = CommandType(v)
	case []byte:
		*t = CommandType(string(v))
	default:
		return fmt.Errorf("cannot scan %T into CommandType", value)
	}
	return nil
}

// Value implements the driver.Valuer interface for CommandType
func (t CommandType) Value() (driver.Value, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("invalid CommandType: %s", t)
	}
	return string(t), nil
}

// CommandStatus follows pending -> sent -> acked -> completed|failed,
// or any pre-completed state -> expired.
type CommandStatus string

const (
	CommandStatusPending   CommandStatus = "pending"
	CommandStatusSent      CommandStatus = "sent"
	CommandStatusAcked     CommandStatus = "acked"
	CommandStatusCompleted CommandStatus = "completed"
	CommandStatusFailed    CommandStatus = "failed"
	CommandStatusExpired   CommandStatus = "expired"
)

func (s CommandStatus) String() string {
	return string(s)
}

// Valid checks if the status is valid
func (s CommandStatus) Valid() bool {
	switch s {
	case CommandStatusPending, CommandStatusSent, CommandStatusAcked,
		CommandStatusCompleted, CommandStatusFailed, CommandStatusExpired:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the command holds no lease any more
func (s CommandStatus) IsTerminal() bool {
	return s == CommandStatusCompleted || s == CommandStatusFailed || s == CommandStatusExpired
}

// Scan implements the sql.Scanner interface for CommandStatus
func (s *CommandStatus) Scan(value any) error {
	if value == nil {
		*s = ""
		return nil
	}
	switch v := value.(type) {
	case string:
		*s = CommandStatus(v)
	case []byte:
		*s = CommandStatus(string(v))
	default:
		return fmt.Errorf("cannot scan %T into CommandStatus", value)
	}
	return nil
}

// Value implements the driver.Valuer interface for CommandStatus
func (s CommandStatus) Value() (driver.Value, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid CommandStatus: %s", s)
	}
	return string(s), nil
}

// NonTerminalCommandStatuses are the states that still hold a lease
var NonTerminalCommandStatuses = []CommandStatus{CommandStatusPending, CommandStatusSent, CommandStatusAcked}

// TerminalCommandStatuses are the states eligible for purge
var TerminalCommandStatuses = []CommandStatus{CommandStatusCompleted, CommandStatusFailed, CommandStatusExpired}

// ResultStatus is what the extension reports when it completes a command
type ResultStatus string

const (
	ResultStatusSuccess    ResultStatus = "success"
	ResultStatusPendingQR  ResultStatus = "pendingQR"
	ResultStatusPendingNET ResultStatus = "pendingNET"
	ResultStatusWaiting    ResultStatus = "waiting"
	ResultStatusFailed     ResultStatus = "failed"
)

func (r ResultStatus) Valid() bool {
	switch r {
	case ResultStatusSuccess, ResultStatusPendingQR, ResultStatusPendingNET,
		ResultStatusWaiting, ResultStatusFailed:
		return true
	default:
		return false
	}
}

// IsSystemic reports whether the result pauses the whole moderator
func (r ResultStatus) IsSystemic() bool {
	return r == ResultStatusPendingQR || r == ResultStatusPendingNET
}

// SendMessagePayload is the payload of a SendMessage command
type SendMessagePayload struct {
	MessageID uint   `json:"message_id"`
	Phone     string `json:"phone"`
	Content   string `json:"content"`
	SessionID *uint  `json:"session_id,omitempty"`
}

// ExtensionCommand is a unit of work leased to the moderator's browser extension
type ExtensionCommand struct {
	ID           uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	ModeratorID  uint            `gorm:"not null;index:idx_extension_commands_moderator_status,priority:1" json:"moderator_id"`
	DeviceID     *uuid.UUID      `gorm:"type:uuid" json:"device_id,omitempty"`
	CommandType  CommandType     `gorm:"type:varchar(32);not null" json:"command_type"`
	Status       CommandStatus   `gorm:"type:varchar(20);not null;default:'pending';index:idx_extension_commands_moderator_status,priority:2" json:"status"`
	PayloadJSON  json.RawMessage `gorm:"type:jsonb;not null;default:'{}'" json:"payload_json"`
	ResultJSON   json.RawMessage `gorm:"type:jsonb" json:"result_json,omitempty"`
	ResultStatus *string         `gorm:"size:20" json:"result_status,omitempty"`
	Priority     int             `gorm:"not null;default:100" json:"priority"`
	RetryCount   int             `gorm:"not null;default:0" json:"retry_count"`
	MessageID    *uint           `gorm:"index:idx_extension_commands_message_id" json:"message_id,omitempty"`
	ExpiresAtUtc time.Time       `gorm:"column:expires_at_utc;not null;index:idx_extension_commands_expires_at" json:"expires_at_utc"`
	SentAt       *time.Time      `json:"sent_at,omitempty"`
	AckedAt      *time.Time      `json:"acked_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	CreatedAt    time.Time       `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC');not null" json:"created_at"`
	UpdatedAt    time.Time       `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC');not null" json:"updated_at"`
}

func (ExtensionCommand) TableName() string { return "extension_commands" }

// IsExpiredAt reports whether the lease ran out at t
func (c ExtensionCommand) IsExpiredAt(t time.Time) bool {
	return !c.Status.IsTerminal() && !t.Before(c.ExpiresAtUtc)
}

// ExtensionCommandFilter provides filter fields for repository queries
type ExtensionCommandFilter struct {
	ID          *uuid.UUID
	ModeratorID *uint
	MessageID   *uint
	CommandType *CommandType
	Statuses    []CommandStatus
}
