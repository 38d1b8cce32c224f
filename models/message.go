package models

import (
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageStatus represents the delivery state of a message
type MessageStatus string

const (
	MessageStatusQueued    MessageStatus = "queued"
	MessageStatusSending   MessageStatus = "sending"
	MessageStatusSent      MessageStatus = "sent"
	MessageStatusFailed    MessageStatus = "failed"
	MessageStatusCancelled MessageStatus = "cancelled"
)

func (s MessageStatus) String() string {
	return string(s)
}

// Valid checks if the status is valid
func (s MessageStatus) Valid() bool {
	switch s {
	case MessageStatusQueued, MessageStatusSending, MessageStatusSent,
		MessageStatusFailed, MessageStatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the message will not move without an explicit retry
func (s MessageStatus) IsTerminal() bool {
	return s == MessageStatusSent || s == MessageStatusFailed || s == MessageStatusCancelled
}

// Scan implements the sql.Scanner interface for MessageStatus
func (s *MessageStatus) Scan(value any) error {
	if value == nil {
		*s = ""
		return nil
	}
	switch v := value.(type) {
	case string:
		*s = MessageStatus(v)
	case []byte:
		*s = MessageStatus(string(v))
	default:
		return fmt.Errorf("cannot scan %T into MessageStatus", value)
	}
	return nil
}

// Value implements the driver.Valuer interface for MessageStatus
func (s MessageStatus) Value() (driver.Value, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid MessageStatus: %s", s)
	}
	return string(s), nil
}

// FailureReason classifies why a message failed
type FailureReason string

const (
	FailureReasonQuotaExhausted  FailureReason = "quota_exhausted"
	FailureReasonProviderFailure FailureReason = "provider_failure"
	FailureReasonException       FailureReason = "exception"
)

func (r FailureReason) Valid() bool {
	switch r {
	case FailureReasonQuotaExhausted, FailureReasonProviderFailure, FailureReasonException:
		return true
	default:
		return false
	}
}

// Pause reasons stored on messages, sessions and WhatsApp sessions
const (
	PauseReasonPendingQR  = "PendingQR"
	PauseReasonPendingNET = "PendingNET"
	PauseReasonUser       = "UserPaused"
)

// IsSystemicPauseReason reports whether the reason comes from a provider-level pause
func IsSystemicPauseReason(reason *string) bool {
	if reason == nil {
		return false
	}
	return *reason == PauseReasonPendingQR || *reason == PauseReasonPendingNET
}

// Message is one outbound WhatsApp text and the unit of dispatch.
// Attempts counts real send attempts only; systemic pauses and lease expiry never bump it.
type Message struct {
	ID                uint          `gorm:"primaryKey" json:"id"`
	ModeratorID       uint          `gorm:"not null;index:idx_messages_dispatch,priority:1" json:"moderator_id"`
	SessionID         *uint         `gorm:"index:idx_messages_session_id" json:"session_id,omitempty"`
	QueueID           uint          `gorm:"not null" json:"queue_id"`
	PatientID         uint          `gorm:"not null;index:idx_messages_patient_id" json:"patient_id"`
	TemplateID        *uint         `json:"template_id,omitempty"`
	RecipientPhone    string        `gorm:"size:40;not null" json:"recipient_phone"`
	Content           string        `gorm:"type:text;not null" json:"content"`
	Status            MessageStatus `gorm:"type:varchar(20);not null;default:'queued';index:idx_messages_dispatch,priority:2" json:"status"`
	IsPaused          bool          `gorm:"not null;default:false" json:"is_paused"`
	PauseReason       *string       `gorm:"size:255" json:"pause_reason,omitempty"`
	Attempts          int           `gorm:"not null;default:0" json:"attempts"`
	FailureReason     *string       `gorm:"size:40" json:"failure_reason,omitempty"`
	ErrorMessage      *string       `gorm:"type:text" json:"error_message,omitempty"`
	InFlightCommandID *uuid.UUID    `gorm:"type:uuid;index:idx_messages_in_flight_command_id" json:"in_flight_command_id,omitempty"`
	LastAttemptAt     *time.Time    `gorm:"index:idx_messages_last_attempt_at" json:"last_attempt_at,omitempty"`
	SentAt            *time.Time    `json:"sent_at,omitempty"`
	IsDeleted         bool          `gorm:"not null;default:false" json:"is_deleted"`
	DeletedAt         *time.Time    `json:"deleted_at,omitempty"`
	CreatedAt         time.Time     `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC');not null;index:idx_messages_dispatch,priority:3" json:"created_at"`
	UpdatedAt         time.Time     `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC');not null" json:"updated_at"`
}

func (Message) TableName() string { return "messages" }

// CanRetry reports whether an automatic retry may requeue the message
func (m Message) CanRetry(maxAttempts int) bool {
	if m.Status != MessageStatusFailed || m.Attempts >= maxAttempts {
		return false
	}
	return m.FailureReason == nil || *m.FailureReason != string(FailureReasonQuotaExhausted)
}

// MessageFilter provides filter fields for repository queries
type MessageFilter struct {
	ID          *uint
	IDs         []uint
	ModeratorID *uint
	SessionID   *uint
	Status      *MessageStatus
	Statuses    []MessageStatus
	IsPaused    *bool
	IsDeleted   *bool
}

// FailedTask is the failure record written whenever a message fails
type FailedTask struct {
	ID           uint       `gorm:"primaryKey" json:"id"`
	MessageID    uint       `gorm:"not null;index:idx_failed_tasks_message_id" json:"message_id"`
	ModeratorID  uint       `gorm:"not null;index:idx_failed_tasks_moderator_id" json:"moderator_id"`
	SessionID    *uint      `json:"session_id,omitempty"`
	Reason       string     `gorm:"size:40;not null" json:"reason"`
	ErrorMessage *string    `gorm:"type:text" json:"error_message,omitempty"`
	RetryCount   int        `gorm:"not null;default:0" json:"retry_count"`
	LastRetryAt  *time.Time `json:"last_retry_at,omitempty"`
	CreatedAt    time.Time  `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC');not null" json:"created_at"`
}

func (FailedTask) TableName() string { return "failed_tasks" }

// FailedTaskFilter provides filter fields for repository queries
type FailedTaskFilter struct {
	ID          *uint
	MessageID   *uint
	MessageIDs  []uint
	ModeratorID *uint
	Reason      *string
}
