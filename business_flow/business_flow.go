// Package businessflow contains the messaging pipeline use cases
package businessflow

import (
	"context"
	"time"

	"github.com/amirphl/clinic-queue/app/dto"
	"github.com/amirphl/clinic-queue/app/services"
	"github.com/amirphl/clinic-queue/models"
)

const RequestIDKey = "X-Request-ID"

// ClientMetadata holds client-related information for logging and tracing
type ClientMetadata struct {
	IPAddress  string            `json:"ip_address"`
	UserAgent  string            `json:"user_agent"`
	RequestID  string            `json:"request_id,omitempty"`
	Additional map[string]string `json:"additional,omitempty"`
}

// NewClientMetadata creates a new ClientMetadata instance with basic information
func NewClientMetadata(ipAddress, userAgent string) *ClientMetadata {
	return &ClientMetadata{
		IPAddress:  ipAddress,
		UserAgent:  userAgent,
		Additional: make(map[string]string),
	}
}

// AddAdditional adds additional custom information to the metadata
func (cm *ClientMetadata) AddAdditional(key, value string) {
	if cm.Additional == nil {
		cm.Additional = make(map[string]string)
	}
	cm.Additional[key] = value
}

// SetRequestID sets the request ID
func (cm *ClientMetadata) SetRequestID(requestID string) {
	cm.RequestID = requestID
}

// DispatchLocker gives one dispatch cycle per moderator exclusive access.
// ok is false when another cycle holds the lock.
type DispatchLocker interface {
	TryLock(ctx context.Context, moderatorID uint, ttl time.Duration) (lease services.DispatchLease, ok bool, err error)
}

// EventPublisher delivers progress notifications to connected dashboards
type EventPublisher interface {
	Publish(ctx context.Context, moderatorID uint, event string, payload any) error
}

// PairingCodeStore keeps short-lived pairing codes
type PairingCodeStore interface {
	Put(ctx context.Context, code string, moderatorID uint, ttl time.Duration) error
	// Take returns and removes the code; ok is false when it does not exist or expired
	Take(ctx context.Context, code string) (moderatorID uint, ok bool, err error)
}

// Translator maps raw provider errors to user-facing text
type Translator interface {
	Translate(raw string) string
}

// DispatchTrigger requests an immediate dispatch cycle for a moderator
type DispatchTrigger interface {
	Trigger(moderatorID uint)
}

// SweepRegistrar registers the recurring per-moderator sweep
type SweepRegistrar interface {
	RegisterModerator(moderatorID uint) error
}

// Event names published on the moderator channel
const (
	EventSessionProgress = "session.progress"
	EventWhatsAppPaused  = "whatsapp.paused"
	EventWhatsAppResumed = "whatsapp.resumed"
	EventCommandUpdated  = "command.updated"
)

// noopPublisher is used when no publisher is wired
type noopPublisher struct{}

func (noopPublisher) Publish(context.Context, uint, string, any) error { return nil }

// noopTrigger is used when no scheduler is wired
type noopTrigger struct{}

func (noopTrigger) Trigger(uint) {}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

// ToQuotaResponse converts a quota to its API shape
func ToQuotaResponse(q models.Quota) dto.QuotaResponse {
	return dto.QuotaResponse{
		ModeratorID:       q.ModeratorID,
		MessagesLimit:     q.MessagesLimit,
		ConsumedMessages:  q.ConsumedMessages,
		RemainingMessages: q.RemainingMessages(),
		QueuesLimit:       q.QueuesLimit,
		ConsumedQueues:    q.ConsumedQueues,
		RemainingQueues:   q.RemainingQueues(),
	}
}

// ToPatientMessageStatus converts a message to its per-patient progress row
func ToPatientMessageStatus(m models.Message) dto.PatientMessageStatus {
	return dto.PatientMessageStatus{
		PatientID:     m.PatientID,
		MessageID:     m.ID,
		Status:        m.Status.String(),
		IsPaused:      m.IsPaused,
		PauseReason:   m.PauseReason,
		Attempts:      m.Attempts,
		LastAttemptAt: formatTimePtr(m.LastAttemptAt),
	}
}

// ToOngoingSession converts a session and its members to the progress view
func ToOngoingSession(s models.MessageSession, members []*models.Message) dto.OngoingSession {
	patients := make([]dto.PatientMessageStatus, 0, len(members))
	for _, m := range members {
		patients = append(patients, ToPatientMessageStatus(*m))
	}
	return dto.OngoingSession{
		SessionID:   s.ID,
		UUID:        s.UUID.String(),
		QueueID:     s.QueueID,
		Status:      s.Status.String(),
		IsPaused:    s.IsPaused,
		PauseReason: s.PauseReason,
		Total:       s.TotalMessages,
		Sent:        s.SentMessages,
		Failed:      s.FailedMessages,
		Ongoing:     s.OngoingMessages,
		Progress:    s.Progress(),
		CreatedAt:   formatTime(s.CreatedAt),
		Patients:    patients,
	}
}

// ToCommandItem converts a command to the payload delivered to the extension
func ToCommandItem(c models.ExtensionCommand) dto.ExtensionCommandItem {
	return dto.ExtensionCommandItem{
		ID:          c.ID.String(),
		CommandType: c.CommandType.String(),
		Payload:     c.PayloadJSON,
		Priority:    c.Priority,
		ExpiresAt:   formatTime(c.ExpiresAtUtc),
	}
}

// ToWhatsAppSessionResponse converts the provider session and the active device
func ToWhatsAppSessionResponse(s models.WhatsAppSession, device *models.ExtensionDevice, now time.Time, heartbeatTimeout time.Duration) dto.WhatsAppSessionResponse {
	resp := dto.WhatsAppSessionResponse{
		ModeratorID: s.ModeratorID,
		Status:      s.Status.String(),
		IsPaused:    s.IsPaused,
		PauseReason: s.PauseReason,
		PausedAt:    formatTimePtr(s.PausedAt),
	}
	if device != nil {
		resp.DeviceLive = device.IsLive(now, heartbeatTimeout)
		resp.LastHeartbeatAt = formatTimePtr(device.LastHeartbeatAt)
	}
	return resp
}
