package dto

// EnqueueSendRequest asks to message the patients of a queue.
// Without an explicit template each patient is matched against the queue's conditions.
type EnqueueSendRequest struct {
	ModeratorID       uint              `json:"-"`
	UserID            uint              `json:"-"`
	QueueID           uint              `json:"queue_id" validate:"required,min=1"`
	TemplateSelection TemplateSelection `json:"template_selection"`
	PatientFilter     PatientFilter     `json:"patient_filter"`
}

// TemplateSelection picks how content is chosen
type TemplateSelection struct {
	// TemplateID forces one template for every selected patient
	TemplateID *uint `json:"template_id,omitempty" validate:"omitempty,min=1"`
}

// PatientFilter restricts the recipients; empty PatientIDs means the whole queue
type PatientFilter struct {
	PatientIDs         []uint `json:"patient_ids,omitempty" validate:"omitempty,max=5000,dive,min=1"`
	ExcludedPatientIDs []uint `json:"excluded_patient_ids,omitempty" validate:"omitempty,max=5000,dive,min=1"`
}

// RecipientResolution explains what happened to one patient of the send request
type RecipientResolution struct {
	PatientID  uint   `json:"patient_id"`
	Offset     int    `json:"offset"`
	Reason     string `json:"reason"`
	TemplateID *uint  `json:"template_id,omitempty"`
	MessageID  *uint  `json:"message_id,omitempty"`
}

// EnqueueSendResponse returns the created session
type EnqueueSendResponse struct {
	Message        string                `json:"message"`
	SessionID      uint                  `json:"session_id"`
	SessionUUID    string                `json:"session_uuid"`
	QueuedMessages int                   `json:"queued_messages"`
	Recipients     []RecipientResolution `json:"recipients"`
}

// SessionActionRequest targets one message session of a moderator
type SessionActionRequest struct {
	ModeratorID uint `json:"-"`
	UserID      uint `json:"-"`
	SessionID   uint `json:"-" validate:"required,min=1"`
}

// SessionActionResponse is returned by pause, resume and cancel
type SessionActionResponse struct {
	Message   string `json:"message"`
	SessionID uint   `json:"session_id"`
	Status    string `json:"status"`
	IsPaused  bool   `json:"is_paused"`
	Cancelled int64  `json:"cancelled_messages,omitempty"`
}

// PatientMessageStatus is the per-patient state inside an ongoing session
type PatientMessageStatus struct {
	PatientID     uint    `json:"patient_id"`
	MessageID     uint    `json:"message_id"`
	Status        string  `json:"status"`
	IsPaused      bool    `json:"is_paused"`
	PauseReason   *string `json:"pause_reason,omitempty"`
	Attempts      int     `json:"attempts"`
	LastAttemptAt *string `json:"last_attempt_at,omitempty"`
}

// OngoingSession summarises a session that is still active or paused
type OngoingSession struct {
	SessionID   uint                   `json:"session_id"`
	UUID        string                 `json:"uuid"`
	QueueID     uint                   `json:"queue_id"`
	Status      string                 `json:"status"`
	IsPaused    bool                   `json:"is_paused"`
	PauseReason *string                `json:"pause_reason,omitempty"`
	Total       int                    `json:"total"`
	Sent        int                    `json:"sent"`
	Failed      int                    `json:"failed"`
	Ongoing     int                    `json:"ongoing"`
	Progress    float64                `json:"progress"`
	CreatedAt   string                 `json:"created_at"`
	Patients    []PatientMessageStatus `json:"patients"`
}

// OngoingSessionsResponse lists ongoing sessions of a moderator
type OngoingSessionsResponse struct {
	Sessions []OngoingSession `json:"sessions"`
}

// ListFailedTasksRequest pages the failed messages of a moderator
type ListFailedTasksRequest struct {
	ModeratorID uint `json:"-"`
	Page        int  `json:"page,omitempty" validate:"omitempty,min=1"`
	PageSize    int  `json:"page_size,omitempty" validate:"omitempty,min=1,max=100"`
}

// FailedTaskItem is one failed message
type FailedTaskItem struct {
	MessageID       uint    `json:"message_id"`
	SessionID       *uint   `json:"session_id,omitempty"`
	PatientID       uint    `json:"patient_id"`
	RecipientPhone  string  `json:"recipient_phone"`
	Reason          string  `json:"reason"`
	Error           *string `json:"error,omitempty"`
	TranslatedError string  `json:"translated_error,omitempty"`
	Attempts        int     `json:"attempts"`
	RetryCount      int     `json:"retry_count"`
	LastAttemptAt   *string `json:"last_attempt_at,omitempty"`
	Retryable       bool    `json:"retryable"`
}

// ListFailedTasksResponse returns a page of failed messages
type ListFailedTasksResponse struct {
	Items    []FailedTaskItem `json:"items"`
	Page     int              `json:"page"`
	PageSize int              `json:"page_size"`
}

// RetryTasksRequest requeues failed messages.
// Messages at the attempt limit are only requeued with ResetAttempts.
type RetryTasksRequest struct {
	ModeratorID   uint   `json:"-"`
	MessageIDs    []uint `json:"message_ids" validate:"required,min=1,max=500,dive,min=1"`
	ResetAttempts bool   `json:"reset_attempts"`
}

// SkippedTask names a message that was not retried and why
type SkippedTask struct {
	MessageID uint   `json:"message_id"`
	Reason    string `json:"reason"`
}

// RetryTasksResponse reports the retry outcome
type RetryTasksResponse struct {
	Message  string        `json:"message"`
	Requeued []uint        `json:"requeued"`
	Skipped  []SkippedTask `json:"skipped,omitempty"`
}

// DeleteFailedTasksRequest removes failed messages
type DeleteFailedTasksRequest struct {
	ModeratorID uint   `json:"-"`
	MessageIDs  []uint `json:"message_ids" validate:"required,min=1,max=500,dive,min=1"`
}

// DeleteFailedTasksResponse reports the deleted messages
type DeleteFailedTasksResponse struct {
	Message string `json:"message"`
	Deleted []uint `json:"deleted"`
}

// ExportFailedTasksResponse carries an xlsx workbook
type ExportFailedTasksResponse struct {
	FileName string
	Content  []byte
}
