package dto

// QuotaResponse is the ledger of a moderator; -1 limits are unlimited
type QuotaResponse struct {
	ModeratorID       uint  `json:"moderator_id"`
	MessagesLimit     int64 `json:"messages_limit"`
	ConsumedMessages  int64 `json:"consumed_messages"`
	RemainingMessages int64 `json:"remaining_messages"`
	QueuesLimit       int64 `json:"queues_limit"`
	ConsumedQueues    int64 `json:"consumed_queues"`
	RemainingQueues   int64 `json:"remaining_queues"`
}

// UpdateQuotaRequest changes the limits of a moderator.
// Mode "set" replaces a limit (-1 for unlimited), "add" increases a finite one.
type UpdateQuotaRequest struct {
	ModeratorID uint   `json:"-"`
	Messages    *int64 `json:"messages,omitempty" validate:"omitempty,min=-1"`
	Queues      *int64 `json:"queues,omitempty" validate:"omitempty,min=-1"`
	Mode        string `json:"mode" validate:"required,oneof=set add"`
}
