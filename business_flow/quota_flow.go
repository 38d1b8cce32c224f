package businessflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/amirphl/clinic-queue/app/dto"
	"github.com/amirphl/clinic-queue/config"
	"github.com/amirphl/clinic-queue/models"
	"github.com/amirphl/clinic-queue/repository"
	"go.uber.org/zap"
)

// QuotaFlow handles the per-moderator quota ledger
type QuotaFlow interface {
	GetQuota(ctx context.Context, moderatorID uint) (*dto.QuotaResponse, error)
	UpdateQuota(ctx context.Context, req *dto.UpdateQuotaRequest, metadata *ClientMetadata) (*dto.QuotaResponse, error)
	// EnsureModerator creates the quota and WhatsApp session rows of a moderator
	// and registers its recurring sweep
	EnsureModerator(ctx context.Context, moderatorID uint) (*models.Quota, error)
}

// QuotaFlowImpl implements QuotaFlow
type QuotaFlowImpl struct {
	tx           repository.Transactor
	quotaRepo    repository.QuotaRepository
	waRepo       repository.WhatsAppSessionRepository
	registrar    SweepRegistrar
	messagingCfg config.MessagingConfig
}

// NewQuotaFlow creates a new quota flow
func NewQuotaFlow(
	tx repository.Transactor,
	quotaRepo repository.QuotaRepository,
	waRepo repository.WhatsAppSessionRepository,
	registrar SweepRegistrar,
	messagingCfg config.MessagingConfig,
) QuotaFlow {
	return &QuotaFlowImpl{
		tx:           tx,
		quotaRepo:    quotaRepo,
		waRepo:       waRepo,
		registrar:    registrar,
		messagingCfg: messagingCfg,
	}
}

func (f *QuotaFlowImpl) GetQuota(ctx context.Context, moderatorID uint) (*dto.QuotaResponse, error) {
	quota, err := f.EnsureModerator(ctx, moderatorID)
	if err != nil {
		return nil, err
	}
	resp := ToQuotaResponse(*quota)
	return &resp, nil
}

func (f *QuotaFlowImpl) UpdateQuota(ctx context.Context, req *dto.UpdateQuotaRequest, metadata *ClientMetadata) (*dto.QuotaResponse, error) {
	mode := models.QuotaLimitMode(req.Mode)
	if !mode.Valid() {
		return nil, NewBusinessError("INVALID_QUOTA_MODE", "Quota mode must be set or add", ErrInvalidQuotaMode)
	}
	if req.Messages == nil && req.Queues == nil {
		return nil, NewBusinessError("INVALID_QUOTA_LIMIT", "At least one of messages or queues is required", ErrInvalidLimit)
	}

	if _, err := f.EnsureModerator(ctx, req.ModeratorID); err != nil {
		return nil, err
	}

	var updated *models.Quota
	err := f.tx.WithTransaction(ctx, func(txCtx context.Context) error {
		quota, err := f.quotaRepo.ByModeratorIDForUpdate(txCtx, req.ModeratorID)
		if err != nil {
			return err
		}
		if quota == nil {
			return ErrQuotaNotFound
		}

		messages, err := nextLimit(mode, quota.MessagesLimit, quota.ConsumedMessages, req.Messages)
		if err != nil {
			return NewBusinessError("INVALID_MESSAGES_LIMIT", "Messages limit cannot be applied", err)
		}
		queues, err := nextLimit(mode, quota.QueuesLimit, quota.ConsumedQueues, req.Queues)
		if err != nil {
			return NewBusinessError("INVALID_QUEUES_LIMIT", "Queues limit cannot be applied", err)
		}

		if err := f.quotaRepo.UpdateLimits(txCtx, req.ModeratorID, messages, queues); err != nil {
			return err
		}
		updated, err = f.quotaRepo.ByModeratorID(txCtx, req.ModeratorID)
		return err
	})
	if err != nil {
		if IsQuotaNotFound(err) {
			return nil, NewBusinessError("QUOTA_NOT_FOUND", "Quota not found", err)
		}
		var businessErr *BusinessError
		if errors.As(err, &businessErr) {
			return nil, err
		}
		return nil, NewBusinessError("QUOTA_UPDATE_FAILED", "Failed to update quota", err)
	}

	zap.L().Info("Quota limits updated",
		zap.Uint("moderator_id", req.ModeratorID),
		zap.String("mode", req.Mode),
		zap.Int64("messages_limit", updated.MessagesLimit),
		zap.Int64("queues_limit", updated.QueuesLimit),
		zap.String("ip", metadataIP(metadata)),
	)

	resp := ToQuotaResponse(*updated)
	return &resp, nil
}

// nextLimit validates a requested limit change and returns the value to store.
// A nil requested value leaves the limit untouched.
func nextLimit(mode models.QuotaLimitMode, current, consumed int64, requested *int64) (*int64, error) {
	if requested == nil {
		return nil, nil
	}
	value := *requested

	switch mode {
	case models.QuotaLimitModeSet:
		if value < -1 {
			return nil, ErrInvalidLimit
		}
		if value >= 0 && value < consumed {
			return nil, fmt.Errorf("%w: limit %d, consumed %d", ErrLimitBelowConsumed, value, consumed)
		}
		return &value, nil
	case models.QuotaLimitModeAdd:
		if value <= 0 {
			return nil, ErrInvalidLimit
		}
		if current < 0 {
			return nil, ErrCannotAddToUnlimited
		}
		next := current + value
		return &next, nil
	default:
		return nil, ErrInvalidQuotaMode
	}
}

func (f *QuotaFlowImpl) EnsureModerator(ctx context.Context, moderatorID uint) (*models.Quota, error) {
	quota, err := f.quotaRepo.ByModeratorID(ctx, moderatorID)
	if err != nil {
		return nil, NewBusinessError("QUOTA_LOOKUP_FAILED", "Failed to load quota", err)
	}
	if quota != nil {
		return quota, nil
	}

	quota, err = f.quotaRepo.Ensure(ctx, moderatorID, f.messagingCfg.DefaultMessagesLimit, f.messagingCfg.DefaultQueuesLimit)
	if err != nil {
		return nil, NewBusinessError("QUOTA_CREATE_FAILED", "Failed to create quota", err)
	}
	if _, err := f.waRepo.Ensure(ctx, moderatorID); err != nil {
		return nil, NewBusinessError("WHATSAPP_SESSION_CREATE_FAILED", "Failed to create WhatsApp session", err)
	}
	if f.registrar != nil {
		if err := f.registrar.RegisterModerator(moderatorID); err != nil {
			// the global sweep still covers unregistered moderators
			zap.L().Warn("Failed to register moderator sweep", zap.Uint("moderator_id", moderatorID), zap.Error(err))
		}
	}

	zap.L().Info("Moderator messaging state created", zap.Uint("moderator_id", moderatorID))
	return quota, nil
}

func metadataIP(metadata *ClientMetadata) string {
	if metadata == nil {
		return ""
	}
	return metadata.IPAddress
}
