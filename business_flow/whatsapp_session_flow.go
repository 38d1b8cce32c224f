package businessflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/amirphl/clinic-queue/app/dto"
	"github.com/amirphl/clinic-queue/config"
	"github.com/amirphl/clinic-queue/models"
	"github.com/amirphl/clinic-queue/repository"
	"github.com/amirphl/clinic-queue/utils"
	"go.uber.org/zap"
)

// WhatsAppSessionFlow controls the moderator-wide dispatch gate
type WhatsAppSessionFlow interface {
	GetWhatsAppSession(ctx context.Context, moderatorID uint) (*dto.WhatsAppSessionResponse, error)
	PauseWhatsAppSession(ctx context.Context, req *dto.PauseWhatsAppSessionRequest, metadata *ClientMetadata) (*dto.WhatsAppSessionResponse, error)
	ResumeWhatsAppSession(ctx context.Context, req *dto.ResumeWhatsAppSessionRequest, metadata *ClientMetadata) (*dto.WhatsAppSessionResponse, error)
}

// WhatsAppSessionFlowImpl implements WhatsAppSessionFlow
type WhatsAppSessionFlowImpl struct {
	tx          repository.Transactor
	waRepo      repository.WhatsAppSessionRepository
	deviceRepo  repository.ExtensionDeviceRepository
	messageRepo repository.MessageRepository
	trigger     DispatchTrigger
	publisher   EventPublisher
	cfg         config.MessagingConfig
	now         func() time.Time
}

// NewWhatsAppSessionFlow creates a new whatsapp session flow
func NewWhatsAppSessionFlow(
	tx repository.Transactor,
	waRepo repository.WhatsAppSessionRepository,
	deviceRepo repository.ExtensionDeviceRepository,
	messageRepo repository.MessageRepository,
	trigger DispatchTrigger,
	publisher EventPublisher,
	cfg config.MessagingConfig,
) WhatsAppSessionFlow {
	if trigger == nil {
		trigger = noopTrigger{}
	}
	if publisher == nil {
		publisher = noopPublisher{}
	}
	return &WhatsAppSessionFlowImpl{
		tx:          tx,
		waRepo:      waRepo,
		deviceRepo:  deviceRepo,
		messageRepo: messageRepo,
		trigger:     trigger,
		publisher:   publisher,
		cfg:         cfg,
		now:         utils.UTCNow,
	}
}

func (f *WhatsAppSessionFlowImpl) GetWhatsAppSession(ctx context.Context, moderatorID uint) (*dto.WhatsAppSessionResponse, error) {
	session, err := f.waRepo.ByModeratorID(ctx, moderatorID)
	if err != nil {
		return nil, NewBusinessError("WHATSAPP_SESSION_LOOKUP_FAILED", "Failed to load WhatsApp session", err)
	}
	if session == nil {
		return nil, NewBusinessError("WHATSAPP_SESSION_NOT_FOUND", "WhatsApp session not found", ErrWhatsAppSessionNotFound)
	}
	device, err := f.deviceRepo.ActiveByModerator(ctx, moderatorID)
	if err != nil {
		return nil, NewBusinessError("WHATSAPP_SESSION_LOOKUP_FAILED", "Failed to load extension device", err)
	}
	resp := ToWhatsAppSessionResponse(*session, device, f.now(), f.cfg.HeartbeatTimeout)
	return &resp, nil
}

func (f *WhatsAppSessionFlowImpl) PauseWhatsAppSession(ctx context.Context, req *dto.PauseWhatsAppSessionRequest, metadata *ClientMetadata) (*dto.WhatsAppSessionResponse, error) {
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = models.PauseReasonUser
	}

	now := f.now()
	err := f.tx.WithTransaction(ctx, func(txCtx context.Context) error {
		session, err := f.lockOrCreate(txCtx, req.ModeratorID)
		if err != nil {
			return err
		}
		if session.IsPaused {
			return nil
		}
		return f.waRepo.Update(txCtx, req.ModeratorID, map[string]any{
			"is_paused":    true,
			"pause_reason": reason,
			"paused_at":    now,
			"paused_by":    req.UserID,
			"updated_at":   now,
		})
	})
	if err != nil {
		return nil, NewBusinessError("WHATSAPP_PAUSE_FAILED", "Failed to pause WhatsApp session", err)
	}

	resp, err := f.GetWhatsAppSession(ctx, req.ModeratorID)
	if err != nil {
		return nil, err
	}
	zap.L().Info("Moderator channel paused by user",
		zap.Uint("moderator_id", req.ModeratorID),
		zap.Uint("user_id", req.UserID),
		zap.String("ip", metadataIP(metadata)),
	)
	f.publish(ctx, req.ModeratorID, EventWhatsAppPaused, resp)
	return resp, nil
}

// ResumeWhatsAppSession lifts the gate and releases the messages parked by a
// systemic pause. Messages paused for other reasons stay paused.
func (f *WhatsAppSessionFlowImpl) ResumeWhatsAppSession(ctx context.Context, req *dto.ResumeWhatsAppSessionRequest, metadata *ClientMetadata) (*dto.WhatsAppSessionResponse, error) {
	now := f.now()
	device, err := f.deviceRepo.ActiveByModerator(ctx, req.ModeratorID)
	if err != nil {
		return nil, NewBusinessError("WHATSAPP_RESUME_FAILED", "Failed to load extension device", err)
	}
	live := device != nil && device.IsLive(now, f.cfg.HeartbeatTimeout)

	var released int64
	err = f.tx.WithTransaction(ctx, func(txCtx context.Context) error {
		if _, err := f.lockOrCreate(txCtx, req.ModeratorID); err != nil {
			return err
		}
		updates := map[string]any{
			"is_paused":    false,
			"pause_reason": nil,
			"paused_at":    nil,
			"paused_by":    nil,
			"updated_at":   now,
		}
		if live {
			updates["status"] = models.WhatsAppSessionStatusConnected
		}
		if err := f.waRepo.Update(txCtx, req.ModeratorID, updates); err != nil {
			return err
		}

		var err error
		released, err = f.messageRepo.UnpauseByReasons(txCtx, req.ModeratorID,
			[]string{models.PauseReasonPendingQR, models.PauseReasonPendingNET})
		if err != nil {
			return fmt.Errorf("failed to release paused messages: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, NewBusinessError("WHATSAPP_RESUME_FAILED", "Failed to resume WhatsApp session", err)
	}

	resp, err := f.GetWhatsAppSession(ctx, req.ModeratorID)
	if err != nil {
		return nil, err
	}
	zap.L().Info("Moderator channel resumed",
		zap.Uint("moderator_id", req.ModeratorID),
		zap.Uint("user_id", req.UserID),
		zap.Int64("released_messages", released),
		zap.Bool("device_live", live),
		zap.String("ip", metadataIP(metadata)),
	)
	f.publish(ctx, req.ModeratorID, EventWhatsAppResumed, resp)
	f.trigger.Trigger(req.ModeratorID)
	return resp, nil
}

func (f *WhatsAppSessionFlowImpl) lockOrCreate(ctx context.Context, moderatorID uint) (*models.WhatsAppSession, error) {
	session, err := f.waRepo.ByModeratorIDForUpdate(ctx, moderatorID)
	if err != nil {
		return nil, err
	}
	if session != nil {
		return session, nil
	}
	if _, err := f.waRepo.Ensure(ctx, moderatorID); err != nil {
		return nil, err
	}
	return f.waRepo.ByModeratorIDForUpdate(ctx, moderatorID)
}

func (f *WhatsAppSessionFlowImpl) publish(ctx context.Context, moderatorID uint, event string, resp *dto.WhatsAppSessionResponse) {
	events := &eventBatch{}
	events.add(moderatorID, event, WhatsAppPauseEvent{
		Status:      resp.Status,
		IsPaused:    resp.IsPaused,
		PauseReason: resp.PauseReason,
	})
	events.flush(ctx, f.publisher)
}
