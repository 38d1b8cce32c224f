package businessflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/amirphl/clinic-queue/app/dto"
	"github.com/amirphl/clinic-queue/config"
	"github.com/amirphl/clinic-queue/models"
	"github.com/amirphl/clinic-queue/repository"
	"github.com/amirphl/clinic-queue/utils"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CommandFlow is the lease protocol between the backend and the browser extension
type CommandFlow interface {
	// IssueSendMessage creates the SendMessage lease for a queued message and marks it sending
	IssueSendMessage(ctx context.Context, msg *models.Message) (*models.ExtensionCommand, error)
	IssueControlCommand(ctx context.Context, req *dto.IssueControlCommandRequest) (*dto.IssueControlCommandResponse, error)
	PollCommands(ctx context.Context, req *dto.PollCommandsRequest) (*dto.PollCommandsResponse, error)
	AckCommand(ctx context.Context, req *dto.AckCommandRequest) (*dto.CommandStatusResponse, error)
	CompleteCommand(ctx context.Context, req *dto.CompleteCommandRequest) (*dto.CommandStatusResponse, error)

	// ExpireStale expires leases past their deadline and requeues their messages
	ExpireStale(ctx context.Context) (int, error)
	// CleanupOrphans force-expires leases that lost their message or outlived the grace period
	CleanupOrphans(ctx context.Context) (int, error)
	// PurgeOld deletes finished commands older than the retention period
	PurgeOld(ctx context.Context) (int64, error)
}

// CommandFlowImpl implements CommandFlow
type CommandFlowImpl struct {
	tx          repository.Transactor
	commandRepo repository.ExtensionCommandRepository
	deviceRepo  repository.ExtensionDeviceRepository
	messageRepo repository.MessageRepository
	outcomes    *outcomeRecorder
	publisher   EventPublisher
	cfg         config.MessagingConfig
	now         func() time.Time
}

// NewCommandFlow creates a new command flow
func NewCommandFlow(
	tx repository.Transactor,
	commandRepo repository.ExtensionCommandRepository,
	deviceRepo repository.ExtensionDeviceRepository,
	messageRepo repository.MessageRepository,
	sessionRepo repository.MessageSessionRepository,
	failedTaskRepo repository.FailedTaskRepository,
	quotaRepo repository.QuotaRepository,
	waRepo repository.WhatsAppSessionRepository,
	publisher EventPublisher,
	cfg config.MessagingConfig,
) CommandFlow {
	if publisher == nil {
		publisher = noopPublisher{}
	}
	return &CommandFlowImpl{
		tx:          tx,
		commandRepo: commandRepo,
		deviceRepo:  deviceRepo,
		messageRepo: messageRepo,
		outcomes: &outcomeRecorder{
			messageRepo:    messageRepo,
			sessionRepo:    sessionRepo,
			failedTaskRepo: failedTaskRepo,
			quotaRepo:      quotaRepo,
			waRepo:         waRepo,
		},
		publisher: publisher,
		cfg:       cfg,
		now:       utils.UTCNow,
	}
}

// liveDevice returns the active device of a moderator, or ErrProviderUnavailable
// when there is none or it stopped heartbeating
func (f *CommandFlowImpl) liveDevice(ctx context.Context, moderatorID uint) (*models.ExtensionDevice, error) {
	device, err := f.deviceRepo.ActiveByModerator(ctx, moderatorID)
	if err != nil {
		return nil, fmt.Errorf("failed to load extension device of moderator %d: %w", moderatorID, err)
	}
	if device == nil || !device.IsLive(f.now(), f.cfg.HeartbeatTimeout) {
		return nil, ErrProviderUnavailable
	}
	return device, nil
}

func (f *CommandFlowImpl) commandTTL(requested time.Duration) time.Duration {
	if requested <= 0 {
		requested = f.cfg.CommandTTL
	}
	if requested <= 0 {
		requested = utils.DefaultCommandTTL
	}
	return utils.ClampDuration(requested, utils.MinCommandTTL, utils.MaxCommandTTL)
}

func (f *CommandFlowImpl) IssueSendMessage(ctx context.Context, msg *models.Message) (*models.ExtensionCommand, error) {
	if _, err := f.liveDevice(ctx, msg.ModeratorID); err != nil {
		return nil, err
	}
	if msg.InFlightCommandID != nil {
		return nil, ErrMessageInFlight
	}

	payload, err := json.Marshal(models.SendMessagePayload{
		MessageID: msg.ID,
		Phone:     msg.RecipientPhone,
		Content:   msg.Content,
		SessionID: msg.SessionID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode send payload: %w", err)
	}

	maxAttempts := f.cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = utils.DefaultMaxAttempts
	}
	now := f.now()
	messageID := msg.ID
	cmd := &models.ExtensionCommand{
		ID:           uuid.New(),
		ModeratorID:  msg.ModeratorID,
		CommandType:  models.CommandTypeSendMessage,
		Status:       models.CommandStatusPending,
		PayloadJSON:  payload,
		Priority:     utils.ClampInt(f.cfg.CommandPriority, utils.MinCommandPriority, utils.MaxCommandPriority),
		RetryCount:   utils.ClampInt(msg.Attempts, 0, maxAttempts),
		MessageID:    &messageID,
		ExpiresAtUtc: now.Add(f.commandTTL(0)),
	}

	err = f.tx.WithTransaction(ctx, func(txCtx context.Context) error {
		if err := f.commandRepo.Save(txCtx, cmd); err != nil {
			return fmt.Errorf("failed to create send command: %w", err)
		}
		ok, err := f.messageRepo.MarkSending(txCtx, msg.ID, cmd.ID, now)
		if err != nil {
			return fmt.Errorf("failed to mark message %d sending: %w", msg.ID, err)
		}
		if !ok {
			return ErrMessageInFlight
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	extensionCommandsTotal.WithLabelValues(cmd.CommandType.String(), cmd.Status.String()).Inc()
	return cmd, nil
}

func (f *CommandFlowImpl) IssueControlCommand(ctx context.Context, req *dto.IssueControlCommandRequest) (*dto.IssueControlCommandResponse, error) {
	cmdType := models.CommandType(req.CommandType)
	if !cmdType.Valid() || cmdType == models.CommandTypeSendMessage {
		return nil, NewBusinessError("INVALID_COMMAND_TYPE", "Command type is not allowed", ErrInvalidCommandType)
	}

	priority := f.cfg.ControlCommandPriority
	if req.Priority != nil {
		priority = *req.Priority
	}
	if priority < utils.MinCommandPriority || priority > utils.MaxCommandPriority {
		return nil, NewBusinessError("INVALID_PRIORITY", "Priority must be between 0 and 1000", ErrInvalidPriority)
	}

	var ttl time.Duration
	if req.TTLSeconds != nil {
		ttl = time.Duration(*req.TTLSeconds) * time.Second
		if ttl < utils.MinCommandTTL || ttl > utils.MaxCommandTTL {
			return nil, NewBusinessError("INVALID_TTL", "TTL must be between 10 seconds and 30 minutes", ErrInvalidTTL)
		}
	}

	payload := req.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	if !json.Valid(payload) {
		return nil, NewBusinessError("INVALID_PAYLOAD", "Payload must be valid JSON", nil)
	}

	if _, err := f.liveDevice(ctx, req.ModeratorID); err != nil {
		if IsProviderUnavailable(err) {
			return nil, NewBusinessError("PROVIDER_UNAVAILABLE", "No paired extension is online", err)
		}
		return nil, NewBusinessError("COMMAND_ISSUE_FAILED", "Failed to issue command", err)
	}

	cmd := &models.ExtensionCommand{
		ID:           uuid.New(),
		ModeratorID:  req.ModeratorID,
		CommandType:  cmdType,
		Status:       models.CommandStatusPending,
		PayloadJSON:  payload,
		Priority:     priority,
		ExpiresAtUtc: f.now().Add(f.commandTTL(ttl)),
	}
	if err := f.commandRepo.Save(ctx, cmd); err != nil {
		return nil, NewBusinessError("COMMAND_ISSUE_FAILED", "Failed to issue command", err)
	}
	extensionCommandsTotal.WithLabelValues(cmd.CommandType.String(), cmd.Status.String()).Inc()

	return &dto.IssueControlCommandResponse{
		CommandID: cmd.ID.String(),
		Status:    cmd.Status.String(),
		ExpiresAt: formatTime(cmd.ExpiresAtUtc),
	}, nil
}

func (f *CommandFlowImpl) PollCommands(ctx context.Context, req *dto.PollCommandsRequest) (*dto.PollCommandsResponse, error) {
	deviceID, err := uuid.Parse(req.DeviceID)
	if err != nil {
		return nil, NewBusinessError("DEVICE_NOT_FOUND", "Extension device not found", ErrDeviceNotFound)
	}
	device, err := f.deviceRepo.ByID(ctx, deviceID)
	if err != nil {
		return nil, NewBusinessError("COMMAND_POLL_FAILED", "Failed to poll commands", err)
	}
	if device == nil || device.ModeratorID != req.ModeratorID {
		return nil, NewBusinessError("DEVICE_NOT_FOUND", "Extension device not found", ErrDeviceNotFound)
	}
	if !device.IsActive {
		return nil, NewBusinessError("DEVICE_INACTIVE", "Extension device is revoked", ErrDeviceInactive)
	}

	limit := req.Limit
	if limit <= 0 {
		limit = f.cfg.PollLimit
	}
	limit = utils.ClampInt(limit, 1, 50)

	now := f.now()
	var claimed []*models.ExtensionCommand
	err = f.tx.WithTransaction(ctx, func(txCtx context.Context) error {
		var err error
		claimed, err = f.commandRepo.ClaimPending(txCtx, req.ModeratorID, deviceID, limit, now)
		return err
	})
	if err != nil {
		return nil, NewBusinessError("COMMAND_POLL_FAILED", "Failed to poll commands", err)
	}

	items := make([]dto.ExtensionCommandItem, 0, len(claimed))
	for _, cmd := range claimed {
		items = append(items, ToCommandItem(*cmd))
		extensionCommandsTotal.WithLabelValues(cmd.CommandType.String(), models.CommandStatusSent.String()).Inc()
	}
	return &dto.PollCommandsResponse{Commands: items}, nil
}

// loadOwnedCommand locks a command and checks it belongs to the moderator
func (f *CommandFlowImpl) loadOwnedCommand(ctx context.Context, moderatorID uint, rawID string) (*models.ExtensionCommand, error) {
	id, err := uuid.Parse(rawID)
	if err != nil {
		return nil, ErrCommandNotFound
	}
	cmd, err := f.commandRepo.ByIDForUpdate(ctx, id)
	if err != nil {
		return nil, err
	}
	if cmd == nil {
		return nil, ErrCommandNotFound
	}
	if cmd.ModeratorID != moderatorID {
		return nil, ErrCommandAccessDenied
	}
	return cmd, nil
}

func (f *CommandFlowImpl) AckCommand(ctx context.Context, req *dto.AckCommandRequest) (*dto.CommandStatusResponse, error) {
	var cmd *models.ExtensionCommand
	err := f.tx.WithTransaction(ctx, func(txCtx context.Context) error {
		var err error
		cmd, err = f.loadOwnedCommand(txCtx, req.ModeratorID, req.CommandID)
		if err != nil {
			return err
		}

		switch cmd.Status {
		case models.CommandStatusAcked:
			return nil
		case models.CommandStatusExpired:
			return ErrCommandExpired
		case models.CommandStatusPending, models.CommandStatusSent:
		default:
			return ErrInvalidCommandTransition
		}
		now := f.now()
		if cmd.IsExpiredAt(now) {
			return ErrCommandExpired
		}

		ok, err := f.commandRepo.Transition(txCtx, cmd.ID,
			[]models.CommandStatus{models.CommandStatusPending, models.CommandStatusSent},
			models.CommandStatusAcked,
			map[string]any{"acked_at": now, "updated_at": now})
		if err != nil {
			return err
		}
		if !ok {
			return ErrInvalidCommandTransition
		}
		cmd.Status = models.CommandStatusAcked
		cmd.AckedAt = &now
		return nil
	})
	if err != nil {
		return nil, commandError(err, "COMMAND_ACK_FAILED", "Failed to acknowledge command")
	}

	extensionCommandsTotal.WithLabelValues(cmd.CommandType.String(), cmd.Status.String()).Inc()
	return toCommandStatus(cmd), nil
}

func (f *CommandFlowImpl) CompleteCommand(ctx context.Context, req *dto.CompleteCommandRequest) (*dto.CommandStatusResponse, error) {
	result := models.ResultStatus(req.ResultStatus)
	if !result.Valid() {
		return nil, NewBusinessError("INVALID_RESULT_STATUS", "Result status is not valid", ErrInvalidResultStatus)
	}
	if len(req.Result) > 0 && !json.Valid(req.Result) {
		return nil, NewBusinessError("INVALID_RESULT", "Result must be valid JSON", nil)
	}

	events := &eventBatch{}
	var cmd *models.ExtensionCommand
	err := f.tx.WithTransaction(ctx, func(txCtx context.Context) error {
		var err error
		cmd, err = f.loadOwnedCommand(txCtx, req.ModeratorID, req.CommandID)
		if err != nil {
			return err
		}

		switch cmd.Status {
		case models.CommandStatusCompleted, models.CommandStatusFailed:
			if cmd.ResultStatus != nil && *cmd.ResultStatus == string(result) {
				return nil
			}
			return ErrInvalidCommandTransition
		case models.CommandStatusExpired:
			return ErrCommandExpired
		case models.CommandStatusSent, models.CommandStatusAcked:
		default:
			return ErrInvalidCommandTransition
		}

		return f.applyResult(txCtx, cmd, result, req.Result, req.Error, events)
	})
	if err != nil {
		if IsCommandExpired(err) {
			zap.L().Warn("Late completion for expired command",
				zap.String("command_id", req.CommandID),
				zap.String("result_status", req.ResultStatus),
			)
		}
		return nil, commandError(err, "COMMAND_COMPLETE_FAILED", "Failed to complete command")
	}

	events.flush(ctx, f.publisher)
	extensionCommandsTotal.WithLabelValues(cmd.CommandType.String(), cmd.Status.String()).Inc()
	return toCommandStatus(cmd), nil
}

// applyResult moves the command to its final state and applies the result to the
// linked message. waiting keeps the lease open until it completes or expires.
func (f *CommandFlowImpl) applyResult(ctx context.Context, cmd *models.ExtensionCommand, result models.ResultStatus, resultJSON json.RawMessage, errMsg *string, events *eventBatch) error {
	now := f.now()
	resultStr := string(result)
	updates := map[string]any{
		"result_status": resultStr,
		"updated_at":    now,
	}
	if len(resultJSON) > 0 {
		updates["result_json"] = resultJSON
	}

	to := models.CommandStatusCompleted
	from := []models.CommandStatus{models.CommandStatusSent, models.CommandStatusAcked}
	switch result {
	case models.ResultStatusFailed:
		to = models.CommandStatusFailed
		updates["completed_at"] = now
	case models.ResultStatusWaiting:
		to = models.CommandStatusAcked
		if cmd.AckedAt == nil {
			updates["acked_at"] = now
		}
	default:
		updates["completed_at"] = now
	}

	ok, err := f.commandRepo.Transition(ctx, cmd.ID, from, to, updates)
	if err != nil {
		return err
	}
	if !ok {
		return ErrInvalidCommandTransition
	}
	cmd.Status = to
	cmd.ResultStatus = &resultStr

	if kind, systemic := PauseKindFromResult(result); systemic {
		if err := f.outcomes.escalatePause(ctx, cmd.ModeratorID, kind, now, events); err != nil {
			return err
		}
	}

	if cmd.CommandType != models.CommandTypeSendMessage || cmd.MessageID == nil {
		return nil
	}

	msg, err := f.messageRepo.ByID(ctx, *cmd.MessageID)
	if err != nil {
		return err
	}
	if msg == nil || msg.InFlightCommandID == nil || *msg.InFlightCommandID != cmd.ID {
		zap.L().Info("Command result for a message it no longer holds",
			zap.String("command_id", cmd.ID.String()),
			zap.Uint("message_id", *cmd.MessageID),
		)
		return nil
	}

	switch result {
	case models.ResultStatusSuccess:
		_, err = f.outcomes.markSent(ctx, msg, &cmd.ID, now, events)
	case models.ResultStatusFailed:
		_, err = f.outcomes.markFailed(ctx, msg, &cmd.ID, models.FailureReasonProviderFailure, errMsg, 0, now, events)
	case models.ResultStatusPendingQR, models.ResultStatusPendingNET:
		kind, _ := PauseKindFromResult(result)
		_, err = f.outcomes.requeue(ctx, msg, cmd.ID, utils.ToPtr(kind.Reason()), now, events)
		messagesDispatchedTotal.WithLabelValues(dispatchResultPaused).Inc()
	case models.ResultStatusWaiting:
		messagesDispatchedTotal.WithLabelValues(dispatchResultWaiting).Inc()
	}
	return err
}

func (f *CommandFlowImpl) ExpireStale(ctx context.Context) (int, error) {
	now := f.now()
	expired, err := f.commandRepo.ListExpired(ctx, now, f.cfg.ExpiryBatchSize)
	if err != nil {
		return 0, err
	}
	return f.expireAll(ctx, expired, "lease_expired")
}

func (f *CommandFlowImpl) CleanupOrphans(ctx context.Context) (int, error) {
	grace := f.cfg.OrphanGracePeriod
	if grace <= 0 {
		grace = 10 * time.Minute
	}
	orphans, err := f.commandRepo.ListOrphaned(ctx, f.now().Add(-grace), f.cfg.ExpiryBatchSize)
	if err != nil {
		return 0, err
	}
	return f.expireAll(ctx, orphans, "orphaned")
}

func (f *CommandFlowImpl) PurgeOld(ctx context.Context) (int64, error) {
	retention := f.cfg.CommandRetention
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	purged, err := f.commandRepo.PurgeTerminalBefore(ctx, f.now().Add(-retention))
	if err != nil {
		return 0, err
	}
	if purged > 0 {
		zap.L().Info("Purged finished extension commands", zap.Int64("count", purged))
	}
	return purged, nil
}

// expireAll expires each command in its own transaction so one bad row does not
// hold back the rest
func (f *CommandFlowImpl) expireAll(ctx context.Context, commands []*models.ExtensionCommand, cause string) (int, error) {
	count := 0
	var firstErr error
	for _, cmd := range commands {
		if err := ctx.Err(); err != nil {
			return count, err
		}
		ok, err := f.expireOne(ctx, cmd.ID)
		if err != nil {
			zap.L().Error("Failed to expire extension command",
				zap.String("command_id", cmd.ID.String()),
				zap.String("cause", cause),
				zap.Error(err),
			)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if ok {
			count++
			extensionCommandsTotal.WithLabelValues(cmd.CommandType.String(), models.CommandStatusExpired.String()).Inc()
		}
	}
	if count > 0 {
		zap.L().Info("Expired extension commands", zap.Int("count", count), zap.String("cause", cause))
	}
	return count, firstErr
}

// expireOne marks the command expired and puts its message back to queued when
// the message still points at it. Attempts are left untouched.
func (f *CommandFlowImpl) expireOne(ctx context.Context, id uuid.UUID) (bool, error) {
	now := f.now()
	events := &eventBatch{}
	expired := false
	err := f.tx.WithTransaction(ctx, func(txCtx context.Context) error {
		ok, err := f.commandRepo.Transition(txCtx, id, models.NonTerminalCommandStatuses, models.CommandStatusExpired,
			map[string]any{"updated_at": now})
		if err != nil || !ok {
			return err
		}
		expired = true

		cmd, err := f.commandRepo.ByID(txCtx, id)
		if err != nil {
			return err
		}
		if cmd == nil || cmd.MessageID == nil {
			return nil
		}
		msg, err := f.messageRepo.ByID(txCtx, *cmd.MessageID)
		if err != nil || msg == nil {
			return err
		}
		_, err = f.outcomes.requeue(txCtx, msg, id, nil, now, events)
		return err
	})
	if err != nil {
		return false, err
	}
	events.flush(ctx, f.publisher)
	return expired, nil
}

func toCommandStatus(cmd *models.ExtensionCommand) *dto.CommandStatusResponse {
	return &dto.CommandStatusResponse{
		CommandID:    cmd.ID.String(),
		Status:       cmd.Status.String(),
		ResultStatus: cmd.ResultStatus,
	}
}

func commandError(err error, code, message string) error {
	var businessErr *BusinessError
	switch {
	case errors.As(err, &businessErr):
		return err
	case IsCommandNotFound(err):
		return NewBusinessError("COMMAND_NOT_FOUND", "Command not found", err)
	case IsCommandAccessDenied(err):
		return NewBusinessError("COMMAND_ACCESS_DENIED", "Command belongs to another moderator", err)
	case IsCommandExpired(err):
		return NewBusinessError("COMMAND_EXPIRED", "Command lease expired", err)
	case IsInvalidCommandTransition(err):
		return NewBusinessError("INVALID_COMMAND_TRANSITION", "Command cannot move to the requested status", err)
	default:
		return NewBusinessError(code, message, err)
	}
}
