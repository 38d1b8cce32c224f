package businessflow

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/amirphl/clinic-queue/app/dto"
	"github.com/amirphl/clinic-queue/config"
	"github.com/amirphl/clinic-queue/models"
	"github.com/amirphl/clinic-queue/repository"
	"github.com/amirphl/clinic-queue/utils"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
)

const (
	defaultFailedPageSize = 20
	maxFailedTaskIDs      = 500
	maxFailedExportRows   = 10000

	skipNotFound    = "not_found"
	skipNotFailed   = "not_failed"
	skipMaxAttempts = "max_attempts_reached"

	skipSessionCancelled = "session_cancelled"
)

// FailedTaskFlow lists, retries, deletes and exports failed messages
type FailedTaskFlow interface {
	GetFailedTasks(ctx context.Context, req *dto.ListFailedTasksRequest) (*dto.ListFailedTasksResponse, error)
	RetryTasks(ctx context.Context, req *dto.RetryTasksRequest, metadata *ClientMetadata) (*dto.RetryTasksResponse, error)
	DeleteFailedTasks(ctx context.Context, req *dto.DeleteFailedTasksRequest, metadata *ClientMetadata) (*dto.DeleteFailedTasksResponse, error)
	ExportFailedTasks(ctx context.Context, moderatorID uint) (*dto.ExportFailedTasksResponse, error)

	// RetryFailedMessagesAsync requeues up to maxBatch failed messages that still
	// have attempts left, oldest attempt first. It returns how many were requeued.
	RetryFailedMessagesAsync(ctx context.Context, maxBatch int) (int, error)
}

// FailedTaskFlowImpl implements FailedTaskFlow
type FailedTaskFlowImpl struct {
	tx             repository.Transactor
	messageRepo    repository.MessageRepository
	failedTaskRepo repository.FailedTaskRepository
	outcomes       *outcomeRecorder
	translator     Translator
	trigger        DispatchTrigger
	publisher      EventPublisher
	cfg            config.MessagingConfig
	now            func() time.Time
}

// NewFailedTaskFlow creates a new failed task flow
func NewFailedTaskFlow(
	tx repository.Transactor,
	messageRepo repository.MessageRepository,
	sessionRepo repository.MessageSessionRepository,
	failedTaskRepo repository.FailedTaskRepository,
	quotaRepo repository.QuotaRepository,
	waRepo repository.WhatsAppSessionRepository,
	translator Translator,
	trigger DispatchTrigger,
	publisher EventPublisher,
	cfg config.MessagingConfig,
) FailedTaskFlow {
	if trigger == nil {
		trigger = noopTrigger{}
	}
	if publisher == nil {
		publisher = noopPublisher{}
	}
	return &FailedTaskFlowImpl{
		tx:             tx,
		messageRepo:    messageRepo,
		failedTaskRepo: failedTaskRepo,
		outcomes: &outcomeRecorder{
			messageRepo:    messageRepo,
			sessionRepo:    sessionRepo,
			failedTaskRepo: failedTaskRepo,
			quotaRepo:      quotaRepo,
			waRepo:         waRepo,
		},
		translator: translator,
		trigger:    trigger,
		publisher:  publisher,
		cfg:        cfg,
		now:        utils.UTCNow,
	}
}

func (f *FailedTaskFlowImpl) maxAttempts() int {
	if f.cfg.MaxAttempts > 0 {
		return f.cfg.MaxAttempts
	}
	return utils.DefaultMaxAttempts
}

func (f *FailedTaskFlowImpl) GetFailedTasks(ctx context.Context, req *dto.ListFailedTasksRequest) (*dto.ListFailedTasksResponse, error) {
	page := req.Page
	if page <= 0 {
		page = 1
	}
	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = defaultFailedPageSize
	}

	items, err := f.loadFailedItems(ctx, req.ModeratorID, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, err
	}
	return &dto.ListFailedTasksResponse{
		Items:    items,
		Page:     page,
		PageSize: pageSize,
	}, nil
}

func (f *FailedTaskFlowImpl) loadFailedItems(ctx context.Context, moderatorID uint, limit, offset int) ([]dto.FailedTaskItem, error) {
	messages, err := f.messageRepo.ListFailed(ctx, moderatorID, limit, offset)
	if err != nil {
		return nil, NewBusinessError("FAILED_TASKS_LIST_FAILED", "Failed to list failed messages", err)
	}
	ids := make([]uint, 0, len(messages))
	for _, m := range messages {
		ids = append(ids, m.ID)
	}
	latest, err := f.failedTaskRepo.LatestByMessageIDs(ctx, ids)
	if err != nil {
		return nil, NewBusinessError("FAILED_TASKS_LIST_FAILED", "Failed to load failure records", err)
	}

	maxAttempts := f.maxAttempts()
	items := make([]dto.FailedTaskItem, 0, len(messages))
	for _, m := range messages {
		item := dto.FailedTaskItem{
			MessageID:      m.ID,
			SessionID:      m.SessionID,
			PatientID:      m.PatientID,
			RecipientPhone: m.RecipientPhone,
			Reason:         utils.Deref(m.FailureReason),
			Error:          m.ErrorMessage,
			Attempts:       m.Attempts,
			LastAttemptAt:  formatTimePtr(m.LastAttemptAt),
			Retryable:      m.CanRetry(maxAttempts),
		}
		if task, ok := latest[m.ID]; ok && task != nil {
			item.Reason = task.Reason
			item.RetryCount = task.RetryCount
			if task.ErrorMessage != nil {
				item.Error = task.ErrorMessage
			}
		}
		if item.Error != nil && f.translator != nil {
			item.TranslatedError = f.translator.Translate(*item.Error)
		}
		items = append(items, item)
	}
	return items, nil
}

func (f *FailedTaskFlowImpl) RetryTasks(ctx context.Context, req *dto.RetryTasksRequest, metadata *ClientMetadata) (*dto.RetryTasksResponse, error) {
	ids, err := validateMessageIDs(req.MessageIDs)
	if err != nil {
		return nil, err
	}

	messages, err := f.ownedMessages(ctx, req.ModeratorID, ids)
	if err != nil {
		return nil, err
	}

	cancelled, err := f.cancelledSessions(ctx, messages)
	if err != nil {
		return nil, err
	}

	maxAttempts := f.maxAttempts()
	requeue := make([]*models.Message, 0, len(ids))
	requeued := make([]uint, 0, len(ids))
	skipped := make([]dto.SkippedTask, 0)
	for _, id := range ids {
		m, ok := messages[id]
		switch {
		case !ok:
			skipped = append(skipped, dto.SkippedTask{MessageID: id, Reason: skipNotFound})
		case m.Status != models.MessageStatusFailed:
			skipped = append(skipped, dto.SkippedTask{MessageID: id, Reason: skipNotFailed})
		case m.SessionID != nil && cancelled[*m.SessionID]:
			skipped = append(skipped, dto.SkippedTask{MessageID: id, Reason: skipSessionCancelled})
		case m.Attempts >= maxAttempts && !req.ResetAttempts:
			skipped = append(skipped, dto.SkippedTask{MessageID: id, Reason: skipMaxAttempts})
		default:
			requeue = append(requeue, m)
			requeued = append(requeued, id)
		}
	}

	if _, err := f.requeueFailed(ctx, requeue, req.ResetAttempts); err != nil {
		return nil, businessErrorOr(err, "RETRY_FAILED", "Failed to retry messages")
	}
	if len(requeued) > 0 {
		f.trigger.Trigger(req.ModeratorID)
	}

	zap.L().Info("Failed messages retried",
		zap.Uint("moderator_id", req.ModeratorID),
		zap.Int("requeued", len(requeued)),
		zap.Int("skipped", len(skipped)),
		zap.Bool("reset_attempts", req.ResetAttempts),
		zap.String("ip", metadataIP(metadata)),
	)

	return &dto.RetryTasksResponse{
		Message:  fmt.Sprintf("%d messages requeued", len(requeued)),
		Requeued: requeued,
		Skipped:  skipped,
	}, nil
}

// cancelledSessions reports which sessions of messages were cancelled
func (f *FailedTaskFlowImpl) cancelledSessions(ctx context.Context, messages map[uint]*models.Message) (map[uint]bool, error) {
	out := make(map[uint]bool)
	for _, m := range messages {
		if m.SessionID == nil {
			continue
		}
		if _, seen := out[*m.SessionID]; seen {
			continue
		}
		session, err := f.outcomes.sessionRepo.ByID(ctx, *m.SessionID)
		if err != nil {
			return nil, NewBusinessError("MESSAGE_LOOKUP_FAILED", "Failed to load message sessions", err)
		}
		out[*m.SessionID] = session != nil && session.Status == models.MessageSessionStatusCancelled
	}
	return out, nil
}

// requeueFailed puts failed messages back to queued, refreshes their sessions
// and returns how many rows actually moved
func (f *FailedTaskFlowImpl) requeueFailed(ctx context.Context, messages []*models.Message, resetAttempts bool) (int64, error) {
	if len(messages) == 0 {
		return 0, nil
	}
	ids := make([]uint, 0, len(messages))
	sessions := make([]uint, 0)
	seen := make(map[uint]struct{})
	for _, m := range messages {
		ids = append(ids, m.ID)
		if m.SessionID != nil {
			if _, ok := seen[*m.SessionID]; !ok {
				seen[*m.SessionID] = struct{}{}
				sessions = append(sessions, *m.SessionID)
			}
		}
	}

	now := f.now()
	events := &eventBatch{}
	var affected int64
	err := f.tx.WithTransaction(ctx, func(txCtx context.Context) error {
		var err error
		if affected, err = f.messageRepo.RequeueFailed(txCtx, ids, resetAttempts); err != nil {
			return fmt.Errorf("failed to requeue messages: %w", err)
		}
		if err := f.failedTaskRepo.MarkRetried(txCtx, ids, now); err != nil {
			return fmt.Errorf("failed to mark failure records retried: %w", err)
		}
		for _, sessionID := range sessions {
			id := sessionID
			if err := f.outcomes.refreshSession(txCtx, &id, now, events); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	events.flush(ctx, f.publisher)
	return affected, nil
}

func (f *FailedTaskFlowImpl) DeleteFailedTasks(ctx context.Context, req *dto.DeleteFailedTasksRequest, metadata *ClientMetadata) (*dto.DeleteFailedTasksResponse, error) {
	ids, err := validateMessageIDs(req.MessageIDs)
	if err != nil {
		return nil, err
	}

	now := f.now()
	var deleted []uint
	err = f.tx.WithTransaction(ctx, func(txCtx context.Context) error {
		var err error
		deleted, err = f.messageRepo.SoftDeleteFailed(txCtx, req.ModeratorID, ids, now)
		if err != nil {
			return fmt.Errorf("failed to delete failed messages: %w", err)
		}
		if len(deleted) == 0 {
			return nil
		}
		if _, err := f.failedTaskRepo.DeleteByMessageIDs(txCtx, deleted); err != nil {
			return fmt.Errorf("failed to delete failure records: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, NewBusinessError("DELETE_FAILED_TASKS_FAILED", "Failed to delete failed messages", err)
	}
	if deleted == nil {
		deleted = []uint{}
	}

	zap.L().Info("Failed messages deleted",
		zap.Uint("moderator_id", req.ModeratorID),
		zap.Int("deleted", len(deleted)),
		zap.String("ip", metadataIP(metadata)),
	)

	return &dto.DeleteFailedTasksResponse{
		Message: fmt.Sprintf("%d messages deleted", len(deleted)),
		Deleted: deleted,
	}, nil
}

func (f *FailedTaskFlowImpl) ExportFailedTasks(ctx context.Context, moderatorID uint) (*dto.ExportFailedTasksResponse, error) {
	items, err := f.loadFailedItems(ctx, moderatorID, maxFailedExportRows, 0)
	if err != nil {
		return nil, err
	}

	xl := excelize.NewFile()
	defer func() { _ = xl.Close() }()

	sheet := "failed_messages"
	xl.SetSheetName(xl.GetSheetName(0), sheet)
	header := []string{"message_id", "session_id", "patient_id", "recipient_phone", "reason", "error", "translated_error", "attempts", "retry_count", "last_attempt_at", "retryable"}
	_ = xl.SetSheetRow(sheet, "A1", &header)

	for i, item := range items {
		sessionID := ""
		if item.SessionID != nil {
			sessionID = strconv.FormatUint(uint64(*item.SessionID), 10)
		}
		record := []string{
			strconv.FormatUint(uint64(item.MessageID), 10),
			sessionID,
			strconv.FormatUint(uint64(item.PatientID), 10),
			item.RecipientPhone,
			item.Reason,
			utils.Deref(item.Error),
			item.TranslatedError,
			strconv.Itoa(item.Attempts),
			strconv.Itoa(item.RetryCount),
			utils.Deref(item.LastAttemptAt),
			strconv.FormatBool(item.Retryable),
		}
		cellRef, _ := excelize.CoordinatesToCellName(1, i+2)
		_ = xl.SetSheetRow(sheet, cellRef, &record)
	}

	buf, err := xl.WriteToBuffer()
	if err != nil {
		return nil, NewBusinessError("EXCEL_WRITE_ERROR", "Failed to write Excel file", err)
	}
	return &dto.ExportFailedTasksResponse{
		FileName: fmt.Sprintf("failed_messages_%d_%s.xlsx", moderatorID, f.now().Format("20060102")),
		Content:  buf.Bytes(),
	}, nil
}

func (f *FailedTaskFlowImpl) RetryFailedMessagesAsync(ctx context.Context, maxBatch int) (int, error) {
	if maxBatch <= 0 {
		maxBatch = f.cfg.RetryBatchSize
	}
	candidates, err := f.messageRepo.ListRetryableFailed(ctx, f.maxAttempts(), maxBatch)
	if err != nil {
		return 0, err
	}
	if len(candidates) == 0 {
		return 0, nil
	}

	requeued, err := f.requeueFailed(ctx, candidates, false)
	if err != nil {
		return 0, err
	}
	if requeued == 0 {
		return 0, nil
	}

	moderators := make(map[uint]struct{})
	for _, m := range candidates {
		moderators[m.ModeratorID] = struct{}{}
	}
	for id := range moderators {
		f.trigger.Trigger(id)
	}

	zap.L().Info("Automatic retry requeued failed messages",
		zap.Int64("count", requeued),
		zap.Int("moderators", len(moderators)),
	)
	return int(requeued), nil
}

// ownedMessages loads the non-deleted messages of a moderator among ids
func (f *FailedTaskFlowImpl) ownedMessages(ctx context.Context, moderatorID uint, ids []uint) (map[uint]*models.Message, error) {
	isDeleted := false
	rows, err := f.messageRepo.ByFilter(ctx, models.MessageFilter{
		IDs:         ids,
		ModeratorID: &moderatorID,
		IsDeleted:   &isDeleted,
	}, "id ASC", 0, 0)
	if err != nil {
		return nil, NewBusinessError("MESSAGE_LOOKUP_FAILED", "Failed to load messages", err)
	}
	out := make(map[uint]*models.Message, len(rows))
	for _, m := range rows {
		out[m.ID] = m
	}
	return out, nil
}

func validateMessageIDs(ids []uint) ([]uint, error) {
	ids = utils.UniqueUints(ids)
	if len(ids) == 0 {
		return nil, NewBusinessError("INVALID_MESSAGE_IDS", "At least one message id is required", ErrNoMessageIDs)
	}
	if len(ids) > maxFailedTaskIDs {
		return nil, NewBusinessErrorf("INVALID_MESSAGE_IDS", "At most %d message ids are allowed", ErrTooManyMessageIDs, maxFailedTaskIDs)
	}
	return ids, nil
}
