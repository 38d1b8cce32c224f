package businessflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/amirphl/clinic-queue/app/dto"
	"github.com/amirphl/clinic-queue/models"
	"github.com/amirphl/clinic-queue/repository"
	"github.com/amirphl/clinic-queue/utils"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/zap"
)

// SendFlow turns a "send to queue" request into a message session
type SendFlow interface {
	EnqueueSend(ctx context.Context, req *dto.EnqueueSendRequest, metadata *ClientMetadata) (*dto.EnqueueSendResponse, error)
}

// SendFlowImpl implements SendFlow
type SendFlowImpl struct {
	tx            repository.Transactor
	queueRepo     repository.QueueRepository
	patientRepo   repository.PatientRepository
	templateRepo  repository.MessageTemplateRepository
	conditionRepo repository.MessageConditionRepository
	sessionRepo   repository.MessageSessionRepository
	messageRepo   repository.MessageRepository
	quotaFlow     QuotaFlow
	trigger       DispatchTrigger
	publisher     EventPublisher
}

// NewSendFlow creates a new send flow
func NewSendFlow(
	tx repository.Transactor,
	queueRepo repository.QueueRepository,
	patientRepo repository.PatientRepository,
	templateRepo repository.MessageTemplateRepository,
	conditionRepo repository.MessageConditionRepository,
	sessionRepo repository.MessageSessionRepository,
	messageRepo repository.MessageRepository,
	quotaFlow QuotaFlow,
	trigger DispatchTrigger,
	publisher EventPublisher,
) SendFlow {
	if trigger == nil {
		trigger = noopTrigger{}
	}
	if publisher == nil {
		publisher = noopPublisher{}
	}
	return &SendFlowImpl{
		tx:            tx,
		queueRepo:     queueRepo,
		patientRepo:   patientRepo,
		templateRepo:  templateRepo,
		conditionRepo: conditionRepo,
		sessionRepo:   sessionRepo,
		messageRepo:   messageRepo,
		quotaFlow:     quotaFlow,
		trigger:       trigger,
		publisher:     publisher,
	}
}

func (f *SendFlowImpl) EnqueueSend(ctx context.Context, req *dto.EnqueueSendRequest, metadata *ClientMetadata) (*dto.EnqueueSendResponse, error) {
	queue, err := f.getOwnedQueue(ctx, req.ModeratorID, req.QueueID)
	if err != nil {
		return nil, err
	}

	quota, err := f.quotaFlow.EnsureModerator(ctx, req.ModeratorID)
	if err != nil {
		return nil, err
	}

	patients, err := f.patientRepo.ListActiveByQueue(ctx, queue.ID, utils.UniqueUints(req.PatientFilter.PatientIDs))
	if err != nil {
		return nil, NewBusinessError("PATIENT_LOOKUP_FAILED", "Failed to load patients", err)
	}

	resolve, err := f.resolver(ctx, queue, req.TemplateSelection)
	if err != nil {
		return nil, err
	}

	excluded := make(map[uint]struct{}, len(req.PatientFilter.ExcludedPatientIDs))
	for _, id := range req.PatientFilter.ExcludedPatientIDs {
		excluded[id] = struct{}{}
	}

	recipients := make([]dto.RecipientResolution, 0, len(patients))
	messages := make([]*models.Message, 0, len(patients))
	patientIDs := make(pq.Int64Array, 0, len(patients))
	for _, p := range patients {
		if _, skip := excluded[p.ID]; skip {
			recipients = append(recipients, dto.RecipientResolution{
				PatientID: p.ID,
				Offset:    p.Offset(*queue),
				Reason:    string(ResolutionExcluded),
			})
			continue
		}

		res := resolve(*p)
		recipient := dto.RecipientResolution{
			PatientID: p.ID,
			Offset:    res.Offset,
			Reason:    string(res.Reason),
		}
		if res.Template != nil {
			templateID := res.Template.ID
			recipient.TemplateID = &templateID
			messages = append(messages, &models.Message{
				ModeratorID:    req.ModeratorID,
				QueueID:        queue.ID,
				PatientID:      p.ID,
				TemplateID:     &templateID,
				RecipientPhone: p.FullPhone(),
				Content:        RenderTemplate(res.Template.Content, *queue, *p),
				Status:         models.MessageStatusQueued,
			})
			patientIDs = append(patientIDs, int64(p.ID))
		}
		recipients = append(recipients, recipient)
	}

	if len(messages) == 0 {
		return nil, NewBusinessError("NO_RECIPIENTS", "No patient matched a message template", ErrNoRecipients)
	}

	// Consumption happens per message at dispatch; this only refuses work that cannot fit
	if remaining := quota.RemainingMessages(); remaining >= 0 && int64(len(messages)) > remaining {
		return nil, NewBusinessErrorf("QUOTA_EXCEEDED", "Message quota allows %d more messages, %d requested", ErrQuotaExceeded, remaining, len(messages))
	}

	session := &models.MessageSession{
		UUID:            uuid.New(),
		ModeratorID:     req.ModeratorID,
		QueueID:         queue.ID,
		CreatedBy:       req.UserID,
		Status:          models.MessageSessionStatusActive,
		PatientIDs:      patientIDs,
		TotalMessages:   len(messages),
		OngoingMessages: len(messages),
	}

	err = f.tx.WithTransaction(ctx, func(txCtx context.Context) error {
		if err := f.sessionRepo.Save(txCtx, session); err != nil {
			return fmt.Errorf("failed to create message session: %w", err)
		}
		for _, m := range messages {
			m.SessionID = &session.ID
		}
		if err := f.messageRepo.SaveBatch(txCtx, messages); err != nil {
			return fmt.Errorf("failed to create messages: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, NewBusinessError("ENQUEUE_FAILED", "Failed to enqueue messages", err)
	}

	byPatient := make(map[uint]uint, len(messages))
	for _, m := range messages {
		byPatient[m.PatientID] = m.ID
	}
	for i := range recipients {
		if id, ok := byPatient[recipients[i].PatientID]; ok {
			recipients[i].MessageID = utils.ToPtr(id)
		}
	}

	zap.L().Info("Messages enqueued",
		zap.Uint("moderator_id", req.ModeratorID),
		zap.Uint("queue_id", queue.ID),
		zap.Uint("session_id", session.ID),
		zap.Int("messages", len(messages)),
		zap.String("ip", metadataIP(metadata)),
	)

	events := &eventBatch{}
	events.add(req.ModeratorID, EventSessionProgress, SessionProgressEvent{
		SessionID: session.ID,
		Status:    session.Status.String(),
		Total:     session.TotalMessages,
		Ongoing:   session.OngoingMessages,
	})
	events.flush(ctx, f.publisher)
	f.trigger.Trigger(req.ModeratorID)

	return &dto.EnqueueSendResponse{
		Message:        "Messages queued successfully",
		SessionID:      session.ID,
		SessionUUID:    session.UUID.String(),
		QueuedMessages: len(messages),
		Recipients:     recipients,
	}, nil
}

func (f *SendFlowImpl) getOwnedQueue(ctx context.Context, moderatorID, queueID uint) (*models.Queue, error) {
	queue, err := f.queueRepo.ByID(ctx, queueID)
	if err != nil {
		return nil, NewBusinessError("QUEUE_LOOKUP_FAILED", "Failed to load queue", err)
	}
	if queue == nil || queue.IsDeleted {
		return nil, NewBusinessError("QUEUE_NOT_FOUND", "Queue not found", ErrQueueNotFound)
	}
	if queue.ModeratorID != moderatorID {
		return nil, NewBusinessError("QUEUE_ACCESS_DENIED", "Queue belongs to another moderator", ErrQueueAccessDenied)
	}
	return queue, nil
}

// resolver returns the per-patient template picker for the selection
func (f *SendFlowImpl) resolver(ctx context.Context, queue *models.Queue, selection dto.TemplateSelection) (func(models.Patient) Resolution, error) {
	if selection.TemplateID != nil {
		template, err := f.templateRepo.ByID(ctx, *selection.TemplateID)
		if err != nil {
			return nil, NewBusinessError("TEMPLATE_LOOKUP_FAILED", "Failed to load template", err)
		}
		if template == nil || template.IsDeleted || template.QueueID != queue.ID || template.ModeratorID != queue.ModeratorID {
			return nil, NewBusinessError("TEMPLATE_NOT_FOUND", "Template not found", ErrTemplateNotFound)
		}
		return func(p models.Patient) Resolution {
			return Resolution{Template: template, Reason: ResolutionManual, Offset: p.Offset(*queue)}
		}, nil
	}

	conditions, err := f.conditionRepo.ListByQueue(ctx, queue.ID)
	if err != nil {
		return nil, NewBusinessError("CONDITION_LOOKUP_FAILED", "Failed to load conditions", err)
	}
	templates, err := f.templateRepo.ListActiveByQueue(ctx, queue.ID)
	if err != nil {
		return nil, NewBusinessError("TEMPLATE_LOOKUP_FAILED", "Failed to load templates", err)
	}
	set := NewConditionSet(conditions, templates)
	return func(p models.Patient) Resolution {
		return set.Resolve(*queue, p)
	}, nil
}

// businessErrorOr keeps a BusinessError as is and wraps anything else
func businessErrorOr(err error, code, message string) error {
	var businessErr *BusinessError
	if errors.As(err, &businessErr) {
		return err
	}
	return NewBusinessError(code, message, err)
}
