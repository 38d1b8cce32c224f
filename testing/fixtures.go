package testing

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/amirphl/clinic-queue/models"
	"github.com/amirphl/clinic-queue/utils"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// TestFixtures provides helper methods for creating test data
type TestFixtures struct {
	DB *TestDB
}

// NewTestFixtures creates a new test fixtures instance
func NewTestFixtures(db *TestDB) *TestFixtures {
	return &TestFixtures{DB: db}
}

// CreateQuota creates the quota row of a moderator
func (tf *TestFixtures) CreateQuota(moderatorID uint, messagesLimit, queuesLimit int64) (*models.Quota, error) {
	quota := &models.Quota{
		ModeratorID:   moderatorID,
		MessagesLimit: messagesLimit,
		QueuesLimit:   queuesLimit,
	}
	if err := tf.DB.DB.Create(quota).Error; err != nil {
		return nil, fmt.Errorf("failed to create quota: %w", err)
	}
	return quota, nil
}

// CreateQueue creates a queue whose current position is currentPosition
func (tf *TestFixtures) CreateQueue(moderatorID uint, currentPosition int) (*models.Queue, error) {
	queue := &models.Queue{
		ModeratorID:          moderatorID,
		DoctorName:           "Dr. Test",
		CurrentPosition:      currentPosition,
		EstimatedWaitMinutes: 10,
	}
	if err := tf.DB.DB.Create(queue).Error; err != nil {
		return nil, fmt.Errorf("failed to create queue: %w", err)
	}
	return queue, nil
}

// CreatePatient adds a patient with a random phone number at position
func (tf *TestFixtures) CreatePatient(queueID uint, position int) (*models.Patient, error) {
	patient := &models.Patient{
		QueueID:     queueID,
		FullName:    fmt.Sprintf("Patient %d", position),
		Position:    position,
		PhoneNumber: fmt.Sprintf("10%08d", rand.Intn(100000000)),
		CountryCode: "+20",
	}
	if err := tf.DB.DB.Create(patient).Error; err != nil {
		return nil, fmt.Errorf("failed to create patient: %w", err)
	}
	return patient, nil
}

// CreateTemplate creates a template with an optional condition linked both ways
func (tf *TestFixtures) CreateTemplate(queue *models.Queue, content string, condition *models.MessageCondition) (*models.MessageTemplate, error) {
	template := &models.MessageTemplate{
		QueueID:     queue.ID,
		ModeratorID: queue.ModeratorID,
		Title:       "Template",
		Content:     content,
	}
	if err := tf.DB.DB.Create(template).Error; err != nil {
		return nil, fmt.Errorf("failed to create template: %w", err)
	}
	if condition == nil {
		return template, nil
	}

	condition.QueueID = queue.ID
	condition.TemplateID = &template.ID
	if err := tf.DB.DB.Create(condition).Error; err != nil {
		return nil, fmt.Errorf("failed to create condition: %w", err)
	}
	template.MessageConditionID = &condition.ID
	if err := tf.DB.DB.Model(template).Update("message_condition_id", condition.ID).Error; err != nil {
		return nil, fmt.Errorf("failed to link condition: %w", err)
	}
	return template, nil
}

// CreateSessionWithMessages creates an active session holding n queued messages.
// Messages are created one second apart so their dispatch order is deterministic.
func (tf *TestFixtures) CreateSessionWithMessages(queue *models.Queue, n int) (*models.MessageSession, []*models.Message, error) {
	session := &models.MessageSession{
		UUID:            uuid.New(),
		ModeratorID:     queue.ModeratorID,
		QueueID:         queue.ID,
		CreatedBy:       queue.ModeratorID,
		Status:          models.MessageSessionStatusActive,
		TotalMessages:   n,
		OngoingMessages: n,
	}
	if err := tf.DB.DB.Create(session).Error; err != nil {
		return nil, nil, fmt.Errorf("failed to create session: %w", err)
	}

	base := utils.UTCNow().Add(-time.Hour)
	messages := make([]*models.Message, 0, n)
	for i := 0; i < n; i++ {
		patient, err := tf.CreatePatient(queue.ID, queue.CurrentPosition+i+1)
		if err != nil {
			return nil, nil, err
		}
		msg := &models.Message{
			ModeratorID:    queue.ModeratorID,
			SessionID:      &session.ID,
			QueueID:        queue.ID,
			PatientID:      patient.ID,
			RecipientPhone: patient.FullPhone(),
			Content:        fmt.Sprintf("message %d", i+1),
			Status:         models.MessageStatusQueued,
			CreatedAt:      base.Add(time.Duration(i) * time.Second),
			UpdatedAt:      base,
		}
		if err := tf.DB.DB.Create(msg).Error; err != nil {
			return nil, nil, fmt.Errorf("failed to create message: %w", err)
		}
		messages = append(messages, msg)
	}
	return session, messages, nil
}

// CreateDevice creates an active, recently heartbeating extension device and returns its secret
func (tf *TestFixtures) CreateDevice(moderatorID uint) (*models.ExtensionDevice, string, error) {
	secret := uuid.NewString()
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.MinCost)
	if err != nil {
		return nil, "", fmt.Errorf("failed to hash secret: %w", err)
	}
	now := utils.UTCNow()
	device := &models.ExtensionDevice{
		ID:              uuid.New(),
		ModeratorID:     moderatorID,
		DeviceName:      "test-browser",
		SecretHash:      string(hash),
		IsActive:        true,
		LastHeartbeatAt: &now,
		PairedAt:        now,
	}
	if err := tf.DB.DB.Create(device).Error; err != nil {
		return nil, "", fmt.Errorf("failed to create device: %w", err)
	}
	return device, secret, nil
}
