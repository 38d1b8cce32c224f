package businessflow

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/amirphl/clinic-queue/models"
	"github.com/amirphl/clinic-queue/repository"
	"github.com/google/uuid"
)

// memStore is an in-memory stand-in for the database. Transactions are
// serialized and roll back to a snapshot on error, so flows that rely on
// rollback behave as they do against Postgres.
type memStore struct {
	txMu sync.Mutex
	mu   sync.Mutex

	nextID      uint
	queues      map[uint]models.Queue
	patients    map[uint]models.Patient
	templates   map[uint]models.MessageTemplate
	conditions  map[uint]models.MessageCondition
	sessions    map[uint]models.MessageSession
	messages    map[uint]models.Message
	failedTasks []models.FailedTask
	quotas      map[uint]models.Quota
	wa          map[uint]models.WhatsAppSession
	devices     map[uuid.UUID]models.ExtensionDevice
	commands    map[uuid.UUID]models.ExtensionCommand
}

type memSnapshot struct {
	nextID      uint
	queues      map[uint]models.Queue
	patients    map[uint]models.Patient
	templates   map[uint]models.MessageTemplate
	conditions  map[uint]models.MessageCondition
	sessions    map[uint]models.MessageSession
	messages    map[uint]models.Message
	failedTasks []models.FailedTask
	quotas      map[uint]models.Quota
	wa          map[uint]models.WhatsAppSession
	devices     map[uuid.UUID]models.ExtensionDevice
	commands    map[uuid.UUID]models.ExtensionCommand
}

func newMemStore() *memStore {
	return &memStore{
		queues:     map[uint]models.Queue{},
		patients:   map[uint]models.Patient{},
		templates:  map[uint]models.MessageTemplate{},
		conditions: map[uint]models.MessageCondition{},
		sessions:   map[uint]models.MessageSession{},
		messages:   map[uint]models.Message{},
		quotas:     map[uint]models.Quota{},
		wa:         map[uint]models.WhatsAppSession{},
		devices:    map[uuid.UUID]models.ExtensionDevice{},
		commands:   map[uuid.UUID]models.ExtensionCommand{},
	}
}

func copyMap[K comparable, V any](in map[K]V) map[K]V {
	out := make(map[K]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (s *memStore) snapshot() memSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return memSnapshot{
		nextID:      s.nextID,
		queues:      copyMap(s.queues),
		patients:    copyMap(s.patients),
		templates:   copyMap(s.templates),
		conditions:  copyMap(s.conditions),
		sessions:    copyMap(s.sessions),
		messages:    copyMap(s.messages),
		failedTasks: append([]models.FailedTask(nil), s.failedTasks...),
		quotas:      copyMap(s.quotas),
		wa:          copyMap(s.wa),
		devices:     copyMap(s.devices),
		commands:    copyMap(s.commands),
	}
}

func (s *memStore) restore(snap memSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID = snap.nextID
	s.queues = snap.queues
	s.patients = snap.patients
	s.templates = snap.templates
	s.conditions = snap.conditions
	s.sessions = snap.sessions
	s.messages = snap.messages
	s.failedTasks = snap.failedTasks
	s.quotas = snap.quotas
	s.wa = snap.wa
	s.devices = snap.devices
	s.commands = snap.commands
}

type memTxKey struct{}

func (s *memStore) WithTransaction(ctx context.Context, fn func(context.Context) error) error {
	if ctx.Value(memTxKey{}) != nil {
		return fn(ctx)
	}
	s.txMu.Lock()
	defer s.txMu.Unlock()

	snap := s.snapshot()
	if err := fn(context.WithValue(ctx, memTxKey{}, true)); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

func (s *memStore) id() uint {
	s.nextID++
	return s.nextID
}

// seed helpers

func (s *memStore) addQuota(moderatorID uint, messagesLimit int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quotas[moderatorID] = models.Quota{ID: s.id(), ModeratorID: moderatorID, MessagesLimit: messagesLimit, QueuesLimit: -1}
}

func (s *memStore) addWhatsApp(moderatorID uint, status models.WhatsAppSessionStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wa[moderatorID] = models.WhatsAppSession{ID: s.id(), ModeratorID: moderatorID, Status: status}
}

func (s *memStore) addLiveDevice(moderatorID uint, now time.Time) models.ExtensionDevice {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := models.ExtensionDevice{
		ID:              uuid.New(),
		ModeratorID:     moderatorID,
		DeviceName:      "chrome",
		IsActive:        true,
		LastHeartbeatAt: &now,
		PairedAt:        now,
	}
	s.devices[d.ID] = d
	return d
}

func (s *memStore) addQueue(moderatorID uint, current, waitMinutes int) models.Queue {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := models.Queue{ID: s.id(), ModeratorID: moderatorID, DoctorName: "Dr. Salem", CurrentPosition: current, EstimatedWaitMinutes: waitMinutes}
	s.queues[q.ID] = q
	return q
}

func (s *memStore) addPatient(queueID uint, name string, position int) models.Patient {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := models.Patient{ID: s.id(), QueueID: queueID, FullName: name, Position: position, PhoneNumber: "1001234567", CountryCode: "+20"}
	s.patients[p.ID] = p
	return p
}

func (s *memStore) addTemplate(queue models.Queue, content string) models.MessageTemplate {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := models.MessageTemplate{ID: s.id(), QueueID: queue.ID, ModeratorID: queue.ModeratorID, Title: "t", Content: content}
	s.templates[t.ID] = t
	return t
}

func (s *memStore) addCondition(queueID uint, templateID uint, c models.MessageCondition) models.MessageCondition {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.ID = s.id()
	c.QueueID = queueID
	c.TemplateID = &templateID
	s.conditions[c.ID] = c
	return c
}

// addSession creates an active session with n queued messages, oldest first
func (s *memStore) addSession(moderatorID uint, n int, base time.Time) (models.MessageSession, []models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session := models.MessageSession{
		ID:              s.id(),
		UUID:            uuid.New(),
		ModeratorID:     moderatorID,
		Status:          models.MessageSessionStatusActive,
		TotalMessages:   n,
		OngoingMessages: n,
		CreatedAt:       base,
	}
	s.sessions[session.ID] = session

	out := make([]models.Message, 0, n)
	for i := 0; i < n; i++ {
		sessionID := session.ID
		m := models.Message{
			ID:             s.id(),
			ModeratorID:    moderatorID,
			SessionID:      &sessionID,
			RecipientPhone: "+201001234567",
			Content:        "hello",
			Status:         models.MessageStatusQueued,
			CreatedAt:      base.Add(time.Duration(i) * time.Second),
		}
		s.messages[m.ID] = m
		out = append(out, m)
	}
	return session, out
}

func (s *memStore) message(id uint) models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messages[id]
}

func (s *memStore) session(id uint) models.MessageSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[id]
}

func (s *memStore) quota(moderatorID uint) models.Quota {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quotas[moderatorID]
}

func (s *memStore) whatsapp(moderatorID uint) models.WhatsAppSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wa[moderatorID]
}

func (s *memStore) command(id uuid.UUID) models.ExtensionCommand {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commands[id]
}

func (s *memStore) commandCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.commands)
}

func (s *memStore) failures(messageID uint) []models.FailedTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.FailedTask
	for _, t := range s.failedTasks {
		if t.MessageID == messageID {
			out = append(out, t)
		}
	}
	return out
}

func (s *memStore) updateMessage(id uint, fn func(*models.Message)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.messages[id]
	fn(&m)
	s.messages[id] = m
}

// inCancelledSession expects s.mu to be held
func (s *memStore) inCancelledSession(m models.Message) bool {
	if m.SessionID == nil {
		return false
	}
	session, ok := s.sessions[*m.SessionID]
	return ok && session.Status == models.MessageSessionStatusCancelled
}

// releasedStatus expects s.mu to be held
func (s *memStore) releasedStatus(m models.Message) models.MessageStatus {
	if s.inCancelledSession(m) {
		return models.MessageStatusCancelled
	}
	return models.MessageStatusQueued
}

// update value coercion shared by the map-based Update methods

func timePtr(v any) *time.Time {
	switch t := v.(type) {
	case time.Time:
		return &t
	case *time.Time:
		return t
	default:
		return nil
	}
}

func stringPtr(v any) *string {
	switch s := v.(type) {
	case string:
		return &s
	case *string:
		return s
	default:
		return nil
	}
}

func uintPtr(v any) *uint {
	switch u := v.(type) {
	case uint:
		return &u
	case *uint:
		return u
	default:
		return nil
	}
}

// repositories

type memQueueRepo struct {
	repository.QueueRepository
	s *memStore
}

func (r *memQueueRepo) ByID(_ context.Context, id uint) (*models.Queue, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	q, ok := r.s.queues[id]
	if !ok {
		return nil, nil
	}
	return &q, nil
}

type memPatientRepo struct {
	repository.PatientRepository
	s *memStore
}

func (r *memPatientRepo) ListActiveByQueue(_ context.Context, queueID uint, ids []uint) ([]*models.Patient, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	wanted := map[uint]bool{}
	for _, id := range ids {
		wanted[id] = true
	}
	var out []*models.Patient
	for _, p := range r.s.patients {
		if p.QueueID != queueID || p.IsDeleted {
			continue
		}
		if len(ids) > 0 && !wanted[p.ID] {
			continue
		}
		p := p
		out = append(out, &p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

type memTemplateRepo struct {
	repository.MessageTemplateRepository
	s *memStore
}

func (r *memTemplateRepo) ByID(_ context.Context, id uint) (*models.MessageTemplate, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t, ok := r.s.templates[id]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

func (r *memTemplateRepo) ListActiveByQueue(_ context.Context, queueID uint) ([]*models.MessageTemplate, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*models.MessageTemplate
	for _, t := range r.s.templates {
		if t.QueueID == queueID && !t.IsDeleted {
			t := t
			out = append(out, &t)
		}
	}
	return out, nil
}

type memConditionRepo struct {
	repository.MessageConditionRepository
	s *memStore
}

func (r *memConditionRepo) ListByQueue(_ context.Context, queueID uint) ([]*models.MessageCondition, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*models.MessageCondition
	for _, c := range r.s.conditions {
		if c.QueueID == queueID {
			c := c
			out = append(out, &c)
		}
	}
	return out, nil
}

type memSessionRepo struct {
	repository.MessageSessionRepository
	s *memStore
}

func (r *memSessionRepo) ByID(_ context.Context, id uint) (*models.MessageSession, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	session, ok := r.s.sessions[id]
	if !ok {
		return nil, nil
	}
	return &session, nil
}

func (r *memSessionRepo) ByIDForUpdate(ctx context.Context, id uint) (*models.MessageSession, error) {
	return r.ByID(ctx, id)
}

func (r *memSessionRepo) Save(_ context.Context, session *models.MessageSession) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if session.ID == 0 {
		session.ID = r.s.id()
	}
	r.s.sessions[session.ID] = *session
	return nil
}

func (r *memSessionRepo) ListOngoing(_ context.Context, moderatorID uint) ([]*models.MessageSession, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*models.MessageSession
	for _, session := range r.s.sessions {
		if session.ModeratorID == moderatorID && !session.Status.IsTerminal() {
			session := session
			out = append(out, &session)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memSessionRepo) Update(_ context.Context, id uint, updates map[string]any) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	session, ok := r.s.sessions[id]
	if !ok {
		return errors.New("session not found")
	}
	for k, v := range updates {
		switch k {
		case "is_paused":
			session.IsPaused = v.(bool)
		case "status":
			session.Status = v.(models.MessageSessionStatus)
		case "paused_at":
			session.PausedAt = timePtr(v)
		case "paused_by":
			session.PausedBy = uintPtr(v)
		case "pause_reason":
			session.PauseReason = stringPtr(v)
		case "completed_at":
			session.CompletedAt = timePtr(v)
		}
	}
	r.s.sessions[id] = session
	return nil
}

func (r *memSessionRepo) ApplyCounts(_ context.Context, id uint, counts models.MessageSessionCounts, status models.MessageSessionStatus, completedAt *time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	session := r.s.sessions[id]
	session.TotalMessages = counts.Total
	session.SentMessages = counts.Sent
	session.FailedMessages = counts.Failed
	session.OngoingMessages = counts.Ongoing
	session.Status = status
	session.CompletedAt = completedAt
	r.s.sessions[id] = session
	return nil
}

type memMessageRepo struct {
	repository.MessageRepository
	s *memStore
}

func (r *memMessageRepo) ByID(_ context.Context, id uint) (*models.Message, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	m, ok := r.s.messages[id]
	if !ok {
		return nil, nil
	}
	return &m, nil
}

func (r *memMessageRepo) LockForDispatch(ctx context.Context, id uint) (*models.Message, error) {
	return r.ByID(ctx, id)
}

func (r *memMessageRepo) ByFilter(_ context.Context, filter models.MessageFilter, _ string, _, _ int) ([]*models.Message, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	ids := map[uint]bool{}
	for _, id := range filter.IDs {
		ids[id] = true
	}
	var out []*models.Message
	for _, m := range r.s.messages {
		if len(filter.IDs) > 0 && !ids[m.ID] {
			continue
		}
		if filter.ModeratorID != nil && m.ModeratorID != *filter.ModeratorID {
			continue
		}
		if filter.IsDeleted != nil && m.IsDeleted != *filter.IsDeleted {
			continue
		}
		m := m
		out = append(out, &m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memMessageRepo) SaveBatch(_ context.Context, messages []*models.Message) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, m := range messages {
		if m.ID == 0 {
			m.ID = r.s.id()
		}
		r.s.messages[m.ID] = *m
	}
	return nil
}

func (r *memMessageRepo) ListDispatchable(_ context.Context, moderatorID uint, limit int) ([]*models.Message, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*models.Message
	for _, m := range r.s.messages {
		if m.ModeratorID != moderatorID || !isDispatchable(&m) {
			continue
		}
		if m.SessionID != nil {
			session := r.s.sessions[*m.SessionID]
			if session.IsPaused || session.Status != models.MessageSessionStatusActive {
				continue
			}
		}
		m := m
		out = append(out, &m)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memMessageRepo) ListBySession(_ context.Context, sessionID uint) ([]*models.Message, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*models.Message
	for _, m := range r.s.messages {
		if m.SessionID != nil && *m.SessionID == sessionID && !m.IsDeleted {
			m := m
			out = append(out, &m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memMessageRepo) CountsBySession(_ context.Context, sessionID uint) (models.MessageSessionCounts, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var counts models.MessageSessionCounts
	for _, m := range r.s.messages {
		if m.SessionID == nil || *m.SessionID != sessionID || m.IsDeleted {
			continue
		}
		counts.Total++
		switch m.Status {
		case models.MessageStatusSent:
			counts.Sent++
		case models.MessageStatusFailed:
			counts.Failed++
		case models.MessageStatusCancelled:
			counts.Cancelled++
		default:
			counts.Ongoing++
		}
	}
	return counts, nil
}

func (r *memMessageRepo) ListFailed(_ context.Context, moderatorID uint, limit, offset int) ([]*models.Message, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*models.Message
	for _, m := range r.s.messages {
		if m.ModeratorID == moderatorID && m.Status == models.MessageStatusFailed && !m.IsDeleted {
			m := m
			out = append(out, &m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memMessageRepo) ListRetryableFailed(_ context.Context, maxAttempts, limit int) ([]*models.Message, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*models.Message
	for _, m := range r.s.messages {
		if !m.IsDeleted && m.CanRetry(maxAttempts) && !r.s.inCancelledSession(m) {
			m := m
			out = append(out, &m)
		}
	}
	// last_attempt_at ASC NULLS FIRST, id ASC
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].LastAttemptAt, out[j].LastAttemptAt
		switch {
		case a == nil && b == nil:
			return out[i].ID < out[j].ID
		case a == nil || b == nil:
			return a == nil
		case !a.Equal(*b):
			return a.Before(*b)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// holds reports whether commandID matches the in-flight clause of the real repository
func holds(m models.Message, commandID *uuid.UUID) bool {
	if commandID != nil {
		return m.Status == models.MessageStatusSending && m.InFlightCommandID != nil && *m.InFlightCommandID == *commandID
	}
	return (m.Status == models.MessageStatusQueued || m.Status == models.MessageStatusSending) && m.InFlightCommandID == nil
}

func (r *memMessageRepo) MarkSending(_ context.Context, id uint, commandID uuid.UUID, at time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	m, ok := r.s.messages[id]
	if !ok || m.Status != models.MessageStatusQueued || m.IsPaused || m.InFlightCommandID != nil {
		return false, nil
	}
	m.Status = models.MessageStatusSending
	m.InFlightCommandID = &commandID
	m.LastAttemptAt = &at
	r.s.messages[id] = m
	return true, nil
}

func (r *memMessageRepo) MarkSent(_ context.Context, id uint, commandID *uuid.UUID, at time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	m, ok := r.s.messages[id]
	if !ok || !holds(m, commandID) {
		return false, nil
	}
	m.Status = models.MessageStatusSent
	m.Attempts++
	m.InFlightCommandID = nil
	m.IsPaused = false
	m.PauseReason = nil
	m.FailureReason = nil
	m.ErrorMessage = nil
	m.SentAt = &at
	m.LastAttemptAt = &at
	r.s.messages[id] = m
	return true, nil
}

func (r *memMessageRepo) MarkFailed(_ context.Context, id uint, commandID *uuid.UUID, reason models.FailureReason, errorMessage *string, incrementAttempts bool, at time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	m, ok := r.s.messages[id]
	if !ok || !holds(m, commandID) {
		return false, nil
	}
	reasonStr := string(reason)
	m.Status = models.MessageStatusFailed
	m.InFlightCommandID = nil
	m.FailureReason = &reasonStr
	m.ErrorMessage = errorMessage
	m.LastAttemptAt = &at
	if incrementAttempts {
		m.Attempts++
	}
	r.s.messages[id] = m
	return true, nil
}

func (r *memMessageRepo) Requeue(_ context.Context, id uint, commandID uuid.UUID, pauseReason *string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	m, ok := r.s.messages[id]
	if !ok || !holds(m, &commandID) {
		return false, nil
	}
	m.Status = r.s.releasedStatus(m)
	m.InFlightCommandID = nil
	m.IsPaused = pauseReason != nil
	m.PauseReason = pauseReason
	r.s.messages[id] = m
	return true, nil
}

func (r *memMessageRepo) PauseQueued(_ context.Context, id uint, pauseReason string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	m, ok := r.s.messages[id]
	if !ok || !holds(m, nil) {
		return false, nil
	}
	m.Status = r.s.releasedStatus(m)
	m.IsPaused = true
	m.PauseReason = &pauseReason
	r.s.messages[id] = m
	return true, nil
}

func (r *memMessageRepo) RequeueFailed(_ context.Context, ids []uint, resetAttempts bool) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for _, id := range ids {
		m, ok := r.s.messages[id]
		if !ok || m.Status != models.MessageStatusFailed || m.IsDeleted || r.s.inCancelledSession(m) {
			continue
		}
		m.Status = models.MessageStatusQueued
		m.FailureReason = nil
		m.ErrorMessage = nil
		if resetAttempts {
			m.Attempts = 0
		}
		r.s.messages[id] = m
		n++
	}
	return n, nil
}

func (r *memMessageRepo) CancelQueuedBySession(_ context.Context, sessionID uint) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for id, m := range r.s.messages {
		if m.SessionID != nil && *m.SessionID == sessionID && m.Status == models.MessageStatusQueued && m.InFlightCommandID == nil {
			m.Status = models.MessageStatusCancelled
			r.s.messages[id] = m
			n++
		}
	}
	return n, nil
}

func (r *memMessageRepo) UnpauseByReasons(_ context.Context, moderatorID uint, reasons []string) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for id, m := range r.s.messages {
		if m.ModeratorID != moderatorID || !m.IsPaused || m.PauseReason == nil {
			continue
		}
		for _, reason := range reasons {
			if *m.PauseReason == reason {
				m.IsPaused = false
				m.PauseReason = nil
				r.s.messages[id] = m
				n++
				break
			}
		}
	}
	return n, nil
}

func (r *memMessageRepo) SoftDeleteFailed(_ context.Context, moderatorID uint, ids []uint, at time.Time) ([]uint, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []uint
	for _, id := range ids {
		m, ok := r.s.messages[id]
		if !ok || m.ModeratorID != moderatorID || m.Status != models.MessageStatusFailed || m.IsDeleted {
			continue
		}
		m.IsDeleted = true
		m.DeletedAt = &at
		r.s.messages[id] = m
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

type memFailedTaskRepo struct {
	repository.FailedTaskRepository
	s *memStore
}

func (r *memFailedTaskRepo) Save(_ context.Context, task *models.FailedTask) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	task.ID = r.s.id()
	r.s.failedTasks = append(r.s.failedTasks, *task)
	return nil
}

func (r *memFailedTaskRepo) LatestByMessageIDs(_ context.Context, messageIDs []uint) (map[uint]*models.FailedTask, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	wanted := map[uint]bool{}
	for _, id := range messageIDs {
		wanted[id] = true
	}
	out := map[uint]*models.FailedTask{}
	for _, t := range r.s.failedTasks {
		if wanted[t.MessageID] {
			t := t
			out[t.MessageID] = &t
		}
	}
	return out, nil
}

func (r *memFailedTaskRepo) MarkRetried(_ context.Context, messageIDs []uint, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	wanted := map[uint]bool{}
	for _, id := range messageIDs {
		wanted[id] = true
	}
	for i := range r.s.failedTasks {
		if wanted[r.s.failedTasks[i].MessageID] {
			r.s.failedTasks[i].LastRetryAt = &at
		}
	}
	return nil
}

func (r *memFailedTaskRepo) DeleteByMessageIDs(_ context.Context, messageIDs []uint) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	wanted := map[uint]bool{}
	for _, id := range messageIDs {
		wanted[id] = true
	}
	kept := r.s.failedTasks[:0:0]
	var n int64
	for _, t := range r.s.failedTasks {
		if wanted[t.MessageID] {
			n++
			continue
		}
		kept = append(kept, t)
	}
	r.s.failedTasks = kept
	return n, nil
}

type memQuotaRepo struct {
	repository.QuotaRepository
	s *memStore
}

func (r *memQuotaRepo) ByModeratorID(_ context.Context, moderatorID uint) (*models.Quota, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	q, ok := r.s.quotas[moderatorID]
	if !ok {
		return nil, nil
	}
	return &q, nil
}

func (r *memQuotaRepo) ByModeratorIDForUpdate(ctx context.Context, moderatorID uint) (*models.Quota, error) {
	return r.ByModeratorID(ctx, moderatorID)
}

func (r *memQuotaRepo) Ensure(ctx context.Context, moderatorID uint, messagesLimit, queuesLimit int64) (*models.Quota, error) {
	r.s.mu.Lock()
	if _, ok := r.s.quotas[moderatorID]; !ok {
		r.s.quotas[moderatorID] = models.Quota{ID: r.s.id(), ModeratorID: moderatorID, MessagesLimit: messagesLimit, QueuesLimit: queuesLimit}
	}
	r.s.mu.Unlock()
	return r.ByModeratorID(ctx, moderatorID)
}

func (r *memQuotaRepo) TryConsumeMessages(_ context.Context, moderatorID uint, count int64) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	q, ok := r.s.quotas[moderatorID]
	if !ok {
		return false, nil
	}
	if q.MessagesLimit >= 0 && q.ConsumedMessages+count > q.MessagesLimit {
		return false, nil
	}
	q.ConsumedMessages += count
	r.s.quotas[moderatorID] = q
	return true, nil
}

func (r *memQuotaRepo) RefundMessages(_ context.Context, moderatorID uint, count int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	q := r.s.quotas[moderatorID]
	q.ConsumedMessages -= count
	if q.ConsumedMessages < 0 {
		q.ConsumedMessages = 0
	}
	r.s.quotas[moderatorID] = q
	return nil
}

func (r *memQuotaRepo) UpdateLimits(_ context.Context, moderatorID uint, messagesLimit, queuesLimit *int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	q := r.s.quotas[moderatorID]
	if messagesLimit != nil {
		q.MessagesLimit = *messagesLimit
	}
	if queuesLimit != nil {
		q.QueuesLimit = *queuesLimit
	}
	r.s.quotas[moderatorID] = q
	return nil
}

type memWhatsAppRepo struct {
	repository.WhatsAppSessionRepository
	s *memStore
}

func (r *memWhatsAppRepo) ByModeratorID(_ context.Context, moderatorID uint) (*models.WhatsAppSession, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	w, ok := r.s.wa[moderatorID]
	if !ok {
		return nil, nil
	}
	return &w, nil
}

func (r *memWhatsAppRepo) ByModeratorIDForUpdate(ctx context.Context, moderatorID uint) (*models.WhatsAppSession, error) {
	return r.ByModeratorID(ctx, moderatorID)
}

func (r *memWhatsAppRepo) Ensure(ctx context.Context, moderatorID uint) (*models.WhatsAppSession, error) {
	r.s.mu.Lock()
	if _, ok := r.s.wa[moderatorID]; !ok {
		r.s.wa[moderatorID] = models.WhatsAppSession{ID: r.s.id(), ModeratorID: moderatorID, Status: models.WhatsAppSessionStatusDisconnected}
	}
	r.s.mu.Unlock()
	return r.ByModeratorID(ctx, moderatorID)
}

func (r *memWhatsAppRepo) Update(_ context.Context, moderatorID uint, updates map[string]any) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	w, ok := r.s.wa[moderatorID]
	if !ok {
		return errors.New("whatsapp session not found")
	}
	for k, v := range updates {
		switch k {
		case "status":
			w.Status = v.(models.WhatsAppSessionStatus)
		case "is_paused":
			w.IsPaused = v.(bool)
		case "pause_reason":
			w.PauseReason = stringPtr(v)
		case "paused_at":
			w.PausedAt = timePtr(v)
		case "paused_by":
			w.PausedBy = uintPtr(v)
		case "last_sync_at":
			w.LastSyncAt = timePtr(v)
		}
	}
	r.s.wa[moderatorID] = w
	return nil
}

type memDeviceRepo struct {
	repository.ExtensionDeviceRepository
	s *memStore
}

func (r *memDeviceRepo) ByID(_ context.Context, id uuid.UUID) (*models.ExtensionDevice, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	d, ok := r.s.devices[id]
	if !ok {
		return nil, nil
	}
	return &d, nil
}

func (r *memDeviceRepo) Save(_ context.Context, device *models.ExtensionDevice) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.devices[device.ID] = *device
	return nil
}

func (r *memDeviceRepo) ActiveByModerator(_ context.Context, moderatorID uint) (*models.ExtensionDevice, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, d := range r.s.devices {
		if d.ModeratorID == moderatorID && d.IsActive {
			d := d
			return &d, nil
		}
	}
	return nil, nil
}

func (r *memDeviceRepo) ListByModerator(_ context.Context, moderatorID uint) ([]*models.ExtensionDevice, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*models.ExtensionDevice
	for _, d := range r.s.devices {
		if d.ModeratorID == moderatorID {
			d := d
			out = append(out, &d)
		}
	}
	return out, nil
}

func (r *memDeviceRepo) DeactivateOthers(_ context.Context, moderatorID uint, keep uuid.UUID, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for id, d := range r.s.devices {
		if d.ModeratorID == moderatorID && id != keep && d.IsActive {
			d.IsActive = false
			d.RevokedAt = &at
			r.s.devices[id] = d
		}
	}
	return nil
}

func (r *memDeviceRepo) TouchHeartbeat(_ context.Context, id uuid.UUID, extensionVersion string, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	d := r.s.devices[id]
	d.LastHeartbeatAt = &at
	if extensionVersion != "" {
		d.ExtensionVersion = extensionVersion
	}
	r.s.devices[id] = d
	return nil
}

func (r *memDeviceRepo) Revoke(_ context.Context, moderatorID uint, id uuid.UUID, at time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	d, ok := r.s.devices[id]
	if !ok || d.ModeratorID != moderatorID || !d.IsActive {
		return false, nil
	}
	d.IsActive = false
	d.RevokedAt = &at
	r.s.devices[id] = d
	return true, nil
}

type memCommandRepo struct {
	repository.ExtensionCommandRepository
	s *memStore
}

func (r *memCommandRepo) ByID(_ context.Context, id uuid.UUID) (*models.ExtensionCommand, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.commands[id]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (r *memCommandRepo) ByIDForUpdate(ctx context.Context, id uuid.UUID) (*models.ExtensionCommand, error) {
	return r.ByID(ctx, id)
}

func (r *memCommandRepo) Save(_ context.Context, cmd *models.ExtensionCommand) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if cmd.CreatedAt.IsZero() {
		cmd.CreatedAt = time.Now().UTC()
	}
	r.s.commands[cmd.ID] = *cmd
	return nil
}

func (r *memCommandRepo) Transition(_ context.Context, id uuid.UUID, from []models.CommandStatus, to models.CommandStatus, updates map[string]any) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.commands[id]
	if !ok {
		return false, nil
	}
	allowed := false
	for _, status := range from {
		if c.Status == status {
			allowed = true
			break
		}
	}
	if !allowed {
		return false, nil
	}
	c.Status = to
	for k, v := range updates {
		switch k {
		case "acked_at":
			c.AckedAt = timePtr(v)
		case "completed_at":
			c.CompletedAt = timePtr(v)
		case "result_status":
			c.ResultStatus = stringPtr(v)
		case "updated_at":
			if t := timePtr(v); t != nil {
				c.UpdatedAt = *t
			}
		}
	}
	r.s.commands[id] = c
	return true, nil
}

func (r *memCommandRepo) ClaimPending(_ context.Context, moderatorID uint, deviceID uuid.UUID, limit int, now time.Time) ([]*models.ExtensionCommand, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var pending []models.ExtensionCommand
	for _, c := range r.s.commands {
		if c.ModeratorID == moderatorID && c.Status == models.CommandStatusPending && c.ExpiresAtUtc.After(now) {
			pending = append(pending, c)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].Priority != pending[j].Priority {
			return pending[i].Priority < pending[j].Priority
		}
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	if len(pending) > limit {
		pending = pending[:limit]
	}
	out := make([]*models.ExtensionCommand, 0, len(pending))
	for _, c := range pending {
		c.Status = models.CommandStatusSent
		c.SentAt = &now
		c.DeviceID = &deviceID
		r.s.commands[c.ID] = c
		c := c
		out = append(out, &c)
	}
	return out, nil
}

func (r *memCommandRepo) ListExpired(_ context.Context, now time.Time, _ int) ([]*models.ExtensionCommand, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*models.ExtensionCommand
	for _, c := range r.s.commands {
		if c.IsExpiredAt(now) {
			c := c
			out = append(out, &c)
		}
	}
	return out, nil
}

func (r *memCommandRepo) ListOrphaned(_ context.Context, createdBefore time.Time, _ int) ([]*models.ExtensionCommand, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*models.ExtensionCommand
	for _, c := range r.s.commands {
		if c.Status.IsTerminal() {
			continue
		}
		orphan := c.CreatedAt.Before(createdBefore)
		if !orphan && c.MessageID != nil {
			m, ok := r.s.messages[*c.MessageID]
			orphan = !ok || m.InFlightCommandID == nil || *m.InFlightCommandID != c.ID
		}
		if orphan {
			c := c
			out = append(out, &c)
		}
	}
	return out, nil
}

func (r *memCommandRepo) PurgeTerminalBefore(_ context.Context, before time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for id, c := range r.s.commands {
		if c.Status.IsTerminal() && c.UpdatedAt.Before(before) {
			delete(r.s.commands, id)
			n++
		}
	}
	return n, nil
}

// memRepos bundles every fake repository over one store
type memRepos struct {
	store      *memStore
	queues     *memQueueRepo
	patients   *memPatientRepo
	templates  *memTemplateRepo
	conditions *memConditionRepo
	sessions   *memSessionRepo
	messages   *memMessageRepo
	failed     *memFailedTaskRepo
	quotas     *memQuotaRepo
	wa         *memWhatsAppRepo
	devices    *memDeviceRepo
	commands   *memCommandRepo
}

func newMemRepos() *memRepos {
	s := newMemStore()
	return &memRepos{
		store:      s,
		queues:     &memQueueRepo{s: s},
		patients:   &memPatientRepo{s: s},
		templates:  &memTemplateRepo{s: s},
		conditions: &memConditionRepo{s: s},
		sessions:   &memSessionRepo{s: s},
		messages:   &memMessageRepo{s: s},
		failed:     &memFailedTaskRepo{s: s},
		quotas:     &memQuotaRepo{s: s},
		wa:         &memWhatsAppRepo{s: s},
		devices:    &memDeviceRepo{s: s},
		commands:   &memCommandRepo{s: s},
	}
}

// recordingTrigger remembers which moderators were triggered
type recordingTrigger struct {
	mu    sync.Mutex
	calls []uint
}

func (t *recordingTrigger) Trigger(moderatorID uint) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = append(t.calls, moderatorID)
}

func (t *recordingTrigger) triggered() []uint {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]uint(nil), t.calls...)
}

// recordingPublisher remembers published event names
type recordingPublisher struct {
	mu     sync.Mutex
	events []string
}

func (p *recordingPublisher) Publish(_ context.Context, _ uint, event string, _ any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.events...)
}

// recordingRegistrar remembers registered moderators and fails with err when set
type recordingRegistrar struct {
	mu    sync.Mutex
	calls []uint
	err   error
}

func (r *recordingRegistrar) RegisterModerator(moderatorID uint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, moderatorID)
	return r.err
}

func (r *recordingRegistrar) registered() []uint {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint(nil), r.calls...)
}

// scriptedProvider returns queued results in order, then the last one forever
type scriptedProvider struct {
	mu      sync.Mutex
	results []ProviderResult
	errs    []error
	sent    []uint
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Send(_ context.Context, msg *models.Message) (ProviderResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, msg.ID)
	i := len(p.sent) - 1
	var err error
	if len(p.errs) > 0 {
		err = p.errs[min(i, len(p.errs)-1)]
	}
	if err != nil {
		return ProviderResult{}, err
	}
	return p.results[min(i, len(p.results)-1)], nil
}

func (p *scriptedProvider) sentIDs() []uint {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]uint(nil), p.sent...)
}
