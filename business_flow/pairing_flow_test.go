package businessflow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/amirphl/clinic-queue/app/dto"
	"github.com/amirphl/clinic-queue/app/services"
	"github.com/amirphl/clinic-queue/models"
	"github.com/amirphl/clinic-queue/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type memCodeStore struct {
	mu    sync.Mutex
	codes map[string]uint
}

func (s *memCodeStore) Put(_ context.Context, code string, moderatorID uint, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.codes == nil {
		s.codes = map[string]uint{}
	}
	s.codes[code] = moderatorID
	return nil
}

func (s *memCodeStore) Take(_ context.Context, code string) (uint, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.codes[code]
	delete(s.codes, code)
	return id, ok, nil
}

type pairingHarness struct {
	repos     *memRepos
	tokens    services.TokenService
	trigger   *recordingTrigger
	publisher *recordingPublisher
	flow      *PairingFlowImpl
	clock     time.Time
}

func newPairingHarness(t *testing.T) *pairingHarness {
	t.Helper()
	tokens, err := services.NewTokenService(15*time.Minute, time.Hour, "test-issuer", "test-audience",
		false, "", "", "test-secret-key-for-jwt-signing-32-chars")
	require.NoError(t, err)

	h := &pairingHarness{
		repos:     newMemRepos(),
		tokens:    tokens,
		trigger:   &recordingTrigger{},
		publisher: &recordingPublisher{},
		clock:     utils.UTCNow(),
	}
	quotaFlow := NewQuotaFlow(h.repos.store, h.repos.quotas, h.repos.wa, nil, testMessagingConfig())
	flow := NewPairingFlow(h.repos.store, h.repos.devices, h.repos.wa, &memCodeStore{}, tokens, quotaFlow,
		h.trigger, h.publisher, PairingSettings{
			BcryptCost:       bcrypt.MinCost,
			TokenTTL:         24 * time.Hour,
			CodeTTL:          5 * time.Minute,
			HeartbeatTimeout: 2 * time.Minute,
		})
	h.flow = flow.(*PairingFlowImpl)
	h.flow.now = func() time.Time { return h.clock }
	return h
}

func (h *pairingHarness) pair(t *testing.T, moderatorID uint) *dto.CompletePairingResponse {
	t.Helper()
	ctx := context.Background()
	start, err := h.flow.StartPairing(ctx, &dto.StartPairingRequest{ModeratorID: moderatorID})
	require.NoError(t, err)
	resp, err := h.flow.CompletePairing(ctx, &dto.CompletePairingRequest{
		Code:             start.Code,
		DeviceName:       "chrome",
		ExtensionVersion: "1.2.0",
	}, nil)
	require.NoError(t, err)
	return resp
}

func TestPairingFlow_PairDevice(t *testing.T) {
	h := newPairingHarness(t)
	ctx := context.Background()

	start, err := h.flow.StartPairing(ctx, &dto.StartPairingRequest{ModeratorID: 1})
	require.NoError(t, err)
	assert.Len(t, start.Code, 6)
	assert.Equal(t, formatTime(h.clock.Add(5*time.Minute)), start.ExpiresAt)

	// pairing creates the moderator's messaging state
	assert.Equal(t, int64(100), h.repos.store.quota(1).MessagesLimit)

	resp, err := h.flow.CompletePairing(ctx, &dto.CompletePairingRequest{Code: start.Code, DeviceName: "chrome"}, nil)
	require.NoError(t, err)
	assert.Equal(t, uint(1), resp.ModeratorID)
	assert.NotEmpty(t, resp.Secret)

	claims, err := h.tokens.ValidateDeviceToken(resp.Token)
	require.NoError(t, err)
	assert.Equal(t, resp.DeviceID, claims.DeviceID.String())
	assert.Equal(t, uint(1), claims.ModeratorID)

	device := h.repos.store.devices[claims.DeviceID]
	assert.True(t, device.IsActive)
	assert.NotEqual(t, resp.Secret, device.SecretHash)
	assert.Equal(t, models.WhatsAppSessionStatusDisconnected, h.repos.store.whatsapp(1).Status)

	// codes are single use
	_, err = h.flow.CompletePairing(ctx, &dto.CompletePairingRequest{Code: start.Code, DeviceName: "chrome"}, nil)
	assert.Equal(t, "PAIRING_CODE_INVALID", businessCode(t, err))
}

func TestPairingFlow_NewDeviceReplacesPrevious(t *testing.T) {
	h := newPairingHarness(t)

	first := h.pair(t, 1)
	second := h.pair(t, 1)

	list, err := h.flow.ListDevices(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, list.Devices, 2)
	active := map[string]bool{}
	for _, d := range list.Devices {
		active[d.DeviceID] = d.IsActive
	}
	assert.False(t, active[first.DeviceID])
	assert.True(t, active[second.DeviceID])

	_, err = h.flow.RefreshDeviceToken(context.Background(), &dto.RefreshDeviceTokenRequest{DeviceID: first.DeviceID, Secret: first.Secret})
	assert.Equal(t, "DEVICE_INACTIVE", businessCode(t, err))
}

func TestPairingFlow_RefreshDeviceToken(t *testing.T) {
	h := newPairingHarness(t)
	paired := h.pair(t, 1)
	ctx := context.Background()

	resp, err := h.flow.RefreshDeviceToken(ctx, &dto.RefreshDeviceTokenRequest{DeviceID: paired.DeviceID, Secret: paired.Secret})
	require.NoError(t, err)
	claims, err := h.tokens.ValidateDeviceToken(resp.Token)
	require.NoError(t, err)
	assert.Equal(t, paired.DeviceID, claims.DeviceID.String())

	_, err = h.flow.RefreshDeviceToken(ctx, &dto.RefreshDeviceTokenRequest{DeviceID: paired.DeviceID, Secret: "0123456789abcdef0123"})
	assert.Equal(t, "DEVICE_NOT_FOUND", businessCode(t, err))

	_, err = h.flow.RefreshDeviceToken(ctx, &dto.RefreshDeviceTokenRequest{DeviceID: "not-a-uuid", Secret: paired.Secret})
	assert.Equal(t, "DEVICE_NOT_FOUND", businessCode(t, err))
}

func TestPairingFlow_Heartbeat(t *testing.T) {
	h := newPairingHarness(t)
	paired := h.pair(t, 1)
	ctx := context.Background()

	resp, err := h.flow.Heartbeat(ctx, &dto.HeartbeatRequest{DeviceID: paired.DeviceID, ModeratorID: 1, WhatsAppStatus: "connected", ExtensionVersion: "1.3.0"})
	require.NoError(t, err)
	assert.Equal(t, "connected", resp.WhatsAppStatus)
	assert.False(t, resp.IsPaused)
	assert.Equal(t, []uint{1}, h.trigger.triggered())

	list, err := h.flow.ListDevices(ctx, 1)
	require.NoError(t, err)
	require.Len(t, list.Devices, 1)
	assert.True(t, list.Devices[0].IsLive)
	assert.Equal(t, "1.3.0", list.Devices[0].ExtensionVersion)

	// the device goes quiet
	h.clock = h.clock.Add(3 * time.Minute)
	list, err = h.flow.ListDevices(ctx, 1)
	require.NoError(t, err)
	assert.False(t, list.Devices[0].IsLive)
}

func TestPairingFlow_HeartbeatPendingQRPausesModerator(t *testing.T) {
	h := newPairingHarness(t)
	paired := h.pair(t, 1)

	resp, err := h.flow.Heartbeat(context.Background(), &dto.HeartbeatRequest{DeviceID: paired.DeviceID, ModeratorID: 1, WhatsAppStatus: "pendingQR"})
	require.NoError(t, err)
	assert.Equal(t, "pending", resp.WhatsAppStatus)
	assert.True(t, resp.IsPaused)
	assert.Empty(t, h.trigger.triggered())
	assert.Contains(t, h.publisher.names(), EventWhatsAppPaused)

	wa := h.repos.store.whatsapp(1)
	require.NotNil(t, wa.PauseReason)
	assert.Equal(t, models.PauseReasonPendingQR, *wa.PauseReason)
}

func TestPairingFlow_HeartbeatRejectsForeignDevice(t *testing.T) {
	h := newPairingHarness(t)
	paired := h.pair(t, 1)

	_, err := h.flow.Heartbeat(context.Background(), &dto.HeartbeatRequest{DeviceID: paired.DeviceID, ModeratorID: 2, WhatsAppStatus: "connected"})
	assert.Equal(t, "DEVICE_NOT_FOUND", businessCode(t, err))
}

func TestPairingFlow_RevokeDevice(t *testing.T) {
	h := newPairingHarness(t)
	paired := h.pair(t, 1)
	ctx := context.Background()

	err := h.flow.RevokeDevice(ctx, &dto.RevokeDeviceRequest{ModeratorID: 2, DeviceID: paired.DeviceID}, nil)
	assert.Equal(t, "DEVICE_NOT_FOUND", businessCode(t, err))

	require.NoError(t, h.flow.RevokeDevice(ctx, &dto.RevokeDeviceRequest{ModeratorID: 1, DeviceID: paired.DeviceID}, nil))

	_, err = h.flow.Heartbeat(ctx, &dto.HeartbeatRequest{DeviceID: paired.DeviceID, ModeratorID: 1, WhatsAppStatus: "connected"})
	assert.Equal(t, "DEVICE_INACTIVE", businessCode(t, err))

	err = h.flow.RevokeDevice(ctx, &dto.RevokeDeviceRequest{ModeratorID: 1, DeviceID: paired.DeviceID}, nil)
	assert.Equal(t, "DEVICE_NOT_FOUND", businessCode(t, err))
}

func TestPairingFlow_WithoutCodeStore(t *testing.T) {
	repos := newMemRepos()
	flow := NewPairingFlow(repos.store, repos.devices, repos.wa, nil, nil, nil, nil, nil, PairingSettings{})

	_, err := flow.StartPairing(context.Background(), &dto.StartPairingRequest{ModeratorID: 1})
	assert.Equal(t, "CACHE_NOT_AVAILABLE", businessCode(t, err))
}
