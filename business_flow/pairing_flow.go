package businessflow

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"time"

	"github.com/amirphl/clinic-queue/app/dto"
	"github.com/amirphl/clinic-queue/app/services"
	"github.com/amirphl/clinic-queue/config"
	"github.com/amirphl/clinic-queue/models"
	"github.com/amirphl/clinic-queue/repository"
	"github.com/amirphl/clinic-queue/utils"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// PairingFlow pairs browser extensions with a moderator and tracks their liveness
type PairingFlow interface {
	StartPairing(ctx context.Context, req *dto.StartPairingRequest) (*dto.StartPairingResponse, error)
	CompletePairing(ctx context.Context, req *dto.CompletePairingRequest, metadata *ClientMetadata) (*dto.CompletePairingResponse, error)
	RefreshDeviceToken(ctx context.Context, req *dto.RefreshDeviceTokenRequest) (*dto.DeviceTokenResponse, error)
	Heartbeat(ctx context.Context, req *dto.HeartbeatRequest) (*dto.HeartbeatResponse, error)
	ListDevices(ctx context.Context, moderatorID uint) (*dto.ListDevicesResponse, error)
	RevokeDevice(ctx context.Context, req *dto.RevokeDeviceRequest, metadata *ClientMetadata) error
}

// PairingSettings groups the knobs the pairing flow reads from several config sections
type PairingSettings struct {
	BcryptCost       int
	TokenTTL         time.Duration
	CodeTTL          time.Duration
	HeartbeatTimeout time.Duration
}

// NewPairingSettings collects pairing settings from the application config
func NewPairingSettings(cfg *config.ProductionConfig) PairingSettings {
	return PairingSettings{
		BcryptCost:       cfg.Security.BcryptCost,
		TokenTTL:         cfg.JWT.ExtensionTokenTTL,
		CodeTTL:          utils.PairingCodeTTL,
		HeartbeatTimeout: cfg.Messaging.HeartbeatTimeout,
	}
}

// PairingFlowImpl implements PairingFlow
type PairingFlowImpl struct {
	tx         repository.Transactor
	deviceRepo repository.ExtensionDeviceRepository
	waRepo     repository.WhatsAppSessionRepository
	codes      PairingCodeStore
	tokens     services.TokenService
	quotaFlow  QuotaFlow
	outcomes   *outcomeRecorder
	trigger    DispatchTrigger
	publisher  EventPublisher
	settings   PairingSettings
	now        func() time.Time
}

// NewPairingFlow creates a new pairing flow
func NewPairingFlow(
	tx repository.Transactor,
	deviceRepo repository.ExtensionDeviceRepository,
	waRepo repository.WhatsAppSessionRepository,
	codes PairingCodeStore,
	tokens services.TokenService,
	quotaFlow QuotaFlow,
	trigger DispatchTrigger,
	publisher EventPublisher,
	settings PairingSettings,
) PairingFlow {
	if trigger == nil {
		trigger = noopTrigger{}
	}
	if publisher == nil {
		publisher = noopPublisher{}
	}
	if settings.BcryptCost == 0 {
		settings.BcryptCost = bcrypt.DefaultCost
	}
	if settings.CodeTTL <= 0 {
		settings.CodeTTL = utils.PairingCodeTTL
	}
	if settings.HeartbeatTimeout <= 0 {
		settings.HeartbeatTimeout = 90 * time.Second
	}
	return &PairingFlowImpl{
		tx:         tx,
		deviceRepo: deviceRepo,
		waRepo:     waRepo,
		codes:      codes,
		tokens:     tokens,
		quotaFlow:  quotaFlow,
		outcomes:   &outcomeRecorder{waRepo: waRepo},
		trigger:    trigger,
		publisher:  publisher,
		settings:   settings,
		now:        utils.UTCNow,
	}
}

func (f *PairingFlowImpl) StartPairing(ctx context.Context, req *dto.StartPairingRequest) (*dto.StartPairingResponse, error) {
	if f.codes == nil {
		return nil, NewBusinessError("CACHE_NOT_AVAILABLE", "Pairing is not available", ErrCacheNotAvailable)
	}
	if _, err := f.quotaFlow.EnsureModerator(ctx, req.ModeratorID); err != nil {
		return nil, err
	}

	code, err := generatePairingCode()
	if err != nil {
		return nil, NewBusinessError("PAIRING_CODE_FAILED", "Failed to generate pairing code", err)
	}
	if err := f.codes.Put(ctx, code, req.ModeratorID, f.settings.CodeTTL); err != nil {
		return nil, NewBusinessError("PAIRING_CODE_FAILED", "Failed to store pairing code", err)
	}

	return &dto.StartPairingResponse{
		Code:      code,
		ExpiresAt: formatTime(f.now().Add(f.settings.CodeTTL)),
	}, nil
}

func (f *PairingFlowImpl) CompletePairing(ctx context.Context, req *dto.CompletePairingRequest, metadata *ClientMetadata) (*dto.CompletePairingResponse, error) {
	if f.codes == nil {
		return nil, NewBusinessError("CACHE_NOT_AVAILABLE", "Pairing is not available", ErrCacheNotAvailable)
	}
	moderatorID, ok, err := f.codes.Take(ctx, req.Code)
	if err != nil {
		return nil, NewBusinessError("PAIRING_FAILED", "Failed to read pairing code", err)
	}
	if !ok {
		return nil, NewBusinessError("PAIRING_CODE_INVALID", "Pairing code is invalid or expired", ErrPairingCodeInvalid)
	}

	secret, err := generateDeviceSecret()
	if err != nil {
		return nil, NewBusinessError("PAIRING_FAILED", "Failed to generate device secret", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), f.settings.BcryptCost)
	if err != nil {
		return nil, NewBusinessError("PAIRING_FAILED", "Failed to hash device secret", err)
	}

	now := f.now()
	device := &models.ExtensionDevice{
		ID:               uuid.New(),
		ModeratorID:      moderatorID,
		DeviceName:       req.DeviceName,
		ExtensionVersion: req.ExtensionVersion,
		SecretHash:       string(hash),
		IsActive:         true,
		PairedAt:         now,
	}

	err = f.tx.WithTransaction(ctx, func(txCtx context.Context) error {
		if err := f.deviceRepo.Save(txCtx, device); err != nil {
			return fmt.Errorf("failed to save extension device: %w", err)
		}
		if err := f.deviceRepo.DeactivateOthers(txCtx, moderatorID, device.ID, now); err != nil {
			return fmt.Errorf("failed to deactivate previous devices: %w", err)
		}
		if _, err := f.waRepo.Ensure(txCtx, moderatorID); err != nil {
			return err
		}
		return f.waRepo.Update(txCtx, moderatorID, map[string]any{
			"status":     models.WhatsAppSessionStatusDisconnected,
			"updated_at": now,
		})
	})
	if err != nil {
		return nil, NewBusinessError("PAIRING_FAILED", "Failed to pair extension", err)
	}

	token, expiresAt, err := f.tokens.GenerateDeviceToken(device.ID, moderatorID, f.settings.TokenTTL)
	if err != nil {
		return nil, NewBusinessError("TOKEN_GENERATION_FAILED", "Failed to issue device token", err)
	}

	zap.L().Info("Extension paired",
		zap.Uint("moderator_id", moderatorID),
		zap.String("device_id", device.ID.String()),
		zap.String("extension_version", req.ExtensionVersion),
		zap.String("ip", metadataIP(metadata)),
	)

	return &dto.CompletePairingResponse{
		DeviceID:    device.ID.String(),
		ModeratorID: moderatorID,
		Token:       token,
		Secret:      secret,
		ExpiresAt:   formatTime(expiresAt),
	}, nil
}

func (f *PairingFlowImpl) RefreshDeviceToken(ctx context.Context, req *dto.RefreshDeviceTokenRequest) (*dto.DeviceTokenResponse, error) {
	device, err := f.activeDevice(ctx, 0, req.DeviceID)
	if err != nil {
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(device.SecretHash), []byte(req.Secret)); err != nil {
		return nil, NewBusinessError("DEVICE_NOT_FOUND", "Extension device not found", ErrDeviceNotFound)
	}

	token, expiresAt, err := f.tokens.GenerateDeviceToken(device.ID, device.ModeratorID, f.settings.TokenTTL)
	if err != nil {
		return nil, NewBusinessError("TOKEN_GENERATION_FAILED", "Failed to issue device token", err)
	}
	return &dto.DeviceTokenResponse{Token: token, ExpiresAt: formatTime(expiresAt)}, nil
}

// Heartbeat records liveness and the WhatsApp Web state the extension sees.
// pendingQR and pendingNET close the moderator gate like the matching command results.
func (f *PairingFlowImpl) Heartbeat(ctx context.Context, req *dto.HeartbeatRequest) (*dto.HeartbeatResponse, error) {
	device, err := f.activeDevice(ctx, req.ModeratorID, req.DeviceID)
	if err != nil {
		return nil, err
	}

	now := f.now()
	events := &eventBatch{}
	var session *models.WhatsAppSession
	err = f.tx.WithTransaction(ctx, func(txCtx context.Context) error {
		if err := f.deviceRepo.TouchHeartbeat(txCtx, device.ID, req.ExtensionVersion, now); err != nil {
			return fmt.Errorf("failed to record heartbeat: %w", err)
		}

		switch req.WhatsAppStatus {
		case string(models.ResultStatusPendingQR):
			if err := f.outcomes.escalatePause(txCtx, req.ModeratorID, PauseKindQR, now, events); err != nil {
				return err
			}
		case string(models.ResultStatusPendingNET):
			if err := f.outcomes.escalatePause(txCtx, req.ModeratorID, PauseKindNET, now, events); err != nil {
				return err
			}
		default:
			status := models.WhatsAppSessionStatus(req.WhatsAppStatus)
			if !status.Valid() {
				status = models.WhatsAppSessionStatusDisconnected
			}
			if _, err := f.waRepo.Ensure(txCtx, req.ModeratorID); err != nil {
				return err
			}
			if err := f.waRepo.Update(txCtx, req.ModeratorID, map[string]any{
				"status":       status,
				"last_sync_at": now,
				"updated_at":   now,
			}); err != nil {
				return fmt.Errorf("failed to update whatsapp session: %w", err)
			}
		}

		var err error
		session, err = f.waRepo.ByModeratorID(txCtx, req.ModeratorID)
		return err
	})
	if err != nil {
		return nil, NewBusinessError("HEARTBEAT_FAILED", "Failed to record heartbeat", err)
	}

	events.flush(ctx, f.publisher)
	if session != nil && !session.IsPaused && session.Status == models.WhatsAppSessionStatusConnected {
		f.trigger.Trigger(req.ModeratorID)
	}

	resp := &dto.HeartbeatResponse{ServerTime: formatTime(now)}
	if session != nil {
		resp.WhatsAppStatus = session.Status.String()
		resp.IsPaused = session.IsPaused
	}
	return resp, nil
}

func (f *PairingFlowImpl) ListDevices(ctx context.Context, moderatorID uint) (*dto.ListDevicesResponse, error) {
	devices, err := f.deviceRepo.ListByModerator(ctx, moderatorID)
	if err != nil {
		return nil, NewBusinessError("DEVICE_LIST_FAILED", "Failed to list devices", err)
	}
	now := f.now()
	items := make([]dto.ExtensionDeviceItem, 0, len(devices))
	for _, d := range devices {
		items = append(items, dto.ExtensionDeviceItem{
			DeviceID:         d.ID.String(),
			DeviceName:       d.DeviceName,
			ExtensionVersion: d.ExtensionVersion,
			IsActive:         d.IsActive,
			IsLive:           d.IsLive(now, f.settings.HeartbeatTimeout),
			LastHeartbeatAt:  formatTimePtr(d.LastHeartbeatAt),
			PairedAt:         formatTime(d.PairedAt),
		})
	}
	return &dto.ListDevicesResponse{Devices: items}, nil
}

func (f *PairingFlowImpl) RevokeDevice(ctx context.Context, req *dto.RevokeDeviceRequest, metadata *ClientMetadata) error {
	id, err := uuid.Parse(req.DeviceID)
	if err != nil {
		return NewBusinessError("DEVICE_NOT_FOUND", "Extension device not found", ErrDeviceNotFound)
	}
	ok, err := f.deviceRepo.Revoke(ctx, req.ModeratorID, id, f.now())
	if err != nil {
		return NewBusinessError("DEVICE_REVOKE_FAILED", "Failed to revoke device", err)
	}
	if !ok {
		return NewBusinessError("DEVICE_NOT_FOUND", "Extension device not found", ErrDeviceNotFound)
	}
	zap.L().Info("Extension device revoked",
		zap.Uint("moderator_id", req.ModeratorID),
		zap.String("device_id", id.String()),
		zap.String("ip", metadataIP(metadata)),
	)
	return nil
}

// activeDevice loads an active device. moderatorID 0 skips the ownership check.
func (f *PairingFlowImpl) activeDevice(ctx context.Context, moderatorID uint, rawID string) (*models.ExtensionDevice, error) {
	id, err := uuid.Parse(rawID)
	if err != nil {
		return nil, NewBusinessError("DEVICE_NOT_FOUND", "Extension device not found", ErrDeviceNotFound)
	}
	device, err := f.deviceRepo.ByID(ctx, id)
	if err != nil {
		return nil, NewBusinessError("DEVICE_LOOKUP_FAILED", "Failed to load device", err)
	}
	if device == nil || (moderatorID != 0 && device.ModeratorID != moderatorID) {
		return nil, NewBusinessError("DEVICE_NOT_FOUND", "Extension device not found", ErrDeviceNotFound)
	}
	if !device.IsActive {
		return nil, NewBusinessError("DEVICE_INACTIVE", "Extension device is revoked", ErrDeviceInactive)
	}
	return device, nil
}

// generatePairingCode returns a zero-padded 6 digit code
func generatePairingCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

func generateDeviceSecret() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
