package handlers

import (
	"context"
	"net/http"
	"testing"

	"github.com/amirphl/clinic-queue/app/dto"
	businessflow "github.com/amirphl/clinic-queue/business_flow"
	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePairingFlow struct {
	businessflow.PairingFlow
	heartbeat *dto.HeartbeatRequest
	err       error
}

func (f *fakePairingFlow) Heartbeat(_ context.Context, req *dto.HeartbeatRequest) (*dto.HeartbeatResponse, error) {
	f.heartbeat = req
	if f.err != nil {
		return nil, f.err
	}
	return &dto.HeartbeatResponse{WhatsAppStatus: req.WhatsAppStatus}, nil
}

func (f *fakePairingFlow) CompletePairing(_ context.Context, _ *dto.CompletePairingRequest, _ *businessflow.ClientMetadata) (*dto.CompletePairingResponse, error) {
	return nil, f.err
}

type fakeCommandFlow struct {
	businessflow.CommandFlow
	polled    *dto.PollCommandsRequest
	completed *dto.CompleteCommandRequest
	err       error
}

func (f *fakeCommandFlow) PollCommands(_ context.Context, req *dto.PollCommandsRequest) (*dto.PollCommandsResponse, error) {
	f.polled = req
	return &dto.PollCommandsResponse{Commands: []dto.ExtensionCommandItem{}}, nil
}

func (f *fakeCommandFlow) AckCommand(_ context.Context, req *dto.AckCommandRequest) (*dto.CommandStatusResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &dto.CommandStatusResponse{CommandID: req.CommandID, Status: "acked"}, nil
}

func (f *fakeCommandFlow) CompleteCommand(_ context.Context, req *dto.CompleteCommandRequest) (*dto.CommandStatusResponse, error) {
	f.completed = req
	if f.err != nil {
		return nil, f.err
	}
	return &dto.CommandStatusResponse{CommandID: req.CommandID, Status: "completed", ResultStatus: &req.ResultStatus}, nil
}

// newExtensionApp stands in for the device auth middleware
func newExtensionApp(h *ExtensionHandler, deviceID string) *fiber.App {
	app := fiber.New()
	app.Use(func(c fiber.Ctx) error {
		if deviceID != "" {
			c.Locals("device_id", deviceID)
			c.Locals("moderator_id", uint(4))
		}
		return c.Next()
	})
	app.Post("/pairing/complete", h.CompletePairing)
	app.Post("/heartbeat", h.Heartbeat)
	app.Post("/commands/poll", h.PollCommands)
	app.Post("/commands/:id/ack", h.AckCommand)
	app.Post("/commands/:id/complete", h.CompleteCommand)
	return app
}

func TestExtensionHandler_Heartbeat(t *testing.T) {
	pairing := &fakePairingFlow{}
	deviceID := uuid.NewString()
	app := newExtensionApp(NewExtensionHandler(pairing, &fakeCommandFlow{}), deviceID)

	resp, body := doRequest(t, app, http.MethodPost, "/heartbeat", `{"whatsapp_status":"pendingQR","extension_version":"1.4.0"}`)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.True(t, body.Success)
	require.NotNil(t, pairing.heartbeat)
	assert.Equal(t, deviceID, pairing.heartbeat.DeviceID)
	assert.Equal(t, uint(4), pairing.heartbeat.ModeratorID)
	assert.Equal(t, "1.4.0", pairing.heartbeat.ExtensionVersion)

	resp, body = doRequest(t, app, http.MethodPost, "/heartbeat", `{"whatsapp_status":"sleeping"}`)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "VALIDATION_ERROR", errorCode(t, body))

	pairing.err = businessflow.NewBusinessError("DEVICE_INACTIVE", "revoked", businessflow.ErrDeviceInactive)
	resp, body = doRequest(t, app, http.MethodPost, "/heartbeat", `{"whatsapp_status":"connected"}`)
	assert.Equal(t, fiber.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "DEVICE_INACTIVE", errorCode(t, body))

	anonymous := newExtensionApp(NewExtensionHandler(pairing, &fakeCommandFlow{}), "")
	resp, body = doRequest(t, anonymous, http.MethodPost, "/heartbeat", `{"whatsapp_status":"connected"}`)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "MISSING_DEVICE_ID", errorCode(t, body))
}

func TestExtensionHandler_CompletePairingInvalidCode(t *testing.T) {
	pairing := &fakePairingFlow{err: businessflow.NewBusinessError("PAIRING_CODE_INVALID", "bad code", businessflow.ErrPairingCodeInvalid)}
	app := newExtensionApp(NewExtensionHandler(pairing, &fakeCommandFlow{}), "")

	resp, body := doRequest(t, app, http.MethodPost, "/pairing/complete", `{"code":"123456","device_name":"Chrome"}`)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "PAIRING_CODE_INVALID", errorCode(t, body))
}

func TestExtensionHandler_PollCommands(t *testing.T) {
	commands := &fakeCommandFlow{}
	deviceID := uuid.NewString()
	app := newExtensionApp(NewExtensionHandler(&fakePairingFlow{}, commands), deviceID)

	// an empty body polls with the default limit
	resp, _ := doRequest(t, app, http.MethodPost, "/commands/poll", "")
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	require.NotNil(t, commands.polled)
	assert.Equal(t, deviceID, commands.polled.DeviceID)
	assert.Equal(t, 0, commands.polled.Limit)

	resp, _ = doRequest(t, app, http.MethodPost, "/commands/poll", `{"limit":5}`)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, 5, commands.polled.Limit)

	resp, body := doRequest(t, app, http.MethodPost, "/commands/poll", `{"limit":500}`)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "VALIDATION_ERROR", errorCode(t, body))
}

func TestExtensionHandler_CommandCallbacks(t *testing.T) {
	commandID := uuid.NewString()

	commands := &fakeCommandFlow{}
	app := newExtensionApp(NewExtensionHandler(&fakePairingFlow{}, commands), uuid.NewString())

	resp, body := doRequest(t, app, http.MethodPost, "/commands/"+commandID+"/complete", `{"result_status":"failed","error":"invalid number"}`)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.True(t, body.Success)
	require.NotNil(t, commands.completed)
	assert.Equal(t, commandID, commands.completed.CommandID)
	assert.Equal(t, uint(4), commands.completed.ModeratorID)
	require.NotNil(t, commands.completed.Error)
	assert.Equal(t, "invalid number", *commands.completed.Error)

	resp, body = doRequest(t, app, http.MethodPost, "/commands/not-a-uuid/ack", "")
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "VALIDATION_ERROR", errorCode(t, body))

	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"unknown command", businessflow.NewBusinessError("COMMAND_NOT_FOUND", "missing", businessflow.ErrCommandNotFound), fiber.StatusNotFound, "COMMAND_NOT_FOUND"},
		{"foreign command", businessflow.NewBusinessError("COMMAND_ACCESS_DENIED", "denied", businessflow.ErrCommandAccessDenied), fiber.StatusForbidden, "COMMAND_ACCESS_DENIED"},
		{"lease expired", businessflow.NewBusinessError("COMMAND_EXPIRED", "expired", businessflow.ErrCommandExpired), fiber.StatusGone, "COMMAND_EXPIRED"},
		{"finished", businessflow.NewBusinessError("INVALID_COMMAND_TRANSITION", "done", businessflow.ErrInvalidCommandTransition), fiber.StatusConflict, "INVALID_COMMAND_TRANSITION"},
		{"unexpected", assert.AnError, fiber.StatusInternalServerError, "COMMAND_ACK_FAILED"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := newExtensionApp(NewExtensionHandler(&fakePairingFlow{}, &fakeCommandFlow{err: tt.err}), uuid.NewString())
			resp, body := doRequest(t, app, http.MethodPost, "/commands/"+commandID+"/ack", "")
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			assert.Equal(t, tt.wantCode, errorCode(t, body))
		})
	}
}
