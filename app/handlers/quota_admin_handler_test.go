package handlers

import (
	"context"
	"net/http"
	"testing"

	"github.com/amirphl/clinic-queue/app/dto"
	businessflow "github.com/amirphl/clinic-queue/business_flow"
	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeQuotaFlow struct {
	businessflow.QuotaFlow
	updated  *dto.UpdateQuotaRequest
	metadata *businessflow.ClientMetadata
	err      error
}

func (f *fakeQuotaFlow) GetQuota(_ context.Context, moderatorID uint) (*dto.QuotaResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &dto.QuotaResponse{ModeratorID: moderatorID, MessagesLimit: 100, RemainingMessages: 100, QueuesLimit: -1, RemainingQueues: -1}, nil
}

func (f *fakeQuotaFlow) UpdateQuota(_ context.Context, req *dto.UpdateQuotaRequest, metadata *businessflow.ClientMetadata) (*dto.QuotaResponse, error) {
	f.updated = req
	f.metadata = metadata
	if f.err != nil {
		return nil, f.err
	}
	return &dto.QuotaResponse{ModeratorID: req.ModeratorID}, nil
}

func newQuotaAdminApp(flow businessflow.QuotaFlow) *fiber.App {
	h := NewQuotaAdminHandler(flow)
	app := fiber.New()
	app.Use(func(c fiber.Ctx) error {
		c.Locals("admin_id", uint(2))
		return c.Next()
	})
	app.Get("/quotas/:moderatorId", h.GetQuota)
	app.Put("/quotas/:moderatorId", h.UpdateQuota)
	return app
}

func TestQuotaAdminHandler_GetQuota(t *testing.T) {
	flow := &fakeQuotaFlow{}
	app := newQuotaAdminApp(flow)

	resp, body := doRequest(t, app, http.MethodGet, "/quotas/7", "")
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	data, ok := body.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(7), data["moderator_id"])
	assert.Equal(t, float64(-1), data["remaining_queues"])

	resp, body = doRequest(t, app, http.MethodGet, "/quotas/0", "")
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_MODERATOR_ID", errorCode(t, body))

	flow.err = businessflow.NewBusinessError("QUOTA_NOT_FOUND", "missing", businessflow.ErrQuotaNotFound)
	resp, body = doRequest(t, app, http.MethodGet, "/quotas/7", "")
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "QUOTA_NOT_FOUND", errorCode(t, body))
}

func TestQuotaAdminHandler_UpdateQuota(t *testing.T) {
	flow := &fakeQuotaFlow{}
	app := newQuotaAdminApp(flow)

	resp, body := doRequest(t, app, http.MethodPut, "/quotas/7", `{"messages":50,"mode":"add"}`)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.True(t, body.Success)
	require.NotNil(t, flow.updated)
	assert.Equal(t, uint(7), flow.updated.ModeratorID)
	require.NotNil(t, flow.updated.Messages)
	assert.Equal(t, int64(50), *flow.updated.Messages)
	assert.Nil(t, flow.updated.Queues)
	assert.Equal(t, "2", flow.metadata.Additional["admin_id"])

	tests := []struct {
		name       string
		body       string
		flowErr    error
		wantStatus int
		wantCode   string
	}{
		{name: "malformed body", body: `{"mode":`, wantStatus: fiber.StatusBadRequest, wantCode: "INVALID_REQUEST"},
		{name: "unknown mode", body: `{"messages":5,"mode":"multiply"}`, wantStatus: fiber.StatusBadRequest, wantCode: "VALIDATION_ERROR"},
		{name: "limit below unlimited", body: `{"messages":-2,"mode":"set"}`, wantStatus: fiber.StatusBadRequest, wantCode: "VALIDATION_ERROR"},
		{
			name: "below consumed", body: `{"messages":1,"mode":"set"}`,
			flowErr:    businessflow.NewBusinessError("INVALID_MESSAGES_LIMIT", "below consumed", businessflow.ErrLimitBelowConsumed),
			wantStatus: fiber.StatusBadRequest, wantCode: "INVALID_QUOTA_UPDATE",
		},
		{
			name: "unexpected", body: `{"messages":1,"mode":"set"}`,
			flowErr:    assert.AnError,
			wantStatus: fiber.StatusInternalServerError, wantCode: "QUOTA_UPDATE_FAILED",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := newQuotaAdminApp(&fakeQuotaFlow{err: tt.flowErr})
			resp, body := doRequest(t, app, http.MethodPut, "/quotas/7", tt.body)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			assert.Equal(t, tt.wantCode, errorCode(t, body))
		})
	}
}
