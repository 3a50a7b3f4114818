package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/edvin/iotgate/internal/apperr"
	"github.com/edvin/iotgate/internal/model"
)

func TestEventPublish_ScopedToCallerAccount(t *testing.T) {
	engine := new(mockTriggerer)
	h := NewEvent(engine)
	engine.On("Trigger", mock.Anything, model.EventDeviceOffline,
		map[string]any{"device_id": "dev-9"}, testAccount).Return(2, nil)

	rec := httptest.NewRecorder()
	r := withCaller(newRequest(http.MethodPost, "/api/v1/events", map[string]any{
		"event": model.EventDeviceOffline,
		"data":  map[string]any{"device_id": "dev-9"},
	}))

	h.Publish(rec, r)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var body publishResult
	require.NoError(t, json.Unmarshal(decodeEnvelope(rec).Data, &body))
	assert.Equal(t, model.EventDeviceOffline, body.Event)
	assert.Equal(t, 2, body.Endpoints)
	engine.AssertExpectations(t)
}

func TestEventPublish_TestEventRejected(t *testing.T) {
	engine := new(mockTriggerer)
	h := NewEvent(engine)

	rec := httptest.NewRecorder()
	r := withCaller(newRequest(http.MethodPost, "/api/v1/events", map[string]any{
		"event": model.EventWebhookTest,
		"data":  map[string]any{},
	}))

	h.Publish(rec, r)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	engine.AssertNotCalled(t, "Trigger", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestEventPublish_MissingData(t *testing.T) {
	h := NewEvent(new(mockTriggerer))

	rec := httptest.NewRecorder()
	r := withCaller(newRequest(http.MethodPost, "/api/v1/events", map[string]any{
		"event": model.EventDeviceOnline,
	}))

	h.Publish(rec, r)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEventPublish_StorageUnavailable(t *testing.T) {
	engine := new(mockTriggerer)
	h := NewEvent(engine)
	engine.On("Trigger", mock.Anything, mock.Anything, mock.Anything, testAccount).
		Return(0, apperr.Wrap(apperr.StorageUnavailable, "could not look up webhooks", errors.New("timeout")))

	rec := httptest.NewRecorder()
	r := withCaller(newRequest(http.MethodPost, "/api/v1/events", map[string]any{
		"event": model.EventAlertResolved,
		"data":  map[string]any{"alert_id": "a-1"},
	}))

	h.Publish(rec, r)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
