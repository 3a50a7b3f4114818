package handler

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/edvin/iotgate/internal/credential"
	"github.com/edvin/iotgate/internal/model"
	"github.com/edvin/iotgate/internal/webhook"
)

type mockKeyStore struct {
	mock.Mock
}

func (m *mockKeyStore) Issue(ctx context.Context, p credential.IssueParams) (*model.APIKey, string, error) {
	args := m.Called(ctx, p)
	if args.Get(0) == nil {
		return nil, "", args.Error(2)
	}
	return args.Get(0).(*model.APIKey), args.String(1), args.Error(2)
}

func (m *mockKeyStore) Rotate(ctx context.Context, accountID, keyID, actor string) (*model.APIKey, string, error) {
	args := m.Called(ctx, accountID, keyID, actor)
	if args.Get(0) == nil {
		return nil, "", args.Error(2)
	}
	return args.Get(0).(*model.APIKey), args.String(1), args.Error(2)
}

func (m *mockKeyStore) Revoke(ctx context.Context, accountID, keyID, actor string) error {
	return m.Called(ctx, accountID, keyID, actor).Error(0)
}

func (m *mockKeyStore) Get(ctx context.Context, accountID, keyID string) (*model.APIKey, error) {
	args := m.Called(ctx, accountID, keyID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.APIKey), args.Error(1)
}

func (m *mockKeyStore) List(ctx context.Context, accountID string, limit int, cursor string) ([]model.APIKey, bool, error) {
	args := m.Called(ctx, accountID, limit, cursor)
	if args.Get(0) == nil {
		return nil, false, args.Error(2)
	}
	return args.Get(0).([]model.APIKey), args.Bool(1), args.Error(2)
}

type mockWebhookService struct {
	mock.Mock
}

func (m *mockWebhookService) Register(ctx context.Context, p webhook.RegisterParams) (*model.WebhookEndpoint, string, error) {
	args := m.Called(ctx, p)
	if args.Get(0) == nil {
		return nil, "", args.Error(2)
	}
	return args.Get(0).(*model.WebhookEndpoint), args.String(1), args.Error(2)
}

func (m *mockWebhookService) Get(ctx context.Context, accountID, id string) (*model.WebhookEndpoint, error) {
	args := m.Called(ctx, accountID, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.WebhookEndpoint), args.Error(1)
}

func (m *mockWebhookService) List(ctx context.Context, accountID string, limit int, cursor string) ([]model.WebhookEndpoint, bool, error) {
	args := m.Called(ctx, accountID, limit, cursor)
	if args.Get(0) == nil {
		return nil, false, args.Error(2)
	}
	return args.Get(0).([]model.WebhookEndpoint), args.Bool(1), args.Error(2)
}

func (m *mockWebhookService) Deactivate(ctx context.Context, accountID, id, actor string) error {
	return m.Called(ctx, accountID, id, actor).Error(0)
}

func (m *mockWebhookService) Deliveries(ctx context.Context, accountID, id string, limit int, cursor string) ([]model.WebhookDeliveryAttempt, bool, error) {
	args := m.Called(ctx, accountID, id, limit, cursor)
	if args.Get(0) == nil {
		return nil, false, args.Error(2)
	}
	return args.Get(0).([]model.WebhookDeliveryAttempt), args.Bool(1), args.Error(2)
}

func (m *mockWebhookService) Test(ctx context.Context, accountID, id string) (webhook.DeliveryResult, error) {
	args := m.Called(ctx, accountID, id)
	return args.Get(0).(webhook.DeliveryResult), args.Error(1)
}

type mockTriggerer struct {
	mock.Mock
}

func (m *mockTriggerer) Trigger(ctx context.Context, event string, data map[string]any, accountID string) (int, error) {
	args := m.Called(ctx, event, data, accountID)
	return args.Int(0), args.Error(1)
}
