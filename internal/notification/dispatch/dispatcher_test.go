// internal/notification/dispatch/dispatcher_test.go
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/stretchr/testify/assert"

	"workspace-notifications/internal/common/logger"
	"workspace-notifications/internal/models"
)

// ==========================
// Test Helper Functions
// ==========================

type mockSESService struct {
	SendEmailFunc func(ctx context.Context, input *ses.SendEmailInput) (*ses.SendEmailOutput, error)
	calls         []*ses.SendEmailInput
}

func (m *mockSESService) SendEmail(ctx context.Context, input *ses.SendEmailInput) (*ses.SendEmailOutput, error) {
	m.calls = append(m.calls, input)
	if m.SendEmailFunc != nil {
		return m.SendEmailFunc(ctx, input)
	}
	return &ses.SendEmailOutput{}, nil
}

type mockSNSService struct {
	PublishFunc func(ctx context.Context, input *sns.PublishInput) (*sns.PublishOutput, error)
	calls       []*sns.PublishInput
}

func (m *mockSNSService) Publish(ctx context.Context, input *sns.PublishInput) (*sns.PublishOutput, error) {
	m.calls = append(m.calls, input)
	if m.PublishFunc != nil {
		return m.PublishFunc(ctx, input)
	}
	return &sns.PublishOutput{}, nil
}

type mockDirectory struct {
	LookupFunc func(ctx context.Context, userID string) (*Contact, error)
	lookups    int
}

func (m *mockDirectory) Lookup(ctx context.Context, userID string) (*Contact, error) {
	m.lookups++
	if m.LookupFunc != nil {
		return m.LookupFunc(ctx, userID)
	}
	return &Contact{}, nil
}

func dispatchTestConfig() *Config {
	return &Config{
		EmailEnabled: true,
		PushEnabled:  true,
		FromEmail:    "noreply@example.com",
	}
}

func dispatchTestNotification() *models.Notification {
	return &models.Notification{
		ID:          "notif-001",
		RecipientID: "user-001",
		WorkspaceID: "ws-001",
		Type:        models.TypeTaskAssigned,
		Title:       "Task assigned",
		Message:     "You were assigned a task",
		Data:        map[string]interface{}{"taskId": "task-1"},
		CreatedAt:   time.Now().UTC(),
	}
}

func fullContact() *Contact {
	return &Contact{
		Email:           "user@example.com",
		PushEndpointARN: "arn:aws:sns:us-east-1:123456789012:endpoint/GCM/app/abc",
	}
}

// ==========================
// Email Tests
// ==========================

func TestDispatcher_Dispatch_EmailDelivery(t *testing.T) {
	sesMock := &mockSESService{}
	snsMock := &mockSNSService{}
	dir := &mockDirectory{LookupFunc: func(ctx context.Context, userID string) (*Contact, error) {
		return fullContact(), nil
	}}
	d := NewDispatcher(dispatchTestConfig(), sesMock, snsMock, dir, logger.NewTestLogger(t))

	n := dispatchTestNotification()
	d.Dispatch(context.Background(), n, []models.Channel{models.ChannelEmail})

	assert.Len(t, sesMock.calls, 1)
	assert.Empty(t, snsMock.calls)

	input := sesMock.calls[0]
	assert.Equal(t, "noreply@example.com", *input.Source)
	assert.Equal(t, []string{"user@example.com"}, input.Destination.ToAddresses)
	assert.Equal(t, "Task assigned", *input.Message.Subject.Data)
	assert.Equal(t, "You were assigned a task", *input.Message.Body.Text.Data)
}

func TestDispatcher_Dispatch_EmailDisabledSkipsSend(t *testing.T) {
	cfg := dispatchTestConfig()
	cfg.EmailEnabled = false
	sesMock := &mockSESService{}
	dir := &mockDirectory{LookupFunc: func(ctx context.Context, userID string) (*Contact, error) {
		return fullContact(), nil
	}}
	d := NewDispatcher(cfg, sesMock, &mockSNSService{}, dir, logger.NewTestLogger(t))

	d.Dispatch(context.Background(), dispatchTestNotification(), []models.Channel{models.ChannelEmail})

	assert.Empty(t, sesMock.calls)
}

func TestDispatcher_Dispatch_MissingEmailAddressSkipsSend(t *testing.T) {
	sesMock := &mockSESService{}
	dir := &mockDirectory{LookupFunc: func(ctx context.Context, userID string) (*Contact, error) {
		return &Contact{PushEndpointARN: "arn:aws:sns:::endpoint"}, nil
	}}
	d := NewDispatcher(dispatchTestConfig(), sesMock, &mockSNSService{}, dir, logger.NewTestLogger(t))

	d.Dispatch(context.Background(), dispatchTestNotification(), []models.Channel{models.ChannelEmail})

	assert.Empty(t, sesMock.calls)
}

func TestDispatcher_Dispatch_EmailFailureIsAbsorbed(t *testing.T) {
	sesMock := &mockSESService{SendEmailFunc: func(ctx context.Context, input *ses.SendEmailInput) (*ses.SendEmailOutput, error) {
		return nil, errors.New("ses throttled")
	}}
	snsMock := &mockSNSService{}
	dir := &mockDirectory{LookupFunc: func(ctx context.Context, userID string) (*Contact, error) {
		return fullContact(), nil
	}}
	d := NewDispatcher(dispatchTestConfig(), sesMock, snsMock, dir, logger.NewTestLogger(t))

	// A failed email must not stop the push send.
	d.Dispatch(context.Background(), dispatchTestNotification(), []models.Channel{models.ChannelEmail, models.ChannelPush})

	assert.Len(t, sesMock.calls, 1)
	assert.Len(t, snsMock.calls, 1)
}

// ==========================
// Push Tests
// ==========================

func TestDispatcher_Dispatch_PushDelivery(t *testing.T) {
	snsMock := &mockSNSService{}
	dir := &mockDirectory{LookupFunc: func(ctx context.Context, userID string) (*Contact, error) {
		return fullContact(), nil
	}}
	d := NewDispatcher(dispatchTestConfig(), &mockSESService{}, snsMock, dir, logger.NewTestLogger(t))

	n := dispatchTestNotification()
	d.Dispatch(context.Background(), n, []models.Channel{models.ChannelPush})

	assert.Len(t, snsMock.calls, 1)
	input := snsMock.calls[0]
	assert.Equal(t, fullContact().PushEndpointARN, *input.TargetArn)

	var payload pushPayload
	assert.NoError(t, json.Unmarshal([]byte(*input.Message), &payload))
	assert.Equal(t, "notif-001", payload.NotificationID)
	assert.Equal(t, "TASK_ASSIGNED", payload.Type)
	assert.Equal(t, "ws-001", payload.WorkspaceID)
}

func TestDispatcher_Dispatch_MissingEndpointSkipsPush(t *testing.T) {
	snsMock := &mockSNSService{}
	dir := &mockDirectory{LookupFunc: func(ctx context.Context, userID string) (*Contact, error) {
		return &Contact{Email: "user@example.com"}, nil
	}}
	d := NewDispatcher(dispatchTestConfig(), &mockSESService{}, snsMock, dir, logger.NewTestLogger(t))

	d.Dispatch(context.Background(), dispatchTestNotification(), []models.Channel{models.ChannelPush})

	assert.Empty(t, snsMock.calls)
}

// ==========================
// Lookup Tests
// ==========================

func TestDispatcher_Dispatch_InAppOnlySkipsLookup(t *testing.T) {
	dir := &mockDirectory{}
	d := NewDispatcher(dispatchTestConfig(), &mockSESService{}, &mockSNSService{}, dir, logger.NewTestLogger(t))

	d.Dispatch(context.Background(), dispatchTestNotification(), []models.Channel{models.ChannelInApp})

	assert.Zero(t, dir.lookups)
}

func TestDispatcher_Dispatch_EmptyChannelsIsNoOp(t *testing.T) {
	dir := &mockDirectory{}
	d := NewDispatcher(dispatchTestConfig(), &mockSESService{}, &mockSNSService{}, dir, logger.NewTestLogger(t))

	d.Dispatch(context.Background(), dispatchTestNotification(), nil)

	assert.Zero(t, dir.lookups)
}

func TestDispatcher_Dispatch_SingleLookupForBothChannels(t *testing.T) {
	dir := &mockDirectory{LookupFunc: func(ctx context.Context, userID string) (*Contact, error) {
		return fullContact(), nil
	}}
	sesMock := &mockSESService{}
	snsMock := &mockSNSService{}
	d := NewDispatcher(dispatchTestConfig(), sesMock, snsMock, dir, logger.NewTestLogger(t))

	d.Dispatch(context.Background(), dispatchTestNotification(), models.AllChannels)

	assert.Equal(t, 1, dir.lookups)
	assert.Len(t, sesMock.calls, 1)
	assert.Len(t, snsMock.calls, 1)
}

func TestDispatcher_Dispatch_LookupFailureStopsAllSends(t *testing.T) {
	dir := &mockDirectory{LookupFunc: func(ctx context.Context, userID string) (*Contact, error) {
		return nil, errors.New("directory unavailable")
	}}
	sesMock := &mockSESService{}
	snsMock := &mockSNSService{}
	d := NewDispatcher(dispatchTestConfig(), sesMock, snsMock, dir, logger.NewTestLogger(t))

	d.Dispatch(context.Background(), dispatchTestNotification(), models.AllChannels)

	assert.Empty(t, sesMock.calls)
	assert.Empty(t, snsMock.calls)
}
