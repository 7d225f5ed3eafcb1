// Package dispatch sends a composed notification over its outbound channels.
// Delivery is at-least-once and fire-and-forget from the composer's point of
// view: the record is already persisted, so per-channel failures are logged and
// counted but never bubble up.
package dispatch

import (
	"context"
	"encoding/json"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	sestypes "github.com/aws/aws-sdk-go-v2/service/ses/types"
	"github.com/aws/aws-sdk-go-v2/service/sns"

	"workspace-notifications/internal/common/logger"
	"workspace-notifications/internal/common/metrics"
	"workspace-notifications/internal/models"
)

// SESService abstracts the SES client for mocking.
type SESService interface {
	SendEmail(ctx context.Context, input *ses.SendEmailInput) (*ses.SendEmailOutput, error)
}

// SNSService abstracts the SNS client for mocking.
type SNSService interface {
	Publish(ctx context.Context, input *sns.PublishInput) (*sns.PublishOutput, error)
}

// Contact is the delivery endpoint set of one recipient.
type Contact struct {
	Email           string
	PushEndpointARN string
}

// UserDirectory resolves a recipient's delivery endpoints.
type UserDirectory interface {
	Lookup(ctx context.Context, userID string) (*Contact, error)
}

// Config holds the channel switches for outbound delivery.
type Config struct {
	EmailEnabled bool
	PushEnabled  bool
	FromEmail    string
}

// Dispatcher fans one notification out to its active channels.
type Dispatcher struct {
	config    *Config
	ses       SESService
	sns       SNSService
	directory UserDirectory
	logger    logger.Logger
}

func NewDispatcher(cfg *Config, sesService SESService, snsService SNSService, directory UserDirectory, log logger.Logger) *Dispatcher {
	return &Dispatcher{
		config:    cfg,
		ses:       sesService,
		sns:       snsService,
		directory: directory,
		logger:    log,
	}
}

// Dispatch sends n over each channel in channels that needs an outbound send.
// IN_APP entries are ignored here since persistence already satisfied them. One
// directory lookup covers all channels of the call.
func (d *Dispatcher) Dispatch(ctx context.Context, n *models.Notification, channels []models.Channel) {
	needsContact := false
	for _, c := range channels {
		if c.RequiresDispatch() {
			needsContact = true
			break
		}
	}
	if !needsContact {
		return
	}

	contact, err := d.directory.Lookup(ctx, n.RecipientID)
	if err != nil {
		d.logger.WithError(err).Error("Recipient contact lookup failed", map[string]interface{}{
			"notificationId": n.ID,
			"recipientId":    n.RecipientID,
		})
		for _, c := range channels {
			if c.RequiresDispatch() {
				metrics.NotificationsDispatched.WithLabelValues(string(c), "failed").Inc()
			}
		}
		return
	}

	for _, c := range channels {
		switch c {
		case models.ChannelEmail:
			d.sendEmail(ctx, n, contact)
		case models.ChannelPush:
			d.sendPush(ctx, n, contact)
		}
	}
}

func (d *Dispatcher) sendEmail(ctx context.Context, n *models.Notification, contact *Contact) {
	if !d.config.EmailEnabled {
		d.logger.Debug("Email channel disabled, skipping send", map[string]interface{}{
			"notificationId": n.ID,
		})
		metrics.NotificationsDispatched.WithLabelValues("EMAIL", "skipped").Inc()
		return
	}
	if contact.Email == "" {
		d.logger.Warn("Recipient has no email address", map[string]interface{}{
			"notificationId": n.ID,
			"recipientId":    n.RecipientID,
		})
		metrics.NotificationsDispatched.WithLabelValues("EMAIL", "skipped").Inc()
		return
	}

	input := &ses.SendEmailInput{
		Source: aws.String(d.config.FromEmail),
		Destination: &sestypes.Destination{
			ToAddresses: []string{contact.Email},
		},
		Message: &sestypes.Message{
			Subject: &sestypes.Content{
				Data: aws.String(n.Title),
			},
			Body: &sestypes.Body{
				Text: &sestypes.Content{
					Data: aws.String(n.Message),
				},
			},
		},
	}

	if _, err := d.ses.SendEmail(ctx, input); err != nil {
		d.logger.WithError(err).Error("Email delivery failed", map[string]interface{}{
			"notificationId": n.ID,
			"recipientId":    n.RecipientID,
		})
		metrics.NotificationsDispatched.WithLabelValues("EMAIL", "failed").Inc()
		return
	}

	d.logger.Info("Email delivered", map[string]interface{}{
		"notificationId": n.ID,
		"recipientId":    n.RecipientID,
	})
	metrics.NotificationsDispatched.WithLabelValues("EMAIL", "sent").Inc()
}

// pushPayload is the JSON body published to the recipient's platform endpoint.
type pushPayload struct {
	NotificationID string                 `json:"notificationId"`
	Type           string                 `json:"type"`
	Title          string                 `json:"title"`
	Message        string                 `json:"message"`
	WorkspaceID    string                 `json:"workspaceId"`
	Data           map[string]interface{} `json:"data,omitempty"`
}

func (d *Dispatcher) sendPush(ctx context.Context, n *models.Notification, contact *Contact) {
	if !d.config.PushEnabled {
		d.logger.Debug("Push channel disabled, skipping send", map[string]interface{}{
			"notificationId": n.ID,
		})
		metrics.NotificationsDispatched.WithLabelValues("PUSH", "skipped").Inc()
		return
	}
	if contact.PushEndpointARN == "" {
		d.logger.Warn("Recipient has no push endpoint", map[string]interface{}{
			"notificationId": n.ID,
			"recipientId":    n.RecipientID,
		})
		metrics.NotificationsDispatched.WithLabelValues("PUSH", "skipped").Inc()
		return
	}

	payload, err := json.Marshal(pushPayload{
		NotificationID: n.ID,
		Type:           string(n.Type),
		Title:          n.Title,
		Message:        n.Message,
		WorkspaceID:    n.WorkspaceID,
		Data:           n.Data,
	})
	if err != nil {
		d.logger.WithError(err).Error("Push payload marshal failed", map[string]interface{}{
			"notificationId": n.ID,
		})
		metrics.NotificationsDispatched.WithLabelValues("PUSH", "failed").Inc()
		return
	}

	input := &sns.PublishInput{
		TargetArn: aws.String(contact.PushEndpointARN),
		Message:   aws.String(string(payload)),
	}

	if _, err := d.sns.Publish(ctx, input); err != nil {
		d.logger.WithError(err).Error("Push delivery failed", map[string]interface{}{
			"notificationId": n.ID,
			"recipientId":    n.RecipientID,
		})
		metrics.NotificationsDispatched.WithLabelValues("PUSH", "failed").Inc()
		return
	}

	d.logger.Info("Push delivered", map[string]interface{}{
		"notificationId": n.ID,
		"recipientId":    n.RecipientID,
	})
	metrics.NotificationsDispatched.WithLabelValues("PUSH", "sent").Inc()
}
