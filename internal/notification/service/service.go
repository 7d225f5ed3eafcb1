// Package service orchestrates the compose pipeline and the externally invoked
// notification operations. The only error a compose propagates is a durable
// persistence failure; preference, cache, and dispatch problems are absorbed at
// their layer so a notification is never lost to a soft dependency.
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	commonerrors "workspace-notifications/internal/common/errors"
	"workspace-notifications/internal/common/logger"
	"workspace-notifications/internal/common/metrics"
	"workspace-notifications/internal/models"
	"workspace-notifications/internal/notification/preferences"
	"workspace-notifications/internal/notification/store"
)

// Input carries one compose request.
type Input struct {
	RecipientID string                  `json:"recipientId"`
	WorkspaceID string                  `json:"workspaceId"`
	Type        models.NotificationType `json:"type"`
	Title       string                  `json:"title"`
	Message     string                  `json:"message"`
	Data        map[string]interface{}  `json:"data,omitempty"`
	Channels    []models.Channel        `json:"channels,omitempty"`
}

// PreferenceResolver is the preference surface the service needs.
type PreferenceResolver interface {
	Resolve(ctx context.Context, userID, workspaceID string) (*models.Preferences, error)
	Upsert(ctx context.Context, userID, workspaceID string, update *models.PreferencesUpdate) (*models.Preferences, error)
}

// NotificationStore is the dual-store surface the service needs.
type NotificationStore interface {
	Persist(ctx context.Context, n *models.Notification) error
	Fetch(ctx context.Context, id, userID string) (*models.Notification, error)
	MarkRead(ctx context.Context, id, userID string) (workspaceID string, updated bool, err error)
	MarkAllRead(ctx context.Context, userID, workspaceID string) ([]store.ReadReceipt, error)
	Delete(ctx context.Context, id, userID string) (*store.DeletedRecord, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) ([]store.DeletedRecord, error)
}

// UnreadCounter is the counter surface the service needs.
type UnreadCounter interface {
	Increment(ctx context.Context, userID, workspaceID string, delta int64)
	Invalidate(ctx context.Context, userID, workspaceID string)
	Get(ctx context.Context, userID, workspaceID string) (int64, error)
}

// Dispatcher sends a notification over its outbound channels.
type Dispatcher interface {
	Dispatch(ctx context.Context, n *models.Notification, channels []models.Channel)
}

// FeedReader serves paginated feed reads.
type FeedReader interface {
	GetUserNotifications(ctx context.Context, userID, workspaceID string, opts models.FeedOptions) (*models.Feed, error)
}

// Service wires the notification components together.
type Service struct {
	prefs      PreferenceResolver
	store      NotificationStore
	counters   UnreadCounter
	dispatcher Dispatcher
	feed       FeedReader
	logger     logger.Logger
}

func New(prefs PreferenceResolver, notifStore NotificationStore, counters UnreadCounter, dispatcher Dispatcher, feed FeedReader, log logger.Logger) *Service {
	return &Service{
		prefs:      prefs,
		store:      notifStore,
		counters:   counters,
		dispatcher: dispatcher,
		feed:       feed,
		logger:     log,
	}
}

// CreateAndSend composes, persists, counts, and dispatches one notification.
// Requested channels default to all channels when empty; the effective set is the
// preference-filtered subset and may be empty, in which case the notification is
// still persisted and counted as unread.
func (s *Service) CreateAndSend(ctx context.Context, in *Input) (*models.Notification, error) {
	start := time.Now()

	if err := validateInput(in); err != nil {
		return nil, err
	}

	requested := in.Channels
	if len(requested) == 0 {
		requested = models.AllChannels
	}

	prefs, err := s.prefs.Resolve(ctx, in.RecipientID, in.WorkspaceID)
	if err != nil {
		// Never block a notification on the preference layer.
		s.logger.WithError(err).Warn("Preference resolution failed, using defaults", map[string]interface{}{
			"recipientId": in.RecipientID,
			"workspaceId": in.WorkspaceID,
		})
		prefs = models.DefaultPreferences(in.RecipientID, in.WorkspaceID)
	}
	effective := preferences.FilterChannels(prefs, in.Type, requested)

	n := &models.Notification{
		ID:          uuid.New().String(),
		RecipientID: in.RecipientID,
		WorkspaceID: in.WorkspaceID,
		Type:        in.Type,
		Title:       in.Title,
		Message:     in.Message,
		Data:        in.Data,
		Channels:    effective,
		CreatedAt:   time.Now().UTC(),
	}

	if err := s.store.Persist(ctx, n); err != nil {
		return nil, err
	}
	s.counters.Increment(ctx, n.RecipientID, n.WorkspaceID, 1)
	s.dispatcher.Dispatch(ctx, n, effective)

	metrics.NotificationsComposed.WithLabelValues(string(n.Type)).Inc()
	metrics.ComposeDuration.WithLabelValues(string(n.Type)).Observe(time.Since(start).Seconds())

	s.logger.Info("Notification composed", map[string]interface{}{
		"notificationId": n.ID,
		"recipientId":    n.RecipientID,
		"workspaceId":    n.WorkspaceID,
		"type":           string(n.Type),
		"channels":       effective,
	})
	return n, nil
}

func validateInput(in *Input) error {
	switch {
	case in.RecipientID == "":
		return commonerrors.NewInvalidNotificationInputError("recipientId is required")
	case in.WorkspaceID == "":
		return commonerrors.NewInvalidNotificationInputError("workspaceId is required")
	case in.Title == "":
		return commonerrors.NewInvalidNotificationInputError("title is required")
	case !in.Type.Valid():
		return commonerrors.NewInvalidNotificationInputError(fmt.Sprintf("unknown notification type %q", in.Type))
	}
	for _, c := range in.Channels {
		if !c.Valid() {
			return commonerrors.NewInvalidNotificationInputError(fmt.Sprintf("unknown channel %q", c))
		}
	}
	return nil
}

// GetNotification returns one notification owned by userID.
func (s *Service) GetNotification(ctx context.Context, id, userID string) (*models.Notification, error) {
	return s.store.Fetch(ctx, id, userID)
}

// GetUserNotifications returns one feed page.
func (s *Service) GetUserNotifications(ctx context.Context, userID, workspaceID string, opts models.FeedOptions) (*models.Feed, error) {
	return s.feed.GetUserNotifications(ctx, userID, workspaceID, opts)
}

// GetUnreadCount returns the unread count for the user, scoped to workspaceID when
// non-empty.
func (s *Service) GetUnreadCount(ctx context.Context, userID, workspaceID string) (int64, error) {
	return s.counters.Get(ctx, userID, workspaceID)
}

// MarkAsRead transitions one notification to read. Returns false without error
// when the notification is missing or already read, so retries are idempotent and
// the counter is decremented exactly once per transition.
func (s *Service) MarkAsRead(ctx context.Context, id, userID string) (bool, error) {
	workspaceID, updated, err := s.store.MarkRead(ctx, id, userID)
	if err != nil {
		return false, err
	}
	if !updated {
		return false, nil
	}
	s.counters.Increment(ctx, userID, workspaceID, -1)
	return true, nil
}

// MarkAllAsRead transitions every unread notification of the user, optionally
// scoped to one workspace, and returns how many rows changed. Counters are
// decremented per workspace from the returned receipts.
func (s *Service) MarkAllAsRead(ctx context.Context, userID, workspaceID string) (int64, error) {
	receipts, err := s.store.MarkAllRead(ctx, userID, workspaceID)
	if err != nil {
		return 0, err
	}

	perWorkspace := make(map[string]int64)
	for _, r := range receipts {
		perWorkspace[r.WorkspaceID]++
	}
	for ws, count := range perWorkspace {
		s.counters.Increment(ctx, userID, ws, -count)
	}

	return int64(len(receipts)), nil
}

// DeleteNotification removes one notification from both stores. Returns false
// without error when the row did not exist.
func (s *Service) DeleteNotification(ctx context.Context, id, userID string) (bool, error) {
	rec, err := s.store.Delete(ctx, id, userID)
	if err != nil {
		return false, err
	}
	if rec == nil {
		return false, nil
	}
	if rec.WasUnread {
		s.counters.Increment(ctx, userID, rec.WorkspaceID, -1)
	}
	return true, nil
}

// DeleteOldNotifications sweeps read notifications older than daysOld days and
// invalidates the counters of affected users. Only read rows are ever removed, so
// the invalidation is a safety net rather than a correction.
func (s *Service) DeleteOldNotifications(ctx context.Context, daysOld int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -daysOld)
	deleted, err := s.store.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	affected := make(map[string]string)
	for _, rec := range deleted {
		affected[rec.RecipientID+":"+rec.WorkspaceID] = rec.RecipientID
	}
	for key, userID := range affected {
		workspaceID := key[len(userID)+1:]
		s.counters.Invalidate(ctx, userID, workspaceID)
	}

	metrics.NotificationsPurged.Add(float64(len(deleted)))
	s.logger.Info("Retention sweep completed", map[string]interface{}{
		"deleted": len(deleted),
		"cutoff":  cutoff,
	})
	return int64(len(deleted)), nil
}

// SendBulkNotification composes the same notification for each recipient.
// Failures are isolated per recipient; the batch never aborts. Returns how many
// composes succeeded.
func (s *Service) SendBulkNotification(ctx context.Context, recipientIDs []string, template *Input) (int, error) {
	succeeded := 0
	var failed []string
	for _, recipientID := range recipientIDs {
		in := *template
		in.RecipientID = recipientID
		if _, err := s.CreateAndSend(ctx, &in); err != nil {
			s.logger.WithError(err).Error("Bulk compose failed for recipient", map[string]interface{}{
				"recipientId": recipientID,
				"workspaceId": template.WorkspaceID,
			})
			failed = append(failed, recipientID)
			continue
		}
		succeeded++
	}

	if len(failed) > 0 {
		s.logger.Warn("Bulk send finished with failures", map[string]interface{}{
			"requested": len(recipientIDs),
			"succeeded": succeeded,
			"failed":    failed,
		})
	}
	return succeeded, nil
}

// UpdatePreferences applies a partial preference update for (userID, workspaceID).
func (s *Service) UpdatePreferences(ctx context.Context, userID, workspaceID string, update *models.PreferencesUpdate) (*models.Preferences, error) {
	return s.prefs.Upsert(ctx, userID, workspaceID, update)
}
