// internal/notification/feed/reader_test.go
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"

	commonerrors "workspace-notifications/internal/common/errors"
	"workspace-notifications/internal/common/logger"
	"workspace-notifications/internal/models"
	"workspace-notifications/internal/notification/counter"
	"workspace-notifications/internal/notification/store"
)

// ==========================
// Test Helper Functions
// ==========================

func newTestReader(t *testing.T) (*Reader, sqlmock.Sqlmock, *miniredis.Miniredis, *redis.Client) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	log := logger.NewTestLogger(t)
	ds := store.NewDualStore(db, client, time.Hour, 100, log)
	counters := counter.NewManager(db, client, time.Hour, 5*time.Second, log)

	return NewReader(db, client, ds, counters, log), mock, mr, client
}

func feedNotification(id, workspaceID string, age time.Duration, read bool) *models.Notification {
	return &models.Notification{
		ID:          id,
		RecipientID: "user-001",
		WorkspaceID: workspaceID,
		Type:        models.TypeTaskAssigned,
		Title:       "Task assigned",
		Message:     "message for " + id,
		Read:        read,
		CreatedAt:   time.Now().UTC().Add(-age),
	}
}

// seedFeed writes the notifications into the record mirror and feed list,
// newest first, the way Persist would have left them.
func seedFeed(t *testing.T, client *redis.Client, workspaceID string, notifications ...*models.Notification) {
	ctx := context.Background()
	for _, n := range notifications {
		payload, err := json.Marshal(n)
		assert.NoError(t, err)
		assert.NoError(t, client.Set(ctx, store.RecordKey(n.ID), payload, time.Hour).Err())
		assert.NoError(t, client.RPush(ctx, store.FeedKey("user-001", workspaceID), n.ID).Err())
	}
}

// ==========================
// Cached Path Tests
// ==========================

func TestReader_GetUserNotifications_ServedFromCache(t *testing.T) {
	reader, mock, mr, client := newTestReader(t)

	seedFeed(t, client, "ws-001",
		feedNotification("n3", "ws-001", 1*time.Minute, false),
		feedNotification("n2", "ws-001", 2*time.Minute, false),
		feedNotification("n1", "ws-001", 3*time.Minute, true),
	)
	mr.Set("notif:unread:user-001:ws-001", "2")

	feed, err := reader.GetUserNotifications(context.Background(), "user-001", "ws-001", models.FeedOptions{
		Page:  1,
		Limit: 2,
	})

	assert.NoError(t, err)
	assert.Equal(t, 3, feed.Total)
	assert.Equal(t, int64(2), feed.UnreadCount)
	assert.Len(t, feed.Notifications, 2)
	assert.Equal(t, "n3", feed.Notifications[0].ID)
	assert.Equal(t, "n2", feed.Notifications[1].ID)

	// The whole page came from the cache; no query expectation was set.
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReader_GetUserNotifications_SecondPage(t *testing.T) {
	reader, mock, mr, client := newTestReader(t)

	seedFeed(t, client, "ws-001",
		feedNotification("n3", "ws-001", 1*time.Minute, false),
		feedNotification("n2", "ws-001", 2*time.Minute, false),
		feedNotification("n1", "ws-001", 3*time.Minute, false),
	)
	mr.Set("notif:unread:user-001:ws-001", "3")

	feed, err := reader.GetUserNotifications(context.Background(), "user-001", "ws-001", models.FeedOptions{
		Page:  2,
		Limit: 2,
	})

	assert.NoError(t, err)
	assert.Equal(t, 3, feed.Total)
	assert.Len(t, feed.Notifications, 1)
	assert.Equal(t, "n1", feed.Notifications[0].ID)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReader_GetUserNotifications_UnreadOnlyFilter(t *testing.T) {
	reader, mock, mr, client := newTestReader(t)

	seedFeed(t, client, "ws-001",
		feedNotification("n2", "ws-001", 1*time.Minute, true),
		feedNotification("n1", "ws-001", 2*time.Minute, false),
	)
	mr.Set("notif:unread:user-001:ws-001", "1")

	feed, err := reader.GetUserNotifications(context.Background(), "user-001", "ws-001", models.FeedOptions{
		Page:       1,
		Limit:      20,
		UnreadOnly: true,
	})

	assert.NoError(t, err)
	assert.Equal(t, 1, feed.Total)
	assert.Len(t, feed.Notifications, 1)
	assert.Equal(t, "n1", feed.Notifications[0].ID)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReader_GetUserNotifications_TypeFilter(t *testing.T) {
	reader, mock, mr, client := newTestReader(t)

	commented := feedNotification("n2", "ws-001", 1*time.Minute, false)
	commented.Type = models.TypeTaskCommented
	seedFeed(t, client, "ws-001",
		commented,
		feedNotification("n1", "ws-001", 2*time.Minute, false),
	)
	mr.Set("notif:unread:user-001:ws-001", "2")

	feed, err := reader.GetUserNotifications(context.Background(), "user-001", "ws-001", models.FeedOptions{
		Page:  1,
		Limit: 20,
		Types: []models.NotificationType{models.TypeTaskCommented},
	})

	assert.NoError(t, err)
	assert.Equal(t, 1, feed.Total)
	assert.Equal(t, "n2", feed.Notifications[0].ID)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReader_GetUserNotifications_AllWorkspacesMergesFeeds(t *testing.T) {
	reader, mock, mr, client := newTestReader(t)

	seedFeed(t, client, "ws-001", feedNotification("n1", "ws-001", 2*time.Minute, false))
	seedFeed(t, client, "ws-002", feedNotification("n2", "ws-002", 1*time.Minute, false))
	mr.Set("notif:unread:user-001", "2")

	feed, err := reader.GetUserNotifications(context.Background(), "user-001", "", models.FeedOptions{
		Page:  1,
		Limit: 20,
	})

	assert.NoError(t, err)
	assert.Equal(t, 2, feed.Total)
	assert.Len(t, feed.Notifications, 2)
	// Newest first across workspaces.
	assert.Equal(t, "n2", feed.Notifications[0].ID)
	assert.Equal(t, "n1", feed.Notifications[1].ID)

	assert.NoError(t, mock.ExpectationsWereMet())
}

// ==========================
// Durable Fallback Tests
// ==========================

func TestReader_GetUserNotifications_ColdCacheFallsBackToDatabase(t *testing.T) {
	reader, mock, mr, _ := newTestReader(t)

	n := feedNotification("n1", "ws-001", 1*time.Minute, false)
	dataJSON, _ := json.Marshal(n.Data)
	channelsJSON, _ := json.Marshal(n.Channels)

	mock.ExpectQuery(`SELECT COUNT`).
		WithArgs("user-001", "ws-001").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery(`SELECT id, recipient_id`).
		WithArgs("user-001", "ws-001", 20, 0).
		WillReturnRows(sqlmock.NewRows([]string{"id", "recipient_id", "workspace_id", "type", "title", "message", "data", "channels", "read", "created_at", "read_at"}).
			AddRow(n.ID, n.RecipientID, n.WorkspaceID, string(n.Type), n.Title, n.Message, dataJSON, channelsJSON, n.Read, n.CreatedAt, nil))

	mr.Set("notif:unread:user-001:ws-001", "1")

	feed, err := reader.GetUserNotifications(context.Background(), "user-001", "ws-001", models.FeedOptions{
		Page:  1,
		Limit: 20,
	})

	assert.NoError(t, err)
	assert.Equal(t, 1, feed.Total)
	assert.Equal(t, int64(1), feed.UnreadCount)
	assert.Len(t, feed.Notifications, 1)
	assert.Equal(t, "n1", feed.Notifications[0].ID)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReader_GetUserNotifications_TypeFilterPushedToDatabase(t *testing.T) {
	reader, mock, mr, _ := newTestReader(t)

	mock.ExpectQuery(`SELECT COUNT`).
		WithArgs("user-001", "ws-001", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery(`SELECT id, recipient_id`).
		WithArgs("user-001", "ws-001", sqlmock.AnyArg(), 20, 0).
		WillReturnRows(sqlmock.NewRows([]string{"id", "recipient_id", "workspace_id", "type", "title", "message", "data", "channels", "read", "created_at", "read_at"}))

	mr.Set("notif:unread:user-001:ws-001", "0")

	feed, err := reader.GetUserNotifications(context.Background(), "user-001", "ws-001", models.FeedOptions{
		Page:  1,
		Limit: 20,
		Types: []models.NotificationType{models.TypeTaskCompleted},
	})

	assert.NoError(t, err)
	assert.Zero(t, feed.Total)
	assert.Empty(t, feed.Notifications)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReader_GetUserNotifications_EmptyFilteredCacheFallsBack(t *testing.T) {
	reader, mock, mr, client := newTestReader(t)

	// Everything cached is already read; unreadOnly must consult the database
	// rather than conclude the user has no unread notifications.
	seedFeed(t, client, "ws-001", feedNotification("n1", "ws-001", 1*time.Minute, true))
	mr.Set("notif:unread:user-001:ws-001", "0")

	mock.ExpectQuery(`SELECT COUNT`).
		WithArgs("user-001", "ws-001").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery(`SELECT id, recipient_id`).
		WithArgs("user-001", "ws-001", 20, 0).
		WillReturnRows(sqlmock.NewRows([]string{"id", "recipient_id", "workspace_id", "type", "title", "message", "data", "channels", "read", "created_at", "read_at"}))

	feed, err := reader.GetUserNotifications(context.Background(), "user-001", "ws-001", models.FeedOptions{
		Page:       1,
		Limit:      20,
		UnreadOnly: true,
	})

	assert.NoError(t, err)
	assert.Zero(t, feed.Total)
	assert.Empty(t, feed.Notifications)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReader_GetUserNotifications_DurableQueryFailure(t *testing.T) {
	reader, mock, _, _ := newTestReader(t)

	mock.ExpectQuery(`SELECT COUNT`).
		WithArgs("user-001", "ws-001").
		WillReturnError(errors.New("connection lost"))

	feed, err := reader.GetUserNotifications(context.Background(), "user-001", "ws-001", models.FeedOptions{
		Page:  1,
		Limit: 20,
	})

	assert.Error(t, err)
	assert.True(t, commonerrors.IsCode(err, commonerrors.ErrCodePersistenceFailed))
	assert.Nil(t, feed)

	assert.NoError(t, mock.ExpectationsWereMet())
}

// ==========================
// Normalization Tests
// ==========================

func TestReader_GetUserNotifications_NormalizesPaging(t *testing.T) {
	reader, mock, mr, client := newTestReader(t)

	seedFeed(t, client, "ws-001", feedNotification("n1", "ws-001", 1*time.Minute, false))
	mr.Set("notif:unread:user-001:ws-001", "1")

	// Page 0 and an oversized limit are clamped rather than rejected.
	feed, err := reader.GetUserNotifications(context.Background(), "user-001", "ws-001", models.FeedOptions{
		Page:  0,
		Limit: 10000,
	})

	assert.NoError(t, err)
	assert.Equal(t, 1, feed.Total)
	assert.Len(t, feed.Notifications, 1)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReader_GetUserNotifications_PageBeyondEndConsultsDatabase(t *testing.T) {
	reader, mock, mr, client := newTestReader(t)

	// One cached entry cannot prove page 5 is empty; the trimmed list may be
	// hiding older rows, so the durable store decides.
	seedFeed(t, client, "ws-001", feedNotification("n1", "ws-001", 1*time.Minute, false))
	mr.Set("notif:unread:user-001:ws-001", "1")

	mock.ExpectQuery(`SELECT COUNT`).
		WithArgs("user-001", "ws-001").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery(`SELECT id, recipient_id`).
		WithArgs("user-001", "ws-001", 20, 80).
		WillReturnRows(sqlmock.NewRows([]string{"id", "recipient_id", "workspace_id", "type", "title", "message", "data", "channels", "read", "created_at", "read_at"}))

	feed, err := reader.GetUserNotifications(context.Background(), "user-001", "ws-001", models.FeedOptions{
		Page:  5,
		Limit: 20,
	})

	assert.NoError(t, err)
	assert.Equal(t, 1, feed.Total)
	assert.Empty(t, feed.Notifications)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReader_GetUserNotifications_PagePastTrimmedWindowFallsBack(t *testing.T) {
	reader, mock, mr, client := newTestReader(t)

	// Three durable rows but only the two newest survive the feed list trim.
	// Page 2 lies past the cached window and must come from the database.
	n1 := feedNotification("n1", "ws-001", 3*time.Minute, false)
	seedFeed(t, client, "ws-001",
		feedNotification("n3", "ws-001", 1*time.Minute, false),
		feedNotification("n2", "ws-001", 2*time.Minute, false),
	)
	mr.Set("notif:unread:user-001:ws-001", "3")

	dataJSON, _ := json.Marshal(n1.Data)
	channelsJSON, _ := json.Marshal(n1.Channels)
	mock.ExpectQuery(`SELECT COUNT`).
		WithArgs("user-001", "ws-001").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))
	mock.ExpectQuery(`SELECT id, recipient_id`).
		WithArgs("user-001", "ws-001", 2, 2).
		WillReturnRows(sqlmock.NewRows([]string{"id", "recipient_id", "workspace_id", "type", "title", "message", "data", "channels", "read", "created_at", "read_at"}).
			AddRow(n1.ID, n1.RecipientID, n1.WorkspaceID, string(n1.Type), n1.Title, n1.Message, dataJSON, channelsJSON, n1.Read, n1.CreatedAt, nil))

	feed, err := reader.GetUserNotifications(context.Background(), "user-001", "ws-001", models.FeedOptions{
		Page:  2,
		Limit: 2,
	})

	assert.NoError(t, err)
	assert.Equal(t, 3, feed.Total)
	assert.Len(t, feed.Notifications, 1)
	assert.Equal(t, "n1", feed.Notifications[0].ID)

	assert.NoError(t, mock.ExpectationsWereMet())
}
