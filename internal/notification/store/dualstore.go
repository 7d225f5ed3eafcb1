// Package store owns the notification record in both stores: Postgres is the
// source of truth and every write lands there first; the Redis mirror (record
// keys plus per-(user, workspace) feed lists) is maintained best-effort and its
// failures are logged, never propagated.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	commonerrors "workspace-notifications/internal/common/errors"
	"workspace-notifications/internal/common/logger"
	"workspace-notifications/internal/common/metrics"
	"workspace-notifications/internal/models"
)

const insertNotificationQuery = `
	INSERT INTO notifications
		(id, recipient_id, workspace_id, type, title, message, data, channels, read, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

const selectNotificationQuery = `
	SELECT id, recipient_id, workspace_id, type, title, message, data, channels, read, created_at, read_at
	FROM notifications
	WHERE id = $1 AND recipient_id = $2`

const markReadQuery = `
	UPDATE notifications
	SET read = true, read_at = $3
	WHERE id = $1 AND recipient_id = $2 AND read = false
	RETURNING workspace_id`

const markAllReadUserQuery = `
	UPDATE notifications
	SET read = true, read_at = $2
	WHERE recipient_id = $1 AND read = false
	RETURNING id, workspace_id`

const markAllReadWorkspaceQuery = `
	UPDATE notifications
	SET read = true, read_at = $3
	WHERE recipient_id = $1 AND workspace_id = $2 AND read = false
	RETURNING id, workspace_id`

const deleteNotificationQuery = `
	DELETE FROM notifications
	WHERE id = $1 AND recipient_id = $2
	RETURNING workspace_id, read`

const deleteOlderThanQuery = `
	DELETE FROM notifications
	WHERE read = true AND created_at < $1
	RETURNING id, recipient_id, workspace_id`

// ReadReceipt identifies one notification transitioned to read.
type ReadReceipt struct {
	ID          string
	WorkspaceID string
}

// DeletedRecord describes one removed row, enough for cache and counter cleanup.
type DeletedRecord struct {
	ID          string
	RecipientID string
	WorkspaceID string
	WasUnread   bool
}

// DualStore persists notifications durably and mirrors them into Redis.
type DualStore struct {
	db       *sql.DB
	redis    *redis.Client
	ttl      time.Duration
	feedSize int64
	logger   logger.Logger
}

func NewDualStore(db *sql.DB, redisClient *redis.Client, ttl time.Duration, feedSize int, log logger.Logger) *DualStore {
	return &DualStore{
		db:       db,
		redis:    redisClient,
		ttl:      ttl,
		feedSize: int64(feedSize),
		logger:   log,
	}
}

// RecordKey is the cache key holding one notification's JSON mirror.
func RecordKey(notificationID string) string {
	return "notif:rec:" + notificationID
}

// FeedKey is the cache key holding the ordered id list for one feed scope.
func FeedKey(userID, workspaceID string) string {
	return fmt.Sprintf("notif:feed:%s:%s", userID, workspaceID)
}

// FeedKeyPattern matches every feed list of one user, across workspaces.
func FeedKeyPattern(userID string) string {
	return fmt.Sprintf("notif:feed:%s:*", userID)
}

// Persist writes the notification durably, then mirrors it into the cache. The
// durable write is the operation's outcome; mirror failures are logged only.
func (s *DualStore) Persist(ctx context.Context, n *models.Notification) error {
	dataJSON, err := json.Marshal(n.Data)
	if err != nil {
		return commonerrors.NewPersistenceFailedError("marshal notification data", err)
	}
	channelsJSON, err := json.Marshal(n.Channels)
	if err != nil {
		return commonerrors.NewPersistenceFailedError("marshal notification channels", err)
	}

	_, err = s.db.ExecContext(ctx, insertNotificationQuery,
		n.ID,
		n.RecipientID,
		n.WorkspaceID,
		n.Type,
		n.Title,
		n.Message,
		dataJSON,
		channelsJSON,
		n.Read,
		n.CreatedAt,
	)
	if err != nil {
		return commonerrors.NewPersistenceFailedError("insert notification", err)
	}

	s.mirror(ctx, n)
	return nil
}

// mirror writes the record key and pushes the id onto the feed list, trimming the
// list to the configured size. Pipelined so one round trip covers all four ops.
func (s *DualStore) mirror(ctx context.Context, n *models.Notification) {
	payload, err := json.Marshal(n)
	if err != nil {
		return
	}

	feedKey := FeedKey(n.RecipientID, n.WorkspaceID)
	pipe := s.redis.TxPipeline()
	pipe.Set(ctx, RecordKey(n.ID), payload, s.ttl)
	pipe.LPush(ctx, feedKey, n.ID)
	pipe.LTrim(ctx, feedKey, 0, s.feedSize-1)
	pipe.Expire(ctx, feedKey, s.ttl)

	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.WithError(err).Warn("Cache mirror write failed", map[string]interface{}{
			"notificationId": n.ID,
			"recipientId":    n.RecipientID,
		})
		metrics.CacheFailures.WithLabelValues("mirror").Inc()
	}
}

// Fetch returns one notification owned by userID, serving from the record mirror
// when possible and re-warming it from the durable row on a miss.
func (s *DualStore) Fetch(ctx context.Context, id, userID string) (*models.Notification, error) {
	key := RecordKey(id)

	if cached, err := s.redis.Get(ctx, key).Result(); err == nil {
		var n models.Notification
		if jsonErr := json.Unmarshal([]byte(cached), &n); jsonErr == nil && n.RecipientID == userID {
			metrics.CacheHits.WithLabelValues("record").Inc()
			return &n, nil
		}
	} else if err != redis.Nil {
		s.logger.WithError(err).Warn("Record cache read failed", map[string]interface{}{
			"key": key,
		})
		metrics.CacheFailures.WithLabelValues("record_get").Inc()
	}
	metrics.CacheMisses.WithLabelValues("record").Inc()

	n, err := s.fetchDurable(ctx, id, userID)
	if err != nil {
		return nil, err
	}

	if payload, jsonErr := json.Marshal(n); jsonErr == nil {
		if setErr := s.redis.Set(ctx, key, payload, s.ttl).Err(); setErr != nil {
			metrics.CacheFailures.WithLabelValues("record_set").Inc()
		}
	}
	return n, nil
}

func (s *DualStore) fetchDurable(ctx context.Context, id, userID string) (*models.Notification, error) {
	row := s.db.QueryRowContext(ctx, selectNotificationQuery, id, userID)
	n, err := scanNotification(row)
	if err == sql.ErrNoRows {
		return nil, commonerrors.NewNotificationNotFoundError(id)
	}
	if err != nil {
		return nil, commonerrors.NewPersistenceFailedError("select notification", err)
	}
	return n, nil
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanNotification(row rowScanner) (*models.Notification, error) {
	var (
		n            models.Notification
		dataJSON     []byte
		channelsJSON []byte
		readAt       sql.NullTime
	)
	err := row.Scan(
		&n.ID,
		&n.RecipientID,
		&n.WorkspaceID,
		&n.Type,
		&n.Title,
		&n.Message,
		&dataJSON,
		&channelsJSON,
		&n.Read,
		&n.CreatedAt,
		&readAt,
	)
	if err != nil {
		return nil, err
	}

	if len(dataJSON) > 0 {
		if err := json.Unmarshal(dataJSON, &n.Data); err != nil {
			return nil, err
		}
	}
	if len(channelsJSON) > 0 {
		if err := json.Unmarshal(channelsJSON, &n.Channels); err != nil {
			return nil, err
		}
	}
	if readAt.Valid {
		t := readAt.Time
		n.ReadAt = &t
	}
	return &n, nil
}

// ScanNotificationRows reads one notification from a multi-row result, using the
// same column order as the package's SELECT statements.
func ScanNotificationRows(rows *sql.Rows) (*models.Notification, error) {
	return scanNotification(rows)
}

// MarkRead transitions one unread notification to read. Returns updated=false when
// the row is missing, owned by someone else, or already read, which makes repeated
// calls idempotent. The record mirror is invalidated so the next read re-warms with
// the read flag set.
func (s *DualStore) MarkRead(ctx context.Context, id, userID string) (workspaceID string, updated bool, err error) {
	err = s.db.QueryRowContext(ctx, markReadQuery, id, userID, time.Now().UTC()).Scan(&workspaceID)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, commonerrors.NewPersistenceFailedError("mark read", err)
	}

	s.invalidateRecords(ctx, id)
	return workspaceID, true, nil
}

// MarkAllRead transitions every unread notification of the user (optionally scoped
// to one workspace) and returns the receipts. Record mirrors of the transitioned
// rows are invalidated best-effort.
func (s *DualStore) MarkAllRead(ctx context.Context, userID, workspaceID string) ([]ReadReceipt, error) {
	var (
		rows *sql.Rows
		err  error
	)
	now := time.Now().UTC()
	if workspaceID != "" {
		rows, err = s.db.QueryContext(ctx, markAllReadWorkspaceQuery, userID, workspaceID, now)
	} else {
		rows, err = s.db.QueryContext(ctx, markAllReadUserQuery, userID, now)
	}
	if err != nil {
		return nil, commonerrors.NewPersistenceFailedError("mark all read", err)
	}
	defer rows.Close()

	var receipts []ReadReceipt
	for rows.Next() {
		var r ReadReceipt
		if err := rows.Scan(&r.ID, &r.WorkspaceID); err != nil {
			return nil, commonerrors.NewPersistenceFailedError("scan read receipt", err)
		}
		receipts = append(receipts, r)
	}
	if err := rows.Err(); err != nil {
		return nil, commonerrors.NewPersistenceFailedError("iterate read receipts", err)
	}

	ids := make([]string, len(receipts))
	for i, r := range receipts {
		ids[i] = r.ID
	}
	s.invalidateRecords(ctx, ids...)

	return receipts, nil
}

// Delete removes one notification owned by userID from both stores. A nil record
// with nil error means the row did not exist.
func (s *DualStore) Delete(ctx context.Context, id, userID string) (*DeletedRecord, error) {
	rec := DeletedRecord{ID: id, RecipientID: userID}
	var read bool
	err := s.db.QueryRowContext(ctx, deleteNotificationQuery, id, userID).Scan(&rec.WorkspaceID, &read)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, commonerrors.NewPersistenceFailedError("delete notification", err)
	}
	rec.WasUnread = !read

	s.removeFromMirror(ctx, &rec)
	return &rec, nil
}

// DeleteOlderThan removes read notifications created before cutoff and returns the
// affected rows. Unread rows are never swept regardless of age.
func (s *DualStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) ([]DeletedRecord, error) {
	rows, err := s.db.QueryContext(ctx, deleteOlderThanQuery, cutoff)
	if err != nil {
		return nil, commonerrors.NewPersistenceFailedError("delete old notifications", err)
	}
	defer rows.Close()

	var deleted []DeletedRecord
	for rows.Next() {
		var rec DeletedRecord
		if err := rows.Scan(&rec.ID, &rec.RecipientID, &rec.WorkspaceID); err != nil {
			return nil, commonerrors.NewPersistenceFailedError("scan deleted notification", err)
		}
		deleted = append(deleted, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, commonerrors.NewPersistenceFailedError("iterate deleted notifications", err)
	}

	for i := range deleted {
		s.removeFromMirror(ctx, &deleted[i])
	}
	return deleted, nil
}

func (s *DualStore) invalidateRecords(ctx context.Context, ids ...string) {
	if len(ids) == 0 {
		return
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = RecordKey(id)
	}
	if err := s.redis.Del(ctx, keys...).Err(); err != nil {
		s.logger.WithError(err).Warn("Record mirror invalidation failed", map[string]interface{}{
			"count": len(keys),
		})
		metrics.CacheFailures.WithLabelValues("record_del").Inc()
	}
}

func (s *DualStore) removeFromMirror(ctx context.Context, rec *DeletedRecord) {
	pipe := s.redis.TxPipeline()
	pipe.Del(ctx, RecordKey(rec.ID))
	pipe.LRem(ctx, FeedKey(rec.RecipientID, rec.WorkspaceID), 0, rec.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.WithError(err).Warn("Cache mirror removal failed", map[string]interface{}{
			"notificationId": rec.ID,
		})
		metrics.CacheFailures.WithLabelValues("mirror_del").Inc()
	}
}
