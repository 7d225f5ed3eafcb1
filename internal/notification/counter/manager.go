// Package counter maintains the cached unread counters. The cached value is only
// ever adjusted with atomic INCRBY over an existing key; a missing key is repaired
// by recomputing from the durable store under a short NX lock. An increment that
// lands mid-recompute can still be shadowed by the write-back; the counter TTL
// bounds how long such drift survives.
package counter

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	commonerrors "workspace-notifications/internal/common/errors"
	"workspace-notifications/internal/common/logger"
	"workspace-notifications/internal/common/metrics"
)

const countUnreadUserQuery = `
	SELECT COUNT(*) FROM notifications
	WHERE recipient_id = $1 AND read = false`

const countUnreadWorkspaceQuery = `
	SELECT COUNT(*) FROM notifications
	WHERE recipient_id = $1 AND workspace_id = $2 AND read = false`

// incrIfExists adjusts a counter only when the key is already present. Applying a
// delta to an absent key would seed it with the delta instead of the true count;
// skipping leaves the repair to the next recompute.
var incrIfExists = redis.NewScript(`
	if redis.call('EXISTS', KEYS[1]) == 1 then
		return redis.call('INCRBY', KEYS[1], ARGV[1])
	end
	return -1
`)

// Manager owns the unread counters for all users.
type Manager struct {
	db      *sql.DB
	redis   *redis.Client
	ttl     time.Duration
	lockTTL time.Duration
	logger  logger.Logger
}

func NewManager(db *sql.DB, redisClient *redis.Client, ttl, lockTTL time.Duration, log logger.Logger) *Manager {
	return &Manager{
		db:      db,
		redis:   redisClient,
		ttl:     ttl,
		lockTTL: lockTTL,
		logger:  log,
	}
}

func userKey(userID string) string {
	return "notif:unread:" + userID
}

func workspaceKey(userID, workspaceID string) string {
	return fmt.Sprintf("notif:unread:%s:%s", userID, workspaceID)
}

func lockKey(userID string) string {
	return "notif:unread:lock:" + userID
}

// Increment adjusts both the user-wide and per-workspace counters by delta. Cache
// failures are logged and absorbed here; the durable store keeps the truth and the
// next recompute repairs any drift.
func (m *Manager) Increment(ctx context.Context, userID, workspaceID string, delta int64) {
	keys := []string{userKey(userID), workspaceKey(userID, workspaceID)}
	for _, key := range keys {
		if err := incrIfExists.Run(ctx, m.redis, []string{key}, delta).Err(); err != nil {
			m.logger.WithError(err).Warn("Unread counter adjust failed", map[string]interface{}{
				"key":   key,
				"delta": delta,
			})
			metrics.CacheFailures.WithLabelValues("counter_incr").Inc()
		}
	}
}

// Invalidate drops the cached counters so the next Get recomputes them.
func (m *Manager) Invalidate(ctx context.Context, userID, workspaceID string) {
	keys := []string{userKey(userID)}
	if workspaceID != "" {
		keys = append(keys, workspaceKey(userID, workspaceID))
	}
	if err := m.redis.Del(ctx, keys...).Err(); err != nil {
		m.logger.WithError(err).Warn("Unread counter invalidation failed", map[string]interface{}{
			"userId": userID,
		})
		metrics.CacheFailures.WithLabelValues("counter_del").Inc()
	}
}

// Get returns the unread count for the user, scoped to workspaceID when non-empty.
// A cached non-negative value is served directly; otherwise the count is recomputed
// from the durable store.
func (m *Manager) Get(ctx context.Context, userID, workspaceID string) (int64, error) {
	key := userKey(userID)
	if workspaceID != "" {
		key = workspaceKey(userID, workspaceID)
	}

	if cached, err := m.redis.Get(ctx, key).Result(); err == nil {
		if count, parseErr := strconv.ParseInt(cached, 10, 64); parseErr == nil && count >= 0 {
			metrics.CacheHits.WithLabelValues("counter").Inc()
			return count, nil
		}
	} else if err != redis.Nil {
		m.logger.WithError(err).Warn("Unread counter read failed", map[string]interface{}{
			"key": key,
		})
		metrics.CacheFailures.WithLabelValues("counter_get").Inc()
	}
	metrics.CacheMisses.WithLabelValues("counter").Inc()

	return m.recompute(ctx, userID, workspaceID)
}

// recompute takes the per-user NX lock, counts unread rows durably and writes the
// fresh values back. Losing the lock means another recompute is in flight; the
// durable count is returned without touching the cache. An increment landing
// between the COUNT and the write-back is still shadowed until the TTL expires,
// so the lock is taken first to keep that window as small as the queries allow.
func (m *Manager) recompute(ctx context.Context, userID, workspaceID string) (int64, error) {
	metrics.UnreadRecomputes.Inc()

	locked, lockErr := m.redis.SetNX(ctx, lockKey(userID), "1", m.lockTTL).Result()
	if lockErr != nil {
		m.logger.WithError(lockErr).Warn("Unread recompute lock failed", map[string]interface{}{
			"userId": userID,
		})
		metrics.CacheFailures.WithLabelValues("counter_lock").Inc()
		locked = false
	}
	if locked {
		defer m.redis.Del(ctx, lockKey(userID))
	}

	var userTotal int64
	if err := m.db.QueryRowContext(ctx, countUnreadUserQuery, userID).Scan(&userTotal); err != nil {
		return 0, commonerrors.NewPersistenceFailedError("count unread", err)
	}

	wanted := userTotal
	var workspaceTotal int64
	if workspaceID != "" {
		if err := m.db.QueryRowContext(ctx, countUnreadWorkspaceQuery, userID, workspaceID).Scan(&workspaceTotal); err != nil {
			return 0, commonerrors.NewPersistenceFailedError("count unread by workspace", err)
		}
		wanted = workspaceTotal
	}

	if !locked {
		return wanted, nil
	}

	pipe := m.redis.TxPipeline()
	pipe.Set(ctx, userKey(userID), userTotal, m.ttl)
	if workspaceID != "" {
		pipe.Set(ctx, workspaceKey(userID, workspaceID), workspaceTotal, m.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		m.logger.WithError(err).Warn("Unread counter write-back failed", map[string]interface{}{
			"userId": userID,
		})
		metrics.CacheFailures.WithLabelValues("counter_set").Inc()
	}

	return wanted, nil
}
