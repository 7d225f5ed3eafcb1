// Package feed assembles paginated notification reads. The cache path walks the
// per-(user, workspace) id lists and resolves each record through the dual store,
// which re-warms misses; a cold cache, an empty filtered match, or a page past
// the cached window falls back to one durable query with the same predicates
// and ordering, so both paths return the same page.
package feed

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	commonerrors "workspace-notifications/internal/common/errors"
	"workspace-notifications/internal/common/logger"
	"workspace-notifications/internal/common/metrics"
	"workspace-notifications/internal/models"
	"workspace-notifications/internal/notification/counter"
	"workspace-notifications/internal/notification/store"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// Reader serves GetUserNotifications.
type Reader struct {
	db       *sql.DB
	redis    *redis.Client
	store    *store.DualStore
	counters *counter.Manager
	logger   logger.Logger
}

func NewReader(db *sql.DB, redisClient *redis.Client, dualStore *store.DualStore, counters *counter.Manager, log logger.Logger) *Reader {
	return &Reader{
		db:       db,
		redis:    redisClient,
		store:    dualStore,
		counters: counters,
		logger:   log,
	}
}

// GetUserNotifications returns one feed page for the user, scoped to workspaceID
// when non-empty. The unread count always comes from the counter manager so every
// surface reports the same number.
func (r *Reader) GetUserNotifications(ctx context.Context, userID, workspaceID string, opts models.FeedOptions) (*models.Feed, error) {
	if opts.Page < 1 {
		opts.Page = 1
	}
	if opts.Limit < 1 {
		opts.Limit = defaultPageSize
	}
	if opts.Limit > maxPageSize {
		opts.Limit = maxPageSize
	}

	matched := r.readCached(ctx, userID, workspaceID, opts)

	// The cached lists are trimmed, so an empty match set or a page starting
	// past the cached window cannot prove the durable store has nothing there.
	start := (opts.Page - 1) * opts.Limit
	var feed *models.Feed
	if len(matched) == 0 || start >= len(matched) {
		durable, err := r.readDurable(ctx, userID, workspaceID, opts)
		if err != nil {
			return nil, err
		}
		feed = durable
	} else {
		feed = paginate(matched, opts)
	}

	unread, err := r.counters.Get(ctx, userID, workspaceID)
	if err != nil {
		return nil, err
	}
	feed.UnreadCount = unread
	return feed, nil
}

// readCached resolves the cached id lists into filtered, newest-first records. An
// empty result (cold cache or nothing matching) signals the durable fallback.
func (r *Reader) readCached(ctx context.Context, userID, workspaceID string, opts models.FeedOptions) []*models.Notification {
	ids := r.cachedIDs(ctx, userID, workspaceID)
	if len(ids) == 0 {
		return nil
	}

	matched := make([]*models.Notification, 0, len(ids))
	for _, id := range ids {
		n, err := r.store.Fetch(ctx, id, userID)
		if err != nil {
			if commonerrors.IsNotFound(err) {
				// The row was deleted after its id was listed; drop it.
				continue
			}
			r.logger.WithError(err).Warn("Cached feed entry resolution failed", map[string]interface{}{
				"notificationId": id,
				"userId":         userID,
			})
			continue
		}
		if matchesFilters(n, opts) {
			matched = append(matched, n)
		}
	}

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	return matched
}

// cachedIDs returns the candidate ids, deduplicated, for the requested scope. The
// all-workspace read merges every feed list of the user via SCAN.
func (r *Reader) cachedIDs(ctx context.Context, userID, workspaceID string) []string {
	if workspaceID != "" {
		ids, err := r.redis.LRange(ctx, store.FeedKey(userID, workspaceID), 0, -1).Result()
		if err != nil {
			r.logger.WithError(err).Warn("Feed list read failed", map[string]interface{}{
				"userId":      userID,
				"workspaceId": workspaceID,
			})
			metrics.CacheFailures.WithLabelValues("feed_range").Inc()
			return nil
		}
		return ids
	}

	var keys []string
	iter := r.redis.Scan(ctx, 0, store.FeedKeyPattern(userID), 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		r.logger.WithError(err).Warn("Feed list scan failed", map[string]interface{}{
			"userId": userID,
		})
		metrics.CacheFailures.WithLabelValues("feed_scan").Inc()
		return nil
	}

	seen := make(map[string]bool)
	var ids []string
	for _, key := range keys {
		listIDs, err := r.redis.LRange(ctx, key, 0, -1).Result()
		if err != nil {
			metrics.CacheFailures.WithLabelValues("feed_range").Inc()
			continue
		}
		for _, id := range listIDs {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	return ids
}

func matchesFilters(n *models.Notification, opts models.FeedOptions) bool {
	if opts.UnreadOnly && n.Read {
		return false
	}
	if len(opts.Types) > 0 {
		found := false
		for _, t := range opts.Types {
			if n.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func paginate(matched []*models.Notification, opts models.FeedOptions) *models.Feed {
	total := len(matched)
	start := (opts.Page - 1) * opts.Limit
	if start > total {
		start = total
	}
	end := start + opts.Limit
	if end > total {
		end = total
	}
	return &models.Feed{
		Notifications: matched[start:end],
		Total:         total,
	}
}

// readDurable serves the page straight from Postgres with the same predicates and
// newest-first ordering the cache path applies.
func (r *Reader) readDurable(ctx context.Context, userID, workspaceID string, opts models.FeedOptions) (*models.Feed, error) {
	where := []string{"recipient_id = $1"}
	args := []interface{}{userID}

	if workspaceID != "" {
		args = append(args, workspaceID)
		where = append(where, fmt.Sprintf("workspace_id = $%d", len(args)))
	}
	if opts.UnreadOnly {
		where = append(where, "read = false")
	}
	if len(opts.Types) > 0 {
		types := make([]string, len(opts.Types))
		for i, t := range opts.Types {
			types[i] = string(t)
		}
		args = append(args, pq.Array(types))
		where = append(where, fmt.Sprintf("type = ANY($%d)", len(args)))
	}
	predicate := strings.Join(where, " AND ")

	countQuery := "SELECT COUNT(*) FROM notifications WHERE " + predicate
	var total int
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, commonerrors.NewPersistenceFailedError("count feed", err)
	}

	pageArgs := append(args, opts.Limit, (opts.Page-1)*opts.Limit)
	pageQuery := fmt.Sprintf(`SELECT id, recipient_id, workspace_id, type, title, message, data, channels, read, created_at, read_at
	FROM notifications WHERE %s
	ORDER BY created_at DESC
	LIMIT $%d OFFSET $%d`, predicate, len(args)+1, len(args)+2)

	rows, err := r.db.QueryContext(ctx, pageQuery, pageArgs...)
	if err != nil {
		return nil, commonerrors.NewPersistenceFailedError("select feed", err)
	}
	defer rows.Close()

	notifications := make([]*models.Notification, 0, opts.Limit)
	for rows.Next() {
		n, err := store.ScanNotificationRows(rows)
		if err != nil {
			return nil, commonerrors.NewPersistenceFailedError("scan feed row", err)
		}
		notifications = append(notifications, n)
	}
	if err := rows.Err(); err != nil {
		return nil, commonerrors.NewPersistenceFailedError("iterate feed rows", err)
	}

	return &models.Feed{
		Notifications: notifications,
		Total:         total,
	}, nil
}
