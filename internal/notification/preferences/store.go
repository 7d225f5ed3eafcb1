// Package preferences resolves and maintains per-(user, workspace) channel
// preferences. Reads are cache-aside over Redis with the durable rows in Postgres;
// a missing row always resolves to the all-enabled default.
package preferences

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

const selectPreferencesQuery = `
	SELECT email_enabled, push_enabled, in_app_enabled, type_overrides, updated_at
	FROM notification_preferences
	WHERE user_id = $1 AND workspace_id = $2`

const upsertPreferencesQuery = `
	INSERT INTO notification_preferences
		(user_id, workspace_id, email_enabled, push_enabled, in_app_enabled, type_overrides, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	ON CONFLICT (user_id, workspace_id) DO UPDATE SET
		email_enabled = EXCLUDED.email_enabled,
		push_enabled = EXCLUDED.push_enabled,
		in_app_enabled = EXCLUDED.in_app_enabled,
		type_overrides = EXCLUDED.type_overrides,
		updated_at = EXCLUDED.updated_at`

// Store resolves and updates notification preferences.
type Store struct {
	db     *sql.DB
	redis  *redis.Client
	ttl    time.Duration
	logger logger.Logger
}

func NewStore(db *sql.DB, redisClient *redis.Client, ttl time.Duration, log logger.Logger) *Store {
	return &Store{
		db:     db,
		redis:  redisClient,
		ttl:    ttl,
		logger: log,
	}
}

func cacheKey(userID, workspaceID string) string {
	return fmt.Sprintf("notif:prefs:%s:%s", userID, workspaceID)
}

// Resolve returns the effective preferences for (userID, workspaceID). Cache hit
// short-circuits; otherwise the durable row is read and the entry repopulated. A
// missing row resolves to the all-enabled default, which is also cached.
func (s *Store) Resolve(ctx context.Context, userID, workspaceID string) (*models.Preferences, error) {
	key := cacheKey(userID, workspaceID)

	if cached, err := s.redis.Get(ctx, key).Result(); err == nil {
		var prefs models.Preferences
		if jsonErr := json.Unmarshal([]byte(cached), &prefs); jsonErr == nil {
			metrics.CacheHits.WithLabelValues("preferences").Inc()
			return &prefs, nil
		}
		s.logger.Warn("Discarding corrupt cached preferences", map[string]interface{}{
			"key": key,
		})
	} else if err != redis.Nil {
		s.logger.WithError(err).Warn("Preference cache read failed", map[string]interface{}{
			"key": key,
		})
		metrics.CacheFailures.WithLabelValues("prefs_get").Inc()
	}
	metrics.CacheMisses.WithLabelValues("preferences").Inc()

	prefs, err := s.resolveDurable(ctx, userID, workspaceID)
	if err != nil {
		return nil, err
	}

	s.writeCache(ctx, prefs)
	return prefs, nil
}

// resolveDurable reads the preference row, substituting the default when absent.
func (s *Store) resolveDurable(ctx context.Context, userID, workspaceID string) (*models.Preferences, error) {
	prefs := models.Preferences{
		UserID:      userID,
		WorkspaceID: workspaceID,
	}

	var overridesJSON []byte
	err := s.db.QueryRowContext(ctx, selectPreferencesQuery, userID, workspaceID).Scan(
		&prefs.EmailEnabled,
		&prefs.PushEnabled,
		&prefs.InAppEnabled,
		&overridesJSON,
		&prefs.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return models.DefaultPreferences(userID, workspaceID), nil
	}
	if err != nil {
		return nil, commonerrors.NewPreferenceResolutionFailedError(userID, err)
	}

	if len(overridesJSON) > 0 {
		if jsonErr := json.Unmarshal(overridesJSON, &prefs.TypeOverrides); jsonErr != nil {
			return nil, commonerrors.NewPreferenceResolutionFailedError(userID, jsonErr)
		}
	}

	return &prefs, nil
}

// Upsert merges update into the current preferences and writes the row back. Nil
// booleans keep the prior value; a non-nil TypeOverrides merges per type. The cache
// entry is rewritten so subsequent resolves see the new state immediately.
func (s *Store) Upsert(ctx context.Context, userID, workspaceID string, update *models.PreferencesUpdate) (*models.Preferences, error) {
	current, err := s.resolveDurable(ctx, userID, workspaceID)
	if err != nil {
		return nil, err
	}

	if update.EmailEnabled != nil {
		current.EmailEnabled = *update.EmailEnabled
	}
	if update.PushEnabled != nil {
		current.PushEnabled = *update.PushEnabled
	}
	if update.InAppEnabled != nil {
		current.InAppEnabled = *update.InAppEnabled
	}
	if update.TypeOverrides != nil {
		if current.TypeOverrides == nil {
			current.TypeOverrides = make(map[models.NotificationType][]models.Channel, len(update.TypeOverrides))
		}
		for typ, channels := range update.TypeOverrides {
			current.TypeOverrides[typ] = channels
		}
	}
	current.UpdatedAt = time.Now().UTC()

	overridesJSON, err := json.Marshal(current.TypeOverrides)
	if err != nil {
		return nil, commonerrors.NewPersistenceFailedError("marshal preference overrides", err)
	}

	_, err = s.db.ExecContext(ctx, upsertPreferencesQuery,
		userID,
		workspaceID,
		current.EmailEnabled,
		current.PushEnabled,
		current.InAppEnabled,
		overridesJSON,
		current.UpdatedAt,
	)
	if err != nil {
		return nil, commonerrors.NewPersistenceFailedError("upsert preferences", err)
	}

	s.writeCache(ctx, current)
	return current, nil
}

func (s *Store) writeCache(ctx context.Context, prefs *models.Preferences) {
	payload, err := json.Marshal(prefs)
	if err != nil {
		return
	}
	key := cacheKey(prefs.UserID, prefs.WorkspaceID)
	if err := s.redis.Set(ctx, key, payload, s.ttl).Err(); err != nil {
		s.logger.WithError(err).Warn("Preference cache write failed", map[string]interface{}{
			"key": key,
		})
		metrics.CacheFailures.WithLabelValues("prefs_set").Inc()
	}
}

// FilterChannels returns the channels from requested that survive prefs for the
// given type, preserving the requested order. A channel passes only when its
// master switch is on and, when a per-type override exists, the override lists
// it: overrides narrow the switches, they never re-enable a disabled channel.
// The result may be empty.
func FilterChannels(prefs *models.Preferences, typ models.NotificationType, requested []models.Channel) []models.Channel {
	override, hasOverride := prefs.TypeOverrides[typ]
	allowed := make(map[models.Channel]bool, len(override))
	for _, c := range override {
		allowed[c] = true
	}

	effective := make([]models.Channel, 0, len(requested))
	for _, c := range requested {
		if hasOverride && !allowed[c] {
			continue
		}
		switch c {
		case models.ChannelEmail:
			if prefs.EmailEnabled {
				effective = append(effective, c)
			}
		case models.ChannelPush:
			if prefs.PushEnabled {
				effective = append(effective, c)
			}
		case models.ChannelInApp:
			if prefs.InAppEnabled {
				effective = append(effective, c)
			}
		}
	}
	return effective
}
