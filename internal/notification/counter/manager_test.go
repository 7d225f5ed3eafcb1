// internal/notification/counter/manager_test.go
package counter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"

	commonerrors "workspace-notifications/internal/common/errors"
	"workspace-notifications/internal/common/logger"
)

// ==========================
// Test Helper Functions
// ==========================

func newTestManager(t *testing.T) (*Manager, sqlmock.Sqlmock, *miniredis.Miniredis) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	m := NewManager(db, client, time.Hour, 5*time.Second, logger.NewTestLogger(t))
	return m, mock, mr
}

// ==========================
// Increment Tests
// ==========================

func TestManager_Increment_AdjustsExistingCounters(t *testing.T) {
	m, _, mr := newTestManager(t)

	mr.Set(userKey("user-001"), "5")
	mr.Set(workspaceKey("user-001", "ws-001"), "2")

	m.Increment(context.Background(), "user-001", "ws-001", 1)

	user, err := mr.Get(userKey("user-001"))
	assert.NoError(t, err)
	assert.Equal(t, "6", user)

	ws, err := mr.Get(workspaceKey("user-001", "ws-001"))
	assert.NoError(t, err)
	assert.Equal(t, "3", ws)
}

func TestManager_Increment_NeverSeedsMissingKeys(t *testing.T) {
	m, _, mr := newTestManager(t)

	// Applying a delta to an absent key would cache the delta as the count.
	m.Increment(context.Background(), "user-002", "ws-001", 1)

	assert.False(t, mr.Exists(userKey("user-002")))
	assert.False(t, mr.Exists(workspaceKey("user-002", "ws-001")))
}

func TestManager_Increment_NegativeDelta(t *testing.T) {
	m, _, mr := newTestManager(t)

	mr.Set(userKey("user-003"), "3")
	mr.Set(workspaceKey("user-003", "ws-001"), "3")

	m.Increment(context.Background(), "user-003", "ws-001", -2)

	user, err := mr.Get(userKey("user-003"))
	assert.NoError(t, err)
	assert.Equal(t, "1", user)
}

// ==========================
// Get Tests
// ==========================

func TestManager_Get_ServesCachedValue(t *testing.T) {
	m, mock, mr := newTestManager(t)

	mr.Set(userKey("user-004"), "7")

	count, err := m.Get(context.Background(), "user-004", "")

	assert.NoError(t, err)
	assert.Equal(t, int64(7), count)

	// No query expectation: a recompute would fail the test.
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestManager_Get_WorkspaceScopedCacheHit(t *testing.T) {
	m, mock, mr := newTestManager(t)

	mr.Set(workspaceKey("user-004", "ws-001"), "2")

	count, err := m.Get(context.Background(), "user-004", "ws-001")

	assert.NoError(t, err)
	assert.Equal(t, int64(2), count)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestManager_Get_MissRecomputesAndWritesBack(t *testing.T) {
	m, mock, mr := newTestManager(t)

	mock.ExpectQuery(`SELECT COUNT`).
		WithArgs("user-005").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(4))
	mock.ExpectQuery(`SELECT COUNT`).
		WithArgs("user-005", "ws-001").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	count, err := m.Get(context.Background(), "user-005", "ws-001")

	assert.NoError(t, err)
	assert.Equal(t, int64(1), count)

	// Both scopes were written back and the lock released.
	user, err := mr.Get(userKey("user-005"))
	assert.NoError(t, err)
	assert.Equal(t, "4", user)
	ws, err := mr.Get(workspaceKey("user-005", "ws-001"))
	assert.NoError(t, err)
	assert.Equal(t, "1", ws)
	assert.False(t, mr.Exists(lockKey("user-005")))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestManager_Get_UserScopeRecompute(t *testing.T) {
	m, mock, mr := newTestManager(t)

	mock.ExpectQuery(`SELECT COUNT`).
		WithArgs("user-006").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(9))

	count, err := m.Get(context.Background(), "user-006", "")

	assert.NoError(t, err)
	assert.Equal(t, int64(9), count)

	user, err := mr.Get(userKey("user-006"))
	assert.NoError(t, err)
	assert.Equal(t, "9", user)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestManager_Get_LockContentionSkipsWriteBack(t *testing.T) {
	m, mock, mr := newTestManager(t)

	// Another recompute holds the lock.
	mr.Set(lockKey("user-007"), "1")

	mock.ExpectQuery(`SELECT COUNT`).
		WithArgs("user-007").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))

	count, err := m.Get(context.Background(), "user-007", "")

	assert.NoError(t, err)
	assert.Equal(t, int64(3), count)
	// The loser must not clobber the winner's write.
	assert.False(t, mr.Exists(userKey("user-007")))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestManager_Get_DurableCountFailure(t *testing.T) {
	m, mock, _ := newTestManager(t)

	mock.ExpectQuery(`SELECT COUNT`).
		WithArgs("user-008").
		WillReturnError(errors.New("connection lost"))

	count, err := m.Get(context.Background(), "user-008", "")

	assert.Error(t, err)
	assert.True(t, commonerrors.IsCode(err, commonerrors.ErrCodePersistenceFailed))
	assert.Zero(t, count)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestManager_Get_RecomputeErrorReleasesLock(t *testing.T) {
	m, mock, mr := newTestManager(t)

	mock.ExpectQuery(`SELECT COUNT`).
		WithArgs("user-012").
		WillReturnError(errors.New("connection lost"))

	_, err := m.Get(context.Background(), "user-012", "")

	assert.Error(t, err)
	// The lock is taken before counting and must not outlive a failed recompute.
	assert.False(t, mr.Exists(lockKey("user-012")))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestManager_Get_CacheOutageServesDurableCount(t *testing.T) {
	m, mock, mr := newTestManager(t)

	mr.SetError("connection refused")

	mock.ExpectQuery(`SELECT COUNT`).
		WithArgs("user-013").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(6))

	count, err := m.Get(context.Background(), "user-013", "")

	assert.NoError(t, err)
	assert.Equal(t, int64(6), count)

	assert.NoError(t, mock.ExpectationsWereMet())
}

// ==========================
// Invalidate Tests
// ==========================

func TestManager_Invalidate_DropsBothScopes(t *testing.T) {
	m, _, mr := newTestManager(t)

	mr.Set(userKey("user-009"), "4")
	mr.Set(workspaceKey("user-009", "ws-001"), "2")

	m.Invalidate(context.Background(), "user-009", "ws-001")

	assert.False(t, mr.Exists(userKey("user-009")))
	assert.False(t, mr.Exists(workspaceKey("user-009", "ws-001")))
}

func TestManager_Invalidate_UserScopeOnly(t *testing.T) {
	m, _, mr := newTestManager(t)

	mr.Set(userKey("user-010"), "4")
	mr.Set(workspaceKey("user-010", "ws-001"), "2")

	m.Invalidate(context.Background(), "user-010", "")

	assert.False(t, mr.Exists(userKey("user-010")))
	// Workspace scope untouched when no workspace was given.
	assert.True(t, mr.Exists(workspaceKey("user-010", "ws-001")))
}

// ==========================
// Drift Repair Tests
// ==========================

func TestManager_IncrementThenGetStaysConsistent(t *testing.T) {
	m, mock, mr := newTestManager(t)

	// Cold cache: the increment is skipped, then the read repairs the key.
	m.Increment(context.Background(), "user-011", "ws-001", 1)
	assert.False(t, mr.Exists(userKey("user-011")))

	mock.ExpectQuery(`SELECT COUNT`).
		WithArgs("user-011").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	count, err := m.Get(context.Background(), "user-011", "")
	assert.NoError(t, err)
	assert.Equal(t, int64(1), count)

	// Now warm: the next increment adjusts in place.
	m.Increment(context.Background(), "user-011", "ws-001", 1)
	user, err := mr.Get(userKey("user-011"))
	assert.NoError(t, err)
	assert.Equal(t, "2", user)

	assert.NoError(t, mock.ExpectationsWereMet())
}
