package sqlite_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/racewire/racecontrol/apperr"
	"github.com/racewire/racecontrol/store"
	"github.com/racewire/racecontrol/store/sqlite"
)

func newTestDB(t *testing.T) *sqlite.DB {
	t.Helper()
	db, err := sqlite.Open(":memory:", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestEnsurePermissionsIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	perms := []store.Permission{"READ_PILOTS", "RACE_EVENTS"}
	require.NoError(t, db.EnsurePermissions(ctx, perms))
	require.NoError(t, db.EnsurePermissions(ctx, perms))

	all, err := db.AllPermissions(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []store.Permission{"READ_PILOTS", "RACE_EVENTS"}, all)
}

func TestEnsurePersistentRoleIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	perms := []store.Permission{"READ_PILOTS", "RACE_EVENTS"}
	require.NoError(t, db.EnsurePermissions(ctx, perms))

	r1, err := db.EnsurePersistentRole(ctx, "admin", perms)
	require.NoError(t, err)
	require.NotNil(t, r1)
	assert.True(t, r1.Persistent)
	assert.Len(t, r1.Permissions, 2)

	r2, err := db.EnsurePersistentRole(ctx, "admin", perms)
	require.NoError(t, err)
	assert.Equal(t, r1.ID, r2.ID)

	byName, err := db.RoleByName(ctx, "admin")
	require.NoError(t, err)
	require.NotNil(t, byName)
	assert.Equal(t, r1.ID, byName.ID)
}

func TestRoleByNameReturnsNilWhenMissing(t *testing.T) {
	db := newTestDB(t)
	r, err := db.RoleByName(context.Background(), "does-not-exist")
	require.NoError(t, err)
	assert.Nil(t, r)
}

func TestCreateUserAssignsRolesAndRejectsDuplicateUsername(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.EnsurePermissions(ctx, []store.Permission{"RACE_EVENTS"}))
	role, err := db.EnsurePersistentRole(ctx, "steward", []store.Permission{"RACE_EVENTS"})
	require.NoError(t, err)

	u, err := db.Create(ctx, "alice", "hashed-password", []*store.Role{role})
	require.NoError(t, err)
	require.NotNil(t, u)
	assert.Equal(t, "alice", u.Username)
	require.Len(t, u.Roles, 1)
	assert.Equal(t, "steward", u.Roles[0].Name)
	assert.True(t, u.HasPermission("RACE_EVENTS"))
	assert.False(t, u.HasPermission("READ_PILOTS"))

	_, err = db.Create(ctx, "alice", "another-hash", nil)
	assert.ErrorIs(t, err, apperr.ErrAlreadyExists)
}

func TestByUsernameAndByAuthIDFindTheSameUser(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	created, err := db.Create(ctx, "bob", "hash", nil)
	require.NoError(t, err)

	byUsername, err := db.ByUsername(ctx, "bob")
	require.NoError(t, err)
	require.NotNil(t, byUsername)
	assert.Equal(t, created.ID, byUsername.ID)

	byAuthID, err := db.ByAuthID(ctx, created.AuthID)
	require.NoError(t, err)
	require.NotNil(t, byAuthID)
	assert.Equal(t, created.ID, byAuthID.ID)

	missing, err := db.ByUsername(ctx, "nobody")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestUpdatePasswordLastLoginAndResetRequired(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	u, err := db.Create(ctx, "carol", "old-hash", nil)
	require.NoError(t, err)
	assert.Nil(t, u.LastLogin)
	assert.False(t, u.ResetRequired)

	require.NoError(t, db.UpdatePassword(ctx, u.ID, "new-hash"))
	require.NoError(t, db.UpdateLastLogin(ctx, u.ID))
	require.NoError(t, db.SetResetRequired(ctx, u.ID, true))

	reloaded, err := db.ByUsername(ctx, "carol")
	require.NoError(t, err)
	assert.Equal(t, "new-hash", reloaded.PasswordHash)
	require.NotNil(t, reloaded.LastLogin)
	assert.True(t, reloaded.ResetRequired)
}

func TestEnsurePersistentUserIsIdempotentAndMarksReset(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	u1, err := db.EnsurePersistentUser(ctx, "admin", "default-hash", nil)
	require.NoError(t, err)
	assert.True(t, u1.Persistent)
	assert.True(t, u1.ResetRequired)

	u2, err := db.EnsurePersistentUser(ctx, "admin", "a-different-hash", nil)
	require.NoError(t, err)
	assert.Equal(t, u1.ID, u2.ID)
	assert.Equal(t, "default-hash", u2.PasswordHash)
}

func TestStreamAllYieldsEveryUserInOrder(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	names := []string{"a", "b", "c"}
	for _, n := range names {
		_, err := db.Create(ctx, n, "hash", nil)
		require.NoError(t, err)
	}

	var got []string
	for u, err := range db.StreamAll(ctx) {
		require.NoError(t, err)
		got = append(got, u.Username)
	}
	assert.Equal(t, names, got)
}

func TestStreamAllStopsEarlyWhenYieldReturnsFalse(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	for _, n := range []string{"a", "b", "c"} {
		_, err := db.Create(ctx, n, "hash", nil)
		require.NoError(t, err)
	}

	var seen int
	for range db.StreamAll(ctx) {
		seen++
		break
	}
	assert.Equal(t, 1, seen)
}

func TestSessionLifecycle(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	u, err := db.Create(ctx, "dave", "hash", nil)
	require.NoError(t, err)

	s, err := db.CreateSession(ctx, u.ID, "refresh-token-1", time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, u.ID, s.UserID)

	found, err := db.SessionByRefreshToken(ctx, "refresh-token-1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, s.ID, found.ID)

	require.NoError(t, db.DeleteSession(ctx, s.ID))

	gone, err := db.SessionByRefreshToken(ctx, "refresh-token-1")
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestDeleteExpiredSessionsRemovesOnlyExpiredOnes(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	u, err := db.Create(ctx, "erin", "hash", nil)
	require.NoError(t, err)

	expired, err := db.CreateSession(ctx, u.ID, "expired-token", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	live, err := db.CreateSession(ctx, u.ID, "live-token", time.Now().Add(time.Hour))
	require.NoError(t, err)

	require.NoError(t, db.DeleteExpiredSessions(ctx))

	gone, err := db.SessionByRefreshToken(ctx, "expired-token")
	require.NoError(t, err)
	assert.Nil(t, gone)

	stillThere, err := db.SessionByRefreshToken(ctx, "live-token")
	require.NoError(t, err)
	require.NotNil(t, stillThere)
	assert.Equal(t, live.ID, stillThere.ID)
	_ = expired
}

func TestConfigGetSetRoundTrip(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	empty, err := db.GetConfig(ctx)
	require.NoError(t, err)
	assert.Nil(t, empty)

	data := map[string]any{"worker_pool_size": float64(4), "heartbeat_interval": "5s"}
	require.NoError(t, db.SetConfig(ctx, data))

	got, err := db.GetConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	data["worker_pool_size"] = float64(8)
	require.NoError(t, db.SetConfig(ctx, data))

	got, err = db.GetConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, float64(8), got["worker_pool_size"])
}

func TestCreatePilotRejectsDuplicateCallsign(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	p, err := db.CreatePilot(ctx, "RACER1", "R1")
	require.NoError(t, err)
	assert.Equal(t, "RACER1", p.Callsign)

	_, err = db.CreatePilot(ctx, "RACER1", "R2")
	assert.ErrorIs(t, err, apperr.ErrAlreadyExists)
}

func TestStreamPilotsYieldsEveryPilotInOrder(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	callsigns := []string{"ALPHA", "BRAVO", "CHARLIE"}
	for _, c := range callsigns {
		_, err := db.CreatePilot(ctx, c, "")
		require.NoError(t, err)
	}

	var got []string
	for p, err := range db.StreamPilots(ctx) {
		require.NoError(t, err)
		got = append(got, p.Callsign)
	}
	assert.Equal(t, callsigns, got)
}
