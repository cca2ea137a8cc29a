// Package store defines the persistence abstraction for racecontrol:
// permissions, roles, users and their sessions, the live config row, and
// the minimal pilot roster exercised by the read-only /pilots endpoint.
package store

import (
	"context"
	"iter"
	"time"

	"github.com/google/uuid"
)

// ---- permissions ----

// Permission is an identifier drawn from a closed, program-init-time
// enumeration. See event.Registry for the concrete set in use.
type Permission string

// ---- roles ----

// Role is a named set of permissions. A persistent role cannot be deleted.
type Role struct {
	ID          int64
	Name        string
	Permissions map[Permission]struct{}
	Persistent  bool
}

// HasPermission reports whether the role grants p.
func (r *Role) HasPermission(p Permission) bool {
	_, ok := r.Permissions[p]
	return ok
}

// ---- users ----

// User is an account record. Permissions are never stored on the user row;
// they are computed as the union over Roles by (*User).Permissions.
type User struct {
	ID            int64
	AuthID        uuid.UUID
	Username      string
	FirstName     string
	LastName      string
	PasswordHash  string
	Roles         []*Role
	LastLogin     *time.Time
	ResetRequired bool
	Persistent    bool
}

// Permissions returns the union of permissions across u.Roles.
func (u *User) Permissions() map[Permission]struct{} {
	out := make(map[Permission]struct{})
	for _, r := range u.Roles {
		for p := range r.Permissions {
			out[p] = struct{}{}
		}
	}
	return out
}

// HasPermission reports whether the union of the user's roles grants p.
func (u *User) HasPermission(p Permission) bool {
	for _, r := range u.Roles {
		if r.HasPermission(p) {
			return true
		}
	}
	return false
}

// Session is a refresh-token-backed login session.
type Session struct {
	ID           uuid.UUID
	UserID       int64
	RefreshToken string
	ExpiresAt    time.Time
	CreatedAt    time.Time
}

// ---- pilots (minimal roster backing GET /pilots) ----

// Pilot is a competitor record. The full pilot/results CRUD surface is out
// of scope for this repository; this is just enough to exercise the
// streaming read endpoint named in spec.md §6.
type Pilot struct {
	ID        int64
	Callsign  string
	Channel   string
	CreatedAt time.Time
}

// ---- store interfaces ----

// PermissionStore is component 4.A's permission half.
type PermissionStore interface {
	// AllPermissions returns every permission ever registered.
	AllPermissions(ctx context.Context) ([]Permission, error)
	// EnsurePermissions idempotently inserts any of ps not already present.
	EnsurePermissions(ctx context.Context, ps []Permission) error
}

// RoleStore is component 4.A's role half.
type RoleStore interface {
	// RoleByName returns (nil, nil) on miss.
	RoleByName(ctx context.Context, name string) (*Role, error)
	// EnsurePersistentRole idempotently creates a persistent role with the
	// given permissions if no role with that name exists yet; otherwise it
	// returns the existing role unchanged.
	EnsurePersistentRole(ctx context.Context, name string, perms []Permission) (*Role, error)
}

// UserStore is component 4.B.
type UserStore interface {
	ByUsername(ctx context.Context, username string) (*User, error)
	ByAuthID(ctx context.Context, authID uuid.UUID) (*User, error)
	Create(ctx context.Context, username, passwordHash string, roles []*Role) (*User, error)
	UpdatePassword(ctx context.Context, userID int64, newHash string) error
	UpdateLastLogin(ctx context.Context, userID int64) error
	SetResetRequired(ctx context.Context, userID int64, required bool) error
	// EnsurePersistentUser idempotently bootstraps username with
	// defaultPasswordHash and roles, persistent=true, reset_required=true.
	EnsurePersistentUser(ctx context.Context, username, defaultPasswordHash string, roles []*Role) (*User, error)
	// StreamAll yields every user lazily, oldest id first.
	StreamAll(ctx context.Context) iter.Seq2[*User, error]
}

// SessionStore backs login/refresh/logout.
type SessionStore interface {
	CreateSession(ctx context.Context, userID int64, refreshToken string, expiresAt time.Time) (*Session, error)
	SessionByRefreshToken(ctx context.Context, refreshToken string) (*Session, error)
	DeleteSession(ctx context.Context, id uuid.UUID) error
	DeleteExpiredSessions(ctx context.Context) error
}

// PilotStore backs the read-only /pilots endpoint.
type PilotStore interface {
	CreatePilot(ctx context.Context, callsign, channel string) (*Pilot, error)
	StreamPilots(ctx context.Context) iter.Seq2[*Pilot, error]
}

// ConfigStore is the persistence interface for the live config row.
// Defined here (rather than in package config) to avoid a circular import,
// matching the teacher's own config.ConfigStore split.
type ConfigStore interface {
	GetConfig(ctx context.Context) (map[string]any, error)
	SetConfig(ctx context.Context, data map[string]any) error
}

// Store is the full persistence surface. store/sqlite.DB implements it
// over two SQLite files (identity.db, race.db) or ":memory:".
type Store interface {
	PermissionStore
	RoleStore
	UserStore
	SessionStore
	PilotStore
	ConfigStore

	Close() error
}
