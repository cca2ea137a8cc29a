// Package sqlite provides the SQLite-backed store.Store implementation.
// It uses modernc.org/sqlite (pure Go, no CGO) so the binary is fully
// static and works in scratch/alpine images without a C compiler, and so
// ":memory:" paths work identically to file paths — the form tests use.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/racewire/racecontrol/apperr"
	"github.com/racewire/racecontrol/store"
)

// DB implements store.Store using two SQLite handles: one for identity
// (users/roles/permissions/sessions/config), one for the race database
// (pilots). Splitting them mirrors spec.md §6's "two separate stores".
type DB struct {
	identity *sql.DB
	race     *sql.DB
}

// Open opens (or creates) the identity and race SQLite databases at the
// given paths and applies their migrations. Pass ":memory:" for either to
// get an ephemeral store, the form every test in this repo uses.
func Open(identityPath, racePath string) (*DB, error) {
	identity, err := openOne(identityPath)
	if err != nil {
		return nil, fmt.Errorf("open identity db: %w", err)
	}
	race, err := openOne(racePath)
	if err != nil {
		identity.Close()
		return nil, fmt.Errorf("open race db: %w", err)
	}

	d := &DB{identity: identity, race: race}
	if err := d.migrateIdentity(); err != nil {
		d.Close()
		return nil, fmt.Errorf("%w: migrate identity: %v", apperr.ErrFatalStorage, err)
	}
	if err := d.migrateRace(); err != nil {
		d.Close()
		return nil, fmt.Errorf("%w: migrate race: %v", apperr.ErrFatalStorage, err)
	}
	return d, nil
}

func openOne(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	// SQLite serialises writes; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return db, nil
}

// migrateIdentity applies the identity schema. New versions should only ADD
// statements so existing databases keep working without a migration tool.
func (d *DB) migrateIdentity() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS permissions (
			name TEXT PRIMARY KEY
		)`,
		`CREATE TABLE IF NOT EXISTS roles (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			name       TEXT    NOT NULL UNIQUE,
			persistent INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS role_permissions (
			role_id    INTEGER NOT NULL REFERENCES roles(id),
			permission TEXT    NOT NULL REFERENCES permissions(name),
			PRIMARY KEY (role_id, permission)
		)`,
		`CREATE TABLE IF NOT EXISTS users (
			id             INTEGER PRIMARY KEY AUTOINCREMENT,
			auth_id        TEXT    NOT NULL UNIQUE,
			username       TEXT    NOT NULL UNIQUE,
			first_name     TEXT    NOT NULL DEFAULT '',
			last_name      TEXT    NOT NULL DEFAULT '',
			password_hash  TEXT    NOT NULL DEFAULT '',
			last_login     TEXT,
			reset_required INTEGER NOT NULL DEFAULT 0,
			persistent     INTEGER NOT NULL DEFAULT 0,
			created_at     TEXT    NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS user_roles (
			user_id INTEGER NOT NULL REFERENCES users(id),
			role_id INTEGER NOT NULL REFERENCES roles(id),
			PRIMARY KEY (user_id, role_id)
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id            TEXT    PRIMARY KEY,
			user_id       INTEGER NOT NULL REFERENCES users(id),
			refresh_token TEXT    NOT NULL UNIQUE,
			expires_at    TEXT    NOT NULL,
			created_at    TEXT    NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS config (
			id   INTEGER PRIMARY KEY CHECK (id = 1),
			data TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := d.identity.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (d *DB) migrateRace() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS pilots (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			callsign   TEXT    NOT NULL UNIQUE,
			channel    TEXT    NOT NULL DEFAULT '',
			created_at TEXT    NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := d.race.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (d *DB) Close() error {
	err1 := d.identity.Close()
	err2 := d.race.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// isUniqueViolation reports whether err is a SQLite UNIQUE constraint
// failure. modernc.org/sqlite exposes no structured error code without
// CGO, so this matches on the driver's error text (stable across releases
// of the pure-Go driver).
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// isTransient reports whether err is a retryable SQLite busy/lock
// condition rather than a permanent failure (constraint violation,
// malformed query, closed handle). Matched on error text for the same
// reason as isUniqueViolation: the pure-Go driver exposes no structured
// code without CGO.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// execer/querier/queryRower let the retry helpers below run against
// either a *sql.DB or a *sql.Tx, since both satisfy these method sets.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// execRetry, queryRetry and queryRowScanRetry implement spec.md §7's
// TransientStorage contract: a busy/lock error is retried exactly once;
// a second failure is surfaced as apperr.ErrStorage. Non-transient errors
// (e.g. a UNIQUE violation) are returned unwrapped on the first attempt so
// callers can keep matching them with isUniqueViolation/errors.Is.
func execRetry(ctx context.Context, e execer, query string, args ...any) (sql.Result, error) {
	res, err := e.ExecContext(ctx, query, args...)
	if err == nil || !isTransient(err) {
		return res, err
	}
	res, err = e.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrStorage, err)
	}
	return res, nil
}

func queryRetry(ctx context.Context, q querier, query string, args ...any) (*sql.Rows, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err == nil || !isTransient(err) {
		return rows, err
	}
	rows, err = q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrStorage, err)
	}
	return rows, nil
}

func queryRowScanRetry(ctx context.Context, q queryRower, query string, args []any, dest ...any) error {
	err := q.QueryRowContext(ctx, query, args...).Scan(dest...)
	if err == nil || err == sql.ErrNoRows || !isTransient(err) {
		return err
	}
	err = q.QueryRowContext(ctx, query, args...).Scan(dest...)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("%w: %v", apperr.ErrStorage, err)
	}
	return err
}

func now() string { return time.Now().UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

// ---- permissions ----

func (d *DB) AllPermissions(ctx context.Context) ([]store.Permission, error) {
	rows, err := queryRetry(ctx, d.identity, `SELECT name FROM permissions ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Permission
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, store.Permission(name))
	}
	return out, rows.Err()
}

func (d *DB) EnsurePermissions(ctx context.Context, ps []store.Permission) error {
	tx, err := d.identity.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, p := range ps {
		if _, err := execRetry(ctx, tx,
			`INSERT INTO permissions (name) VALUES (?) ON CONFLICT(name) DO NOTHING`, string(p),
		); err != nil {
			return fmt.Errorf("ensure permission %s: %w", p, err)
		}
	}
	return tx.Commit()
}

// ---- roles ----

func (d *DB) RoleByName(ctx context.Context, name string) (*store.Role, error) {
	var r store.Role
	var persistent int
	err := queryRowScanRetry(ctx, d.identity,
		`SELECT id, name, persistent FROM roles WHERE name = ?`, []any{name},
		&r.ID, &r.Name, &persistent)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.Persistent = persistent != 0
	r.Permissions, err = d.permissionsForRole(ctx, r.ID)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (d *DB) permissionsForRole(ctx context.Context, roleID int64) (map[store.Permission]struct{}, error) {
	rows, err := queryRetry(ctx, d.identity,
		`SELECT permission FROM role_permissions WHERE role_id = ?`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[store.Permission]struct{})
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out[store.Permission(p)] = struct{}{}
	}
	return out, rows.Err()
}

func (d *DB) EnsurePersistentRole(ctx context.Context, name string, perms []store.Permission) (*store.Role, error) {
	existing, err := d.RoleByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	tx, err := d.identity.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	res, err := execRetry(ctx, tx,
		`INSERT INTO roles (name, persistent) VALUES (?, 1) ON CONFLICT(name) DO NOTHING`, name)
	if err != nil {
		return nil, fmt.Errorf("insert role %s: %w", name, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		// Lost a race with a concurrent bootstrap; fall through to re-read.
		if err := tx.Commit(); err != nil {
			return nil, err
		}
		return d.RoleByName(ctx, name)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	for _, p := range perms {
		if _, err := execRetry(ctx, tx,
			`INSERT INTO role_permissions (role_id, permission) VALUES (?, ?)`, id, string(p),
		); err != nil {
			return nil, fmt.Errorf("grant %s to role %s: %w", p, name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return d.RoleByName(ctx, name)
}

// ---- users ----

func (d *DB) ByUsername(ctx context.Context, username string) (*store.User, error) {
	return d.userWhere(ctx, `username = ?`, username)
}

func (d *DB) ByAuthID(ctx context.Context, authID uuid.UUID) (*store.User, error) {
	return d.userWhere(ctx, `auth_id = ?`, authID.String())
}

func (d *DB) userWhere(ctx context.Context, cond string, arg any) (*store.User, error) {
	var u store.User
	var authID, lastLogin sql.NullString
	var resetRequired, persistent int
	err := queryRowScanRetry(ctx, d.identity, `
		SELECT id, auth_id, username, first_name, last_name, password_hash,
		       last_login, reset_required, persistent
		FROM users WHERE `+cond, []any{arg},
		&u.ID, &authID, &u.Username, &u.FirstName, &u.LastName, &u.PasswordHash,
		&lastLogin, &resetRequired, &persistent)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	u.AuthID, _ = uuid.Parse(authID.String)
	u.ResetRequired = resetRequired != 0
	u.Persistent = persistent != 0
	if lastLogin.Valid {
		t := parseTime(lastLogin.String)
		u.LastLogin = &t
	}
	roles, err := d.rolesForUser(ctx, u.ID)
	if err != nil {
		return nil, err
	}
	u.Roles = roles
	return &u, nil
}

func (d *DB) rolesForUser(ctx context.Context, userID int64) ([]*store.Role, error) {
	rows, err := queryRetry(ctx, d.identity, `
		SELECT r.id, r.name, r.persistent
		FROM roles r JOIN user_roles ur ON ur.role_id = r.id
		WHERE ur.user_id = ? ORDER BY r.id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roles []*store.Role
	for rows.Next() {
		var r store.Role
		var persistent int
		if err := rows.Scan(&r.ID, &r.Name, &persistent); err != nil {
			return nil, err
		}
		r.Persistent = persistent != 0
		perms, err := d.permissionsForRole(ctx, r.ID)
		if err != nil {
			return nil, err
		}
		r.Permissions = perms
		roles = append(roles, &r)
	}
	return roles, rows.Err()
}

func (d *DB) Create(ctx context.Context, username, passwordHash string, roles []*store.Role) (*store.User, error) {
	return d.createUser(ctx, username, passwordHash, roles, false)
}

func (d *DB) createUser(ctx context.Context, username, passwordHash string, roles []*store.Role, persistent bool) (*store.User, error) {
	tx, err := d.identity.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	authID := uuid.New()
	resetRequired := 0
	persistentInt := 0
	if persistent {
		resetRequired = 1
		persistentInt = 1
	}
	res, err := execRetry(ctx, tx, `
		INSERT INTO users (auth_id, username, password_hash, reset_required, persistent, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, authID.String(), username, passwordHash, resetRequired, persistentInt, now())
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("user %s: %w", username, apperr.ErrAlreadyExists)
		}
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	for _, r := range roles {
		if _, err := execRetry(ctx, tx,
			`INSERT INTO user_roles (user_id, role_id) VALUES (?, ?)`, id, r.ID); err != nil {
			return nil, fmt.Errorf("assign role %s: %w", r.Name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return d.ByUsername(ctx, username)
}

func (d *DB) UpdatePassword(ctx context.Context, userID int64, newHash string) error {
	_, err := execRetry(ctx, d.identity,
		`UPDATE users SET password_hash = ? WHERE id = ?`, newHash, userID)
	return err
}

func (d *DB) UpdateLastLogin(ctx context.Context, userID int64) error {
	_, err := execRetry(ctx, d.identity,
		`UPDATE users SET last_login = ? WHERE id = ?`, now(), userID)
	return err
}

func (d *DB) SetResetRequired(ctx context.Context, userID int64, required bool) error {
	v := 0
	if required {
		v = 1
	}
	_, err := execRetry(ctx, d.identity,
		`UPDATE users SET reset_required = ? WHERE id = ?`, v, userID)
	return err
}

func (d *DB) EnsurePersistentUser(ctx context.Context, username, defaultPasswordHash string, roles []*store.Role) (*store.User, error) {
	existing, err := d.ByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}
	u, err := d.createUser(ctx, username, defaultPasswordHash, roles, true)
	if err != nil && apperr.Is(err, apperr.ErrAlreadyExists) {
		// Lost a race with a concurrent bootstrap.
		return d.ByUsername(ctx, username)
	}
	return u, err
}

func (d *DB) StreamAll(ctx context.Context) iter.Seq2[*store.User, error] {
	return func(yield func(*store.User, error) bool) {
		rows, err := queryRetry(ctx, d.identity, `SELECT id FROM users ORDER BY id`)
		if err != nil {
			yield(nil, err)
			return
		}
		defer rows.Close()

		var ids []int64
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				yield(nil, err)
				return
			}
			ids = append(ids, id)
		}
		if err := rows.Err(); err != nil {
			yield(nil, err)
			return
		}

		for _, id := range ids {
			u, err := d.userWhere(ctx, `id = ?`, id)
			if !yield(u, err) {
				return
			}
		}
	}
}

// ---- sessions ----

func (d *DB) CreateSession(ctx context.Context, userID int64, refreshToken string, expiresAt time.Time) (*store.Session, error) {
	s := &store.Session{
		ID:           uuid.New(),
		UserID:       userID,
		RefreshToken: refreshToken,
		ExpiresAt:    expiresAt.UTC(),
		CreatedAt:    time.Now().UTC(),
	}
	_, err := execRetry(ctx, d.identity, `
		INSERT INTO sessions (id, user_id, refresh_token, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, s.ID.String(), s.UserID, s.RefreshToken, s.ExpiresAt.Format(time.RFC3339Nano), s.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (d *DB) SessionByRefreshToken(ctx context.Context, refreshToken string) (*store.Session, error) {
	var s store.Session
	var id, expiresAt, createdAt string
	err := queryRowScanRetry(ctx, d.identity, `
		SELECT id, user_id, refresh_token, expires_at, created_at
		FROM sessions WHERE refresh_token = ?`, []any{refreshToken},
		&id, &s.UserID, &s.RefreshToken, &expiresAt, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	s.ID, _ = uuid.Parse(id)
	s.ExpiresAt = parseTime(expiresAt)
	s.CreatedAt = parseTime(createdAt)
	return &s, nil
}

func (d *DB) DeleteSession(ctx context.Context, id uuid.UUID) error {
	_, err := execRetry(ctx, d.identity, `DELETE FROM sessions WHERE id = ?`, id.String())
	return err
}

func (d *DB) DeleteExpiredSessions(ctx context.Context) error {
	_, err := execRetry(ctx, d.identity,
		`DELETE FROM sessions WHERE expires_at < ?`, now())
	return err
}

// ---- config ----

func (d *DB) GetConfig(ctx context.Context) (map[string]any, error) {
	var raw string
	err := queryRowScanRetry(ctx, d.identity, `SELECT data FROM config WHERE id = 1`, nil, &raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func (d *DB) SetConfig(ctx context.Context, data map[string]any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	_, err = execRetry(ctx, d.identity, `
		INSERT INTO config (id, data) VALUES (1, ?)
		ON CONFLICT(id) DO UPDATE SET data = excluded.data
	`, string(raw))
	return err
}

// ---- pilots ----

func (d *DB) CreatePilot(ctx context.Context, callsign, channel string) (*store.Pilot, error) {
	p := &store.Pilot{Callsign: callsign, Channel: channel, CreatedAt: time.Now().UTC()}
	res, err := execRetry(ctx, d.race, `
		INSERT INTO pilots (callsign, channel, created_at) VALUES (?, ?, ?)
	`, callsign, channel, p.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("pilot %s: %w", callsign, apperr.ErrAlreadyExists)
		}
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	p.ID = id
	return p, nil
}

func (d *DB) StreamPilots(ctx context.Context) iter.Seq2[*store.Pilot, error] {
	return func(yield func(*store.Pilot, error) bool) {
		rows, err := queryRetry(ctx, d.race,
			`SELECT id, callsign, channel, created_at FROM pilots ORDER BY id`)
		if err != nil {
			yield(nil, err)
			return
		}
		defer rows.Close()

		for rows.Next() {
			var p store.Pilot
			var createdAt string
			if err := rows.Scan(&p.ID, &p.Callsign, &p.Channel, &createdAt); err != nil {
				if !yield(nil, err) {
					return
				}
				continue
			}
			p.CreatedAt = parseTime(createdAt)
			if !yield(&p, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(nil, err)
		}
	}
}
