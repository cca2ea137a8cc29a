// Package router registers all HTTP endpoints using vanilla net/http
// (Go 1.22+ method-pattern mux).
package router

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/racewire/racecontrol/apperr"
	"github.com/racewire/racecontrol/auth"
	"github.com/racewire/racecontrol/config"
	"github.com/racewire/racecontrol/event"
	"github.com/racewire/racecontrol/middleware"
	"github.com/racewire/racecontrol/race"
	"github.com/racewire/racecontrol/store"
	"github.com/racewire/racecontrol/workerpool"
)

const sessionTTL = 24 * time.Hour

// Deps holds all dependencies for the router.
type Deps struct {
	Store     store.Store
	Race      *race.Manager
	Bus       *event.Bus
	Registry  *event.Registry
	Config    *config.Global
	Hasher    *auth.Hasher
	Pool      *workerpool.Pool
	JWTSecret []byte
	Log       *zap.Logger
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// New builds and returns the application HTTP handler.
func New(d Deps) http.Handler {
	mux := http.NewServeMux()

	requireAuth := middleware.RequireAuth(d.JWTSecret)

	mux.HandleFunc("POST /login", login(d))
	mux.Handle("GET /logout", requireAuth(http.HandlerFunc(logout(d))))
	mux.Handle("POST /reset-password",
		requireAuth(middleware.RequirePermission(event.PermResetPassword)(http.HandlerFunc(resetPassword(d)))))

	mux.Handle("GET /pilots",
		requireAuth(middleware.RequirePermission(event.PermReadPilots)(http.HandlerFunc(getPilots(d)))))

	mux.Handle("GET /ws",
		requireAuth(middleware.RequirePermission(event.PermEventWebsocket)(http.HandlerFunc(wsHandler(d)))))

	mux.Handle("POST /race/schedule",
		requireAuth(middleware.RequirePermission(event.PermRaceEvents)(http.HandlerFunc(scheduleRace(d)))))
	mux.Handle("POST /race/stop",
		requireAuth(middleware.RequirePermission(event.PermRaceEvents)(http.HandlerFunc(stopRace(d)))))
	mux.HandleFunc("GET /race/status", raceStatus(d))

	mux.HandleFunc("GET /healthz", healthz(d))

	return mux
}

// ---- response helpers ----

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, apperr.ErrInvalidArgument):
		code = http.StatusBadRequest
	case errors.Is(err, apperr.ErrInvalidState):
		code = http.StatusConflict
	case errors.Is(err, apperr.ErrNotFound), errors.Is(err, apperr.ErrAuthFailure):
		code = http.StatusUnauthorized
	case errors.Is(err, apperr.ErrAlreadyExists):
		code = http.StatusConflict
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

// checkPassword and hashPassword run the memory-hard argon2id work
// through the worker pool rather than inline on the request goroutine,
// per the password-contract's pool-offload requirement.
func checkPassword(ctx context.Context, d Deps, encoded, password string) (bool, error) {
	return workerpool.Submit(ctx, d.Pool, func() (bool, error) {
		return d.Hasher.CheckPassword(encoded, password)
	})
}

func hashPassword(ctx context.Context, d Deps, password string) (string, error) {
	return workerpool.Submit(ctx, d.Pool, func() (string, error) {
		return d.Hasher.HashPassword(password)
	})
}

// ---- auth handlers ----

func login(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, apperr.ErrInvalidArgument)
			return
		}

		u, err := d.Store.ByUsername(r.Context(), body.Username)
		if err != nil {
			writeError(w, err)
			return
		}
		if u == nil {
			writeJSON(w, http.StatusOK, map[string]any{"success": false})
			return
		}
		ok, err := checkPassword(r.Context(), d, u.PasswordHash, body.Password)
		if err != nil {
			d.Log.Error("login failed: invalid stored hash", zap.String("username", body.Username), zap.Error(err))
			writeJSON(w, http.StatusOK, map[string]any{"success": false})
			return
		}
		if !ok {
			d.Log.Warn("login failed: bad password", zap.String("username", body.Username))
			writeJSON(w, http.StatusOK, map[string]any{"success": false})
			return
		}

		refreshTok, err := auth.GenerateRefreshToken()
		if err != nil {
			writeError(w, err)
			return
		}
		sess, err := d.Store.CreateSession(r.Context(), u.ID, refreshTok, time.Now().Add(sessionTTL))
		if err != nil {
			writeError(w, err)
			return
		}

		perms := permissionStrings(u)
		ttl := time.Duration(d.Config.Get().AccessTokenTTL)
		token, err := auth.IssueAccessToken(d.JWTSecret, u.ID, sess.ID, perms, ttl)
		if err != nil {
			writeError(w, err)
			return
		}

		// Background tasks: last_login + rehash check, matching the
		// "enqueue background tasks" side effect named in spec.md §6. Runs
		// detached from the request context, which is canceled as soon as
		// ServeHTTP returns.
		go func() {
			bgCtx := context.Background()
			if err := d.Store.UpdateLastLogin(bgCtx, u.ID); err != nil {
				d.Log.Warn("update last_login failed", zap.Int64("user_id", u.ID), zap.Error(err))
			}
			needsRehash, err := d.Hasher.NeedsRehash(u.PasswordHash)
			if err == nil && needsRehash {
				if newHash, err := hashPassword(bgCtx, d, body.Password); err == nil {
					if err := d.Store.UpdatePassword(bgCtx, u.ID, newHash); err != nil {
						d.Log.Warn("rehash update failed", zap.Int64("user_id", u.ID), zap.Error(err))
					}
				}
			}
		}()

		writeJSON(w, http.StatusOK, map[string]any{
			"success":        true,
			"reset_required": u.ResetRequired,
			"access_token":   token,
		})
	}
}

func logout(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessID := middleware.ContextSessionID(r)
		if err := d.Store.DeleteSession(r.Context(), sessID); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func resetPassword(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Password    string `json:"password"`
			NewPassword string `json:"new_password"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, apperr.ErrInvalidArgument)
			return
		}

		userID := middleware.ContextUserID(r)
		if userID == 0 {
			writeError(w, apperr.ErrInvalidState)
			return
		}

		u, err := lookupByID(r.Context(), d.Store, userID)
		if err != nil {
			writeError(w, err)
			return
		}
		if u == nil {
			writeError(w, apperr.ErrInvalidState)
			return
		}

		ok, err := checkPassword(r.Context(), d, u.PasswordHash, body.Password)
		if err != nil {
			d.Log.Error("reset-password failed: invalid stored hash", zap.String("username", u.Username), zap.Error(err))
			writeJSON(w, http.StatusOK, map[string]any{"success": false})
			return
		}
		if !ok {
			d.Log.Warn("reset-password failed: bad password", zap.String("username", u.Username))
			writeJSON(w, http.StatusOK, map[string]any{"success": false})
			return
		}

		newHash, err := hashPassword(r.Context(), d, body.NewPassword)
		if err != nil {
			writeError(w, err)
			return
		}
		if err := d.Store.UpdatePassword(r.Context(), userID, newHash); err != nil {
			writeError(w, err)
			return
		}
		if err := d.Store.SetResetRequired(r.Context(), userID, false); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
	}
}

// lookupByID scans StreamAll for a matching ID. The identity store's
// primary lookups are by username/auth_id (spec.md §4.B); this is the
// by-id path the JWT subject needs, kept here rather than widening
// UserStore's interface for a single caller.
func lookupByID(ctx context.Context, st store.Store, id int64) (*store.User, error) {
	for u, err := range st.StreamAll(ctx) {
		if err != nil {
			return nil, err
		}
		if u.ID == id {
			return u, nil
		}
	}
	return nil, nil
}

func permissionStrings(u *store.User) []string {
	perms := u.Permissions()
	out := make([]string, 0, len(perms))
	for p := range perms {
		out = append(out, string(p))
	}
	return out
}

// ---- pilots ----

func getPilots(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		w.WriteHeader(http.StatusOK)
		bw := bufio.NewWriter(w)
		enc := json.NewEncoder(bw)
		for p, err := range d.Store.StreamPilots(r.Context()) {
			if err != nil {
				d.Log.Warn("pilot stream error", zap.Error(err))
				return
			}
			if err := enc.Encode(p); err != nil {
				return
			}
		}
		_ = bw.Flush()
	}
}

// ---- websocket event fan-out ----

// wsFanOut builds an event.Handler that marshals every delivered event to
// JSON and pushes it onto out, non-blocking — a slow reader drops events
// rather than stalling the bus dispatcher.
func wsFanOut(out chan []byte, log *zap.Logger) event.Handler {
	return func(_ context.Context, d event.Descriptor, payload any) error {
		msg := struct {
			ID      event.ID `json:"id"`
			Payload any      `json:"payload"`
		}{ID: d.ID, Payload: payload}
		b, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		select {
		case out <- b:
		default:
			log.Warn("websocket fan-out dropped event: slow reader", zap.String("event_id", string(d.ID)))
		}
		return nil
	}
}

func wsHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			d.Log.Warn("websocket upgrade failed", zap.Error(err))
			return
		}
		defer conn.Close()

		perms := middleware.ContextPermissions(r)
		authorized := make(map[store.Permission]struct{}, len(perms))
		for _, p := range perms {
			authorized[store.Permission(p)] = struct{}{}
		}

		out := make(chan []byte, 64)
		handle := d.Bus.Subscribe(wsFanOut(out, d.Log), authorized)
		defer d.Bus.Unsubscribe(handle)

		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case msg := <-out:
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					return
				}
			case <-done:
				return
			case <-r.Context().Done():
				return
			}
		}
	}
}

// ---- race ----

func scheduleRace(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			StageTimeSec    float64   `json:"stage_time_sec"`
			RaceTimeSec     float64   `json:"race_time_sec"`
			OvertimeSec     float64   `json:"overtime_sec"`
			Unlimited       bool      `json:"unlimited"`
			AssignedStartAt time.Time `json:"assigned_start_at"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, apperr.ErrInvalidArgument)
			return
		}
		sched := race.Schedule{
			StageTime:    secondsToDuration(body.StageTimeSec),
			RaceTime:     secondsToDuration(body.RaceTimeSec),
			OvertimeTime: secondsToDuration(body.OvertimeSec),
			Unlimited:    body.Unlimited,
		}
		if err := d.Race.ScheduleRace(sched, body.AssignedStartAt); err != nil {
			writeError(w, err)
			return
		}
		status, _, _ := d.Race.State()
		writeJSON(w, http.StatusOK, map[string]any{"status": status})
	}
}

func stopRace(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d.Race.StopRace()
		status, _, _ := d.Race.State()
		writeJSON(w, http.StatusOK, map[string]any{"status": status})
	}
}

func raceStatus(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, sched, pending := d.Race.State()
		writeJSON(w, http.StatusOK, map[string]any{
			"status":         status,
			"schedule":       sched,
			"transition_due": pending,
		})
	}
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// ---- system ----

func healthz(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
