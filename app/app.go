// Package app wires together the store, event bus, clock, race manager,
// and config into a single running application, and owns the
// startup/shutdown lifecycle. Grounded on the teacher's main.go
// sequencing: open store, bootstrap persistent data, load config, build
// the domain objects, start the server, then drain everything in
// reverse on signal-driven shutdown.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/racewire/racecontrol/auth"
	"github.com/racewire/racecontrol/clock"
	"github.com/racewire/racecontrol/config"
	"github.com/racewire/racecontrol/event"
	"github.com/racewire/racecontrol/race"
	"github.com/racewire/racecontrol/router"
	"github.com/racewire/racecontrol/store"
	"github.com/racewire/racecontrol/workerpool"
)

// adminRoleName is the one persistent role bootstrapped at startup; it
// always carries every registered permission.
const adminRoleName = "admin"

// Options configures App construction. JWTSecret and the store paths
// come from the environment in cmd; App itself takes no env dependency.
type Options struct {
	Store         store.Store
	JWTSecret     []byte
	Log           *zap.Logger
	AdminUsername string
	// AdminPassword, if non-empty, seeds a persistent admin user on first
	// boot with reset_required=true. Leave empty to skip seeding (e.g. in
	// tests that create their own users).
	AdminPassword string
}

// App owns every long-lived component and its HTTP handler.
type App struct {
	Store    store.Store
	Bus      *event.Bus
	Registry *event.Registry
	Clock    *clock.Service
	Race     *race.Manager
	Config   *config.Global
	Hasher   *auth.Hasher
	Pool     *workerpool.Pool
	Handler  http.Handler

	log *zap.Logger
}

// New builds and bootstraps an App. It ensures the closed permission
// enumeration exists, the persistent admin role carries all of them, and
// (if AdminPassword is set) a persistent admin user exists — all
// idempotent, safe to call on every boot.
func New(ctx context.Context, opts Options) (*App, error) {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}

	registry := event.NewRegistry()

	if err := opts.Store.EnsurePermissions(ctx, event.AllPermissions()); err != nil {
		return nil, fmt.Errorf("bootstrap permissions: %w", err)
	}

	adminRole, err := opts.Store.EnsurePersistentRole(ctx, adminRoleName, event.AllPermissions())
	if err != nil {
		return nil, fmt.Errorf("bootstrap admin role: %w", err)
	}

	hasher := auth.NewHasher(auth.Params{})

	if opts.AdminPassword != "" {
		username := opts.AdminUsername
		if username == "" {
			username = "admin"
		}
		hash, err := hasher.HashPassword(opts.AdminPassword)
		if err != nil {
			return nil, fmt.Errorf("hash admin password: %w", err)
		}
		if _, err := opts.Store.EnsurePersistentUser(ctx, username, hash, []*store.Role{adminRole}); err != nil {
			return nil, fmt.Errorf("bootstrap admin user: %w", err)
		}
		log.Info("admin user bootstrapped", zap.String("username", username))
	}

	cfg, err := config.Load(ctx, opts.Store)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	bus := event.NewBus(log, nil)
	svc := clock.NewService(clock.Real{})
	mgr := race.NewManager(svc, bus, registry, log)
	pool := workerpool.New(cfg.Get().WorkerPoolSize)

	startHeartbeat(ctx, bus, registry, time.Duration(cfg.Get().HeartbeatInterval), log)

	handler := router.New(router.Deps{
		Store:     opts.Store,
		Race:      mgr,
		Bus:       bus,
		Registry:  registry,
		Config:    cfg,
		Hasher:    hasher,
		Pool:      pool,
		JWTSecret: opts.JWTSecret,
		Log:       log,
	})

	a := &App{
		Store:    opts.Store,
		Bus:      bus,
		Registry: registry,
		Clock:    svc,
		Race:     mgr,
		Config:   cfg,
		Hasher:   hasher,
		Pool:     pool,
		Handler:  handler,
		log:      log,
	}
	return a, nil
}

// startHeartbeat publishes a HEARTBEAT event on a fixed interval for the
// lifetime of ctx, so websocket clients can distinguish "bus alive, no
// race activity" from a dropped connection.
func startHeartbeat(ctx context.Context, bus *event.Bus, registry *event.Registry, interval time.Duration, log *zap.Logger) {
	d, ok := registry.Descriptor(event.Heartbeat)
	if !ok {
		log.Error("heartbeat descriptor missing from registry")
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case t := <-ticker.C:
				bus.Publish(ctx, d, t)
			}
		}
	}()
}

// Shutdown cancels any in-flight race, drains the event bus, then closes
// the store — in that order, per the shutdown sequence spec.md §4.G
// requires.
func (a *App) Shutdown(ctx context.Context) error {
	a.Race.StopRace()
	a.Bus.Close()
	return a.Store.Close()
}
