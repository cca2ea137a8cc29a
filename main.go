package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/racewire/racecontrol/app"
	"github.com/racewire/racecontrol/store/sqlite"
)

var version = "dev"

func main() {
	port := env("RACECONTROL_PORT", "8080")

	identityPath := os.Getenv("IDENTITY_DB_PATH")
	if identityPath == "" {
		fmt.Fprintln(os.Stderr, "IDENTITY_DB_PATH environment variable is required")
		os.Exit(1)
	}
	racePath := os.Getenv("RACE_DB_PATH")
	if racePath == "" {
		fmt.Fprintln(os.Stderr, "RACE_DB_PATH environment variable is required")
		os.Exit(1)
	}
	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		fmt.Fprintln(os.Stderr, "JWT_SECRET environment variable is required")
		os.Exit(1)
	}

	log, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("racecontrol starting", zap.String("version", version))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := sqlite.Open(identityPath, racePath)
	if err != nil {
		log.Fatal("open stores", zap.Error(err))
	}
	defer db.Close()

	a, err := app.New(ctx, app.Options{
		Store:         db,
		JWTSecret:     []byte(jwtSecret),
		Log:           log,
		AdminUsername: env("ADMIN_USERNAME", "admin"),
		AdminPassword: os.Getenv("ADMIN_PASSWORD"),
	})
	if err != nil {
		log.Fatal("app init", zap.Error(err))
	}

	// Periodically delete expired sessions.
	go func() {
		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := db.DeleteExpiredSessions(ctx); err != nil {
					log.Warn("delete expired sessions", zap.Error(err))
				}
			}
		}
	}()

	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      a.Handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Info("listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("http server", zap.Error(err))
		}
	}()

	<-sigCh
	log.Info("shutting down")
	cancel()

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutCancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	if err := a.Shutdown(shutCtx); err != nil {
		log.Warn("app shutdown", zap.Error(err))
	}
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
