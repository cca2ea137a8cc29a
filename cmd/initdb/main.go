// Command initdb is the racecontrol database initialisation step.
//
// It must run (and exit 0) before the main server starts.
//
// What it does:
//
//  1. Opens (creating if absent) the two SQLite files used by the
//     server: IDENTITY_DB_PATH and RACE_DB_PATH, running the additive
//     CREATE TABLE IF NOT EXISTS migrations inline in store/sqlite.Open.
//  2. Bootstraps the closed permission enumeration, the persistent
//     "admin" role, and (if ADMIN_PASSWORD is set) a persistent admin
//     user — the same idempotent bootstrap the server itself runs on
//     every boot, run here standalone so it can be verified in CI
//     without starting the HTTP listener.
//  3. Exits 0 on success, non-zero on any failure.
//
// Required env vars:
//
//	IDENTITY_DB_PATH — path to the identity SQLite file (users, roles,
//	                   permissions, sessions, config)
//	RACE_DB_PATH     — path to the race SQLite file (pilots)
//
// Optional env vars:
//
//	ADMIN_USERNAME — defaults to "admin"
//	ADMIN_PASSWORD — if set, seeds the persistent admin user
package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/racewire/racecontrol/app"
	"github.com/racewire/racecontrol/store/sqlite"
)

func main() {
	identityPath := os.Getenv("IDENTITY_DB_PATH")
	if identityPath == "" {
		log.Fatal("IDENTITY_DB_PATH is required")
	}
	racePath := os.Getenv("RACE_DB_PATH")
	if racePath == "" {
		log.Fatal("RACE_DB_PATH is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	log.Println("initdb: opening stores…")
	db, err := sqlite.Open(identityPath, racePath)
	if err != nil {
		log.Fatalf("initdb: open: %v", err)
	}
	defer db.Close()
	log.Println("initdb: stores OK")

	log.Println("initdb: bootstrapping permissions, roles, admin user…")
	a, err := app.New(ctx, app.Options{
		Store:         db,
		AdminUsername: env("ADMIN_USERNAME", "admin"),
		AdminPassword: os.Getenv("ADMIN_PASSWORD"),
	})
	if err != nil {
		log.Fatalf("initdb: bootstrap failed: %v", err)
	}
	if err := a.Shutdown(ctx); err != nil {
		log.Fatalf("initdb: shutdown: %v", err)
	}
	log.Println("initdb: bootstrap OK — exiting")
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
