// Package config manages the global application configuration.
// Defaults are loaded from an embedded YAML file; the live config is
// stored in a single DB row and read/written via the ConfigStore
// interface.
package config

import (
	"context"
	_ "embed"
	"encoding/json"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed config.default.yaml
var defaultYAML []byte

// Duration is a time.Duration that (un)marshals from the Go duration
// string form ("5s", "1h30m") in both YAML and JSON, so config values
// read the same way whether they came from the embedded defaults file
// or round-tripped through the DB-backed JSON blob.
type Duration time.Duration

func (d Duration) String() string { return time.Duration(d).String() }

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := time.ParseDuration(node.Value)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Argon2Params holds the argon2id tunables of the live config. app.New
// builds its Hasher from auth.DefaultParams and does not read these values.
type Argon2Params struct {
	MemoryKiB   uint32 `json:"memory_kib"   yaml:"memory_kib"`
	Iterations  uint32 `json:"iterations"   yaml:"iterations"`
	Parallelism uint8  `json:"parallelism"  yaml:"parallelism"`
}

// DefaultSchedule is the race schedule offered by the operator UI when
// none is specified explicitly.
type DefaultSchedule struct {
	StageTime    Duration `json:"stage_time"    yaml:"stage_time"`
	RaceTime     Duration `json:"race_time"     yaml:"race_time"`
	OvertimeTime Duration `json:"overtime_time" yaml:"overtime_time"`
	Unlimited    bool     `json:"unlimited"     yaml:"unlimited"`
}

// Data holds the serialisable global configuration.
type Data struct {
	WorkerPoolSize    int             `json:"worker_pool_size"   yaml:"worker_pool_size"`
	Argon2            Argon2Params    `json:"argon2"             yaml:"argon2"`
	AccessTokenTTL    Duration        `json:"access_token_ttl"   yaml:"access_token_ttl"`
	HeartbeatInterval Duration        `json:"heartbeat_interval" yaml:"heartbeat_interval"`
	DefaultSchedule   DefaultSchedule `json:"default_schedule"   yaml:"default_schedule"`
}

// ConfigStore is the persistence interface for the live config row.
// Defined here (rather than imported from store) to avoid a circular
// import between config and store.
type ConfigStore interface {
	GetConfig(ctx context.Context) (map[string]any, error)
	SetConfig(ctx context.Context, data map[string]any) error
}

// Global is a thread-safe, DB-backed wrapper around Data.
type Global struct {
	mu   sync.RWMutex
	data Data
	st   ConfigStore
}

// Load initializes Global from the DB. If the DB row is empty/missing,
// the embedded default YAML is seeded.
func Load(ctx context.Context, st ConfigStore) (*Global, error) {
	g := &Global{st: st, data: defaults()}

	raw, err := st.GetConfig(ctx)
	if err != nil {
		return nil, err
	}

	if len(raw) == 0 {
		if err := g.persistDefaults(ctx); err != nil {
			return nil, err
		}
		return g, nil
	}

	// Re-serialize the map → JSON → Data so we benefit from json tags.
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(b, &g.data); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *Global) persistDefaults(ctx context.Context) error {
	b, err := json.Marshal(g.data)
	if err != nil {
		return err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	return g.st.SetConfig(ctx, m)
}

// defaults returns the built-in configuration by parsing the embedded
// YAML.
func defaults() Data {
	var d Data
	_ = yaml.Unmarshal(defaultYAML, &d)
	return d
}

// Get returns a thread-safe copy of the current configuration.
func (g *Global) Get() Data {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.data
}

// Set replaces the configuration and persists it to the DB.
func (g *Global) Set(ctx context.Context, d Data) error {
	b, err := json.Marshal(d)
	if err != nil {
		return err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	if err := g.st.SetConfig(ctx, m); err != nil {
		return err
	}
	g.mu.Lock()
	g.data = d
	g.mu.Unlock()
	return nil
}
