// Package event provides the event descriptor registry (component 4.C)
// and the prioritized, permission-tagged publish/subscribe bus
// (component 4.D) that the race sequence manager and other producers use
// to broadcast transitions to subscribers.
package event

import "github.com/racewire/racecontrol/store"

// Priority orders dispatch: lower values are delivered first. INSTANT
// events additionally get synchronous-start semantics from Bus.Publish.
type Priority int

const (
	Instant Priority = iota
	High
	Medium
	Low
)

// ID names a registered event. Consumers receive a Descriptor value, never a
// language-level enum member, per spec.md §9's re-architecture guidance.
type ID string

const (
	Heartbeat          ID = "HEARTBEAT"
	PermissionsUpdate  ID = "PERMISSIONS_UPDATE"
	PilotAdd           ID = "PILOT_ADD"
	PilotAlter         ID = "PILOT_ALTER"
	PilotDelete        ID = "PILOT_DELETE"
	RaceStage          ID = "RACE_STAGE"
	RaceStart          ID = "RACE_START"
	RaceFinish         ID = "RACE_FINISH"
	RaceStop           ID = "RACE_STOP"
)

// Descriptor is a fixed, immutable catalog entry.
type Descriptor struct {
	ID                 ID
	Priority           Priority
	RequiredPermission store.Permission
}

// Permission identifiers referenced by the built-in descriptor catalog.
// The permission & role store (component 4.A) uses the same constants to
// seed its persistent permission set at bootstrap.
const (
	PermEventWebsocket store.Permission = "EVENT_WEBSOCKET"
	PermReadPilots     store.Permission = "READ_PILOTS"
	PermRaceEvents     store.Permission = "RACE_EVENTS"
	PermResetPassword  store.Permission = "RESET_PASSWORD"
)

// AllPermissions is the closed enumeration backing
// PermissionStore.EnsurePermissions at bootstrap.
func AllPermissions() []store.Permission {
	return []store.Permission{
		PermEventWebsocket,
		PermReadPilots,
		PermRaceEvents,
		PermResetPassword,
	}
}

// Registry is the immutable, program-init-time event catalog.
type Registry struct {
	byID map[ID]Descriptor
}

// NewRegistry builds the fixed catalog described in spec.md §4.C.
func NewRegistry() *Registry {
	descriptors := []Descriptor{
		{Heartbeat, Low, PermEventWebsocket},
		{PermissionsUpdate, High, PermEventWebsocket},
		{PilotAdd, Medium, PermReadPilots},
		{PilotAlter, Medium, PermReadPilots},
		{PilotDelete, Medium, PermReadPilots},
		{RaceStage, Instant, PermRaceEvents},
		{RaceStart, Instant, PermRaceEvents},
		{RaceFinish, Instant, PermRaceEvents},
		{RaceStop, Instant, PermRaceEvents},
	}
	r := &Registry{byID: make(map[ID]Descriptor, len(descriptors))}
	for _, d := range descriptors {
		r.byID[d.ID] = d
	}
	return r
}

// Descriptor looks up a registered event by ID. The second result is
// false for an unregistered ID — callers should treat that as a
// programming error (publishing an ID the registry never learned about).
func (r *Registry) Descriptor(id ID) (Descriptor, bool) {
	d, ok := r.byID[id]
	return d, ok
}

// All returns every registered descriptor, in no particular order.
func (r *Registry) All() []Descriptor {
	out := make([]Descriptor, 0, len(r.byID))
	for _, d := range r.byID {
		out = append(out, d)
	}
	return out
}
