package sqlite

import "github.com/racewire/racecontrol/store"

var _ store.Store = (*DB)(nil)
