// Package storage persists the last observed device state, the subscriber
// set and the update cursor. Each record is a small JSON document kept either
// in a local directory or in a NATS JetStream key-value bucket.
package storage

import (
	"context"
	"errors"
	"fmt"
)

// CurrentVersion is stamped into every persisted document.
const CurrentVersion = 1

// State is the recorded connectivity of the device.
type State string

const (
	StateOnline  State = "online"
	StateOffline State = "offline"
	StateUnknown State = "unknown"
)

// StateOf maps an online flag to a State.
func StateOf(online bool) State {
	if online {
		return StateOnline
	}
	return StateOffline
}

// PersistedState is the last known device state. TransitionTime is the
// moment LastState was first observed, in milliseconds since epoch; nil when
// unknown (imported from a legacy record).
type PersistedState struct {
	LastState      State  `json:"last_state"`
	TransitionTime *int64 `json:"transition_time,omitempty"`
}

// StateStore loads and saves the PersistedState record.
type StateStore interface {
	// Load returns found=false when no record exists yet.
	Load(ctx context.Context) (PersistedState, bool, error)
	Save(ctx context.Context, st PersistedState) error
}

// Registry holds the set of notification targets.
type Registry interface {
	// List returns all subscribers in ascending order. An absent record is an empty set.
	List(ctx context.Context) ([]string, error)
	// Add inserts id; added is false when id was already registered.
	Add(ctx context.Context, id string) (added bool, err error)
}

// CursorStore holds the id of the last processed messaging update.
type CursorStore interface {
	// LoadCursor returns found=false when no update has been processed yet.
	LoadCursor(ctx context.Context) (lastUpdateID int64, found bool, err error)
	SaveCursor(ctx context.Context, lastUpdateID int64) error
}

// ErrCorrupt marks a record that was read but could not be decoded. Callers
// can tell it apart from a failed read with errors.Is.
var ErrCorrupt = errors.New("corrupt record")

// StorageError reports a persisted record that could not be read or written.
type StorageError struct {
	Op  string // "load" or "save"
	Key string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Backend bundles the three stores served by one storage medium.
type Backend struct {
	State       StateStore
	Subscribers Registry
	Cursor      CursorStore

	close func() error
}

// Close releases connections held by the backend.
func (b *Backend) Close() error {
	if b.close == nil {
		return nil
	}
	return b.close()
}

// Record keys, used as file base names and as KV keys.
const (
	keyState       = "state"
	keySubscribers = "subscribers"
	keyCursor      = "cursor"
)

func newBackend(open func(key string) document, closeFn func() error) *Backend {
	return &Backend{
		State:       &stateStore{doc: open(keyState)},
		Subscribers: &registry{doc: open(keySubscribers)},
		Cursor:      &cursorStore{doc: open(keyCursor)},
		close:       closeFn,
	}
}
