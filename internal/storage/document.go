package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// errUnchanged is returned by a mutate func to skip the write.
var errUnchanged = errors.New("unchanged")

// document is a single named JSON record.
type document interface {
	key() string
	read(ctx context.Context) (data []byte, found bool, err error)
	write(ctx context.Context, data []byte) error
	// update applies fn to the current content and writes the result.
	// fn may return errUnchanged to leave the record as is.
	update(ctx context.Context, fn func(data []byte, found bool) ([]byte, error)) error
}

// --- state ---

type stateRecord struct {
	Version int `json:"version"`
	PersistedState
}

type stateStore struct {
	doc document
}

func (s *stateStore) Load(ctx context.Context) (PersistedState, bool, error) {
	data, found, err := s.doc.read(ctx)
	if err != nil {
		return PersistedState{}, false, &StorageError{Op: "load", Key: s.doc.key(), Err: err}
	}
	if !found {
		return PersistedState{}, false, nil
	}

	var rec stateRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return PersistedState{}, false, &StorageError{Op: "load", Key: s.doc.key(), Err: fmt.Errorf("%w: parse state JSON: %w", ErrCorrupt, err)}
	}
	switch rec.LastState {
	case StateOnline, StateOffline, StateUnknown:
	default:
		return PersistedState{}, false, &StorageError{Op: "load", Key: s.doc.key(), Err: fmt.Errorf("%w: invalid last_state %q", ErrCorrupt, rec.LastState)}
	}
	return rec.PersistedState, true, nil
}

func (s *stateStore) Save(ctx context.Context, st PersistedState) error {
	data, err := json.MarshalIndent(stateRecord{Version: CurrentVersion, PersistedState: st}, "", "  ")
	if err != nil {
		return &StorageError{Op: "save", Key: s.doc.key(), Err: err}
	}
	if err := s.doc.write(ctx, data); err != nil {
		return &StorageError{Op: "save", Key: s.doc.key(), Err: err}
	}
	return nil
}

// --- subscribers ---

type subscribersRecord struct {
	Version     int      `json:"version"`
	Subscribers []string `json:"subscribers"`
}

type registry struct {
	doc document
}

func decodeSubscribers(data []byte, found bool) ([]string, error) {
	if !found || len(data) == 0 {
		return []string{}, nil
	}
	var rec subscribersRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse subscribers JSON: %w", err)
	}
	if rec.Subscribers == nil {
		return []string{}, nil
	}
	return rec.Subscribers, nil
}

func (r *registry) List(ctx context.Context) ([]string, error) {
	data, found, err := r.doc.read(ctx)
	if err != nil {
		return nil, &StorageError{Op: "load", Key: r.doc.key(), Err: err}
	}
	ids, err := decodeSubscribers(data, found)
	if err != nil {
		return nil, &StorageError{Op: "load", Key: r.doc.key(), Err: err}
	}
	sort.Strings(ids)
	return ids, nil
}

func (r *registry) Add(ctx context.Context, id string) (bool, error) {
	if id == "" {
		return false, &StorageError{Op: "save", Key: r.doc.key(), Err: errors.New("empty subscriber id")}
	}

	added := false
	err := r.doc.update(ctx, func(data []byte, found bool) ([]byte, error) {
		added = false
		ids, err := decodeSubscribers(data, found)
		if err != nil {
			return nil, err
		}
		for _, existing := range ids {
			if existing == id {
				return nil, errUnchanged
			}
		}
		ids = append(ids, id)
		sort.Strings(ids)
		added = true
		return json.MarshalIndent(subscribersRecord{Version: CurrentVersion, Subscribers: ids}, "", "  ")
	})
	if err != nil {
		return false, &StorageError{Op: "save", Key: r.doc.key(), Err: err}
	}
	return added, nil
}

// --- cursor ---

type cursorRecord struct {
	Version      int   `json:"version"`
	LastUpdateID int64 `json:"last_update_id"`
}

type cursorStore struct {
	doc document
}

func (c *cursorStore) LoadCursor(ctx context.Context) (int64, bool, error) {
	data, found, err := c.doc.read(ctx)
	if err != nil {
		return 0, false, &StorageError{Op: "load", Key: c.doc.key(), Err: err}
	}
	if !found {
		return 0, false, nil
	}
	var rec cursorRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return 0, false, &StorageError{Op: "load", Key: c.doc.key(), Err: fmt.Errorf("parse cursor JSON: %w", err)}
	}
	return rec.LastUpdateID, true, nil
}

func (c *cursorStore) SaveCursor(ctx context.Context, lastUpdateID int64) error {
	data, err := json.Marshal(cursorRecord{Version: CurrentVersion, LastUpdateID: lastUpdateID})
	if err != nil {
		return &StorageError{Op: "save", Key: c.doc.key(), Err: err}
	}
	if err := c.doc.write(ctx, data); err != nil {
		return &StorageError{Op: "save", Key: c.doc.key(), Err: err}
	}
	return nil
}
