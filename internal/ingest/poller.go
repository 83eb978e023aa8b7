package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/makt28/plugwatch/internal/storage"
	"github.com/makt28/plugwatch/internal/telegram"
)

// UpdateFetcher is satisfied by *telegram.Client.
type UpdateFetcher interface {
	GetUpdates(ctx context.Context, offset int64, wait time.Duration) ([]json.RawMessage, error)
}

// Poller is the pull update source: it reads getUpdates from the stored
// cursor and advances the cursor after every update.
type Poller struct {
	fetcher   UpdateFetcher
	cursor    storage.CursorStore
	registrar *Registrar
	wait      time.Duration
}

// NewPoller creates a Poller. wait is the server-side long-poll timeout.
func NewPoller(fetcher UpdateFetcher, cursor storage.CursorStore, registrar *Registrar, wait time.Duration) *Poller {
	return &Poller{fetcher: fetcher, cursor: cursor, registrar: registrar, wait: wait}
}

// Ingest fetches and processes one batch of updates.
//
// The cursor is saved after each update, whether or not it was a
// registration, so an interrupted batch resumes at the first unprocessed
// update. A malformed update is logged and skipped. A registry failure stops
// the batch before the cursor passes the failed update.
func (p *Poller) Ingest(ctx context.Context) error {
	last, found, err := p.cursor.LoadCursor(ctx)
	if err != nil {
		return err
	}

	var offset int64
	if found {
		offset = last + 1
	}

	raws, err := p.fetcher.GetUpdates(ctx, offset, p.wait)
	if err != nil {
		return fmt.Errorf("fetch updates: %w", err)
	}

	processed, malformed := 0, 0
	for _, raw := range raws {
		u, err := decodeUpdate(raw)
		if err != nil {
			malformed++
			slog.Warn("skipping update", "error", err)

			// Without an update_id the cursor cannot move past this entry. A later
			// update in the batch carries it forward; a trailing one is
			// fetched again next cycle.
			var ingestErr *IngestError
			if !errors.As(err, &ingestErr) || ingestErr.UpdateID == 0 {
				slog.Debug("malformed update has no update_id, cursor unchanged", "last_update_id", last)
				continue
			}
			u.UpdateID = ingestErr.UpdateID
		} else if err := p.registrar.Handle(ctx, u); err != nil {
			return err
		}

		if found && u.UpdateID <= last {
			continue
		}
		if err := p.cursor.SaveCursor(ctx, u.UpdateID); err != nil {
			return err
		}
		last, found = u.UpdateID, true
		processed++
	}

	if len(raws) > 0 {
		slog.Info("updates ingested", "processed", processed, "malformed", malformed, "last_update_id", last)
	}
	return nil
}

// decodeUpdate parses one raw update. On failure it still tries to recover
// update_id so the cursor can move past the bad entry.
func decodeUpdate(raw json.RawMessage) (telegram.Update, error) {
	var u telegram.Update
	err := json.Unmarshal(raw, &u)
	if err == nil && u.UpdateID <= 0 {
		err = errors.New("missing update_id")
	}
	if err == nil {
		return u, nil
	}

	var idOnly struct {
		UpdateID int64 `json:"update_id"`
	}
	if json.Unmarshal(raw, &idOnly) == nil && idOnly.UpdateID > 0 {
		return telegram.Update{}, &IngestError{UpdateID: idOnly.UpdateID, Err: err}
	}
	return telegram.Update{}, &IngestError{Err: err}
}
