package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Plain-text files written by the earlier cron scripts.
const (
	legacyStateFile  = "state.txt"
	legacyUsersFile  = "users.txt"
	legacyCursorFile = "last_update_id.txt"
)

// MigrateLegacyFiles imports the plain-text records found in dir into b.
// Records already present in b win over the legacy content. Imported files
// are renamed with a ".migrated" suffix so the import runs once.
func MigrateLegacyFiles(ctx context.Context, dir string, b *Backend) error {
	if err := migrateLegacyState(ctx, filepath.Join(dir, legacyStateFile), b.State); err != nil {
		return fmt.Errorf("migrate %s: %w", legacyStateFile, err)
	}
	if err := migrateLegacyUsers(ctx, filepath.Join(dir, legacyUsersFile), b.Subscribers); err != nil {
		return fmt.Errorf("migrate %s: %w", legacyUsersFile, err)
	}
	if err := migrateLegacyCursor(ctx, filepath.Join(dir, legacyCursorFile), b.Cursor); err != nil {
		return fmt.Errorf("migrate %s: %w", legacyCursorFile, err)
	}
	return nil
}

func readLegacy(path string) (string, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", false, nil // nothing to migrate
		}
		return "", false, err
	}
	return strings.TrimSpace(string(data)), true, nil
}

func markMigrated(path string) error {
	return os.Rename(path, path+".migrated")
}

func migrateLegacyState(ctx context.Context, path string, store StateStore) error {
	content, ok, err := readLegacy(path)
	if err != nil || !ok {
		return err
	}

	if _, found, err := store.Load(ctx); err != nil {
		return err
	} else if !found {
		st := State(strings.ToLower(content))
		if st != StateOnline && st != StateOffline {
			return fmt.Errorf("unexpected state %q", content)
		}
		// The scripts never recorded when the state began.
		if err := store.Save(ctx, PersistedState{LastState: st}); err != nil {
			return err
		}
		slog.Info("migrated legacy state", "state", st)
	}
	return markMigrated(path)
}

func migrateLegacyUsers(ctx context.Context, path string, reg Registry) error {
	content, ok, err := readLegacy(path)
	if err != nil || !ok {
		return err
	}

	imported := 0
	for _, line := range strings.Split(content, "\n") {
		id := strings.TrimSpace(line)
		if id == "" {
			continue
		}
		added, err := reg.Add(ctx, id)
		if err != nil {
			return err
		}
		if added {
			imported++
		}
	}
	slog.Info("migrated legacy subscribers", "count", imported)
	return markMigrated(path)
}

func migrateLegacyCursor(ctx context.Context, path string, cur CursorStore) error {
	content, ok, err := readLegacy(path)
	if err != nil || !ok {
		return err
	}

	if _, found, err := cur.LoadCursor(ctx); err != nil {
		return err
	} else if !found && content != "" {
		id, err := strconv.ParseInt(content, 10, 64)
		if err != nil {
			return fmt.Errorf("parse update id: %w", err)
		}
		if err := cur.SaveCursor(ctx, id); err != nil {
			return err
		}
		slog.Info("migrated legacy update cursor", "last_update_id", id)
	}
	return markMigrated(path)
}
