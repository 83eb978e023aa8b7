package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// maxUpdateAttempts bounds the read-modify-write retries on revision conflicts.
const maxUpdateAttempts = 5

// NatsOptions configures the JetStream key-value backend.
type NatsOptions struct {
	URL     string
	Bucket  string
	Timeout time.Duration
}

// NewNatsBackend connects to NATS and stores every record as a key in a
// JetStream KV bucket, creating the bucket when it does not exist.
func NewNatsBackend(ctx context.Context, opts NatsOptions) (*Backend, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}

	nc, err := nats.Connect(opts.URL, nats.Name("plugwatch"), nats.Timeout(opts.Timeout))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      opts.Bucket,
		Description: "plugwatch device state and subscribers",
		History:     1,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create KV bucket: %w", err)
	}

	slog.Info("using NATS KV storage", "url", opts.URL, "bucket", opts.Bucket)

	return newKVBackend(kv, func() error {
		nc.Close()
		return nil
	}), nil
}

// kvBucket is the subset of jetstream.KeyValue used by the backend.
type kvBucket interface {
	Get(ctx context.Context, key string) (jetstream.KeyValueEntry, error)
	Put(ctx context.Context, key string, value []byte) (uint64, error)
	Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error)
}

func newKVBackend(kv kvBucket, closeFn func() error) *Backend {
	return newBackend(func(key string) document {
		return &kvDocument{kv: kv, name: key}
	}, closeFn)
}

// kvDocument is a single key in a JetStream KV bucket.
type kvDocument struct {
	kv   kvBucket
	name string
}

func (d *kvDocument) key() string { return d.name }

func (d *kvDocument) read(ctx context.Context) ([]byte, bool, error) {
	entry, err := d.kv.Get(ctx, d.name)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get key %s: %w", d.name, err)
	}
	return entry.Value(), true, nil
}

func (d *kvDocument) write(ctx context.Context, data []byte) error {
	if _, err := d.kv.Put(ctx, d.name, data); err != nil {
		return fmt.Errorf("failed to put key %s: %w", d.name, err)
	}
	return nil
}

// update is a compare-and-set loop. Revision 0 means the key must not exist
// yet. A concurrent writer makes the write fail and the loop re-reads.
func (d *kvDocument) update(ctx context.Context, fn func([]byte, bool) ([]byte, error)) error {
	var lastErr error
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		var (
			data     []byte
			found    bool
			revision uint64
		)
		entry, err := d.kv.Get(ctx, d.name)
		switch {
		case errors.Is(err, jetstream.ErrKeyNotFound):
		case err != nil:
			return fmt.Errorf("failed to get key %s: %w", d.name, err)
		default:
			data, found, revision = entry.Value(), true, entry.Revision()
		}

		next, err := fn(data, found)
		if errors.Is(err, errUnchanged) {
			return nil
		}
		if err != nil {
			return err
		}

		_, lastErr = d.kv.Update(ctx, d.name, next, revision)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		slog.Debug("kv update conflict, retrying", "key", d.name, "attempt", attempt+1, "error", lastErr)
	}
	return fmt.Errorf("failed to update key %s after %d attempts: %w", d.name, maxUpdateAttempts, lastErr)
}
