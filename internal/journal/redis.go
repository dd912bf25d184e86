package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	goredis "github.com/redis/go-redis/v9"

	"github.com/ChuLiYu/nearline-mover/pkg/types"
)

// DefaultRedisKey is the hash holding the journal when no key is configured.
const DefaultRedisKey = "nearline-mover:journal"

// Redis keeps the journal in one Redis hash, field = transfer id, value =
// JSON descriptor. HSET and HDEL are atomic per field, which is all the
// crash guarantee needs.
type Redis struct {
	client goredis.UniversalClient
	key    string
	owned  bool
	log    *slog.Logger
}

// NewRedis wraps an existing client. Close does not close it.
func NewRedis(client goredis.UniversalClient, key string, logger *slog.Logger) *Redis {
	if key == "" {
		key = DefaultRedisKey
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{client: client, key: key, log: logger.With("component", "journal", "key", key)}
}

// OpenRedis connects to the server at url and checks that it answers.
// Format: redis://[:password@]host:port[/db]
func OpenRedis(ctx context.Context, url, key string, logger *slog.Logger) (*Redis, error) {
	if url == "" {
		return nil, &Error{Op: "open", Err: errors.New("redis journal requires a URL")}
	}
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, &Error{Op: "open", Err: fmt.Errorf("invalid URL: %w", err)}
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, &Error{Op: "open", Err: err}
	}

	r := NewRedis(client, key, logger)
	r.owned = true
	return r, nil
}

// Put records a submission.
func (r *Redis) Put(ctx context.Context, id types.TransferID, desc types.Descriptor) error {
	body, err := json.Marshal(desc)
	if err != nil {
		return &Error{Op: "put", ID: id, Err: err}
	}
	if err := r.client.HSet(ctx, r.key, string(id), body).Err(); err != nil {
		return &Error{Op: "put", ID: id, Err: err}
	}
	return nil
}

// Remove records a completion.
func (r *Redis) Remove(ctx context.Context, id types.TransferID) error {
	if err := r.client.HDel(ctx, r.key, string(id)).Err(); err != nil {
		return &Error{Op: "remove", ID: id, Err: err}
	}
	return nil
}

// Entries returns every recorded submission ordered by id.
func (r *Redis) Entries(ctx context.Context) ([]Entry, error) {
	fields, err := r.client.HGetAll(ctx, r.key).Result()
	if err != nil {
		return nil, &Error{Op: "list", Err: err}
	}
	entries := make([]Entry, 0, len(fields))
	for id, body := range fields {
		var desc types.Descriptor
		if err := json.Unmarshal([]byte(body), &desc); err != nil {
			return nil, &Error{Op: "list", ID: types.TransferID(id), Err: err}
		}
		entries = append(entries, Entry{ID: types.TransferID(id), Descriptor: desc})
	}
	sortEntries(entries)
	return entries, nil
}

// Cleanup reconciles every entry with b.
func (r *Redis) Cleanup(ctx context.Context, b Backend) (int, error) {
	return r.CleanupFunc(ctx, b, nil)
}

// CleanupFunc reconciles the entries keep rejects with b.
func (r *Redis) CleanupFunc(ctx context.Context, b Backend, keep KeepFunc) (int, error) {
	entries, err := r.Entries(ctx)
	if err != nil {
		return 0, err
	}
	return reconcile(ctx, r.log, entries, b, keep, r.Remove)
}

// Close releases the client when the journal created it.
func (r *Redis) Close() error {
	if !r.owned {
		return nil
	}
	if err := r.client.Close(); err != nil {
		return &Error{Op: "close", Err: err}
	}
	return nil
}
