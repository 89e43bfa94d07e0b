package redis

import (
	"context"
	"errors"
	"strings"
	"sync"

	goredis "github.com/redis/go-redis/v9"

	"github.com/3leaps/redsweep/pkg/store"
)

// Store implements store.Store on top of a pooled go-redis client.
type Store struct {
	client *goredis.Client
	addr   string
}

// Ensure Store and conn implement the interfaces.
var (
	_ store.Store = (*Store)(nil)
	_ store.Conn  = (*conn)(nil)
)

// New creates a Store and verifies connectivity with PING.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	client := goredis.NewClient(&goredis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
	})

	s := &Store{client: client, addr: cfg.Addr}
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, s.wrapError("Ping", err)
	}
	return s, nil
}

// NewFromClient wraps an existing go-redis client. The Store takes
// ownership of the client and closes it on Close.
func NewFromClient(client *goredis.Client) *Store {
	return &Store{client: client, addr: client.Options().Addr}
}

// Acquire returns a sticky connection taken from the pool.
//
// The connection is held exclusively until Close, so a bulk action never
// interleaves its pipelines with other traffic on the same socket.
func (s *Store) Acquire(ctx context.Context) (store.Conn, error) {
	c := s.client.Conn()
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, s.wrapError("Acquire", err)
	}
	return &conn{c: c, store: s}, nil
}

// Close closes the underlying client and its pool.
func (s *Store) Close() error {
	return s.client.Close()
}

// CheckHealth pings the server.
func (s *Store) CheckHealth(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return s.wrapError("Ping", err)
	}
	return nil
}

// Addr returns the configured server address.
func (s *Store) Addr() string {
	return s.addr
}

// conn is a dedicated connection bound to one bulk action.
type conn struct {
	c     *goredis.Conn
	store *Store

	// typeScanUnsupported is set once the server rejects SCAN ... TYPE.
	typeScanUnsupported bool

	closeOnce sync.Once
	closeErr  error
}

// Scan returns one SCAN page.
//
// Servers older than Redis 6 reject the TYPE option. In that case the
// page is fetched without TYPE and filtered with pipelined TYPE calls.
func (cn *conn) Scan(ctx context.Context, args store.ScanArgs) (*store.ScanResult, error) {
	match := args.Match
	if match == "" {
		match = "*"
	}

	if args.Type == "" || cn.typeScanUnsupported {
		keys, next, err := cn.c.Scan(ctx, args.Cursor, match, args.Count).Result()
		if err != nil {
			return nil, cn.store.wrapError("Scan", err)
		}
		if args.Type != "" {
			keys, err = cn.filterByType(ctx, keys, args.Type)
			if err != nil {
				return nil, err
			}
		}
		return &store.ScanResult{Keys: keys, NextCursor: next}, nil
	}

	keys, next, err := cn.c.ScanType(ctx, args.Cursor, match, args.Count, args.Type.String()).Result()
	if err != nil {
		if isSyntaxError(err) {
			cn.typeScanUnsupported = true
			return cn.Scan(ctx, args)
		}
		return nil, cn.store.wrapError("Scan", err)
	}
	return &store.ScanResult{Keys: keys, NextCursor: next}, nil
}

// filterByType keeps only keys whose TYPE equals want.
func (cn *conn) filterByType(ctx context.Context, keys []string, want store.KeyType) ([]string, error) {
	if len(keys) == 0 {
		return keys, nil
	}

	pipe := cn.c.Pipeline()
	cmds := make([]*goredis.StatusCmd, len(keys))
	for i, k := range keys {
		cmds[i] = pipe.Type(ctx, k)
	}
	if _, err := pipe.Exec(ctx); err != nil && !isReplyError(err) {
		return nil, cn.store.wrapError("Type", err)
	}

	out := keys[:0]
	for i, cmd := range cmds {
		t, err := cmd.Result()
		if err != nil {
			continue
		}
		if strings.EqualFold(t, want.String()) {
			out = append(out, keys[i])
		}
	}
	return out, nil
}

// Exec sends all commands in one pipeline.
func (cn *conn) Exec(ctx context.Context, cmds []store.Command) ([]store.Result, error) {
	results := make([]store.Result, len(cmds))
	if len(cmds) == 0 {
		return results, nil
	}

	pipe := cn.c.Pipeline()
	queued := make([]*goredis.Cmd, len(cmds))
	for i, c := range cmds {
		if c.Err != nil {
			continue
		}
		queued[i] = pipe.Do(ctx, c.Interfaces()...)
	}

	if pipe.Len() > 0 {
		if _, err := pipe.Exec(ctx); err != nil && !isReplyError(err) {
			return nil, cn.store.wrapError("Exec", err)
		}
	}

	for i, c := range cmds {
		if c.Err != nil {
			results[i] = store.Result{Err: c.Err}
			continue
		}
		reply, err := queued[i].Result()
		switch {
		case err == nil:
			results[i] = store.Result{Reply: reply}
		case errors.Is(err, goredis.Nil):
			results[i] = store.Result{}
		case isReplyError(err):
			results[i] = store.Result{Err: err}
		default:
			return nil, cn.store.wrapError("Exec", err)
		}
	}
	return results, nil
}

// DBSize returns the number of keys in the selected database.
func (cn *conn) DBSize(ctx context.Context) (int64, error) {
	n, err := cn.c.DBSize(ctx).Result()
	if err != nil {
		return 0, cn.store.wrapError("DBSize", err)
	}
	return n, nil
}

// Close returns the sticky connection to the pool exactly once.
func (cn *conn) Close() error {
	cn.closeOnce.Do(func() {
		cn.closeErr = cn.c.Close()
	})
	return cn.closeErr
}

// isReplyError reports whether err is a server reply error rather than a
// transport failure.
func isReplyError(err error) bool {
	if errors.Is(err, goredis.Nil) {
		return true
	}
	var rerr goredis.Error
	return errors.As(err, &rerr)
}

func isSyntaxError(err error) bool {
	var rerr goredis.Error
	if !errors.As(err, &rerr) {
		return false
	}
	return strings.Contains(strings.ToLower(rerr.Error()), "syntax error")
}
