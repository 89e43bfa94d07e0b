package redis

import (
	"context"
	"errors"
	"strings"

	goredis "github.com/redis/go-redis/v9"

	"github.com/3leaps/redsweep/pkg/store"
)

// wrapError converts go-redis errors to store errors with appropriate sentinels.
func (s *Store) wrapError(op string, err error) error {
	wrapped := &store.StoreError{
		Op:   op,
		Addr: s.addr,
		Err:  err,
	}

	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// Keep context errors visible to errors.Is callers.
		return wrapped
	case errors.Is(err, goredis.ErrClosed):
		wrapped.Err = store.ErrClosed
		return wrapped
	}

	var rerr goredis.Error
	if errors.As(err, &rerr) {
		msg := rerr.Error()
		switch {
		case strings.HasPrefix(msg, "NOAUTH"), strings.HasPrefix(msg, "WRONGPASS"),
			strings.Contains(msg, "invalid password"):
			wrapped.Err = errors.Join(store.ErrAuth, err)
		case strings.Contains(strings.ToLower(msg), "unknown command"):
			wrapped.Err = errors.Join(store.ErrUnsupported, err)
		case strings.HasPrefix(msg, "LOADING"), strings.HasPrefix(msg, "MASTERDOWN"):
			wrapped.Err = errors.Join(store.ErrConnection, err)
		}
		return wrapped
	}

	// Anything that is not a reply error leaves the pipeline state unknown
	// (net.Error, io.EOF, pool timeouts), so it is a connection failure.
	wrapped.Err = errors.Join(store.ErrConnection, err)
	return wrapped
}
