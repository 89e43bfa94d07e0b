package bulkaction

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/3leaps/redsweep/pkg/importfile"
	"github.com/3leaps/redsweep/pkg/store"
)

// Runner turns a batch of items into the commands that are pipelined for
// that batch.
//
// PrepareCommands must return exactly one command per item, in the same
// order, and must not depend on anything but its input and the state set
// by PrepareToStart.
type Runner interface {
	// PrepareToStart runs once before the first batch. It may probe the
	// server. Calling it again after a successful call is a no-op.
	PrepareToStart(ctx context.Context, conn store.Conn) error

	// PrepareCommands maps items (keys, or import lines) to commands.
	PrepareCommands(items []string) []store.Command
}

// NewRunner returns the runner for an action type.
func NewRunner(t Type, logger *zap.Logger) (Runner, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch t {
	case TypeDelete:
		return DeleteRunner{}, nil
	case TypeUnlink:
		return NewUnlinkRunner(logger), nil
	case TypeUpload:
		return UploadRunner{}, nil
	default:
		return nil, validationErrorf("type", "unknown bulk action type %q", t)
	}
}

// DeleteRunner deletes each key with DEL.
type DeleteRunner struct{}

// PrepareToStart is a no-op.
func (DeleteRunner) PrepareToStart(context.Context, store.Conn) error { return nil }

// PrepareCommands returns one DEL per key.
func (DeleteRunner) PrepareCommands(keys []string) []store.Command {
	return keyCommands("DEL", keys)
}

// UnlinkRunner deletes keys with UNLINK, falling back to DEL on servers
// that predate it.
type UnlinkRunner struct {
	logger *zap.Logger

	mu       sync.Mutex
	prepared bool
	fallback bool
}

// NewUnlinkRunner creates an UnlinkRunner.
func NewUnlinkRunner(logger *zap.Logger) *UnlinkRunner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UnlinkRunner{logger: logger}
}

// PrepareToStart probes the server for UNLINK once.
func (r *UnlinkRunner) PrepareToStart(ctx context.Context, conn store.Conn) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.prepared {
		return nil
	}

	ok, err := conn.Supports(ctx, "unlink")
	if err != nil {
		return fmt.Errorf("probe unlink support: %w", err)
	}
	r.fallback = !ok
	r.prepared = true

	if r.fallback {
		r.logger.Info("Server does not support UNLINK, falling back to DEL")
	}
	return nil
}

// Fallback reports whether the runner emits DEL instead of UNLINK.
func (r *UnlinkRunner) Fallback() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fallback
}

// PrepareCommands returns one UNLINK (or DEL) per key.
func (r *UnlinkRunner) PrepareCommands(keys []string) []store.Command {
	name := "UNLINK"
	if r.Fallback() {
		name = "DEL"
	}
	return keyCommands(name, keys)
}

// UploadRunner turns import lines into commands.
//
// A line that cannot be parsed becomes a pre-failed command at the same
// position, so it is reported as a failure of that line.
type UploadRunner struct{}

// PrepareToStart is a no-op.
func (UploadRunner) PrepareToStart(context.Context, store.Conn) error { return nil }

// PrepareCommands parses each line with redis-cli quoting rules.
func (UploadRunner) PrepareCommands(lines []string) []store.Command {
	cmds := make([]store.Command, len(lines))
	for i, line := range lines {
		name, args, err := importfile.ParseCommand(line)
		if err != nil {
			cmds[i] = store.FailedCommand(err)
			continue
		}
		cmds[i] = store.NewCommand(name, args...)
	}
	return cmds
}

func keyCommands(name string, keys []string) []store.Command {
	cmds := make([]store.Command, len(keys))
	for i, k := range keys {
		cmds[i] = store.NewCommand(name, k)
	}
	return cmds
}
