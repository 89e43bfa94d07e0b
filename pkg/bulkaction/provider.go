package bulkaction

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultRetention is how long a finished action stays answerable.
const DefaultRetention = time.Hour

// RunFunc drives an action to a terminal status. It is called in its own
// goroutine by Provider.Create.
type RunFunc func(ctx context.Context, a *BulkAction)

// Provider is the in-process registry of bulk actions.
//
// It guarantees at most one non-terminal action per id. Finished actions
// are kept for the retention window so late status polls and report
// downloads still resolve, then evicted. Insert, lookup and eviction share
// one mutex.
type Provider struct {
	retention time.Duration
	logger    *zap.Logger

	mu       sync.Mutex
	actions  map[string]*BulkAction
	timers   map[*BulkAction]*time.Timer
	shutdown bool

	wg sync.WaitGroup
}

// NewProvider creates an empty registry. retention <= 0 uses
// DefaultRetention.
func NewProvider(retention time.Duration, logger *zap.Logger) *Provider {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		retention: retention,
		logger:    logger,
		actions:   make(map[string]*BulkAction),
		timers:    make(map[*BulkAction]*time.Timer),
	}
}

// Create registers a and starts run in a new goroutine, unless an action
// with the same id is still live. In that case the live action is returned
// with created=false and run is not called.
//
// A finished action with the same id is replaced.
func (p *Provider) Create(ctx context.Context, a *BulkAction, run RunFunc) (*BulkAction, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.shutdown {
		return nil, false, ErrShuttingDown
	}

	if existing, ok := p.actions[a.ID()]; ok {
		if !existing.Status().Terminal() {
			return existing, false, nil
		}
		p.stopTimerLocked(existing)
		existing.discardSpool()
	}

	p.actions[a.ID()] = a

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		run(ctx, a)
		p.scheduleEviction(a)
	}()

	return a, true, nil
}

// Get returns the action registered under id.
func (p *Provider) Get(id string) (*BulkAction, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	a, ok := p.actions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return a, nil
}

// Abort requests cancellation of the action registered under id. It
// returns true only if the action was found in a non-terminal status.
func (p *Provider) Abort(id string) bool {
	p.mu.Lock()
	a, ok := p.actions[id]
	p.mu.Unlock()

	if !ok {
		return false
	}
	return a.Abort()
}

// List returns all registered actions, oldest first.
func (p *Provider) List() []*BulkAction {
	p.mu.Lock()
	out := make([]*BulkAction, 0, len(p.actions))
	for _, a := range p.actions {
		out = append(out, a)
	}
	p.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt().Equal(out[j].StartedAt()) {
			return out[i].ID() < out[j].ID()
		}
		return out[i].StartedAt().Before(out[j].StartedAt())
	})
	return out
}

// Len returns the number of registered actions.
func (p *Provider) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.actions)
}

// Shutdown stops accepting new actions, aborts live ones and waits for
// their goroutines, or for ctx to end. Once every goroutine has returned,
// the report spools of registered actions are removed.
func (p *Provider) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.shutdown = true
	live := 0
	for _, a := range p.actions {
		if a.Abort() {
			live++
		}
	}
	for a := range p.timers {
		p.stopTimerLocked(a)
	}
	p.mu.Unlock()

	if live > 0 {
		p.logger.Info("Aborting live bulk actions", zap.Int("count", live))
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	p.mu.Lock()
	for _, a := range p.actions {
		a.discardSpool()
	}
	p.mu.Unlock()
	return nil
}

// scheduleEviction removes a and its report spool after the retention
// window. A newer action registered under the same id is left alone.
func (p *Provider) scheduleEviction(a *BulkAction) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.shutdown || p.actions[a.ID()] != a {
		return
	}

	p.timers[a] = time.AfterFunc(p.retention, func() {
		p.mu.Lock()
		delete(p.timers, a)
		evicted := p.actions[a.ID()] == a
		if evicted {
			delete(p.actions, a.ID())
		}
		p.mu.Unlock()

		if evicted {
			a.discardSpool()
			p.logger.Debug("Evicted bulk action", zap.String("action_id", a.ID()))
		}
	})
}

func (p *Provider) stopTimerLocked(a *BulkAction) {
	if t, ok := p.timers[a]; ok {
		t.Stop()
		delete(p.timers, a)
	}
}
