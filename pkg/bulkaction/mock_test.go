package bulkaction

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/3leaps/redsweep/pkg/match"
	"github.com/3leaps/redsweep/pkg/store"
)

const (
	testTimeout = 2 * time.Second
	testTick    = 5 * time.Millisecond
)

// mockKey is a key held by mockStore.
type mockKey struct {
	name string
	typ  store.KeyType
}

// mockStore implements store.Store for testing.
//
// SCAN cursors are positions in the key slice. Deleted keys are skipped
// rather than removed so cursors stay stable, like a real server that
// keeps returning keys present for the whole scan.
type mockStore struct {
	mu sync.Mutex

	keys     []mockKey
	deleted  map[string]bool
	pageSize int // keys examined per SCAN page; 0 means use Count

	unlinkSupported bool
	supportsErr     error
	acquireErr      error
	scanErr         error
	dbSizeErr       error
	failKeys        map[string]string // key -> reply error
	execErrOnBatch  int               // 1-based batch that fails with a connection error

	// gate, when set, blocks every Exec until a value is received.
	gate chan struct{}

	supportsCalls int
	acquired      int
	closed        int
	execs         [][]store.Command
}

func newMockStore() *mockStore {
	return &mockStore{
		deleted:         make(map[string]bool),
		failKeys:        make(map[string]string),
		unlinkSupported: true,
	}
}

func (m *mockStore) add(typ store.KeyType, names ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range names {
		m.keys = append(m.keys, mockKey{name: n, typ: typ})
	}
}

func (m *mockStore) Acquire(ctx context.Context) (store.Conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.acquireErr != nil {
		return nil, m.acquireErr
	}
	m.acquired++
	return &mockConn{store: m}, nil
}

func (m *mockStore) Close() error { return nil }

func (m *mockStore) execCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.execs)
}

func (m *mockStore) commandNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var names []string
	for _, batch := range m.execs {
		for _, c := range batch {
			names = append(names, c.Name)
		}
	}
	return names
}

func (m *mockStore) closedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// referenceCount returns how many keys a full scan with f would visit.
func (m *mockStore) referenceCount(f Filter) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, k := range m.keys {
		if keyMatches(k, f.Match, f.Type) {
			n++
		}
	}
	return n
}

func keyMatches(k mockKey, pattern string, typ store.KeyType) bool {
	if typ != "" && k.typ != typ {
		return false
	}
	return match.MatchKey(pattern, k.name)
}

type mockConn struct {
	store     *mockStore
	closeOnce sync.Once
}

func (c *mockConn) Scan(ctx context.Context, args store.ScanArgs) (*store.ScanResult, error) {
	m := c.store
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.scanErr != nil {
		return nil, m.scanErr
	}

	page := int(args.Count)
	if m.pageSize > 0 {
		page = m.pageSize
	}

	start := int(args.Cursor)
	end := start + page
	if end > len(m.keys) {
		end = len(m.keys)
	}

	var keys []string
	for _, k := range m.keys[start:end] {
		if m.deleted[k.name] {
			continue
		}
		if keyMatches(k, args.Match, args.Type) {
			keys = append(keys, k.name)
		}
	}

	next := uint64(end)
	if end >= len(m.keys) {
		next = 0
	}
	return &store.ScanResult{Keys: keys, NextCursor: next}, nil
}

func (c *mockConn) Exec(ctx context.Context, cmds []store.Command) ([]store.Result, error) {
	m := c.store

	m.mu.Lock()
	gate := m.gate
	m.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.execs = append(m.execs, append([]store.Command(nil), cmds...))
	if m.execErrOnBatch > 0 && len(m.execs) == m.execErrOnBatch {
		return nil, &store.StoreError{Op: "Exec", Err: errors.Join(store.ErrConnection, errors.New("connection reset by peer"))}
	}

	results := make([]store.Result, len(cmds))
	for i, cmd := range cmds {
		if cmd.Err != nil {
			results[i] = store.Result{Err: cmd.Err}
			continue
		}
		if msg, ok := m.failKeys[cmd.Key()]; ok {
			results[i] = store.Result{Err: errors.New(msg)}
			continue
		}
		switch strings.ToUpper(cmd.Name) {
		case "DEL", "UNLINK":
			m.deleted[cmd.Key()] = true
		}
		results[i] = store.Result{Reply: int64(1)}
	}
	return results, nil
}

func (c *mockConn) Supports(ctx context.Context, command string) (bool, error) {
	m := c.store
	m.mu.Lock()
	defer m.mu.Unlock()
	m.supportsCalls++
	if m.supportsErr != nil {
		return false, m.supportsErr
	}
	if strings.EqualFold(command, "unlink") {
		return m.unlinkSupported, nil
	}
	return true, nil
}

func (c *mockConn) DBSize(ctx context.Context) (int64, error) {
	m := c.store
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dbSizeErr != nil {
		return 0, m.dbSizeErr
	}
	return int64(len(m.keys) - len(m.deleted)), nil
}

func (c *mockConn) Close() error {
	c.closeOnce.Do(func() {
		c.store.mu.Lock()
		c.store.closed++
		c.store.mu.Unlock()
	})
	return nil
}
