package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"
)

// ErrNotFound is returned by Get for an unknown run id.
var ErrNotFound = errors.New("run not found")

// Store persists Records in a directory.
//
// Directory layout:
//
//	<root>/<id>/run.json
//
// Root is expected to be under the app data dir.
type Store struct {
	root string
}

func NewStore(root string) *Store {
	return &Store{root: strings.TrimSpace(root)}
}

func (s *Store) RootDir() string {
	return s.root
}

func (s *Store) runDir(id string) string {
	return filepath.Join(s.root, id)
}

func (s *Store) runPath(id string) string {
	return filepath.Join(s.runDir(id), "run.json")
}

func (s *Store) ensureRoot() error {
	if s.root == "" {
		return errors.New("history root dir is empty")
	}
	return os.MkdirAll(s.root, 0o755)
}

// validID rejects ids that would escape the root directory.
func validID(id string) error {
	if id == "" {
		return errors.New("run id is required")
	}
	if id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("run id %q is not usable as a directory name", id)
	}
	return nil
}

// Write replaces the record atomically.
func (s *Store) Write(rec *Record) error {
	if rec == nil {
		return errors.New("run record is nil")
	}
	if err := validID(rec.ID); err != nil {
		return err
	}
	if err := s.ensureRoot(); err != nil {
		return err
	}

	dir := s.runDir(rec.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create run dir: %w", err)
	}

	b, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal run record: %w", err)
	}
	b = append(b, '\n')

	tmp, err := os.CreateTemp(dir, "run.json.tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp run file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp run file: %w", err)
	}
	if err := os.Rename(tmpName, s.runPath(rec.ID)); err != nil {
		return fmt.Errorf("rename run file: %w", err)
	}
	return nil
}

// Get loads one record. A record still marked running whose process is
// gone is rewritten as unknown.
func (s *Store) Get(id string) (*Record, error) {
	id = strings.TrimSpace(id)
	if err := validID(id); err != nil {
		return nil, err
	}
	b, err := os.ReadFile(s.runPath(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, err
	}

	trimmed := strings.TrimSpace(string(b))
	if trimmed == "" {
		return nil, errors.New("run.json is empty")
	}

	var rec Record
	if err := json.Unmarshal([]byte(trimmed), &rec); err != nil {
		return nil, fmt.Errorf("parse run.json: %w", err)
	}

	if rec.State == StateRunning && rec.PID > 0 && !isProcessAlive(rec.PID) {
		rec.State = StateUnknown
		now := time.Now().UTC()
		rec.EndedAt = &now
		_ = s.Write(&rec)
	}
	return &rec, nil
}

// List returns every readable record, newest first.
func (s *Store) List() ([]Record, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read history root: %w", err)
	}

	out := make([]Record, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		r, err := s.Get(entry.Name())
		if err != nil {
			continue
		}
		out = append(out, *r)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// Prune removes terminal records that ended before cutoff and returns
// how many were removed.
func (s *Store) Prune(cutoff time.Time) (int, error) {
	recs, err := s.List()
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, r := range recs {
		if !r.State.Terminal() || r.EndedAt == nil || !r.EndedAt.Before(cutoff) {
			continue
		}
		if err := os.RemoveAll(s.runDir(r.ID)); err != nil {
			return removed, fmt.Errorf("remove run %s: %w", r.ID, err)
		}
		removed++
	}
	return removed, nil
}

func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// signal 0 checks for existence without delivering anything.
	return p.Signal(syscall.Signal(0)) == nil
}
