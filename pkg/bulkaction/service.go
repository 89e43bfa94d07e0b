package bulkaction

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/3leaps/redsweep/pkg/output"
	"github.com/3leaps/redsweep/pkg/report"
	"github.com/3leaps/redsweep/pkg/store"
)

// StoreResolver returns the store backing a database id.
type StoreResolver interface {
	Resolve(ctx context.Context, databaseID string) (store.Store, error)
}

// StoreResolverFunc adapts a function to StoreResolver.
type StoreResolverFunc func(ctx context.Context, databaseID string) (store.Store, error)

// Resolve calls f.
func (f StoreResolverFunc) Resolve(ctx context.Context, databaseID string) (store.Store, error) {
	return f(ctx, databaseID)
}

// SingleStore resolves every database id to st.
func SingleStore(st store.Store) StoreResolver {
	return StoreResolverFunc(func(context.Context, string) (store.Store, error) {
		return st, nil
	})
}

// Archiver stores a finished report and returns a download URL.
type Archiver interface {
	Archive(ctx context.Context, name string, body io.ReadSeeker, size int64) (string, error)
}

// ServiceConfig configures a Service.
type ServiceConfig struct {
	// OverviewErrorLimit caps errors in overviews. Default: 500.
	OverviewErrorLimit int

	// FlushEvery is the report flush interval in lines. Default: 1000.
	FlushEvery int

	// DefaultCount replaces a zero Filter.Count. Default: DefaultCount.
	DefaultCount int

	// ReportDir holds rendered reports before they are archived.
	// Empty uses the OS temp directory.
	ReportDir string

	// ReportURL builds the download URL for reported actions when no
	// Archiver is configured. Optional.
	ReportURL func(databaseID, id string) string
}

// CreateRequest describes a bulk action to start.
type CreateRequest struct {
	// ID identifies the action. Empty generates a random id.
	ID string

	DatabaseID string
	Type       Type
	Filter     Filter

	// GenerateReport records every processed key for the report, not
	// only failures.
	GenerateReport bool

	// FileName is the import file name, shown in the overview.
	FileName string

	// Lines are the import commands for upload actions.
	Lines []string
}

// Service is the transport-agnostic entry point for bulk actions.
type Service struct {
	provider    *Provider
	coordinator *Coordinator
	stores      StoreResolver
	archiver    Archiver
	streamer    *report.Streamer
	config      ServiceConfig
	logger      *zap.Logger
}

// NewService creates a Service.
func NewService(p *Provider, c *Coordinator, stores StoreResolver, cfg ServiceConfig, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.OverviewErrorLimit <= 0 {
		cfg.OverviewErrorLimit = DefaultOverviewErrorLimit
	}
	return &Service{
		provider:    p,
		coordinator: c,
		stores:      stores,
		streamer:    report.NewStreamer(cfg.FlushEvery),
		config:      cfg,
		logger:      logger,
	}
}

// WithArchiver enables report archiving. Returns the service for method
// chaining.
func (s *Service) WithArchiver(a Archiver) *Service {
	s.archiver = a
	return s
}

// Create starts a bulk action, or returns the live action with the same id.
//
// The action runs detached from ctx: ending the request that created it
// does not stop it. Use Abort.
func (s *Service) Create(ctx context.Context, req CreateRequest) (Overview, error) {
	if err := s.validate(&req); err != nil {
		return Overview{}, err
	}

	if req.ID == "" {
		req.ID = uuid.NewString()
	} else if a, err := s.provider.Get(req.ID); err == nil && !a.Status().Terminal() {
		if err := sameDatabase(a, req.DatabaseID); err != nil {
			return Overview{}, err
		}
		return a.Overview(), nil
	}

	st, err := s.stores.Resolve(ctx, req.DatabaseID)
	if err != nil {
		return Overview{}, err
	}

	runner, err := NewRunner(req.Type, s.logger.With(zap.String("action_id", req.ID)))
	if err != nil {
		return Overview{}, err
	}

	a := NewBulkAction(Options{
		ID:                 req.ID,
		DatabaseID:         req.DatabaseID,
		Type:               req.Type,
		Filter:             req.Filter,
		GenerateReport:     req.GenerateReport,
		FileName:           req.FileName,
		OverviewErrorLimit: s.config.OverviewErrorLimit,
	}, runner)
	if err := a.SetStatus(StatusInitialized); err != nil {
		return Overview{}, err
	}

	lines := req.Lines
	got, created, err := s.provider.Create(context.WithoutCancel(ctx), a, func(ctx context.Context, a *BulkAction) {
		s.coordinator.Run(ctx, a, st, lines)
		s.publishReport(ctx, a)
	})
	if err != nil {
		return Overview{}, err
	}
	if !created {
		if err := sameDatabase(got, req.DatabaseID); err != nil {
			return Overview{}, err
		}
		s.logger.Debug("Bulk action already running", zap.String("action_id", got.ID()))
	}
	return got.Overview(), nil
}

// sameDatabase rejects reusing a live action id from another database.
func sameDatabase(a *BulkAction, databaseID string) error {
	if a.DatabaseID() == databaseID {
		return nil
	}
	return fmt.Errorf("%w: action %q is running on another database", ErrConflict, a.ID())
}

func (s *Service) validate(req *CreateRequest) error {
	if strings.TrimSpace(req.DatabaseID) == "" {
		return validationErrorf("databaseId", "is required")
	}
	t, err := ParseType(string(req.Type))
	if err != nil {
		return err
	}
	req.Type = t
	if req.Filter.Count == 0 && s.config.DefaultCount > 0 {
		req.Filter.Count = s.config.DefaultCount
	}
	req.Filter = req.Filter.WithDefaults()
	if err := req.Filter.Validate(); err != nil {
		return err
	}
	if req.Type == TypeUpload && len(req.Lines) == 0 {
		return validationErrorf("file", "import file has no commands")
	}
	return nil
}

// Get returns the overview of an action.
func (s *Service) Get(id string) (Overview, error) {
	a, err := s.provider.Get(id)
	if err != nil {
		return Overview{}, err
	}
	return a.Overview(), nil
}

// Abort requests cancellation. The boolean reports whether the action was
// live; the overview reflects its state at the time of the call.
func (s *Service) Abort(id string) (Overview, bool, error) {
	a, err := s.provider.Get(id)
	if err != nil {
		return Overview{}, false, err
	}
	aborted := a.Abort()
	return a.Overview(), aborted, nil
}

// List returns overviews of registered actions for databaseID, or of all
// actions when databaseID is empty.
func (s *Service) List(databaseID string) []Overview {
	actions := s.provider.List()
	out := make([]Overview, 0, len(actions))
	for _, a := range actions {
		if databaseID != "" && a.DatabaseID() != databaseID {
			continue
		}
		out = append(out, a.Overview())
	}
	return out
}

// Wait blocks until the action ends or ctx is done.
func (s *Service) Wait(ctx context.Context, id string) (Overview, error) {
	a, err := s.provider.Get(id)
	if err != nil {
		return Overview{}, err
	}
	select {
	case <-a.Done():
		return a.Overview(), nil
	case <-ctx.Done():
		return a.Overview(), ctx.Err()
	}
}

// StreamReport writes the report of an action to w.
//
// Actions created with GenerateReport list every processed key; others
// list failures only.
func (s *Service) StreamReport(ctx context.Context, id string, w io.Writer) error {
	a, err := s.provider.Get(id)
	if err != nil {
		return err
	}
	_, err = s.writeReport(ctx, a, w)
	return err
}

// ExportKeys writes the per-key records of a finished reported action to w.
// It returns ErrNoSpool when the action kept no spool.
func (s *Service) ExportKeys(ctx context.Context, id string, w output.Writer) (int, error) {
	a, err := s.provider.Get(id)
	if err != nil {
		return 0, err
	}
	f, release, err := a.openSpool()
	if err != nil {
		return 0, err
	}
	if f == nil {
		return 0, ErrNoSpool
	}
	defer release()

	r := output.NewReader(f)
	n := 0
	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		if rec.Type != output.TypeKey {
			continue
		}
		k, err := rec.DecodeKey()
		if err != nil {
			return n, err
		}
		if err := w.WriteKey(ctx, k); err != nil {
			return n, err
		}
		n++
	}
}

func (s *Service) writeReport(ctx context.Context, a *BulkAction, w io.Writer) (int, error) {
	src, closeFn, err := reportSource(a)
	if err != nil {
		return 0, err
	}
	defer closeFn()
	return s.streamer.Stream(ctx, w, reportHeader(a), src)
}

// publishReport archives the report of a finished reported action.
func (s *Service) publishReport(ctx context.Context, a *BulkAction) {
	if !a.GenerateReport() {
		return
	}
	if s.archiver == nil {
		if s.config.ReportURL != nil {
			a.SetDownloadURL(s.config.ReportURL(a.DatabaseID(), a.ID()))
		}
		return
	}

	log := s.logger.With(zap.String("action_id", a.ID()))
	url, err := s.archiveReport(ctx, a)
	if err != nil {
		log.Warn("Failed to archive report", zap.Error(err))
		return
	}
	a.SetDownloadURL(url)
	log.Info("Archived bulk action report")
}

func (s *Service) archiveReport(ctx context.Context, a *BulkAction) (string, error) {
	dir := s.config.ReportDir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", err
	}

	f, err := os.CreateTemp(dir, "report-*.txt")
	if err != nil {
		return "", err
	}
	defer func() {
		_ = f.Close()
		_ = os.Remove(f.Name())
	}()

	if _, err := s.writeReport(ctx, a, f); err != nil {
		return "", err
	}
	size, err := f.Seek(0, io.SeekCurrent)
	if err != nil {
		return "", err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", err
	}
	return s.archiver.Archive(ctx, reportFileName(a.ID()), f, size)
}

// reportFileName names an archived report. The id hash keeps ids with the
// same readable prefix apart.
func reportFileName(id string) string {
	sum := sha256.Sum256([]byte(id))
	return spoolPrefix(id) + "-" + hex.EncodeToString(sum[:6]) + ".txt"
}

func reportHeader(a *BulkAction) string {
	o := a.Overview()
	keyType := "*"
	if o.Filter.Type != nil {
		keyType = *o.Filter.Type
	}
	h := fmt.Sprintf("# redsweep %s report id=%s database=%s status=%s match=%q keyType=%s scanned=%d processed=%d succeed=%d failed=%d duration=%s",
		o.Type, o.ID, o.DatabaseID, o.Status, o.Filter.Match, keyType,
		o.Progress.Scanned, o.Summary.Processed, o.Summary.Succeed, o.Summary.Failed,
		(time.Duration(o.Duration) * time.Millisecond).String(),
	)
	if o.FileName != "" {
		h += fmt.Sprintf(" file=%q", o.FileName)
	}
	if o.Error != "" {
		h += fmt.Sprintf(" error=%q", o.Error)
	}
	return h
}

// reportSource picks the spool for finished reported actions, or the
// in-memory error list otherwise. A spool is still being appended to while
// the action runs, so it is only read once the action has ended.
func reportSource(a *BulkAction) (report.Source, func(), error) {
	f, release, err := a.openSpool()
	if err != nil {
		return nil, nil, err
	}
	if f != nil {
		return &spoolSource{r: output.NewReader(f)}, release, nil
	}

	errs := a.Summary().Errors
	entries := make([]report.Entry, len(errs))
	for i, e := range errs {
		entries[i] = report.Entry{Key: e.Key, Status: output.StatusError, Message: e.Message}
	}
	return report.NewSliceSource(entries), func() {}, nil
}

// spoolSource reads key records back from a JSONL spool.
type spoolSource struct {
	r *output.Reader
}

func (s *spoolSource) Next() (report.Entry, error) {
	for {
		rec, err := s.r.Next()
		if err != nil {
			return report.Entry{}, err
		}
		if rec.Type != output.TypeKey {
			continue
		}
		k, err := rec.DecodeKey()
		if err != nil {
			return report.Entry{}, err
		}
		return report.Entry{Key: k.Key, Status: k.Status, Message: k.Error}, nil
	}
}
