package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/redsweep/internal/errors"
	"github.com/3leaps/redsweep/pkg/bulkaction"
	"github.com/3leaps/redsweep/pkg/importfile"
)

// Default import limits.
const (
	DefaultMaxUploadBytes = 64 << 20
	DefaultMaxImportLines = 1_000_000
)

// BulkActions serves the bulk action API under
// /api/databases/{dbId}/bulk-actions.
type BulkActions struct {
	svc            *bulkaction.Service
	logger         *zap.Logger
	maxUploadBytes int64
	maxImportLines int
}

// NewBulkActions creates the bulk action handlers. Zero limits use the
// defaults.
func NewBulkActions(svc *bulkaction.Service, logger *zap.Logger, maxUploadBytes int64, maxImportLines int) *BulkActions {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxUploadBytes <= 0 {
		maxUploadBytes = DefaultMaxUploadBytes
	}
	if maxImportLines <= 0 {
		maxImportLines = DefaultMaxImportLines
	}
	return &BulkActions{svc: svc, logger: logger, maxUploadBytes: maxUploadBytes, maxImportLines: maxImportLines}
}

// Routes mounts the handlers on r.
func (h *BulkActions) Routes(r chi.Router) {
	r.Post("/", h.Create)
	r.Get("/", h.List)
	r.Post("/import", h.Import)
	r.Get("/{id}", h.Get)
	r.Delete("/{id}", h.Abort)
	r.Get("/{id}/report", h.Report)
}

// createRequest is the JSON body of POST /bulk-actions.
type createRequest struct {
	ID             string            `json:"id,omitempty"`
	Type           string            `json:"type"`
	Filter         bulkaction.Filter `json:"filter"`
	GenerateReport bool              `json:"generateReport,omitempty"`
}

// Create starts a delete or unlink action.
func (h *BulkActions) Create(w http.ResponseWriter, r *http.Request) {
	var body createRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		respondWithError(w, r, &bulkaction.ValidationError{Field: "body", Message: err.Error()})
		return
	}

	typ, err := bulkaction.ParseType(body.Type)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	if typ == bulkaction.TypeUpload {
		respondWithError(w, r, &bulkaction.ValidationError{Field: "type", Message: "upload actions are created through /import"})
		return
	}

	o, err := h.svc.Create(r.Context(), bulkaction.CreateRequest{
		ID:             body.ID,
		DatabaseID:     chi.URLParam(r, "dbId"),
		Type:           typ,
		Filter:         body.Filter,
		GenerateReport: body.GenerateReport,
	})
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	h.logger.Info("Bulk action requested",
		zap.String("action_id", o.ID),
		zap.String("database_id", o.DatabaseID),
		zap.String("type", string(o.Type)),
	)
	apperrors.WriteJSON(w, http.StatusCreated, o)
}

// Import starts an upload action from a command file. The file is sent
// as the "file" part of a multipart form, or as a text/plain body.
func (h *BulkActions) Import(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)

	req := bulkaction.CreateRequest{
		DatabaseID: chi.URLParam(r, "dbId"),
		Type:       bulkaction.TypeUpload,
	}

	var src io.Reader
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "multipart/form-data":
		if err := r.ParseMultipartForm(h.maxUploadBytes); err != nil {
			respondWithError(w, r, uploadError(err))
			return
		}
		f, hdr, err := r.FormFile("file")
		if err != nil {
			respondWithError(w, r, &bulkaction.ValidationError{Field: "file", Message: "multipart field \"file\" is required"})
			return
		}
		defer func() { _ = f.Close() }()
		src = f
		req.FileName = hdr.Filename
		req.ID = r.FormValue("id")
		if err := formOptions(r.FormValue, &req); err != nil {
			respondWithError(w, r, err)
			return
		}
	default:
		src = r.Body
		q := r.URL.Query()
		req.ID = q.Get("id")
		req.FileName = q.Get("fileName")
		if err := formOptions(q.Get, &req); err != nil {
			respondWithError(w, r, err)
			return
		}
	}

	lines, err := importfile.ReadLines(src, h.maxImportLines)
	if err != nil {
		respondWithError(w, r, uploadError(err))
		return
	}
	req.Lines = lines

	o, err := h.svc.Create(r.Context(), req)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	h.logger.Info("Bulk import requested",
		zap.String("action_id", o.ID),
		zap.String("database_id", o.DatabaseID),
		zap.Int("lines", len(lines)),
	)
	apperrors.WriteJSON(w, http.StatusCreated, o)
}

// formOptions reads generateReport and count from a form or query.
func formOptions(get func(string) string, req *bulkaction.CreateRequest) error {
	if v := get("generateReport"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return &bulkaction.ValidationError{Field: "generateReport", Message: "must be a boolean"}
		}
		req.GenerateReport = b
	}
	if v := get("count"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return &bulkaction.ValidationError{Field: "filter.count", Message: "must be an integer"}
		}
		req.Filter.Count = n
	}
	return nil
}

func uploadError(err error) error {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return fmt.Errorf("%w: exceeds %d bytes", apperrors.ErrPayloadTooLarge, maxErr.Limit)
	}
	if errors.Is(err, importfile.ErrTooManyLines) {
		return err
	}
	return &bulkaction.ValidationError{Field: "file", Message: err.Error()}
}

// List returns the actions of a database.
func (h *BulkActions) List(w http.ResponseWriter, r *http.Request) {
	apperrors.WriteJSON(w, http.StatusOK, h.svc.List(chi.URLParam(r, "dbId")))
}

// Get returns one action.
func (h *BulkActions) Get(w http.ResponseWriter, r *http.Request) {
	o, err := h.lookup(r)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	apperrors.WriteJSON(w, http.StatusOK, o)
}

// Abort requests cancellation and returns the overview.
func (h *BulkActions) Abort(w http.ResponseWriter, r *http.Request) {
	if _, err := h.lookup(r); err != nil {
		respondWithError(w, r, err)
		return
	}
	o, aborted, err := h.svc.Abort(chi.URLParam(r, "id"))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	if aborted {
		h.logger.Info("Bulk action abort requested", zap.String("action_id", o.ID))
	}
	apperrors.WriteJSON(w, http.StatusOK, o)
}

// Report streams the plain text report.
func (h *BulkActions) Report(w http.ResponseWriter, r *http.Request) {
	o, err := h.lookup(r)
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", reportName(o.ID)))
	w.WriteHeader(http.StatusOK)

	if err := h.svc.StreamReport(r.Context(), o.ID, w); err != nil {
		// Headers are gone; the client sees a truncated body.
		h.logger.Warn("Report stream interrupted", zap.String("action_id", o.ID), zap.Error(err))
	}
}

// lookup returns the action named in the URL, scoped to its database.
func (h *BulkActions) lookup(r *http.Request) (bulkaction.Overview, error) {
	o, err := h.svc.Get(chi.URLParam(r, "id"))
	if err != nil {
		return o, err
	}
	if o.DatabaseID != chi.URLParam(r, "dbId") {
		return bulkaction.Overview{}, bulkaction.ErrNotFound
	}
	return o, nil
}

func reportName(id string) string {
	safe := strings.Map(func(r rune) rune {
		if r == '"' || r == '/' || r == '\\' || r < 0x20 {
			return '_'
		}
		return r
	}, id)
	return "bulk-action-" + safe + ".txt"
}
