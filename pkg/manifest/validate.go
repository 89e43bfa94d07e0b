package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	schemasassets "github.com/3leaps/redsweep/internal/assets/schemas"
	"github.com/fulmenhq/gofulmen/schema"
)

// SchemaID identifies the embedded bulk-job schema.
const SchemaID = "redsweep/v1.0.0/bulk-job"

var (
	ErrSchemaNotFound   = errors.New("bulk-job schema not embedded")
	ErrValidationFailed = errors.New("invalid bulk job")
)

// ValidationError is one problem in a bulk job, located by JSON pointer
// (for example "/action/filter"). Path is empty for document-level
// problems.
type ValidationError struct {
	Path    string
	Message string
}

func (e ValidationError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return e.Path + ": " + e.Message
}

// ValidationErrors collects every problem found in one pass, so a job
// author can fix them together. It matches ErrValidationFailed.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	switch len(e) {
	case 0:
		return ErrValidationFailed.Error()
	case 1:
		return e[0].Error()
	}
	lines := make([]string, 0, len(e)+1)
	lines = append(lines, fmt.Sprintf("%s: %d problems", ErrValidationFailed, len(e)))
	for _, v := range e {
		lines = append(lines, "  - "+v.Error())
	}
	return strings.Join(lines, "\n")
}

func (e ValidationErrors) Unwrap() error { return ErrValidationFailed }

// Validate checks a job built in code, such as one assembled from flags,
// the same way LoadFromBytes checks a file.
func Validate(m *Manifest) error {
	doc, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode bulk job: %w", err)
	}
	if err := ValidateRaw(doc); err != nil {
		return err
	}
	return m.Check()
}

// ValidateRaw checks a JSON document against the bulk-job schema. Only
// error diagnostics count; warnings are dropped.
func ValidateRaw(doc []byte) error {
	v, err := bulkJobValidator()
	if err != nil {
		return err
	}
	diags, err := v.ValidateJSON(doc)
	if err != nil {
		return fmt.Errorf("%s: %w", SchemaID, err)
	}

	var errs ValidationErrors
	for _, d := range diags {
		if d.Severity != schema.SeverityError {
			continue
		}
		errs = append(errs, ValidationError{Path: d.Pointer, Message: d.Message})
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

var bulkJobValidator = sync.OnceValues(func() (*schema.Validator, error) {
	if len(schemasassets.BulkJobSchema) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrSchemaNotFound, SchemaID)
	}
	v, err := schema.NewValidator(schemasassets.BulkJobSchema)
	if err != nil {
		return nil, fmt.Errorf("compile %s: %w", SchemaID, err)
	}
	return v, nil
})
