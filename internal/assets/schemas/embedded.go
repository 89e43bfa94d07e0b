// Package schemasassets provides embedded JSON schemas for standalone binary behavior.
//
// Schemas are embedded at compile time so manifest validation works
// regardless of the working directory or installation location.
package schemasassets

import _ "embed"

// BulkJobSchema is the embedded bulk-job manifest JSON schema.
//
//go:embed bulk-job.schema.json
var BulkJobSchema []byte
