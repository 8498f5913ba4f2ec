// Package schemasassets provides embedded JSON schemas for standalone binary behavior.
//
// Schemas are embedded at compile time so validation works regardless of the
// working directory or installation location.
package schemasassets

import _ "embed"

// JobManifestSchema is the embedded job-manifest JSON schema. It describes
// both manifest files and the body of POST /api/jobs.
//
//go:embed job-manifest.schema.json
var JobManifestSchema []byte
