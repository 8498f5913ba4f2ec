// Package manifest loads and validates coursepipe job manifests.
//
// A job manifest is a YAML or JSON document describing one generator run. The
// same document is accepted as the body of POST /api/jobs and by
// "coursepipe run --manifest".
//
// Manifests are validated against an embedded JSON Schema before they are
// parsed. The schema enforces strict typing and rejects unknown properties.
//
// Example manifest (YAML):
//
//	version: "1.0"
//	type: content
//	input: outputs/linear-algebra/outline.json
//	chapters: "1,3-5"
//	subject: 线性代数
package manifest

import (
	"github.com/3leaps/coursepipe/pkg/runner"
)

// DefaultVersion is the current manifest schema version.
const DefaultVersion = "1.0"

// Manifest is a validated job manifest.
type Manifest struct {
	// Schema is an optional JSON Schema reference for editor support.
	Schema string `json:"$schema,omitempty"`

	Version string `json:"version,omitempty"`

	runner.Params
}

// ApplyDefaults fills optional fields.
func (m *Manifest) ApplyDefaults() {
	if m.Version == "" {
		m.Version = DefaultVersion
	}
}

// RunParams returns the runner parameters the manifest describes.
func (m *Manifest) RunParams() runner.Params {
	return m.Params
}
