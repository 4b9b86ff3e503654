// Package schemas provides JSON Schema validation for the sidecar manifests
// persisted by the content store.
package schemas

import (
	"embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed *.schema.json
var schemaFS embed.FS

// Manifest kinds with an embedded schema.
const (
	KindArtifact   = "artifact"
	KindBatch      = "batch"
	KindRun        = "run"
	KindRunSet     = "runset"
	KindResolution = "resolution"
	KindExperiment = "experiment"
)

// ValidationError represents a schema validation failure with field paths.
type ValidationError struct {
	Kind   string
	Errors []FieldError
}

// FieldError represents a single validation error at a specific field.
type FieldError struct {
	Field   string
	Message string
}

func (ve *ValidationError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s manifest failed validation:\n", ve.Kind)
	for i, err := range ve.Errors {
		fmt.Fprintf(&sb, "  %d. %s: %s\n", i+1, err.Field, err.Message)
	}
	return sb.String()
}

// SchemaLoadError represents errors loading or parsing a schema itself.
type SchemaLoadError struct {
	Kind    string
	Message string
	Cause   error
}

func (e *SchemaLoadError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("failed to load %s schema: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("failed to load %s schema: %s", e.Kind, e.Message)
}

func (e *SchemaLoadError) Unwrap() error {
	return e.Cause
}

// ValidateManifest validates a manifest document of the given kind against
// its embedded schema. The document may be raw JSON bytes or any value that
// marshals to the manifest's JSON form.
func ValidateManifest(kind string, doc any) error {
	schemaContent, err := schemaFS.ReadFile(kind + ".schema.json")
	if err != nil {
		return &SchemaLoadError{Kind: kind, Message: "no embedded schema", Cause: err}
	}

	var docBytes []byte
	switch d := doc.(type) {
	case []byte:
		docBytes = d
	default:
		docBytes, err = json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("failed to marshal %s manifest: %w", kind, err)
		}
	}

	schemaLoader := gojsonschema.NewBytesLoader(schemaContent)
	documentLoader := gojsonschema.NewBytesLoader(docBytes)

	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return &SchemaLoadError{Kind: kind, Message: "schema failed during load", Cause: err}
	}
	if result.Valid() {
		return nil
	}

	validationErr := &ValidationError{
		Kind:   kind,
		Errors: make([]FieldError, 0, len(result.Errors())),
	}
	for _, desc := range result.Errors() {
		field := desc.Field()
		if field == "" {
			field = "(root)"
		}
		validationErr.Errors = append(validationErr.Errors, FieldError{
			Field:   field,
			Message: desc.Description(),
		})
	}
	return validationErr
}
