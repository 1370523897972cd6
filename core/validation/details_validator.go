package validation

import (
	"embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"

	"zkhealthpass/core/apperr"
	"zkhealthpass/core/types"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// DetailsValidator checks record details against the per-kind JSON Schema.
// Schemas are compiled once; the validator is safe for concurrent use.
type DetailsValidator struct {
	schemas map[types.RecordKind]*gojsonschema.Schema
	log     *zap.Logger
}

func NewDetailsValidator(log *zap.Logger) (*DetailsValidator, error) {
	if log == nil {
		log = zap.NewNop()
	}
	v := &DetailsValidator{
		schemas: make(map[types.RecordKind]*gojsonschema.Schema, len(types.RecordKinds)),
		log:     log,
	}
	for _, kind := range types.RecordKinds {
		raw, err := schemaFS.ReadFile("schemas/" + string(kind) + ".json")
		if err != nil {
			return nil, fmt.Errorf("load schema for %s: %w", kind, err)
		}
		schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
		if err != nil {
			return nil, fmt.Errorf("compile schema for %s: %w", kind, err)
		}
		v.schemas[kind] = schema
	}
	return v, nil
}

// Validate returns a BadInput error listing every schema violation.
// Empty details are treated as an empty object.
func (v *DetailsValidator) Validate(kind types.RecordKind, details []byte) error {
	schema, ok := v.schemas[kind]
	if !ok {
		return apperr.Newf(apperr.KindBadInput, "unknown record kind %q", kind)
	}
	if len(details) == 0 {
		details = []byte("{}")
	}
	if !json.Valid(details) {
		v.auditRejection("json_syntax", kind, nil)
		return apperr.New(apperr.KindBadInput, "details are not valid JSON")
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(details))
	if err != nil {
		return apperr.Wrap(apperr.KindBadInput, "schema validation error", err)
	}
	if result.Valid() {
		return nil
	}
	violations := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		violations = append(violations, e.Field()+": "+e.Description())
	}
	v.auditRejection("schema", kind, violations)
	return apperr.Newf(apperr.KindBadInput, "%s details failed schema validation: %s", kind, strings.Join(violations, "; "))
}
