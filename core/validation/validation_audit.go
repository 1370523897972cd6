package validation

import (
	"go.uber.org/zap"

	"zkhealthpass/core/types"
)

// auditRejection records a rejected payload. Only field paths and schema
// descriptions are logged, never the submitted values.
func (v *DetailsValidator) auditRejection(check string, kind types.RecordKind, violations []string) {
	v.log.Warn("details rejected",
		zap.String("check", check),
		zap.String("kind", string(kind)),
		zap.Strings("violations", violations),
	)
}
