package record

import (
	"zkhealthpass/core/canonical"
	"zkhealthpass/core/types"
)

func canonicalMessage(r *types.HealthRecord, d Details, issuer string) (string, error) {
	return canonical.Message(r.Kind, r.PatientIdentifier, d.SigningDetail(), r.CanonicalDate(), issuer)
}
