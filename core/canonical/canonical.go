// Package canonical builds the signable message for a health record.
// Every producer of signatures or prover inputs goes through this package;
// a second construction would silently break hash agreement with the circuit.
package canonical

import (
	"zkhealthpass/core/apperr"
	"zkhealthpass/core/types"
)

// Size is the fixed width of the buffer the circuit hashes.
const Size = 32

// Label maps a record kind to its message prefix.
func Label(kind types.RecordKind) (string, error) {
	switch kind {
	case types.Vaccination:
		return "VaxRecord", nil
	case types.TestResult:
		return "TestResult", nil
	case types.MedicalClearance:
		return "MedClearance", nil
	case types.ImmunityProof:
		return "ImmunityProof", nil
	}
	return "", apperr.Newf(apperr.KindBadInput, "unknown record kind %q", kind)
}

// Message renders "{label}:{patient}_{details}_{date}:{issuer}".
func Message(kind types.RecordKind, patient, details, issueDate, issuer string) (string, error) {
	label, err := Label(kind)
	if err != nil {
		return "", err
	}
	return label + ":" + patient + "_" + details + "_" + issueDate + ":" + issuer, nil
}

// Pad copies msg into a 32-byte buffer, zero-filling on the right.
// Bytes past 32 are dropped, so messages sharing a 32-byte prefix collide.
func Pad(msg string) [Size]byte {
	var buf [Size]byte
	copy(buf[:], msg)
	return buf
}

// Truncated reports whether Pad drops bytes of msg.
func Truncated(msg string) bool {
	return len(msg) > Size
}
