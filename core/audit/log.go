package audit

import (
	"fmt"
	"strconv"

	"zkhealthpass/core/types"
	"zkhealthpass/types/ids"
)

// Reader is the read side of the audit store.
type Reader interface {
	AuditForProof(proofID string) ([]types.ProofVerification, error)
	AuditAll() ([]types.ProofVerification, error)
}

// Log is a read-only view of the verification audit trail. Rows are only
// ever appended by the storage commit path.
type Log struct {
	r Reader
}

func NewLog(r Reader) *Log {
	return &Log{r: r}
}

func (l *Log) ForProof(proofID string) ([]types.ProofVerification, error) {
	return l.r.AuditForProof(proofID)
}

func (l *Log) All() ([]types.ProofVerification, error) {
	return l.r.AuditAll()
}

// Verify re-hashes the whole chain.
func (l *Log) Verify() (int, error) {
	rows, err := l.r.AuditAll()
	if err != nil {
		return 0, fmt.Errorf("read audit log: %w", err)
	}
	return len(rows), VerifyChain(rows)
}

func (l *Log) Root() (ids.ID, error) {
	rows, err := l.r.AuditAll()
	if err != nil {
		return ids.Empty, fmt.Errorf("read audit log: %w", err)
	}
	return MerkleRoot(rows), nil
}

func formatSeq(seq uint64) string {
	return strconv.FormatUint(seq, 10)
}
