package audit

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"time"

	"zkhealthpass/core/types"
	"zkhealthpass/types/ids"
)

// ErrTampered is returned by VerifyChain when a row or a link does not match.
var ErrTampered = errors.New("audit chain tampered")

// EntryHash hashes every field of the row except EntryHash itself.
func EntryHash(row *types.ProofVerification) ids.ID {
	h := sha256.New()
	writeField(h, []byte(row.ID))
	writeField(h, []byte(row.ProofID))
	writeField(h, []byte(row.VerifierID))
	if row.Result {
		writeField(h, []byte{1})
	} else {
		writeField(h, []byte{0})
	}
	writeField(h, row.Context)
	writeField(h, []byte(row.SourceIP))
	writeField(h, []byte(row.UserAgent))
	writeField(h, []byte(row.VerifiedAt.UTC().Format(time.RFC3339Nano)))
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], row.Seq)
	writeField(h, seq[:])
	writeField(h, row.PrevHash[:])

	var out ids.ID
	copy(out[:], h.Sum(nil))
	return out
}

// writeField length-prefixes each value so adjacent fields cannot shift.
func writeField(h hash.Hash, b []byte) {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(b)))
	h.Write(n[:])
	h.Write(b)
}

// Seal links row after prev at position seq and fills its EntryHash.
func Seal(prev ids.ID, seq uint64, row *types.ProofVerification) {
	row.Seq = seq
	row.PrevHash = prev
	row.EntryHash = EntryHash(row)
}

// VerifyChain checks a full chain in Seq order, starting at Seq 1.
func VerifyChain(rows []types.ProofVerification) error {
	prev := ids.Empty
	for i := range rows {
		row := &rows[i]
		if row.Seq != uint64(i+1) {
			return fmt.Errorf("row %d has seq %d: %w", i+1, row.Seq, ErrTampered)
		}
		if row.PrevHash != prev {
			return fmt.Errorf("seq %d: broken link: %w", row.Seq, ErrTampered)
		}
		if EntryHash(row) != row.EntryHash {
			return fmt.Errorf("seq %d: entry hash mismatch: %w", row.Seq, ErrTampered)
		}
		prev = row.EntryHash
	}
	return nil
}

// MerkleRoot computes the root over the rows' entry hashes. An odd node is
// paired with itself. The root of no rows is the zero ID.
func MerkleRoot(rows []types.ProofVerification) ids.ID {
	if len(rows) == 0 {
		return ids.Empty
	}
	level := make([]ids.ID, len(rows))
	for i := range rows {
		level[i] = rows[i].EntryHash
	}
	for len(level) > 1 {
		next := make([]ids.ID, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			right := level[i]
			if i+1 < len(level) {
				right = level[i+1]
			}
			next = append(next, ids.NewID(bytes.Join([][]byte{level[i][:], right[:]}, nil)))
		}
		level = next
	}
	return level[0]
}
