package ids

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// ID is a 32-byte hash. Message hashes, signature halves and audit chain
// links all travel as IDs.
type ID [32]byte

// Empty is the zero-value ID (all zeros)
var Empty ID

// NewID hashes data with SHA-256.
func NewID(data []byte) ID {
	return ID(sha256.Sum256(data))
}

// FromBytes copies exactly 32 bytes into an ID.
func FromBytes(b []byte) (ID, error) {
	var id ID
	if len(b) != len(id) {
		return id, fmt.Errorf("id must be %d bytes, got %d", len(id), len(b))
	}
	copy(id[:], b)
	return id, nil
}

// FromString parses a 64-character hex string (optional 0x prefix) into an ID.
func FromString(s string) (ID, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return Empty, err
	}
	return FromBytes(raw)
}

// String converts an ID back to a hex string
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

func (id ID) IsZero() bool {
	return id == Empty
}

func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *ID) UnmarshalText(text []byte) error {
	parsed, err := FromString(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// IDFromString creates an ID from a string (using SHA-256)
func IDFromString(s string) ID {
	return NewID([]byte(s))
}
