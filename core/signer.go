package core

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"zkhealthpass/core/apperr"
	"zkhealthpass/core/canonical"
	"zkhealthpass/core/types"
	"zkhealthpass/types/ids"
)

const (
	// UncompressedKeyLen is a 0x04-prefixed X||Y secp256k1 point.
	UncompressedKeyLen = 65
	ScalarLen          = 32
)

// RecordSignature is the output of signing one health record.
type RecordSignature struct {
	MessageHash      ids.ID
	R                ids.ID
	S                ids.ID
	CanonicalMessage string
	Truncated        bool
}

// Engine signs and verifies health records over secp256k1.
// It holds no mutable state; build one at startup and share the pointer.
type Engine struct{}

func NewEngine() *Engine {
	return &Engine{}
}

// MessageHash pads the canonical message to 32 bytes and hashes the buffer.
func MessageHash(msg string) ids.ID {
	padded := canonical.Pad(msg)
	return ids.ID(sha256.Sum256(padded[:]))
}

// Sign canonicalizes the record fields, hashes the padded message and
// produces a deterministic (RFC 6979) low-S signature.
func (e *Engine) Sign(kind types.RecordKind, patient, details, issueDate, issuer string, priv *btcec.PrivateKey) (RecordSignature, error) {
	if priv == nil {
		return RecordSignature{}, apperr.New(apperr.KindBadInput, "private key is required")
	}
	msg, err := canonical.Message(kind, patient, details, issueDate, issuer)
	if err != nil {
		return RecordSignature{}, err
	}
	hash := MessageHash(msg)

	sig := ecdsa.Sign(priv, hash[:])
	r, s := sig.R(), sig.S()
	if s.IsOverHalfOrder() {
		s.Negate()
	}
	if r.IsZero() || s.IsZero() {
		return RecordSignature{}, apperr.New(apperr.KindCryptographic, "signing produced a zero scalar")
	}

	out := RecordSignature{
		MessageHash:      hash,
		CanonicalMessage: msg,
		Truncated:        canonical.Truncated(msg),
	}
	r.PutBytes((*[32]byte)(&out.R))
	s.PutBytes((*[32]byte)(&out.S))
	return out, nil
}

// Verify checks r||s over hash. Malformed lengths are errors; any
// cryptographically invalid signature, high-S included, is just false.
func (e *Engine) Verify(hash, r, s []byte, pub *btcec.PublicKey) (bool, error) {
	if len(hash) != ScalarLen {
		return false, apperr.Newf(apperr.KindBadInput, "message hash must be %d bytes, got %d", ScalarLen, len(hash))
	}
	if len(r) != ScalarLen || len(s) != ScalarLen {
		return false, apperr.Newf(apperr.KindBadInput, "signature halves must be %d bytes, got r=%d s=%d", ScalarLen, len(r), len(s))
	}
	if pub == nil {
		return false, apperr.New(apperr.KindBadInput, "public key is required")
	}

	var rs, ss secp256k1.ModNScalar
	if overflow := rs.SetByteSlice(r); overflow || rs.IsZero() {
		return false, nil
	}
	if overflow := ss.SetByteSlice(s); overflow || ss.IsZero() {
		return false, nil
	}
	// The circuit only accepts the low-S form.
	if ss.IsOverHalfOrder() {
		return false, nil
	}
	return ecdsa.NewSignature(&rs, &ss).Verify(hash, pub), nil
}

// ParsePrivateKey decodes a 32-byte hex scalar in [1, n-1].
func ParsePrivateKey(hexKey string) (*btcec.PrivateKey, error) {
	raw, err := decodeHex(hexKey)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindBadInput, "invalid private key hex", err)
	}
	if len(raw) != ScalarLen {
		return nil, apperr.Newf(apperr.KindBadInput, "private key must be %d bytes, got %d", ScalarLen, len(raw))
	}
	var k secp256k1.ModNScalar
	if overflow := k.SetByteSlice(raw); overflow || k.IsZero() {
		return nil, apperr.New(apperr.KindBadInput, "private key is outside the curve order")
	}
	priv, _ := btcec.PrivKeyFromBytes(raw)
	return priv, nil
}

// ParsePublicKey accepts compressed or uncompressed hex points.
func ParsePublicKey(hexKey string) (*btcec.PublicKey, error) {
	raw, err := decodeHex(hexKey)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindBadInput, "invalid public key hex", err)
	}
	pub, err := btcec.ParsePubKey(raw)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindBadInput, "invalid public key", err)
	}
	return pub, nil
}

// SerializePublicKey returns the uncompressed point as hex.
func SerializePublicKey(pub *btcec.PublicKey) string {
	return hex.EncodeToString(pub.SerializeUncompressed())
}

func SerializePrivateKey(priv *btcec.PrivateKey) string {
	return hex.EncodeToString(priv.Serialize())
}

// PublicKeyCoordinates splits an uncompressed key into big-endian X and Y.
func PublicKeyCoordinates(pub []byte) (x, y [32]byte, err error) {
	if len(pub) != UncompressedKeyLen || pub[0] != 0x04 {
		return x, y, apperr.Newf(apperr.KindBadInput, "public key must be %d bytes with 0x04 prefix", UncompressedKeyLen)
	}
	copy(x[:], pub[1:33])
	copy(y[:], pub[33:])
	return x, y, nil
}

// IsSignatureNormalized reports whether s is in the lower half of the order
// by looking at its leading byte, the same test the circuit applies.
func IsSignatureNormalized(s []byte) bool {
	return len(s) > 0 && s[0] < 0x80
}

func GenerateKeyPair() (*btcec.PrivateKey, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, apperr.Wrap(apperr.KindCryptographic, "generate secp256k1 key", err)
	}
	return priv, nil
}

// SamePublicKey compares two hex keys as curve points, so compressed and
// uncompressed encodings of one key match.
func SamePublicKey(a, b string) bool {
	pa, err := ParsePublicKey(a)
	if err != nil {
		return false
	}
	pb, err := ParsePublicKey(b)
	if err != nil {
		return false
	}
	return pa.IsEqual(pb)
}

func decodeHex(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	return hex.DecodeString(s)
}
