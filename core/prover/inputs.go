package prover

import (
	"fmt"
	"strconv"

	"github.com/pelletier/go-toml/v2"

	"zkhealthpass/core/apperr"
)

// InputsFile is the file name nargo reads inputs from.
const InputsFile = "Prover.toml"

// proverDoc is the on-disk shape: each field is an ordered list of 32
// quoted "0x%02x" byte literals.
type proverDoc struct {
	MsgHash    []string `toml:"msg_hash"`
	PubKeyX    []string `toml:"pubkey_x"`
	PubKeyY    []string `toml:"pubkey_y"`
	SignatureR []string `toml:"signature_r"`
	SignatureS []string `toml:"signature_s"`
}

func EncodeInputs(in Inputs) ([]byte, error) {
	doc := proverDoc{
		MsgHash:    byteLiterals(in.MessageHash),
		PubKeyX:    byteLiterals(in.PubKeyX),
		PubKeyY:    byteLiterals(in.PubKeyY),
		SignatureR: byteLiterals(in.SignatureR),
		SignatureS: byteLiterals(in.SignatureS),
	}
	out, err := toml.Marshal(doc)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "encode prover inputs", err)
	}
	return out, nil
}

func DecodeInputs(raw []byte) (Inputs, error) {
	var doc proverDoc
	if err := toml.Unmarshal(raw, &doc); err != nil {
		return Inputs{}, apperr.Wrap(apperr.KindBadInput, "parse prover inputs", err)
	}
	var in Inputs
	fields := []struct {
		name string
		src  []string
		dst  *[32]byte
	}{
		{"msg_hash", doc.MsgHash, &in.MessageHash},
		{"pubkey_x", doc.PubKeyX, &in.PubKeyX},
		{"pubkey_y", doc.PubKeyY, &in.PubKeyY},
		{"signature_r", doc.SignatureR, &in.SignatureR},
		{"signature_s", doc.SignatureS, &in.SignatureS},
	}
	for _, f := range fields {
		if err := parseLiterals(f.src, f.dst); err != nil {
			return Inputs{}, apperr.Wrap(apperr.KindBadInput, f.name, err)
		}
	}
	return in, nil
}

func byteLiterals(b [32]byte) []string {
	out := make([]string, len(b))
	for i, v := range b {
		out[i] = fmt.Sprintf("0x%02x", v)
	}
	return out
}

func parseLiterals(src []string, dst *[32]byte) error {
	if len(src) != len(dst) {
		return fmt.Errorf("expected %d byte literals, got %d", len(dst), len(src))
	}
	for i, s := range src {
		v, err := strconv.ParseUint(s, 0, 8)
		if err != nil {
			return fmt.Errorf("byte %d: %w", i, err)
		}
		dst[i] = byte(v)
	}
	return nil
}
