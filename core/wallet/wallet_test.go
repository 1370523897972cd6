package wallet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zkhealthpass/core"
	"zkhealthpass/core/apperr"
)

const keyHex = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func lookupFrom(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestChainOrder(t *testing.T) {
	dir := t.TempDir()
	other, err := core.GenerateKeyPair()
	require.NoError(t, err)
	privPath, _, err := core.SaveKeyPair(dir, "authority", other)
	require.NoError(t, err)

	env := EnvWalletLoader{Lookup: lookupFrom(map[string]string{DefaultKeyEnv: keyHex})}

	w, err := Chain{HexLoader{}, FileWalletLoader{Path: privPath}, env}.LoadWallet()
	require.NoError(t, err)
	assert.Equal(t, "file:"+privPath, w.Source)
	assert.Equal(t, core.SerializePublicKey(other.PubKey()), w.PublicKeyHex())

	w, err = Chain{HexLoader{}, FileWalletLoader{}, env}.LoadWallet()
	require.NoError(t, err)
	assert.Equal(t, "env:"+DefaultKeyEnv, w.Source)
	assert.Equal(t, keyHex, w.PrivateKeyHex())
}

func TestChainEmpty(t *testing.T) {
	env := EnvWalletLoader{Lookup: lookupFrom(nil)}
	_, err := Chain{HexLoader{}, env}.LoadWallet()
	assert.ErrorIs(t, err, ErrNoKey)
}

func TestBadKeyStopsChain(t *testing.T) {
	env := EnvWalletLoader{Lookup: lookupFrom(map[string]string{DefaultKeyEnv: keyHex})}
	_, err := Chain{HexLoader{Hex: "zz"}, env}.LoadWallet()
	assert.ErrorIs(t, err, apperr.ErrBadInput)

	_, err = Chain{FileWalletLoader{Path: t.TempDir() + "/missing.priv"}, env}.LoadWallet()
	assert.Error(t, err)
}

func TestHexLoaderSource(t *testing.T) {
	w, err := HexLoader{Hex: "0x" + keyHex, Source: "config"}.LoadWallet()
	require.NoError(t, err)
	assert.Equal(t, "config", w.Source)

	w, err = HexLoader{Hex: keyHex}.LoadWallet()
	require.NoError(t, err)
	assert.Equal(t, "flag", w.Source)
}
