// Package wallet resolves the authority signing key from the sources the
// CLI accepts: a flag value, the environment, or a key file.
package wallet

import (
	"errors"

	"github.com/btcsuite/btcd/btcec/v2"

	"zkhealthpass/core"
)

// ErrNoKey means a loader had no key configured. Chain moves on to the
// next loader; any other error stops it.
var ErrNoKey = errors.New("no signing key configured")

type Wallet struct {
	PrivateKey *btcec.PrivateKey
	Source     string
}

// PrivateKeyHex is the form record signing accepts.
func (w *Wallet) PrivateKeyHex() string {
	return core.SerializePrivateKey(w.PrivateKey)
}

func (w *Wallet) PublicKeyHex() string {
	return core.SerializePublicKey(w.PrivateKey.PubKey())
}

type WalletLoader interface {
	LoadWallet() (*Wallet, error)
}

// HexLoader wraps a key passed directly. Source labels where it came
// from and defaults to "flag".
type HexLoader struct {
	Hex    string
	Source string
}

func (l HexLoader) LoadWallet() (*Wallet, error) {
	if l.Hex == "" {
		return nil, ErrNoKey
	}
	priv, err := core.ParsePrivateKey(l.Hex)
	if err != nil {
		return nil, err
	}
	src := l.Source
	if src == "" {
		src = "flag"
	}
	return &Wallet{PrivateKey: priv, Source: src}, nil
}

// Chain tries loaders in order and returns the first key found.
type Chain []WalletLoader

func (c Chain) LoadWallet() (*Wallet, error) {
	for _, l := range c {
		w, err := l.LoadWallet()
		if errors.Is(err, ErrNoKey) {
			continue
		}
		return w, err
	}
	return nil, ErrNoKey
}
