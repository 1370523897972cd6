package wallet

import (
	"zkhealthpass/core"
)

// FileWalletLoader reads a .priv file written by keygen.
type FileWalletLoader struct {
	Path string
}

func (l FileWalletLoader) LoadWallet() (*Wallet, error) {
	if l.Path == "" {
		return nil, ErrNoKey
	}
	priv, err := core.LoadPrivateKeyFile(l.Path)
	if err != nil {
		return nil, err
	}
	return &Wallet{PrivateKey: priv, Source: "file:" + l.Path}, nil
}
