package wallet

import (
	"fmt"
	"os"

	"zkhealthpass/core"
)

const DefaultKeyEnv = "HEALTHPASS_AUTHORITY_PRIVKEY"

// EnvWalletLoader reads a hex key from an environment variable,
// DefaultKeyEnv when Var is empty.
type EnvWalletLoader struct {
	Var    string
	Lookup func(string) (string, bool)
}

func (l EnvWalletLoader) LoadWallet() (*Wallet, error) {
	name := l.Var
	if name == "" {
		name = DefaultKeyEnv
	}
	lookup := l.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	v, ok := lookup(name)
	if !ok || v == "" {
		return nil, ErrNoKey
	}
	priv, err := core.ParsePrivateKey(v)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return &Wallet{PrivateKey: priv, Source: "env:" + name}, nil
}
