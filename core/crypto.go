package core

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
)

const (
	PrivKeyExt = ".priv"
	PubKeyExt  = ".pub"
)

// SaveKeyPair writes <name>.priv (hex scalar, 0600) and <name>.pub
// (uncompressed hex, 0644) under dir.
func SaveKeyPair(dir, name string, priv *btcec.PrivateKey) (privPath, pubPath string, err error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", "", fmt.Errorf("create key dir: %w", err)
	}
	privPath = filepath.Join(dir, name+PrivKeyExt)
	pubPath = filepath.Join(dir, name+PubKeyExt)
	if err := os.WriteFile(privPath, []byte(SerializePrivateKey(priv)), 0o600); err != nil {
		return "", "", fmt.Errorf("write private key: %w", err)
	}
	if pubPath, err = WritePublicKeyFile(dir, name, priv.PubKey()); err != nil {
		return "", "", err
	}
	return privPath, pubPath, nil
}

// WritePublicKeyFile (re)writes <dir>/<name>.pub. The content is derived
// from the private key, so rewriting it never loses anything.
func WritePublicKeyFile(dir, name string, pub *btcec.PublicKey) (string, error) {
	path := filepath.Join(dir, name+PubKeyExt)
	if err := os.WriteFile(path, []byte(SerializePublicKey(pub)), 0o644); err != nil {
		return "", fmt.Errorf("write public key: %w", err)
	}
	return path, nil
}

// LoadPrivateKeyFile reads a hex private key written by SaveKeyPair.
func LoadPrivateKeyFile(path string) (*btcec.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	return ParsePrivateKey(strings.TrimSpace(string(raw)))
}

// LoadOrCreateKeyPair loads <dir>/<name>.priv, generating and saving a new
// pair when it does not exist yet.
func LoadOrCreateKeyPair(dir, name string) (*btcec.PrivateKey, bool, error) {
	path := filepath.Join(dir, name+PrivKeyExt)
	priv, err := LoadPrivateKeyFile(path)
	if err == nil {
		return priv, false, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, false, err
	}
	priv, err = GenerateKeyPair()
	if err != nil {
		return nil, false, err
	}
	if _, _, err := SaveKeyPair(dir, name, priv); err != nil {
		return nil, false, err
	}
	return priv, true, nil
}
