// Package wallet provides key management for an authority's protocol
// signing key. It holds no transaction-building logic: block proposal and
// signing live in the consensus package's Core, which owns the key for the
// lifetime of the authority process.
package wallet

import (
	"github.com/tolelom/tolbft/crypto"
)

// Wallet holds an authority's ed25519 protocol key pair.
type Wallet struct {
	priv crypto.PrivateKey
	pub  crypto.PublicKey
}

// New creates a Wallet from an existing private key.
func New(priv crypto.PrivateKey) *Wallet {
	return &Wallet{priv: priv, pub: priv.Public()}
}

// Generate creates a Wallet with a freshly generated key pair.
func Generate() (*Wallet, error) {
	priv, _, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	return New(priv), nil
}

// PrivKey returns the raw private key (handle with care).
func (w *Wallet) PrivKey() crypto.PrivateKey {
	return w.priv
}

// PubKey returns the hex-encoded ed25519 public key, the form used as an
// authority's ProtocolKey in committee configuration.
func (w *Wallet) PubKey() string {
	return w.pub.Hex()
}

// Fingerprint returns a short hex identifier for this authority's public
// key, suitable for log lines that would otherwise be dominated by the
// full 64-char ProtocolKey.
func (w *Wallet) Fingerprint() string {
	return w.pub.Fingerprint()
}
