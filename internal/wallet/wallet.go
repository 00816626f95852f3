// Package wallet signs external messages on behalf of an account holder.
package wallet

import (
	"encoding/hex"
	"fmt"

	"github.com/chaowei-dev/ton-cat-lottery/internal/chain"
	"github.com/decred/dcrd/dcrec/secp256k1"
	"github.com/tonkeeper/tongo/tlb"
)

// Wallet holds a secp256k1 key and the ledger address it controls.
type Wallet struct {
	key     *secp256k1.PrivateKey
	address chain.Address
}

// New generates a wallet with a fresh key.
func New() (*Wallet, error) {
	key, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return fromKey(key), nil
}

// FromHex restores a wallet from a hex-encoded private key.
func FromHex(s string) (*Wallet, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode private key: %w", err)
	}
	if len(b) != 32 {
		return nil, fmt.Errorf("private key must be 32 bytes, got %d", len(b))
	}
	key, _ := secp256k1.PrivKeyFromBytes(b)
	return fromKey(key), nil
}

func fromKey(key *secp256k1.PrivateKey) *Wallet {
	return &Wallet{
		key:     key,
		address: chain.AddressFromPublicKey(key.PubKey().SerializeCompressed()),
	}
}

func (w *Wallet) Address() chain.Address {
	return w.address
}

// PrivateKeyHex exports the key for configuration files.
func (w *Wallet) PrivateKeyHex() string {
	return hex.EncodeToString(w.key.Serialize())
}

// Sign builds an external message from this wallet and signs it for seqno.
func (w *Wallet) Sign(to chain.Address, value tlb.Grams, op string, body any, seqno uint64) (*chain.ExternalMessage, error) {
	buf, err := chain.EncodeBody(body)
	if err != nil {
		return nil, err
	}
	msg := chain.Message{
		From:   w.address,
		To:     to,
		Value:  value,
		Bounce: true,
		Op:     op,
		Body:   buf,
	}
	sig, err := w.key.Sign(chain.SigningHash(msg, seqno))
	if err != nil {
		return nil, fmt.Errorf("sign message: %w", err)
	}
	return &chain.ExternalMessage{
		Message:   msg,
		Seqno:     seqno,
		PublicKey: w.key.PubKey().SerializeCompressed(),
		Signature: sig.Serialize(),
	}, nil
}
