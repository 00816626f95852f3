package chain

import (
	"crypto/sha256"
	"fmt"

	"github.com/tonkeeper/tongo/ton"
)

// Address identifies an account on the ledger. It shares the layout of a TON
// account id so raw ("0:<hex>") and user-friendly forms both parse.
type Address ton.AccountID

// ParseAddress accepts raw or user-friendly address strings.
func ParseAddress(s string) (Address, error) {
	id, err := ton.ParseAccountID(s)
	if err != nil {
		return Address{}, fmt.Errorf("parse address %q: %w", s, err)
	}
	return Address(id), nil
}

// DeriveAddress hashes the given parts into a workchain 0 address.
func DeriveAddress(parts ...[]byte) Address {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	var a Address
	copy(a.Address[:], h.Sum(nil))
	return a
}

// AddressFromPublicKey derives the wallet address owning a serialized public key.
func AddressFromPublicKey(pub []byte) Address {
	return DeriveAddress([]byte("wallet"), pub)
}

func (a Address) String() string {
	return ton.AccountID(a).ToRaw()
}

// Human renders the bounceable user-friendly form.
func (a Address) Human(testnet bool) string {
	return ton.AccountID(a).ToHuman(true, testnet)
}

func (a Address) IsZero() bool {
	return a == Address{}
}

func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
