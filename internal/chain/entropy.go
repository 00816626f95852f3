package chain

import (
	"crypto/sha256"
	"encoding/binary"
)

// Entropy is chain-derived randomness for a single transaction.
//
// The inputs (logical time, wall clock, ledger seed, salt) are known to whoever
// orders transactions, so the output can be predicted or steered by them. It is
// only suitable for prizes of bounded value; callers needing unbiased draws
// must layer a commit-reveal scheme on top.
type Entropy struct {
	Now  int64
	LT   uint64
	Seed [32]byte
	Salt uint64
}

// Uint64 hashes the inputs and reads the first eight bytes of the digest.
func (e Entropy) Uint64() uint64 {
	var buf [8*3 + 32]byte
	binary.LittleEndian.PutUint64(buf[0:], uint64(e.Now))
	binary.LittleEndian.PutUint64(buf[8:], e.LT)
	binary.LittleEndian.PutUint64(buf[16:], e.Salt)
	copy(buf[24:], e.Seed[:])
	sum := sha256.Sum256(buf[:])
	return binary.LittleEndian.Uint64(sum[:8])
}

// Intn returns a value in [0, n). n must be positive.
func (e Entropy) Intn(n int) int {
	if n <= 0 {
		panic("chain: Entropy.Intn with non-positive n")
	}
	return int(e.Uint64() % uint64(n))
}
