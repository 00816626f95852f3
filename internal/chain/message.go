package chain

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/tonkeeper/tongo/tlb"
	"go.dedis.ch/protobuf"
)

// OpBounce marks a message returning the value of a rejected message.
const OpBounce = "bounce"

// Message is the envelope carried between accounts. Body holds a
// protobuf-encoded payload whose type depends on Op.
type Message struct {
	From   Address
	To     Address
	Value  tlb.Grams
	Bounce bool
	Op     string
	Body   []byte
}

// ExternalMessage is a message entering the ledger from a wallet, signed by
// the wallet key. Seqno must match the wallet's next sequence number.
type ExternalMessage struct {
	Message
	Seqno     uint64
	PublicKey []byte
	Signature []byte
}

// SigningHash is the digest a wallet signs for msg at seqno.
func SigningHash(msg Message, seqno uint64) []byte {
	h := sha256.New()
	var buf [8]byte
	writeAddr := func(a Address) {
		binary.BigEndian.PutUint32(buf[:4], uint32(a.Workchain))
		h.Write(buf[:4])
		h.Write(a.Address[:])
	}
	writeAddr(msg.From)
	writeAddr(msg.To)
	binary.BigEndian.PutUint64(buf[:], uint64(msg.Value))
	h.Write(buf[:])
	if msg.Bounce {
		h.Write([]byte{1})
	} else {
		h.Write([]byte{0})
	}
	binary.BigEndian.PutUint64(buf[:], uint64(len(msg.Op)))
	h.Write(buf[:])
	h.Write([]byte(msg.Op))
	binary.BigEndian.PutUint64(buf[:], uint64(len(msg.Body)))
	h.Write(buf[:])
	h.Write(msg.Body)
	binary.BigEndian.PutUint64(buf[:], seqno)
	h.Write(buf[:])
	return h.Sum(nil)
}

// EncodeBody encodes a payload struct pointer. A nil body encodes to nil.
func EncodeBody(body any) ([]byte, error) {
	if body == nil {
		return nil, nil
	}
	buf, err := protobuf.Encode(body)
	if err != nil {
		return nil, fmt.Errorf("encode body: %w", err)
	}
	return buf, nil
}

// DecodeBody decodes msg.Body into the payload struct pointer v.
func DecodeBody(msg Message, v any) error {
	if err := protobuf.Decode(msg.Body, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidBody, msg.Op, err)
	}
	return nil
}

// Transaction is the outcome of delivering one message to one account.
type Transaction struct {
	LT         uint64
	Now        int64
	From       Address
	To         Address
	Op         string
	Value      tlb.Grams
	Success    bool
	Bounced    bool
	ExitReason string
	// Err is the handler error for failed transactions.
	Err error `json:"-"`
}
