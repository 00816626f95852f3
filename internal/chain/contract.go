package chain

import (
	"time"

	"github.com/tonkeeper/tongo/tlb"
)

// Contract is code bound to an address on the ledger. The ledger delivers one
// message at a time; a Receive error rejects the message and the ledger
// restores the state captured by MarshalState before the call.
type Contract interface {
	// Kind names the contract code. Together with InitData it determines the
	// contract address.
	Kind() string
	InitData() []byte
	Receive(tx *Tx, msg Message) error
	MarshalState() ([]byte, error)
	UnmarshalState([]byte) error
}

// Tx is the execution context of one message delivered to a contract.
type Tx struct {
	Self Address
	Now  time.Time
	LT   uint64
	// Balance includes the value attached to the message being processed.
	Balance tlb.Grams

	seed    [32]byte
	outbox  []Message
	pending tlb.Grams
}

// Send queues an outbound message. Delivery happens after the current
// transaction commits; the sender never observes the outcome.
func (tx *Tx) Send(to Address, value tlb.Grams, bounce bool, op string, body any) error {
	buf, err := EncodeBody(body)
	if err != nil {
		return err
	}
	tx.outbox = append(tx.outbox, Message{
		From:   tx.Self,
		To:     to,
		Value:  value,
		Bounce: bounce,
		Op:     op,
		Body:   buf,
	})
	tx.pending += value
	return nil
}

// Pending is the total value of messages queued so far.
func (tx *Tx) Pending() tlb.Grams {
	return tx.pending
}

// Outbox returns the queued messages.
func (tx *Tx) Outbox() []Message {
	return tx.outbox
}

// Entropy returns pseudo-randomness for this transaction. Distinct salts give
// independent values within one transaction.
func (tx *Tx) Entropy(salt uint64) Entropy {
	return Entropy{
		Now:  tx.Now.UnixNano(),
		LT:   tx.LT,
		Seed: tx.seed,
		Salt: salt,
	}
}
