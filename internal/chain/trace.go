package chain

import "github.com/google/uuid"

// Trace is the ordered list of transactions caused by one external message.
type Trace struct {
	ID           uuid.UUID
	Transactions []Transaction
}

// Root returns the transaction that processed the external message itself.
func (t *Trace) Root() Transaction {
	if t == nil || len(t.Transactions) == 0 {
		return Transaction{}
	}
	return t.Transactions[0]
}

// Err returns the root failure, if any.
func (t *Trace) Err() error {
	root := t.Root()
	if root.Success {
		return nil
	}
	return root.Err
}

// Find returns the first transaction from -> to.
func (t *Trace) Find(from, to Address) (Transaction, bool) {
	for _, tx := range t.Transactions {
		if tx.From == from && tx.To == to {
			return tx, true
		}
	}
	return Transaction{}, false
}

// FindOp returns the first transaction delivering op to to.
func (t *Trace) FindOp(to Address, op string) (Transaction, bool) {
	for _, tx := range t.Transactions {
		if tx.To == to && tx.Op == op {
			return tx, true
		}
	}
	return Transaction{}, false
}
