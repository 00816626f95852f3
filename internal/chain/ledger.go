package chain

import (
	"crypto/rand"
	"fmt"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1"
	"github.com/google/logger"
	"github.com/google/uuid"
	"github.com/sasha-s/go-deadlock"
	"github.com/tonkeeper/tongo/tlb"
	"go.uber.org/atomic"
)

const (
	kindWallet = "wallet"

	defaultMaxHops = 64
)

type account struct {
	kind     string
	balance  tlb.Grams
	seqno    uint64
	state    []byte
	contract Contract
}

func (a *account) record() *AccountRecord {
	return &AccountRecord{
		Kind:    a.kind,
		Balance: uint64(a.balance),
		Seqno:   a.seqno,
		State:   a.state,
	}
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithStore sets the account store. The default is an in-memory store.
func WithStore(s Store) Option {
	return func(l *Ledger) { l.store = s }
}

// WithClock sets the wall clock used for transaction timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithMaxHops limits how many messages one external message may cause.
func WithMaxHops(n int) Option {
	return func(l *Ledger) { l.maxHops = n }
}

// WithSeed fixes the ledger entropy seed.
func WithSeed(seed [32]byte) Option {
	return func(l *Ledger) { l.seed = seed; l.seeded = true }
}

// Ledger executes messages against accounts. Execution is serialized: every
// contract processes one message at a time and observes no intermediate
// state of any other contract.
type Ledger struct {
	mu        deadlock.Mutex
	store     Store
	accounts  map[Address]*account
	lt        *atomic.Uint64
	now       func() time.Time
	seed      [32]byte
	seeded    bool
	observers []func(*Trace)
	maxHops   int
}

// NewLedger creates a ledger.
func NewLedger(opts ...Option) (*Ledger, error) {
	l := &Ledger{
		accounts: make(map[Address]*account),
		lt:       atomic.NewUint64(0),
		now:      time.Now,
		maxHops:  defaultMaxHops,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.store == nil {
		l.store = NewMemStore()
	}
	lt, err := l.store.LastLT()
	if err != nil {
		return nil, fmt.Errorf("load logical time: %w", err)
	}
	l.lt.Store(lt)
	if !l.seeded {
		if _, err := rand.Read(l.seed[:]); err != nil {
			return nil, fmt.Errorf("read ledger seed: %w", err)
		}
	}
	return l, nil
}

// Close closes the underlying store.
func (l *Ledger) Close() error {
	return l.store.Close()
}

// Subscribe registers fn to receive every finished trace.
func (l *Ledger) Subscribe(fn func(*Trace)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.observers = append(l.observers, fn)
}

// AddressOf returns the address a contract is deployed at.
func AddressOf(c Contract) Address {
	return DeriveAddress([]byte(c.Kind()), c.InitData())
}

// Deploy binds c to its derived address. If the store already holds state for
// that address the state and balance are restored into c and value is
// ignored; otherwise value is credited as the initial balance.
func (l *Ledger) Deploy(c Contract, value tlb.Grams) (Address, error) {
	addr := AddressOf(c)

	l.mu.Lock()
	defer l.mu.Unlock()

	if acct, ok := l.accounts[addr]; ok && acct.contract != nil {
		return addr, fmt.Errorf("contract %s already deployed at %s", c.Kind(), addr)
	}
	rec, err := l.store.Load(addr)
	if err != nil {
		return addr, err
	}
	acct := &account{kind: c.Kind(), contract: c}
	if rec != nil && rec.Kind != kindWallet {
		if rec.Kind != c.Kind() {
			return addr, fmt.Errorf("address %s holds a %s account", addr, rec.Kind)
		}
		if err := c.UnmarshalState(rec.State); err != nil {
			return addr, fmt.Errorf("restore %s state: %w", c.Kind(), err)
		}
		acct.balance = tlb.Grams(rec.Balance)
		acct.state = rec.State
		logger.Infof("Restored %s at %s (balance %s)", c.Kind(), addr, FormatTON(acct.balance))
	} else {
		state, err := c.MarshalState()
		if err != nil {
			return addr, fmt.Errorf("encode %s state: %w", c.Kind(), err)
		}
		acct.state = state
		if rec != nil {
			// value sent before deployment
			acct.balance = tlb.Grams(rec.Balance)
		}
		acct.balance += value
		logger.Infof("Deployed %s at %s", c.Kind(), addr)
	}
	if err := l.commit(addr, acct); err != nil {
		return addr, err
	}
	l.accounts[addr] = acct
	return addr, nil
}

// Fund credits amount to a wallet account, creating it if needed.
func (l *Ledger) Fund(addr Address, amount tlb.Grams) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	acct, err := l.account(addr)
	if err != nil {
		return err
	}
	if acct.kind != kindWallet {
		return fmt.Errorf("fund %s: not a wallet", addr)
	}
	acct.balance += amount
	return l.commit(addr, acct)
}

// Balance returns the balance of addr. Unknown accounts have zero balance.
func (l *Ledger) Balance(addr Address) tlb.Grams {
	l.mu.Lock()
	defer l.mu.Unlock()

	acct, err := l.account(addr)
	if err != nil {
		return 0
	}
	return acct.balance
}

// Seqno returns the next expected seqno for a wallet.
func (l *Ledger) Seqno(addr Address) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	acct, err := l.account(addr)
	if err != nil {
		return 0
	}
	return acct.seqno
}

// View runs fn while no message is being executed. fn must not call back
// into the ledger.
func (l *Ledger) View(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fn()
}

// Submit verifies a signed external message, debits its value from the
// sending wallet and executes it together with every message it causes.
// Contract rejections are reported in the trace, not as an error.
func (l *Ledger) Submit(ext *ExternalMessage) (*Trace, error) {
	if err := verify(ext); err != nil {
		return nil, err
	}

	l.mu.Lock()
	sender, err := l.account(ext.From)
	if err != nil {
		l.mu.Unlock()
		return nil, err
	}
	if ext.Seqno != sender.seqno {
		l.mu.Unlock()
		return nil, fmt.Errorf("%w: got %d, want %d", ErrBadSeqno, ext.Seqno, sender.seqno)
	}
	if sender.balance < ext.Value {
		l.mu.Unlock()
		return nil, fmt.Errorf("%w: balance %s, need %s", ErrInsufficientFunds,
			FormatTON(sender.balance), FormatTON(ext.Value))
	}
	sender.seqno++
	sender.balance -= ext.Value
	if err := l.commit(ext.From, sender); err != nil {
		sender.seqno--
		sender.balance += ext.Value
		l.mu.Unlock()
		return nil, err
	}

	trace := &Trace{ID: uuid.New()}
	queue := []Message{ext.Message}
	for hops := 0; len(queue) > 0; hops++ {
		if hops >= l.maxHops {
			logger.Warningf("Trace %s: dropping %d messages after %d hops", trace.ID, len(queue), hops)
			for _, msg := range queue {
				trace.Transactions = append(trace.Transactions, l.drop(msg))
			}
			break
		}
		msg := queue[0]
		queue = queue[1:]
		tx, out := l.deliver(msg)
		trace.Transactions = append(trace.Transactions, tx)
		queue = append(queue, out...)
	}
	observers := append([]func(*Trace){}, l.observers...)
	l.mu.Unlock()

	for _, fn := range observers {
		fn(trace)
	}
	return trace, nil
}

// drop records msg as failed without delivering it and returns its value to
// the sender. Callers hold l.mu.
func (l *Ledger) drop(msg Message) Transaction {
	tx := Transaction{
		LT:    l.lt.Inc(),
		Now:   l.now().Unix(),
		From:  msg.From,
		To:    msg.To,
		Op:    msg.Op,
		Value: msg.Value,
		Err:   ErrHopLimit,
	}
	tx.ExitReason = tx.Err.Error()
	if msg.Value == 0 {
		l.touch()
		return tx
	}
	sender, err := l.account(msg.From)
	if err == nil {
		sender.balance += msg.Value
		if err = l.commit(msg.From, sender); err != nil {
			sender.balance -= msg.Value
		}
	}
	if err != nil {
		logger.Errorf("tx %d: return %s to %s: %v", tx.LT, FormatTON(msg.Value), msg.From, err)
	}
	return tx
}

// commit persists one account together with the current logical time.
// Callers hold l.mu.
func (l *Ledger) commit(addr Address, acct *account) error {
	return l.store.Commit(l.lt.Load(), map[Address]*AccountRecord{addr: acct.record()})
}

// touch persists the current logical time alone. Callers hold l.mu.
func (l *Ledger) touch() {
	if err := l.store.Commit(l.lt.Load(), nil); err != nil {
		logger.Errorf("persist logical time %d: %v", l.lt.Load(), err)
	}
}

func verify(ext *ExternalMessage) error {
	pub, err := secp256k1.ParsePubKey(ext.PublicKey)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if AddressFromPublicKey(pub.SerializeCompressed()) != ext.From {
		return fmt.Errorf("%w: key does not own %s", ErrInvalidSignature, ext.From)
	}
	sig, err := secp256k1.ParseDERSignature(ext.Signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if !sig.Verify(SigningHash(ext.Message, ext.Seqno), pub) {
		return ErrInvalidSignature
	}
	return nil
}

// account returns the account at addr, loading it from the store or creating
// an empty wallet. Callers hold l.mu.
func (l *Ledger) account(addr Address) (*account, error) {
	if acct, ok := l.accounts[addr]; ok {
		return acct, nil
	}
	rec, err := l.store.Load(addr)
	if err != nil {
		return nil, err
	}
	acct := &account{kind: kindWallet}
	if rec != nil {
		acct.kind = rec.Kind
		acct.balance = tlb.Grams(rec.Balance)
		acct.seqno = rec.Seqno
		acct.state = rec.State
	}
	l.accounts[addr] = acct
	return acct, nil
}

// deliver executes msg in its destination account and returns the resulting
// transaction and the messages to deliver next. Callers hold l.mu.
func (l *Ledger) deliver(msg Message) (Transaction, []Message) {
	now := l.now()
	tx := Transaction{
		LT:    l.lt.Inc(),
		Now:   now.Unix(),
		From:  msg.From,
		To:    msg.To,
		Op:    msg.Op,
		Value: msg.Value,
	}

	acct, err := l.account(msg.To)
	if err != nil {
		return l.reject(tx, msg, nil, err)
	}
	if acct.contract == nil {
		if acct.kind != kindWallet {
			return l.reject(tx, msg, nil, fmt.Errorf("%w: %s code is not loaded at %s", ErrNotFound, acct.kind, msg.To))
		}
		acct.balance += msg.Value
		if err := l.commit(msg.To, acct); err != nil {
			acct.balance -= msg.Value
			return l.reject(tx, msg, nil, err)
		}
		tx.Success = true
		return tx, nil
	}

	ctx := &Tx{
		Self:    msg.To,
		Now:     now,
		LT:      tx.LT,
		Balance: acct.balance + msg.Value,
		seed:    l.seed,
	}
	err = acct.contract.Receive(ctx, msg)
	if err == nil && ctx.pending > ctx.Balance {
		err = fmt.Errorf("%w: outbound %s exceeds balance %s", ErrInsufficientFunds,
			FormatTON(ctx.pending), FormatTON(ctx.Balance))
	}
	var state []byte
	if err == nil {
		state, err = acct.contract.MarshalState()
	}
	if err == nil {
		prevBalance, prevState := acct.balance, acct.state
		acct.balance = ctx.Balance - ctx.pending
		acct.state = state
		if err = l.commit(msg.To, acct); err != nil {
			acct.balance, acct.state = prevBalance, prevState
		}
	}
	if err != nil {
		return l.reject(tx, msg, acct, err)
	}

	tx.Success = true
	logger.Infof("tx %d: %s -> %s %q ok", tx.LT, msg.From, msg.To, msg.Op)
	return tx, ctx.outbox
}

// reject records a failed transaction. A contract account has its last
// committed state restored. Bounceable value returns to the sender; any
// other value stays with the destination.
func (l *Ledger) reject(tx Transaction, msg Message, acct *account, err error) (Transaction, []Message) {
	tx.Err = err
	tx.ExitReason = err.Error()
	logger.Infof("tx %d: %s -> %s %q rejected: %v", tx.LT, msg.From, msg.To, msg.Op, err)

	if acct != nil && acct.contract != nil {
		if rerr := acct.contract.UnmarshalState(acct.state); rerr != nil {
			logger.Errorf("tx %d: restore %s state: %v", tx.LT, acct.kind, rerr)
		}
	}
	l.touch()
	if msg.Value == 0 {
		return tx, nil
	}
	if msg.Bounce && msg.Op != OpBounce {
		tx.Bounced = true
		return tx, []Message{{
			From:  msg.To,
			To:    msg.From,
			Value: msg.Value,
			Op:    OpBounce,
		}}
	}
	if acct != nil {
		acct.balance += msg.Value
		if cerr := l.commit(msg.To, acct); cerr != nil {
			acct.balance -= msg.Value
			logger.Errorf("tx %d: keep non-bounceable value: %v", tx.LT, cerr)
		}
	}
	return tx, nil
}
