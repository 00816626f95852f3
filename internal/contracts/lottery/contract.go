// Package lottery implements the lottery contract: fee-bearing entries, an
// owner-triggered draw, and the mint request sent to a collectible registry.
package lottery

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/chaowei-dev/ton-cat-lottery/internal/chain"
	"github.com/chaowei-dev/ton-cat-lottery/internal/models"
	"github.com/google/logger"
	"github.com/tonkeeper/tongo/tlb"
)

// Kind is the contract code name used for address derivation.
const Kind = "cat-lottery"

// Messages accepted by the lottery.
const (
	OpJoin               = "join"
	OpDrawWinner         = "drawWinner"
	OpStartNewRound      = "startNewRound"
	OpWithdraw           = "withdraw"
	OpSetRegistryAddress = "setRegistryAddress"
	OpRetryMint          = "retryMint"
)

// Messages sent by the lottery.
const (
	OpMintTo     = "mintTo"
	OpWithdrawal = "withdrawal"
	OpRefund     = "refund"
)

// DefaultWithdrawReserve is kept on the contract by withdraw to cover future
// storage and processing costs.
const DefaultWithdrawReserve tlb.Grams = 50_000_000

const (
	saltWinner uint64 = iota + 1
	saltItem
)

// Config holds the construction parameters. It is immutable after New.
type Config struct {
	Owner           chain.Address
	EntryFee        tlb.Grams
	MaxParticipants int
	Policy          Policy
	// MintForward is the value attached to each mint request.
	MintForward     tlb.Grams
	WithdrawReserve tlb.Grams
}

// Contract is the lottery state machine. It is driven by the ledger, which
// delivers one message at a time.
type Contract struct {
	cfg Config

	currentRound uint64
	active       bool
	registry     *chain.Address
	participants []models.Participant
	winners      map[uint64]models.WinnerRecord
}

// New creates a lottery at round 1, open for entries.
func New(cfg Config) (*Contract, error) {
	if cfg.Owner.IsZero() {
		return nil, fmt.Errorf("lottery owner is required")
	}
	if cfg.MaxParticipants < 1 {
		return nil, fmt.Errorf("max participants must be at least 1, got %d", cfg.MaxParticipants)
	}
	return &Contract{
		cfg:          cfg,
		currentRound: 1,
		active:       true,
		winners:      make(map[uint64]models.WinnerRecord),
	}, nil
}

func (c *Contract) Kind() string { return Kind }

// InitData encodes the parameters that determine the contract address.
func (c *Contract) InitData() []byte {
	buf := make([]byte, 0, 64)
	buf = append(buf, []byte(c.cfg.Owner.String())...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(c.cfg.EntryFee))
	buf = binary.BigEndian.AppendUint64(buf, uint64(c.cfg.MaxParticipants))
	return buf
}

// Receive dispatches one message.
func (c *Contract) Receive(tx *chain.Tx, msg chain.Message) error {
	switch msg.Op {
	case "":
		// plain transfer tops up the contract
		return nil
	case chain.OpBounce:
		logger.Warningf("lottery: %s bounced from %s", chain.FormatTON(msg.Value), msg.From)
		return nil
	case OpJoin:
		return c.join(tx, msg)
	case OpDrawWinner:
		return c.drawWinner(tx, msg)
	case OpStartNewRound:
		return c.startNewRound(tx, msg)
	case OpWithdraw:
		return c.withdraw(tx, msg)
	case OpSetRegistryAddress:
		return c.setRegistryAddress(msg)
	case OpRetryMint:
		return c.retryMint(tx, msg)
	default:
		return fmt.Errorf("%w: %q", chain.ErrUnknownOp, msg.Op)
	}
}

func (c *Contract) join(tx *chain.Tx, msg chain.Message) error {
	if !c.active {
		return fmt.Errorf("%w: lottery is not active", chain.ErrPreconditionFailed)
	}
	if len(c.participants) >= c.cfg.MaxParticipants {
		return fmt.Errorf("%w: lottery is full", chain.ErrPreconditionFailed)
	}
	if msg.Value < c.cfg.EntryFee {
		return fmt.Errorf("%w: entry fee is %s, paid %s", chain.ErrPreconditionFailed,
			chain.FormatTON(c.cfg.EntryFee), chain.FormatTON(msg.Value))
	}
	for _, p := range c.participants {
		if p.Address == msg.From {
			return fmt.Errorf("%w: %s already joined round %d", chain.ErrPreconditionFailed, msg.From, c.currentRound)
		}
	}

	// Overpayment is kept; there is no refund of the excess.
	c.participants = append(c.participants, models.Participant{
		Address:    msg.From,
		AmountPaid: msg.Value,
		JoinedAt:   tx.Now.Unix(),
	})
	if len(c.participants) == c.cfg.MaxParticipants {
		c.active = false
	}
	return nil
}

// drawWinner selects a winner with chain-derived entropy. The selection is
// visible to, and can be influenced by, whoever orders transactions.
func (c *Contract) drawWinner(tx *chain.Tx, msg chain.Message) error {
	if msg.From != c.cfg.Owner {
		return fmt.Errorf("%w: only the owner can draw", chain.ErrAuthorizationDenied)
	}
	if len(c.participants) == 0 {
		return fmt.Errorf("%w: no participants", chain.ErrPreconditionFailed)
	}
	if c.registry == nil && c.cfg.Policy == PolicyReject {
		return fmt.Errorf("%w: registry address not set", chain.ErrConfigurationMissing)
	}
	if _, ok := c.winners[c.currentRound]; ok {
		return fmt.Errorf("%w: round %d already drawn", chain.ErrPreconditionFailed, c.currentRound)
	}

	winner := c.participants[tx.Entropy(saltWinner).Intn(len(c.participants))]
	record := models.WinnerRecord{
		Round:     c.currentRound,
		Winner:    winner.Address,
		ItemID:    c.currentRound*1000 + uint64(tx.Entropy(saltItem).Intn(100)),
		DecidedAt: tx.Now.Unix(),
		LT:        tx.LT,
	}
	c.winners[record.Round] = record
	c.participants = nil
	c.active = false

	if c.registry == nil {
		logger.Warningf("lottery: round %d drawn without registry, mint skipped", record.Round)
		return nil
	}
	return c.dispatchMint(tx, record)
}

// dispatchMint queues the mint request. The lottery never learns whether the
// registry accepted it; see Winner and the registry's MintByRound.
func (c *Contract) dispatchMint(tx *chain.Tx, record models.WinnerRecord) error {
	return tx.Send(*c.registry, c.cfg.MintForward, true, OpMintTo, &MintRequest{
		Recipient: record.Winner.String(),
		Round:     record.Round,
		Reference: record.ItemID,
	})
}

// startNewRound opens the next round. Participants of a round that closed
// without a draw get their payment back.
func (c *Contract) startNewRound(tx *chain.Tx, msg chain.Message) error {
	if msg.From != c.cfg.Owner {
		return fmt.Errorf("%w: only the owner can start a round", chain.ErrAuthorizationDenied)
	}
	if c.active {
		return fmt.Errorf("%w: round %d is still active", chain.ErrPreconditionFailed, c.currentRound)
	}
	for _, p := range c.participants {
		if err := tx.Send(p.Address, p.AmountPaid, false, OpRefund, nil); err != nil {
			return err
		}
	}
	if n := len(c.participants); n > 0 {
		logger.Infof("lottery: round %d closed undrawn, refunding %d participants", c.currentRound, n)
	}
	c.currentRound++
	c.participants = nil
	c.active = true
	return nil
}

func (c *Contract) withdraw(tx *chain.Tx, msg chain.Message) error {
	if msg.From != c.cfg.Owner {
		return fmt.Errorf("%w: only the owner can withdraw", chain.ErrAuthorizationDenied)
	}
	if c.active {
		return fmt.Errorf("%w: cannot withdraw while round %d is active", chain.ErrPreconditionFailed, c.currentRound)
	}
	available := tx.Balance - tx.Pending()
	if available <= c.cfg.WithdrawReserve {
		return fmt.Errorf("%w: balance %s does not exceed reserve %s", chain.ErrPreconditionFailed,
			chain.FormatTON(available), chain.FormatTON(c.cfg.WithdrawReserve))
	}
	return tx.Send(c.cfg.Owner, available-c.cfg.WithdrawReserve, false, OpWithdrawal, nil)
}

func (c *Contract) setRegistryAddress(msg chain.Message) error {
	if msg.From != c.cfg.Owner {
		return fmt.Errorf("%w: only the owner can set the registry", chain.ErrAuthorizationDenied)
	}
	var body SetRegistryBody
	if err := chain.DecodeBody(msg, &body); err != nil {
		return err
	}
	addr, err := chain.ParseAddress(body.Registry)
	if err != nil {
		return fmt.Errorf("%w: %v", chain.ErrPreconditionFailed, err)
	}
	c.registry = &addr
	return nil
}

func (c *Contract) retryMint(tx *chain.Tx, msg chain.Message) error {
	if msg.From != c.cfg.Owner {
		return fmt.Errorf("%w: only the owner can retry a mint", chain.ErrAuthorizationDenied)
	}
	var body RetryMintBody
	if err := chain.DecodeBody(msg, &body); err != nil {
		return err
	}
	record, ok := c.winners[body.Round]
	if !ok {
		return fmt.Errorf("%w: no winner for round %d", chain.ErrPreconditionFailed, body.Round)
	}
	if c.registry == nil {
		return fmt.Errorf("%w: registry address not set", chain.ErrConfigurationMissing)
	}
	return c.dispatchMint(tx, record)
}

// Owner returns the configured owner.
func (c *Contract) Owner() chain.Address {
	return c.cfg.Owner
}

// Info returns the contract-info snapshot.
func (c *Contract) Info() models.LotteryInfo {
	info := models.LotteryInfo{
		Owner:            c.cfg.Owner,
		EntryFee:         c.cfg.EntryFee,
		MaxParticipants:  c.cfg.MaxParticipants,
		CurrentRound:     c.currentRound,
		Active:           c.active,
		ParticipantCount: len(c.participants),
		DrawPolicy:       c.cfg.Policy.String(),
	}
	if c.registry != nil {
		addr := *c.registry
		info.RegistryAddress = &addr
	}
	return info
}

// Participant returns the participant at index in join order; ok is false
// when index is out of range.
func (c *Contract) Participant(index int) (models.Participant, bool) {
	if index < 0 || index >= len(c.participants) {
		return models.Participant{}, false
	}
	return c.participants[index], true
}

// Participants returns the current round's participants in join order.
func (c *Contract) Participants() []models.Participant {
	return append([]models.Participant(nil), c.participants...)
}

// Winner returns the record for round; ok is false if none was drawn.
func (c *Contract) Winner(round uint64) (models.WinnerRecord, bool) {
	record, ok := c.winners[round]
	return record, ok
}

// Winners returns the whole winner history ordered by round.
func (c *Contract) Winners() []models.WinnerRecord {
	records := make([]models.WinnerRecord, 0, len(c.winners))
	for _, r := range c.winners {
		records = append(records, r)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Round < records[j].Round })
	return records
}
