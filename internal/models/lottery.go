package models

import (
	"github.com/chaowei-dev/ton-cat-lottery/internal/chain"
	"github.com/tonkeeper/tongo/tlb"
)

// Participant is an address that paid the entry fee for the current round.
type Participant struct {
	Address    chain.Address `json:"address"`
	AmountPaid tlb.Grams     `json:"amountPaid"`
	JoinedAt   int64         `json:"joinedAt"`
}

// WinnerRecord is the permanent outcome of one drawn round.
// ItemID is the identifier issued to the winner, round*1000 + [0, 99]; LT is
// the logical time of the drawing transaction.
type WinnerRecord struct {
	Round     uint64        `json:"round"`
	Winner    chain.Address `json:"winner"`
	ItemID    uint64        `json:"itemId"`
	DecidedAt int64         `json:"decidedAt"`
	LT        uint64        `json:"lt"`
}

// LotteryInfo is a snapshot of the lottery contract.
type LotteryInfo struct {
	Owner            chain.Address  `json:"owner"`
	EntryFee         tlb.Grams      `json:"entryFee"`
	MaxParticipants  int            `json:"maxParticipants"`
	CurrentRound     uint64         `json:"currentRound"`
	Active           bool           `json:"active"`
	ParticipantCount int            `json:"participantCount"`
	RegistryAddress  *chain.Address `json:"registryAddress"`
	DrawPolicy       string         `json:"drawPolicy"`
}
