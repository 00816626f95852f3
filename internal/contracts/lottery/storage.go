package lottery

import (
	"fmt"

	"github.com/chaowei-dev/ton-cat-lottery/internal/chain"
	"github.com/chaowei-dev/ton-cat-lottery/internal/models"
	"github.com/tonkeeper/tongo/tlb"
	"go.dedis.ch/protobuf"
)

type participantRecord struct {
	Address    string
	AmountPaid uint64
	JoinedAt   int64
}

type winnerRecord struct {
	Round     uint64
	Winner    string
	ItemID    uint64
	DecidedAt int64
	LT        uint64
}

// storage is the persisted round state. Construction parameters are not
// stored; they are part of the contract address.
type storage struct {
	CurrentRound uint64
	Active       bool
	Registry     string
	Participants []participantRecord
	Winners      []winnerRecord
}

func (c *Contract) MarshalState() ([]byte, error) {
	st := storage{
		CurrentRound: c.currentRound,
		Active:       c.active,
	}
	if c.registry != nil {
		st.Registry = c.registry.String()
	}
	for _, p := range c.participants {
		st.Participants = append(st.Participants, participantRecord{
			Address:    p.Address.String(),
			AmountPaid: uint64(p.AmountPaid),
			JoinedAt:   p.JoinedAt,
		})
	}
	for _, w := range c.Winners() {
		st.Winners = append(st.Winners, winnerRecord{
			Round:     w.Round,
			Winner:    w.Winner.String(),
			ItemID:    w.ItemID,
			DecidedAt: w.DecidedAt,
			LT:        w.LT,
		})
	}
	buf, err := protobuf.Encode(&st)
	if err != nil {
		return nil, fmt.Errorf("encode lottery storage: %w", err)
	}
	return buf, nil
}

func (c *Contract) UnmarshalState(buf []byte) error {
	var st storage
	if err := protobuf.Decode(buf, &st); err != nil {
		return fmt.Errorf("decode lottery storage: %w", err)
	}

	var registry *chain.Address
	if st.Registry != "" {
		addr, err := chain.ParseAddress(st.Registry)
		if err != nil {
			return err
		}
		registry = &addr
	}
	participants := make([]models.Participant, 0, len(st.Participants))
	for _, p := range st.Participants {
		addr, err := chain.ParseAddress(p.Address)
		if err != nil {
			return err
		}
		participants = append(participants, models.Participant{
			Address:    addr,
			AmountPaid: tlb.Grams(p.AmountPaid),
			JoinedAt:   p.JoinedAt,
		})
	}
	winners := make(map[uint64]models.WinnerRecord, len(st.Winners))
	for _, w := range st.Winners {
		addr, err := chain.ParseAddress(w.Winner)
		if err != nil {
			return err
		}
		winners[w.Round] = models.WinnerRecord{
			Round:     w.Round,
			Winner:    addr,
			ItemID:    w.ItemID,
			DecidedAt: w.DecidedAt,
			LT:        w.LT,
		}
	}

	c.currentRound = st.CurrentRound
	c.active = st.Active
	c.registry = registry
	c.participants = participants
	c.winners = winners
	return nil
}
