package registry

import (
	"fmt"

	"github.com/chaowei-dev/ton-cat-lottery/internal/chain"
	"github.com/chaowei-dev/ton-cat-lottery/internal/models"
	"go.dedis.ch/protobuf"
)

type itemRecord struct {
	ItemID     uint64
	Owner      string
	TemplateID uint64
	Minter     string
	Round      uint64
	Reference  uint64
	MintedAt   int64
}

// storage is the persisted registry state. Balances are recomputed from the
// items on load.
type storage struct {
	Minter      string
	NextItemID  uint64
	TotalSupply uint64
	Items       []itemRecord
}

func (c *Contract) MarshalState() ([]byte, error) {
	st := storage{
		NextItemID:  c.nextItemID,
		TotalSupply: c.totalSupply,
	}
	if c.minter != nil {
		st.Minter = c.minter.String()
	}
	for _, it := range c.Items() {
		st.Items = append(st.Items, itemRecord{
			ItemID:     it.ItemID,
			Owner:      it.Owner.String(),
			TemplateID: it.TemplateID,
			Minter:     it.Minter.String(),
			Round:      it.Round,
			Reference:  it.Reference,
			MintedAt:   it.MintedAt,
		})
	}
	buf, err := protobuf.Encode(&st)
	if err != nil {
		return nil, fmt.Errorf("encode registry storage: %w", err)
	}
	return buf, nil
}

func (c *Contract) UnmarshalState(buf []byte) error {
	var st storage
	if err := protobuf.Decode(buf, &st); err != nil {
		return fmt.Errorf("decode registry storage: %w", err)
	}

	var minter *chain.Address
	if st.Minter != "" {
		addr, err := chain.ParseAddress(st.Minter)
		if err != nil {
			return err
		}
		minter = &addr
	}
	items := make([]models.Item, 0, len(st.Items))
	for _, r := range st.Items {
		owner, err := chain.ParseAddress(r.Owner)
		if err != nil {
			return err
		}
		by, err := chain.ParseAddress(r.Minter)
		if err != nil {
			return err
		}
		items = append(items, models.Item{
			ItemID:     r.ItemID,
			Owner:      owner,
			TemplateID: r.TemplateID,
			Minter:     by,
			Round:      r.Round,
			Reference:  r.Reference,
			MintedAt:   r.MintedAt,
		})
	}

	c.reset()
	c.minter = minter
	c.nextItemID = st.NextItemID
	c.totalSupply = st.TotalSupply
	for _, it := range items {
		c.balances[it.Owner]++
		c.store(it)
	}
	return nil
}
