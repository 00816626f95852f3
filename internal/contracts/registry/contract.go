// Package registry implements the collectible registry: a fixed template
// catalog, per-owner balances and an item issuer restricted to one
// authorized minter.
package registry

import (
	"fmt"
	"sort"

	"github.com/chaowei-dev/ton-cat-lottery/internal/chain"
	"github.com/chaowei-dev/ton-cat-lottery/internal/models"
	"github.com/google/logger"
)

// Kind is the contract code name used for address derivation.
const Kind = "cat-registry"

// Messages accepted by the registry.
const (
	OpSetAuthorizedMinter = "setAuthorizedMinter"
	OpMintTo              = "mintTo"
)

// OpNotify is sent to the recipient of a minted item.
const OpNotify = "itemMinted"

const saltTemplate uint64 = 3

type mintKey struct {
	minter chain.Address
	round  uint64
}

// Contract is the registry state machine.
type Contract struct {
	owner   chain.Address
	catalog *Catalog

	minter      *chain.Address
	nextItemID  uint64
	totalSupply uint64
	balances    map[chain.Address]uint64
	items       map[uint64]models.Item
	// mints indexes lottery mints by requester and round. It is derived
	// from items and not stored separately.
	mints map[mintKey]uint64
}

// New creates a registry owned by owner with no authorized minter.
func New(owner chain.Address, catalog *Catalog) (*Contract, error) {
	if owner.IsZero() {
		return nil, fmt.Errorf("registry owner is required")
	}
	if catalog == nil {
		return nil, fmt.Errorf("registry catalog is required")
	}
	c := &Contract{owner: owner, catalog: catalog}
	c.reset()
	return c, nil
}

func (c *Contract) reset() {
	c.minter = nil
	c.nextItemID = 1
	c.totalSupply = 0
	c.balances = make(map[chain.Address]uint64)
	c.items = make(map[uint64]models.Item)
	c.mints = make(map[mintKey]uint64)
}

func (c *Contract) Kind() string { return Kind }

func (c *Contract) InitData() []byte {
	return []byte(c.owner.String())
}

func (c *Contract) Receive(tx *chain.Tx, msg chain.Message) error {
	switch msg.Op {
	case "":
		return nil
	case chain.OpBounce:
		logger.Warningf("registry: %s bounced from %s", chain.FormatTON(msg.Value), msg.From)
		return nil
	case OpSetAuthorizedMinter:
		return c.setAuthorizedMinter(msg)
	case OpMintTo:
		return c.mintTo(tx, msg)
	default:
		return fmt.Errorf("%w: %q", chain.ErrUnknownOp, msg.Op)
	}
}

func (c *Contract) setAuthorizedMinter(msg chain.Message) error {
	if msg.From != c.owner {
		return fmt.Errorf("%w: only the owner can set the minter", chain.ErrAuthorizationDenied)
	}
	var body SetMinterBody
	if err := chain.DecodeBody(msg, &body); err != nil {
		return err
	}
	addr, err := chain.ParseAddress(body.Minter)
	if err != nil {
		return fmt.Errorf("%w: %v", chain.ErrPreconditionFailed, err)
	}
	c.minter = &addr
	return nil
}

func (c *Contract) mintTo(tx *chain.Tx, msg chain.Message) error {
	if c.minter == nil {
		return fmt.Errorf("%w: no authorized minter", chain.ErrConfigurationMissing)
	}
	if msg.From != *c.minter {
		return fmt.Errorf("%w: %s is not the authorized minter", chain.ErrAuthorizationDenied, msg.From)
	}
	var req MintRequest
	if err := chain.DecodeBody(msg, &req); err != nil {
		return err
	}
	recipient, err := chain.ParseAddress(req.Recipient)
	if err != nil {
		return fmt.Errorf("%w: %v", chain.ErrPreconditionFailed, err)
	}
	if recipient.IsZero() {
		return fmt.Errorf("%w: empty recipient", chain.ErrPreconditionFailed)
	}
	if req.Round > 0 {
		if id, ok := c.mints[mintKey{msg.From, req.Round}]; ok {
			logger.Infof("registry: round %d already minted as item %d", req.Round, id)
			return nil
		}
	}

	tmpl := c.pickTemplate(tx, req.Reference)
	item := models.Item{
		ItemID:     c.nextItemID,
		Owner:      recipient,
		TemplateID: tmpl.TemplateID,
		Minter:     msg.From,
		Round:      req.Round,
		Reference:  req.Reference,
		MintedAt:   tx.Now.Unix(),
	}
	c.nextItemID++
	c.totalSupply++
	c.balances[recipient]++
	c.store(item)

	return tx.Send(recipient, 0, false, OpNotify, &Notification{
		ItemID:     item.ItemID,
		TemplateID: item.TemplateID,
		Round:      item.Round,
	})
}

// pickTemplate maps the draw reference onto the catalog odds. Without a
// reference the tier roll comes from transaction entropy.
func (c *Contract) pickTemplate(tx *chain.Tx, reference uint64) models.ItemTemplate {
	if reference == 0 {
		return c.catalog.Roll(uint64(tx.Entropy(saltTemplate).Intn(100)))
	}
	return c.catalog.Roll(reference % 100)
}

func (c *Contract) store(item models.Item) {
	c.items[item.ItemID] = item
	if item.Round > 0 {
		c.mints[mintKey{item.Minter, item.Round}] = item.ItemID
	}
}

func (c *Contract) Owner() chain.Address {
	return c.owner
}

// Info returns the registry snapshot.
func (c *Contract) Info() models.RegistryInfo {
	info := models.RegistryInfo{
		Owner:       c.owner,
		NextItemID:  c.nextItemID,
		TotalSupply: c.totalSupply,
	}
	if c.minter != nil {
		m := *c.minter
		info.AuthorizedMinter = &m
	}
	return info
}

// BalanceOf returns the number of items held by owner.
func (c *Contract) BalanceOf(owner chain.Address) uint64 {
	return c.balances[owner]
}

func (c *Contract) Template(id uint64) (models.ItemTemplate, bool) {
	return c.catalog.Template(id)
}

func (c *Contract) Templates() []models.ItemTemplate {
	return c.catalog.Templates()
}

func (c *Contract) Item(id uint64) (models.Item, bool) {
	item, ok := c.items[id]
	return item, ok
}

// Items returns every minted item ordered by id.
func (c *Contract) Items() []models.Item {
	items := make([]models.Item, 0, len(c.items))
	for _, it := range c.items {
		items = append(items, it)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ItemID < items[j].ItemID })
	return items
}

// MintByRound returns the item minted for minter's draw in round.
func (c *Contract) MintByRound(minter chain.Address, round uint64) (models.Item, bool) {
	id, ok := c.mints[mintKey{minter, round}]
	if !ok {
		return models.Item{}, false
	}
	return c.items[id], true
}
