package models

import "github.com/chaowei-dev/ton-cat-lottery/internal/chain"

// ItemTemplate is one immutable catalog entry describing a collectible.
type ItemTemplate struct {
	TemplateID  uint64            `json:"templateId" toml:"id"`
	Name        string            `json:"name" toml:"name"`
	Rarity      string            `json:"rarity" toml:"rarity"`
	Odds        uint64            `json:"odds" toml:"odds"`
	Description string            `json:"description" toml:"description"`
	Attributes  map[string]string `json:"attributes" toml:"attributes"`
	Image       string            `json:"image" toml:"image"`
}

// Item is a minted collectible.
type Item struct {
	ItemID     uint64        `json:"itemId"`
	Owner      chain.Address `json:"owner"`
	TemplateID uint64        `json:"templateId"`
	Minter     chain.Address `json:"minter"`
	// Round and Reference are zero for mints not requested by a lottery draw.
	Round     uint64 `json:"round"`
	Reference uint64 `json:"reference"`
	MintedAt  int64  `json:"mintedAt"`
}

// RegistryInfo is a snapshot of the registry contract.
type RegistryInfo struct {
	Owner            chain.Address  `json:"owner"`
	AuthorizedMinter *chain.Address `json:"authorizedMinter"`
	NextItemID       uint64         `json:"nextItemId"`
	TotalSupply      uint64         `json:"totalSupply"`
}

// Unreconciled is a winner whose item was never observed in the registry.
type Unreconciled struct {
	Winner WinnerRecord `json:"winner"`
	Reason string       `json:"reason"`
}
