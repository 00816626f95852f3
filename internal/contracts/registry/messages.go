package registry

// SetMinterBody is the payload of setAuthorizedMinter.
type SetMinterBody struct {
	Minter string
}

// MintRequest is the payload of mintTo. It shares its encoding with the
// request a lottery sends after a draw.
type MintRequest struct {
	Recipient string
	Round     uint64
	Reference uint64
}

// Notification is sent to the recipient of a newly minted item.
type Notification struct {
	ItemID     uint64
	TemplateID uint64
	Round      uint64
}
