package chain

import "errors"

// Error kinds. Contracts wrap one of these so callers can classify a
// rejection with errors.Is regardless of the detail text.
var (
	// ErrAuthorizationDenied is returned when the sender is not allowed to
	// perform an owner- or minter-gated operation.
	ErrAuthorizationDenied = errors.New("authorization denied")
	// ErrPreconditionFailed covers wrong round state, insufficient fee,
	// duplicate participants, exhausted capacity and empty rounds.
	ErrPreconditionFailed = errors.New("precondition failed")
	// ErrConfigurationMissing is returned when a cross-contract link
	// (registry address, authorized minter) has not been configured.
	ErrConfigurationMissing = errors.New("configuration missing")

	ErrNotFound          = errors.New("not found")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidSignature  = errors.New("invalid signature")
	ErrBadSeqno          = errors.New("unexpected seqno")
	ErrUnknownOp         = errors.New("unknown op")
	ErrHopLimit          = errors.New("hop limit reached")
	ErrInvalidBody       = errors.New("invalid message body")
)
