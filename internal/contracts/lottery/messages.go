package lottery

// SetRegistryBody is the payload of setRegistryAddress.
type SetRegistryBody struct {
	Registry string
}

// RetryMintBody is the payload of retryMint.
type RetryMintBody struct {
	Round uint64
}

// MintRequest is the payload of the mint request sent to the registry.
// Round keys the request so a registry can ignore repeats.
type MintRequest struct {
	Recipient string
	Round     uint64
	Reference uint64
}
