package lottery

import (
	"fmt"
	"strings"
)

// Policy decides how drawWinner behaves when no registry address is set.
type Policy int

const (
	// PolicyReject rejects the draw so no winner is recorded without a mint
	// request.
	PolicyReject Policy = iota
	// PolicyLocal records the winner and resets the round, dropping the mint
	// request.
	PolicyLocal
)

func (p Policy) String() string {
	switch p {
	case PolicyReject:
		return "reject"
	case PolicyLocal:
		return "local"
	default:
		return "unknown"
	}
}

// ParsePolicy parses "reject" or "local".
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "reject":
		return PolicyReject, nil
	case "local":
		return PolicyLocal, nil
	default:
		return PolicyReject, fmt.Errorf("unknown draw policy %q", s)
	}
}
