package chain

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tonkeeper/tongo/tlb"
)

// NanoPerTON is the number of smallest units in one TON.
const NanoPerTON = 1_000_000_000

// ParseTON converts a decimal TON amount such as "0.01" into nano units.
func ParseTON(s string) (tlb.Grams, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty amount")
	}
	whole, frac, _ := strings.Cut(s, ".")
	if len(frac) > 9 {
		return 0, fmt.Errorf("amount %q has more than 9 decimals", s)
	}
	if whole == "" {
		whole = "0"
	}
	w, err := strconv.ParseUint(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", s, err)
	}
	var f uint64
	if frac != "" {
		f, err = strconv.ParseUint(frac+strings.Repeat("0", 9-len(frac)), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse amount %q: %w", s, err)
		}
	}
	if w > (^uint64(0)-f)/NanoPerTON {
		return 0, fmt.Errorf("amount %q overflows", s)
	}
	return tlb.Grams(w*NanoPerTON + f), nil
}

// MustParseTON is ParseTON for constants and tests.
func MustParseTON(s string) tlb.Grams {
	g, err := ParseTON(s)
	if err != nil {
		panic(err)
	}
	return g
}

// FormatTON renders nano units as a decimal TON string without trailing zeros.
func FormatTON(g tlb.Grams) string {
	v := uint64(g)
	whole := v / NanoPerTON
	frac := v % NanoPerTON
	if frac == 0 {
		return strconv.FormatUint(whole, 10)
	}
	fs := strings.TrimRight(fmt.Sprintf("%09d", frac), "0")
	return strconv.FormatUint(whole, 10) + "." + fs
}
