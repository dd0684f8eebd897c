package ledger

import (
	"regexp"

	"github.com/shopspring/decimal"
)

var (
	contractIDPattern = regexp.MustCompile(`Contract ID:\s*([A-Z0-9]+)`)
	addressPattern    = regexp.MustCompile(`[A-Z0-9]{56}`)
	integerPattern    = regexp.MustCompile(`\d+`)
	txHashPattern     = regexp.MustCompile(`\b[0-9a-f]{64}\b`)
)

// ParseContractAddress extracts a deployed contract address from CLI output.
func ParseContractAddress(out string) (string, bool) {
	if m := contractIDPattern.FindStringSubmatch(out); m != nil {
		return m[1], true
	}
	if m := addressPattern.FindString(out); m != "" {
		return m, true
	}
	return "", false
}

// ParseLastInteger returns the last integer literal in out.
func ParseLastInteger(out string) (decimal.Decimal, bool) {
	matches := integerPattern.FindAllString(out, -1)
	if len(matches) == 0 {
		return decimal.Zero, false
	}
	value, err := decimal.NewFromString(matches[len(matches)-1])
	if err != nil {
		return decimal.Zero, false
	}
	return value, true
}

// ParseTxHash returns the first 64-hex token in out, or "".
func ParseTxHash(out string) string {
	return txHashPattern.FindString(out)
}
