package ledger

import "github.com/shopspring/decimal"

// Decimals is the fixed-point scale of both native XLM and the issued tokens.
const Decimals = 7

// ToStroops converts a display amount into smallest units, truncating any
// precision beyond Decimals.
func ToStroops(amount decimal.Decimal) decimal.Decimal {
	return amount.Shift(Decimals).Truncate(0)
}

// Representable reports whether amount has no precision beyond Decimals.
func Representable(amount decimal.Decimal) bool {
	return amount.Equal(amount.Truncate(Decimals))
}

// FromStroops converts smallest units back into a display amount.
func FromStroops(stroops decimal.Decimal) decimal.Decimal {
	return stroops.Shift(-Decimals)
}
