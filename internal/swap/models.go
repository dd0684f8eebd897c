package swap

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Request is a buyer's order for an asset, paid in the reference currency.
// BuyerPaymentHash is only meaningful on completion and is recorded as
// supplied.
type Request struct {
	AssetID          uuid.UUID       `json:"-"`
	Amount           decimal.Decimal `json:"amount"`
	BuyerAddress     string          `json:"buyer_address" binding:"required"`
	BuyerPaymentHash string          `json:"buyer_payment_hash,omitempty"`
}

// Quote is the derived trade. It depends only on the asset and the request,
// so both phases derive the same numbers.
type Quote struct {
	AssetID         uuid.UUID       `json:"asset_id"`
	AssetCode       string          `json:"asset_code"`
	Amount          decimal.Decimal `json:"amount"`
	AmountStroops   decimal.Decimal `json:"amount_stroops"`
	TokensPurchased decimal.Decimal `json:"tokens_purchased"`
	TokensStroops   decimal.Decimal `json:"tokens_stroops"`
	BuyerAddress    string          `json:"buyer_address"`
	SellerAddress   string          `json:"seller_address"`
	OperatorAddress string          `json:"operator_address"`
	TokenContract   string          `json:"token_contract"`
}

// MarshalJSON renders the amounts as JSON numbers.
func (q Quote) MarshalJSON() ([]byte, error) {
	type plain Quote
	return json.Marshal(struct {
		plain
		Amount          json.Number `json:"amount"`
		AmountStroops   json.Number `json:"amount_stroops"`
		TokensPurchased json.Number `json:"tokens_purchased"`
		TokensStroops   json.Number `json:"tokens_stroops"`
	}{
		plain:           plain(q),
		Amount:          number(q.Amount),
		AmountStroops:   number(q.AmountStroops),
		TokensPurchased: number(q.TokensPurchased),
		TokensStroops:   number(q.TokensStroops),
	})
}

func number(d decimal.Decimal) json.Number {
	return json.Number(d.String())
}

// Preparation is returned by phase one: an unsigned buyer payment for the
// client to sign and submit.
type Preparation struct {
	Quote           Quote    `json:"swap_details"`
	BuyerPaymentXDR string   `json:"buyer_payment_xdr"`
	NextSteps       []string `json:"next_steps"`
}

// Completion is returned by phase two.
type Completion struct {
	Quote             Quote      `json:"swap_details"`
	SettlementMode    string     `json:"settlement_mode"`
	TokenTxHash       string     `json:"token_tx_hash,omitempty"`
	SellerPaymentHash string     `json:"transaction_hash"`
	PurchaseID        *uuid.UUID `json:"purchase_id,omitempty"`
	Warnings          []string   `json:"warnings,omitempty"`
}
