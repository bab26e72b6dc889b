package types

import "github.com/shopspring/decimal"

type TransferRecipient struct {
	Address string          `json:"address"`
	Amount  decimal.Decimal `json:"amount"`
	Token   TokenSymbol     `json:"token"`
	Memo    string          `json:"memo,omitempty"`
}

// TransferRequest asks the payout engine to settle one batch of transfers.
// Reference is an idempotency key: an execution id or batch id.
type TransferRequest struct {
	Reference  string              `json:"reference"`
	Chain      ChainID             `json:"chain"`
	Recipients []TransferRecipient `json:"recipients"`
}

type TransferResult struct {
	Success      bool              `json:"success"`
	TxHash       string            `json:"tx_hash,omitempty"`
	ErrorMessage string            `json:"error_message,omitempty"`
	Results      []RecipientResult `json:"results"`
}
