package types

import "time"

// PaymentLinkParams are the merchant-supplied fields of a payment link.
type PaymentLinkParams struct {
	To          string        `json:"to" validate:"required"`
	Amount      string        `json:"amount" validate:"required"`
	Token       TokenSymbol   `json:"token,omitempty"`
	Chain       ChainID       `json:"chain,omitempty"`
	ExpiryHours int           `json:"expiry_hours,omitempty" validate:"omitempty,min=1,max=168"`
	Memo        string        `json:"memo,omitempty" validate:"max=256"`
	MerchantID  string        `json:"merchant_id,omitempty"`
	OrderID     string        `json:"order_id,omitempty"`
	CallbackURL string        `json:"callback_url,omitempty" validate:"omitempty,url"`
	Chains      []ChainID     `json:"chains,omitempty"`
	Tokens      []TokenSymbol `json:"tokens,omitempty"`
}

type PaymentLink struct {
	URL       string            `json:"url"`
	ShortURL  string            `json:"short_url"`
	PaymentID string            `json:"payment_id"`
	Params    PaymentLinkParams `json:"params"`
	Signature string            `json:"signature"`
	ExpiresAt time.Time         `json:"expires_at"`
	CreatedAt time.Time         `json:"created_at"`
}

type HomoglyphDetail struct {
	Position          int    `json:"position"`
	Character         string `json:"character"`
	UnicodePoint      string `json:"unicode_point"`
	ExpectedCharacter string `json:"expected_character,omitempty"`
}

type LinkVerificationResult struct {
	Valid             bool               `json:"valid"`
	Expired           bool               `json:"expired"`
	TamperedFields    []string           `json:"tampered_fields"`
	HomoglyphDetected bool               `json:"homoglyph_detected"`
	HomoglyphDetails  []HomoglyphDetail  `json:"homoglyph_details,omitempty"`
	Params            *PaymentLinkParams `json:"params,omitempty"`
	PaymentID         string             `json:"payment_id,omitempty"`
	Error             string             `json:"error,omitempty"`
}
