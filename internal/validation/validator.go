package validation

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	"github.com/protocol-bank/payroll/types"
)

const (
	MaxMemoLength      = 256
	MinExpiryHours     = 1
	MaxExpiryHours     = 168
	DefaultExpiryHours = 24
)

// MaxAmount is the absolute ceiling for a single transfer.
var MaxAmount = decimal.NewFromInt(1_000_000_000)

const (
	MsgAddressRequired   = "Address is required"
	MsgAddressHomoglyph  = "Address contains suspicious characters (possible homoglyph attack)"
	MsgAddressInvalid    = "Invalid address format"
	MsgAmountRequired    = "Amount is required"
	MsgAmountInvalid     = "Invalid amount (must be positive, max 1 billion)"
	MsgTokenRequired     = "Token is required"
	MsgMemoTooLong       = "Memo exceeds maximum length of 256 characters"
	MsgExpiryOutOfRange  = "Expiry must be between 1 and 168 hours"
	MsgTokenNotOnChain   = "Token is not available on the selected chain"
	MsgUnsupportedChain  = "Unsupported chain"
	msgUnsupportedTokenF = "Unsupported token: %s"
)

// Validator checks payment inputs against a token registry.
type Validator struct {
	registry *types.Registry
}

func NewValidator(registry *types.Registry) *Validator {
	if registry == nil {
		registry = types.DefaultRegistry()
	}
	return &Validator{registry: registry}
}

func (v *Validator) Registry() *types.Registry {
	return v.registry
}

// Address validates a recipient address for chain. Homoglyphs are reported
// before format so a spoofed address is never described as merely malformed.
func (v *Validator) Address(addr string, chain types.ChainID) *types.ValidationError {
	addr = strings.TrimSpace(addr)
	switch {
	case addr == "":
		return types.NewValidationError("address", MsgAddressRequired)
	case HasHomoglyphs(addr):
		return types.NewValidationError("address", MsgAddressHomoglyph)
	case !IsValidAddress(addr, chain):
		return types.NewValidationError("address", MsgAddressInvalid)
	}
	return nil
}

// Amount parses and bounds-checks a positive decimal amount.
func (v *Validator) Amount(amount string) (decimal.Decimal, *types.ValidationError) {
	amount = strings.TrimSpace(amount)
	if amount == "" {
		return decimal.Zero, types.NewValidationError("amount", MsgAmountRequired)
	}
	d, err := decimal.NewFromString(amount)
	if err != nil || !d.IsPositive() || d.GreaterThan(MaxAmount) {
		return decimal.Zero, types.NewValidationError("amount", MsgAmountInvalid)
	}
	return d, nil
}

func (v *Validator) Token(token types.TokenSymbol) *types.ValidationError {
	token = token.Normalize()
	if token == "" {
		return types.NewValidationError("token", MsgTokenRequired)
	}
	if !v.registry.IsSupportedToken(token) {
		return types.NewValidationError("token", fmt.Sprintf(msgUnsupportedTokenF, token))
	}
	return nil
}

// TokenOnChain checks token support and availability on chain.
func (v *Validator) TokenOnChain(token types.TokenSymbol, chain types.ChainID) *types.ValidationError {
	if err := v.Token(token); err != nil {
		return err
	}
	if !v.registry.IsSupportedChain(chain) {
		return types.NewValidationError("chain", MsgUnsupportedChain)
	}
	if !v.registry.IsTokenOnChain(token, chain) {
		return types.NewValidationError("token", MsgTokenNotOnChain)
	}
	return nil
}

func (v *Validator) Memo(memo string) *types.ValidationError {
	if utf8.RuneCountInString(memo) > MaxMemoLength {
		return types.NewValidationError("memo", MsgMemoTooLong)
	}
	return nil
}

func (v *Validator) ExpiryHours(hours int) *types.ValidationError {
	if hours < MinExpiryHours || hours > MaxExpiryHours {
		return types.NewValidationError("expiry_hours", MsgExpiryOutOfRange)
	}
	return nil
}
