package split

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/protocol-bank/payroll/internal/validation"
	"github.com/protocol-bank/payroll/types"
)

// Strictness controls how fixed allocations are compared to the total.
type Strictness string

const (
	// AllowUnder accepts fixed allocations summing below the total; the
	// remainder stays with the payer.
	AllowUnder Strictness = "allow_under"
	// StrictEqual requires fixed allocations to sum to the total exactly.
	StrictEqual Strictness = "strict_equal"
)

var (
	hundred = decimal.NewFromInt(100)
	// PercentageTolerance is the accepted drift of a percentage sum from 100.
	PercentageTolerance = decimal.RequireFromString("0.01")
)

type Allocation struct {
	Address string          `json:"address"`
	Name    string          `json:"name,omitempty"`
	Amount  decimal.Decimal `json:"calculated_amount"`
}

type Validation struct {
	IsValid bool     `json:"is_valid"`
	Errors  []string `json:"errors"`
}

type Result struct {
	Recipients []Allocation `json:"recipients"`
	Validation Validation   `json:"validation"`
}

func (r Result) Total() decimal.Decimal {
	sum := decimal.Zero
	for _, a := range r.Recipients {
		sum = sum.Add(a.Amount)
	}
	return sum
}

type Allocator struct {
	registry   *types.Registry
	strictness Strictness
}

func NewAllocator(registry *types.Registry, strictness Strictness) *Allocator {
	if registry == nil {
		registry = types.DefaultRegistry()
	}
	if strictness == "" {
		strictness = AllowUnder
	}
	return &Allocator{registry: registry, strictness: strictness}
}

// Calculate splits rule.TotalAmount across the rule's recipients. Every
// defect is collected; amounts are only computed for a valid rule.
func (a *Allocator) Calculate(rule types.SplitRule) Result {
	errs := a.validate(rule)
	if len(errs) > 0 {
		return Result{Validation: Validation{IsValid: false, Errors: errs}}
	}

	var allocations []Allocation
	switch rule.Method {
	case types.AllocationPercentage:
		allocations, errs = a.percentage(rule)
		if len(errs) > 0 {
			return Result{Validation: Validation{IsValid: false, Errors: errs}}
		}
	default:
		allocations = fixed(rule)
	}
	return Result{
		Recipients: allocations,
		Validation: Validation{IsValid: true, Errors: []string{}},
	}
}

func (a *Allocator) validate(rule types.SplitRule) []string {
	var errs []string

	if !rule.TotalAmount.IsPositive() {
		errs = append(errs, "Total amount must be positive")
	}
	if len(rule.Recipients) == 0 {
		errs = append(errs, "At least one recipient is required")
		return errs
	}
	if rule.Method != types.AllocationPercentage && rule.Method != types.AllocationFixed {
		errs = append(errs, fmt.Sprintf("Unknown allocation method: %s", rule.Method))
		return errs
	}

	sum := decimal.Zero
	for i, r := range rule.Recipients {
		if !validation.IsValidAddress(r.Address, rule.ChainID) || validation.HasHomoglyphs(r.Address) {
			errs = append(errs, fmt.Sprintf("Recipient %d: invalid address %q", i+1, r.Address))
		}
		if !r.Allocation.IsPositive() {
			errs = append(errs, fmt.Sprintf("Recipient %d: allocation must be positive", i+1))
		}
		if rule.Method == types.AllocationPercentage && r.Allocation.GreaterThan(hundred) {
			errs = append(errs, fmt.Sprintf("Recipient %d: percentage cannot exceed 100", i+1))
		}
		sum = sum.Add(r.Allocation)
	}

	switch rule.Method {
	case types.AllocationPercentage:
		if sum.Sub(hundred).Abs().GreaterThan(PercentageTolerance) {
			errs = append(errs, fmt.Sprintf("Percentages must sum to 100 (got %s)", sum.String()))
		}
	case types.AllocationFixed:
		if sum.GreaterThan(rule.TotalAmount) {
			errs = append(errs, fmt.Sprintf("Fixed amounts (%s) exceed total amount (%s)", sum.String(), rule.TotalAmount.String()))
		} else if a.strictness == StrictEqual && !sum.Equal(rule.TotalAmount) {
			errs = append(errs, fmt.Sprintf("Fixed amounts (%s) must equal total amount (%s)", sum.String(), rule.TotalAmount.String()))
		}
	}
	return errs
}

// percentage rounds each share down to the token precision and settles the
// residual on the largest share (first on ties) so the shares sum to the
// total exactly. The residual is negative when percentages overshoot 100
// within PercentageTolerance. Any share left at or below zero is an error.
func (a *Allocator) percentage(rule types.SplitRule) ([]Allocation, []string) {
	decimals := a.registry.Decimals(rule.Token)
	out := make([]Allocation, len(rule.Recipients))
	sum := decimal.Zero
	largest := 0
	for i, r := range rule.Recipients {
		amount := rule.TotalAmount.Mul(r.Allocation).Div(hundred).RoundDown(decimals)
		out[i] = Allocation{Address: r.Address, Name: r.Name, Amount: amount}
		sum = sum.Add(amount)
		if amount.GreaterThan(out[largest].Amount) {
			largest = i
		}
	}
	out[largest].Amount = out[largest].Amount.Add(rule.TotalAmount.Sub(sum))

	var errs []string
	for i, al := range out {
		if !al.Amount.IsPositive() {
			errs = append(errs, fmt.Sprintf("Recipient %d: share of %s %s rounds to %s", i+1, rule.TotalAmount.String(), rule.Token, al.Amount.String()))
		}
	}
	return out, errs
}

func fixed(rule types.SplitRule) []Allocation {
	out := make([]Allocation, len(rule.Recipients))
	for i, r := range rule.Recipients {
		out[i] = Allocation{Address: r.Address, Name: r.Name, Amount: r.Allocation}
	}
	return out
}
