package batch

import (
	"fmt"
	"sort"

	"github.com/protocol-bank/payroll/internal/validation"
	"github.com/protocol-bank/payroll/types"
)

const MaxBatchSize = 500

// Validator checks every recipient of a batch and collects all problems.
type Validator struct {
	validator *validation.Validator
	maxSize   int
}

func NewValidator(v *validation.Validator, maxSize int) *Validator {
	if v == nil {
		v = validation.NewValidator(nil)
	}
	if maxSize <= 0 {
		maxSize = MaxBatchSize
	}
	return &Validator{validator: v, maxSize: maxSize}
}

// Validate returns one entry per recipient with problems, ordered by index.
// Empty and oversized batches fail as a whole.
func (v *Validator) Validate(recipients []types.BatchRecipient, chain types.ChainID) ([]types.BatchValidationError, error) {
	if len(recipients) == 0 {
		return nil, types.ErrBatchEmpty
	}
	if len(recipients) > v.maxSize {
		return nil, fmt.Errorf("%w: %d recipients, max %d", types.ErrBatchTooLarge, len(recipients), v.maxSize)
	}

	byIndex := make(map[int]*types.BatchValidationError)
	entry := func(i int) *types.BatchValidationError {
		e, ok := byIndex[i]
		if !ok {
			e = &types.BatchValidationError{Index: i, Address: recipients[i].Address}
			byIndex[i] = e
		}
		return e
	}

	seen := make(map[string][]int)
	for i, r := range recipients {
		var errs []string
		if err := v.validator.Address(r.Address, chain); err != nil {
			errs = append(errs, err.Message)
		}
		if _, err := v.validator.Amount(r.Amount); err != nil {
			errs = append(errs, err.Message)
		}
		if err := v.validator.Token(r.Token); err != nil {
			errs = append(errs, err.Message)
		}
		if err := v.validator.Memo(r.Memo); err != nil {
			errs = append(errs, err.Message)
		}
		if len(errs) > 0 {
			entry(i).Errors = errs
		}
		if r.Address != "" {
			key := validation.NormalizeAddress(r.Address)
			seen[key] = append(seen[key], i)
		}
	}

	for _, indices := range seen {
		if len(indices) < 2 {
			continue
		}
		msg := fmt.Sprintf("Duplicate address (appears %d times)", len(indices))
		for _, i := range indices {
			e := entry(i)
			e.Warnings = append(e.Warnings, msg)
		}
	}

	out := make([]types.BatchValidationError, 0, len(byIndex))
	for _, e := range byIndex {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

// Critical drops entries that only carry warnings.
func Critical(errs []types.BatchValidationError) []types.BatchValidationError {
	var out []types.BatchValidationError
	for _, e := range errs {
		if e.Critical() {
			out = append(out, e)
		}
	}
	return out
}
