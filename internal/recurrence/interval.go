package recurrence

import (
	"time"

	"github.com/protocol-bank/payroll/types"
)

// Interval computes when a schedule fires next. Implementations must return
// an instant strictly after from.
type Interval interface {
	NextExecution(freq types.FrequencyConfig, from time.Time) (time.Time, error)
}
