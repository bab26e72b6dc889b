package types

import (
	"time"

	"github.com/shopspring/decimal"
)

type BatchRecipient struct {
	Address string      `json:"address"`
	Amount  string      `json:"amount"`
	Token   TokenSymbol `json:"token"`
	Memo    string      `json:"memo,omitempty"`
}

// BatchValidationError lists every problem with one recipient. Warnings
// never block submission.
type BatchValidationError struct {
	Index    int      `json:"index"`
	Address  string   `json:"address"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

func (e BatchValidationError) Critical() bool {
	return len(e.Errors) > 0
}

type BatchStatusKind string

const (
	BatchPending    BatchStatusKind = "pending"
	BatchProcessing BatchStatusKind = "processing"
	BatchCompleted  BatchStatusKind = "completed"
	BatchPartial    BatchStatusKind = "partial"
	BatchFailed     BatchStatusKind = "failed"
)

func (s BatchStatusKind) Final() bool {
	switch s {
	case BatchCompleted, BatchPartial, BatchFailed:
		return true
	}
	return false
}

type BatchItemStatusKind string

const (
	ItemPending    BatchItemStatusKind = "pending"
	ItemProcessing BatchItemStatusKind = "processing"
	ItemCompleted  BatchItemStatusKind = "completed"
	ItemFailed     BatchItemStatusKind = "failed"
)

type BatchItemStatus struct {
	Index   int                 `json:"index"`
	Address string              `json:"address"`
	Amount  string              `json:"amount"`
	Token   TokenSymbol         `json:"token"`
	Memo    string              `json:"memo,omitempty"`
	Status  BatchItemStatusKind `json:"status"`
	TxHash  string              `json:"tx_hash,omitempty"`
	Error   string              `json:"error,omitempty"`
}

type BatchStatus struct {
	BatchID    string            `json:"batch_id"`
	Status     BatchStatusKind   `json:"status"`
	Chain      ChainID           `json:"chain,omitempty"`
	TotalItems int               `json:"total_items"`
	Completed  int               `json:"completed"`
	Failed     int               `json:"failed"`
	Pending    int               `json:"pending"`
	Items      []BatchItemStatus `json:"items"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// Recount derives the aggregate counters and status from the items.
func (s *BatchStatus) Recount() {
	s.TotalItems = len(s.Items)
	s.Completed, s.Failed, s.Pending = 0, 0, 0
	for _, it := range s.Items {
		switch it.Status {
		case ItemCompleted:
			s.Completed++
		case ItemFailed:
			s.Failed++
		default:
			s.Pending++
		}
	}
	switch {
	case s.Pending > 0:
		if s.Status != BatchPending {
			s.Status = BatchProcessing
		}
	case s.Failed == 0:
		s.Status = BatchCompleted
	case s.Completed == 0:
		s.Status = BatchFailed
	default:
		s.Status = BatchPartial
	}
}

// Progress is the share of finished items in percent.
func (s BatchStatus) Progress() float64 {
	if s.TotalItems == 0 {
		return 0
	}
	return float64(s.Completed+s.Failed) / float64(s.TotalItems) * 100
}

type BatchSubmitResult struct {
	BatchID      string                 `json:"batch_id"`
	Status       BatchStatusKind        `json:"status"`
	ValidCount   int                    `json:"valid_count"`
	InvalidCount int                    `json:"invalid_count"`
	TotalAmount  string                 `json:"total_amount"`
	Errors       []BatchValidationError `json:"errors,omitempty"`
}

type BatchTotals struct {
	ByToken   map[TokenSymbol]decimal.Decimal `json:"by_token"`
	TotalUSD  decimal.Decimal                 `json:"total_usd"`
	ItemCount int                             `json:"item_count"`
}
