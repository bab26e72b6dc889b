package batch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/protocol-bank/payroll/types"
)

const (
	DefaultPollInterval    = 5 * time.Second
	DefaultDispatchTimeout = 5 * time.Minute

	batchIDPrefix = "batch_"
)

type TransferExecutor interface {
	Execute(ctx context.Context, req types.TransferRequest) (types.TransferResult, error)
}

// StatusSource reports a batch's state as seen by the payout engine.
type StatusSource interface {
	BatchStatus(ctx context.Context, batchID string) (*types.BatchStatus, error)
}

type Store interface {
	SaveBatch(ctx context.Context, status types.BatchStatus) error
	GetBatch(ctx context.Context, batchID string) (*types.BatchStatus, error)
}

type Notifier interface {
	Notify(ctx context.Context, event types.Event)
}

type Metrics interface {
	RecordBatchSubmitted(status types.BatchStatusKind, items int)
	RecordBatchFinished(status types.BatchStatusKind, completed, failed int)
}

type Options struct {
	Chain types.ChainID `json:"chain,omitempty"`
}

type poller struct {
	cancel context.CancelFunc
}

// Submitter dispatches validated batches and tracks their items.
type Submitter struct {
	validator       *Validator
	executor        TransferExecutor
	source          StatusSource
	store           Store
	notifier        Notifier
	metrics         Metrics
	registry        *types.Registry
	dispatchTimeout time.Duration
	logger          *logrus.Entry
	now             func() time.Time

	mu       sync.Mutex
	polls    map[string]*poller
	inflight map[string]bool
	wg       sync.WaitGroup
}

// NewSubmitter wires a submitter. source, notifier and metrics may be nil.
func NewSubmitter(
	validator *Validator,
	executor TransferExecutor,
	source StatusSource,
	store Store,
	notifier Notifier,
	metrics Metrics,
	registry *types.Registry,
	logger *logrus.Logger,
) *Submitter {
	if notifier == nil {
		notifier = nilNotifier{}
	}
	if metrics == nil {
		metrics = nilMetrics{}
	}
	if registry == nil {
		registry = types.DefaultRegistry()
	}
	return &Submitter{
		validator:       validator,
		executor:        executor,
		source:          source,
		store:           store,
		notifier:        notifier,
		metrics:         metrics,
		registry:        registry,
		dispatchTimeout: DefaultDispatchTimeout,
		logger:          logger.WithField("pkg", "batch.Submitter"),
		now:             time.Now,
		polls:           make(map[string]*poller),
		inflight:        make(map[string]bool),
	}
}

func (s *Submitter) Validate(recipients []types.BatchRecipient, chain types.ChainID) ([]types.BatchValidationError, error) {
	return s.validator.Validate(recipients, chain)
}

// Submit validates recipients and dispatches them in the background.
// Critical validation errors fail the batch without any transfer.
func (s *Submitter) Submit(ctx context.Context, recipients []types.BatchRecipient, opts Options) (*types.BatchSubmitResult, error) {
	verrs, err := s.validator.Validate(recipients, opts.Chain)
	if err != nil {
		return nil, err
	}
	if critical := Critical(verrs); len(critical) > 0 {
		s.metrics.RecordBatchSubmitted(types.BatchFailed, len(recipients))
		return &types.BatchSubmitResult{
			Status:       types.BatchFailed,
			ValidCount:   len(recipients) - len(critical),
			InvalidCount: len(critical),
			TotalAmount:  totalAmount(recipients).StringFixed(6),
			Errors:       critical,
		}, nil
	}

	now := s.now()
	status := types.BatchStatus{
		BatchID:   batchIDPrefix + strings.ReplaceAll(uuid.NewString(), "-", ""),
		Status:    types.BatchPending,
		Chain:     opts.Chain,
		Items:     make([]types.BatchItemStatus, len(recipients)),
		CreatedAt: now,
		UpdatedAt: now,
	}
	for i, r := range recipients {
		status.Items[i] = types.BatchItemStatus{
			Index:   i,
			Address: r.Address,
			Amount:  strings.TrimSpace(r.Amount),
			Token:   r.Token.Normalize(),
			Memo:    r.Memo,
			Status:  types.ItemPending,
		}
	}
	status.Recount()

	if err := s.store.SaveBatch(ctx, status); err != nil {
		return nil, fmt.Errorf("failed to save batch: %w", err)
	}

	indices := make([]int, len(recipients))
	for i := range indices {
		indices[i] = i
	}
	s.startDispatch(ctx, status.BatchID, indices, status.BatchID)

	s.logger.WithFields(logrus.Fields{
		"batch_id": status.BatchID,
		"items":    len(recipients),
		"chain":    opts.Chain,
	}).Info("batch submitted")
	s.metrics.RecordBatchSubmitted(types.BatchProcessing, len(recipients))
	s.notifier.Notify(ctx, types.Event{
		Type: types.EventBatchSubmitted,
		Data: map[string]any{"batch_id": status.BatchID, "items": len(recipients)},
	})

	return &types.BatchSubmitResult{
		BatchID:     status.BatchID,
		Status:      types.BatchProcessing,
		ValidCount:  len(recipients),
		TotalAmount: totalAmount(recipients).StringFixed(6),
		Errors:      verrs,
	}, nil
}

// GetStatus prefers the payout engine's view and falls back to the last
// local snapshot when it is unavailable.
func (s *Submitter) GetStatus(ctx context.Context, batchID string) (*types.BatchStatus, error) {
	local, localErr := s.store.GetBatch(ctx, batchID)
	if localErr != nil && !errors.Is(localErr, types.ErrBatchNotFound) {
		s.logger.WithError(localErr).WithField("batch_id", batchID).Warn("failed to read local batch snapshot")
	}

	if s.source != nil && !s.isInflight(batchID) {
		remote, err := s.source.BatchStatus(ctx, batchID)
		if err == nil {
			remote.BatchID = batchID
			remote.Recount()
			remote.UpdatedAt = s.now()
			if local != nil {
				remote.CreatedAt = local.CreatedAt
				remote.Chain = local.Chain
			}
			if err := s.store.SaveBatch(ctx, *remote); err != nil {
				s.logger.WithError(err).WithField("batch_id", batchID).Warn("failed to refresh local batch snapshot")
			}
			return remote, nil
		}
		s.logger.WithError(err).WithField("batch_id", batchID).Debug("status source unavailable, serving local snapshot")
	}

	if local == nil {
		return nil, fmt.Errorf("%w: %s", types.ErrBatchNotFound, batchID)
	}
	return local, nil
}

// Retry resubmits failed items, optionally limited to indices.
func (s *Submitter) Retry(ctx context.Context, batchID string, indices []int) (*types.BatchSubmitResult, error) {
	status, err := s.GetStatus(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if status.Status == types.BatchProcessing || s.isInflight(batchID) {
		return nil, fmt.Errorf("%w: %s", types.ErrBatchProcessing, batchID)
	}

	var wanted map[int]bool
	if len(indices) > 0 {
		wanted = make(map[int]bool, len(indices))
		for _, i := range indices {
			wanted[i] = true
		}
	}

	var retry []int
	amount := decimal.Zero
	for i, item := range status.Items {
		if item.Status != types.ItemFailed || (wanted != nil && !wanted[item.Index]) {
			continue
		}
		retry = append(retry, i)
		if d, err := decimal.NewFromString(item.Amount); err == nil {
			amount = amount.Add(d)
		}
	}
	if len(retry) == 0 {
		return &types.BatchSubmitResult{
			BatchID:     batchID,
			Status:      status.Status,
			TotalAmount: amount.StringFixed(6),
		}, nil
	}

	for _, i := range retry {
		status.Items[i].Status = types.ItemPending
		status.Items[i].Error = ""
	}
	status.Status = types.BatchProcessing
	status.Recount()
	status.UpdatedAt = s.now()
	if err := s.store.SaveBatch(ctx, *status); err != nil {
		return nil, fmt.Errorf("failed to save batch: %w", err)
	}

	ref := fmt.Sprintf("%s:retry:%d", batchID, status.UpdatedAt.UnixMilli())
	s.startDispatch(ctx, batchID, retry, ref)

	s.logger.WithFields(logrus.Fields{
		"batch_id": batchID,
		"items":    len(retry),
	}).Info("batch retry submitted")

	return &types.BatchSubmitResult{
		BatchID:     batchID,
		Status:      types.BatchProcessing,
		ValidCount:  len(retry),
		TotalAmount: amount.StringFixed(6),
	}, nil
}

// Poll reports status changes to onUpdate every interval until the batch
// reaches a final state. A new poll for the same batch replaces the old one.
func (s *Submitter) Poll(ctx context.Context, batchID string, interval time.Duration, onUpdate func(types.BatchStatus)) (stop func()) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ctx, cancel := context.WithCancel(ctx)
	p := &poller{cancel: cancel}

	s.mu.Lock()
	if prev, ok := s.polls[batchID]; ok {
		prev.cancel()
	}
	s.polls[batchID] = p
	s.mu.Unlock()

	go s.poll(ctx, batchID, interval, onUpdate, p)

	return func() {
		cancel()
		s.removePoll(batchID, p)
	}
}

func (s *Submitter) StopPolling(batchID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.polls[batchID]; ok {
		p.cancel()
		delete(s.polls, batchID)
	}
}

func (s *Submitter) StopAllPolling() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, p := range s.polls {
		p.cancel()
		delete(s.polls, id)
	}
}

// Wait blocks until background dispatches finish.
func (s *Submitter) Wait() {
	s.wg.Wait()
}

// CalculateTotal sums amounts per token and estimates the stablecoin value.
func (s *Submitter) CalculateTotal(recipients []types.BatchRecipient) types.BatchTotals {
	totals := types.BatchTotals{
		ByToken:   make(map[types.TokenSymbol]decimal.Decimal),
		TotalUSD:  decimal.Zero,
		ItemCount: len(recipients),
	}
	for _, r := range recipients {
		d, err := decimal.NewFromString(strings.TrimSpace(r.Amount))
		if err != nil {
			continue
		}
		token := r.Token.Normalize()
		totals.ByToken[token] = totals.ByToken[token].Add(d)
		if s.registry.IsStablecoin(token) {
			totals.TotalUSD = totals.TotalUSD.Add(d)
		}
	}
	return totals
}

func (s *Submitter) poll(ctx context.Context, batchID string, interval time.Duration, onUpdate func(types.BatchStatus), p *poller) {
	defer s.removePoll(batchID, p)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last string
	for {
		status, err := s.GetStatus(ctx, batchID)
		if err != nil {
			s.logger.WithError(err).WithField("batch_id", batchID).Warn("poll: failed to get batch status")
		} else if ctx.Err() == nil {
			if fp := fingerprint(status); fp != last {
				last = fp
				onUpdate(*status)
			}
			if status.Status.Final() {
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Submitter) removePoll(batchID string, p *poller) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.polls[batchID]; ok && cur == p {
		delete(s.polls, batchID)
	}
}

func (s *Submitter) isInflight(batchID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight[batchID]
}

func (s *Submitter) startDispatch(ctx context.Context, batchID string, indices []int, reference string) {
	s.mu.Lock()
	s.inflight[batchID] = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.inflight, batchID)
			s.mu.Unlock()
		}()

		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.dispatchTimeout)
		defer cancel()
		s.dispatch(dctx, batchID, indices, reference)
	}()
}

func (s *Submitter) dispatch(ctx context.Context, batchID string, indices []int, reference string) {
	logger := s.logger.WithFields(logrus.Fields{"batch_id": batchID, "reference": reference})

	status, err := s.store.GetBatch(ctx, batchID)
	if err != nil {
		logger.WithError(err).Error("dispatch: failed to load batch")
		return
	}

	req := types.TransferRequest{Reference: reference, Chain: status.Chain}
	for _, i := range indices {
		item := &status.Items[i]
		item.Status = types.ItemProcessing
		amount, _ := decimal.NewFromString(item.Amount)
		req.Recipients = append(req.Recipients, types.TransferRecipient{
			Address: item.Address,
			Amount:  amount,
			Token:   item.Token,
			Memo:    item.Memo,
		})
	}
	status.Status = types.BatchProcessing
	status.Recount()
	status.UpdatedAt = s.now()
	if err := s.store.SaveBatch(ctx, *status); err != nil {
		logger.WithError(err).Warn("dispatch: failed to save processing state")
	}

	res, err := s.executor.Execute(ctx, req)
	for n, i := range indices {
		item := &status.Items[i]
		switch {
		case err != nil:
			item.Status = types.ItemFailed
			item.Error = err.Error()
		case n < len(res.Results) && res.Results[n].Success:
			item.Status = types.ItemCompleted
			item.TxHash = res.Results[n].TxHash
			if item.TxHash == "" {
				item.TxHash = res.TxHash
			}
			item.Error = ""
		case n < len(res.Results):
			item.Status = types.ItemFailed
			item.Error = res.Results[n].Error
		default:
			item.Status = types.ItemFailed
			item.Error = "no result reported for recipient"
			if res.ErrorMessage != "" {
				item.Error = res.ErrorMessage
			}
		}
	}
	status.Recount()
	status.UpdatedAt = s.now()

	if saveErr := s.store.SaveBatch(ctx, *status); saveErr != nil {
		logger.WithError(saveErr).Error("dispatch: failed to save batch result")
	}

	fields := logrus.Fields{
		"status":    status.Status,
		"completed": status.Completed,
		"failed":    status.Failed,
	}
	if err != nil {
		logger.WithError(err).WithFields(fields).Error("batch dispatch failed")
	} else {
		logger.WithFields(fields).Info("batch dispatch finished")
	}
	s.metrics.RecordBatchFinished(status.Status, status.Completed, status.Failed)

	event := types.EventBatchCompleted
	if status.Status == types.BatchFailed {
		event = types.EventBatchFailed
	}
	s.notifier.Notify(ctx, types.Event{
		Type: event,
		Data: map[string]any{
			"batch_id":  batchID,
			"status":    status.Status,
			"completed": status.Completed,
			"failed":    status.Failed,
		},
	})
}

func fingerprint(s *types.BatchStatus) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s|%d|%d|%d", s.Status, s.Completed, s.Failed, s.Pending)
	for _, it := range s.Items {
		b.WriteString("|")
		b.WriteString(string(it.Status))
	}
	return b.String()
}

func totalAmount(recipients []types.BatchRecipient) decimal.Decimal {
	sum := decimal.Zero
	for _, r := range recipients {
		if d, err := decimal.NewFromString(strings.TrimSpace(r.Amount)); err == nil {
			sum = sum.Add(d)
		}
	}
	return sum
}

type nilNotifier struct{}

func (nilNotifier) Notify(context.Context, types.Event) {}

type nilMetrics struct{}

func (nilMetrics) RecordBatchSubmitted(types.BatchStatusKind, int)     {}
func (nilMetrics) RecordBatchFinished(types.BatchStatusKind, int, int) {}
