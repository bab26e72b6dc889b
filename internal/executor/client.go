package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"

	"github.com/protocol-bank/payroll/types"
)

const (
	defaultTimeout    = 30 * time.Second
	defaultMaxRetries = 3

	IdempotencyKeyHeader = "Idempotency-Key"
)

type Config struct {
	URL        string        `mapstructure:"url" json:"url,omitempty"`
	Token      string        `mapstructure:"token" json:"token,omitempty"`
	Timeout    time.Duration `mapstructure:"timeout" json:"timeout,omitempty"`
	MaxRetries int           `mapstructure:"max_retries" json:"max_retries,omitempty"`
}

// StatusError is a non-2xx answer from the payout engine.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("payout engine returned status %d: %s", e.StatusCode, e.Body)
}

// Client talks to the payout engine that signs and broadcasts transfers.
// Every transfer request carries its reference as an idempotency key so
// transport retries never pay twice.
type Client struct {
	baseURL string
	token   string
	client  *retryablehttp.Client
	logger  *logrus.Entry
}

func NewClient(cfg Config, logger *logrus.Logger) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("executor url is required")
	}
	if _, err := url.ParseRequestURI(cfg.URL); err != nil {
		return nil, fmt.Errorf("invalid executor url: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	} else if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaultMaxRetries
	}

	entry := logger.WithField("pkg", "executor.Client")
	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient.Timeout = cfg.Timeout
	retryClient.Logger = entry
	retryClient.RetryMax = cfg.MaxRetries
	retryClient.RetryWaitMin = 200 * time.Millisecond
	retryClient.RetryWaitMax = 2 * time.Second

	return &Client{
		baseURL: strings.TrimRight(cfg.URL, "/"),
		token:   cfg.Token,
		client:  retryClient,
		logger:  entry,
	}, nil
}

func (c *Client) Execute(ctx context.Context, req types.TransferRequest) (types.TransferResult, error) {
	headers := map[string]string{IdempotencyKeyHeader: req.Reference}
	res, err := call[types.TransferResult](ctx, c, http.MethodPost, "/transfers", headers, req)
	if err != nil {
		return types.TransferResult{}, fmt.Errorf("failed to execute transfers %s: %w", req.Reference, err)
	}

	c.logger.WithFields(logrus.Fields{
		"reference":  req.Reference,
		"chain":      req.Chain,
		"recipients": len(req.Recipients),
		"success":    res.Success,
	}).Info("transfers settled")
	return res, nil
}

func (c *Client) BatchStatus(ctx context.Context, batchID string) (*types.BatchStatus, error) {
	res, err := call[types.BatchStatus](ctx, c, http.MethodGet, "/batches/"+url.PathEscape(batchID), nil, nil)
	if err != nil {
		var statusErr *StatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s", types.ErrBatchNotFound, batchID)
		}
		return nil, fmt.Errorf("failed to get batch status: %w", err)
	}
	return &res, nil
}

func call[T any](
	ctx context.Context,
	c *Client,
	method, path string,
	headers map[string]string,
	body any,
) (T, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return *new(T), fmt.Errorf("failed to marshal request json: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return *new(T), fmt.Errorf("failed to build http request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	res, err := c.client.Do(req)
	if err != nil {
		return *new(T), fmt.Errorf("failed to make http call: %w", err)
	}
	defer func() {
		_ = res.Body.Close()
	}()

	bodyBytes, err := io.ReadAll(res.Body)
	if err != nil {
		return *new(T), fmt.Errorf("failed to read response body: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return *new(T), &StatusError{StatusCode: res.StatusCode, Body: string(bodyBytes)}
	}

	var r T
	if err := json.Unmarshal(bodyBytes, &r); err != nil {
		return *new(T), fmt.Errorf("failed to unmarshal response json: %w", err)
	}
	return r, nil
}
