package ledger

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

	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RelayConfig contains the ledger relay connection settings
type RelayConfig struct {
	BaseURL           string        `json:"base_url"`
	APIKey            string        `json:"api_key"`
	OperatorAccount   string        `json:"operator_account"`
	Timeout           time.Duration `json:"timeout"`
	ConfirmInterval   time.Duration `json:"confirm_interval"`
	RequestsPerSecond float64       `json:"requests_per_second"`
	Burst             int           `json:"burst"`
}

// RelayClient talks to the ledger relay service, which signs and submits
// operations on behalf of the operator account and stores receipts by
// idempotency reference.
type RelayClient struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	config     RelayConfig
	logger     *zap.Logger
}

// NewRelayClient creates a new ledger relay client
func NewRelayClient(config RelayConfig, logger *zap.Logger) (*RelayClient, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("ledger relay base URL is required")
	}
	if _, err := url.Parse(config.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid ledger relay URL: %w", err)
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.ConfirmInterval <= 0 {
		config.ConfirmInterval = 2 * time.Second
	}
	if config.RequestsPerSecond <= 0 {
		config.RequestsPerSecond = 10
	}
	if config.Burst <= 0 {
		config.Burst = 1
	}

	return &RelayClient{
		httpClient: &http.Client{Timeout: config.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(config.RequestsPerSecond), config.Burst),
		config:     config,
		logger:     logger,
	}, nil
}

// Submit sends the operation to the relay and waits for consensus.
func (c *RelayClient) Submit(ctx context.Context, op Operation) (*Receipt, error) {
	if err := op.Validate(); err != nil {
		return nil, newError(KindRejected, op, err.Error())
	}

	body, err := json.Marshal(op)
	if err != nil {
		return nil, newError(KindRejected, op, "failed to marshal operation")
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &Error{Kind: KindTimeout, Op: op.Kind, Ref: op.IdempotencyRef, Reason: "rate limiter", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/v1/operations"), bytes.NewReader(body))
	if err != nil {
		return nil, newError(KindRejected, op, fmt.Sprintf("failed to build request: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", op.IdempotencyRef)
	c.authorize(req)

	status, payload, err := c.do(req)
	if err != nil {
		// The request may have reached the relay; only a lookup can tell.
		return nil, &Error{Kind: KindTimeout, Op: op.Kind, Ref: op.IdempotencyRef, Err: err}
	}

	switch {
	case status == http.StatusAccepted || gjson.GetBytes(payload, "status").String() == "PENDING":
		return c.waitForConfirmation(ctx, op)
	case status >= 200 && status < 300:
		receipt := parseReceipt(gjson.GetBytes(payload, "receipt"))
		if receipt.IdempotencyRef == "" {
			receipt.IdempotencyRef = op.IdempotencyRef
		}
		if receipt.Kind == "" {
			receipt.Kind = op.Kind
		}
		c.logger.Debug("Ledger operation confirmed",
			zap.String("kind", string(op.Kind)),
			zap.String("ref", op.IdempotencyRef),
			zap.String("tx_ref", receipt.TransactionRef))
		return receipt, nil
	default:
		le := relayError(status, payload)
		le.Op = op.Kind
		le.Ref = op.IdempotencyRef
		return nil, le
	}
}

// Lookup reads a receipt by idempotency reference.
func (c *RelayClient) Lookup(ctx context.Context, idempotencyRef string) (*Receipt, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &Error{Kind: KindTimeout, Ref: idempotencyRef, Reason: "rate limiter", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/v1/operations/"+url.PathEscape(idempotencyRef)), nil)
	if err != nil {
		return nil, &Error{Kind: KindRejected, Ref: idempotencyRef, Reason: err.Error()}
	}
	c.authorize(req)

	status, payload, err := c.do(req)
	if err != nil {
		return nil, &Error{Kind: KindTimeout, Ref: idempotencyRef, Err: err}
	}

	if status == http.StatusOK && gjson.GetBytes(payload, "receipt").Exists() {
		raw := gjson.GetBytes(payload, "receipt")
		receipt := parseReceipt(raw)
		switch receipt.Status {
		case ReceiptSuccess:
			return receipt, nil
		case ReceiptPending:
			return nil, &Error{Kind: KindTimeout, Ref: idempotencyRef, Reason: "operation not yet final"}
		}
		return nil, failedReceipt(idempotencyRef, receipt, raw)
	}

	le := relayError(status, payload)
	le.Ref = idempotencyRef
	return nil, le
}

// waitForConfirmation polls the relay until the operation is final or ctx ends.
func (c *RelayClient) waitForConfirmation(ctx context.Context, op Operation) (*Receipt, error) {
	ticker := time.NewTicker(c.config.ConfirmInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, &Error{Kind: KindTimeout, Op: op.Kind, Ref: op.IdempotencyRef, Reason: "confirmation timeout", Err: ctx.Err()}
		case <-ticker.C:
		}

		receipt, err := c.Lookup(ctx, op.IdempotencyRef)
		if err == nil {
			return receipt, nil
		}
		var le *Error
		if errors.As(err, &le) && le.Terminal() {
			le.Op = op.Kind
			return nil, le
		}
	}
}

func (c *RelayClient) do(req *http.Request) (int, []byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read relay response: %w", err)
	}
	return resp.StatusCode, payload, nil
}

func (c *RelayClient) endpoint(path string) string {
	return strings.TrimRight(c.config.BaseURL, "/") + path
}

func (c *RelayClient) authorize(req *http.Request) {
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}
	if c.config.OperatorAccount != "" {
		req.Header.Set("X-Operator-Account", c.config.OperatorAccount)
	}
}

func relayError(status int, payload []byte) *Error {
	le := &Error{
		Kind:   ErrorKind(gjson.GetBytes(payload, "error.kind").String()),
		Reason: gjson.GetBytes(payload, "error.reason").String(),
	}

	switch le.Kind {
	case KindRejected, KindTimeout, KindInsufficientFunds, KindNotFound:
		return le
	}

	switch {
	case status == http.StatusNotFound:
		le.Kind = KindNotFound
	case status == http.StatusPaymentRequired:
		le.Kind = KindInsufficientFunds
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout || status >= 500:
		le.Kind = KindTimeout
	default:
		le.Kind = KindRejected
	}
	if le.Reason == "" {
		le.Reason = fmt.Sprintf("relay responded with status %d", status)
	}
	return le
}

// failedReceipt maps a final, unsuccessful receipt to a terminal error
func failedReceipt(ref string, receipt *Receipt, raw gjson.Result) *Error {
	le := &Error{
		Kind:   ErrorKind(raw.Get("error.kind").String()),
		Op:     receipt.Kind,
		Ref:    ref,
		Reason: raw.Get("error.reason").String(),
	}
	switch le.Kind {
	case KindRejected, KindInsufficientFunds:
	default:
		le.Kind = KindRejected
		if strings.Contains(string(receipt.Status), "INSUFFICIENT") {
			le.Kind = KindInsufficientFunds
		}
	}
	if le.Reason == "" {
		le.Reason = "operation failed with status " + string(receipt.Status)
	}
	return le
}

func parseReceipt(r gjson.Result) *Receipt {
	receipt := &Receipt{
		IdempotencyRef: r.Get("idempotency_ref").String(),
		Kind:           OperationKind(r.Get("kind").String()),
		Status:         ReceiptStatus(r.Get("status").String()),
		TransactionRef: r.Get("transaction_ref").String(),
		TokenID:        r.Get("token_id").String(),
		Serial:         r.Get("serial").Int(),
		TopicID:        r.Get("topic_id").String(),
		SequenceNumber: r.Get("sequence_number").Int(),
		EscrowRef:      r.Get("escrow_ref").String(),
	}
	if receipt.Status == "" {
		receipt.Status = ReceiptSuccess
	}
	if ts := r.Get("consensus_at").String(); ts != "" {
		if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			receipt.ConsensusAt = parsed
		}
	}
	return receipt
}
