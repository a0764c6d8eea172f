package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"deforger/marketplace-backend/internal/metrics"
	"deforger/marketplace-backend/pkg/account"
)

// HTTPConfig contains ledger gateway configuration
type HTTPConfig struct {
	BaseURL           string        `json:"base_url"`
	Timeout           time.Duration `json:"timeout"`
	RequestsPerSecond float64       `json:"requests_per_second"`
	Burst             int           `json:"burst"`
}

// HTTPClient talks to a JSON gateway in front of the ledger. Request and response
// bodies mirror the ledger's account_balance and transfer records.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger
}

type balanceRequest struct {
	Account string `json:"account"`
}

type tokens struct {
	E8s uint64 `json:"e8s"`
}

type timestamp struct {
	TimestampNanos uint64 `json:"timestamp_nanos"`
}

type transferRequest struct {
	To             string     `json:"to"`
	Fee            tokens     `json:"fee"`
	Amount         tokens     `json:"amount"`
	Memo           uint64     `json:"memo"`
	FromSubaccount *string    `json:"from_subaccount"`
	CreatedAtTime  *timestamp `json:"created_at_time"`
}

// NewHTTPClient creates a new ledger gateway client
func NewHTTPClient(config HTTPConfig, logger *zap.Logger) *HTTPClient {
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if config.RequestsPerSecond <= 0 {
		config.RequestsPerSecond = 20
	}
	if config.Burst <= 0 {
		config.Burst = 5
	}

	return &HTTPClient{
		baseURL:    strings.TrimRight(config.BaseURL, "/"),
		httpClient: &http.Client{Timeout: config.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(config.RequestsPerSecond), config.Burst),
		logger:     logger,
	}
}

// Balance queries the balance of an account in base units
func (c *HTTPClient) Balance(ctx context.Context, id account.Identifier) (uint64, error) {
	start := time.Now()

	body, err := c.post(ctx, "/account_balance", balanceRequest{Account: id.Hex()})
	if err != nil {
		metrics.ObserveLedgerCall("balance", "unavailable", time.Since(start))
		return 0, unavailable("account_balance", err)
	}

	balance, err := parseNat64(gjson.GetBytes(body, "e8s"))
	if err != nil {
		metrics.ObserveLedgerCall("balance", "unavailable", time.Since(start))
		return 0, unavailable("account_balance", fmt.Errorf("e8s: %w: %s", err, truncate(body)))
	}

	metrics.ObserveLedgerCall("balance", "ok", time.Since(start))
	c.logger.Debug("Ledger balance queried",
		zap.String("account", id.Hex()),
		zap.Uint64("e8s", balance))

	return balance, nil
}

// Transfer submits a transfer and returns the block index it landed in.
// A transport failure is reported as ErrUnavailable; the transfer may still have executed.
func (c *HTTPClient) Transfer(ctx context.Context, req TransferRequest) (uint64, error) {
	start := time.Now()

	payload := transferRequest{
		To:     req.To.Hex(),
		Fee:    tokens{E8s: req.Fee},
		Amount: tokens{E8s: req.Amount},
		Memo:   req.Memo,
	}
	if req.FromSubaccount != nil {
		sub := req.FromSubaccount.Hex()
		payload.FromSubaccount = &sub
	}
	if req.CreatedAt != nil {
		payload.CreatedAtTime = &timestamp{TimestampNanos: uint64(req.CreatedAt.UnixNano())}
	}

	body, err := c.post(ctx, "/transfer", payload)
	if err != nil {
		metrics.ObserveLedgerCall("transfer", "unavailable", time.Since(start))
		return 0, unavailable("transfer", err)
	}

	result := gjson.ParseBytes(body)
	if ok := result.Get("Ok"); ok.Exists() {
		block, err := parseNat64(ok)
		if err != nil {
			// The ledger reported success, so the transfer must not be assumed undone
			metrics.ObserveLedgerCall("transfer", "unavailable", time.Since(start))
			c.logger.Error("Ledger transfer result unreadable",
				zap.String("to", req.To.Hex()),
				zap.Uint64("amount", req.Amount),
				zap.String("body", truncate(body)))
			return 0, unavailable("transfer", fmt.Errorf("block index: %w", err))
		}

		metrics.ObserveLedgerCall("transfer", "ok", time.Since(start))
		c.logger.Info("Ledger transfer executed",
			zap.String("to", req.To.Hex()),
			zap.Uint64("amount", req.Amount),
			zap.Uint64("block_index", block))
		return block, nil
	}

	if errResult := result.Get("Err"); errResult.Exists() {
		metrics.ObserveLedgerCall("transfer", "rejected", time.Since(start))
		return 0, parseTransferError(errResult)
	}

	metrics.ObserveLedgerCall("transfer", "unavailable", time.Since(start))
	return 0, unavailable("transfer", fmt.Errorf("unrecognised response: %s", truncate(body)))
}

func (c *HTTPClient) post(ctx context.Context, path string, payload interface{}) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gateway returned %d: %s", resp.StatusCode, truncate(body))
	}

	return body, nil
}

// parseNat64 reads a JSON number that must be a whole value in uint64 range.
// Missing, null, string, negative and fractional values are all rejected.
func parseNat64(value gjson.Result) (uint64, error) {
	if !value.Exists() {
		return 0, errors.New("missing")
	}
	if value.Type != gjson.Number {
		return 0, fmt.Errorf("not a number: %s", value.Raw)
	}
	n, err := strconv.ParseUint(value.Raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("not a natural number below 2^64: %s", value.Raw)
	}
	return n, nil
}

// parseTransferError accepts both the plain text form ({"Err": "..."}) and the
// variant form ({"Err": {"InsufficientFunds": {...}}}).
func parseTransferError(errResult gjson.Result) *TransferError {
	if errResult.Type == gjson.String {
		return &TransferError{Code: classifyReason(errResult.String()), Reason: errResult.String()}
	}

	code := TransferErrorOther
	errResult.ForEach(func(key, _ gjson.Result) bool {
		switch key.String() {
		case "InsufficientFunds":
			code = TransferErrorInsufficientFunds
		case "BadFee":
			code = TransferErrorBadFee
		case "TxDuplicate":
			code = TransferErrorDuplicate
		case "TxTooOld":
			code = TransferErrorTooOld
		case "TxCreatedInFuture":
			code = TransferErrorCreatedInFuture
		}
		return false
	})

	return &TransferError{Code: code, Reason: errResult.Raw}
}

func classifyReason(reason string) TransferErrorCode {
	lower := strings.ToLower(reason)
	switch {
	case strings.Contains(lower, "insufficient"):
		return TransferErrorInsufficientFunds
	case strings.Contains(lower, "fee"):
		return TransferErrorBadFee
	case strings.Contains(lower, "duplicate"):
		return TransferErrorDuplicate
	case strings.Contains(lower, "too old"):
		return TransferErrorTooOld
	case strings.Contains(lower, "future"):
		return TransferErrorCreatedInFuture
	default:
		return TransferErrorOther
	}
}

func truncate(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		return string(body[:maxLen]) + "..."
	}
	return string(body)
}
