package paymentgateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/frahmantamala/pixflow/internal"
	gatewaytypes "github.com/frahmantamala/pixflow/internal/core/datamodel/paymentgateway"
)

// Gateway is the full adapter surface: issuance for the charge service and
// status polling for the reconciler.
type Gateway interface {
	Issue(ctx context.Context, req *gatewaytypes.IssueRequest) (string, error)
	PollStatus(ctx context.Context, reference string) (gatewaytypes.SettlementStatus, error)
}

type Config struct {
	BaseURL        string
	APIKey         string
	RequestTimeout time.Duration
}

// Client talks to a collection processor over JSON/HTTP.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  *slog.Logger
}

var _ Gateway = (*Client)(nil)

func NewClient(config Config, logger *slog.Logger) *Client {
	timeout := config.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		apiKey:  config.APIKey,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

func (c *Client) Issue(ctx context.Context, req *gatewaytypes.IssueRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", internal.ErrGatewayRejected.WithCause(err)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to marshal issue request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/collections", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.ChargeID)

	var out gatewaytypes.IssueResponse
	if err := c.do(httpReq, &out); err != nil {
		return "", err
	}
	if out.Reference == "" {
		return "", internal.ErrGatewayUnavailable.WithMessage("processor returned an empty reference")
	}

	c.logger.Info("collection issued",
		"charge_id", req.ChargeID,
		"external_reference", out.Reference)

	return out.Reference, nil
}

func (c *Client) PollStatus(ctx context.Context, reference string) (gatewaytypes.SettlementStatus, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/collections/"+url.PathEscape(reference), nil)
	if err != nil {
		return "", fmt.Errorf("failed to create HTTP request: %w", err)
	}

	var out gatewaytypes.StatusResponse
	if err := c.do(httpReq, &out); err != nil {
		appErr, ok := internal.IsAppError(err)
		if ok && appErr.Code == internal.ErrCodeGatewayRejected {
			// an unknown reference will never settle
			if isNotFound(appErr) {
				return gatewaytypes.SettlementFailed, nil
			}
			return "", internal.ErrGatewayUnavailable.WithCause(appErr.Cause)
		}
		return "", err
	}

	status, ok := MapProcessorStatus(out.Status)
	if !ok {
		return "", internal.ErrGatewayUnavailable.WithMessage("processor returned unknown status " + out.Status)
	}
	return status, nil
}

// MapProcessorStatus normalizes processor vocabularies onto settlement states.
func MapProcessorStatus(raw string) (gatewaytypes.SettlementStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "approved", "paid", "settled", "succeeded", "completed":
		return gatewaytypes.SettlementSettled, true
	case "pending", "in_process", "in_mediation", "authorized", "created":
		return gatewaytypes.SettlementPending, true
	case "expired", "cancelled", "canceled":
		return gatewaytypes.SettlementExpired, true
	case "rejected", "failed", "refunded", "charged_back":
		return gatewaytypes.SettlementFailed, true
	}
	return "", false
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("processor returned status %d: %s", e.code, e.body)
}

func isNotFound(appErr *internal.AppError) bool {
	se, ok := appErr.Cause.(*statusError)
	return ok && se.code == http.StatusNotFound
}

// do sends the request and classifies failures: transport errors, 5xx, 408
// and 429 are transient, any other non-2xx is a refusal.
func (c *Client) do(req *http.Request, out interface{}) error {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("gateway request failed", "error", err, "method", req.Method, "path", req.URL.Path)
		return internal.ErrGatewayUnavailable.WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		se := &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(snippet))}
		switch {
		case resp.StatusCode >= 500, resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode == http.StatusRequestTimeout:
			return internal.ErrGatewayUnavailable.WithCause(se)
		default:
			return internal.ErrGatewayRejected.WithCause(se)
		}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return internal.ErrGatewayUnavailable.WithCause(fmt.Errorf("failed to decode response: %w", err))
	}
	return nil
}
