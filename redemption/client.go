// Package redemption talks HTTP to the paid resource: the initial request
// that may come back 402, and the redeeming request that presents the
// settlement proof as a bearer token.
package redemption

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/newsieai/paygate/logger"
	"github.com/newsieai/paygate/types"
)

// maxResponseBytes caps how much of a response body is read.
const maxResponseBytes = 10 << 20

// Client issues resource and redemption requests.
type Client struct {
	http *http.Client
	log  logger.Logger
}

// NewClient wraps an HTTP client. A nil httpClient uses http.DefaultClient.
func NewClient(httpClient *http.Client, log logger.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if log == nil {
		log = &logger.NoopLogger{}
	}
	return &Client{http: httpClient, log: log}
}

// Response is the outcome of an initial resource request.
type Response struct {
	StatusCode int
	Body       []byte

	// PaymentRequired reports whether the provider answered 402.
	PaymentRequired bool
}

// Request fetches a resource without payment. Transport failures are typed
// request_failed, or cancelled when the context ended the request.
func (c *Client) Request(ctx context.Context, url string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &types.Error{
			Code:    types.ErrRequestFailed,
			Message: fmt.Sprintf("invalid request for %s: %v", url, err),
		}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, typeTransportError(url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, typeTransportError(url, err)
	}

	c.log.Debug("resource request completed", map[string]any{
		"url":    url,
		"status": resp.StatusCode,
		"bytes":  len(body),
	})

	return &Response{
		StatusCode:      resp.StatusCode,
		Body:            body,
		PaymentRequired: resp.StatusCode == http.StatusPaymentRequired,
	}, nil
}

// Redeem re-requests the resource presenting the settlement transaction
// reference as a bearer token. A 2xx returns the content. Everything else is
// a typed error: 402 means the provider has not observed the settlement yet
// and is worth retrying (any Retry-After hint is carried in the error Data as
// a time.Duration), 401 and 403 mean the reference was not accepted, other
// statuses are provider-side errors.
func (c *Client) Redeem(ctx context.Context, url, txReference string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &types.Error{
			Code:    types.ErrRequestFailed,
			Message: fmt.Sprintf("invalid request for %s: %v", url, err),
		}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+txReference)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, typeTransportError(url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, typeTransportError(url, err)
	}

	c.log.Debug("redemption request completed", map[string]any{
		"url":    url,
		"status": resp.StatusCode,
	})

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return body, nil

	case resp.StatusCode == http.StatusPaymentRequired:
		redeemErr := &types.Error{
			Code:    types.ErrNotYetConfirmed,
			Message: "provider has not observed the settlement yet",
		}
		if wait, ok := parseRetryAfter(resp.Header.Get("Retry-After")); ok {
			redeemErr.Data = wait
		}
		return nil, redeemErr

	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &types.Error{
			Code:    types.ErrInvalidReference,
			Message: fmt.Sprintf("provider rejected transaction reference (%d): %s", resp.StatusCode, snippet(body)),
		}

	default:
		return nil, &types.Error{
			Code:    types.ErrServerError,
			Message: fmt.Sprintf("provider error %d: %s", resp.StatusCode, snippet(body)),
		}
	}
}

func typeTransportError(url string, err error) *types.Error {
	if errors.Is(err, context.Canceled) {
		return &types.Error{
			Code:    types.ErrCancelled,
			Message: fmt.Sprintf("request to %s cancelled", url),
		}
	}
	return &types.Error{
		Code:    types.ErrRequestFailed,
		Message: fmt.Sprintf("request to %s failed: %v", url, err),
	}
}

// parseRetryAfter understands both delay-seconds and HTTP-date values.
func parseRetryAfter(value string) (time.Duration, bool) {
	if value == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(value); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second, true
	}
	if at, err := http.ParseTime(value); err == nil {
		if wait := time.Until(at); wait > 0 {
			return wait, true
		}
		return 0, true
	}
	return 0, false
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	if s == "" {
		return "(empty body)"
	}
	return s
}
