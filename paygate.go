// Package paygate implements the client side of the HTTP 402 payment flow:
// request a resource, decode the payment challenge the provider answers with,
// decide it against the caller's budget profile, settle the payment on-chain,
// and redeem the settlement proof for the content.
package paygate

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/newsieai/paygate/challenge"
	"github.com/newsieai/paygate/logger"
	"github.com/newsieai/paygate/metrics"
	"github.com/newsieai/paygate/policy"
	"github.com/newsieai/paygate/profile"
	"github.com/newsieai/paygate/redemption"
	"github.com/newsieai/paygate/settlement"
	"github.com/newsieai/paygate/types"
)

// Gateway is the main entry point. One Gateway serves any number of
// concurrent Fetch calls; payments for the same challenge are deduplicated
// while in flight.
type Gateway struct {
	config *types.Config

	log        logger.Logger
	metrics    metrics.Recorder
	httpClient *http.Client
	advisor    policy.Advisor
	profiles   profile.Store

	policy   *policy.Engine
	executor *settlement.Executor
	redeemer *redemption.Client
}

// New creates a Gateway with the given configuration. Zero config fields take
// their defaults; nil config means all defaults.
func New(config *types.Config, opts ...Option) *Gateway {
	g := &Gateway{config: config.WithDefaults()}

	for _, opt := range opts {
		opt(g)
	}

	if g.log == nil {
		g.log = logger.NewZapLogger(g.config.LogLevel)
	}
	if g.metrics == nil {
		if g.config.EnableMetrics {
			g.metrics = metrics.NewPrometheusRecorder()
		} else {
			g.metrics = &metrics.NoopRecorder{}
		}
	}
	if g.httpClient == nil {
		g.httpClient = &http.Client{Timeout: g.config.DefaultTimeout}
	}
	if g.advisor == nil {
		g.advisor = policy.PreferenceAdvisor{}
	}

	g.policy = policy.NewEngine(g.advisor, g.log)
	g.executor = settlement.NewExecutor(
		g.config.SubmitTimeout,
		g.config.ConfirmTimeout,
		g.config.ConfirmPollInterval,
		g.log,
		g.metrics,
	)
	g.redeemer = redemption.NewClient(g.httpClient, g.log)

	return g
}

// NewWithDefaults creates a Gateway with default configuration.
func NewWithDefaults() *Gateway {
	return New(nil)
}

// AddNetwork registers a settlement backend for a network.
func (g *Gateway) AddNetwork(network types.Network, cfg types.BackendConfig) error {
	cfg.Network = network

	var backend settlement.Backend
	var err error
	switch {
	case network.IsSolana():
		backend, err = settlement.NewSolanaBackend(cfg, g.log)
	case network.IsEVM():
		backend, err = settlement.NewEVMBackend(cfg, g.log)
	default:
		return &types.Error{
			Code:    types.ErrUnsupportedNetwork,
			Message: fmt.Sprintf("unsupported network: %s", network),
		}
	}
	if err != nil {
		return fmt.Errorf("failed to create backend for %s: %w", network, err)
	}

	return g.executor.AddBackend(backend)
}

// RegisterBackend registers a caller-supplied settlement backend, for assets
// and networks the built-in backends do not cover.
func (g *Gateway) RegisterBackend(b settlement.Backend) error {
	return g.executor.AddBackend(b)
}

// Supported returns the networks with a registered settlement backend.
func (g *Gateway) Supported() []types.Network {
	return g.executor.Networks()
}

// Fetch requests the resource and, when it answers 402, pays for it and
// redeems the content. It never returns an error: every outcome is one of
// the four result kinds, with the reason carrying the failure code.
//
// A nil profile gets the configured default.
func (g *Gateway) Fetch(ctx context.Context, url string, prof *types.BudgetProfile) *types.RedemptionResult {
	start := time.Now()
	result := g.fetch(ctx, url, prof)

	g.metrics.ObserveLatency(metrics.OpFetch, time.Since(start), map[string]string{})
	g.metrics.IncCounter(metrics.EventFetchResult, map[string]string{
		"outcome": string(result.Kind),
	})
	g.log.Info("fetch completed", map[string]any{
		"url":      url,
		"kind":     string(result.Kind),
		"state":    string(result.State),
		"reason":   result.Reason,
		"attempts": result.Attempts,
		"elapsed":  time.Since(start).String(),
	})
	return result
}

// FetchAs is Fetch with the profile resolved from the profile store by caller
// identifier. A missing profile, or no store at all, falls back to the
// configured default profile.
func (g *Gateway) FetchAs(ctx context.Context, url, identifier string) *types.RedemptionResult {
	return g.Fetch(ctx, url, g.resolveProfile(ctx, identifier))
}

func (g *Gateway) fetch(ctx context.Context, url string, prof *types.BudgetProfile) *types.RedemptionResult {
	if prof == nil {
		prof = g.defaultProfile("")
	}

	g.log.Debug("requesting resource", map[string]any{
		"url":   url,
		"payer": prof.Identifier,
		"state": string(types.FlowRequesting),
	})

	reqCtx, cancel := context.WithTimeout(ctx, g.config.DefaultTimeout)
	resp, err := g.redeemer.Request(reqCtx, url)
	cancel()
	if err != nil {
		return types.VerificationFailedResult(types.FlowError, types.CodeOf(err), types.MessageOf(err), "", 0)
	}

	if !resp.PaymentRequired {
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return types.ContentResult(resp.Body, "", 0)
		}
		return types.VerificationFailedResult(types.FlowError, types.ErrRequestFailed,
			fmt.Sprintf("unexpected status %d from %s", resp.StatusCode, url), "", 0)
	}

	ch, err := g.decodeChallenge(resp.Body)
	if err != nil {
		return types.VerificationFailedResult(types.FlowError, types.CodeOf(err), types.MessageOf(err), "", 0)
	}

	g.log.Info("payment required", map[string]any{
		"url":       url,
		"amount":    ch.Amount.String(),
		"asset":     ch.Asset,
		"reference": ch.Reference,
		"payer":     prof.Identifier,
		"state":     string(types.FlowPaymentRequired),
	})

	g.log.Debug("evaluating challenge", map[string]any{
		"reference": ch.Reference,
		"state":     string(types.FlowEvaluating),
	})
	decision := g.policy.Decide(ch, prof)
	g.metrics.IncCounter(metrics.EventDecision, map[string]string{
		"outcome": decisionOutcome(decision),
	})
	if !decision.Approved {
		return types.RejectedResult(decision.Reason, decision.Detail)
	}

	g.log.Debug("submitting payment", map[string]any{
		"reference": ch.Reference,
		"asset":     ch.Asset,
		"state":     string(types.FlowPaying),
	})
	record, err := g.executor.Submit(ctx, prof.Identifier, ch)
	if err != nil {
		txRef := ""
		if record != nil {
			txRef = record.TxReference
		}
		return types.PaymentFailedResult(types.CodeOf(err), types.MessageOf(err), txRef)
	}

	confirmed, err := g.executor.AwaitConfirmation(ctx, record)
	if err != nil {
		txRef := record.TxReference
		if confirmed != nil && confirmed.TxReference != "" {
			txRef = confirmed.TxReference
		}
		return types.PaymentFailedResult(types.CodeOf(err), types.MessageOf(err), txRef)
	}

	g.log.Info("payment confirmed", map[string]any{
		"reference": ch.Reference,
		"tx":        confirmed.TxReference,
		"state":     string(types.FlowConfirmed),
	})

	redeemURL := ch.ResourceURL
	if redeemURL == "" {
		redeemURL = url
	}
	return g.redeem(ctx, redeemURL, confirmed.TxReference)
}

// decodeChallenge decodes the 402 body, falling back to extracting an
// embedded payload when the body is not a bare challenge object.
func (g *Gateway) decodeChallenge(body []byte) (*types.PaymentChallenge, error) {
	ch, err := challenge.Decode(body)
	if err == nil {
		return ch, nil
	}
	if raw, ok := challenge.Extract(string(body)); ok {
		if ch, extractedErr := challenge.Decode(raw); extractedErr == nil {
			return ch, nil
		}
	}
	return nil, err
}

// redeem presents the settlement proof, retrying while the provider has not
// observed the settlement yet. Attempts are bounded; waits grow per attempt
// and honor a longer Retry-After hint from the provider.
func (g *Gateway) redeem(ctx context.Context, url, txRef string) *types.RedemptionResult {
	g.log.Debug("redeeming content", map[string]any{
		"url":   url,
		"tx":    txRef,
		"state": string(types.FlowRedeeming),
	})

	attempts := 0
	for {
		attempts++

		rctx, cancel := context.WithTimeout(ctx, g.config.DefaultTimeout)
		body, err := g.redeemer.Redeem(rctx, url, txRef)
		cancel()

		if err == nil {
			g.metrics.IncCounter(metrics.EventRedemptionStatus, map[string]string{
				"outcome": "fulfilled",
			})
			return types.ContentResult(body, txRef, attempts)
		}

		code := types.CodeOf(err)
		g.metrics.IncCounter(metrics.EventRedemptionStatus, map[string]string{
			"outcome": code,
		})
		g.log.Warn("redemption attempt failed", map[string]any{
			"url":     url,
			"tx":      txRef,
			"attempt": attempts,
			"code":    code,
			"error":   err.Error(),
		})

		retryable := code == types.ErrNotYetConfirmed || code == types.ErrRequestFailed
		if !retryable || attempts >= g.config.RedeemAttempts {
			return types.VerificationFailedResult(types.FlowRedeemFailed, code, types.MessageOf(err), txRef, attempts)
		}

		wait := time.Duration(attempts) * g.config.RedeemBackoff
		var terr *types.Error
		if errors.As(err, &terr) {
			if hint, ok := terr.Data.(time.Duration); ok && hint > wait {
				wait = hint
			}
		}
		select {
		case <-ctx.Done():
			return types.VerificationFailedResult(types.FlowRedeemFailed, types.ErrCancelled,
				"cancelled while waiting to retry redemption", txRef, attempts)
		case <-time.After(wait):
		}
	}
}

func (g *Gateway) resolveProfile(ctx context.Context, identifier string) *types.BudgetProfile {
	if g.profiles == nil {
		return g.defaultProfile(identifier)
	}
	prof, err := g.profiles.Get(ctx, identifier)
	if err != nil {
		if !errors.Is(err, profile.ErrNotFound) {
			g.log.Warn("profile lookup failed, using default", map[string]any{
				"identifier": identifier,
				"error":      err.Error(),
			})
		}
		return g.defaultProfile(identifier)
	}
	return prof
}

func (g *Gateway) defaultProfile(identifier string) *types.BudgetProfile {
	if identifier == "" {
		identifier = "anonymous"
	}
	if g.config.DefaultProfile != nil {
		p := *g.config.DefaultProfile
		p.Identifier = identifier
		return &p
	}
	return types.ConservativeProfile(identifier)
}

func decisionOutcome(d types.Decision) string {
	if d.Approved {
		return "approved"
	}
	return d.Reason
}

// Close releases all backend connections and the profile store.
func (g *Gateway) Close() {
	g.executor.Close()
	if g.profiles != nil {
		if err := g.profiles.Close(); err != nil {
			g.log.Warn("profile store close failed", map[string]any{
				"error": err.Error(),
			})
		}
	}
}

// Version is the library version.
const Version = "0.1.0"
