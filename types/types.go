package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Tier is the categorical service level of a caller. It informs advisory
// policy only; the budget limit is always the hard ceiling.
type Tier string

const (
	TierStandard Tier = "standard"
	TierPremium  Tier = "premium"
	TierPlatinum Tier = "platinum"
)

// PaymentChallenge is the structured payment demand a provider returns in a
// 402 response body in place of content.
type PaymentChallenge struct {
	// Amount of the settlement asset being demanded. Always positive.
	Amount decimal.Decimal `json:"amount"`

	// Asset is the currency/token symbol the amount is denominated in
	// (e.g. "SOL", "ETH").
	Asset string `json:"asset" validate:"required"`

	// Recipient is the settlement destination address.
	Recipient string `json:"recipient" validate:"required"`

	// Reference is the provider's opaque correlation token binding this
	// challenge to its eventual payment and redemption. Doubles as the
	// idempotency key for submission.
	Reference string `json:"reference" validate:"required"`

	// Expiry is the optional absolute time after which the challenge is no
	// longer payable.
	Expiry *time.Time `json:"expiry,omitempty"`

	// ResourceURL is the gated resource to re-request after payment. When the
	// provider omits it the original request URL is used.
	ResourceURL string `json:"resourceUrl,omitempty"`
}

// Validate checks the challenge invariants beyond struct-tag validation.
func (c *PaymentChallenge) Validate() error {
	if c.Asset == "" {
		return fmt.Errorf("challenge.asset is required")
	}
	if c.Recipient == "" {
		return fmt.Errorf("challenge.recipient is required")
	}
	if c.Reference == "" {
		return fmt.Errorf("challenge.reference is required")
	}
	if !c.Amount.IsPositive() {
		return fmt.Errorf("challenge.amount must be positive, got %s", c.Amount)
	}
	return nil
}

// Expired reports whether the challenge can no longer be paid at the given
// instant. Challenges without an expiry never expire.
func (c *PaymentChallenge) Expired(now time.Time) bool {
	return c.Expiry != nil && now.After(*c.Expiry)
}

// BudgetProfile is the caller's payment authorization policy.
type BudgetProfile struct {
	// Identifier is the opaque caller id.
	Identifier string `json:"identifier" validate:"required"`

	// Tier is the caller's service level.
	Tier Tier `json:"tier,omitempty"`

	// BudgetLimit is the hard ceiling for a single payment. The policy engine
	// never approves a challenge whose amount exceeds it.
	BudgetLimit decimal.Decimal `json:"budgetLimit"`

	// Preference is free-form guidance consulted only by the advisory step.
	// It can veto an approval but never raise the limit.
	Preference string `json:"preference,omitempty"`
}

// Validate checks the profile invariants.
func (p *BudgetProfile) Validate() error {
	if p.Identifier == "" {
		return fmt.Errorf("profile.identifier is required")
	}
	if p.BudgetLimit.IsNegative() {
		return fmt.Errorf("profile.budgetLimit cannot be negative, got %s", p.BudgetLimit)
	}
	return nil
}

// ConservativeProfile is the fallback used when no profile is found for an
// identifier: lowest tier, minimal limit. It must never widen into
// approve-unconditionally.
func ConservativeProfile(identifier string) *BudgetProfile {
	return &BudgetProfile{
		Identifier:  identifier,
		Tier:        TierStandard,
		BudgetLimit: decimal.NewFromFloat(0.1),
	}
}

// Decision is the policy engine's verdict for one challenge.
type Decision struct {
	Approved bool `json:"approved"`

	// Reason is the rejection code (expired, over_budget, policy_fit) when
	// Approved is false.
	Reason string `json:"reason,omitempty"`

	// Detail is a human-readable elaboration of the reason.
	Detail string `json:"detail,omitempty"`
}

// Approve returns an approving decision.
func Approve() Decision {
	return Decision{Approved: true}
}

// Reject returns a rejecting decision with the given code and detail.
func Reject(reason, detail string) Decision {
	return Decision{Approved: false, Reason: reason, Detail: detail}
}

// SettlementState is the lifecycle state of a settlement record.
type SettlementState string

const (
	SettlementSubmitted SettlementState = "submitted"
	SettlementConfirmed SettlementState = "confirmed"
	SettlementFailed    SettlementState = "failed"
	SettlementTimedOut  SettlementState = "timed_out"
)

// Terminal reports whether the state admits no further transitions.
func (s SettlementState) Terminal() bool {
	return s == SettlementConfirmed || s == SettlementFailed || s == SettlementTimedOut
}

// SettlementRecord tracks one payment attempt from broadcast to its terminal
// state. Records are never resurrected; a new attempt creates a new record.
type SettlementRecord struct {
	ID        string          `json:"id"`
	Payer     string          `json:"payer"`
	Reference string          `json:"reference"`
	Network   Network         `json:"network"`
	Asset     string          `json:"asset"`
	Amount    decimal.Decimal `json:"amount"`
	Recipient string          `json:"recipient"`
	State     SettlementState `json:"state"`

	// TxReference is the network transaction reference. Set as soon as the
	// broadcast returns one; authoritative once State is confirmed.
	TxReference string `json:"txReference,omitempty"`

	// Cause captures why the record reached failed or timed_out.
	Cause string `json:"cause,omitempty"`

	SubmittedAt time.Time  `json:"submittedAt"`
	ConfirmedAt *time.Time `json:"confirmedAt,omitempty"`
}

// FlowState is a step of the gateway state machine. Exposed on results for
// diagnostics; the result kind is the contract.
type FlowState string

const (
	FlowRequesting      FlowState = "requesting"
	FlowPaymentRequired FlowState = "payment_required"
	FlowEvaluating      FlowState = "evaluating"
	FlowPaying          FlowState = "paying"
	FlowConfirmed       FlowState = "confirmed"
	FlowRedeeming       FlowState = "redeeming"
	FlowFulfilled       FlowState = "fulfilled"
	FlowRejected        FlowState = "rejected"
	FlowPayFailed       FlowState = "pay_failed"
	FlowRedeemFailed    FlowState = "redeem_failed"
	FlowError           FlowState = "error"
)

// ResultKind is the variant of a RedemptionResult. Exactly one of the four is
// produced per gateway invocation.
type ResultKind string

const (
	ResultContent            ResultKind = "content"
	ResultRejected           ResultKind = "rejected"
	ResultPaymentFailed      ResultKind = "payment_failed"
	ResultVerificationFailed ResultKind = "verification_failed"
)

// RedemptionResult is the sole return contract of the gateway. Reason begins
// with the taxonomy code that produced the outcome; Payload is set only when
// Kind is content.
type RedemptionResult struct {
	Kind    ResultKind `json:"kind"`
	Payload []byte     `json:"payload,omitempty"`
	Reason  string     `json:"reason,omitempty"`

	// TxReference is the settlement transaction reference when a payment was
	// broadcast, whatever the final outcome.
	TxReference string `json:"txReference,omitempty"`

	// Attempts is the number of redemption requests issued.
	Attempts int `json:"attempts,omitempty"`

	// State is the terminal state the invocation ended in.
	State FlowState `json:"state"`
}

// ContentResult builds a fulfilled result.
func ContentResult(payload []byte, txReference string, attempts int) *RedemptionResult {
	return &RedemptionResult{
		Kind:        ResultContent,
		Payload:     payload,
		TxReference: txReference,
		Attempts:    attempts,
		State:       FlowFulfilled,
	}
}

// RejectedResult builds a policy-rejection result.
func RejectedResult(reason, detail string) *RedemptionResult {
	return &RedemptionResult{
		Kind:   ResultRejected,
		Reason: joinReason(reason, detail),
		State:  FlowRejected,
	}
}

// PaymentFailedResult builds a settlement-failure result.
func PaymentFailedResult(reason, detail, txReference string) *RedemptionResult {
	return &RedemptionResult{
		Kind:        ResultPaymentFailed,
		Reason:      joinReason(reason, detail),
		TxReference: txReference,
		State:       FlowPayFailed,
	}
}

// VerificationFailedResult builds a result for every other failure path:
// initial-request and decode failures (state error) and terminal redemption
// failures (state redeem_failed).
func VerificationFailedResult(state FlowState, reason, detail, txReference string, attempts int) *RedemptionResult {
	return &RedemptionResult{
		Kind:        ResultVerificationFailed,
		Reason:      joinReason(reason, detail),
		TxReference: txReference,
		Attempts:    attempts,
		State:       state,
	}
}

func joinReason(reason, detail string) string {
	if detail == "" {
		return reason
	}
	return reason + ": " + detail
}

// BackendConfig configures one settlement backend.
type BackendConfig struct {
	Network Network `json:"network"`

	RPCUrl string `json:"rpcUrl"`

	// ChainID is required for EVM networks unless the backend may query it.
	ChainID string `json:"chainId,omitempty"`

	// PrivateKey funds the transfers: hex for EVM, base58 for Solana.
	PrivateKey string `json:"privateKey"`

	// Asset is the symbol this backend settles. Defaults to the network's
	// native asset ("SOL", "ETH").
	Asset string `json:"asset,omitempty"`

	// Decimals converts challenge amounts to base units. Defaults to the
	// native asset's precision (9 for SOL, 18 for ETH).
	Decimals int32 `json:"decimals,omitempty"`

	Timeout time.Duration `json:"timeout,omitempty"`
}

// Config is the gateway-wide configuration.
type Config struct {
	// DefaultTimeout bounds each HTTP request to the content endpoint.
	DefaultTimeout time.Duration `json:"defaultTimeout,omitempty"`

	// SubmitTimeout bounds one transfer broadcast. The broadcast is detached
	// from caller cancellation, so this is its only bound.
	SubmitTimeout time.Duration `json:"submitTimeout,omitempty"`

	// ConfirmTimeout caps the total confirmation wait after a broadcast.
	ConfirmTimeout time.Duration `json:"confirmTimeout,omitempty"`

	// ConfirmPollInterval is the initial delay between confirmation polls;
	// the delay grows toward a cap while waiting.
	ConfirmPollInterval time.Duration `json:"confirmPollInterval,omitempty"`

	// RedeemAttempts caps redemption attempts while the provider reports
	// not_yet_confirmed.
	RedeemAttempts int `json:"redeemAttempts,omitempty"`

	// RedeemBackoff is the base delay between redemption attempts; attempt n
	// waits n times this, or longer if the provider sent Retry-After.
	RedeemBackoff time.Duration `json:"redeemBackoff,omitempty"`

	LogLevel      string `json:"logLevel,omitempty"`
	EnableMetrics bool   `json:"enableMetrics,omitempty"`

	// DefaultProfile is used when a profile lookup finds nothing. Nil means
	// ConservativeProfile.
	DefaultProfile *BudgetProfile `json:"defaultProfile,omitempty"`
}

// DefaultConfig returns the configuration the gateway runs with when the
// caller supplies nothing.
func DefaultConfig() *Config {
	return &Config{
		DefaultTimeout:      30 * time.Second,
		SubmitTimeout:       30 * time.Second,
		ConfirmTimeout:      45 * time.Second,
		ConfirmPollInterval: 2 * time.Second,
		RedeemAttempts:      3,
		RedeemBackoff:       2 * time.Second,
		LogLevel:            "info",
	}
}

// WithDefaults fills zero fields from DefaultConfig.
func (c *Config) WithDefaults() *Config {
	def := DefaultConfig()
	if c == nil {
		return def
	}
	out := *c
	if out.DefaultTimeout <= 0 {
		out.DefaultTimeout = def.DefaultTimeout
	}
	if out.SubmitTimeout <= 0 {
		out.SubmitTimeout = def.SubmitTimeout
	}
	if out.ConfirmTimeout <= 0 {
		out.ConfirmTimeout = def.ConfirmTimeout
	}
	if out.ConfirmPollInterval <= 0 {
		out.ConfirmPollInterval = def.ConfirmPollInterval
	}
	if out.RedeemAttempts <= 0 {
		out.RedeemAttempts = def.RedeemAttempts
	}
	if out.RedeemBackoff <= 0 {
		out.RedeemBackoff = def.RedeemBackoff
	}
	if out.LogLevel == "" {
		out.LogLevel = def.LogLevel
	}
	return &out
}
