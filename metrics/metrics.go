package metrics

import "time"

// Recorder receives gateway events and latencies. The prometheus
// implementation is the production one; NoopRecorder is the default.
type Recorder interface {
	IncCounter(name string, labels map[string]string)
	ObserveLatency(name string, duration time.Duration, labels map[string]string)
}

// Event and operation names recorded by the gateway.
const (
	EventFetchResult      = "fetch_result"
	EventDecision         = "decision"
	EventSettlementState  = "settlement_state"
	EventRedemptionStatus = "redemption_status"

	OpFetch   = "fetch"
	OpSubmit  = "submit"
	OpConfirm = "confirm"
	OpRedeem  = "redeem"
)
