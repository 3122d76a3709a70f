package settlement

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/newsieai/paygate/logger"
	"github.com/newsieai/paygate/metrics"
	"github.com/newsieai/paygate/types"
)

// Executor routes approved challenges to settlement backends and tracks each
// attempt as a SettlementRecord. It keeps no durable state; its only
// bookkeeping is the in-flight deduplication group.
type Executor struct {
	backends map[string]Backend

	// group collapses concurrent submissions for the same payer and
	// reference into one broadcast.
	group singleflight.Group

	submitTimeout  time.Duration
	confirmTimeout time.Duration
	pollInterval   time.Duration

	log     logger.Logger
	metrics metrics.Recorder
}

// NewExecutor creates an executor with no backends registered.
func NewExecutor(submitTimeout, confirmTimeout, pollInterval time.Duration, log logger.Logger, rec metrics.Recorder) *Executor {
	if log == nil {
		log = &logger.NoopLogger{}
	}
	if rec == nil {
		rec = &metrics.NoopRecorder{}
	}
	return &Executor{
		backends:       make(map[string]Backend),
		submitTimeout:  submitTimeout,
		confirmTimeout: confirmTimeout,
		pollInterval:   pollInterval,
		log:            log,
		metrics:        rec,
	}
}

// AddBackend registers a backend under its asset symbol. Registering two
// backends for the same asset is a configuration error.
func (e *Executor) AddBackend(b Backend) error {
	asset := strings.ToUpper(b.Asset())
	if asset == "" {
		return &types.Error{
			Code:    types.ErrConfig,
			Message: fmt.Sprintf("backend for network %s has no asset symbol", b.Network()),
		}
	}
	if existing, ok := e.backends[asset]; ok {
		return &types.Error{
			Code: types.ErrConfig,
			Message: fmt.Sprintf("asset %s already settled by network %s",
				asset, existing.Network()),
		}
	}
	e.backends[asset] = b
	return nil
}

// Backend returns the backend registered for an asset symbol.
func (e *Executor) Backend(asset string) (Backend, bool) {
	b, ok := e.backends[strings.ToUpper(asset)]
	return b, ok
}

// Submit broadcasts a transfer for the challenge on behalf of payer. It is
// idempotent per (payer, reference): concurrent calls share one broadcast
// and one record. The broadcast itself is bounded by the submit timeout and
// detached from caller cancellation; a cancellation arriving before the
// broadcast starts aborts cleanly, one arriving after lets it finish.
//
// On error the returned record still describes the attempt; its state is
// failed and its transaction reference is set when known.
func (e *Executor) Submit(ctx context.Context, payer string, challenge *types.PaymentChallenge) (*types.SettlementRecord, error) {
	key := payer + "|" + challenge.Reference

	v, err, shared := e.group.Do(key, func() (interface{}, error) {
		return e.submit(ctx, payer, challenge)
	})

	record, _ := v.(*types.SettlementRecord)
	if shared {
		e.log.Debug("settlement submit deduplicated", map[string]any{
			"payer":     payer,
			"reference": challenge.Reference,
		})
	}
	return record, err
}

func (e *Executor) submit(ctx context.Context, payer string, challenge *types.PaymentChallenge) (*types.SettlementRecord, error) {
	backend, ok := e.Backend(challenge.Asset)
	if !ok {
		return nil, &types.Error{
			Code:    types.ErrUnsupportedAsset,
			Message: fmt.Sprintf("no settlement backend for asset %s", challenge.Asset),
		}
	}

	record := &types.SettlementRecord{
		ID:          uuid.NewString(),
		Payer:       payer,
		Reference:   challenge.Reference,
		Network:     backend.Network(),
		Asset:       strings.ToUpper(challenge.Asset),
		Amount:      challenge.Amount,
		Recipient:   challenge.Recipient,
		State:       types.SettlementSubmitted,
		SubmittedAt: time.Now().UTC(),
	}

	if err := ctx.Err(); err != nil {
		record.State = types.SettlementFailed
		record.Cause = "cancelled before broadcast"
		return record, &types.Error{
			Code:    types.ErrSubmissionFailed,
			Message: "cancelled before broadcast",
		}
	}

	e.log.Info("submitting transfer", map[string]any{
		"record":    record.ID,
		"payer":     payer,
		"reference": challenge.Reference,
		"network":   string(record.Network),
		"asset":     record.Asset,
		"amount":    record.Amount.String(),
	})

	// Once the broadcast starts it runs to its own timeout even if the
	// caller goes away; abandoning a possibly-sent transaction mid-flight
	// would leave its outcome unknowable.
	bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.submitTimeout)
	defer cancel()

	start := time.Now()
	txRef, err := backend.SubmitTransfer(bctx, challenge)
	e.metrics.ObserveLatency(metrics.OpSubmit, time.Since(start), map[string]string{
		"network": string(record.Network),
	})

	record.TxReference = txRef
	if err != nil {
		record.State = types.SettlementFailed
		record.Cause = err.Error()
		e.recordState(types.SettlementFailed, record.Network)
		e.log.Error("transfer broadcast failed", map[string]any{
			"record":    record.ID,
			"reference": challenge.Reference,
			"error":     err.Error(),
		})
		return record, err
	}

	e.recordState(types.SettlementSubmitted, record.Network)
	e.log.Info("transfer broadcast", map[string]any{
		"record": record.ID,
		"tx":     txRef,
	})
	return record, nil
}

// AwaitConfirmation polls the record's network until the transaction
// finalizes, fails, or the confirmation window closes. The input record is
// never mutated; the outcome is returned as a new record so concurrent
// holders of the same submission see a consistent value.
func (e *Executor) AwaitConfirmation(ctx context.Context, record *types.SettlementRecord) (*types.SettlementRecord, error) {
	if record.State.Terminal() {
		out := *record
		return &out, nil
	}
	if record.TxReference == "" {
		return nil, &types.Error{
			Code:    types.ErrSubmissionFailed,
			Message: "record has no transaction reference to confirm",
		}
	}

	backend, ok := e.Backend(record.Asset)
	if !ok {
		return nil, &types.Error{
			Code:    types.ErrUnsupportedAsset,
			Message: fmt.Sprintf("no settlement backend for asset %s", record.Asset),
		}
	}

	wctx, cancel := context.WithTimeout(ctx, e.confirmTimeout)
	defer cancel()

	start := time.Now()
	defer func() {
		e.metrics.ObserveLatency(metrics.OpConfirm, time.Since(start), map[string]string{
			"network": string(record.Network),
		})
	}()

	interval := e.pollInterval
	maxInterval := 5 * e.pollInterval
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-wctx.Done():
			out := *record
			out.State = types.SettlementTimedOut
			out.Cause = fmt.Sprintf("confirmation not reached within %s", e.confirmTimeout)
			e.recordState(types.SettlementTimedOut, record.Network)
			e.log.Warn("confirmation wait ended without outcome", map[string]any{
				"record": record.ID,
				"tx":     record.TxReference,
			})
			return &out, &types.Error{
				Code:    types.ErrTimedOut,
				Message: out.Cause,
			}
		case <-timer.C:
		}

		status, err := backend.ConfirmationStatus(wctx, record.TxReference)
		if err != nil {
			// Status lookups are retried until the window closes.
			e.log.Debug("confirmation poll failed", map[string]any{
				"record": record.ID,
				"error":  err.Error(),
			})
		} else {
			switch status {
			case ConfirmationFinalized:
				out := *record
				out.State = types.SettlementConfirmed
				now := time.Now().UTC()
				out.ConfirmedAt = &now
				e.recordState(types.SettlementConfirmed, record.Network)
				e.log.Info("transfer confirmed", map[string]any{
					"record": record.ID,
					"tx":     record.TxReference,
				})
				return &out, nil
			case ConfirmationFailed:
				out := *record
				out.State = types.SettlementFailed
				out.Cause = "transaction failed on-chain"
				e.recordState(types.SettlementFailed, record.Network)
				e.log.Error("transfer failed on-chain", map[string]any{
					"record": record.ID,
					"tx":     record.TxReference,
				})
				return &out, &types.Error{
					Code:    types.ErrSubmissionFailed,
					Message: "transaction failed on-chain",
				}
			}
		}

		interval = interval * 3 / 2
		if interval > maxInterval {
			interval = maxInterval
		}
		timer.Reset(interval)
	}
}

func (e *Executor) recordState(state types.SettlementState, network types.Network) {
	e.metrics.IncCounter(metrics.EventSettlementState, map[string]string{
		"outcome": string(state),
		"network": string(network),
	})
}

// Networks returns the networks with a registered backend.
func (e *Executor) Networks() []types.Network {
	seen := make(map[types.Network]bool)
	var networks []types.Network
	for _, b := range e.backends {
		if !seen[b.Network()] {
			seen[b.Network()] = true
			networks = append(networks, b.Network())
		}
	}
	return networks
}

// Close closes all backends.
func (e *Executor) Close() {
	for _, b := range e.backends {
		b.Close()
	}
}
