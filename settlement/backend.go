// Package settlement executes and confirms on-chain transfers for approved
// challenges. The executor owns idempotency and confirmation polling;
// backends own one network each and only know how to broadcast a transfer
// and report its status.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net"

	"github.com/shopspring/decimal"

	"github.com/newsieai/paygate/types"
)

// Confirmation is the observed status of a broadcast transaction.
type Confirmation string

const (
	ConfirmationPending   Confirmation = "pending"
	ConfirmationFinalized Confirmation = "finalized"
	ConfirmationFailed    Confirmation = "failed"
)

// Backend settles one asset on one network.
type Backend interface {
	Network() types.Network
	Asset() string

	// SubmitTransfer signs and broadcasts a transfer satisfying the challenge
	// and returns the network transaction reference. Errors are typed:
	// submission_failed means the transaction definitely did not take effect,
	// unknown_outcome means it may have. The reference may be returned
	// alongside an unknown_outcome error when it is known locally.
	SubmitTransfer(ctx context.Context, challenge *types.PaymentChallenge) (string, error)

	// ConfirmationStatus reports the current status of a broadcast
	// transaction identified by its reference.
	ConfirmationStatus(ctx context.Context, txReference string) (Confirmation, error)

	Close()
}

// classifyTransportError types an error from a broadcast whose request may
// or may not have reached the node. Only errors that provably precede the
// send become submission_failed; everything else is unknown_outcome, which
// the caller must never auto-retry.
func classifyTransportError(err error) *types.Error {
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return &types.Error{
			Code:    types.ErrSubmissionFailed,
			Message: "node unreachable: " + err.Error(),
		}
	}
	return &types.Error{
		Code:    types.ErrUnknownOutcome,
		Message: "broadcast outcome unknown: " + err.Error(),
	}
}

// toBaseUnitsBig converts a challenge amount to integral base units, rounding
// up so a transfer never underpays the demand.
func toBaseUnitsBig(amount decimal.Decimal, decimals int32) (*big.Int, error) {
	units := amount.Shift(decimals).Ceil()
	if !units.IsPositive() {
		return nil, fmt.Errorf("amount %s is not positive in base units", amount)
	}
	return units.BigInt(), nil
}

// toBaseUnits is toBaseUnitsBig for networks whose amounts fit in a uint64.
func toBaseUnits(amount decimal.Decimal, decimals int32) (uint64, error) {
	units, err := toBaseUnitsBig(amount, decimals)
	if err != nil {
		return 0, err
	}
	if !units.IsUint64() {
		return 0, fmt.Errorf("amount %s overflows base units", amount)
	}
	return units.Uint64(), nil
}
