package settlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"

	"github.com/newsieai/paygate/logger"
	"github.com/newsieai/paygate/types"
)

const solanaNativeDecimals = 9

// SolanaBackend settles native SOL transfers.
type SolanaBackend struct {
	network  types.Network
	asset    string
	decimals int32
	client   *rpc.Client
	signer   solana.PrivateKey
	log      logger.Logger
}

var _ Backend = (*SolanaBackend)(nil)

// NewSolanaBackend creates a backend for a Solana network. The private key
// is base58-encoded and funds every transfer the backend submits.
func NewSolanaBackend(cfg types.BackendConfig, log logger.Logger) (*SolanaBackend, error) {
	if !cfg.Network.IsSolana() {
		return nil, &types.Error{
			Code:    types.ErrUnsupportedNetwork,
			Message: fmt.Sprintf("network %s is not a Solana network", cfg.Network),
		}
	}
	signer, err := solana.PrivateKeyFromBase58(cfg.PrivateKey)
	if err != nil {
		return nil, &types.Error{
			Code:    types.ErrConfig,
			Message: fmt.Sprintf("invalid solana private key: %v", err),
		}
	}
	if log == nil {
		log = &logger.NoopLogger{}
	}

	asset := cfg.Asset
	if asset == "" {
		asset = "SOL"
	}
	decimals := cfg.Decimals
	if decimals == 0 {
		decimals = solanaNativeDecimals
	}

	return &SolanaBackend{
		network:  cfg.Network,
		asset:    asset,
		decimals: decimals,
		client:   rpc.New(cfg.RPCUrl),
		signer:   signer,
		log:      log,
	}, nil
}

func (s *SolanaBackend) Network() types.Network { return s.network }
func (s *SolanaBackend) Asset() string          { return s.asset }

func (s *SolanaBackend) SubmitTransfer(ctx context.Context, challenge *types.PaymentChallenge) (string, error) {
	recipient, err := solana.PublicKeyFromBase58(challenge.Recipient)
	if err != nil {
		return "", &types.Error{
			Code:    types.ErrSubmissionFailed,
			Message: fmt.Sprintf("invalid recipient address: %v", err),
		}
	}

	lamports, err := toBaseUnits(challenge.Amount, s.decimals)
	if err != nil {
		return "", &types.Error{
			Code:    types.ErrSubmissionFailed,
			Message: fmt.Sprintf("amount not representable in lamports: %v", err),
		}
	}

	recent, err := s.client.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		// Nothing has been broadcast yet, so this failure is definite.
		return "", &types.Error{
			Code:    types.ErrSubmissionFailed,
			Message: fmt.Sprintf("blockhash fetch failed: %v", err),
		}
	}

	payer := s.signer.PublicKey()
	tx, err := solana.NewTransaction(
		[]solana.Instruction{
			system.NewTransferInstruction(lamports, payer, recipient).Build(),
		},
		recent.Value.Blockhash,
		solana.TransactionPayer(payer),
	)
	if err != nil {
		return "", &types.Error{
			Code:    types.ErrSubmissionFailed,
			Message: fmt.Sprintf("transaction build failed: %v", err),
		}
	}

	if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(payer) {
			return &s.signer
		}
		return nil
	}); err != nil {
		return "", &types.Error{
			Code:    types.ErrSubmissionFailed,
			Message: fmt.Sprintf("transaction sign failed: %v", err),
		}
	}

	// The signature identifies the transaction whether or not the broadcast
	// below succeeds.
	localSig := tx.Signatures[0].String()

	sig, err := s.client.SendTransaction(ctx, tx)
	if err != nil {
		var rpcErr *jsonrpc.RPCError
		if errors.As(err, &rpcErr) {
			// The node evaluated the transaction and refused it.
			return localSig, &types.Error{
				Code:    types.ErrSubmissionFailed,
				Message: fmt.Sprintf("node rejected transaction: %v", err),
			}
		}
		return localSig, classifyTransportError(err)
	}

	return sig.String(), nil
}

func (s *SolanaBackend) ConfirmationStatus(ctx context.Context, txReference string) (Confirmation, error) {
	sig, err := solana.SignatureFromBase58(txReference)
	if err != nil {
		return "", fmt.Errorf("invalid signature %q: %w", txReference, err)
	}

	out, err := s.client.GetSignatureStatuses(ctx, true, sig)
	if err != nil {
		return "", err
	}
	if len(out.Value) == 0 || out.Value[0] == nil {
		return ConfirmationPending, nil
	}

	status := out.Value[0]
	if status.Err != nil {
		return ConfirmationFailed, nil
	}
	if status.ConfirmationStatus == rpc.ConfirmationStatusFinalized {
		return ConfirmationFinalized, nil
	}
	return ConfirmationPending, nil
}

func (s *SolanaBackend) Close() {}
