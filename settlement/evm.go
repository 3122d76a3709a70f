package settlement

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/newsieai/paygate/logger"
	"github.com/newsieai/paygate/types"
)

const (
	evmNativeDecimals = 18

	// nativeTransferGas is the fixed gas cost of a plain value transfer.
	nativeTransferGas = 21000
)

// EVMBackend settles native-asset transfers on an EVM network.
type EVMBackend struct {
	network  types.Network
	asset    string
	decimals int32
	eth      *ethclient.Client
	signer   *ecdsa.PrivateKey
	chainID  *big.Int
	log      logger.Logger
}

var _ Backend = (*EVMBackend)(nil)

// NewEVMBackend dials the RPC endpoint and prepares the signing key. When the
// chain id is not configured it is fetched from the node.
func NewEVMBackend(cfg types.BackendConfig, log logger.Logger) (*EVMBackend, error) {
	if !cfg.Network.IsEVM() {
		return nil, &types.Error{
			Code:    types.ErrUnsupportedNetwork,
			Message: fmt.Sprintf("network %s is not an EVM network", cfg.Network),
		}
	}

	eth, err := ethclient.Dial(cfg.RPCUrl)
	if err != nil {
		return nil, &types.Error{
			Code:    types.ErrConfig,
			Message: fmt.Sprintf("ethereum rpc dial: %v", err),
		}
	}

	signer, err := crypto.HexToECDSA(cfg.PrivateKey)
	if err != nil {
		eth.Close()
		return nil, &types.Error{
			Code:    types.ErrConfig,
			Message: fmt.Sprintf("invalid evm private key: %v", err),
		}
	}

	var chainID *big.Int
	if cfg.ChainID != "" {
		chainID, _ = new(big.Int).SetString(cfg.ChainID, 10)
		if chainID == nil {
			eth.Close()
			return nil, &types.Error{
				Code:    types.ErrConfig,
				Message: fmt.Sprintf("invalid chain id %q", cfg.ChainID),
			}
		}
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		chainID, err = eth.ChainID(ctx)
		if err != nil {
			eth.Close()
			return nil, &types.Error{
				Code:    types.ErrConfig,
				Message: fmt.Sprintf("chain id fetch failed: %v", err),
			}
		}
	}

	if log == nil {
		log = &logger.NoopLogger{}
	}

	asset := cfg.Asset
	if asset == "" {
		asset = "ETH"
	}
	decimals := cfg.Decimals
	if decimals == 0 {
		decimals = evmNativeDecimals
	}

	return &EVMBackend{
		network:  cfg.Network,
		asset:    asset,
		decimals: decimals,
		eth:      eth,
		signer:   signer,
		chainID:  chainID,
		log:      log,
	}, nil
}

func (e *EVMBackend) Network() types.Network { return e.network }
func (e *EVMBackend) Asset() string          { return e.asset }

func (e *EVMBackend) SubmitTransfer(ctx context.Context, challenge *types.PaymentChallenge) (string, error) {
	if !common.IsHexAddress(challenge.Recipient) {
		return "", &types.Error{
			Code:    types.ErrSubmissionFailed,
			Message: fmt.Sprintf("invalid recipient address %q", challenge.Recipient),
		}
	}
	to := common.HexToAddress(challenge.Recipient)

	wei, err := toBaseUnitsBig(challenge.Amount, e.decimals)
	if err != nil {
		return "", &types.Error{
			Code:    types.ErrSubmissionFailed,
			Message: fmt.Sprintf("amount not representable in wei: %v", err),
		}
	}

	from := crypto.PubkeyToAddress(e.signer.PublicKey)

	nonce, err := e.eth.PendingNonceAt(ctx, from)
	if err != nil {
		return "", &types.Error{
			Code:    types.ErrSubmissionFailed,
			Message: fmt.Sprintf("pending nonce failed: %v", err),
		}
	}

	gasPrice, err := e.eth.SuggestGasPrice(ctx)
	if err != nil {
		return "", &types.Error{
			Code:    types.ErrSubmissionFailed,
			Message: fmt.Sprintf("suggest gas price failed: %v", err),
		}
	}

	tx := ethtypes.NewTransaction(nonce, to, wei, nativeTransferGas, gasPrice, nil)
	signed, err := ethtypes.SignTx(tx, ethtypes.NewEIP155Signer(e.chainID), e.signer)
	if err != nil {
		return "", &types.Error{
			Code:    types.ErrSubmissionFailed,
			Message: fmt.Sprintf("sign tx failed: %v", err),
		}
	}

	// The hash identifies the transaction whether or not the broadcast below
	// succeeds.
	hash := signed.Hash().Hex()

	if err := e.eth.SendTransaction(ctx, signed); err != nil {
		var rpcErr rpc.Error
		if errors.As(err, &rpcErr) {
			// The node evaluated the transaction and refused it.
			return hash, &types.Error{
				Code:    types.ErrSubmissionFailed,
				Message: fmt.Sprintf("node rejected transaction: %v", err),
			}
		}
		return hash, classifyTransportError(err)
	}

	return hash, nil
}

func (e *EVMBackend) ConfirmationStatus(ctx context.Context, txReference string) (Confirmation, error) {
	receipt, err := e.eth.TransactionReceipt(ctx, common.HexToHash(txReference))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return ConfirmationPending, nil
		}
		return "", err
	}
	if receipt.Status == ethtypes.ReceiptStatusSuccessful {
		return ConfirmationFinalized, nil
	}
	return ConfirmationFailed, nil
}

func (e *EVMBackend) Close() {
	e.eth.Close()
}
