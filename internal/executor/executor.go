// Package executor implements the per-chain transaction executor: it
// encodes the destination contract call, estimates gas, submits the
// transaction, and waits for confirmations.
package executor

import (
	"context"
	"fmt"
	"log"
	"math"
	"math/big"
	"reflect"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/polymer-relayer/relayer-core/internal/chainrpc"
	"github.com/polymer-relayer/relayer-core/internal/errs"
	"github.com/polymer-relayer/relayer-core/internal/event"
	"github.com/polymer-relayer/relayer-core/internal/signature"
	"github.com/polymer-relayer/relayer-core/internal/signer"
	"github.com/polymer-relayer/relayer-core/internal/store"
)

// receiptPollInterval is how often Execute polls for a receipt and for
// confirmation depth once the receipt is seen.
const receiptPollInterval = 2 * time.Second

// ExecuteParams is everything Execute needs to build one destination call.
type ExecuteParams struct {
	ContractAddress string
	MethodName      string
	MethodSignature string
	EventData       event.Decoded
	ProofData       *store.ProofData
}

// Executor submits destination-chain transactions for one chain.
type Executor struct {
	chainName            string
	rpc                  chainrpc.ChainRPC
	signer               *signer.ChainSigner
	gasMultiplier        float64
	confirmations        uint64
	maxFeePerGas         *big.Int
	maxPriorityFeePerGas *big.Int
	logger               *log.Logger
}

// New builds an Executor for one chain. maxFeePerGas/maxPriorityFeePerGas may
// both be nil, in which case Execute builds a legacy transaction priced via
// ChainRPC.SuggestGasPrice instead of a DynamicFeeTx.
func New(
	chainName string,
	rpc chainrpc.ChainRPC,
	chainSigner *signer.ChainSigner,
	gasMultiplier float64,
	confirmations uint64,
	maxFeePerGas *big.Int,
	maxPriorityFeePerGas *big.Int,
	logger *log.Logger,
) *Executor {
	if gasMultiplier <= 0 {
		gasMultiplier = 1.0
	}
	if confirmations < 1 {
		confirmations = 1
	}
	if logger == nil {
		logger = log.New(log.Writer(), fmt.Sprintf("[executor:%s] ", chainName), log.LstdFlags)
	}
	return &Executor{
		chainName:            chainName,
		rpc:                  rpc,
		signer:               chainSigner,
		gasMultiplier:        gasMultiplier,
		confirmations:        confirmations,
		maxFeePerGas:         maxFeePerGas,
		maxPriorityFeePerGas: maxPriorityFeePerGas,
		logger:               logger,
	}
}

// Execute encodes and submits the destination call described by params,
// blocking until it has accumulated the configured confirmation depth.
func (e *Executor) Execute(ctx context.Context, params ExecuteParams) (string, error) {
	sig, err := signature.Parse(params.MethodSignature)
	if err != nil {
		return "", fmt.Errorf("executor: parse method signature %q: %w", params.MethodSignature, err)
	}

	callData, err := e.encode(sig, params)
	if err != nil {
		return "", err
	}

	to := common.HexToAddress(params.ContractAddress)
	from := e.signer.Address()

	gasLimit, err := e.estimateGas(ctx, from, to, callData)
	if err != nil {
		return "", err
	}

	nonce, err := e.rpc.PendingNonceAt(ctx, from.Hex())
	if err != nil {
		return "", fmt.Errorf("%w: pending nonce: %v", errs.ErrRPC, err)
	}

	tx, err := e.buildTx(ctx, nonce, to, gasLimit, callData)
	if err != nil {
		return "", err
	}

	signedTx, err := e.signer.SignTx(tx)
	if err != nil {
		return "", fmt.Errorf("executor: sign tx: %w", err)
	}

	if err := e.rpc.SendTransaction(ctx, signedTx); err != nil {
		return "", fmt.Errorf("%w: send transaction: %v", errs.ErrRPC, err)
	}

	txHash := signedTx.Hash().Hex()
	e.logger.Printf("submitted destination tx %s to %s", txHash, e.chainName)

	receipt, err := e.waitForReceipt(ctx, txHash)
	if err != nil {
		return txHash, err
	}

	if err := e.waitForConfirmations(ctx, receipt.BlockNumber.Uint64()); err != nil {
		return txHash, err
	}

	if receipt.Status != types.ReceiptStatusSuccessful {
		return txHash, &errs.ExecutionRevertedError{TxHash: txHash}
	}

	return txHash, nil
}

// encode builds the destination call's ABI-packed arguments: a proof/bytes
// parameter pulls from ProofData, a name present in the decoded event pulls
// from there, and anything else falls back to a type-based zero value with
// a warning.
func (e *Executor) encode(sig *signature.Signature, params ExecuteParams) ([]byte, error) {
	args := make(abi.Arguments, 0, len(sig.Params))
	values := make([]any, 0, len(sig.Params))

	for _, p := range sig.Params {
		t, err := abi.NewType(p.Type, "", nil)
		if err != nil {
			return nil, fmt.Errorf("%w: abi type %q for param %q: %v", errs.ErrEncoding, p.Type, p.Name, err)
		}
		args = append(args, abi.Argument{Name: p.Name, Type: t})

		v, err := e.argumentValue(p, params)
		if err != nil {
			return nil, err
		}
		values = append(values, v)
	}

	packed, err := args.Pack(values...)
	if err != nil {
		return nil, fmt.Errorf("%w: pack arguments for %s: %v", errs.ErrEncoding, sig.Name, err)
	}

	selector := crypto.Keccak256([]byte(sig.CanonicalForm()))[:4]
	return append(selector, packed...), nil
}

func (e *Executor) argumentValue(p signature.Parameter, params ExecuteParams) (any, error) {
	if p.Name == "proof" && p.Type == "bytes" {
		if params.ProofData == nil || len(params.ProofData.Proof) == 0 {
			return nil, fmt.Errorf("%w: method %q requires a proof but none was attached", errs.ErrEncoding, params.MethodName)
		}
		return params.ProofData.Proof, nil
	}

	if av, ok := params.EventData.Args[p.Name]; ok {
		return argValueToGo(p.Type, av)
	}

	e.logger.Printf("warning: parameter %q (%s) not found in event data or proof for method %q, using zero value", p.Name, p.Type, params.MethodName)
	return zeroValue(p.Type)
}

// estimateGas estimates gas for the call and applies the configured
// gas multiplier, flooring the scaled result.
func (e *Executor) estimateGas(ctx context.Context, from, to common.Address, callData []byte) (uint64, error) {
	msg := ethereum.CallMsg{From: from, To: &to, Data: callData}
	estimate, err := e.rpc.EstimateGas(ctx, msg)
	if err != nil {
		return 0, fmt.Errorf("%w: estimate gas: %v", errs.ErrRPC, err)
	}
	return uint64(math.Floor(float64(estimate) * e.gasMultiplier)), nil
}

// buildTx constructs either a DynamicFeeTx (when EIP-1559 fee caps are
// configured) or a LegacyTx priced via ChainRPC.SuggestGasPrice.
func (e *Executor) buildTx(ctx context.Context, nonce uint64, to common.Address, gasLimit uint64, data []byte) (*types.Transaction, error) {
	if e.maxFeePerGas != nil && e.maxPriorityFeePerGas != nil {
		return types.NewTx(&types.DynamicFeeTx{
			ChainID:   e.signer.ChainID(),
			Nonce:     nonce,
			GasTipCap: e.maxPriorityFeePerGas,
			GasFeeCap: e.maxFeePerGas,
			Gas:       gasLimit,
			To:        &to,
			Value:     big.NewInt(0),
			Data:      data,
		}), nil
	}

	gasPrice, err := e.rpc.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: suggest gas price: %v", errs.ErrRPC, err)
	}
	return types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    big.NewInt(0),
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	}), nil
}

// waitForReceipt polls until the transaction's receipt is available.
func (e *Executor) waitForReceipt(ctx context.Context, txHash string) (*types.Receipt, error) {
	ticker := time.NewTicker(receiptPollInterval)
	defer ticker.Stop()

	for {
		receipt, err := e.rpc.TransactionReceipt(ctx, txHash)
		if err == nil {
			return receipt, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("executor: wait for receipt: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// waitForConfirmations blocks until the chain's head has advanced at least
// e.confirmations blocks past txBlock.
func (e *Executor) waitForConfirmations(ctx context.Context, txBlock uint64) error {
	ticker := time.NewTicker(receiptPollInterval)
	defer ticker.Stop()

	for {
		current, err := e.rpc.BlockNumber(ctx)
		if err != nil {
			return fmt.Errorf("%w: block number: %v", errs.ErrRPC, err)
		}
		if current >= txBlock+e.confirmations-1 {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("executor: wait for confirmations: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

func argValueToGo(solType string, v event.ArgValue) (any, error) {
	switch {
	case v.Kind == event.KindUint || v.Kind == event.KindInt:
		if v.Int == nil {
			return big.NewInt(0), nil
		}
		return v.Int, nil
	case v.Kind == event.KindAddress:
		return v.Addr, nil
	case v.Kind == event.KindBool:
		return v.Bool, nil
	case v.Kind == event.KindString:
		return v.Str, nil
	case v.Kind == event.KindBytes:
		return fixedOrDynamicBytes(solType, v.Bytes)
	default:
		return nil, fmt.Errorf("%w: unsupported arg value kind %q", errs.ErrEncoding, v.Kind)
	}
}

// fixedOrDynamicBytes converts a stored []byte back into whatever shape
// go-ethereum's abi.Pack expects: a fixed-size array for bytesN, the slice
// itself for dynamic bytes.
func fixedOrDynamicBytes(solType string, b []byte) (any, error) {
	if solType == "bytes" {
		return b, nil
	}
	if !strings.HasPrefix(solType, "bytes") {
		return b, nil
	}
	n := 0
	if _, err := fmt.Sscanf(solType, "bytes%d", &n); err != nil || n <= 0 || n > 32 {
		return nil, fmt.Errorf("%w: unsupported fixed bytes type %q", errs.ErrEncoding, solType)
	}
	return newFixedBytes(n, b), nil
}

// newFixedBytes builds the reflect.Array value go-ethereum's abi.Pack
// expects for bytesN (e.g. [32]byte for bytes32), since Go has no way to
// express "array of runtime-determined length" without reflection.
func newFixedBytes(n int, b []byte) any {
	arrType := reflect.ArrayOf(n, reflect.TypeOf(byte(0)))
	arr := reflect.New(arrType).Elem()
	reflect.Copy(arr, reflect.ValueOf(b))
	return arr.Interface()
}

// zeroValue returns the ABI-pack-ready zero value for solType, used when a
// destination method parameter has no matching event data.
func zeroValue(solType string) (any, error) {
	switch {
	case solType == "address":
		return common.Address{}, nil
	case solType == "bool":
		return false, nil
	case solType == "string":
		return "", nil
	case solType == "bytes":
		return []byte{}, nil
	case strings.HasPrefix(solType, "uint"), strings.HasPrefix(solType, "int"):
		return big.NewInt(0), nil
	case strings.HasPrefix(solType, "bytes"):
		return fixedOrDynamicBytes(solType, nil)
	default:
		return nil, fmt.Errorf("%w: no zero value for solidity type %q", errs.ErrEncoding, solType)
	}
}
