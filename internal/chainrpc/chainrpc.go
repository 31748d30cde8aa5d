// Package chainrpc abstracts the per-chain JSON-RPC surface the listener,
// queue, and executor need, so the queue can translate a transaction hash
// into a global log index without importing the listener package that owns
// the sweep loop.
package chainrpc

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
)

// ChainRPC is the capability a chain's Listener, Queue entry, and Executor
// share: a thin, mockable wrapper over an ethclient.Client.
type ChainRPC interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error)
	TransactionReceipt(ctx context.Context, txHash string) (*types.Receipt, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	PendingNonceAt(ctx context.Context, address string) (uint64, error)
	ChainID() *big.Int
}
