package chainrpc

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// EVMChainRPC is the production ChainRPC backed by a live ethclient.Client.
type EVMChainRPC struct {
	client  *ethclient.Client
	chainID *big.Int
}

// Dial connects to an EVM JSON-RPC endpoint and wraps it as a ChainRPC.
func Dial(url string, chainID int64) (*EVMChainRPC, error) {
	client, err := ethclient.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("chainrpc: dial %s: %w", url, err)
	}
	return &EVMChainRPC{client: client, chainID: big.NewInt(chainID)}, nil
}

func (c *EVMChainRPC) BlockNumber(ctx context.Context) (uint64, error) {
	n, err := c.client.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("chainrpc: block number: %w", err)
	}
	return n, nil
}

func (c *EVMChainRPC) FilterLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error) {
	logs, err := c.client.FilterLogs(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("chainrpc: filter logs: %w", err)
	}
	return logs, nil
}

func (c *EVMChainRPC) TransactionReceipt(ctx context.Context, txHash string) (*types.Receipt, error) {
	receipt, err := c.client.TransactionReceipt(ctx, common.HexToHash(txHash))
	if err != nil {
		return nil, fmt.Errorf("chainrpc: transaction receipt %s: %w", txHash, err)
	}
	return receipt, nil
}

func (c *EVMChainRPC) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	gas, err := c.client.EstimateGas(ctx, msg)
	if err != nil {
		return 0, fmt.Errorf("chainrpc: estimate gas: %w", err)
	}
	return gas, nil
}

func (c *EVMChainRPC) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	price, err := c.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("chainrpc: suggest gas price: %w", err)
	}
	return price, nil
}

func (c *EVMChainRPC) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	tip, err := c.client.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("chainrpc: suggest gas tip cap: %w", err)
	}
	return tip, nil
}

func (c *EVMChainRPC) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if err := c.client.SendTransaction(ctx, tx); err != nil {
		return fmt.Errorf("chainrpc: send transaction: %w", err)
	}
	return nil
}

func (c *EVMChainRPC) PendingNonceAt(ctx context.Context, address string) (uint64, error) {
	nonce, err := c.client.PendingNonceAt(ctx, common.HexToAddress(address))
	if err != nil {
		return 0, fmt.Errorf("chainrpc: pending nonce: %w", err)
	}
	return nonce, nil
}

func (c *EVMChainRPC) ChainID() *big.Int { return c.chainID }

// Raw exposes the underlying ethclient.Client for callers (the Listener's
// block-header subscription) that need capabilities ChainRPC doesn't cover.
func (c *EVMChainRPC) Raw() *ethclient.Client { return c.client }
