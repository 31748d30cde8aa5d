// Package signer wraps private-key-based transaction signing: each
// destination chain's executor holds exactly one ChainSigner.
package signer

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// ChainSigner signs transactions for one chain's Executor, with a fixed
// private key and chain ID.
type ChainSigner struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    *big.Int
}

// NewChainSigner parses a hex-encoded private key (with or without an 0x
// prefix) and derives its public address.
func NewChainSigner(privateKeyHex string, chainID int64) (*ChainSigner, error) {
	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("signer: parse private key: %w", err)
	}

	publicKeyECDSA, ok := privateKey.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("signer: failed to cast public key to ECDSA")
	}

	return &ChainSigner{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(*publicKeyECDSA),
		chainID:    big.NewInt(chainID),
	}, nil
}

// Address returns the signer's public address.
func (s *ChainSigner) Address() common.Address { return s.address }

// ChainID returns the chain ID this signer signs for.
func (s *ChainSigner) ChainID() *big.Int { return s.chainID }

// SignTx signs tx with the EIP-155-aware signer appropriate to its type
// (legacy or dynamic-fee), using go-ethereum's London signer so EIP-1559
// transactions are supported.
func (s *ChainSigner) SignTx(tx *types.Transaction) (*types.Transaction, error) {
	signer := types.LatestSignerForChainID(s.chainID)
	signed, err := types.SignTx(tx, signer, s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("signer: sign transaction: %w", err)
	}
	return signed, nil
}

// TransactOpts returns a bind.TransactOpts for callers that want to drive
// contract bindings directly rather than building raw transactions.
func (s *ChainSigner) TransactOpts() (*bind.TransactOpts, error) {
	auth, err := bind.NewKeyedTransactorWithChainID(s.privateKey, s.chainID)
	if err != nil {
		return nil, fmt.Errorf("signer: create transactor: %w", err)
	}
	return auth, nil
}
