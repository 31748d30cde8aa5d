package store

import (
	"context"
	"database/sql"
	"fmt"
	"log"
)

// ChainStore tracks each chain's last processed block. Reads and
// writes are atomic with respect to job inserts performed on the same
// observation by passing the same *sql.Tx the Listener used for job
// creation into SetLastProcessedTx.
type ChainStore struct {
	client *Client
	logger *log.Logger
}

// NewChainStore wraps client with the Chain Store's typed operations.
func NewChainStore(client *Client, logger *log.Logger) *ChainStore {
	if logger == nil {
		logger = log.New(log.Writer(), "[chain-store] ", log.LstdFlags)
	}
	return &ChainStore{client: client, logger: logger}
}

// GetLastProcessed returns the last processed block for chain, or 0 if the
// chain has no recorded state yet.
func (s *ChainStore) GetLastProcessed(ctx context.Context, chain string) (uint64, error) {
	var block uint64
	err := s.client.DB().QueryRowContext(ctx,
		`SELECT last_processed_block FROM chain_state WHERE chain_name = $1`, chain,
	).Scan(&block)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("store: get last processed: %w", err)
	}
	return block, nil
}

// SetLastProcessed idempotently upserts chain's last processed block.
func (s *ChainStore) SetLastProcessed(ctx context.Context, chain string, block uint64) error {
	return s.SetLastProcessedTx(ctx, s.client.DB(), chain, block)
}

// execer is satisfied by both *sql.DB and *sql.Tx, letting the Listener fold
// a chain-state write into the same transaction as its job inserts.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// SetLastProcessedTx upserts chain's last processed block using tx, so the
// caller can commit it atomically alongside job rows created from the same
// sweep.
func (s *ChainStore) SetLastProcessedTx(ctx context.Context, tx execer, chain string, block uint64) error {
	const q = `INSERT INTO chain_state (chain_name, last_processed_block, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (chain_name) DO UPDATE SET
			last_processed_block = EXCLUDED.last_processed_block,
			updated_at = now()`
	_, err := tx.ExecContext(ctx, q, chain, block)
	if err != nil {
		return fmt.Errorf("store: set last processed: %w", err)
	}
	return nil
}

// BeginTx starts a transaction for callers (the Listener) that need to write
// chain_state and jobs atomically.
func (s *ChainStore) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.client.DB().BeginTx(ctx, nil)
}
