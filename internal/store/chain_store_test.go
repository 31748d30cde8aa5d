package store

import (
	"context"
	"testing"
)

func TestChainStoreGetLastProcessedDefaultsToZero(t *testing.T) {
	if testClient == nil {
		t.Skip("test database not configured")
	}
	store := NewChainStore(testClient, nil)
	ctx := context.Background()

	block, err := store.GetLastProcessed(ctx, "chain-with-no-state")
	if err != nil {
		t.Fatalf("GetLastProcessed: %v", err)
	}
	if block != 0 {
		t.Errorf("block = %d, want 0", block)
	}
}

func TestChainStoreSetLastProcessedUpsert(t *testing.T) {
	if testClient == nil {
		t.Skip("test database not configured")
	}
	store := NewChainStore(testClient, nil)
	ctx := context.Background()
	chain := "sepolia-test"
	defer func() {
		_, _ = testClient.DB().ExecContext(ctx, "DELETE FROM chain_state WHERE chain_name = $1", chain)
	}()

	if err := store.SetLastProcessed(ctx, chain, 100); err != nil {
		t.Fatalf("SetLastProcessed: %v", err)
	}
	block, err := store.GetLastProcessed(ctx, chain)
	if err != nil {
		t.Fatalf("GetLastProcessed: %v", err)
	}
	if block != 100 {
		t.Errorf("block = %d, want 100", block)
	}

	if err := store.SetLastProcessed(ctx, chain, 250); err != nil {
		t.Fatalf("SetLastProcessed (update): %v", err)
	}
	block, err = store.GetLastProcessed(ctx, chain)
	if err != nil {
		t.Fatalf("GetLastProcessed: %v", err)
	}
	if block != 250 {
		t.Errorf("block = %d, want 250 after upsert", block)
	}
}

func TestChainStoreSetLastProcessedTxAtomicWithJobInsert(t *testing.T) {
	if testClient == nil {
		t.Skip("test database not configured")
	}
	chainStore := NewChainStore(testClient, nil)
	ctx := context.Background()
	chain := "sepolia-tx-test"
	defer func() {
		_, _ = testClient.DB().ExecContext(ctx, "DELETE FROM chain_state WHERE chain_name = $1", chain)
	}()

	tx, err := chainStore.BeginTx(ctx)
	if err != nil {
		t.Fatalf("BeginTx: %v", err)
	}
	if err := chainStore.SetLastProcessedTx(ctx, tx, chain, 42); err != nil {
		tx.Rollback()
		t.Fatalf("SetLastProcessedTx: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	block, err := chainStore.GetLastProcessed(ctx, chain)
	if err != nil {
		t.Fatalf("GetLastProcessed: %v", err)
	}
	if block != 42 {
		t.Errorf("block = %d, want 42", block)
	}
}
