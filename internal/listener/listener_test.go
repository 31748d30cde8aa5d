package listener

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"os"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/polymer-relayer/relayer-core/internal/config"
	"github.com/polymer-relayer/relayer-core/internal/store"
)

var testClient *store.Client

func TestMain(m *testing.M) {
	dsn := os.Getenv("RELAYER_TEST_DB")
	if dsn == "" {
		os.Exit(0)
	}

	var err error
	testClient, err = store.NewClient(dsn)
	if err != nil {
		panic("listener: connect to test database: " + err.Error())
	}
	if err := testClient.MigrateUp(context.Background()); err != nil {
		panic("listener: migrate test database: " + err.Error())
	}

	code := m.Run()
	testClient.Close()
	os.Exit(code)
}

// randomSuffix returns a fresh hex string so fixtures inserted into a shared
// test database cannot collide across runs.
func randomSuffix(t *testing.T) string {
	t.Helper()
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		t.Fatalf("read random bytes: %v", err)
	}
	return hex.EncodeToString(b)
}

// fakeChainRPC serves a fixed head and log set to drive sweep without a
// real chain.
type fakeChainRPC struct {
	head uint64
	logs []types.Log
}

func (f *fakeChainRPC) BlockNumber(ctx context.Context) (uint64, error) { return f.head, nil }
func (f *fakeChainRPC) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	var out []types.Log
	for _, lg := range f.logs {
		if lg.BlockNumber >= q.FromBlock.Uint64() && lg.BlockNumber <= q.ToBlock.Uint64() {
			out = append(out, lg)
		}
	}
	return out, nil
}
func (f *fakeChainRPC) TransactionReceipt(ctx context.Context, txHash string) (*types.Receipt, error) {
	return nil, fmt.Errorf("not implemented")
}
func (f *fakeChainRPC) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return 21000, nil
}
func (f *fakeChainRPC) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1), nil
}
func (f *fakeChainRPC) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1), nil
}
func (f *fakeChainRPC) SendTransaction(ctx context.Context, tx *types.Transaction) error { return nil }
func (f *fakeChainRPC) PendingNonceAt(ctx context.Context, address string) (uint64, error) {
	return 0, nil
}
func (f *fakeChainRPC) ChainID() *big.Int { return big.NewInt(11155111) }

// newTestListener wires a Listener against a fresh pair of chain names so
// concurrent test runs against a shared database cannot collide.
func newTestListener(t *testing.T, rpc *fakeChainRPC, sourceChain, destChain string, confirmations uint64) *Listener {
	t.Helper()

	mappings := []config.EventMapping{{
		Name:                "value-sync",
		SourceEvent:         config.EventEndpoint{Contract: "Source", Signature: "ValueBroadcast(address indexed sender, uint256 indexed value)"},
		DestinationCall:     config.EventEndpoint{Contract: "Sink", Signature: "setValue(uint256 value)"},
		DestinationResolver: "to-dest",
		ProofRequired:       false,
		Enabled:             true,
	}}
	deployments := []config.ContractDeployment{
		{Name: "Source", Chain: sourceChain, Address: "0x4444444444444444444444444444444444444444", Role: config.RoleSource},
		{Name: "Sink", Chain: destChain, Address: "0x5555555555555555555555555555555555555555", Role: config.RoleDestination},
	}
	resolvers := map[string]config.ResolverSpec{
		"to-dest": {Kind: config.ResolverStatic, Destinations: []string{sourceChain, destChain}},
	}

	l, err := New(
		sourceChain, rpc,
		store.NewJobStore(testClient, nil), store.NewChainStore(testClient, nil),
		mappings, deployments, resolvers, nil,
		confirmations, 100*time.Millisecond, nil, nil,
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return l
}

func broadcastLog(block uint64, txHash common.Hash) types.Log {
	return types.Log{
		Address: common.HexToAddress("0x4444444444444444444444444444444444444444"),
		Topics: []common.Hash{
			crypto.Keccak256Hash([]byte("ValueBroadcast(address,uint256)")),
			common.BytesToHash(common.HexToAddress("0x1111111111111111111111111111111111111111").Bytes()),
			common.BigToHash(big.NewInt(42)),
		},
		BlockNumber: block,
		TxHash:      txHash,
		Index:       3,
	}
}

// TestSweepCreatesOneJobPerDestinationAndSkipsDuplicates covers two
// behaviours at once: the static resolver excludes the source chain, and
// re-sweeping an already-seen range (the cursor having failed to advance)
// creates no second job.
func TestSweepCreatesOneJobPerDestinationAndSkipsDuplicates(t *testing.T) {
	if testClient == nil {
		t.Skip("RELAYER_TEST_DB not set")
	}
	ctx := context.Background()

	run := randomSuffix(t)
	sourceChain := "src-" + run
	destChain := "dst-" + run
	txHash := common.HexToHash("0x" + randomSuffix(t) + "aa")

	rpc := &fakeChainRPC{head: 1010, logs: []types.Log{broadcastLog(1000, txHash)}}
	l := newTestListener(t, rpc, sourceChain, destChain, 10)

	chainStore := store.NewChainStore(testClient, nil)
	if err := chainStore.SetLastProcessed(ctx, sourceChain, 999); err != nil {
		t.Fatalf("SetLastProcessed: %v", err)
	}

	if err := l.sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	uniqueID := fmt.Sprintf("%s:%s:0:%s", sourceChain, txHash.Hex(), destChain)
	job, err := store.NewJobStore(testClient, nil).FindByUniqueID(ctx, uniqueID)
	if err != nil {
		t.Fatalf("FindByUniqueID(%s): %v", uniqueID, err)
	}
	if job.DestChain != destChain {
		t.Errorf("DestChain = %q, want %q (source chain excluded by the static resolver)", job.DestChain, destChain)
	}
	if job.DestAddress != "0x5555555555555555555555555555555555555555" {
		t.Errorf("DestAddress = %q, want the Sink deployment's address on %s", job.DestAddress, destChain)
	}
	if job.Status != store.StatusPending {
		t.Errorf("Status = %q, want pending", job.Status)
	}

	last, err := chainStore.GetLastProcessed(ctx, sourceChain)
	if err != nil {
		t.Fatalf("GetLastProcessed: %v", err)
	}
	if last != 1000 {
		t.Errorf("watermark = %d, want 1000 (head 1010 - 10 confirmations)", last)
	}

	// Rewind the cursor, as if the previous tick failed after the job insert
	// but before its commit, and sweep the same range again.
	if err := chainStore.SetLastProcessed(ctx, sourceChain, 999); err != nil {
		t.Fatalf("SetLastProcessed: %v", err)
	}
	if err := l.sweep(ctx); err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	job, err = store.NewJobStore(testClient, nil).FindByUniqueID(ctx, uniqueID)
	if err != nil {
		t.Fatalf("FindByUniqueID after re-sweep: %v", err)
	}
	if job.Status != store.StatusPending {
		t.Errorf("Status after re-sweep = %q, want pending (no status regression)", job.Status)
	}
}

func TestSweepRange(t *testing.T) {
	tests := []struct {
		name          string
		head          uint64
		confirmations uint64
		last          uint64
		wantFrom      uint64
		wantTo        uint64
		wantOK        bool
	}{
		{
			name: "zero confirmations processes up to head inclusive",
			head: 50, confirmations: 0, last: 40,
			wantFrom: 41, wantTo: 50, wantOK: true,
		},
		{
			name: "confirmation depth held back from head",
			head: 100, confirmations: 5, last: 80,
			wantFrom: 81, wantTo: 95, wantOK: true,
		},
		{
			name: "no progress while confirmations exceed head",
			head: 10, confirmations: 20, last: 0,
			wantOK: false,
		},
		{
			name: "no progress while safe height at watermark",
			head: 100, confirmations: 5, last: 95,
			wantOK: false,
		},
		{
			name: "exactly 100 blocks admitted in one sweep",
			head: 1100, confirmations: 0, last: 1000,
			wantFrom: 1001, wantTo: 1100, wantOK: true,
		},
		{
			name: "101 blocks split across two sweeps",
			head: 1101, confirmations: 0, last: 1000,
			wantFrom: 1001, wantTo: 1100, wantOK: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			from, to, ok := sweepRange(tt.head, tt.confirmations, tt.last)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if from != tt.wantFrom || to != tt.wantTo {
				t.Errorf("range = [%d, %d], want [%d, %d]", from, to, tt.wantFrom, tt.wantTo)
			}
		})
	}
}

// TestSweepRangeSecondTickPicksUpRemainder completes the 101-block split: the
// follow-up sweep covers exactly the one block the capped first sweep left.
func TestSweepRangeSecondTickPicksUpRemainder(t *testing.T) {
	_, to, ok := sweepRange(1101, 0, 1000)
	if !ok || to != 1100 {
		t.Fatalf("first sweep to = %d (ok=%v), want 1100", to, ok)
	}
	from, to, ok := sweepRange(1101, 0, to)
	if !ok {
		t.Fatal("second sweep made no progress")
	}
	if from != 1101 || to != 1101 {
		t.Errorf("second sweep = [%d, %d], want [1101, 1101]", from, to)
	}
}
