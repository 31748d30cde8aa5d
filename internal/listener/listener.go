// Package listener implements the per-chain event sweeper: one instance
// per source chain, sweeping finalised blocks for configured source events
// and turning each into a durable job.
package listener

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/polymer-relayer/relayer-core/internal/chainrpc"
	"github.com/polymer-relayer/relayer-core/internal/config"
	"github.com/polymer-relayer/relayer-core/internal/errs"
	"github.com/polymer-relayer/relayer-core/internal/metrics"
	"github.com/polymer-relayer/relayer-core/internal/resolver"
	"github.com/polymer-relayer/relayer-core/internal/signature"
	"github.com/polymer-relayer/relayer-core/internal/store"
)

// maxBlockRange caps how many blocks a single eth_getLogs call spans,
// bounding memory and request size against RPC provider log-range limits.
// A sweep covers at most this many blocks inclusive.
const maxBlockRange = uint64(100)

// sourceMapping pairs one configured EventMapping with its parsed source
// event signature, resolved source contract address, and parsed destination
// call signature, precomputed once at construction rather than on every
// sweep tick.
type sourceMapping struct {
	mapping config.EventMapping
	sig     *signature.Signature
	destSig *signature.Signature
	topic   common.Hash
	address common.Address
}

// Listener sweeps one source chain for events named by its mappings and
// creates a job per observed, resolved (event, destination chain) pair.
type Listener struct {
	chainName     string
	rpc           chainrpc.ChainRPC
	jobStore      *store.JobStore
	chainStore    *store.ChainStore
	mappings      []sourceMapping
	destDeploys   map[string]map[string]config.ContractDeployment
	resolvers     map[string]config.ResolverSpec
	customFns     map[string]resolver.CustomFunc
	confirmations uint64
	pollInterval  time.Duration
	metrics       *metrics.Metrics
	logger        *log.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds a Listener for chainName. deployments is the full contract
// deployment table; the Listener keeps the ones whose (contract, chain) pair
// makes them a source here, plus a destination-side index so a resolved
// chain name can be turned into the destination contract's address there.
// mappings are filtered down to the ones whose source contract deploys on
// this chain with a source role.
func New(
	chainName string,
	rpc chainrpc.ChainRPC,
	jobStore *store.JobStore,
	chainStore *store.ChainStore,
	mappings []config.EventMapping,
	deployments []config.ContractDeployment,
	resolvers map[string]config.ResolverSpec,
	customFns map[string]resolver.CustomFunc,
	confirmations uint64,
	pollInterval time.Duration,
	m *metrics.Metrics,
	logger *log.Logger,
) (*Listener, error) {
	if logger == nil {
		logger = log.New(log.Writer(), fmt.Sprintf("[listener:%s] ", chainName), log.LstdFlags)
	}

	sourceDeploys := make(map[string]config.ContractDeployment)
	destDeploys := make(map[string]map[string]config.ContractDeployment)
	for _, d := range deployments {
		if d.Chain == chainName && d.Role.IsSource() {
			sourceDeploys[d.Name] = d
		}
		if d.Role.IsDestination() {
			if destDeploys[d.Name] == nil {
				destDeploys[d.Name] = make(map[string]config.ContractDeployment)
			}
			destDeploys[d.Name][d.Chain] = d
		}
	}

	var sms []sourceMapping
	for _, mp := range mappings {
		if !mp.Enabled {
			continue
		}
		sourceDeploy, ok := sourceDeploys[mp.SourceEvent.Contract]
		if !ok {
			continue
		}
		sig, err := signature.Parse(mp.SourceEvent.Signature)
		if err != nil {
			return nil, fmt.Errorf("%w: mapping %q: parse source event signature: %v", errs.ErrConfig, mp.Name, err)
		}
		destSig, err := signature.Parse(mp.DestinationCall.Signature)
		if err != nil {
			return nil, fmt.Errorf("%w: mapping %q: parse destination call signature: %v", errs.ErrConfig, mp.Name, err)
		}
		if len(destDeploys[mp.DestinationCall.Contract]) == 0 {
			return nil, fmt.Errorf("%w: mapping %q: destination contract %q has no destination-role deployment on any chain", errs.ErrConfig, mp.Name, mp.DestinationCall.Contract)
		}
		sms = append(sms, sourceMapping{
			mapping: mp,
			sig:     sig,
			destSig: destSig,
			topic:   crypto.Keccak256Hash([]byte(sig.CanonicalForm())),
			address: common.HexToAddress(sourceDeploy.Address),
		})
	}

	return &Listener{
		chainName:     chainName,
		rpc:           rpc,
		jobStore:      jobStore,
		chainStore:    chainStore,
		mappings:      sms,
		destDeploys:   destDeploys,
		resolvers:     resolvers,
		customFns:     customFns,
		confirmations: confirmations,
		pollInterval:  pollInterval,
		metrics:       m,
		logger:        logger,
	}, nil
}

// Start begins the sweep loop. It blocks until ctx is cancelled or Stop is
// called, then returns once the in-flight sweep has finished.
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return fmt.Errorf("listener: %s already running", l.chainName)
	}
	l.running = true
	ctx, l.cancel = context.WithCancel(ctx)
	l.mu.Unlock()

	l.wg.Add(1)
	defer l.wg.Done()

	if err := l.initPosition(ctx); err != nil {
		l.logger.Printf("initialise position: %v", err)
	}

	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()

	l.logger.Printf("listener started for chain %s, polling every %s, confirmation depth %d", l.chainName, l.pollInterval, l.confirmations)

	for {
		select {
		case <-ctx.Done():
			l.mu.Lock()
			l.running = false
			l.mu.Unlock()
			return nil
		case <-ticker.C:
			if err := l.sweep(ctx); err != nil {
				l.logger.Printf("sweep error: %v", err)
			}
		}
	}
}

// Stop cancels the sweep loop and waits for it to exit.
func (l *Listener) Stop() {
	l.mu.Lock()
	cancel := l.cancel
	l.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	l.wg.Wait()
}

// initPosition sets the first-start watermark to head - confirmations when
// the chain has no persisted state yet, so a fresh deployment does not
// replay the chain's entire history. A persisted watermark from a previous
// run is left alone.
func (l *Listener) initPosition(ctx context.Context) error {
	last, err := l.chainStore.GetLastProcessed(ctx, l.chainName)
	if err != nil {
		return err
	}
	if last > 0 {
		l.logger.Printf("resuming from persisted block %d", last)
		return nil
	}

	head, err := l.rpc.BlockNumber(ctx)
	if err != nil {
		return err
	}
	var start uint64
	if head > l.confirmations {
		start = head - l.confirmations
	}
	if err := l.chainStore.SetLastProcessed(ctx, l.chainName, start); err != nil {
		return err
	}
	l.logger.Printf("no persisted state, starting from block %d (head %d - %d confirmations)", start, head, l.confirmations)
	return nil
}

// sweepRange computes the block window one tick covers: everything past the
// persisted watermark up to head - confirmations, capped at maxBlockRange
// blocks inclusive. ok is false when the safe height hasn't moved past the
// watermark yet (including the confirmations >= head case).
func sweepRange(head, confirmations, last uint64) (from, to uint64, ok bool) {
	if head < confirmations {
		return 0, 0, false
	}
	safe := head - confirmations
	if safe <= last {
		return 0, 0, false
	}
	from = last + 1
	to = safe
	if to-from+1 > maxBlockRange {
		to = from + maxBlockRange - 1
	}
	return from, to, true
}

// sweep advances this chain's watermark by at most maxBlockRange finalised
// blocks, decoding and resolving every matching log into a job, and commits
// the new watermark in the same transaction as the job inserts. Any error
// aborts the tick without advancing the cursor; the same range is retried
// next tick.
func (l *Listener) sweep(ctx context.Context) error {
	head, err := l.rpc.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("%w: block number: %v", errs.ErrRPC, err)
	}

	last, err := l.chainStore.GetLastProcessed(ctx, l.chainName)
	if err != nil {
		return fmt.Errorf("listener: get last processed: %w", err)
	}

	if l.metrics != nil {
		l.metrics.ListenerLagBlocks.WithLabelValues(l.chainName).Set(float64(head - last))
	}

	from, to, ok := sweepRange(head, l.confirmations, last)
	if !ok {
		return nil
	}

	logs, err := l.fetchLogs(ctx, from, to)
	if err != nil {
		return err
	}

	tx, err := l.chainStore.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("listener: begin tx: %w", err)
	}
	defer tx.Rollback()

	// filterLocalIndex counts, per (tx, contract, event signature), how many
	// of this sweep's own matches have already been seen: the position of
	// this log among the Listener's filtered results, as opposed to its
	// position in the transaction's full receipt. A transaction's logs never
	// span more than one sweep, so the counter does not need to persist
	// across ticks.
	filterLocalIndex := make(map[string]uint)

	for _, lg := range logs {
		sm := l.matchMapping(lg)
		if sm == nil {
			continue
		}
		key := fmt.Sprintf("%s:%s:%s", lg.TxHash.Hex(), sm.address.Hex(), sm.topic.Hex())
		idx := filterLocalIndex[key]
		filterLocalIndex[key] = idx + 1

		if err := l.processLog(ctx, tx, *sm, lg, idx); err != nil {
			return fmt.Errorf("listener: process log (tx %s, index %d): %w", lg.TxHash.Hex(), lg.Index, err)
		}
	}

	if err := l.chainStore.SetLastProcessedTx(ctx, tx, l.chainName, to); err != nil {
		return fmt.Errorf("listener: set last processed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("listener: commit: %w", err)
	}

	if len(logs) > 0 {
		l.logger.Printf("processed %d logs from blocks %d to %d", len(logs), from, to)
	}
	return nil
}

func (l *Listener) fetchLogs(ctx context.Context, from, to uint64) ([]types.Log, error) {
	addrs := make([]common.Address, 0, len(l.mappings))
	topics := make([]common.Hash, 0, len(l.mappings))
	seen := make(map[common.Address]bool)
	for _, sm := range l.mappings {
		if !seen[sm.address] {
			addrs = append(addrs, sm.address)
			seen[sm.address] = true
		}
		topics = append(topics, sm.topic)
	}

	query := ethereum.FilterQuery{
		FromBlock: big.NewInt(int64(from)),
		ToBlock:   big.NewInt(int64(to)),
		Addresses: addrs,
		Topics:    [][]common.Hash{topics},
	}
	logs, err := l.rpc.FilterLogs(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: filter logs: %v", errs.ErrRPC, err)
	}
	return logs, nil
}

func (l *Listener) matchMapping(lg types.Log) *sourceMapping {
	if len(lg.Topics) == 0 {
		return nil
	}
	for i := range l.mappings {
		if l.mappings[i].address == lg.Address && l.mappings[i].topic == lg.Topics[0] {
			return &l.mappings[i]
		}
	}
	return nil
}

// processLog decodes one matched log, resolves its destination chain(s), and
// creates one job per destination inside tx, so the inserts commit together
// with the watermark advance. A decode or resolve problem is a warning and
// skips the event (retrying it next tick could never succeed); a store
// failure is returned so the whole tick aborts and the range is re-swept.
// A duplicate unique_id (already-seen observation) is not an error: it is
// the at-most-once guarantee doing its job. filterLocalIndex is this log's
// position among this sweep's matches for the same (tx, contract, event);
// it is recorded on the job as a known-weak stand-in for the event's true
// position in the transaction's receipt, which the queue resolves before
// requesting a proof.
func (l *Listener) processLog(ctx context.Context, tx *sql.Tx, sm sourceMapping, lg types.Log, filterLocalIndex uint) error {
	decoded, err := decodeLog(sm.sig, sm.sig.Name, lg, filterLocalIndex)
	if err != nil {
		l.logger.Printf("warning: mapping %q: decode log (tx %s): %v, event skipped", sm.mapping.Name, lg.TxHash.Hex(), err)
		return nil
	}
	decoded.SourceChain = l.chainName

	spec, ok := l.resolvers[sm.mapping.DestinationResolver]
	if !ok {
		l.logger.Printf("warning: mapping %q references unknown resolver %q, event skipped", sm.mapping.Name, sm.mapping.DestinationResolver)
		return nil
	}
	destinations, err := resolver.Resolve(sm.mapping, spec, decoded, l.chainName, l.customFns)
	if err != nil {
		l.logger.Printf("warning: mapping %q: resolve destinations (tx %s): %v, no job created", sm.mapping.Name, lg.TxHash.Hex(), err)
		return nil
	}
	if len(destinations) == 0 {
		l.logger.Printf("warning: mapping %q: resolver produced no destinations for tx %s, no job created", sm.mapping.Name, lg.TxHash.Hex())
		return nil
	}

	for _, destChain := range destinations {
		destDeploy, ok := l.destDeploys[sm.mapping.DestinationCall.Contract][destChain]
		if !ok {
			l.logger.Printf("warning: mapping %q: contract %q has no destination deployment on resolved chain %q, skipping", sm.mapping.Name, sm.mapping.DestinationCall.Contract, destChain)
			continue
		}

		uniqueID := fmt.Sprintf("%s:%s:%d:%s", l.chainName, lg.TxHash.Hex(), decoded.LogIndex, destChain)
		jobSpec := store.JobSpec{
			UniqueID:            uniqueID,
			SourceChain:         l.chainName,
			SourceTxHash:        lg.TxHash.Hex(),
			SourceBlockNumber:   lg.BlockNumber,
			DestChain:           destChain,
			DestAddress:         destDeploy.Address,
			DestMethod:          sm.destSig.Name,
			DestMethodSignature: sm.mapping.DestinationCall.Signature,
			MappingName:         sm.mapping.Name,
			SourceAddress:       sm.address.Hex(),
			SourceTopic:         sm.topic.Hex(),
			EventData:           decoded,
			ProofRequired:       sm.mapping.ProofRequired,
		}
		if _, err := l.jobStore.CreateTx(ctx, tx, jobSpec); err != nil {
			if errors.Is(err, errs.ErrDuplicateJob) {
				continue
			}
			return fmt.Errorf("create job for destination %s: %w", destChain, err)
		}
		if l.metrics != nil {
			l.metrics.JobsCreatedTotal.WithLabelValues(sm.mapping.Name, destChain).Inc()
		}
	}
	return nil
}
