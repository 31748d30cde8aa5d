// Package queue implements the job scheduler: a cooperative,
// single-process loop that drives every job through the
// pending -> proof_requested -> proof_ready -> executing -> completed/failed
// state machine, with bounded retries for failed jobs.
package queue

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/polymer-relayer/relayer-core/internal/chainrpc"
	"github.com/polymer-relayer/relayer-core/internal/executor"
	"github.com/polymer-relayer/relayer-core/internal/metrics"
	"github.com/polymer-relayer/relayer-core/internal/proofclient"
	"github.com/polymer-relayer/relayer-core/internal/store"
)

const (
	tickInterval  = 1 * time.Second
	concurrency   = 5
	maxRetries    = 3
	retryCooldown = 5 * time.Second
	drainDeadline = 10 * time.Second
)

// Queue drives the job state machine. One instance serves every chain;
// per-chain behavior lives in the executors map it dispatches into.
type Queue struct {
	jobStore    *store.JobStore
	proofClient *proofclient.Client
	executors   map[string]*executor.Executor
	chainRPCs   map[string]chainrpc.ChainRPC
	metrics     *metrics.Metrics
	logger      *log.Logger

	listMu   sync.Mutex
	workList []*store.Job
	inFlight map[int64]struct{}

	runMu sync.Mutex
	busy  bool
	wg    sync.WaitGroup
}

// New builds a Queue. executors is keyed by destination chain name;
// chainRPCs is keyed by source chain name and is used to fetch a job's
// transaction receipt when resolving its global log index.
func New(
	jobStore *store.JobStore,
	proofClient *proofclient.Client,
	executors map[string]*executor.Executor,
	chainRPCs map[string]chainrpc.ChainRPC,
	m *metrics.Metrics,
	logger *log.Logger,
) *Queue {
	if logger == nil {
		logger = log.New(log.Writer(), "[queue] ", log.LstdFlags)
	}
	return &Queue{
		jobStore:    jobStore,
		proofClient: proofClient,
		executors:   executors,
		chainRPCs:   chainRPCs,
		metrics:     m,
		logger:      logger,
		inFlight:    make(map[int64]struct{}),
	}
}

// Run drives the scheduling loop until ctx is cancelled, then waits up to
// drainDeadline for any in-flight tick to settle before returning.
func (q *Queue) Run(ctx context.Context) error {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	q.logger.Printf("queue started, tick interval %s, concurrency %d", tickInterval, concurrency)

	for {
		select {
		case <-ctx.Done():
			return q.drain()
		case <-ticker.C:
			q.maybeTick(ctx)
		}
	}
}

// maybeTick fires one tick in its own goroutine unless a previous tick is
// still in flight, so the Run loop's ticker select never blocks. A tick
// still waits for all of its handlers to settle before the next tick fires,
// without letting a slow tick wedge shutdown.
func (q *Queue) maybeTick(ctx context.Context) {
	q.runMu.Lock()
	if q.busy {
		q.runMu.Unlock()
		return
	}
	q.busy = true
	q.runMu.Unlock()

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		defer func() {
			q.runMu.Lock()
			q.busy = false
			q.runMu.Unlock()
		}()
		if err := q.tick(ctx); err != nil {
			q.logger.Printf("tick error: %v", err)
		}
	}()
}

func (q *Queue) drain() error {
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(drainDeadline):
		q.logger.Printf("drain deadline of %s exceeded, abandoning in-flight handlers", drainDeadline)
	}
	return nil
}

// tick refills the in-memory work list when empty, then dispatches up to
// concurrency items and blocks until all of them settle.
func (q *Queue) tick(ctx context.Context) error {
	batch, err := q.nextBatch(ctx)
	if err != nil {
		return err
	}
	if len(batch) == 0 {
		return nil
	}

	var wg sync.WaitGroup
	for _, job := range batch {
		wg.Add(1)
		go q.dispatch(ctx, job, &wg)
	}
	wg.Wait()
	return nil
}

// nextBatch takes up to concurrency items off the work list, refilling it
// from the store when empty. A job whose handler is still in flight from a
// previous tick is dropped rather than dispatched a second time: the store
// row is the durable copy, and a later refill will pick it up again if its
// handler did not finish it.
func (q *Queue) nextBatch(ctx context.Context) ([]*store.Job, error) {
	q.listMu.Lock()
	defer q.listMu.Unlock()

	if len(q.workList) == 0 {
		if err := q.refillLocked(ctx); err != nil {
			return nil, err
		}
	}

	var batch []*store.Job
	var rest []*store.Job
	for _, job := range q.workList {
		if _, busy := q.inFlight[job.ID]; busy {
			continue
		}
		if len(batch) < concurrency {
			q.inFlight[job.ID] = struct{}{}
			batch = append(batch, job)
		} else {
			rest = append(rest, job)
		}
	}
	q.workList = rest
	return batch, nil
}

func (q *Queue) release(id int64) {
	q.listMu.Lock()
	delete(q.inFlight, id)
	q.listMu.Unlock()
}

func (q *Queue) refillLocked(ctx context.Context) error {
	pending, err := q.jobStore.FindPending(ctx)
	if err != nil {
		return fmt.Errorf("queue: find pending: %w", err)
	}
	executing, err := q.jobStore.FindByStatus(ctx, store.StatusExecuting)
	if err != nil {
		return fmt.Errorf("queue: find executing: %w", err)
	}
	retryable, err := q.jobStore.FindRetryable(ctx, maxRetries)
	if err != nil {
		return fmt.Errorf("queue: find retryable: %w", err)
	}

	q.workList = append(q.workList, pending...)
	q.workList = append(q.workList, executing...)
	q.workList = append(q.workList, retryable...)
	return nil
}

// dispatch recovers panics and turns handler errors into a failed
// transition; nothing a handler does escapes the Run loop.
func (q *Queue) dispatch(ctx context.Context, job *store.Job, wg *sync.WaitGroup) {
	defer wg.Done()
	defer q.release(job.ID)
	defer func() {
		if r := recover(); r != nil {
			q.logger.Printf("job %d: recovered panic in handler: %v", job.ID, r)
			q.fail(ctx, job, fmt.Errorf("handler panic: %v", r))
		}
	}()

	switch job.Status {
	case store.StatusPending, store.StatusProofRequested:
		q.proofHandler(ctx, job)
	case store.StatusProofReady, store.StatusExecuting:
		q.executeHandler(ctx, job)
	case store.StatusFailed:
		q.retryHandler(ctx, job)
	default:
		q.logger.Printf("job %d: no handler for status %q", job.ID, job.Status)
	}
}

// proofHandler drives a job through proof acquisition. Jobs that don't
// require a proof skip straight to executing.
func (q *Queue) proofHandler(ctx context.Context, job *store.Job) {
	if !job.ProofRequired {
		if err := q.jobStore.UpdateStatus(ctx, job.ID, job.Status, store.StatusExecuting, store.StatusPatch{}); err != nil {
			q.logger.Printf("job %d: transition to executing: %v", job.ID, err)
			return
		}
		job.Status = store.StatusExecuting
		q.executeHandler(ctx, job)
		return
	}

	if job.Status == store.StatusPending {
		if err := q.jobStore.UpdateStatus(ctx, job.ID, store.StatusPending, store.StatusProofRequested, store.StatusPatch{}); err != nil {
			q.logger.Printf("job %d: transition to proof_requested: %v", job.ID, err)
			return
		}
		job.Status = store.StatusProofRequested
	}

	reqResult, err := q.proofClient.RequestProof(ctx, proofclient.RequestProofParams{
		SourceChainID:     q.sourceChainID(job.SourceChain),
		SourceBlockNumber: job.SourceBlockNumber,
		GlobalLogIndex:    q.resolveGlobalLogIndex(ctx, job),
	})
	if err != nil {
		q.fail(ctx, job, err)
		return
	}

	start := time.Now()
	queryResult, err := q.proofClient.QueryProof(ctx, reqResult.JobID)
	if err != nil {
		q.fail(ctx, job, err)
		return
	}
	if q.metrics != nil {
		q.metrics.ProofRoundTripSeconds.Observe(time.Since(start).Seconds())
	}

	if queryResult.Status != proofclient.ProofStatusComplete {
		q.fail(ctx, job, fmt.Errorf("proof generation did not complete: %s", queryResult.Message))
		return
	}

	patch := store.StatusPatch{ProofData: &store.ProofData{Proof: queryResult.Proof}}
	if err := q.jobStore.UpdateStatus(ctx, job.ID, store.StatusProofRequested, store.StatusProofReady, patch); err != nil {
		q.logger.Printf("job %d: transition to proof_ready: %v", job.ID, err)
	}
}

// sourceChainID looks up the numeric chain id the proof API expects for a
// job's source chain, via that chain's ChainRPC.
func (q *Queue) sourceChainID(sourceChain string) int64 {
	rpc, ok := q.chainRPCs[sourceChain]
	if !ok {
		return 0
	}
	return rpc.ChainID().Int64()
}

// resolveGlobalLogIndex translates job.EventData.LogIndex (the event's
// position among the Listener's own filtered matches) into its absolute
// position within the source transaction's full receipt: fetch the
// receipt, then count receipt logs matching the job's source contract and
// event topic until the filter-local count is reached.
//
// Falling back to the filter-local index is known-weak against the proof
// API (it is only correct when no other instance of the same event,
// emitted by the same contract, precedes it in the transaction), so every
// fallback path logs a loud, greppable warning rather than failing silently.
func (q *Queue) resolveGlobalLogIndex(ctx context.Context, job *store.Job) uint {
	rpc, ok := q.chainRPCs[job.SourceChain]
	if !ok {
		q.logger.Printf("[global-log-index-fallback] job %d: no chain rpc configured for %q, using filter-local index %d", job.ID, job.SourceChain, job.EventData.LogIndex)
		return job.EventData.LogIndex
	}

	receipt, err := rpc.TransactionReceipt(ctx, job.SourceTxHash)
	if err != nil {
		q.logger.Printf("[global-log-index-fallback] job %d: fetch receipt for %s: %v, using filter-local index %d", job.ID, job.SourceTxHash, err, job.EventData.LogIndex)
		return job.EventData.LogIndex
	}

	var seen uint
	for _, lg := range receipt.Logs {
		if !strings.EqualFold(lg.Address.Hex(), job.SourceAddress) {
			continue
		}
		if len(lg.Topics) == 0 || !strings.EqualFold(lg.Topics[0].Hex(), job.SourceTopic) {
			continue
		}
		if seen == job.EventData.LogIndex {
			return uint(lg.Index)
		}
		seen++
	}

	q.logger.Printf("[global-log-index-fallback] job %d: filter-local index %d not found among %d matching receipt logs for %s, using filter-local index", job.ID, job.EventData.LogIndex, seen, job.SourceTxHash)
	return job.EventData.LogIndex
}

// executeHandler claims a proof_ready job (transitioning it to executing)
// and submits its destination call. A job already in executing was resumed
// after a restart and is retried without re-claiming; its state is re-read
// first so a stale work-list copy of a since-completed job is not submitted
// a second time.
func (q *Queue) executeHandler(ctx context.Context, job *store.Job) {
	if job.Status == store.StatusExecuting {
		fresh, err := q.jobStore.FindByID(ctx, job.ID)
		if err != nil {
			q.logger.Printf("job %d: re-read before resume: %v", job.ID, err)
			return
		}
		if fresh.Status != store.StatusExecuting {
			return
		}
		job = fresh
	}

	if job.Status == store.StatusProofReady {
		if err := q.jobStore.UpdateStatus(ctx, job.ID, store.StatusProofReady, store.StatusExecuting, store.StatusPatch{}); err != nil {
			q.logger.Printf("job %d: claim for execution: %v", job.ID, err)
			return
		}
		job.Status = store.StatusExecuting
	}

	ex, ok := q.executors[job.DestChain]
	if !ok {
		q.fail(ctx, job, fmt.Errorf("no executor configured for destination chain %q", job.DestChain))
		return
	}

	start := time.Now()
	txHash, err := ex.Execute(ctx, executor.ExecuteParams{
		ContractAddress: job.DestAddress,
		MethodName:      job.DestMethod,
		MethodSignature: job.DestMethodSignature,
		EventData:       job.EventData,
		ProofData:       job.ProofData,
	})
	if err != nil {
		q.fail(ctx, job, err)
		return
	}
	if q.metrics != nil {
		q.metrics.ExecutorSubmitSeconds.WithLabelValues(job.DestChain).Observe(time.Since(start).Seconds())
	}

	if err := q.jobStore.UpdateStatus(ctx, job.ID, store.StatusExecuting, store.StatusCompleted, store.StatusPatch{DestTxHash: &txHash}); err != nil {
		q.logger.Printf("job %d: transition to completed: %v", job.ID, err)
		return
	}
	if q.metrics != nil {
		q.metrics.JobsCompletedTotal.WithLabelValues(job.MappingName, job.DestChain).Inc()
	}
}

// retryHandler re-enters a failed job once its 5-second cooldown has
// elapsed, abandoning it permanently once maxRetries has been reached.
func (q *Queue) retryHandler(ctx context.Context, job *store.Job) {
	if job.RetryCount >= maxRetries {
		if q.metrics != nil {
			q.metrics.JobsFailedTotal.WithLabelValues(job.MappingName, job.DestChain).Inc()
		}
		return
	}
	if job.LastRetryAt != nil && time.Since(*job.LastRetryAt) < retryCooldown {
		q.requeue(job)
		return
	}

	if err := q.jobStore.IncrementRetry(ctx, job.ID); err != nil {
		q.logger.Printf("job %d: increment retry: %v", job.ID, err)
		return
	}

	next := store.StatusProofReady
	if job.ProofData == nil {
		next = store.StatusPending
	}
	if err := q.jobStore.UpdateStatus(ctx, job.ID, store.StatusFailed, next, store.StatusPatch{}); err != nil {
		q.logger.Printf("job %d: re-entry transition: %v", job.ID, err)
	}
}

// requeue puts a job back on the in-memory work list unchanged, for the
// "cooldown not yet satisfied" case of the retry policy.
func (q *Queue) requeue(job *store.Job) {
	q.listMu.Lock()
	defer q.listMu.Unlock()
	q.workList = append(q.workList, job)
}

// fail transitions job to failed with a one-line diagnostic, from whatever
// status it currently holds.
func (q *Queue) fail(ctx context.Context, job *store.Job, cause error) {
	msg := cause.Error()
	if err := q.jobStore.UpdateStatus(ctx, job.ID, job.Status, store.StatusFailed, store.StatusPatch{ErrorMessage: &msg}); err != nil {
		q.logger.Printf("job %d: transition to failed: %v", job.ID, err)
	}
}
