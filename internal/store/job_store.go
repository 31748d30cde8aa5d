package store

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/polymer-relayer/relayer-core/internal/errs"
)

// JobStore is the typed API through which the listener, queue, and executor
// are the only components allowed to mutate job rows: every mutation goes
// through Create, UpdateStatus, or IncrementRetry below.
type JobStore struct {
	client *Client
	logger *log.Logger
}

// NewJobStore wraps client with the Job Store's typed operations.
func NewJobStore(client *Client, logger *log.Logger) *JobStore {
	if logger == nil {
		logger = log.New(log.Writer(), "[job-store] ", log.LstdFlags)
	}
	return &JobStore{client: client, logger: logger}
}

const jobColumns = `id, unique_id, source_chain, source_tx_hash, source_block_number,
	dest_chain, dest_address, dest_method, dest_method_signature, mapping_name,
	source_address, source_topic,
	event_data, proof_required, proof_data, status, dest_tx_hash, retry_count,
	error_message, created_at, completed_at, last_retry_at`

// queryRower is satisfied by both *sql.DB and *sql.Tx, letting the Listener
// fold job inserts into the same transaction as its chain-state write.
type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Create inserts a new job with status=pending, retry_count=0, created_at=now.
// Returns errs.ErrDuplicateJob if unique_id already exists.
func (s *JobStore) Create(ctx context.Context, spec JobSpec) (int64, error) {
	return s.CreateTx(ctx, s.client.DB(), spec)
}

// CreateTx is Create using the caller's transaction. The insert is written
// ON CONFLICT DO NOTHING so an already-seen unique_id surfaces as
// errs.ErrDuplicateJob without aborting the surrounding transaction.
func (s *JobStore) CreateTx(ctx context.Context, q queryRower, spec JobSpec) (int64, error) {
	eventData, err := marshalEventData(spec.EventData)
	if err != nil {
		return 0, fmt.Errorf("store: marshal event data: %w", err)
	}

	const insert = `INSERT INTO jobs (
		unique_id, source_chain, source_tx_hash, source_block_number,
		dest_chain, dest_address, dest_method, dest_method_signature, mapping_name,
		source_address, source_topic,
		event_data, proof_required, status, retry_count, created_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,'pending',0,now())
	ON CONFLICT (unique_id) DO NOTHING
	RETURNING id`

	var id int64
	err = q.QueryRowContext(ctx, insert,
		spec.UniqueID, spec.SourceChain, spec.SourceTxHash, spec.SourceBlockNumber,
		spec.DestChain, spec.DestAddress, spec.DestMethod, spec.DestMethodSignature, spec.MappingName,
		spec.SourceAddress, spec.SourceTopic,
		eventData, spec.ProofRequired,
	).Scan(&id)

	if err != nil {
		if err == sql.ErrNoRows || isUniqueViolation(err) {
			return 0, errs.ErrDuplicateJob
		}
		return 0, fmt.Errorf("store: create job: %w", err)
	}
	return id, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if ok := asPQError(err, &pqErr); ok {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "duplicate key value")
}

func asPQError(err error, target **pq.Error) bool {
	if pqe, ok := err.(*pq.Error); ok {
		*target = pqe
		return true
	}
	return false
}

// UpdateStatus performs an atomic compare-and-set on id: the row is only
// updated if its current status matches expectedCurrent. Returns
// sql.ErrNoRows if the row does not exist or its status has already moved on.
func (s *JobStore) UpdateStatus(ctx context.Context, id int64, expectedCurrent, newStatus JobStatus, patch StatusPatch) error {
	proofData, err := marshalProofData(patch.ProofData)
	if err != nil {
		return fmt.Errorf("store: marshal proof data: %w", err)
	}

	var completedAt sql.NullTime
	if newStatus == StatusCompleted {
		completedAt = sql.NullTime{Time: time.Now(), Valid: true}
	}

	const q = `UPDATE jobs SET
		status = $1,
		proof_data = COALESCE($2, proof_data),
		dest_tx_hash = COALESCE($3, dest_tx_hash),
		error_message = COALESCE($4, error_message),
		completed_at = COALESCE($5, completed_at),
		last_retry_at = now()
	WHERE id = $6 AND status = $7`

	res, err := s.client.DB().ExecContext(ctx, q,
		string(newStatus), proofData, patch.DestTxHash, patch.ErrorMessage, completedAt,
		id, string(expectedCurrent),
	)
	if err != nil {
		return fmt.Errorf("store: update status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: update status rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("store: update status: %w", sql.ErrNoRows)
	}
	return nil
}

// IncrementRetry atomically increments retry_count and sets last_retry_at=now.
func (s *JobStore) IncrementRetry(ctx context.Context, id int64) error {
	const q = `UPDATE jobs SET retry_count = retry_count + 1, last_retry_at = now() WHERE id = $1`
	res, err := s.client.DB().ExecContext(ctx, q, id)
	if err != nil {
		return fmt.Errorf("store: increment retry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("store: increment retry: %w", errs.ErrNotFound)
	}
	return nil
}

// FindByUniqueID returns the job with the given unique_id, or errs.ErrNotFound.
func (s *JobStore) FindByUniqueID(ctx context.Context, uniqueID string) (*Job, error) {
	row := s.client.DB().QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE unique_id = $1`, uniqueID)
	return scanJob(row)
}

// FindByStatus returns all jobs with the given status, ordered by created_at ascending.
func (s *JobStore) FindByStatus(ctx context.Context, status JobStatus) ([]*Job, error) {
	rows, err := s.client.DB().QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE status = $1 ORDER BY created_at ASC`, string(status))
	if err != nil {
		return nil, fmt.Errorf("store: find by status: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

// FindPending returns jobs in {pending, proof_requested, proof_ready}, ordered
// by created_at ascending, for the Queue's per-tick work list.
func (s *JobStore) FindPending(ctx context.Context) ([]*Job, error) {
	const q = `SELECT ` + jobColumns + ` FROM jobs
		WHERE status IN ('pending', 'proof_requested', 'proof_ready')
		ORDER BY created_at ASC`
	rows, err := s.client.DB().QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("store: find pending: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

// FindRetryable returns failed jobs with retry_count < maxRetries, ordered by
// last_retry_at ascending.
func (s *JobStore) FindRetryable(ctx context.Context, maxRetries int) ([]*Job, error) {
	const q = `SELECT ` + jobColumns + ` FROM jobs
		WHERE status = 'failed' AND retry_count < $1
		ORDER BY last_retry_at ASC NULLS FIRST`
	rows, err := s.client.DB().QueryContext(ctx, q, maxRetries)
	if err != nil {
		return nil, fmt.Errorf("store: find retryable: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

// FindByID returns the job with the given id, or errs.ErrNotFound.
func (s *JobStore) FindByID(ctx context.Context, id int64) (*Job, error) {
	row := s.client.DB().QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	return scanJob(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		j                           Job
		eventDataRaw, proofDataRaw  []byte
		destTxHash, errorMessage    sql.NullString
		completedAt, lastRetryAt    sql.NullTime
	)

	err := row.Scan(
		&j.ID, &j.UniqueID, &j.SourceChain, &j.SourceTxHash, &j.SourceBlockNumber,
		&j.DestChain, &j.DestAddress, &j.DestMethod, &j.DestMethodSignature, &j.MappingName,
		&j.SourceAddress, &j.SourceTopic,
		&eventDataRaw, &j.ProofRequired, &proofDataRaw, &j.Status, &destTxHash, &j.RetryCount,
		&errorMessage, &j.CreatedAt, &completedAt, &lastRetryAt,
	)
	if err == sql.ErrNoRows {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan job: %w", err)
	}

	if j.EventData, err = unmarshalEventData(eventDataRaw); err != nil {
		return nil, fmt.Errorf("store: unmarshal event data: %w", err)
	}
	if j.ProofData, err = unmarshalProofData(proofDataRaw); err != nil {
		return nil, fmt.Errorf("store: unmarshal proof data: %w", err)
	}
	if destTxHash.Valid {
		j.DestTxHash = &destTxHash.String
	}
	if errorMessage.Valid {
		j.ErrorMessage = &errorMessage.String
	}
	if completedAt.Valid {
		j.CompletedAt = &completedAt.Time
	}
	if lastRetryAt.Valid {
		j.LastRetryAt = &lastRetryAt.Time
	}
	return &j, nil
}

func scanJobs(rows *sql.Rows) ([]*Job, error) {
	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}
