package store

import (
	"encoding/json"
	"time"

	"github.com/polymer-relayer/relayer-core/internal/event"
)

// JobStatus is one of the six states of the job state machine.
type JobStatus string

const (
	StatusPending         JobStatus = "pending"
	StatusProofRequested  JobStatus = "proof_requested"
	StatusProofReady      JobStatus = "proof_ready"
	StatusExecuting       JobStatus = "executing"
	StatusCompleted       JobStatus = "completed"
	StatusFailed          JobStatus = "failed"
)

// ProofData is the serialised proof payload attached to a job once obtained.
type ProofData struct {
	Proof []byte `json:"proof"`
}

// Job is one durable relay intent: a single source event bound for a
// single destination chain.
type Job struct {
	ID                  int64
	UniqueID            string
	SourceChain         string
	SourceTxHash        string
	SourceBlockNumber   uint64
	DestChain           string
	DestAddress         string
	DestMethod          string
	DestMethodSignature string
	MappingName         string
	SourceAddress       string
	SourceTopic         string
	EventData           event.Decoded
	ProofRequired       bool
	ProofData           *ProofData
	Status              JobStatus
	DestTxHash          *string
	RetryCount          int
	ErrorMessage        *string
	CreatedAt           time.Time
	CompletedAt         *time.Time
	LastRetryAt         *time.Time
}

// JobSpec is the input to Create: everything a Listener knows at observation
// time, before the store assigns an id and initial status.
type JobSpec struct {
	UniqueID            string
	SourceChain         string
	SourceTxHash        string
	SourceBlockNumber   uint64
	DestChain           string
	DestAddress         string
	DestMethod          string
	DestMethodSignature string
	MappingName         string

	// SourceAddress and SourceTopic identify the emitting contract and event
	// signature hash, letting the queue later re-locate this occurrence among
	// a fetched transaction receipt's logs when resolving the global log
	// index.
	SourceAddress string
	SourceTopic   string

	EventData     event.Decoded
	ProofRequired bool
}

// StatusPatch carries the optional fields UpdateStatus may set alongside a
// status transition.
type StatusPatch struct {
	ProofData    *ProofData
	DestTxHash   *string
	ErrorMessage *string
}

func marshalEventData(d event.Decoded) ([]byte, error) {
	return json.Marshal(d)
}

func unmarshalEventData(raw []byte) (event.Decoded, error) {
	var d event.Decoded
	if len(raw) == 0 {
		return d, nil
	}
	err := json.Unmarshal(raw, &d)
	return d, err
}

func marshalProofData(p *ProofData) ([]byte, error) {
	if p == nil {
		return nil, nil
	}
	return json.Marshal(p)
}

func unmarshalProofData(raw []byte) (*ProofData, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var p ProofData
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	return &p, nil
}
