// Package proofclient implements the two-phase asynchronous proof
// protocol: a polymer_requestProof call followed by polymer_queryProof
// polling, over a minimal JSON-RPC 2.0 envelope on net/http.
package proofclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/polymer-relayer/relayer-core/internal/errs"
)

const (
	pollInitialWait = 2 * time.Second
	pollInterval    = 500 * time.Millisecond
	pollMaxAttempts = 30
)

// rpcRequest is the JSON-RPC 2.0 envelope sent to the proof API.
type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
	ID      int    `json:"id"`
}

// rpcResponse is the JSON-RPC 2.0 envelope the proof API replies with.
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// RequestProofParams is the params object for polymer_requestProof: the
// source chain id, block number, and the already-translated global log
// index. The transaction hash is never sent; the proof API does not take it.
type RequestProofParams struct {
	SourceChainID     int64 `json:"srcChainId"`
	SourceBlockNumber uint64 `json:"srcBlockNumber"`
	GlobalLogIndex    uint  `json:"globalLogIndex"`
}

// RequestProofResult is the result of polymer_requestProof: a handle to
// poll. The wire result is a bare integer jobID, not an object.
type RequestProofResult struct {
	JobID int64
}

// ProofStatus mirrors the status field of a polymer_queryProof result.
type ProofStatus string

const (
	ProofStatusInitialized ProofStatus = "initialized"
	ProofStatusPending     ProofStatus = "pending"
	ProofStatusComplete    ProofStatus = "complete"
	ProofStatusError       ProofStatus = "error"
)

// QueryProofResult is the result of polymer_queryProof.
type QueryProofResult struct {
	Status  ProofStatus `json:"status"`
	Proof   []byte      `json:"proof,omitempty"`
	Message string      `json:"message,omitempty"`
}

// Client talks to the proof service; one instance is shared across all
// chain pairs.
type Client struct {
	baseURL       string
	apiKey        string
	httpClient    *http.Client
	retryAttempts int
	logger        *log.Logger
}

// Option configures a Client at construction time.
type Option func(*Client)

// WithLogger sets a custom logger for the client.
func WithLogger(logger *log.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// NewClient builds a Proof Client against baseURL, timing individual HTTP
// calls out at timeout and retrying polymer_requestProof up to
// retryAttempts times with exponential backoff.
func NewClient(baseURL, apiKey string, timeout time.Duration, retryAttempts int, opts ...Option) *Client {
	c := &Client{
		baseURL:       baseURL,
		apiKey:        apiKey,
		httpClient:    &http.Client{Timeout: timeout},
		retryAttempts: retryAttempts,
		logger:        log.New(log.Writer(), "[proof-client] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RequestProof submits polymer_requestProof, retrying on failure with
// exponential backoff of 2^(n-1) seconds between attempts. On the wire,
// params is array-wrapped: a single-element array holding the params object.
func (c *Client) RequestProof(ctx context.Context, params RequestProofParams) (*RequestProofResult, error) {
	var lastErr error
	for attempt := 1; attempt <= c.retryAttempts; attempt++ {
		var jobID int64
		err := c.call(ctx, "polymer_requestProof", []RequestProofParams{params}, &jobID)
		if err == nil {
			return &RequestProofResult{JobID: jobID}, nil
		}
		lastErr = err
		c.logger.Printf("polymer_requestProof attempt %d/%d failed: %v", attempt, c.retryAttempts, err)

		if attempt == c.retryAttempts {
			break
		}
		backoff := time.Duration(1<<(attempt-1)) * time.Second
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}
	return nil, fmt.Errorf("%w: after %d attempts: %v", errs.ErrProofRequestFailed, c.retryAttempts, lastErr)
}

// QueryProof polls polymer_queryProof until the proof is complete, the
// server reports an error, or pollMaxAttempts is exhausted: an initial 2s
// wait followed by 500ms-spaced attempts. On the wire, params is a
// single-element array holding the bare jobID. "initialized", "pending",
// and any status value this client doesn't recognize are all treated as
// "keep polling"; only "complete" (with a non-empty proof) and "error" are
// terminal.
func (c *Client) QueryProof(ctx context.Context, jobID int64) (*QueryProofResult, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(pollInitialWait):
	}

	for attempt := 1; attempt <= pollMaxAttempts; attempt++ {
		var result QueryProofResult
		err := c.call(ctx, "polymer_queryProof", []int64{jobID}, &result)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errs.ErrProofGenerationFailed, err)
		}

		switch result.Status {
		case ProofStatusComplete:
			if len(result.Proof) == 0 {
				return nil, fmt.Errorf("%w: job %d: complete status carried no proof bytes", errs.ErrProofGenerationFailed, jobID)
			}
			return &result, nil
		case ProofStatusError:
			return nil, fmt.Errorf("%w: %s", errs.ErrProofGenerationFailed, result.Message)
		default: // "initialized", "pending", or an unrecognized status: keep polling
			if attempt == pollMaxAttempts {
				return nil, fmt.Errorf("%w: job %d still %q after %d attempts", errs.ErrProofPollingTimeout, jobID, result.Status, pollMaxAttempts)
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(pollInterval):
			}
		}
	}
	return nil, fmt.Errorf("%w: job %d exhausted polling attempts", errs.ErrProofPollingTimeout, jobID)
}

func (c *Client) call(ctx context.Context, method string, params any, result any) error {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", Method: method, Params: params, ID: 1})
	if err != nil {
		return fmt.Errorf("proofclient: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("proofclient: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("proofclient: %s: %w", method, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("proofclient: read response body: %w", err)
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return fmt.Errorf("proofclient: parse response: %w (body: %s)", err, string(respBody))
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("proofclient: %s: rpc error %d: %s", method, rpcResp.Error.Code, rpcResp.Error.Message)
	}
	if err := json.Unmarshal(rpcResp.Result, result); err != nil {
		return fmt.Errorf("proofclient: unmarshal result: %w", err)
	}
	return nil
}
