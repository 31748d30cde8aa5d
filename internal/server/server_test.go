package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"testing"

	"github.com/polymer-relayer/relayer-core/internal/event"
	"github.com/polymer-relayer/relayer-core/internal/store"
)

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

var testClient *store.Client

func TestMain(m *testing.M) {
	dsn := os.Getenv("RELAYER_TEST_DB")
	if dsn == "" {
		os.Exit(0)
	}

	var err error
	testClient, err = store.NewClient(dsn)
	if err != nil {
		panic("server: connect to test database: " + err.Error())
	}
	if err := testClient.MigrateUp(context.Background()); err != nil {
		panic("server: migrate test database: " + err.Error())
	}

	code := m.Run()
	testClient.Close()
	os.Exit(code)
}

func TestHandleHealthMethodNotAllowed(t *testing.T) {
	h := New(nil, nil, nil, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/health", nil)
	rr := httptest.NewRecorder()
	h.HandleHealth(rr, req)

	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusMethodNotAllowed)
	}
}

func TestHandleHealthOK(t *testing.T) {
	h := New(nil, nil, nil, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	h.HandleHealth(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	var body map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status field = %q, want ok", body["status"])
	}
}

func TestHandleGetJobInvalidID(t *testing.T) {
	h := New(nil, nil, nil, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/jobs/not-a-number", nil)
	rr := httptest.NewRecorder()
	h.HandleGetJob(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusBadRequest)
	}
}

func TestHandleListJobsMethodNotAllowed(t *testing.T) {
	h := New(nil, nil, nil, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/jobs", nil)
	rr := httptest.NewRecorder()
	h.HandleListJobs(rr, req)

	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusMethodNotAllowed)
	}
}

func TestHandleGetJobNotFound(t *testing.T) {
	if testClient == nil {
		t.Skip("RELAYER_TEST_DB not set")
	}
	jobStore := store.NewJobStore(testClient, nil)
	h := New(jobStore, nil, nil, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/jobs/999999999", nil)
	rr := httptest.NewRecorder()
	h.HandleGetJob(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusNotFound)
	}
}

func TestHandleGetJobFound(t *testing.T) {
	if testClient == nil {
		t.Skip("RELAYER_TEST_DB not set")
	}
	jobStore := store.NewJobStore(testClient, nil)
	id, err := jobStore.Create(context.Background(), store.JobSpec{
		UniqueID:            "server-test-" + randomSuffix(t),
		SourceChain:         "sepolia",
		SourceTxHash:        "0xabc",
		SourceBlockNumber:   1,
		DestChain:           "base-sepolia",
		DestAddress:         "0xdef",
		DestMethod:          "setValue",
		DestMethodSignature: "setValue(uint256)",
		MappingName:         "value-sync",
		EventData: event.Decoded{
			Name: "ValueSet",
			Args: map[string]event.ArgValue{"value": event.Uint(big.NewInt(1))},
		},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	h := New(jobStore, nil, nil, nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/jobs/"+strconv.FormatInt(id, 10), nil)
	rr := httptest.NewRecorder()
	h.HandleGetJob(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d, body %s", rr.Code, http.StatusOK, rr.Body.String())
	}
}

func TestHandleListChains(t *testing.T) {
	if testClient == nil {
		t.Skip("RELAYER_TEST_DB not set")
	}
	chainStore := store.NewChainStore(testClient, nil)
	if err := chainStore.SetLastProcessed(context.Background(), "sepolia", 42); err != nil {
		t.Fatalf("SetLastProcessed: %v", err)
	}

	h := New(nil, chainStore, []string{"sepolia"}, nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/chains", nil)
	rr := httptest.NewRecorder()
	h.HandleListChains(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	var body struct {
		Chains []struct {
			Chain              string `json:"chain"`
			LastProcessedBlock uint64 `json:"lastProcessedBlock"`
		} `json:"chains"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(body.Chains) != 1 || body.Chains[0].LastProcessedBlock != 42 {
		t.Errorf("chains = %+v, want one entry at block 42", body.Chains)
	}
}
