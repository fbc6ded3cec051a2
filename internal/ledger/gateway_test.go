package ledger

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

const testDeployHash = "a3d52cbe8f2d4f5c9b1e7a6d0c8b4a2f1e9d7c5b3a1f8e6d4c2b0a9f7e5d3c1b"

// fakeNode simulates the minimal JSON-RPC surface the gateway consumes.
type fakeNode struct {
	pendingPolls atomic.Int32 // polls to answer "pending" before terminal
	failDeploy   bool
	srv          *httptest.Server
}

func newFakeNode(t *testing.T) *fakeNode {
	t.Helper()
	n := &fakeNode{}
	n.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     int64           `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("bad rpc request: %v", err)
			return
		}

		var result string
		switch req.Method {
		case "account_put_deploy":
			result = `{"deploy_hash":"` + testDeployHash + `"}`
		case "info_get_deploy":
			if n.pendingPolls.Add(-1) >= 0 {
				result = `{"execution_results":[]}`
			} else if n.failDeploy {
				result = `{"execution_results":[{"block_hash":"b1","result":{"Failure":{"error_message":"insufficient balance","cost":"100"}}}]}`
			} else {
				result = `{"execution_results":[{"block_hash":"b1","result":{"Success":{"cost":"100"}}}]}`
			}
		case "query_global_state":
			result = `{"stored_value":{"CLValue":{"parsed":"42000000"}}}`
		default:
			t.Errorf("unexpected method %s", req.Method)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"jsonrpc":"2.0","id":` + jsonInt(req.ID) + `,"result":` + result + `}`))
	}))
	t.Cleanup(n.srv.Close)
	return n
}

func jsonInt(i int64) string {
	b, _ := json.Marshal(i)
	return string(b)
}

func newTestGateway(n *fakeNode) *HTTPGateway {
	g := NewHTTPGateway(n.srv.URL)
	g.pollInterval = 5 * time.Millisecond
	return g
}

func TestSubmitTransfer_ReturnsHash(t *testing.T) {
	g := newTestGateway(newFakeNode(t))

	hash, err := g.SubmitTransfer(context.Background(), TransferRequest{
		Sender:    "account-hash-" + strings.Repeat("a", 64),
		Recipient: "account-hash-" + strings.Repeat("b", 64),
		Amount:    1_000_000_000,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hash != testDeployHash {
		t.Errorf("expected %s, got %s", testDeployHash, hash)
	}
}

func TestGetDeployStatus_Pending(t *testing.T) {
	n := newFakeNode(t)
	n.pendingPolls.Store(1)
	g := newTestGateway(n)

	status, err := g.GetDeployStatus(context.Background(), testDeployHash)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status.Executed {
		t.Error("expected pending status")
	}
}

func TestAwaitConfirmation_Success(t *testing.T) {
	n := newFakeNode(t)
	n.pendingPolls.Store(3)
	g := newTestGateway(n)

	conf := g.AwaitConfirmation(context.Background(), testDeployHash, time.Second)
	if !conf.Success || !conf.Executed {
		t.Errorf("expected confirmed success, got %+v", conf)
	}
}

func TestAwaitConfirmation_OnChainFailure(t *testing.T) {
	n := newFakeNode(t)
	n.failDeploy = true
	g := newTestGateway(n)

	conf := g.AwaitConfirmation(context.Background(), testDeployHash, time.Second)
	if conf.Success {
		t.Error("expected failure")
	}
	if !conf.Executed {
		t.Error("on-chain failure must report executed=true")
	}
	if conf.Err != "insufficient balance" {
		t.Errorf("expected ledger reason, got %q", conf.Err)
	}
}

func TestAwaitConfirmation_Timeout(t *testing.T) {
	n := newFakeNode(t)
	n.pendingPolls.Store(1 << 30) // never terminal
	g := newTestGateway(n)

	conf := g.AwaitConfirmation(context.Background(), testDeployHash, 30*time.Millisecond)
	if conf.Success || conf.Executed {
		t.Errorf("expected timeout shape, got %+v", conf)
	}
	if conf.Err != "timeout" {
		t.Errorf("expected err=timeout, got %q", conf.Err)
	}
}

func TestQueryContractValue(t *testing.T) {
	g := newTestGateway(newFakeNode(t))

	v, err := g.QueryContractValue(context.Background(), "hash-abc", []string{"total_supply"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != "42000000" {
		t.Errorf("expected 42000000, got %q", v)
	}
}
