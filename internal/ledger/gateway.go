// Package ledger wraps the external Casper-style JSON-RPC node. The chain
// is an opaque collaborator: this package submits transfers, polls deploy
// status until a terminal outcome or timeout, and reads contract-stored
// values. It never interprets consensus or contract execution beyond the
// typed result payloads below.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"
)

var (
	// ErrRPC wraps a JSON-RPC level error returned by the node.
	ErrRPC = errors.New("ledger: rpc error")

	// ErrNotFound is returned when the node does not know the deploy yet.
	ErrNotFound = errors.New("ledger: deploy not found")
)

// DefaultConfirmationTimeout bounds how long a trade waits for finality.
const DefaultConfirmationTimeout = 5 * time.Minute

// DefaultPollInterval is the fixed status-poll cadence.
const DefaultPollInterval = 2 * time.Second

// TransferRequest describes an asset movement to submit to the chain.
// TokenContract empty means a native-asset (motes) transfer; otherwise a
// token transfer against that contract hash. SignedDeploy, when present,
// is a client-signed deploy forwarded verbatim.
type TransferRequest struct {
	Sender        string          `json:"sender"`
	Recipient     string          `json:"recipient"`
	Amount        int64           `json:"amount"`
	TokenContract string          `json:"token_contract,omitempty"`
	SignedDeploy  json.RawMessage `json:"signed_deploy,omitempty"`
}

// DeployStatus is the typed terminal-or-pending view of a submitted deploy.
// Executed=false means still pending; Executed=true with Success=false
// carries the on-chain failure reason.
type DeployStatus struct {
	Executed bool
	Success  bool
	Error    string
}

// Confirmation is the outcome of waiting for finality.
//
//	{Success:true,  Executed:true}                — confirmed
//	{Success:false, Executed:true,  Err:reason}   — executed and failed on chain
//	{Success:false, Executed:false, Err:timeout}  — never reached finality in time
//
// The two failure shapes drive different messaging but identical
// compensation.
type Confirmation struct {
	Success  bool
	Executed bool
	Err      string
}

// Gateway is the chain access boundary consumed by the engine. Implemented
// by HTTPGateway in production and by fakes in tests.
type Gateway interface {
	SubmitTransfer(ctx context.Context, req TransferRequest) (string, error)
	GetDeployStatus(ctx context.Context, deployHash string) (DeployStatus, error)
	QueryContractValue(ctx context.Context, stateKey string, path []string) (string, error)
	AwaitConfirmation(ctx context.Context, deployHash string, timeout time.Duration) Confirmation
}

// HTTPGateway talks JSON-RPC 2.0 to a node over HTTP.
type HTTPGateway struct {
	rpcURL       string
	client       *http.Client
	pollInterval time.Duration
	reqID        atomic.Int64
}

// NewHTTPGateway creates a gateway against the given RPC endpoint.
func NewHTTPGateway(rpcURL string) *HTTPGateway {
	return &HTTPGateway{
		rpcURL:       rpcURL,
		client:       &http.Client{Timeout: 15 * time.Second},
		pollInterval: DefaultPollInterval,
	}
}

// --- JSON-RPC envelope ---

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

func (g *HTTPGateway) call(ctx context.Context, method string, params, result any) error {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      g.reqID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.rpcURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("ledger: %s: %w", method, err)
	}
	defer resp.Body.Close()

	var envelope rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("ledger: %s: decode: %w", method, err)
	}
	if envelope.Error != nil {
		return fmt.Errorf("%w: %s (code %d)", ErrRPC, envelope.Error.Message, envelope.Error.Code)
	}
	if result != nil {
		if err := json.Unmarshal(envelope.Result, result); err != nil {
			return fmt.Errorf("ledger: %s: result: %w", method, err)
		}
	}
	return nil
}

// --- Typed method payloads ---

type putDeployParams struct {
	Deploy json.RawMessage `json:"deploy"`
}

type putDeployResult struct {
	DeployHash string `json:"deploy_hash"`
}

type getDeployParams struct {
	DeployHash string `json:"deploy_hash"`
}

type executionResult struct {
	Success *struct {
		Cost string `json:"cost"`
	} `json:"Success,omitempty"`
	Failure *struct {
		ErrorMessage string `json:"error_message"`
		Cost         string `json:"cost"`
	} `json:"Failure,omitempty"`
}

type getDeployResult struct {
	ExecutionResults []struct {
		BlockHash string          `json:"block_hash"`
		Result    executionResult `json:"result"`
	} `json:"execution_results"`
}

type queryStateParams struct {
	StateKey string   `json:"key"`
	Path     []string `json:"path,omitempty"`
}

type queryStateResult struct {
	StoredValue struct {
		CLValue *struct {
			Parsed json.RawMessage `json:"parsed"`
		} `json:"CLValue,omitempty"`
	} `json:"stored_value"`
}

// SubmitTransfer submits the transfer deploy and returns its deploy hash.
// A pre-signed deploy is forwarded as-is; otherwise a session payload is
// built from the request fields for the node-side signer.
func (g *HTTPGateway) SubmitTransfer(ctx context.Context, req TransferRequest) (string, error) {
	deploy := req.SignedDeploy
	if deploy == nil {
		payload, err := json.Marshal(map[string]any{
			"sender":         req.Sender,
			"recipient":      req.Recipient,
			"amount":         fmt.Sprintf("%d", req.Amount),
			"token_contract": req.TokenContract,
		})
		if err != nil {
			return "", err
		}
		deploy = payload
	}

	var res putDeployResult
	if err := g.call(ctx, "account_put_deploy", putDeployParams{Deploy: deploy}, &res); err != nil {
		return "", err
	}
	if !ValidDeployHash(res.DeployHash) {
		return "", fmt.Errorf("%w: malformed deploy hash %q", ErrRPC, res.DeployHash)
	}
	return res.DeployHash, nil
}

// GetDeployStatus polls the node once for the deploy's execution state.
func (g *HTTPGateway) GetDeployStatus(ctx context.Context, deployHash string) (DeployStatus, error) {
	var res getDeployResult
	if err := g.call(ctx, "info_get_deploy", getDeployParams{DeployHash: deployHash}, &res); err != nil {
		return DeployStatus{}, err
	}
	if len(res.ExecutionResults) == 0 {
		return DeployStatus{Executed: false}, nil
	}

	r := res.ExecutionResults[0].Result
	switch {
	case r.Success != nil:
		return DeployStatus{Executed: true, Success: true}, nil
	case r.Failure != nil:
		return DeployStatus{Executed: true, Success: false, Error: r.Failure.ErrorMessage}, nil
	default:
		// Executed block without a recognizable variant: treat as failure
		// rather than guessing success.
		return DeployStatus{Executed: true, Success: false, Error: "unrecognized execution result"}, nil
	}
}

// QueryContractValue reads a contract-stored scalar at key/path and returns
// its parsed representation as a string.
func (g *HTTPGateway) QueryContractValue(ctx context.Context, stateKey string, path []string) (string, error) {
	var res queryStateResult
	if err := g.call(ctx, "query_global_state", queryStateParams{StateKey: stateKey, Path: path}, &res); err != nil {
		return "", err
	}
	if res.StoredValue.CLValue == nil {
		return "", fmt.Errorf("%w: no CLValue at %s/%v", ErrNotFound, stateKey, path)
	}

	raw := res.StoredValue.CLValue.Parsed
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	return string(raw), nil
}

// AwaitConfirmation polls on a fixed interval until the deploy reaches a
// terminal state or the timeout elapses. Transient RPC errors (including
// the node not knowing the deploy yet) keep the poll alive; only the
// deadline or a terminal execution result ends the wait.
func (g *HTTPGateway) AwaitConfirmation(ctx context.Context, deployHash string, timeout time.Duration) Confirmation {
	if timeout <= 0 {
		timeout = DefaultConfirmationTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(g.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return Confirmation{Success: false, Executed: false, Err: "timeout"}
		case <-ticker.C:
			status, err := g.GetDeployStatus(ctx, deployHash)
			if err != nil {
				continue
			}
			if !status.Executed {
				continue
			}
			if status.Success {
				return Confirmation{Success: true, Executed: true}
			}
			return Confirmation{Success: false, Executed: true, Err: status.Error}
		}
	}
}
