package rpc

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

type jsonrpcReq struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params []any           `json:"params"`
}

type jsonrpcResp struct {
	ID     json.RawMessage `json:"id"`
	Result any             `json:"result"`
}

// fakeNode answers eth_call/eth_getCode batches, tracking how many HTTP
// requests it received so tests can assert on coalescing.
type fakeNode struct {
	requests int32
}

func (n *fakeNode) respond(req jsonrpcReq) jsonrpcResp {
	switch req.Method {
	case "eth_call":
		return jsonrpcResp{ID: req.ID, Result: "0x2a"}
	case "eth_getCode":
		return jsonrpcResp{ID: req.ID, Result: "0x60"}
	default:
		return jsonrpcResp{ID: req.ID, Result: "0x0"}
	}
}

func (n *fakeNode) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt32(&n.requests, 1)

	var batch []jsonrpcReq
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		// a lone (non-batched) call decodes as a single object
		var single jsonrpcReq
		r.Body.Close()
		_ = json.NewEncoder(w).Encode(n.respond(single))
		return
	}

	out := make([]jsonrpcResp, len(batch))
	for i, req := range batch {
		out[i] = n.respond(req)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

func newTestBuffered(t *testing.T, node *fakeNode, maxBatch int, delay time.Duration) *Buffered {
	t.Helper()
	srv := httptest.NewServer(node)
	t.Cleanup(srv.Close)

	raw, err := gethrpc.DialHTTP(srv.URL)
	if err != nil {
		t.Fatalf("dial test node: %v", err)
	}
	t.Cleanup(raw.Close)

	return NewBuffered(raw, maxBatch, delay)
}

func TestBufferedCoalescesConcurrentCallsIntoOneBatch(t *testing.T) {
	node := &fakeNode{}
	b := newTestBuffered(t, node, 8, 50*time.Millisecond)

	token := common.HexToAddress("0x1")
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		go func() {
			_, err := b.CallContract(context.Background(), ethereum.CallMsg{To: &token}, nil)
			errs <- err
		}()
	}
	for i := 0; i < 8; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}

	if got := atomic.LoadInt32(&node.requests); got != 1 {
		t.Errorf("requests = %d, want 1 (all 8 calls should ride one eth_batch)", got)
	}
}

func TestBufferedFlushesOnMaxBatchWithoutWaitingForDelay(t *testing.T) {
	node := &fakeNode{}
	b := newTestBuffered(t, node, 2, time.Hour) // delay long enough that only size-triggered flush can complete the test

	contract := common.HexToAddress("0x2")
	done := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := b.CodeAt(context.Background(), contract, nil)
			done <- err
		}()
	}
	for i := 0; i < 2; i++ {
		if err := <-done; err != nil {
			t.Fatalf("codeAt: %v", err)
		}
	}
	if got := atomic.LoadInt32(&node.requests); got != 1 {
		t.Errorf("requests = %d, want 1 (maxBatch=2 should flush immediately)", got)
	}
}

func TestToBlockNumArg(t *testing.T) {
	if got := toBlockNumArg(nil); got != "latest" {
		t.Errorf("toBlockNumArg(nil) = %q, want \"latest\"", got)
	}
	if got := toBlockNumArg(big.NewInt(255)); got != "0xff" {
		t.Errorf("toBlockNumArg(255) = %q, want 0xff", got)
	}
}
