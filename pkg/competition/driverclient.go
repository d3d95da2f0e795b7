package competition

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/andybalholm/brotli"
	"github.com/ethereum/go-ethereum/common"

	"github.com/cowdex/autopilot/pkg/domain"
	"github.com/cowdex/autopilot/pkg/errkind"
)

// Driver names one competing solver endpoint and whether its requests
// should be Brotli-compressed.
type Driver struct {
	Name             string
	BaseURL          string
	SubmissionAddr   string
	Brotli           bool
}

// preparedRequest is one driver's Phase A payload: serialized into a
// raw buffer and a Brotli-compressed one, per §4.4. Each driver gets
// its own preparedRequest once its orders have been prioritized and
// capped to its budget, so the bytes are not identical across drivers.
type preparedRequest struct {
	auctionID string
	raw       []byte
	br        []byte
}

// prepareRequest serializes one driver's auction view and compresses
// it at quality 1 / window 22.
func prepareRequest(a domain.Auction) (preparedRequest, error) {
	req := newSolveRequest(a)
	raw, err := json.Marshal(req)
	if err != nil {
		return preparedRequest{}, errkind.NewFatal("marshal solve request: %w", err)
	}

	var buf bytes.Buffer
	w := brotli.NewWriterOptions(&buf, brotli.WriterOptions{Quality: 1, LGWin: 22})
	if _, err := w.Write(raw); err != nil {
		return preparedRequest{}, fmt.Errorf("brotli compress solve request: %w", err)
	}
	if err := w.Close(); err != nil {
		return preparedRequest{}, fmt.Errorf("brotli close: %w", err)
	}

	return preparedRequest{auctionID: req.Id, raw: raw, br: buf.Bytes()}, nil
}

// DriverClient is a thin net/http wrapper kept deliberately low-level
// so Phase A retains full control over which buffer is streamed and
// which headers accompany it.
type DriverClient struct {
	http *http.Client
}

func NewDriverClient(http *http.Client) *DriverClient {
	return &DriverClient{http: http}
}

func (c *DriverClient) Solve(ctx context.Context, d Driver, req preparedRequest) ([]domain.Solution, error) {
	body := req.raw
	encoding := ""
	if d.Brotli {
		body = req.br
		encoding = "br"
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.BaseURL+"/solve", bytes.NewReader(body))
	if err != nil {
		return nil, errkind.NewFatal("build solve request for %s: %w", d.Name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Auction-Id", req.auctionID)
	if encoding != "" {
		httpReq.Header.Set("Content-Encoding", encoding)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, errkind.NewTransient("solve call to %s: %w", d.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, errkind.NewTransient("solve call to %s: status %d", d.Name, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("solve call to %s: status %d", d.Name, resp.StatusCode)
	}

	var sr solveResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, fmt.Errorf("decode solve response from %s: %w", d.Name, err)
	}
	return sr.toSolutions(d.Name), nil
}

// RevealResult carries a winner's solution internals back for storage.
type RevealResult struct {
	Calldata []byte
}

func (c *DriverClient) Reveal(ctx context.Context, d Driver, auctionID string, solutionID uint64) (RevealResult, error) {
	var rr RevealResult
	path := fmt.Sprintf("%s/reveal?solutionId=%d", d.BaseURL, solutionID)
	return rr, c.postJSON(ctx, d, path, struct {
		AuctionId string `json:"auctionId"`
	}{auctionID}, &rr)
}

type settleOutcome struct {
	TxHash  *[32]byte       `json:"txHash,omitempty"`
	TxFrom  *common.Address `json:"txFrom,omitempty"`
	TxNonce *uint64         `json:"txNonce,omitempty"`
	Reason  string          `json:"reason,omitempty"`
}

// Settle submits the winner's settlement. Its outcome is either a tx
// hash or a failure reason, mirroring the submission-strategy contract
// of §4.4 Phase D.
func (c *DriverClient) Settle(ctx context.Context, d Driver, auctionID string, solutionID uint64) (settleOutcome, error) {
	var out settleOutcome
	path := fmt.Sprintf("%s/settle?solutionId=%d", d.BaseURL, solutionID)
	err := c.postJSON(ctx, d, path, struct {
		AuctionId string `json:"auctionId"`
	}{auctionID}, &out)
	return out, err
}

func (c *DriverClient) Notify(ctx context.Context, d Driver, body notifyBody) error {
	return c.postJSON(ctx, d, d.BaseURL+"/notify", body, nil)
}

func (c *DriverClient) postJSON(ctx context.Context, d Driver, url string, body, out any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return errkind.NewFatal("marshal request to %s: %w", d.Name, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return errkind.NewFatal("build request to %s: %w", d.Name, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return errkind.NewTransient("call %s: %w", d.Name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return errkind.NewTransient("call %s: status %d", d.Name, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("call %s: status %d", d.Name, resp.StatusCode)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
