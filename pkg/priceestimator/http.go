package priceestimator

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/cowdex/autopilot/pkg/domain"
)

// HTTPOracle is the Fallback's secondary tier: a price aggregator
// reachable over plain HTTP, queried one token at a time. It never
// touches chain state, so it stays usable during the exact outages
// that push the primary On-Chain estimator into ErrProtocol.
type HTTPOracle struct {
	baseURL string
	client  *http.Client
}

func NewHTTPOracle(baseURL string, timeout time.Duration) *HTTPOracle {
	return &HTTPOracle{baseURL: baseURL, client: &http.Client{Timeout: timeout}}
}

type oracleResponse struct {
	PriceWei string `json:"priceWei"`
}

func (o *HTTPOracle) Price(ctx context.Context, token common.Address) (domain.NativePrice, error) {
	url := fmt.Sprintf("%s/price/%s", o.baseURL, token.Hex())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return domain.NativePrice{}, ErrProtocol
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return domain.NativePrice{}, ErrProtocol
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return domain.NativePrice{}, ErrNoFeed
	}
	if resp.StatusCode != http.StatusOK {
		return domain.NativePrice{}, ErrProtocol
	}

	var body oracleResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return domain.NativePrice{}, ErrProtocol
	}

	price, ok := new(big.Int).SetString(body.PriceWei, 10)
	if !ok || price.Sign() <= 0 {
		return domain.NativePrice{}, ErrProtocol
	}

	return domain.NativePrice{Value: price}, nil
}
