package competition

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/cowdex/autopilot/pkg/domain"
)

// solveRequest is the body POSTed to `{driver_base}/solve`, per §6.
type solveRequest struct {
	Id                             string          `json:"id"`
	Tokens                         []tokenWire     `json:"tokens"`
	Orders                         []domain.Order  `json:"orders"`
	Deadline                       time.Time       `json:"deadline"`
	SurplusCapturingJitOrderOwners []common.Address `json:"surplusCapturingJitOrderOwners"`
}

type tokenWire struct {
	Address common.Address `json:"address"`
	Price   *string        `json:"price,omitempty"`
	Trusted bool           `json:"trusted"`
}

func newSolveRequest(a domain.Auction) solveRequest {
	tokens := make([]tokenWire, 0, len(a.Tokens))
	for addr, info := range a.Tokens {
		tw := tokenWire{Address: addr, Trusted: info.Trusted}
		if info.ReferencePrice != nil && info.ReferencePrice.Value != nil {
			s := info.ReferencePrice.Value.String()
			tw.Price = &s
		}
		tokens = append(tokens, tw)
	}
	return solveRequest{
		Id:                             big.NewInt(a.Id).String(),
		Tokens:                         tokens,
		Orders:                         a.Orders,
		Deadline:                       a.Deadline,
		SurplusCapturingJitOrderOwners: a.SurplusCapturingJitOrderOwners,
	}
}

// solveResponse is the body returned by `/solve`.
type solveResponse struct {
	Solutions []solutionWire `json:"solutions"`
}

type tradedOrderWire struct {
	Side         string   `json:"side"`
	SellToken    common.Address `json:"sellToken"`
	BuyToken     common.Address `json:"buyToken"`
	LimitSell    *bigIntWire `json:"limitSell"`
	LimitBuy     *bigIntWire `json:"limitBuy"`
	ExecutedSell *bigIntWire `json:"executedSell"`
	ExecutedBuy  *bigIntWire `json:"executedBuy"`
}

type solutionWire struct {
	SolutionId        uint64                               `json:"solutionId"`
	SubmissionAddress common.Address                       `json:"submissionAddress"`
	Orders            map[string]tradedOrderWire            `json:"orders"`
	ClearingPrices    map[string]*bigIntWire                `json:"clearingPrices"`
	Gas               *uint64                               `json:"gas,omitempty"`
	Score             *bigIntWire                            `json:"score"`
}

// bigIntWire round-trips *big.Int through JSON as a decimal string,
// the way the solver protocol encodes all wei amounts.
type bigIntWire big.Int

func (b bigIntWire) MarshalJSON() ([]byte, error) {
	return []byte(`"` + (*big.Int)(&b).String() + `"`), nil
}

func (b *bigIntWire) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return fmt.Errorf("competition: not a decimal integer: %q", s)
	}
	*b = bigIntWire(*v)
	return nil
}

func (b *bigIntWire) big() *big.Int {
	if b == nil {
		return nil
	}
	return (*big.Int)(b)
}

func sideFromWire(s string) domain.Side {
	if s == "buy" {
		return domain.Buy
	}
	return domain.Sell
}

func (r solveResponse) toSolutions(driver string) []domain.Solution {
	out := make([]domain.Solution, 0, len(r.Solutions))
	for _, sw := range r.Solutions {
		sol := domain.Solution{
			SolutionId:        sw.SolutionId,
			Driver:            driver,
			SubmissionAddress: sw.SubmissionAddress,
			Orders:            make(map[domain.OrderUid]domain.TradedOrder, len(sw.Orders)),
			ClearingPrices:    make(map[common.Address]*big.Int, len(sw.ClearingPrices)),
			Gas:               sw.Gas,
			Score:             sw.Score.big(),
		}
		for uidHex, tw := range sw.Orders {
			var uid domain.OrderUid
			if err := uid.UnmarshalText([]byte(uidHex)); err != nil {
				continue
			}
			sol.Orders[uid] = domain.TradedOrder{
				Side:      sideFromWire(tw.Side),
				SellToken: tw.SellToken,
				BuyToken:  tw.BuyToken,
				LimitSell: tw.LimitSell.big(),
				LimitBuy:  tw.LimitBuy.big(),
				Executed: domain.Execution{
					ExecutedSell: tw.ExecutedSell.big(),
					ExecutedBuy:  tw.ExecutedBuy.big(),
				},
			}
		}
		for tokenHex, p := range sw.ClearingPrices {
			sol.ClearingPrices[common.HexToAddress(tokenHex)] = p.big()
		}
		out = append(out, sol)
	}
	return out
}

// notifyBody is what `/notify` receives for one driver's solution
// after Phase C ranking, per §6.
type notifyBody struct {
	SolutionId uint64 `json:"solutionId"`
	Kind       string `json:"kind"`
	Rank       int    `json:"rank,omitempty"`
	Reason     string `json:"reason,omitempty"`
}
