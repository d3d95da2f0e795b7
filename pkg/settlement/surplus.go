package settlement

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/cowdex/autopilot/pkg/domain"
)

// TradeSurplus is one order's contribution to a settlement's reported
// economics, in the auction's native token.
type TradeSurplus struct {
	OrderUid domain.OrderUid
	Surplus  *big.Int
	Fee      *big.Int
}

// ComputeSurplus implements §4.5 step 6: for each decoded trade whose
// order is known, surplus is `surplus_token_price × (executed_buy -
// reference_buy)` for sells (and the mirror for buys), and the
// protocol fee follows the order's fee-policy list (§3).
func ComputeSurplus(d Decoded, orders map[domain.OrderUid]domain.Order, nativePrices map[common.Address]domain.NativePrice) []TradeSurplus {
	out := make([]TradeSurplus, 0, len(d.Trades))
	for _, t := range d.Trades {
		uid := orderUidForTrade(t, d.Tokens, orders)
		o, ok := orders[uid]
		if !ok {
			continue
		}

		var surplusToken common.Address
		var surplus *big.Int
		if o.Side == domain.Sell {
			surplusToken = t.BuyToken(d.Tokens)
			surplus = new(big.Int).Sub(t.ExecutedAmount, o.BuyAmount)
		} else {
			surplusToken = t.SellToken(d.Tokens)
			surplus = new(big.Int).Sub(o.SellAmount, t.ExecutedAmount)
		}
		if surplus.Sign() < 0 {
			surplus = big.NewInt(0)
		}

		price, ok := nativePrices[surplusToken]
		if ok && price.Value != nil {
			surplus = scaleByPrice(surplus, price.Value)
		}

		fee := totalFee(o, t)
		out = append(out, TradeSurplus{OrderUid: uid, Surplus: surplus, Fee: fee})
	}
	return out
}

// orderUidForTrade matches a decoded trade back to its order by sell
// token, buy token, and receiver — the fields the calldata actually
// carries — since the uid itself is not part of the settle() calldata.
func orderUidForTrade(t Trade, tokens []common.Address, orders map[domain.OrderUid]domain.Order) domain.OrderUid {
	sell, buy := t.SellToken(tokens), t.BuyToken(tokens)
	for uid, o := range orders {
		if o.SellToken == sell && o.BuyToken == buy && o.Owner == t.Receiver {
			return uid
		}
	}
	return domain.OrderUid{}
}

// scaleByPrice converts an amount denominated in its own token into the
// native token, at 1e18 fixed-point precision matching NativePrice.
func scaleByPrice(amount, price *big.Int) *big.Int {
	scaled := new(big.Int).Mul(amount, price)
	return scaled.Div(scaled, weiPerEther)
}

var weiPerEther = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// totalFee sums every applicable fee-policy charge for one order's
// trade, per the catalog in §3.
func totalFee(o domain.Order, t Trade) *big.Int {
	total := big.NewInt(0)
	for _, fp := range o.FeePolicies {
		total.Add(total, feeForPolicy(fp, o, t))
	}
	return total
}

func feeForPolicy(fp domain.FeePolicy, o domain.Order, t Trade) *big.Int {
	switch p := fp.(type) {
	case domain.NoFee:
		return big.NewInt(0)
	case domain.VolumeFee:
		return fractionOf(t.ExecutedAmount, p.Factor)
	case domain.SurplusFee:
		surplus := surplusAmount(o, t)
		fee := fractionOf(surplus, p.Factor)
		return capByVolume(fee, t.ExecutedAmount, p.MaxVolumeFactor)
	case domain.PriceImprovementFee:
		improvement := improvementOverQuote(o, t, p.Quote)
		fee := fractionOf(improvement, p.Factor)
		return capByVolume(fee, t.ExecutedAmount, p.MaxVolumeFactor)
	default:
		return big.NewInt(0)
	}
}

func surplusAmount(o domain.Order, t Trade) *big.Int {
	var surplus *big.Int
	if o.Side == domain.Sell {
		surplus = new(big.Int).Sub(t.ExecutedAmount, o.BuyAmount)
	} else {
		surplus = new(big.Int).Sub(o.SellAmount, t.ExecutedAmount)
	}
	if surplus.Sign() < 0 {
		return big.NewInt(0)
	}
	return surplus
}

func improvementOverQuote(o domain.Order, t Trade, q domain.Quote) *big.Int {
	var improvement *big.Int
	if o.Side == domain.Sell && q.BuyAmount != nil {
		improvement = new(big.Int).Sub(t.ExecutedAmount, q.BuyAmount)
	} else if q.SellAmount != nil {
		improvement = new(big.Int).Sub(q.SellAmount, t.ExecutedAmount)
	} else {
		return big.NewInt(0)
	}
	if improvement.Sign() < 0 {
		return big.NewInt(0)
	}
	return improvement
}

// fractionOf returns amount * factor, where factor is a [0,1] fraction
// expressed as a float64; precision matches the teacher's other
// float-derived on-chain-adjacent calculations (not a consensus value).
func fractionOf(amount *big.Int, factor float64) *big.Int {
	if amount == nil || amount.Sign() == 0 || factor <= 0 {
		return big.NewInt(0)
	}
	f := new(big.Float).SetInt(amount)
	f.Mul(f, big.NewFloat(factor))
	result, _ := f.Int(nil)
	return result
}

func capByVolume(fee, volume *big.Int, maxVolumeFactor float64) *big.Int {
	cap := fractionOf(volume, maxVolumeFactor)
	if cap.Sign() > 0 && fee.Cmp(cap) > 0 {
		return cap
	}
	return fee
}
