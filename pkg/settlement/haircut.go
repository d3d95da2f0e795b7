package settlement

import "math/big"

// HaircutBps maps a driver name to its configured flat haircut, in
// basis points, applied to reported economics per §4.5's "Haircut"
// note. Zero (the map's default) means no adjustment.
type HaircutBps map[string]int

// foldHaircut adjusts a decoded trade's executed and fee amounts by a
// driver's flat haircut so that the reported executed_sell recomputed
// downstream equals the on-chain executed_sell; without this fold, a
// haircut-configured solver's surplus/fee accounting would permanently
// disagree with the calldata by the haircut fraction.
func foldHaircut(t Trade, bps int) Trade {
	if bps == 0 {
		return t
	}
	out := t
	out.ExecutedAmount = addBps(t.ExecutedAmount, bps)
	out.FeeAmount = addBps(t.FeeAmount, bps)
	return out
}

// addBps returns amount * (10000 + bps) / 10000.
func addBps(amount *big.Int, bps int) *big.Int {
	if amount == nil {
		return nil
	}
	num := new(big.Int).Mul(amount, big.NewInt(10000+int64(bps)))
	return num.Div(num, big.NewInt(10000))
}

// foldHaircuts applies a driver's haircut to every trade in a decoded
// settlement before surplus/fee computation.
func foldHaircuts(d Decoded, bps int) Decoded {
	if bps == 0 {
		return d
	}
	out := d
	out.Trades = make([]Trade, len(d.Trades))
	for i, t := range d.Trades {
		out.Trades[i] = foldHaircut(t, bps)
	}
	return out
}
