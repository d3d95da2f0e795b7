package domain

// FeePolicy is a closed tagged union: the catalog of protocol fee kinds
// is fixed by governance, so (per the design notes) it is modeled as an
// interface with a sealed implementation set rather than an open one.
type FeePolicy interface {
	feePolicy()
}

// SurplusFee takes a cut of the surplus an order receives above its
// limit price, capped at a fraction of the traded volume.
type SurplusFee struct {
	Factor          float64
	MaxVolumeFactor float64
}

// PriceImprovementFee takes a cut of the improvement over a reference
// quote, also capped at a fraction of volume.
type PriceImprovementFee struct {
	Factor          float64
	MaxVolumeFactor float64
	Quote           Quote
}

// VolumeFee takes a flat cut of traded volume regardless of surplus.
type VolumeFee struct {
	Factor float64
}

// NoFee applies no protocol fee; used for liquidity orders and JIT
// counterparty orders that never carry a policy.
type NoFee struct{}

func (SurplusFee) feePolicy()          {}
func (PriceImprovementFee) feePolicy() {}
func (VolumeFee) feePolicy()           {}
func (NoFee) feePolicy()               {}
