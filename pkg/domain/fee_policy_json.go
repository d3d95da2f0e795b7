package domain

import (
	"encoding/json"
	"fmt"
)

// feePolicyWire is the tagged-union wire form used to round-trip the
// sealed FeePolicy interface through JSONB, since encoding/json cannot
// marshal an interface value without a discriminator.
type feePolicyWire struct {
	Kind            string  `json:"kind"`
	Factor          float64 `json:"factor,omitempty"`
	MaxVolumeFactor float64 `json:"max_volume_factor,omitempty"`
	Quote           *Quote  `json:"quote,omitempty"`
}

func marshalFeePolicy(p FeePolicy) (feePolicyWire, error) {
	switch v := p.(type) {
	case SurplusFee:
		return feePolicyWire{Kind: "surplus", Factor: v.Factor, MaxVolumeFactor: v.MaxVolumeFactor}, nil
	case PriceImprovementFee:
		q := v.Quote
		return feePolicyWire{Kind: "price_improvement", Factor: v.Factor, MaxVolumeFactor: v.MaxVolumeFactor, Quote: &q}, nil
	case VolumeFee:
		return feePolicyWire{Kind: "volume", Factor: v.Factor}, nil
	case NoFee:
		return feePolicyWire{Kind: "none"}, nil
	default:
		return feePolicyWire{}, fmt.Errorf("fee policy: unknown implementation %T", p)
	}
}

func unmarshalFeePolicy(w feePolicyWire) (FeePolicy, error) {
	switch w.Kind {
	case "surplus":
		return SurplusFee{Factor: w.Factor, MaxVolumeFactor: w.MaxVolumeFactor}, nil
	case "price_improvement":
		var q Quote
		if w.Quote != nil {
			q = *w.Quote
		}
		return PriceImprovementFee{Factor: w.Factor, MaxVolumeFactor: w.MaxVolumeFactor, Quote: q}, nil
	case "volume":
		return VolumeFee{Factor: w.Factor}, nil
	case "none", "":
		return NoFee{}, nil
	default:
		return nil, fmt.Errorf("fee policy: unknown kind %q", w.Kind)
	}
}

// MarshalFeePolicies encodes a fee policy slice for JSONB storage.
func MarshalFeePolicies(policies []FeePolicy) ([]byte, error) {
	wires := make([]feePolicyWire, len(policies))
	for i, p := range policies {
		w, err := marshalFeePolicy(p)
		if err != nil {
			return nil, err
		}
		wires[i] = w
	}
	return json.Marshal(wires)
}

// UnmarshalFeePolicies decodes a fee policy slice from JSONB storage.
func UnmarshalFeePolicies(data []byte) ([]FeePolicy, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var wires []feePolicyWire
	if err := json.Unmarshal(data, &wires); err != nil {
		return nil, err
	}
	policies := make([]FeePolicy, len(wires))
	for i, w := range wires {
		p, err := unmarshalFeePolicy(w)
		if err != nil {
			return nil, err
		}
		policies[i] = p
	}
	return policies, nil
}
