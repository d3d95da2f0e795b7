package domain

import (
	"encoding/json"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// orderWire mirrors Order field-for-field but swaps the sealed
// FeePolicy slice for its JSON-codable wire form, so Order can be
// embedded directly in auctions.orders (JSONB) without a bespoke
// per-field marshaler.
type orderWire struct {
	Uid       OrderUid       `json:"uid"`
	Owner     common.Address `json:"owner"`
	SellToken common.Address `json:"sell_token"`
	BuyToken  common.Address `json:"buy_token"`

	SellAmount *big.Int `json:"sell_amount"`
	BuyAmount  *big.Int `json:"buy_amount"`

	Side Side      `json:"side"`
	Kind OrderKind `json:"kind"`

	PartiallyFillable bool      `json:"partially_fillable"`
	ValidFrom         time.Time `json:"valid_from"`
	ValidTo           time.Time `json:"valid_to"`

	AppDataHash [32]byte `json:"app_data_hash"`

	PreInteractions  []Interaction `json:"pre_interactions"`
	PostInteractions []Interaction `json:"post_interactions"`

	FeePolicies []feePolicyWire `json:"fee_policies"`

	BalanceSource BalanceSource      `json:"balance_source"`
	Destination   BalanceDestination `json:"destination"`

	Signature Signature `json:"signature"`

	ExecutedSellAmount *big.Int `json:"executed_sell_amount"`
	ExecutedBuyAmount  *big.Int `json:"executed_buy_amount"`

	CancellationTimestamp *time.Time `json:"cancellation_timestamp,omitempty"`
	Invalidated            bool      `json:"invalidated"`

	EthflowValidTo *time.Time `json:"ethflow_valid_to,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

func (o Order) MarshalJSON() ([]byte, error) {
	wires := make([]feePolicyWire, len(o.FeePolicies))
	for i, p := range o.FeePolicies {
		w, err := marshalFeePolicy(p)
		if err != nil {
			return nil, err
		}
		wires[i] = w
	}
	return json.Marshal(orderWire{
		Uid: o.Uid, Owner: o.Owner, SellToken: o.SellToken, BuyToken: o.BuyToken,
		SellAmount: o.SellAmount, BuyAmount: o.BuyAmount,
		Side: o.Side, Kind: o.Kind,
		PartiallyFillable: o.PartiallyFillable, ValidFrom: o.ValidFrom, ValidTo: o.ValidTo,
		AppDataHash: o.AppDataHash,
		PreInteractions: o.PreInteractions, PostInteractions: o.PostInteractions,
		FeePolicies:   wires,
		BalanceSource: o.BalanceSource, Destination: o.Destination,
		Signature:             o.Signature,
		ExecutedSellAmount:    o.ExecutedSellAmount,
		ExecutedBuyAmount:     o.ExecutedBuyAmount,
		CancellationTimestamp: o.CancellationTimestamp,
		Invalidated:           o.Invalidated,
		EthflowValidTo:        o.EthflowValidTo,
		CreatedAt:             o.CreatedAt,
	})
}

func (o *Order) UnmarshalJSON(data []byte) error {
	var w orderWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	policies := make([]FeePolicy, len(w.FeePolicies))
	for i, fw := range w.FeePolicies {
		p, err := unmarshalFeePolicy(fw)
		if err != nil {
			return err
		}
		policies[i] = p
	}
	*o = Order{
		Uid: w.Uid, Owner: w.Owner, SellToken: w.SellToken, BuyToken: w.BuyToken,
		SellAmount: w.SellAmount, BuyAmount: w.BuyAmount,
		Side: w.Side, Kind: w.Kind,
		PartiallyFillable: w.PartiallyFillable, ValidFrom: w.ValidFrom, ValidTo: w.ValidTo,
		AppDataHash: w.AppDataHash,
		PreInteractions: w.PreInteractions, PostInteractions: w.PostInteractions,
		FeePolicies:   policies,
		BalanceSource: w.BalanceSource, Destination: w.Destination,
		Signature:             w.Signature,
		ExecutedSellAmount:    w.ExecutedSellAmount,
		ExecutedBuyAmount:     w.ExecutedBuyAmount,
		CancellationTimestamp: w.CancellationTimestamp,
		Invalidated:           w.Invalidated,
		EthflowValidTo:        w.EthflowValidTo,
		CreatedAt:             w.CreatedAt,
	}
	return nil
}
