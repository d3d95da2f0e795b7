// Package settlement implements the Settlement Observer (C5): it links
// on-chain settlement transactions back to the competition winner that
// produced them, decodes the calldata, and records surplus and fees
// against the auction's stored prices, per §4.5.
package settlement

import (
	"context"
	"errors"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

var errShortCalldata = errors.New("settlement: calldata shorter than a 4-byte selector")

// SettlementContract and VaultRelayer are GPv2Settlement's mainnet
// addresses, the same constants the Chain Indexer's ignored-set uses.
var (
	SettlementContract = common.HexToAddress("0x9008D19f58AAbD9eD0D60971565AA8510560ab41")
	VaultRelayer       = common.HexToAddress("0xC92E8bdf79f0507f65a392b0ab4667716BFE0110")
)

// settleABI is the GPv2Settlement.settle(address[],uint256[],Trade[],Interaction[3][]) signature.
var settleABI abi.ABI

func init() {
	var err error
	settleABI, err = abi.JSON(strings.NewReader(`[{
		"name": "settle",
		"type": "function",
		"stateMutability": "nonpayable",
		"inputs": [
			{"name": "tokens", "type": "address[]"},
			{"name": "clearingPrices", "type": "uint256[]"},
			{"name": "trades", "type": "tuple[]", "components": [
				{"name": "sellTokenIndex", "type": "uint256"},
				{"name": "buyTokenIndex", "type": "uint256"},
				{"name": "receiver", "type": "address"},
				{"name": "sellAmount", "type": "uint256"},
				{"name": "buyAmount", "type": "uint256"},
				{"name": "validTo", "type": "uint32"},
				{"name": "appData", "type": "bytes32"},
				{"name": "feeAmount", "type": "uint256"},
				{"name": "flags", "type": "uint256"},
				{"name": "executedAmount", "type": "uint256"},
				{"name": "signature", "type": "bytes"}
			]},
			{"name": "interactions", "type": "tuple[3][]", "components": [
				{"name": "target", "type": "address"},
				{"name": "value", "type": "uint256"},
				{"name": "callData", "type": "bytes"}
			]}
		],
		"outputs": []
	}]`))
	if err != nil {
		panic("settlement: invalid settle() ABI: " + err.Error())
	}
}

// Trade is one decoded GPv2 trade within a settle() call.
type Trade struct {
	SellTokenIndex uint64
	BuyTokenIndex  uint64
	Receiver       common.Address
	SellAmount     *big.Int
	BuyAmount      *big.Int
	ValidTo        uint32
	AppData        [32]byte
	FeeAmount      *big.Int
	Flags          *big.Int
	ExecutedAmount *big.Int
	Signature      []byte
}

// SellToken/BuyToken resolve a trade's token indices against the
// settlement's token array, per the GPv2 encoding scheme.
func (t Trade) SellToken(tokens []common.Address) common.Address { return tokens[t.SellTokenIndex] }
func (t Trade) BuyToken(tokens []common.Address) common.Address  { return tokens[t.BuyTokenIndex] }

// Decoded is a settle() call's decoded arguments.
type Decoded struct {
	Tokens         []common.Address
	ClearingPrices []*big.Int
	Trades         []Trade
}

// SettlementDecoder is a capability interface so the calldata shape can
// change (new contract version) without touching C5's poll loop.
type SettlementDecoder interface {
	Decode(ctx context.Context, calldata []byte) (Decoded, error)
}

// GPv2Decoder is the default SettlementDecoder, unpacking the real
// GPv2Settlement.settle calldata shape via go-ethereum's ABI package.
type GPv2Decoder struct{}

// settleArgs mirrors settle()'s input tuple; Arguments.Copy matches
// struct fields to ABI components by capitalized name, the same
// mechanism abigen-generated bindings use.
type settleArgs struct {
	Tokens         []common.Address
	ClearingPrices []*big.Int
	Trades         []struct {
		SellTokenIndex *big.Int
		BuyTokenIndex  *big.Int
		Receiver       common.Address
		SellAmount     *big.Int
		BuyAmount      *big.Int
		ValidTo        uint32
		AppData        [32]byte
		FeeAmount      *big.Int
		Flags          *big.Int
		ExecutedAmount *big.Int
		Signature      []byte
	}
}

func (GPv2Decoder) Decode(ctx context.Context, calldata []byte) (Decoded, error) {
	if len(calldata) < 4 {
		return Decoded{}, errShortCalldata
	}
	method, err := settleABI.MethodById(calldata[:4])
	if err != nil {
		return Decoded{}, err
	}

	values, err := method.Inputs.Unpack(calldata[4:])
	if err != nil {
		return Decoded{}, err
	}
	var args settleArgs
	if err := method.Inputs.Copy(&args, values); err != nil {
		return Decoded{}, err
	}

	trades := make([]Trade, len(args.Trades))
	for i, rt := range args.Trades {
		trades[i] = Trade{
			SellTokenIndex: rt.SellTokenIndex.Uint64(),
			BuyTokenIndex:  rt.BuyTokenIndex.Uint64(),
			Receiver:       rt.Receiver,
			SellAmount:     rt.SellAmount,
			BuyAmount:      rt.BuyAmount,
			ValidTo:        rt.ValidTo,
			AppData:        rt.AppData,
			FeeAmount:      rt.FeeAmount,
			Flags:          rt.Flags,
			ExecutedAmount: rt.ExecutedAmount,
			Signature:      rt.Signature,
		}
	}

	return Decoded{Tokens: args.Tokens, ClearingPrices: args.ClearingPrices, Trades: trades}, nil
}
