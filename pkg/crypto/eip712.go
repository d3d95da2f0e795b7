package crypto

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// EIP712Domain is the GPv2Settlement domain separator every order and
// cancellation is signed against: it binds a signature to one chain
// and one settlement contract deployment.
type EIP712Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address
}

// OrderEIP712 mirrors the GPv2Order.Data struct orders are hashed
// against. Kind/BalanceSource/BalanceDestination are carried as their
// wire string forms ("sell"/"buy", "erc20"/"external"/"internal")
// since that is how GPv2Settlement's own typed-data schema encodes
// them, not as pkg/domain's int8 enums.
type OrderEIP712 struct {
	SellToken         common.Address
	BuyToken          common.Address
	Receiver          common.Address
	SellAmount        *big.Int
	BuyAmount         *big.Int
	ValidTo           uint32
	AppData           [32]byte
	FeeAmount         *big.Int
	Kind              string
	PartiallyFillable bool
	SellTokenBalance  string
	BuyTokenBalance   string
}

// CancelEIP712 is the typed-data payload an owner signs off-chain to
// invalidate an order without waiting for ValidTo to elapse.
type CancelEIP712 struct {
	OrderUid []byte
}

// EIP712Signer hashes and signs OrderEIP712/CancelEIP712 payloads
// against one settlement domain.
type EIP712Signer struct {
	domain EIP712Domain
}

func NewEIP712Signer(domain EIP712Domain) *EIP712Signer {
	return &EIP712Signer{domain: domain}
}

// DefaultDomain is GPv2Settlement's mainnet domain: "Gnosis Protocol",
// version "v2", against the real settlement contract address.
func DefaultDomain() EIP712Domain {
	return EIP712Domain{
		Name:              "Gnosis Protocol",
		Version:           "v2",
		ChainID:           big.NewInt(1),
		VerifyingContract: common.HexToAddress("0x9008D19f58AAbD9eD0D60971565AA8510560ab41"),
	}
}

var orderTypes = apitypes.Types{
	"EIP712Domain": []apitypes.Type{
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	"Order": []apitypes.Type{
		{Name: "sellToken", Type: "address"},
		{Name: "buyToken", Type: "address"},
		{Name: "receiver", Type: "address"},
		{Name: "sellAmount", Type: "uint256"},
		{Name: "buyAmount", Type: "uint256"},
		{Name: "validTo", Type: "uint32"},
		{Name: "appData", Type: "bytes32"},
		{Name: "feeAmount", Type: "uint256"},
		{Name: "kind", Type: "string"},
		{Name: "partiallyFillable", Type: "bool"},
		{Name: "sellTokenBalance", Type: "string"},
		{Name: "buyTokenBalance", Type: "string"},
	},
}

func (e *EIP712Signer) domainMap() apitypes.TypedDataDomain {
	return apitypes.TypedDataDomain{
		Name:              e.domain.Name,
		Version:           e.domain.Version,
		ChainId:           (*math.HexOrDecimal256)(e.domain.ChainID),
		VerifyingContract: e.domain.VerifyingContract.Hex(),
	}
}

// HashOrder returns the digest that must be ECDSA-signed for an
// Eip712-scheme order.
func (e *EIP712Signer) HashOrder(order *OrderEIP712) ([]byte, error) {
	typedData := apitypes.TypedData{
		Types:       orderTypes,
		PrimaryType: "Order",
		Domain:      e.domainMap(),
		Message: apitypes.TypedDataMessage{
			"sellToken":         order.SellToken.Hex(),
			"buyToken":          order.BuyToken.Hex(),
			"receiver":          order.Receiver.Hex(),
			"sellAmount":        order.SellAmount.String(),
			"buyAmount":         order.BuyAmount.String(),
			"validTo":           fmt.Sprintf("%d", order.ValidTo),
			"appData":           order.AppData,
			"feeAmount":         order.FeeAmount.String(),
			"kind":              order.Kind,
			"partiallyFillable": order.PartiallyFillable,
			"sellTokenBalance":  order.SellTokenBalance,
			"buyTokenBalance":   order.BuyTokenBalance,
		},
	}
	return hashTypedData(typedData)
}

func hashTypedData(typedData apitypes.TypedData) ([]byte, error) {
	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("hash domain: %w", err)
	}
	messageHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("hash message: %w", err)
	}
	rawData := append([]byte("\x19\x01"), append(domainSeparator, messageHash...)...)
	digest := crypto.Keccak256Hash(rawData)
	return digest.Bytes(), nil
}

// SignOrder signs an order's EIP-712 digest with signer's key.
func (e *EIP712Signer) SignOrder(signer *Signer, order *OrderEIP712) ([]byte, error) {
	hash, err := e.HashOrder(order)
	if err != nil {
		return nil, fmt.Errorf("hash order: %w", err)
	}
	return signer.Sign(hash)
}

// RecoverOrderSigner recovers the address that produced signature over
// order, without assuming the claimed owner in advance.
func (e *EIP712Signer) RecoverOrderSigner(order *OrderEIP712, signature []byte) (common.Address, error) {
	hash, err := e.HashOrder(order)
	if err != nil {
		return common.Address{}, fmt.Errorf("hash order: %w", err)
	}
	return RecoverAddress(hash, signature)
}

// OrderToJSON renders the typed-data payload a wallet's
// eth_signTypedData_v4 call expects, for manual/offline signing flows.
func (e *EIP712Signer) OrderToJSON(order *OrderEIP712) (string, error) {
	payload := map[string]interface{}{
		"types": map[string]interface{}{
			"EIP712Domain": orderTypes["EIP712Domain"],
			"Order":        orderTypes["Order"],
		},
		"primaryType": "Order",
		"domain": map[string]interface{}{
			"name":              e.domain.Name,
			"version":           e.domain.Version,
			"chainId":           e.domain.ChainID.String(),
			"verifyingContract": e.domain.VerifyingContract.Hex(),
		},
		"message": map[string]interface{}{
			"sellToken":         order.SellToken.Hex(),
			"buyToken":          order.BuyToken.Hex(),
			"receiver":          order.Receiver.Hex(),
			"sellAmount":        order.SellAmount.String(),
			"buyAmount":         order.BuyAmount.String(),
			"validTo":           order.ValidTo,
			"appData":           fmt.Sprintf("0x%x", order.AppData),
			"feeAmount":         order.FeeAmount.String(),
			"kind":              order.Kind,
			"partiallyFillable": order.PartiallyFillable,
			"sellTokenBalance":  order.SellTokenBalance,
			"buyTokenBalance":   order.BuyTokenBalance,
		},
	}
	b, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal typed data: %w", err)
	}
	return string(b), nil
}

var cancelTypes = apitypes.Types{
	"EIP712Domain": orderTypes["EIP712Domain"],
	"OrderCancellation": []apitypes.Type{
		{Name: "orderUid", Type: "bytes"},
	},
}

// HashCancel returns the digest an owner signs to invalidate an order
// identified by its content-addressed uid.
func (e *EIP712Signer) HashCancel(cancel *CancelEIP712) ([]byte, error) {
	typedData := apitypes.TypedData{
		Types:       cancelTypes,
		PrimaryType: "OrderCancellation",
		Domain:      e.domainMap(),
		Message:     apitypes.TypedDataMessage{"orderUid": cancel.OrderUid},
	}
	return hashTypedData(typedData)
}

// SignCancel signs a cancellation's EIP-712 digest with signer's key.
func (e *EIP712Signer) SignCancel(signer *Signer, cancel *CancelEIP712) ([]byte, error) {
	hash, err := e.HashCancel(cancel)
	if err != nil {
		return nil, fmt.Errorf("hash cancel: %w", err)
	}
	return signer.Sign(hash)
}
