// ordersign is a manual-testing helper: it generates a fresh keypair,
// builds a GPv2 order, signs it via EIP-712, and verifies the
// signature recovers the claimed owner. Nothing here touches the
// network; it prints the generated address and private key, the
// order, and its signature to stdout.
package main

import (
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/cowdex/autopilot/pkg/crypto"
)

type signedOrderPayload struct {
	SellToken         string `json:"sellToken"`
	BuyToken          string `json:"buyToken"`
	Receiver          string `json:"receiver"`
	SellAmount        string `json:"sellAmount"`
	BuyAmount         string `json:"buyAmount"`
	ValidTo           uint32 `json:"validTo"`
	AppData           string `json:"appData"`
	FeeAmount         string `json:"feeAmount"`
	Kind              string `json:"kind"`
	PartiallyFillable bool   `json:"partiallyFillable"`
	SellTokenBalance  string `json:"sellTokenBalance"`
	BuyTokenBalance   string `json:"buyTokenBalance"`
	Signature         string `json:"signature"`
	SigningScheme     string `json:"signingScheme"`
}

func main() {
	fmt.Println("Generating new keypair...")
	signer, err := crypto.GenerateKey()
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Address: %s\n", signer.Address().Hex())
	fmt.Printf("Private Key: %s (KEEP SECRET!)\n\n", signer.PrivateKeyHex())

	order := &crypto.OrderEIP712{
		SellToken:         common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"), // WETH
		BuyToken:          common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"), // USDC
		Receiver:          signer.Address(),
		SellAmount:        big.NewInt(1_000000000000000000),
		BuyAmount:         big.NewInt(3000_000000),
		ValidTo:           uint32(time.Now().Add(20 * time.Minute).Unix()),
		FeeAmount:         big.NewInt(0),
		Kind:              "sell",
		PartiallyFillable: false,
		SellTokenBalance:  "erc20",
		BuyTokenBalance:   "erc20",
	}

	fmt.Println("Order Details:")
	fmt.Printf("  Sell: %s of %s\n", order.SellAmount, order.SellToken.Hex())
	fmt.Printf("  Buy at least: %s of %s\n", order.BuyAmount, order.BuyToken.Hex())
	fmt.Printf("  Valid to: %d\n", order.ValidTo)
	fmt.Printf("  Receiver: %s\n\n", order.Receiver.Hex())

	eip712Signer := crypto.NewEIP712Signer(crypto.DefaultDomain())
	signature, err := eip712Signer.SignOrder(signer, order)
	if err != nil {
		fmt.Printf("Error signing: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Signature: 0x%x\n\n", signature)

	payload := signedOrderPayload{
		SellToken:         order.SellToken.Hex(),
		BuyToken:          order.BuyToken.Hex(),
		Receiver:          order.Receiver.Hex(),
		SellAmount:        order.SellAmount.String(),
		BuyAmount:         order.BuyAmount.String(),
		ValidTo:           order.ValidTo,
		AppData:           fmt.Sprintf("0x%x", order.AppData),
		FeeAmount:         order.FeeAmount.String(),
		Kind:              order.Kind,
		PartiallyFillable: order.PartiallyFillable,
		SellTokenBalance:  order.SellTokenBalance,
		BuyTokenBalance:   order.BuyTokenBalance,
		Signature:         fmt.Sprintf("0x%x", signature),
		SigningScheme:     "eip712",
	}
	body, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		fmt.Printf("Error marshaling JSON: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Signed Order (JSON):")
	fmt.Println(string(body))
	fmt.Println()

	fmt.Println("Verifying signature...")
	recovered, err := eip712Signer.RecoverOrderSigner(order, signature)
	if err != nil {
		fmt.Printf("Error verifying: %v\n", err)
		os.Exit(1)
	}
	if recovered != order.Receiver {
		fmt.Println("signature INVALID")
		os.Exit(1)
	}
	fmt.Println("signature valid")
	fmt.Printf("  Signer: %s\n", recovered.Hex())
}
