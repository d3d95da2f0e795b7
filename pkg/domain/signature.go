package domain

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/cowdex/autopilot/pkg/crypto"
)

// SignatureScheme enumerates the closed set of ways an order can be
// authorized, per §3.
type SignatureScheme int8

const (
	SchemeEip712 SignatureScheme = iota
	SchemeEthSign
	SchemeEip1271
	SchemePreSign
)

// Signature carries the authorization for an order. For Eip712/EthSign
// it is a 65-byte ECDSA signature recoverable to Owner; for Eip1271 it
// is an opaque blob checked by calling the owner contract; for PreSign
// it is a marker meaning the owner already called setPreSignature
// on-chain (tracked separately in the presignatures table).
type Signature struct {
	Scheme SignatureScheme
	Data   []byte
}

// RecoverEcdsaOwner recovers the signing address for an Eip712 or
// EthSign signature over the given order digest. EthSign differs from
// Eip712 only in the personal-sign prefix applied before hashing;
// both reuse the teacher's ECDSA recovery helper.
func (s Signature) RecoverEcdsaOwner(digest [32]byte) (common.Address, error) {
	switch s.Scheme {
	case SchemeEip712:
		return crypto.RecoverAddress(digest[:], s.Data)
	case SchemeEthSign:
		prefixed := ethSignHash(digest)
		return crypto.RecoverAddress(prefixed[:], s.Data)
	default:
		return common.Address{}, fmt.Errorf("signature scheme %d is not ECDSA-recoverable", s.Scheme)
	}
}

func ethSignHash(digest [32]byte) [32]byte {
	h := gethcrypto.Keccak256Hash(append([]byte("\x19Ethereum Signed Message:\n32"), digest[:]...))
	return [32]byte(h)
}
