package x402

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// Default EIP-712 domain of USDC, used when an option carries no extra.
const (
	DefaultAssetName    = "USD Coin"
	DefaultAssetVersion = "2"
)

var transferWithAuthorizationTypes = apitypes.Types{
	"EIP712Domain": []apitypes.Type{
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	"TransferWithAuthorization": []apitypes.Type{
		{Name: "from", Type: "address"},
		{Name: "to", Type: "address"},
		{Name: "value", Type: "uint256"},
		{Name: "validAfter", Type: "uint256"},
		{Name: "validBefore", Type: "uint256"},
		{Name: "nonce", Type: "bytes32"},
	},
}

// TypedData builds the EIP-3009 TransferWithAuthorization structure a wallet
// signs. The domain binds the signature to the asset contract and chain.
func TypedData(auth Authorization, opt PaymentRequirements, chainID int64) (apitypes.TypedData, error) {
	value, ok := new(big.Int).SetString(auth.Value, 10)
	if !ok {
		return apitypes.TypedData{}, fmt.Errorf("typed data: bad value %q", auth.Value)
	}
	validAfter, ok := new(big.Int).SetString(auth.ValidAfter, 10)
	if !ok {
		return apitypes.TypedData{}, fmt.Errorf("typed data: bad validAfter %q", auth.ValidAfter)
	}
	validBefore, ok := new(big.Int).SetString(auth.ValidBefore, 10)
	if !ok {
		return apitypes.TypedData{}, fmt.Errorf("typed data: bad validBefore %q", auth.ValidBefore)
	}
	nonce, err := ParseNonce(auth.Nonce)
	if err != nil {
		return apitypes.TypedData{}, fmt.Errorf("typed data: %w", err)
	}

	name, version := DefaultAssetName, DefaultAssetVersion
	if opt.Extra != nil {
		if opt.Extra.Name != "" {
			name = opt.Extra.Name
		}
		if opt.Extra.Version != "" {
			version = opt.Extra.Version
		}
	}
	hexChainID := math.HexOrDecimal256(*big.NewInt(chainID))

	return apitypes.TypedData{
		Types:       transferWithAuthorizationTypes,
		PrimaryType: "TransferWithAuthorization",
		Domain: apitypes.TypedDataDomain{
			Name:              name,
			Version:           version,
			ChainId:           &hexChainID,
			VerifyingContract: opt.Asset,
		},
		Message: apitypes.TypedDataMessage{
			"from":        auth.From,
			"to":          auth.To,
			"value":       value,
			"validAfter":  validAfter,
			"validBefore": validBefore,
			"nonce":       nonce,
		},
	}, nil
}

// Digest is keccak256(0x1901 || domainSeparator || hashStruct(message)).
func Digest(td apitypes.TypedData) ([]byte, error) {
	hash, _, err := apitypes.TypedDataAndHash(td)
	if err != nil {
		return nil, fmt.Errorf("hash typed data: %w", err)
	}
	return hash, nil
}

// RecoverSigner returns the address that produced sig over td. Both 0/1 and
// 27/28 recovery ids are accepted.
func RecoverSigner(td apitypes.TypedData, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("signature must be %d bytes, got %d", crypto.SignatureLength, len(sig))
	}
	digest, err := Digest(td)
	if err != nil {
		return common.Address{}, err
	}
	s := make([]byte, len(sig))
	copy(s, sig)
	if s[64] == 27 || s[64] == 28 {
		s[64] -= 27
	}
	pub, err := crypto.SigToPub(digest, s)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// ParseNonce decodes a 0x-prefixed 32-byte hex nonce.
func ParseNonce(s string) ([32]byte, error) {
	var n [32]byte
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return n, fmt.Errorf("bad nonce: %w", err)
	}
	if len(b) != len(n) {
		return n, errors.New("nonce must be 32 bytes")
	}
	copy(n[:], b)
	return n, nil
}

// ParseSignature decodes a 0x-prefixed hex signature.
func ParseSignature(s string) ([]byte, error) {
	return hex.DecodeString(strings.TrimPrefix(s, "0x"))
}

// FormatSignature renders a signature as 0x-prefixed hex.
func FormatSignature(sig []byte) string {
	return "0x" + hex.EncodeToString(sig)
}
