// Package signer checks that settlement instructions were authorized by the
// custody signer.
package signer

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"universal-gateway/internal/bridge"
)

var ErrBadSignature = errors.New("signer: signature does not match authorized signer")

// Verifier authorizes an instruction given its signature.
type Verifier interface {
	Verify(in bridge.Instruction, sig []byte) error
}

// Domain binds a signature to one deployment: the chain it settles on and
// the settlement contract that executes it.
type Domain struct {
	ChainID    uint64
	Settlement common.Address
}

var domainTag = ethcrypto.Keccak256([]byte("universal-gateway/settlement/v1"))

// Separator is the 32-byte prefix mixed into every digest for this domain.
func (d Domain) Separator() []byte {
	return ethcrypto.Keccak256(
		domainTag,
		common.LeftPadBytes(new(big.Int).SetUint64(d.ChainID).Bytes(), 32),
		d.Settlement.Bytes(),
	)
}

// Digest is the EIP-191 hash that the custody signer signs.
func Digest(d Domain, in bridge.Instruction) []byte {
	return accounts.TextHash(ethcrypto.Keccak256(
		d.Separator(),
		in.RequestID.Bytes(),
		[]byte(in.Kind),
		in.OriginCaller.Bytes(),
		in.Asset.Bytes(),
		in.Target.Bytes(),
		common.LeftPadBytes(bridge.OrZero(in.Amount).Bytes(), 32),
		common.LeftPadBytes(bridge.OrZero(in.AttachedValue).Bytes(), 32),
		ethcrypto.Keccak256(in.Payload),
		in.Revert.FundRecipient.Bytes(),
	))
}

// Sign produces a 65-byte signature with V in {27, 28}.
func Sign(d Domain, in bridge.Instruction, key *ecdsa.PrivateKey) ([]byte, error) {
	sig, err := ethcrypto.Sign(Digest(d, in), key)
	if err != nil {
		return nil, err
	}
	sig[64] += 27
	return sig, nil
}

// ECDSAVerifier accepts instructions signed by one address.
type ECDSAVerifier struct {
	signer common.Address
	domain Domain
}

func NewECDSAVerifier(signer common.Address, domain Domain) *ECDSAVerifier {
	return &ECDSAVerifier{signer: signer, domain: domain}
}

func (v *ECDSAVerifier) Signer() common.Address { return v.signer }

func (v *ECDSAVerifier) Verify(in bridge.Instruction, sig []byte) error {
	if v.signer == (common.Address{}) {
		return fmt.Errorf("%w: no signer configured", ErrBadSignature)
	}
	if len(sig) != 65 {
		return fmt.Errorf("%w: signature must be 65 bytes", ErrBadSignature)
	}
	normalized := append([]byte(nil), sig...)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}
	pub, err := ethcrypto.SigToPub(Digest(v.domain, in), normalized)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if recovered := ethcrypto.PubkeyToAddress(*pub); recovered != v.signer {
		return fmt.Errorf("%w: recovered %s", ErrBadSignature, recovered.Hex())
	}
	return nil
}

var _ Verifier = (*ECDSAVerifier)(nil)
