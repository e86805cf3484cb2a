package identity

import (
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrInvalidAddress   = errors.New("identity: invalid address")
	ErrInvalidSignature = errors.New("identity: invalid signature")
	ErrSignerMismatch   = errors.New("identity: signature does not match caller")
)

// ParseAddress accepts a 0x-prefixed 20-byte hex address. The zero address
// is rejected since it cannot sign.
func ParseAddress(s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	addr := common.HexToAddress(s)
	if addr == (common.Address{}) {
		return common.Address{}, fmt.Errorf("%w: zero address", ErrInvalidAddress)
	}
	return addr, nil
}

// Recover returns the address that produced an EIP-191 personal signature
// over payload. sig is 65 bytes hex (r || s || v) with v in {0,1,27,28}.
func Recover(payload string, sigHex string) (common.Address, error) {
	sig, err := hex.DecodeString(strings.TrimPrefix(sigHex, "0x"))
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if len(sig) != ethcrypto.SignatureLength {
		return common.Address{}, fmt.Errorf("%w: length %d", ErrInvalidSignature, len(sig))
	}
	// go-ethereum recovers with v in {0,1}; wallets emit {27,28}.
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	if sig[64] > 1 {
		return common.Address{}, fmt.Errorf("%w: recovery id %d", ErrInvalidSignature, sig[64])
	}

	pub, err := ethcrypto.SigToPub(accounts.TextHash([]byte(payload)), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

// Verify checks that caller signed payload.
func Verify(caller common.Address, payload string, sigHex string) error {
	signer, err := Recover(payload, sigHex)
	if err != nil {
		return err
	}
	if signer != caller {
		return fmt.Errorf("%w: signed by %s, caller %s", ErrSignerMismatch, signer.Hex(), caller.Hex())
	}
	return nil
}

// Signer produces EIP-191 personal signatures. Used by the demo client and
// tests; the server never holds participant keys.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// NewSigner creates a Signer from a hex-encoded secp256k1 private key.
func NewSigner(privateKeyHex string) (*Signer, error) {
	pk, err := ethcrypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("identity: invalid private key: %w", err)
	}
	return &Signer{privateKey: pk, address: ethcrypto.PubkeyToAddress(pk.PublicKey)}, nil
}

// GenerateSigner creates a Signer with a fresh random key.
func GenerateSigner() (*Signer, error) {
	pk, err := ethcrypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("identity: generate key: %w", err)
	}
	return &Signer{privateKey: pk, address: ethcrypto.PubkeyToAddress(pk.PublicKey)}, nil
}

func (s *Signer) Address() common.Address { return s.address }

// Sign returns the 0x-prefixed hex signature of payload with v in {27,28}.
func (s *Signer) Sign(payload string) (string, error) {
	sig, err := ethcrypto.Sign(accounts.TextHash([]byte(payload)), s.privateKey)
	if err != nil {
		return "", fmt.Errorf("identity: signing: %w", err)
	}
	sig[64] += 27
	return "0x" + hex.EncodeToString(sig), nil
}
