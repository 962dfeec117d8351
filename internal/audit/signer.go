package audit

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	signerPrefixEd25519  = "ed25519:"
	signerPrefixEthereum = "eth:"
)

// Signer produces signatures over profile headers. KeyID is stored with the
// profile so verifiers can find the matching public key.
type Signer interface {
	Sign(ctx context.Context, msg []byte) ([]byte, error)
	KeyID() string
}

// SignatureVerifier checks signatures produced by one key.
type SignatureVerifier interface {
	Verify(msg, sig []byte) bool
	KeyID() string
}

// Ed25519Signer signs with a local Ed25519 key.
type Ed25519Signer struct {
	priv  ed25519.PrivateKey
	pub   ed25519.PublicKey
	keyID string
}

// NewEd25519Signer generates a fresh key.
func NewEd25519Signer() (*Ed25519Signer, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	return newEd25519(priv), nil
}

// NewEd25519SignerFromSeed loads a key from its hex-encoded 32 byte seed.
func NewEd25519SignerFromSeed(seedHex string) (*Ed25519Signer, error) {
	seed, err := hex.DecodeString(strings.TrimPrefix(seedHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("decode ed25519 seed: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("ed25519 seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return newEd25519(ed25519.NewKeyFromSeed(seed)), nil
}

func newEd25519(priv ed25519.PrivateKey) *Ed25519Signer {
	pub := priv.Public().(ed25519.PublicKey)
	return &Ed25519Signer{
		priv:  priv,
		pub:   pub,
		keyID: signerPrefixEd25519 + hex.EncodeToString(pub[:8]),
	}
}

// Sign implements Signer.
func (s *Ed25519Signer) Sign(ctx context.Context, msg []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return ed25519.Sign(s.priv, msg), nil
}

// KeyID implements Signer.
func (s *Ed25519Signer) KeyID() string { return s.keyID }

// PublicKey returns the verifying key.
func (s *Ed25519Signer) PublicKey() ed25519.PublicKey { return s.pub }

// Verify implements SignatureVerifier.
func (s *Ed25519Signer) Verify(msg, sig []byte) bool {
	return ed25519.Verify(s.pub, msg, sig)
}

// Ed25519Verifier verifies with a bare public key.
type Ed25519Verifier struct {
	pub   ed25519.PublicKey
	keyID string
}

// NewEd25519Verifier wraps a hex-encoded public key.
func NewEd25519Verifier(pubHex string) (*Ed25519Verifier, error) {
	pub, err := hex.DecodeString(strings.TrimPrefix(pubHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("decode ed25519 public key: %w", err)
	}
	if len(pub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("ed25519 public key must be %d bytes", ed25519.PublicKeySize)
	}
	return &Ed25519Verifier{pub: pub, keyID: signerPrefixEd25519 + hex.EncodeToString(pub[:8])}, nil
}

// Verify implements SignatureVerifier.
func (v *Ed25519Verifier) Verify(msg, sig []byte) bool {
	return ed25519.Verify(v.pub, msg, sig)
}

// KeyID implements SignatureVerifier.
func (v *Ed25519Verifier) KeyID() string { return v.keyID }

// EthereumSigner signs keccak256(msg) with a secp256k1 key, producing the
// 65 byte [R || S || V] form used on chain.
type EthereumSigner struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

// NewEthereumSigner loads a hex-encoded secp256k1 key.
func NewEthereumSigner(keyHex string) (*EthereumSigner, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(keyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("load secp256k1 key: %w", err)
	}
	return &EthereumSigner{key: key, addr: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

// Sign implements Signer.
func (s *EthereumSigner) Sign(ctx context.Context, msg []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return crypto.Sign(crypto.Keccak256(msg), s.key)
}

// KeyID implements Signer.
func (s *EthereumSigner) KeyID() string { return signerPrefixEthereum + s.addr.Hex() }

// Address returns the signing account.
func (s *EthereumSigner) Address() common.Address { return s.addr }

// Verify implements SignatureVerifier.
func (s *EthereumSigner) Verify(msg, sig []byte) bool {
	return NewEthereumVerifier(s.addr).Verify(msg, sig)
}

// EthereumVerifier recovers the signer address and compares it.
type EthereumVerifier struct {
	addr common.Address
}

// NewEthereumVerifier verifies signatures from addr.
func NewEthereumVerifier(addr common.Address) *EthereumVerifier {
	return &EthereumVerifier{addr: addr}
}

// Verify implements SignatureVerifier.
func (v *EthereumVerifier) Verify(msg, sig []byte) bool {
	if len(sig) != crypto.SignatureLength {
		return false
	}
	pub, err := crypto.SigToPub(crypto.Keccak256(msg), sig)
	if err != nil {
		return false
	}
	return bytes.Equal(crypto.PubkeyToAddress(*pub).Bytes(), v.addr.Bytes())
}

// KeyID implements SignatureVerifier.
func (v *EthereumVerifier) KeyID() string { return signerPrefixEthereum + v.addr.Hex() }

var (
	_ Signer            = (*Ed25519Signer)(nil)
	_ Signer            = (*EthereumSigner)(nil)
	_ SignatureVerifier = (*Ed25519Signer)(nil)
	_ SignatureVerifier = (*Ed25519Verifier)(nil)
	_ SignatureVerifier = (*EthereumSigner)(nil)
	_ SignatureVerifier = (*EthereumVerifier)(nil)
)
