package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"
	"github.com/rs/zerolog"

	"peg-stabilizer/internal/stabilization"
)

var (
	// ErrUnsigned is returned when verifying a profile that carries no signature.
	ErrUnsigned = errors.New("audit: profile is not signed")
	// ErrUnknownSigner is returned when no verifier matches the profile's signer id.
	ErrUnknownSigner = errors.New("audit: unknown signer")
	// ErrBadSignature is returned when the signature does not match the header.
	ErrBadSignature = errors.New("audit: signature mismatch")
	// ErrNoPayload is returned when opening a profile without ciphertext.
	ErrNoPayload = errors.New("audit: profile has no encrypted payload")
)

// header is the canonical document a profile signature covers.
type header struct {
	ID            string  `json:"id"`
	PairID        string  `json:"pair_id"`
	CreatedAt     string  `json:"created_at"`
	Status        Status  `json:"status"`
	Reason        string  `json:"reason"`
	RiskScore     float64 `json:"risk_score"`
	KeyVersion    int     `json:"key_version"`
	SignerID      string  `json:"signer_id"`
	PayloadSHA256 string  `json:"payload_sha256"`
	ResultsSHA256 string  `json:"results_sha256"`
}

// canonical serialises v as RFC 8785 JSON.
func canonical(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jcs.Transform(raw)
}

func digest(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// SigningBytes returns the canonical header bytes covered by the signature.
func SigningBytes(p *Profile) ([]byte, error) {
	results := p.ActionResults
	if results == nil {
		results = []stabilization.ActionResult{}
	}
	resultBytes, err := canonical(results)
	if err != nil {
		return nil, fmt.Errorf("canonicalise results: %w", err)
	}
	return canonical(header{
		ID:            p.ID.String(),
		PairID:        p.PairID,
		CreatedAt:     p.CreatedAt.UTC().Format(time.RFC3339Nano),
		Status:        p.Status,
		Reason:        p.Reason,
		RiskScore:     p.RiskScore,
		KeyVersion:    p.KeyVersion,
		SignerID:      p.SignerID,
		PayloadSHA256: digest(p.EncryptedPayload),
		ResultsSHA256: digest(resultBytes),
	})
}

// Sealer encrypts the cycle payload and signs the profile header.
type Sealer struct {
	keys   KeyProvider
	signer Signer
	logger zerolog.Logger
}

// NewSealer wires the key provider and signer.
func NewSealer(keys KeyProvider, signer Signer, logger zerolog.Logger) *Sealer {
	return &Sealer{keys: keys, signer: signer, logger: logger.With().Str("component", "sealer").Logger()}
}

// Seal finalises p in place. Any encryption or signing failure forces the
// profile to Rejected with the failure as reason; the sealer then retries so
// the rejected profile still carries whatever could be produced. The returned
// error wraps stabilization.ErrSecurity and is informational: p is always
// left in a final state.
func (s *Sealer) Seal(ctx context.Context, p *Profile, ev Evidence) error {
	if !p.Status.Final() {
		p.Reject("no decision recorded before sealing")
	}

	err := s.seal(ctx, p, ev)
	if err == nil {
		return nil
	}

	p.Reject("sealing failed: " + err.Error())
	if retryErr := s.seal(ctx, p, ev); retryErr != nil {
		s.logger.Warn().Err(retryErr).Str("profile_id", p.ID.String()).Msg("rejected profile sealed partially")
	}
	return fmt.Errorf("%w: %w", stabilization.ErrSecurity, err)
}

func (s *Sealer) seal(ctx context.Context, p *Profile, ev Evidence) error {
	if s.signer != nil {
		p.SignerID = s.signer.KeyID()
	}
	encErr := s.encrypt(ctx, p, ev)
	signErr := s.sign(ctx, p)
	return errors.Join(encErr, signErr)
}

func (s *Sealer) encrypt(ctx context.Context, p *Profile, ev Evidence) error {
	p.EncryptedPayload = nil
	p.KeyVersion = 0

	if s.keys == nil {
		return fmt.Errorf("encrypt payload: %w: no key provider", ErrKeyUnavailable)
	}
	plaintext, err := canonical(payloadFor(p, ev))
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	key, err := s.keys.CurrentKey(ctx)
	if err != nil {
		return fmt.Errorf("encrypt payload: %w", err)
	}
	ct, err := encrypt(key.Material, plaintext, p.ID[:])
	if err != nil {
		return fmt.Errorf("encrypt payload: %w", err)
	}
	p.EncryptedPayload = ct
	p.KeyVersion = key.Version
	return nil
}

func (s *Sealer) sign(ctx context.Context, p *Profile) error {
	p.Signature = nil
	if s.signer == nil {
		return errors.New("sign header: signer not configured")
	}
	msg, err := SigningBytes(p)
	if err != nil {
		return fmt.Errorf("sign header: %w", err)
	}
	sig, err := s.signer.Sign(ctx, msg)
	if err != nil {
		return fmt.Errorf("sign header: %w", err)
	}
	p.Signature = sig
	return nil
}

// Verifier checks profile signatures against known public keys.
type Verifier struct {
	verifiers map[string]SignatureVerifier
}

// NewVerifier indexes verifiers by key id.
func NewVerifier(vs ...SignatureVerifier) *Verifier {
	m := make(map[string]SignatureVerifier, len(vs))
	for _, v := range vs {
		m[v.KeyID()] = v
	}
	return &Verifier{verifiers: m}
}

// Verify checks p's signature over its current header.
func (v *Verifier) Verify(p *Profile) error {
	if len(p.Signature) == 0 {
		return ErrUnsigned
	}
	sv, ok := v.verifiers[p.SignerID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSigner, p.SignerID)
	}
	msg, err := SigningBytes(p)
	if err != nil {
		return err
	}
	if !sv.Verify(msg, p.Signature) {
		return ErrBadSignature
	}
	return nil
}

// Opener decrypts payloads for authorised readers.
type Opener struct {
	keys KeyProvider
}

// NewOpener wires a key provider.
func NewOpener(keys KeyProvider) *Opener {
	return &Opener{keys: keys}
}

// Open decrypts p's payload with the key version it was sealed under.
func (o *Opener) Open(ctx context.Context, p *Profile) (Payload, error) {
	if len(p.EncryptedPayload) == 0 {
		return Payload{}, ErrNoPayload
	}
	key, err := o.keys.Key(ctx, p.KeyVersion)
	if err != nil {
		return Payload{}, err
	}
	plaintext, err := decrypt(key.Material, p.EncryptedPayload, p.ID[:])
	if err != nil {
		return Payload{}, fmt.Errorf("decrypt payload: %w", err)
	}
	var out Payload
	if err := json.Unmarshal(plaintext, &out); err != nil {
		return Payload{}, fmt.Errorf("decode payload: %w", err)
	}
	return out, nil
}
