// Package ledger stores finalised audit profiles in an append-only,
// per-pair hash-chained log.
package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash/fnv"
	"strconv"
	"time"

	"github.com/google/uuid"

	"peg-stabilizer/internal/audit"
)

const genesisHash = "genesis"

var (
	// ErrNotFound is returned when no profile has the requested id.
	ErrNotFound = errors.New("ledger: profile not found")
	// ErrDuplicate is returned when a profile id was already appended.
	ErrDuplicate = errors.New("ledger: profile already appended")
	// ErrNotFinal is returned when appending a profile that is still pending.
	ErrNotFinal = errors.New("ledger: only committed or rejected profiles may be appended")
	// ErrChainBroken is returned by VerifyChain when a record does not link.
	ErrChainBroken = errors.New("ledger: hash chain broken")
	// ErrStopIteration may be returned from an Iterate callback to stop early
	// without an error.
	ErrStopIteration = errors.New("ledger: stop iteration")
)

// Record is a stored profile with its chain position.
type Record struct {
	Sequence   uint64         `json:"sequence"`
	PrevHash   string         `json:"prev_hash"`
	Hash       string         `json:"hash"`
	AppendedAt time.Time      `json:"appended_at"`
	Profile    *audit.Profile `json:"profile"`
}

// Range filters Iterate. Zero values disable the bound. From is inclusive,
// To exclusive, both compared against the profile's CreatedAt.
type Range struct {
	PairID string
	Status audit.Status
	From   time.Time
	To     time.Time
	Limit  int
}

func (r Range) match(p *audit.Profile) bool {
	if r.PairID != "" && p.PairID != r.PairID {
		return false
	}
	if r.Status != "" && p.Status != r.Status {
		return false
	}
	if !r.From.IsZero() && p.CreatedAt.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && !p.CreatedAt.Before(r.To) {
		return false
	}
	return true
}

// Store is the append-only profile ledger. Implementations hand out copies;
// mutating a returned profile never changes the stored one.
type Store interface {
	Append(ctx context.Context, p *audit.Profile) (Record, error)
	Get(ctx context.Context, id uuid.UUID) (Record, error)
	// Iterate visits matching records in append order.
	Iterate(ctx context.Context, r Range, fn func(Record) error) error
}

func validate(p *audit.Profile) error {
	if p == nil {
		return errors.New("ledger: nil profile")
	}
	if p.ID == uuid.Nil {
		return errors.New("ledger: profile id required")
	}
	if !p.Status.Final() {
		return fmt.Errorf("%w: status %q", ErrNotFinal, p.Status)
	}
	return nil
}

// chainHash links a profile to its predecessor. The profile contributes its
// signed header and signature, so any change to a stored field breaks the
// chain even when the signature itself is absent.
func chainHash(seq uint64, prev string, p *audit.Profile) (string, error) {
	header, err := audit.SigningBytes(p)
	if err != nil {
		return "", fmt.Errorf("chain hash: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(strconv.FormatUint(seq, 10)))
	h.Write([]byte{0})
	h.Write([]byte(prev))
	h.Write([]byte{0})
	h.Write(header)
	h.Write([]byte{0})
	h.Write([]byte(hex.EncodeToString(p.Signature)))
	return "sha256:" + hex.EncodeToString(h.Sum(nil)), nil
}

// VerifyChain walks every record of pairID and checks the links.
func VerifyChain(ctx context.Context, s Store, pairID string) (int, error) {
	prev := genesisHash
	var expected uint64 = 1
	count := 0
	err := s.Iterate(ctx, Range{PairID: pairID}, func(rec Record) error {
		if rec.Sequence != expected {
			return fmt.Errorf("%w: expected sequence %d, got %d", ErrChainBroken, expected, rec.Sequence)
		}
		if rec.PrevHash != prev {
			return fmt.Errorf("%w at sequence %d: prev %s, want %s", ErrChainBroken, rec.Sequence, rec.PrevHash, prev)
		}
		want, err := chainHash(rec.Sequence, rec.PrevHash, rec.Profile)
		if err != nil {
			return err
		}
		if rec.Hash != want {
			return fmt.Errorf("%w at sequence %d: content hash mismatch", ErrChainBroken, rec.Sequence)
		}
		prev = rec.Hash
		expected++
		count++
		return nil
	})
	return count, err
}

// PairLockKey derives a stable advisory lock key for a pair.
func PairLockKey(base int64, pairID string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(pairID))
	return base ^ int64(h.Sum64()&0x7fffffffffffffff)
}
