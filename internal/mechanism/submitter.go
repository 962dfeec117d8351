// Package mechanism implements the corrective action handlers and the
// backends they submit instructions to.
package mechanism

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"peg-stabilizer/internal/stabilization"
)

// ErrSubmissionRefused is returned when the backend refuses an instruction
// for credential reasons. It is a security failure.
var ErrSubmissionRefused = fmt.Errorf("submission refused: %w", stabilization.ErrSecurity)

// Instruction is a single action to be carried out by the backend.
type Instruction struct {
	CycleID uuid.UUID
	Action  stabilization.ActionKind
	Payload map[string]string
}

// Key identifies the instruction for idempotency purposes.
func (i Instruction) Key() string {
	return i.CycleID.String() + ":" + string(i.Action)
}

// Encode renders the payload as JSON with sorted keys.
func (i Instruction) Encode() ([]byte, error) {
	return json.Marshal(i.Payload)
}

// Receipt confirms a submitted instruction.
type Receipt struct {
	TxHash      string    `json:"tx_hash"`
	SubmittedAt time.Time `json:"submitted_at"`
	// Details is what the action reported when it first ran. A replay
	// returns these rather than recomputing them from the current book.
	Details map[string]string `json:"details,omitempty"`
	// Duplicate is set when the receipt was replayed from an earlier submission.
	Duplicate bool `json:"-"`
}

// Submitter carries instructions to the settlement backend.
type Submitter interface {
	Submit(ctx context.Context, inst Instruction) (Receipt, error)
}

// DryRunSubmitter records instructions without touching any chain. The
// transaction hash is a deterministic keccak digest of the instruction.
type DryRunSubmitter struct {
	mu     sync.Mutex
	logger zerolog.Logger
	clock  func() time.Time
	log    []Instruction
}

// NewDryRunSubmitter constructs a dry-run backend.
func NewDryRunSubmitter(logger zerolog.Logger) *DryRunSubmitter {
	return &DryRunSubmitter{
		logger: logger.With().Str("component", "dryrun_submitter").Logger(),
		clock:  time.Now,
	}
}

// Submit implements Submitter.
func (d *DryRunSubmitter) Submit(ctx context.Context, inst Instruction) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, fmt.Errorf("%w: %w", stabilization.ErrTransient, err)
	}
	body, err := inst.Encode()
	if err != nil {
		return Receipt{}, fmt.Errorf("encode instruction: %w", err)
	}
	hash := crypto.Keccak256Hash([]byte(inst.Key()), body)

	d.mu.Lock()
	d.log = append(d.log, cloneInstruction(inst))
	d.mu.Unlock()

	d.logger.Info().
		Str("cycle_id", inst.CycleID.String()).
		Str("action", string(inst.Action)).
		Str("tx_hash", hash.Hex()).
		Msg("dry-run instruction recorded")
	return Receipt{TxHash: hash.Hex(), SubmittedAt: d.clock().UTC()}, nil
}

// Submitted returns a copy of every recorded instruction.
func (d *DryRunSubmitter) Submitted() []Instruction {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Instruction, len(d.log))
	for i, inst := range d.log {
		out[i] = cloneInstruction(inst)
	}
	return out
}

func cloneInstruction(inst Instruction) Instruction {
	out := inst
	out.Payload = cloneDetails(inst.Payload)
	return out
}

func cloneDetails(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	return out
}

var _ Submitter = (*DryRunSubmitter)(nil)
