// Package audit builds, seals and verifies the security profile recorded for
// every stabilization cycle.
package audit

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"peg-stabilizer/internal/stabilization"
)

// Status is the lifecycle state of a profile.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCommitted Status = "committed"
	StatusRejected  Status = "rejected"
)

// Final reports whether a profile in this state may be appended.
func (s Status) Final() bool {
	return s == StatusCommitted || s == StatusRejected
}

// Profile is the tamper-evident record of one cycle.
type Profile struct {
	ID               uuid.UUID                    `json:"id"`
	PairID           string                       `json:"pair_id"`
	CreatedAt        time.Time                    `json:"created_at"`
	RiskScore        float64                      `json:"risk_score"`
	ActionResults    []stabilization.ActionResult `json:"action_results"`
	EncryptedPayload []byte                       `json:"encrypted_payload,omitempty"`
	Signature        []byte                       `json:"signature,omitempty"`
	Status           Status                       `json:"status"`
	Reason           string                       `json:"reason,omitempty"`
	KeyVersion       int                          `json:"key_version"`
	SignerID         string                       `json:"signer_id,omitempty"`
}

// NewProfile opens a pending profile for a cycle. CreatedAt is truncated to
// microseconds so it survives a round trip through timestamptz.
func NewProfile(pairID string, now time.Time) *Profile {
	return &Profile{
		ID:            uuid.New(),
		PairID:        pairID,
		CreatedAt:     now.UTC().Truncate(time.Microsecond),
		ActionResults: []stabilization.ActionResult{},
		Status:        StatusPending,
	}
}

// Clone deep-copies the profile.
func (p *Profile) Clone() *Profile {
	if p == nil {
		return nil
	}
	out := *p
	out.ActionResults = stabilization.CloneResults(p.ActionResults)
	if out.ActionResults == nil {
		out.ActionResults = []stabilization.ActionResult{}
	}
	out.EncryptedPayload = append([]byte(nil), p.EncryptedPayload...)
	out.Signature = append([]byte(nil), p.Signature...)
	return &out
}

// Reject marks the profile rejected and records why.
func (p *Profile) Reject(reason string) {
	p.Status = StatusRejected
	p.Note(reason)
}

// Note appends to the reason without touching the status.
func (p *Profile) Note(reason string) {
	if p.Reason == "" || p.Reason == reason {
		p.Reason = reason
		return
	}
	p.Reason = p.Reason + "; " + reason
}

// Decide derives the final status from the executor results. A risk abort or
// any security failure rejects the cycle; everything else commits, including
// plain transient failures.
func Decide(results []stabilization.ActionResult) (Status, string) {
	var security []string
	for _, r := range results {
		if r.Action == string(stabilization.ActionAbortForRisk) {
			return StatusRejected, r.Reason
		}
		if r.SecurityFailure {
			security = append(security, fmt.Sprintf("%s: %s", r.Action, r.Reason))
		}
	}
	if len(security) > 0 {
		return StatusRejected, "security failure in " + strings.Join(security, "; ")
	}
	return StatusCommitted, ""
}

// Evidence is what the cycle observed and decided, sealed into the payload.
type Evidence struct {
	Sample    *stabilization.PriceSample        `json:"sample,omitempty"`
	Detection *stabilization.Detection          `json:"detection,omitempty"`
	Proposal  *stabilization.CorrectionProposal `json:"proposal,omitempty"`
	Risk      *stabilization.RiskAssessment     `json:"risk,omitempty"`
	Signals   *stabilization.Signals            `json:"signals,omitempty"`
}

// Payload is the plaintext sealed inside EncryptedPayload.
type Payload struct {
	ProfileID string                       `json:"profile_id"`
	PairID    string                       `json:"pair_id"`
	Evidence  Evidence                     `json:"evidence"`
	Results   []stabilization.ActionResult `json:"action_results"`
	Status    Status                       `json:"status"`
	Reason    string                       `json:"reason,omitempty"`
}

func payloadFor(p *Profile, ev Evidence) Payload {
	results := p.ActionResults
	if results == nil {
		results = []stabilization.ActionResult{}
	}
	return Payload{
		ProfileID: p.ID.String(),
		PairID:    p.PairID,
		Evidence:  ev,
		Results:   results,
		Status:    p.Status,
		Reason:    p.Reason,
	}
}
