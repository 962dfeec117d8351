package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"peg-stabilizer/internal/audit"
	"peg-stabilizer/internal/ledger"
)

// ErrVerificationFailed is returned when any chain link or signature fails.
var ErrVerificationFailed = errors.New("ledger verification failed")

type pairVerification struct {
	PairID     string
	Records    int
	ChainErr   error
	Unverified int
	FirstBad   string
}

// Verify walks the hash chain of every selected pair and checks each
// profile signature against the local signer and the trusted signers.
func (a *App) Verify(ctx context.Context, opts VerifyOptions) error {
	if a.Config.Database.DSN == "" {
		return errNoDatabase
	}
	pairs := []string{opts.PairID}
	if opts.PairID == "" {
		pairs = pairs[:0]
		for _, p := range a.Config.Pairs {
			pairs = append(pairs, p.ID)
		}
	}

	rt, err := a.openRuntime(ctx, false)
	if err != nil {
		return err
	}
	defer rt.Close()

	trusted, err := a.trustedVerifiers()
	if err != nil {
		return err
	}

	results, err := verifyPairs(ctx, rt.store, rt.verifier(trusted), pairs)
	if err != nil {
		return err
	}
	if !printVerification(a.out(), results) {
		return ErrVerificationFailed
	}
	return nil
}

func verifyPairs(ctx context.Context, store ledger.Store, verifier *audit.Verifier, pairs []string) ([]pairVerification, error) {
	out := make([]pairVerification, 0, len(pairs))
	for _, pairID := range pairs {
		res := pairVerification{PairID: pairID}
		res.Records, res.ChainErr = ledger.VerifyChain(ctx, store, pairID)
		if res.ChainErr != nil && !errors.Is(res.ChainErr, ledger.ErrChainBroken) {
			return nil, fmt.Errorf("verify chain %s: %w", pairID, res.ChainErr)
		}

		err := store.Iterate(ctx, ledger.Range{PairID: pairID}, func(rec ledger.Record) error {
			if err := verifier.Verify(rec.Profile); err != nil {
				res.Unverified++
				if res.FirstBad == "" {
					res.FirstBad = fmt.Sprintf("%s: %v", rec.Profile.ID, err)
				}
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("verify signatures %s: %w", pairID, err)
		}
		out = append(out, res)
	}
	return out, nil
}

func printVerification(w io.Writer, results []pairVerification) bool {
	ok := true
	writer := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Pair\tRecords\tChain\tUnverified\tDetail")
	for _, r := range results {
		chain, detail := "ok", r.FirstBad
		if r.ChainErr != nil {
			chain, detail = "broken", r.ChainErr.Error()
			ok = false
		}
		if r.Unverified > 0 {
			ok = false
		}
		fmt.Fprintf(writer, "%s\t%d\t%s\t%d\t%s\n", r.PairID, r.Records, chain, r.Unverified, sanitizeInline(detail))
	}
	writer.Flush()
	return ok
}
