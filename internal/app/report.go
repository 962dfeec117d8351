package app

import (
	"context"
	"encoding/json"

	"peg-stabilizer/internal/compliance"
	"peg-stabilizer/internal/ledger"
)

// Report prints a compliance report for the selected range as JSON.
func (a *App) Report(ctx context.Context, opts ReportOptions) error {
	if a.Config.Database.DSN == "" {
		return errNoDatabase
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

	rng := ledger.Range{PairID: opts.PairID}
	if opts.From != nil {
		rng.From = opts.From.UTC()
	}
	if opts.To != nil {
		rng.To = opts.To.UTC()
	}

	rep, err := compliance.NewReporter(rt.store, rt.verifier(trusted), a.Logger).Generate(ctx, rng)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(a.out())
	enc.SetIndent("", "  ")
	return enc.Encode(rep)
}
