package app

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"peg-stabilizer/internal/audit"
	"peg-stabilizer/internal/ledger"
)

// Show prints the most recent ledger records.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, _, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	if opts.Limit <= 0 {
		opts.Limit = 20
	}
	rng := ledger.Range{PairID: opts.PairID, Status: audit.Status(opts.Status)}
	recent := make([]ledger.Record, 0, opts.Limit)
	err = store.Iterate(ctx, rng, func(rec ledger.Record) error {
		if len(recent) == opts.Limit {
			recent = recent[1:]
		}
		recent = append(recent, rec)
		return nil
	})
	if err != nil {
		return err
	}
	if len(recent) == 0 {
		fmt.Fprintln(a.out(), "no profiles found")
		return nil
	}

	writer := tabwriter.NewWriter(a.out(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Seq\tTime (UTC)\tPair\tProfile\tStatus\tRisk\tActions\tSigner\tReason")
	for _, rec := range recent {
		p := rec.Profile
		fmt.Fprintf(
			writer,
			"%d\t%s\t%s\t%s\t%s\t%.3f\t%s\t%s\t%s\n",
			rec.Sequence,
			p.CreatedAt.UTC().Format(time.RFC3339),
			p.PairID,
			p.ID.String(),
			p.Status,
			p.RiskScore,
			summariseActions(p),
			p.SignerID,
			sanitizeInline(p.Reason),
		)
	}
	return writer.Flush()
}

func printProfiles(w io.Writer, profiles []*audit.Profile) {
	writer := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Pair\tProfile\tStatus\tRisk\tActions\tReason")
	for _, p := range profiles {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%.3f\t%s\t%s\n",
			p.PairID,
			p.ID.String(),
			p.Status,
			p.RiskScore,
			summariseActions(p),
			sanitizeInline(p.Reason),
		)
	}
	writer.Flush()
}

func summariseActions(p *audit.Profile) string {
	if len(p.ActionResults) == 0 {
		return "-"
	}
	parts := make([]string, 0, len(p.ActionResults))
	for _, r := range p.ActionResults {
		parts = append(parts, r.Action+"="+string(r.Outcome))
	}
	return strings.Join(parts, ",")
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}
