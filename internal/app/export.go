package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"peg-stabilizer/internal/audit"
	"peg-stabilizer/internal/ledger"
)

var errNoDatabase = errors.New("database not configured; the ledger only lives inside a running service")

// exportRow is one profile flattened for export. Price and Delta come from
// the encrypted payload and stay zero when it cannot be opened.
type exportRow struct {
	Sequence  uint64
	CreatedAt time.Time
	PairID    string
	ProfileID string
	Status    audit.Status
	RiskScore float64
	Price     decimal.Decimal
	Delta     decimal.Decimal
	Opened    bool
	Actions   string
	Reason    string
}

// Export renders ledger history as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	if a.Config.Database.DSN == "" {
		return errNoDatabase
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	rt, err := a.openRuntime(ctx, false)
	if err != nil {
		return err
	}
	defer rt.Close()

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-time.Duration(opts.MaxPoints) * a.Config.Scheduler.Interval)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	opener := audit.NewOpener(rt.keys)
	var rows []exportRow
	err = rt.store.Iterate(ctx, ledger.Range{PairID: opts.PairID, From: from, To: to}, func(rec ledger.Record) error {
		rows = append(rows, toExportRow(ctx, opener, rec))
		return nil
	})
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		a.Logger.Info().Msg("no profiles found for export window")
		return nil
	}

	sealed := 0
	for _, r := range rows {
		if !r.Opened {
			sealed++
		}
	}
	if sealed > 0 {
		a.Logger.Warn().Int("sealed", sealed).Msg("some payloads could not be opened with the configured keystore")
	}

	downsampled := downsampleRows(rows, opts.MaxPoints)
	a.Logger.Info().Int("total", len(rows)).Int("exported", len(downsampled)).Msg("exporting profiles")

	if opts.CSVPath != "" {
		if err := writeRowsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeRowsPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func toExportRow(ctx context.Context, opener *audit.Opener, rec ledger.Record) exportRow {
	p := rec.Profile
	row := exportRow{
		Sequence:  rec.Sequence,
		CreatedAt: p.CreatedAt,
		PairID:    p.PairID,
		ProfileID: p.ID.String(),
		Status:    p.Status,
		RiskScore: p.RiskScore,
		Actions:   summariseActions(p),
		Reason:    sanitizeInline(p.Reason),
	}
	payload, err := opener.Open(ctx, p)
	if err != nil {
		return row
	}
	row.Opened = true
	if s := payload.Evidence.Sample; s != nil {
		row.Price = s.Value
	}
	if d := payload.Evidence.Detection; d != nil {
		row.Delta = d.Delta
	}
	return row
}

func downsampleRows(rows []exportRow, max int) []exportRow {
	if max <= 0 || len(rows) <= max {
		return rows
	}
	if max == 1 {
		return rows[len(rows)-1:]
	}

	result := make([]exportRow, 0, max)
	step := float64(len(rows)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(rows) {
			idx = len(rows) - 1
		}
		result = append(result, rows[idx])
	}
	return result
}

func writeRowsCSV(path string, rows []exportRow) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"sequence", "created_at", "pair_id", "profile_id", "status", "risk_score", "price", "delta", "actions", "reason"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, r := range rows {
		price, delta := "", ""
		if r.Opened {
			price = r.Price.String()
			delta = formatDecimal(r.Delta, 8)
		}
		record := []string{
			strconv.FormatUint(r.Sequence, 10),
			r.CreatedAt.UTC().Format(time.RFC3339Nano),
			r.PairID,
			r.ProfileID,
			string(r.Status),
			strconv.FormatFloat(r.RiskScore, 'f', 4, 64),
			price,
			delta,
			r.Actions,
			r.Reason,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

func writeRowsPNG(path string, rows []exportRow) error {
	if len(rows) < 2 {
		return errors.New("at least two profiles are needed to draw a chart")
	}
	if err := ensureDir(path); err != nil {
		return err
	}

	var px []time.Time
	var price []float64
	x := make([]time.Time, len(rows))
	risk := make([]float64, len(rows))
	for i, r := range rows {
		x[i] = r.CreatedAt
		risk[i] = r.RiskScore
		if r.Opened && !r.Price.IsZero() {
			px = append(px, r.CreatedAt)
			price = append(price, r.Price.InexactFloat64())
		}
	}

	riskFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	riskAxis := chart.YAxis{
		Name:           "Risk score",
		Range:          &chart.ContinuousRange{Min: 0, Max: 1},
		ValueFormatter: riskFormatter,
	}

	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: riskAxis,
		Series: []chart.Series{
			chart.TimeSeries{Name: "Risk score", XValues: x, YValues: risk},
		},
	}
	// Price goes on the primary axis once enough payloads were readable.
	if len(px) >= 2 {
		graph.YAxis = chart.YAxis{
			Name: "Price",
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.5f")
			},
		}
		graph.YAxisSecondary = riskAxis
		graph.Series = []chart.Series{
			chart.TimeSeries{Name: "Price", XValues: px, YValues: price},
			chart.TimeSeries{Name: "Risk score", XValues: x, YValues: risk, YAxis: chart.YAxisSecondary},
		}
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
