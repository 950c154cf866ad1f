package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"compliance-guardian/internal/guardian"
	"compliance-guardian/internal/storage"
)

// ViolationFilter narrows the exported violation log. Zero values match
// everything.
type ViolationFilter struct {
	Laws        []guardian.LawType
	MinSeverity guardian.Severity
	OpenOnly    bool
}

func (f ViolationFilter) match(rec storage.ViolationRecord) bool {
	if f.OpenOnly && rec.Resolved {
		return false
	}
	if len(f.Laws) > 0 {
		found := false
		for _, law := range f.Laws {
			if strings.EqualFold(rec.Law, law.String()) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.MinSeverity > 0 {
		sev, err := guardian.ParseSeverity(rec.Severity)
		if err != nil || sev < f.MinSeverity {
			return false
		}
	}
	return true
}

func filterViolations(records []storage.ViolationRecord, f ViolationFilter) []storage.ViolationRecord {
	out := records[:0:0]
	for _, rec := range records {
		if f.match(rec) {
			out = append(out, rec)
		}
	}
	return out
}

// Export writes the violation log as CSV and/or the score history as PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	defer closeStore()

	from, to, err := a.exportWindow(opts, time.Now().UTC())
	if err != nil {
		return err
	}

	if opts.CSVPath != "" {
		records, err := store.ListViolationsBetween(ctx, from, to)
		if err != nil {
			return err
		}
		records = filterViolations(records, opts.Filter)
		a.Logger.Info().Int("violations", len(records)).Str("path", opts.CSVPath).Msg("exporting violations")
		if err := writeViolationsCSV(opts.CSVPath, records); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		samples, err := store.ListScoresBetween(ctx, from, to)
		if err != nil {
			return err
		}
		if len(samples) < 2 {
			a.Logger.Info().Int("samples", len(samples)).Msg("not enough score samples to chart")
			return nil
		}
		downsampled := downsample(samples, opts.MaxPoints)
		a.Logger.Info().Int("total", len(samples)).Int("exported", len(downsampled)).Msg("exporting score history")
		if err := writeScoresPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func (a *App) exportWindow(opts ExportOptions, now time.Time) (time.Time, time.Time, error) {
	to := now
	if opts.To != nil {
		to = opts.To.UTC()
	}

	interval := a.Config.Scheduler.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	from := to.Add(-time.Duration(opts.MaxPoints) * interval)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return time.Time{}, time.Time{}, errors.New("from must be before to")
	}
	return from, to, nil
}

func downsample[T any](items []T, max int) []T {
	if max <= 0 || len(items) <= max {
		return items
	}
	if max == 1 {
		return items[len(items)-1:]
	}

	result := make([]T, 0, max)
	step := float64(len(items)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(items) {
			idx = len(items) - 1
		}
		result = append(result, items[idx])
	}
	return result
}

func writeViolationsCSV(path string, records []storage.ViolationRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)

	header := []string{"violation_id", "detected_at", "law", "severity", "action", "violator", "amount", "fingerprint", "resolved", "resolved_at", "resolved_by", "description"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, rec := range records {
		resolvedAt, resolvedBy := "", ""
		if rec.ResolvedAt != nil {
			resolvedAt = rec.ResolvedAt.UTC().Format(time.RFC3339)
		}
		if rec.ResolvedBy != nil {
			resolvedBy = *rec.ResolvedBy
		}
		row := []string{
			strconv.FormatUint(rec.ViolationID, 10),
			rec.DetectedAt.UTC().Format(time.RFC3339),
			rec.Law,
			rec.Severity,
			rec.Action,
			rec.Violator,
			rec.Amount.String(),
			rec.Fingerprint,
			strconv.FormatBool(rec.Resolved),
			resolvedAt,
			resolvedBy,
			rec.Description,
		}
		if err := writer.Write(row); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func writeScoresPNG(path string, samples []storage.ScoreSample) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(samples))
	score := make([]float64, len(samples))
	active := make([]float64, len(samples))

	for i, sample := range samples {
		x[i] = sample.SampledAt
		score[i] = float64(sample.Score)
		active[i] = float64(sample.ActiveViolations)
	}

	intFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.0f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Compliance score",
			ValueFormatter: intFormatter,
			Range:          &chart.ContinuousRange{Min: 0, Max: 100},
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Active violations",
			ValueFormatter: intFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Score",
				XValues: x,
				YValues: score,
			},
			chart.TimeSeries{
				Name:    "Active violations",
				XValues: x,
				YValues: active,
				YAxis:   chart.YAxisSecondary,
			},
		},
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
