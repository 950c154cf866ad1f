package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"compliance-guardian/internal/storage"
)

// Show prints recent violations from the audit trail.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show violations")
	}
	defer closeStore()

	records, err := store.ListRecentViolations(ctx, opts.Limit)
	if err != nil {
		return err
	}
	return writeViolationTable(os.Stdout, records)
}

func writeViolationTable(out io.Writer, records []storage.ViolationRecord) error {
	if len(records) == 0 {
		_, err := fmt.Fprintln(out, "no violations found")
		return err
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tDetected (UTC)\tLaw\tSeverity\tAction\tViolator\tAmount\tResolved\tDescription")

	for _, rec := range records {
		resolved := "no"
		if rec.Resolved {
			resolved = "yes"
			if rec.ResolvedBy != nil {
				resolved = "by " + *rec.ResolvedBy
			}
		}
		fmt.Fprintf(
			writer,
			"%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			rec.ViolationID,
			rec.DetectedAt.UTC().Format(time.RFC3339),
			rec.Law,
			rec.Severity,
			rec.Action,
			rec.Violator,
			formatDecimal(rec.Amount, 4),
			resolved,
			sanitizeInline(rec.Description),
		)
	}

	return writer.Flush()
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.Round(places).String()
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	cleaned = strings.ReplaceAll(cleaned, "\t", " ")
	return cleaned
}
