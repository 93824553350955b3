// Package export renders posted journal entries as an idempotent CSV batch.
// Every entry derives a content-addressed external id; re-exporting the same
// entry is a counted no-op, never a duplicate row downstream.
package export

import (
	"context"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/fintide/ledgerpilot/internal/domain"
)

// Header is the fixed 11-column export layout.
var Header = []string{
	"ExternalId", "JournalId", "Date", "AccountCode", "AccountName",
	"Debit", "Credit", "Memo", "Currency", "RuleVersion", "ModelVersion",
}

// Ledger is the idempotency store. Upsert inserts the record when the
// (tenant, target, external_id) key is new and bumps the attempt counter
// either way.
type Ledger interface {
	Upsert(ctx context.Context, rec domain.ExportRecord) (created bool, err error)
}

// AccountNamer resolves account display names for the export rows.
type AccountNamer interface {
	Account(tenantID, code string) (domain.Account, bool)
}

// Result summarizes one export call.
type Result struct {
	NewCount              int `json:"new_count"`
	SkippedDuplicateCount int `json:"skipped_duplicate_count"`
	RowsWritten           int `json:"rows_written"`
}

// Exporter writes CSV batches against one accounting target.
type Exporter struct {
	ledger Ledger
	chart  AccountNamer
	clock  domain.Clock
	log    zerolog.Logger
}

// NewExporter wires an exporter.
func NewExporter(ledger Ledger, chart AccountNamer, clock domain.Clock, log zerolog.Logger) *Exporter {
	return &Exporter{
		ledger: ledger,
		chart:  chart,
		clock:  clock,
		log:    log.With().Str("component", "exporter").Logger(),
	}
}

// Export writes one CSV row per line of each new entry and records every
// attempt. Entries whose external id already exists for the target are
// skipped and counted.
func (e *Exporter) Export(ctx context.Context, w io.Writer, tenantID, target, currency string, jes []domain.JournalEntry) (Result, error) {
	var res Result
	cw := csv.NewWriter(w)
	if err := cw.Write(Header); err != nil {
		return res, fmt.Errorf("write export header: %w", err)
	}

	now := e.clock.Now().UTC()
	for _, je := range jes {
		extID := ExternalID(tenantID, target, je)
		rec := domain.ExportRecord{
			TenantID:        tenantID,
			JEID:            je.JEID,
			ExternalID:      extID,
			Target:          target,
			FirstExportedAt: now,
			LastAttemptAt:   now,
			Attempts:        1,
			Status:          domain.ExportPosted,
		}
		created, err := e.ledger.Upsert(ctx, rec)
		if err != nil {
			return res, fmt.Errorf("export ledger upsert for je %s: %w", je.JEID, err)
		}
		if !created {
			res.SkippedDuplicateCount++
			e.log.Debug().Str("je_id", je.JEID).Str("external_id", extID).Msg("duplicate export skipped")
			continue
		}
		res.NewCount++
		for _, line := range je.Lines {
			name := ""
			if acc, ok := e.chart.Account(tenantID, line.AccountCode); ok {
				name = acc.Name
			}
			row := []string{
				extID[:32],
				je.JEID,
				je.PostedAt.UTC().Format("2006-01-02"),
				line.AccountCode,
				name,
				decimal(line.DebitMinor),
				decimal(line.CreditMinor),
				line.Memo,
				currency,
				je.RuleVersionID,
				je.ModelVersionID,
			}
			for i := range row {
				row[i] = sanitize(row[i])
			}
			if err := cw.Write(row); err != nil {
				return res, fmt.Errorf("write export row for je %s: %w", je.JEID, err)
			}
			res.RowsWritten++
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return res, fmt.Errorf("flush export: %w", err)
	}
	e.log.Info().Str("tenant_id", tenantID).Str("target", target).
		Int("new", res.NewCount).Int("skipped", res.SkippedDuplicateCount).Msg("export complete")
	return res, nil
}

// ExternalID hashes the canonical entry payload: tenant, target, date and the
// sorted integer-minor lines. The full 64 hex chars live in the ExportRecord;
// the CSV carries the first 32.
func ExternalID(tenantID, target string, je domain.JournalEntry) string {
	lines := make([]string, len(je.Lines))
	for i, l := range je.Lines {
		lines[i] = fmt.Sprintf("%s:%d:%d", l.AccountCode, l.DebitMinor, l.CreditMinor)
	}
	sort.Strings(lines)

	var b strings.Builder
	b.WriteString(tenantID)
	b.WriteByte('\n')
	b.WriteString(target)
	b.WriteByte('\n')
	b.WriteString(je.PostedAt.UTC().Format("2006-01-02"))
	for _, l := range lines {
		b.WriteByte('\n')
		b.WriteString(l)
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// decimal renders integer minor units with two fraction digits. Lines are
// non-negative by the balance invariant, so no sign handling is needed.
func decimal(minor int64) string {
	return fmt.Sprintf("%d.%02d", minor/100, minor%100)
}

// sanitize defends against spreadsheet formula injection.
func sanitize(field string) string {
	if field == "" {
		return field
	}
	switch field[0] {
	case '=', '+', '-', '@', '\t', '\r':
		return "'" + field
	}
	return field
}
