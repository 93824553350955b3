package reconcile

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"
)

// WriteCSV renders the reconciliation report as a CSV artifact: one row per
// JE outcome, then one row per unclaimed transaction.
func WriteCSV(w io.Writer, r Report) error {
	cw := csv.NewWriter(w)
	header := []string{"tenant_id", "record_type", "je_id", "txn_id", "match_kind", "score", "generated_at"}
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("write reconciliation header: %w", err)
	}
	ts := r.GeneratedAt.UTC().Format(time.RFC3339)
	for _, m := range r.Matches {
		row := []string{
			r.TenantID, "je", m.JEID, m.TxnID, string(m.Kind),
			strconv.FormatFloat(m.Score, 'f', 4, 64), ts,
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write reconciliation row: %w", err)
		}
	}
	for _, txnID := range r.UnmatchedTxns {
		row := []string{r.TenantID, "unmatched_txn", "", txnID, string(MatchNone), "0.0000", ts}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write reconciliation row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}
