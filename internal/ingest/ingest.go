// Package ingest parses uploaded bank statements (CSV, OFX/QFX, PDF) into
// canonical transactions with dedupe keys. Malformed rows are reported
// individually; the batch succeeds for every parseable row.
package ingest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/fintide/ledgerpilot/internal/domain"
	"github.com/fintide/ledgerpilot/internal/vendornorm"
)

// Format declares (or auto-detects) the statement file format.
type Format string

const (
	FormatAuto Format = "auto"
	FormatCSV  Format = "csv"
	FormatOFX  Format = "ofx"
	FormatPDF  Format = "pdf"
)

// DefaultMaxBytes caps statement size; larger input fails with ErrIngestTooLarge.
const DefaultMaxBytes = 16 << 20

// OCRProvider extracts text from scanned documents. Implementations may call
// a hosted OCR service; PDF ingestion falls back to embedded text when nil
// or unavailable.
type OCRProvider interface {
	ExtractText(ctx context.Context, doc []byte) (text string, fieldConfidences []float64, err error)
}

// RowError reports one unparseable row without failing the batch.
type RowError struct {
	Row    int    `json:"row"`
	Reason string `json:"reason"`
}

// Result is the outcome of one ingestion batch.
type Result struct {
	Transactions      []domain.Transaction `json:"transactions"`
	RowErrors         []RowError           `json:"row_errors,omitempty"`
	DuplicatesDropped int                  `json:"duplicates_dropped"`
	OCRConfidences    []float64            `json:"ocr_confidences,omitempty"`
}

// Options configures one ingestion call.
type Options struct {
	TenantID     string
	SourceFileID string
	Currency     string // fallback when the file carries none
	MaxBytes     int64
	// Existing reports whether a txn id is already stored; duplicates are
	// dropped and counted, never errored.
	Existing func(txnID string) bool
}

// Ingestor turns statement files into canonical transactions.
type Ingestor struct {
	ocr   OCRProvider
	clock domain.Clock
	log   zerolog.Logger
}

// New creates an ingestor. ocr may be nil; PDF ingestion then relies on
// embedded text only.
func New(ocr OCRProvider, clock domain.Clock, log zerolog.Logger) *Ingestor {
	return &Ingestor{ocr: ocr, clock: clock, log: log.With().Str("component", "ingest").Logger()}
}

// Ingest parses r in the declared format (FormatAuto infers from content)
// and returns deduplicated canonical transactions.
func (in *Ingestor) Ingest(ctx context.Context, r io.Reader, format Format, opts Options) (Result, error) {
	maxBytes := opts.MaxBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	data, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return Result{}, fmt.Errorf("%w: read: %v", domain.ErrIngest, err)
	}
	if int64(len(data)) > maxBytes {
		return Result{}, fmt.Errorf("%w: input exceeds %d bytes", domain.ErrIngestTooLarge, maxBytes)
	}

	if format == FormatAuto || format == "" {
		format = detectFormat(data)
	}

	var res Result
	switch format {
	case FormatCSV:
		res, err = in.parseCSV(data, opts)
	case FormatOFX:
		res, err = in.parseOFX(data, opts)
	case FormatPDF:
		res, err = in.parsePDF(ctx, data, opts)
	default:
		return Result{}, fmt.Errorf("%w: unsupported format %q", domain.ErrIngest, format)
	}
	if err != nil {
		return Result{}, err
	}

	out := res
	out.Transactions = in.finalize(res.Transactions, opts, &out)
	in.log.Info().
		Str("tenant", opts.TenantID).
		Str("format", string(format)).
		Int("parsed", len(out.Transactions)).
		Int("row_errors", len(out.RowErrors)).
		Int("duplicates", out.DuplicatesDropped).
		Msg("ingestion batch complete")
	return out, nil
}

// finalize stamps ids and tenant fields, validates, normalizes counterparties
// and drops duplicates (in-batch and against the store).
func (in *Ingestor) finalize(txns []domain.Transaction, opts Options, res *Result) []domain.Transaction {
	seen := make(map[string]bool, len(txns))
	out := make([]domain.Transaction, 0, len(txns))
	for _, t := range txns {
		t.TenantID = opts.TenantID
		t.SourceFileID = opts.SourceFileID
		t.IngestedAt = in.clock.Now()
		if t.Currency == "" {
			t.Currency = opts.Currency
		}
		if err := t.Validate(); err != nil {
			res.RowErrors = append(res.RowErrors, RowError{Row: sourceRow(t.SourceRowRef), Reason: err.Error()})
			continue
		}
		if t.CounterpartyNorm == "" {
			src := t.CounterpartyRaw
			if src == "" {
				src = t.DescriptionRaw
			}
			t.CounterpartyNorm = vendornorm.Normalize(src)
		}
		t.TxnID = t.DedupeKey()
		if seen[t.TxnID] || (opts.Existing != nil && opts.Existing(t.TxnID)) {
			res.DuplicatesDropped++
			continue
		}
		seen[t.TxnID] = true
		out = append(out, t)
	}
	return out
}

// sourceRow recovers the numeric row index from a parser's SourceRowRef
// ("row:12", "stmttrn:3:FITID-9", "page-line:7"); zero when absent.
func sourceRow(ref string) int {
	parts := strings.SplitN(ref, ":", 3)
	if len(parts) < 2 {
		return 0
	}
	n, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0
	}
	return n
}

func detectFormat(data []byte) Format {
	head := data
	if len(head) > 512 {
		head = head[:512]
	}
	switch {
	case bytes.HasPrefix(head, []byte("%PDF")):
		return FormatPDF
	case bytes.Contains(head, []byte("<OFX>")) || bytes.Contains(head, []byte("OFXHEADER")):
		return FormatOFX
	default:
		return FormatCSV
	}
}

// parseAmountMinor converts a decimal string ("12.45", "($1,024.00)", "-7")
// to signed minor units.
func parseAmountMinor(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty amount")
	}
	neg := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		neg = true
		s = s[1 : len(s)-1]
	}
	s = strings.ReplaceAll(s, ",", "")
	s = strings.TrimPrefix(s, "$")
	if strings.HasPrefix(s, "-") {
		neg = !neg
		s = s[1:]
	} else if strings.HasPrefix(s, "+") {
		s = s[1:]
	}
	whole, frac := s, "0"
	if i := strings.IndexByte(s, '.'); i >= 0 {
		whole, frac = s[:i], s[i+1:]
	}
	if whole == "" {
		whole = "0"
	}
	switch len(frac) {
	case 0:
		frac = "00"
	case 1:
		frac += "0"
	case 2:
	default:
		// Sub-cent precision means a misread or a non-monetary column;
		// truncating would silently alter the amount.
		return 0, fmt.Errorf("amount %q has more than two fraction digits", s)
	}
	var minor int64
	for _, r := range whole + frac {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("invalid amount %q", s)
		}
		minor = minor*10 + int64(r-'0')
	}
	if neg {
		minor = -minor
	}
	return minor, nil
}

var dateLayouts = []string{
	"2006-01-02",
	"01/02/2006",
	"1/2/2006",
	"2006/01/02",
	"02-Jan-2006",
	"Jan 2, 2006",
	"20060102",
}

func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", s)
}
