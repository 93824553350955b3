package ingest

import (
	"bufio"
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/fintide/ledgerpilot/internal/domain"
)

// statementLineRe matches one statement line in extracted PDF text:
// date, free-text description, trailing amount.
var statementLineRe = regexp.MustCompile(
	`^(\d{4}-\d{2}-\d{2}|\d{1,2}/\d{1,2}/\d{4})\s+(.+?)\s+(\(?-?\$?[\d,]+\.\d{2}\)?)$`)

// parsePDF runs the OCR provider when configured, falling back to embedded
// text extraction, then parses statement lines out of the recovered text.
func (in *Ingestor) parsePDF(ctx context.Context, data []byte, opts Options) (Result, error) {
	var (
		text  string
		confs []float64
	)

	if in.ocr != nil {
		t, c, err := in.ocr.ExtractText(ctx, data)
		if err == nil && strings.TrimSpace(t) != "" {
			text, confs = t, c
		} else if err != nil {
			in.log.Warn().Err(err).Msg("ocr extraction failed, trying embedded text")
		}
	}
	if text == "" {
		text = extractEmbeddedText(data)
	}
	if strings.TrimSpace(text) == "" {
		return Result{}, fmt.Errorf("%w: pdf has no extractable text and no OCR result", domain.ErrIngest)
	}

	res := Result{OCRConfidences: confs}
	scanner := bufio.NewScanner(strings.NewReader(text))
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	row := 0
	for scanner.Scan() {
		row++
		line := strings.TrimSpace(scanner.Text())
		m := statementLineRe.FindStringSubmatch(line)
		if m == nil {
			continue // headers, footers, balances
		}
		posted, err := parseDate(m[1])
		if err != nil {
			res.RowErrors = append(res.RowErrors, RowError{Row: row, Reason: err.Error()})
			continue
		}
		amount, err := parseAmountMinor(m[3])
		if err != nil {
			res.RowErrors = append(res.RowErrors, RowError{Row: row, Reason: err.Error()})
			continue
		}
		res.Transactions = append(res.Transactions, domain.Transaction{
			PostedAt:       posted,
			AmountMinor:    amount,
			DescriptionRaw: strings.TrimSpace(m[2]),
			SourceRowRef:   fmt.Sprintf("page-line:%d", row),
		})
	}
	return res, nil
}

// extractEmbeddedText pulls parenthesized string operands out of uncompressed
// PDF content streams. Good enough for digitally produced statements; scanned
// documents need the OCR provider.
func extractEmbeddedText(data []byte) string {
	var b strings.Builder
	depth := 0
	escaped := false
	lineOpen := false
	for i := 0; i < len(data); i++ {
		c := data[i]
		if depth > 0 {
			switch {
			case escaped:
				escaped = false
				b.WriteByte(c)
			case c == '\\':
				escaped = true
			case c == '(':
				depth++
			case c == ')':
				depth--
				if depth == 0 {
					lineOpen = true
				}
			default:
				b.WriteByte(c)
			}
			continue
		}
		switch c {
		case '(':
			depth = 1
			if lineOpen {
				b.WriteByte(' ')
			}
		case '\n':
			if lineOpen {
				b.WriteByte('\n')
				lineOpen = false
			}
		}
	}
	// Collapse runs of spaces the operator split introduced.
	out := b.String()
	out = strings.ReplaceAll(out, "  ", " ")
	return out
}
