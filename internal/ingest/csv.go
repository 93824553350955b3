package ingest

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"github.com/fintide/ledgerpilot/internal/domain"
)

// Header synonym sets for column auto-detection. Matching is case-insensitive
// after trimming; the first synonym hit wins per column role.
var headerSynonyms = map[string][]string{
	"date":         {"date", "posted", "posted_at", "post date", "posting date", "transaction date", "trans date"},
	"description":  {"description", "desc", "details", "transaction", "narrative"},
	"amount":       {"amount", "amt", "value"},
	"debit":        {"debit", "withdrawal", "withdrawals", "money out", "paid out"},
	"credit":       {"credit", "deposit", "deposits", "money in", "paid in"},
	"memo":         {"memo", "note", "notes", "reference"},
	"counterparty": {"counterparty", "payee", "merchant", "vendor", "name"},
	"currency":     {"currency", "ccy", "iso currency"},
	"mcc":          {"mcc", "category code"},
}

type columnMap map[string]int

func (c columnMap) get(record []string, role string) string {
	i, ok := c[role]
	if !ok || i >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[i])
}

// parseCSV auto-detects delimiter and header layout, then converts rows.
// Signed-amount and debit/credit column styles are both supported; the
// latter is reconciled to a signed amount (credits positive).
func (in *Ingestor) parseCSV(data []byte, opts Options) (Result, error) {
	delim := detectDelimiter(data)
	reader := csv.NewReader(bytes.NewReader(data))
	reader.Comma = delim
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	header, err := reader.Read()
	if err != nil {
		return Result{}, fmt.Errorf("%w: empty csv", domain.ErrIngest)
	}
	cols, err := mapHeader(header)
	if err != nil {
		return Result{}, err
	}

	var res Result
	row := 1
	for {
		row++
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			res.RowErrors = append(res.RowErrors, RowError{Row: row, Reason: err.Error()})
			continue
		}
		if isBlank(record) {
			continue
		}
		txn, err := recordToTxn(record, cols, row, opts)
		if err != nil {
			res.RowErrors = append(res.RowErrors, RowError{Row: row, Reason: err.Error()})
			continue
		}
		res.Transactions = append(res.Transactions, txn)
	}
	return res, nil
}

func recordToTxn(record []string, cols columnMap, row int, opts Options) (domain.Transaction, error) {
	postedAt, err := parseDate(cols.get(record, "date"))
	if err != nil {
		return domain.Transaction{}, err
	}

	var amount int64
	if raw := cols.get(record, "amount"); raw != "" {
		amount, err = parseAmountMinor(raw)
		if err != nil {
			return domain.Transaction{}, err
		}
	} else {
		// Debit/credit columns: debits are money out from the bank's view.
		var debit, credit int64
		if d := cols.get(record, "debit"); d != "" {
			if debit, err = parseAmountMinor(d); err != nil {
				return domain.Transaction{}, err
			}
		}
		if c := cols.get(record, "credit"); c != "" {
			if credit, err = parseAmountMinor(c); err != nil {
				return domain.Transaction{}, err
			}
		}
		amount = credit - debit
	}

	return domain.Transaction{
		PostedAt:        postedAt,
		AmountMinor:     amount,
		Currency:        strings.ToUpper(cols.get(record, "currency")),
		DescriptionRaw:  cols.get(record, "description"),
		CounterpartyRaw: cols.get(record, "counterparty"),
		Memo:            cols.get(record, "memo"),
		MCC:             cols.get(record, "mcc"),
		SourceRowRef:    fmt.Sprintf("row:%d", row),
	}, nil
}

func mapHeader(header []string) (columnMap, error) {
	cols := columnMap{}
	for i, h := range header {
		name := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		for role, synonyms := range headerSynonyms {
			if _, taken := cols[role]; taken {
				continue
			}
			for _, syn := range synonyms {
				if name == syn {
					cols[role] = i
					break
				}
			}
		}
	}
	if _, ok := cols["date"]; !ok {
		return nil, fmt.Errorf("%w: no recognizable date column", domain.ErrIngest)
	}
	_, hasAmount := cols["amount"]
	_, hasDebit := cols["debit"]
	_, hasCredit := cols["credit"]
	if !hasAmount && !hasDebit && !hasCredit {
		return nil, fmt.Errorf("%w: no amount or debit/credit columns", domain.ErrIngest)
	}
	if _, ok := cols["description"]; !ok {
		// Fall back to memo as the description carrier.
		if i, ok := cols["memo"]; ok {
			cols["description"] = i
		} else {
			return nil, fmt.Errorf("%w: no description column", domain.ErrIngest)
		}
	}
	return cols, nil
}

func detectDelimiter(data []byte) rune {
	line := data
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		line = data[:i]
	}
	counts := map[rune]int{',': bytes.Count(line, []byte(",")), ';': bytes.Count(line, []byte(";")), '\t': bytes.Count(line, []byte("\t"))}
	best, bestN := ',', counts[',']
	for _, d := range []rune{';', '\t'} {
		if counts[d] > bestN {
			best, bestN = d, counts[d]
		}
	}
	return best
}

func isBlank(record []string) bool {
	for _, f := range record {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}
