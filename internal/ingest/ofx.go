package ingest

import (
	"bufio"
	"bytes"
	"strconv"
	"strings"

	"github.com/fintide/ledgerpilot/internal/domain"
)

// parseOFX extracts STMTTRN records from OFX/QFX files. OFX 1.x is SGML with
// unclosed value tags, so this is a line-oriented scan rather than an XML
// parse; OFX 2.x (closed tags) falls out of the same logic.
func (in *Ingestor) parseOFX(data []byte, opts Options) (Result, error) {
	var res Result

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var (
		inTxn    bool
		fields   map[string]string
		currency string
		recNo    int
	)

	flush := func() {
		if fields == nil {
			return
		}
		recNo++
		txn, err := stmttrnToTxn(fields, currency, recNo)
		if err != nil {
			res.RowErrors = append(res.RowErrors, RowError{Row: recNo, Reason: err.Error()})
		} else {
			res.Transactions = append(res.Transactions, txn)
		}
		fields = nil
	}

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		tag, value := splitOFXLine(line)
		switch tag {
		case "CURDEF":
			currency = strings.ToUpper(value)
		case "STMTTRN":
			if inTxn {
				// Opening tag inside an open record: the prior record never
				// closed and cannot be trusted.
				recNo++
				res.RowErrors = append(res.RowErrors, RowError{Row: recNo, Reason: "unterminated STMTTRN"})
			}
			inTxn = true
			fields = map[string]string{}
		case "/STMTTRN":
			inTxn = false
			flush()
		default:
			if inTxn && tag != "" && value != "" {
				fields[tag] = value
			}
		}
	}
	if inTxn {
		// Unterminated record: report, keep the rest of the batch.
		res.RowErrors = append(res.RowErrors, RowError{Row: recNo + 1, Reason: "unterminated STMTTRN"})
	}
	if err := scanner.Err(); err != nil {
		return Result{}, err
	}
	return res, nil
}

func stmttrnToTxn(fields map[string]string, currency string, recNo int) (domain.Transaction, error) {
	posted, err := parseDate(truncateOFXDate(fields["DTPOSTED"]))
	if err != nil {
		return domain.Transaction{}, err
	}
	amount, err := parseAmountMinor(fields["TRNAMT"])
	if err != nil {
		return domain.Transaction{}, err
	}
	desc := fields["NAME"]
	if desc == "" {
		desc = fields["MEMO"]
	}
	return domain.Transaction{
		PostedAt:        posted,
		AmountMinor:     amount,
		Currency:        currency,
		DescriptionRaw:  desc,
		CounterpartyRaw: fields["NAME"],
		Memo:            fields["MEMO"],
		SourceRowRef:    "stmttrn:" + strconv.Itoa(recNo) + ":" + fields["FITID"],
	}, nil
}

// splitOFXLine splits "<TAG>value" (SGML) or "<TAG>value</TAG>" (XML-ish)
// into tag and value. Non-tag lines return "", "".
func splitOFXLine(line string) (tag, value string) {
	if !strings.HasPrefix(line, "<") {
		return "", ""
	}
	end := strings.IndexByte(line, '>')
	if end < 0 {
		return "", ""
	}
	tag = strings.ToUpper(line[1:end])
	value = line[end+1:]
	if i := strings.IndexByte(value, '<'); i >= 0 {
		value = value[:i]
	}
	return tag, strings.TrimSpace(value)
}

// truncateOFXDate drops the time and timezone decoration from OFX datetimes
// (e.g. "20251015120000.000[-5:EST]" -> "20251015").
func truncateOFXDate(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 8 {
		s = s[:8]
	}
	return s
}
