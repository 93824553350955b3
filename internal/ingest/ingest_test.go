package ingest

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fintide/ledgerpilot/internal/domain"
)

func testIngestor() (*Ingestor, *domain.FixedClock) {
	clock := &domain.FixedClock{T: time.Date(2025, 11, 1, 9, 0, 0, 0, time.UTC)}
	return New(nil, clock, zerolog.Nop()), clock
}

func testOpts() Options {
	return Options{TenantID: "t1", SourceFileID: "file-1", Currency: "USD"}
}

func TestIngestCSVSignedAmount(t *testing.T) {
	in, _ := testIngestor()
	csvData := strings.Join([]string{
		"Date,Description,Amount,Payee",
		`2025-10-15,"AMZN Mktp US*RT5WQ9",-12.45,AMAZON`,
		"2025-10-16,PAYROLL ACME CORP,2500.00,ACME",
	}, "\n")

	res, err := in.Ingest(context.Background(), strings.NewReader(csvData), FormatCSV, testOpts())
	require.NoError(t, err)
	require.Len(t, res.Transactions, 2)
	assert.Empty(t, res.RowErrors)

	first := res.Transactions[0]
	assert.Equal(t, int64(-1245), first.AmountMinor)
	assert.Equal(t, "AMZN Mktp US*RT5WQ9", first.DescriptionRaw)
	assert.Equal(t, "amazon", first.CounterpartyNorm)
	assert.Equal(t, "USD", first.Currency)
	assert.Equal(t, "t1", first.TenantID)
	assert.Len(t, first.TxnID, 64)
	assert.Equal(t, "row:2", first.SourceRowRef)

	assert.Equal(t, int64(250000), res.Transactions[1].AmountMinor)
}

func TestIngestCSVDebitCreditColumns(t *testing.T) {
	in, _ := testIngestor()
	csvData := strings.Join([]string{
		"Posted,Details,Debit,Credit",
		"10/15/2025,COFFEE SHOP,4.50,",
		"10/16/2025,REFUND,,10.00",
	}, "\n")

	res, err := in.Ingest(context.Background(), strings.NewReader(csvData), FormatCSV, testOpts())
	require.NoError(t, err)
	require.Len(t, res.Transactions, 2)
	assert.Equal(t, int64(-450), res.Transactions[0].AmountMinor)
	assert.Equal(t, int64(1000), res.Transactions[1].AmountMinor)
}

func TestIngestCSVSemicolonDelimiter(t *testing.T) {
	in, _ := testIngestor()
	csvData := "Date;Description;Amount\n2025-01-05;TAXI;-23.00\n"

	res, err := in.Ingest(context.Background(), strings.NewReader(csvData), FormatAuto, testOpts())
	require.NoError(t, err)
	require.Len(t, res.Transactions, 1)
	assert.Equal(t, int64(-2300), res.Transactions[0].AmountMinor)
}

func TestIngestCSVMalformedRowsReportedIndividually(t *testing.T) {
	in, _ := testIngestor()
	csvData := strings.Join([]string{
		"Date,Description,Amount",
		"2025-10-15,GOOD ROW,-1.00",
		"not-a-date,BAD DATE,-2.00",
		"2025-10-17,BAD AMOUNT,abc",
		"2025-10-18,ZERO AMOUNT,0.00",
		"2025-10-19,ANOTHER GOOD,-3.00",
	}, "\n")

	res, err := in.Ingest(context.Background(), strings.NewReader(csvData), FormatCSV, testOpts())
	require.NoError(t, err)
	assert.Len(t, res.Transactions, 2)
	require.Len(t, res.RowErrors, 3)

	// Every report carries the source row, including the zero-amount row
	// that only fails validation after parsing.
	rows := []int{res.RowErrors[0].Row, res.RowErrors[1].Row, res.RowErrors[2].Row}
	assert.Equal(t, []int{3, 4, 5}, rows)
}

func TestIngestDedupeInBatchAndAgainstStore(t *testing.T) {
	in, _ := testIngestor()
	csvData := strings.Join([]string{
		"Date,Description,Amount",
		"2025-10-15,SAME ROW,-1.00",
		"2025-10-15,SAME ROW,-1.00",
		"2025-10-16,KNOWN ROW,-2.00",
	}, "\n")

	opts := testOpts()
	known := map[string]bool{}
	// First pass discovers the id of the third row.
	res, err := in.Ingest(context.Background(), strings.NewReader(csvData), FormatCSV, opts)
	require.NoError(t, err)
	require.Len(t, res.Transactions, 2)
	assert.Equal(t, 1, res.DuplicatesDropped)

	known[res.Transactions[1].TxnID] = true
	opts.Existing = func(id string) bool { return known[id] }

	res, err = in.Ingest(context.Background(), strings.NewReader(csvData), FormatCSV, opts)
	require.NoError(t, err)
	assert.Len(t, res.Transactions, 1)
	assert.Equal(t, 2, res.DuplicatesDropped)
}

func TestIngestOversizeInput(t *testing.T) {
	in, _ := testIngestor()
	opts := testOpts()
	opts.MaxBytes = 64

	_, err := in.Ingest(context.Background(), strings.NewReader(strings.Repeat("x", 200)), FormatCSV, opts)
	require.Error(t, err)
	assert.True(t, domain.IngestTooLarge(err))
}

func TestIngestOFX(t *testing.T) {
	in, _ := testIngestor()
	ofx := `OFXHEADER:100
DATA:OFXSGML
<OFX>
<BANKMSGSRSV1>
<STMTTRNRS>
<STMTRS>
<CURDEF>USD
<BANKTRANLIST>
<STMTTRN>
<TRNTYPE>DEBIT
<DTPOSTED>20251015120000.000[-5:EST]
<TRNAMT>-12.45
<FITID>9a8b7c
<NAME>AMAZON MKTP
<MEMO>order RT5WQ9
</STMTTRN>
<STMTTRN>
<TRNTYPE>CREDIT
<DTPOSTED>20251016
<TRNAMT>2500.00
<FITID>9a8b7d
<NAME>ACME PAYROLL
</STMTTRN>
</BANKTRANLIST>
</STMTRS>
</STMTTRNRS>
</BANKMSGSRSV1>
</OFX>`

	res, err := in.Ingest(context.Background(), strings.NewReader(ofx), FormatAuto, testOpts())
	require.NoError(t, err)
	require.Len(t, res.Transactions, 2)

	first := res.Transactions[0]
	assert.Equal(t, time.Date(2025, 10, 15, 0, 0, 0, 0, time.UTC), first.PostedAt)
	assert.Equal(t, int64(-1245), first.AmountMinor)
	assert.Equal(t, "USD", first.Currency)
	assert.Equal(t, "AMAZON MKTP", first.CounterpartyRaw)
	assert.Equal(t, "order RT5WQ9", first.Memo)
	assert.Contains(t, first.SourceRowRef, "9a8b7c")
}

func TestIngestOFXUnterminatedRecordReported(t *testing.T) {
	in, _ := testIngestor()
	ofx := `OFXHEADER:100
<OFX>
<CURDEF>USD
<STMTTRN>
<DTPOSTED>20251015
<TRNAMT>-12.45
<FITID>aaa
<NAME>FIRST NEVER CLOSED
<STMTTRN>
<DTPOSTED>20251016
<TRNAMT>-3.00
<FITID>bbb
<NAME>SECOND OK
</STMTTRN>
</OFX>`

	res, err := in.Ingest(context.Background(), strings.NewReader(ofx), FormatOFX, testOpts())
	require.NoError(t, err)
	require.Len(t, res.Transactions, 1)
	assert.Equal(t, "SECOND OK", res.Transactions[0].CounterpartyRaw)
	require.Len(t, res.RowErrors, 1)
	assert.Equal(t, "unterminated STMTTRN", res.RowErrors[0].Reason)
	assert.Equal(t, 1, res.RowErrors[0].Row)
}

type fakeOCR struct {
	text  string
	confs []float64
	err   error
}

func (f fakeOCR) ExtractText(_ context.Context, _ []byte) (string, []float64, error) {
	return f.text, f.confs, f.err
}

func TestIngestPDFViaOCR(t *testing.T) {
	clock := &domain.FixedClock{T: time.Date(2025, 11, 1, 9, 0, 0, 0, time.UTC)}
	ocr := fakeOCR{
		text: "ACME BANK STATEMENT\n2025-10-15 AMAZON MKTP US -12.45\n10/16/2025 ACME PAYROLL 2,500.00\nENDING BALANCE 9,999.99",
		// The balance line has no leading date so it is skipped, not parsed.
		confs: []float64{0.98, 0.91},
	}
	in := New(ocr, clock, zerolog.Nop())

	res, err := in.Ingest(context.Background(), strings.NewReader("%PDF-1.7 fake"), FormatAuto, testOpts())
	require.NoError(t, err)
	require.Len(t, res.Transactions, 2)
	assert.Equal(t, int64(-1245), res.Transactions[0].AmountMinor)
	assert.Equal(t, "AMAZON MKTP US", res.Transactions[0].DescriptionRaw)
	assert.Equal(t, int64(250000), res.Transactions[1].AmountMinor)
	assert.Equal(t, []float64{0.98, 0.91}, res.OCRConfidences)
}

func TestParseAmountMinor(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"12.45", 1245, false},
		{"-12.45", -1245, false},
		{"(12.45)", -1245, false},
		{"$1,024.00", 102400, false},
		{"($1,024.00)", -102400, false},
		{"7", 700, false},
		{"0.5", 50, false},
		{"+3.10", 310, false},
		{"", 0, true},
		{"abc", 0, true},
		{"12.456", 0, true},
		{"0.001", 0, true},
	}
	for _, tt := range tests {
		got, err := parseAmountMinor(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}
