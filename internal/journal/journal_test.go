package journal

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fintide/ledgerpilot/internal/domain"
)

type mapChart map[string]domain.Account

func (m mapChart) Account(tenantID, code string) (domain.Account, bool) {
	a, ok := m[tenantID+"|"+code]
	return a, ok
}

func testChart() mapChart {
	return mapChart{
		"t1|1000": {TenantID: "t1", Code: "1000", Name: "Operating Cash", Type: domain.AccountAsset, Active: true},
		"t1|4000": {TenantID: "t1", Code: "4000", Name: "Revenue", Type: domain.AccountRevenue, Active: true},
		"t1|6400": {TenantID: "t1", Code: "6400", Name: "Meals", Type: domain.AccountExpense, Active: true},
		"t1|6999": {TenantID: "t1", Code: "6999", Name: "Retired", Type: domain.AccountExpense, Active: false},
	}
}

func testTenant() domain.TenantPolicy {
	return domain.TenantPolicy{TenantID: "t1", CashAccountCode: "1000"}
}

func testBuilder() *Builder {
	clock := &domain.FixedClock{T: time.Date(2025, 11, 3, 10, 0, 0, 0, time.UTC)}
	return NewBuilder(testChart(), clock, zerolog.Nop())
}

func outflow() domain.Transaction {
	return domain.Transaction{
		TxnID:          "txn-1",
		TenantID:       "t1",
		AmountMinor:    -450,
		DescriptionRaw: "SQ *BLUE BOTTLE COFFEE",
		PostedAt:       time.Date(2025, 10, 20, 0, 0, 0, 0, time.UTC),
	}
}

func TestBuildOutflowDebitsExpenseCreditsCash(t *testing.T) {
	je, err := testBuilder().Build(testTenant(), outflow(), Proposal{
		AccountCode: "6400", BlendScore: 0.82, CalibratedP: 0.93,
	})
	require.NoError(t, err)

	assert.Equal(t, domain.JEProposed, je.Status)
	assert.True(t, je.Balanced())
	require.Len(t, je.Lines, 2)
	assert.Equal(t, "6400", je.Lines[0].AccountCode)
	assert.Equal(t, int64(450), je.Lines[0].DebitMinor)
	assert.Equal(t, "1000", je.Lines[1].AccountCode)
	assert.Equal(t, int64(450), je.Lines[1].CreditMinor)
	assert.Equal(t, 0.82, je.Confidence)
	assert.Equal(t, 0.93, je.CalibratedP)
	assert.Equal(t, outflow().PostedAt, je.PostedAt)
}

func TestBuildInflowDebitsCash(t *testing.T) {
	txn := outflow()
	txn.AmountMinor = 250000
	je, err := testBuilder().Build(testTenant(), txn, Proposal{AccountCode: "4000"})
	require.NoError(t, err)

	assert.True(t, je.Balanced())
	assert.Equal(t, "1000", je.Lines[0].AccountCode)
	assert.Equal(t, int64(250000), je.Lines[0].DebitMinor)
	assert.Equal(t, "4000", je.Lines[1].AccountCode)
	assert.Equal(t, int64(250000), je.Lines[1].CreditMinor)
}

func TestBuildFailsOnChartMisses(t *testing.T) {
	b := testBuilder()

	_, err := b.Build(testTenant(), outflow(), Proposal{AccountCode: "9999"})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = b.Build(testTenant(), outflow(), Proposal{AccountCode: "6999"})
	assert.ErrorIs(t, err, domain.ErrNotFound, "inactive account is not usable")

	tenant := testTenant()
	tenant.CashAccountCode = "1111"
	_, err = b.Build(tenant, outflow(), Proposal{AccountCode: "6400"})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestBuildRejectsZeroAmount(t *testing.T) {
	txn := outflow()
	txn.AmountMinor = 0
	_, err := testBuilder().Build(testTenant(), txn, Proposal{AccountCode: "6400"})
	assert.ErrorIs(t, err, domain.ErrInvariant)
}

func TestBuildAdjustingEnforcesBalance(t *testing.T) {
	b := testBuilder()

	je, err := b.BuildAdjusting(testTenant(), []domain.JELine{
		{AccountCode: "6400", DebitMinor: 100},
		{AccountCode: "1000", CreditMinor: 100},
	}, "reclass")
	require.NoError(t, err)
	assert.True(t, je.Balanced())
	assert.Empty(t, je.TxnID, "adjusting entries have no source transaction")

	_, err = b.BuildAdjusting(testTenant(), []domain.JELine{
		{AccountCode: "6400", DebitMinor: 100},
		{AccountCode: "1000", CreditMinor: 90},
	}, "bad")
	assert.ErrorIs(t, err, domain.ErrInvariant)
}

func TestTransitionEnforcesStateMachine(t *testing.T) {
	je, err := testBuilder().Build(testTenant(), outflow(), Proposal{AccountCode: "6400"})
	require.NoError(t, err)

	assert.Error(t, Transition(&je, domain.JEPosted), "cannot skip approval")
	require.NoError(t, Transition(&je, domain.JEApproved))
	require.NoError(t, Transition(&je, domain.JEPosted))
	assert.Error(t, Transition(&je, domain.JEApproved), "posted entries never move backward")
}

func TestReverseSwapsSidesAndLinks(t *testing.T) {
	clock := &domain.FixedClock{T: time.Date(2025, 11, 5, 8, 0, 0, 0, time.UTC)}
	je, err := testBuilder().Build(testTenant(), outflow(), Proposal{AccountCode: "6400"})
	require.NoError(t, err)
	require.NoError(t, Transition(&je, domain.JEApproved))
	require.NoError(t, Transition(&je, domain.JEPosted))

	rev, err := Reverse(&je, clock, "wrong account")
	require.NoError(t, err)

	assert.Equal(t, domain.JERolledBack, je.Status)
	assert.Equal(t, je.JEID, rev.ReversesJEID)
	assert.NotEqual(t, je.JEID, rev.JEID)
	assert.True(t, rev.Balanced())
	assert.Equal(t, je.Lines[0].DebitMinor, rev.Lines[0].CreditMinor)
	assert.Equal(t, je.Lines[1].CreditMinor, rev.Lines[1].DebitMinor)

	_, err = Reverse(&je, clock, "again")
	assert.ErrorIs(t, err, domain.ErrInvariant, "already rolled back")
}
