package memory

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fintide/ledgerpilot/internal/domain"
)

// keywordEmbedder produces deterministic pseudo-embeddings: one dimension
// per known keyword. Close enough to exercise cosine ranking.
type keywordEmbedder struct {
	keywords []string
	err      error
	calls    int
}

func (e *keywordEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	vec := make([]float32, len(e.keywords))
	lower := strings.ToLower(text)
	for i, kw := range e.keywords {
		if strings.Contains(lower, kw) {
			vec[i] = 1
		}
	}
	return vec, nil
}

func txnFor(tenant, vendor, desc string) domain.Transaction {
	return domain.Transaction{
		TenantID:         tenant,
		CounterpartyNorm: vendor,
		DescriptionRaw:   desc,
		IngestedAt:       time.Date(2025, 11, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestRetrieveWeightedVote(t *testing.T) {
	emb := &keywordEmbedder{keywords: []string{"amazon", "coffee", "uber", "prime"}}
	m := New(emb, nil, DefaultConfig(), zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, m.Confirm(ctx, txnFor("t1", "amazon", "amazon order"), "6100"))
	require.NoError(t, m.Confirm(ctx, txnFor("t1", "amazon", "amazon prime order"), "6100"))
	require.NoError(t, m.Confirm(ctx, txnFor("t1", "blue bottle coffee", "coffee beans"), "6400"))

	got := m.Retrieve(ctx, txnFor("t1", "amazon", "amazon order"))
	assert.Equal(t, "6100", got.AccountCode)
	assert.Greater(t, got.Score, 0.5)
	assert.False(t, got.Degraded)
	assert.GreaterOrEqual(t, got.TopSim, 0.99)
}

func TestRetrieveBelowSimFloorScoresZero(t *testing.T) {
	emb := &keywordEmbedder{keywords: []string{"amazon", "dental"}}
	m := New(emb, nil, Config{TopK: 5, SimFloor: 0.75}, zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, m.Confirm(ctx, txnFor("t1", "amazon", "amazon order"), "6100"))

	got := m.Retrieve(ctx, txnFor("t1", "dental care", "dental cleaning"))
	assert.Zero(t, got.Score)
	assert.Empty(t, got.AccountCode)
	assert.Equal(t, "below_sim_floor", got.Reason)
}

func TestRetrieveClientUnavailableDegrades(t *testing.T) {
	emb := &keywordEmbedder{keywords: []string{"amazon"}, err: errors.New("rpc down")}
	m := New(emb, nil, DefaultConfig(), zerolog.Nop())

	got := m.Retrieve(context.Background(), txnFor("t1", "amazon", "amazon order"))
	assert.Zero(t, got.Score)
	assert.True(t, got.Degraded)
	assert.Equal(t, "embedding_unavailable", got.Reason)
}

func TestRetrieveEmptyIndex(t *testing.T) {
	emb := &keywordEmbedder{keywords: []string{"amazon"}}
	m := New(emb, nil, DefaultConfig(), zerolog.Nop())

	got := m.Retrieve(context.Background(), txnFor("t1", "amazon", "amazon order"))
	assert.Zero(t, got.Score)
	assert.Equal(t, "empty_index", got.Reason)
}

func TestConfirmSurvivesEmbeddingOutage(t *testing.T) {
	emb := &keywordEmbedder{keywords: []string{"amazon"}, err: errors.New("rpc down")}
	m := New(emb, nil, DefaultConfig(), zerolog.Nop())

	require.NoError(t, m.Confirm(context.Background(), txnFor("t1", "amazon", "amazon order"), "6100"))
	assert.Zero(t, m.Size("t1"))
}

func TestTenantIsolation(t *testing.T) {
	emb := &keywordEmbedder{keywords: []string{"amazon"}}
	m := New(emb, nil, DefaultConfig(), zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, m.Confirm(ctx, txnFor("t1", "amazon", "amazon order"), "6100"))

	got := m.Retrieve(ctx, txnFor("t2", "amazon", "amazon order"))
	assert.Equal(t, "empty_index", got.Reason)
}

// The embedded text uses the normalized description: raw POS decoration,
// casing and store numbers must not split the index from the query.
func TestRetrievalTextUsesNormalizedDescription(t *testing.T) {
	emb := &keywordEmbedder{keywords: []string{"ribbon", "coffee"}}
	cache := NewLocalVectorCache()
	m := New(emb, cache, DefaultConfig(), zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, m.Confirm(ctx, txnFor("t1", "ribbon coffee", "SQ *RIBBON COFFEE #0412"), "6400"))
	callsAfterConfirm := emb.calls

	got := m.Retrieve(ctx, txnFor("t1", "ribbon coffee", "sq *ribbon coffee #0977"))
	assert.Equal(t, "6400", got.AccountCode)
	assert.GreaterOrEqual(t, got.TopSim, 0.99, "decoration stripped before embedding")
	assert.Equal(t, callsAfterConfirm, emb.calls, "normalized text served from cache")
}

func TestVectorCacheAvoidsRepeatEmbeds(t *testing.T) {
	emb := &keywordEmbedder{keywords: []string{"amazon"}}
	cache := NewLocalVectorCache()
	m := New(emb, cache, DefaultConfig(), zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, m.Confirm(ctx, txnFor("t1", "amazon", "amazon order"), "6100"))
	callsAfterConfirm := emb.calls

	m.Retrieve(ctx, txnFor("t1", "amazon", "amazon order"))
	assert.Equal(t, callsAfterConfirm, emb.calls, "identical text served from cache")
}

func TestVectorCodecRoundTrip(t *testing.T) {
	vec := []float32{0.1, -2.5, 3.75, 0}
	decoded, ok := decodeVector(encodeVector(vec))
	require.True(t, ok)
	assert.Equal(t, vec, decoded)

	_, ok = decodeVector([]byte{1, 2, 3})
	assert.False(t, ok)
}

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, cosine([]float32{1, 0}, []float32{2, 0}), 1e-9)
	assert.InDelta(t, 0.0, cosine([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.Zero(t, cosine([]float32{1}, []float32{1, 2}), "dimension mismatch")
	assert.Zero(t, cosine(nil, nil))
}
