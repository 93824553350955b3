// Package memory implements vector similarity over historical
// (counterparty -> account) mappings. Confirmed decisions feed the index;
// retrieval degrades to a zero score when the embedding client is down.
package memory

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/fintide/ledgerpilot/internal/domain"
	"github.com/fintide/ledgerpilot/internal/vendornorm"
)

// EmbeddingClient produces vectors for text. Implementations wrap an RPC or
// local model; unavailability is an error the memory absorbs.
type EmbeddingClient interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Config tunes retrieval.
type Config struct {
	TopK     int     `yaml:"top_k"`     // default 5
	SimFloor float64 `yaml:"sim_floor"` // default 0.75
}

// DefaultConfig returns the standard retrieval settings.
func DefaultConfig() Config {
	return Config{TopK: 5, SimFloor: 0.75}
}

// Retrieval is the outcome of a memory lookup.
type Retrieval struct {
	AccountCode string
	Score       float64
	TopSim      float64
	Hits        int
	Degraded    bool
	Reason      string
}

// Memory is an in-process vector index, tenant-scoped. Records are held as
// ids plus vectors; decision objects reference accounts, never vectors.
type Memory struct {
	mu      sync.RWMutex
	records map[string][]domain.EmbeddingRecord // tenant -> records

	client EmbeddingClient
	cache  VectorCache
	cfg    Config
	log    zerolog.Logger
}

// New creates a memory. cache may be nil.
func New(client EmbeddingClient, cache VectorCache, cfg Config, log zerolog.Logger) *Memory {
	if cfg.TopK <= 0 {
		cfg = DefaultConfig()
	}
	return &Memory{
		records: make(map[string][]domain.EmbeddingRecord),
		client:  client,
		cache:   cache,
		cfg:     cfg,
		log:     log.With().Str("component", "memory").Logger(),
	}
}

// Confirm stores a confirmed (vendor, account) mapping. The vector embeds the
// normalized description joined with the normalized counterparty, matching
// what retrieval will query with.
func (m *Memory) Confirm(ctx context.Context, txn domain.Transaction, accountCode string) error {
	vec, err := m.embed(ctx, retrievalText(txn))
	if err != nil {
		// A missed write only slows learning; it never fails the caller.
		m.log.Warn().Err(err).Str("vendor", txn.CounterpartyNorm).Msg("embedding unavailable, confirmation skipped")
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[txn.TenantID] = append(m.records[txn.TenantID], domain.EmbeddingRecord{
		TenantID:    txn.TenantID,
		VendorNorm:  txn.CounterpartyNorm,
		AccountCode: accountCode,
		Vector:      vec,
		Confirmed:   true,
		CreatedAt:   txn.IngestedAt,
	})
	return nil
}

// Retrieve runs cosine top-k over confirmed records. Returns a zero-score
// retrieval (never an error) when the client is unavailable, the index is
// empty, or the best similarity is under the floor.
func (m *Memory) Retrieve(ctx context.Context, txn domain.Transaction) Retrieval {
	query, err := m.embed(ctx, retrievalText(txn))
	if err != nil {
		return Retrieval{Degraded: true, Reason: "embedding_unavailable"}
	}

	m.mu.RLock()
	records := m.records[txn.TenantID]
	m.mu.RUnlock()
	if len(records) == 0 {
		return Retrieval{Reason: "empty_index"}
	}

	type hit struct {
		sim float64
		rec domain.EmbeddingRecord
	}
	hits := make([]hit, 0, len(records))
	for _, rec := range records {
		if !rec.Confirmed {
			continue
		}
		hits = append(hits, hit{sim: cosine(query, rec.Vector), rec: rec})
	}
	if len(hits) == 0 {
		return Retrieval{Reason: "no_confirmed_records"}
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].sim != hits[j].sim {
			return hits[i].sim > hits[j].sim
		}
		return hits[i].rec.AccountCode < hits[j].rec.AccountCode
	})
	if hits[0].sim < m.cfg.SimFloor {
		return Retrieval{TopSim: hits[0].sim, Reason: "below_sim_floor"}
	}

	k := m.cfg.TopK
	if k > len(hits) {
		k = len(hits)
	}
	votes := make(map[string]float64, k)
	var total float64
	for _, h := range hits[:k] {
		votes[h.rec.AccountCode] += h.sim
		total += h.sim
	}

	best, bestVote := "", -1.0
	for account, vote := range votes {
		if vote > bestVote || (vote == bestVote && account < best) {
			best, bestVote = account, vote
		}
	}
	score := 0.0
	if total > 0 {
		score = bestVote / total
	}
	return Retrieval{AccountCode: best, Score: score, TopSim: hits[0].sim, Hits: k}
}

// Size returns the number of records held for a tenant.
func (m *Memory) Size(tenantID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records[tenantID])
}

func (m *Memory) embed(ctx context.Context, text string) ([]float32, error) {
	if m.cache != nil {
		if vec, ok := m.cache.Get(ctx, text); ok {
			return vec, nil
		}
	}
	if m.client == nil {
		return nil, domain.ErrSignalDegraded
	}
	vec, err := m.client.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	if m.cache != nil {
		m.cache.Set(ctx, text, vec)
	}
	return vec, nil
}

// retrievalText builds the embedded text: normalized description joined with
// the normalized counterparty, identical for index writes and queries.
func retrievalText(txn domain.Transaction) string {
	return vendornorm.Normalize(txn.DescriptionRaw) + " " + txn.CounterpartyNorm
}

func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
