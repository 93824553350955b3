// Package drift watches the live transaction stream for distribution shift
// against a frozen baseline and decides when a retrain is warranted.
package drift

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/fintide/ledgerpilot/internal/domain"
)

// TopTermCount is how many TF-IDF terms the baseline tracks.
const TopTermCount = 50

// amountBinCount is the number of quantile bins on amount_minor.
const amountBinCount = 10

// Baseline is a frozen snapshot of the distributions at the last retrain.
// It serializes to JSON for content-addressed blob storage.
type Baseline struct {
	TenantID     string             `json:"tenant_id"`
	CreatedAt    time.Time          `json:"created_at"`
	SampleSize   int                `json:"sample_size"`
	AmountEdges  []float64          `json:"amount_edges"` // quantile bin edges
	AmountProps  []float64          `json:"amount_props"` // proportion per bin
	TermProps    map[string]float64 `json:"term_props"`   // top-K TF-IDF terms
	AccountProps map[string]float64 `json:"account_props"`
	Accuracy     float64            `json:"accuracy"` // rolling accuracy at snapshot
}

// NewBaseline freezes the distributions of a training window. accounts holds
// the decided account code per transaction, index-aligned.
func NewBaseline(tenantID string, txns []domain.Transaction, accounts []string, accuracy float64, at time.Time) (*Baseline, error) {
	if len(txns) == 0 {
		return nil, fmt.Errorf("baseline needs transactions")
	}
	amounts := make([]float64, len(txns))
	docs := make([]string, len(txns))
	for i, t := range txns {
		amounts[i] = float64(t.AmountMinor)
		docs[i] = t.DescriptionRaw
	}
	edges := quantileEdges(amounts, amountBinCount)
	return &Baseline{
		TenantID:     tenantID,
		CreatedAt:    at.UTC(),
		SampleSize:   len(txns),
		AmountEdges:  edges,
		AmountProps:  binProportions(amounts, edges),
		TermProps:    topTermWeights(docs, TopTermCount),
		AccountProps: proportions(accounts),
		Accuracy:     accuracy,
	}, nil
}

// Serialize renders the baseline for the blob store.
func (b *Baseline) Serialize() ([]byte, error) {
	return json.Marshal(b)
}

// DeserializeBaseline restores a stored baseline.
func DeserializeBaseline(payload []byte) (*Baseline, error) {
	var b Baseline
	if err := json.Unmarshal(payload, &b); err != nil {
		return nil, fmt.Errorf("decode baseline: %w", err)
	}
	return &b, nil
}

// quantileEdges returns bins-1 interior edges from the sorted sample.
func quantileEdges(xs []float64, bins int) []float64 {
	sorted := make([]float64, len(xs))
	copy(sorted, xs)
	sort.Float64s(sorted)
	edges := make([]float64, 0, bins-1)
	for i := 1; i < bins; i++ {
		idx := i * len(sorted) / bins
		if idx >= len(sorted) {
			idx = len(sorted) - 1
		}
		edges = append(edges, sorted[idx])
	}
	return edges
}

// binProportions assigns each value to the bin whose edges bracket it.
func binProportions(xs []float64, edges []float64) []float64 {
	counts := make([]float64, len(edges)+1)
	for _, x := range xs {
		counts[binIndex(x, edges)]++
	}
	for i := range counts {
		counts[i] /= float64(len(xs))
	}
	return counts
}

func binIndex(x float64, edges []float64) int {
	for i, e := range edges {
		if x < e {
			return i
		}
	}
	return len(edges)
}

// proportions normalizes category counts.
func proportions(categories []string) map[string]float64 {
	props := make(map[string]float64)
	for _, c := range categories {
		props[c]++
	}
	for c := range props {
		props[c] /= float64(len(categories))
	}
	return props
}

// topTermWeights scores terms by TF-IDF over the documents and returns the
// normalized weights of the top k.
func topTermWeights(docs []string, k int) map[string]float64 {
	tf := make(map[string]float64)
	df := make(map[string]float64)
	for _, doc := range docs {
		seen := make(map[string]bool)
		for _, term := range terms(doc) {
			tf[term]++
			if !seen[term] {
				df[term]++
				seen[term] = true
			}
		}
	}
	n := float64(len(docs))
	type scored struct {
		term   string
		weight float64
	}
	var all []scored
	for term, f := range tf {
		idf := math.Log((n+1)/(df[term]+1)) + 1 // smoothed so ubiquitous terms keep weight
		all = append(all, scored{term, f * idf})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].weight != all[j].weight {
			return all[i].weight > all[j].weight
		}
		return all[i].term < all[j].term
	})
	if len(all) > k {
		all = all[:k]
	}
	var total float64
	for _, s := range all {
		total += s.weight
	}
	weights := make(map[string]float64, len(all))
	for _, s := range all {
		weights[s.term] = s.weight / total
	}
	return weights
}

func terms(doc string) []string {
	var out []string
	for _, f := range strings.Fields(strings.ToLower(doc)) {
		f = strings.Trim(f, "*#.,:;()[]'\"")
		if len(f) >= 3 {
			out = append(out, f)
		}
	}
	return out
}
