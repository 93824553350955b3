package classifier

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/fintide/ledgerpilot/internal/domain"
)

// Sample is one labeled training example.
type Sample struct {
	Txn     domain.Transaction
	Account string
}

// Prediction is the classifier output for one transaction, pre-calibration.
type Prediction struct {
	AccountCode    string             `json:"account_code"`
	P              float64            `json:"p"` // raw argmax probability
	Distribution   map[string]float64 `json:"distribution"`
	ModelVersionID string             `json:"model_version_id"`
	TopFeatures    []string           `json:"top_features,omitempty"`
}

// Model is a multinomial naive Bayes over sparse text/amount features.
// Immutable after training; safe for concurrent prediction.
type Model struct {
	VersionID   string                        `json:"version_id"`
	TrainedAt   time.Time                     `json:"trained_at"`
	Classes     []string                      `json:"classes"`
	ClassCount  map[string]float64            `json:"class_count"`
	TokenCount  map[string]map[string]float64 `json:"token_count"`  // class -> token -> count
	TokenTotals map[string]float64            `json:"token_totals"` // class -> sum of counts
	VocabSize   int                           `json:"vocab_size"`
	TrainN      int                           `json:"train_n"`
}

// Train fits a model on the samples. Version ids are content-derived so
// identical training data yields identical ids.
func Train(samples []Sample, trainedAt time.Time) (*Model, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("no training samples")
	}

	m := &Model{
		TrainedAt:   trainedAt.UTC(),
		ClassCount:  make(map[string]float64),
		TokenCount:  make(map[string]map[string]float64),
		TokenTotals: make(map[string]float64),
		TrainN:      len(samples),
	}
	vocab := make(map[string]struct{})

	for _, s := range samples {
		if s.Account == "" {
			continue
		}
		m.ClassCount[s.Account]++
		bucket := m.TokenCount[s.Account]
		if bucket == nil {
			bucket = make(map[string]float64)
			m.TokenCount[s.Account] = bucket
		}
		for _, tok := range Featurize(s.Txn) {
			bucket[tok]++
			m.TokenTotals[s.Account]++
			vocab[tok] = struct{}{}
		}
	}
	if len(m.ClassCount) == 0 {
		return nil, fmt.Errorf("no labeled samples")
	}

	m.VocabSize = len(vocab)
	for class := range m.ClassCount {
		m.Classes = append(m.Classes, class)
	}
	sort.Strings(m.Classes)
	m.VersionID = m.contentID()
	return m, nil
}

// Predict scores one transaction. Runs in O(features x classes) with no
// allocation beyond the output map; single predictions stay well under the
// 2ms budget at realistic chart sizes.
func (m *Model) Predict(txn domain.Transaction) Prediction {
	feats := Featurize(txn)

	logp := make(map[string]float64, len(m.Classes))
	var totalN float64
	for _, n := range m.ClassCount {
		totalN += n
	}

	for _, class := range m.Classes {
		lp := math.Log(m.ClassCount[class] / totalN)
		counts := m.TokenCount[class]
		denom := m.TokenTotals[class] + float64(m.VocabSize)
		for _, tok := range feats {
			lp += math.Log((counts[tok] + 1) / denom)
		}
		logp[class] = lp
	}

	// Log-sum-exp normalization to a proper distribution.
	maxLp := math.Inf(-1)
	for _, lp := range logp {
		if lp > maxLp {
			maxLp = lp
		}
	}
	var z float64
	for _, lp := range logp {
		z += math.Exp(lp - maxLp)
	}

	dist := make(map[string]float64, len(logp))
	best, bestP := "", -1.0
	for class, lp := range logp {
		p := math.Exp(lp-maxLp) / z
		dist[class] = p
		if p > bestP || (p == bestP && class < best) {
			best, bestP = class, p
		}
	}

	return Prediction{
		AccountCode:    best,
		P:              bestP,
		Distribution:   dist,
		ModelVersionID: m.VersionID,
		TopFeatures:    topFeatures(feats, m.TokenCount[best], 5),
	}
}

// PredictBatch scores many transactions.
func (m *Model) PredictBatch(txns []domain.Transaction) []Prediction {
	out := make([]Prediction, len(txns))
	for i, txn := range txns {
		out[i] = m.Predict(txn)
	}
	return out
}

// Serialize renders the model for content-addressed blob storage and returns
// the payload with its sha256 hex.
func (m *Model) Serialize() ([]byte, string, error) {
	payload, err := json.Marshal(m)
	if err != nil {
		return nil, "", err
	}
	sum := sha256.Sum256(payload)
	return payload, hex.EncodeToString(sum[:]), nil
}

// Deserialize restores a model from a blob payload.
func Deserialize(payload []byte) (*Model, error) {
	var m Model
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, fmt.Errorf("corrupt model artifact: %w", err)
	}
	return &m, nil
}

func (m *Model) contentID() string {
	stable := struct {
		Classes     []string           `json:"classes"`
		ClassCount  map[string]float64 `json:"class_count"`
		TokenTotals map[string]float64 `json:"token_totals"`
		TrainN      int                `json:"train_n"`
		TrainedAt   string             `json:"trained_at"`
	}{m.Classes, m.ClassCount, m.TokenTotals, m.TrainN, m.TrainedAt.Format(time.RFC3339)}
	payload, _ := json.Marshal(stable)
	sum := sha256.Sum256(payload)
	return "nb-" + hex.EncodeToString(sum[:8])
}

func topFeatures(feats []string, counts map[string]float64, n int) []string {
	if counts == nil {
		return nil
	}
	uniq := make(map[string]struct{}, len(feats))
	scored := make([]string, 0, len(feats))
	for _, f := range feats {
		if _, seen := uniq[f]; seen {
			continue
		}
		uniq[f] = struct{}{}
		if counts[f] > 0 {
			scored = append(scored, f)
		}
	}
	sort.Slice(scored, func(i, j int) bool {
		if counts[scored[i]] != counts[scored[j]] {
			return counts[scored[i]] > counts[scored[j]]
		}
		return scored[i] < scored[j]
	})
	if len(scored) > n {
		scored = scored[:n]
	}
	return scored
}
