// Package domain defines the canonical entities of the decisioning engine.
// All monetary amounts are signed integers in minor currency units.
package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// AccountType classifies a chart-of-accounts entry.
type AccountType string

const (
	AccountAsset     AccountType = "asset"
	AccountLiability AccountType = "liability"
	AccountEquity    AccountType = "equity"
	AccountRevenue   AccountType = "revenue"
	AccountExpense   AccountType = "expense"
)

// Account is one chart-of-accounts entry. Accounts are referenced by code,
// never by a surrogate id; codes are stable across rule versions.
type Account struct {
	TenantID string      `json:"tenant_id" db:"tenant_id"`
	Code     string      `json:"code" db:"code"`
	Name     string      `json:"name" db:"name"`
	Type     AccountType `json:"type" db:"type"`
	Active   bool        `json:"active" db:"active"`
}

// Transaction is a normalized bank line item. Immutable after ingestion.
type Transaction struct {
	TxnID            string    `json:"txn_id" db:"txn_id"`
	TenantID         string    `json:"tenant_id" db:"tenant_id"`
	PostedAt         time.Time `json:"posted_at" db:"posted_at"`
	AmountMinor      int64     `json:"amount_minor" db:"amount_minor"`
	Currency         string    `json:"currency" db:"currency"`
	DescriptionRaw   string    `json:"description_raw" db:"description_raw"`
	CounterpartyRaw  string    `json:"counterparty_raw,omitempty" db:"counterparty_raw"`
	CounterpartyNorm string    `json:"counterparty_norm,omitempty" db:"counterparty_norm"`
	Memo             string    `json:"memo,omitempty" db:"memo"`
	MCC              string    `json:"mcc,omitempty" db:"mcc"`
	SourceFileID     string    `json:"source_file_id" db:"source_file_id"`
	SourceRowRef     string    `json:"source_row_ref" db:"source_row_ref"`
	IngestedAt       time.Time `json:"ingested_at" db:"ingested_at"`
}

// DedupeKey derives the ingestion dedupe key from the raw transaction fields.
// The key doubles as the txn_id so re-ingesting the same file is a no-op.
func (t Transaction) DedupeKey() string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d|%s|%s",
		t.TenantID, t.PostedAt.Format("2006-01-02"), t.AmountMinor,
		t.DescriptionRaw, t.CounterpartyRaw)))
	return hex.EncodeToString(h[:])
}

// Validate checks the transaction invariants enforced at ingestion time.
func (t Transaction) Validate() error {
	if t.AmountMinor == 0 {
		return fmt.Errorf("%w: amount_minor must be nonzero", ErrIngest)
	}
	if len(t.Currency) != 3 {
		return fmt.Errorf("%w: currency %q is not ISO-4217", ErrIngest, t.Currency)
	}
	if t.PostedAt.IsZero() {
		return fmt.Errorf("%w: posted_at is required", ErrIngest)
	}
	return nil
}

// JEStatus is the journal entry lifecycle state.
type JEStatus string

const (
	JEProposed   JEStatus = "proposed"
	JEApproved   JEStatus = "approved"
	JEPosted     JEStatus = "posted"
	JERolledBack JEStatus = "rolled_back"
)

// JournalEntry is a balanced double-entry record produced by the pipeline
// (or authored externally for adjusting entries). Content is never mutated
// after posting; reversals are new entries.
type JournalEntry struct {
	JEID           string         `json:"je_id" db:"je_id"`
	TenantID       string         `json:"tenant_id" db:"tenant_id"`
	TxnID          string         `json:"txn_id,omitempty" db:"txn_id"` // empty for adjusting JEs
	PostedAt       time.Time      `json:"posted_at" db:"posted_at"`
	Status         JEStatus       `json:"status" db:"status"`
	Confidence     float64        `json:"confidence" db:"confidence"`     // blend score
	CalibratedP    float64        `json:"calibrated_p" db:"calibrated_p"` // calibrated classifier probability
	Rationale      string         `json:"rationale" db:"rationale"`
	RuleVersionID  string         `json:"rule_version_id" db:"rule_version_id"`
	ModelVersionID string         `json:"model_version_id" db:"model_version_id"`
	Trace          *DecisionTrace `json:"decision_trace,omitempty" db:"-"`
	ReversesJEID   string         `json:"reverses_je_id,omitempty" db:"reverses_je_id"`
	Lines          []JELine       `json:"lines" db:"-"`
	CreatedAt      time.Time      `json:"created_at" db:"created_at"`
}

// JELine is one side of a journal entry. Exactly one of debit/credit is
// positive on every line.
type JELine struct {
	JEID        string `json:"je_id" db:"je_id"`
	LineNo      int    `json:"line_no" db:"line_no"`
	AccountCode string `json:"account_code" db:"account_code"`
	DebitMinor  int64  `json:"debit_minor" db:"debit_minor"`
	CreditMinor int64  `json:"credit_minor" db:"credit_minor"`
	Memo        string `json:"memo,omitempty" db:"memo"`
}

// Balanced reports whether debits equal credits across all lines and every
// line carries exactly one positive side.
func (je JournalEntry) Balanced() bool {
	if len(je.Lines) == 0 {
		return false
	}
	var debit, credit int64
	for _, ln := range je.Lines {
		if ln.DebitMinor < 0 || ln.CreditMinor < 0 {
			return false
		}
		if (ln.DebitMinor > 0) == (ln.CreditMinor > 0) {
			return false
		}
		debit += ln.DebitMinor
		credit += ln.CreditMinor
	}
	return debit == credit
}

// CanTransition reports whether the status state machine permits from -> to.
func CanTransition(from, to JEStatus) bool {
	switch from {
	case JEProposed:
		return to == JEApproved
	case JEApproved:
		return to == JEPosted
	case JEPosted:
		return to == JERolledBack
	}
	return false
}

// MatchType is the deterministic rule match strategy.
type MatchType string

const (
	MatchExact         MatchType = "exact"
	MatchRegex         MatchType = "regex"
	MatchMCC           MatchType = "mcc"
	MatchMemoSubstring MatchType = "memo_substring"
)

// RuleSource distinguishes human-authored rules from promoted ones.
type RuleSource string

const (
	RuleSourceHuman    RuleSource = "human"
	RuleSourcePromoted RuleSource = "promoted"
)

// RuleDefinition is one deterministic categorization rule. Rules are only
// ever referenced through an immutable RuleVersion.
type RuleDefinition struct {
	ID          string     `json:"id" db:"id"`
	MatchType   MatchType  `json:"match_type" db:"match_type"`
	Pattern     string     `json:"pattern" db:"pattern"`
	AccountCode string     `json:"account_code" db:"account_code"`
	Priority    int        `json:"priority" db:"priority"`
	Author      string     `json:"author" db:"author"`
	Source      RuleSource `json:"source" db:"source"`
}

// RuleVersion is an immutable snapshot of a tenant's active rules.
type RuleVersion struct {
	VersionID       string           `json:"version_id" db:"version_id"`
	TenantID        string           `json:"tenant_id" db:"tenant_id"`
	Rules           []RuleDefinition `json:"rules" db:"-"`
	CreatedAt       time.Time        `json:"created_at" db:"created_at"`
	Author          string           `json:"author" db:"author"`
	Notes           string           `json:"notes" db:"notes"`
	ParentVersionID string           `json:"parent_version_id,omitempty" db:"parent_version_id"`
}

// CandidateStatus is the promotion state of a rule candidate.
type CandidateStatus string

const (
	CandidatePending  CandidateStatus = "pending"
	CandidateAccepted CandidateStatus = "accepted"
	CandidateRejected CandidateStatus = "rejected"
)

// EvidenceSource tags where a promotion observation came from.
type EvidenceSource string

const (
	EvidenceUserOverride      EvidenceSource = "user_override"
	EvidenceModelDisagreement EvidenceSource = "model_disagreement"
)

// Evidence is one observation feeding a rule candidate.
type Evidence struct {
	VendorNorm  string         `json:"vendor_norm"`
	AccountCode string         `json:"account_code"`
	Confidence  float64        `json:"confidence"`
	Source      EvidenceSource `json:"source"`
	TxnID       string         `json:"txn_id"`
	SeenAt      time.Time      `json:"seen_at"`
}

// RuleCandidate accumulates evidence for a (vendor, account) mapping using
// Welford running statistics.
type RuleCandidate struct {
	TenantID         string          `json:"tenant_id" db:"tenant_id"`
	VendorNorm       string          `json:"vendor_norm" db:"vendor_norm"`
	SuggestedAccount string          `json:"suggested_account" db:"suggested_account"`
	ObsCount         int64           `json:"obs_count" db:"obs_count"`
	MeanConf         float64         `json:"mean_conf" db:"mean_conf"`
	M2               float64         `json:"m2" db:"m2"` // Welford sum of squared deviations
	LastSeen         time.Time       `json:"last_seen" db:"last_seen"`
	Status           CandidateStatus `json:"status" db:"status"`
	Evidence         []Evidence      `json:"evidence_history" db:"-"` // append-only
}

// Variance returns the population variance of observed confidences.
func (c RuleCandidate) Variance() float64 {
	if c.ObsCount < 2 {
		return 0
	}
	return c.M2 / float64(c.ObsCount)
}

// Observe folds one evidence item into the running statistics.
func (c *RuleCandidate) Observe(ev Evidence) {
	c.ObsCount++
	delta := ev.Confidence - c.MeanConf
	c.MeanConf += delta / float64(c.ObsCount)
	c.M2 += delta * (ev.Confidence - c.MeanConf)
	if ev.SeenAt.After(c.LastSeen) {
		c.LastSeen = ev.SeenAt
	}
	c.Evidence = append(c.Evidence, ev)
}

// CalibrationMethod selects the calibration family.
type CalibrationMethod string

const (
	CalibrationIsotonic    CalibrationMethod = "isotonic"
	CalibrationTemperature CalibrationMethod = "temperature"
)

// CalibrationModel records a fitted calibration bound to a classifier version.
type CalibrationModel struct {
	ModelVersionID string            `json:"model_version_id" db:"model_version_id"`
	Method         CalibrationMethod `json:"method" db:"method"`
	Parameters     []byte            `json:"parameters" db:"parameters"` // serialized curve / temperature
	TrainedAt      time.Time         `json:"trained_at" db:"trained_at"`
	ECE            float64           `json:"ece" db:"ece"`
	Brier          float64           `json:"brier" db:"brier"`
	BinEdges       []float64         `json:"bin_edges" db:"-"`
}

// EmbeddingRecord maps a confirmed vendor to an account with its vector.
// Only confirmed records influence retrieval scoring beyond a prior.
type EmbeddingRecord struct {
	TenantID    string    `json:"tenant_id" db:"tenant_id"`
	VendorNorm  string    `json:"vendor_norm" db:"vendor_norm"`
	AccountCode string    `json:"account_code" db:"account_code"`
	Vector      []float32 `json:"-" db:"-"`
	Confirmed   bool      `json:"confirmed" db:"confirmed"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// ExportStatus is the outcome of one export attempt.
type ExportStatus string

const (
	ExportPosted           ExportStatus = "posted"
	ExportSkippedDuplicate ExportStatus = "skipped_duplicate"
)

// ExportRecord is one row of the idempotency ledger. external_id is unique
// per (tenant, target).
type ExportRecord struct {
	TenantID        string       `json:"tenant_id" db:"tenant_id"`
	JEID            string       `json:"je_id" db:"je_id"`
	ExternalID      string       `json:"external_id" db:"external_id"` // 64-hex SHA-256
	Target          string       `json:"target" db:"target"`
	FirstExportedAt time.Time    `json:"first_exported_at" db:"first_exported_at"`
	LastAttemptAt   time.Time    `json:"last_attempt_at" db:"last_attempt_at"`
	Attempts        int          `json:"attempts" db:"attempts"`
	Status          ExportStatus `json:"status" db:"status"`
}

// RetrainEvent records one retrain attempt, promoted or not.
type RetrainEvent struct {
	ID         string    `json:"id" db:"id"`
	TenantID   string    `json:"tenant_id" db:"tenant_id"`
	StartedAt  time.Time `json:"started_at" db:"started_at"`
	FinishedAt time.Time `json:"finished_at" db:"finished_at"`
	Reasons    []string  `json:"reasons" db:"-"`
	TrainN     int       `json:"train_n" db:"train_n"`
	ValidN     int       `json:"valid_n" db:"valid_n"`
	AccOld     float64   `json:"acc_old" db:"acc_old"`
	AccNew     float64   `json:"acc_new" db:"acc_new"`
	F1Old      float64   `json:"f1_old" db:"f1_old"`
	F1New      float64   `json:"f1_new" db:"f1_new"`
	Promoted   bool      `json:"promoted" db:"promoted"`
	ArtifactID string    `json:"artifact_id" db:"artifact_id"`
	Notes      string    `json:"notes" db:"notes"`
}

// TenantPolicy carries the per-tenant knobs the gates and adjudicator consult.
// Zero-valued fields fall back to engine defaults at load time.
type TenantPolicy struct {
	TenantID              string  `json:"tenant_id" db:"tenant_id"`
	Threshold             float64 `json:"threshold" db:"threshold"`                             // default 0.90
	AutopostEnabled       bool    `json:"autopost_enabled" db:"autopost_enabled"`               // default false
	AnomalyBlocksAutopost bool    `json:"anomaly_blocks_autopost" db:"anomaly_blocks_autopost"` // default true
	ColdStartMin          int     `json:"cold_start_min" db:"cold_start_min"`                   // default 3
	UncertainLow          float64 `json:"uncertain_low" db:"uncertain_low"`                     // default 0.60
	UncertainHigh         float64 `json:"uncertain_high" db:"uncertain_high"`                   // default 0.85
	LLMDailyBudget        int64   `json:"llm_daily_budget" db:"llm_daily_budget"`               // calls/day, default 500
	CashAccountCode       string  `json:"cash_account_code" db:"cash_account_code"`             // default "1000"
}

// AuditEvent is one append-only structured event. Delivery is at-least-once;
// consumers dedupe by ID.
type AuditEvent struct {
	ID       string    `json:"id"`
	TenantID string    `json:"tenant_id"`
	Kind     string    `json:"kind"` // decision|promotion|rollback|export|retrain|drift
	At       time.Time `json:"at"`
	Payload  any       `json:"payload"`
}
