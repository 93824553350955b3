// Package promoter turns recurring human corrections into deterministic
// rules. Evidence is aggregated per (vendor, account) with Welford running
// statistics; candidates that clear the promotion policy become new rules in
// a freshly published, immutable rule version.
package promoter

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fintide/ledgerpilot/internal/domain"
	"github.com/fintide/ledgerpilot/internal/rules"
)

// Policy is the ready-to-promote threshold set.
type Policy struct {
	MinObs  int64   `yaml:"min_obs"`  // default 3
	MinConf float64 `yaml:"min_conf"` // default 0.85
	MaxVar  float64 `yaml:"max_var"`  // default 0.08
}

// DefaultPolicy returns the standard promotion thresholds.
func DefaultPolicy() Policy {
	return Policy{MinObs: 3, MinConf: 0.85, MaxVar: 0.08}
}

// AuditSink receives promotion lifecycle events.
type AuditSink interface {
	Append(ev domain.AuditEvent) error
}

// Promoter aggregates correction evidence and publishes promoted rules.
// Candidate statistics are updated under a per-candidate lock: Welford
// updates are order-sensitive when interleaved unsynchronized.
type Promoter struct {
	mu         sync.Mutex
	candidates map[string]*domain.RuleCandidate // key: tenant|vendor|account
	locks      map[string]*sync.Mutex

	versions *rules.VersionStore
	policy   Policy
	clock    domain.Clock
	audit    AuditSink
	log      zerolog.Logger
}

// New creates a promoter bound to the tenant rule version store.
func New(versions *rules.VersionStore, policy Policy, clock domain.Clock, audit AuditSink, log zerolog.Logger) *Promoter {
	if policy.MinObs <= 0 {
		policy = DefaultPolicy()
	}
	return &Promoter{
		candidates: make(map[string]*domain.RuleCandidate),
		locks:      make(map[string]*sync.Mutex),
		versions:   versions,
		policy:     policy,
		clock:      clock,
		audit:      audit,
		log:        log.With().Str("component", "promoter").Logger(),
	}
}

func candidateKey(tenantID, vendor, account string) string {
	return tenantID + "|" + vendor + "|" + account
}

// candidate looks up a candidate and its lock. Readers and writers of
// candidate fields must hold the returned lock; p.mu only guards the maps.
func (p *Promoter) candidate(key string) (*domain.RuleCandidate, *sync.Mutex, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cand, ok := p.candidates[key]
	if !ok {
		return nil, nil, false
	}
	return cand, p.locks[key], true
}

// Record folds one correction observation into its candidate and returns the
// candidate snapshot after the update.
func (p *Promoter) Record(tenantID string, ev domain.Evidence) domain.RuleCandidate {
	key := candidateKey(tenantID, ev.VendorNorm, ev.AccountCode)

	p.mu.Lock()
	lock, ok := p.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		p.locks[key] = lock
	}
	cand, ok := p.candidates[key]
	if !ok {
		cand = &domain.RuleCandidate{
			TenantID:         tenantID,
			VendorNorm:       ev.VendorNorm,
			SuggestedAccount: ev.AccountCode,
			Status:           domain.CandidatePending,
		}
		p.candidates[key] = cand
	}
	p.mu.Unlock()

	lock.Lock()
	defer lock.Unlock()
	cand.Observe(ev)
	return *cand
}

// Ready reports whether a candidate clears the promotion policy:
// enough observations, high mean confidence, low variance.
func (p *Promoter) Ready(cand domain.RuleCandidate) bool {
	return cand.ObsCount >= p.policy.MinObs &&
		cand.MeanConf >= p.policy.MinConf &&
		cand.Variance() <= p.policy.MaxVar
}

// ReadyCandidates lists pending candidates that clear the policy. Each
// candidate is snapshotted under its own lock so a concurrent Record never
// interleaves with the read.
func (p *Promoter) ReadyCandidates(tenantID string) []domain.RuleCandidate {
	p.mu.Lock()
	type pair struct {
		cand *domain.RuleCandidate
		lock *sync.Mutex
	}
	var pairs []pair
	for key, cand := range p.candidates {
		pairs = append(pairs, pair{cand, p.locks[key]})
	}
	p.mu.Unlock()

	var out []domain.RuleCandidate
	for _, pr := range pairs {
		pr.lock.Lock()
		snap := *pr.cand
		pr.lock.Unlock()
		if snap.TenantID == tenantID && snap.Status == domain.CandidatePending && p.Ready(snap) {
			out = append(out, snap)
		}
	}
	return out
}

// Reject marks a candidate rejected; its statistics stay for audit.
func (p *Promoter) Reject(tenantID, vendor, account string) error {
	cand, lock, ok := p.candidate(candidateKey(tenantID, vendor, account))
	if !ok {
		return fmt.Errorf("%w: candidate %s/%s", domain.ErrNotFound, vendor, account)
	}
	lock.Lock()
	defer lock.Unlock()
	cand.Status = domain.CandidateRejected
	return nil
}

// Promote accepts a candidate and publishes a new rule version containing
// the derived exact rule. A conflicting rule for the same pattern is retained
// for audit; the promoted rule's priority places it above the old one, and
// the conflict is logged. Retries the version swap once on a lost race.
func (p *Promoter) Promote(tenantID, vendor, account, author string) (*domain.RuleVersion, error) {
	cand, lock, ok := p.candidate(candidateKey(tenantID, vendor, account))
	if !ok {
		return nil, fmt.Errorf("%w: candidate %s/%s", domain.ErrNotFound, vendor, account)
	}

	// The candidate lock is held across the readiness check, the version
	// publish and the status flip so a concurrent Record cannot interleave
	// and two racing Promotes cannot both publish.
	lock.Lock()
	defer lock.Unlock()

	if cand.Status == domain.CandidateAccepted {
		return nil, fmt.Errorf("candidate %s/%s already promoted", vendor, account)
	}
	if !p.Ready(*cand) {
		return nil, fmt.Errorf("candidate %s/%s not ready: obs=%d mean=%.3f var=%.4f",
			vendor, account, cand.ObsCount, cand.MeanConf, cand.Variance())
	}

	version, err := p.publishDerived(tenantID, vendor, account, author)
	if err != nil {
		return nil, err
	}

	cand.Status = domain.CandidateAccepted
	p.emit(tenantID, "promotion", map[string]any{
		"vendor_norm": vendor,
		"account":     account,
		"version_id":  version.VersionID,
		"obs_count":   cand.ObsCount,
		"mean_conf":   cand.MeanConf,
	})
	return version, nil
}

func (p *Promoter) publishDerived(tenantID, vendor, account, author string) (*domain.RuleVersion, error) {
	for attempt := 0; ; attempt++ {
		cur := p.versions.Current(tenantID)
		curID := ""
		var ruleset []domain.RuleDefinition
		if cur != nil {
			curID = cur.VersionID
			ruleset = append(ruleset, cur.Rules...)
		}

		priority := 1
		for _, r := range ruleset {
			if r.MatchType == domain.MatchExact && r.Pattern == vendor {
				if r.AccountCode != account {
					p.log.Warn().
						Str("tenant", tenantID).
						Str("vendor", vendor).
						Str("old_rule", r.ID).
						Str("old_account", r.AccountCode).
						Str("new_account", account).
						Msg("promoted rule conflicts with existing rule; new rule takes precedence")
				}
				if r.Priority >= priority {
					priority = r.Priority + 1
				}
			}
		}

		ruleset = append(ruleset, domain.RuleDefinition{
			ID:          uuid.NewString(),
			MatchType:   domain.MatchExact,
			Pattern:     vendor,
			AccountCode: account,
			Priority:    priority,
			Author:      author,
			Source:      domain.RuleSourcePromoted,
		})

		version, err := p.versions.Publish(tenantID, ruleset, author, fmt.Sprintf("promote %s -> %s", vendor, account), curID)
		if err == nil {
			return version, nil
		}
		if attempt == 0 && isConcurrency(err) {
			continue // one retry against the fresh current
		}
		return nil, err
	}
}

func (p *Promoter) emit(tenantID, kind string, payload any) {
	if p.audit == nil {
		return
	}
	_ = p.audit.Append(domain.AuditEvent{
		ID:       uuid.NewString(),
		TenantID: tenantID,
		Kind:     kind,
		At:       p.clock.Now(),
		Payload:  payload,
	})
}

func isConcurrency(err error) bool {
	return errors.Is(err, domain.ErrConcurrency)
}
