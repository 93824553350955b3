// Package rules implements deterministic pattern matching over normalized
// transaction text, and the immutable rule-version store the matcher reads.
package rules

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/fintide/ledgerpilot/internal/domain"
)

// Match is the outcome of a deterministic rule hit. Score for the blender is
// always 1.0 on a match.
type Match struct {
	AccountCode string
	RuleID      string
	MatchType   domain.MatchType
	Pattern     string
	Priority    int
	// Conflict is set when another rule at the same priority matched a
	// different account. The gate turns this into a rule_conflict review.
	Conflict     bool
	ConflictWith string
}

// Engine evaluates rules in priority order, first match wins. Stateless and
// safe for concurrent use; compiled regexes are cached per pattern.
type Engine struct {
	mu    sync.RWMutex
	cache map[string]*regexp.Regexp
}

// NewEngine creates a rule engine.
func NewEngine() *Engine {
	return &Engine{cache: make(map[string]*regexp.Regexp)}
}

// Evaluate runs the version's rules against the transaction. Returns nil when
// nothing matches. Priority orders descending (higher first); rules at equal
// priority matching different accounts mark the result conflicted.
func (e *Engine) Evaluate(txn domain.Transaction, version *domain.RuleVersion) *Match {
	if version == nil || len(version.Rules) == 0 {
		return nil
	}

	ordered := make([]domain.RuleDefinition, len(version.Rules))
	copy(ordered, version.Rules)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Priority != ordered[j].Priority {
			return ordered[i].Priority > ordered[j].Priority
		}
		return ordered[i].ID < ordered[j].ID
	})

	var first *Match
	for _, rule := range ordered {
		if !e.matches(rule, txn) {
			continue
		}
		if first == nil {
			m := &Match{
				AccountCode: rule.AccountCode,
				RuleID:      rule.ID,
				MatchType:   rule.MatchType,
				Pattern:     rule.Pattern,
				Priority:    rule.Priority,
			}
			first = m
			continue
		}
		// First match won; only same-priority disagreement is a conflict.
		if rule.Priority == first.Priority && rule.AccountCode != first.AccountCode {
			first.Conflict = true
			first.ConflictWith = rule.ID
			break
		}
		if rule.Priority < first.Priority {
			break
		}
	}
	return first
}

func (e *Engine) matches(rule domain.RuleDefinition, txn domain.Transaction) bool {
	switch rule.MatchType {
	case domain.MatchExact:
		return txn.CounterpartyNorm == strings.ToLower(rule.Pattern)
	case domain.MatchRegex:
		re, err := e.compile(rule.Pattern)
		if err != nil {
			return false
		}
		return re.MatchString(txn.CounterpartyNorm) || re.MatchString(strings.ToLower(txn.DescriptionRaw))
	case domain.MatchMCC:
		return txn.MCC != "" && txn.MCC == rule.Pattern
	case domain.MatchMemoSubstring:
		return rule.Pattern != "" && strings.Contains(strings.ToLower(txn.Memo), strings.ToLower(rule.Pattern))
	}
	return false
}

func (e *Engine) compile(pattern string) (*regexp.Regexp, error) {
	e.mu.RLock()
	re, ok := e.cache[pattern]
	e.mu.RUnlock()
	if ok {
		return re, nil
	}
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return nil, fmt.Errorf("bad rule pattern %q: %w", pattern, err)
	}
	e.mu.Lock()
	e.cache[pattern] = re
	e.mu.Unlock()
	return re, nil
}
