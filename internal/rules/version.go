package rules

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fintide/ledgerpilot/internal/domain"
)

// BlobPutter is the slice of the blob store the version store needs:
// content-addressed persistence of serialized versions.
type BlobPutter interface {
	Put(data []byte) (hash string, err error)
}

// VersionStore holds the per-tenant current rule version behind an atomic
// pointer. Readers snapshot the pointer; writers publish whole new versions.
// Versions are immutable after commit.
type VersionStore struct {
	mu      sync.RWMutex
	current map[string]*domain.RuleVersion   // tenant -> current
	history map[string][]*domain.RuleVersion // tenant -> all, oldest first
	clock   domain.Clock
	blobs   BlobPutter
	log     zerolog.Logger
	seq     int64
}

// NewVersionStore creates an empty version store. blobs may be nil; versions
// are then kept in memory only.
func NewVersionStore(clock domain.Clock, blobs BlobPutter, log zerolog.Logger) *VersionStore {
	return &VersionStore{
		current: make(map[string]*domain.RuleVersion),
		history: make(map[string][]*domain.RuleVersion),
		clock:   clock,
		blobs:   blobs,
		log:     log.With().Str("component", "rules.versions").Logger(),
	}
}

// Current returns the tenant's active version, or nil before the first publish.
func (s *VersionStore) Current(tenantID string) *domain.RuleVersion {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current[tenantID]
}

// Get returns a specific historical version.
func (s *VersionStore) Get(tenantID, versionID string) (*domain.RuleVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, v := range s.history[tenantID] {
		if v.VersionID == versionID {
			return v, nil
		}
	}
	return nil, fmt.Errorf("%w: rule version %s", domain.ErrNotFound, versionID)
}

// Publish commits a new version whose rules supersede the current set as a
// whole. expectParent guards the swap: when it no longer names the current
// version the caller lost the race and gets ErrConcurrency (callers retry
// once against the fresh current, per policy). Version ids are monotone
// lexical, so later publishes always compare greater.
func (s *VersionStore) Publish(tenantID string, ruleset []domain.RuleDefinition, author, notes, expectParent string) (*domain.RuleVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.current[tenantID]
	curID := ""
	if cur != nil {
		curID = cur.VersionID
	}
	if expectParent != curID {
		return nil, fmt.Errorf("%w: expected parent %q, current is %q", domain.ErrConcurrency, expectParent, curID)
	}

	s.seq++
	version := &domain.RuleVersion{
		VersionID:       fmt.Sprintf("%s-%06d", s.clock.Now().UTC().Format("20060102T150405"), s.seq),
		TenantID:        tenantID,
		Rules:           cloneRules(ruleset),
		CreatedAt:       s.clock.Now(),
		Author:          author,
		Notes:           notes,
		ParentVersionID: curID,
	}

	if s.blobs != nil {
		payload, _ := Serialize(version)
		if _, err := s.blobs.Put(payload); err != nil {
			return nil, fmt.Errorf("%w: persist rule version: %v", domain.ErrStorage, err)
		}
	}

	s.history[tenantID] = append(s.history[tenantID], version)
	s.current[tenantID] = version
	s.log.Info().
		Str("tenant", tenantID).
		Str("version", version.VersionID).
		Str("parent", curID).
		Int("rules", len(version.Rules)).
		Msg("rule version published")
	return version, nil
}

// Rollback publishes a new version whose rules equal the target version's.
// The current pointer swap is atomic; the rolled-back-from version stays in
// history untouched.
func (s *VersionStore) Rollback(tenantID, targetVersionID, author string) (*domain.RuleVersion, error) {
	target, err := s.Get(tenantID, targetVersionID)
	if err != nil {
		return nil, err
	}
	cur := s.Current(tenantID)
	curID := ""
	if cur != nil {
		curID = cur.VersionID
	}
	notes := fmt.Sprintf("rollback to %s", targetVersionID)
	return s.Publish(tenantID, target.Rules, author, notes, curID)
}

// History returns all versions for a tenant, oldest first.
func (s *VersionStore) History(tenantID string) []*domain.RuleVersion {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.RuleVersion, len(s.history[tenantID]))
	copy(out, s.history[tenantID])
	return out
}

// Serialize renders a version deterministically (rules sorted by id) and
// returns the payload plus its sha256 hex for content-addressed storage.
func Serialize(v *domain.RuleVersion) ([]byte, string) {
	c := *v
	c.Rules = cloneRules(v.Rules)
	sort.Slice(c.Rules, func(i, j int) bool { return c.Rules[i].ID < c.Rules[j].ID })
	c.CreatedAt = c.CreatedAt.UTC().Truncate(time.Second)
	payload, _ := json.Marshal(c)
	sum := sha256.Sum256(payload)
	return payload, hex.EncodeToString(sum[:])
}

func cloneRules(in []domain.RuleDefinition) []domain.RuleDefinition {
	out := make([]domain.RuleDefinition, len(in))
	copy(out, in)
	return out
}
