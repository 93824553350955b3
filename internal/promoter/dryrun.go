package promoter

import (
	"github.com/fintide/ledgerpilot/internal/domain"
	"github.com/fintide/ledgerpilot/internal/rules"
)

// DefaultReclassWarnRate flags dry-runs that move more than 0.5% of the
// sample to a different account.
const DefaultReclassWarnRate = 0.005

// Reclassification is one sampled transaction whose account changes under
// the proposed ruleset.
type Reclassification struct {
	TxnID      string `json:"txn_id"`
	VendorNorm string `json:"vendor_norm"`
	OldAccount string `json:"old_account"`
	NewAccount string `json:"new_account"`
}

// Impact is the counterfactual effect of a proposed ruleset on a sample of
// recent transactions.
type Impact struct {
	SampleSize       int                `json:"sample_size"`
	AutoPostableOld  int                `json:"auto_postable_old"`
	AutoPostableNew  int                `json:"auto_postable_new"`
	AutomationDelta  int                `json:"automation_delta"`
	Reclassified     []Reclassification `json:"reclassified,omitempty"`
	ReclassRate      float64            `json:"reclass_rate"`
	ReclassWarning   bool               `json:"reclass_warning"`
	WarnRateApplied  float64            `json:"warn_rate_applied"`
}

// DryRun computes counterfactual rule matches for the proposed ruleset
// against a sample, without touching the version store. warnRate <= 0 uses
// the default.
func DryRun(engine *rules.Engine, current *domain.RuleVersion, proposed []domain.RuleDefinition, sample []domain.Transaction, warnRate float64) Impact {
	if warnRate <= 0 {
		warnRate = DefaultReclassWarnRate
	}
	candidate := &domain.RuleVersion{VersionID: "dry-run", Rules: proposed}
	if current != nil {
		candidate.TenantID = current.TenantID
	}

	impact := Impact{SampleSize: len(sample), WarnRateApplied: warnRate}
	for _, txn := range sample {
		oldMatch := engine.Evaluate(txn, current)
		newMatch := engine.Evaluate(txn, candidate)

		if oldMatch != nil && !oldMatch.Conflict {
			impact.AutoPostableOld++
		}
		if newMatch != nil && !newMatch.Conflict {
			impact.AutoPostableNew++
		}
		if oldMatch != nil && newMatch != nil && oldMatch.AccountCode != newMatch.AccountCode {
			impact.Reclassified = append(impact.Reclassified, Reclassification{
				TxnID:      txn.TxnID,
				VendorNorm: txn.CounterpartyNorm,
				OldAccount: oldMatch.AccountCode,
				NewAccount: newMatch.AccountCode,
			})
		}
	}

	impact.AutomationDelta = impact.AutoPostableNew - impact.AutoPostableOld
	if impact.SampleSize > 0 {
		impact.ReclassRate = float64(len(impact.Reclassified)) / float64(impact.SampleSize)
	}
	impact.ReclassWarning = impact.ReclassRate > warnRate
	return impact
}
