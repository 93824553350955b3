package journal

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/fintide/ledgerpilot/internal/domain"
)

// Transition moves a JE to the target status, enforcing the state machine.
// Posted entries are immutable: corrections happen through Reverse.
func Transition(je *domain.JournalEntry, to domain.JEStatus) error {
	if !domain.CanTransition(je.Status, to) {
		return fmt.Errorf("%w: je %s cannot move %s -> %s", domain.ErrInvariant, je.JEID, je.Status, to)
	}
	je.Status = to
	return nil
}

// Reverse marks a posted entry rolled back and returns the reversing entry:
// a new JE with debit and credit sides swapped, linked through ReversesJEID.
func Reverse(je *domain.JournalEntry, clock domain.Clock, rationale string) (domain.JournalEntry, error) {
	if err := Transition(je, domain.JERolledBack); err != nil {
		return domain.JournalEntry{}, err
	}

	revID := uuid.NewString()
	lines := make([]domain.JELine, len(je.Lines))
	for i, l := range je.Lines {
		lines[i] = domain.JELine{
			JEID:        revID,
			LineNo:      l.LineNo,
			AccountCode: l.AccountCode,
			DebitMinor:  l.CreditMinor,
			CreditMinor: l.DebitMinor,
			Memo:        l.Memo,
		}
	}

	now := clock.Now().UTC()
	rev := domain.JournalEntry{
		JEID:         revID,
		TenantID:     je.TenantID,
		TxnID:        je.TxnID,
		PostedAt:     now,
		Status:       domain.JEProposed,
		Rationale:    rationale,
		ReversesJEID: je.JEID,
		Lines:        lines,
		CreatedAt:    now,
	}
	if !rev.Balanced() {
		return domain.JournalEntry{}, fmt.Errorf("%w: reversal of %s does not balance", domain.ErrInvariant, je.JEID)
	}
	return rev, nil
}
