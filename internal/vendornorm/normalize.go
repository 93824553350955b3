// Package vendornorm canonicalizes counterparty text so the same merchant
// always maps to the same key, independent of POS decoration, store numbers
// and unicode variants. The normalized form keys the embedding memory, rule
// patterns, cold-start history and the train/holdout split.
package vendornorm

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

var (
	posPrefixes = []string{
		"pos ",
		"sq *",
		"sq*",
		"tst*",
		"tst* ",
		"checkcard ",
		"debit crd ",
	}

	storeNumberRe  = regexp.MustCompile(`\s+#?\d{2,}\s*$`)
	punctuationRe  = regexp.MustCompile(`[^\p{L}\p{N}\s]+`)
	whitespaceRe   = regexp.MustCompile(`\s+`)
	trailingStates = map[string]bool{}
)

func init() {
	// US state / territory suffixes commonly appended by processors.
	for _, s := range []string{
		"al", "ak", "az", "ar", "ca", "co", "ct", "de", "fl", "ga",
		"hi", "id", "il", "in", "ia", "ks", "ky", "la", "me", "md",
		"ma", "mi", "mn", "ms", "mo", "mt", "ne", "nv", "nh", "nj",
		"nm", "ny", "nc", "nd", "oh", "ok", "or", "pa", "ri", "sc",
		"sd", "tn", "tx", "ut", "vt", "va", "wa", "wv", "wi", "wy",
		"dc", "pr",
	} {
		trailingStates[s] = true
	}
}

// Normalize canonicalizes raw counterparty text. Deterministic and
// idempotent: the pass pipeline is applied until it reaches a fixpoint, so
// normalizing an already-normal string is a no-op.
func Normalize(raw string) string {
	s := raw
	for i := 0; i < 4; i++ {
		next := pass(s)
		if next == s {
			return s
		}
		s = next
	}
	return s
}

func pass(s string) string {
	// 1. NFKC fold, strip emoji and other symbol runes, collapse whitespace.
	s = norm.NFKC.String(s)
	s = stripSymbols(s)
	s = whitespaceRe.ReplaceAllString(s, " ")

	// 2. Case fold.
	s = strings.ToLower(strings.TrimSpace(s))

	// 3. Known POS prefixes.
	for changed := true; changed; {
		changed = false
		for _, p := range posPrefixes {
			if strings.HasPrefix(s, p) {
				s = strings.TrimSpace(strings.TrimPrefix(s, p))
				changed = true
			}
		}
	}

	// 4. Trailing store numbers and state suffixes, to fixpoint.
	for {
		trimmed := storeNumberRe.ReplaceAllString(s, "")
		trimmed = stripTrailingState(trimmed)
		if trimmed == s {
			break
		}
		s = trimmed
	}

	// 5. Punctuation to spaces, collapse, trim.
	s = punctuationRe.ReplaceAllString(s, " ")
	s = whitespaceRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

func stripSymbols(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case unicode.Is(unicode.So, r) || unicode.Is(unicode.Sk, r):
			// Emoji and decoration symbols drop entirely.
		case r == 0x200D || (r >= 0xFE00 && r <= 0xFE0F):
			// Zero-width joiner and variation selectors.
		case r >= 0x1F000 && r <= 0x1FFFF:
			// Supplementary emoji planes NFKC leaves alone.
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func stripTrailingState(s string) string {
	idx := strings.LastIndexByte(s, ' ')
	if idx < 0 {
		return s
	}
	last := s[idx+1:]
	if len(last) == 2 && trailingStates[strings.ToLower(last)] {
		return strings.TrimRight(s[:idx], " ")
	}
	return s
}
