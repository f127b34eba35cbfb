package admission

import "strings"

// carrierTestPrefix covers the carrier's reserved test range; numbers in it
// are always dialable so staging environments work without list churn.
const carrierTestPrefix = "+1555"

// Allowlist is the destination-number authorization check. With blanket
// allow enabled every valid number passes; otherwise a number must be
// listed or fall in the carrier test range.
type Allowlist struct {
	blanket bool
	numbers map[string]struct{}
}

func NewAllowlist(numbers []string, blanketAllow bool) *Allowlist {
	set := make(map[string]struct{}, len(numbers))
	for _, n := range numbers {
		n = strings.TrimSpace(n)
		if n != "" {
			set[n] = struct{}{}
		}
	}
	return &Allowlist{blanket: blanketAllow, numbers: set}
}

func (a *Allowlist) Allowed(number string) bool {
	if a.blanket {
		return true
	}
	if strings.HasPrefix(number, carrierTestPrefix) {
		return true
	}
	_, ok := a.numbers[number]
	return ok
}
