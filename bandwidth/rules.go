package bandwidth

import (
	"encoding/json"
)

// Rule caps usage of one kind over one window. Window is seconds, or
// WindowMonth / WindowForever.
type Rule struct {
	Kind   Kind   `json:"kind"`
	Window int64  `json:"window"`
	Max    uint64 `json:"max"`
}

// Rules is an ordered rule set. An empty set admits everything.
type Rules struct {
	Rules []Rule `json:"rules,omitempty"`
}

// NewRules builds a rule set.
func NewRules(rules ...Rule) Rules {
	return Rules{Rules: rules}
}

// AddRule appends a rule.
func (r *Rules) AddRule(kind Kind, window int64, max uint64) {
	r.Rules = append(r.Rules, Rule{Kind: kind, Window: window, Max: max})
}

// Short data windows cannot meaningfully gate a request start; the continue
// check is what chops a transfer that blows through them.
const startDataWindowFloor = 60

// A rule window shorter than this gives an in-progress transfer a burst
// allowance rather than cutting it at the line.
const continueGraceWindow = 15

// CanStartRequest reports whether a new request may begin under these rules.
// Data rules with windows under a minute never block a start.
func (r Rules) CanStartRequest(t *Tracker) bool {
	for _, rule := range r.Rules {
		if rule.Kind == Data && rule.Window > 0 && rule.Window < startDataWindowFloor {
			continue
		}
		if t.GetUsage(rule.Kind, rule.Window) >= rule.Max {
			return false
		}
	}
	return true
}

// CanContinue reports whether an in-progress transfer may keep going.
// Request rules never block a continue (the request already started), and
// short-window data rules allow up to twice their limit so a live connection
// is not chopped mid-block.
func (r Rules) CanContinue(t *Tracker) bool {
	for _, rule := range r.Rules {
		if rule.Kind == Requests {
			continue
		}
		usage := t.GetUsage(rule.Kind, rule.Window)
		limit := rule.Max
		if rule.Window > 0 && rule.Window < continueGraceWindow {
			limit *= 2
		}
		if usage >= limit {
			return false
		}
	}
	return true
}

// MarshalJSON keeps rule sets storable inside account-type dictionaries.
func (r Rules) MarshalJSON() ([]byte, error) {
	type alias Rules
	return json.Marshal(alias(r))
}

// UnmarshalJSON rehydrates a stored rule set.
func (r *Rules) UnmarshalJSON(b []byte) error {
	type alias Rules
	return json.Unmarshal(b, (*alias)(r))
}
