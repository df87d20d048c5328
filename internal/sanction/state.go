package sanction

// State is the sanction level held against an identity. States are ordered:
// a numerically higher state always wins a merge.
type State int

const (
	StateNone State = iota
	StateMasked
	StateSoftBlocked
	StatePermaBlocked
)

// Merge returns the stronger of two states. All precedence decisions in the
// registry and the decision engine go through this single function.
func Merge(a, b State) State {
	if b > a {
		return b
	}
	return a
}

// Blocking reports whether the state denies the request outright.
// Masked identities are still served (with a degraded experience).
func (s State) Blocking() bool {
	return s == StateSoftBlocked || s == StatePermaBlocked
}

// Temporary reports whether the state carries an expiry.
func (s State) Temporary() bool {
	return s == StateMasked || s == StateSoftBlocked
}

func (s State) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateMasked:
		return "masked"
	case StateSoftBlocked:
		return "soft_blocked"
	case StatePermaBlocked:
		return "perma_blocked"
	default:
		return "unknown"
	}
}
