package quota

// EntityType identifies which kind of entity a quota applies to.
type EntityType string

const (
	EntityKey      EntityType = "key"
	EntityUser     EntityType = "user"
	EntityProvider EntityType = "provider"
)

// Decision is the tagged result of an admission check.
type Decision int

const (
	// DecisionUnknown means the check could not be completed; callers must
	// treat it as allowed (fail-open).
	DecisionUnknown Decision = iota
	DecisionAllowed
	DecisionDenied
)

// Outcome is what every public admission operation returns instead of an
// error. Only Denied carries a caller-visible reason.
type Outcome struct {
	Decision Decision
	Reason   string
}

func Allowed() Outcome {
	return Outcome{Decision: DecisionAllowed}
}

func Denied(reason string) Outcome {
	return Outcome{Decision: DecisionDenied, Reason: reason}
}

// Unknown is the fail-open outcome used when a dependency is unavailable.
func Unknown() Outcome {
	return Outcome{Decision: DecisionUnknown}
}

// Permitted reports whether the request may proceed. Unknown maps to true:
// a cache or database hiccup must never turn into a user-visible outage.
func (o Outcome) Permitted() bool {
	return o.Decision != DecisionDenied
}
