package escrow

// State is a position in the escrow account lifecycle.
type State uint8

const (
	StatePending State = iota
	StateFunded
	StateExecuting
	StateSucceeded
	StateFailed
	StateRefunded
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateFunded:
		return "funded"
	case StateExecuting:
		return "executing"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	case StateRefunded:
		return "refunded"
	case StateDestroyed:
		return "destroyed"
	}
	return "unknown"
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Terminal reports whether no transition can leave s.
func (s State) Terminal() bool {
	return s == StateDestroyed
}
