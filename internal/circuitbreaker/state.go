package circuitbreaker

type State int

const (
	// StateClosed - store calls pass through
	StateClosed State = iota

	// StateOpen - store calls fail fast without reaching the backend
	StateOpen

	// StateHalfOpen - probing whether the backend recovered
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Gauge value exported to metrics: 0 closed, 1 half-open, 2 open.
func (s State) Gauge() float64 {
	switch s {
	case StateOpen:
		return 2
	case StateHalfOpen:
		return 1
	default:
		return 0
	}
}
