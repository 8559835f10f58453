package domain

import "time"

// CircuitStatus enumerates breaker states.
type CircuitStatus string

const (
	CircuitClosed   CircuitStatus = "CLOSED"
	CircuitOpen     CircuitStatus = "OPEN"
	CircuitHalfOpen CircuitStatus = "HALF_OPEN"
)

// CircuitState is the shared view of one upstream dependency.
type CircuitState struct {
	Name              string
	State             CircuitStatus
	Failures          int
	HalfOpenSuccesses int
	LastFailureAt     *time.Time
	NextAttemptAt     *time.Time
	UpdatedAt         time.Time
}

// NewCircuitState returns the CLOSED state for name.
func NewCircuitState(name string) CircuitState {
	return CircuitState{Name: name, State: CircuitClosed}
}
