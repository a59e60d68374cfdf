package domain

import "time"

type CircuitState string

const (
	CircuitClosed CircuitState = "closed"
	CircuitOpen   CircuitState = "open"
)

// Circuit is the stored breaker state for one scope key. A nil OpenUntil on
// an open circuit means open until explicitly cleared.
type Circuit struct {
	State     CircuitState `json:"state"`
	OpenUntil *time.Time   `json:"open_until,omitempty"`
	TripCount int          `json:"trip_count"`
	Reason    string       `json:"reason,omitempty"`
}

// Blocking reports whether the circuit currently rejects calls.
func (c Circuit) Blocking(now time.Time) bool {
	if c.State != CircuitOpen {
		return false
	}
	return c.OpenUntil == nil || now.Before(*c.OpenUntil)
}
