package values

import (
	"encoding/json"
	"fmt"
)

// Probability represents a probability in [0, 1], used for glosa-risk
// annotations on alerts.
type Probability struct {
	value float64
}

// NewProbability creates a Probability with range validation
func NewProbability(value float64) (Probability, error) {
	if value < 0 || value > 1 {
		return Probability{}, fmt.Errorf("probability %v outside [0, 1]", value)
	}
	return Probability{value: value}, nil
}

// MustNewProbability creates a Probability and panics on error (for constants/tests)
func MustNewProbability(value float64) Probability {
	p, err := NewProbability(value)
	if err != nil {
		panic(err)
	}
	return p
}

// Value returns the raw probability
func (p Probability) Value() float64 {
	return p.value
}

// IsZero checks if the probability is zero
func (p Probability) IsZero() bool {
	return p.value == 0
}

// CombineIndependent combines with another independent risk source:
// P = 1 - (1-p)(1-q). The result is clipped to [0, 1] against float drift.
func (p Probability) CombineIndependent(other Probability) Probability {
	combined := 1 - (1-p.value)*(1-other.value)
	if combined < 0 {
		combined = 0
	}
	if combined > 1 {
		combined = 1
	}
	return Probability{value: combined}
}

// String returns the probability formatted as a percentage
func (p Probability) String() string {
	return fmt.Sprintf("%.1f%%", p.value*100)
}

// MarshalJSON implements json.Marshaler; the value serializes as a bare
// number so callers read the probability directly.
func (p Probability) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.value)
}

// UnmarshalJSON implements json.Unmarshaler with range validation
func (p *Probability) UnmarshalJSON(data []byte) error {
	var raw float64
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := NewProbability(raw)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
