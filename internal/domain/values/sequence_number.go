package values

import (
	"database/sql/driver"
	"fmt"
	"strconv"

	"github.com/clinsafe/clinical-safety-backend/internal/domain/errors"
)

// SequenceNumber represents a per-tenant monotonic insertion sequence for
// audit events. Sequence order, not timestamp order, defines the chain.
type SequenceNumber struct {
	value int64
}

const (
	// MinSequenceNumber is the first valid sequence value
	MinSequenceNumber = int64(1)
)

// NewSequenceNumber creates a new SequenceNumber value object with validation
func NewSequenceNumber(value int64) (SequenceNumber, error) {
	if value < MinSequenceNumber {
		return SequenceNumber{}, errors.NewValidationError("INVALID_SEQUENCE",
			fmt.Sprintf("sequence number must be >= %d, got %d", MinSequenceNumber, value))
	}
	return SequenceNumber{value: value}, nil
}

// MustNewSequenceNumber creates SequenceNumber and panics on error (for constants/tests)
func MustNewSequenceNumber(value int64) SequenceNumber {
	seq, err := NewSequenceNumber(value)
	if err != nil {
		panic(err)
	}
	return seq
}

// FirstSequenceNumber returns the first sequence number (1)
func FirstSequenceNumber() SequenceNumber {
	return SequenceNumber{value: MinSequenceNumber}
}

// Value returns the sequence number value
func (s SequenceNumber) Value() int64 {
	return s.value
}

// Next returns the following sequence number
func (s SequenceNumber) Next() SequenceNumber {
	return SequenceNumber{value: s.value + 1}
}

// IsZero reports whether the sequence number is unset
func (s SequenceNumber) IsZero() bool {
	return s.value == 0
}

// Follows reports whether s is the immediate successor of prev
func (s SequenceNumber) Follows(prev SequenceNumber) bool {
	return s.value == prev.value+1
}

// String returns the string representation of the sequence number
func (s SequenceNumber) String() string {
	return strconv.FormatInt(s.value, 10)
}

// DBValue implements driver.Valuer for database storage
func (s SequenceNumber) DBValue() (driver.Value, error) {
	return s.value, nil
}

// Scan implements sql.Scanner for database retrieval
func (s *SequenceNumber) Scan(value interface{}) error {
	switch v := value.(type) {
	case int64:
		parsed, err := NewSequenceNumber(v)
		if err != nil {
			return err
		}
		*s = parsed
		return nil
	default:
		return fmt.Errorf("cannot scan %T into SequenceNumber", value)
	}
}
