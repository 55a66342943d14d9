package dispatcher

import (
	"errors"
	"fmt"
)

var (
	ErrDeliveryFailed = errors.New("delivery_failed")
	ErrStorage        = errors.New("storage_error")
	ErrNoPayload      = errors.New("dead_letter_payload_missing")
)

// ExhaustedError reports a delivery that ran out of attempts or hit a
// permanent adapter error.
type ExhaustedError struct {
	Adapter      string
	Attempts     int
	DeadLetterID string
	Err          error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("delivery via %s failed after %d attempt(s): %v", e.Adapter, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() []error {
	return []error{ErrDeliveryFailed, e.Err}
}

// StorageError marks err as a fatal persistence failure.
func StorageError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
}
