package attribution

import (
	"errors"
	"fmt"
)

var (
	ErrChannelNotFound = errors.New("channel not found")
	ErrNotFound        = errors.New("not found")
	ErrInvalidDayCount = errors.New("day_count must be one of 1, 2, 3, 5, 7, 14, 30, 40")
	ErrValidation      = errors.New("validation failed")
	ErrConflict        = errors.New("conflict")
)

func validationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
