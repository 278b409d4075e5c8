package gpu

import "github.com/pkg/errors"

var (
	// ErrNoComputeQueue is returned when neither a dedicated compute family
	// nor a compute capable graphics family exists.
	ErrNoComputeQueue = errors.New("gpu: no compute capable queue")
	// ErrFatal marks unrecoverable driver faults such as a failed submission.
	ErrFatal = errors.New("gpu: fatal driver error")
	// ErrOutOfDeviceMemory is returned when no memory type or chunk can
	// satisfy an allocation.
	ErrOutOfDeviceMemory = errors.New("gpu: out of device memory")
	// ErrCapacity is returned when a write does not fit in its buffer slot.
	ErrCapacity = errors.New("gpu: write exceeds buffer capacity")
)

// markedError ties a cause to one of the sentinels above.
type markedError struct {
	mark  error
	cause error
}

func (e *markedError) Error() string { return e.mark.Error() + ": " + e.cause.Error() }
func (e *markedError) Cause() error  { return e.cause }
func (e *markedError) Unwrap() error { return e.cause }
func (e *markedError) Is(target error) bool {
	return target == e.mark
}

func mark(sentinel, err error, message string) error {
	if err == nil {
		return nil
	}
	return &markedError{mark: sentinel, cause: errors.Wrap(err, message)}
}

// Fatal wraps err so that errors.Is(err, ErrFatal) holds while the original
// cause stays reachable.
func Fatal(err error, message string) error {
	return mark(ErrFatal, err, message)
}

// OutOfMemory is like Fatal but marks err with ErrOutOfDeviceMemory.
func OutOfMemory(err error, message string) error {
	return mark(ErrOutOfDeviceMemory, err, message)
}
