package cfg

import "github.com/pkg/errors"

// Sentinel error kinds surfaced by this package. Wrap with
// github.com/pkg/errors so callers can still inspect the underlying kind
// with errors.Cause.
var (
	// ErrInvalidArgument is returned for zero size, an empty opcode buffer,
	// or a zero-sized table.
	ErrInvalidArgument = errors.New("cfg: invalid argument")
	// ErrAllocation is returned when an underlying allocation fails.
	ErrAllocation = errors.New("cfg: allocation failure")
	// ErrInconsistentTrace is returned when a basic node would gain a second
	// successor, or a branch node a third. The builder drops the offending
	// observation and remains usable.
	ErrInconsistentTrace = errors.New("cfg: inconsistent trace")
)
