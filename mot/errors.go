package mot

import "github.com/pkg/errors"

var (
	// ErrPrecondition is returned when frame input is malformed. Tracker state is not touched.
	ErrPrecondition = errors.New("precondition violation")
	// ErrPolicy is returned when admission policy fails or produces invalid decision
	ErrPolicy = errors.New("admission policy failure")
	// ErrInvalidState is returned when lifecycle operation is undefined for current track state
	ErrInvalidState = errors.New("invalid track state")
	// ErrSnapshot is returned when snapshot can't be restored into tracker
	ErrSnapshot = errors.New("invalid snapshot")
	// ErrConfig is returned for invalid configuration values
	ErrConfig = errors.New("invalid configuration")
)
