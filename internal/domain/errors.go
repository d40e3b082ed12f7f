package domain

import "errors"

// RetriableError defines an interface for errors that can be retried
type RetriableError interface {
	error
	IsRetriable() bool
}

// IsRetriable checks if an error is retriable
func IsRetriable(err error) bool {
	var re RetriableError
	if errors.As(err, &re) {
		return re.IsRetriable()
	}
	return false
}

// VenueError represents a failed venue operation. Transient failures
// (timeouts, disconnects, rate limits) are retriable; rejections are not.
type VenueError struct {
	Op        string // "create", "cancel", "edit", "fetch_open", "fetch_position"
	Err       error  // underlying error
	Retriable bool
}

func (e *VenueError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *VenueError) IsRetriable() bool {
	return e.Retriable
}

func (e *VenueError) Unwrap() error {
	return e.Err
}

// NewVenueError creates a retriable venue error
func NewVenueError(op string, err error) *VenueError {
	return &VenueError{Op: op, Err: err, Retriable: true}
}

// NewVenueReject creates a non-retriable venue error
func NewVenueReject(op string, err error) *VenueError {
	return &VenueError{Op: op, Err: err, Retriable: false}
}

// ConfigError represents a configuration error (never retriable)
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return "config error [" + e.Field + "]: " + e.Err.Error()
}

func (e *ConfigError) IsRetriable() bool {
	return false
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

var (
	// ErrInvalidOrder is returned when order placement arguments are
	// malformed (bad side/type, missing or unexpected price). Not retriable.
	ErrInvalidOrder = errors.New("invalid order")

	// ErrOrderNotFound is returned when an operation references an order the
	// venue does not know.
	ErrOrderNotFound = errors.New("order not found")

	// ErrOrderNotOpen is returned when canceling or editing an order that is
	// no longer open.
	ErrOrderNotOpen = errors.New("order not open")

	// ErrInsufficientBalance is returned by spot venues when an aggregate
	// sell exceeds the tracked balance.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrCreateTimeout is returned when a synchronous create is not accepted
	// within the bounded wait.
	ErrCreateTimeout = errors.New("create order timeout")

	// ErrConfigNotFound is returned when the configuration file is missing
	ErrConfigNotFound = errors.New("configuration not found")
)
