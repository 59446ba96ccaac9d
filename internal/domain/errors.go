package domain

import (
	"errors"
	"fmt"
)

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

var (
	// ErrBidTooLow is returned when a max bid is below the minimum acceptable amount.
	ErrBidTooLow = errors.New("bid too low")

	// ErrInvalidStepAlignment is returned when (max - start) is not a multiple of the step.
	ErrInvalidStepAlignment = errors.New("invalid step alignment")

	// ErrAmountTooHigh is returned when a max bid leaves no room for another step.
	ErrAmountTooHigh = errors.New("amount too high")

	// ErrNotEligible is returned when the bidder fails the reputation gate or was kicked.
	ErrNotEligible = errors.New("bidder not eligible")

	// ErrListingNotActive is returned for bidding activity outside ACTIVE.
	ErrListingNotActive = errors.New("listing not active")

	// ErrAlreadySettled is returned when a terminal listing is asked to settle differently.
	ErrAlreadySettled = errors.New("listing already settled")

	// ErrListingNotFound is returned when no session exists for a listing id.
	ErrListingNotFound = errors.New("listing not found")

	// ErrListingExists is returned when a listing id is opened twice.
	ErrListingExists = errors.New("listing already open")

	// ErrNoCommitment is returned when a kick targets a bidder without an active commitment.
	ErrNoCommitment = errors.New("no active commitment")

	// ErrNotSeller is returned when a seller-only operation comes from someone else.
	ErrNotSeller = errors.New("caller is not the seller")

	// ErrConcurrencyTimeout is returned when a listing's queue stays full past the enqueue timeout.
	ErrConcurrencyTimeout = errors.New("listing queue timeout")

	// ErrInvariantViolation marks a listing frozen for manual review.
	ErrInvariantViolation = errors.New("invariant violation")

	// ErrInvalidListing is returned for malformed catalog facts.
	ErrInvalidListing = errors.New("invalid listing")

	// ErrPublishFailed is returned when an outbound event could not be delivered.
	ErrPublishFailed = errors.New("publish failed")

	// ErrConfigNotFound is returned when configuration file is missing
	ErrConfigNotFound = errors.New("configuration not found")
)

// ValidationError is a caller-correctable rejection of a bid.
type ValidationError struct {
	Code    string
	Minimum Amount // set for BID_TOO_LOW
	Err     error
}

func (e *ValidationError) Error() string {
	if errors.Is(e.Err, ErrBidTooLow) {
		return fmt.Sprintf("%s: %s (minimum %d)", e.Code, e.Err.Error(), e.Minimum)
	}
	return e.Code + ": " + e.Err.Error()
}

func (e *ValidationError) IsRetriable() bool {
	return false
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// NewBidTooLow creates a BID_TOO_LOW validation error.
func NewBidTooLow(minimum Amount) *ValidationError {
	return &ValidationError{Code: "BID_TOO_LOW", Minimum: minimum, Err: ErrBidTooLow}
}

// NewInvalidStepAlignment creates an INVALID_STEP_ALIGNMENT validation error.
func NewInvalidStepAlignment() *ValidationError {
	return &ValidationError{Code: "INVALID_STEP_ALIGNMENT", Err: ErrInvalidStepAlignment}
}

// NewAmountTooHigh creates an AMOUNT_TOO_HIGH validation error.
func NewAmountTooHigh(limit Amount) *ValidationError {
	return &ValidationError{Code: "AMOUNT_TOO_HIGH", Err: fmt.Errorf("limit %d: %w", limit, ErrAmountTooHigh)}
}

// NewNotEligible creates a NOT_ELIGIBLE validation error.
func NewNotEligible(reason string) *ValidationError {
	return &ValidationError{Code: "NOT_ELIGIBLE", Err: fmt.Errorf("%s: %w", reason, ErrNotEligible)}
}

// StateError indicates a stale client view of the listing.
type StateError struct {
	ListingID string
	Status    Status
	Err       error
}

func (e *StateError) Error() string {
	if e.Status == "" {
		return "listing " + e.ListingID + ": " + e.Err.Error()
	}
	return "listing " + e.ListingID + " (" + string(e.Status) + "): " + e.Err.Error()
}

func (e *StateError) IsRetriable() bool {
	return false
}

func (e *StateError) Unwrap() error {
	return e.Err
}

// NewNotActive creates a LISTING_NOT_ACTIVE state error.
func NewNotActive(listingID string, status Status) *StateError {
	return &StateError{ListingID: listingID, Status: status, Err: ErrListingNotActive}
}

// TimeoutError is returned when the sequencer could not accept a command in time.
type TimeoutError struct {
	ListingID  string
	QueueDepth int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("listing %s: %s (depth %d)", e.ListingID, ErrConcurrencyTimeout.Error(), e.QueueDepth)
}

func (e *TimeoutError) IsRetriable() bool {
	return true
}

func (e *TimeoutError) Unwrap() error {
	return ErrConcurrencyTimeout
}

// InvariantViolation is fatal for the listing: it is frozen until reviewed.
type InvariantViolation struct {
	ListingID string
	Detail    string
}

func (e *InvariantViolation) Error() string {
	return "INVARIANT_VIOLATION [" + e.ListingID + "]: " + e.Detail
}

func (e *InvariantViolation) IsRetriable() bool {
	return false
}

func (e *InvariantViolation) Unwrap() error {
	return ErrInvariantViolation
}

// NetworkError represents a transport error that may be retriable
type NetworkError struct {
	Op        string // Operation that failed (e.g., "connect", "publish")
	Err       error  // Underlying error
	Retriable bool   // Whether this error is retriable
}

func (e *NetworkError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *NetworkError) IsRetriable() bool {
	return e.Retriable
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// NewNetworkError creates a new retriable network error
func NewNetworkError(op string, err error) *NetworkError {
	return &NetworkError{Op: op, Err: err, Retriable: true}
}

// NewFatalNetworkError creates a non-retriable network error
func NewFatalNetworkError(op string, err error) *NetworkError {
	return &NetworkError{Op: op, Err: err, Retriable: false}
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
