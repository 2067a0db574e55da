package contracts

import (
	"errors"
	"strings"
)

// Session-level failure taxonomy. Each is terminal for the current
// initialization attempt but never for the session itself.
var (
	ErrSessionRequired        = errors.New("no local identity, session required")
	ErrCaseNotReviewable      = errors.New("case is not in a reviewable state yet")
	ErrCounterpartNotAssigned = errors.New("counterpart not yet assigned to case")
	ErrRoomUnavailable        = errors.New("no room id resolvable by any strategy")
	ErrLoadFailed             = errors.New("message page load failed")
	ErrSendFailed             = errors.New("message send failed")
)

// UnavailableReason is the human-readable reason code the UI layer renders
// when a session lands in the unavailable state.
type UnavailableReason string

const (
	ReasonNone               UnavailableReason = ""
	ReasonSessionRequired    UnavailableReason = "session_required"
	ReasonPendingReview      UnavailableReason = "pending_review"
	ReasonCounterpartPending UnavailableReason = "counterpart_not_assigned"
	ReasonAwaitCounterpart   UnavailableReason = "await_counterpart_initiation"
	ReasonLoadFailed         UnavailableReason = "load_failed"
	ReasonGenericFailure     UnavailableReason = "generic_failure"
)

// ReasonForError maps an initialization failure to its UI reason code.
func ReasonForError(err error) UnavailableReason {
	switch {
	case err == nil:
		return ReasonNone
	case errors.Is(err, ErrSessionRequired):
		return ReasonSessionRequired
	case errors.Is(err, ErrCaseNotReviewable):
		return ReasonPendingReview
	case errors.Is(err, ErrCounterpartNotAssigned):
		return ReasonCounterpartPending
	case errors.Is(err, ErrRoomUnavailable):
		return ReasonAwaitCounterpart
	case errors.Is(err, ErrLoadFailed):
		return ReasonLoadFailed
	default:
		return ReasonGenericFailure
	}
}

const (
	ErrorCategoryAPI     = "api"
	ErrorCategoryNetwork = "network"
	ErrorCategoryStorage = "storage"
	ErrorCategoryCrypto  = "crypto"
)

type CategorizedError struct {
	Category string
	Err      error
}

func (e *CategorizedError) Error() string {
	return e.Err.Error()
}

func (e *CategorizedError) Unwrap() error {
	return e.Err
}

func normalizeErrorCategory(category string) string {
	switch strings.ToLower(strings.TrimSpace(category)) {
	case ErrorCategoryNetwork:
		return ErrorCategoryNetwork
	case ErrorCategoryStorage:
		return ErrorCategoryStorage
	case ErrorCategoryCrypto:
		return ErrorCategoryCrypto
	default:
		return ErrorCategoryAPI
	}
}

func WrapCategorizedError(category string, err error) error {
	if err == nil {
		return nil
	}
	var existing *CategorizedError
	if errors.As(err, &existing) {
		return &CategorizedError{
			Category: normalizeErrorCategory(existing.Category),
			Err:      existing.Err,
		}
	}
	return &CategorizedError{
		Category: normalizeErrorCategory(category),
		Err:      err,
	}
}

func ErrorCategory(err error) string {
	var classified *CategorizedError
	if errors.As(err, &classified) {
		return normalizeErrorCategory(classified.Category)
	}
	return ErrorCategoryAPI
}
