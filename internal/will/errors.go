package will

import "errors"

// Error categories. Every variant below matches exactly one of them with
// errors.Is, so callers can branch on the category without listing variants.
var (
	ErrDecode     = errors.New("malformed will datum")
	ErrValidation = errors.New("invalid will")
	ErrClaim      = errors.New("claim rejected")
)

var (
	ErrArityMismatch       = kindError(ErrValidation, "beneficiaries and shares must be non-empty and of equal length")
	ErrNonPositiveShare    = kindError(ErrValidation, "every share must be greater than zero")
	ErrLockedValueMismatch = kindError(ErrValidation, "locked value must equal the sum of shares")
	ErrShareOverflow       = kindError(ErrValidation, "sum of shares overflows")
)

var (
	ErrTooEarly                = kindError(ErrClaim, "unlock time not reached")
	ErrAlreadySettled          = kindError(ErrClaim, "will already settled")
	ErrPartialClaimsDisabled   = kindError(ErrClaim, "partial claims are disabled for this will")
	ErrUnauthorized            = kindError(ErrClaim, "claimant is not a beneficiary")
	ErrInvalidAmount           = kindError(ErrClaim, "claim amount must be greater than zero")
	ErrExceedsEntitlement      = kindError(ErrClaim, "claim amount exceeds the beneficiary share")
	ErrInsufficientLockedValue = kindError(ErrClaim, "claim amount exceeds the locked value")
	ErrMissingSignatures       = kindError(ErrClaim, "settlement requires every beneficiary")
)

type categorized struct {
	category error
	msg      string
}

func kindError(category error, msg string) error {
	return &categorized{category: category, msg: msg}
}

func (e *categorized) Error() string { return e.msg }

func (e *categorized) Is(target error) bool { return target == e.category }
