package auth

import "errors"

// Verification failures are reported as one of these sentinel errors so
// callers can branch on the class instead of matching message text.
var (
	// ErrMalformedToken means the bearer token could not be parsed at all.
	ErrMalformedToken = errors.New("auth: malformed token")
	// ErrKeyUnavailable means the signing key could not be confirmed: the
	// key set fetch failed, or the token's kid is absent even after a forced
	// refresh. Both may clear once key rotation propagates, so the caller
	// may retry.
	ErrKeyUnavailable = errors.New("auth: signing key unavailable")
	// ErrInvalidSignature means the signature does not verify against the
	// resolved key.
	ErrInvalidSignature = errors.New("auth: invalid signature")
	// ErrExpired means the token's exp is in the past beyond clock skew.
	ErrExpired = errors.New("auth: token expired")
	// ErrNotYetValid means nbf or iat is in the future beyond clock skew.
	ErrNotYetValid = errors.New("auth: token not yet valid")
	// ErrWrongIssuerOrAudience means iss or aud does not match configuration.
	ErrWrongIssuerOrAudience = errors.New("auth: wrong issuer or audience")
	// ErrInsufficientScope means the token verified but lacks a required scope.
	ErrInsufficientScope = errors.New("auth: insufficient scope")
)

// Transient reports whether the failure may clear on retry without a new
// token. Only key-set availability problems qualify.
func Transient(err error) bool {
	return errors.Is(err, ErrKeyUnavailable)
}
