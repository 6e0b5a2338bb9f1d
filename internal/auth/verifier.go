// Package auth verifies bearer tokens and exposes the identity they carry.
//
// Tokens are RS256 JWTs whose signing keys come from a JWKS endpoint via the
// keyset resolver. Failures are classified into sentinel errors; see errors.go.
package auth

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/osvaldoandrade/codeq/internal/auth/keyset"
)

// KeyResolver resolves an RSA public key by kid.
type KeyResolver interface {
	Resolve(ctx context.Context, kid string) (*rsa.PublicKey, error)
}

// VerifierOptions configures token verification.
type VerifierOptions struct {
	Issuer   string
	Audience string
	// ClockSkew is the leeway applied to exp/nbf/iat checks.
	ClockSkew time.Duration
}

// Verifier checks bearer tokens against a key resolver and issuer/audience
// configuration.
type Verifier struct {
	keys     KeyResolver
	issuer   string
	audience string
	parser   *jwt.Parser
}

// NewVerifier creates a Verifier. issuer and audience must be non-empty.
func NewVerifier(keys KeyResolver, opts VerifierOptions) (*Verifier, error) {
	if keys == nil {
		return nil, errors.New("auth: key resolver is required")
	}
	if opts.Issuer == "" {
		return nil, errors.New("auth: issuer is required")
	}
	if opts.Audience == "" {
		return nil, errors.New("auth: audience is required")
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithLeeway(opts.ClockSkew),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
	)
	return &Verifier{
		keys:     keys,
		issuer:   opts.Issuer,
		audience: opts.Audience,
		parser:   parser,
	}, nil
}

// Verify parses and validates tokenString and returns its claims.
// The returned error is always one of the sentinel classes in errors.go.
func (v *Verifier) Verify(ctx context.Context, tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, fmt.Errorf("%w: empty token", ErrMalformedToken)
	}

	keyfunc := func(token *jwt.Token) (interface{}, error) {
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("%w: missing kid header", ErrMalformedToken)
		}
		return v.keys.Resolve(ctx, kid)
	}

	token, err := v.parser.Parse(tokenString, keyfunc)
	if err != nil {
		return nil, classifyParseError(err)
	}
	if !token.Valid {
		return nil, ErrInvalidSignature
	}

	mapClaims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected claims type", ErrMalformedToken)
	}

	claims := claimsFromMap(mapClaims)
	if claims.Issuer != v.issuer {
		return nil, fmt.Errorf("%w: issuer %q", ErrWrongIssuerOrAudience, claims.Issuer)
	}
	if !slices.Contains(claims.Audience, v.audience) {
		return nil, fmt.Errorf("%w: audience %v", ErrWrongIssuerOrAudience, claims.Audience)
	}
	return claims, nil
}

// RequireScope returns nil when claims carry scope, ErrInsufficientScope
// otherwise.
func RequireScope(claims *Claims, scope string) error {
	if !claims.HasScope(scope) {
		return fmt.Errorf("%w: need %s", ErrInsufficientScope, scope)
	}
	return nil
}

func classifyParseError(err error) error {
	switch {
	case errors.Is(err, ErrMalformedToken):
		return err
	case keyset.IsFetchError(err):
		return fmt.Errorf("%w: %v", ErrKeyUnavailable, err)
	case errors.Is(err, keyset.ErrKeyNotFound):
		// A kid missing even after the resolver's forced refresh may be a
		// freshly rotated key that has not propagated yet.
		return fmt.Errorf("%w: %v", ErrKeyUnavailable, err)
	case errors.Is(err, jwt.ErrTokenMalformed):
		return fmt.Errorf("%w: %v", ErrMalformedToken, err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrExpired
	case errors.Is(err, jwt.ErrTokenNotValidYet), errors.Is(err, jwt.ErrTokenUsedBeforeIssued):
		return ErrNotYetValid
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return ErrInvalidSignature
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return fmt.Errorf("%w: %v", ErrMalformedToken, err)
	default:
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
}

func claimsFromMap(m jwt.MapClaims) *Claims {
	c := &Claims{
		Subject: stringClaim(m, "sub"),
		Email:   stringClaim(m, "email"),
		Issuer:  stringClaim(m, "iss"),
		Raw:     m,
	}

	switch aud := m["aud"].(type) {
	case string:
		c.Audience = []string{aud}
	case []interface{}:
		for _, a := range aud {
			if s, ok := a.(string); ok {
				c.Audience = append(c.Audience, s)
			}
		}
	}

	if exp, ok := m["exp"].(float64); ok {
		c.ExpiresAt = time.Unix(int64(exp), 0)
	}
	if iat, ok := m["iat"].(float64); ok {
		c.IssuedAt = time.Unix(int64(iat), 0)
	}

	if scope, ok := m["scope"].(string); ok {
		c.Scopes = strings.Fields(scope)
	}
	if types, ok := m["eventTypes"].([]interface{}); ok {
		for _, et := range types {
			if s, ok := et.(string); ok {
				c.Commands = append(c.Commands, s)
			}
		}
	}
	return c
}

func stringClaim(m jwt.MapClaims, key string) string {
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}
