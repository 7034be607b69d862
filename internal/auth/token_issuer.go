package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultTokenTTL = time.Hour
)

var (
	// ErrInvalidToken wraps every bearer token rejection.
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrTokenExpired marks a well-formed, correctly signed token past its expiry.
	ErrTokenExpired = errors.New("auth: token expired")
	// ErrTokenSignature marks a token whose signature does not verify.
	ErrTokenSignature = errors.New("auth: token signature invalid")
	// ErrTokenMalformed marks a token that cannot be parsed.
	ErrTokenMalformed = errors.New("auth: token malformed")

	errMissingSigningSecret = errors.New("signing secret must be provided")
	errMissingSubjectClaim  = errors.New("subject claim must be provided")
	errMissingIssuer        = errors.New("issuer must be provided")
	errMissingAudience      = errors.New("audience must be provided")
	errNonPositiveTTL       = errors.New("token ttl must be positive")
)

// TokenIssuerConfig configures the bearer JWT issuer.
type TokenIssuerConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// Claims is the verified identity carried by a bearer token.
type Claims struct {
	SubjectID string
	Role      Role
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// IssuedToken is a signed bearer token and its lifetime.
type IssuedToken struct {
	Value     string
	ExpiresAt time.Time
	ExpiresIn int64
}

type tokenClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// TokenIssuer issues and verifies HS256 bearer tokens.
type TokenIssuer struct {
	signingSecret []byte
	issuer        string
	audience      string
	ttl           time.Duration
	clock         func() time.Time
}

// NewTokenIssuer validates the configuration and constructs a TokenIssuer.
// A zero TTL selects the one hour default.
func NewTokenIssuer(cfg TokenIssuerConfig) (*TokenIssuer, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, errMissingSigningSecret
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		return nil, errMissingIssuer
	}
	audience := strings.TrimSpace(cfg.Audience)
	if audience == "" {
		return nil, errMissingAudience
	}
	ttl := cfg.TokenTTL
	if ttl == 0 {
		ttl = defaultTokenTTL
	}
	if ttl < 0 {
		return nil, errNonPositiveTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &TokenIssuer{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		audience:      audience,
		ttl:           ttl,
		clock:         clock,
	}, nil
}

// Issue produces a signed token for the subject and role.
func (i *TokenIssuer) Issue(subjectID string, role Role) (IssuedToken, error) {
	subject := strings.TrimSpace(subjectID)
	if subject == "" {
		return IssuedToken{}, errMissingSubjectClaim
	}
	normalizedRole, err := ParseRole(string(role))
	if err != nil {
		return IssuedToken{}, err
	}

	now := i.clock().UTC()
	expiresAt := now.Add(i.ttl).UTC()

	claims := tokenClaims{
		Role: string(normalizedRole),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    i.issuer,
			Audience:  []string{i.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.signingSecret)
	if err != nil {
		return IssuedToken{}, err
	}

	return IssuedToken{
		Value:     signed,
		ExpiresAt: expiresAt,
		ExpiresIn: int64(expiresAt.Sub(now).Seconds()),
	}, nil
}

// Verify checks signature, issuer, audience and expiry and returns the carried identity.
// Every failure wraps ErrInvalidToken; expiry, signature and parse failures also wrap their own sentinel.
func (i *TokenIssuer) Verify(tokenString string) (Claims, error) {
	raw := strings.TrimSpace(tokenString)
	if raw == "" {
		return Claims{}, fmt.Errorf("%w: %w", ErrInvalidToken, ErrTokenMalformed)
	}

	claims := &tokenClaims{}
	_, err := jwt.ParseWithClaims(
		raw,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			return i.signingSecret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(i.audience),
		jwt.WithIssuer(i.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.clock),
	)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return Claims{}, fmt.Errorf("%w: %w", ErrInvalidToken, ErrTokenExpired)
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return Claims{}, fmt.Errorf("%w: %w", ErrInvalidToken, ErrTokenSignature)
		case errors.Is(err, jwt.ErrTokenMalformed):
			return Claims{}, fmt.Errorf("%w: %w", ErrInvalidToken, ErrTokenMalformed)
		default:
			return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
		}
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return Claims{}, fmt.Errorf("%w: %w", ErrInvalidToken, errMissingSubjectClaim)
	}
	role, err := ParseRole(claims.Role)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	verified := Claims{
		SubjectID: claims.Subject,
		Role:      role,
	}
	if claims.IssuedAt != nil {
		verified.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		verified.ExpiresAt = claims.ExpiresAt.Time
	}
	return verified, nil
}
