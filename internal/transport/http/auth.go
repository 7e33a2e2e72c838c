package httptransport

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"medtrace/pkg/domain"
)

// TokenIssuer is the iss claim of every token minted here.
const TokenIssuer = "medtrace"

// ErrInvalidToken is returned for any token that fails verification.
var ErrInvalidToken = errors.New("invalid bearer token")

// Authenticator mints and verifies HS256 bearer tokens. The subject claim is
// the caller identity.
type Authenticator struct {
	signingKey []byte
	now        func() time.Time
}

// NewAuthenticator constructs an Authenticator for signingKey.
func NewAuthenticator(signingKey string) *Authenticator {
	return &Authenticator{signingKey: []byte(signingKey), now: time.Now}
}

// Issue signs a token for identity valid for ttl.
func (a *Authenticator) Issue(identity domain.Identity, ttl time.Duration) (string, error) {
	if identity.IsNull() {
		return "", fmt.Errorf("cannot issue a token for the null identity")
	}
	now := a.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   string(identity),
		Issuer:    TokenIssuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		ID:        uuid.NewString(),
	})
	return token.SignedString(a.signingKey)
}

// Verify parses raw and returns the identity in its subject claim.
func (a *Authenticator) Verify(raw string) (domain.Identity, error) {
	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenUnverifiable
		}
		return a.signingKey, nil
	},
		jwt.WithIssuer(TokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", fmt.Errorf("%w: token has expired", ErrInvalidToken)
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return "", fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return domain.Identity(claims.Subject), nil
}
