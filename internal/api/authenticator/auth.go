package authenticator

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/helmsman-ops/helmsman/internal/config"
)

// Claims is the verified identity attached to a request. Subject carries the
// user id.
type Claims struct {
	UserID string `json:"sub"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// Authenticator verifies bearer tokens. When no JWT_SECRET is configured the
// server runs open; every request is anonymous.
type Authenticator struct {
	secret      []byte
	authEnabled bool
}

func New(conf *config.Config) (*Authenticator, error) {
	if conf.JWT_SECRET == "" {
		return &Authenticator{authEnabled: false}, nil
	}

	return &Authenticator{
		secret:      []byte(conf.JWT_SECRET),
		authEnabled: true,
	}, nil
}

func (a *Authenticator) AuthEnabled() bool {
	return a.authEnabled
}

// VerifyAccessToken validates an HS256 bearer token and returns its claims.
func (a *Authenticator) VerifyAccessToken(ctx context.Context, token string) (*Claims, error) {
	claims := &Claims{}

	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.UserID == "" {
		return nil, errors.New("token has no subject")
	}

	return claims, nil
}

// IssueAccessToken mints a token for a user. Used by tests and by operators
// bootstrapping API access.
func (a *Authenticator) IssueAccessToken(userID, role string, ttl time.Duration) (string, error) {
	if !a.authEnabled {
		return "", errors.New("auth is disabled")
	}

	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		UserID: userID,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})

	return token.SignedString(a.secret)
}
