package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/npezzotti/skillswap-chat/internal/database"
)

const (
	DefaultExp     = 24 * time.Hour
	TokenCookieKey = "token"
	TokenQueryKey  = "token"
)

var (
	// ErrAuthRejected covers absent, malformed, expired or badly signed credentials.
	ErrAuthRejected = errors.New("authentication rejected")
	// ErrIdentityGone means the token is valid but its user no longer exists.
	ErrIdentityGone = errors.New("identity no longer exists")
)

// Identity is the authenticated user behind a connection.
type Identity struct {
	UserId    int
	Name      string
	AvatarUrl string
}

type Claims struct {
	UserId int `json:"user-id"`
	jwt.RegisteredClaims
}

type UserGetter interface {
	GetUserById(ctx context.Context, id int) (database.User, error)
}

type Authenticator struct {
	key   []byte
	users UserGetter
}

func NewAuthenticator(key []byte, users UserGetter) *Authenticator {
	return &Authenticator{key: key, users: users}
}

// Authenticate verifies the token and resolves it to the stored user.
func (a *Authenticator) Authenticate(ctx context.Context, tokenString string) (Identity, error) {
	if tokenString == "" {
		return Identity{}, fmt.Errorf("%w: missing token", ErrAuthRejected)
	}

	claims, err := a.verifyToken(tokenString)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %w", ErrAuthRejected, err)
	}

	user, err := a.users.GetUserById(ctx, claims.UserId)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Identity{}, fmt.Errorf("%w: user %d", ErrIdentityGone, claims.UserId)
		}
		return Identity{}, fmt.Errorf("get user: %w", err)
	}

	return Identity{
		UserId:    user.Id,
		Name:      user.Username,
		AvatarUrl: user.AvatarUrl,
	}, nil
}

func (a *Authenticator) verifyToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		return a.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if claims.UserId <= 0 {
		return nil, fmt.Errorf("invalid user id claim")
	}

	return claims, nil
}

// IssueToken signs a token for userId that expires after exp.
func (a *Authenticator) IssueToken(userId int, exp time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		UserId: userId,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(exp)),
		},
	})

	return token.SignedString(a.key)
}

// TokenFromRequest looks for a bearer token in the Authorization header, then
// the token query parameter, then the token cookie.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if scheme, token, ok := strings.Cut(h, " "); ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
	}

	if token := r.URL.Query().Get(TokenQueryKey); token != "" {
		return token
	}

	if c, err := r.Cookie(TokenCookieKey); err == nil {
		return c.Value
	}

	return ""
}

func NewTokenCookie(tokenString string, exp time.Duration) *http.Cookie {
	return &http.Cookie{
		Name:     TokenCookieKey,
		Value:    tokenString,
		Path:     "/",
		Expires:  time.Now().Add(exp),
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	}
}

// UnverifiedUserId reads the user id claim without checking the signature.
// Clients use it to learn their own id; servers must call Authenticate.
func UnverifiedUserId(tokenString string) (int, error) {
	var claims Claims
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, &claims); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrAuthRejected, err)
	}
	if claims.UserId <= 0 {
		return 0, fmt.Errorf("%w: missing user id", ErrAuthRejected)
	}
	return claims.UserId, nil
}
