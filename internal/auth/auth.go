// Package auth issues and verifies the bearer tokens that identify callers.
// Users themselves live in an external service; a token only carries the
// user id.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	svcErr "github.com/oggyb/battle-engine/internal/errors"
)

const issuer = "battle-engine"

// ginUserKey is where the middleware stores the caller id on a gin context.
const ginUserKey = "uid"

type claims struct {
	UserID string `json:"uid"`
	jwt.RegisteredClaims
}

// Tokens signs and parses HS256 tokens with a shared secret.
type Tokens struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewTokens(secret string, ttl time.Duration) *Tokens {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Tokens{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue returns a signed token for userID.
func (t *Tokens) Issue(userID string) (string, error) {
	if userID == "" {
		return "", errors.New("empty user id")
	}
	now := t.now()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    issuer,
		},
	})
	return tok.SignedString(t.secret)
}

// Parse verifies a token and returns the user id it carries.
//
// Behavior:
//   - Only HS256 is accepted.
//   - Expired, malformed and foreign-issuer tokens fail with an
//     unauthenticated error.
func (t *Tokens) Parse(token string) (string, error) {
	tok, err := jwt.ParseWithClaims(token, &claims{}, func(*jwt.Token) (any, error) {
		return t.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil || !tok.Valid {
		return "", svcErr.Unauthenticated("bad token")
	}
	cl, ok := tok.Claims.(*claims)
	if !ok || cl.UserID == "" {
		return "", svcErr.Unauthenticated("bad claims")
	}
	return cl.UserID, nil
}

// BearerToken strips the "Bearer " prefix from an Authorization value.
func BearerToken(header string) string {
	const prefix = "bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}

//
// Context
//

type userKey struct{}

// WithUser returns a context that carries the caller id.
func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userKey{}, userID)
}

// UserFrom returns the caller id, or "" for anonymous callers.
func UserFrom(ctx context.Context) string {
	id, _ := ctx.Value(userKey{}).(string)
	return id
}

//
// Gin
//

// Middleware resolves the caller from the Authorization header, or from the
// "token" query parameter for websocket upgrades that cannot set headers.
// With required=false anonymous requests pass through; a token that is
// present but invalid is always rejected.
func Middleware(tokens *Tokens, required bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := BearerToken(c.GetHeader("Authorization"))
		if raw == "" {
			raw = c.Query("token")
		}
		if raw == "" {
			if required {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "not authorized"})
				return
			}
			c.Next()
			return
		}

		userID, err := tokens.Parse(raw)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "bad token"})
			return
		}

		c.Set(ginUserKey, userID)
		c.Request = c.Request.WithContext(WithUser(c.Request.Context(), userID))
		c.Next()
	}
}

// GinUser returns the caller id set by Middleware, or "".
func GinUser(c *gin.Context) string {
	return c.GetString(ginUserKey)
}
