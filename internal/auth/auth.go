package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid token")

const actorContextKey = "auth.actor"

// Actor identifies who is operating a camera or the API, and in which shift.
type Actor struct {
	ID      string
	ShiftID string
}

type actorClaims struct {
	ShiftID string `json:"shift_id,omitempty"`
	// TurnoID is the shift claim issued by older tokens.
	TurnoID any `json:"turno_id,omitempty"`
	jwt.RegisteredClaims
}

// ParseActorToken validates an HS256 token and extracts the actor and shift.
func ParseActorToken(tokenString, secret string) (Actor, error) {
	tokenString = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(tokenString), "Bearer "))
	if tokenString == "" {
		return Actor{}, fmt.Errorf("%w: empty token", ErrInvalidToken)
	}

	var claims actorClaims
	_, err := jwt.ParseWithClaims(tokenString, &claims, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return Actor{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	actor := Actor{ID: claims.Subject, ShiftID: claims.ShiftID}
	if actor.ShiftID == "" {
		actor.ShiftID = legacyShift(claims.TurnoID)
	}
	if actor.ID == "" {
		return Actor{}, fmt.Errorf("%w: missing sub", ErrInvalidToken)
	}
	if actor.ShiftID == "" {
		return Actor{}, fmt.Errorf("%w: missing shift_id", ErrInvalidToken)
	}
	return actor, nil
}

func legacyShift(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return fmt.Sprintf("%d", int64(t))
	default:
		return ""
	}
}

// IssueActorToken signs a token for the actor. A zero ttl means no expiry.
func IssueActorToken(actor Actor, secret string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := actorClaims{
		ShiftID: actor.ShiftID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  actor.ID,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// RequireActor rejects requests without a valid bearer token and stores the
// actor on the gin context.
func RequireActor(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		actor, err := ParseActorToken(header, secret)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Set(actorContextKey, actor)
		c.Next()
	}
}

func ActorFromContext(c *gin.Context) (Actor, bool) {
	v, ok := c.Get(actorContextKey)
	if !ok {
		return Actor{}, false
	}
	actor, ok := v.(Actor)
	return actor, ok
}
