package middleware

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
)

// JoinClaims are the claims the dashboard embeds in a relay join token.
type JoinClaims struct {
	ParticipantID string `json:"participantId"`
	jwt.RegisteredClaims
}

// JoinTokenValidator checks relay join tokens issued by the dashboard.
type JoinTokenValidator struct {
	secret []byte
}

func NewJoinTokenValidator(secret string) *JoinTokenValidator {
	return &JoinTokenValidator{secret: []byte(secret)}
}

func (v *JoinTokenValidator) Validate(tokenString string) (*JoinClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &JoinClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*JoinClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.ExpiresAt != nil && claims.ExpiresAt.Before(time.Now()) {
		return nil, ErrExpiredToken
	}
	return claims, nil
}

// GenerateJoinToken signs a join token; the dashboard side of the relay
// uses this, and tests mint tokens with it.
func (v *JoinTokenValidator) GenerateJoinToken(participantID string, ttl time.Duration) (string, error) {
	claims := &JoinClaims{
		ParticipantID: participantID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}

// JoinTokenMiddleware guards the relay websocket endpoint. Browsers pass
// the token as a query parameter because websocket upgrades cannot carry
// custom headers; a Bearer header also works for non-browser agents.
func JoinTokenMiddleware(validator *JoinTokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Query("token")
		if token == "" {
			authHeader := c.GetHeader("Authorization")
			parts := strings.Split(authHeader, " ")
			if len(parts) == 2 && parts[0] == "Bearer" {
				token = parts[1]
			}
		}
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "join token required"})
			return
		}

		claims, err := validator.Validate(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}

		c.Set("participant_id", claims.ParticipantID)
		c.Next()
	}
}
