package middleware

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v4"
	"github.com/sirupsen/logrus"

	"github.com/playmatatu/wordduel/internal/admin"
)

// Context keys set by the auth middlewares.
const (
	WalletKey   = "wallet"
	OperatorKey = "operator"
)

// IssueWalletToken signs an HS256 token carrying the wallet claim.
func IssueWalletToken(secret, wallet string, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"wallet": wallet,
		"iat":    time.Now().Unix(),
		"exp":    time.Now().Add(ttl).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// ParseWalletToken validates token and returns its wallet claim.
func ParseWalletToken(secret, token string) (string, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(secret), nil
	})
	if err != nil || !parsed.Valid {
		return "", errors.New("invalid token")
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return "", errors.New("invalid claims")
	}
	wallet, _ := claims["wallet"].(string)
	if wallet == "" {
		return "", errors.New("token has no wallet")
	}
	return wallet, nil
}

func bearer(c *gin.Context) string {
	h := c.GetHeader("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return ""
}

// WalletAuth requires a wallet bearer token. Browsers cannot set headers on
// WebSocket upgrades, so the token may also come in the token query param.
func WalletAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearer(c)
		if token == "" {
			token = c.Query("token")
		}
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
			return
		}
		wallet, err := ParseWalletToken(secret, token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set(WalletKey, wallet)
		c.Next()
	}
}

// GameServiceAuth admits the game service that reports outcomes.
func GameServiceAuth(key string) gin.HandlerFunc {
	return func(c *gin.Context) {
		got := c.GetHeader("X-Game-Service-Key")
		if key == "" || subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

// OperatorAuth admits operators presenting X-Operator and a bearer token.
func OperatorAuth(store admin.Store, logger *logrus.Entry) gin.HandlerFunc {
	log := logger.WithField("component", "admin")
	return func(c *gin.Context) {
		name := c.GetHeader("X-Operator")
		token := bearer(c)
		if name == "" || token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "operator credentials required"})
			return
		}
		op, err := admin.Authenticate(c.Request.Context(), store, name, token)
		if err != nil {
			log.WithFields(logrus.Fields{"operator": name, "ip": c.ClientIP()}).WithError(err).Warn("operator authentication failed")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid operator credentials"})
			return
		}
		c.Set(OperatorKey, op.Name)
		log.WithFields(logrus.Fields{"operator": op.Name, "route": c.FullPath(), "ip": c.ClientIP()}).Info("operator request")
		c.Next()
	}
}
