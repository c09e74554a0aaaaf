package middleware

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/playmatatu/wordduel/internal/admin"
)

const secret = "test-secret"

func init() {
	gin.SetMode(gin.TestMode)
}

func quietLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func serve(h gin.HandlerFunc, key string, req *http.Request) *httptest.ResponseRecorder {
	r := gin.New()
	r.GET("/x", h, func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString(key))
	})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestWalletToken_RoundTrip(t *testing.T) {
	token, err := IssueWalletToken(secret, "wallet-a", time.Minute)
	require.NoError(t, err)

	wallet, err := ParseWalletToken(secret, token)
	require.NoError(t, err)
	assert.Equal(t, "wallet-a", wallet)

	_, err = ParseWalletToken("other-secret", token)
	assert.Error(t, err)

	expired, err := IssueWalletToken(secret, "wallet-a", -time.Minute)
	require.NoError(t, err)
	_, err = ParseWalletToken(secret, expired)
	assert.Error(t, err)

	empty, err := IssueWalletToken(secret, "", time.Minute)
	require.NoError(t, err)
	_, err = ParseWalletToken(secret, empty)
	assert.Error(t, err)
}

func TestWalletAuth(t *testing.T) {
	token, err := IssueWalletToken(secret, "wallet-a", time.Minute)
	require.NoError(t, err)

	t.Run("bearer header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		w := serve(WalletAuth(secret), WalletKey, req)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "wallet-a", w.Body.String())
	})

	t.Run("query param", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/x?token="+token, nil)
		w := serve(WalletAuth(secret), WalletKey, req)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "wallet-a", w.Body.String())
	})

	t.Run("missing", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		w := serve(WalletAuth(secret), WalletKey, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("garbage", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		req.Header.Set("Authorization", "Bearer not-a-jwt")
		w := serve(WalletAuth(secret), WalletKey, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestGameServiceAuth(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("X-Game-Service-Key", "k1")
	assert.Equal(t, http.StatusOK, serve(GameServiceAuth("k1"), "", req).Code)

	req = httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("X-Game-Service-Key", "k2")
	assert.Equal(t, http.StatusUnauthorized, serve(GameServiceAuth("k1"), "", req).Code)

	// An unset key never admits anyone.
	req = httptest.NewRequest(http.MethodGet, "/x", nil)
	assert.Equal(t, http.StatusUnauthorized, serve(GameServiceAuth(""), "", req).Code)
}

func TestOperatorAuth(t *testing.T) {
	store := admin.NewMemoryStore()
	require.NoError(t, admin.CreateOperator(context.Background(), store, "ops", "long-enough-token"))
	h := OperatorAuth(store, quietLogger())

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("X-Operator", "ops")
	req.Header.Set("Authorization", "Bearer long-enough-token")
	w := serve(h, OperatorKey, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ops", w.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("X-Operator", "ops")
	req.Header.Set("Authorization", "Bearer wrong-token-value")
	assert.Equal(t, http.StatusUnauthorized, serve(h, OperatorKey, req).Code)

	req = httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Authorization", "Bearer long-enough-token")
	assert.Equal(t, http.StatusUnauthorized, serve(h, OperatorKey, req).Code)
}
