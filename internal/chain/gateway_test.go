package chain

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/playmatatu/wordduel/internal/game"
)

func newTestGateway(t *testing.T, h http.HandlerFunc) *Gateway {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewGateway(srv.URL+"/", "secret", 2*time.Second, logrus.NewEntry(logrus.New()))
}

func TestGateway_VerifyDeposit(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/deposits/verify", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "verify:m1:wallet-a", r.Header.Get("Idempotency-Key"))

		var req verifyRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "0xproof", req.Proof)
		_ = json.NewEncoder(w).Encode(Verification{Confirmed: true, TxRef: "0xdeposit"})
	})

	v, err := g.VerifyDeposit(context.Background(), "m1", "wallet-a", "0xproof")
	require.NoError(t, err)
	assert.True(t, v.Confirmed)
	assert.Equal(t, "0xdeposit", v.TxRef)
}

func TestGateway_BroadcastPayout(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/payouts", r.URL.Path)
		var req broadcastRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.NotNil(t, req.Outcome)
		assert.Equal(t, game.OutcomeDecisiveWin, req.Outcome.Kind)
		assert.Equal(t, "wallet-b", req.Outcome.Winner)
		_ = json.NewEncoder(w).Encode(broadcastResponse{TxRef: "0xpayout"})
	})

	ref, err := g.BroadcastPayout(context.Background(), "m1", game.DecisiveWin("wallet-b"))
	require.NoError(t, err)
	assert.Equal(t, TxRef("0xpayout"), ref)
}

func TestGateway_ErrorClassification(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusBadGateway)
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
		_, _ = w.Write([]byte("upstream down"))
	})

	_, err := g.BroadcastRefund(context.Background(), "m1")
	require.Error(t, err)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "upstream down", se.Body)
	assert.False(t, IsPermanent(err))

	status.Store(http.StatusUnprocessableEntity)
	_, err = g.BroadcastRefund(context.Background(), "m1")
	assert.True(t, IsPermanent(err))
}

func TestGateway_EmptyTxRef(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	})
	_, err := g.BroadcastRefund(context.Background(), "m1")
	assert.Error(t, err)
}

func TestGateway_ContextTimeout(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := g.BroadcastPayout(ctx, "m1", game.WinningTie())
	require.Error(t, err)
	assert.False(t, IsPermanent(err))
}

func TestMock(t *testing.T) {
	m := NewMock()
	v, err := m.VerifyDeposit(context.Background(), "m1", "a", "")
	require.NoError(t, err)
	assert.False(t, v.Confirmed)

	ref, err := m.BroadcastPayout(context.Background(), "m1", game.WinningTie())
	require.NoError(t, err)
	assert.NotEmpty(t, ref)

	verifies, payouts, refunds := m.Calls()
	assert.Equal(t, int64(1), verifies)
	assert.Equal(t, int64(1), payouts)
	assert.Equal(t, int64(0), refunds)
}
