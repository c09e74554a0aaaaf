package apierror

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/stretchr/testify/assert"

	"github.com/playmatatu/wordduel/internal/game"
	"github.com/playmatatu/wordduel/internal/lock"
	"github.com/playmatatu/wordduel/internal/matchmaking"
	"github.com/playmatatu/wordduel/internal/settlement"
)

func TestFrom(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"contention", matchmaking.ErrBusy, http.StatusConflict, "contention"},
		{"wrapped lock busy", fmt.Errorf("confirm: %w", lock.ErrBusy), http.StatusConflict, "contention"},
		{"store down", lock.ErrStoreUnavailable, http.StatusServiceUnavailable, "unavailable"},
		{"illegal transition", &game.IllegalTransitionError{MatchID: "m", From: game.StateActive, To: game.StateCancelled}, http.StatusConflict, "illegal_transition"},
		{"integrity", &game.DataIntegrityError{MatchID: "m", Violation: "x"}, http.StatusInternalServerError, "data_integrity"},
		{"not found", game.ErrMatchNotFound, http.StatusNotFound, "not_found"},
		{"not a player", game.ErrNotAPlayer, http.StatusForbidden, "forbidden"},
		{"unknown tier", matchmaking.ErrUnknownTier, http.StatusBadRequest, "invalid_request"},
		{"other tier", matchmaking.ErrQueuedInOtherTier, http.StatusConflict, "already_queued"},
		{"exhausted payout", settlement.ErrExhaustedRetries, http.StatusAccepted, "settlement_pending"},
		{"validation", validation.Errors{"stake_tier": errors.New("cannot be blank")}, http.StatusBadRequest, "invalid_request"},
		{"unexpected", errors.New("boom"), http.StatusInternalServerError, "internal"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := From(tt.err)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.code, body.Code)
		})
	}
}

func TestFrom_HidesInternalDetails(t *testing.T) {
	_, body := From(errors.New("pq: password authentication failed"))
	assert.NotContains(t, body.Message, "pq")
}
