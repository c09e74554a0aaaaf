// Package apierror maps domain errors to HTTP responses.
package apierror

import (
	"errors"
	"net/http"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/playmatatu/wordduel/internal/admin"
	"github.com/playmatatu/wordduel/internal/game"
	"github.com/playmatatu/wordduel/internal/lock"
	"github.com/playmatatu/wordduel/internal/matchmaking"
	"github.com/playmatatu/wordduel/internal/settlement"
)

// Response is the JSON error body.
type Response struct {
	Code    string      `json:"code"`
	Message string      `json:"error"`
	Details interface{} `json:"details,omitempty"`
}

// From classifies err into a status code and body. Internal details of
// unexpected errors are not exposed.
func From(err error) (int, Response) {
	var (
		illegal   *game.IllegalTransitionError
		integrity *game.DataIntegrityError
		vErrs     validation.Errors
	)
	switch {
	case errors.As(err, &vErrs):
		return http.StatusBadRequest, Response{Code: "invalid_request", Message: "invalid request", Details: vErrs}

	case errors.Is(err, lock.ErrBusy):
		return http.StatusConflict, Response{Code: "contention", Message: "busy, try again"}
	case errors.Is(err, lock.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, Response{Code: "unavailable", Message: "temporarily unavailable, try again"}

	case errors.As(err, &integrity):
		return http.StatusInternalServerError, Response{Code: "data_integrity", Message: "match is under manual review"}
	case errors.As(err, &illegal):
		return http.StatusConflict, Response{Code: "illegal_transition", Message: illegal.Error()}
	case errors.Is(err, game.ErrVersionConflict):
		return http.StatusConflict, Response{Code: "conflict", Message: "match changed, try again"}
	case errors.Is(err, game.ErrOutcomeImmutable):
		return http.StatusConflict, Response{Code: "outcome_immutable", Message: err.Error()}
	case errors.Is(err, game.ErrMatchNotFound):
		return http.StatusNotFound, Response{Code: "not_found", Message: "match not found"}
	case errors.Is(err, game.ErrNotAPlayer):
		return http.StatusForbidden, Response{Code: "forbidden", Message: err.Error()}
	case errors.Is(err, game.ErrSelfMatch), errors.Is(err, game.ErrInvalidOutcome):
		return http.StatusBadRequest, Response{Code: "invalid_request", Message: err.Error()}

	case errors.Is(err, matchmaking.ErrUnknownTier), errors.Is(err, matchmaking.ErrInvalidWallet):
		return http.StatusBadRequest, Response{Code: "invalid_request", Message: err.Error()}
	case errors.Is(err, matchmaking.ErrQueuedInOtherTier):
		return http.StatusConflict, Response{Code: "already_queued", Message: err.Error()}
	case errors.Is(err, matchmaking.ErrNotQueued):
		return http.StatusNotFound, Response{Code: "not_queued", Message: err.Error()}

	case errors.Is(err, settlement.ErrExhaustedRetries):
		return http.StatusAccepted, Response{Code: "settlement_pending", Message: "pending, support has been notified"}
	case errors.Is(err, settlement.ErrJobNotFound):
		return http.StatusNotFound, Response{Code: "not_found", Message: "job not found"}

	case errors.Is(err, admin.ErrOperatorNotFound), errors.Is(err, admin.ErrInvalidToken):
		return http.StatusUnauthorized, Response{Code: "unauthorized", Message: "invalid operator credentials"}
	}
	return http.StatusInternalServerError, Response{Code: "internal", Message: "internal error"}
}
