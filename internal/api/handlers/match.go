package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/sirupsen/logrus"

	"github.com/playmatatu/wordduel/internal/apierror"
	"github.com/playmatatu/wordduel/internal/game"
	"github.com/playmatatu/wordduel/internal/settlement"
)

// awaitingMoney reports whether a payout or refund is still owed for m.
func awaitingMoney(m *game.Match) bool {
	switch m.State {
	case game.StateActive:
		return m.Outcome != nil
	case game.StateCancelled:
		return m.DepositCount() > 0 && m.SettlementTx == ""
	}
	return false
}

// GetMatch handles GET /matches/:id for the match's players. When the
// match's payout or refund has exhausted its retries the match is returned
// with 202 and a pending notice.
func GetMatch(matches MatchService, jobs JobInspector, logger *logrus.Entry) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		m, err := matches.Get(ctx, c.Param("id"))
		if err != nil {
			respondError(c, logger, err)
			return
		}
		if !m.IsPlayer(walletOf(c)) {
			respondError(c, logger, game.ErrNotAPlayer)
			return
		}

		if awaitingMoney(m) && jobs != nil {
			statuses, err := jobs.Status(ctx, settlement.KindPayout, m.ID)
			if err != nil {
				logger.WithError(err).WithField("match_id", m.ID).Warn("failed to read settlement status")
			}
			for _, s := range statuses {
				if s.State == "archived" {
					status, body := apierror.From(settlement.ErrExhaustedRetries)
					c.JSON(status, gin.H{"match": m, "settlement": body})
					return
				}
			}
		}
		c.JSON(http.StatusOK, gin.H{"match": m})
	}
}

type depositRequest struct {
	Proof string `json:"proof"`
}

func (r depositRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Proof, validation.Required, validation.Length(1, 256)),
	)
}

// SubmitDeposit handles POST /matches/:id/deposit. Verification runs in the
// background; the result arrives as a deposit_confirmed or deposit_rejected
// event.
func SubmitDeposit(matches MatchService, deposits DepositSubmitter, logger *logrus.Entry) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req depositRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": "invalid_request", "error": "invalid JSON body"})
			return
		}
		if err := req.Validate(); err != nil {
			respondError(c, logger, err)
			return
		}

		ctx := c.Request.Context()
		wallet := walletOf(c)
		m, err := matches.Get(ctx, c.Param("id"))
		if err != nil {
			respondError(c, logger, err)
			return
		}
		if !m.IsPlayer(wallet) {
			respondError(c, logger, game.ErrNotAPlayer)
			return
		}
		if m.HasDeposited(wallet) {
			c.JSON(http.StatusOK, gin.H{"status": "confirmed", "match": m})
			return
		}
		if !m.State.AwaitingDeposits() {
			respondError(c, logger, &game.IllegalTransitionError{
				MatchID: m.ID, From: m.State, To: m.State, Reason: "match is not accepting deposits",
			})
			return
		}

		res, err := deposits.SubmitDepositProof(ctx, m.ID, wallet, req.Proof)
		if err != nil {
			respondError(c, logger, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"status": "verifying", "job": res})
	}
}

type outcomeRequest struct {
	Kind   string `json:"kind"`
	Winner string `json:"winner"`
}

func (r outcomeRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Kind, validation.Required, validation.In(
			string(game.OutcomeDecisiveWin), string(game.OutcomeWinningTie), string(game.OutcomeLosingTie),
			string(game.OutcomeTimeout), string(game.OutcomeError),
		)),
		validation.Field(&r.Winner, validation.When(r.Kind == string(game.OutcomeDecisiveWin), validation.Required)),
	)
}

// ReportOutcome handles POST /matches/:id/outcome from the game service.
func ReportOutcome(matches MatchService, logger *logrus.Entry) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req outcomeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": "invalid_request", "error": "invalid JSON body"})
			return
		}
		if err := req.Validate(); err != nil {
			respondError(c, logger, err)
			return
		}
		outcome, err := game.ParseOutcome(req.Kind, req.Winner)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": "invalid_request", "error": err.Error()})
			return
		}

		m, err := matches.AttachOutcome(c.Request.Context(), c.Param("id"), outcome)
		if err != nil {
			respondError(c, logger, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"status": "settling", "match": m})
	}
}
