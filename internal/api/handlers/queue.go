package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/sirupsen/logrus"

	"github.com/playmatatu/wordduel/internal/game"
	"github.com/playmatatu/wordduel/internal/matchmaking"
)

type joinRequest struct {
	StakeTier string `json:"stake_tier"`
}

func (r joinRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.StakeTier, validation.Required, validation.Length(1, 32)),
	)
}

// JoinQueue handles POST /queue/join.
func JoinQueue(q QueueService, logger *logrus.Entry) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req joinRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": "invalid_request", "error": "invalid JSON body"})
			return
		}
		if err := req.Validate(); err != nil {
			respondError(c, logger, err)
			return
		}

		res, err := q.Join(c.Request.Context(), walletOf(c), req.StakeTier)
		if err != nil {
			respondError(c, logger, err)
			return
		}
		status := http.StatusAccepted
		if res.Status == matchmaking.StatusPaired {
			status = http.StatusCreated
		}
		c.JSON(status, res)
	}
}

// LeaveQueue handles DELETE /queue.
func LeaveQueue(q QueueService, logger *logrus.Entry) gin.HandlerFunc {
	return func(c *gin.Context) {
		removed, err := q.Leave(c.Request.Context(), walletOf(c))
		if err != nil {
			respondError(c, logger, err)
			return
		}
		if !removed {
			respondError(c, logger, matchmaking.ErrNotQueued)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "left"})
	}
}

// QueueStatus handles GET /queue/status. A wallet already paired gets its
// live match instead of a queue position.
func QueueStatus(q QueueService, matches MatchService, logger *logrus.Entry) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		wallet := walletOf(c)

		depths, err := q.Depths(ctx)
		if err != nil {
			respondError(c, logger, err)
			return
		}

		tier, pos, err := q.Position(ctx, wallet)
		switch {
		case err == nil:
			c.JSON(http.StatusOK, gin.H{"status": matchmaking.StatusWaiting, "stake_tier": tier, "position": pos, "depths": depths})
			return
		case !errors.Is(err, matchmaking.ErrNotQueued):
			respondError(c, logger, err)
			return
		}

		m, err := matches.FindByWallet(ctx, wallet)
		switch {
		case err == nil:
			c.JSON(http.StatusOK, gin.H{"status": matchmaking.StatusPaired, "match_id": m.ID, "match": m, "depths": depths})
		case errors.Is(err, game.ErrMatchNotFound):
			c.JSON(http.StatusOK, gin.H{"status": "idle", "tiers": q.Tiers(), "depths": depths})
		default:
			respondError(c, logger, err)
		}
	}
}
