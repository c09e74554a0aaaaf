// Package handlers holds the gin handlers of the public API.
package handlers

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/playmatatu/wordduel/internal/apierror"
	"github.com/playmatatu/wordduel/internal/game"
	"github.com/playmatatu/wordduel/internal/matchmaking"
	"github.com/playmatatu/wordduel/internal/middleware"
	"github.com/playmatatu/wordduel/internal/settlement"
)

// QueueService is the matchmaking surface the API uses.
type QueueService interface {
	Join(ctx context.Context, wallet, tier string) (*matchmaking.JoinResult, error)
	Leave(ctx context.Context, wallet string) (bool, error)
	Position(ctx context.Context, wallet string) (string, int64, error)
	Depths(ctx context.Context) (map[string]int64, error)
	Tiers() []string
}

// MatchService is the lifecycle surface the API uses.
type MatchService interface {
	Get(ctx context.Context, id string) (*game.Match, error)
	FindByWallet(ctx context.Context, wallet string) (*game.Match, error)
	AttachOutcome(ctx context.Context, id string, outcome game.Outcome) (*game.Match, error)
}

// DepositSubmitter queues deposit proofs for verification.
type DepositSubmitter interface {
	SubmitDepositProof(ctx context.Context, matchID, wallet, proof string) (settlement.EnqueueResult, error)
}

// JobInspector reads and retries settlement jobs.
type JobInspector interface {
	Status(ctx context.Context, kind settlement.Kind, matchID string, wallets ...string) ([]settlement.JobStatus, error)
	ListDead(ctx context.Context, kind settlement.Kind) ([]settlement.JobStatus, error)
	RetryDead(ctx context.Context, kind settlement.Kind, id string) error
}

// respondError writes the mapped error response. Server-side failures are
// logged with the request path.
func respondError(c *gin.Context, log *logrus.Entry, err error) {
	status, body := apierror.From(err)
	if status >= 500 {
		log.WithError(err).WithFields(logrus.Fields{"path": c.FullPath(), "code": body.Code}).Error("request failed")
	}
	c.AbortWithStatusJSON(status, body)
}

func walletOf(c *gin.Context) string {
	return c.GetString(middleware.WalletKey)
}
