package api

import (
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/playmatatu/wordduel/internal/admin"
	"github.com/playmatatu/wordduel/internal/api/handlers"
	"github.com/playmatatu/wordduel/internal/config"
	"github.com/playmatatu/wordduel/internal/middleware"
	"github.com/playmatatu/wordduel/internal/ws"
)

// Deps are the services the routes are served from.
type Deps struct {
	Config    *config.Config
	Logger    *logrus.Entry
	Queue     handlers.QueueService
	Matches   handlers.MatchService
	Deposits  handlers.DepositSubmitter
	Jobs      handlers.JobInspector
	Operators admin.Store
	WS        *ws.Handler
	Health    map[string]handlers.Pinger
}

// SetupRoutes configures all API routes.
func SetupRoutes(router *gin.Engine, d Deps) {
	log := d.Logger.WithField("component", "api")

	router.Use(middleware.CORSMiddleware(d.Config, log))

	health := handlers.HealthCheck(d.Health)
	router.GET("/health", health)

	v1 := router.Group("/api/v1")
	v1.GET("/health", health)

	wallet := v1.Group("")
	wallet.Use(middleware.WalletAuth(d.Config.JWTSecret))
	{
		wallet.POST("/queue/join", handlers.JoinQueue(d.Queue, log))
		wallet.DELETE("/queue", handlers.LeaveQueue(d.Queue, log))
		wallet.GET("/queue/status", handlers.QueueStatus(d.Queue, d.Matches, log))

		wallet.GET("/matches/:id", handlers.GetMatch(d.Matches, d.Jobs, log))
		wallet.POST("/matches/:id/deposit", handlers.SubmitDeposit(d.Matches, d.Deposits, log))

		if d.WS != nil {
			wallet.GET("/ws", d.WS.Serve)
		}
	}

	service := v1.Group("/matches")
	service.Use(middleware.GameServiceAuth(d.Config.GameServiceKey))
	service.POST("/:id/outcome", handlers.ReportOutcome(d.Matches, log))

	ops := v1.Group("/admin")
	ops.Use(middleware.OperatorAuth(d.Operators, log))
	{
		ops.GET("/jobs/:kind/dead", handlers.ListDeadJobs(d.Jobs, log))
		ops.POST("/jobs/:kind/:id/retry", handlers.RetryDeadJob(d.Jobs, log))
	}
}
