package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/playmatatu/wordduel/internal/middleware"
	"github.com/playmatatu/wordduel/internal/settlement"
)

// ListDeadJobs handles GET /admin/jobs/:kind/dead.
func ListDeadJobs(jobs JobInspector, logger *logrus.Entry) gin.HandlerFunc {
	return func(c *gin.Context) {
		kind, err := settlement.ParseKind(c.Param("kind"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": "invalid_request", "error": err.Error()})
			return
		}
		dead, err := jobs.ListDead(c.Request.Context(), kind)
		if err != nil {
			respondError(c, logger, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"kind": kind, "jobs": dead})
	}
}

// RetryDeadJob handles POST /admin/jobs/:kind/:id/retry.
func RetryDeadJob(jobs JobInspector, logger *logrus.Entry) gin.HandlerFunc {
	return func(c *gin.Context) {
		kind, err := settlement.ParseKind(c.Param("kind"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": "invalid_request", "error": err.Error()})
			return
		}
		id := c.Param("id")
		if err := jobs.RetryDead(c.Request.Context(), kind, id); err != nil {
			respondError(c, logger, err)
			return
		}
		logger.WithFields(logrus.Fields{
			"operator": c.GetString(middleware.OperatorKey),
			"job_id":   id,
			"kind":     kind,
		}).Warn("dead settlement job requeued by operator")
		c.JSON(http.StatusAccepted, gin.H{"status": "requeued", "job_id": id})
	}
}
