package ws

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/playmatatu/wordduel/internal/game"
)

// MatchReader looks up the match a connection wants to watch.
type MatchReader interface {
	Get(ctx context.Context, id string) (*game.Match, error)
}

// Handler upgrades authenticated requests to event streams.
type Handler struct {
	hub      *Hub
	matches  MatchReader
	upgrader websocket.Upgrader
	log      *logrus.Entry
}

// NewHandler builds a Handler. allowedOrigin empty accepts any origin.
func NewHandler(hub *Hub, matches MatchReader, allowedOrigin string, logger *logrus.Entry) *Handler {
	return &Handler{
		hub:     hub,
		matches: matches,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return allowedOrigin == "" || origin == "" || origin == allowedOrigin
			},
		},
		log: logger.WithField("component", "ws"),
	}
}

// Serve handles GET /ws?match_id=. The wallet comes from the auth
// middleware. Without match_id the connection only receives events that
// name its wallet.
func (h *Handler) Serve(c *gin.Context) {
	wallet := c.GetString("wallet")
	if wallet == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	matchID := c.Query("match_id")
	if matchID != "" {
		m, err := h.matches.Get(c.Request.Context(), matchID)
		switch {
		case errors.Is(err, game.ErrMatchNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "match not found"})
			return
		case err != nil && !game.IsDataIntegrity(err):
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load match"})
			return
		case !m.IsPlayer(wallet):
			c.JSON(http.StatusForbidden, gin.H{"error": "not a player in this match"})
			return
		}
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	client := newClient(conn, wallet, matchID, h.log)
	h.hub.Register(client)
	go client.writePump()
	go client.readPump(h.hub)
}
