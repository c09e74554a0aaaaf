// Package ws fans lifecycle events out to connected wallets over WebSocket.
package ws

import (
	"encoding/json"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/playmatatu/wordduel/internal/notify"
)

// Hub tracks live connections by connection id and indexes them by wallet
// and by the match they watch.
type Hub struct {
	mu       sync.RWMutex
	clients  map[string]*Client
	byWallet map[string]map[string]*Client
	byMatch  map[string]map[string]*Client
	log      *logrus.Entry
}

func NewHub(logger *logrus.Entry) *Hub {
	return &Hub{
		clients:  make(map[string]*Client),
		byWallet: make(map[string]map[string]*Client),
		byMatch:  make(map[string]map[string]*Client),
		log:      logger.WithField("component", "ws"),
	}
}

func addTo(index map[string]map[string]*Client, key string, c *Client) {
	if key == "" {
		return
	}
	set, ok := index[key]
	if !ok {
		set = make(map[string]*Client)
		index[key] = set
	}
	set[c.id] = c
}

func removeFrom(index map[string]map[string]*Client, key string, c *Client) {
	set, ok := index[key]
	if !ok {
		return
	}
	delete(set, c.id)
	if len(set) == 0 {
		delete(index, key)
	}
}

// Register adds c. A wallet may hold several connections.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c.id] = c
	addTo(h.byWallet, c.wallet, c)
	addTo(h.byMatch, c.matchID, c)
	h.log.WithFields(logrus.Fields{"conn_id": c.id, "wallet": c.wallet, "match_id": c.matchID}).Debug("client registered")
}

// Unregister removes c and closes its send channel. It is safe to call twice.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c.id]; !ok {
		return
	}
	delete(h.clients, c.id)
	removeFrom(h.byWallet, c.wallet, c)
	removeFrom(h.byMatch, c.matchID, c)
	close(c.send)
}

// Count returns the number of live connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Deliver sends ev to every connection watching its match or owned by one
// of its wallets and returns how many connections it was queued for.
func (h *Hub) Deliver(ev notify.Event) int {
	data, err := json.Marshal(ev)
	if err != nil {
		h.log.WithError(err).Error("failed to marshal event")
		return 0
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	targets := make(map[string]*Client)
	for id, c := range h.byMatch[ev.MatchID] {
		targets[id] = c
	}
	for _, w := range ev.Wallets {
		for id, c := range h.byWallet[w] {
			targets[id] = c
		}
	}

	sent := 0
	for _, c := range targets {
		select {
		case c.send <- data:
			sent++
		default:
			h.log.WithFields(logrus.Fields{"conn_id": c.id, "wallet": c.wallet, "type": ev.Type}).Warn("client send buffer full, dropping event")
		}
	}
	return sent
}
