package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/playmatatu/wordduel/internal/game"
)

// Gateway is the HTTP client for the custody gateway.
type Gateway struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	log        *logrus.Entry
}

// NewGateway creates a gateway client. timeout bounds every request on top of
// the caller's context.
func NewGateway(baseURL, apiKey string, timeout time.Duration, logger *logrus.Entry) *Gateway {
	return &Gateway{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		log:        logger.WithField("component", "chain"),
	}
}

type verifyRequest struct {
	MatchID string `json:"match_id"`
	Wallet  string `json:"wallet"`
	Proof   string `json:"proof"`
}

type broadcastRequest struct {
	MatchID string        `json:"match_id"`
	Outcome *game.Outcome `json:"outcome,omitempty"`
}

type broadcastResponse struct {
	TxRef string `json:"tx_ref"`
}

func (g *Gateway) VerifyDeposit(ctx context.Context, matchID, wallet, proof string) (Verification, error) {
	var v Verification
	err := g.post(ctx, "verify", "/deposits/verify", "verify:"+matchID+":"+wallet,
		verifyRequest{MatchID: matchID, Wallet: wallet, Proof: proof}, &v)
	return v, err
}

func (g *Gateway) BroadcastPayout(ctx context.Context, matchID string, outcome game.Outcome) (TxRef, error) {
	var resp broadcastResponse
	if err := g.post(ctx, "payout", "/payouts", "payout:"+matchID,
		broadcastRequest{MatchID: matchID, Outcome: &outcome}, &resp); err != nil {
		return "", err
	}
	if resp.TxRef == "" {
		return "", fmt.Errorf("chain gateway payout: empty tx_ref")
	}
	return TxRef(resp.TxRef), nil
}

func (g *Gateway) BroadcastRefund(ctx context.Context, matchID string) (TxRef, error) {
	var resp broadcastResponse
	if err := g.post(ctx, "refund", "/refunds", "refund:"+matchID,
		broadcastRequest{MatchID: matchID}, &resp); err != nil {
		return "", err
	}
	if resp.TxRef == "" {
		return "", fmt.Errorf("chain gateway refund: empty tx_ref")
	}
	return TxRef(resp.TxRef), nil
}

func (g *Gateway) post(ctx context.Context, op, path, idempotencyKey string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey)
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	start := time.Now()
	resp, err := g.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("chain gateway %s request failed: %w", op, err)
	}
	defer resp.Body.Close()

	g.log.WithFields(logrus.Fields{
		"op": op, "status": resp.StatusCode, "elapsed": time.Since(start).String(),
	}).Debug("chain gateway call")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", op, err)
	}
	return nil
}
