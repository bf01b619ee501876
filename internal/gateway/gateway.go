// Package gateway bridges websocket clients to live auctions: handshake by
// token, init snapshot delivery, inbound bid routing and disconnect
// observation.
package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/jensholdgaard/draft-auction/internal/auction"
	"github.com/jensholdgaard/draft-auction/internal/metrics"
)

// Close codes sent when a handshake is rejected.
const (
	CloseInvalidToken    = 4001
	CloseAuctionNotFound = 4004
)

// Inbound message rate per connection. Bids are human-paced; anything
// faster is a misbehaving client.
const (
	inboundRate  = rate.Limit(10)
	inboundBurst = 20
)

// Handler upgrades HTTP requests to auction websocket sessions.
type Handler struct {
	logger   *slog.Logger
	manager  *auction.Manager
	upgrader websocket.Upgrader
}

// New returns a handler serving GET /auction/{token}. allowedOrigins limits
// browser connections; empty or "*" allows any origin.
func New(logger *slog.Logger, manager *auction.Manager, allowedOrigins []string) *Handler {
	h := &Handler{
		logger:  logger,
		manager: manager,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	return h
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

// ServeWS handles the websocket handshake for one client. Token resolution
// failures close the socket with a policy code before the message loop.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", slog.Any("error", err))
		return
	}

	binding, ok := h.manager.TokenInfo(token)
	if !ok {
		reject(conn, CloseInvalidToken, "invalid token")
		return
	}
	a, ok := h.manager.GetAuction(binding.AuctionID)
	if !ok {
		reject(conn, CloseAuctionNotFound, "auction not found")
		return
	}

	client := newClient(conn, h.logger)
	identity, err := a.Join(token, client)
	if err != nil {
		switch err {
		case auction.ErrAlreadyConnected:
			reject(conn, CloseInvalidToken, "already connected")
		case auction.ErrUnknownToken:
			reject(conn, CloseInvalidToken, "invalid token")
		default:
			reject(conn, websocket.CloseInternalServerErr, "join failed")
		}
		return
	}

	metrics.ClientsConnected.Inc()
	go client.writePump()
	h.readLoop(a, token, identity, client)
}

// reject closes a freshly upgraded connection with a policy code and
// reason, without entering the message loop.
func reject(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(writeWait)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline)
	conn.Close()
}

// readLoop consumes inbound frames until the peer goes away, routing bids
// into the auction. Errors from a client's own commands go back to that
// client only.
func (h *Handler) readLoop(a *auction.Auction, token string, identity auction.Identity, client *Client) {
	defer func() {
		a.Leave(client.ID())
		client.Close()
		metrics.ClientsConnected.Dec()
	}()

	conn := client.conn
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	limiter := rate.NewLimiter(inboundRate, inboundBurst)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn("websocket read failed",
					slog.String("auction_id", a.ID),
					slog.Int64("user_id", identity.UserID),
					slog.Any("error", err),
				)
			}
			return
		}

		if !limiter.Allow() {
			h.sendError(client, "rate limit exceeded")
			continue
		}

		var env auction.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			h.sendError(client, "malformed message")
			continue
		}

		switch env.Type {
		case auction.MessagePlaceBid:
			var bid auction.PlaceBidData
			if err := json.Unmarshal(env.Data, &bid); err != nil {
				h.sendError(client, "malformed message")
				continue
			}
			if err := a.PlaceBid(token, bid.Amount); err != nil {
				h.sendError(client, err.Error())
			}
		default:
			h.sendError(client, "unknown message type")
		}
	}
}

func (h *Handler) sendError(client *Client, reason string) {
	msg := auction.Message{Type: auction.MessageError, Data: auction.ErrorData{Error: reason}}
	frame, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if err := client.Send(frame); err != nil {
		client.Close()
	}
}
