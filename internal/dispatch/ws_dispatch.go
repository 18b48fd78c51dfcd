package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/models"
)

const wsWriteWait = 5 * time.Second

// Responder applies a driver's answer to an offer.
type Responder interface {
	AcceptOffer(ctx context.Context, requestID, driverID string) error
	DeclineOffer(ctx context.Context, requestID, driverID string) error
}

// WSMessage is the envelope for both directions of the driver socket.
type WSMessage struct {
	Type      string               `json:"type"` // offer, accept, decline, ack, error
	RequestID string               `json:"request_id,omitempty"`
	Offer     *models.OfferPayload `json:"offer,omitempty"`
	Error     string               `json:"error,omitempty"`
}

// WSSession is a connected driver.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(msg WSMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return s.conn.WriteJSON(msg)
}

// WSRegistry holds one session per driver.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
	logger   *slog.Logger
}

func NewWSRegistry(logger *slog.Logger) *WSRegistry {
	return &WSRegistry{sessions: make(map[string]*WSSession), logger: logger}
}

// Serve registers conn for driverID and reads accept/decline messages until
// the connection drops. A newer connection for the same driver replaces it.
func (r *WSRegistry) Serve(ctx context.Context, driverID string, conn *websocket.Conn, responder Responder) {
	s := &WSSession{conn: conn}
	r.mu.Lock()
	if old, ok := r.sessions[driverID]; ok {
		_ = old.conn.Close()
	}
	r.sessions[driverID] = s
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		if r.sessions[driverID] == s {
			delete(r.sessions, driverID)
		}
		r.mu.Unlock()
		_ = conn.Close()
	}()

	for {
		var msg WSMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				r.logger.Warn("ws read failed", "driver_id", driverID, "error", err)
			}
			return
		}
		var err error
		switch msg.Type {
		case "accept":
			err = responder.AcceptOffer(ctx, msg.RequestID, driverID)
		case "decline":
			err = responder.DeclineOffer(ctx, msg.RequestID, driverID)
		default:
			err = fmt.Errorf("unknown message type %q", msg.Type)
		}
		reply := WSMessage{Type: "ack", RequestID: msg.RequestID}
		if err != nil {
			reply = WSMessage{Type: "error", RequestID: msg.RequestID, Error: err.Error()}
		}
		if err := s.Send(reply); err != nil {
			return
		}
	}
}

func (r *WSRegistry) Connected(driverID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[driverID]
	return ok
}

func (r *WSRegistry) NotifyDriver(_ context.Context, driverID, requestID string, p models.OfferPayload) error {
	r.mu.RLock()
	s, ok := r.sessions[driverID]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("ws %s: %w", driverID, ErrNoSession)
	}
	if err := s.Send(WSMessage{Type: "offer", RequestID: requestID, Offer: &p}); err != nil {
		r.logger.Warn("ws send failed", "driver_id", driverID, "error", err)
		return err
	}
	return nil
}
