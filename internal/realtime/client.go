package realtime

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/aura-learn/liveclass/internal/apperrors"
	"github.com/aura-learn/liveclass/internal/livesession"
)

const (
	pingInterval   = 30 * time.Second
	pongWait       = 60 * time.Second
	writeWait      = 10 * time.Second
	admitTimeout   = 5 * time.Second
	maxMessageSize = 64 << 10
	sendBuffer     = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // origin is enforced by the signaling key
	},
}

// Admitter decides whether a signaling connect attempt is allowed.
type Admitter interface {
	AdmitSignaling(ctx context.Context, sessionID, participantID uuid.UUID, key string) (livesession.SignalingGrant, error)
}

// Client is one signaling connection.
type Client struct {
	SessionID     uuid.UUID
	ParticipantID uuid.UUID
	Role          string

	relay  *Relay
	conn   *websocket.Conn
	send   chan Message
	logger *zap.Logger

	mu       sync.Mutex
	closed   bool
	isRevoke bool
}

func newClient(relay *Relay, conn *websocket.Conn, grant livesession.SignalingGrant, logger *zap.Logger) *Client {
	return &Client{
		SessionID:     grant.SessionID,
		ParticipantID: grant.ParticipantID,
		Role:          grant.Role,
		relay:         relay,
		conn:          conn,
		send:          make(chan Message, sendBuffer),
		logger:        logger,
	}
}

// deliver queues msg without blocking. It reports false when the client is
// closed or its buffer is full.
func (c *Client) deliver(msg Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		c.logger.Warn("signaling send buffer full",
			zap.String("session_id", c.SessionID.String()),
			zap.String("participant_id", c.ParticipantID.String()),
		)
		return false
	}
}

// closeWith sends a final error message and closes the connection.
func (c *Client) closeWith(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- errorMessage(reason):
	default:
	}
	c.closed = true
	close(c.send)
}

// revoke closes the client on behalf of the server. Revoked participants are
// not given a reconnect grace period.
func (c *Client) revoke(reason string) {
	c.mu.Lock()
	c.isRevoke = true
	c.mu.Unlock()
	c.closeWith(reason)
}

func (c *Client) revoked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isRevoke
}

// ServeWs upgrades the request and admits it onto the relay. Query
// parameters: sessionId, participantId, key.
func ServeWs(relay *Relay, admitter Admitter, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID, errS := uuid.Parse(c.Query("sessionId"))
		participantID, errP := uuid.Parse(c.Query("participantId"))
		key := c.Query("key")

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		if errS != nil || errP != nil || key == "" {
			reject(conn, ReasonBadRequest, websocket.ClosePolicyViolation)
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), admitTimeout)
		grant, err := admitter.AdmitSignaling(ctx, sessionID, participantID, key)
		cancel()
		if err != nil {
			reason, code := rejection(err)
			logger.Info("signaling rejected",
				zap.String("session_id", sessionID.String()),
				zap.String("participant_id", participantID.String()),
				zap.String("reason", reason),
				zap.Error(err),
			)
			reject(conn, reason, code)
			return
		}

		client := newClient(relay, conn, grant, logger)
		relay.Register(client)
		client.deliver(Message{Type: TypeConnected, Data: encode(map[string]string{
			"sessionId":     grant.SessionID.String(),
			"participantId": grant.ParticipantID.String(),
			"role":          grant.Role,
		})})
		go client.writePump()
		client.readPump()
	}
}

// rejection maps an admission error to the reason sent to the client and
// the close code. Infrastructure failures ask the client to retry later.
func rejection(err error) (string, int) {
	appErr, ok := apperrors.AsAppError(err)
	switch {
	case ok && appErr.Code == apperrors.ErrCodeSignalingRejected && appErr.Message != "":
		return appErr.Message, websocket.ClosePolicyViolation
	case ok && appErr.Code == apperrors.ErrCodeSignalingRejected:
		return ReasonSignalingRejected, websocket.ClosePolicyViolation
	default:
		return ReasonUnavailable, websocket.CloseTryAgainLater
	}
}

func reject(conn *websocket.Conn, reason string, code int) {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteJSON(errorMessage(reason))
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	_ = conn.Close()
}

func (c *Client) readPump() {
	defer func() {
		c.relay.Deregister(c)
		c.closeWith(ReasonShutdown)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("signaling read failed", zap.Error(err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.handle(msg)
	}
}

func (c *Client) handle(msg Message) {
	if !isRelayed(msg.Type) {
		c.deliver(errorMessage(ReasonUnknownType))
		return
	}
	c.relay.Forward(c, msg)
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
