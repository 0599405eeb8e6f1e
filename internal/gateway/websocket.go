// ABOUTME: Websocket endpoint binding one connection to a user and a session
// ABOUTME: Registers on accept and always unregisters on exit, including after a panic

package gateway

import (
	"context"
	"errors"
	"net/http"
	"runtime/debug"
	"strconv"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/2389/chat-gateway/internal/session"
	"github.com/2389/chat-gateway/internal/store"
)

// StatusUserNotFound closes a websocket opened for an unknown user.
const StatusUserNotFound websocket.StatusCode = 4004

// wsConn adapts a websocket to session.Transport and registry.Conn.
// Writes may come from the session and from fan-out concurrently.
type wsConn struct {
	id   string
	conn *websocket.Conn
}

func newWSConn(conn *websocket.Conn) *wsConn {
	return &wsConn{id: uuid.NewString(), conn: conn}
}

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	return data, err
}

func (c *wsConn) Send(ctx context.Context, msg any) error {
	return wsjson.Write(ctx, c.conn, msg)
}

// handleWebSocket handles GET /ws/{user_id}.
func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(r.PathValue("user_id"), 10, 64)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid user_id")
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: g.config.Session.AllowedOrigins,
	})
	if err != nil {
		g.metrics.Connection("rejected")
		g.logger.Warn("websocket accept failed", "user_id", userID, "error", err)
		return
	}
	if limit := g.config.Session.ReadLimit; limit > 0 {
		conn.SetReadLimit(limit)
	}

	user, err := g.store.GetUser(r.Context(), userID)
	if err != nil {
		g.metrics.Connection("rejected")
		if errors.Is(err, store.ErrNotFound) {
			g.logger.Info("websocket rejected: unknown user", "user_id", userID)
			_ = conn.Close(StatusUserNotFound, "User not found")
			return
		}
		g.logger.Error("websocket user lookup failed", "user_id", userID, "error", err)
		_ = conn.Close(websocket.StatusInternalError, "internal error")
		return
	}

	ws := newWSConn(conn)
	err = g.serveSession(r.Context(), user, ws)
	if errors.Is(err, errShuttingDown) {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	if err != nil && !closedNormally(err) {
		g.logger.Debug("session ended", "user_id", user.ID, "conn_id", ws.ID(), "reason", err)
	}
	_ = conn.Close(websocket.StatusNormalClosure, "")
}

// serveSession runs one session for conn with its registry slot held for
// exactly the session's lifetime. A panic in the session is recovered and
// still releases the slot.
func (g *Gateway) serveSession(ctx context.Context, user *store.User, conn session.Transport) (err error) {
	if !g.trackSession() {
		return errShuttingDown
	}
	defer g.sessions.Done()

	n := g.registry.Register(user.ID, conn)
	g.metrics.Connection("accepted")
	g.logger.Info("=== CLIENT CONNECTED ===",
		"user_id", user.ID,
		"username", user.Username,
		"conn_id", conn.ID(),
		"user_connections", n,
	)

	defer func() {
		if p := recover(); p != nil {
			g.logger.Error("session panic recovered", "user_id", user.ID, "conn_id", conn.ID(), "panic", p, "stack", string(debug.Stack()))
			err = errors.New("session panic")
		}
		remaining := g.registry.Unregister(user.ID, conn)
		g.metrics.Connection("closed")
		g.logger.Info("=== CLIENT DISCONNECTED ===",
			"user_id", user.ID,
			"conn_id", conn.ID(),
			"user_connections", remaining,
		)
	}()

	sess := session.New(user.ID, conn, g.conversation, g.sessionOptions(), g.logger)
	return sess.Run(ctx)
}

var errShuttingDown = errors.New("gateway shutting down")

func closedNormally(err error) bool {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	}
	return errors.Is(err, context.Canceled)
}

// StatusResponse is the JSON response for GET /ws/users/{user_id}/status.
type StatusResponse struct {
	UserID            int64 `json:"user_id"`
	ActiveConnections int   `json:"active_connections"`
	IsOnline          bool  `json:"is_online"`
}

// handleStatus handles GET /ws/users/{user_id}/status. Unknown users are
// reported offline rather than as an error.
func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(r.PathValue("user_id"), 10, 64)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid user_id")
		return
	}

	n := g.registry.Count(userID)
	g.writeJSON(w, http.StatusOK, StatusResponse{
		UserID:            userID,
		ActiveConnections: n,
		IsOnline:          n > 0,
	})
}
