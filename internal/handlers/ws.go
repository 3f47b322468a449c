package handlers

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"chat-gateway/internal/models"
	"chat-gateway/internal/realtime"
	"chat-gateway/internal/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// WSConfig tunes the socket transport.
type WSConfig struct {
	HandshakeTimeout time.Duration
	MaxMessageSize   int64
	Logger           *slog.Logger
}

// WSUpgradeMiddleware upgrades the connection to WebSocket
func WSUpgradeMiddleware(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		c.Locals("allowed", true)
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// bearerToken reads the token from the `access_token` query param or the
// Authorization header.
func bearerToken(c *fiber.Ctx) string {
	if token := c.Query("access_token"); token != "" {
		return token
	}
	authHeader := c.Get("Authorization")
	if len(authHeader) > 7 && strings.EqualFold(authHeader[:7], "Bearer ") {
		return strings.TrimSpace(authHeader[7:])
	}
	return ""
}

// AuthMiddleware requires a valid bearer token and stores the user in locals.
func AuthMiddleware(auth realtime.Authenticator) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token := bearerToken(c)
		if token == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "missing token"})
		}
		return authenticateRequest(c, auth, token)
	}
}

// SocketAuthMiddleware validates a token sent with the upgrade request. A
// request without one is let through and must authenticate over the socket.
func SocketAuthMiddleware(auth realtime.Authenticator) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token := bearerToken(c)
		if token == "" {
			return c.Next()
		}
		return authenticateRequest(c, auth, token)
	}
}

func authenticateRequest(c *fiber.Ctx, auth realtime.Authenticator, token string) error {
	user, err := auth.Authenticate(c.UserContext(), token)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid token"})
	}
	c.Locals("user", user)
	c.Locals("user_id", user.ID)
	c.Locals("username", user.Username)
	return c.Next()
}

// WebSocketHandler runs one socket session: it registers the connection with
// the gateway, pumps queued frames out and dispatches client events in.
func WebSocketHandler(gw *realtime.Gateway, cfg WSConfig) fiber.Handler {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	return websocket.New(func(c *websocket.Conn) {
		conn := gw.Accept("websocket", c.RemoteAddr().String())
		ctx, cancel := context.WithCancel(context.Background())

		pumpDone := make(chan struct{})
		go func() {
			defer close(pumpDone)
			writePump(c, conn, log)
		}()

		defer func() {
			cancel()
			gw.Disconnect(context.Background(), conn)
			// The fiber conn is recycled once this handler returns.
			<-pumpDone
		}()

		if cfg.MaxMessageSize > 0 {
			c.SetReadLimit(cfg.MaxMessageSize)
		}
		_ = c.SetReadDeadline(time.Now().Add(pongWait))
		c.SetPongHandler(func(string) error {
			return c.SetReadDeadline(time.Now().Add(pongWait))
		})

		user, _ := c.Locals("user").(*models.User)
		hello := models.ConnectedEvent{ConnID: conn.ID}
		if user != nil {
			hello.Authenticated = true
			hello.UserID = user.ID
		}
		conn.Emit(models.EventConnected, hello)

		if user != nil {
			if err := gw.Attach(ctx, conn, user); err != nil {
				return
			}
		} else {
			handshake := time.AfterFunc(cfg.HandshakeTimeout, func() {
				if conn.CloseIfUnauthenticated() {
					gw.HandshakeTimedOut(conn)
				}
			})
			defer handshake.Stop()
		}

		for {
			msgType, msg, err := c.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) && !conn.Closed() {
					log.Warn("websocket read failed", "conn_id", conn.ID, "error", err)
				}
				break
			}
			if conn.Closed() {
				break
			}
			HandleMessage(ctx, gw, conn, msgType, msg)
		}
	})
}

// writePump is the only writer on c. It exits, closing the socket, once the
// connection is torn down or a write fails.
func writePump(c *websocket.Conn, conn *realtime.Connection, log *slog.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
		_ = c.Close()
	}()

	for {
		select {
		case frame := <-conn.Send():
			if !writeFrame(c, frame) {
				return
			}
		case <-ticker.C:
			_ = c.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-conn.Done():
			// Flush what was queued before teardown, such as a final ack.
			if !flushQueued(c, conn) {
				return
			}
			_ = c.SetWriteDeadline(time.Now().Add(writeWait))
			err := c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			if err != nil {
				log.Debug("write close frame", "conn_id", conn.ID, "error", err)
			}
			return
		}
	}
}

func flushQueued(c *websocket.Conn, conn *realtime.Connection) bool {
	for {
		select {
		case frame := <-conn.Send():
			if !writeFrame(c, frame) {
				return false
			}
		default:
			return true
		}
	}
}

func writeFrame(c *websocket.Conn, frame []byte) bool {
	_ = c.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.WriteMessage(websocket.TextMessage, frame); err != nil {
		utils.LogError(err, "WriteMessage")
		return false
	}
	return true
}
