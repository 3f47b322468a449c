package handlers

import (
	"context"
	"errors"
	"time"

	"chat-gateway/internal/models"
	"chat-gateway/internal/realtime"
	"chat-gateway/internal/services"
	"chat-gateway/internal/utils"

	"github.com/gofiber/websocket/v2"
)

const errNotAuthenticated = "not authenticated"

// HandleMessage decodes one client frame and dispatches it by event name.
// Every event except typing is answered with an ack carrying the client's
// ackId.
func HandleMessage(ctx context.Context, gw *realtime.Gateway, conn *realtime.Connection, msgType int, msg []byte) {
	if msgType != websocket.TextMessage {
		return
	}

	var wsMsg models.WSMessage
	if err := utils.SafeJSONParse(msg, &wsMsg); err != nil || wsMsg.Event == "" {
		conn.Ack(wsMsg.AckID, models.Ack{Error: "invalid frame"})
		return
	}
	gw.Touch(conn)

	if wsMsg.Event == models.EventAuthenticate {
		handleAuthenticate(ctx, gw, conn, &wsMsg)
		return
	}
	if !conn.Authenticated() {
		if wsMsg.Event != models.EventTyping {
			conn.Ack(wsMsg.AckID, models.Ack{Error: errNotAuthenticated})
		}
		return
	}

	switch wsMsg.Event {
	case models.EventSendMessage:
		handleSendMessage(ctx, gw, conn, &wsMsg)
	case models.EventJoinChat:
		handleJoinChat(ctx, gw, conn, &wsMsg)
	case models.EventLeaveChat:
		handleLeaveChat(gw, conn, &wsMsg)
	case models.EventTyping:
		handleTyping(gw, conn, &wsMsg)
	case models.EventMarkMessageRead:
		handleMarkMessageRead(ctx, gw, conn, &wsMsg)
	case models.EventMarkChatRead:
		handleMarkChatRead(ctx, gw, conn, &wsMsg)
	case models.EventEditMessage:
		handleEditMessage(ctx, gw, conn, &wsMsg)
	case models.EventDeleteMessage:
		handleDeleteMessage(ctx, gw, conn, &wsMsg)
	case models.EventSetAutoResponse:
		handleSetAutoResponse(gw, conn, &wsMsg)
	default:
		conn.Ack(wsMsg.AckID, models.Ack{Error: "unknown event " + wsMsg.Event})
	}
}

// ackError turns err into a failed ack. Store failures are logged and
// reported without internals.
func ackError(conn *realtime.Connection, ackID, event string, err error) {
	text := err.Error()
	switch {
	case errors.Is(err, services.ErrNotAuthenticated):
		text = errNotAuthenticated
	case errors.Is(err, services.ErrNotAuthorized):
		text = "not authorized"
	case !realtime.IsClientError(err):
		utils.LogError(err, event)
		text = "internal error"
	}
	conn.Ack(ackID, models.Ack{Error: text})
}

func decode(conn *realtime.Connection, msg *models.WSMessage, v any) bool {
	if err := utils.SafeJSONParse(msg.Data, v); err != nil {
		conn.Ack(msg.AckID, models.Ack{Error: "invalid payload"})
		return false
	}
	return true
}

func handleAuthenticate(ctx context.Context, gw *realtime.Gateway, conn *realtime.Connection, msg *models.WSMessage) {
	if conn.Authenticated() {
		conn.Ack(msg.AckID, models.Ack{Success: true})
		return
	}
	var payload models.AuthenticatePayload
	if !decode(conn, msg, &payload) {
		return
	}
	user, err := gw.Connect(ctx, conn, payload.Token)
	if err != nil {
		// Authentication failures are terminal for the connection.
		conn.Ack(msg.AckID, models.Ack{Error: errNotAuthenticated})
		conn.Close()
		return
	}
	conn.Ack(msg.AckID, models.Ack{Success: true})
	conn.Emit(models.EventConnected, models.ConnectedEvent{ConnID: conn.ID, Authenticated: true, UserID: user.ID})
}

func handleSendMessage(ctx context.Context, gw *realtime.Gateway, conn *realtime.Connection, msg *models.WSMessage) {
	var req models.SendMessageRequest
	if !decode(conn, msg, &req) {
		return
	}
	saved, err := gw.SendMessage(ctx, conn, req)
	if err != nil {
		ackError(conn, msg.AckID, "SendMessage", err)
		return
	}
	conn.Ack(msg.AckID, models.Ack{Success: true, Message: saved})
}

func handleJoinChat(ctx context.Context, gw *realtime.Gateway, conn *realtime.Connection, msg *models.WSMessage) {
	var payload models.ChatPayload
	if !decode(conn, msg, &payload) {
		return
	}
	if err := gw.JoinAndMarkRead(ctx, conn, payload.ChatID); err != nil {
		ackError(conn, msg.AckID, "JoinChat", err)
		return
	}
	conn.Ack(msg.AckID, models.Ack{Success: true})
}

func handleLeaveChat(gw *realtime.Gateway, conn *realtime.Connection, msg *models.WSMessage) {
	var payload models.ChatPayload
	if !decode(conn, msg, &payload) {
		return
	}
	gw.Leave(conn, payload.ChatID)
	conn.Ack(msg.AckID, models.Ack{Success: true})
}

func handleTyping(gw *realtime.Gateway, conn *realtime.Connection, msg *models.WSMessage) {
	var payload models.TypingPayload
	if err := utils.SafeJSONParse(msg.Data, &payload); err != nil {
		return
	}
	gw.Typing(conn, payload.ChatID, payload.IsTyping)
}

func handleMarkMessageRead(ctx context.Context, gw *realtime.Gateway, conn *realtime.Connection, msg *models.WSMessage) {
	var payload models.MessageIDPayload
	if !decode(conn, msg, &payload) {
		return
	}
	if _, err := gw.MarkMessageRead(ctx, conn.UserID(), payload.MessageID); err != nil {
		ackError(conn, msg.AckID, "MarkMessageRead", err)
		return
	}
	conn.Ack(msg.AckID, models.Ack{Success: true})
}

func handleMarkChatRead(ctx context.Context, gw *realtime.Gateway, conn *realtime.Connection, msg *models.WSMessage) {
	var payload models.ChatPayload
	if !decode(conn, msg, &payload) {
		return
	}
	marked, err := gw.MarkChatRead(ctx, conn.UserID(), payload.ChatID)
	if err != nil {
		ackError(conn, msg.AckID, "MarkChatRead", err)
		return
	}
	unread := 0
	conn.Ack(msg.AckID, models.Ack{Success: true, Marked: &marked, Unread: &unread})
}

func handleEditMessage(ctx context.Context, gw *realtime.Gateway, conn *realtime.Connection, msg *models.WSMessage) {
	var payload models.EditMessagePayload
	if !decode(conn, msg, &payload) {
		return
	}
	edited, err := gw.EditMessage(ctx, conn.UserID(), payload.MessageID, payload.Content)
	if err != nil {
		ackError(conn, msg.AckID, "EditMessage", err)
		return
	}
	conn.Ack(msg.AckID, models.Ack{Success: true, Message: edited})
}

func handleDeleteMessage(ctx context.Context, gw *realtime.Gateway, conn *realtime.Connection, msg *models.WSMessage) {
	var payload models.MessageIDPayload
	if !decode(conn, msg, &payload) {
		return
	}
	if err := gw.DeleteMessage(ctx, conn.UserID(), payload.MessageID); err != nil {
		ackError(conn, msg.AckID, "DeleteMessage", err)
		return
	}
	conn.Ack(msg.AckID, models.Ack{Success: true})
}

func handleSetAutoResponse(gw *realtime.Gateway, conn *realtime.Connection, msg *models.WSMessage) {
	var payload models.AutoResponsePayload
	if !decode(conn, msg, &payload) {
		return
	}
	var delay *time.Duration
	if payload.DelayMs != nil {
		if *payload.DelayMs < 0 || *payload.DelayMs > realtime.MaxAutoResponseDelay.Milliseconds() {
			conn.Ack(msg.AckID, models.Ack{Error: "delayMs out of range"})
			return
		}
		d := time.Duration(*payload.DelayMs) * time.Millisecond
		delay = &d
	}
	enabled, d, err := gw.SetAutoResponse(conn, payload.Enabled, delay)
	if err != nil {
		ackError(conn, msg.AckID, "SetAutoResponse", err)
		return
	}
	delayMs := d.Milliseconds()
	conn.Ack(msg.AckID, models.Ack{Success: true, Enabled: &enabled, DelayMs: &delayMs})
}
