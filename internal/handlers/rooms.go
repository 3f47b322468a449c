package handlers

import (
	"net/http"
	"slices"

	"chat-gateway/internal/models"
	"chat-gateway/internal/realtime"
	"chat-gateway/internal/services"

	"github.com/gofiber/fiber/v2"
)

// CreateChatHandler creates a group chat. The caller is always a participant
// and live participants are subscribed to the new room.
func CreateChatHandler(chats services.ChatStore, users services.UserStore, gw *realtime.Gateway) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var req models.CreateChatRequest
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "Invalid request")
		}
		me := userID(c)
		participants := slices.Clone(req.Participants)
		if !slices.Contains(participants, me) {
			participants = append(participants, me)
		}
		for _, id := range participants {
			if _, err := users.GetUser(c.UserContext(), id); err != nil {
				return respondError(c, err)
			}
		}

		chat := &models.Chat{Name: req.Name, Type: "group", Participants: participants}
		if err := chats.CreateChat(c.UserContext(), chat); err != nil {
			return respondError(c, err)
		}
		gw.SubscribeParticipants(chat)
		return c.Status(http.StatusCreated).JSON(chat)
	}
}

// CreateDirectChatHandler returns the direct chat between the caller and the
// recipient, creating it on first use.
func CreateDirectChatHandler(chats services.ChatStore, users services.UserStore, gw *realtime.Gateway) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var req models.CreateDirectChatRequest
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "Invalid request")
		}
		me := userID(c)
		if req.RecipientID == 0 || req.RecipientID == me {
			return badRequest(c, "Recipient ID required")
		}
		if _, err := users.GetUser(c.UserContext(), req.RecipientID); err != nil {
			return respondError(c, err)
		}

		chat, created, err := chats.GetOrCreateDirectChat(c.UserContext(), me, req.RecipientID)
		if err != nil {
			return respondError(c, err)
		}
		status := http.StatusOK
		if created {
			gw.SubscribeParticipants(chat)
			status = http.StatusCreated
		}
		return c.Status(status).JSON(models.DirectChatResponse{Chat: chat, Created: created})
	}
}

func ListChatsHandler(chats services.ChatStore) fiber.Handler {
	return func(c *fiber.Ctx) error {
		list, err := chats.ListUserChats(c.UserContext(), userID(c))
		if err != nil {
			return respondError(c, err)
		}
		if list == nil {
			list = []models.Chat{}
		}
		return c.JSON(list)
	}
}

// MarkChatReadHandler marks the whole chat read for the caller.
func MarkChatReadHandler(gw *realtime.Gateway) fiber.Handler {
	return func(c *fiber.Ctx) error {
		chatID := c.Params("chatId")
		marked, err := gw.MarkChatRead(c.UserContext(), userID(c), chatID)
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(fiber.Map{"chatId": chatID, "marked": marked, "unread": 0})
	}
}

func UnreadHandler(gw *realtime.Gateway) fiber.Handler {
	return func(c *fiber.Ctx) error {
		chatID := c.Params("chatId")
		n, err := gw.Unread(c.UserContext(), userID(c), chatID)
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(models.UnreadResponse{ChatID: chatID, Unread: n})
	}
}
