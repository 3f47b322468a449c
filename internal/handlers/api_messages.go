package handlers

import (
	"net/http"
	"strconv"

	"chat-gateway/internal/models"
	"chat-gateway/internal/realtime"

	"github.com/gofiber/fiber/v2"
)

// PostMessageHandler is the request/response ingress. It goes through the
// same pipeline as the socket sendMessage event.
func PostMessageHandler(gw *realtime.Gateway) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var req models.SendMessageRequest
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "Invalid request")
		}
		if req.ChatID == "" {
			return badRequest(c, "chatId is required")
		}
		msg, err := gw.PostMessage(c.UserContext(), userID(c), req)
		if err != nil {
			return respondError(c, err)
		}
		return c.Status(http.StatusCreated).JSON(msg)
	}
}

// ListChatMessagesHandler returns a page of messages, newest first.
func ListChatMessagesHandler(gw *realtime.Gateway) fiber.Handler {
	return func(c *fiber.Ctx) error {
		page := c.QueryInt("page", 1)
		limit := c.QueryInt("limit", 50)
		res, err := gw.ListMessages(c.UserContext(), userID(c), c.Params("chatId"), page, limit)
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(res)
	}
}

func messageIDParam(c *fiber.Ctx) (int64, bool) {
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	return id, err == nil && id > 0
}

func EditMessageHandler(gw *realtime.Gateway) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id, ok := messageIDParam(c)
		if !ok {
			return badRequest(c, "invalid message id")
		}
		var req models.EditMessageRequest
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "Invalid request")
		}
		msg, err := gw.EditMessage(c.UserContext(), userID(c), id, req.Content)
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(msg)
	}
}

func DeleteMessageHandler(gw *realtime.Gateway) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id, ok := messageIDParam(c)
		if !ok {
			return badRequest(c, "invalid message id")
		}
		if err := gw.DeleteMessage(c.UserContext(), userID(c), id); err != nil {
			return respondError(c, err)
		}
		return c.SendStatus(http.StatusNoContent)
	}
}

// MarkMessageReadHandler adds the caller to a message's read-by set.
func MarkMessageReadHandler(gw *realtime.Gateway) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id, ok := messageIDParam(c)
		if !ok {
			return badRequest(c, "invalid message id")
		}
		readBy, err := gw.MarkMessageRead(c.UserContext(), userID(c), id)
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(fiber.Map{"messageId": id, "readBy": readBy})
	}
}
