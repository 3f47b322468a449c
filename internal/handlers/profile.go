package handlers

import (
	"net/http"

	"chat-gateway/internal/models"
	"chat-gateway/internal/realtime"
	"chat-gateway/internal/services"

	"github.com/gofiber/fiber/v2"
)

func RegisterHandler(auth *services.AuthService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var req models.RegisterRequest
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "Invalid request")
		}
		user, err := auth.Register(c.UserContext(), req)
		if err != nil {
			return respondError(c, err)
		}
		return c.Status(http.StatusCreated).JSON(user)
	}
}

func LoginHandler(auth *services.AuthService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var req models.LoginRequest
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "Invalid request")
		}
		res, err := auth.Login(c.UserContext(), req)
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(res)
	}
}

// GetProfileHandler returns the authenticated user with its live status.
func GetProfileHandler(users services.UserStore, gw *realtime.Gateway) fiber.Handler {
	return func(c *fiber.Ctx) error {
		u, err := users.GetUser(c.UserContext(), userID(c))
		if err != nil {
			return respondError(c, err)
		}
		u.Status = gw.Presence(u.ID).Status
		return c.JSON(u)
	}
}

// PresenceHandler reports a user's live presence. Users the gateway does not
// hold a connection for are offline, with the persisted last-seen time.
func PresenceHandler(users services.UserStore, gw *realtime.Gateway) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id, err := c.ParamsInt("userId")
		if err != nil || id == 0 {
			return badRequest(c, "invalid user id")
		}
		entry := gw.Presence(id)
		entry.ConnID = ""
		if entry.Status == models.StatusOffline {
			u, err := users.GetUser(c.UserContext(), id)
			if err != nil {
				return respondError(c, err)
			}
			entry.LastSeen = u.LastSeen
		}
		return c.JSON(entry)
	}
}

func OnlineUsersHandler(gw *realtime.Gateway) fiber.Handler {
	return func(c *fiber.Ctx) error {
		return c.JSON(gw.OnlineUsers())
	}
}
