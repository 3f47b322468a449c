package handlers

import (
	"errors"
	"net/http"

	"chat-gateway/internal/services"
	"chat-gateway/internal/utils"

	"github.com/gofiber/fiber/v2"
)

// respondError maps the service error taxonomy onto HTTP statuses.
func respondError(c *fiber.Ctx, err error) error {
	status := http.StatusInternalServerError
	msg := "internal error"
	switch {
	case errors.Is(err, services.ErrNotAuthenticated), errors.Is(err, services.ErrInvalidCredentials):
		status, msg = http.StatusUnauthorized, err.Error()
	case errors.Is(err, services.ErrNotAuthorized):
		status, msg = http.StatusForbidden, "not authorized"
	case errors.Is(err, services.ErrNotFound):
		status, msg = http.StatusNotFound, err.Error()
	case errors.Is(err, services.ErrInvalidMessage):
		status, msg = http.StatusBadRequest, err.Error()
	case errors.Is(err, services.ErrUserExists):
		status, msg = http.StatusConflict, err.Error()
	default:
		utils.LogError(err, c.Method()+" "+c.Path())
	}
	return c.Status(status).JSON(fiber.Map{"error": msg})
}

func badRequest(c *fiber.Ctx, msg string) error {
	return c.Status(http.StatusBadRequest).JSON(fiber.Map{"error": msg})
}

func userID(c *fiber.Ctx) int {
	id, _ := c.Locals("user_id").(int)
	return id
}
