package handlers

import (
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/pingline/pingline-backend/internal/httpx"
	"github.com/pingline/pingline-backend/internal/service"
)

type PresenceHandler struct {
	presence *service.PresenceService
}

func NewPresenceHandler(presence *service.PresenceService) *PresenceHandler {
	return &PresenceHandler{presence: presence}
}

// GetPresence tells whether a user has any live connection and when they
// were last seen.
func (h *PresenceHandler) GetPresence(c *fiber.Ctx) error {
	if _, err := httpx.LocalUint(c, "userID"); err != nil {
		return httpx.Unauthorized(c, "unauthorized", "Unauthorized")
	}

	targetID, err := strconv.ParseUint(c.Params("user_id"), 10, 32)
	if err != nil {
		return httpx.BadRequest(c, "invalid_user_id", "Invalid user id")
	}

	snapshot, err := h.presence.Get(uint(targetID))
	if err != nil {
		return httpx.Internal(c, "presence_lookup_failed")
	}

	// The durable row can lag a just-opened connection; the live check wins.
	return c.JSON(fiber.Map{
		"user_id":   uint(targetID),
		"is_online": h.presence.IsOnline(uint(targetID)),
		"last_seen": snapshot.LastSeen,
	})
}
