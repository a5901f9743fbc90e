package handlers

import (
	"context"
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/pingline/pingline-backend/internal/cache"
	"github.com/pingline/pingline-backend/internal/httpx"
	"github.com/pingline/pingline-backend/internal/locking"
	"github.com/pingline/pingline-backend/internal/models"
	"github.com/pingline/pingline-backend/internal/service"
	"github.com/pingline/pingline-backend/internal/status"
)

type MessageHandler struct {
	delivery     *service.DeliveryService
	messages     *service.MessageService
	receipts     *service.ReadReceiptService
	retry        *service.RetryManager
	messageCache *cache.MessageCache
}

func NewMessageHandler(
	delivery *service.DeliveryService,
	messages *service.MessageService,
	receipts *service.ReadReceiptService,
	retry *service.RetryManager,
	messageCache *cache.MessageCache,
) *MessageHandler {
	return &MessageHandler{
		delivery:     delivery,
		messages:     messages,
		receipts:     receipts,
		retry:        retry,
		messageCache: messageCache,
	}
}

type sendMessageInput struct {
	RecipientID uint   `json:"recipient_id"`
	Content     string `json:"content"`
	ClientID    string `json:"client_id"`
}

type fallbackSendResponse struct {
	models.MessageResponse
	Fallback bool `json:"fallback"`
}

// SendMessage is the HTTP fallback send, used when the live socket is
// unavailable. Duplicate client_id returns the original record unchanged.
func (h *MessageHandler) SendMessage(c *fiber.Ctx) error {
	userID, err := httpx.LocalUint(c, "userID")
	if err != nil {
		return httpx.Unauthorized(c, "unauthorized", "Unauthorized")
	}

	var input sendMessageInput
	if err := c.BodyParser(&input); err != nil {
		return httpx.BadRequest(c, "invalid_request_body", "Invalid request body")
	}
	if input.RecipientID == 0 {
		return httpx.BadRequest(c, "missing_recipient", "recipient_id is required")
	}
	if input.ClientID == "" {
		return httpx.BadRequest(c, "missing_client_id", "client_id is required")
	}

	message, err := h.delivery.Send(c.Context(), userID, input.RecipientID, input.Content, input.ClientID)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrEmptyContent):
			return httpx.BadRequest(c, "missing_content", "Content is required")
		case errors.Is(err, service.ErrContentTooLong):
			return httpx.BadRequest(c, "content_too_long", "Content exceeds the maximum message length")
		case errors.Is(err, service.ErrDuplicateDivergent):
			return httpx.Conflict(c, "client_id_conflict", "client_id was already used with different content")
		case errors.Is(err, locking.ErrLockTimeout):
			return httpx.Error(c, fiber.StatusServiceUnavailable, "busy", "Conversation is busy, retry the request")
		default:
			return httpx.Internal(c, "send_message_failed")
		}
	}

	return c.Status(fiber.StatusCreated).JSON(fallbackSendResponse{
		MessageResponse: message.ToResponse(),
		Fallback:        true,
	})
}

// GetMessages returns conversation history oldest-first, via either cursor
// (before_id) or page-numbered pagination.
func (h *MessageHandler) GetMessages(c *fiber.Ctx) error {
	userID, err := httpx.LocalUint(c, "userID")
	if err != nil {
		return httpx.Unauthorized(c, "unauthorized", "Unauthorized")
	}

	peerIDStr := c.Query("peer_id")
	if peerIDStr == "" {
		return httpx.BadRequest(c, "missing_peer", "peer_id is required")
	}
	peerID, err := strconv.ParseUint(peerIDStr, 10, 32)
	if err != nil {
		return httpx.BadRequest(c, "invalid_peer", "Invalid peer_id")
	}

	pageSize := 50
	if sizeStr := c.Query("page_size"); sizeStr != "" {
		if s, err := strconv.Atoi(sizeStr); err == nil && s > 0 && s <= 100 {
			pageSize = s
		}
	}

	if beforeStr := c.Query("before_id"); beforeStr != "" {
		beforeID, err := strconv.ParseUint(beforeStr, 10, 32)
		if err != nil {
			return httpx.BadRequest(c, "invalid_cursor", "Invalid before_id")
		}
		page, err := h.messages.GetConversation(userID, uint(peerID), pageSize, uint(beforeID))
		if err != nil {
			return httpx.Internal(c, "fetch_messages_failed")
		}
		return c.JSON(fiber.Map{
			"messages": toResponses(page.Messages),
			"has_more": page.HasMore,
			"count":    len(page.Messages),
		})
	}

	pageNum := 1
	if pageStr := c.Query("page"); pageStr != "" {
		if p, err := strconv.Atoi(pageStr); err == nil && p > 0 {
			pageNum = p
		}
	}

	messages, pagination, err := h.messages.GetConversationPaged(userID, uint(peerID), pageNum, pageSize)
	if err != nil {
		return httpx.Internal(c, "fetch_messages_failed")
	}
	// First page is the hot path every client loads on open; keep it warm.
	if pageNum == 1 && len(messages) > 0 {
		_ = h.messageCache.SetConversation(userID, uint(peerID), messages)
	}

	return c.JSON(fiber.Map{
		"messages":   toResponses(messages),
		"has_more":   pagination.CurrentPage < pagination.TotalPages,
		"pagination": pagination,
	})
}

// RequeueMessage is the explicit re-queue of a permanently failed message.
func (h *MessageHandler) RequeueMessage(c *fiber.Ctx) error {
	userID, err := httpx.LocalUint(c, "userID")
	if err != nil {
		return httpx.Unauthorized(c, "unauthorized", "Unauthorized")
	}

	messageID, err := strconv.ParseUint(c.Params("id"), 10, 32)
	if err != nil {
		return httpx.BadRequest(c, "invalid_message_id", "Invalid message id")
	}

	msg, err := h.messages.GetByID(uint(messageID))
	if err != nil {
		return httpx.NotFound(c, "message_not_found", "Message not found")
	}
	if msg.SenderID != userID {
		return httpx.Forbidden(c, "not_sender", "Only the sender can requeue a message")
	}

	if err := h.retry.Requeue(c.Context(), uint(messageID)); err != nil {
		if errors.Is(err, service.ErrNotFailed) {
			return httpx.Conflict(c, "not_failed", "Message is not in failed state")
		}
		if errors.Is(err, status.ErrInvalidTransition) {
			return httpx.Conflict(c, "invalid_transition", "Message cannot re-enter delivery")
		}
		return httpx.Internal(c, "requeue_failed")
	}

	return c.JSON(fiber.Map{"status": "queued"})
}

// MarkConversationRead marks everything a peer sent to the caller as read.
func (h *MessageHandler) MarkConversationRead(c *fiber.Ctx) error {
	userID, err := httpx.LocalUint(c, "userID")
	if err != nil {
		return httpx.Unauthorized(c, "unauthorized", "Unauthorized")
	}

	peerID, err := strconv.ParseUint(c.Params("peer_id"), 10, 32)
	if err != nil {
		return httpx.BadRequest(c, "invalid_peer", "Invalid peer_id")
	}

	marked, err := h.receipts.MarkConversationRead(context.Background(), userID, uint(peerID))
	if err != nil {
		return httpx.Internal(c, "mark_read_failed")
	}

	return c.JSON(fiber.Map{"marked": marked})
}

func toResponses(messages []models.Message) []models.MessageResponse {
	responses := make([]models.MessageResponse, len(messages))
	for i := range messages {
		responses[i] = messages[i].ToResponse()
	}
	return responses
}
