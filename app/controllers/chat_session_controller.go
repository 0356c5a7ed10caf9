package controllers

import (
	"context"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/chatforge-app/chatforge/app/models"
	"github.com/chatforge-app/chatforge/app/repository"
	"github.com/chatforge-app/chatforge/internal/pkg/entitlements"
	"github.com/chatforge-app/chatforge/internal/pkg/middleware"
)

// SubscriptionLookup returns a user's subscription, or nil when none exists.
type SubscriptionLookup interface {
	GetSubscription(ctx context.Context, userID string) (*models.Subscription, error)
}

// ChatSessionController records widget conversation events and reports on
// them. subs is optional; without it usage carries no limit.
type ChatSessionController struct {
	logs repository.ChatSessionLogRepository
	subs SubscriptionLookup
	now  func() time.Time
}

func NewChatSessionController(logs repository.ChatSessionLogRepository, subs SubscriptionLookup) *ChatSessionController {
	return &ChatSessionController{logs: logs, subs: subs, now: time.Now}
}

type chatSessionRequest struct {
	BotID     string `json:"bot_id" validate:"required,max=191"`
	SessionID string `json:"session_id" validate:"required,max=191"`
	Event     string `json:"event" validate:"required,oneof=started message ended"`
	VisitorID string `json:"visitor_id" validate:"omitempty,max=191"`
}

// HandleLogEvent stores one session event. The route is rate limited.
func (cc *ChatSessionController) HandleLogEvent(c *fiber.Ctx) error {
	var req chatSessionRequest
	if err := c.BodyParser(&req); err != nil {
		return jsonError(c, fiber.StatusBadRequest, "invalid_request", "Body must be JSON")
	}
	req.BotID = strings.TrimSpace(req.BotID)
	req.SessionID = strings.TrimSpace(req.SessionID)
	req.Event = strings.ToLower(strings.TrimSpace(req.Event))
	if err := validate.Struct(req); err != nil {
		return validationError(c, err)
	}

	entry := &models.ChatSessionLog{
		BotID:     req.BotID,
		SessionID: req.SessionID,
		Event:     req.Event,
		VisitorID: req.VisitorID,
		ClientKey: middleware.ClientKey(c),
	}
	if err := cc.logs.Create(entry); err != nil {
		log.Errorf("[ChatSession] failed to log %s for bot %s: %v", req.Event, req.BotID, err)
		return jsonError(c, fiber.StatusInternalServerError, "internal_server_error", "Failed to record session event")
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"id": entry.ID, "created_at": entry.CreatedAt})
}

// HandleGetSession returns the events of one conversation, oldest first.
func (cc *ChatSessionController) HandleGetSession(c *fiber.Ctx) error {
	botID, sessionID := c.Params("botId"), c.Params("sessionId")
	entries, err := cc.logs.ListBySession(botID, sessionID)
	if err != nil {
		log.Errorf("[ChatSession] failed to list session %s of bot %s: %v", sessionID, botID, err)
		return jsonError(c, fiber.StatusInternalServerError, "internal_server_error", "Failed to load session")
	}
	if len(entries) == 0 {
		return jsonError(c, fiber.StatusNotFound, "not_found", "Session not found")
	}
	return c.JSON(fiber.Map{"bot_id": botID, "session_id": sessionID, "events": entries})
}

type usageResponse struct {
	BotID              string    `json:"bot_id"`
	Since              time.Time `json:"since"`
	Conversations      int64     `json:"conversations"`
	ConversationsLimit *int      `json:"conversations_limit,omitempty"`
	Unlimited          bool      `json:"unlimited,omitempty"`
	OverLimit          bool      `json:"over_limit"`
}

// HandleUsage counts conversations a bot started since ?since (RFC 3339,
// default the start of the current UTC month). With ?user_id the count is
// compared against that user's conversations_limit.
func (cc *ChatSessionController) HandleUsage(c *fiber.Ctx) error {
	since := startOfMonth(cc.now())
	if raw := c.Query("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return jsonError(c, fiber.StatusBadRequest, "invalid_request", "since must be an RFC 3339 timestamp")
		}
		since = t.UTC()
	}

	botID := c.Params("botId")
	count, err := cc.logs.CountByBotSince(botID, since)
	if err != nil {
		log.Errorf("[ChatSession] failed to count conversations of bot %s: %v", botID, err)
		return jsonError(c, fiber.StatusInternalServerError, "internal_server_error", "Failed to count conversations")
	}
	out := usageResponse{BotID: botID, Since: since, Conversations: count}

	if userID := c.Query("user_id"); userID != "" && cc.subs != nil {
		sub, err := cc.subs.GetSubscription(c.UserContext(), userID)
		if err != nil {
			log.Errorf("[ChatSession] failed to load subscription of user %s: %v", userID, err)
			return jsonError(c, fiber.StatusInternalServerError, "internal_server_error", "Failed to load subscription")
		}
		if sub == nil {
			return jsonError(c, fiber.StatusNotFound, "not_found", "User has no subscription")
		}
		limit := sub.ConversationsLimit
		out.ConversationsLimit = &limit
		out.Unlimited = limit == entitlements.UnlimitedSentinel
		out.OverLimit = !out.Unlimited && count >= int64(limit)
	}
	return c.JSON(out)
}

func startOfMonth(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
