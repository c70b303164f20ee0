package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Gateway is the real-time delivery layer: it routes client events into the
// engines and fans resulting state out to the interested rooms. Delivery is
// best-effort at-most-once; a failed or dropped session is never retried and
// never reported back to the actor.
type Gateway struct {
	hub           *Hub
	users         UserService
	conversations ConversationService
	messages      MessageService
	log           *slog.Logger
}

func NewGateway(hub *Hub, users UserService, conversations ConversationService, messages MessageService, log *slog.Logger) *Gateway {
	return &Gateway{
		hub:           hub,
		users:         users,
		conversations: conversations,
		messages:      messages,
		log:           log,
	}
}

type conversationPayload struct {
	ConversationID string `json:"conversationId"`
}

type sendMessagePayload struct {
	ConversationID string           `json:"conversationId"`
	Content        string           `json:"content"`
	Type           MessageType      `json:"type,omitempty"`
	Caption        string           `json:"caption,omitempty"`
	ReplyTo        string           `json:"replyTo,omitempty"`
	Metadata       *MessageMetadata `json:"metadata,omitempty"`
}

type editMessagePayload struct {
	MessageID  string `json:"messageId"`
	NewContent string `json:"newContent"`
}

type messagePayload struct {
	MessageID string `json:"messageId"`
}

type reactionPayload struct {
	MessageID string `json:"messageId"`
	Emoji     string `json:"emoji"`
}

type updateStatusPayload struct {
	MessageID string         `json:"messageId,omitempty"`
	Status    MessageStatus  `json:"status,omitempty"`
	Presence  PresenceStatus `json:"presence,omitempty"`
}

type userStatusChanged struct {
	UID            string         `json:"uid"`
	Name           string         `json:"name"`
	Email          string         `json:"email"`
	Status         PresenceStatus `json:"status"`
	LastSeen       time.Time      `json:"lastSeen"`
	ConversationID string         `json:"conversationId,omitempty"`
}

// HandleEvent dispatches one client-to-server event. The returned value, if
// a string, becomes the ack message.
func (g *Gateway) HandleEvent(ctx context.Context, c *Client, event string, data json.RawMessage) (any, error) {
	switch event {
	case EventJoinConversation:
		var p conversationPayload
		if err := unmarshalPayload(data, &p); err != nil {
			return nil, err
		}
		return nil, g.JoinConversation(ctx, c, p.ConversationID)

	case EventLeaveConversation:
		var p conversationPayload
		if err := unmarshalPayload(data, &p); err != nil {
			return nil, err
		}
		g.hub.Leave(c, ConversationRoom(p.ConversationID))
		return nil, nil

	case EventTypingStart, EventTypingStop:
		// Pure ephemeral relay: never persisted, no acknowledgement effects.
		var p conversationPayload
		if err := unmarshalPayload(data, &p); err != nil {
			return nil, err
		}
		g.hub.Emit(ConversationRoom(p.ConversationID), event, map[string]string{
			"conversationId": p.ConversationID,
			"uid":            c.UID(),
		}, c)
		return nil, nil

	case EventSendMessage:
		var p sendMessagePayload
		if err := unmarshalPayload(data, &p); err != nil {
			return nil, err
		}
		return g.SendMessage(ctx, c, p)

	case EventEditMessage:
		var p editMessagePayload
		if err := unmarshalPayload(data, &p); err != nil {
			return nil, err
		}
		return g.EditMessage(ctx, c, p)

	case EventDeleteMessageEveryone:
		var p messagePayload
		if err := unmarshalPayload(data, &p); err != nil {
			return nil, err
		}
		return g.DeleteMessageForEveryone(ctx, c, p.MessageID)

	case EventDeleteMessageMe:
		var p messagePayload
		if err := unmarshalPayload(data, &p); err != nil {
			return nil, err
		}
		if _, err := g.messages.DeleteForMe(ctx, p.MessageID, c.UID()); err != nil {
			return nil, err
		}
		// Private to the caller, nothing to broadcast.
		return "Message deleted for you", nil

	case EventAddReaction:
		var p reactionPayload
		if err := unmarshalPayload(data, &p); err != nil {
			return nil, err
		}
		return g.AddReaction(ctx, c, p)

	case EventRemoveReaction:
		var p reactionPayload
		if err := unmarshalPayload(data, &p); err != nil {
			return nil, err
		}
		return g.RemoveReaction(ctx, c, p)

	case EventUpdateStatus:
		var p updateStatusPayload
		if err := unmarshalPayload(data, &p); err != nil {
			return nil, err
		}
		if p.Presence != "" {
			return nil, g.users.UpdatePresence(ctx, c.UID(), p.Presence)
		}
		_, err := g.messages.UpdateStatus(ctx, p.MessageID, p.Status, c.UID())
		return nil, err

	default:
		return nil, status.Errorf(codes.InvalidArgument, "unknown event %q", event)
	}
}

// HandleConnect runs the connect sequence for an authenticated session:
// subscribe to every accepted conversation room, flip presence to online,
// tell contacts, reconcile missed deliveries, then welcome the session.
func (g *Gateway) HandleConnect(ctx context.Context, c *Client) {
	uid := c.UID()

	accepted := g.autoJoinConversationRooms(ctx, c)

	if err := g.users.UpdatePresence(ctx, uid, PresenceOnline); err != nil {
		g.log.Error("updating presence on connect", "user", uid, "error", err)
	}
	g.broadcastStatusToContacts(ctx, uid, PresenceOnline)
	g.reconcileDeliveries(ctx, uid, accepted)

	c.Notify(EventWelcome, map[string]any{
		"message": "Connected successfully!",
		"uid":     uid,
		"name":    c.identity.Name,
		"status":  PresenceOnline,
	})
	g.log.Info("user connected", "user", uid)
}

// HandleDisconnect flips presence to offline and tells contacts.
func (g *Gateway) HandleDisconnect(ctx context.Context, c *Client) {
	uid := c.UID()
	if err := g.users.UpdatePresence(ctx, uid, PresenceOffline); err != nil {
		g.log.Error("updating presence on disconnect", "user", uid, "error", err)
	}
	g.broadcastStatusToContacts(ctx, uid, PresenceOffline)
	g.log.Info("user disconnected", "user", uid)
}

// JoinConversation subscribes the session to a conversation room after the
// usual gates, then replays current participant presence to the session.
func (g *Gateway) JoinConversation(ctx context.Context, c *Client, conversationID string) error {
	conversation, err := g.conversations.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if conversation.Status != StatusAccepted {
		return status.Error(codes.PermissionDenied, "conversation is not accepted")
	}
	if !conversation.IsParticipant(c.UID()) {
		return status.Error(codes.PermissionDenied, "you are not a participant of this conversation")
	}

	g.hub.Join(c, ConversationRoom(conversationID))

	uids := make([]string, 0, len(conversation.Participants))
	for _, p := range conversation.Participants {
		uids = append(uids, p.UserID)
	}
	users, err := g.users.GetUsersByIds(ctx, uids)
	if err != nil {
		g.log.Warn("resolving participants on join", "conversation", conversationID, "error", err)
		return nil
	}
	for _, user := range users {
		c.Notify(EventUserStatusChanged, userStatusChanged{
			UID:            user.UID,
			Name:           user.Name,
			Email:          user.Email,
			Status:         user.Status,
			LastSeen:       user.LastSeen,
			ConversationID: conversationID,
		})
	}
	return nil
}

// SendMessage persists through the engine, then broadcasts new-message to
// every other session in the conversation room. The sender is excluded; it
// already has the result via the ack. Broadcast happens strictly after the
// write succeeded: a failed last-message pointer update still broadcasts,
// the message is durable and only the ack carries the error.
func (g *Gateway) SendMessage(ctx context.Context, c *Client, p sendMessagePayload) (any, error) {
	message, err := g.messages.Send(ctx, SendMessageInput{
		ConversationID: p.ConversationID,
		SenderID:       c.UID(),
		Content:        p.Content,
		Type:           p.Type,
		Caption:        p.Caption,
		ReplyTo:        p.ReplyTo,
		Metadata:       p.Metadata,
	})
	if message == nil {
		return nil, err
	}
	g.hub.Emit(ConversationRoom(p.ConversationID), EventNewMessage, map[string]any{
		"message": message,
	}, c)
	return nil, err
}

// EditMessage broadcasts to the entire room including the actor, so all of a
// user's own sessions converge.
func (g *Gateway) EditMessage(ctx context.Context, c *Client, p editMessagePayload) (any, error) {
	message, err := g.messages.Edit(ctx, p.MessageID, c.UID(), p.NewContent)
	if err != nil {
		return nil, err
	}
	g.hub.Emit(ConversationRoom(message.ConversationID), EventMessageEdited, map[string]any{
		"messageId":      message.ID,
		"newContent":     message.Content,
		"editedAt":       message.EditedAt,
		"conversationId": message.ConversationID,
	}, nil)
	return nil, nil
}

func (g *Gateway) DeleteMessageForEveryone(ctx context.Context, c *Client, messageID string) (any, error) {
	message, err := g.messages.DeleteForEveryone(ctx, messageID, c.UID())
	if err != nil {
		return nil, err
	}
	g.hub.Emit(ConversationRoom(message.ConversationID), EventMessageDeletedForAll, map[string]any{
		"messageId":      message.ID,
		"conversationId": message.ConversationID,
		"deletedAt":      time.Now(),
	}, nil)
	return "Message deleted for everyone", nil
}

func (g *Gateway) AddReaction(ctx context.Context, c *Client, p reactionPayload) (any, error) {
	message, err := g.messages.AddReaction(ctx, p.MessageID, c.UID(), p.Emoji)
	if err != nil {
		return nil, err
	}
	g.hub.Emit(ConversationRoom(message.ConversationID), EventReactionAdded, map[string]any{
		"messageId":      message.ID,
		"conversationId": message.ConversationID,
		"userId":         c.UID(),
		"emoji":          p.Emoji,
	}, nil)
	return "Reaction added", nil
}

func (g *Gateway) RemoveReaction(ctx context.Context, c *Client, p reactionPayload) (any, error) {
	message, err := g.messages.RemoveReaction(ctx, p.MessageID, c.UID(), p.Emoji)
	if err != nil {
		return nil, err
	}
	g.hub.Emit(ConversationRoom(message.ConversationID), EventReactionRemoved, map[string]any{
		"messageId":      message.ID,
		"conversationId": message.ConversationID,
		"userId":         c.UID(),
		"emoji":          p.Emoji,
	}, nil)
	return "Reaction removed", nil
}

// autoJoinConversationRooms subscribes the session to every accepted
// conversation it participates in and returns those conversation ids.
func (g *Gateway) autoJoinConversationRooms(ctx context.Context, c *Client) []string {
	conversations, err := g.conversations.ListForUser(ctx, c.UID())
	if err != nil {
		g.log.Error("listing conversations on connect", "user", c.UID(), "error", err)
		return nil
	}
	var accepted []string
	for _, conversation := range conversations {
		if conversation.Status != StatusAccepted {
			continue
		}
		g.hub.Join(c, ConversationRoom(conversation.ID))
		accepted = append(accepted, conversation.ID)
	}
	return accepted
}

// broadcastStatusToContacts pushes a presence change to every user sharing at
// least one conversation with uid, targeting each counterpart's user room.
func (g *Gateway) broadcastStatusToContacts(ctx context.Context, uid string, presence PresenceStatus) {
	user, err := g.users.GetUserByUID(ctx, uid)
	if err != nil {
		g.log.Error("resolving user for status broadcast", "user", uid, "error", err)
		return
	}
	conversations, err := g.conversations.ListForUser(ctx, uid)
	if err != nil {
		g.log.Error("listing conversations for status broadcast", "user", uid, "error", err)
		return
	}
	for _, conversation := range conversations {
		for _, p := range conversation.Participants {
			if p.UserID == uid {
				continue
			}
			g.hub.Emit(UserRoom(p.UserID), EventUserStatusChanged, userStatusChanged{
				UID:            user.UID,
				Name:           user.Name,
				Email:          user.Email,
				Status:         presence,
				LastSeen:       user.LastSeen,
				ConversationID: conversation.ID,
			}, nil)
		}
	}
}

// reconcileDeliveries flips messages missed while offline to delivered and
// notifies each sender's user room once per affected message.
func (g *Gateway) reconcileDeliveries(ctx context.Context, uid string, conversationIds []string) {
	delivered, err := g.messages.ReconcileDelivery(ctx, uid, conversationIds)
	if err != nil {
		g.log.Error("reconciling deliveries", "user", uid, "error", err)
		return
	}
	for _, message := range delivered {
		g.hub.Emit(UserRoom(message.SenderID), EventMessageDelivered, map[string]string{
			"messageId": message.ID,
		}, nil)
	}
}

func unmarshalPayload(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return status.Error(codes.InvalidArgument, "event payload is required")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return status.Errorf(codes.InvalidArgument, "invalid event payload: %v", err)
	}
	return nil
}
