package api

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// RetractionWindow is the business-rule deadline after which a sender may no
// longer delete a message for everyone.
const RetractionWindow = 10 * time.Minute

type SendMessageInput struct {
	ConversationID string
	SenderID       string
	Content        string
	Type           MessageType
	Caption        string
	ReplyTo        string
	Metadata       *MessageMetadata
}

type MessageService interface {
	Send(ctx context.Context, input SendMessageInput) (*Message, error)
	UpdateStatus(ctx context.Context, messageID string, newStatus MessageStatus, requestingUserID string) (*Message, error)
	Edit(ctx context.Context, messageID, userID, newContent string) (*Message, error)
	DeleteForEveryone(ctx context.Context, messageID, userID string) (*Message, error)
	DeleteForMe(ctx context.Context, messageID, userID string) (*Message, error)
	AddReaction(ctx context.Context, messageID, userID, emoji string) (*Message, error)
	RemoveReaction(ctx context.Context, messageID, userID, emoji string) (*Message, error)
	GetMessage(ctx context.Context, messageID string) (*Message, error)
	// ReconcileDelivery flips every still-sent message addressed to userID in
	// the given conversations to delivered and returns the affected messages.
	ReconcileDelivery(ctx context.Context, userID string, conversationIds []string) ([]Message, error)
}

// MessageRepository persists messages. Sub-list mutations (reactions,
// deletion history) are conditional array updates carrying their own
// duplicate predicates; ErrNoDocument means the predicate matched nothing.
type MessageRepository interface {
	InsertMessage(ctx context.Context, message Message) (*Message, error)
	FindMessage(ctx context.Context, id string) (*Message, error)
	ListMessagesByConversation(ctx context.Context, conversationID string, limit, skip int) ([]Message, error)
	CountMessagesByConversation(ctx context.Context, conversationID string) (int64, error)
	UpdateMessageStatus(ctx context.Context, id string, newStatus MessageStatus) (*Message, error)
	// EditMessageContent rewrites content unless an everyone-scoped deletion
	// entry exists.
	EditMessageContent(ctx context.Context, id, content string, editedAt time.Time) (*Message, error)
	// AppendDeletionForEveryone appends the entry unless one already exists.
	AppendDeletionForEveryone(ctx context.Context, id string, entry DeletionEntry) (*Message, error)
	// AppendDeletionForUser appends the entry unless one already exists for
	// that user.
	AppendDeletionForUser(ctx context.Context, id string, entry DeletionEntry) (*Message, error)
	// AddMessageReaction appends unless the identical (user, emoji) pair
	// already exists.
	AddMessageReaction(ctx context.Context, id string, reaction Reaction) (*Message, error)
	RemoveMessageReaction(ctx context.Context, id, userID, emoji string) (*Message, error)
	FindUndeliveredMessages(ctx context.Context, conversationIds []string, excludingSender string) ([]Message, error)
	MarkMessagesDelivered(ctx context.Context, ids []string) error
}

type messageService struct {
	storage       MessageRepository
	conversations ConversationService
	log           *slog.Logger
	now           func() time.Time
}

func NewMessageService(storage MessageRepository, conversations ConversationService, log *slog.Logger) MessageService {
	return &messageService{storage: storage, conversations: conversations, log: log, now: time.Now}
}

// Send persists a message and then moves the conversation's last-message
// pointer. Only participants of an accepted conversation may send; pending
// and rejected conversations carry no messages. Block state deliberately
// does not gate sending.
func (m *messageService) Send(ctx context.Context, input SendMessageInput) (*Message, error) {
	if input.Content == "" {
		return nil, status.Error(codes.InvalidArgument, "message content is required")
	}
	conversation, err := m.conversations.GetConversation(ctx, input.ConversationID)
	if err != nil {
		return nil, err
	}
	if !conversation.IsParticipant(input.SenderID) {
		return nil, status.Error(codes.PermissionDenied, "you are not authorized to send messages in this conversation")
	}
	if conversation.Status != StatusAccepted {
		return nil, status.Error(codes.PermissionDenied, "cannot send messages in a conversation that is not accepted")
	}

	if input.ReplyTo != "" {
		replyTo, err := m.storage.FindMessage(ctx, input.ReplyTo)
		if err == ErrNoDocument {
			return nil, status.Error(codes.InvalidArgument, "reply message not found")
		}
		if err != nil {
			return nil, status.Errorf(codes.Internal, "fetching reply message: %v", err)
		}
		if replyTo.ConversationID != input.ConversationID {
			return nil, status.Error(codes.InvalidArgument, "reply message must be from the same conversation")
		}
	}

	messageType := input.Type
	if messageType == "" {
		messageType = TypeText
	}
	metadata := input.Metadata
	if metadata != nil && metadata.IsForwarded && metadata.ForwardedTime == nil {
		t := m.now()
		metadata.ForwardedTime = &t
	}

	now := m.now()
	message, err := m.storage.InsertMessage(ctx, Message{
		ConversationID:  input.ConversationID,
		SenderID:        input.SenderID,
		Type:            messageType,
		Content:         input.Content,
		Caption:         input.Caption,
		Status:          MessageSent,
		ReplyTo:         input.ReplyTo,
		Metadata:        metadata,
		Reactions:       []Reaction{},
		DeletionHistory: []DeletionEntry{},
		CreatedAt:       now,
		UpdatedAt:       now,
	})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "persisting message: %v", err)
	}
	m.log.Info("message sent", "message", message.ID, "conversation", input.ConversationID, "sender", input.SenderID)

	// The message is durable at this point. A pointer failure is surfaced as
	// Internal together with the message so callers can treat it as "sent,
	// but list view may be stale".
	if err := m.conversations.UpdateLastMessagePointer(ctx, input.ConversationID, message.ID); err != nil {
		return message, err
	}
	return message, nil
}

// UpdateStatus assigns a delivery status on behalf of a participant. Status
// ordering is not enforced, matching the observed behavior of the system
// this replaces.
func (m *messageService) UpdateStatus(ctx context.Context, messageID string, newStatus MessageStatus, requestingUserID string) (*Message, error) {
	switch newStatus {
	case MessageSent, MessageDelivered, MessageRead:
	default:
		return nil, status.Errorf(codes.InvalidArgument, "unknown message status %q", newStatus)
	}
	message, err := m.findMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	conversation, err := m.conversations.GetConversation(ctx, message.ConversationID)
	if err != nil {
		return nil, err
	}
	if !conversation.IsParticipant(requestingUserID) {
		return nil, status.Error(codes.PermissionDenied, "you are not a participant of this conversation")
	}

	updated, err := m.storage.UpdateMessageStatus(ctx, messageID, newStatus)
	if err == ErrNoDocument {
		return nil, status.Error(codes.NotFound, "message not found")
	}
	if err != nil {
		return nil, status.Errorf(codes.Internal, "updating message status: %v", err)
	}
	return updated, nil
}

// Edit rewrites content. Only the sender may edit, and never after the
// message was deleted for everyone.
func (m *messageService) Edit(ctx context.Context, messageID, userID, newContent string) (*Message, error) {
	if newContent == "" {
		return nil, status.Error(codes.InvalidArgument, "message content is required")
	}
	message, err := m.findMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if message.SenderID != userID {
		return nil, status.Error(codes.PermissionDenied, "only the sender can edit the message")
	}
	if message.DeletedForAll() {
		return nil, status.Error(codes.InvalidArgument, "cannot edit a message that has been deleted for everyone")
	}

	updated, err := m.storage.EditMessageContent(ctx, messageID, newContent, m.now())
	if err == ErrNoDocument {
		// A delete-for-everyone won the race since the read above.
		return nil, status.Error(codes.InvalidArgument, "cannot edit a message that has been deleted for everyone")
	}
	if err != nil {
		return nil, status.Errorf(codes.Internal, "editing message: %v", err)
	}
	return updated, nil
}

// DeleteForEveryone retracts a message for all viewers. Sender only, at most
// once, and only within the retraction window after creation.
func (m *messageService) DeleteForEveryone(ctx context.Context, messageID, userID string) (*Message, error) {
	message, err := m.findMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if message.SenderID != userID {
		return nil, status.Error(codes.PermissionDenied, "only the sender can delete the message for everyone")
	}
	if m.now().Sub(message.CreatedAt) > RetractionWindow {
		return nil, status.Error(codes.InvalidArgument, "message can only be deleted for everyone within 10 minutes of sending")
	}
	if message.DeletedForAll() {
		return nil, status.Error(codes.InvalidArgument, "message is already deleted for everyone")
	}

	updated, err := m.storage.AppendDeletionForEveryone(ctx, messageID, DeletionEntry{
		DeletedFor: DeletedForEveryone,
		UserID:     message.SenderID,
		Time:       m.now(),
	})
	if err == ErrNoDocument {
		return nil, status.Error(codes.InvalidArgument, "message is already deleted for everyone")
	}
	if err != nil {
		return nil, status.Errorf(codes.Internal, "deleting message: %v", err)
	}
	m.log.Info("message deleted for everyone", "message", messageID, "sender", userID)
	return updated, nil
}

// DeleteForMe hides the message from the caller only. At most one entry per
// user. Callers outside the conversation are not rejected here; that matches
// the system this replaces.
func (m *messageService) DeleteForMe(ctx context.Context, messageID, userID string) (*Message, error) {
	message, err := m.findMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	for _, d := range message.DeletionHistory {
		if d.DeletedFor == DeletedForMe && d.UserID == userID {
			return nil, status.Error(codes.InvalidArgument, "message is already deleted for this user")
		}
	}

	updated, err := m.storage.AppendDeletionForUser(ctx, messageID, DeletionEntry{
		DeletedFor: DeletedForMe,
		UserID:     userID,
		Time:       m.now(),
	})
	if err == ErrNoDocument {
		return nil, status.Error(codes.InvalidArgument, "message is already deleted for this user")
	}
	if err != nil {
		return nil, status.Errorf(codes.Internal, "deleting message: %v", err)
	}
	return updated, nil
}

// AddReaction appends a (user, emoji) reaction; the identical pair may exist
// at most once.
func (m *messageService) AddReaction(ctx context.Context, messageID, userID, emoji string) (*Message, error) {
	if emoji == "" {
		return nil, status.Error(codes.InvalidArgument, "emoji is required")
	}
	updated, err := m.storage.AddMessageReaction(ctx, messageID, Reaction{
		UserID:    userID,
		Emoji:     emoji,
		ReactedAt: m.now(),
	})
	if err == ErrNoDocument {
		// Either the message is gone or the pair already exists.
		if _, lookupErr := m.findMessage(ctx, messageID); lookupErr != nil {
			return nil, lookupErr
		}
		return nil, status.Error(codes.AlreadyExists, "you have already reacted with this emoji")
	}
	if err != nil {
		return nil, status.Errorf(codes.Internal, "adding reaction: %v", err)
	}
	return updated, nil
}

// RemoveReaction filters out the pair; removing an absent reaction is not an
// error.
func (m *messageService) RemoveReaction(ctx context.Context, messageID, userID, emoji string) (*Message, error) {
	updated, err := m.storage.RemoveMessageReaction(ctx, messageID, userID, emoji)
	if err == ErrNoDocument {
		return nil, status.Error(codes.NotFound, "message not found")
	}
	if err != nil {
		return nil, status.Errorf(codes.Internal, "removing reaction: %v", err)
	}
	return updated, nil
}

func (m *messageService) GetMessage(ctx context.Context, messageID string) (*Message, error) {
	return m.findMessage(ctx, messageID)
}

// ReconcileDelivery is the post-reconnect sweep: every message in the user's
// conversations that the user did not send and that is still in sent state
// flips to delivered.
func (m *messageService) ReconcileDelivery(ctx context.Context, userID string, conversationIds []string) ([]Message, error) {
	if len(conversationIds) == 0 {
		return nil, nil
	}
	pending, err := m.storage.FindUndeliveredMessages(ctx, conversationIds, userID)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "finding undelivered messages: %v", err)
	}
	if len(pending) == 0 {
		return nil, nil
	}
	ids := make([]string, len(pending))
	for i, msg := range pending {
		ids[i] = msg.ID
	}
	if err := m.storage.MarkMessagesDelivered(ctx, ids); err != nil {
		return nil, status.Errorf(codes.Internal, "marking messages delivered: %v", err)
	}
	m.log.Info("reconciled delivery", "user", userID, "messages", len(ids))
	return pending, nil
}

func (m *messageService) findMessage(ctx context.Context, id string) (*Message, error) {
	message, err := m.storage.FindMessage(ctx, id)
	if err == ErrNoDocument {
		return nil, status.Error(codes.NotFound, "message not found")
	}
	if err != nil {
		return nil, status.Errorf(codes.Internal, "fetching message: %v", err)
	}
	return message, nil
}
