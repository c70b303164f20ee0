package api

import (
	"context"
	"time"

	"github.com/samber/lo"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// DisplayInfo is what a conversation list entry shows as its headline: the
// other participant for a DM, the group details otherwise.
type DisplayInfo struct {
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
	UID   string `json:"uid,omitempty"`
	Image string `json:"image,omitempty"`
}

type LastMessageView struct {
	SenderName  string      `json:"senderName"`
	SenderEmail string      `json:"senderEmail,omitempty"`
	Type        MessageType `json:"type"`
	Content     string      `json:"content"`
	UpdatedAt   time.Time   `json:"updatedAt"`
}

type ConversationView struct {
	ID           string             `json:"id"`
	Kind         ConversationKind   `json:"type"`
	Display      DisplayInfo        `json:"participants"`
	Status       ConversationStatus `json:"conversationStatus"`
	BlockDetails *BlockDetails      `json:"blockDetails,omitempty"`
	GroupDetails *GroupDetails      `json:"groupDetails,omitempty"`
	ReadReceipts []ReadReceipt      `json:"readReceipts,omitempty"`
	LastMessage  *LastMessageView   `json:"lastMessage,omitempty"`
	CreatedAt    time.Time          `json:"createdAt"`
	UpdatedAt    time.Time          `json:"updatedAt"`
}

type ReactionView struct {
	Emoji     string    `json:"emoji"`
	ReactedAt time.Time `json:"reactedAt"`
	User      *User     `json:"user,omitempty"`
}

type ReplyPreview struct {
	ID      string      `json:"id"`
	Content string      `json:"content"`
	Type    MessageType `json:"type"`
	Sender  string      `json:"senderId"`
}

// MessageView is the read-optimized feed entry. Deletion bookkeeping is used
// to filter and rewrite content but never leaves the server.
type MessageView struct {
	ID                   string           `json:"id"`
	ConversationID       string           `json:"conversationId"`
	Sender               User             `json:"sender"`
	Type                 MessageType      `json:"type"`
	Content              string           `json:"content"`
	Caption              string           `json:"caption,omitempty"`
	Status               MessageStatus    `json:"status"`
	Edited               bool             `json:"edited"`
	EditedAt             *time.Time       `json:"editedAt,omitempty"`
	ReplyTo              *ReplyPreview    `json:"replyTo,omitempty"`
	Metadata             *MessageMetadata `json:"metadata,omitempty"`
	Reactions            []ReactionView   `json:"reactions"`
	CanDeleteForEveryone bool             `json:"canDeleteForEveryone"`
	CreatedAt            time.Time        `json:"createdAt"`
	UpdatedAt            time.Time        `json:"updatedAt"`
}

type MessageFeed struct {
	Messages []MessageView `json:"messages"`
	// TotalCount spans the whole conversation, independent of pagination and
	// per-viewer filtering, so clients can page reliably.
	TotalCount int `json:"totalCount"`
}

type ProjectionService interface {
	ConversationList(ctx context.Context, userID string) ([]ConversationView, error)
	ConversationByID(ctx context.Context, userID, conversationID string) (*ConversationView, error)
	MessageFeed(ctx context.Context, userID, conversationID string, limit, skip int) (*MessageFeed, error)
}

type projectionService struct {
	conversations ConversationRepository
	messages      MessageRepository
	users         UserRepository
	now           func() time.Time
}

func NewProjectionService(conversations ConversationRepository, messages MessageRepository, users UserRepository) ProjectionService {
	return &projectionService{conversations: conversations, messages: messages, users: users, now: time.Now}
}

// ConversationList builds the caller's conversation list, newest activity
// first, with the other participant resolved for DMs and the last message
// joined in.
func (p *projectionService) ConversationList(ctx context.Context, userID string) ([]ConversationView, error) {
	conversations, err := p.conversations.ListConversationsForUser(ctx, userID)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "listing conversations: %v", err)
	}

	views := make([]ConversationView, 0, len(conversations))
	for i := range conversations {
		view, err := p.buildConversationView(ctx, userID, &conversations[i], false)
		if err != nil {
			return nil, err
		}
		views = append(views, *view)
	}
	return views, nil
}

// ConversationByID resolves one conversation for the caller; callers outside
// the participant list get NotFound rather than a hint the id exists.
func (p *projectionService) ConversationByID(ctx context.Context, userID, conversationID string) (*ConversationView, error) {
	conversation, err := p.conversations.FindConversation(ctx, conversationID)
	if err == ErrNoDocument {
		return nil, status.Error(codes.NotFound, "conversation not found or you don't have access to it")
	}
	if err != nil {
		return nil, status.Errorf(codes.Internal, "fetching conversation: %v", err)
	}
	if !conversation.IsParticipant(userID) {
		return nil, status.Error(codes.NotFound, "conversation not found or you don't have access to it")
	}
	return p.buildConversationView(ctx, userID, conversation, true)
}

func (p *projectionService) buildConversationView(ctx context.Context, userID string, conversation *Conversation, detailed bool) (*ConversationView, error) {
	view := &ConversationView{
		ID:           conversation.ID,
		Kind:         conversation.Kind,
		Status:       conversation.Status,
		BlockDetails: conversation.BlockDetails,
		CreatedAt:    conversation.CreatedAt,
		UpdatedAt:    conversation.UpdatedAt,
	}
	if detailed {
		view.GroupDetails = conversation.GroupDetails
		view.ReadReceipts = conversation.ReadReceipts
	}

	switch conversation.Kind {
	case KindDM:
		others := lo.Filter(conversation.Participants, func(p Participant, _ int) bool {
			return p.UserID != userID
		})
		if len(others) > 0 {
			other, err := p.users.GetUserByUID(ctx, others[0].UserID)
			if err == nil {
				view.Display = DisplayInfo{Name: other.Name, Email: other.Email, UID: other.UID}
			}
		}
	case KindGroup:
		if conversation.GroupDetails != nil {
			view.Display = DisplayInfo{Name: conversation.GroupDetails.Name, Image: conversation.GroupDetails.Image}
		}
	}

	if conversation.LastMessageID != "" {
		last, err := p.messages.FindMessage(ctx, conversation.LastMessageID)
		if err == nil && !last.DeletedFor(userID) {
			lastView := &LastMessageView{
				Type:      last.Type,
				Content:   last.Content,
				UpdatedAt: last.UpdatedAt,
			}
			if last.DeletedForAll() {
				lastView.Content = DeletedMessagePlaceholder
			}
			if sender, err := p.users.GetUserByUID(ctx, last.SenderID); err == nil {
				lastView.SenderName = sender.Name
				lastView.SenderEmail = sender.Email
			}
			view.LastMessage = lastView
		}
	}
	return view, nil
}

// MessageFeed returns the paginated feed for one conversation. Messages the
// caller deleted for themselves are dropped; messages deleted for everyone
// stay in place with placeholder content, for every viewer including the
// original sender.
func (p *projectionService) MessageFeed(ctx context.Context, userID, conversationID string, limit, skip int) (*MessageFeed, error) {
	conversation, err := p.conversations.FindConversation(ctx, conversationID)
	if err == ErrNoDocument {
		return nil, status.Error(codes.NotFound, "conversation not found")
	}
	if err != nil {
		return nil, status.Errorf(codes.Internal, "fetching conversation: %v", err)
	}
	if conversation.Status != StatusAccepted {
		return nil, status.Error(codes.PermissionDenied, "conversation is not accepted")
	}
	if !conversation.IsParticipant(userID) {
		return nil, status.Error(codes.PermissionDenied, "you are not authorized to view this conversation")
	}

	messages, err := p.messages.ListMessagesByConversation(ctx, conversationID, limit, skip)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "listing messages: %v", err)
	}
	total, err := p.messages.CountMessagesByConversation(ctx, conversationID)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "counting messages: %v", err)
	}

	// Resolve every referenced user in one lookup.
	uids := map[string]struct{}{}
	for i := range messages {
		uids[messages[i].SenderID] = struct{}{}
		for _, r := range messages[i].Reactions {
			uids[r.UserID] = struct{}{}
		}
	}
	userByUID := map[string]*UserModel{}
	if len(uids) > 0 {
		users, err := p.users.GetUsersByIds(ctx, lo.Keys(uids))
		if err != nil {
			return nil, status.Errorf(codes.Internal, "resolving senders: %v", err)
		}
		for _, u := range users {
			userByUID[u.UID] = u
		}
	}

	views := make([]MessageView, 0, len(messages))
	for i := range messages {
		msg := &messages[i]
		hiddenForMe := false
		for _, d := range msg.DeletionHistory {
			if d.DeletedFor == DeletedForMe && d.UserID == userID {
				hiddenForMe = true
				break
			}
		}
		if hiddenForMe {
			continue
		}
		views = append(views, p.buildMessageView(ctx, userID, msg, userByUID))
	}

	return &MessageFeed{Messages: views, TotalCount: int(total)}, nil
}

func (p *projectionService) buildMessageView(ctx context.Context, userID string, msg *Message, userByUID map[string]*UserModel) MessageView {
	view := MessageView{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		Type:           msg.Type,
		Content:        msg.Content,
		Caption:        msg.Caption,
		Status:         msg.Status,
		Edited:         msg.Edited,
		EditedAt:       msg.EditedAt,
		Metadata:       msg.Metadata,
		Reactions:      []ReactionView{},
		CreatedAt:      msg.CreatedAt,
		UpdatedAt:      msg.UpdatedAt,
	}
	if sender, ok := userByUID[msg.SenderID]; ok {
		view.Sender = sender.ConvertToDTO()
	} else {
		view.Sender = User{UID: msg.SenderID}
	}

	if msg.DeletedForAll() {
		view.Content = DeletedMessagePlaceholder
		view.Caption = ""
	}

	view.CanDeleteForEveryone = msg.SenderID == userID &&
		!msg.DeletedForAll() &&
		p.now().Sub(msg.CreatedAt) < RetractionWindow

	if msg.ReplyTo != "" {
		if replyTo, err := p.messages.FindMessage(ctx, msg.ReplyTo); err == nil {
			content := replyTo.Content
			if replyTo.DeletedForAll() {
				content = DeletedMessagePlaceholder
			}
			view.ReplyTo = &ReplyPreview{
				ID:      replyTo.ID,
				Content: content,
				Type:    replyTo.Type,
				Sender:  replyTo.SenderID,
			}
		}
	}

	for _, r := range msg.Reactions {
		rv := ReactionView{Emoji: r.Emoji, ReactedAt: r.ReactedAt}
		if u, ok := userByUID[r.UserID]; ok {
			dto := u.ConvertToDTO()
			rv.User = &dto
		}
		view.Reactions = append(view.Reactions, rv)
	}
	return view
}
