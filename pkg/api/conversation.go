package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	jsonPatch "github.com/evanphx/json-patch/v5"
	"github.com/samber/lo"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type ConversationService interface {
	CreateDirectRequest(ctx context.Context, senderID, receiverEmail string) (*Conversation, error)
	CreateGroup(ctx context.Context, creatorID string, participantIds []string, name, image string) (*Conversation, error)
	Respond(ctx context.Context, conversationID, respondingUserID string, action ResponseAction) (*Conversation, error)
	Block(ctx context.Context, conversationID, userID string) (*Conversation, error)
	Unblock(ctx context.Context, conversationID, userID string) (*Conversation, error)
	AddParticipant(ctx context.Context, conversationID, actorID, userID string, role ParticipantRole) (*Conversation, error)
	RemoveParticipant(ctx context.Context, conversationID, actorID, userID string) (*Conversation, error)
	MarkRead(ctx context.Context, conversationID, userID string) error
	UpdateLastMessagePointer(ctx context.Context, conversationID, messageID string) error
	UpdateUserSettings(ctx context.Context, patchJSON []byte, userID, conversationID string) (*UserSettings, error)
	GetConversation(ctx context.Context, conversationID string) (*Conversation, error)
	ListForUser(ctx context.Context, userID string) ([]Conversation, error)
	ListInitiatedBy(ctx context.Context, userID string) ([]Conversation, error)
	FindDirectBetween(ctx context.Context, userA, userB string) (*Conversation, error)
}

// ConversationRepository persists conversations. State transitions are
// expressed as conditional updates: the mutation carries its own
// current-state predicate and reports ErrNoDocument when nothing matched, so
// concurrent callers can never interleave a stale write.
type ConversationRepository interface {
	InsertConversation(ctx context.Context, conversation Conversation) (*Conversation, error)
	FindConversation(ctx context.Context, id string) (*Conversation, error)
	FindDMBetween(ctx context.Context, userA, userB string) (*Conversation, error)
	ListConversationsForUser(ctx context.Context, userID string) ([]Conversation, error)
	ListConversationsInitiatedBy(ctx context.Context, userID string) ([]Conversation, error)
	// UpdateConversationStatus transitions status only while the current
	// status is one of from. A nil response clears the response fields.
	UpdateConversationStatus(ctx context.Context, id string, from []ConversationStatus, to ConversationStatus, response *ResponseDetails) (*Conversation, error)
	SetBlockDetails(ctx context.Context, id string, details BlockDetails) (*Conversation, error)
	// AddConversationParticipant is a no-op when the user is already bound.
	AddConversationParticipant(ctx context.Context, id string, participant Participant) (*Conversation, error)
	RemoveConversationParticipant(ctx context.Context, id, userID string) (*Conversation, error)
	UpsertReadReceipt(ctx context.Context, id, userID string, readAt time.Time) error
	SetLastMessage(ctx context.Context, id, messageID string) error
	UpsertUserSettings(ctx context.Context, id string, settings UserSettings) error
}

type conversationService struct {
	storage ConversationRepository
	users   UserRepository
	log     *slog.Logger
	now     func() time.Time
}

func NewConversationService(storage ConversationRepository, users UserRepository, log *slog.Logger) ConversationService {
	return &conversationService{storage: storage, users: users, log: log, now: time.Now}
}

// CreateDirectRequest opens (or re-opens) a pending DM between the sender and
// the user owning receiverEmail. Exactly one DM may exist per pair: a pending
// or accepted one is a conflict, a rejected one flips back to pending and is
// reused under its original id.
func (c *conversationService) CreateDirectRequest(ctx context.Context, senderID, receiverEmail string) (*Conversation, error) {
	receiver, err := c.users.GetUserByEmail(ctx, receiverEmail)
	if err != nil {
		if err == ErrNoDocument {
			return nil, status.Error(codes.NotFound, "user not found with the provided email")
		}
		return nil, status.Errorf(codes.Internal, "resolving receiver: %v", err)
	}
	if senderID == receiver.UID {
		return nil, status.Error(codes.InvalidArgument, "cannot send conversation request to yourself")
	}

	existing, err := c.storage.FindDMBetween(ctx, senderID, receiver.UID)
	if err != nil && err != ErrNoDocument {
		return nil, status.Errorf(codes.Internal, "looking up existing conversation: %v", err)
	}
	if existing != nil {
		switch existing.Status {
		case StatusPending:
			return nil, status.Error(codes.AlreadyExists, "conversation request already pending")
		case StatusAccepted:
			return nil, status.Error(codes.AlreadyExists, "conversation already exists between these users")
		case StatusRejected:
			reopened, err := c.storage.UpdateConversationStatus(ctx, existing.ID, []ConversationStatus{StatusRejected}, StatusPending, nil)
			if err == ErrNoDocument {
				// Lost the race against another request or a response.
				return nil, status.Error(codes.AlreadyExists, "conversation request already pending")
			}
			if err != nil {
				return nil, status.Errorf(codes.Internal, "reopening conversation: %v", err)
			}
			c.log.Info("reopened rejected conversation", "conversation", reopened.ID, "sender", senderID)
			return reopened, nil
		}
	}

	now := c.now()
	conversation, err := c.storage.InsertConversation(ctx, Conversation{
		Kind: KindDM,
		Participants: []Participant{
			{UserID: senderID, Role: RoleInitiator, State: MembershipActive, JoinedAt: now},
			{UserID: receiver.UID, Role: RoleReceiver, State: MembershipActive, JoinedAt: now},
		},
		Status:       StatusPending,
		InitiatedBy:  senderID,
		InitiatedAt:  now,
		ReadReceipts: []ReadReceipt{},
		UserSettings: []UserSettings{},
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "creating conversation: %v", err)
	}
	c.log.Info("created DM request", "conversation", conversation.ID, "sender", senderID, "receiver", receiver.UID)
	return conversation, nil
}

// CreateGroup creates a group conversation, accepted at birth. The creator
// becomes admin and is added to the participant list when absent.
func (c *conversationService) CreateGroup(ctx context.Context, creatorID string, participantIds []string, name, image string) (*Conversation, error) {
	if name == "" {
		return nil, status.Error(codes.InvalidArgument, "group name is required")
	}
	// Repeated ids in the request collapse to one membership.
	ids := lo.Uniq(participantIds)
	found := false
	for _, id := range ids {
		if id == creatorID {
			found = true
			break
		}
	}
	if !found {
		ids = append(ids, creatorID)
	}
	if len(ids) < 2 {
		return nil, status.Error(codes.InvalidArgument, "group conversations must have at least 2 participants")
	}

	users, err := c.users.GetUsersByIds(ctx, ids)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "resolving participants: %v", err)
	}
	if len(users) != len(ids) {
		return nil, status.Error(codes.NotFound, "one or more participants not found")
	}

	now := c.now()
	participants := make([]Participant, 0, len(ids))
	for _, id := range ids {
		role := RoleMember
		if id == creatorID {
			role = RoleAdmin
		}
		participants = append(participants, Participant{UserID: id, Role: role, State: MembershipActive, JoinedAt: now})
	}

	conversation, err := c.storage.InsertConversation(ctx, Conversation{
		Kind:         KindGroup,
		Participants: participants,
		Status:       StatusAccepted,
		InitiatedBy:  creatorID,
		InitiatedAt:  now,
		ReadReceipts: []ReadReceipt{},
		UserSettings: []UserSettings{},
		GroupDetails: &GroupDetails{Name: name, Image: image},
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "creating group: %v", err)
	}
	c.log.Info("created group conversation", "conversation", conversation.ID, "creator", creatorID, "participants", len(participants))
	return conversation, nil
}

// Respond applies an accept or reject to a request. Accepting is allowed
// while pending or rejected, rejecting while pending or accepted; anything
// else is a conflict. The transition is a single conditional update, so two
// racing responders cannot both win.
func (c *conversationService) Respond(ctx context.Context, conversationID, respondingUserID string, action ResponseAction) (*Conversation, error) {
	conversation, err := c.findConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conversation.IsParticipant(respondingUserID) {
		return nil, status.Error(codes.PermissionDenied, "you are not authorized to respond to this conversation request")
	}

	var from []ConversationStatus
	var to ConversationStatus
	switch action {
	case ActionAccepted:
		from = []ConversationStatus{StatusPending, StatusRejected}
		to = StatusAccepted
	case ActionRejected:
		from = []ConversationStatus{StatusPending, StatusAccepted}
		to = StatusRejected
	default:
		return nil, status.Errorf(codes.InvalidArgument, "unknown response action %q", action)
	}

	updated, err := c.storage.UpdateConversationStatus(ctx, conversationID, from, to, &ResponseDetails{
		RespondedBy:    respondingUserID,
		ResponseAction: action,
		ResponseTime:   c.now(),
	})
	if err == ErrNoDocument {
		return nil, status.Errorf(codes.AlreadyExists, "conversation is already %s", to)
	}
	if err != nil {
		return nil, status.Errorf(codes.Internal, "updating conversation status: %v", err)
	}
	c.log.Info("conversation responded", "conversation", conversationID, "user", respondingUserID, "action", action)
	return updated, nil
}

// Block marks a DM as blocked by userID. Blocking does not change the
// conversation status and does not gate message sending.
func (c *conversationService) Block(ctx context.Context, conversationID, userID string) (*Conversation, error) {
	return c.setBlock(ctx, conversationID, userID, true)
}

func (c *conversationService) Unblock(ctx context.Context, conversationID, userID string) (*Conversation, error) {
	return c.setBlock(ctx, conversationID, userID, false)
}

func (c *conversationService) setBlock(ctx context.Context, conversationID, userID string, blocked bool) (*Conversation, error) {
	conversation, err := c.findConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conversation.Kind != KindDM {
		return nil, status.Error(codes.InvalidArgument, "only DM conversations can be blocked or unblocked")
	}
	if !conversation.IsParticipant(userID) {
		return nil, status.Error(codes.PermissionDenied, "you are not authorized to modify this conversation")
	}

	details := BlockDetails{IsBlocked: blocked, Time: c.now()}
	if blocked {
		details.BlockedBy = userID
	}
	updated, err := c.storage.SetBlockDetails(ctx, conversationID, details)
	if err == ErrNoDocument {
		return nil, status.Error(codes.NotFound, "conversation not found")
	}
	if err != nil {
		return nil, status.Errorf(codes.Internal, "updating block details: %v", err)
	}
	return updated, nil
}

// AddParticipant adds userID to a group conversation. Adding an existing
// participant is a no-op.
func (c *conversationService) AddParticipant(ctx context.Context, conversationID, actorID, userID string, role ParticipantRole) (*Conversation, error) {
	conversation, err := c.findConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conversation.Kind == KindDM {
		return nil, status.Error(codes.InvalidArgument, "DM conversations can only have 2 participants")
	}
	if !conversation.IsParticipant(actorID) {
		return nil, status.Error(codes.PermissionDenied, "you are not a participant of this conversation")
	}
	if role != RoleAdmin {
		role = RoleMember
	}

	updated, err := c.storage.AddConversationParticipant(ctx, conversationID, Participant{
		UserID:   userID,
		Role:     role,
		State:    MembershipActive,
		JoinedAt: c.now(),
	})
	if err == ErrNoDocument {
		return nil, status.Error(codes.NotFound, "conversation not found")
	}
	if err != nil {
		return nil, status.Errorf(codes.Internal, "adding participant: %v", err)
	}
	return updated, nil
}

func (c *conversationService) RemoveParticipant(ctx context.Context, conversationID, actorID, userID string) (*Conversation, error) {
	conversation, err := c.findConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conversation.Kind == KindDM {
		return nil, status.Error(codes.InvalidArgument, "participants cannot be removed from a DM conversation")
	}
	if !conversation.IsParticipant(actorID) {
		return nil, status.Error(codes.PermissionDenied, "you are not a participant of this conversation")
	}

	updated, err := c.storage.RemoveConversationParticipant(ctx, conversationID, userID)
	if err == ErrNoDocument {
		return nil, status.Error(codes.NotFound, "conversation not found")
	}
	if err != nil {
		return nil, status.Errorf(codes.Internal, "removing participant: %v", err)
	}
	return updated, nil
}

// MarkRead upserts the caller's read receipt to now.
func (c *conversationService) MarkRead(ctx context.Context, conversationID, userID string) error {
	conversation, err := c.findConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if !conversation.IsParticipant(userID) {
		return status.Error(codes.PermissionDenied, "you are not a participant of this conversation")
	}
	if err := c.storage.UpsertReadReceipt(ctx, conversationID, userID, c.now()); err != nil {
		return status.Errorf(codes.Internal, "updating read receipt: %v", err)
	}
	return nil
}

// UpdateLastMessagePointer records the conversation's newest message id. A
// failure here is surfaced explicitly: the caller's message is already
// durable, only the conversation list view goes stale.
func (c *conversationService) UpdateLastMessagePointer(ctx context.Context, conversationID, messageID string) error {
	if err := c.storage.SetLastMessage(ctx, conversationID, messageID); err != nil {
		return status.Errorf(codes.Internal, "message sent but failed to update conversation: %v", err)
	}
	return nil
}

// UpdateUserSettings applies an RFC 6902 JSON patch to the caller's settings
// entry for the conversation.
func (c *conversationService) UpdateUserSettings(ctx context.Context, patchJSON []byte, userID, conversationID string) (*UserSettings, error) {
	conversation, err := c.findConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conversation.IsParticipant(userID) {
		return nil, status.Error(codes.PermissionDenied, "you are not a participant of this conversation")
	}

	patch, err := jsonPatch.DecodePatch(patchJSON)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decoding json patch: %v", err)
	}

	settings := UserSettings{UserID: userID}
	for _, s := range conversation.UserSettings {
		if s.UserID == userID {
			settings = s
			break
		}
	}

	current, err := json.Marshal(settings)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "marshalling settings: %v", err)
	}
	patched, err := patch.Apply(current)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "applying json patch: %v", err)
	}
	if err := json.Unmarshal(patched, &settings); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "patched settings are not valid: %v", err)
	}
	settings.UserID = userID

	if err := c.storage.UpsertUserSettings(ctx, conversationID, settings); err != nil {
		return nil, status.Errorf(codes.Internal, "saving settings: %v", err)
	}
	return &settings, nil
}

func (c *conversationService) GetConversation(ctx context.Context, conversationID string) (*Conversation, error) {
	return c.findConversation(ctx, conversationID)
}

func (c *conversationService) ListForUser(ctx context.Context, userID string) ([]Conversation, error) {
	conversations, err := c.storage.ListConversationsForUser(ctx, userID)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "listing conversations: %v", err)
	}
	return conversations, nil
}

func (c *conversationService) ListInitiatedBy(ctx context.Context, userID string) ([]Conversation, error) {
	conversations, err := c.storage.ListConversationsInitiatedBy(ctx, userID)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "listing conversations: %v", err)
	}
	return conversations, nil
}

func (c *conversationService) FindDirectBetween(ctx context.Context, userA, userB string) (*Conversation, error) {
	conversation, err := c.storage.FindDMBetween(ctx, userA, userB)
	if err == ErrNoDocument {
		return nil, status.Error(codes.NotFound, "no DM conversation between these users")
	}
	if err != nil {
		return nil, status.Errorf(codes.Internal, "looking up conversation: %v", err)
	}
	return conversation, nil
}

func (c *conversationService) findConversation(ctx context.Context, id string) (*Conversation, error) {
	conversation, err := c.storage.FindConversation(ctx, id)
	if err == ErrNoDocument {
		return nil, status.Error(codes.NotFound, "conversation not found")
	}
	if err != nil {
		return nil, status.Errorf(codes.Internal, "fetching conversation: %v", err)
	}
	return conversation, nil
}
