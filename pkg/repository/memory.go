package repository

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"messengerService/pkg/api"
)

// MemoryStore implements all three repositories in process memory. It applies
// the same conditional-update predicates as the backing stores, under a
// single mutex, so service-level behavior can be exercised without any
// external infrastructure.
type MemoryStore struct {
	mu            sync.Mutex
	users         map[string]*api.UserModel
	conversations map[string]*api.Conversation
	messages      map[string]*api.Message
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:         make(map[string]*api.UserModel),
		conversations: make(map[string]*api.Conversation),
		messages:      make(map[string]*api.Message),
	}
}

func (s *MemoryStore) UpsertUser(_ context.Context, user api.UserModel) (*api.UserModel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.users[user.UID]; ok {
		existing.Name = user.Name
		existing.Email = user.Email
		existing.LastLogin = user.LastLogin
		clone := *existing
		return &clone, nil
	}
	s.users[user.UID] = &user
	clone := user
	return &clone, nil
}

func (s *MemoryStore) GetUserByUID(_ context.Context, uid string) (*api.UserModel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[uid]
	if !ok {
		return nil, api.ErrNoDocument
	}
	clone := *user
	return &clone, nil
}

func (s *MemoryStore) GetUserByEmail(_ context.Context, email string) (*api.UserModel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, user := range s.users {
		if user.Email == email {
			clone := *user
			return &clone, nil
		}
	}
	return nil, api.ErrNoDocument
}

func (s *MemoryStore) GetUsersByIds(_ context.Context, uids []string) ([]*api.UserModel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	users := make([]*api.UserModel, 0, len(uids))
	for _, uid := range uids {
		if user, ok := s.users[uid]; ok {
			clone := *user
			users = append(users, &clone)
		}
	}
	return users, nil
}

func (s *MemoryStore) GetUsersByNameContaining(_ context.Context, query string) ([]*api.UserModel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var users []*api.UserModel
	needle := strings.ToLower(query)
	for _, user := range s.users {
		if strings.Contains(strings.ToLower(user.Name), needle) {
			clone := *user
			users = append(users, &clone)
		}
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Name < users[j].Name })
	return users, nil
}

func (s *MemoryStore) UpdatePresence(_ context.Context, uid string, presence api.PresenceStatus, lastSeen time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[uid]
	if !ok {
		return api.ErrNoDocument
	}
	user.Status = presence
	user.LastSeen = lastSeen
	return nil
}

func (s *MemoryStore) InsertConversation(_ context.Context, conversation api.Conversation) (*api.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conversation.ID = uuid.NewString()
	clone := cloneConversation(&conversation)
	s.conversations[conversation.ID] = clone
	result := cloneConversation(clone)
	return result, nil
}

func (s *MemoryStore) FindConversation(_ context.Context, id string) (*api.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conversation, ok := s.conversations[id]
	if !ok {
		return nil, api.ErrNoDocument
	}
	return cloneConversation(conversation), nil
}

func (s *MemoryStore) FindDMBetween(_ context.Context, userA, userB string) (*api.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, conversation := range s.conversations {
		if conversation.Kind != api.KindDM || len(conversation.Participants) != 2 {
			continue
		}
		if conversation.IsParticipant(userA) && conversation.IsParticipant(userB) {
			return cloneConversation(conversation), nil
		}
	}
	return nil, api.ErrNoDocument
}

func (s *MemoryStore) ListConversationsForUser(_ context.Context, userID string) ([]api.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var conversations []api.Conversation
	for _, conversation := range s.conversations {
		if conversation.IsParticipant(userID) {
			conversations = append(conversations, *cloneConversation(conversation))
		}
	}
	sort.Slice(conversations, func(i, j int) bool {
		return conversations[i].UpdatedAt.After(conversations[j].UpdatedAt)
	})
	return conversations, nil
}

func (s *MemoryStore) ListConversationsInitiatedBy(_ context.Context, userID string) ([]api.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var conversations []api.Conversation
	for _, conversation := range s.conversations {
		if conversation.InitiatedBy == userID {
			conversations = append(conversations, *cloneConversation(conversation))
		}
	}
	sort.Slice(conversations, func(i, j int) bool {
		return conversations[i].CreatedAt.After(conversations[j].CreatedAt)
	})
	return conversations, nil
}

func (s *MemoryStore) UpdateConversationStatus(_ context.Context, id string, from []api.ConversationStatus, to api.ConversationStatus, response *api.ResponseDetails) (*api.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conversation, ok := s.conversations[id]
	if !ok {
		return nil, api.ErrNoDocument
	}
	matched := false
	for _, status := range from {
		if conversation.Status == status {
			matched = true
			break
		}
	}
	if !matched {
		return nil, api.ErrNoDocument
	}
	conversation.Status = to
	conversation.UpdatedAt = time.Now()
	if response != nil {
		conversation.RespondedBy = response.RespondedBy
		conversation.ResponseAction = response.ResponseAction
		t := response.ResponseTime
		conversation.ResponseTime = &t
	} else {
		conversation.RespondedBy = ""
		conversation.ResponseAction = ""
		conversation.ResponseTime = nil
	}
	return cloneConversation(conversation), nil
}

func (s *MemoryStore) SetBlockDetails(_ context.Context, id string, details api.BlockDetails) (*api.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conversation, ok := s.conversations[id]
	if !ok {
		return nil, api.ErrNoDocument
	}
	conversation.BlockDetails = &details
	conversation.UpdatedAt = time.Now()
	return cloneConversation(conversation), nil
}

func (s *MemoryStore) AddConversationParticipant(_ context.Context, id string, participant api.Participant) (*api.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conversation, ok := s.conversations[id]
	if !ok {
		return nil, api.ErrNoDocument
	}
	if !conversation.IsParticipant(participant.UserID) {
		conversation.Participants = append(conversation.Participants, participant)
		conversation.UpdatedAt = time.Now()
	}
	return cloneConversation(conversation), nil
}

func (s *MemoryStore) RemoveConversationParticipant(_ context.Context, id, userID string) (*api.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conversation, ok := s.conversations[id]
	if !ok {
		return nil, api.ErrNoDocument
	}
	participants := conversation.Participants[:0]
	for _, p := range conversation.Participants {
		if p.UserID != userID {
			participants = append(participants, p)
		}
	}
	conversation.Participants = participants
	conversation.UpdatedAt = time.Now()
	return cloneConversation(conversation), nil
}

func (s *MemoryStore) UpsertReadReceipt(_ context.Context, id, userID string, readAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conversation, ok := s.conversations[id]
	if !ok {
		return api.ErrNoDocument
	}
	for i := range conversation.ReadReceipts {
		if conversation.ReadReceipts[i].UserID == userID {
			conversation.ReadReceipts[i].LastReadAt = readAt
			return nil
		}
	}
	conversation.ReadReceipts = append(conversation.ReadReceipts, api.ReadReceipt{UserID: userID, LastReadAt: readAt})
	return nil
}

func (s *MemoryStore) SetLastMessage(_ context.Context, id, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conversation, ok := s.conversations[id]
	if !ok {
		return api.ErrNoDocument
	}
	conversation.LastMessageID = messageID
	conversation.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) UpsertUserSettings(_ context.Context, id string, settings api.UserSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conversation, ok := s.conversations[id]
	if !ok {
		return api.ErrNoDocument
	}
	for i := range conversation.UserSettings {
		if conversation.UserSettings[i].UserID == settings.UserID {
			conversation.UserSettings[i] = settings
			return nil
		}
	}
	conversation.UserSettings = append(conversation.UserSettings, settings)
	return nil
}

func (s *MemoryStore) InsertMessage(_ context.Context, message api.Message) (*api.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	message.ID = uuid.NewString()
	clone := cloneMessage(&message)
	s.messages[message.ID] = clone
	return cloneMessage(clone), nil
}

func (s *MemoryStore) FindMessage(_ context.Context, id string) (*api.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	message, ok := s.messages[id]
	if !ok {
		return nil, api.ErrNoDocument
	}
	return cloneMessage(message), nil
}

func (s *MemoryStore) ListMessagesByConversation(_ context.Context, conversationID string, limit, skip int) ([]api.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var messages []api.Message
	for _, message := range s.messages {
		if message.ConversationID == conversationID {
			messages = append(messages, *cloneMessage(message))
		}
	}
	sort.Slice(messages, func(i, j int) bool {
		return messages[i].CreatedAt.After(messages[j].CreatedAt)
	})
	if skip > 0 {
		if skip >= len(messages) {
			return nil, nil
		}
		messages = messages[skip:]
	}
	if limit > 0 && limit < len(messages) {
		messages = messages[:limit]
	}
	return messages, nil
}

func (s *MemoryStore) CountMessagesByConversation(_ context.Context, conversationID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var count int64
	for _, message := range s.messages {
		if message.ConversationID == conversationID {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) UpdateMessageStatus(_ context.Context, id string, newStatus api.MessageStatus) (*api.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	message, ok := s.messages[id]
	if !ok {
		return nil, api.ErrNoDocument
	}
	message.Status = newStatus
	message.UpdatedAt = time.Now()
	return cloneMessage(message), nil
}

func (s *MemoryStore) EditMessageContent(_ context.Context, id, content string, editedAt time.Time) (*api.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	message, ok := s.messages[id]
	if !ok || message.DeletedForAll() {
		return nil, api.ErrNoDocument
	}
	message.Content = content
	message.Edited = true
	message.EditedAt = &editedAt
	message.UpdatedAt = editedAt
	return cloneMessage(message), nil
}

func (s *MemoryStore) AppendDeletionForEveryone(_ context.Context, id string, entry api.DeletionEntry) (*api.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	message, ok := s.messages[id]
	if !ok || message.DeletedForAll() {
		return nil, api.ErrNoDocument
	}
	message.DeletionHistory = append(message.DeletionHistory, entry)
	message.UpdatedAt = entry.Time
	return cloneMessage(message), nil
}

func (s *MemoryStore) AppendDeletionForUser(_ context.Context, id string, entry api.DeletionEntry) (*api.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	message, ok := s.messages[id]
	if !ok {
		return nil, api.ErrNoDocument
	}
	for _, d := range message.DeletionHistory {
		if d.DeletedFor == api.DeletedForMe && d.UserID == entry.UserID {
			return nil, api.ErrNoDocument
		}
	}
	message.DeletionHistory = append(message.DeletionHistory, entry)
	message.UpdatedAt = entry.Time
	return cloneMessage(message), nil
}

func (s *MemoryStore) AddMessageReaction(_ context.Context, id string, reaction api.Reaction) (*api.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	message, ok := s.messages[id]
	if !ok {
		return nil, api.ErrNoDocument
	}
	for _, r := range message.Reactions {
		if r.UserID == reaction.UserID && r.Emoji == reaction.Emoji {
			return nil, api.ErrNoDocument
		}
	}
	message.Reactions = append(message.Reactions, reaction)
	message.UpdatedAt = reaction.ReactedAt
	return cloneMessage(message), nil
}

func (s *MemoryStore) RemoveMessageReaction(_ context.Context, id, userID, emoji string) (*api.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	message, ok := s.messages[id]
	if !ok {
		return nil, api.ErrNoDocument
	}
	reactions := message.Reactions[:0]
	for _, r := range message.Reactions {
		if r.UserID != userID || r.Emoji != emoji {
			reactions = append(reactions, r)
		}
	}
	message.Reactions = reactions
	return cloneMessage(message), nil
}

func (s *MemoryStore) FindUndeliveredMessages(_ context.Context, conversationIds []string, excludingSender string) ([]api.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make(map[string]struct{}, len(conversationIds))
	for _, id := range conversationIds {
		ids[id] = struct{}{}
	}
	var messages []api.Message
	for _, message := range s.messages {
		if _, ok := ids[message.ConversationID]; !ok {
			continue
		}
		if message.SenderID == excludingSender || message.Status != api.MessageSent {
			continue
		}
		messages = append(messages, *cloneMessage(message))
	}
	sort.Slice(messages, func(i, j int) bool {
		return messages[i].CreatedAt.Before(messages[j].CreatedAt)
	})
	return messages, nil
}

func (s *MemoryStore) MarkMessagesDelivered(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		// Only still-sent messages flip; a read that landed in between wins.
		if message, ok := s.messages[id]; ok && message.Status == api.MessageSent {
			message.Status = api.MessageDelivered
			message.UpdatedAt = time.Now()
		}
	}
	return nil
}

func cloneConversation(c *api.Conversation) *api.Conversation {
	clone := *c
	clone.Participants = append([]api.Participant(nil), c.Participants...)
	clone.ReadReceipts = append([]api.ReadReceipt(nil), c.ReadReceipts...)
	clone.UserSettings = append([]api.UserSettings(nil), c.UserSettings...)
	if c.BlockDetails != nil {
		details := *c.BlockDetails
		clone.BlockDetails = &details
	}
	if c.GroupDetails != nil {
		details := *c.GroupDetails
		if c.GroupDetails.Settings != nil {
			settings := *c.GroupDetails.Settings
			details.Settings = &settings
		}
		clone.GroupDetails = &details
	}
	if c.ResponseTime != nil {
		t := *c.ResponseTime
		clone.ResponseTime = &t
	}
	return &clone
}

func cloneMessage(m *api.Message) *api.Message {
	clone := *m
	clone.Reactions = append([]api.Reaction(nil), m.Reactions...)
	clone.DeletionHistory = append([]api.DeletionEntry(nil), m.DeletionHistory...)
	if m.EditedAt != nil {
		t := *m.EditedAt
		clone.EditedAt = &t
	}
	if m.Metadata != nil {
		metadata := *m.Metadata
		if m.Metadata.ForwardedTime != nil {
			t := *m.Metadata.ForwardedTime
			metadata.ForwardedTime = &t
		}
		clone.Metadata = &metadata
	}
	return &clone
}
