package api_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"messengerService/pkg/api"
	"messengerService/pkg/repository"
)

type fixture struct {
	store         *repository.MemoryStore
	users         api.UserService
	conversations api.ConversationService
	messages      api.MessageService
	projections   api.ProjectionService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := repository.NewMemoryStore()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	users := api.NewUserService(store)
	conversations := api.NewConversationService(store, store, log)
	messages := api.NewMessageService(store, conversations, log)
	projections := api.NewProjectionService(store, store, store)

	f := &fixture{
		store:         store,
		users:         users,
		conversations: conversations,
		messages:      messages,
		projections:   projections,
	}
	f.seedUser(t, "alice-uid", "Alice", "alice@example.com")
	f.seedUser(t, "bob-uid", "Bob", "bob@example.com")
	f.seedUser(t, "carol-uid", "Carol", "carol@example.com")
	return f
}

func (f *fixture) seedUser(t *testing.T, uid, name, email string) {
	t.Helper()
	_, err := f.store.UpsertUser(context.Background(), api.UserModel{
		UID:       uid,
		Name:      name,
		Email:     email,
		Status:    api.PresenceOffline,
		LastSeen:  time.Now(),
		LastLogin: time.Now(),
	})
	require.NoError(t, err)
}

// acceptedDM creates a DM between alice and bob and accepts it as bob.
func (f *fixture) acceptedDM(t *testing.T) *api.Conversation {
	t.Helper()
	ctx := context.Background()
	conversation, err := f.conversations.CreateDirectRequest(ctx, "alice-uid", "bob@example.com")
	require.NoError(t, err)
	accepted, err := f.conversations.Respond(ctx, conversation.ID, "bob-uid", api.ActionAccepted)
	require.NoError(t, err)
	return accepted
}

// stalePointerRepo fails every last-message pointer write while leaving the
// rest of the conversation store intact.
type stalePointerRepo struct {
	api.ConversationRepository
}

func (r *stalePointerRepo) SetLastMessage(context.Context, string, string) error {
	return errors.New("write timed out")
}

// messagesWithStalePointer rebuilds the message pipeline over a conversation
// store whose pointer writes always fail.
func (f *fixture) messagesWithStalePointer() api.MessageService {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	conversations := api.NewConversationService(&stalePointerRepo{ConversationRepository: f.store}, f.store, log)
	return api.NewMessageService(f.store, conversations, log)
}

// insertMessage writes a message directly to the store, bypassing the engine,
// so tests can control timestamps and status.
func (f *fixture) insertMessage(t *testing.T, conversationID, senderID, content string, createdAt time.Time, msgStatus api.MessageStatus) *api.Message {
	t.Helper()
	message, err := f.store.InsertMessage(context.Background(), api.Message{
		ConversationID:  conversationID,
		SenderID:        senderID,
		Type:            api.TypeText,
		Content:         content,
		Status:          msgStatus,
		Reactions:       []api.Reaction{},
		DeletionHistory: []api.DeletionEntry{},
		CreatedAt:       createdAt,
		UpdatedAt:       createdAt,
	})
	require.NoError(t, err)
	return message
}
