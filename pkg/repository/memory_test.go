package repository_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"messengerService/pkg/api"
	"messengerService/pkg/repository"
)

func seedConversation(t *testing.T, store *repository.MemoryStore, kind api.ConversationKind, convStatus api.ConversationStatus, uids ...string) *api.Conversation {
	t.Helper()
	now := time.Now()
	participants := make([]api.Participant, 0, len(uids))
	for _, uid := range uids {
		participants = append(participants, api.Participant{UserID: uid, Role: api.RoleMember, State: api.MembershipActive, JoinedAt: now})
	}
	conversation, err := store.InsertConversation(context.Background(), api.Conversation{
		Kind:         kind,
		Participants: participants,
		Status:       convStatus,
		InitiatedBy:  uids[0],
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	require.NoError(t, err)
	return conversation
}

func TestUpdateConversationStatusPredicate(t *testing.T) {
	store := repository.NewMemoryStore()
	ctx := context.Background()
	conversation := seedConversation(t, store, api.KindDM, api.StatusPending, "u1", "u2")

	// Transition guarded by the wrong current state fails without writing.
	_, err := store.UpdateConversationStatus(ctx, conversation.ID, []api.ConversationStatus{api.StatusAccepted}, api.StatusRejected, nil)
	require.ErrorIs(t, err, api.ErrNoDocument)

	updated, err := store.UpdateConversationStatus(ctx, conversation.ID,
		[]api.ConversationStatus{api.StatusPending, api.StatusRejected}, api.StatusAccepted,
		&api.ResponseDetails{RespondedBy: "u2", ResponseAction: api.ActionAccepted, ResponseTime: time.Now()})
	require.NoError(t, err)
	require.Equal(t, api.StatusAccepted, updated.Status)
	require.Equal(t, "u2", updated.RespondedBy)

	// The same transition again finds no matching state.
	_, err = store.UpdateConversationStatus(ctx, conversation.ID, []api.ConversationStatus{api.StatusPending}, api.StatusAccepted, nil)
	require.ErrorIs(t, err, api.ErrNoDocument)

	// Clearing the response fields on reopen.
	reopened, err := store.UpdateConversationStatus(ctx, conversation.ID, []api.ConversationStatus{api.StatusAccepted}, api.StatusPending, nil)
	require.NoError(t, err)
	require.Empty(t, reopened.RespondedBy)
	require.Nil(t, reopened.ResponseTime)
}

func TestAddParticipantIdempotent(t *testing.T) {
	store := repository.NewMemoryStore()
	ctx := context.Background()
	conversation := seedConversation(t, store, api.KindGroup, api.StatusAccepted, "u1", "u2")

	participant := api.Participant{UserID: "u3", Role: api.RoleMember, State: api.MembershipActive, JoinedAt: time.Now()}
	updated, err := store.AddConversationParticipant(ctx, conversation.ID, participant)
	require.NoError(t, err)
	require.Len(t, updated.Participants, 3)

	updated, err = store.AddConversationParticipant(ctx, conversation.ID, participant)
	require.NoError(t, err)
	require.Len(t, updated.Participants, 3)

	_, err = store.AddConversationParticipant(ctx, "missing", participant)
	require.ErrorIs(t, err, api.ErrNoDocument)
}

func TestUpsertReadReceiptReplaces(t *testing.T) {
	store := repository.NewMemoryStore()
	ctx := context.Background()
	conversation := seedConversation(t, store, api.KindDM, api.StatusAccepted, "u1", "u2")

	first := time.Now().Add(-time.Minute)
	require.NoError(t, store.UpsertReadReceipt(ctx, conversation.ID, "u1", first))
	second := time.Now()
	require.NoError(t, store.UpsertReadReceipt(ctx, conversation.ID, "u1", second))

	found, err := store.FindConversation(ctx, conversation.ID)
	require.NoError(t, err)
	require.Len(t, found.ReadReceipts, 1)
	require.WithinDuration(t, second, found.ReadReceipts[0].LastReadAt, time.Millisecond)
}

func TestFindDMBetweenMatchesExactPair(t *testing.T) {
	store := repository.NewMemoryStore()
	ctx := context.Background()
	dm := seedConversation(t, store, api.KindDM, api.StatusAccepted, "u1", "u2")
	// A group holding the same users is not a DM match.
	seedConversation(t, store, api.KindGroup, api.StatusAccepted, "u1", "u2", "u3")

	found, err := store.FindDMBetween(ctx, "u2", "u1")
	require.NoError(t, err)
	require.Equal(t, dm.ID, found.ID)

	_, err = store.FindDMBetween(ctx, "u1", "u3")
	require.ErrorIs(t, err, api.ErrNoDocument)
}

func TestMessageConditionalUpdates(t *testing.T) {
	store := repository.NewMemoryStore()
	ctx := context.Background()
	now := time.Now()
	message, err := store.InsertMessage(ctx, api.Message{
		ConversationID: "c1",
		SenderID:       "u1",
		Type:           api.TypeText,
		Content:        "hello",
		Status:         api.MessageSent,
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	require.NoError(t, err)

	// Duplicate (user, emoji) pair is refused.
	reaction := api.Reaction{UserID: "u2", Emoji: "🔥", ReactedAt: now}
	_, err = store.AddMessageReaction(ctx, message.ID, reaction)
	require.NoError(t, err)
	_, err = store.AddMessageReaction(ctx, message.ID, reaction)
	require.ErrorIs(t, err, api.ErrNoDocument)

	// At most one everyone-scoped deletion entry.
	entry := api.DeletionEntry{DeletedFor: api.DeletedForEveryone, UserID: "u1", Time: now}
	_, err = store.AppendDeletionForEveryone(ctx, message.ID, entry)
	require.NoError(t, err)
	_, err = store.AppendDeletionForEveryone(ctx, message.ID, entry)
	require.ErrorIs(t, err, api.ErrNoDocument)

	// Edits are refused once the message is gone for everyone.
	_, err = store.EditMessageContent(ctx, message.ID, "rewrite", time.Now())
	require.ErrorIs(t, err, api.ErrNoDocument)

	// Me-scoped entries are per user.
	me := api.DeletionEntry{DeletedFor: api.DeletedForMe, UserID: "u2", Time: now}
	_, err = store.AppendDeletionForUser(ctx, message.ID, me)
	require.NoError(t, err)
	_, err = store.AppendDeletionForUser(ctx, message.ID, me)
	require.ErrorIs(t, err, api.ErrNoDocument)
	_, err = store.AppendDeletionForUser(ctx, message.ID, api.DeletionEntry{DeletedFor: api.DeletedForMe, UserID: "u3", Time: now})
	require.NoError(t, err)
}

func TestListMessagesPagination(t *testing.T) {
	store := repository.NewMemoryStore()
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		_, err := store.InsertMessage(ctx, api.Message{
			ConversationID: "c1",
			SenderID:       "u1",
			Content:        fmt.Sprintf("m%d", i),
			Status:         api.MessageSent,
			CreatedAt:      base.Add(time.Duration(i) * time.Minute),
			UpdatedAt:      base.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}

	// Newest first.
	page, err := store.ListMessagesByConversation(ctx, "c1", 2, 0)
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.Equal(t, "m4", page[0].Content)
	require.Equal(t, "m3", page[1].Content)

	page, err = store.ListMessagesByConversation(ctx, "c1", 2, 4)
	require.NoError(t, err)
	require.Len(t, page, 1)
	require.Equal(t, "m0", page[0].Content)

	page, err = store.ListMessagesByConversation(ctx, "c1", 2, 10)
	require.NoError(t, err)
	require.Empty(t, page)
}

func TestFindUndeliveredMessages(t *testing.T) {
	store := repository.NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	insert := func(conversationID, sender string, msgStatus api.MessageStatus) *api.Message {
		message, err := store.InsertMessage(ctx, api.Message{
			ConversationID: conversationID,
			SenderID:       sender,
			Content:        "x",
			Status:         msgStatus,
			CreatedAt:      now,
			UpdatedAt:      now,
		})
		require.NoError(t, err)
		return message
	}

	wanted := insert("c1", "u1", api.MessageSent)
	insert("c1", "u2", api.MessageSent)      // receiver's own message
	insert("c1", "u1", api.MessageRead)      // already past sent
	insert("other", "u1", api.MessageSent)   // different conversation

	pending, err := store.FindUndeliveredMessages(ctx, []string{"c1"}, "u2")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, wanted.ID, pending[0].ID)

	require.NoError(t, store.MarkMessagesDelivered(ctx, []string{wanted.ID}))
	pending, err = store.FindUndeliveredMessages(ctx, []string{"c1"}, "u2")
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestMarkMessagesDeliveredOnlyFlipsSent(t *testing.T) {
	store := repository.NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	insert := func(msgStatus api.MessageStatus) *api.Message {
		message, err := store.InsertMessage(ctx, api.Message{
			ConversationID: "c1",
			SenderID:       "u1",
			Content:        "x",
			Status:         msgStatus,
			CreatedAt:      now,
			UpdatedAt:      now,
		})
		require.NoError(t, err)
		return message
	}

	sent := insert(api.MessageSent)
	read := insert(api.MessageRead)

	// A read that landed between the lookup and the sweep is never regressed.
	require.NoError(t, store.MarkMessagesDelivered(ctx, []string{sent.ID, read.ID}))

	got, err := store.FindMessage(ctx, sent.ID)
	require.NoError(t, err)
	require.Equal(t, api.MessageDelivered, got.Status)
	got, err = store.FindMessage(ctx, read.ID)
	require.NoError(t, err)
	require.Equal(t, api.MessageRead, got.Status)
}
