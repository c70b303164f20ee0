package api_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"messengerService/pkg/api"
)

func TestCreateDirectRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	conversation, err := f.conversations.CreateDirectRequest(ctx, "alice-uid", "bob@example.com")
	require.NoError(t, err)
	require.Equal(t, api.KindDM, conversation.Kind)
	require.Equal(t, api.StatusPending, conversation.Status)
	require.Equal(t, "alice-uid", conversation.InitiatedBy)
	require.Len(t, conversation.Participants, 2)

	role, ok := conversation.ParticipantRole("alice-uid")
	require.True(t, ok)
	require.Equal(t, api.RoleInitiator, role)
	role, ok = conversation.ParticipantRole("bob-uid")
	require.True(t, ok)
	require.Equal(t, api.RoleReceiver, role)
}

func TestCreateDirectRequestToUnknownEmail(t *testing.T) {
	f := newFixture(t)

	_, err := f.conversations.CreateDirectRequest(context.Background(), "alice-uid", "nobody@example.com")
	require.Equal(t, codes.NotFound, status.Code(err))
}

func TestCreateDirectRequestToSelf(t *testing.T) {
	f := newFixture(t)

	_, err := f.conversations.CreateDirectRequest(context.Background(), "alice-uid", "alice@example.com")
	require.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestDirectRequestIsUniquePerPair(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.conversations.CreateDirectRequest(ctx, "alice-uid", "bob@example.com")
	require.NoError(t, err)

	// Same pair again, both directions.
	_, err = f.conversations.CreateDirectRequest(ctx, "alice-uid", "bob@example.com")
	require.Equal(t, codes.AlreadyExists, status.Code(err))
	_, err = f.conversations.CreateDirectRequest(ctx, "bob-uid", "alice@example.com")
	require.Equal(t, codes.AlreadyExists, status.Code(err))

	// A different pair is fine.
	_, err = f.conversations.CreateDirectRequest(ctx, "alice-uid", "carol@example.com")
	require.NoError(t, err)
}

func TestRerequestAfterRejectionReusesConversation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	conversation, err := f.conversations.CreateDirectRequest(ctx, "alice-uid", "bob@example.com")
	require.NoError(t, err)

	_, err = f.conversations.Respond(ctx, conversation.ID, "bob-uid", api.ActionRejected)
	require.NoError(t, err)

	reopened, err := f.conversations.CreateDirectRequest(ctx, "alice-uid", "bob@example.com")
	require.NoError(t, err)
	require.Equal(t, conversation.ID, reopened.ID)
	require.Equal(t, api.StatusPending, reopened.Status)
	require.Empty(t, reopened.RespondedBy)
	require.Nil(t, reopened.ResponseTime)
}

func TestRespondTransitions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	conversation, err := f.conversations.CreateDirectRequest(ctx, "alice-uid", "bob@example.com")
	require.NoError(t, err)

	accepted, err := f.conversations.Respond(ctx, conversation.ID, "bob-uid", api.ActionAccepted)
	require.NoError(t, err)
	require.Equal(t, api.StatusAccepted, accepted.Status)
	require.Equal(t, "bob-uid", accepted.RespondedBy)

	// Accepting twice is a conflict.
	_, err = f.conversations.Respond(ctx, conversation.ID, "bob-uid", api.ActionAccepted)
	require.Equal(t, codes.AlreadyExists, status.Code(err))

	// An accepted conversation can still be rejected.
	rejected, err := f.conversations.Respond(ctx, conversation.ID, "bob-uid", api.ActionRejected)
	require.NoError(t, err)
	require.Equal(t, api.StatusRejected, rejected.Status)

	// And a rejected one re-accepted.
	accepted, err = f.conversations.Respond(ctx, conversation.ID, "bob-uid", api.ActionAccepted)
	require.NoError(t, err)
	require.Equal(t, api.StatusAccepted, accepted.Status)
}

func TestRespondRequiresParticipant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	conversation, err := f.conversations.CreateDirectRequest(ctx, "alice-uid", "bob@example.com")
	require.NoError(t, err)

	_, err = f.conversations.Respond(ctx, conversation.ID, "carol-uid", api.ActionAccepted)
	require.Equal(t, codes.PermissionDenied, status.Code(err))
}

func TestRespondUnknownConversation(t *testing.T) {
	f := newFixture(t)

	_, err := f.conversations.Respond(context.Background(), "missing-id", "bob-uid", api.ActionAccepted)
	require.Equal(t, codes.NotFound, status.Code(err))
}

func TestCreateGroup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	group, err := f.conversations.CreateGroup(ctx, "alice-uid", []string{"bob-uid", "carol-uid"}, "Weekend Plans", "")
	require.NoError(t, err)
	require.Equal(t, api.KindGroup, group.Kind)
	// Groups skip the request handshake entirely.
	require.Equal(t, api.StatusAccepted, group.Status)
	require.Len(t, group.Participants, 3)

	role, ok := group.ParticipantRole("alice-uid")
	require.True(t, ok)
	require.Equal(t, api.RoleAdmin, role)
	role, ok = group.ParticipantRole("bob-uid")
	require.True(t, ok)
	require.Equal(t, api.RoleMember, role)
	require.Equal(t, "Weekend Plans", group.GroupDetails.Name)
}

func TestCreateGroupDeduplicatesParticipants(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Repeated ids collapse to one membership instead of failing resolution.
	group, err := f.conversations.CreateGroup(ctx, "alice-uid", []string{"bob-uid", "bob-uid", "carol-uid"}, "Dupes", "")
	require.NoError(t, err)
	require.Len(t, group.Participants, 3)

	// The creator listed explicitly is not doubled either.
	group, err = f.conversations.CreateGroup(ctx, "alice-uid", []string{"alice-uid", "bob-uid"}, "Pair", "")
	require.NoError(t, err)
	require.Len(t, group.Participants, 2)
}

func TestCreateGroupValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.conversations.CreateGroup(ctx, "alice-uid", []string{"bob-uid"}, "", "")
	require.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = f.conversations.CreateGroup(ctx, "alice-uid", nil, "Lonely", "")
	require.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = f.conversations.CreateGroup(ctx, "alice-uid", []string{"ghost-uid"}, "Ghosts", "")
	require.Equal(t, codes.NotFound, status.Code(err))
}

func TestGroupParticipantManagement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	group, err := f.conversations.CreateGroup(ctx, "alice-uid", []string{"bob-uid"}, "Trio", "")
	require.NoError(t, err)

	updated, err := f.conversations.AddParticipant(ctx, group.ID, "alice-uid", "carol-uid", api.RoleMember)
	require.NoError(t, err)
	require.Len(t, updated.Participants, 3)

	// Adding the same user again is a no-op.
	updated, err = f.conversations.AddParticipant(ctx, group.ID, "alice-uid", "carol-uid", api.RoleMember)
	require.NoError(t, err)
	require.Len(t, updated.Participants, 3)

	updated, err = f.conversations.RemoveParticipant(ctx, group.ID, "alice-uid", "carol-uid")
	require.NoError(t, err)
	require.Len(t, updated.Participants, 2)
	require.False(t, updated.IsParticipant("carol-uid"))

	// DMs never change shape.
	dm := f.acceptedDM(t)
	_, err = f.conversations.AddParticipant(ctx, dm.ID, "alice-uid", "carol-uid", api.RoleMember)
	require.Equal(t, codes.InvalidArgument, status.Code(err))
	_, err = f.conversations.RemoveParticipant(ctx, dm.ID, "alice-uid", "bob-uid")
	require.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestBlockAndUnblock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	dm := f.acceptedDM(t)

	blocked, err := f.conversations.Block(ctx, dm.ID, "bob-uid")
	require.NoError(t, err)
	require.True(t, blocked.IsBlocked())
	require.Equal(t, "bob-uid", blocked.BlockDetails.BlockedBy)
	// Blocking leaves the lifecycle status untouched.
	require.Equal(t, api.StatusAccepted, blocked.Status)

	unblocked, err := f.conversations.Unblock(ctx, dm.ID, "bob-uid")
	require.NoError(t, err)
	require.False(t, unblocked.IsBlocked())
}

func TestBlockOnlyByParticipantAndOnlyDM(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	dm := f.acceptedDM(t)

	_, err := f.conversations.Block(ctx, dm.ID, "carol-uid")
	require.Equal(t, codes.PermissionDenied, status.Code(err))

	group, err := f.conversations.CreateGroup(ctx, "alice-uid", []string{"bob-uid"}, "No blocks", "")
	require.NoError(t, err)
	_, err = f.conversations.Block(ctx, group.ID, "alice-uid")
	require.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestMarkRead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	dm := f.acceptedDM(t)

	require.NoError(t, f.conversations.MarkRead(ctx, dm.ID, "bob-uid"))
	require.NoError(t, f.conversations.MarkRead(ctx, dm.ID, "bob-uid"))

	conversation, err := f.conversations.GetConversation(ctx, dm.ID)
	require.NoError(t, err)
	// Upsert: a second mark replaces, never appends.
	require.Len(t, conversation.ReadReceipts, 1)
	require.Equal(t, "bob-uid", conversation.ReadReceipts[0].UserID)

	err = f.conversations.MarkRead(ctx, dm.ID, "carol-uid")
	require.Equal(t, codes.PermissionDenied, status.Code(err))
}

func TestUpdateUserSettings(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	dm := f.acceptedDM(t)

	patch := []byte(`[{"op": "replace", "path": "/isArchived", "value": true}]`)
	settings, err := f.conversations.UpdateUserSettings(ctx, patch, "alice-uid", dm.ID)
	require.NoError(t, err)
	require.True(t, settings.IsArchived)
	require.False(t, settings.IsMuted)
	require.Equal(t, "alice-uid", settings.UserID)

	// Settings are private per participant.
	patch = []byte(`[{"op": "replace", "path": "/isMuted", "value": true}]`)
	settings, err = f.conversations.UpdateUserSettings(ctx, patch, "bob-uid", dm.ID)
	require.NoError(t, err)
	require.True(t, settings.IsMuted)
	require.False(t, settings.IsArchived)

	conversation, err := f.conversations.GetConversation(ctx, dm.ID)
	require.NoError(t, err)
	require.Len(t, conversation.UserSettings, 2)
}

func TestUpdateUserSettingsBadPatch(t *testing.T) {
	f := newFixture(t)
	dm := f.acceptedDM(t)

	_, err := f.conversations.UpdateUserSettings(context.Background(), []byte(`not json`), "alice-uid", dm.ID)
	require.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestFindDirectBetween(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	dm := f.acceptedDM(t)

	found, err := f.conversations.FindDirectBetween(ctx, "bob-uid", "alice-uid")
	require.NoError(t, err)
	require.Equal(t, dm.ID, found.ID)

	_, err = f.conversations.FindDirectBetween(ctx, "alice-uid", "carol-uid")
	require.Equal(t, codes.NotFound, status.Code(err))
}
