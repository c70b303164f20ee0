package app_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"messengerService/pkg/api"
	"messengerService/pkg/app"
	"messengerService/pkg/repository"
)

// stubVerifier resolves fixed tokens to identities, standing in for the
// Firebase client.
type stubVerifier struct {
	tokens map[string]api.Identity
}

func (v *stubVerifier) Verify(_ context.Context, token string) (api.Identity, error) {
	identity, ok := v.tokens[token]
	if !ok {
		return api.Identity{}, fmt.Errorf("unknown token %q", token)
	}
	return identity, nil
}

// stalePointerRepo fails every last-message pointer write while leaving the
// rest of the conversation store intact.
type stalePointerRepo struct {
	api.ConversationRepository
}

func (r *stalePointerRepo) SetLastMessage(context.Context, string, string) error {
	return errors.New("write timed out")
}

type testServer struct {
	mux *chi.Mux
}

func newTestServer(t *testing.T) *testServer {
	return newTestServerWith(t, nil)
}

// newTestServerWith lets a test wrap the conversation repository, keeping the
// rest of the wiring identical to newTestServer.
func newTestServerWith(t *testing.T, wrapConvRepo func(api.ConversationRepository) api.ConversationRepository) *testServer {
	t.Helper()
	store := repository.NewMemoryStore()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	verifier := &stubVerifier{tokens: map[string]api.Identity{
		"alice-token": {UID: "alice-uid", Name: "Alice", Email: "alice@example.com"},
		"bob-token":   {UID: "bob-uid", Name: "Bob", Email: "bob@example.com"},
		"carol-token": {UID: "carol-uid", Name: "Carol", Email: "carol@example.com"},
	}}

	var convRepo api.ConversationRepository = store
	if wrapConvRepo != nil {
		convRepo = wrapConvRepo(store)
	}

	userService := api.NewUserService(store)
	convService := api.NewConversationService(convRepo, store, log)
	msgService := api.NewMessageService(store, convService, log)
	projections := api.NewProjectionService(store, store, store)

	server := app.NewServer(chi.NewRouter(), ":0", verifier, userService, convService, msgService, projections, log)
	ts := &testServer{mux: server.Routes()}

	// Register the fixture users through the API itself.
	for _, token := range []string{"alice-token", "bob-token", "carol-token"} {
		res := ts.do(t, http.MethodPost, "/user/register", token, nil)
		require.Equal(t, http.StatusCreated, res.Code)
	}
	return ts
}

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (ts *testServer) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	ts.mux.ServeHTTP(rec, req)
	return rec
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return env
}

func TestRequestsWithoutTokenAreRejected(t *testing.T) {
	ts := newTestServer(t)

	res := ts.do(t, http.MethodGet, "/conversation/all", "", nil)
	require.Equal(t, http.StatusUnauthorized, res.Code)

	req := httptest.NewRequest(http.MethodGet, "/conversation/all", nil)
	req.Header.Set("Authorization", "Bearer bogus")
	rec := httptest.NewRecorder()
	ts.mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestTokenFromQueryParam(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/conversation/all?token=alice-token", nil)
	rec := httptest.NewRecorder()
	ts.mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRegisterIsIdempotent(t *testing.T) {
	ts := newTestServer(t)

	res := ts.do(t, http.MethodPost, "/user/register", "alice-token", nil)
	require.Equal(t, http.StatusCreated, res.Code)
	env := decodeEnvelope(t, res)
	require.True(t, env.Success)

	var user api.User
	require.NoError(t, json.Unmarshal(env.Data, &user))
	require.Equal(t, "alice-uid", user.UID)
	require.Equal(t, "alice@example.com", user.Email)
}

func TestGetContacts(t *testing.T) {
	ts := newTestServer(t)

	res := ts.do(t, http.MethodGet, "/user/contacts/bo", "alice-token", nil)
	require.Equal(t, http.StatusOK, res.Code)
	env := decodeEnvelope(t, res)

	var users []api.User
	require.NoError(t, json.Unmarshal(env.Data, &users))
	require.Len(t, users, 1)
	require.Equal(t, "Bob", users[0].Name)
}

func TestConversationLifecycleOverREST(t *testing.T) {
	ts := newTestServer(t)

	// Alice requests a DM with bob.
	res := ts.do(t, http.MethodPost, "/conversation/create", "alice-token", map[string]string{"receiverEmail": "bob@example.com"})
	require.Equal(t, http.StatusCreated, res.Code)
	env := decodeEnvelope(t, res)
	var conversation api.Conversation
	require.NoError(t, json.Unmarshal(env.Data, &conversation))
	require.Equal(t, api.StatusPending, conversation.Status)

	// A duplicate request conflicts.
	res = ts.do(t, http.MethodPost, "/conversation/create", "alice-token", map[string]string{"receiverEmail": "bob@example.com"})
	require.Equal(t, http.StatusConflict, res.Code)

	// Outsiders cannot respond.
	res = ts.do(t, http.MethodPatch, "/conversation/respond/"+conversation.ID, "carol-token", map[string]string{"action": "accepted"})
	require.Equal(t, http.StatusForbidden, res.Code)

	// Sending before acceptance is forbidden.
	res = ts.do(t, http.MethodPost, "/message/send/"+conversation.ID, "alice-token", map[string]string{"content": "too early"})
	require.Equal(t, http.StatusForbidden, res.Code)

	// Bob accepts.
	res = ts.do(t, http.MethodPatch, "/conversation/respond/"+conversation.ID, "bob-token", map[string]string{"action": "accepted"})
	require.Equal(t, http.StatusOK, res.Code)

	// Accepting twice conflicts.
	res = ts.do(t, http.MethodPatch, "/conversation/respond/"+conversation.ID, "bob-token", map[string]string{"action": "accepted"})
	require.Equal(t, http.StatusConflict, res.Code)

	// Now messages flow.
	res = ts.do(t, http.MethodPost, "/message/send/"+conversation.ID, "alice-token", map[string]string{"content": "hello bob"})
	require.Equal(t, http.StatusCreated, res.Code)

	res = ts.do(t, http.MethodGet, "/message/"+conversation.ID, "bob-token", nil)
	require.Equal(t, http.StatusOK, res.Code)
	env = decodeEnvelope(t, res)
	var feed api.MessageFeed
	require.NoError(t, json.Unmarshal(env.Data, &feed))
	require.Equal(t, 1, feed.TotalCount)
	require.Equal(t, "hello bob", feed.Messages[0].Content)
	require.Equal(t, "Alice", feed.Messages[0].Sender.Name)

	// The conversation list shows the counterpart and the last message.
	res = ts.do(t, http.MethodGet, "/conversation/all", "alice-token", nil)
	require.Equal(t, http.StatusOK, res.Code)
	env = decodeEnvelope(t, res)
	var views []api.ConversationView
	require.NoError(t, json.Unmarshal(env.Data, &views))
	require.Len(t, views, 1)
	require.Equal(t, "Bob", views[0].Display.Name)
	require.NotNil(t, views[0].LastMessage)
	require.Equal(t, "hello bob", views[0].LastMessage.Content)
}

func TestSendMessagePointerFailureSurfaced(t *testing.T) {
	ts := newTestServerWith(t, func(repo api.ConversationRepository) api.ConversationRepository {
		return &stalePointerRepo{ConversationRepository: repo}
	})

	res := ts.do(t, http.MethodPost, "/conversation/create", "alice-token", map[string]string{"receiverEmail": "bob@example.com"})
	require.Equal(t, http.StatusCreated, res.Code)
	var conversation api.Conversation
	require.NoError(t, json.Unmarshal(decodeEnvelope(t, res).Data, &conversation))

	res = ts.do(t, http.MethodPatch, "/conversation/respond/"+conversation.ID, "bob-token", map[string]string{"action": "accepted"})
	require.Equal(t, http.StatusOK, res.Code)

	// The pointer write fails after the message is stored, so the caller
	// learns the list view may be stale instead of seeing a silent success.
	res = ts.do(t, http.MethodPost, "/message/send/"+conversation.ID, "alice-token", map[string]string{"content": "kept"})
	require.Equal(t, http.StatusInternalServerError, res.Code)
	require.False(t, decodeEnvelope(t, res).Success)

	// The message itself is durable.
	res = ts.do(t, http.MethodGet, "/message/"+conversation.ID, "bob-token", nil)
	require.Equal(t, http.StatusOK, res.Code)
	var feed api.MessageFeed
	require.NoError(t, json.Unmarshal(decodeEnvelope(t, res).Data, &feed))
	require.Len(t, feed.Messages, 1)
	require.Equal(t, "kept", feed.Messages[0].Content)
}

func TestCreateConversationValidation(t *testing.T) {
	ts := newTestServer(t)

	res := ts.do(t, http.MethodPost, "/conversation/create", "alice-token", map[string]string{"receiverEmail": "not-an-email"})
	require.Equal(t, http.StatusBadRequest, res.Code)

	res = ts.do(t, http.MethodPost, "/conversation/create", "alice-token", map[string]string{"receiverEmail": "ghost@example.com"})
	require.Equal(t, http.StatusNotFound, res.Code)

	res = ts.do(t, http.MethodPost, "/conversation/create", "alice-token", map[string]string{"unexpected": "field"})
	require.Equal(t, http.StatusBadRequest, res.Code)
}

func TestCreateGroupOverREST(t *testing.T) {
	ts := newTestServer(t)

	res := ts.do(t, http.MethodPost, "/conversation/group", "alice-token", map[string]any{
		"participantIds": []string{"bob-uid", "carol-uid"},
		"groupName":      "Road Trip",
	})
	require.Equal(t, http.StatusCreated, res.Code)
	env := decodeEnvelope(t, res)
	var group api.Conversation
	require.NoError(t, json.Unmarshal(env.Data, &group))
	require.Equal(t, api.KindGroup, group.Kind)
	require.Equal(t, api.StatusAccepted, group.Status)
	require.Len(t, group.Participants, 3)

	// Group members can message immediately.
	res = ts.do(t, http.MethodPost, "/message/send/"+group.ID, "carol-token", map[string]string{"content": "are we there yet"})
	require.Equal(t, http.StatusCreated, res.Code)
}

func TestBlockAndReadAndSettingsOverREST(t *testing.T) {
	ts := newTestServer(t)

	res := ts.do(t, http.MethodPost, "/conversation/create", "alice-token", map[string]string{"receiverEmail": "bob@example.com"})
	require.Equal(t, http.StatusCreated, res.Code)
	var conversation api.Conversation
	require.NoError(t, json.Unmarshal(decodeEnvelope(t, res).Data, &conversation))

	res = ts.do(t, http.MethodPatch, "/conversation/respond/"+conversation.ID, "bob-token", map[string]string{"action": "accepted"})
	require.Equal(t, http.StatusOK, res.Code)

	res = ts.do(t, http.MethodPatch, "/conversation/block/"+conversation.ID, "bob-token", map[string]string{"action": "block"})
	require.Equal(t, http.StatusOK, res.Code)
	var blocked api.Conversation
	require.NoError(t, json.Unmarshal(decodeEnvelope(t, res).Data, &blocked))
	require.True(t, blocked.IsBlocked())

	res = ts.do(t, http.MethodPatch, "/conversation/read/"+conversation.ID, "alice-token", nil)
	require.Equal(t, http.StatusOK, res.Code)

	patch := []map[string]any{{"op": "replace", "path": "/isArchived", "value": true}}
	res = ts.do(t, http.MethodPatch, "/conversation/settings/"+conversation.ID, "alice-token", patch)
	require.Equal(t, http.StatusOK, res.Code)
	var settings api.UserSettings
	require.NoError(t, json.Unmarshal(decodeEnvelope(t, res).Data, &settings))
	require.True(t, settings.IsArchived)
}

func TestGetConversationAccess(t *testing.T) {
	ts := newTestServer(t)

	res := ts.do(t, http.MethodPost, "/conversation/create", "alice-token", map[string]string{"receiverEmail": "bob@example.com"})
	require.Equal(t, http.StatusCreated, res.Code)
	var conversation api.Conversation
	require.NoError(t, json.Unmarshal(decodeEnvelope(t, res).Data, &conversation))

	res = ts.do(t, http.MethodGet, "/conversation/"+conversation.ID, "alice-token", nil)
	require.Equal(t, http.StatusOK, res.Code)

	// Outsiders get NotFound, not Forbidden.
	res = ts.do(t, http.MethodGet, "/conversation/"+conversation.ID, "carol-token", nil)
	require.Equal(t, http.StatusNotFound, res.Code)
}
