package app

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"messengerService/pkg/api"
	myMiddleware "messengerService/pkg/middleware"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  8092,
	WriteBufferSize: 8092,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// response is the uniform REST envelope.
type response struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

func (s *Server) respond(w http.ResponseWriter, code int, message string, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(response{Success: code < 400, Message: message, Data: data}); err != nil {
		s.log.Error("encoding response", "error", err)
	}
}

func (s *Server) respondError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	code := api.HTTPStatus(err)
	w.WriteHeader(code)
	if encErr := json.NewEncoder(w).Encode(response{Success: false, Message: api.ErrorMessage(err)}); encErr != nil {
		s.log.Error("encoding error response", "error", encErr)
	}
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(v); err != nil {
		s.respond(w, http.StatusBadRequest, "invalid request body: "+err.Error(), nil)
		return false
	}
	if err := s.validate.Struct(v); err != nil {
		s.respond(w, http.StatusBadRequest, err.Error(), nil)
		return false
	}
	return true
}

func (s *Server) RegisterUser() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, ok := myMiddleware.IdentityFromContext(r.Context())
		if !ok {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		user, err := s.userService.RegisterUser(r.Context(), identity)
		if err != nil {
			s.respondError(w, err)
			return
		}
		s.respond(w, http.StatusCreated, "User registered successfully", user.ConvertToDTO())
	}
}

func (s *Server) GetContacts() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		query := chi.URLParam(r, "query")

		users, err := s.userService.GetUsersByNameContaining(r.Context(), query)
		if err != nil {
			s.respondError(w, err)
			return
		}

		usersDTO := make([]api.User, 0, len(users))
		for _, user := range users {
			usersDTO = append(usersDTO, user.ConvertToDTO())
		}
		s.respond(w, http.StatusOK, "", usersDTO)
	}
}

type createConversationRequest struct {
	ReceiverEmail string `json:"receiverEmail" validate:"required,email"`
}

func (s *Server) CreateConversation() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, _ := myMiddleware.IdentityFromContext(r.Context())

		var req createConversationRequest
		if !s.decode(w, r, &req) {
			return
		}

		conversation, err := s.convService.CreateDirectRequest(r.Context(), identity.UID, req.ReceiverEmail)
		if err != nil {
			s.respondError(w, err)
			return
		}
		s.respond(w, http.StatusCreated, "Conversation request sent", conversation)
	}
}

type createGroupRequest struct {
	ParticipantIds []string `json:"participantIds" validate:"required,min=1"`
	GroupName      string   `json:"groupName" validate:"required"`
	GroupImage     string   `json:"groupImage"`
}

func (s *Server) CreateGroup() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, _ := myMiddleware.IdentityFromContext(r.Context())

		var req createGroupRequest
		if !s.decode(w, r, &req) {
			return
		}

		conversation, err := s.convService.CreateGroup(r.Context(), identity.UID, req.ParticipantIds, req.GroupName, req.GroupImage)
		if err != nil {
			s.respondError(w, err)
			return
		}
		s.respond(w, http.StatusCreated, "Group created", conversation)
	}
}

func (s *Server) GetConversations() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, _ := myMiddleware.IdentityFromContext(r.Context())

		conversations, err := s.projections.ConversationList(r.Context(), identity.UID)
		if err != nil {
			s.respondError(w, err)
			return
		}
		s.respond(w, http.StatusOK, "", conversations)
	}
}

func (s *Server) GetConversation() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, _ := myMiddleware.IdentityFromContext(r.Context())
		conversationId := chi.URLParam(r, "conversationId")

		conversation, err := s.projections.ConversationByID(r.Context(), identity.UID, conversationId)
		if err != nil {
			s.respondError(w, err)
			return
		}
		s.respond(w, http.StatusOK, "", conversation)
	}
}

type respondRequest struct {
	Action api.ResponseAction `json:"action" validate:"required,oneof=accepted rejected"`
}

func (s *Server) RespondToConversation() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, _ := myMiddleware.IdentityFromContext(r.Context())
		conversationId := chi.URLParam(r, "conversationId")

		var req respondRequest
		if !s.decode(w, r, &req) {
			return
		}

		conversation, err := s.convService.Respond(r.Context(), conversationId, identity.UID, req.Action)
		if err != nil {
			s.respondError(w, err)
			return
		}
		s.respond(w, http.StatusOK, "Conversation "+string(conversation.Status), conversation)
	}
}

type blockRequest struct {
	Action string `json:"action" validate:"required,oneof=block unblock"`
}

func (s *Server) BlockConversation() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, _ := myMiddleware.IdentityFromContext(r.Context())
		conversationId := chi.URLParam(r, "conversationId")

		var req blockRequest
		if !s.decode(w, r, &req) {
			return
		}

		var (
			conversation *api.Conversation
			err          error
		)
		if req.Action == "block" {
			conversation, err = s.convService.Block(r.Context(), conversationId, identity.UID)
		} else {
			conversation, err = s.convService.Unblock(r.Context(), conversationId, identity.UID)
		}
		if err != nil {
			s.respondError(w, err)
			return
		}
		s.respond(w, http.StatusOK, "", conversation)
	}
}

func (s *Server) MarkConversationAsRead() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, _ := myMiddleware.IdentityFromContext(r.Context())
		conversationId := chi.URLParam(r, "conversationId")

		if err := s.convService.MarkRead(r.Context(), conversationId, identity.UID); err != nil {
			s.respondError(w, err)
			return
		}
		s.respond(w, http.StatusOK, "Conversation marked as read", nil)
	}
}

func (s *Server) UpdateUserSettings() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, _ := myMiddleware.IdentityFromContext(r.Context())
		conversationId := chi.URLParam(r, "conversationId")

		patchJSON, err := io.ReadAll(r.Body)
		if err != nil {
			s.respond(w, http.StatusBadRequest, "reading request body: "+err.Error(), nil)
			return
		}

		settings, err := s.convService.UpdateUserSettings(r.Context(), patchJSON, identity.UID, conversationId)
		if err != nil {
			s.respondError(w, err)
			return
		}
		s.respond(w, http.StatusOK, "", settings)
	}
}

type sendMessageRequest struct {
	Content  string               `json:"content" validate:"required"`
	Type     api.MessageType      `json:"type"`
	Caption  string               `json:"caption"`
	ReplyTo  string               `json:"replyTo"`
	Metadata *api.MessageMetadata `json:"metadata"`
}

func (s *Server) SendMessage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, _ := myMiddleware.IdentityFromContext(r.Context())
		conversationId := chi.URLParam(r, "conversationId")

		var req sendMessageRequest
		if !s.decode(w, r, &req) {
			return
		}

		message, err := s.msgService.Send(r.Context(), api.SendMessageInput{
			ConversationID: conversationId,
			SenderID:       identity.UID,
			Content:        req.Content,
			Type:           req.Type,
			Caption:        req.Caption,
			ReplyTo:        req.ReplyTo,
			Metadata:       req.Metadata,
		})
		if message == nil {
			s.respondError(w, err)
			return
		}

		s.hub.Emit(api.ConversationRoom(conversationId), api.EventNewMessage, map[string]any{
			"message": message,
		}, nil)
		if err != nil {
			// Message is durable, only the conversation pointer lagged. The
			// caller gets the error so it knows the list view may be stale.
			s.log.Warn("last-message pointer update failed", "message", message.ID, "error", err)
			s.respondError(w, err)
			return
		}
		s.respond(w, http.StatusCreated, "Message sent", message)
	}
}

func (s *Server) GetMessages() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, _ := myMiddleware.IdentityFromContext(r.Context())
		conversationId := chi.URLParam(r, "conversationId")

		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		skip, _ := strconv.Atoi(r.URL.Query().Get("skip"))
		if limit <= 0 {
			limit = 50
		}

		feed, err := s.projections.MessageFeed(r.Context(), identity.UID, conversationId, limit, skip)
		if err != nil {
			s.respondError(w, err)
			return
		}
		s.respond(w, http.StatusOK, "", feed)
	}
}

func (s *Server) ServeWs() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, ok := myMiddleware.IdentityFromContext(r.Context())
		if !ok {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.log.Error("websocket upgrade failed", "error", err)
			return
		}

		client := api.NewClient(s.hub, conn, make(chan []byte, 256), identity, s.gateway, s.log)
		s.hub.Register <- client

		// Allow collection of memory referenced by the caller by doing all work in
		// new goroutines.
		go client.WritePump()
		go client.ReadPump()
	}
}
