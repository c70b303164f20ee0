package app

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	myMiddleware "messengerService/pkg/middleware"
)

func (s *Server) Routes() *chi.Mux {
	r := s.router
	r.Use(cors.Handler(cors.Options{
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: false,
		MaxAge:           300, // Maximum value not ignored by any of major browsers
	}))
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	authenticator := myMiddleware.Authenticator(s.verifier)

	r.Route("/user", func(r chi.Router) {
		r.Use(authenticator)
		r.Post("/register", s.RegisterUser())
		r.Get("/contacts/{query}", s.GetContacts())
	})

	r.Route("/conversation", func(r chi.Router) {
		r.Use(authenticator)
		r.Post("/create", s.CreateConversation())
		r.Post("/group", s.CreateGroup())
		r.Get("/all", s.GetConversations())
		r.Get("/{conversationId}", s.GetConversation())
		r.Patch("/respond/{conversationId}", s.RespondToConversation())
		r.Patch("/block/{conversationId}", s.BlockConversation())
		r.Patch("/read/{conversationId}", s.MarkConversationAsRead())
		r.Patch("/settings/{conversationId}", s.UpdateUserSettings())
	})

	r.Route("/message", func(r chi.Router) {
		r.Use(authenticator)
		r.Post("/send/{conversationId}", s.SendMessage())
		r.Get("/{conversationId}", s.GetMessages())
	})

	r.With(authenticator).Get("/chat/ws", s.ServeWs())

	return r
}
