package app

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"messengerService/pkg/api"
)

type Server struct {
	router      *chi.Mux
	addr        string
	verifier    api.TokenVerifier
	userService api.UserService
	convService api.ConversationService
	msgService  api.MessageService
	projections api.ProjectionService
	hub         *api.Hub
	gateway     *api.Gateway
	validate    *validator.Validate
	log         *slog.Logger
}

func NewServer(
	router *chi.Mux,
	addr string,
	verifier api.TokenVerifier,
	userService api.UserService,
	convService api.ConversationService,
	msgService api.MessageService,
	projections api.ProjectionService,
	log *slog.Logger,
) *Server {
	// The hub loop starts here rather than in Run: handlers emit to it, so it
	// must be draining as soon as the routes are servable.
	hub := api.NewHub(log)
	go hub.Run()
	return &Server{
		router:      router,
		addr:        addr,
		verifier:    verifier,
		userService: userService,
		convService: convService,
		msgService:  msgService,
		projections: projections,
		hub:         hub,
		gateway:     api.NewGateway(hub, userService, convService, msgService, log),
		validate:    validator.New(),
		log:         log,
	}
}

func (s *Server) Run() error {
	r := s.Routes()

	server := &http.Server{Addr: s.addr, Handler: r}

	// Server run context
	serverCtx, serverStopCtx := context.WithCancel(context.Background())

	// Listen for syscall signals for process to interrupt/quit
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	go func() {
		<-sig

		// Shutdown signal with grace period of 30 seconds
		shutdownCtx, cancelFunc := context.WithTimeout(serverCtx, 30*time.Second)
		defer cancelFunc()

		go func() {
			<-shutdownCtx.Done()
			if shutdownCtx.Err() == context.DeadlineExceeded {
				s.log.Error("graceful shutdown timed out, forcing exit")
				os.Exit(1)
			}
		}()

		// Trigger graceful shutdown
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.log.Error("server shutdown", "error", err)
			os.Exit(1)
		}
		serverStopCtx()
	}()

	s.log.Info("server listening", "addr", s.addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}

	<-serverCtx.Done()
	return nil
}
