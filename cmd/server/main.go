package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"

	"messengerService/config"
	"messengerService/pkg/api"
	"messengerService/pkg/app"
	"messengerService/pkg/repository"
)

func init() {
	// Missing .env is fine outside development.
	if err := godotenv.Load(".env"); err != nil {
		slog.Debug("no .env file loaded", "error", err)
	}
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("loading configuration", "error", err)
		os.Exit(1)
	}

	log := newLogger(cfg.LogLevel)
	ctx := context.Background()

	db, err := config.SetupDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("unable to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	log.Info("connected to database")

	mongoDB, err := config.SetupMongo(ctx, cfg.MongoURI, cfg.MongoDatabase)
	if err != nil {
		log.Error("unable to connect to document store", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := mongoDB.Client().Disconnect(ctx); err != nil {
			log.Error("disconnecting document store", "error", err)
		}
	}()
	log.Info("connected to document store", "database", cfg.MongoDatabase)

	firebaseApp, err := config.SetupFirebase(ctx)
	if err != nil {
		log.Error("initializing firebase", "error", err)
		os.Exit(1)
	}
	verifier, err := config.NewFirebaseVerifier(ctx, firebaseApp)
	if err != nil {
		log.Error("initializing token verifier", "error", err)
		os.Exit(1)
	}

	users := repository.NewUserStore(db)
	storage := repository.NewStorage(mongoDB)

	userService := api.NewUserService(users)
	convService := api.NewConversationService(storage, users, log)
	msgService := api.NewMessageService(storage, convService, log)
	projections := api.NewProjectionService(storage, storage, users)

	server := app.NewServer(chi.NewRouter(), cfg.ServerAddr, verifier, userService, convService, msgService, projections, log)

	if err := server.Run(); err != nil {
		log.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
