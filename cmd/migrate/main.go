package main

import (
	"context"
	"os"

	"cineshorts/internal/config"
	"cineshorts/internal/database"
	"cineshorts/internal/logging"
	"cineshorts/internal/migrations"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := logging.New(logging.Options{})
		bootLogger.Fatal().Err(err).Msg("load config")
	}
	logger := logging.New(logging.Options{Level: cfg.LogLevel, Service: "cineshorts-migrate"})

	db, err := database.Connect(context.Background(), cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect database")
	}

	applied, err := migrations.Apply(context.Background(), db)
	db.Close()
	if err != nil {
		logger.Error().Err(err).Msg("apply migrations")
		os.Exit(1)
	}

	if len(applied) == 0 {
		logger.Info().Msg("schema is up to date")
		return
	}
	logger.Info().Strs("applied", applied).Msg("migrations applied")
}
