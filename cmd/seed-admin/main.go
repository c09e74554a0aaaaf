package main

import (
	"context"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/playmatatu/wordduel/internal/admin"
	"github.com/playmatatu/wordduel/internal/config"
	"github.com/playmatatu/wordduel/internal/database"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("failed to load config")
	}
	log := logrus.NewEntry(config.NewLogger(cfg))

	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL is required")
	}
	ctx := context.Background()
	db, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		log.WithError(err).Fatal("failed to connect to database")
	}
	defer db.Close()

	name := os.Getenv("OPERATOR_NAME")
	if name == "" {
		name = "ops"
		log.WithField("operator", name).Info("using default operator name")
	}
	token := os.Getenv("OPERATOR_TOKEN")
	if token == "" {
		log.Fatal("OPERATOR_TOKEN is required")
	}

	if err := admin.CreateOperator(ctx, admin.NewPostgresStore(db), name, token); err != nil {
		log.WithError(err).Fatal("failed to create operator")
	}
	log.WithField("operator", name).Info("operator created or updated")
}
