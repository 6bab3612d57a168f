package main

import (
	"context"
	"database/sql"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"

	"github.com/frowell/flowforge/db/migrations"
	"github.com/frowell/flowforge/internal/app"
	"github.com/frowell/flowforge/internal/config"
	"github.com/frowell/flowforge/internal/widgetstore"
)

func main() {
	log, err := newLogger()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	cfg := config.Load()

	if err := migrate(cfg); err != nil {
		log.Fatal("migration failed", zap.Error(err))
	}

	widgetDB, err := sql.Open("postgres", cfg.StreamDSN)
	if err != nil {
		log.Fatal("widget store db open failed", zap.Error(err))
	}
	widgets := widgetstore.New(widgetDB)

	srv, err := app.NewServer(cfg, log, widgets)
	if err != nil {
		log.Fatal("server construction failed", zap.Error(err))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := srv.Run(ctx); err != nil {
		log.Fatal("server exited", zap.Error(err))
	}
}

func migrate(cfg *config.Config) error {
	db, err := sql.Open("postgres", cfg.StreamDSN)
	if err != nil {
		return err
	}
	defer db.Close()

	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.Up(db, ".")
}

func newLogger() (*zap.Logger, error) {
	return zap.NewProduction()
}
