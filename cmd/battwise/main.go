package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/battwise/battwise/pkg/battery"
	"github.com/battwise/battwise/pkg/consumption"
	"github.com/battwise/battwise/pkg/inverter"
	"github.com/battwise/battwise/pkg/log"
	"github.com/battwise/battwise/pkg/meter"
	"github.com/battwise/battwise/pkg/prices"
	"github.com/battwise/battwise/pkg/service"
	"github.com/battwise/battwise/pkg/solar"
	"github.com/battwise/battwise/pkg/storage"

	"github.com/levenlabs/go-lflag"
	"github.com/levenlabs/go-llog"
)

func main() {
	// init packages
	p := prices.Configured()
	b := battery.Configured()
	m := meter.Configured()
	inv := inverter.Configured()
	sol := solar.Configured()
	cons := consumption.Configured()
	db := storage.Configured()

	// init service
	svc := service.Configured(p, b, m, inv, sol, cons, db)

	// parse flags
	lflag.Configure()

	var level slog.Level
	// lflag automatically sets llog's level, but we need to set the slog level
	switch llog.GetLevel() {
	case llog.DebugLevel:
		level = slog.LevelDebug
	case llog.InfoLevel:
		level = slog.LevelInfo
	case llog.WarnLevel:
		level = slog.LevelWarn
	case llog.ErrorLevel:
		level = slog.LevelError
	default:
		panic(fmt.Errorf("unknown log level: %s", llog.GetLevel().String()))
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	slog.Debug("logger configured", slog.String("level", level.String()))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// If initialization inside lflag.Do failed, we wouldn't be here (panic).
	defer func() {
		if err := db.Close(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to close storage", "error", err)
		}
	}()
	defer func() {
		if err := inv.Close(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to close inverter", "error", err)
		}
	}()

	// Run blocks until the context is canceled or an error happens
	if err := svc.Run(ctx); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "service failed", "error", err)
		os.Exit(1)
	}
	log.Ctx(ctx).InfoContext(ctx, "service exited cleanly")
}
