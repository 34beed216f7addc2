package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"jukebox/internal/app/playback"
	"jukebox/internal/app/requests"
	"jukebox/internal/chat"
	"jukebox/internal/logging"
	"jukebox/internal/musicapi"
	"jukebox/internal/player"
	"jukebox/internal/store"
)

func main() {
	cfg, err := loadConfig()
	if err != nil {
		fallback := logging.New(logging.Config{})
		fallback.Fatal().Err(err).Msg("load config")
	}

	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	logging.SetGlobal(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("open database")
	}
	defer db.Close()

	dataStore := store.New(db, cfg.StatsTimezone)
	playerClient := player.New(cfg.PlayerURL)

	resolvers := []musicapi.Resolver{
		musicapi.NewNeteaseClient(cfg.NeteaseAPIURL, cfg.NeteaseCookie),
		musicapi.NewQQMusicClient(cfg.QQAPIURL),
		musicapi.NewBilibiliClient(cfg.BilibiliAPIURL),
	}

	sender, err := chat.NewSender(cfg.Chat)
	if err != nil {
		logger.Fatal().Err(err).Msg("init chat sender")
	}

	engine := playback.NewEngine(dataStore, dataStore, playerClient, sender, resolvers, logger)
	requestSvc := requests.NewService(dataStore, dataStore, dataStore, sender, playerClient, engine, logger)

	go func() {
		if err := engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("playback loop stopped")
		}
	}()

	if cfg.BotDisabled {
		logger.Info().Msg("chat bot disabled")
	} else {
		b := newBot(sender, requestSvc, playerClient, resolvers, logger)
		listener := chat.NewListener(cfg.Chat, b.handleMessage, logger)
		go func() {
			if err := listener.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Msg("chat listener stopped")
			}
		}()
	}

	srv := &http.Server{
		Addr:    cfg.Addr,
		Handler: newHTTPHandler(cfg, dataStore, requestSvc, engine, playerClient, logger),
	}

	go func() {
		logger.Info().Str("addr", cfg.Addr).Msg("API listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("server error")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown")
	}
}
