package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"chronoai/internal/api"
	"chronoai/internal/audio"
	"chronoai/internal/chat"
	"chronoai/internal/classify"
	"chronoai/internal/config"
	"chronoai/internal/hqmatch"
	"chronoai/internal/ingest"
	"chronoai/internal/logger"
	"chronoai/internal/pipeline"
	"chronoai/internal/silence"
	"chronoai/internal/storage"
	"chronoai/internal/stt"
	"chronoai/internal/ws"
)

func main() {
	_ = godotenv.Load() // loads .env

	log := logger.New()
	log.WithField("service", "chronoai").Info("starting service")

	cfg := config.Load()

	blob, err := storage.NewLocalBlob(cfg.LocalStoragePath)
	if err != nil {
		log.WithError(err).Fatal("failed to open local storage")
	}
	store := storage.NewService(blob, cfg.HQSeedPath)

	var speechClient stt.SpeechClient
	if cfg.IsSpeechConfigured() {
		speechClient = stt.NewHTTPSpeechClient(cfg.SpeechEndpoint, cfg.SpeechKey, cfg.SpeechLanguage)
		log.WithField("endpoint", cfg.SpeechEndpoint).Info("speech recognition configured")
	}
	var chatClient classify.ChatClient
	var completer chat.Completer
	if cfg.IsLLMConfigured() {
		gateway := classify.NewGatewayClient(cfg.LLMEndpoint, cfg.LLMKey, cfg.LLMDeployment)
		chatClient = gateway
		completer = gateway
		log.WithField("deployment", cfg.LLMDeployment).Info("language model configured")
	}

	matcher := hqmatch.New()
	hub := ws.NewHub()
	pipe := pipeline.New(
		store,
		silence.NewGate(cfg.SilenceThresholdDB, cfg.MinSpeechDuration),
		matcher,
		classify.New(chatClient),
		stt.NewTranscriber(speechClient, cfg.RecognitionMaxWait),
		&audio.FFmpegConverter{},
		hub,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.WatchDir != "" {
		watcher := ingest.NewWatcher(cfg.WatchDir, pipe)
		go func() {
			if err := watcher.Run(ctx); err != nil && err != context.Canceled {
				log.WithError(err).Error("chunk watcher stopped")
			}
		}()
	}

	addr := fmt.Sprintf(":%s", cfg.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      api.NewServer(store, pipe, matcher, hub, chat.New(completer)).Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("shutdown did not finish cleanly")
		}
	}()

	log.WithField("addr", addr).Info("listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.WithError(err).Fatal("server terminated")
	}
}
