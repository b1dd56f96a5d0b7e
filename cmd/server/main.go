package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/voxbridge/callmedia/internal/config"
	"github.com/voxbridge/callmedia/pkg/adminapi"
	"github.com/voxbridge/callmedia/pkg/allowlist"
	"github.com/voxbridge/callmedia/pkg/asr"
	"github.com/voxbridge/callmedia/pkg/mediaconn"
	"github.com/voxbridge/callmedia/pkg/orchestrator"
	"github.com/voxbridge/callmedia/pkg/registry"
	"github.com/voxbridge/callmedia/pkg/switchclient"
	"github.com/voxbridge/callmedia/pkg/tts"
	"github.com/voxbridge/callmedia/pkg/webhook"
)

func main() {
	configPath := flag.String("config", "config.json", "path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("[main] load config %s: %v", *configPath, err)
	}

	gate, err := allowlist.New(cfg.Allowlist.Path)
	if err != nil {
		log.Fatalf("[main] load allowlist %s: %v", cfg.Allowlist.Path, err)
	}
	defer gate.Stop()

	reg := registry.New()
	swCfg := switchclient.Config{
		URL:      cfg.Switch.URL,
		Username: cfg.Switch.Username,
		Password: cfg.Switch.Password,
		App:      cfg.Switch.App,
	}
	sw := switchclient.NewClient(swCfg)
	ttsClient := tts.New(tts.Config{
		URL:             cfg.TTS.URL,
		DefaultVoice:    cfg.TTS.DefaultVoice,
		DefaultLanguage: cfg.TTS.DefaultLanguage,
		Timeout:         cfg.TTSTimeout(),
	})
	webhookClient := webhook.New(cfg.Webhook.URL)

	orc := orchestrator.New(orchestrator.Config{
		RingDelay: cfg.RingDelay(),
		ASR:       asr.Config{URL: cfg.ASR.URL, Language: cfg.ASR.Language},
	}, reg, sw, mediaconn.NewWebsocketDialer(), ttsClient, webhookClient, gate)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eventChannel := switchclient.NewEventChannel(swCfg)
	orc.AttachEvents(eventChannel)
	go eventChannel.Run(ctx)

	admin := adminapi.NewServer(orc, cfg.Admin.APIKey)
	addr := fmt.Sprintf("%s:%d", cfg.Admin.Host, cfg.Admin.Port)
	httpServer := &http.Server{Addr: addr, Handler: admin}

	go func() {
		log.Printf("[main] admin server listening on %s", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("[main] admin server: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("[main] shutting down")

	cancel()
	eventChannel.Stop()
	orc.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("[main] admin server shutdown: %v", err)
	}
}
