// Command voiceloop runs the realtime voice assistant server: WebRTC
// signalling over HTTP, one conversation pipeline per connected peer.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/voiceloop-ai/voiceloop/pkg/robot"
	"github.com/voiceloop-ai/voiceloop/pkg/server"
	"github.com/voiceloop-ai/voiceloop/pkg/trace"
)

func main() {
	godotenv.Load()
	cfg := loadConfig()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := trace.Initialize(ctx, trace.DefaultConfig()); err != nil {
		log.Printf("[Main] tracing disabled: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := trace.Shutdown(shutdownCtx); err != nil {
			log.Printf("[Main] trace shutdown: %v", err)
		}
	}()

	mgr, err := newSessionManager(ctx, cfg)
	if err != nil {
		log.Fatalf("[Main] %v", err)
	}
	defer mgr.Close()

	srvCfg := server.DefaultServerConfig()
	srvCfg.HTTPAddr = cfg.HTTPAddr
	srvCfg.RTCUDPPort = cfg.UDPPort
	srvCfg.Providers = cfg.providerNames()
	srvCfg.MaxPeers = cfg.MaxPeers
	if stun := os.Getenv("VOICELOOP_STUN_SERVER"); stun != "" {
		srvCfg.STUNServers = []string{stun}
	}

	rtc := server.NewRTCServer(srvCfg, mgr)
	if err := rtc.Start(); err != nil {
		log.Fatalf("[Main] %v", err)
	}
	defer rtc.Stop()

	mux := http.NewServeMux()
	rtc.RegisterRoutes(mux)

	httpServer := &http.Server{Addr: cfg.HTTPAddr, Handler: mux}
	go func() {
		log.Printf("[Main] signalling on %s, media on udp/%d", cfg.HTTPAddr, cfg.UDPPort)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("[Main] http: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("[Main] shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("[Main] http shutdown: %v", err)
	}
}

// newRobotClient dials the hardware daemon once; every session shares the
// connection.
func newRobotClient(cfg appConfig) (*robot.Client, error) {
	if !cfg.RobotEnabled {
		return nil, nil
	}
	return robot.NewClient(robot.DefaultConfig(cfg.RobotAddress))
}
