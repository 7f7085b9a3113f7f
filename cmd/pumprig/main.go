package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/okulov/pumprig/internal/event"
	"github.com/okulov/pumprig/internal/rig"
	"github.com/okulov/pumprig/internal/server"
)

func main() {
	configPath := flag.String("config", "/etc/pumprig/config.yaml", "Path to config file")
	demo := flag.Bool("demo", false, "Run with a simulated rig instead of serial hardware")
	listenAddr := flag.String("listen", "", "Override listen address (e.g. :8080)")
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	log.Println("[main] pumprig starting")

	// Load config
	cfg := server.LoadConfig(*configPath)

	if *demo {
		cfg.Rig.Type = "demo"
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}

	// Create context with signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("[main] received %v, shutting down", sig)
		cancel()
	}()

	bus := event.NewBus()

	var rigProv rig.Provider
	switch cfg.Rig.Type {
	case "dcon":
		ctrl, err := rig.NewController(cfg.RigController(), bus)
		if err != nil {
			log.Fatalf("[main] invalid rig config: %v", err)
		}
		rigProv = ctrl
	default:
		rigProv = rig.NewDemo(cfg.Calibration, bus)
	}

	// Try connecting with exponential backoff. Non-blocking: the control
	// surface starts regardless, operators can retry from it.
	go connectWithRetry(ctx, "rig", rigProv, 10)

	srv := server.New(cfg, rigProv, bus)
	if err := srv.Run(ctx); err != nil {
		log.Printf("[main] server exited: %v", err)
	}
}

// connectWithRetry attempts to connect with exponential backoff.
// Starts at 1s, doubles each attempt up to 60s, retries up to maxAttempts
// then continues at max interval indefinitely.
func connectWithRetry(ctx context.Context, name string, p rig.Provider, maxAttempts int) {
	delay := 1 * time.Second
	maxDelay := 60 * time.Second
	attempt := 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := p.Connect(); err != nil {
			attempt++
			if attempt <= maxAttempts {
				log.Printf("[%s] connect attempt %d/%d failed: %v (retry in %v)",
					name, attempt, maxAttempts, err, delay)
			} else {
				log.Printf("[%s] connect attempt %d failed: %v (retry in %v)",
					name, attempt, err, delay)
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}

			delay *= 2
			if delay > maxDelay {
				delay = maxDelay
			}
		} else {
			log.Printf("[%s] connected successfully (attempt %d)", name, attempt+1)
			return
		}
	}
}
