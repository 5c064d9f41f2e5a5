// main.go
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/resona-app/voicecall/internal/call"
	"github.com/resona-app/voicecall/internal/config"
	"github.com/resona-app/voicecall/internal/httpapi"
	"github.com/resona-app/voicecall/internal/ice"
	sig "github.com/resona-app/voicecall/internal/signal"
)

var (
	cfgPath  = flag.String("config", "resona.json", "Path to the config file (created if missing)")
	userID   = flag.String("id", "", "Override identity.user_id")
	relayURL = flag.String("relay", "", "Override signaling.relay_url")
	loopback = flag.Bool("loopback", false, "Run a local two-party demo call without a relay")
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("Resona voice engine v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	if *loopback {
		runLoopbackDemo()
		return
	}
	runClient()
}

func runClient() {
	id := *userID
	if id == "" {
		id = uuid.NewString()
	}
	cfg, created, err := config.Ensure(*cfgPath, id)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if created {
		log.Printf("Created default config at %s", *cfgPath)
	}

	// Flag overrides beat the file.
	if *userID != "" {
		cfg.Identity.UserID = *userID
	}
	if *relayURL != "" {
		cfg.Signaling.RelayURL = *relayURL
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	printBanner(cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	bus, err := sig.DialWS(ctx, cfg.Signaling.RelayURL, cfg.Identity.UserID)
	if err != nil {
		log.Fatalf("Relay connection failed: %v", err)
	}
	defer bus.Close()

	iceProvider := ice.New(cfg.Signaling.ICEConfigURL, time.Duration(cfg.Signaling.ICEWaitSec)*time.Second)
	mic := call.SystemMicrophone(cfg.Call.PreferredMic)

	engine, err := call.New(call.Config{
		SelfID:         cfg.Identity.UserID,
		Bus:            bus,
		ICE:            iceProvider,
		Mic:            mic,
		ConnectTimeout: time.Duration(cfg.Call.ConnectTimeoutSec) * time.Second,
	})
	if err != nil {
		log.Fatalf("Engine failed: %v", err)
	}
	defer engine.Close()

	// Config edits apply to the next call, never to one in flight.
	go func() {
		err := config.Watch(ctx, *cfgPath, func(c config.Config) {
			if m, ok := mic.(interface{ SetPreferred(string) }); ok {
				m.SetPreferred(c.Call.PreferredMic)
			}
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("Config watcher stopped: %v", err)
		}
	}()

	mux := http.NewServeMux()
	httpapi.RegisterCall(mux, engine, cfg.HTTP.Debug)
	srv := &http.Server{Addr: cfg.HTTP.Addr, Handler: mux}

	go func() {
		log.Printf("UI API listening on http://%s", cfg.HTTP.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("Shutting down gracefully...")

	// Hang up first so the peer is told before the process exits.
	if err := engine.Close(); err != nil {
		log.Printf("Engine shutdown: %v", err)
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
}

// runLoopbackDemo wires two engines through the in-process relay: alice
// rings, bob answers, both sides capture the real microphone. Useful for
// checking the media path on one machine.
func runLoopbackDemo() {
	busA, busB := sig.Loopback("alice", "bob")

	alice, err := call.New(call.Config{SelfID: "alice", Bus: busA, Mic: call.SystemMicrophone("")})
	if err != nil {
		log.Fatalf("alice engine: %v", err)
	}
	defer alice.Close()

	bob, err := call.New(call.Config{SelfID: "bob", Bus: busB, Mic: call.SystemMicrophone("")})
	if err != nil {
		log.Fatalf("bob engine: %v", err)
	}
	defer bob.Close()

	go func() {
		ch, cancel := bob.Subscribe()
		defer cancel()
		for snap := range ch {
			if snap.Status == call.StatusIncoming {
				if err := bob.AcceptCall(context.Background()); err != nil {
					log.Printf("bob accept: %v", err)
				}
			}
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := alice.StartCall(ctx, "bob", "Bob", ""); err != nil {
		log.Fatalf("alice call: %v", err)
	}
	log.Println("Loopback call running, Ctrl+C to stop")

	<-ctx.Done()
	log.Println("Shutting down gracefully...")
}

func showUsage() {
	fmt.Println("Resona voice engine")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  voicecall [flags]           Connect to the relay and serve the local UI API")
	fmt.Println("  voicecall -loopback         Run a local two-party demo call")
	fmt.Println()
	fmt.Println("Flags:")
	fmt.Println("  -config <path>  Config file (default resona.json, created if missing)")
	fmt.Println("  -id <user>      Override the user id from the config")
	fmt.Println("  -relay <url>    Override the relay URL from the config")
	fmt.Println("  -h              Show this help message")
	fmt.Println("  -version        Show version information")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  # Connect as alice to the default relay")
	fmt.Println("  voicecall -id alice")
	fmt.Println()
	fmt.Println("  # Local development against a relay on localhost")
	fmt.Println("  voicecall -id alice -relay ws://127.0.0.1:8787/ws")
}

func printBanner(cfg config.Config) {
	fmt.Println("╔════════════════════════════════════════════════════════╗")
	fmt.Println("║                 Resona Voice Engine                    ║")
	fmt.Println("╚════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("User ID:   %s\n", cfg.Identity.UserID)
	fmt.Printf("Relay:     %s\n", cfg.Signaling.RelayURL)
	fmt.Printf("UI API:    http://%s\n", cfg.HTTP.Addr)
	if cfg.Signaling.ICEConfigURL != "" {
		fmt.Printf("ICE conf:  %s\n", cfg.Signaling.ICEConfigURL)
	}
	fmt.Println()
	fmt.Println("Starting engine... (Press Ctrl+C to stop)")
	fmt.Println("────────────────────────────────────────────────────────")
	fmt.Println()
}
