// Command shareterm runs the shared-terminal-over-WebSocket server: a
// single process-wide PTY session store multiplexed to any number of
// browser clients over one authenticated WebSocket endpoint.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/shareterm/shareterm/config"
	"github.com/shareterm/shareterm/hub"
	"github.com/shareterm/shareterm/internal/gateway"
	"github.com/shareterm/shareterm/store"
	"github.com/shareterm/shareterm/tmux"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("shareterm: %v", err)
	}

	if cfg.PIDFile != "" {
		if err := writePIDFile(cfg.PIDFile); err != nil {
			log.Fatalf("shareterm: failed to write pid file: %v", err)
		}
		defer os.Remove(cfg.PIDFile)
	}

	st := store.New()
	tp := tmux.New(tmux.DefaultTimeout)

	shutdownCh := make(chan struct{}, 1)

	h := hub.New(st, tp, hub.Options{
		MaxClients:      cfg.MaxClients,
		ScrollbackLines: cfg.ScrollbackLines,
		DefaultShell:    cfg.DefaultShell,
		OnIdleTimeout: func() {
			log.Printf("shareterm: idle with no clients and no running sessions, shutting down")
			select {
			case shutdownCh <- struct{}{}:
			default:
			}
		},
	})

	gw := gateway.New(h, gateway.Options{
		Token:            cfg.Token,
		WebRoot:          cfg.WebRoot,
		LoginMaxFailures: cfg.LoginMaxFailures,
		LoginBanDuration: cfg.LoginBanDuration,
	})

	mux := http.NewServeMux()
	gw.RegisterRoutes(mux)

	addr := cfg.Host + ":" + strconv.Itoa(cfg.Port)
	httpServer := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	serveErrCh := make(chan error, 1)
	go func() {
		log.Printf("shareterm: listening on %s", addr)
		serveErrCh <- httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErrCh:
		if err != nil && err != http.ErrServerClosed {
			log.Fatalf("shareterm: %v", err)
		}
	case sig := <-sigCh:
		log.Printf("shareterm: received %s, shutting down", sig)
	case <-shutdownCh:
	}

	gw.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Printf("shareterm: http shutdown: %v", err)
	}
}

func writePIDFile(path string) error {
	return os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644)
}
