package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"medigate/internal/backend/medicare"
	"medigate/internal/infra/config"
	"medigate/internal/infra/logger"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:8100", "listen address")
	docsDir := flag.String("documents", "./documents", "directory of Medicare documents")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	flag.Parse()

	if err := run(*addr, *docsDir, *logLevel); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run(addr, docsDir, logLevel string) error {
	log, logCloser, err := logger.New(config.LoggerConfig{
		Level:  logLevel,
		Format: "text",
		Output: "stderr",
	})
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	docs, err := medicare.NewDocumentStore(docsDir)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           medicare.NewServer(docs, log).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		log.Info("medicare backend started", "addr", addr, "documents", docsDir)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("serve: %w", err)
		}
	case <-ctx.Done():
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("shutdown error", "error", err)
		}
	}

	log.Info("medicare backend stopped")
	return nil
}
