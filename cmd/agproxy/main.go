package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/awsl-project/agproxy/internal/config"
	"github.com/awsl-project/agproxy/internal/converter"
	"github.com/awsl-project/agproxy/internal/executor"
	"github.com/awsl-project/agproxy/internal/handler"
	"github.com/awsl-project/agproxy/internal/pool"
	"github.com/awsl-project/agproxy/internal/repository/sqlite"
	"github.com/awsl-project/agproxy/internal/signature"
	"github.com/awsl-project/agproxy/internal/upstream"
)

func defaultDBPath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "agproxy.db"
	}
	return filepath.Join(homeDir, ".config", "agproxy", "agproxy.db")
}

func main() {
	addr := flag.String("addr", ":8318", "Server address")
	dsn := flag.String("db", defaultDBPath(), "Database DSN (sqlite path, mysql:// or postgres:// URL)")
	flag.Parse()

	cfg := config.Load()

	if err := os.MkdirAll(filepath.Dir(*dsn), 0755); err != nil && !os.IsExist(err) {
		log.Printf("[Main] Create database directory: %v", err)
	}
	db, err := sqlite.NewDBWithDSN(*dsn)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer db.Close()

	accountRepo := sqlite.NewAccountRepository(db)
	sigRepo := sqlite.NewSignatureRepository(db)
	logRepo := sqlite.NewRequestLogRepository(db)
	mappingRepo := sqlite.NewModelMappingRepository(db)

	hub := handler.NewHub()
	log.SetOutput(handler.NewLogWriter(hub))

	sigCache := signature.NewCache(cfg, sigRepo)
	openaiConv := converter.NewOpenAIConverter(cfg, sigCache)
	claudeConv := converter.NewClaudeConverter(cfg, sigCache)

	tokens := upstream.NewTokenService(accountRepo)
	client := upstream.NewClient()

	accountPool := pool.New(cfg, accountRepo)
	if err := accountPool.Load(); err != nil {
		log.Fatalf("Failed to load accounts: %v", err)
	}

	resolver := pool.NewResolver(mappingRepo)
	if err := resolver.Reload(); err != nil {
		log.Printf("[Main] Model mapping reload failed, using defaults: %v", err)
	}

	tokens.SetExposedModels(func() []string {
		names := resolver.Catalogue()
		out := make([]string, 0, len(names))
		for _, n := range names {
			out = append(out, resolver.Resolve(n))
		}
		return out
	})

	exec := executor.New(cfg, accountPool, tokens, client)
	srv := handler.NewServer(cfg, exec, resolver, openaiConv, claudeConv, logRepo, hub)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	accountPool.StartSchedulers(ctx, tokens)

	httpServer := &http.Server{
		Addr:    *addr,
		Handler: srv.Routes(),
	}

	go func() {
		log.Printf("[Main] Listening on %s", *addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("[Main] Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("[Main] Graceful shutdown failed: %v", err)
		httpServer.Close()
	}
}
