package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"willescrow/internal/config"
	"willescrow/internal/escrow"
	"willescrow/internal/idempotency"
	"willescrow/internal/logging"
	"willescrow/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	log := logging.New("willescrow", cfg.Service.LogLevel, cfg.Service.PrettyLogs)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg.Service)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.Service.IdempotencyBackend).Msg("idempotency store error")
	}
	defer closeStore()

	ledger, err := openLedger(cfg.Chain, log)
	if err != nil {
		log.Fatal().Err(err).Msg("ledger client error")
	}

	wills := escrow.NewService(ledger, cfg.Chain.EscrowAddress, log)
	apiServer := server.NewServer(cfg, wills, store, log)

	go func() {
		if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server stopped")
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown")
	}
}

func openStore(ctx context.Context, cfg config.ServiceConfig) (idempotency.Store, func(), error) {
	switch cfg.IdempotencyBackend {
	case config.BackendMemory:
		return idempotency.NewMemoryStore(), func() {}, nil
	case config.BackendPostgres:
		pg, err := idempotency.NewPostgresStore(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		return pg, pg.Close, nil
	case config.BackendRedis:
		rs, err := idempotency.NewRedisStore(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		return rs, func() { _ = rs.Close() }, nil
	default:
		fs, err := idempotency.NewFileStore(cfg.IdempotencyStorePath)
		if err != nil {
			return nil, nil, err
		}
		return fs, func() {}, nil
	}
}

// openLedger falls back to an in-process ledger when no Blockfrost project
// is configured.
func openLedger(cfg config.ChainConfig, log zerolog.Logger) (escrow.Client, error) {
	if !cfg.UsesBlockfrost() {
		log.Warn().Msg("no blockfrost project id, using in-memory ledger")
		return escrow.NewMemoryLedger(), nil
	}
	log.Info().Str("network", cfg.Network).Str("url", cfg.BlockfrostURL).Msg("using blockfrost ledger")
	client, err := escrow.NewBlockfrostClient(escrow.BlockfrostConfig{
		BaseURL:   cfg.BlockfrostURL,
		ProjectID: cfg.ProjectID,
		SignerURL: cfg.SignerURL,
		Timeout:   cfg.RPCTimeout,
	})
	if err != nil {
		return nil, err
	}
	return client, nil
}
