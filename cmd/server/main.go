package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"assetrails/internal/catalog"
	"assetrails/internal/config"
	"assetrails/internal/content"
	"assetrails/internal/escrow"
	"assetrails/internal/ledger"
	"assetrails/internal/minting"
	"assetrails/internal/scanner"
	"assetrails/internal/server"
	"assetrails/internal/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	ctx := context.Background()

	var store catalog.Store = catalog.NewMemoryStore()
	if cfg.Storage.PostgresDSN != "" {
		pgStore, err := catalog.NewPostgresStore(ctx, cfg.Storage.PostgresDSN)
		if err != nil {
			log.Fatalf("catalog store error: %v", err)
		}
		defer pgStore.Close()
		store = pgStore
	} else {
		log.Printf("CATALOG_POSTGRES_DSN not set, using in-memory catalog")
	}

	var publisher content.Publisher = content.NewMemoryPublisher()
	if cfg.Content.PinningEndpoint != "" {
		publisher = content.NewPinningPublisher(cfg.Content.PinningEndpoint, cfg.Content.PinningToken)
	} else {
		log.Printf("PINNING_ENDPOINT not set, using in-memory publisher")
	}

	var ledgerClient ledger.Client = ledger.NewFakeLedger()
	var rpcHealth server.RPCHealthChecker
	if cfg.Chain.PrivateKey != "" {
		ethClient, err := ledger.NewEthClient(ctx, ledger.EthClientConfig{
			RPCURL:         cfg.Chain.RPCURL,
			PrivateKeyHex:  cfg.Chain.PrivateKey,
			ContractMarket: cfg.Chain.ContractMarket,
			FeePremiumBps:  cfg.Chain.FeePremiumBps,
			MaxFeeAttempts: cfg.Chain.MaxFeeAttempts,
		})
		if err != nil {
			log.Fatalf("ledger client error: %v", err)
		}
		ledgerClient = ethClient
		rpcHealth = ethClient
	} else {
		log.Printf("CHAIN_PRIVATE_KEY not set, using fake ledger")
	}

	minter := minting.New(store, publisher, ledgerClient, minting.RetryPolicy{
		MaxAttempts:       cfg.Retry.MaxAttempts,
		InitialBackoff:    cfg.Retry.InitialBackoff,
		MaxBackoff:        cfg.Retry.MaxBackoff,
		BackoffMultiplier: cfg.Retry.BackoffMultiplier,
	}, cfg.Chain.MinConfirmations)

	svc := service.New(store, ledgerClient, minter, service.Config{
		HoldingPeriod:    cfg.Escrow.HoldingPeriod,
		ReleasePolicy:    escrow.ReleasePolicy{Operator: cfg.Escrow.Operator},
		MinConfirmations: cfg.Chain.MinConfirmations,
	})

	apiServer := server.NewServer(cfg, svc, store, rpcHealth)

	scanCtx, stopScanner := context.WithCancel(ctx)
	defer stopScanner()
	recon := scanner.New(ledgerClient, store, scanner.Config{
		HoldingPeriod:     cfg.Escrow.HoldingPeriod,
		ConfirmationDepth: cfg.Chain.ConfirmationDepth,
		PollInterval:      cfg.Scanner.PollInterval,
		Metrics:           apiServer.ScannerMetrics(),
	})
	go func() {
		if err := recon.Run(scanCtx); err != nil {
			log.Printf("scanner stopped: %v", err)
		}
	}()

	go func() {
		if err := apiServer.Start(); err != nil {
			log.Printf("server stopped: %v", err)
		}
	}()

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	<-ch

	stopScanner()
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_ = apiServer.Shutdown(shutdownCtx)
}
