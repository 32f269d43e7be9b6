package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/storacha/go-ucanto/principal/ed25519/signer"

	"github.com/relves/dyadcast/internal/config"
	"github.com/relves/dyadcast/internal/storage/sqlite"
	"github.com/relves/dyadcast/pkg/headend"
	"github.com/relves/dyadcast/pkg/ledger"
	"github.com/relves/dyadcast/pkg/server"
)

func main() {
	cfg, err := config.Load(".env")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := config.NewLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	// Service identity shares the packet signing key
	serviceSigner, err := signer.FromRaw(cfg.SigningKey)
	if err != nil {
		logger.Error("failed to create service signer", "error", err)
		os.Exit(1)
	}
	packetSigner, err := headend.NewSigner(cfg.SigningKey, "")
	if err != nil {
		logger.Error("failed to create packet signer", "error", err)
		os.Exit(1)
	}

	storeManager := sqlite.NewStoreManager(cfg.DataPath)
	defer storeManager.CloseAll()

	ledgerStore, err := storeManager.Ledger()
	if err != nil {
		logger.Error("failed to open ledger store", "error", err)
		os.Exit(1)
	}
	issuanceLog, err := ledger.Open(context.Background(), ledgerStore, logger)
	if err != nil {
		logger.Error("failed to open ledger", "error", err)
		os.Exit(1)
	}

	svc, err := headend.New(headend.Config{
		Secret:    cfg.Secret,
		Signer:    packetSigner,
		Ledger:    issuanceLog,
		Channels:  cfg.Channels,
		CacheSize: cfg.KeyCacheSize,
		Workers:   cfg.Workers,
		Logger:    logger,
	})
	if err != nil {
		logger.Error("failed to create head-end", "error", err)
		os.Exit(1)
	}

	handler, err := server.NewHTTPHandler(
		server.WithService(svc),
		server.WithStoreManager(storeManager),
		server.WithSecret(cfg.Secret),
		server.WithIdentity(serviceSigner),
		server.WithLogger(logger),
	)
	if err != nil {
		logger.Error("failed to create HTTP handler", "error", err)
		os.Exit(1)
	}

	mux := http.NewServeMux()
	handler.Register(mux)

	addr := ":" + cfg.Port
	head := svc.Head()

	fmt.Println("DYADCAST Head-End Startup")
	fmt.Println("===================================")
	fmt.Printf("Service DID: %s\n", serviceSigner.DID().String())
	fmt.Printf("Signing Key (hex): %s\n", hex.EncodeToString(packetSigner.PublicKey()))
	fmt.Printf("Signing Key ID: %08x\n", packetSigner.KeyID())
	fmt.Printf("Secret Source: %s\n", cfg.SecretSource)
	fmt.Printf("Signing Key Source: %s\n", cfg.SigningKeySource)
	fmt.Printf("Data Path: %s\n", cfg.DataPath)
	fmt.Printf("Ledger: %d issuances, root %x\n", head.Size, head.Root)
	fmt.Println()
	fmt.Println("Channels:")
	for _, ch := range svc.Channels() {
		fmt.Printf("  %3d  %s\n", ch.ID, ch.Name)
	}
	fmt.Println()
	fmt.Println("Head-End API:")
	fmt.Printf("  GET  http://localhost:%s/info\n", cfg.Port)
	fmt.Printf("  POST http://localhost:%s/subscriptions\n", cfg.Port)
	fmt.Printf("  POST http://localhost:%s/frames\n", cfg.Port)
	fmt.Printf("  GET  http://localhost:%s/ledger/head\n", cfg.Port)
	fmt.Printf("  GET  http://localhost:%s/ledger/{cid}\n", cfg.Port)
	fmt.Println()
	fmt.Println("Emulated Decoders:")
	fmt.Printf("  POST http://localhost:%s/decoders/{deviceID}/subscribe\n", cfg.Port)
	fmt.Printf("  POST http://localhost:%s/decoders/{deviceID}/decode\n", cfg.Port)
	fmt.Printf("  GET  http://localhost:%s/decoders/{deviceID}/subscriptions\n", cfg.Port)

	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}
