package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/IIawaII/nodecrypt/internal/blobstore"
	"github.com/IIawaII/nodecrypt/internal/config"
	"github.com/IIawaII/nodecrypt/internal/keystore"
	"github.com/IIawaII/nodecrypt/internal/logging"
	"github.com/IIawaII/nodecrypt/internal/server"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML/JSON config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(cfg.LogLevel, cfg.LogEncoding)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() // best-effort flush

	keyBackend := openKeystore(logger, cfg)

	reg := server.NewRegistry()
	blobs, err := blobstore.Open(cfg.Blobstore.Path, blobstore.Options{
		MaxObjectBytes: cfg.Blobstore.MaxUploadBytes,
		Metrics:        blobstore.NewMetrics(reg),
	})
	if err != nil {
		logger.Fatal("open blob store", zap.Error(err))
	}
	defer func() {
		if err := blobs.Close(); err != nil {
			logger.Warn("close blob store", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := server.NewNodeServer(cfg, logger, keyBackend, blobs, reg)
	if err := srv.Start(ctx); err != nil {
		logger.Fatal("server exited with error", zap.Error(err))
	}
}

func openKeystore(log *zap.Logger, cfg config.Config) keystore.KeyBackend {
	if cfg.Keystore.Backend == "memory" {
		log.Warn("using in-memory keystore; room identities are lost on restart")
		return keystore.NewMemoryBackend()
	}

	passphrase, err := cfg.Passphrase()
	if err != nil {
		log.Fatal("keystore passphrase unavailable", zap.Error(err))
	}
	backend := keystore.NewFileBackend(cfg.Keystore.Path)
	initOrUnlockKeystore(log, backend, passphrase)
	return backend
}

func initOrUnlockKeystore(log *zap.Logger, backend *keystore.FileBackend, passphrase string) {
	ctx := context.Background()
	if err := backend.Unlock(ctx, passphrase); err != nil {
		if errors.Is(err, keystore.ErrNotInitialized) {
			if err := backend.Initialize(ctx, passphrase); err != nil {
				log.Fatal("initialize keystore", zap.Error(err))
			}
			log.Info("initialized new keystore", zap.String("path", backend.Path()))
			return
		}
		log.Fatal("unlock keystore", zap.Error(err))
	}
	log.Info("keystore unlocked", zap.String("path", backend.Path()))
}
