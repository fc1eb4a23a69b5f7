package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alxayo/go-kvs-producer/internal/kvs/client"
	"github.com/alxayo/go-kvs-producer/internal/kvs/service"
	"github.com/alxayo/go-kvs-producer/internal/kvs/store"
	"github.com/alxayo/go-kvs-producer/internal/kvsaws"
	"github.com/alxayo/go-kvs-producer/internal/logger"
	srv "github.com/alxayo/go-kvs-producer/internal/rtmp/server"
)

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}
	if cfg.showVersion {
		fmt.Println(version)
		return
	}

	logger.Init()
	if err := logger.SetLevel(cfg.logLevel); err != nil {
		fmt.Printf("Warning: invalid log level %q, using default\n", cfg.logLevel)
	}
	log := logger.Logger().With("component", "cli")

	serverCfg := srv.Config{
		ListenAddr:    cfg.listenAddr,
		ChunkSize:     uint32(cfg.chunkSize),
		WindowAckSize: 2_500_000,
		RecordAll:     cfg.recordAll,
		RecordDir:     cfg.recordDir,
		LogLevel:      cfg.logLevel,
	}

	var kc *client.Client
	var maint *client.Maintenance
	if cfg.kvsEnable {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		callbacks, err := kvsaws.New(ctx, kvsaws.Config{Region: cfg.kvsRegion})
		cancel()
		if err != nil {
			log.Error("kvs credential chain resolution failed", "error", err)
			os.Exit(1)
		}

		storeCfg := store.Config{Budget: cfg.kvsStoreBudget}
		if cfg.kvsSpillDir != "" {
			spiller, err := store.NewDiskSpiller(cfg.kvsSpillDir)
			if err != nil {
				log.Error("kvs spill dir init failed", "error", err)
				os.Exit(1)
			}
			storeCfg.Spill = spiller
			storeCfg.SpillThreshold = cfg.kvsStoreBudget / 2
		}

		kc = client.New(client.Config{
			Store:     storeCfg,
			Callbacks: callbacks,
			Notify:    service.NoopNotifications{},
		}, log.With("component", "kvs-client"))

		if err := kc.Bootstrap(context.Background()); err != nil {
			log.Error("kvs client bootstrap failed", "error", err)
			os.Exit(1)
		}

		maint = client.NewMaintenance(kc)
		if err := maint.ScheduleReap(cfg.kvsReapCron); err != nil {
			log.Error("kvs reap schedule failed", "error", err)
			os.Exit(1)
		}
		maint.Start()

		serverCfg.PublishHook = kvsaws.NewPublishHook(kc, log.With("component", "kvs-bridge"))
		log.Info("kvs producer bridging enabled", "region", cfg.kvsRegion)
	}

	server := srv.New(serverCfg)

	if err := server.Start(); err != nil {
		log.Error("failed to start server", "error", err)
		os.Exit(1)
	}

	log.Info("server started", "addr", server.Addr().String(), "version", version)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()
	log.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		if err := server.Stop(); err != nil {
			log.Error("server stop error", "error", err)
		}
		if maint != nil {
			maint.Stop()
		}
		if kc != nil {
			kc.Shutdown()
		}
		close(done)
	}()

	select {
	case <-done:
		log.Info("server stopped cleanly")
	case <-shutdownCtx.Done():
		log.Error("forced exit after timeout")
	}
}
