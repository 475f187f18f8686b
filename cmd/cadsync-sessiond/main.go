package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/cadsync/cadsync/core/coordinator"
	"github.com/cadsync/cadsync/core/gateway"
	"github.com/cadsync/cadsync/core/infra/buildinfo"
	"github.com/cadsync/cadsync/core/infra/bus"
	"github.com/cadsync/cadsync/core/infra/checkout"
	"github.com/cadsync/cadsync/core/infra/config"
	infraMetrics "github.com/cadsync/cadsync/core/infra/metrics"
	"github.com/cadsync/cadsync/core/infra/sessions"
	"github.com/cadsync/cadsync/core/infra/storage"
)

func main() {
	log.Println("cadsync sessiond starting...")
	buildinfo.Log("cadsync-sessiond")

	cfg := config.Load()

	tunables, err := config.LoadTunables(cfg.TunablesPath)
	if err != nil {
		log.Printf("using default tunables (could not load %s): %v", cfg.TunablesPath, err)
	}

	var store sessions.Store
	if cfg.MemoryStore {
		log.Println("using in-memory session store")
		store = sessions.NewMemoryStore()
	} else {
		redisStore, err := sessions.NewRedisStore(cfg.RedisURL)
		if err != nil {
			log.Fatalf("failed to connect to Redis: %v", err)
		}
		store = redisStore
	}
	defer store.Close()

	natsBus, err := bus.NewNatsBus(cfg.NatsURL)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}
	defer natsBus.Close()

	queries := storage.NewBusQueries(natsBus)
	lock := checkout.NewHTTPAdapter(cfg.CheckoutBridgeURL)

	coordMetrics := infraMetrics.NewProm("cadsync")
	coord := coordinator.New(store, queries, lock, natsBus, coordMetrics, tunables)

	gw := gateway.New(coord, natsBus, infraMetrics.NewGatewayProm("cadsync_gateway"))

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		log.Println("cadsync sessiond shutting down")
		os.Exit(0)
	}()

	if err := gw.Start(cfg.HTTPAddr, cfg.MetricsAddr); err != nil {
		log.Fatalf("gateway failed: %v", err)
	}
}
