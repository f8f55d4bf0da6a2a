// Command mosaicd is the mesh runtime's process entrypoint: it loads
// configuration, opens the model store, starts the broker and the
// RuntimeManager, then blocks until an OS signal requests shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/renjiyun06/mosaic/internal/broker"
	"github.com/renjiyun06/mosaic/internal/config"
	"github.com/renjiyun06/mosaic/internal/driver"
	"github.com/renjiyun06/mosaic/internal/envelope"
	"github.com/renjiyun06/mosaic/internal/mesh"
	"github.com/renjiyun06/mosaic/internal/mlog"
	"github.com/renjiyun06/mosaic/internal/runtime"
	"github.com/renjiyun06/mosaic/internal/sessionrouter"
	"github.com/renjiyun06/mosaic/internal/store"
	"github.com/renjiyun06/mosaic/internal/systemprompt"
	"github.com/renjiyun06/mosaic/internal/userbroker"
	"github.com/rs/zerolog"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (optional, defaults apply otherwise)")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "mosaicd: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	log := mlog.New(cfg.Debug)

	st, err := store.Open(store.DefaultConfig(cfg.DataDir))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open model store")
	}
	defer st.Close()

	registry := envelope.NewRegistry()
	brokerSvc := broker.NewService(broker.Config{
		HistoryLimit: cfg.HistoryLimit,
		Logger:       mlog.Component(log, "broker"),
	})
	router := sessionrouter.New(st)
	ub := userbroker.New(mlog.Component(log, "user_broker"))
	prompts := systemprompt.New(st, registry)

	rm := runtime.GetInstance(runtime.Config{
		Workers:    cfg.Workers,
		Store:      st,
		BrokerSvc:  brokerSvc,
		UserBroker: ub,
		Router:     router,
		Registry:   registry,
		SysPrompt:  prompts,
		NewDriver:  func() driver.Driver { return driver.NewNullDriver() },
		Factories:  mesh.DefaultFactories(nil),
		Logger:     mlog.Component(log, "runtime_manager"),
	})

	meshes, err := st.ListMeshes()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to list meshes")
	}
	for _, m := range meshes {
		if err := rm.StartMesh(context.Background(), m.ID); err != nil {
			log.Error().Err(err).Str("mesh_id", m.ID).Msg("failed to start mesh")
		}
	}

	if err := handleShutdown(log, rm); err != nil {
		log.Error().Err(err).Msg("shutdown error")
		os.Exit(1)
	}
}

// handleShutdown blocks until an OS signal requests termination, then
// stops every running mesh before returning.
func handleShutdown(log zerolog.Logger, rm *runtime.RuntimeManager) error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("received OS signal, stopping gracefully")

	rm.Shutdown(context.Background())
	log.Info().Msg("mosaicd stopped gracefully")
	return nil
}
