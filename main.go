package main

import (
	"log"

	"github.com/spooky-finn/go-feedhub/config"
	"github.com/spooky-finn/go-feedhub/domain"
	"github.com/spooky-finn/go-feedhub/helpers"
	promclient "github.com/spooky-finn/go-feedhub/infrastructure/prometheus"
	"github.com/spooky-finn/go-feedhub/provider"
	"github.com/spooky-finn/go-feedhub/server"
	"github.com/spooky-finn/go-feedhub/usecase"
)

func main() {
	log.Printf("starting feedhub %s", helpers.ToJsonString(map[string]interface{}{
		"port":      config.Port,
		"batchDim":  config.BatchDim,
		"backupDim": config.BackupDim,
		"debug":     config.DebugMode,
	}))

	engine := domain.NewBookEngine()
	hub := provider.NewHub(engine)
	defer hub.Stop()

	snapshots := usecase.NewBookSnapshotUseCase(hub)
	catalog := server.NewSymbolCatalog()

	go promclient.StartPromClientServer(":8080")

	gateway := server.NewServer(hub, snapshots, catalog)
	if err := gateway.Run(config.Port); err != nil {
		log.Fatalf("gateway stopped: %v", err)
	}
}
