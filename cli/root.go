// Package cli wires the Clarinet process: configuration, the entity
// store, the DIMSE client and series cache, the flow engine, the
// background sweepers and the HTTP server, with graceful shutdown on
// SIGINT/SIGTERM.
package cli

import (
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/clarinet-dicom/clarinet/api"
	"github.com/clarinet-dicom/clarinet/auth"
	"github.com/clarinet-dicom/clarinet/common"
	"github.com/clarinet-dicom/clarinet/config"
	"github.com/clarinet-dicom/clarinet/dicomcache"
	"github.com/clarinet-dicom/clarinet/dicomweb"
	"github.com/clarinet-dicom/clarinet/dimse"
	"github.com/clarinet-dicom/clarinet/flow"
	"github.com/clarinet-dicom/clarinet/httpx"
	"github.com/clarinet-dicom/clarinet/slicer"
	"github.com/clarinet-dicom/clarinet/store"
	"github.com/clarinet-dicom/clarinet/worker"
)

// cfgFile is the --config flag value. Empty means the standard search
// paths (see package config).
var cfgFile string

var RootCmd = &cobra.Command{
	Use:   "clarinet",
	Short: "medical imaging workflow service with DICOMweb mediation",
	Long: `Clarinet serves clinical work records over a REST API and mediates
DICOMweb (QIDO-RS / WADO-RS) access to a DIMSE-only PACS through a
two-tier series cache.`,
	Run: runServer,
}

func init() {
	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is searched in ., ./configs, ~/.clarinet, /etc/clarinet)")
	RootCmd.AddCommand(migrateCmd)
	RootCmd.AddCommand(createUserCmd)
}

// loadSettings loads the configuration and applies it to the logger.
func loadSettings() *config.Settings {
	settings, err := config.LoadSettings(cfgFile)
	if err != nil {
		common.Logger.WithError(err).Fatal("failed to load configuration")
	}
	common.ConfigureLogger(settings.Logging.Level, settings.Logging.Format)
	return settings
}

func runServer(cmd *cobra.Command, args []string) {
	settings := loadSettings()

	entityStore, err := store.Open(settings.Database)
	if err != nil {
		common.Logger.WithError(err).Fatal("failed to open database")
	}
	if err := entityStore.Migrate(); err != nil {
		common.Logger.WithError(err).Fatal("failed to migrate database")
	}

	authService := auth.NewService(entityStore, settings.Session)
	pacsClient := dimse.NewClient(settings.PACS)
	seriesCache := dicomcache.New(settings.Cache, settings.StoragePath, pacsClient)

	slicerService, err := slicer.New(settings.Slicer)
	if err != nil {
		common.Logger.WithError(err).Fatal("failed to initialize slicer service")
	}

	executor := flow.NewExecutor(entityStore, slicerService)
	engine := flow.NewEngine(entityStore, executor)
	entityStore.OnStatusChange(engine.Notify)

	e := httpx.NewServer(settings.Server)

	api.NewHandler(entityStore, authService, slicerService, settings).Register(e)

	dicomWebGroup := e.Group("/dicom-web", auth.Middleware(authService, settings.Session.CookieName))
	dicomweb.NewHandler(pacsClient, seriesCache).Register(dicomWebGroup)

	sessionSweeper := worker.NewSweeper("sessions", settings.Session.CleanupInterval, 0, authService.CleanupPass)
	cacheSweeper := worker.NewSweeper("dicom-cache", settings.Cache.CleanupInterval, 0, seriesCache.CleanupPass)
	sessionSweeper.Start()
	cacheSweeper.Start()

	go func() {
		if err := httpx.Start(e, settings.Server); err != nil && !errors.Is(err, http.ErrServerClosed) {
			common.Logger.WithError(err).Fatal("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	common.Logger.Info("shutting down")
	if err := httpx.Shutdown(e, settings.Server.ShutdownTimeout); err != nil {
		common.Logger.WithError(err).Error("shutdown incomplete")
	}
	sessionSweeper.Stop()
	cacheSweeper.Stop()
	seriesCache.Shutdown()
}
