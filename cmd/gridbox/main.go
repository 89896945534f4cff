package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/gridworks/gridbox/pkg/broker"
	"github.com/gridworks/gridbox/pkg/devcfg"
	"github.com/gridworks/gridbox/pkg/devnet"
	"github.com/gridworks/gridbox/pkg/events"
	"github.com/gridworks/gridbox/pkg/hal"
	"github.com/gridworks/gridbox/pkg/hal/drivers"
	"github.com/gridworks/gridbox/pkg/log"
	"github.com/gridworks/gridbox/pkg/metrics"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var settings Settings

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "gridbox",
	Short: "Gridbox - Device network runtime for instrumented environments",
	Long: `Gridbox connects heterogeneous sensor and actuator networks to an
internal event bus and distributes value change notifications to
application level consumers.

The devices network is described by a declarative configuration; device
drivers are picked from the compiled driver list according to it.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Gridbox version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("settings", DefaultSettingsPath, "Settings file path")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(brokerCmd)
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configValidateCmd)
	configCmd.AddCommand(configTreeCmd)

	cobra.OnInitialize(initRuntime)
}

func initRuntime() {
	path, _ := rootCmd.PersistentFlags().GetString("settings")

	var err error
	settings, err = loadSettings(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if level, _ := rootCmd.PersistentFlags().GetString("log-level"); level != "" {
		settings.Log.Level = level
	}
	if jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json"); jsonOut {
		settings.Log.JSON = true
	}

	log.Init(log.Config{
		Level:      log.Level(settings.Log.Level),
		JSONOutput: settings.Log.JSON,
	})
}

// buildRegistry assembles the driver registry from the compiled driver
// list and the on-disk metadata.
func buildRegistry(md *devcfg.Metadata) *hal.Registry {
	registry := hal.NewRegistry()
	drivers.RegisterAll(registry, md)
	return registry
}

// coordinatorFactories maps each supported coordinator family to its
// runtime implementation.
func coordinatorFactories() map[string]devnet.Factory {
	return map[string]devnet.Factory{
		"sgbus": devnet.GenericFactory,
	}
}

func serveMetrics(addr string) {
	if addr == "" {
		return
	}
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		if err := http.ListenAndServe(addr, mux); err != nil {
			l := log.WithComponent("metrics")
			l.Error().Err(err).Msg("metrics endpoint failed")
		}
	}()
}

func waitForShutdown() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Logger.Info().Str("signal", sig.String()).Msg("shutdown requested")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the device network service",
	Long: `Run the device network service: load the devices configuration,
instantiate one coordinator runtime per configured coordinator and
start polling the devices, publishing value change notifications on the
sensor channel of the event bus.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		metrics.Register()
		serveMetrics(settings.Metrics.Listen)

		md := devcfg.NewMetadata(settings.MetadataDir)
		registry := buildRegistry(md)

		cfg, err := devcfg.Load(settings.DevicesCfg, md)
		if err != nil {
			return err
		}

		bus := events.NewBus()
		svc := devnet.NewService("devnetd", bus, registry,
			devnet.Options{StatsDir: settings.StatsDir},
			coordinatorFactories())

		if err := svc.LoadConfiguration(cfg); err != nil {
			return err
		}
		if err := svc.Start(); err != nil {
			return err
		}

		waitForShutdown()
		svc.Stop()
		return nil
	},
}

var brokerCmd = &cobra.Command{
	Use:   "broker",
	Short: "Run the device configuration broker",
	Long: `Run the configuration broker: keep the current devices network
configuration in memory and serve it to the other processes of the
application, notifying them of configuration changes.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		metrics.Register()
		serveMetrics(settings.Metrics.Listen)

		md := devcfg.NewMetadata(settings.MetadataDir)
		bus := events.NewBus()

		b, err := broker.New(settings.DevicesCfg, md, bus)
		if err != nil {
			return err
		}
		defer b.Close()

		if err := b.WatchConfig(); err != nil {
			l := log.WithComponent("cfgbroker")
			l.Warn().Err(err).
				Msg("cannot watch configuration file, live reload disabled")
		}

		events.EmitServiceState(bus, "cfgbrokerd", events.SvcStarting)
		srv := broker.NewServer(b, settings.Broker.Listen)

		errCh := make(chan error, 1)
		go func() { errCh <- srv.ListenAndServe() }()
		events.EmitServiceState(bus, "cfgbrokerd", events.SvcRunning)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		select {
		case err := <-errCh:
			events.EmitServiceState(bus, "cfgbrokerd", events.SvcAborting)
			return err
		case sig := <-sigCh:
			log.Logger.Info().Str("signal", sig.String()).Msg("shutdown requested")
		}

		events.EmitServiceState(bus, "cfgbrokerd", events.SvcStopping)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = srv.Shutdown(ctx)
		events.EmitServiceState(bus, "cfgbrokerd", events.SvcStopped)
		return err
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect the devices network configuration",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate [path]",
	Short: "Validate a devices network configuration file",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := settings.DevicesCfg
		if len(args) == 1 {
			path = args[0]
		}

		md := devcfg.NewMetadata(settings.MetadataDir)
		cfg, err := devcfg.Load(path, md)
		if err != nil {
			return err
		}

		devices := 0
		for _, ids := range cfg.AsTree(false) {
			devices += len(ids)
		}
		fmt.Printf("%s: OK (%d coordinators, %d devices)\n",
			path, len(cfg.Coordinators()), devices)
		return nil
	},
}

var configTreeCmd = &cobra.Command{
	Use:   "tree [path]",
	Short: "Print the coordinator/device tree of a configuration file",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := settings.DevicesCfg
		if len(args) == 1 {
			path = args[0]
		}

		md := devcfg.NewMetadata(settings.MetadataDir)
		cfg, err := devcfg.Load(path, md)
		if err != nil {
			return err
		}

		tree := cfg.AsTree(true)
		for _, cid := range cfg.Coordinators() {
			fmt.Println(cid)
			for _, did := range tree[cid] {
				fmt.Println("  " + did)
			}
		}
		return nil
	},
}
