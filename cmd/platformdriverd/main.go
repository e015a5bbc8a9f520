// Command platformdriverd runs the platform driver service: it polls
// field devices on their configured schedules, arbitrates writes
// through reservations and overrides, and republishes point values on
// the message bus.
//
// Logging:
//   - Base logger is created here with a ComponentFilterHandler for
//     dynamic per-component log level control
//   - Logger is passed to every component via dependency injection
//   - No global slog configuration (no slog.SetDefault)
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"platformdriver/internal/bus"
	"platformdriver/internal/config"
	configfile "platformdriver/internal/config/file"
	configmem "platformdriver/internal/config/memory"
	configsqlite "platformdriver/internal/config/sqlite"
	"platformdriver/internal/coordinator"
	"platformdriver/internal/equipment"
	"platformdriver/internal/home"
	"platformdriver/internal/logging"
	"platformdriver/internal/override"
	"platformdriver/internal/registry"
	"platformdriver/internal/reservation"
)

var version = "dev"

func main() {
	baseHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
	filterHandler := logging.NewComponentFilterHandler(baseHandler, slog.LevelInfo)
	logger := slog.New(filterHandler)

	rootCmd := &cobra.Command{
		Use:   "platformdriverd",
		Short: "Field-device polling and write-arbitration service",
	}
	rootCmd.PersistentFlags().String("home", "", "home directory (default: platform config dir)")
	rootCmd.PersistentFlags().String("config-type", "sqlite", "config store type: sqlite, json, or memory")

	serverCmd := &cobra.Command{
		Use:   "server",
		Short: "Start the platform driver service",
		RunE: func(cmd *cobra.Command, args []string) error {
			homeFlag, _ := cmd.Flags().GetString("home")
			configType, _ := cmd.Flags().GetString("config-type")
			busType, _ := cmd.Flags().GetString("bus")
			busAddr, _ := cmd.Flags().GetString("bus-addr")

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			return run(ctx, logger, filterHandler, runOptions{
				home:       homeFlag,
				configType: configType,
				busType:    busType,
				busAddr:    busAddr,
			})
		},
	}
	serverCmd.Flags().String("bus", "memory", "message bus transport: memory, mqtt, or kafka")
	serverCmd.Flags().String("bus-addr", "", "message bus broker address (ignored for the memory transport)")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}

	rootCmd.AddCommand(serverCmd, versionCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

type runOptions struct {
	home       string
	configType string
	busType    string
	busAddr    string
}

func run(ctx context.Context, logger *slog.Logger, filterHandler *logging.ComponentFilterHandler, opts runOptions) error {
	hd, err := resolveHome(opts.home)
	if err != nil {
		return fmt.Errorf("resolve home directory: %w", err)
	}
	if opts.configType != "memory" {
		if err := hd.EnsureExists(); err != nil {
			return err
		}
		logger.Info("home directory", "path", hd.Root())
	}

	store, err := openConfigStore(hd, opts.configType)
	if err != nil {
		return fmt.Errorf("open config store: %w", err)
	}

	root, err := store.LoadRoot(ctx)
	if err != nil {
		return fmt.Errorf("load root config: %w", err)
	}
	if root == nil {
		logger.Info("no root config found, bootstrapping defaults")
		root = config.DefaultRootConfig()
		if err := store.SaveRoot(ctx, root); err != nil {
			return fmt.Errorf("save bootstrapped root config: %w", err)
		}
	}

	busRegistry := bus.NewRegistry()
	busRegistry.Register("memory", bus.NewMemoryFactory())
	busRegistry.Register("mqtt", bus.NewMQTTFactory())
	busRegistry.Register("kafka", bus.NewKafkaFactory())

	// broker/brokers cover the mqtt and kafka factories respectively;
	// unused keys are harmless for the other transports.
	busParams := map[string]string{"broker": opts.busAddr, "brokers": opts.busAddr}
	publisher, subscriber, err := busRegistry.Build(opts.busType, busParams, logger)
	if err != nil {
		return fmt.Errorf("build message bus: %w", err)
	}
	defer func() { _ = subscriber.Close() }()
	defer func() { _ = publisher.Close() }()

	tree := equipment.New(logger)
	protocols := registry.New()
	protocols.Register("memory", registry.NewMemoryFactory())

	coord := coordinator.New(tree, protocols, store, publisher, coordinator.Options{
		Logger:    logger,
		LogLevels: filterHandler,
	})

	reservations := reservation.New(store, publisher, reservation.Options{
		ReservationRequiredForWrite: root.ReservationRequiredForWrite,
		PreemptGraceSeconds:         root.ReservationPreemptGraceTime,
		PublishIntervalSeconds:      root.ReservationPublishInterval,
		Logger:                      logger,
	})
	overrides := override.New(tree, coord, store, override.Options{Logger: logger})
	coord.AttachManagers(reservations, overrides)

	if err := coord.HandleRootConfig(root); err != nil {
		return fmt.Errorf("apply root config: %w", err)
	}
	if err := reservations.Load(ctx); err != nil {
		return fmt.Errorf("load reservation state: %w", err)
	}
	if err := overrides.Load(ctx); err != nil {
		return fmt.Errorf("load override state: %w", err)
	}

	devices, err := store.LoadDevices(ctx)
	if err != nil {
		return fmt.Errorf("load device configs: %w", err)
	}
	for path, cfg := range devices {
		if err := coord.HandleDeviceEvent(ctx, coordinator.EventNew, path, cfg); err != nil {
			logger.Error("load device failed", "path", path, "error", err)
		}
	}
	logger.Info("loaded configuration", "devices", len(devices))

	go reservations.Run(ctx)
	go overrides.Run(ctx)
	go coord.RunHeartbeats(ctx)

	if watchable, ok := store.(config.Watchable); ok {
		events, err := watchable.Watch(ctx)
		if err != nil {
			logger.Warn("config watch unavailable", "error", err)
		} else {
			go watchConfig(ctx, logger, coord, devices, events)
		}
	}

	logger.Info("platform driver started")
	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

// watchConfig diffs each reload against the last known device set and
// replays it through the Coordinator as NEW/UPDATE/DELETE events, so an
// operator hand-editing the config file takes effect without a
// restart.
func watchConfig(ctx context.Context, logger *slog.Logger, coord *coordinator.Coordinator, known map[string]*config.DeviceConfig, events <-chan config.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Err != nil {
				logger.Warn("config watch error", "error", ev.Err)
				continue
			}
			if ev.Root != nil {
				if err := coord.HandleRootConfig(ev.Root); err != nil {
					logger.Error("reload root config failed", "error", err)
				}
			}
			for path := range known {
				if _, ok := ev.Devices[path]; !ok {
					if err := coord.HandleDeviceEvent(ctx, coordinator.EventDelete, path, nil); err != nil {
						logger.Error("remove device failed", "path", path, "error", err)
					}
				}
			}
			for path, cfg := range ev.Devices {
				kind := coordinator.EventUpdate
				if _, existed := known[path]; !existed {
					kind = coordinator.EventNew
				}
				if err := coord.HandleDeviceEvent(ctx, kind, path, cfg); err != nil {
					logger.Error("apply device config failed", "path", path, "error", err)
				}
			}
			known = ev.Devices
		}
	}
}

func resolveHome(flagValue string) (home.Dir, error) {
	if flagValue != "" {
		return home.New(flagValue), nil
	}
	return home.Default()
}

func openConfigStore(hd home.Dir, configType string) (config.Store, error) {
	switch configType {
	case "memory":
		return configmem.NewStore(), nil
	case "json":
		return configfile.NewStore(hd.ConfigPath("json")), nil
	case "sqlite":
		return configsqlite.NewStore(hd.ConfigPath("sqlite"))
	default:
		return nil, fmt.Errorf("unknown config store type: %q", configType)
	}
}
