// Hearth Core - Integration Lifecycle Daemon
//
// This is the main entry point for the Hearth Core application. Hearth
// manages integration config entries through their full lifecycle:
//   - Setup with retry backoff, reauth and migration handling
//   - Shared polling coordinators with cached snapshots
//   - Device/service registry with availability tracking
//   - REST + WebSocket operator surface
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/hearthstack/hearth-core/migrations"

	"github.com/hearthstack/hearth-core/internal/api"
	"github.com/hearthstack/hearth-core/internal/audit"
	"github.com/hearthstack/hearth-core/internal/entry"
	"github.com/hearthstack/hearth-core/internal/events"
	"github.com/hearthstack/hearth-core/internal/infrastructure/config"
	"github.com/hearthstack/hearth-core/internal/infrastructure/database"
	"github.com/hearthstack/hearth-core/internal/infrastructure/influxdb"
	"github.com/hearthstack/hearth-core/internal/infrastructure/logging"
	"github.com/hearthstack/hearth-core/internal/infrastructure/metrics"
	"github.com/hearthstack/hearth-core/internal/infrastructure/mqtt"
	"github.com/hearthstack/hearth-core/internal/integration"
	"github.com/hearthstack/hearth-core/internal/integrations/demo"
	"github.com/hearthstack/hearth-core/internal/integrations/mqttsensor"
	"github.com/hearthstack/hearth-core/internal/recorder"
	"github.com/hearthstack/hearth-core/internal/registry"
	"github.com/hearthstack/hearth-core/internal/scheduler"
	"github.com/hearthstack/hearth-core/internal/worker"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/hearth.yaml"

// shutdownTimeout bounds the unload of all entries at exit.
const shutdownTimeout = 30 * time.Second

func main() {
	// Create a context that cancels on interrupt signals (Ctrl+C, SIGTERM)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// Returning an error allows main to handle exit codes consistently.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting Hearth Core",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	// Load configuration
	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Open database
	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	// Run migrations
	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	// Metrics registry and event bus. The observer keeps entry-state and
	// refresh metrics current from bus traffic.
	m := metrics.New()
	bus := events.NewBus()
	observer := metrics.Observe(bus, m.Registerer())
	defer observer.Close()

	// History recorder (optional). Connect returns ErrDisabled when
	// InfluxDB is turned off; Hearth then runs without history.
	var influxClient *influxdb.Client
	var rec *recorder.Recorder
	influxClient, err = influxdb.Connect(cfg.InfluxDB)
	switch {
	case errors.Is(err, influxdb.ErrDisabled):
		log.Info("InfluxDB disabled, history recording off")
		influxClient = nil
	case err != nil:
		return fmt.Errorf("connecting to InfluxDB: %w", err)
	default:
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		rec = recorder.New(influxClient, bus, log.With("component", "recorder"))
		defer rec.Close()
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	}

	// Scheduler and worker pool back every timed and bounded operation:
	// setup timeouts, retry backoff, coordinator refresh cycles.
	sched := scheduler.New()
	defer sched.Close()

	pool := worker.New(worker.Options{
		Workers:    cfg.Worker.PoolSize,
		QueueSize:  cfg.Worker.QueueSize,
		Logger:     log.With("component", "worker"),
		Registerer: m.Registerer(),
	})
	pool.Start()
	defer func() {
		if stopErr := pool.Stop(10 * time.Second); stopErr != nil {
			log.Warn("worker pool did not drain", "error", stopErr)
		}
	}()

	// Integration registry; integrations register below once their
	// dependencies exist.
	integs := integration.NewRegistry()

	// Connect to MQTT broker (optional; required by the MQTT sensor
	// integration)
	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)

		mqttClient.SetOnConnect(func() {
			log.Info("MQTT reconnected")
		})
		mqttClient.SetOnDisconnect(func(err error) {
			log.Warn("MQTT disconnected", "error", err)
		})
	} else {
		log.Info("MQTT disabled")
	}

	// Entry manager: the lifecycle state machine over persisted config
	// entries.
	mgr := entry.NewManager(entry.Options{
		Store:          entry.NewSQLiteStore(db.DB),
		Integrations:   integs,
		Scheduler:      sched,
		Pool:           pool,
		Bus:            bus,
		SetupTimeout:   time.Duration(cfg.Core.SetupTimeout) * time.Second,
		UnloadTimeout:  time.Duration(cfg.Core.UnloadTimeout) * time.Second,
		RetryBaseDelay: time.Duration(cfg.Core.RetryBaseDelay) * time.Second,
		RetryMaxDelay:  time.Duration(cfg.Core.RetryMaxDelay) * time.Second,
		ParallelSetups: cfg.Core.ParallelSetups,
		Logger:         log.With("component", "entry"),
	})
	defer func() {
		log.Info("unloading entries")
		sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer scancel()
		mgr.Shutdown(sctx)
	}()

	// Device/service registry binder
	binder := registry.NewBinder(registry.Options{
		Store:        registry.NewSQLiteStore(db.DB),
		Entries:      mgr,
		Integrations: integs,
		Bus:          bus,
		Logger:       log.With("component", "registry"),
	})
	defer binder.Close()

	if refreshErr := binder.RefreshCache(ctx); refreshErr != nil {
		return fmt.Errorf("loading device registry: %w", refreshErr)
	}
	log.Info("device registry initialised", "records", binder.Count())

	// Register bundled integrations
	if cfg.Integrations.Demo.Enabled {
		demoInteg := demo.New(demo.Options{
			Scheduler:      sched,
			Pool:           pool,
			Bus:            bus,
			Binder:         binder,
			UpdateInterval: time.Duration(cfg.Integrations.Demo.UpdateInterval) * time.Second,
			OnAuthFailure:  mgr.NotifyAuthFailure,
			Logger:         log.With("component", "demo"),
		})
		if regErr := integs.Register(demoInteg); regErr != nil {
			return fmt.Errorf("registering demo integration: %w", regErr)
		}
		log.Info("demo integration registered")
	}

	if cfg.Integrations.MQTTSensor.Enabled {
		if mqttClient == nil {
			return fmt.Errorf("mqtt_sensor integration requires mqtt.enabled")
		}
		sensorInteg := mqttsensor.New(mqttsensor.Options{
			Broker:         mqttClient,
			Scheduler:      sched,
			Pool:           pool,
			Bus:            bus,
			Binder:         binder,
			QoS:            byte(cfg.MQTT.QoS),
			UpdateInterval: time.Duration(cfg.Integrations.MQTTSensor.UpdateInterval) * time.Second,
			StaleAfter:     time.Duration(cfg.Integrations.MQTTSensor.StaleAfter) * time.Second,
			Logger:         log.With("component", "mqtt_sensor"),
		})
		if regErr := integs.Register(sensorInteg); regErr != nil {
			return fmt.Errorf("registering mqtt_sensor integration: %w", regErr)
		}
		log.Info("mqtt_sensor integration registered")
	}

	// Load persisted entries and bring the enabled ones up. Individual
	// setup failures land in entry state, not here.
	if loadErr := mgr.Load(ctx); loadErr != nil {
		return fmt.Errorf("loading entries: %w", loadErr)
	}
	observer.PrimeEntryStates(mgr.StateCounts())
	log.Info("entries loaded", "count", mgr.Count())

	if setupErr := mgr.SetupAll(ctx); setupErr != nil {
		// Only a cancelled boot aborts the walk; partial bring-up is normal.
		return fmt.Errorf("setting up entries: %w", setupErr)
	}
	log.Info("entry setup complete", "states", mgr.StateCounts())

	// API server (optional; without it Hearth runs headless on the
	// persisted entries)
	if cfg.API.Enabled {
		srv, srvErr := api.New(api.Deps{
			Config:         cfg.API,
			WS:             cfg.WebSocket,
			Security:       cfg.Security,
			Metrics:        cfg.Metrics,
			Logger:         log.With("component", "api"),
			Manager:        mgr,
			Binder:         binder,
			Bus:            bus,
			Audit:          audit.NewSQLiteStore(db.DB),
			MetricsHandler: m.Handler(),
			Version:        version,
		})
		if srvErr != nil {
			return fmt.Errorf("creating API server: %w", srvErr)
		}
		if startErr := srv.Start(ctx); startErr != nil {
			return fmt.Errorf("starting API server: %w", startErr)
		}
		defer func() {
			if closeErr := srv.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
		log.Info("API server started", "host", cfg.API.Host, "port", cfg.API.Port)
	} else {
		log.Info("API server disabled")
	}

	// Verify all connections are healthy
	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")

	// Wait for shutdown signal
	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred calls run in reverse order:
	// 1. API server (stop accepting operator requests)
	// 2. Registry binder, entry manager (unload integrations)
	// 3. MQTT
	// 4. Worker pool, scheduler
	// 5. Recorder, InfluxDB (flush the history tail)
	// 6. Metrics observer
	// 7. Database

	log.Info("Hearth Core stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses HEARTH_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("HEARTH_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// healthCheck verifies all infrastructure connections are healthy.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - db: Database connection to check
//   - mqttClient: MQTT client to check (may be nil if disabled)
//   - influxClient: InfluxDB client to check (may be nil if disabled)
//
// Returns:
//   - error: First health check failure, or nil if all healthy
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	// Check database
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	// Check MQTT (if enabled)
	if mqttClient != nil {
		if err := mqttClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}

	// Check InfluxDB (if enabled)
	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}

	return nil
}
