// powerboxd drives a BigPowerBox power distribution board over its serial
// link and exposes it over MQTT and an HTTP/WebSocket API.
//
// Usage:
//
//	powerboxd -config configs/config.yaml
//	powerboxd -config configs/config.yaml -mint-token ops -role operator
//
// The config path can also be set with POWERBOX_CONFIG.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MichelMoriniaux/BigPowerBox/internal/api"
	"github.com/MichelMoriniaux/BigPowerBox/internal/audit"
	"github.com/MichelMoriniaux/BigPowerBox/internal/auth"
	"github.com/MichelMoriniaux/BigPowerBox/internal/bridges/powerbox"
	"github.com/MichelMoriniaux/BigPowerBox/internal/device"
	"github.com/MichelMoriniaux/BigPowerBox/internal/discovery"
	"github.com/MichelMoriniaux/BigPowerBox/internal/infrastructure/config"
	"github.com/MichelMoriniaux/BigPowerBox/internal/infrastructure/database"
	"github.com/MichelMoriniaux/BigPowerBox/internal/infrastructure/influxdb"
	"github.com/MichelMoriniaux/BigPowerBox/internal/infrastructure/logging"
	"github.com/MichelMoriniaux/BigPowerBox/internal/infrastructure/mqtt"
	"github.com/MichelMoriniaux/BigPowerBox/internal/infrastructure/serial"
	"github.com/MichelMoriniaux/BigPowerBox/internal/settings"
	"github.com/MichelMoriniaux/BigPowerBox/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const defaultConfigPath = "configs/config.yaml"

// startupCheckTimeout bounds the initial health check of every backend.
const startupCheckTimeout = 10 * time.Second

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run parses args, starts every component and blocks until ctx is done.
// Components are stopped in reverse start order.
func run(ctx context.Context, args []string, stdout io.Writer) error {
	flags := flag.NewFlagSet("powerboxd", flag.ContinueOnError)
	flags.SetOutput(stdout)
	configPath := flags.String("config", getConfigPath(), "path to the YAML configuration file")
	mintSubject := flags.String("mint-token", "", "print a signed API token for this subject and exit")
	mintRole := flags.String("role", string(auth.RoleOperator), "role carried by the minted token")
	mintTTL := flags.Duration("ttl", auth.DefaultTokenTTL, "lifetime of the minted token")
	showVersion := flags.Bool("version", false, "print version information and exit")
	if err := flags.Parse(args); err != nil {
		return err
	}

	if *showVersion {
		fmt.Fprintf(stdout, "powerboxd %s (commit %s, built %s)\n", version, commit, date)
		return nil
	}

	// Use default logger until config is loaded
	log := logging.Default()
	log.Debug("loading configuration", "path", *configPath)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if *mintSubject != "" {
		return mintToken(stdout, cfg.Security.JWT, *mintSubject, auth.Role(*mintRole), *mintTTL)
	}

	log = logging.New(cfg.Logging, version)
	log.Info("starting powerboxd",
		"version", version,
		"commit", commit,
		"build_date", date,
		"config", *configPath,
		"device_id", cfg.Device.ID,
	)

	db, err := database.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()

	if migrateErr := db.Migrate(ctx, migrations.FS); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database ready", "path", cfg.Database.Path)

	auditRepo := audit.NewSQLiteRepository(db.DB)

	ctrl, err := device.New(device.Options{
		Ports:             serialPorts{provider: serial.NewProvider()},
		Settings:          settings.NewSQLiteStore(db.DB),
		Logger:            log,
		DefaultPort:       cfg.Serial.Port,
		Baud:              cfg.Serial.Baud,
		PollInterval:      cfg.GetPollInterval(),
		SettleDelay:       cfg.GetSettleDelay(),
		ShortTimeout:      cfg.GetShortTimeout(),
		NormalTimeout:     cfg.GetNormalTimeout(),
		PingAttempts:      cfg.Device.PingAttempts,
		DriverDescription: cfg.Device.Description,
	})
	if err != nil {
		return fmt.Errorf("creating device controller: %w", err)
	}
	ctrl.Start(ctx)
	defer func() {
		log.Info("closing device controller")
		if closeErr := ctrl.Close(); closeErr != nil {
			log.Error("error closing device controller", "error", closeErr)
		}
	}()

	components := map[string]api.HealthChecker{"database": db}

	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT,
			mqtt.WithLogger(log),
			mqtt.WithWill(mqtt.Topics{}.Health(cfg.Device.ID), powerbox.LWTPayload(cfg.Device.ID)),
		)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		mqttClient.SetOnConnect(func() {
			log.Info("MQTT reconnected")
		})
		mqttClient.SetOnDisconnect(func(err error) {
			log.Warn("MQTT disconnected", "error", err)
		})
		components["mqtt"] = mqttClient
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)
	} else {
		log.Info("MQTT disabled")
	}

	influxClient, err := influxdb.Connect(cfg.InfluxDB)
	switch {
	case errors.Is(err, influxdb.ErrDisabled):
		log.Info("InfluxDB disabled")
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
		components["influxdb"] = influxClient
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	}

	if mqttClient != nil {
		bridge, bridgeErr := startBridge(ctx, cfg, ctrl, mqttClient, influxClient, auditRepo, log)
		if bridgeErr != nil {
			return fmt.Errorf("starting MQTT bridge: %w", bridgeErr)
		}
		defer func() {
			log.Info("stopping MQTT bridge")
			bridge.Stop()
		}()
	} else {
		if influxClient != nil {
			log.Warn("InfluxDB telemetry is written by the MQTT bridge and will stay empty")
		}
		if cfg.Device.AutoConnect {
			connectCtx, cancel := context.WithTimeout(ctx, startupCheckTimeout*3)
			if connErr := ctrl.Connect(connectCtx); connErr != nil {
				log.Warn("initial device connect failed", "port", ctrl.SerialPort(), "error", connErr)
			}
			cancel()
		}
	}

	srv, err := api.New(api.Deps{
		Config:     cfg.API,
		WS:         cfg.WebSocket,
		Security:   cfg.Security,
		Logger:     log,
		Controller: ctrl,
		AuditRepo:  auditRepo,
		Components: components,
		Version:    version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if startErr := srv.Start(ctx); startErr != nil {
		return fmt.Errorf("starting API server: %w", startErr)
	}
	defer func() {
		log.Info("stopping API server")
		if closeErr := srv.Close(); closeErr != nil {
			log.Error("error stopping API server", "error", closeErr)
		}
	}()

	if cfg.Discovery.Enabled {
		adv := startDiscovery(cfg, ctrl, log)
		defer func() {
			log.Info("withdrawing mDNS advertisement")
			adv.Stop()
		}()
	}

	if err := healthCheck(ctx, components); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("initialisation complete, waiting for shutdown signal",
		"api", fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port),
	)

	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")
	return nil
}

// getConfigPath returns POWERBOX_CONFIG if set, otherwise the default.
func getConfigPath() string {
	if path := os.Getenv("POWERBOX_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

func startBridge(
	ctx context.Context,
	cfg *config.Config,
	ctrl *device.Controller,
	mqttClient *mqtt.Client,
	influxClient *influxdb.Client,
	auditRepo *audit.SQLiteRepository,
	log *logging.Logger,
) (*powerbox.Bridge, error) {
	opts := powerbox.Options{
		DeviceID:         cfg.Device.ID,
		Version:          version,
		Device:           ctrl,
		MQTT:             mqttClient,
		Audit:            auditRepo,
		Logger:           log,
		HealthInterval:   cfg.GetHealthInterval(),
		PublishUnchanged: cfg.Bridge.PublishUnchanged,
		Passive:          !cfg.Device.AutoConnect,
	}
	// a nil *influxdb.Client must not become a non-nil interface
	if influxClient != nil {
		opts.Telemetry = influxClient
	}

	bridge, err := powerbox.NewBridge(opts)
	if err != nil {
		return nil, err
	}
	if err := bridge.Start(ctx); err != nil {
		return nil, err
	}
	log.Info("MQTT bridge started",
		"device_id", cfg.Device.ID,
		"passive", opts.Passive,
	)
	return bridge, nil
}

// startDiscovery advertises the API and refreshes the advertisement with the
// board identity on every connect. A failed advertisement is not fatal.
func startDiscovery(cfg *config.Config, ctrl *device.Controller, log *logging.Logger) *discovery.Advertiser {
	adv := discovery.NewAdvertiser(cfg.Discovery)
	adv.SetLogger(log)

	err := adv.Advertise(discovery.Info{
		DeviceID: cfg.Device.ID,
		Version:  version,
		Port:     cfg.API.Port,
		TLS:      cfg.API.TLS.Enabled,
	})
	if err != nil {
		log.Warn("mDNS advertisement failed", "error", err)
		return adv
	}

	ctrl.Subscribe(func(ev device.Event) {
		if ev.Type != device.EventConnected {
			return
		}
		if err := adv.UpdateBoard(ev.Info.Name, ev.Info.HardwareRevision); err != nil {
			log.Warn("mDNS update failed", "error", err)
		}
	})
	return adv
}

// healthCheck runs every component check once, failing on the first error.
func healthCheck(ctx context.Context, components map[string]api.HealthChecker) error {
	ctx, cancel := context.WithTimeout(ctx, startupCheckTimeout)
	defer cancel()

	for _, name := range []string{"database", "mqtt", "influxdb"} {
		checker, ok := components[name]
		if !ok {
			continue
		}
		if err := checker.HealthCheck(ctx); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

func mintToken(w io.Writer, jwtCfg config.JWTConfig, subject string, role auth.Role, ttl time.Duration) error {
	token, err := auth.GenerateToken(subject, role, jwtCfg.Secret, jwtCfg.Issuer, ttl)
	if err != nil {
		return fmt.Errorf("minting token: %w", err)
	}
	fmt.Fprintln(w, token)
	return nil
}

// serialPorts adapts *serial.Provider to device.SerialPorts.
type serialPorts struct {
	provider *serial.Provider
}

func (s serialPorts) Open(name string, baud int) (device.Transport, error) {
	conn, err := s.provider.Open(name, baud)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (s serialPorts) List() ([]string, error) {
	return s.provider.List()
}
