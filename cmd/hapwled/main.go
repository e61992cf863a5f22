package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"hapwled"
)

func readVcsRevision() string {
	if info, ok := debug.ReadBuildInfo(); ok {
		return info.Main.Version
	}
	return "?"
}

func main() {
	// .env is optional
	_ = godotenv.Load()

	app := &cli.App{
		Name:    "hapwled",
		Usage:   "HomeKit <-> WLED Bridge",
		Version: readVcsRevision(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Value:   "/etc/hapwled.conf",
				Usage:   "config file (JSON, or YAML if named *.yaml)",
				EnvVars: []string{"HAPWLED_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "db",
				Value:   "/var/lib/hapwled/db",
				Usage:   "db path",
				EnvVars: []string{"HAPWLED_DB"},
			},
			&cli.BoolFlag{
				Name:    "debug",
				Usage:   "enable debug messages",
				EnvVars: []string{"HAPWLED_DEBUG"},
			},
			&cli.BoolFlag{
				Name:    "quiet",
				Usage:   "reduce verbosity to warnings and errors",
				EnvVars: []string{"HAPWLED_QUIET"},
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func setupLogging(debugMode, quietMode bool) error {
	if debugMode && quietMode {
		return fmt.Errorf("--quiet and --debug options are mutually-exclusive")
	}

	// check if we are running under systemd, and if so, dont output timestamps
	if a, b := os.Getenv("INVOCATION_ID"), os.Getenv("JOURNAL_STREAM"); a != "" && b != "" {
		log.SetFormatter(&log.TextFormatter{DisableTimestamp: true})
	}

	switch {
	case debugMode:
		log.SetLevel(log.DebugLevel)
	case quietMode:
		log.SetLevel(log.WarnLevel)
	}
	return nil
}

func run(c *cli.Context) error {
	debugMode := c.Bool("debug")
	if err := setupLogging(debugMode, c.Bool("quiet")); err != nil {
		return err
	}

	cfg, err := parseConfig(c.String("config"))
	if err != nil {
		return fmt.Errorf("config file error: %w", err)
	}

	ctx, shutdown := context.WithCancel(context.Background())
	defer shutdown()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	metrics := hapwled.NewMetrics(reg)

	client := hapwled.NewClient(cfg.RequestTimeout.Duration)
	client.Metrics = metrics

	br := hapwled.NewBridge(ctx, c.String("db"), client)
	br.ListenAddr = cfg.ListenAddr
	br.Interfaces = cfg.Interfaces
	br.DebugMode = debugMode

	if _, err := br.SetPin(cfg.Pin); err != nil {
		return fmt.Errorf("cannot set PIN code: %w", err)
	}

	log.Infof("hapwled version %s", c.App.Version)

	if cfg.MQTT.Server != "" {
		pub := hapwled.NewMQTTPublisher(cfg.MQTT.Server, cfg.MQTT.Username, cfg.MQTT.Password, cfg.MQTT.TopicPrefix)
		if err := pub.Connect(); err != nil {
			return fmt.Errorf("cannot connect to MQTT: %w", err)
		}
		defer pub.Disconnect()
		br.Publisher = pub
	}

	registry := hapwled.NewRegistry(client, br)
	registry.Metrics = metrics
	registry.ProbeConcurrency = cfg.ProbeConcurrency

	if err := br.LoadCache(registry); err != nil {
		log.WithError(err).Error("cannot load accessory cache")
	}

	// listen for termination signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		signal.Stop(sigCh)
		shutdown()
	}()

	if cfg.HTTPAddr != "" {
		srv := &hapwled.HTTPServer{
			Addr:     cfg.HTTPAddr,
			Registry: registry,
			Bridge:   br,
			Gatherer: reg,
		}
		go func() {
			if err := srv.Run(ctx); err != nil {
				log.WithError(err).Error("HTTP status channel stopped")
			}
		}()
	}

	registry.Register(ctx, cfg.Wleds)

	if cfg.Discovery.Enabled {
		presetsNb := cfg.Discovery.PresetsNb
		d := hapwled.NewDiscoverer(registry, presetsNb)
		d.Service = cfg.Discovery.Service
		d.Domain = cfg.Discovery.Domain
		go d.RunForever(ctx, hapwled.WLED_MDNS_RETRY_DELAY)
	} else if br.NumDevices() == 0 {
		log.Error("No devices added to bridge. Refusing to start.")
		return nil
	}

	log.Info("hapwled configured. starting HAP server...")

	pin := br.GetPin()
	log.Infof("server PIN is %s-%s", pin[:4], pin[4:])

	err = br.StartHAP()
	switch {
	case err == nil, errors.Is(err, http.ErrServerClosed), errors.Is(err, context.Canceled):
		log.Info("HAP server was shutdown")
	default:
		log.WithError(err).Error("error starting server")
	}
	return nil
}
