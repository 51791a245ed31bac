// Command aa-proxy-go drives the Android Auto wireless-to-wired bridge.
// CLI surface mirrors the reference implementation's clap flags,
// grounded on the teacher's other standalone tool 4to6Proxy.go which
// also reaches for the standard library's flag package rather than a
// third-party CLI framework (none appears anywhere in the retrieved
// pack).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/dosgo/aa-proxy-go/internal/battery"
	"github.com/dosgo/aa-proxy-go/internal/config"
	"github.com/dosgo/aa-proxy-go/internal/orchestrator"
	"github.com/dosgo/aa-proxy-go/internal/usbgadget"
)

const version = "0.1.0"

func main() {
	configPath := flag.String("config", config.DefaultPath, "path to the TOML configuration file")
	genConfig := flag.Bool("generate-system-config", false, "write a default configuration file to --config and exit")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	if *genConfig {
		if err := config.Save(config.Default(), *configPath); err != nil {
			logrus.WithError(err).Error("failed writing default config")
			os.Exit(1)
		}
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Error("configuration invalid")
		os.Exit(1)
	}
	setupLogging(cfg)

	gadget, err := usbgadget.New(cfg.UDC)
	if err != nil {
		logrus.WithError(err).Error("required kernel facility missing")
		os.Exit(2)
	}

	shared := config.NewShared(cfg)
	o := orchestrator.New(shared, gadget)

	var battSrv *battery.Server
	if cfg.EV.Enabled {
		battSrv = battery.NewServer(config.BatteryIngestAddr, o.BattSlot)
		if err := battSrv.Start(); err != nil {
			logrus.WithError(err).Error("battery ingest failed to start")
			os.Exit(1)
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	o.Run(ctx)

	if battSrv != nil {
		_ = battSrv.Stop(context.Background())
	}
	os.Exit(0)
}

func setupLogging(cfg *config.AppConfig) {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if cfg.Debug {
		logrus.SetLevel(logrus.DebugLevel)
	} else {
		logrus.SetLevel(logrus.InfoLevel)
	}
	if cfg.Logfile != "" {
		f, err := os.OpenFile(cfg.Logfile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			logrus.WithError(err).Warn("could not open logfile, logging to stderr only")
			return
		}
		logrus.SetOutput(f)
	}
}
