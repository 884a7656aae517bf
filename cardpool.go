package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"cardpool/cardreader"
	"cardpool/controlpad"
	"cardpool/db"
	"cardpool/eventpipe"
	"cardpool/felica"
	"cardpool/indicator"
	"cardpool/lending"
	"cardpool/mqtt"
	"cardpool/pcsc"
	"cardpool/reader"
	"cardpool/roster"
	"cardpool/store/sqlite"
	"cardpool/suppress"
)

var myBuild string

func main() {
	fmt.Printf("cardpool build %s\n", myBuild)

	cfgfile := pflag.String("cfg", "cardpool.cfg", "Config file")
	synthetic := pflag.Bool("synthetic", false, "Use the in-process synthetic card reader")
	logLevel := pflag.String("log-level", "", "Log level (debug, info, warn, error); overrides the config file")
	pflag.Parse()

	cfg, err := loadConfig(*cfgfile)
	if err != nil {
		log.Fatalf("Load config: %v", err)
	}
	if *synthetic {
		cfg.Reader.Type = "synthetic"
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Init logging: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Ledger database
	conn, err := db.Open(ctx, cfg.DB)
	if err != nil {
		log.Fatalf("Open database: %v", err)
	}
	defer conn.Close()
	writer := db.NewWriter(conn)
	defer writer.Close()

	if cfg.DB.SeedFixtures {
		if err := db.SeedDev(ctx, conn); err != nil {
			log.Fatalf("Seed database: %v", err)
		}
	}

	registry := sqlite.NewRegistry(conn, writer)
	ledger := sqlite.NewLedger(conn, writer)
	audit := sqlite.NewAuditLog(conn, writer)

	if cfg.RosterFile != "" {
		entries, err := roster.LoadFile(cfg.RosterFile, logger)
		if err != nil {
			logger.Warn("could not load roster", "file", cfg.RosterFile, "err", err)
		} else {
			n, err := roster.Apply(ctx, registry, entries)
			if err != nil {
				log.Fatalf("Apply roster: %v", err)
			}
			logger.Info("roster loaded", "staff", n.Staff, "cards", n.Cards)
		}
	}

	var stations *felica.Stations
	if cfg.StationsFile != "" {
		stations, err = felica.LoadStations(cfg.StationsFile)
		if err != nil {
			logger.Warn("could not load station names", "file", cfg.StationsFile, "err", err)
		} else {
			logger.Info("station names loaded", "count", stations.Len())
		}
	}

	bus := suppress.New()

	app := &App{
		cfg:        cfg,
		log:        logger,
		staffTaps:  make(chan string, 8),
		readerDown: true,
	}

	// MQTT
	app.mqtt, err = mqtt.New(cfg.MQTT, cfg.ClientID, logger)
	if err != nil {
		log.Fatalf("Init MQTT: %v", err)
	}

	// Indicators: hardware from config, plus log and MQTT status
	app.indicator, err = indicator.New(cfg.Indicator, indicator.NewLog(logger), indicator.NewMQTT(app.mqtt, cfg.ClientID))
	if err != nil {
		log.Fatalf("Init indicator: %v", err)
	}
	app.indicator.ConnectionLost() // Start with reader unavailable

	// Card reader
	var factory pcsc.Factory
	var synth *pcsc.Synthetic
	if cfg.Reader.Synthetic() {
		synth = pcsc.NewSynthetic("")
		factory = synth
		logger.Info("using synthetic card reader")
	} else {
		factory = pcsc.NewFactory()
	}
	app.cards = cardreader.New(cfg.CardReader, cardreader.Options{
		Factory:  factory,
		Logger:   logger,
		Suppress: bus,
		Stations: stations,
	})

	// Tap sequencer
	app.seq = lending.New(cfg.Lending, lending.Options{
		Registry: registry,
		Ledger:   ledger,
		Audit:    audit,
		Reader:   app.cards,
		Notifier: indicator.Notifier{Indicator: app.indicator},
		Logger:   logger,
	})
	app.mqtt.Route(mqtt.NewControl(cfg.ClientID, bus, app.seq.Cancel, logger))

	// Cancel button
	app.pad, err = controlpad.New(cfg.ControlPad, func() {
		if app.seq.Cancel() {
			logger.Info("pending staff tap cancelled")
		}
	})
	if err != nil {
		log.Fatalf("Init control pad: %v", err)
	}
	app.seq.OnStateChange(func(s lending.Snapshot) {
		app.pad.SetPending(s.State == lending.AwaitingCardTap)
	})

	// Staff badge reader
	badges, err := reader.New(cfg.StaffReader, logger)
	if err != nil {
		log.Fatalf("Init staff reader: %v", err)
	}
	if badges != nil {
		go reader.Run(ctx, badges, logger, app.staffTap)
	}

	// Dev harness
	var pipe *eventpipe.EventPipe
	if cfg.EventPipe.Path != "" {
		if synth == nil {
			logger.Warn("event pipe needs the synthetic reader, not started")
		} else {
			h := &eventpipe.Harness{
				Reader: synth,
				Staff:  app.staffTap,
				Bus:    bus,
				Cancel: app.seq.Cancel,
				Log:    logger,
			}
			pipe, err = eventpipe.New(cfg.EventPipe, logger, h.Handle)
			if err != nil {
				log.Fatalf("Init event pipe: %v", err)
			}
			go pipe.Start()
		}
	}

	// Start background goroutines
	go func() {
		if err := app.mqtt.Connect(); err != nil {
			logger.Error("mqtt connect", "err", err)
		}
	}()
	go app.startReading(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		app.tapListener(ctx)
	}()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	fmt.Println("Shutting down...")
	cancel()

	// Cleanup
	if err := app.cards.Close(); err != nil {
		logger.Warn("close card reader", "err", err)
	}
	<-done
	app.mqtt.Disconnect()
	if badges != nil {
		badges.Close()
	}
	if pipe != nil {
		pipe.Close()
	}
	app.pad.Release()
	app.indicator.Shutdown()
	app.indicator.Release()

	fmt.Println("Shutdown complete")
}
