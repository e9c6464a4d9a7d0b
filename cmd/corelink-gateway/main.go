package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/corelink-protocol/corelink-go/pkg/api"
	"github.com/corelink-protocol/corelink-go/pkg/config"
	"github.com/corelink-protocol/corelink-go/pkg/eventbus"
	"github.com/corelink-protocol/corelink-go/pkg/log"
	"github.com/corelink-protocol/corelink-go/pkg/server"
	"github.com/corelink-protocol/corelink-go/pkg/store"

	"github.com/corelink-protocol/corelink-go/cmd/corelink-gateway/interactive"
)

func main() {
	var (
		configPath      = flag.String("config", "", "Path to the YAML configuration file")
		listen          = flag.String("listen", "", "TCP listen address (overrides config)")
		keyPath         = flag.String("key", "", "Gateway RSA private key PEM file (overrides config)")
		deviceKeys      = flag.String("device-keys", "", "Directory of device public keys (overrides config)")
		firmware        = flag.String("firmware", "", "Directory of known firmware images (overrides config)")
		attributes      = flag.String("attributes", "", "JSON file backing the device attribute store (overrides config)")
		protocolLog     = flag.String("protocol-log", "", "CBOR protocol event log path (overrides config)")
		logLevel        = flag.String("log-level", "", "Log level: debug, info, warn, error (overrides config)")
		mdns            = flag.Bool("mdns", false, "Advertise the gateway via mDNS")
		interactiveMode = flag.Bool("interactive", false, "Run with an interactive console")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *listen != "" {
		cfg.ListenAddress = *listen
	}
	if *keyPath != "" {
		cfg.ServerKeyPath = *keyPath
	}
	if *deviceKeys != "" {
		cfg.DeviceKeyDir = *deviceKeys
	}
	if *firmware != "" {
		cfg.FirmwareDir = *firmware
	}
	if *attributes != "" {
		cfg.AttributeFile = *attributes
	}
	if *protocolLog != "" {
		cfg.ProtocolLogPath = *protocolLog
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *mdns {
		cfg.EnableMDNS = true
	}

	if cfg.ServerKeyPath == "" {
		fmt.Fprintln(os.Stderr, "A gateway private key is required (-key or server_key_path)")
		os.Exit(1)
	}
	if cfg.DeviceKeyDir == "" {
		fmt.Fprintln(os.Stderr, "A device key directory is required (-device-keys or device_key_dir)")
		os.Exit(1)
	}

	var console *interactive.Console
	if *interactiveMode {
		console, err = interactive.New()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to start console: %v\n", err)
			os.Exit(1)
		}
	}

	logger := newLogger(cfg.LogLevel, console)

	priv, err := store.LoadPrivateKey(cfg.ServerKeyPath)
	if err != nil {
		logger.Error("cannot load gateway key", "error", err)
		os.Exit(1)
	}

	protoLogger, closeProto, err := newProtocolLogger(cfg, logger)
	if err != nil {
		logger.Error("cannot open protocol log", "error", err)
		os.Exit(1)
	}
	if closeProto != nil {
		defer closeProto()
	}

	var attrStore store.AttributeStore
	if cfg.AttributeFile != "" {
		attrStore, err = store.NewFileAttributeStore(cfg.AttributeFile)
		if err != nil {
			logger.Error("cannot open attribute store", "error", err)
			os.Exit(1)
		}
	} else {
		attrStore = store.NewMemoryAttributeStore()
	}

	var firmwareStore store.FirmwareStore
	if cfg.FirmwareDir != "" {
		firmwareStore = store.NewDirFirmwareStore(cfg.FirmwareDir)
	}

	bus := eventbus.NewBroker()

	gw, err := server.New(server.Params{
		Config:     cfg,
		Key:        priv,
		Keys:       store.NewDirKeyStore(cfg.DeviceKeyDir),
		Attributes: attrStore,
		Firmware:   firmwareStore,
		Bus:        bus,
		API:        api.Nop{},
		Logger:     protoLogger,
		Slog:       logger,
	})
	if err != nil {
		logger.Error("cannot create gateway", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := gw.Start(ctx); err != nil {
		logger.Error("cannot start gateway", "error", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	if console != nil {
		console.Attach(gw, bus)
		go console.Run(ctx, cancel)
	}

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case <-ctx.Done():
	}

	if err := gw.Stop(); err != nil {
		logger.Error("shutdown failed", "error", err)
		os.Exit(1)
	}
}

// newLogger builds the application logger. In interactive mode output
// goes through the console so log lines do not clobber the prompt.
func newLogger(level string, console *interactive.Console) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	var out io.Writer = os.Stderr
	if console != nil {
		out = console.Stdout()
	}
	return slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: lvl}))
}

// newProtocolLogger assembles the protocol event sink from the config:
// a CBOR file log, a debug mirror to slog, both, or neither.
func newProtocolLogger(cfg config.Config, logger *slog.Logger) (log.Logger, func(), error) {
	var sinks []log.Logger
	var closeFn func()

	if cfg.ProtocolLogPath != "" {
		fileLogger, err := log.NewFileLogger(cfg.ProtocolLogPath)
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, fileLogger)
		closeFn = func() { _ = fileLogger.Close() }
	}
	if cfg.VerboseProtocol {
		sinks = append(sinks, log.NewSlogAdapter(logger))
	}

	switch len(sinks) {
	case 0:
		return nil, nil, nil
	case 1:
		return sinks[0], closeFn, nil
	default:
		return log.NewMultiLogger(sinks...), closeFn, nil
	}
}
