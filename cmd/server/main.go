package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/ble-bridge/backend/internal/api"
	"github.com/ble-bridge/backend/internal/config"
	"github.com/ble-bridge/backend/internal/debugtools"
	"github.com/ble-bridge/backend/internal/logbuffer"
	"github.com/ble-bridge/backend/internal/logging"
	"github.com/ble-bridge/backend/internal/session"
	"github.com/ble-bridge/backend/internal/transport"
)

// Version info (set during build)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

const shutdownTimeout = 5 * time.Second

func main() {
	app := cli.NewApp()
	app.Name = "ble-bridge"
	app.Usage = "bridge a BLE adapter to Web Bluetooth test code and expose debug tools over MCP"
	app.Version = fmt.Sprintf("%s (built %s)", Version, BuildTime)
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "config, c", Usage: "path to the YAML config file", EnvVar: "BLE_BRIDGE_CONFIG"},
		cli.BoolFlag{Name: "stdio", Usage: "serve the debug tools on stdin/stdout"},
		cli.StringFlag{Name: "adapter", Usage: "adapter kind: hci or none"},
		cli.IntFlag{Name: "hci-device", Usage: "HCI device index"},
		cli.IntFlag{Name: "port, p", Usage: "HTTP port"},
		cli.StringFlag{Name: "log-level", Usage: "trace, debug, info, warn or error"},
	}
	app.Action = run
	app.Commands = []cli.Command{
		{
			Name:      "init-config",
			Usage:     "write the default configuration to a file",
			ArgsUsage: "<path>",
			Action:    initConfig,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initConfig(c *cli.Context) error {
	path := c.Args().First()
	if path == "" {
		path = c.GlobalString("config")
	}
	if path == "" {
		return cli.NewExitError("init-config needs a path", 2)
	}
	if err := config.DefaultConfig().Save(path); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "wrote %s\n", path)
	return nil
}

// loadConfig layers flags over the file and environment.
func loadConfig(c *cli.Context) (*config.AppConfig, error) {
	cfg, err := config.LoadConfig(c.String("config"))
	if err != nil {
		return nil, err
	}
	if c.IsSet("adapter") {
		cfg.BLE.Adapter = c.String("adapter")
	}
	if c.IsSet("hci-device") {
		cfg.BLE.HCIDevice = c.Int("hci-device")
	}
	if c.IsSet("port") {
		cfg.Server.Port = c.Int("port")
	}
	if c.IsSet("log-level") {
		cfg.Log.Level = c.String("log-level")
	}
	// stdout belongs to the MCP stream in stdio mode.
	if c.Bool("stdio") && cfg.Log.Output == "stdout" {
		cfg.Log.Output = "stderr"
	}
	if err := cfg.Normalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newDriver(cfg *config.AppConfig, log *logrus.Entry) (transport.Driver, func(), error) {
	if cfg.BLE.Adapter == config.AdapterNone {
		log.Warn("running without a BLE adapter; scan and connect will fail")
		return transport.DisabledDriver{}, func() {}, nil
	}
	d, err := transport.NewRigadoDriver(cfg.HardwareOptions(), log)
	if err != nil {
		return nil, nil, err
	}
	return d, func() {
		if err := d.Close(); err != nil {
			log.WithError(err).Warn("failed to stop adapter")
		}
	}, nil
}

func run(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return cli.NewExitError(fmt.Sprintf("failed to load configuration: %v", err), 1)
	}

	logger, logCloser, err := logging.New(logging.Options{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	if err != nil {
		return cli.NewExitError(err.Error(), 1)
	}
	defer logCloser.Close()
	logging.InstallBLE(logger)
	log := logging.Component(logger, "main")

	driver, closeDriver, err := newDriver(cfg, logging.Component(logger, "ble"))
	if err != nil {
		log.WithError(err).Error("failed to open BLE adapter")
		return cli.NewExitError("failed to open BLE adapter (use --adapter none to run without one)", 1)
	}
	defer closeDriver()

	buf := logbuffer.New(cfg.Buffer.Capacity)
	tr := transport.New(driver, buf, cfg.TransportOptions(), logging.Component(logger, "transport"))
	sessions := session.NewManager(tr, logging.Component(logger, "bridge"))

	dbgLog := logging.Component(logger, "debugtools")
	svc := debugtools.NewService(buf, tr,
		debugtools.NewRegistry(buf, debugtools.DefaultIdleTimeout),
		debugtools.Options{Version: Version, Adapter: cfg.BLE.Adapter, ScanTimeout: cfg.ScanTimeout()},
		dbgLog,
	)
	mcpServer := debugtools.NewServer(svc, Version, dbgLog)

	e := api.NewServer(&api.Dependencies{
		Transport: tr,
		Sessions:  sessions,
		Debug:     svc,
		MCP:       mcpServer,
		Config:    cfg,
		Version:   Version,
		Log:       logging.Component(logger, "api"),
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s := &http.Server{
		Addr:        cfg.GetServerAddr(),
		ReadTimeout: time.Duration(cfg.Server.ReadTimeout) * time.Second,
		// Live tails and the bridge socket stay open, so no write timeout
		// unless configured.
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeout) * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		if err := e.StartServer(s); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()

	log.WithFields(logrus.Fields{
		"version":  Version,
		"listen":   cfg.GetServerAddr(),
		"adapter":  cfg.BLE.Adapter,
		"capacity": buf.Capacity(),
		"auth":     cfg.AuthRequired(),
	}).Info("ble bridge started")
	if !cfg.AuthRequired() && !isLoopback(cfg.Server.BindAddress) {
		log.Warn("network debug binding is open without a token")
	}

	stdioDone := make(chan struct{})
	if c.Bool("stdio") {
		go func() {
			defer close(stdioDone)
			if err := debugtools.ServeStdio(ctx, mcpServer, os.Stdin, os.Stdout, dbgLog); err != nil {
				dbgLog.WithError(err).Warn("stdio binding stopped")
			}
		}()
	}

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case <-stdioDone:
		log.Info("stdio client went away, shutting down")
	case err := <-errc:
		log.WithError(err).Error("http server failed")
		return cli.NewExitError(err.Error(), 1)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown")
	}
	sessions.CloseAll(shutdownCtx)
	if _, err := tr.Disconnect(shutdownCtx); err != nil {
		log.WithError(err).Warn("disconnect on shutdown")
	}
	return nil
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
