// Command cellmodem powers a cellular modem, dials its data connection and
// keeps track of it until interrupted.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jaracil/cellmodem"
	"github.com/jaracil/cellmodem/gpio"
	"github.com/jaracil/cellmodem/logger"
	"github.com/jaracil/cellmodem/metrics"
	"github.com/jaracil/cellmodem/netif"
	"github.com/jaracil/cellmodem/simulator"
	"github.com/jessevdk/go-flags"
	"go.uber.org/zap"
)

type options struct {
	Config      string        `long:"config" env:"CELLMODEM_CONFIG" description:"YAML configuration file"`
	Chip        string        `long:"chip" env:"CELLMODEM_CHIP" description:"GPIO chip carrying the control lines"`
	GPIOSysfs   bool          `long:"gpio-sysfs" env:"CELLMODEM_GPIO_SYSFS" description:"Drive the control lines through /sys/class/gpio"`
	PowerPin    int           `long:"power-pin" env:"CELLMODEM_POWER_PIN" default:"-1" description:"Power key line offset"`
	FlightPin   int           `long:"flight-pin" env:"CELLMODEM_FLIGHT_PIN" default:"-1" description:"Flight mode line offset"`
	Port        string        `long:"port" env:"CELLMODEM_PORT" description:"Modem serial port"`
	Baud        int           `long:"baud" env:"CELLMODEM_BAUD" description:"Serial speed"`
	TxPin       int           `long:"tx-pin" env:"CELLMODEM_TX_PIN" default:"-1" description:"UART TX pin"`
	RxPin       int           `long:"rx-pin" env:"CELLMODEM_RX_PIN" default:"-1" description:"UART RX pin"`
	APN         string        `long:"apn" env:"CELLMODEM_APN" description:"Access point name"`
	Ifname      string        `long:"ifname" env:"CELLMODEM_IFNAME" description:"PPP interface name"`
	Interval    time.Duration `long:"interval" env:"CELLMODEM_INTERVAL" default:"100ms" description:"Poll period"`
	Resume      bool          `long:"resume" env:"CELLMODEM_RESUME" description:"Host resumed from sleep; skip the rail settle delay"`
	MetricsAddr string        `long:"metrics-addr" env:"CELLMODEM_METRICS_ADDR" description:"Serve Prometheus metrics on this address"`
	Simulate    bool          `long:"simulate" env:"CELLMODEM_SIMULATE" description:"Run against an emulated modem and network"`
	LogLevel    string        `long:"log-level" env:"LOGGING_LEVEL" default:"INFO" description:"Log level"`
	LogFormat   string        `long:"log-format" env:"LOGGING_FORMAT" default:"CONSOLE" description:"Log format (CONSOLE, JSON)"`
}

func (o *options) config() (cellmodem.Config, error) {
	cfg := cellmodem.DefaultConfig()
	if o.Config != "" {
		var err error
		if cfg, err = cellmodem.LoadConfig(o.Config); err != nil {
			return cfg, err
		}
	}
	if o.Chip != "" {
		cfg.Power.Chip = o.Chip
	}
	if o.PowerPin >= 0 {
		cfg.Power.PowerPin = o.PowerPin
	}
	if o.FlightPin >= 0 {
		cfg.Power.FlightPin = o.FlightPin
	}
	if o.Port != "" {
		cfg.Serial.Port = o.Port
	}
	if o.Baud > 0 {
		cfg.Serial.BaudRate = o.Baud
	}
	if o.TxPin >= 0 {
		cfg.Serial.TxPin = o.TxPin
	}
	if o.RxPin >= 0 {
		cfg.Serial.RxPin = o.RxPin
	}
	if o.APN != "" {
		cfg.Device.APN = o.APN
	}
	if o.Ifname != "" {
		cfg.Device.Interface = o.Ifname
	}
	return cfg, nil
}

// simulation stands in for the board, the modem and the operator network.
type simulation struct {
	pty   *simulator.Pty
	modem *simulator.Modem
}

func startSimulation(cfg *cellmodem.Config, log *zap.Logger) (*simulation, []cellmodem.Option, error) {
	pty, err := simulator.NewPty()
	if err != nil {
		return nil, nil, fmt.Errorf("simulated serial port: %w", err)
	}
	network := simulator.NewNetwork(simulator.DefaultNetworkConfig(), simulator.WithNetworkLogger(log.Named("network")))
	modem, err := simulator.NewModem(&simulator.Config{
		Id:     "sim0",
		Serial: pty,
		Dial:   network.Dial,
		Logger: log.Named("sim"),
	})
	if err != nil {
		pty.Close()
		return nil, nil, err
	}

	cfg.Serial.Port = pty.Name()
	if cfg.Power.PowerPin < 0 {
		cfg.Power.PowerPin = 0
	}
	if cfg.Power.FlightPin < 0 {
		cfg.Power.FlightPin = 1
	}
	if cfg.Device.APN == "" {
		cfg.Device.APN = "internet"
	}
	log.Info("simulated modem", zap.String("port", pty.Name()))

	opts := []cellmodem.Option{
		cellmodem.WithPinDriver(gpio.NewSim(log.Named("gpio"))),
		cellmodem.WithNetworkStack(netif.NewStack(network,
			netif.WithQueueSize(cellmodem.EventQueueSize),
			netif.WithLogger(log))),
	}
	return &simulation{pty: pty, modem: modem}, opts, nil
}

func (s *simulation) Close() {
	s.modem.CloseSync()
	s.pty.Close()
}

func serveMetrics(addr string, log *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server", zap.Error(err))
		}
	}()
	return srv
}

func run(opts *options, log *zap.Logger) error {
	cfg, err := opts.config()
	if err != nil {
		return err
	}

	var compOpts []cellmodem.Option
	if opts.Simulate {
		sim, simOpts, err := startSimulation(&cfg, log)
		if err != nil {
			return err
		}
		defer sim.Close()
		compOpts = simOpts
	} else if opts.GPIOSysfs {
		compOpts = append(compOpts, cellmodem.WithPinDriver(gpio.Sysfs{}))
	}
	if opts.Resume {
		compOpts = append(compOpts, cellmodem.WithWakeReason(cellmodem.WakeResume))
	}
	compOpts = append(compOpts, cellmodem.WithLogger(log))

	modem, err := cellmodem.New(cfg, compOpts...)
	if err != nil {
		return err
	}
	modem.OnConnect(func() { log.Info("connection up") })
	modem.OnDisconnect(func() { log.Info("connection down") })

	if opts.MetricsAddr != "" {
		srv := serveMetrics(opts.MetricsAddr, log)
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			srv.Shutdown(ctx)
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := modem.Setup(ctx); err != nil {
		modem.Shutdown()
		return err
	}
	if err := modem.Run(ctx, opts.Interval); err != nil && !errors.Is(err, context.Canceled) {
		modem.Shutdown()
		return err
	}
	return modem.Shutdown()
}

func main() {
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(2)
	}

	log := logger.New(logger.Level(opts.LogLevel), logger.ParseFormat(opts.LogFormat, logger.FormatConsole))
	defer log.Sync()

	if err := run(&opts, log); err != nil {
		log.Error("cellmodem", zap.Error(err))
		log.Sync()
		os.Exit(1)
	}
}
