package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.bug.st/serial"
	"go.uber.org/zap"

	"github.com/itohio/goadc/pkg/adc"
	"github.com/itohio/goadc/pkg/capture"
	"github.com/itohio/goadc/pkg/command"
	"github.com/itohio/goadc/pkg/config"
	"github.com/itohio/goadc/pkg/filter"
	"github.com/itohio/goadc/pkg/lockout"
	"github.com/itohio/goadc/pkg/pipeline"
	"github.com/itohio/goadc/pkg/store"
	"github.com/itohio/goadc/pkg/telemetry"
	"github.com/itohio/goadc/pkg/watchdog"
)

func main() {
	configPath := flag.String("config", "goadc.yaml", "configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Log.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil && err != context.Canceled {
		logger.Fatal("exiting", zap.Error(err))
	}
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", level, err)
	}
	zcfg := zap.NewDevelopmentConfig()
	zcfg.Level = lvl
	zcfg.OutputPaths = []string{"stderr"}
	return zcfg.Build()
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dev, closeDev, err := openDevice(cfg.Store.Path, logger)
	if err != nil {
		return err
	}
	defer closeDev()

	lk := lockout.New()
	dog := watchdog.New(func() {
		logger.Error("acquisition loop stalled, shutting down")
		stop()
	}, logger)

	st := store.NewStore(dev, adc.SampleRateHz, lk, dog, logger)
	if err := st.Init(); err != nil {
		return err
	}

	engine := adc.NewSimEngine(cfg.Sim, logger)
	sampler := adc.NewSampler(engine, logger)
	if err := sampler.Init(); err != nil {
		return err
	}
	if err := sampler.Start(); err != nil {
		return err
	}
	defer sampler.Stop()

	session := capture.NewSession(st, nil, logger)
	mailbox := telemetry.NewMailbox()
	producer := pipeline.NewProducer(sampler, filter.NewConditioner(), session, mailbox, lk, dog, logger)

	dog.Enable(cfg.Watchdog.Timeout)
	defer dog.Disable()

	producerDone := make(chan error, 1)
	go func() { producerDone <- producer.Run(ctx) }()

	go reportTelemetry(ctx, mailbox, lk, logger)

	port, closePort, err := openPort(cfg.Serial, logger)
	if err != nil {
		return err
	}
	defer closePort()

	commander := command.NewCommander(session, st, logger)
	cmdDone := make(chan error, 1)
	go func() { cmdDone <- commander.Run(ctx, port) }()

	logger.Info("goadc running",
		zap.Int("sample_rate", adc.SampleRateHz),
		zap.Int("slots", store.SlotCount))

	select {
	case <-ctx.Done():
	case err := <-cmdDone:
		if err != nil {
			logger.Error("command interface failed", zap.Error(err))
		}
		stop()
	}

	session.Cancel()
	select {
	case <-producerDone:
	case <-time.After(5 * time.Second):
		logger.Warn("producer did not stop in time")
	}
	logger.Info("shutdown complete")
	return nil
}

func openDevice(path string, logger *zap.Logger) (store.Device, func(), error) {
	if path == "" {
		logger.Warn("no store path configured, records will not survive restart")
		return store.NewMemDevice(store.DeviceSize), func() {}, nil
	}
	dev, err := store.OpenFileDevice(path, store.DeviceSize)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("store image opened", zap.String("path", path))
	return dev, func() {
		if err := dev.Close(); err != nil {
			logger.Error("close store image", zap.Error(err))
		}
	}, nil
}

// stdioPort exposes the process streams as the command port.
type stdioPort struct {
	io.Reader
	io.Writer
}

func openPort(cfg config.SerialConfig, logger *zap.Logger) (io.ReadWriter, func(), error) {
	if cfg.Port == "" {
		logger.Info("command interface on stdio")
		return stdioPort{os.Stdin, os.Stdout}, func() {}, nil
	}
	port, err := serial.Open(cfg.Port, &serial.Mode{BaudRate: cfg.BaudRate})
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", cfg.Port, err)
	}
	logger.Info("command interface on serial port",
		zap.String("port", cfg.Port),
		zap.Int("baud", cfg.BaudRate))
	return port, func() { port.Close() }, nil
}

// reportTelemetry logs the producer snapshot once a second. It joins the
// lockout so flash maintenance can park this context too.
func reportTelemetry(ctx context.Context, mailbox *telemetry.Mailbox, lk *lockout.Controller, logger *zap.Logger) {
	part := lk.Join()
	defer part.Leave()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	var lastBeat uint32
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		part.Checkpoint()

		beat := mailbox.Heartbeat()
		if beat == lastBeat {
			logger.Warn("producer heartbeat stalled", zap.Uint32("beat", beat))
		}
		lastBeat = beat

		snap, ok := mailbox.Consume()
		if !ok {
			continue
		}
		logger.Info("telemetry",
			zap.Float32("voltage", snap.Voltage),
			zap.Uint16("raw_min", snap.RawMin),
			zap.Uint16("raw_max", snap.RawMax),
			zap.Float32("raw_avg", snap.RawAvg),
			zap.Uint32("transfers", snap.Transfers),
			zap.Uint32("overflows", snap.Overflows),
			zap.Float32("loop_hz", snap.LoopHz))
	}
}
