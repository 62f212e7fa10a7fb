package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/dj-oyu/webrtc-object-detection/detection-server/internal/broadcast"
	"github.com/dj-oyu/webrtc-object-detection/detection-server/internal/config"
	"github.com/dj-oyu/webrtc-object-detection/detection-server/internal/detector"
	"github.com/dj-oyu/webrtc-object-detection/detection-server/internal/emitter"
	"github.com/dj-oyu/webrtc-object-detection/detection-server/internal/hostinfo"
	"github.com/dj-oyu/webrtc-object-detection/detection-server/internal/logger"
	"github.com/dj-oyu/webrtc-object-detection/detection-server/internal/metrics"
	"github.com/dj-oyu/webrtc-object-detection/detection-server/internal/pipeline"
	"github.com/dj-oyu/webrtc-object-detection/detection-server/internal/preview"
	"github.com/dj-oyu/webrtc-object-detection/detection-server/internal/telemetry"
	"github.com/dj-oyu/webrtc-object-detection/detection-server/internal/webmonitor"
	"github.com/dj-oyu/webrtc-object-detection/detection-server/internal/webrtc"
)

var (
	// Command-line flags. Non-empty values override the config file.
	configPath  = flag.String("config", "", "Config file (default: ./detection-server.toml or /etc/detection-server/)")
	writeConfig = flag.String("write-config", "", "Write the default config to this path and exit")
	httpAddr    = flag.String("http", "", "HTTP server address")
	logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error, silent)")
)

func main() {
	flag.Parse()

	if *writeConfig != "" {
		if err := config.WriteDefault(*writeConfig); err != nil {
			log.Fatalf("Failed to write config: %v", err)
		}
		fmt.Printf("Default config written to %s\n", *writeConfig)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *httpAddr != "" {
		cfg.Server.Address = *httpAddr
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	// Initialize logger
	level, err := logger.ParseLevel(cfg.Logging.Level)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	logger.Init(level, os.Stderr, cfg.Logging.Color)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logger.Error("Main", "Server stopped with error: %v", err)
		os.Exit(1)
	}
	logger.Info("Main", "Server stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	var resources telemetry.ResourceSource
	if config.Duration(cfg.Telemetry.ResourceInterval) > 0 {
		sampler, err := hostinfo.NewSampler()
		if err != nil {
			logger.Warn("Main", "Resource sampling disabled: %v", err)
		} else {
			resources = sampler
		}
	}

	session := telemetry.New(telemetry.Options{
		WindowSize: cfg.Telemetry.WindowSize,
		Resources:  resources,
		ExportDir:  cfg.Telemetry.ExportDir,
	})

	hub := broadcast.NewHub(broadcast.Options{
		QueueSize:   cfg.Broadcast.QueueSize,
		SendTimeout: config.Duration(cfg.Broadcast.SendTimeout),
		OnDelivered: func(_ string, bytes int) {
			session.RecordNetwork(int64(bytes), 0)
		},
		OnRemoved: func(id string, state broadcast.State) {
			logger.Debug("Broadcast", "Subscriber %s removed (%s)", id, state)
		},
	})
	defer hub.Close()

	m := metrics.New(session, hub)

	det, err := newDetector(cfg.Detector)
	if err != nil {
		return err
	}

	previews := preview.NewBuffer()
	pipe := pipeline.New(pipeline.Config{
		Session:       session,
		Hub:           hub,
		Detector:      det,
		Preview:       previews,
		Metrics:       m,
		MinConfidence: cfg.Detector.MinConfidence,
		DetectTimeout: config.Duration(cfg.Detector.Timeout),
		PLIInterval:   config.Duration(cfg.Pipeline.PLIInterval),
		MaxLate:       uint16(cfg.Pipeline.MaxLate),
	})

	rtc := webrtc.NewServer(webrtc.Options{
		STUNServers:   cfg.WebRTC.STUNServers,
		MaxPeers:      cfg.WebRTC.MaxPeers,
		StatsInterval: config.Duration(cfg.WebRTC.StatsInterval),
	}, session, pipe, m)
	defer rtc.Close()

	deps := webmonitor.Deps{
		Session:  session,
		Hub:      hub,
		Signaler: rtc,
		Preview:  previews,
	}
	if cfg.Server.MetricsAddress == "" {
		deps.Metrics = m
	}
	web := webmonitor.NewServer(webmonitor.Config{
		Addr:              cfg.Server.Address,
		AllowedOrigins:    cfg.Server.AllowedOrigins,
		StatusInterval:    config.Duration(cfg.Server.StatusInterval),
		KeepaliveInterval: config.Duration(cfg.Server.KeepaliveInterval),
	}, deps)

	logger.Info("Main", "Detection server starting")
	logger.Info("Main", "  Session: %s", session.ID())
	logger.Info("Main", "  HTTP server: %s", cfg.Server.Address)
	if cfg.Detector.URL != "" {
		logger.Info("Main", "  Detector: %s", cfg.Detector.URL)
	} else {
		logger.Warn("Main", "  Detector: none, frames are counted but not analysed")
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return web.Serve(gctx)
	})

	if cfg.Server.MetricsAddress != "" {
		g.Go(func() error {
			logger.Info("Main", "Starting metrics server on %s", cfg.Server.MetricsAddress)
			return m.Serve(gctx, cfg.Server.MetricsAddress)
		})
	}

	if resources != nil {
		g.Go(func() error {
			return session.PollResources(gctx, config.Duration(cfg.Telemetry.ResourceInterval))
		})
	}

	if cfg.MQTT.Broker != "" {
		mq := emitter.New(emitter.Config{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Topic:    cfg.MQTT.Topic,
			QoS:      byte(cfg.MQTT.QoS),
			Interval: config.Duration(cfg.MQTT.Interval),
		}, session)
		g.Go(func() error {
			// A broker outage must not take the server down.
			if err := mq.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("Main", "MQTT emitter stopped: %v", err)
			}
			return nil
		})
	}

	if cfg.Detector.Warmup {
		g.Go(func() error {
			if err := pipe.Warmup(gctx); err != nil {
				logger.Warn("Main", "Detector warmup failed: %v", err)
			}
			return nil
		})
	}

	err = g.Wait()

	if cfg.Telemetry.ExportOnExit {
		if path, exportErr := session.Export(""); exportErr != nil {
			logger.Error("Main", "Export on exit failed: %v", exportErr)
		} else {
			logger.Info("Main", "Session metrics saved to %s", path)
		}
	}
	return err
}

func newDetector(cfg config.DetectorConfig) (detector.Detector, error) {
	if cfg.URL == "" {
		return detector.Nop{}, nil
	}
	d, err := detector.NewHTTPDetector(detector.HTTPOptions{
		BaseURL:       cfg.URL,
		Timeout:       config.Duration(cfg.Timeout),
		MinConfidence: cfg.MinConfidence,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create detector: %w", err)
	}
	return d, nil
}
