// Package core wires the gateway components together and owns their
// lifecycle.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vigia-iot/vigia/internal/api"
	"github.com/vigia-iot/vigia/internal/commands"
	"github.com/vigia-iot/vigia/internal/config"
	"github.com/vigia-iot/vigia/internal/livebus"
	"github.com/vigia-iot/vigia/internal/metrics"
	"github.com/vigia-iot/vigia/internal/router"
	"github.com/vigia-iot/vigia/internal/store"
	"github.com/vigia-iot/vigia/internal/transport"
	"github.com/vigia-iot/vigia/internal/vision"
)

// Vigia is the main service orchestrator.
type Vigia struct {
	cfg *config.Config

	// Core components
	metrics    *metrics.Metrics
	bus        *livebus.Bus
	mqtt       *transport.Client
	store      *store.Store
	router     *router.Router
	normalizer *vision.Normalizer
	dispatcher *commands.Dispatcher
	apiServer  *api.Server

	// Set only in local mode; needs explicit Start/Stop.
	localDetector *vision.LocalDetector

	// Lifecycle management
	started   time.Time
	mu        sync.RWMutex
	isRunning bool
}

// NewVigia creates a new gateway instance from a config file.
func NewVigia(configPath string) (*Vigia, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	slog.Info("configuration loaded",
		"instance_id", cfg.InstanceID,
		"broker", cfg.MQTT.Broker,
		"vision_mode", cfg.Vision.Mode,
	)

	m := metrics.New()
	v := &Vigia{
		cfg:     cfg,
		metrics: m,
		bus:     livebus.New(cfg.Live.BufferSize, func() { m.LiveDropped.Inc() }),
		mqtt:    transport.NewClient(cfg.MQTT.Broker, cfg.InstanceID),
	}

	detector, err := v.buildDetector()
	if err != nil {
		return nil, err
	}
	v.normalizer = vision.NewNormalizer(
		detector,
		v.mqtt,
		cfg.MQTT.Topics.Detections,
		v.qosFor("detections"),
		m,
	)

	return v, nil
}

// buildDetector selects the detection backend from config. The backend
// is fixed for the lifetime of the process.
func (v *Vigia) buildDetector() (vision.Detector, error) {
	switch v.cfg.Vision.Mode {
	case "local":
		local, err := vision.NewLocalDetector(vision.LocalDetectorConfig{
			RunnerPath: v.cfg.Vision.Local.RunnerPath,
			ModelPath:  v.cfg.Vision.Local.ModelPath,
			Timeout:    time.Duration(v.cfg.Vision.Local.TimeoutS) * time.Second,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create local detector: %w", err)
		}
		v.localDetector = local
		slog.Info("local detector configured",
			"runner", v.cfg.Vision.Local.RunnerPath,
			"model", v.cfg.Vision.Local.ModelPath,
		)
		return local, nil
	case "remote":
		remote := vision.NewRemoteDetector(
			v.cfg.Vision.Remote.URL,
			v.cfg.Vision.Remote.Model,
			time.Duration(v.cfg.Vision.Remote.TimeoutS)*time.Second,
		)
		slog.Info("remote detector configured",
			"url", v.cfg.Vision.Remote.URL,
			"model", v.cfg.Vision.Remote.Model,
		)
		return remote, nil
	default:
		return nil, fmt.Errorf("unknown vision mode %q", v.cfg.Vision.Mode)
	}
}

// Run starts the gateway and blocks until the context is cancelled.
func (v *Vigia) Run(ctx context.Context) error {
	v.mu.Lock()
	if v.isRunning {
		v.mu.Unlock()
		return fmt.Errorf("service is already running")
	}
	v.isRunning = true
	v.started = time.Now()
	v.mu.Unlock()

	slog.Info("vigia gateway starting", "instance_id", v.cfg.InstanceID)

	// Event store first. Everything downstream records through it.
	st, err := store.Open(ctx, v.cfg.DB.ConnString)
	if err != nil {
		return fmt.Errorf("failed to open event store: %w", err)
	}
	v.store = st
	if err := st.InitSchema(ctx); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	if err := v.mqtt.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect mqtt: %w", err)
	}

	if v.localDetector != nil {
		if err := v.localDetector.Start(ctx); err != nil {
			return fmt.Errorf("failed to start model runner: %w", err)
		}
	}

	v.dispatcher = commands.NewDispatcher(
		v.mqtt,
		st,
		v.cfg.MQTT.Topics.Actuator,
		v.qosFor("actuator"),
		v.metrics,
	)

	v.router = router.New(v.cfg.MQTT.Topics, st, v.bus, v.metrics)
	v.router.Start(ctx)

	if err := v.subscribeIngest(); err != nil {
		return err
	}

	v.apiServer = api.NewServer(api.Config{
		Store:             st,
		Bus:               v.bus,
		Commands:          v.dispatcher,
		Detections:        v.normalizer,
		Status:            v.GetStatus,
		Metrics:           v.metrics,
		DefaultConfidence: v.cfg.Vision.Confidence,
	})
	if err := v.apiServer.Start(v.cfg.HTTP.Addr); err != nil {
		return fmt.Errorf("failed to start http api: %w", err)
	}

	slog.Info("vigia gateway running",
		"http_addr", v.cfg.HTTP.Addr,
		"topics", []string{
			v.cfg.MQTT.Topics.RFID,
			v.cfg.MQTT.Topics.Zone,
			v.cfg.MQTT.Topics.Tamper,
			v.cfg.MQTT.Topics.Detections,
		},
	)

	<-ctx.Done()

	slog.Info("vigia gateway run loop exiting")
	return nil
}

// subscribeIngest routes the four ingest topics into the event router.
func (v *Vigia) subscribeIngest() error {
	topics := []struct {
		name  string
		topic string
	}{
		{"rfid", v.cfg.MQTT.Topics.RFID},
		{"zone", v.cfg.MQTT.Topics.Zone},
		{"tamper", v.cfg.MQTT.Topics.Tamper},
		{"detections", v.cfg.MQTT.Topics.Detections},
	}

	for _, t := range topics {
		if err := v.mqtt.Subscribe(t.topic, v.qosFor(t.name), v.router.HandleMessage); err != nil {
			return fmt.Errorf("failed to subscribe %s: %w", t.topic, err)
		}
	}
	return nil
}

// Shutdown performs graceful shutdown of all components.
func (v *Vigia) Shutdown(ctx context.Context) error {
	v.mu.Lock()
	if !v.isRunning {
		v.mu.Unlock()
		return nil
	}
	v.mu.Unlock()

	slog.Info("shutting down vigia gateway")

	// Shutdown sequence (order is important!):
	// 1. Stop accepting HTTP requests, detaching live viewers.
	if v.apiServer != nil {
		if err := v.apiServer.Shutdown(ctx); err != nil {
			slog.Error("failed to stop http api", "error", err)
		}
	}

	// 2. Disconnect MQTT so no new events arrive.
	if v.mqtt != nil {
		if err := v.mqtt.Disconnect(); err != nil {
			slog.Error("failed to disconnect mqtt", "error", err)
		}
	}

	// 3. Let the router drain whatever is already queued.
	if v.router != nil {
		v.router.Wait()
	}

	// 4. Close the live bus, releasing any remaining subscribers.
	if v.bus != nil {
		v.bus.Close()
	}

	// 5. Stop the model runner.
	if v.localDetector != nil {
		if err := v.localDetector.Stop(); err != nil {
			slog.Error("failed to stop model runner", "error", err)
		}
	}

	// 6. Close the event store.
	if v.store != nil {
		if err := v.store.Close(); err != nil {
			slog.Error("failed to close event store", "error", err)
		}
	}

	v.mu.Lock()
	uptime := time.Since(v.started)
	v.isRunning = false
	v.mu.Unlock()

	slog.Info("vigia gateway shutdown complete", "uptime", uptime)
	return nil
}

// GetStatus returns the current status of the service.
func (v *Vigia) GetStatus() map[string]any {
	v.mu.RLock()
	defer v.mu.RUnlock()

	status := map[string]any{
		"instance_id":      v.cfg.InstanceID,
		"uptime_s":         time.Since(v.started).Seconds(),
		"running":          v.isRunning,
		"vision_mode":      v.cfg.Vision.Mode,
		"live_subscribers": v.bus.Subscribers(),
		"events_published": v.bus.TotalPublished(),
	}
	if v.mqtt != nil {
		status["mqtt_connected"] = v.mqtt.IsConnected()
	}
	return status
}

// ShutdownTimeout returns the configured graceful shutdown timeout,
// defaulting to 5 seconds.
func (v *Vigia) ShutdownTimeout() time.Duration {
	timeout := time.Duration(v.cfg.ShutdownTimeoutS) * time.Second
	if timeout == 0 {
		return 5 * time.Second
	}
	return timeout
}

// qosFor looks up the QoS level for a named publish or subscribe
// surface, defaulting to 0.
func (v *Vigia) qosFor(name string) byte {
	if v.cfg.MQTT.QoS == nil {
		return 0
	}
	return v.cfg.MQTT.QoS[name]
}
