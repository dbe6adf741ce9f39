package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/wheelsort/wheelsort/config"
	"github.com/wheelsort/wheelsort/pkg/api"
	"github.com/wheelsort/wheelsort/pkg/api/handlers"
	"github.com/wheelsort/wheelsort/pkg/diverter"
	"github.com/wheelsort/wheelsort/pkg/emc"
	"github.com/wheelsort/wheelsort/pkg/emc/grpchub"
	emcmemory "github.com/wheelsort/wheelsort/pkg/emc/memory"
	"github.com/wheelsort/wheelsort/pkg/emc/redisbus"
	"github.com/wheelsort/wheelsort/pkg/emc/wsstream"
	rpcserver "github.com/wheelsort/wheelsort/pkg/grpc"
	"github.com/wheelsort/wheelsort/pkg/logger"
	"github.com/wheelsort/wheelsort/pkg/metrics"
	"github.com/wheelsort/wheelsort/pkg/overload"
	"github.com/wheelsort/wheelsort/pkg/queue"
	"github.com/wheelsort/wheelsort/pkg/sorter"
	"github.com/wheelsort/wheelsort/pkg/topology"
	badgerstore "github.com/wheelsort/wheelsort/pkg/topology/badger"
	routememory "github.com/wheelsort/wheelsort/pkg/topology/memory"
)

var errEMCDisconnected = errors.New("emc transport disconnected")

// app is one running sorter line controller.
type app struct {
	cfg *config.Config
	log logger.Logger

	metrics *metrics.Manager
	store   topology.Store
	policy  *overload.AtomicPolicy
	sorter  *sorter.Service
	emc     *emc.Manager
	monitor *handlers.EMCEventsHandler
	http    *api.HTTPServer
	grpc    *rpcserver.Server

	// relay and hub are set when this instance hosts the EMC bus.
	relay *wsstream.Server
	hub   *grpchub.Hub
	redis redis.UniversalClient

	hot config.HotReloadableConfig
}

// newApp assembles every component from cfg. Nothing runs until start.
func newApp(ctx context.Context, cfg *config.Config, log logger.Logger) (_ *app, err error) {
	a := &app{
		cfg: cfg,
		log: logger.OrNop(log),
		hot: config.ExtractHotReloadable(cfg),
	}
	defer func() {
		if err != nil {
			_ = a.closeResources()
		}
	}()

	a.metrics = newMetrics(cfg.Metrics)
	a.metrics.Install()

	if a.store, err = openRouteStore(cfg.Storage); err != nil {
		return nil, err
	}
	if err = seedRoutes(ctx, a.store, cfg.Sorter, a.log); err != nil {
		return nil, err
	}

	layout, err := cfg.Sorter.Layout()
	if err != nil {
		return nil, fmt.Errorf("invalid line layout: %w", err)
	}
	queues := queue.NewManager(
		queue.WithCapacity(cfg.Sorter.QueueCapacity),
		queue.WithLogger(a.log),
	)

	policy, err := overload.NewPolicy(cfg.Overload)
	if err != nil {
		return nil, fmt.Errorf("invalid overload policy: %w", err)
	}
	a.policy = overload.NewAtomicPolicy(policy)

	if cfg.Server.GRPC.Enabled {
		if a.grpc, err = rpcserver.New(cfg.Server.GRPC.ToGRPCConfig(cfg.Tracing.Enabled), a.log); err != nil {
			return nil, fmt.Errorf("failed to create gRPC server: %w", err)
		}
	}

	if cfg.EMC.Enabled {
		transport, err := a.newTransport()
		if err != nil {
			return nil, err
		}
		a.emc = emc.NewManager(transport,
			emc.WithInstanceID(cfg.EMC.InstanceID),
			emc.WithLogger(a.log),
			emc.WithDefaultTimeout(cfg.EMC.DefaultTimeout),
			emc.WithPublishTimeout(cfg.EMC.PublishTimeout),
			emc.WithAutoAcknowledge(cfg.EMC.AutoAcknowledge),
		)
	}

	a.sorter, err = sorter.New(cfg.ToSorterConfig(), sorter.Dependencies{
		Routes:   a.store,
		Layout:   layout,
		Queues:   queues,
		Locks:    diverter.NewRegistry(),
		Actuator: diverter.NewSimulatedActuator(cfg.Sorter.ActuatorDelay),
		Policy:   a.policy,
		EMC:      a.emc,
	}, sorter.WithLogger(a.log))
	if err != nil {
		return nil, fmt.Errorf("failed to create sorter: %w", err)
	}

	a.monitor = handlers.NewEMCEventsHandler(a.log, handlers.MonitorConfig{
		AllowedOrigins: cfg.Server.CORS.AllowedOrigins,
		MaxConnections: cfg.EMC.WebSocket.MaxConnections,
		PingInterval:   cfg.EMC.WebSocket.PingInterval,
		PongTimeout:    cfg.EMC.WebSocket.PongTimeout,
	})
	a.http = api.NewHTTPServer(cfg, a.log, a.handlers())
	return a, nil
}

func newMetrics(cfg config.MetricsConfig) *metrics.Manager {
	mc := metrics.DefaultConfig()
	mc.Enabled = cfg.Enabled
	mc.Port = cfg.Port
	if cfg.Path != "" {
		mc.Path = cfg.Path
	}
	return metrics.NewManager(mc)
}

func openRouteStore(cfg config.StorageConfig) (topology.Store, error) {
	switch cfg.Type {
	case "badger":
		store, err := badgerstore.New(&badgerstore.Config{
			Path:              cfg.Badger.Path,
			SyncWrites:        cfg.Badger.SyncWrites,
			ValueLogFileSize:  cfg.Badger.ValueLogFileSize,
			NumVersionsToKeep: cfg.Badger.NumVersionsToKeep,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open route store: %w", err)
		}
		return store, nil
	default:
		return routememory.New(), nil
	}
}

// seedRoutes saves the configured routes. A route already in the store was
// edited through the API and is kept.
func seedRoutes(ctx context.Context, store topology.Store, cfg config.SorterConfig, log logger.Logger) error {
	routes, err := cfg.RouteConfigurations()
	if err != nil {
		return fmt.Errorf("invalid route configuration: %w", err)
	}
	seeded := 0
	for _, route := range routes {
		if store.GetByChuteID(route.ChuteID) != nil {
			continue
		}
		if err := store.Save(ctx, route); err != nil {
			return fmt.Errorf("failed to seed route %s: %w", route.ChuteID, err)
		}
		seeded++
	}
	log.Info("route store ready", "configured", len(routes), "seeded", seeded)
	return nil
}

// newTransport builds the EMC bus selected by the configuration.
func (a *app) newTransport() (emc.Transport, error) {
	cfg := a.cfg.EMC
	switch cfg.Transport {
	case "redis":
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		return redisbus.New(a.redis, redisbus.Config{ChannelPrefix: cfg.Redis.ChannelPrefix}, a.log), nil

	case "websocket":
		if cfg.WebSocket.Serve {
			a.relay = wsstream.NewServer(wsstream.ServerConfig{
				MaxConnections: cfg.WebSocket.MaxConnections,
				PingInterval:   cfg.WebSocket.PingInterval,
				PongTimeout:    cfg.WebSocket.PongTimeout,
			}, a.log)
			return a.relay.Transport(0), nil
		}
		return wsstream.NewClient(wsstream.ClientConfig{
			URL:        cfg.WebSocket.URL,
			MinBackoff: cfg.WebSocket.MinBackoff,
			MaxBackoff: cfg.WebSocket.MaxBackoff,
		}, a.log), nil

	case "grpc":
		if cfg.GRPC.Serve {
			if a.grpc == nil {
				return nil, errors.New("emc grpc hub requires server.grpc.enabled")
			}
			a.hub = grpchub.NewHub(grpchub.HubConfig{
				MessagesPerSecond: cfg.GRPC.MessagesPerSecond,
				Burst:             cfg.GRPC.Burst,
			}, a.log)
			if err := a.hub.Register(a.grpc); err != nil {
				return nil, fmt.Errorf("failed to register emc hub: %w", err)
			}
			return a.hub.Transport(0), nil
		}
		return grpchub.NewClient(grpchub.ClientConfig{
			Address:    cfg.GRPC.Address,
			MinBackoff: cfg.GRPC.MinBackoff,
			MaxBackoff: cfg.GRPC.MaxBackoff,
		}, a.log), nil

	default:
		// A private bus: coordination within this process only.
		a.log.Warn("emc uses the in-process transport; peers on other hosts are not reached")
		return emcmemory.NewHub().Transport(0), nil
	}
}

func (a *app) handlers() *api.Handlers {
	checks := []handlers.HealthOption{
		handlers.WithCheck("routes", func(ctx context.Context) error {
			_, err := a.store.List(ctx)
			return err
		}),
		handlers.WithStatus(func() interface{} { return a.sorter.Snapshot() }),
	}
	if a.emc != nil {
		checks = append(checks, handlers.WithCheck("emc", func(context.Context) error {
			if !a.emc.IsConnected() {
				return errEMCDisconnected
			}
			return nil
		}))
	}

	h := &api.Handlers{
		Health: handlers.NewHealthHandler(checks...),
		Sorter: handlers.NewSorterHandler(a.sorter, a.log),
		Routes: handlers.NewRouteHandler(a.store, a.log),
	}
	if a.emc != nil {
		h.EMCEvents = a.monitor
	}
	if a.relay != nil {
		h.EMCRelay = a.relay
	}
	if a.metrics.Enabled() {
		h.Metrics = a.metrics
		if a.cfg.Metrics.Port == 0 {
			h.MetricsHandler = a.metrics.Handler()
		}
	}
	return h
}

// instanceID names this controller in traces and EMC events.
func (a *app) instanceID() string {
	if a.emc != nil {
		return a.emc.InstanceID()
	}
	return a.cfg.EMC.InstanceID
}

// start brings the line up. The returned channel yields the first error of
// a background component, or nil once ctx is done and they have stopped.
func (a *app) start(ctx context.Context) (<-chan error, error) {
	if a.grpc != nil {
		if err := a.grpc.Start(); err != nil {
			return nil, fmt.Errorf("failed to start gRPC server: %w", err)
		}
	}
	if a.emc != nil {
		if err := a.emc.Start(ctx); err != nil {
			return nil, fmt.Errorf("failed to start emc: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.sorter.Run(gctx) })
	if a.emc != nil {
		g.Go(func() error { return a.monitor.Run(gctx, a.emc) })
	}
	if a.metrics.Enabled() && a.cfg.Metrics.Port != 0 {
		g.Go(func() error {
			a.log.Info("starting metrics server", "port", a.cfg.Metrics.Port, "path", a.cfg.Metrics.Path)
			return a.metrics.StartServer(gctx, a.cfg.Metrics.Port, a.cfg.Metrics.Path)
		})
	}
	g.Go(func() error {
		if err := a.http.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	errCh := make(chan error, 1)
	go func() { errCh <- g.Wait() }()
	return errCh, nil
}

// reload applies the hot reloadable part of cfg.
func (a *app) reload(cfg *config.Config) {
	next := config.ExtractHotReloadable(cfg)
	if !next.Changed(a.hot) {
		return
	}
	if next.LogLevel != a.hot.LogLevel {
		a.log.SetLevel(logger.ParseLevel(next.LogLevel))
	}
	if next.Overload != a.hot.Overload {
		if err := a.policy.Update(next.Overload); err != nil {
			a.log.Error("overload policy rejected, keeping the previous one", "error", err)
			next.Overload = a.hot.Overload
		}
	}
	a.hot = next
	a.log.Info("configuration reloaded",
		"log_level", next.LogLevel,
		"max_in_flight_parcels", next.Overload.MaxInFlightParcels,
	)
}

// shutdown stops accepting work, then tears the line down.
func (a *app) shutdown(ctx context.Context) error {
	var errs []error
	if err := a.http.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	a.monitor.Close()
	if err := a.sorter.Close(); err != nil {
		errs = append(errs, err)
	}
	if a.emc != nil {
		if err := a.emc.Close(); err != nil {
			errs = append(errs, fmt.Errorf("emc: %w", err))
		}
	}
	// The hub ends its streams first so GracefulStop does not wait on them.
	if a.hub != nil {
		if err := a.hub.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.grpc != nil {
		if err := a.grpc.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := a.closeResources(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *app) closeResources() error {
	var errs []error
	if a.relay != nil {
		if err := a.relay.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("route store: %w", err))
		}
	}
	return errors.Join(errs...)
}
