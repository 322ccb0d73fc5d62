// Package devisr runs one worker process per registered device and exposes
// their lifecycle over HTTP.
//
// Daemon wires the registry, port allocator, supervisor, event bridge,
// webhook dispatcher, observer hub, history and metrics from a Config.
// Embedders that serve their own HTTP stack mount Handler, call Boot and
// call Shutdown; the CLI calls Run.
package devisr

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/devisr/internal/bridge"
	"github.com/loykin/devisr/internal/broadcast"
	"github.com/loykin/devisr/internal/config"
	"github.com/loykin/devisr/internal/history"
	"github.com/loykin/devisr/internal/history/clickhouse"
	histfactory "github.com/loykin/devisr/internal/history/factory"
	"github.com/loykin/devisr/internal/logger"
	"github.com/loykin/devisr/internal/metrics"
	"github.com/loykin/devisr/internal/port"
	"github.com/loykin/devisr/internal/server"
	"github.com/loykin/devisr/internal/store"
	"github.com/loykin/devisr/internal/store/factory"
	"github.com/loykin/devisr/internal/supervisor"
	devtls "github.com/loykin/devisr/internal/tls"
	"github.com/loykin/devisr/internal/webhook"
)

// Re-exported so embedders need no internal imports.
type (
	Config       = config.Config
	Record       = supervisor.Record
	StopOptions  = supervisor.StopOptions
	Event        = broadcast.Event
	Subscription = broadcast.Subscription
)

func LoadConfig(path string) (*Config, error) { return config.Load(path) }

type Daemon struct {
	cfg       *Config
	log       *slog.Logger
	logCloser io.Closer

	store   store.Store
	ports   *port.Allocator
	hub     *broadcast.Hub
	bridge  *bridge.Bridge
	sup     *supervisor.Supervisor
	hist    *history.Recorder
	handler http.Handler
	tls     *tls.Config

	mu       sync.Mutex
	servers  []*http.Server
	apiAddr  net.Addr
	shutOnce sync.Once
	shutErr  error
}

// NewDaemon opens the registry and builds every component. Nothing runs
// until Boot or Run.
func NewDaemon(ctx context.Context, cfg *Config) (d *Daemon, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log, logCloser, err := logger.New(cfg.Log, nil)
	if err != nil {
		return nil, err
	}
	d = &Daemon{cfg: cfg, log: log, logCloser: logCloser}
	defer func() {
		if err != nil {
			_ = d.closeResources()
		}
	}()

	if d.store, err = factory.NewFromDSN(cfg.Registry.DSN); err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}
	if err = d.store.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("registry schema: %w", err)
	}
	if d.ports, err = port.New(cfg.Ports.Base, cfg.Ports.Max); err != nil {
		return nil, err
	}
	if err = d.reservePorts(ctx); err != nil {
		return nil, err
	}
	genv, err := cfg.GlobalEnv()
	if err != nil {
		return nil, err
	}
	if d.hist, err = d.openHistory(); err != nil {
		return nil, err
	}
	if d.tls, err = devtls.Setup(cfg.Server.TLS); err != nil {
		return nil, err
	}

	var metricsHandler http.Handler
	if cfg.Metrics.Enabled {
		if err = metrics.Register(prometheus.DefaultRegisterer); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		metricsHandler = metrics.Handler(nil)
	}

	d.hub = broadcast.NewHub(log)
	hooks := webhook.New(d.store, cfg.Webhook, log)
	d.bridge = bridge.New(cfg.BridgeConfig(), d.hub, hooks, log)

	d.sup = supervisor.New(cfg.SupervisorConfig(), d.store, cfg.SessionLayout())
	d.sup.SetLogger(log)
	d.sup.SetEnv(genv)
	d.sup.SetBridge(d.bridge)
	d.sup.SetPublisher(d.hub)
	d.sup.SetHistory(d.hist)
	d.sup.SetOutput(func(id string) (io.WriteCloser, io.WriteCloser) {
		return cfg.Log.ProcessWriters(id, log)
	})

	deps := server.Deps{
		Supervisor:     d.sup,
		Store:          d.store,
		Ports:          d.ports,
		Sessions:       cfg.SessionLayout(),
		Hub:            d.hub,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Log:            log,
		MaxStopWait:    maxStopWait(cfg),
	}
	if cfg.Metrics.Listen == "" {
		deps.Metrics = metricsHandler
	} else if metricsHandler != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metricsHandler)
		d.servers = append(d.servers, server.NewServer(cfg.Metrics.Listen, mux, 10*time.Second))
	}
	d.handler = server.NewRouter(deps, cfg.Server.BasePath).Handler()
	return d, nil
}

// reservePorts marks the ports of registered devices as taken.
func (d *Daemon) reservePorts(ctx context.Context) error {
	devs, err := d.store.GetAll(ctx)
	if err != nil {
		return fmt.Errorf("load devices: %w", err)
	}
	for _, dev := range devs {
		if err := d.ports.Reserve(dev.Port); err != nil {
			d.log.Warn("port shared by several devices", "device", dev.ID, "port", dev.Port, "error", err)
		}
	}
	return nil
}

func (d *Daemon) openHistory() (*history.Recorder, error) {
	h := d.cfg.History
	if !h.Enabled {
		return history.NewRecorder(d.log), nil
	}
	var sinks []history.Sink
	if h.DSN != "" {
		s, err := histfactory.NewSinkFromDSN(h.DSN)
		if err != nil {
			return nil, fmt.Errorf("history sink: %w", err)
		}
		sinks = append(sinks, s)
	}
	if h.ClickHouseAddr != "" {
		s, err := clickhouse.New(clickhouse.Options{Addr: h.ClickHouseAddr, Table: h.ClickHouseTable})
		if err != nil {
			_ = history.NewRecorder(d.log, sinks...).Close()
			return nil, fmt.Errorf("history clickhouse: %w", err)
		}
		if err := s.EnsureTable(context.Background()); err != nil {
			_ = s.Close()
			_ = history.NewRecorder(d.log, sinks...).Close()
			return nil, fmt.Errorf("history clickhouse: %w", err)
		}
		sinks = append(sinks, s)
	}
	return history.NewRecorder(d.log, sinks...), nil
}

// Handler is the API, for mounting in another server.
func (d *Daemon) Handler() http.Handler { return d.handler }

// Subscribe attaches an in-process observer; see broadcast.Hub.Subscribe.
func (d *Daemon) Subscribe(all bool, devices ...string) *Subscription {
	return d.hub.Subscribe(all, devices...)
}

func (d *Daemon) Start(ctx context.Context, deviceID string) (Record, error) {
	return d.sup.Start(ctx, deviceID)
}

func (d *Daemon) Stop(ctx context.Context, deviceID string, opts StopOptions) error {
	return d.sup.Stop(ctx, deviceID, opts)
}

func (d *Daemon) Status(ctx context.Context, deviceID string) (Record, error) {
	return d.sup.Status(ctx, deviceID)
}

// Ready reports whether startup reconciliation has finished.
func (d *Daemon) Ready() bool { return d.sup.Ready() }

// Boot reconciles the registry with running processes and starts the health
// monitor. A failure for one device is logged; only a registry failure is returned.
func (d *Daemon) Boot(ctx context.Context) error {
	if err := d.cfg.SessionLayout().CheckExternal(ctx); err != nil {
		d.log.Warn("external session database unreachable", "error", err)
	}
	if _, err := d.sup.Reconcile(ctx); err != nil {
		return err
	}
	d.sup.StartMonitor()
	return nil
}

// Addr is the bound API address once Run is serving.
func (d *Daemon) Addr() net.Addr {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.apiAddr
}

// Run serves the API, boots the supervisor and blocks until ctx is done or a
// listener fails, then shuts down. The API is up before reconciliation so
// /readyz reports progress.
func (d *Daemon) Run(ctx context.Context) error {
	api := server.NewServer(d.cfg.Server.Listen, d.handler, d.writeTimeout())
	api.TLSConfig = d.tls
	ln, err := net.Listen("tcp", api.Addr)
	if err != nil {
		_ = d.Shutdown(context.Background())
		return fmt.Errorf("listen %s: %w", api.Addr, err)
	}
	d.mu.Lock()
	d.apiAddr = ln.Addr()
	d.servers = append(d.servers, api)
	servers := append([]*http.Server(nil), d.servers...)
	d.mu.Unlock()

	errc := make(chan error, len(servers))
	go func() { errc <- d.serveAPI(api, ln) }()
	for _, s := range servers[:len(servers)-1] {
		go func(s *http.Server) { errc <- s.ListenAndServe() }(s)
	}
	d.log.Info("api listening", "addr", ln.Addr().String(), "tls", d.tls != nil, "base_path", d.cfg.Server.BasePath)

	if err := d.Boot(ctx); err != nil {
		d.log.Error("boot failed", "error", err)
		return errors.Join(err, d.Shutdown(context.Background()))
	}

	var runErr error
	select {
	case <-ctx.Done():
		d.log.Info("shutting down")
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = err
			d.log.Error("listener failed", "error", err)
		}
	}
	return errors.Join(runErr, d.Shutdown(context.Background()))
}

func (d *Daemon) serveAPI(s *http.Server, ln net.Listener) error {
	if s.TLSConfig != nil {
		return s.ServeTLS(ln, "", "")
	}
	return s.Serve(ln)
}

// maxStopWait is the longest graceful wait an API caller may ask for.
func maxStopWait(cfg *Config) time.Duration {
	return 2 * cfg.SupervisorConfig().EffectiveStopTimeout()
}

// writeTimeout covers the longest accepted stop, the kill grace and headroom.
func (d *Daemon) writeTimeout() time.Duration {
	return maxStopWait(d.cfg) + d.cfg.Worker.KillGrace + 30*time.Second
}

// Shutdown stops accepting requests, terminates every worker within the
// configured budget and releases resources. The registry keeps each device's
// intended state. Safe to call more than once.
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.shutOnce.Do(func() {
		var errs []error
		d.mu.Lock()
		servers := d.servers
		d.mu.Unlock()
		for _, s := range servers {
			sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if err := s.Shutdown(sctx); err != nil {
				errs = append(errs, err)
			}
			cancel()
		}
		if d.sup != nil {
			if err := d.sup.Shutdown(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		errs = append(errs, d.closeResources())
		d.shutErr = errors.Join(errs...)
	})
	return d.shutErr
}

func (d *Daemon) closeResources() error {
	var errs []error
	if d.hist != nil {
		errs = append(errs, d.hist.Close())
	}
	if d.store != nil {
		errs = append(errs, d.store.Close())
	}
	if d.logCloser != nil {
		errs = append(errs, d.logCloser.Close())
	}
	return errors.Join(errs...)
}
