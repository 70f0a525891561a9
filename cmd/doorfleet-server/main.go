// Command doorfleet-server runs the access-control coordinator: the
// REST surface, the dashboard websocket and the per-door controller
// websocket, over an in-memory device registry seeded from
// configuration.
package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/doorfleet/doorfleet/authz"
	"github.com/doorfleet/doorfleet/config"
	"github.com/doorfleet/doorfleet/dispatch"
	"github.com/doorfleet/doorfleet/httpapi"
	"github.com/doorfleet/doorfleet/internal/logutil"
	"github.com/doorfleet/doorfleet/internal/version"
	"github.com/doorfleet/doorfleet/observability"
	"github.com/doorfleet/doorfleet/observability/prom"
	"github.com/doorfleet/doorfleet/ratelimit"
	"github.com/doorfleet/doorfleet/realtime/hub"
	"github.com/doorfleet/doorfleet/realtime/ws"
	"github.com/doorfleet/doorfleet/state"
)

type switchHandler struct {
	mu      sync.RWMutex
	handler http.Handler
}

func newSwitchHandler() *switchHandler {
	return &switchHandler{handler: http.NotFoundHandler()}
}

func (h *switchHandler) Set(next http.Handler) {
	if next == nil {
		next = http.NotFoundHandler()
	}
	h.mu.Lock()
	h.handler = next
	h.mu.Unlock()
}

func (h *switchHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	handler := h.handler
	h.mu.RUnlock()
	handler.ServeHTTP(w, r)
}

// metricsController turns the Prometheus exporters on and off at
// runtime; the observers swap between no-op and registered delegates.
type metricsController struct {
	mu      sync.Mutex
	enabled bool
	handler *switchHandler
	hubObs  *observability.AtomicHubObserver
	accObs  *observability.AtomicAccessObserver
	h       *hub.Hub
	store   *state.Store
}

func (c *metricsController) Enable() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.enabled {
		return
	}
	reg := prom.NewRegistry()
	hubObs := prom.NewHubObserver(reg)
	accObs := prom.NewAccessObserver(reg)
	c.handler.Set(prom.Handler(reg))
	c.hubObs.Set(hubObs)
	c.accObs.Set(accObs)
	hubObs.ObserverCount(c.h.ObserverCount())
	hubObs.ControllerCount(c.h.ControllerCount())
	accObs.AuditLogSize(c.store.EventCount())
	c.enabled = true
}

func (c *metricsController) Disable() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.enabled {
		return
	}
	c.handler.Set(nil)
	c.hubObs.Set(observability.NoopHubObserver)
	c.accObs.Set(observability.NoopAccessObserver)
	c.enabled = false
}

type ready struct {
	Version    string `json:"version"`
	Listen     string `json:"listen"`
	WSURL      string `json:"ws_url"`
	HTTPURL    string `json:"http_url"`
	HealthURL  string `json:"health_url"`
	MetricsURL string `json:"metrics_url,omitempty"`
	Devices    int    `json:"devices"`
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout io.Writer, stderr io.Writer) int {
	fs := flag.NewFlagSet("doorfleet-server", flag.ContinueOnError)
	fs.SetOutput(stderr)

	showVersion := false
	configPath := ""
	listen := ""
	logLevel := ""
	metricsListen := ""
	fs.BoolVar(&showVersion, "version", false, "print version and exit")
	fs.StringVar(&configPath, "config", os.Getenv(config.EnvPrefix+"CONFIG"), "YAML configuration file (env: DOORFLEET_CONFIG)")
	fs.StringVar(&listen, "listen", "", "listen address, overrides host/port from config")
	fs.StringVar(&logLevel, "log-level", "", "log level, overrides config")
	fs.StringVar(&metricsListen, "metrics-listen", "", "metrics listen address, overrides config (empty disables)")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if showVersion {
		_, _ = fmt.Fprintln(stdout, version.String())
		return 0
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	if err := cfg.ApplyEnv(); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	if listen != "" {
		host, port, err := net.SplitHostPort(listen)
		if err != nil {
			fmt.Fprintf(stderr, "invalid -listen: %v\n", err)
			return 2
		}
		cfg.Host = host
		if _, err := fmt.Sscanf(port, "%d", &cfg.Port); err != nil {
			fmt.Fprintf(stderr, "invalid -listen port: %v\n", err)
			return 2
		}
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if metricsListen != "" {
		cfg.MetricsListen = metricsListen
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	if err := logutil.SetLevel(cfg.LogLevel); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	if cfg.LogFormat == "json" {
		logutil.UseJSONFormat()
	}

	seeds, err := cfg.Seeds()
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	store, err := state.NewStore(seeds, cfg.LogRetention)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	limiter := ratelimit.New(cfg.LimiterConfig())
	defer limiter.Close()

	hubObs := observability.NewAtomicHubObserver()
	accObs := observability.NewAtomicAccessObserver()

	h := hub.New(store,
		hub.WithHeartbeat(cfg.Heartbeat.PingInterval.Std(), cfg.Heartbeat.PongDeadline.Std()),
		hub.WithObserver(hubObs),
		hub.WithOriginChecker(ws.NewOriginChecker(cfg.AllowedOrigins, true)),
	)
	defer h.Close()

	disp := dispatch.New(h, dispatch.WithObserver(accObs))
	engine := authz.New(store, limiter, disp, h,
		authz.WithAdminUser(cfg.AdminUserID),
		authz.WithObserver(accObs),
	)
	h.SetHandler(engine)

	wsPath := strings.TrimSuffix(cfg.WSEndpoint, "/")
	api := httpapi.New(store, limiter, engine, h,
		httpapi.WithAdminUser(cfg.AdminUserID),
		httpapi.WithPrefix(cfg.APIPrefix),
		httpapi.WithWSEndpoint(wsPath),
	)

	mux := http.NewServeMux()
	api.Register(mux)
	mux.HandleFunc("GET "+wsPath, h.ServeObserver)
	mux.HandleFunc("GET "+wsPath+"/{device}", func(w http.ResponseWriter, r *http.Request) {
		h.ServeController(w, r, r.PathValue("device"))
	})

	var metrics *metricsController
	var metricsSrv *http.Server
	var metricsLn net.Listener
	if cfg.MetricsListen != "" {
		metricsMux := http.NewServeMux()
		metricsHandler := newSwitchHandler()
		metricsMux.Handle("/metrics", metricsHandler)
		metrics = &metricsController{handler: metricsHandler, hubObs: hubObs, accObs: accObs, h: h, store: store}
		metrics.Enable()

		metricsLn, err = net.Listen("tcp", cfg.MetricsListen)
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		metricsSrv = newHTTPServer(metricsMux, cfg.TLSCertFile != "")
		go func() {
			var err error
			if cfg.TLSCertFile != "" {
				err = metricsSrv.ServeTLS(metricsLn, cfg.TLSCertFile, cfg.TLSKeyFile)
			} else {
				err = metricsSrv.Serve(metricsLn)
			}
			if err != nil && err != http.ErrServerClosed {
				logutil.WithError(err).Fatal("metrics server failed")
			}
		}()
	}

	ln, err := net.Listen("tcp", cfg.Addr())
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	srv := newHTTPServer(api.Handler(mux), cfg.TLSCertFile != "")
	go func() {
		var err error
		if cfg.TLSCertFile != "" {
			err = srv.ServeTLS(ln, cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = srv.Serve(ln)
		}
		if err != nil && err != http.ErrServerClosed {
			logutil.WithError(err).Fatal("server failed")
		}
	}()

	wsScheme, httpScheme := "ws", "http"
	if cfg.TLSCertFile != "" {
		wsScheme, httpScheme = "wss", "https"
	}
	bindAddr := ln.Addr().String()
	out := ready{
		Version:   version.Version,
		Listen:    bindAddr,
		WSURL:     wsScheme + "://" + bindAddr + wsPath,
		HTTPURL:   httpScheme + "://" + bindAddr,
		HealthURL: httpScheme + "://" + bindAddr + cfg.APIPrefix + "/health",
		Devices:   store.DeviceCount(),
	}
	if metricsLn != nil {
		out.MetricsURL = httpScheme + "://" + metricsLn.Addr().String() + "/metrics"
	}
	_ = json.NewEncoder(stdout).Encode(out)
	logutil.WithField("listen", bindAddr).Info("doorfleet server ready")

	sig := make(chan os.Signal, 2)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1, syscall.SIGUSR2)

	for {
		switch <-sig {
		case syscall.SIGUSR1:
			if metrics == nil {
				logutil.Logger.Info("metrics server disabled (missing metrics_listen)")
				continue
			}
			metrics.Enable()
			logutil.Logger.Info("metrics enabled")
		case syscall.SIGUSR2:
			if metrics == nil {
				continue
			}
			metrics.Disable()
			logutil.Logger.Info("metrics disabled")
		default:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = srv.Shutdown(ctx)
			if metricsSrv != nil {
				_ = metricsSrv.Shutdown(ctx)
			}
			cancel()
			return 0
		}
	}
}

func newHTTPServer(handler http.Handler, useTLS bool) *http.Server {
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	if useTLS {
		srv.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return srv
}
