package handler

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/c360studio/goshmon/clock"
	"github.com/c360studio/goshmon/config"
	"github.com/c360studio/goshmon/runner"
)

// MonitorParams configure the passive monitor.
type MonitorParams struct {
	Listen string `yaml:"listen"`
	// URL is probed every Interval seconds when set.
	URL      string `yaml:"url"`
	Interval int    `yaml:"interval"`
	Timeout  int    `yaml:"timeout"`
}

type monitorHandler struct {
	deps *Deps
	mode string
	p    MonitorParams

	registry *prometheus.Registry
	up       prometheus.Gauge
	latency  prometheus.Gauge
	probes   *prometheus.CounterVec

	mu       sync.Mutex
	last     time.Time
	lastErr  string
	listener net.Listener
	ready    chan struct{}
}

func newMonitorHandler(deps *Deps, mode string, params config.Params) (*monitorHandler, error) {
	p := MonitorParams{Interval: 60, Timeout: 10}
	if err := params.Decode(&p); err != nil {
		return nil, err
	}
	if p.Listen == "" {
		return nil, fmt.Errorf("listen is required for %s", KindMonitor)
	}
	if p.Interval <= 0 {
		return nil, fmt.Errorf("interval must be positive")
	}

	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	labels := prometheus.Labels{"mode": mode}
	h := &monitorHandler{
		deps:     deps,
		mode:     mode,
		p:        p,
		registry: registry,
		up: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "goshmon_monitor_target_up",
			Help:        "Whether the last probe of the monitored URL succeeded.",
			ConstLabels: labels,
		}),
		latency: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "goshmon_monitor_probe_seconds",
			Help:        "Duration of the last probe.",
			ConstLabels: labels,
		}),
		probes: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "goshmon_monitor_probes_total",
			Help:        "Probes by outcome.",
			ConstLabels: labels,
		}, []string{"outcome"}),
		ready: make(chan struct{}),
	}
	return h, nil
}

func (h *monitorHandler) Describe() string {
	if h.p.URL == "" {
		return fmt.Sprintf("%s on %s", KindMonitor, h.p.Listen)
	}
	return fmt.Sprintf("%s %s on %s", KindMonitor, h.p.URL, h.p.Listen)
}

// Addr returns the bound listener address once the monitor is serving.
func (h *monitorHandler) Addr() net.Addr {
	<-h.ready
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.listener == nil {
		return nil
	}
	return h.listener.Addr()
}

// Handle serves the dashboard and blocks until ctx is done. It never
// returns metrics; its error is ctx.Err() or a listener failure.
func (h *monitorHandler) Handle(ctx context.Context) (runner.Report, error) {
	logger := h.deps.logger().With("mode", h.mode)

	ln, err := net.Listen("tcp", h.p.Listen)
	if err != nil {
		close(h.ready)
		return runner.Report{}, fmt.Errorf("monitor listen %s: %w", h.p.Listen, err)
	}
	h.mu.Lock()
	h.listener = ln
	h.mu.Unlock()
	close(h.ready)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(h.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/", h.handleDashboard)
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	logger.Info("Passive monitor started", "addr", ln.Addr().String(), "target", h.p.URL)

	var ticker *time.Ticker
	var tick <-chan time.Time
	if h.p.URL != "" {
		h.probe(ctx)
		ticker = time.NewTicker(time.Duration(h.p.Interval) * time.Second)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("Monitor shutdown failed", "error", err)
			}
			return runner.Report{}, ctx.Err()
		case err := <-errCh:
			return runner.Report{}, fmt.Errorf("monitor serve: %w", err)
		case <-tick:
			h.probe(ctx)
		}
	}
}

func (h *monitorHandler) probe(ctx context.Context) {
	clk := clock.Default(h.deps.Clock)
	client := h.deps.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	ctx, cancel := context.WithTimeout(ctx, time.Duration(h.p.Timeout)*time.Second)
	defer cancel()

	start := clk.Now()
	err := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.p.URL, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode >= 400 {
			return fmt.Errorf("HTTP %d", resp.StatusCode)
		}
		return nil
	}()
	now := clk.Now()
	h.latency.Set(now.Sub(start).Seconds())

	h.mu.Lock()
	h.last = now
	h.lastErr = ""
	if err != nil {
		h.lastErr = err.Error()
	}
	h.mu.Unlock()

	if err != nil {
		h.up.Set(0)
		h.probes.WithLabelValues("failed").Inc()
		h.deps.logger().Warn("Monitor probe failed", "mode", h.mode, "url", h.p.URL, "error", err)
		return
	}
	h.up.Set(1)
	h.probes.WithLabelValues("succeeded").Inc()
}

var dashboardTmpl = template.Must(template.New("dashboard").Parse(`<!DOCTYPE html>
<html><head><title>goshmon {{.Mode}}</title></head>
<body>
<h1>goshmon passive monitor: {{.Mode}}</h1>
{{if .URL}}<p>Target: {{.URL}}</p>
<p>Last probe: {{if .Last}}{{.Last}}{{else}}never{{end}}{{if .Err}} ({{.Err}}){{end}}</p>{{end}}
<p><a href="/metrics">metrics</a></p>
</body></html>
`))

func (h *monitorHandler) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	h.mu.Lock()
	data := struct {
		Mode, URL, Last, Err string
	}{Mode: h.mode, URL: h.p.URL, Err: h.lastErr}
	if !h.last.IsZero() {
		data.Last = clock.Locale(h.last)
	}
	h.mu.Unlock()

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := dashboardTmpl.Execute(w, data); err != nil {
		h.deps.logger().Warn("Dashboard render failed", "error", err)
	}
}
