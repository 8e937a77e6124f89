// Package server is the HTTP front door: the scenario metrics on
// /metrics, a pointer page on /, and an optional listener for the
// service's own telemetry.
package server

import (
	"context"
	"errors"
	"html/template"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// Inquirer produces the formatted metrics body.
type Inquirer interface {
	Mode() string
	Inquiry(ctx context.Context, debug bool) (string, error)
}

// Config holds server configuration.
type Config struct {
	// Address is the listen address (e.g. ":9100").
	Address string
	// Telemetry, when set, is served on TelemetryAddress.
	Telemetry        http.Handler
	TelemetryAddress string

	// ShutdownTimeout bounds connection draining. Defaults to 10 seconds.
	ShutdownTimeout time.Duration
	// WriteTimeout must cover a full scenario run. Defaults to 10 minutes.
	WriteTimeout time.Duration

	Logger *slog.Logger
}

// Server serves the scenario metrics.
type Server struct {
	inquirer Inquirer
	cfg      Config
	logger   *slog.Logger

	main      *http.Server
	telemetry *http.Server
}

// New creates a server for inquirer.
func New(inquirer Inquirer, cfg Config) *Server {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{inquirer: inquirer, cfg: cfg, logger: logger}
	s.main = &http.Server{
		Addr:              cfg.Address,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.WriteTimeout,
	}
	if cfg.Telemetry != nil && cfg.TelemetryAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", cfg.Telemetry)
		s.telemetry = &http.Server{
			Addr:              cfg.TelemetryAddress,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
	}
	return s
}

// Handler returns the front door routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	mux.HandleFunc("GET /{$}", s.handleIndex)
	return mux
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return err
	}
	var tln net.Listener
	if s.telemetry != nil {
		tln, err = net.Listen("tcp", s.cfg.TelemetryAddress)
		if err != nil {
			ln.Close()
			return err
		}
	}
	return s.Serve(ctx, ln, tln)
}

// Serve is Run on existing listeners. tln may be nil.
func (s *Server) Serve(ctx context.Context, ln, tln net.Listener) error {
	errc := make(chan error, 2)
	s.logger.Info("Serving metrics", "addr", ln.Addr().String(), "mode", s.inquirer.Mode())
	go func() { errc <- s.main.Serve(ln) }()
	if tln != nil && s.telemetry != nil {
		s.logger.Info("Serving telemetry", "addr", tln.Addr().String())
		go func() { errc <- s.telemetry.Serve(tln) }()
	}

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			s.shutdown()
			return err
		}
	case <-ctx.Done():
	}
	return s.shutdown()
}

func (s *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	err := s.main.Shutdown(ctx)
	if s.telemetry != nil {
		err = errors.Join(err, s.telemetry.Shutdown(ctx))
	}
	return err
}

// handleMetrics handles GET /metrics. The body is the formatter output as
// is; configuration failures answer 500.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	body, err := s.inquirer.Inquiry(r.Context(), false)
	if err != nil {
		s.logger.Error("Inquiry failed", "mode", s.inquirer.Mode(), "error", err)
		http.Error(w, "inquiry failed: "+err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	_, _ = w.Write([]byte(body))
}

var indexTmpl = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html>
<head><title>goshmon {{.}}</title></head>
<body>
<h1>goshmon</h1>
<p>Scenario <code>{{.}}</code>. Metrics are at <a href="/metrics">/metrics</a>.</p>
</body>
</html>
`))

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := indexTmpl.Execute(w, s.inquirer.Mode()); err != nil {
		s.logger.Warn("Failed to render index", "error", err)
	}
}
