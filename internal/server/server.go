// Package server exposes a segmentation module over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/example/go-handseg/internal/config"
	"github.com/example/go-handseg/internal/segment"
)

// ParseLogLevel maps debug, info, warn(ing) and error, in any case, onto
// slog levels. The empty string is info.
func ParseLogLevel(s string) (slog.Level, error) {
	var lvl slog.Level

	switch strings.ToLower(s) {
	case "", "info":
		lvl = slog.LevelInfo
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q (want debug|info|warn|error)", s)
	}

	return lvl, nil
}

const defaultShutdownTimeout = 30 * time.Second

// Server runs the handler on cfg.Server.ListenAddr until its context ends.
type Server struct {
	cfg             config.Config
	seg             Segmenter
	logger          *slog.Logger
	shutdownTimeout time.Duration
}

// New returns a server for cfg. A nil seg makes Start initialize a
// segment.Runner from cfg and close it on return.
func New(cfg config.Config, seg Segmenter) *Server {
	s := &Server{cfg: cfg, seg: seg, logger: slog.Default(), shutdownTimeout: defaultShutdownTimeout}

	if secs := cfg.Server.ShutdownTimeout; secs > 0 {
		s.shutdownTimeout = time.Duration(secs) * time.Second
	}

	return s
}

// WithShutdownTimeout sets how long Start drains in-flight requests.
func (s *Server) WithShutdownTimeout(d time.Duration) *Server {
	s.shutdownTimeout = d
	return s
}

func (s *Server) WithLogger(l *slog.Logger) *Server {
	s.logger = l
	return s
}

// handlerOptions turns the positive server limits of cfg into handler options.
func (s *Server) handlerOptions() []Option {
	opts := []Option{WithLogger(s.logger)}

	if n := s.cfg.Server.MaxImageBytes; n > 0 {
		opts = append(opts, WithMaxImageBytes(n))
	}

	if secs := s.cfg.Server.RequestTimeout; secs > 0 {
		opts = append(opts, WithRequestTimeout(time.Duration(secs)*time.Second))
	}

	return opts
}

// Start listens and serves until ctx is done, then shuts down gracefully.
// A listen failure is returned immediately.
func (s *Server) Start(ctx context.Context) error {
	seg := s.seg
	if seg == nil {
		runner, err := segment.NewRunner(s.cfg, s.logger)
		if err != nil {
			return fmt.Errorf("server: initialize segmentation module: %w", err)
		}
		defer func() { _ = runner.Close() }()

		seg = runner
	}

	ln, err := net.Listen("tcp", s.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("server: listen: %w", err)
	}

	srv := &http.Server{
		Handler:           NewHandler(seg, s.handlerOptions()...),
		ReadHeaderTimeout: 5 * time.Second,
	}

	served := make(chan error, 1)
	go func() { served <- srv.Serve(ln) }()

	s.logger.Info("listening", slog.String("addr", ln.Addr().String()))

	select {
	case err := <-served:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}

		return fmt.Errorf("server: serve: %w", err)
	case <-ctx.Done():
	}

	drain, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(drain); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}

	return nil
}

// ProbeHTTP checks that a server at addr answers /health with 200.
func ProbeHTTP(addr string) error {
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get("http://" + addr + "/health")
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server: health check returned %s", resp.Status)
	}

	return nil
}
