package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/example/go-handseg/internal/config"
	"github.com/example/go-handseg/internal/models"
	"github.com/example/go-handseg/internal/segment"
	"github.com/google/go-cmp/cmp"
)

// --- New & WithShutdownTimeout ---

func TestNew_ShutdownTimeoutFromConfig(t *testing.T) {
	cfg := config.DefaultConfig()

	if got := New(cfg, nil).shutdownTimeout; got != 30*time.Second {
		t.Errorf("shutdownTimeout = %v; want 30s", got)
	}

	cfg.Server.ShutdownTimeout = 7
	if got := New(cfg, nil).shutdownTimeout; got != 7*time.Second {
		t.Errorf("shutdownTimeout = %v; want 7s", got)
	}

	cfg.Server.ShutdownTimeout = 0
	if got := New(cfg, nil).shutdownTimeout; got != 30*time.Second {
		t.Errorf("shutdownTimeout with 0 = %v; want 30s fallback", got)
	}
}

func TestWithShutdownTimeout_Chaining(t *testing.T) {
	s := New(config.DefaultConfig(), nil)

	returned := s.WithShutdownTimeout(5 * time.Second)
	if returned != s {
		t.Error("WithShutdownTimeout should return the same *Server")
	}

	if s.shutdownTimeout != 5*time.Second {
		t.Errorf("shutdownTimeout = %v; want 5s", s.shutdownTimeout)
	}
}

// --- newSegmentResponse ---

func TestNewSegmentResponse_SplitsRows(t *testing.T) {
	p := &segment.PredictionMap{Height: 2, Width: 3, Labels: []int32{0, 1, 2, 2, 1, 0}}

	got := newSegmentResponse(p, 3)
	want := segmentResponse{
		Height:    2,
		Width:     3,
		NumClass:  3,
		Histogram: []int{2, 2, 2},
		Labels:    [][]int32{{0, 1, 2}, {2, 1, 0}},
	}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("response mismatch (-want +got):\n%s", diff)
	}
}

// --- ProbeHTTP ---

func TestProbeHTTP_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	// ProbeHTTP adds the scheme itself.
	addr := srv.Listener.Addr().String()

	if err := ProbeHTTP(addr); err != nil {
		t.Errorf("ProbeHTTP(%q) = %v; want nil", addr, err)
	}
}

func TestProbeHTTP_NonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	if err := ProbeHTTP(srv.Listener.Addr().String()); err == nil {
		t.Error("ProbeHTTP() = nil; want error for non-200 response")
	}
}

func TestProbeHTTP_ConnectionRefused(t *testing.T) {
	if err := ProbeHTTP("127.0.0.1:1"); err == nil {
		t.Error("ProbeHTTP() = nil; want error for unreachable host")
	}
}

// --- Start without a segmenter ---

func TestStart_MissingWeights(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg := config.DefaultConfig()
	cfg.Runtime.Device = config.DeviceHost
	s := New(cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.Start(ctx)
	if !errors.Is(err, models.ErrMissingWeights) {
		t.Fatalf("Start() = %v; want ErrMissingWeights", err)
	}
}

// --- handler options from config ---

func TestHandlerOptions(t *testing.T) {
	apply := func(cfg config.Config) options {
		var o options
		for _, fn := range New(cfg, nil).handlerOptions() {
			fn(&o)
		}

		return o
	}

	cfg := config.DefaultConfig()
	cfg.Server.MaxImageBytes = 1024
	cfg.Server.RequestTimeout = 90

	got := apply(cfg)
	if got.maxImageBytes != 1024 || got.requestTimeout != 90*time.Second || got.logger == nil {
		t.Errorf("options = %+v; want 1024 bytes, 90s and a logger", got)
	}

	cfg.Server.MaxImageBytes = 0
	cfg.Server.RequestTimeout = -1

	if got := apply(cfg); got.maxImageBytes != 0 || got.requestTimeout != 0 {
		t.Errorf("non-positive limits should be left to the handler defaults, got %+v", got)
	}
}
