package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/example/go-handseg/internal/frame"
	"github.com/example/go-handseg/internal/segment"
	"github.com/google/uuid"
)

// Segmenter turns a decoded frame into a per-pixel class map.
// *segment.Runner satisfies it.
type Segmenter interface {
	Segment(frame image.Image, save bool) (*segment.PredictionMap, error)
	NumClass() int
}

// RequestIDHeader carries the id assigned to every /segment request.
const RequestIDHeader = "X-Request-Id"

type options struct {
	maxImageBytes  int64
	requestTimeout time.Duration
	logger         *slog.Logger
}

// Option configures the HTTP handler.
type Option func(*options)

// WithMaxImageBytes bounds the POST /segment body. Larger bodies get 413.
func WithMaxImageBytes(n int64) Option {
	return func(o *options) { o.maxImageBytes = n }
}

// WithRequestTimeout bounds the time a request waits for its forward pass.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *options) { o.requestTimeout = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// httpError is a failure that maps onto one response status.
type httpError struct {
	status int
	msg    string
}

func (e *httpError) Error() string { return e.msg }

func errorf(status int, format string, args ...any) *httpError {
	return &httpError{status: status, msg: fmt.Sprintf(format, args...)}
}

type handler struct {
	seg  Segmenter
	opts options
	// slot admits one forward pass at a time.
	slot chan struct{}
}

// NewHandler serves GET /health and POST /segment over seg.
func NewHandler(seg Segmenter, optFns ...Option) http.Handler {
	h := &handler{
		seg: seg,
		opts: options{
			maxImageBytes:  16 << 20,
			requestTimeout: time.Minute,
			logger:         slog.Default(),
		},
		slot: make(chan struct{}, 1),
	}

	for _, fn := range optFns {
		fn(&h.opts)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", h.health)
	mux.HandleFunc("/segment", h.segment)

	return mux
}

func version() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}

	return "dev"
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": version()})
}

type segmentResponse struct {
	Height    int       `json:"height"`
	Width     int       `json:"width"`
	NumClass  int       `json:"num_class"`
	Histogram []int     `json:"histogram"`
	Labels    [][]int32 `json:"labels"`
}

func newSegmentResponse(p *segment.PredictionMap, numClass int) segmentResponse {
	rows := make([][]int32, p.Height)
	for y := range rows {
		rows[y] = p.Labels[y*p.Width : (y+1)*p.Width]
	}

	return segmentResponse{
		Height:    p.Height,
		Width:     p.Width,
		NumClass:  numClass,
		Histogram: p.Histogram(numClass),
		Labels:    rows,
	}
}

func (h *handler) segment(w http.ResponseWriter, r *http.Request) {
	id := uuid.NewString()
	w.Header().Set(RequestIDHeader, id)

	log := h.opts.logger.With(slog.String("request_id", id))
	start := time.Now()

	pred, imgFormat, err := h.handle(w, r)

	attrs := []any{
		slog.String("image_format", imgFormat),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()),
	}

	var he *httpError

	switch {
	case errors.As(err, &he):
		switch he.status {
		case http.StatusGatewayTimeout:
			log.WarnContext(r.Context(), "segmentation timed out", attrs...)
		case http.StatusInternalServerError:
			log.ErrorContext(r.Context(), "segmentation failed", append(attrs, slog.String("error", he.msg))...)
		}

		writeError(w, he.status, he.msg)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		log.InfoContext(r.Context(), "segmentation complete",
			append(attrs, slog.Int("height", pred.Height), slog.Int("width", pred.Width))...)

		h.writePrediction(w, r, pred)
	}
}

// handle validates the request and runs the forward pass. Errors are
// *httpError values carrying the response status.
func (h *handler) handle(w http.ResponseWriter, r *http.Request) (*segment.PredictionMap, string, error) {
	if r.Method != http.MethodPost {
		return nil, "", errorf(http.StatusMethodNotAllowed, "method not allowed")
	}

	if f := outputFormat(r); f != "json" && f != "png" {
		return nil, "", errorf(http.StatusBadRequest, "unknown format %q (want json|png)", f)
	}

	img, imgFormat, err := h.readFrame(w, r)
	if err != nil {
		return nil, "", err
	}

	pred, err := h.run(r.Context(), img)

	return pred, imgFormat, err
}

func outputFormat(r *http.Request) string {
	if f := strings.ToLower(r.URL.Query().Get("format")); f != "" {
		return f
	}

	return "json"
}

func (h *handler) readFrame(w http.ResponseWriter, r *http.Request) (image.Image, string, error) {
	if r.Body == nil {
		return nil, "", errorf(http.StatusBadRequest, "request body is required")
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.opts.maxImageBytes))

	var tooLarge *http.MaxBytesError

	switch {
	case errors.As(err, &tooLarge):
		return nil, "", errorf(http.StatusRequestEntityTooLarge, "image exceeds maximum size of %d bytes", h.opts.maxImageBytes)
	case err != nil:
		return nil, "", errorf(http.StatusBadRequest, "read body: %v", err)
	case len(data) == 0:
		return nil, "", errorf(http.StatusBadRequest, "request body is required")
	}

	img, format, err := frame.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", errorf(http.StatusBadRequest, "invalid image: %v", err)
	}

	return img, format, nil
}

type result struct {
	pred *segment.PredictionMap
	err  error
}

// run waits for the slot and segments img on a worker goroutine. The worker
// frees the slot, so a request that times out keeps the model busy until its
// forward pass ends.
func (h *handler) run(ctx context.Context, img image.Image) (*segment.PredictionMap, error) {
	select {
	case h.slot <- struct{}{}:
	case <-ctx.Done():
		return nil, errorf(http.StatusServiceUnavailable, "request cancelled while waiting for the model")
	}

	ctx, cancel := context.WithTimeout(ctx, h.opts.requestTimeout)
	defer cancel()

	done := make(chan result, 1)

	go func() {
		defer func() { <-h.slot }()

		pred, err := h.seg.Segment(img, false)
		done <- result{pred, err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return nil, errorf(http.StatusInternalServerError, "%v", res.err)
		}

		return res.pred, nil
	case <-ctx.Done():
		return nil, errorf(http.StatusGatewayTimeout, "segmentation timed out")
	}
}

func (h *handler) writePrediction(w http.ResponseWriter, r *http.Request, pred *segment.PredictionMap) {
	if outputFormat(r) == "json" {
		writeJSON(w, http.StatusOK, newSegmentResponse(pred, h.seg.NumClass()))
		return
	}

	var buf bytes.Buffer
	if err := frame.EncodeMask(&buf, pred.Labels, pred.Width, pred.Height, h.seg.NumClass()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(buf.Bytes())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
