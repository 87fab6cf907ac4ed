// Package api serves merges over HTTP.
package api

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/labstack/echo/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/samcharles93/lorafold/internal/device"
	"github.com/samcharles93/lorafold/internal/logger"
	"github.com/samcharles93/lorafold/internal/merge"
	"github.com/samcharles93/lorafold/internal/safetensors"
	"github.com/samcharles93/lorafold/internal/version"
)

// Config configures a Server.
type Config struct {
	// MaxConcurrent bounds merges in flight. <= 0 means 1.
	MaxConcurrent int
	// Device and Workers apply to requests that leave them unset.
	Device  string
	Workers int
	// Engine defaults to merge.DefaultEngine.
	Engine merge.Engine
	// Registry receives the merge metrics and backs /metrics. Nil creates a
	// private registry.
	Registry *prometheus.Registry
	Logger   logger.Logger
}

type Server struct {
	cfg      Config
	pipeline *merge.Pipeline
	sem      chan struct{}
	registry *prometheus.Registry
	log      logger.Logger
}

func NewServer(cfg Config, observer merge.Observer) *Server {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.Registry == nil {
		cfg.Registry = prometheus.NewRegistry()
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Discard()
	}
	return &Server{
		cfg:      cfg,
		pipeline: &merge.Pipeline{Engine: cfg.Engine, Observer: observer},
		sem:      make(chan struct{}, cfg.MaxConcurrent),
		registry: cfg.Registry,
		log:      cfg.Logger,
	}
}

func (s *Server) Register(e *echo.Echo) {
	e.Use(s.requestID)
	e.GET("/healthz", s.handleHealth)
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))
	e.POST("/v1/merge", s.handleMerge)
	e.POST("/v1/inspect", s.handleInspect)
}

type ctxKey struct{}

// RequestID returns the request ID stored in ctx by the server middleware.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

// requestID tags every request with an X-Request-ID and a request-scoped
// logger.
func (s *Server) requestID(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c *echo.Context) error {
		req := c.Request()
		id := req.Header.Get(echo.HeaderXRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		c.Response().Header().Set(echo.HeaderXRequestID, id)
		ctx := context.WithValue(req.Context(), ctxKey{}, id)
		ctx = logger.WithContext(ctx, s.log.With("request_id", id))
		c.SetRequest(req.WithContext(ctx))
		return next(c)
	}
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{
		OK:      true,
		Version: version.String(),
		Devices: device.Available(),
		Host:    device.Host(),
	})
}

func (s *Server) handleMerge(c *echo.Context) error {
	body, err := decodeJSON[MergeRequest](c.Request().Body)
	if err != nil {
		return writeError(c, http.StatusBadRequest, merge.KindInvalidRequest, err.Error())
	}
	req := body.toRequest(s.cfg)

	ctx := c.Request().Context()
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return writeError(c, http.StatusServiceUnavailable, merge.KindCanceled, "gave up waiting for a merge slot")
	}
	defer func() { <-s.sem }()

	res, err := s.pipeline.Run(ctx, req)
	if err != nil {
		logger.FromContext(ctx).Warn("merge failed", "kind", merge.KindOf(err), "error", err)
		return writeFailure(c, err)
	}
	return c.JSON(http.StatusOK, envelope{OK: true, Result: res})
}

func (s *Server) handleInspect(c *echo.Context) error {
	body, err := decodeJSON[InspectRequest](c.Request().Body)
	if err != nil {
		return writeError(c, http.StatusBadRequest, merge.KindInvalidRequest, err.Error())
	}
	if body.Path == "" {
		return writeError(c, http.StatusBadRequest, merge.KindInvalidRequest, "path is required")
	}
	hdr, err := safetensors.ReadHeader(body.Path)
	if err != nil {
		return writeFailure(c, err)
	}
	return c.JSON(http.StatusOK, envelope{OK: true, Result: Summarize(body.Path, hdr)})
}

// statusFor maps an error kind to an HTTP status.
func statusFor(err error) int {
	switch merge.KindOf(err) {
	case merge.KindInvalidRequest:
		return http.StatusBadRequest
	case merge.KindCorruptHeader, merge.KindUnsupportedDType, merge.KindUnpairedAdapter,
		merge.KindNoAdapters, merge.KindMissingTarget, merge.KindShapeMismatch, merge.KindInvalidAlpha:
		return http.StatusUnprocessableEntity
	case merge.KindDeviceUnavailable:
		return http.StatusServiceUnavailable
	case merge.KindCanceled:
		return http.StatusRequestTimeout
	case merge.KindIO:
		switch {
		case errors.Is(err, fs.ErrNotExist):
			return http.StatusNotFound
		case errors.Is(err, fs.ErrPermission):
			return http.StatusForbidden
		}
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

func writeFailure(c *echo.Context, err error) error {
	return writeError(c, statusFor(err), merge.KindOf(err), err.Error())
}

func writeError(c *echo.Context, status int, kind merge.Kind, msg string) error {
	return c.JSON(status, envelope{Error: &ErrorBody{Kind: string(kind), Message: msg}})
}

func decodeJSON[T any](r io.Reader) (T, error) {
	var out T
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return out, err
	}
	return out, nil
}
