// Package bridge exposes the engine over HTTP for host shims: a message
// RPC endpoint, a server-sent-events stream for broadcasts, and the host
// signal hooks for intercepted responses and tab lifecycle.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	veyrun "github.com/veyrun/veyrun"
	"github.com/veyrun/veyrun/logger"
)

// replyTimeout bounds how long one RPC call may wait for its reply. The
// payment leg keeps running past it; the caller just stops waiting.
const replyTimeout = 60 * time.Second

// Server is the HTTP face of the engine.
type Server struct {
	engine *veyrun.Engine
	echo   *echo.Echo
	log    logger.Logger
}

// Option configures the bridge server.
type Option func(*Server)

// WithLogger sets the structured logger.
func WithLogger(l logger.Logger) Option {
	return func(s *Server) { s.log = l }
}

// hostResponse is the intercepted-response signal payload.
type hostResponse struct {
	TabID     int               `json:"tabId"`
	RequestID string            `json:"requestId"`
	URL       string            `json:"url"`
	Method    string            `json:"method"`
	Status    int               `json:"status"`
	Headers   map[string]string `json:"headers"`
}

type hostTab struct {
	TabID int `json:"tabId"`
}

// NewServer builds the bridge routes over the given engine. The metrics
// endpoint serves the provided gatherer; pass nil to disable it.
func NewServer(engine *veyrun.Engine, gatherer prometheus.Gatherer, opts ...Option) *Server {
	s := &Server{
		engine: engine,
		echo:   echo.New(),
		log:    logger.Noop{},
	}
	for _, opt := range opts {
		opt(s)
	}

	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.Use(middleware.Recover())

	s.echo.GET("/healthz", s.handleHealth)
	s.echo.POST("/rpc", s.handleRPC)
	s.echo.GET("/events", s.handleEvents)
	s.echo.POST("/host/response", s.handleHostResponse)
	s.echo.POST("/host/tab/activated", s.handleTabActivated)
	s.echo.POST("/host/tab/closed", s.handleTabClosed)
	if gatherer != nil {
		s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	return s
}

// Start serves on addr and blocks until the server stops.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Handler exposes the underlying handler for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"ok": true})
}

// handleRPC runs one engine message to completion and returns its reply.
// Engine errors ride the uniform {ok:false, error:...} envelope with HTTP
// 200; only transport problems surface as HTTP errors.
func (s *Server) handleRPC(c echo.Context) error {
	var msg veyrun.Message
	if err := c.Bind(&msg); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed message")
	}
	if msg.Type == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "message type is required")
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), replyTimeout)
	defer cancel()

	select {
	case reply := <-s.engine.Dispatch(ctx, msg):
		return c.JSON(http.StatusOK, reply)
	case <-ctx.Done():
		s.log.Warn("rpc reply timed out", "type", msg.Type)
		return echo.NewHTTPError(http.StatusGatewayTimeout, "reply timed out")
	}
}

// handleEvents streams engine broadcasts as server-sent events until the
// client disconnects.
func (s *Server) handleEvents(c echo.Context) error {
	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set(echo.HeaderCacheControl, "no-cache")
	w.Header().Set(echo.HeaderConnection, "keep-alive")
	w.WriteHeader(http.StatusOK)
	w.Flush()

	events, cancel := s.engine.Subscribe()
	defer cancel()

	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-events:
			if !ok {
				return nil
			}
			data, err := json.Marshal(event)
			if err != nil {
				s.log.Error("event marshal failed", "type", event.Type, "err", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data); err != nil {
				return nil
			}
			w.Flush()
		}
	}
}

func (s *Server) handleHostResponse(c echo.Context) error {
	var sig hostResponse
	if err := c.Bind(&sig); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed signal")
	}

	header := make(http.Header, len(sig.Headers))
	for k, v := range sig.Headers {
		header.Set(k, v)
	}
	s.engine.ResponseObserved(sig.TabID, sig.RequestID, sig.URL, sig.Method, sig.Status, header)
	return c.JSON(http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleTabActivated(c echo.Context) error {
	var sig hostTab
	if err := c.Bind(&sig); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed signal")
	}
	s.engine.TabActivated(sig.TabID)
	return c.JSON(http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleTabClosed(c echo.Context) error {
	var sig hostTab
	if err := c.Bind(&sig); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed signal")
	}
	s.engine.TabClosed(sig.TabID)
	return c.JSON(http.StatusOK, map[string]any{"ok": true})
}
