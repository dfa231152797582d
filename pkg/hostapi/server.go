// Package hostapi exposes the supervisor to the presentation layer over HTTP.
package hostapi

import (
	"context"
	"encoding/json"
	"net"
	"time"

	"github.com/fluxorio/datacore/pkg/core"
	"github.com/fluxorio/datacore/pkg/core/failfast"
	"github.com/fluxorio/datacore/pkg/fsm"
	"github.com/fluxorio/datacore/pkg/observability/prometheus"
	"github.com/fluxorio/datacore/pkg/protocol"
	"github.com/fluxorio/datacore/pkg/supervisor"
	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/valyala/fasthttp"
)

// Backend is the part of *supervisor.Supervisor the API needs
type Backend interface {
	Data(ctx context.Context, opts protocol.Options) (json.RawMessage, error)
	StartPolling(ctx context.Context, interval time.Duration) (protocol.PollingStatus, error)
	StopPolling(ctx context.Context) (protocol.PollingStatus, error)
	SetPollingInterval(ctx context.Context, interval time.Duration) (protocol.PollingStatus, error)
	InvalidateCache(ctx context.Context) (string, error)
	Subscribe(fn func(protocol.Message)) (unsubscribe func())
	State() fsm.State
	Generation() uint64
	Pending() int
}

var _ Backend = (*supervisor.Supervisor)(nil)

// Config configures a Server
type Config struct {
	Addr    string
	Backend Backend

	// JWTSecret enables bearer token checks on /api routes when set
	JWTSecret string

	// Metrics records HTTP metrics; nil disables recording
	Metrics *prometheus.Metrics
	// ExposeMetrics serves GET /metrics from Gatherer (default registry when nil)
	ExposeMetrics bool
	Gatherer      promclient.Gatherer

	// MaxInFlight bounds concurrent /api requests; zero disables the limit
	MaxInFlight int

	FeedSize     int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Logger       core.Logger
}

// Server is the fasthttp front of the host process
type Server struct {
	cfg         Config
	logger      core.Logger
	router      *Router
	feed        *Feed
	limiter     *Limiter
	server      *fasthttp.Server
	unsubscribe func()
}

// New builds the router and subscribes to worker notifications
func New(cfg Config) *Server {
	failfast.NotNil(cfg.Backend, "backend")
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = core.NewDefaultLogger()
	}

	s := &Server{
		cfg:    cfg,
		logger: logger,
		router: NewRouter(WriteError),
		feed:   NewFeed(cfg.FeedSize),
	}

	s.router.Use(
		RequestID(),
		Metrics(cfg.Metrics, WriteError),
		Recovery(logger),
	)
	if cfg.JWTSecret != "" {
		s.router.Use(JWT(JWTConfig{Secret: cfg.JWTSecret, SkipPaths: []string{"/health", "/metrics"}}))
	}

	api := func(h Handler) Handler { return h }
	if cfg.MaxInFlight > 0 {
		s.limiter = NewLimiter(cfg.MaxInFlight)
		api = Backpressure(s.limiter)
	}

	s.router.GET("/health", s.health)
	if cfg.ExposeMetrics {
		metrics := prometheus.Handler(cfg.Gatherer)
		s.router.GET("/metrics", func(c *Context) error {
			metrics(c.RequestCtx)
			return nil
		})
	}
	s.router.POST("/api/data", api(s.data))
	s.router.POST("/api/polling/:action", api(s.polling))
	s.router.POST("/api/cache/invalidate", api(s.invalidateCache))
	s.router.GET("/api/notifications", s.notifications)

	s.unsubscribe = cfg.Backend.Subscribe(s.feed.Add)

	s.server = &fasthttp.Server{
		Handler:      s.router.ServeFastHTTP,
		Name:         "datacore",
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Handler returns the request handler, for tests and embedding
func (s *Server) Handler() fasthttp.RequestHandler {
	return s.router.ServeFastHTTP
}

// Feed returns the notification ring
func (s *Server) Feed() *Feed {
	return s.feed
}

// ListenAndServe serves on cfg.Addr until Shutdown
func (s *Server) ListenAndServe() error {
	s.logger.Infof("host API listening on %s", s.cfg.Addr)
	return s.server.ListenAndServe(s.cfg.Addr)
}

// Serve serves on ln until Shutdown
func (s *Server) Serve(ln net.Listener) error {
	return s.server.Serve(ln)
}

// Shutdown stops accepting connections and waits for open requests
func (s *Server) Shutdown(ctx context.Context) error {
	s.unsubscribe()
	return s.server.ShutdownWithContext(ctx)
}

type healthBody struct {
	State      fsm.State     `json:"state"`
	Generation uint64        `json:"generation"`
	Pending    int           `json:"pending"`
	Limiter    *LimiterStats `json:"limiter,omitempty"`
}

func (s *Server) health(c *Context) error {
	b := s.cfg.Backend
	body := healthBody{State: b.State(), Generation: b.Generation(), Pending: b.Pending()}
	if s.limiter != nil {
		st := s.limiter.Stats()
		body.Limiter = &st
	}
	status := fasthttp.StatusOK
	if body.State != supervisor.StateRunning {
		status = fasthttp.StatusServiceUnavailable
	}
	return c.JSON(status, body)
}

func (s *Server) data(c *Context) error {
	var opts protocol.Options
	if err := c.BindJSON(&opts); err != nil {
		return err
	}
	data, err := s.cfg.Backend.Data(c.Context(), opts)
	if err != nil {
		return err
	}
	return c.RawJSON(fasthttp.StatusOK, data)
}

// intervalBody is the body of polling control requests; interval is in ms
type intervalBody struct {
	Interval int64 `json:"interval"`
}

type pollingBody struct {
	Status   string `json:"status"`
	Interval int64  `json:"interval"`
}

func (s *Server) polling(c *Context) error {
	var in intervalBody
	if err := c.BindJSON(&in); err != nil {
		return err
	}
	interval := time.Duration(in.Interval) * time.Millisecond

	var (
		st  protocol.PollingStatus
		err error
	)
	switch c.Param("action") {
	case "start":
		st, err = s.cfg.Backend.StartPolling(c.Context(), interval)
	case "stop":
		st, err = s.cfg.Backend.StopPolling(c.Context())
	case "interval":
		if err := core.ValidateInterval(interval); err != nil {
			return err
		}
		st, err = s.cfg.Backend.SetPollingInterval(c.Context(), interval)
	default:
		return &core.Error{Code: codeNotFound, Message: "unknown polling action " + c.Param("action")}
	}
	if err != nil {
		return err
	}
	return c.JSON(fasthttp.StatusOK, pollingBody{Status: st.Status, Interval: st.Interval.Milliseconds()})
}

func (s *Server) invalidateCache(c *Context) error {
	status, err := s.cfg.Backend.InvalidateCache(c.Context())
	if err != nil {
		return err
	}
	return c.JSON(fasthttp.StatusOK, map[string]string{"status": status})
}

type notificationsBody struct {
	Latest        uint64         `json:"latest"`
	Notifications []Notification `json:"notifications"`
}

func (s *Server) notifications(c *Context) error {
	since, err := c.RequestCtx.QueryArgs().GetUint("since")
	if err != nil {
		if len(c.RequestCtx.QueryArgs().Peek("since")) > 0 {
			return &core.Error{Code: core.CodeInvalidInput, Message: "since must be a non-negative integer"}
		}
		since = 0
	}
	items, latest := s.feed.Since(uint64(since))
	return c.JSON(fasthttp.StatusOK, notificationsBody{Latest: latest, Notifications: items})
}
