package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dispatchkit/dispatchkit/types"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

// Server is the fasthttp front end. It converts wire requests into
// connection descriptors, runs them through the lifecycle engine, and
// writes the resolved response back. Shutdown drains in-flight requests
// within the configured timeout.
type Server struct {
	ctx             context.Context
	cancel          context.CancelFunc
	config          types.ConfigManager
	logger          types.Logger
	metrics         types.MetricsManager
	engine          types.LifecycleEngine
	tlsManager      types.TLSManager
	server          *fasthttp.Server
	listener        net.Listener
	httpConfig      *types.HTTPConfig
	tlsConfig       *types.TLSConfig
	dispatchConfig  *types.DispatchConfig
	state           atomic.Value
	shutdownTimeout time.Duration
}

func NewServer(
	ctx context.Context,
	config types.ConfigManager,
	logger types.Logger,
	metrics types.MetricsManager,
	engine types.LifecycleEngine,
	tlsManager types.TLSManager) (*Server, error) {
	serverCtx, cancel := context.WithCancel(ctx)

	cfg := config.GetConfig()

	shutdownTimeout := 5 * time.Second
	if cfg.Server.HTTP.ShutdownTimeout > 0 {
		shutdownTimeout = time.Duration(cfg.Server.HTTP.ShutdownTimeout) * time.Second
	}

	server := &Server{
		ctx:             serverCtx,
		cancel:          cancel,
		config:          config,
		logger:          logger,
		metrics:         metrics,
		engine:          engine,
		tlsManager:      tlsManager,
		httpConfig:      cfg.Server.HTTP,
		tlsConfig:       cfg.Server.TLS,
		dispatchConfig:  cfg.Dispatch,
		shutdownTimeout: shutdownTimeout,
	}

	server.state.Store(StateStopped)

	return server, nil
}

func (s *Server) Start() error {
	if !s.transitionState(StateStopped, StateStarting) {
		return types.ErrServerAlreadyRunning
	}

	defer func() {
		if s.getState() == StateStarting {
			s.setState(StateRunning)
		}
	}()

	var maxBody int
	if s.dispatchConfig != nil && s.dispatchConfig.MaxBodySize > 0 {
		maxBody = int(s.dispatchConfig.MaxBodySize)
	}

	s.server = &fasthttp.Server{
		Handler:                      s.mainHandler(),
		ReadTimeout:                  time.Duration(s.httpConfig.ReadTimeout) * time.Second,
		WriteTimeout:                 time.Duration(s.httpConfig.WriteTimeout) * time.Second,
		IdleTimeout:                  time.Duration(s.httpConfig.IdleTimeout) * time.Second,
		MaxRequestBodySize:           maxBody,
		TCPKeepalive:                 true,
		DisablePreParseMultipartForm: true,
		CloseOnShutdown:              true,
	}

	addr := fmt.Sprintf("%s:%d", s.httpConfig.Host, s.httpConfig.Port)

	go func() {
		var err error
		if s.tlsConfig != nil && s.tlsConfig.Enabled {
			s.listener, err = s.tlsManager.Serve(addr)
			if err != nil {
				s.logger.Error("TLS listener failed", zap.Error(err))
				return
			}
			err = s.server.Serve(s.listener)
		} else {
			s.listener, err = net.Listen("tcp", addr)
			if err != nil {
				s.logger.Error("HTTP listener failed", zap.Error(err))
				return
			}
			err = s.server.Serve(s.listener)
		}

		if err != nil {
			s.logger.Error("HTTP server failed", zap.Error(err))
			s.setState(StateStopped)
		}
	}()

	s.logger.Info("HTTP server started",
		zap.String("address", addr),
		zap.Bool("tls", s.tlsConfig != nil && s.tlsConfig.Enabled))

	return nil
}

func (s *Server) Stop() error {
	if !s.transitionState(StateRunning, StateStopping) {
		return types.ErrServerNotRunning
	}

	defer func() {
		s.setState(StateStopped)
		s.cancel()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if s.server != nil {
			if s.listener != nil {
				if err := s.listener.Close(); err != nil {
					s.logger.Error("failed to close listener", zap.Error(err))
				}
			}

			if err := s.server.ShutdownWithContext(ctx); err != nil {
				return nil
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		select {
		case <-gCtx.Done():
			s.logger.Warn("server stop timeout, in-flight requests may have been dropped")
		default:
			s.logger.Error("error during server shutdown", zap.Error(err))
		}
	} else {
		s.logger.Info("HTTP server stopped gracefully")
	}

	return nil
}

func (s *Server) IsRunning() bool {
	return s.getState() == StateRunning
}

func (s *Server) getState() State {
	return s.state.Load().(State)
}

func (s *Server) setState(newState State) bool {
	return s.state.CompareAndSwap(s.getState(), newState)
}

func (s *Server) transitionState(from, to State) bool {
	return s.state.CompareAndSwap(from, to)
}

func (s *Server) mainHandler() fasthttp.RequestHandler {
	return func(requestCtx *fasthttp.RequestCtx) {
		start := time.Now()

		conn := descriptorFromFastHTTP(requestCtx)
		ctx := types.NewConnectionContext(s.ctx, conn)
		ctx.Logger = s.logger
		if id := conn.HeaderValue(requestIDHeader); id != "" {
			ctx.RequestID = id
		} else {
			ctx.RequestID = uuid.NewString()
		}

		resp := s.engine.Execute(ctx)
		writeResponse(requestCtx, resp, ctx.RequestID)
		s.engine.Finalize(ctx)

		s.observe(conn, resp, start)
	}
}

func (s *Server) observe(conn *types.ConnectionDescriptor, resp *types.ResponseDescriptor, start time.Time) {
	if s.metrics == nil {
		return
	}

	status := 0
	if resp != nil {
		status = resp.Status
	}
	labels := map[string]string{
		"method": conn.Method,
		"status": strconv.Itoa(status),
	}

	s.metrics.Counter("http_requests_total", labels).Inc()
	s.metrics.Histogram("http_request_duration_seconds", nil, labels).ObserveDuration(start)
}

func descriptorFromFastHTTP(requestCtx *fasthttp.RequestCtx) *types.ConnectionDescriptor {
	header := make(map[string]string, requestCtx.Request.Header.Len())
	requestCtx.Request.Header.VisitAll(func(key, value []byte) {
		header[string(key)] = string(value)
	})

	body := requestCtx.PostBody()

	return &types.ConnectionDescriptor{
		Method:        string(requestCtx.Method()),
		Path:          string(requestCtx.Path()),
		Query:         string(requestCtx.URI().QueryString()),
		Header:        header,
		Body:          bytes.NewReader(body),
		ContentLength: int64(len(body)),
		RemoteAddr:    requestCtx.RemoteAddr().String(),
	}
}

func writeResponse(requestCtx *fasthttp.RequestCtx, resp *types.ResponseDescriptor, requestID string) {
	if resp == nil {
		requestCtx.SetStatusCode(fasthttp.StatusInternalServerError)
		return
	}

	requestCtx.SetStatusCode(resp.Status)
	for name, value := range resp.Header {
		requestCtx.Response.Header.Set(name, value)
	}
	for name, value := range resp.Cookies {
		cookie := fasthttp.AcquireCookie()
		cookie.SetKey(name)
		cookie.SetValue(value)
		cookie.SetPath("/")
		requestCtx.Response.Header.SetCookie(cookie)
		fasthttp.ReleaseCookie(cookie)
	}
	if resp.MediaType != "" {
		requestCtx.SetContentType(resp.MediaType)
	}
	requestCtx.Response.Header.Set(requestIDHeader, requestID)
	if len(resp.Body) > 0 {
		requestCtx.SetBody(resp.Body)
	}
}
