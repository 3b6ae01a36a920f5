package sandwich

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/WelcomerTeam/Sandwich-Gateway/sandwichjson"
	"github.com/fasthttp/router"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// RestResponse is the response when returning rest requests.
type RestResponse struct {
	Response any    `json:"response,omitempty"`
	Error    string `json:"error,omitempty"`
	Success  bool   `json:"success"`
}

// StatusServer exposes the manager state and prometheus metrics over HTTP.
type StatusServer struct {
	Logger zerolog.Logger

	manager *Manager
	router  *router.Router
	server  *fasthttp.Server
}

func NewStatusServer(logger zerolog.Logger, manager *Manager, gatherer prometheus.Gatherer) *StatusServer {
	s := &StatusServer{
		Logger:  logger.With().Str("component", "http").Logger(),
		manager: manager,
		router:  router.New(),
	}

	s.router.GET("/api/status", s.handleStatus)
	s.router.GET("/api/shards", s.handleShards)
	s.router.GET("/api/shards/{shard_id}", s.handleShard)
	s.router.GET("/healthz", s.handleHealth)

	if gatherer != nil {
		s.router.GET("/metrics", fasthttpadaptor.NewFastHTTPHandler(
			promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}),
		))
	}

	s.server = &fasthttp.Server{
		Handler: s.HandleRequest,
		Name:    "sandwich-gateway",
	}

	return s
}

// HandleRequest handles any incoming HTTP requests.
func (s *StatusServer) HandleRequest(ctx *fasthttp.RequestCtx) {
	s.router.Handler(ctx)

	s.Logger.Debug().Msgf("%s %s %s %d",
		ctx.RemoteAddr(),
		ctx.Request.Header.Method(),
		ctx.Request.URI().Path(),
		ctx.Response.StatusCode())
}

// ListenAndServe serves until ctx is cancelled.
func (s *StatusServer) ListenAndServe(ctx context.Context, host string) error {
	errs := make(chan error, 1)

	go func() {
		s.Logger.Info().Msgf("Serving http at %s", host)

		errs <- s.server.ListenAndServe(host)
	}()

	select {
	case err := <-errs:
		if err != nil {
			return fmt.Errorf("failed to serve webserver: %w", err)
		}

		return nil
	case <-ctx.Done():
		err := s.server.Shutdown()
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("failed to shutdown webserver: %w", err)
		}

		return nil
	}
}

func (s *StatusServer) handleStatus(ctx *fasthttp.RequestCtx) {
	writeResponse(ctx, fasthttp.StatusOK, RestResponse{Success: true, Response: s.manager.StatusSnapshot()})
}

func (s *StatusServer) handleShards(ctx *fasthttp.RequestCtx) {
	writeResponse(ctx, fasthttp.StatusOK, RestResponse{Success: true, Response: s.manager.Snapshot()})
}

func (s *StatusServer) handleShard(ctx *fasthttp.RequestCtx) {
	value, _ := ctx.UserValue("shard_id").(string)

	shardID, err := strconv.ParseInt(value, 10, 32)
	if err != nil {
		writeResponse(ctx, fasthttp.StatusBadRequest, RestResponse{Error: ErrInvalidShard.Error()})

		return
	}

	shard, ok := s.manager.Shard(int32(shardID))
	if !ok {
		writeResponse(ctx, fasthttp.StatusNotFound, RestResponse{Error: ErrInvalidShard.Error()})

		return
	}

	writeResponse(ctx, fasthttp.StatusOK, RestResponse{Success: true, Response: shard.Snapshot()})
}

// handleHealth is healthy while the manager is running.
func (s *StatusServer) handleHealth(ctx *fasthttp.RequestCtx) {
	status := s.manager.Status()

	if status != ManagerStatusRunning {
		writeResponse(ctx, fasthttp.StatusServiceUnavailable, RestResponse{Response: status})

		return
	}

	writeResponse(ctx, fasthttp.StatusOK, RestResponse{Success: true, Response: status})
}

func writeResponse(ctx *fasthttp.RequestCtx, statusCode int, response RestResponse) {
	ctx.SetContentType("application/json;charset=UTF-8")
	ctx.SetStatusCode(statusCode)

	err := sandwichjson.MarshalToWriter(ctx, response)
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
	}
}
