// Package web serves the control API the UI binds to.
package web

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kisy/kipepeo/model"
	"github.com/kisy/kipepeo/pkg/engine"
	"github.com/kisy/kipepeo/pkg/goroutine"
	"github.com/kisy/kipepeo/pkg/stats"
)

// Backend is the engine surface behind the API. *engine.Engine implements it.
type Backend interface {
	engine.Service
	Poll(ctx context.Context, fn func(model.Metrics))
}

type Server struct {
	log      *slog.Logger
	addr     string
	backend  Backend
	gatherer prometheus.Gatherer
	router   *gin.Engine

	// Cancelled by Stop to end websocket watchers, which Shutdown does not track
	watchCtx    context.Context
	stopWatches context.CancelFunc

	mu  sync.Mutex
	srv *http.Server
	ln  net.Listener
}

// NewServer builds the router. gatherer backs /metrics; nil uses the default registry.
func NewServer(addr string, backend Backend, gatherer prometheus.Gatherer, log *slog.Logger) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		log:      log,
		addr:     addr,
		backend:  backend,
		gatherer: gatherer,
	}
	s.watchCtx, s.stopWatches = context.WithCancel(context.Background())
	s.router = s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(recovery(s.log), requestLogger(s.log))

	api := r.Group("/api", sameOrigin(s.log))
	api.GET("/status", s.getStatus)
	api.GET("/stats", s.getStats)
	api.GET("/metrics", s.getMetrics)
	api.GET("/sessions", s.getSessions)
	api.GET("/watch", s.watch)
	api.POST("/activate", s.activate)
	api.POST("/deactivate", s.deactivate)
	api.POST("/reset", s.reset)

	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	return r
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.srv != nil {
		return nil
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("api listen %s: %w", s.addr, err)
	}
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.srv = srv
	s.ln = ln

	goroutine.SafeGo(s.log, "api-server", func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("api server stopped", "error", err)
		}
	})
	s.log.Info("api listening", "addr", ln.Addr().String())
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.ln = nil
	s.mu.Unlock()

	s.stopWatches()
	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		srv.Close()
		return err
	}
	return nil
}

// Addr returns the bound address, or the configured one when not listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.addr
}

func (s *Server) getStatus(c *gin.Context) {
	successResponse(c, http.StatusOK, "", s.backend.Status())
}

// StatsView is the ledger snapshot with human-readable savings.
type StatsView struct {
	model.Snapshot
	Saved string `json:"saved"`
	Ratio string `json:"ratio"`
}

func newStatsView(snap model.Snapshot) StatsView {
	return StatsView{
		Snapshot: snap,
		Saved:    stats.FormatSaved(snap.BytesSaved),
		Ratio:    stats.FormatRatio(snap.CompressionRatio),
	}
}

func (s *Server) getStats(c *gin.Context) {
	successResponse(c, http.StatusOK, "", newStatsView(s.backend.Snapshot()))
}

func (s *Server) getMetrics(c *gin.Context) {
	successResponse(c, http.StatusOK, "", s.backend.Metrics())
}

func (s *Server) getSessions(c *gin.Context) {
	limit := 0
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			errorResponse(c, http.StatusBadRequest, errorTypeValidation, "limit must be a non-negative integer", nil)
			return
		}
		limit = n
	}

	sessions, err := s.backend.Sessions(c.Request.Context(), limit)
	if err != nil {
		_ = c.Error(err)
		errorResponse(c, http.StatusInternalServerError, errorTypeInternal, "failed to load sessions", nil)
		return
	}
	if sessions == nil {
		sessions = []model.SessionRecord{}
	}
	successResponse(c, http.StatusOK, "", sessions)
}

func (s *Server) activate(c *gin.Context) {
	status, err := s.backend.Activate(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		var aerr *engine.ActivationError
		switch {
		case errors.As(err, &aerr):
			errorResponse(c, http.StatusServiceUnavailable, errorTypeActivation, aerr.Reason, status)
		case errors.Is(err, engine.ErrTransitionInProgress):
			errorResponse(c, http.StatusServiceUnavailable, errorTypeBusy, "another transition is in progress", status)
		default:
			errorResponse(c, http.StatusInternalServerError, errorTypeInternal, err.Error(), status)
		}
		return
	}
	successResponse(c, http.StatusOK, status.HookStatus, status)
}

func (s *Server) deactivate(c *gin.Context) {
	status, err := s.backend.Deactivate(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		if errors.Is(err, engine.ErrTransitionInProgress) {
			errorResponse(c, http.StatusServiceUnavailable, errorTypeBusy, "another transition is in progress", status)
			return
		}
		// The hooks are gone even if one of them failed to stop cleanly
		successResponse(c, http.StatusOK, "deactivated with errors: "+err.Error(), status)
		return
	}
	successResponse(c, http.StatusOK, status.HookStatus, status)
}

func (s *Server) reset(c *gin.Context) {
	if err := s.backend.Reset(c.Request.Context()); err != nil {
		_ = c.Error(err)
		errorResponse(c, http.StatusInternalServerError, errorTypeInternal, "ledger reset but could not be persisted", newStatsView(s.backend.Snapshot()))
		return
	}
	successResponse(c, http.StatusOK, "ledger reset", newStatsView(s.backend.Snapshot()))
}
