// Package agent exposes the serve-mode admin surface: lifecycle status,
// a synchronous terminate trigger, and prometheus metrics.
package agent

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/RoboFinSystems/robosystems-sub001/internal/lifecycle"
)

type Server struct {
	controller *lifecycle.Controller
	instanceID string
	// terminate triggers the shutdown protocol outside the HTTP request
	// lifetime; serve mode passes a func that cancels its signal context.
	terminate func()
}

func NewServer(controller *lifecycle.Controller, instanceID string, terminate func()) *Server {
	return &Server{controller: controller, instanceID: instanceID, terminate: terminate}
}

// Router builds the gin handler. Bound to localhost only; this surface is
// operator tooling, not a public API.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestID())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/status", s.handleStatus)
	router.POST("/terminate", s.handleTerminate)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return router
}

// Run serves until ctx is canceled. The caller owns ctx: in serve mode
// it outlives the termination signal so /status and /terminate stay
// reachable for the whole shutdown protocol. Graceful shutdown lets
// in-flight responses flush before the listener goes away.
func (s *Server) Run(ctx context.Context, bindAddr string) error {
	srv := &http.Server{Addr: bindAddr, Handler: s.Router()}
	go func() {
		<-ctx.Done()
		drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(drainCtx)
	}()
	log.Info().Str("addr", bindAddr).Msg("agent admin server listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"instance_id": s.instanceID,
		"state":       s.controller.State(),
	})
}

// handleTerminate triggers the shutdown protocol. Idempotent: once the
// protocol has started, repeat calls just report the current state.
func (s *Server) handleTerminate(c *gin.Context) {
	state := s.controller.State()
	if state != lifecycle.StateRunning {
		c.JSON(http.StatusAccepted, gin.H{"state": state, "message": "termination already in progress"})
		return
	}
	log.Info().Str("request_id", c.GetString(requestIDKey)).Msg("termination requested via admin endpoint")
	s.terminate()
	c.JSON(http.StatusAccepted, gin.H{"state": s.controller.State(), "message": "termination started"})
}

const requestIDKey = "request_id"

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}
