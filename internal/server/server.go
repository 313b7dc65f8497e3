package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"trendbot/internal/engine"
	"trendbot/internal/metrics"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

type StatusSource interface {
	Status() engine.Status
}

func NewRouter(src StatusSource) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		status := src.Status()
		if !status.Reconciled {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "starting"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "last_cycle": status.LastCycle})
	})
	r.GET("/state", func(c *gin.Context) {
		c.JSON(http.StatusOK, src.Status())
	})
	r.GET("/metrics", gin.WrapH(metrics.Handler()))
	return r
}

// Serve runs the status server until ctx is done.
func Serve(ctx context.Context, addr string, src StatusSource) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           NewRouter(src),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("component", "server").Str("addr", addr).Msg("status server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
