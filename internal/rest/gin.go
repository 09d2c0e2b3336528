package rest

import (
	"net/http"
	"time"

	"github.com/0xRichardL/vibe-voter/internal/config"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// NewServer builds the status router. Requests are logged at debug level so
// periodic health probes stay out of the default output.
func NewServer(cfg config.Config, logger zerolog.Logger) (*gin.Engine, *http.Server) {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(logger.With().Str("component", "http").Logger()))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return r, srv
}

func requestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("request")
	}
}
