package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"depthflow/book"
	"depthflow/config"
	"depthflow/internal/channel"
	"depthflow/internal/metrics"
	"depthflow/logger"
	"depthflow/models"
)

// BookSource is the live book lookup the server reads from. The book store
// satisfies it.
type BookSource interface {
	Snapshot(symbol string) (models.OrderBookSnapshot, error)
}

// History serves persisted metric series. Both the Postgres store and the
// in-memory store satisfy it.
type History interface {
	MetricSeries(ctx context.Context, symbol, metric string, from, to time.Time) ([]models.MetricSample, error)
}

// Server exposes the read-only HTTP facade over live books and stored
// metric history.
type Server struct {
	cfg         config.APIConfig
	instruments []models.Instrument
	source      BookSource
	history     History
	channels    *channel.Channels
	httpServer  *http.Server
	log         *logger.Log
}

// NewServer returns nil when the API is disabled.
func NewServer(cfg config.APIConfig, instruments []models.Instrument, source BookSource, history History, channels *channel.Channels) *Server {
	if !cfg.Enabled {
		return nil
	}
	return &Server{
		cfg:         cfg,
		instruments: instruments,
		source:      source,
		history:     history,
		channels:    channels,
		log:         logger.GetLogger(),
	}
}

// Run serves until the context is cancelled or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return nil
	}

	router, err := s.buildRouter()
	if err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Addr:    s.cfg.Address,
		Handler: router,
	}

	log := s.log.WithComponent("api_server")
	log.WithFields(logger.Fields{"address": s.cfg.Address}).Info("starting api server")

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		log.Info("api server stopped")
		return nil
	case err := <-errCh:
		if err == nil {
			return nil
		}
		return err
	}
}

func (s *Server) buildRouter() (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if err := router.SetTrustedProxies(nil); err != nil {
		return nil, err
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := router.Group("/api/v1")
	v1.GET("/instruments", s.handleInstruments)
	v1.GET("/book/:symbol", s.handleBook)
	v1.GET("/metrics/:symbol", s.handleMetricSeries)
	v1.GET("/status", s.handleStatus)

	return router, nil
}

func (s *Server) handleInstruments(c *gin.Context) {
	payload := make([]gin.H, 0, len(s.instruments))
	for _, inst := range s.instruments {
		payload = append(payload, gin.H{
			"symbol":    inst.Symbol,
			"tick_size": inst.TickSize,
			"lot_size":  inst.LotSize,
		})
	}
	c.JSON(http.StatusOK, gin.H{"instruments": payload})
}

// handleBook serves the current snapshot. Unknown instruments are 404;
// known instruments whose first snapshot has not arrived yet are 503 so
// clients can tell configuration errors from warmup.
func (s *Server) handleBook(c *gin.Context) {
	symbol := c.Param("symbol")

	snap, err := s.source.Snapshot(symbol)
	switch {
	case errors.Is(err, book.ErrUnknownInstrument):
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown instrument"})
		return
	case errors.Is(err, book.ErrNoSnapshot):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "book not ready"})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"symbol":      snap.Symbol,
		"sequence_id": snap.SequenceID,
		"timestamp":   snap.Timestamp.Format(time.RFC3339Nano),
		"stale":       snap.Stale,
		"bids":        snap.Bids,
		"asks":        snap.Asks,
	})
}

func (s *Server) handleMetricSeries(c *gin.Context) {
	symbol := c.Param("symbol")
	if !s.knownSymbol(symbol) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown instrument"})
		return
	}

	metric := c.Query("metric")
	if metric == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "metric query parameter is required"})
		return
	}

	to := time.Now()
	from := to.Add(-time.Hour)
	var err error
	if raw := c.Query("from"); raw != "" {
		if from, err = time.Parse(time.RFC3339, raw); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "from must be RFC3339"})
			return
		}
	}
	if raw := c.Query("to"); raw != "" {
		if to, err = time.Parse(time.RFC3339, raw); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "to must be RFC3339"})
			return
		}
	}
	if to.Before(from) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "to precedes from"})
		return
	}

	samples, err := s.history.MetricSeries(c.Request.Context(), symbol, metric, from, to)
	if err != nil {
		s.log.WithComponent("api_server").WithError(err).Warn("metric series query failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "history unavailable"})
		return
	}

	payload := make([]gin.H, 0, len(samples))
	for _, sample := range samples {
		payload = append(payload, gin.H{
			"window_end": sample.WindowEnd.Format(time.RFC3339Nano),
			"value":      sample.Value,
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"symbol":  symbol,
		"metric":  metric,
		"samples": payload,
	})
}

// handleStatus reports pipeline counters and channel pressure.
func (s *Server) handleStatus(c *gin.Context) {
	stats := s.channels.GetStats()
	c.JSON(http.StatusOK, gin.H{
		"counters": metrics.Snapshot(),
		"channels": gin.H{
			"events_sent":      stats.EventsSent,
			"events_dropped":   stats.EventsDropped,
			"samples_sent":     stats.SamplesSent,
			"samples_dropped":  stats.SamplesDropped,
			"vols_sent":        stats.VolsSent,
			"vols_dropped":     stats.VolsDropped,
			"captures_sent":    stats.CapturesSent,
			"captures_dropped": stats.CapturesDropped,
		},
	})
}

func (s *Server) knownSymbol(symbol string) bool {
	for _, inst := range s.instruments {
		if inst.Symbol == symbol {
			return true
		}
	}
	return false
}
