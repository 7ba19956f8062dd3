package asuka

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/lmittmann/tint"
)

const xRequestIDHeader = "X-Request-ID"

// API serves the read-only web surface: health, exchange and event
// listings, the iCalendar feed, and static files.
type API struct {
	config     *APIConfig
	engine     *gin.Engine
	httpServer *http.Server
	logger     *slog.Logger
	asuka      *Asuka
}

func newAPI(a *Asuka, cfg *APIConfig, handler slog.Handler) *API {
	logger := slog.New(handler).With(loggerNameKey, "api")

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(
		requestIDMiddleware(),
		requestLogMiddleware(logger),
		gin.Recovery(),
		cors.New(cfg.CORS.GINConfig()),
	)

	api := &API{
		config: cfg,
		engine: engine,
		logger: logger,
		asuka:  a,
		httpServer: &http.Server{
			Handler:           engine,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: cfg.ReadHeaderTimeout,
			WriteTimeout:      cfg.WriteTimeout,
			IdleTimeout:       cfg.IdleTimeout,
		},
	}
	api.registerRoutes()
	return api
}

func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(xRequestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header(xRequestIDHeader, requestID)
		c.Set("request_id", requestID)
		c.Next()
	}
}

func requestLogMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		logger.Info(
			"request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"elapsed", time.Since(started),
			"request_id", c.GetString("request_id"),
			"client_ip", c.ClientIP(),
		)
	}
}

func (api *API) registerRoutes() {
	api.engine.GET(
		"/healthz", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
		},
	)

	apiGroup := api.engine.Group("/api")
	apiGroup.GET("/exchanges", api.getExchanges)
	apiGroup.GET("/events", api.getEvents)
	apiGroup.GET("/calendar.ics", api.getCalendar)

	if api.config.StaticDir != "" {
		api.engine.Static("/public", api.config.StaticDir)
	}
}

func (api *API) getExchanges(c *gin.Context) {
	exchanges, err := GetExchanges(api.asuka.db)
	if err != nil {
		api.logger.Error("error loading exchanges", tint.Err(err))
		c.JSON(
			http.StatusInternalServerError,
			gin.H{"error": "internal error"},
		)
		return
	}
	c.JSON(http.StatusOK, exchanges)
}

func (api *API) getEvents(c *gin.Context) {
	events, err := GetUpcomingEvents(api.asuka.db, time.Now().UTC())
	if err != nil {
		api.logger.Error("error loading events", tint.Err(err))
		c.JSON(
			http.StatusInternalServerError,
			gin.H{"error": "internal error"},
		)
		return
	}
	c.JSON(http.StatusOK, events)
}

func (api *API) getCalendar(c *gin.Context) {
	events, err := GetUpcomingEvents(api.asuka.db, time.Now().UTC())
	if err != nil {
		api.logger.Error("error loading events", tint.Err(err))
		c.String(http.StatusInternalServerError, "internal error")
		return
	}
	c.Data(
		http.StatusOK,
		"text/calendar; charset=utf-8",
		[]byte(buildCalendar(events)),
	)
}

// Serve listens per the config and blocks until the server stops.
func (api *API) Serve() error {
	if api.config.StaticDir != "" {
		if err := os.MkdirAll(api.config.StaticDir, 0755); err != nil &&
			!errors.Is(err, os.ErrExist) {
			return fmt.Errorf("error creating static dir: %w", err)
		}
	}
	listener, err := net.Listen(api.config.ListenNetwork, api.config.Listen)
	if err != nil {
		return fmt.Errorf(
			"error listening on %s %s: %w",
			api.config.ListenNetwork, api.config.Listen, err,
		)
	}
	api.logger.Info("api listening", "address", listener.Addr().String())
	if err = api.httpServer.Serve(listener); err != nil &&
		!errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
