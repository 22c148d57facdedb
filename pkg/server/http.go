package server

import (
	"context"
	"crypto/subtle"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/n0ot/relayd/pkg/model"
)

// StatsUser is the basic auth user name for the stats endpoint.
const StatsUser = "stats"

const healthTimeout = 2 * time.Second

// HTTPHandler returns the relay's HTTP surface:
//
//	GET  /ws                          WebSocket clients
//	POST /channels/:channel/publish   publish from producers without a connection
//	GET  /stats                       server stats, behind basic auth
//	GET  /healthz                     liveness and broker reachability
//	GET  /metrics                     Prometheus metrics, if a Gatherer is configured
func (srv *Server) HTTPHandler() http.Handler {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(srv.requestLogger())
	e.Use(middleware.Recover())

	e.GET("/ws", echo.WrapHandler(http.HandlerFunc(srv.ServeWS)))
	e.POST("/channels/:channel/publish", srv.handleHTTPPublish)
	e.GET("/healthz", srv.handleHealth)

	stats := e.Group("/stats")
	if srv.config.StatsPassword != "" {
		stats.Use(middleware.BasicAuth(srv.checkStatsAuth))
	}
	stats.GET("", srv.handleHTTPStats)

	if srv.config.Gatherer != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(srv.config.Gatherer, promhttp.HandlerOpts{})))
	}
	return e
}

func (srv *Server) requestLogger() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:  true,
		LogURI:     true,
		LogMethod:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			entry := srv.log.WithFields(logrus.Fields{
				"method":  v.Method,
				"uri":     v.URI,
				"status":  v.Status,
				"latency": v.Latency,
			})
			if v.Error != nil {
				entry = entry.WithField("error", v.Error)
			}
			entry.Debug("Request")
			return nil
		},
	})
}

func (srv *Server) checkStatsAuth(user, password string, c echo.Context) (bool, error) {
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(StatsUser)) == 1
	passwordOK := subtle.ConstantTimeCompare([]byte(password), []byte(srv.config.StatsPassword)) == 1
	return userOK && passwordOK, nil
}

func (srv *Server) handleHTTPPublish(c echo.Context) error {
	channel := c.Param("channel")
	if c.Request().URL.RawPath != "" {
		if unescaped, err := url.PathUnescape(channel); err == nil {
			channel = unescaped
		}
	}

	body, err := io.ReadAll(io.LimitReader(c.Request().Body, int64(srv.config.MaxRecordSize)+1))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unable to read body")
	}
	if len(body) > srv.config.MaxRecordSize {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "event too large")
	}
	ev, err := model.DecodeEvent(body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	err = srv.Publish(c.Request().Context(), channel, ev)
	switch {
	case err == nil:
		return c.JSON(http.StatusAccepted, map[string]string{"status": "accepted"})
	case errors.Is(err, model.ErrMalformed):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrServerClosed):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	default:
		return err
	}
}

func (srv *Server) handleHTTPStats(c echo.Context) error {
	if srv.config.StatsPassword == "" {
		return echo.NewHTTPError(http.StatusNotFound, "stats are disabled")
	}
	stats, err := srv.Stats(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	return c.JSON(http.StatusOK, stats)
}

func (srv *Server) handleHealth(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), healthTimeout)
	defer cancel()

	resp := map[string]string{
		"status": "ok",
		"node":   srv.nodeID,
		"mode":   srv.Mode(),
	}
	if err := srv.Ping(ctx); err != nil {
		srv.log.WithField("error", err).Warn("Health check failed")
		resp["status"] = "degraded"
		resp["error"] = err.Error()
		return c.JSON(http.StatusServiceUnavailable, resp)
	}
	return c.JSON(http.StatusOK, resp)
}
