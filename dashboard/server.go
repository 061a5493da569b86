// Package dashboard serves the admin HTTP API and prometheus metrics.
package dashboard

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"whatsapp-hub/plugins"
	"whatsapp-hub/store"
	"whatsapp-hub/types"
	"whatsapp-hub/whatsapp"
)

var requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "whatsapp_hub_http_request_duration_seconds",
	Help:    "Admin API latency by route and status code",
	Buckets: prometheus.DefBuckets,
}, []string{"route", "code"})

// Registry is the instance registry as seen by the API.
type Registry interface {
	Create(ctx context.Context, req whatsapp.CreateRequest) (*whatsapp.Bot, error)
	Delete(ctx context.Context, phone string) error
	Restart(ctx context.Context, phone string) error
	List(ctx context.Context) ([]whatsapp.State, error)
	GetByPhone(ctx context.Context, phone string) (whatsapp.State, error)
	GetBot(phone string) (*whatsapp.Bot, bool)
	Statuses() map[types.ConnectionStatus]int
}

// PluginAdmin manages the plugin engine.
type PluginAdmin interface {
	List() []plugins.Status
	Reload() (int, []string)
	Enable(name string) error
	Disable(name string) error
}

type Deps struct {
	Registry Registry
	Webhooks store.WebhookService
	History  store.WebhookHistoryService
	Messages store.MessageService
	Plugins  PluginAdmin
	Log      zerolog.Logger
}

type Server struct {
	echo *echo.Echo
	deps Deps
	log  zerolog.Logger
}

func New(deps Deps) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{echo: e, deps: deps, log: deps.Log.With().Str("component", "http").Logger()}
	e.HTTPErrorHandler = s.errorHandler
	e.Use(middleware.Recover())
	e.Use(s.observe)
	s.routes()
	return s
}

func (s *Server) routes() {
	e := s.echo
	e.GET("/healthz", func(c echo.Context) error {
		return ok(c, map[string]string{"status": "up"})
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	api := e.Group("/api")
	api.GET("/stats", s.stats)

	api.GET("/instances", s.listInstances)
	api.POST("/instances", s.createInstance)
	api.GET("/instances/:phone", s.getInstance)
	api.DELETE("/instances/:phone", s.deleteInstance)
	api.POST("/instances/:phone/restart", s.restartInstance)
	api.GET("/instances/:phone/messages", s.listMessages)
	api.POST("/instances/:phone/messages", s.sendMessage)
	api.POST("/instances/:phone/groups/:group/messages", s.sendGroupMessage)
	api.POST("/instances/:phone/media", s.sendMedia)

	api.GET("/instances/:phone/webhooks", s.listWebhooks)
	api.POST("/instances/:phone/webhooks", s.createWebhook)
	api.DELETE("/webhooks/:id", s.deleteWebhook)
	api.GET("/webhooks/:id/history", s.webhookHistory)

	api.GET("/plugins", s.listPlugins)
	api.POST("/plugins/reload", s.reloadPlugins)
	api.POST("/plugins/:name/enable", s.enablePlugin)
	api.POST("/plugins/:name/disable", s.disablePlugin)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start listens on addr until Shutdown is called.
func (s *Server) Start(addr string) error {
	s.log.Info().Str("addr", addr).Msg("admin API listening")
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) observe(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		if err != nil {
			c.Error(err)
		}
		code := c.Response().Status
		requestDuration.WithLabelValues(c.Path(), strconv.Itoa(code)).Observe(time.Since(start).Seconds())

		ev := s.log.Debug()
		if code >= http.StatusInternalServerError {
			ev = s.log.Warn()
		}
		ev.Str("method", c.Request().Method).
			Str("path", c.Request().URL.Path).
			Int("code", code).
			Dur("latency", time.Since(start)).
			Msg("request")
		return nil
	}
}

func (s *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		code := "HTTP_ERROR"
		if he.Code == http.StatusNotFound {
			code = "NOT_FOUND"
		}
		_ = fail(c, he.Code, code, http.StatusText(he.Code))
		return
	}
	_ = failErr(c, err)
}

func (s *Server) stats(c echo.Context) error {
	return ok(c, map[string]interface{}{
		"instances": s.deps.Registry.Statuses(),
		"runtime":   runtimeStats(),
	})
}

func (s *Server) listPlugins(c echo.Context) error {
	return ok(c, s.deps.Plugins.List())
}

func (s *Server) reloadPlugins(c echo.Context) error {
	loaded, failed := s.deps.Plugins.Reload()
	if failed == nil {
		failed = []string{}
	}
	return ok(c, map[string]interface{}{"loaded": loaded, "failed": failed})
}

func (s *Server) enablePlugin(c echo.Context) error {
	if err := s.deps.Plugins.Enable(c.Param("name")); err != nil {
		return err
	}
	return ok(c, s.deps.Plugins.List())
}

func (s *Server) disablePlugin(c echo.Context) error {
	if err := s.deps.Plugins.Disable(c.Param("name")); err != nil {
		return err
	}
	return ok(c, s.deps.Plugins.List())
}

func parseLimit(c echo.Context, def int) int {
	raw := strings.TrimSpace(c.QueryParam("limit"))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	if n > 500 {
		return 500
	}
	return n
}
