// Package api 通过 REST 暴露复制配置、任务历史和指标
package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"replication/internal/errs"
	"replication/internal/service"
)

// Handlers 路由处理函数依赖的服务
type Handlers struct {
	orchestrator *service.Orchestrator
	metrics      *service.MetricsAggregator
	logger       logrus.FieldLogger
}

// NewServer 注册全部路由。gatherer 为 nil 时不暴露 /metrics
func NewServer(o *service.Orchestrator, m *service.MetricsAggregator, gatherer prometheus.Gatherer, logger logrus.FieldLogger) *echo.Echo {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	h := &Handlers{orchestrator: o, metrics: m, logger: logger}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = h.errorHandler

	e.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{
		LogErrorFunc: func(c echo.Context, err error, stack []byte) error {
			logger.Errorf("[PANIC RECOVER] %v %s", err, stack)
			return err
		},
	}))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogMethod:  true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			entry := logger.WithFields(logrus.Fields{
				"method":  v.Method,
				"uri":     v.URI,
				"status":  v.Status,
				"latency": v.Latency.String(),
			})
			if v.Error != nil {
				entry.WithError(v.Error).Warn("request")
				return nil
			}
			entry.Debug("request")
			return nil
		},
	}))

	e.GET("/healthz", h.Healthz)
	if gatherer != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	v1 := e.Group("/api/v1")
	v1.POST("/configurations", h.CreateConfiguration)
	v1.GET("/configurations", h.ListConfigurations)
	v1.GET("/configurations/:id", h.GetConfiguration)
	v1.PATCH("/configurations/:id", h.UpdateConfiguration)
	v1.POST("/configurations/:id/start", h.StartReplication)
	v1.POST("/configurations/:id/stop", h.StopReplication)
	v1.POST("/configurations/:id/full-sync", h.TriggerFullSync)
	v1.GET("/configurations/:id/jobs", h.ListJobs)
	v1.GET("/configurations/:id/conflicts", h.ListConflicts)
	v1.GET("/metrics", h.GetMetrics)

	return e
}

// ErrorResponse 错误响应体
type ErrorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

// statusOf 错误类型到 HTTP 状态码
func statusOf(err error) int {
	var he *echo.HTTPError
	switch {
	case errors.As(err, &he):
		return he.Code
	case errs.IsValidation(err):
		return http.StatusBadRequest
	case errors.Is(err, errs.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errs.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, errs.ErrClosed):
		return http.StatusServiceUnavailable
	case errs.IsIntegration(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handlers) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	code := statusOf(err)
	body := ErrorResponse{Error: err.Error()}

	var ve *errs.ValidationError
	var he *echo.HTTPError
	switch {
	case errors.As(err, &ve):
		body.Field = ve.Field
	case errors.As(err, &he):
		if msg, ok := he.Message.(string); ok {
			body.Error = msg
		}
	}
	if code >= http.StatusInternalServerError {
		h.logger.Errorf("%s %s 失败: %v", c.Request().Method, c.Request().URL.Path, err)
	}

	if c.Request().Method == http.MethodHead {
		err = c.NoContent(code)
	} else {
		err = c.JSON(code, body)
	}
	if err != nil {
		h.logger.Warnf("写入错误响应失败: %v", err)
	}
}
