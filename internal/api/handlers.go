package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"replication/internal/model"
	"replication/internal/store"
)

func (h *Handlers) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// CreateConfiguration - 创建复制配置，is_active 为 true 时立即启动
func (h *Handlers) CreateConfiguration(c echo.Context) error {
	var spec model.ReplicationConfiguration
	if err := c.Bind(&spec); err != nil {
		return err
	}
	cfg, err := h.orchestrator.CreateConfiguration(c.Request().Context(), spec)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, cfg)
}

// ListConfigurations - 按 owner_id 查询配置
func (h *Handlers) ListConfigurations(c echo.Context) error {
	cfgs, err := h.orchestrator.ListConfigurations(c.Request().Context(), c.QueryParam("owner_id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, cfgs)
}

func (h *Handlers) GetConfiguration(c echo.Context) error {
	cfg, err := h.orchestrator.GetConfiguration(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, cfg)
}

// UpdateConfiguration - 部分更新，未出现的字段保持不变
func (h *Handlers) UpdateConfiguration(c echo.Context) error {
	var patch model.ConfigurationPatch
	if err := c.Bind(&patch); err != nil {
		return err
	}
	cfg, err := h.orchestrator.UpdateConfiguration(c.Request().Context(), c.Param("id"), patch)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, cfg)
}

func (h *Handlers) StartReplication(c echo.Context) error {
	id := c.Param("id")
	if err := h.orchestrator.StartReplication(c.Request().Context(), id); err != nil {
		return err
	}
	return h.GetConfiguration(c)
}

func (h *Handlers) StopReplication(c echo.Context) error {
	id := c.Param("id")
	if err := h.orchestrator.StopReplication(c.Request().Context(), id); err != nil {
		return err
	}
	return h.GetConfiguration(c)
}

// TriggerFullSync - 异步执行，返回 202
func (h *Handlers) TriggerFullSync(c echo.Context) error {
	if err := h.orchestrator.TriggerFullSync(c.Request().Context(), c.Param("id")); err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, map[string]string{"status": "accepted"})
}

// ListJobs - 任务历史，可按 status 和 job_type 过滤
func (h *Handlers) ListJobs(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")
	if _, err := h.orchestrator.GetConfiguration(ctx, id); err != nil {
		return err
	}
	jobs, err := h.orchestrator.ListJobs(ctx, store.JobFilter{
		ConfigurationID: id,
		Status:          model.JobStatus(c.QueryParam("status")),
		JobType:         model.JobType(c.QueryParam("job_type")),
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, jobs)
}

func (h *Handlers) ListConflicts(c echo.Context) error {
	conflicts, err := h.orchestrator.ListConflicts(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, conflicts)
}

// GetMetrics - 按 owner_id 汇总
func (h *Handlers) GetMetrics(c echo.Context) error {
	ownerID := c.QueryParam("owner_id")
	if ownerID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "owner_id 不能为空")
	}
	metrics, err := h.metrics.GetMetrics(c.Request().Context(), ownerID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, metrics)
}
