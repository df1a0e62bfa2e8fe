package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/wfunc/paper-vendo/internal/errors"
	"github.com/wfunc/paper-vendo/internal/models"
	"github.com/wfunc/paper-vendo/internal/service"
)

// LogHandler 交易日志查询处理器
type LogHandler struct {
	txlog *service.TransactionLogService
}

// NewLogHandler 创建日志处理器
func NewLogHandler(txlog *service.TransactionLogService) *LogHandler {
	return &LogHandler{txlog: txlog}
}

// RegisterRoutes 注册日志路由
func (h *LogHandler) RegisterRoutes(group *gin.RouterGroup, requireAuth gin.HandlerFunc) {
	logs := group.Group("/logs")
	{
		logs.GET("", h.QueryLogs)          // 查询日志列表
		logs.GET("/latest", h.GetLatest)   // 获取最新日志
		logs.GET("/stats", h.GetStats)     // 获取统计信息
		logs.GET("/errors", h.GetErrors)   // 获取错误日志
		logs.GET("/export", h.ExportLogs)  // 导出日志
		logs.DELETE("", requireAuth, h.CleanupLogs) // 清理旧日志
	}
}

// parseQuery 从查询参数组装日志查询条件
func parseQuery(c *gin.Context) *models.TransactionLogQuery {
	query := &models.TransactionLogQuery{}

	if logType := c.Query("type"); logType != "" {
		query.Type = models.TransactionType(logType)
	}
	query.Command = c.Query("command")
	query.RequestID = c.Query("request_id")
	query.SessionID = c.Query("session_id")

	if success := c.Query("success"); success != "" {
		b := success == "true"
		query.Success = &b
	}
	if hasError := c.Query("has_error"); hasError == "true" {
		b := true
		query.HasError = &b
	}

	// 时间范围
	if startTime := c.Query("start_time"); startTime != "" {
		if t, err := time.Parse(time.RFC3339, startTime); err == nil {
			query.StartTime = &t
		}
	}
	if endTime := c.Query("end_time"); endTime != "" {
		if t, err := time.Parse(time.RFC3339, endTime); err == nil {
			query.EndTime = &t
		}
	}

	// 金额范围
	if minAmount := c.Query("min_amount"); minAmount != "" {
		if v, err := strconv.Atoi(minAmount); err == nil {
			query.MinAmount = &v
		}
	}
	if maxAmount := c.Query("max_amount"); maxAmount != "" {
		if v, err := strconv.Atoi(maxAmount); err == nil {
			query.MaxAmount = &v
		}
	}

	// 分页参数
	query.Limit, _ = strconv.Atoi(c.DefaultQuery("limit", "20"))
	query.Offset, _ = strconv.Atoi(c.DefaultQuery("offset", "0"))
	query.OrderBy = c.DefaultQuery("order_by", "created_at DESC")

	return query
}

// QueryLogs 查询日志列表
// @Summary 查询交易日志
// @Description 按类型、命令、成败、时间段、金额过滤
// @Tags Logs
// @Produce json
// @Success 200 {object} SuccessResponse
// @Router /api/v1/logs [get]
func (h *LogHandler) QueryLogs(c *gin.Context) {
	query := parseQuery(c)

	logs, total, err := h.txlog.Query(query)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data":   logs,
		"total":  total,
		"limit":  query.Limit,
		"offset": query.Offset,
	})
}

// GetLatest 获取最新日志
// @Summary 获取最新日志
// @Tags Logs
// @Produce json
// @Router /api/v1/logs/latest [get]
func (h *LogHandler) GetLatest(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	logType := models.TransactionType(c.Query("type"))

	logs, err := h.txlog.GetLatestLogs(limit, logType)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data":  logs,
		"count": len(logs),
	})
}

// GetStats 获取统计信息
// @Summary 日志统计
// @Description 命令/找零笔数、出币总额、缺口总额、投币总额
// @Tags Logs
// @Produce json
// @Success 200 {object} models.TransactionLogStats
// @Router /api/v1/logs/stats [get]
func (h *LogHandler) GetStats(c *gin.Context) {
	var startTime, endTime *time.Time

	if start := c.Query("start_time"); start != "" {
		if t, err := time.Parse(time.RFC3339, start); err == nil {
			startTime = &t
		}
	}
	if end := c.Query("end_time"); end != "" {
		if t, err := time.Parse(time.RFC3339, end); err == nil {
			endTime = &t
		}
	}

	stats, err := h.txlog.GetStats(startTime, endTime)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, stats)
}

// GetErrors 获取错误日志
// @Summary 获取错误日志
// @Tags Logs
// @Produce json
// @Router /api/v1/logs/errors [get]
func (h *LogHandler) GetErrors(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	logs, err := h.txlog.GetErrorLogs(limit)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data":  logs,
		"count": len(logs),
	})
}

// ExportLogs 导出日志
// @Summary 导出日志
// @Description JSON附件下载
// @Tags Logs
// @Produce json
// @Router /api/v1/logs/export [get]
func (h *LogHandler) ExportLogs(c *gin.Context) {
	query := parseQuery(c)
	if c.Query("limit") == "" {
		query.Limit = 1000
	}

	data, err := h.txlog.ExportLogs(query)
	if err != nil {
		respondError(c, err)
		return
	}

	c.Header("Content-Disposition", "attachment; filename=transaction_logs_export.json")
	c.Data(http.StatusOK, "application/json", data)
}

// CleanupLogs 清理旧日志
// @Summary 清理旧日志
// @Description 删除保留期之前的日志，需要认证
// @Tags Logs
// @Security Bearer
// @Produce json
// @Param retention_days query int false "保留天数" default(30)
// @Success 200 {object} SuccessResponse
// @Failure 400 {object} errors.ErrorResponse
// @Router /api/v1/logs [delete]
func (h *LogHandler) CleanupLogs(c *gin.Context) {
	retentionDays, _ := strconv.Atoi(c.DefaultQuery("retention_days", "30"))
	if retentionDays < 1 {
		respondError(c, errors.Newf(errors.ErrInvalidParam, "保留天数必须大于0: %d", retentionDays))
		return
	}

	count, err := h.txlog.CleanupOldLogs(retentionDays)
	if err != nil {
		respondError(c, err)
		return
	}

	respondOK(c, "清理成功", gin.H{
		"deleted":        count,
		"retention_days": retentionDays,
	})
}
