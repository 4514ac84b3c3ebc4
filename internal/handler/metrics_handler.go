package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/orchids/queuepulse/internal/domain"
	"github.com/orchids/queuepulse/internal/metrics"
	"github.com/orchids/queuepulse/internal/service"
	"github.com/orchids/queuepulse/pkg/logger"
	"github.com/orchids/queuepulse/pkg/response"
)

var trendSeries = map[string]string{
	"queue_depth":       metrics.SeriesQueueDepth,
	"throughput":        metrics.SeriesThroughput,
	"worker_efficiency": metrics.SeriesWorkerEfficiency,
}

// MetricsHandler exposes the read-only query surface consumed by
// dashboards and the autoscaler integration.
type MetricsHandler struct {
	ledger        *metrics.Ledger
	aggregator    *metrics.Aggregator
	baselines     *metrics.BaselineEngine
	deviations    *metrics.DeviationDetector
	trends        *metrics.TrendEngine
	heartbeats    *metrics.HeartbeatEngine
	serverMetrics *service.ServerMetricsService
	log           *logger.Logger
}

func NewMetricsHandler(
	ledger *metrics.Ledger,
	aggregator *metrics.Aggregator,
	baselines *metrics.BaselineEngine,
	deviations *metrics.DeviationDetector,
	trends *metrics.TrendEngine,
	heartbeats *metrics.HeartbeatEngine,
	serverMetrics *service.ServerMetricsService,
	log *logger.Logger,
) *MetricsHandler {
	return &MetricsHandler{
		ledger:        ledger,
		aggregator:    aggregator,
		baselines:     baselines,
		deviations:    deviations,
		trends:        trends,
		heartbeats:    heartbeats,
		serverMetrics: serverMetrics,
		log:           log.WithComponent("http"),
	}
}

func (h *MetricsHandler) RegisterRoutes(api *gin.RouterGroup) {
	api.GET("/queues", h.ListQueues)
	api.GET("/queues/:connection/:queue", h.QueueReport)
	api.GET("/queues/:connection/:queue/jobs/:class", h.JobClassReport)
	api.GET("/queues/:connection/:queue/jobs/:class/samples", h.JobSamples)
	api.GET("/queues/:connection/:queue/baseline", h.Baseline)
	api.GET("/queues/:connection/:queue/deviation", h.Deviation)
	api.GET("/queues/:connection/:queue/trends/:series", h.Trend)
	api.GET("/queues/:connection/:queue/trends/:series/forecast", h.Forecast)
	api.GET("/workers", h.ListWorkers)
	api.GET("/workers/efficiency", h.WorkerEfficiency)
	api.GET("/workers/:id", h.GetWorker)
	api.GET("/server", h.ServerMetrics)
}

func (h *MetricsHandler) ListQueues(c *gin.Context) {
	queues, err := h.ledger.Queues(c.Request.Context())
	if err != nil {
		h.storeError(c, err)
		return
	}

	type queueRef struct {
		Connection string `json:"connection"`
		Queue      string `json:"queue"`
	}
	refs := make([]queueRef, 0, len(queues))
	for _, q := range queues {
		refs = append(refs, queueRef{Connection: q[0], Queue: q[1]})
	}
	response.Success(c, http.StatusOK, refs)
}

func (h *MetricsHandler) QueueReport(c *gin.Context) {
	report, err := h.aggregator.QueueReport(c.Request.Context(), c.Param("connection"), c.Param("queue"))
	if err != nil {
		h.storeError(c, err)
		return
	}
	response.Success(c, http.StatusOK, report)
}

func (h *MetricsHandler) JobClassReport(c *gin.Context) {
	key := domain.JobKey{
		Connection: c.Param("connection"),
		Queue:      c.Param("queue"),
		JobClass:   c.Param("class"),
	}
	report, err := h.aggregator.JobClassReport(c.Request.Context(), key)
	if err != nil {
		h.storeError(c, err)
		return
	}
	response.Success(c, http.StatusOK, report)
}

func (h *MetricsHandler) JobSamples(c *gin.Context) {
	key := domain.JobKey{
		Connection: c.Param("connection"),
		Queue:      c.Param("queue"),
		JobClass:   c.Param("class"),
	}
	limit := int64(intQuery(c, "limit", 100))

	var (
		samples []domain.Sample
		err     error
	)
	switch c.Query("metric") {
	case "", "duration":
		samples, err = h.ledger.GetDurationSamples(c.Request.Context(), key, limit)
	case "memory":
		samples, err = h.ledger.GetMemorySamples(c.Request.Context(), key, limit)
	case "cpu":
		samples, err = h.ledger.GetCpuTimeSamples(c.Request.Context(), key, limit)
	default:
		response.BadRequest(c, "metric must be one of duration, memory, cpu")
		return
	}
	if err != nil {
		h.storeError(c, err)
		return
	}
	response.Success(c, http.StatusOK, samples)
}

func (h *MetricsHandler) Baseline(c *gin.Context) {
	baseline, err := h.baselines.Get(c.Request.Context(), c.Param("connection"), c.Param("queue"), c.Query("class"))
	if err != nil {
		h.storeError(c, err)
		return
	}
	if baseline == nil {
		response.NotFound(c, "no baseline has been calculated yet")
		return
	}
	response.Success(c, http.StatusOK, baseline)
}

func (h *MetricsHandler) Deviation(c *gin.Context) {
	report, err := h.deviations.DetectQueue(c.Request.Context(), c.Param("connection"), c.Param("queue"))
	if err != nil {
		h.storeError(c, err)
		return
	}
	if report == nil {
		response.NotFound(c, "deviation requires a stored baseline and recent samples")
		return
	}
	response.Success(c, http.StatusOK, report)
}

func (h *MetricsHandler) Trend(c *gin.Context) {
	series, ok := trendSeries[c.Param("series")]
	if !ok {
		response.BadRequest(c, "unknown trend series")
		return
	}
	result, err := h.trends.Analyze(c.Request.Context(), series, c.Param("connection"), c.Param("queue"))
	if err != nil {
		h.storeError(c, err)
		return
	}
	response.Success(c, http.StatusOK, result)
}

func (h *MetricsHandler) Forecast(c *gin.Context) {
	series, ok := trendSeries[c.Param("series")]
	if !ok {
		response.BadRequest(c, "unknown trend series")
		return
	}
	forecast, err := h.trends.Forecast(c.Request.Context(), series, c.Param("connection"), c.Param("queue"))
	if err != nil {
		h.storeError(c, err)
		return
	}
	response.Success(c, http.StatusOK, forecast)
}

func (h *MetricsHandler) ListWorkers(c *gin.Context) {
	workers, err := h.heartbeats.ListWorkers(c.Request.Context())
	if err != nil {
		h.storeError(c, err)
		return
	}

	if c.Query("active") == "true" {
		active := make([]*domain.WorkerHeartbeat, 0, len(workers))
		for _, w := range workers {
			if w.State.Active() {
				active = append(active, w)
			}
		}
		workers = active
	}
	response.Success(c, http.StatusOK, workers)
}

func (h *MetricsHandler) GetWorker(c *gin.Context) {
	worker, err := h.heartbeats.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, domain.ErrWorkerNotFound) {
			response.NotFound(c, "worker not found")
			return
		}
		h.storeError(c, err)
		return
	}
	response.Success(c, http.StatusOK, worker)
}

func (h *MetricsHandler) WorkerEfficiency(c *gin.Context) {
	summary, err := h.heartbeats.EfficiencySummary(c.Request.Context())
	if err != nil {
		h.storeError(c, err)
		return
	}
	response.Success(c, http.StatusOK, summary)
}

func (h *MetricsHandler) ServerMetrics(c *gin.Context) {
	if c.Query("fresh") == "true" {
		h.serverMetrics.Invalidate()
	}
	snapshot, err := h.serverMetrics.Snapshot(c.Request.Context())
	if err != nil {
		h.log.Error(c.Request.Context(), "server metrics snapshot failed", map[string]interface{}{
			"error": err.Error(),
		})
		response.InternalError(c, "failed to sample server metrics")
		return
	}
	response.Success(c, http.StatusOK, snapshot)
}

// Query helper kept for handlers that accept optional limits.
func intQuery(c *gin.Context, name string, fallback int) int {
	if raw := c.Query(name); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			return v
		}
	}
	return fallback
}

func (h *MetricsHandler) storeError(c *gin.Context, err error) {
	h.log.Error(c.Request.Context(), "metrics store query failed", map[string]interface{}{
		"error": err.Error(),
	})
	if errors.Is(err, domain.ErrStoreUnavailable) {
		response.ServiceUnavailable(c, "metrics store unavailable")
		return
	}
	response.InternalError(c, "failed to query metrics")
}
