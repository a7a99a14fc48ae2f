// ============================================================================
// Falcon-Sched Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露引擎運行指標，支持 Prometheus 監控
//
// 指標分類:
//
//   1. 任務計數器 (Counter) - 累計值，只增不減：
//      - sched_jobs_submitted_total: 提交任務總數
//      - sched_jobs_dispatched_total: 已分派任務總數
//      - sched_jobs_completed_total: 已完成任務總數
//      - sched_jobs_failed_total: 失敗任務總數
//      - sched_jobs_dead_lettered_total: 死信任務總數
//      - sched_jobs_cancelled_total: 取消任務總數
//
//   2. 性能指標 (Histogram):
//      - sched_job_latency_seconds: 任務執行延遲分佈
//
//   3. 狀態指標 (Gauge):
//      - sched_jobs_ready: 當前就緒隊列長度
//      - sched_jobs_running: 當前執行中任務數
//      - sched_workers_active: 當前 Active worker 數
//      - sched_recovery_time_seconds: 最近一次啟動恢復時間
//
// Prometheus 查詢示例:
//
//   # 每分鐘完成任務數
//   rate(sched_jobs_completed_total[1m])
//
//   # 95 分位延遲
//   histogram_quantile(0.95, sched_job_latency_seconds_bucket)
//
//   # 錯誤率
//   rate(sched_jobs_failed_total[5m]) / rate(sched_jobs_dispatched_total[5m])
//
// HTTP 端點:
//   通過 /metrics 端點暴露，由 Prometheus 定期抓取（預設端口 9090）
//
// ============================================================================

package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/falcon-sched/internal/observer"
)

// Collector Prometheus 指標收集器，同時實作 observer.Sink
type Collector struct {
	jobsSubmitted    prometheus.Counter
	jobsDispatched   prometheus.Counter
	jobsCompleted    prometheus.Counter
	jobsFailed       prometheus.Counter
	jobsDeadLettered prometheus.Counter
	jobsCancelled    prometheus.Counter
	queueBlocked     prometheus.Counter

	jobLatency   prometheus.Histogram
	recoveryTime prometheus.Gauge

	jobsReady     prometheus.Gauge
	jobsRunning   prometheus.Gauge
	workersActive prometheus.Gauge
}

// 編譯期檢查 Sink 實作
var _ observer.Sink = (*Collector)(nil)

// NewCollector 創建並註冊指標收集器
//
// 參數：
//   - reg: 註冊目標；nil 時使用 prometheus.DefaultRegisterer。
//     測試傳入獨立的 prometheus.NewRegistry() 避免重複註冊 panic。
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		jobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sched_jobs_submitted_total",
			Help: "Total number of jobs submitted",
		}),
		jobsDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sched_jobs_dispatched_total",
			Help: "Total number of jobs dispatched to workers",
		}),
		jobsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sched_jobs_completed_total",
			Help: "Total number of jobs completed successfully",
		}),
		jobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sched_jobs_failed_total",
			Help: "Total number of job failures reported",
		}),
		jobsDeadLettered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sched_jobs_dead_lettered_total",
			Help: "Total number of jobs moved to the dead letter queue",
		}),
		jobsCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sched_jobs_cancelled_total",
			Help: "Total number of jobs cancelled",
		}),
		queueBlocked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sched_queue_blocked_total",
			Help: "Total number of no-capacity events",
		}),
		jobLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sched_job_latency_seconds",
			Help:    "Job execution latency in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		recoveryTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sched_recovery_time_seconds",
			Help: "Time taken by the last startup recovery in seconds",
		}),
		jobsReady: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sched_jobs_ready",
			Help: "Current number of jobs in the ready queue",
		}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sched_jobs_running",
			Help: "Current number of running jobs",
		}),
		workersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sched_workers_active",
			Help: "Current number of active workers",
		}),
	}

	reg.MustRegister(
		c.jobsSubmitted, c.jobsDispatched, c.jobsCompleted, c.jobsFailed,
		c.jobsDeadLettered, c.jobsCancelled, c.queueBlocked,
		c.jobLatency, c.recoveryTime,
		c.jobsReady, c.jobsRunning, c.workersActive,
	)
	return c
}

// Emit 實作 observer.Sink，將事件映射到對應指標
func (c *Collector) Emit(e observer.Event) {
	switch e.Kind {
	case observer.EventJobSubmitted:
		c.jobsSubmitted.Inc()
	case observer.EventJobDispatched:
		c.jobsDispatched.Inc()
	case observer.EventJobCompleted:
		c.jobsCompleted.Inc()
		if e.LatencySeconds > 0 {
			c.jobLatency.Observe(e.LatencySeconds)
		}
	case observer.EventJobFailed:
		c.jobsFailed.Inc()
	case observer.EventJobDeadLettered:
		c.jobsDeadLettered.Inc()
	case observer.EventJobCancelled:
		c.jobsCancelled.Inc()
	case observer.EventQueueBlocked:
		c.queueBlocked.Inc()
	}
}

// SetRecoveryTime 設置啟動恢復時間
func (c *Collector) SetRecoveryTime(seconds float64) {
	c.recoveryTime.Set(seconds)
}

// UpdateEngineStats 更新瞬時狀態指標
func (c *Collector) UpdateEngineStats(ready, running, activeWorkers int) {
	c.jobsReady.Set(float64(ready))
	c.jobsRunning.Set(float64(running))
	c.workersActive.Set(float64(activeWorkers))
}

// StartServer 啟動 Prometheus metrics HTTP 伺服器
func StartServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	addr := fmt.Sprintf(":%d", port)
	return http.ListenAndServe(addr, mux)
}
