// ============================================================================
// Falcon-Sched Config - YAML 配置
// ============================================================================
//
// Package: internal/config
// 文件: config.go
// 功能: 載入、驗證並映射引擎配置
//
// 配置來源優先序: 配置檔 > 預設值。
// 所有時間欄位使用 Go duration 字串（"30s"、"2m"、"168h"）。
//
// ============================================================================

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/falcon-sched/internal/dispatcher"
	"github.com/ChuLiYu/falcon-sched/internal/failure"
	"github.com/ChuLiYu/falcon-sched/internal/queue"
	"github.com/ChuLiYu/falcon-sched/internal/scheduler"
)

// Duration 包裝 time.Duration 以支援 YAML duration 字串
type Duration time.Duration

// UnmarshalYAML 解析 "30s" 之類的 duration 字串
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	td, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", s, err)
	}
	*d = Duration(td)
	return nil
}

// MarshalYAML 輸出 duration 字串
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std 回傳標準庫型別
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ============================================================================
// 配置結構
// ============================================================================

// Config 完整配置
type Config struct {
	Engine   EngineSection   `yaml:"engine"`
	Lease    LeaseSection    `yaml:"lease"`
	Retry    RetrySection    `yaml:"retry"`
	Priority PrioritySection `yaml:"priority"`
	Workers  WorkersSection  `yaml:"workers"`
	DLQ      DLQSection      `yaml:"dlq"`
	Storage  StorageSection  `yaml:"storage"`
	Metrics  MetricsSection  `yaml:"metrics"`
}

// EngineSection 引擎核心參數
type EngineSection struct {
	DispatchTickActive    Duration `yaml:"dispatch_tick_active"`
	DispatchTickIdle      Duration `yaml:"dispatch_tick_idle"`
	StuckJobSweepInterval Duration `yaml:"stuck_job_sweep_interval"`
	DependencyMaxDepth    int      `yaml:"dependency_max_depth"`
	NoCapacityThreshold   int      `yaml:"no_capacity_threshold"`
	RequeueDelay          Duration `yaml:"requeue_delay"`
	ShutdownGrace         Duration `yaml:"shutdown_grace"`
}

// LeaseSection 租約期限參數
type LeaseSection struct {
	DefaultSlack float64  `yaml:"default_slack"`
	Min          Duration `yaml:"min"`
	Max          Duration `yaml:"max"`
}

// RetrySection 重試退避參數
type RetrySection struct {
	InitialDelay Duration `yaml:"initial_delay"`
	MaxDelay     Duration `yaml:"max_delay"`
	Multiplier   float64  `yaml:"multiplier"`
	Jitter       float64  `yaml:"jitter"`
}

// PrioritySection 分數公式常數
type PrioritySection struct {
	BandHigh           int64 `yaml:"band_high"`
	BandNormal         int64 `yaml:"band_normal"`
	BandLow            int64 `yaml:"band_low"`
	AgeWeightPerMinute int64 `yaml:"age_weight_per_minute"`
	RetryPenalty       int64 `yaml:"retry_penalty"`
}

// WorkersSection worker 健康參數
type WorkersSection struct {
	HeartbeatInterval   Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout    Duration `yaml:"heartbeat_timeout"`
	DeadThreshold       Duration `yaml:"dead_threshold"`
	HealthCheckInterval Duration `yaml:"health_check_interval"`
}

// DLQSection 死信保留參數
type DLQSection struct {
	Retention       Duration `yaml:"retention"`
	CleanupInterval Duration `yaml:"cleanup_interval"`
	ArchiveDir      string   `yaml:"archive_dir"`
}

// StorageSection 儲存後端參數
type StorageSection struct {
	Backend              string   `yaml:"backend"` // badger | memory
	Path                 string   `yaml:"path"`
	HistoryPath          string   `yaml:"history_path"`
	HistoryBuffer        int      `yaml:"history_buffer"`
	HistoryFlushInterval Duration `yaml:"history_flush_interval"`
}

// MetricsSection 指標端點參數
type MetricsSection struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// ============================================================================
// 預設與載入
// ============================================================================

// Default 回傳帶完整預設值的配置
func Default() *Config {
	return &Config{
		Engine: EngineSection{
			DispatchTickActive:    Duration(50 * time.Millisecond),
			DispatchTickIdle:      Duration(time.Second),
			StuckJobSweepInterval: Duration(10 * time.Minute),
			DependencyMaxDepth:    10000,
			NoCapacityThreshold:   3,
			RequeueDelay:          Duration(5 * time.Second),
			ShutdownGrace:         Duration(10 * time.Second),
		},
		Lease: LeaseSection{
			DefaultSlack: 2.0,
			Min:          Duration(30 * time.Second),
			Max:          Duration(24 * time.Hour),
		},
		Retry: RetrySection{
			InitialDelay: Duration(30 * time.Second),
			MaxDelay:     Duration(time.Hour),
			Multiplier:   2.0,
			Jitter:       0.25,
		},
		Priority: PrioritySection{
			BandHigh:           0,
			BandNormal:         1000,
			BandLow:            2000,
			AgeWeightPerMinute: 1,
			RetryPenalty:       100,
		},
		Workers: WorkersSection{
			HeartbeatInterval:   Duration(30 * time.Second),
			HeartbeatTimeout:    Duration(2 * time.Minute),
			DeadThreshold:       Duration(10 * time.Minute),
			HealthCheckInterval: Duration(30 * time.Second),
		},
		DLQ: DLQSection{
			Retention:       Duration(168 * time.Hour),
			CleanupInterval: Duration(24 * time.Hour),
			ArchiveDir:      "data/dlq-archive",
		},
		Storage: StorageSection{
			Backend:              "badger",
			Path:                 "data/sched",
			HistoryPath:          "data/history.log",
			HistoryBuffer:        256,
			HistoryFlushInterval: Duration(time.Second),
		},
		Metrics: MetricsSection{
			Enabled: true,
			Port:    9090,
		},
	}
}

// Load 讀取配置檔並疊在預設值之上。path 為空時直接回傳預設。
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 檢查配置合法性
func (c *Config) Validate() error {
	if c.Lease.DefaultSlack < 1.0 {
		return fmt.Errorf("config: lease.default_slack must be >= 1.0, got %v", c.Lease.DefaultSlack)
	}
	if c.Lease.Min.Std() <= 0 || c.Lease.Max.Std() < c.Lease.Min.Std() {
		return fmt.Errorf("config: lease.min/max invalid: min=%v max=%v", c.Lease.Min.Std(), c.Lease.Max.Std())
	}
	if c.Retry.Multiplier < 1.0 {
		return fmt.Errorf("config: retry.multiplier must be >= 1.0, got %v", c.Retry.Multiplier)
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		return fmt.Errorf("config: retry.jitter must be in [0,1], got %v", c.Retry.Jitter)
	}
	if c.Engine.DependencyMaxDepth < 1 {
		return fmt.Errorf("config: engine.dependency_max_depth must be >= 1")
	}
	if c.Workers.HeartbeatTimeout.Std() <= 0 || c.Workers.DeadThreshold.Std() < c.Workers.HeartbeatTimeout.Std() {
		return fmt.Errorf("config: workers.heartbeat_timeout/dead_threshold invalid")
	}
	switch c.Storage.Backend {
	case "badger", "memory":
	default:
		return fmt.Errorf("config: storage.backend must be badger or memory, got %q", c.Storage.Backend)
	}
	if c.Metrics.Enabled && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		return fmt.Errorf("config: metrics.port out of range: %d", c.Metrics.Port)
	}
	return nil
}

// EngineConfig 映射為 scheduler.Config
func (c *Config) EngineConfig() scheduler.Config {
	return scheduler.Config{
		Dispatch: dispatcher.Config{
			Interval:         c.Engine.DispatchTickIdle.Std(),
			ActivePause:      c.Engine.DispatchTickActive.Std(),
			LeaseSlack:       c.Lease.DefaultSlack,
			MinLease:         c.Lease.Min.Std(),
			MaxLease:         c.Lease.Max.Std(),
			RequeueDelay:     c.Engine.RequeueDelay.Std(),
			BlockedThreshold: c.Engine.NoCapacityThreshold,
			StoreRetries:     3,
		},
		Retry: failure.RetryPolicy{
			InitialDelay: c.Retry.InitialDelay.Std(),
			Multiplier:   c.Retry.Multiplier,
			MaxDelay:     c.Retry.MaxDelay.Std(),
			JitterFrac:   c.Retry.Jitter,
		},
		Retention: failure.Retention{
			MaxAge: c.DLQ.Retention.Std(),
			Batch:  500,
		},
		Score: queue.ScoreConfig{
			BandHigh:           c.Priority.BandHigh,
			BandNormal:         c.Priority.BandNormal,
			BandLow:            c.Priority.BandLow,
			AgeWeightPerMinute: c.Priority.AgeWeightPerMinute,
			RetryPenalty:       c.Priority.RetryPenalty,
		},
		HeartbeatTimeout:    c.Workers.HeartbeatTimeout.Std(),
		DeadThreshold:       c.Workers.DeadThreshold.Std(),
		TickInterval:        500 * time.Millisecond,
		LeaseSweepInterval:  c.Engine.StuckJobSweepInterval.Std(),
		HealthCheckInterval: c.Workers.HealthCheckInterval.Std(),
		RetentionInterval:   c.DLQ.CleanupInterval.Std(),
		MaxDepth:            c.Engine.DependencyMaxDepth,
	}
}
