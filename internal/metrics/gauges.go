// =============================================================================
// 文件: internal/metrics/gauges.go
// 描述: 实时埋点指标（Counter/Gauge/Histogram）
// =============================================================================
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// RxMetrics 接收路径埋点
type RxMetrics struct {
	// 单帧决策耗时
	DecisionLatency prometheus.Histogram

	// 完整性/重放事件
	IntegrityFailures *prometheus.CounterVec

	// 事件推送
	EventSubscribers prometheus.Gauge
	EventsDropped    prometheus.Counter

	// 抓包回放
	CaptureFrames *prometheus.CounterVec
	DecodeErrors  *prometheus.CounterVec
}

// NewRxMetrics 创建并注册指标，registry 为 nil 时不注册
func NewRxMetrics(registry *prometheus.Registry) *RxMetrics {
	m := &RxMetrics{
		DecisionLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "rx",
			Name:      "decision_seconds",
			Help:      "Time spent deciding a single frame",
			Buckets:   prometheus.ExponentialBuckets(250e-9, 2, 14),
		}),

		IntegrityFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "security",
			Name:      "integrity_failures_total",
			Help:      "Michael MIC failures reported to the security layer",
		}, []string{"scope"}),

		EventSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "subscribers",
			Help:      "Connected event stream subscribers",
		}),

		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "dropped_total",
			Help:      "Events dropped for slow subscribers",
		}),

		CaptureFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "capture",
			Name:      "frames_total",
			Help:      "Frames read from the capture source",
		}, []string{"link"}),

		DecodeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "capture",
			Name:      "decode_errors_total",
			Help:      "Captured frames that failed to decode",
		}, []string{"kind"}),
	}

	if registry != nil {
		registry.MustRegister(
			m.DecisionLatency,
			m.IntegrityFailures,
			m.EventSubscribers,
			m.EventsDropped,
			m.CaptureFrames,
			m.DecodeErrors,
		)
	}
	return m
}

// ObserveDecision 记录决策耗时
func (m *RxMetrics) ObserveDecision(d time.Duration) {
	m.DecisionLatency.Observe(d.Seconds())
}

// RecordIntegrity 记录完整性失败
func (m *RxMetrics) RecordIntegrity(group bool) {
	scope := "pairwise"
	if group {
		scope = "group"
	}
	m.IntegrityFailures.WithLabelValues(scope).Inc()
}

// RecordCapture 记录读取的抓包帧
func (m *RxMetrics) RecordCapture(link string) {
	m.CaptureFrames.WithLabelValues(link).Inc()
}

// RecordDecodeError 记录解码失败
func (m *RxMetrics) RecordDecodeError(kind string) {
	m.DecodeErrors.WithLabelValues(kind).Inc()
}
