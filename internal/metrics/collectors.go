// =============================================================================
// 文件: internal/metrics/collectors.go
// 描述: Prometheus 指标收集器定义
// =============================================================================
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mrcgq/wlanrx/internal/delivery"
	"github.com/mrcgq/wlanrx/internal/frame"
	"github.com/mrcgq/wlanrx/internal/rx"
)

const namespace = "wlanrx"

// =============================================================================
// 接收引擎收集器
// =============================================================================

// EngineStats 引擎统计数据接口
type EngineStats interface {
	Stats() rx.Stats
	Capacity() (reassembly, windows, stations int)
}

// QueueStats 交付队列统计数据接口
type QueueStats interface {
	Stats() delivery.Stats
}

// RxCollector 接收路径指标收集器
type RxCollector struct {
	engine EngineStats
	queue  QueueStats

	receivedDesc  *prometheus.Desc
	forwardedDesc *prometheus.Desc
	discardedDesc *prometheus.Desc
	barsDesc      *prometheus.Desc
	barsIgnDesc   *prometheus.Desc

	stationsDesc   *prometheus.Desc
	stationCapDesc *prometheus.Desc

	dupChecksDesc *prometheus.Desc
	dupHitsDesc   *prometheus.Desc

	// 分片重组
	defragActiveDesc    *prometheus.Desc
	defragCapDesc       *prometheus.Desc
	defragCompletedDesc *prometheus.Desc
	defragEvictedDesc   *prometheus.Desc
	defragTimeoutsDesc  *prometheus.Desc
	micFailuresDesc     *prometheus.Desc

	// 重排序
	windowsDesc      *prometheus.Desc
	windowCapDesc    *prometheus.Desc
	reorderBufDesc   *prometheus.Desc
	reorderFlushDesc *prometheus.Desc
	reorderSkipDesc  *prometheus.Desc

	// 交付队列
	queueLenDesc      *prometheus.Desc
	queueCapDesc      *prometheus.Desc
	queueHighDesc     *prometheus.Desc
	queueOverflowDesc *prometheus.Desc
	queueDroppedDesc  *prometheus.Desc
}

func newDesc(subsystem, name, help string, labels ...string) *prometheus.Desc {
	return prometheus.NewDesc(prometheus.BuildFQName(namespace, subsystem, name), help, labels, nil)
}

// NewRxCollector 创建收集器
func NewRxCollector(engine EngineStats, queue QueueStats) *RxCollector {
	return &RxCollector{
		engine: engine,
		queue:  queue,

		receivedDesc:  newDesc("rx", "frames_received_total", "Frames submitted to the receive path"),
		forwardedDesc: newDesc("rx", "frames_forwarded_total", "Frames forwarded to the upper layer"),
		discardedDesc: newDesc("rx", "frames_discarded_total", "Frames discarded, by reason", "reason"),
		barsDesc:      newDesc("rx", "block_ack_requests_total", "Block Ack Requests received"),
		barsIgnDesc:   newDesc("rx", "block_ack_requests_ignored_total", "Block Ack Requests without an agreement"),

		stationsDesc:   newDesc("station", "associated", "Associated stations"),
		stationCapDesc: newDesc("station", "capacity", "Station table capacity"),

		dupChecksDesc: newDesc("dedup", "checks_total", "Duplicate filter checks"),
		dupHitsDesc:   newDesc("dedup", "duplicates_total", "Duplicates detected"),

		defragActiveDesc:    newDesc("reassembly", "active", "Reassembly contexts in use"),
		defragCapDesc:       newDesc("reassembly", "capacity", "Reassembly context pool size"),
		defragCompletedDesc: newDesc("reassembly", "completed_total", "MSDUs reassembled"),
		defragEvictedDesc:   newDesc("reassembly", "evicted_total", "Contexts evicted on pool exhaustion"),
		defragTimeoutsDesc:  newDesc("reassembly", "timeouts_total", "Contexts released by timeout"),
		micFailuresDesc:     newDesc("reassembly", "mic_failures_total", "Michael MIC verification failures"),

		windowsDesc:      newDesc("reorder", "windows", "Active reorder windows"),
		windowCapDesc:    newDesc("reorder", "capacity", "Reorder window pool size"),
		reorderBufDesc:   newDesc("reorder", "buffered_total", "Frames buffered out of order"),
		reorderFlushDesc: newDesc("reorder", "flushed_total", "Frames released by window slide"),
		reorderSkipDesc:  newDesc("reorder", "timeout_skips_total", "Sequence numbers skipped by timeout"),

		queueLenDesc:      newDesc("delivery", "queue_length", "Verdicts waiting for transfer"),
		queueCapDesc:      newDesc("delivery", "queue_capacity", "Delivery queue capacity"),
		queueHighDesc:     newDesc("delivery", "queue_high_water", "Largest observed queue length"),
		queueOverflowDesc: newDesc("delivery", "overflows_total", "Inline transfers caused by a full queue"),
		queueDroppedDesc:  newDesc("delivery", "dropped_total", "Overrun verdicts lost because the queue was full"),
	}
}

// Describe 实现 prometheus.Collector 接口
func (c *RxCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.receivedDesc, c.forwardedDesc, c.discardedDesc, c.barsDesc, c.barsIgnDesc,
		c.stationsDesc, c.stationCapDesc, c.dupChecksDesc, c.dupHitsDesc,
		c.defragActiveDesc, c.defragCapDesc, c.defragCompletedDesc, c.defragEvictedDesc,
		c.defragTimeoutsDesc, c.micFailuresDesc,
		c.windowsDesc, c.windowCapDesc, c.reorderBufDesc, c.reorderFlushDesc, c.reorderSkipDesc,
		c.queueLenDesc, c.queueCapDesc, c.queueHighDesc, c.queueOverflowDesc, c.queueDroppedDesc,
	} {
		ch <- d
	}
}

// Collect 实现 prometheus.Collector 接口
func (c *RxCollector) Collect(ch chan<- prometheus.Metric) {
	counter := func(d *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}
	gauge := func(d *prometheus.Desc, v int) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, float64(v))
	}

	st := c.engine.Stats()
	reassemblyCap, windowCap, stationCap := c.engine.Capacity()

	counter(c.receivedDesc, st.Received)
	counter(c.forwardedDesc, st.Forwarded)
	for r := frame.ReasonHardwareError; r < frame.NumReasons; r++ {
		counter(c.discardedDesc, st.Discards[r], r.String())
	}
	counter(c.barsDesc, st.BARs)
	counter(c.barsIgnDesc, st.BARsIgnored)

	gauge(c.stationsDesc, st.Stations)
	gauge(c.stationCapDesc, stationCap)

	counter(c.dupChecksDesc, st.Dedup.Checks)
	counter(c.dupHitsDesc, st.Dedup.Duplicates)

	gauge(c.defragActiveDesc, st.Reassembly.Active)
	gauge(c.defragCapDesc, reassemblyCap)
	counter(c.defragCompletedDesc, st.Reassembly.Completed)
	counter(c.defragEvictedDesc, st.Reassembly.Evicted)
	counter(c.defragTimeoutsDesc, st.Reassembly.Timeouts)
	counter(c.micFailuresDesc, st.Reassembly.MICFailures)

	gauge(c.windowsDesc, st.Reorder.Windows)
	gauge(c.windowCapDesc, windowCap)
	counter(c.reorderBufDesc, st.Reorder.Buffered)
	counter(c.reorderFlushDesc, st.Reorder.Flushed)
	counter(c.reorderSkipDesc, st.Reorder.TimeoutSkips)

	if c.queue != nil {
		qs := c.queue.Stats()
		gauge(c.queueLenDesc, qs.Len)
		gauge(c.queueCapDesc, qs.Cap)
		gauge(c.queueHighDesc, qs.HighWater)
		counter(c.queueOverflowDesc, qs.Overflows)
		counter(c.queueDroppedDesc, qs.Dropped)
	}
}
