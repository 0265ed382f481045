// =============================================================================
// 文件: internal/dedup/history.go
// 描述: 未关联来源的近期序列记录 - 时间分片布隆过滤器
// =============================================================================
package dedup

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/jonboulle/clockwork"

	"github.com/mrcgq/wlanrx/internal/frame"
)

const (
	// 布隆过滤器参数
	historyExpectedItems = 4096
	historyFalsePositive = 0.001

	// 时间片配置
	defaultSliceDuration = 500 * time.Millisecond
	historySlices        = 4
)

// HistoryStats 统计信息
type HistoryStats struct {
	Observed  uint64
	Hits      uint64
	Rotations uint64
}

type historySlice struct {
	bloom *bloom.BloomFilter
	start time.Time
}

// History 按时间分片的 (源地址, 序列控制) 记录
// 每个时间片一个布隆过滤器，最旧的时间片到期后整体重建
type History struct {
	clock   clockwork.Clock
	slice   time.Duration
	slices  [historySlices]*historySlice
	current int
	stats   HistoryStats
	mu      sync.Mutex
}

// NewHistory 创建记录，sliceDuration<=0 使用默认值
func NewHistory(clock clockwork.Clock, sliceDuration time.Duration) *History {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if sliceDuration <= 0 {
		sliceDuration = defaultSliceDuration
	}
	h := &History{
		clock: clock,
		slice: sliceDuration,
	}
	now := clock.Now()
	for i := range h.slices {
		h.slices[i] = newHistorySlice(now)
	}
	return h
}

func newHistorySlice(start time.Time) *historySlice {
	return &historySlice{
		bloom: bloom.NewWithEstimates(historyExpectedItems, historyFalsePositive),
		start: start,
	}
}

func historyKey(src frame.MAC, seqCtrl uint16) []byte {
	var k [8]byte
	copy(k[:6], src[:])
	binary.LittleEndian.PutUint16(k[6:], seqCtrl)
	return k[:]
}

// rotate 当前时间片过期时切换到最旧的时间片并清空
func (h *History) rotate(now time.Time) {
	if now.Sub(h.slices[h.current].start) >= h.Horizon() {
		// 长时间空闲，全部清空并对齐到当前时间
		for _, s := range h.slices {
			s.bloom.ClearAll()
			s.start = now
		}
		h.stats.Rotations++
		return
	}
	for now.Sub(h.slices[h.current].start) >= h.slice {
		next := (h.current + 1) % historySlices
		h.slices[next].bloom.ClearAll()
		h.slices[next].start = h.slices[h.current].start.Add(h.slice)
		h.current = next
		h.stats.Rotations++
	}
}

// Observe 记录一次出现，返回此前是否已出现过
func (h *History) Observe(src frame.MAC, seqCtrl uint16) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.rotate(h.clock.Now())
	h.stats.Observed++

	key := historyKey(src, seqCtrl)
	for _, s := range h.slices {
		if s.bloom.Test(key) {
			h.slices[h.current].bloom.Add(key)
			h.stats.Hits++
			return true
		}
	}
	h.slices[h.current].bloom.Add(key)
	return false
}

// Horizon 记录保留时长
func (h *History) Horizon() time.Duration {
	return h.slice * historySlices
}

// Stats 统计快照
func (h *History) Stats() HistoryStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats
}
