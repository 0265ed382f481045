// =============================================================================
// 文件: internal/reorder/manager.go
// 描述: 重排序窗口管理 - 按序交付、窗口滑动、BAR 同步、超时跳过空洞
// =============================================================================
package reorder

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/decred/slog"

	"github.com/mrcgq/wlanrx/internal/frame"
	"github.com/mrcgq/wlanrx/internal/logging"
	"github.com/mrcgq/wlanrx/internal/pool"
	"github.com/mrcgq/wlanrx/internal/timer"
)

const (
	// MaxWindowSize HT 接收缓冲上限
	MaxWindowSize = 64

	DefaultWindowSize = 64
	DefaultPoolSize   = 8
	DefaultTimeout    = 50 * time.Millisecond
)

var (
	// ErrPoolExhausted 窗口池已满
	ErrPoolExhausted = errors.New("reorder window pool exhausted")
	// ErrUnknownWindow 窗口不存在或已拆除
	ErrUnknownWindow = errors.New("unknown reorder window")
)

// Config 重排序配置
type Config struct {
	PoolSize   int
	WindowSize int
	Timeout    time.Duration
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		PoolSize:   DefaultPoolSize,
		WindowSize: DefaultWindowSize,
		Timeout:    DefaultTimeout,
	}
}

// Snapshot 窗口状态快照
type Snapshot struct {
	Station  int
	TID      uint8
	State    State
	Size     int
	WinStart uint16
	Buffered int
}

// Stats 统计信息
type Stats struct {
	Received        uint64
	InOrder         uint64
	Buffered        uint64
	Forwarded       uint64
	Flushed         uint64
	Stale           uint64
	WindowDuplicate uint64
	Replays         uint64
	BARs            uint64
	TimeoutSkips    uint64
	Windows         int
}

// Manager 重排序窗口管理器
// 窗口从固定容量池分配，槽位数组与位图按池下标预分配
type Manager struct {
	arena   *pool.Arena[window]
	slots   [][]*frame.Descriptor
	bitmaps []*roaring.Bitmap

	maxSize int
	timeout time.Duration
	timers  *timer.Service
	sink    frame.Sink
	log     slog.Logger

	received        uint64
	inOrder         uint64
	buffered        uint64
	forwarded       uint64
	flushed         uint64
	stale           uint64
	windowDuplicate uint64
	replays         uint64
	bars            uint64
	timeoutSkips    uint64
}

// NewManager 创建管理器
func NewManager(cfg Config, timers *timer.Service, sink frame.Sink, log slog.Logger) *Manager {
	if cfg.PoolSize < 1 {
		cfg.PoolSize = DefaultPoolSize
	}
	if cfg.WindowSize < 1 || cfg.WindowSize > MaxWindowSize {
		cfg.WindowSize = DefaultWindowSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	m := &Manager{
		arena:   pool.NewArena[window](cfg.PoolSize),
		slots:   make([][]*frame.Descriptor, cfg.PoolSize),
		bitmaps: make([]*roaring.Bitmap, cfg.PoolSize),
		maxSize: cfg.WindowSize,
		timeout: cfg.Timeout,
		timers:  timers,
		sink:    sink,
		log:     logging.OrDisabled(log),
	}
	for i := range m.slots {
		m.slots[i] = make([]*frame.Descriptor, cfg.WindowSize)
		m.bitmaps[i] = roaring.New()
	}
	return m
}

func timerID(h pool.Handle) timer.ID {
	return timer.ID{Kind: timer.KindReorder, Handle: h}
}

// Create 建立窗口，size<=0 或超过上限时使用配置的窗口大小
func (m *Manager) Create(station int, tid uint8, ssn uint16, size int) (pool.Handle, error) {
	if size <= 0 || size > m.maxSize {
		size = m.maxSize
	}
	h, w, err := m.arena.Alloc()
	if err != nil {
		return pool.Handle{}, fmt.Errorf("%w: sta=%d tid=%d", ErrPoolExhausted, station, tid)
	}

	w.station = station
	w.tid = tid
	w.state = StateCreated
	w.size = size
	w.winStart = ssn & frame.SeqMask
	w.head = 0
	w.slots = m.slots[h.Index()][:size]
	w.occupied = m.bitmaps[h.Index()]
	w.occupied.Clear()
	w.lastProgress = m.timers.Now()

	m.log.Debugf("Reorder window created sta=%d tid=%d ssn=%d size=%d", station, tid, ssn, size)
	return h, nil
}

// Delete 拆除窗口，缓存中的帧以 torn_down 原因丢弃
func (m *Manager) Delete(h pool.Handle) bool {
	w, ok := m.arena.Get(h)
	if !ok {
		return false
	}
	m.timers.Clear(timerID(h))
	for i := 0; i < w.size && !w.occupied.IsEmpty(); i++ {
		idx := w.index(i)
		if w.has(idx) {
			m.sink.Discard(w.take(idx), frame.ReasonTornDown)
		}
	}
	m.log.Debugf("Reorder window deleted sta=%d tid=%d win_start=%d", w.station, w.tid, w.winStart)
	return m.arena.Free(h)
}

// release 交付一个帧 (惰性重放检查)
func (m *Manager) release(d *frame.Descriptor) {
	if frame.Deliver(m.sink, d) {
		atomic.AddUint64(&m.forwarded, 1)
	} else {
		atomic.AddUint64(&m.replays, 1)
	}
}

// drain 交付 winStart 起连续已缓存的帧
func (m *Manager) drain(w *window) {
	for !w.occupied.IsEmpty() && w.has(w.head) {
		m.release(w.take(w.head))
		w.advance(1)
	}
}

// flush 窗口前移 n 个序列号，途经的已缓存帧按序交付
func (m *Manager) flush(w *window, n int) {
	for n > 0 {
		if w.occupied.IsEmpty() {
			w.advance(n)
			return
		}
		if w.has(w.head) {
			m.release(w.take(w.head))
			atomic.AddUint64(&m.flushed, 1)
		}
		w.advance(1)
		n--
	}
}

// rearm 有缓存时保持定时器，无缓存时取消
func (m *Manager) rearm(h pool.Handle, w *window, wasEmpty bool) {
	if w.occupied.IsEmpty() {
		m.timers.Clear(timerID(h))
		return
	}
	if wasEmpty {
		w.lastProgress = m.timers.Now()
	}
	if wasEmpty || !m.timers.Armed(timerID(h)) {
		m.timers.Set(timerID(h), w.lastProgress.Add(m.timeout))
	}
}

// OnReceive 处理属于该窗口的数据帧，窗口不存在时返回 ErrUnknownWindow
func (m *Manager) OnReceive(h pool.Handle, d *frame.Descriptor) error {
	w, ok := m.arena.Get(h)
	if !ok {
		return ErrUnknownWindow
	}
	atomic.AddUint64(&m.received, 1)
	w.state = StateActive
	wasEmpty := w.occupied.IsEmpty()

	dist := int(frame.SeqSub(d.SN, w.winStart))
	switch {
	case dist >= frame.HalfSpace:
		// 落后于窗口 (含距离恰为半空间)
		atomic.AddUint64(&m.stale, 1)
		m.sink.Discard(d, frame.ReasonStale)
		return nil

	case dist == 0:
		atomic.AddUint64(&m.inOrder, 1)
		w.lastProgress = m.timers.Now()
		m.release(d)
		w.advance(1)
		m.drain(w)

	default:
		if dist >= w.size {
			// 前向滑动，使 sn 成为窗口最后一个位置
			m.flush(w, dist-w.size+1)
			dist = w.size - 1
		}
		idx := w.index(dist)
		if w.has(idx) {
			atomic.AddUint64(&m.windowDuplicate, 1)
			m.sink.Discard(d, frame.ReasonWindowDuplicate)
			return nil
		}
		w.put(idx, d)
		atomic.AddUint64(&m.buffered, 1)
		m.drain(w)
	}

	m.rearm(h, w, wasEmpty)
	return nil
}

// OnBAR 对端声明新的起始序列号
// 距离为 0 或位于后半空间时不做处理
func (m *Manager) OnBAR(h pool.Handle, ssn uint16) error {
	w, ok := m.arena.Get(h)
	if !ok {
		return ErrUnknownWindow
	}
	atomic.AddUint64(&m.bars, 1)
	w.state = StateActive

	dist := int(frame.SeqSub(ssn, w.winStart))
	if dist == 0 || dist >= frame.HalfSpace {
		return nil
	}
	wasEmpty := w.occupied.IsEmpty()
	m.flush(w, dist)
	m.drain(w)
	m.rearm(h, w, wasEmpty)
	return nil
}

// OnTimeout 定时器到期：空洞超过时限则跳过一个序列号并交付随后的连续帧
// 过期句柄为空操作
func (m *Manager) OnTimeout(h pool.Handle) bool {
	w, ok := m.arena.Get(h)
	if !ok {
		return false
	}
	if w.occupied.IsEmpty() {
		return true
	}

	now := m.timers.Now()
	if now.Sub(w.lastProgress) < m.timeout {
		m.timers.Set(timerID(h), w.lastProgress.Add(m.timeout))
		return true
	}

	if !w.has(w.head) {
		m.log.Debugf("Reorder timeout sta=%d tid=%d skipping sn=%d", w.station, w.tid, w.winStart)
		atomic.AddUint64(&m.timeoutSkips, 1)
		w.advance(1)
	}
	m.drain(w)
	w.lastProgress = now
	if !w.occupied.IsEmpty() {
		m.timers.Set(timerID(h), now.Add(m.timeout))
	}
	return true
}

// Snapshot 窗口状态
func (m *Manager) Snapshot(h pool.Handle) (Snapshot, bool) {
	w, ok := m.arena.Get(h)
	if !ok {
		return Snapshot{}, false
	}
	return Snapshot{
		Station:  w.station,
		TID:      w.tid,
		State:    w.state,
		Size:     w.size,
		WinStart: w.winStart,
		Buffered: w.buffered(),
	}, true
}

// Windows 在用窗口数量
func (m *Manager) Windows() int {
	return m.arena.InUse()
}

// Cap 池容量
func (m *Manager) Cap() int {
	return m.arena.Cap()
}

// Stats 统计快照
func (m *Manager) Stats() Stats {
	return Stats{
		Received:        atomic.LoadUint64(&m.received),
		InOrder:         atomic.LoadUint64(&m.inOrder),
		Buffered:        atomic.LoadUint64(&m.buffered),
		Forwarded:       atomic.LoadUint64(&m.forwarded),
		Flushed:         atomic.LoadUint64(&m.flushed),
		Stale:           atomic.LoadUint64(&m.stale),
		WindowDuplicate: atomic.LoadUint64(&m.windowDuplicate),
		Replays:         atomic.LoadUint64(&m.replays),
		BARs:            atomic.LoadUint64(&m.bars),
		TimeoutSkips:    atomic.LoadUint64(&m.timeoutSkips),
		Windows:         m.arena.InUse(),
	}
}
