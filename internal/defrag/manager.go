// =============================================================================
// 文件: internal/defrag/manager.go
// 描述: 分片重组管理 - 池化上下文、LRU 淘汰、超时丢弃、跨分片 Michael 校验
// =============================================================================
package defrag

import (
	"errors"
	"sync/atomic"
	"time"

	list "github.com/bahlo/generic-list-go"
	"github.com/decred/slog"

	"github.com/mrcgq/wlanrx/internal/crypto"
	"github.com/mrcgq/wlanrx/internal/frame"
	"github.com/mrcgq/wlanrx/internal/logging"
	"github.com/mrcgq/wlanrx/internal/pool"
	"github.com/mrcgq/wlanrx/internal/timer"
)

// Outcome 处理结果
type Outcome uint8

const (
	// Buffered 分片已缓存，等待后续分片
	Buffered Outcome = iota
	// Bypass 未分片，直接继续
	Bypass
	// Complete 最后一个分片到达，返回完整 MSDU
	Complete
	// Dropped 丢弃，附带原因
	Dropped
)

func (o Outcome) String() string {
	switch o {
	case Buffered:
		return "buffered"
	case Bypass:
		return "bypass"
	case Complete:
		return "complete"
	case Dropped:
		return "dropped"
	}
	return "unknown"
}

const (
	// maxFragments 分片号 4 位
	maxFragments = 16
	// poisoned 乱序后的 next_fn，任何分片号都无法匹配
	poisoned = 0xff

	DefaultPoolSize = 4
	DefaultTimeout  = 100 * time.Millisecond
)

// Config 重组配置
type Config struct {
	PoolSize int
	Timeout  time.Duration
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		PoolSize: DefaultPoolSize,
		Timeout:  DefaultTimeout,
	}
}

// Stats 统计信息
type Stats struct {
	Bypassed    uint64
	Buffered    uint64
	Completed   uint64
	Dropped     uint64
	Evicted     uint64
	Timeouts    uint64
	MICFailures uint64
	Active      int
}

// reassembly 重组上下文
type reassembly struct {
	station int
	tid     uint8
	sn      uint16

	nextFn uint8
	frags  int
	lastPN uint64

	first frame.Descriptor
	body  []byte
	mic   *crypto.MICVerifier

	elem *list.Element[pool.Handle]
}

// Manager 分片重组管理器
// Process/OnTimeout/PurgeStation 只能在事件循环中调用
type Manager struct {
	arena    *pool.Arena[reassembly]
	lru      *list.List[pool.Handle]
	timers   *timer.Service
	timeout  time.Duration
	sink     frame.Sink
	notifier frame.SecurityNotifier
	log      slog.Logger

	bypassed    uint64
	buffered    uint64
	completed   uint64
	dropped     uint64
	evicted     uint64
	timeouts    uint64
	micFailures uint64
}

// NewManager 创建管理器
// sink 接收淘汰与超时产生的丢弃，notifier 可为 nil
func NewManager(cfg Config, timers *timer.Service, sink frame.Sink, notifier frame.SecurityNotifier, log slog.Logger) *Manager {
	if cfg.PoolSize < 1 {
		cfg.PoolSize = DefaultPoolSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Manager{
		arena:    pool.NewArena[reassembly](cfg.PoolSize),
		lru:      list.New[pool.Handle](),
		timers:   timers,
		timeout:  cfg.Timeout,
		sink:     sink,
		notifier: notifier,
		log:      logging.OrDisabled(log),
	}
}

func timerID(h pool.Handle) timer.ID {
	return timer.ID{Kind: timer.KindReassembly, Handle: h}
}

func micPriority(d *frame.Descriptor) uint8 {
	if d.QoS {
		return d.TID & 0x07
	}
	return 0
}

func needsMIC(d *frame.Descriptor) bool {
	return d.Key != nil && d.Key.Suite.NeedsMIC() && d.Kind == frame.KindData
}

// Process 处理一个数据帧
func (m *Manager) Process(station int, d *frame.Descriptor) (Outcome, *frame.Descriptor, frame.Reason) {
	if !d.MoreFrag && d.FN == 0 {
		return m.bypass(d)
	}
	if d.FN == 0 {
		return m.start(station, d)
	}
	return m.extend(station, d)
}

// bypass 未分片帧，TKIP 时直接校验 MIC
func (m *Manager) bypass(d *frame.Descriptor) (Outcome, *frame.Descriptor, frame.Reason) {
	if needsMIC(d) {
		if len(d.Body) < crypto.MICSize {
			// 放不下 MIC，按畸形帧丢弃，不触发安全事件
			atomic.AddUint64(&m.dropped, 1)
			return Dropped, d, frame.ReasonMalformed
		}
		v := crypto.NewMICVerifier(d.Key.RxMICKey, d.DA, d.SA, micPriority(d))
		v.Write(d.Body)
		if !v.Verify() {
			m.integrityFailure(d, d.PN)
			atomic.AddUint64(&m.dropped, 1)
			return Dropped, d, frame.ReasonIntegrity
		}
		d.Body = d.Body[:len(d.Body)-crypto.MICSize]
	}
	atomic.AddUint64(&m.bypassed, 1)
	return Bypass, d, frame.ReasonNone
}

// find 查找匹配的上下文
func (m *Manager) find(station int, tid uint8, sn uint16) (pool.Handle, *reassembly) {
	for e := m.lru.Back(); e != nil; e = e.Prev() {
		r, ok := m.arena.Get(e.Value)
		if ok && r.station == station && r.tid == tid && r.sn == sn {
			return e.Value, r
		}
	}
	return pool.Handle{}, nil
}

// start 第一个分片：分配上下文并启动定时器，池满时淘汰最久未活动的上下文
func (m *Manager) start(station int, d *frame.Descriptor) (Outcome, *frame.Descriptor, frame.Reason) {
	if h, r := m.find(station, d.TID, d.SN); r != nil {
		// 同一 MSDU 重新开始
		m.release(h, r, frame.ReasonFragmentOrder)
	}

	h, r, err := m.arena.Alloc()
	if errors.Is(err, pool.ErrExhausted) {
		m.evictOldest()
		h, r, err = m.arena.Alloc()
	}
	if err != nil {
		atomic.AddUint64(&m.dropped, 1)
		return Dropped, d, frame.ReasonFragmentEvicted
	}

	r.station = station
	r.tid = d.TID
	r.sn = d.SN
	r.nextFn = 1
	r.frags = 1
	r.lastPN = d.PN
	r.first = *d
	r.body = append(make([]byte, 0, len(d.Body)*2), d.Body...)
	if needsMIC(d) {
		r.mic = crypto.NewMICVerifier(d.Key.RxMICKey, d.DA, d.SA, micPriority(d))
		r.mic.Write(d.Body)
	}
	r.elem = m.lru.PushBack(h)

	m.timers.After(timerID(h), m.timeout)
	atomic.AddUint64(&m.buffered, 1)
	return Buffered, nil, frame.ReasonNone
}

// extend 后续分片
func (m *Manager) extend(station int, d *frame.Descriptor) (Outcome, *frame.Descriptor, frame.Reason) {
	h, r := m.find(station, d.TID, d.SN)
	if r == nil {
		atomic.AddUint64(&m.dropped, 1)
		return Dropped, d, frame.ReasonFragmentOrder
	}

	if d.FN != r.nextFn || d.FN >= maxFragments {
		// 乱序：上下文作废，剩余分片一律拒绝，等待超时释放
		r.nextFn = poisoned
		atomic.AddUint64(&m.dropped, 1)
		m.log.Debugf("Out of order fragment sta=%d tid=%d sn=%d fn=%d", station, d.TID, d.SN, d.FN)
		return Dropped, d, frame.ReasonFragmentOrder
	}
	if d.Key != nil && d.Key.Suite.NeedsReplayCheck() && d.PN != r.lastPN+1 {
		atomic.AddUint64(&m.dropped, 1)
		return Dropped, d, frame.ReasonFragmentPN
	}

	r.body = append(r.body, d.Body...)
	if r.mic != nil {
		r.mic.Write(d.Body)
	}
	r.nextFn++
	r.frags++
	r.lastPN = d.PN
	m.lru.MoveToBack(r.elem)

	if d.MoreFrag {
		atomic.AddUint64(&m.buffered, 1)
		return Buffered, nil, frame.ReasonNone
	}

	out := r.first
	out.Body = r.body
	out.MoreFrag = false
	out.Retry = d.Retry
	out.PN = d.PN
	out.Fragments = r.frags
	out.Received = d.Received

	if r.mic != nil {
		if len(out.Body) < crypto.MICSize {
			m.free(h, r)
			atomic.AddUint64(&m.dropped, 1)
			return Dropped, &out, frame.ReasonMalformed
		}
		if !r.mic.Verify() {
			m.integrityFailure(&out, d.PN)
			m.free(h, r)
			atomic.AddUint64(&m.dropped, 1)
			return Dropped, &out, frame.ReasonIntegrity
		}
		out.Body = out.Body[:len(out.Body)-crypto.MICSize]
	}

	m.free(h, r)
	atomic.AddUint64(&m.completed, 1)
	return Complete, &out, frame.ReasonNone
}

func (m *Manager) integrityFailure(d *frame.Descriptor, pn uint64) {
	atomic.AddUint64(&m.micFailures, 1)
	m.log.Warnf("Michael MIC failure from %s tid=%d pn=%d", d.TA, d.TID, pn)
	if m.notifier == nil {
		return
	}
	ev := frame.IntegrityEvent{
		Station:  d.TA,
		TID:      d.TID,
		PN:       pn,
		KeyIndex: d.KeyIndex,
		Group:    d.Group(),
		At:       d.Received,
	}
	if ev.At.IsZero() {
		ev.At = m.timers.Now()
	}
	m.notifier.IntegrityFailure(ev)
}

// evictOldest 淘汰最久未活动的上下文
func (m *Manager) evictOldest() {
	e := m.lru.Front()
	if e == nil {
		return
	}
	r, ok := m.arena.Get(e.Value)
	if !ok {
		m.lru.Remove(e)
		return
	}
	m.log.Warnf("Reassembly pool exhausted, evicting sta=%d tid=%d sn=%d", r.station, r.tid, r.sn)
	atomic.AddUint64(&m.evicted, 1)
	m.release(e.Value, r, frame.ReasonFragmentEvicted)
}

// release 丢弃部分 MSDU 并归还上下文
func (m *Manager) release(h pool.Handle, r *reassembly, reason frame.Reason) {
	partial := r.first
	partial.Body = r.body
	partial.Fragments = r.frags
	m.free(h, r)
	if m.sink != nil {
		m.sink.Discard(&partial, reason)
	}
}

func (m *Manager) free(h pool.Handle, r *reassembly) {
	m.timers.Clear(timerID(h))
	if r.elem != nil {
		m.lru.Remove(r.elem)
	}
	m.arena.Free(h)
}

// OnTimeout 重组超时，过期句柄为空操作
func (m *Manager) OnTimeout(h pool.Handle) bool {
	r, ok := m.arena.Get(h)
	if !ok {
		return false
	}
	atomic.AddUint64(&m.timeouts, 1)
	m.log.Debugf("Reassembly timeout sta=%d tid=%d sn=%d next_fn=%d", r.station, r.tid, r.sn, r.nextFn)
	m.release(h, r, frame.ReasonFragmentTimeout)
	return true
}

// PurgeStation 释放站点的全部上下文
func (m *Manager) PurgeStation(station int) int {
	var victims []pool.Handle
	for e := m.lru.Front(); e != nil; e = e.Next() {
		if r, ok := m.arena.Get(e.Value); ok && r.station == station {
			victims = append(victims, e.Value)
		}
	}
	for _, h := range victims {
		if r, ok := m.arena.Get(h); ok {
			m.release(h, r, frame.ReasonTornDown)
		}
	}
	return len(victims)
}

// Active 在用上下文数量
func (m *Manager) Active() int {
	return m.arena.InUse()
}

// Cap 池容量
func (m *Manager) Cap() int {
	return m.arena.Cap()
}

// Stats 统计快照
func (m *Manager) Stats() Stats {
	return Stats{
		Bypassed:    atomic.LoadUint64(&m.bypassed),
		Buffered:    atomic.LoadUint64(&m.buffered),
		Completed:   atomic.LoadUint64(&m.completed),
		Dropped:     atomic.LoadUint64(&m.dropped),
		Evicted:     atomic.LoadUint64(&m.evicted),
		Timeouts:    atomic.LoadUint64(&m.timeouts),
		MICFailures: atomic.LoadUint64(&m.micFailures),
		Active:      m.arena.InUse(),
	}
}
