// =============================================================================
// 文件: internal/rx/engine.go
// 描述: 接收引擎 - 准入分类、重复过滤、分片重组、重排序窗口、重放检查
// =============================================================================
package rx

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/decred/slog"

	"github.com/mrcgq/wlanrx/internal/crypto"
	"github.com/mrcgq/wlanrx/internal/dedup"
	"github.com/mrcgq/wlanrx/internal/defrag"
	"github.com/mrcgq/wlanrx/internal/frame"
	"github.com/mrcgq/wlanrx/internal/logging"
	"github.com/mrcgq/wlanrx/internal/pool"
	"github.com/mrcgq/wlanrx/internal/reorder"
	"github.com/mrcgq/wlanrx/internal/station"
	"github.com/mrcgq/wlanrx/internal/timer"
)

var (
	// ErrAgreementExists 该 TID 已建立 Block Ack
	ErrAgreementExists = errors.New("block ack agreement exists")
	// ErrNoAgreement 该 TID 未建立 Block Ack
	ErrNoAgreement = errors.New("no block ack agreement")
	// ErrInvalidTID TID 越界
	ErrInvalidTID = errors.New("invalid tid")
)

// Config 引擎配置
type Config struct {
	Reassembly defrag.Config
	Reorder    reorder.Config
	// 未关联来源的近期序列记录，0 表示关闭
	UnknownHistory time.Duration
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		Reassembly: defrag.DefaultConfig(),
		Reorder:    reorder.DefaultConfig(),
	}
}

// Stats 引擎统计快照
type Stats struct {
	Received    uint64
	Forwarded   uint64
	Discards    [frame.NumReasons]uint64
	BARs        uint64
	BARsIgnored uint64
	Stations    int
	Dedup       dedup.Stats
	Reassembly  defrag.Stats
	Reorder     reorder.Stats
}

// TotalDiscards 丢弃总数
func (s Stats) TotalDiscards() uint64 {
	var n uint64
	for _, v := range s.Discards {
		n += v
	}
	return n
}

// countingSink 统计所有经过的结论
type countingSink struct {
	next      frame.Sink
	forwarded uint64
	discards  [frame.NumReasons]uint64
}

func (c *countingSink) Forward(d *frame.Descriptor) {
	atomic.AddUint64(&c.forwarded, 1)
	c.next.Forward(d)
}

func (c *countingSink) Discard(d *frame.Descriptor, r frame.Reason) {
	if r < frame.NumReasons {
		atomic.AddUint64(&c.discards[r], 1)
	}
	c.next.Discard(d, r)
}

// tryDiscarder 不阻塞的丢弃入口 (delivery.Queue)
type tryDiscarder interface {
	TryDiscard(d *frame.Descriptor, r frame.Reason) bool
}

// tryDiscard 下游支持时不阻塞入队；结论总会计入 discards，
// 下游已满而未能交付时返回 false
func (c *countingSink) tryDiscard(d *frame.Descriptor, r frame.Reason) bool {
	td, ok := c.next.(tryDiscarder)
	if !ok {
		c.Discard(d, r)
		return true
	}
	atomic.AddUint64(&c.discards[r], 1)
	return td.TryDiscard(d, r)
}

// Engine 接收决策引擎
// HandleFrame/HandleTimer 及控制操作只能在同一个 goroutine 中调用 (见 Dispatcher)
type Engine struct {
	reg     *station.Registry
	dup     *dedup.Filter
	defrag  *defrag.Manager
	reorder *reorder.Manager
	timers  *timer.Service
	sink    *countingSink
	log     slog.Logger

	received    uint64
	bars        uint64
	barsIgnored uint64
}

// NewEngine 创建引擎
// sink 为交付目标 (通常是交付队列)，notifier 接收完整性失败事件，可为 nil
func NewEngine(cfg Config, reg *station.Registry, timers *timer.Service, sink frame.Sink,
	notifier frame.SecurityNotifier, backend *logging.Backend) *Engine {

	logger := func(subsys string) slog.Logger {
		if backend == nil {
			return slog.Disabled
		}
		return backend.Logger(subsys)
	}

	var history *dedup.History
	if cfg.UnknownHistory > 0 {
		history = dedup.NewHistory(timers.Clock(), cfg.UnknownHistory/4)
	}

	cs := &countingSink{next: sink}
	return &Engine{
		reg:     reg,
		dup:     dedup.NewFilter(history),
		defrag:  defrag.NewManager(cfg.Reassembly, timers, cs, notifier, logger(logging.SubsysDefrag)),
		reorder: reorder.NewManager(cfg.Reorder, timers, cs, logger(logging.SubsysReorder)),
		timers:  timers,
		sink:    cs,
		log:     logger(logging.SubsysEngine),
	}
}

// Registry 站点注册表
func (e *Engine) Registry() *station.Registry { return e.reg }

// Timers 定时器服务
func (e *Engine) Timers() *timer.Service { return e.timers }

// discard 以指定原因丢弃
func (e *Engine) discard(d *frame.Descriptor, r frame.Reason) {
	e.log.Tracef("Drop %s: %s", d, r)
	e.sink.Discard(d, r)
}

// HandleFrame 处理一个接收帧，ok 为硬件接收状态
func (e *Engine) HandleFrame(d *frame.Descriptor, ok bool) {
	atomic.AddUint64(&e.received, 1)

	if !ok {
		e.discard(d, frame.ReasonHardwareError)
		return
	}

	sta, known := e.reg.Lookup(d.TA)
	if !known {
		e.handleUnknown(d)
		return
	}

	if d.Kind == frame.KindCtrl {
		e.handleControl(sta, d)
		return
	}

	if d.Protected {
		if r := e.resolveKey(sta, d); r != frame.ReasonNone {
			e.discard(d, r)
			return
		}
	}

	switch d.Kind {
	case frame.KindMgmt:
		if e.dup.IsDuplicate(&sta.Dup, dedup.NonQoS, d.Retry, d.SeqCtrl()) {
			e.discard(d, frame.ReasonDuplicate)
			return
		}
		frame.Deliver(e.sink, d)
	case frame.KindData:
		e.handleData(sta, d)
	default:
		e.discard(d, frame.ReasonMalformed)
	}
}

// handleUnknown 未关联来源只接受管理帧
func (e *Engine) handleUnknown(d *frame.Descriptor) {
	if d.Kind != frame.KindMgmt {
		e.discard(d, frame.ReasonUnauthorized)
		return
	}
	if d.Protected {
		// 共享密钥认证等场景：只能使用接口默认密钥
		if !d.Decrypted {
			e.discard(d, frame.ReasonDecryptFailed)
			return
		}
		key := e.reg.GroupKey(d.KeyIndex)
		if key == nil {
			e.discard(d, frame.ReasonUnauthorized)
			return
		}
		d.Key = key
	}
	if e.dup.IsDuplicateUnknown(d.TA, d.Retry, d.SeqCtrl()) {
		e.discard(d, frame.ReasonDuplicate)
		return
	}
	e.sink.Forward(d)
}

// resolveKey 解析密钥并提取 PN
func (e *Engine) resolveKey(sta *station.Station, d *frame.Descriptor) frame.Reason {
	if !d.Decrypted {
		return frame.ReasonDecryptFailed
	}
	var key *crypto.KeyContext
	if d.Group() {
		key = e.reg.GroupKey(d.KeyIndex)
	} else {
		key = sta.Pairwise()
	}
	if key == nil {
		return frame.ReasonUnauthorized
	}
	if d.IVLen > 0 {
		if key.Suite.ExtIV() != (d.IVLen == 8) {
			return frame.ReasonMalformed
		}
		d.PN = key.Suite.ExtractPN(d.IV)
	}
	d.Key = key
	return frame.ReasonNone
}

func (e *Engine) handleControl(sta *station.Station, d *frame.Descriptor) {
	if d.BAR == nil {
		e.discard(d, frame.ReasonUnhandledControl)
		return
	}
	atomic.AddUint64(&e.bars, 1)
	tid := d.BAR.TID & 0x0f
	h := sta.Windows[tid]
	if !h.Valid() {
		atomic.AddUint64(&e.barsIgnored, 1)
		return
	}
	if err := e.reorder.OnBAR(h, d.BAR.SSN); err != nil {
		sta.Windows[tid] = pool.Handle{}
		atomic.AddUint64(&e.barsIgnored, 1)
	}
}

func (e *Engine) handleData(sta *station.Station, d *frame.Descriptor) {
	if d.NoData {
		e.discard(d, frame.ReasonNoData)
		return
	}

	tid := dedup.NonQoS
	if d.QoS {
		tid = int(d.TID & 0x0f)
	}
	if e.dup.IsDuplicate(&sta.Dup, tid, d.Retry, d.SeqCtrl()) {
		e.discard(d, frame.ReasonDuplicate)
		return
	}

	outcome, msdu, reason := e.defrag.Process(sta.Index, d)
	switch outcome {
	case defrag.Buffered:
		return
	case defrag.Dropped:
		e.discard(msdu, reason)
		return
	}

	if d.QoS && !msdu.Group() {
		if h := sta.Windows[msdu.TID&0x0f]; h.Valid() {
			if err := e.reorder.OnReceive(h, msdu); err != nil {
				e.discard(msdu, frame.ReasonTornDown)
			}
			return
		}
	}
	frame.Deliver(e.sink, msdu)
}

// HandleTimer 定时器到期事件
func (e *Engine) HandleTimer(id timer.ID) {
	switch id.Kind {
	case timer.KindReassembly:
		e.defrag.OnTimeout(id.Handle)
	case timer.KindReorder:
		e.reorder.OnTimeout(id.Handle)
	}
}

// Sweep 处理所有到期的定时器
func (e *Engine) Sweep(now time.Time) int {
	ids := e.timers.Expire(now)
	for _, id := range ids {
		e.HandleTimer(id)
	}
	return len(ids)
}

// Overrun 事件队列溢出时的丢弃，可在任意 goroutine 调用且不会阻塞
// 交付队列也满时结论不再上交，返回 false
func (e *Engine) Overrun(d *frame.Descriptor) bool {
	atomic.AddUint64(&e.received, 1)
	return e.sink.tryDiscard(d, frame.ReasonOverrun)
}

// =============================================================================
// 控制操作
// =============================================================================

// Associate 关联站点
func (e *Engine) Associate(addr frame.MAC) (*station.Station, error) {
	s, err := e.reg.Associate(addr)
	if err != nil {
		return nil, fmt.Errorf("关联 %s 失败: %w", addr, err)
	}
	e.log.Infof("Station %s associated (index %d)", addr, s.Index)
	return s, nil
}

// Disassociate 解除关联：释放重组上下文、拆除全部窗口
func (e *Engine) Disassociate(addr frame.MAC) error {
	s, err := e.reg.Disassociate(addr)
	if err != nil {
		return fmt.Errorf("解除关联 %s 失败: %w", addr, err)
	}
	purged := e.defrag.PurgeStation(s.Index)
	windows := 0
	for tid, h := range s.Windows {
		if h.Valid() && e.reorder.Delete(h) {
			windows++
		}
		s.Windows[tid] = pool.Handle{}
	}
	e.log.Infof("Station %s disassociated (reassembly=%d windows=%d)", addr, purged, windows)
	return nil
}

// AddBlockAck 建立 (站点, TID) 的重排序窗口
func (e *Engine) AddBlockAck(addr frame.MAC, tid uint8, ssn uint16, size int) error {
	if tid >= crypto.NumTIDs {
		return ErrInvalidTID
	}
	s, ok := e.reg.Lookup(addr)
	if !ok {
		return fmt.Errorf("%w: %s", station.ErrUnknownStation, addr)
	}
	if s.Windows[tid].Valid() {
		return fmt.Errorf("%w: %s tid=%d", ErrAgreementExists, addr, tid)
	}
	h, err := e.reorder.Create(s.Index, tid, ssn, size)
	if err != nil {
		return err
	}
	s.Windows[tid] = h
	e.log.Debugf("Block ack added %s tid=%d ssn=%d", addr, tid, ssn)
	return nil
}

// DelBlockAck 拆除 (站点, TID) 的重排序窗口
func (e *Engine) DelBlockAck(addr frame.MAC, tid uint8) error {
	if tid >= crypto.NumTIDs {
		return ErrInvalidTID
	}
	s, ok := e.reg.Lookup(addr)
	if !ok {
		return fmt.Errorf("%w: %s", station.ErrUnknownStation, addr)
	}
	h := s.Windows[tid]
	if !h.Valid() {
		return fmt.Errorf("%w: %s tid=%d", ErrNoAgreement, addr, tid)
	}
	e.reorder.Delete(h)
	s.Windows[tid] = pool.Handle{}
	e.log.Debugf("Block ack deleted %s tid=%d", addr, tid)
	return nil
}

// WindowState 窗口快照
func (e *Engine) WindowState(addr frame.MAC, tid uint8) (reorder.Snapshot, bool) {
	s, ok := e.reg.Lookup(addr)
	if !ok || tid >= crypto.NumTIDs {
		return reorder.Snapshot{}, false
	}
	return e.reorder.Snapshot(s.Windows[tid])
}

// Stats 统计快照，可在任意 goroutine 调用
func (e *Engine) Stats() Stats {
	s := Stats{
		Received:    atomic.LoadUint64(&e.received),
		Forwarded:   atomic.LoadUint64(&e.sink.forwarded),
		BARs:        atomic.LoadUint64(&e.bars),
		BARsIgnored: atomic.LoadUint64(&e.barsIgnored),
		Stations:    e.reg.Len(),
		Dedup:       e.dup.Stats(),
		Reassembly:  e.defrag.Stats(),
		Reorder:     e.reorder.Stats(),
	}
	for i := range s.Discards {
		s.Discards[i] = atomic.LoadUint64(&e.sink.discards[i])
	}
	return s
}

// Capacity 池容量 (重组上下文, 重排序窗口, 站点)
func (e *Engine) Capacity() (reassembly, windows, stations int) {
	return e.defrag.Cap(), e.reorder.Cap(), e.reg.Cap()
}
