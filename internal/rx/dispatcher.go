// =============================================================================
// 文件: internal/rx/dispatcher.go
// 描述: 事件分发 - 单写者事件循环，串行化帧、定时器与控制操作
// =============================================================================
package rx

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/decred/slog"

	"github.com/mrcgq/wlanrx/internal/delivery"
	"github.com/mrcgq/wlanrx/internal/frame"
	"github.com/mrcgq/wlanrx/internal/logging"
)

const (
	DefaultEventQueueSize = 1024
	DefaultSweepInterval  = 10 * time.Millisecond

	// 每次交付前最多连续处理的事件数
	maxBatch = 64
)

// ErrStopped 事件循环已退出
var ErrStopped = errors.New("dispatcher stopped")

// DispatcherConfig 分发器配置
type DispatcherConfig struct {
	EventQueueSize int
	SweepInterval  time.Duration
}

type event struct {
	d    *frame.Descriptor
	ok   bool
	ctl  func(*Engine) error
	done chan error
}

// Dispatcher 事件分发器
type Dispatcher struct {
	engine *Engine
	queue  *delivery.Queue
	events chan event
	sweep  time.Duration
	log    slog.Logger

	stopped  chan struct{}
	stopOnce sync.Once

	observer atomic.Value // func(time.Duration)
	overruns uint64
	sweeps   uint64
}

// NewDispatcher 创建分发器，queue 必须是引擎的交付目标
func NewDispatcher(cfg DispatcherConfig, engine *Engine, queue *delivery.Queue, log slog.Logger) *Dispatcher {
	if cfg.EventQueueSize < 1 {
		cfg.EventQueueSize = DefaultEventQueueSize
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	return &Dispatcher{
		engine:  engine,
		queue:   queue,
		events:  make(chan event, cfg.EventQueueSize),
		sweep:   cfg.SweepInterval,
		log:     logging.OrDisabled(log),
		stopped: make(chan struct{}),
	}
}

// SetObserver 设置决策延迟观察函数
func (p *Dispatcher) SetObserver(fn func(time.Duration)) {
	p.observer.Store(fn)
}

// Submit 提交接收帧，不阻塞；队列满时以 overrun 丢弃并返回 false
func (p *Dispatcher) Submit(d *frame.Descriptor, ok bool) bool {
	select {
	case p.events <- event{d: d, ok: ok}:
		return true
	default:
	}
	atomic.AddUint64(&p.overruns, 1)
	p.engine.Overrun(d)
	return false
}

// Do 在事件循环中执行控制操作并等待结果
// 返回前所有先提交的帧都已完成决策并交付
func (p *Dispatcher) Do(ctx context.Context, fn func(*Engine) error) error {
	done := make(chan error, 1)
	select {
	case p.events <- event{ctl: fn, done: done}:
	case <-p.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-done:
		return err
	case <-p.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending 事件队列中等待处理的数量
func (p *Dispatcher) Pending() int {
	return len(p.events)
}

// Cap 事件队列容量
func (p *Dispatcher) Cap() int {
	return cap(p.events)
}

// Overruns 溢出次数
func (p *Dispatcher) Overruns() uint64 {
	return atomic.LoadUint64(&p.overruns)
}

// Sweeps 定时器扫描次数
func (p *Dispatcher) Sweeps() uint64 {
	return atomic.LoadUint64(&p.sweeps)
}

func (p *Dispatcher) handle(ev event) {
	if ev.ctl != nil {
		err := ev.ctl(p.engine)
		p.queue.Transfer()
		ev.done <- err
		return
	}

	start := time.Now()
	p.engine.HandleFrame(ev.d, ev.ok)
	if fn, _ := p.observer.Load().(func(time.Duration)); fn != nil {
		fn(time.Since(start))
	}
}

// Run 运行事件循环直到 ctx 取消
// 退出前处理完已入队的事件并交付
func (p *Dispatcher) Run(ctx context.Context) error {
	clock := p.engine.Timers().Clock()
	ticker := clock.NewTicker(p.sweep)
	defer ticker.Stop()
	defer p.stopOnce.Do(func() { close(p.stopped) })

	p.log.Debugf("Dispatcher started (sweep=%v queue=%d)", p.sweep, cap(p.events))

	for {
		select {
		case <-ctx.Done():
			p.drain()
			p.log.Debugf("Dispatcher stopped")
			return nil

		case ev := <-p.events:
			p.handle(ev)
			for i := 1; i < maxBatch; i++ {
				select {
				case ev = <-p.events:
					p.handle(ev)
					continue
				default:
				}
				break
			}
			p.queue.Transfer()

		case <-ticker.Chan():
			atomic.AddUint64(&p.sweeps, 1)
			if n := p.engine.Sweep(p.engine.Timers().Now()); n > 0 {
				p.log.Tracef("Sweep expired %d timers", n)
			}
			p.queue.Transfer()
		}
	}
}

func (p *Dispatcher) drain() {
	for {
		select {
		case ev := <-p.events:
			if ev.ctl != nil {
				ev.done <- ErrStopped
				continue
			}
			p.handle(ev)
		default:
			p.engine.Sweep(p.engine.Timers().Now())
			p.queue.Transfer()
			return
		}
	}
}
