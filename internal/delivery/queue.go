// =============================================================================
// 文件: internal/delivery/queue.go
// 描述: 交付队列 - 定长环形 FIFO，决策路径只入队，批量转交由延迟传输步骤完成
// =============================================================================
package delivery

import (
	"sync"
	"sync/atomic"

	"github.com/mrcgq/wlanrx/internal/frame"
)

// DefaultCapacity 默认队列容量
const DefaultCapacity = 256

// verdict 一条交付结论
type verdict struct {
	d       *frame.Descriptor
	reason  frame.Reason
	forward bool
}

// Stats 统计信息
type Stats struct {
	Enqueued    uint64
	Transferred uint64
	Forwarded   uint64
	Discarded   uint64
	// 队列满时由入队方同步转交的次数
	Overflows uint64
	// 队列满时 TryDiscard 直接丢掉的条数
	Dropped   uint64
	HighWater int
	Len       int
	Cap       int
}

// Queue 交付队列，实现 frame.Sink
type Queue struct {
	entries []verdict
	head    int
	count   int
	high    int
	mu      sync.Mutex

	// 转交串行化，保证 FIFO
	transferMu sync.Mutex
	upper      frame.Sink

	enqueued    uint64
	transferred uint64
	forwarded   uint64
	discarded   uint64
	overflows   uint64
	dropped     uint64
}

// NewQueue 创建交付队列，upper 为上层接收者
func NewQueue(capacity int, upper frame.Sink) *Queue {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	return &Queue{
		entries: make([]verdict, capacity),
		upper:   upper,
	}
}

// Forward 入队一个待转发帧
func (q *Queue) Forward(d *frame.Descriptor) {
	q.push(verdict{d: d, forward: true})
}

// Discard 入队一个丢弃结论
func (q *Queue) Discard(d *frame.Descriptor, r frame.Reason) {
	q.push(verdict{d: d, reason: r})
}

// TryDiscard 不阻塞地入队一个丢弃结论，队列满时计数并返回 false
// 不会进入 Transfer，可在硬件事件上下文调用
func (q *Queue) TryDiscard(d *frame.Descriptor, r frame.Reason) bool {
	if q.tryPush(verdict{d: d, reason: r}) {
		return true
	}
	atomic.AddUint64(&q.dropped, 1)
	return false
}

func (q *Queue) tryPush(v verdict) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.count == len(q.entries) {
		return false
	}
	idx := (q.head + q.count) % len(q.entries)
	q.entries[idx] = v
	q.count++
	if q.count > q.high {
		q.high = q.count
	}
	atomic.AddUint64(&q.enqueued, 1)
	return true
}

// push 队列已满时先同步转交再入队，只应在事件循环中使用
func (q *Queue) push(v verdict) {
	for !q.tryPush(v) {
		atomic.AddUint64(&q.overflows, 1)
		q.Transfer()
	}
}

// pop 取出最多 max 条
func (q *Queue) pop(buf []verdict) []verdict {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := q.count
	if n > cap(buf) {
		n = cap(buf)
	}
	buf = buf[:0]
	for i := 0; i < n; i++ {
		buf = append(buf, q.entries[q.head])
		q.entries[q.head] = verdict{}
		q.head = (q.head + 1) % len(q.entries)
	}
	q.count -= n
	return buf
}

// Transfer 把队列中的结论按 FIFO 顺序转交上层，返回转交条数
// 可在任意 goroutine 调用
func (q *Queue) Transfer() int {
	q.transferMu.Lock()
	defer q.transferMu.Unlock()

	batch := make([]verdict, 0, 32)
	total := 0
	for {
		batch = q.pop(batch)
		if len(batch) == 0 {
			break
		}
		for _, v := range batch {
			if v.forward {
				q.upper.Forward(v.d)
				atomic.AddUint64(&q.forwarded, 1)
			} else {
				q.upper.Discard(v.d, v.reason)
				atomic.AddUint64(&q.discarded, 1)
			}
		}
		total += len(batch)
	}
	atomic.AddUint64(&q.transferred, uint64(total))
	return total
}

// Len 当前长度
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Cap 容量
func (q *Queue) Cap() int {
	return len(q.entries)
}

// Stats 统计快照
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	n, high := q.count, q.high
	q.mu.Unlock()
	return Stats{
		Enqueued:    atomic.LoadUint64(&q.enqueued),
		Transferred: atomic.LoadUint64(&q.transferred),
		Forwarded:   atomic.LoadUint64(&q.forwarded),
		Discarded:   atomic.LoadUint64(&q.discarded),
		Overflows:   atomic.LoadUint64(&q.overflows),
		Dropped:     atomic.LoadUint64(&q.dropped),
		HighWater:   high,
		Len:         n,
		Cap:         len(q.entries),
	}
}
