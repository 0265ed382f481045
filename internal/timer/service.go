// =============================================================================
// 文件: internal/timer/service.go
// 描述: 定时器服务 - 以池句柄为键的截止时间堆，由事件循环主动扫描到期项
// =============================================================================
package timer

import (
	"container/heap"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/mrcgq/wlanrx/internal/pool"
)

// Kind 定时器归属
type Kind uint8

const (
	KindReassembly Kind = iota + 1
	KindReorder
)

func (k Kind) String() string {
	switch k {
	case KindReassembly:
		return "reassembly"
	case KindReorder:
		return "reorder"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// ID 定时器标识：归属 + 池句柄
type ID struct {
	Kind   Kind
	Handle pool.Handle
}

type entry struct {
	id       ID
	deadline time.Time
	seq      uint64
	index    int
}

type deadlineHeap []*entry

func (h deadlineHeap) Len() int { return len(h) }
func (h deadlineHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}
func (h deadlineHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *deadlineHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *deadlineHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Service 定时器服务
type Service struct {
	clock   clockwork.Clock
	heap    deadlineHeap
	entries map[ID]*entry
	seq     uint64

	mu sync.Mutex
}

// NewService 创建定时器服务，clock 为 nil 时使用真实时钟
func NewService(clock clockwork.Clock) *Service {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Service{
		clock:   clock,
		entries: make(map[ID]*entry),
	}
}

// Now 当前时间
func (s *Service) Now() time.Time {
	return s.clock.Now()
}

// Clock 底层时钟
func (s *Service) Clock() clockwork.Clock {
	return s.clock
}

// Set 设置截止时间，已存在则替换
func (s *Service) Set(id ID, deadline time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	if e, ok := s.entries[id]; ok {
		e.deadline = deadline
		e.seq = s.seq
		heap.Fix(&s.heap, e.index)
		return
	}
	e := &entry{id: id, deadline: deadline, seq: s.seq}
	heap.Push(&s.heap, e)
	s.entries[id] = e
}

// After 在 d 之后到期
func (s *Service) After(id ID, d time.Duration) {
	s.Set(id, s.clock.Now().Add(d))
}

// Clear 取消定时器，不存在时为空操作
func (s *Service) Clear(id ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return false
	}
	heap.Remove(&s.heap, e.index)
	delete(s.entries, id)
	return true
}

// Armed 是否已设置
func (s *Service) Armed(id ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[id]
	return ok
}

// Expire 取出所有截止时间不晚于 now 的定时器，按截止时间排序
func (s *Service) Expire(now time.Time) []ID {
	s.mu.Lock()
	defer s.mu.Unlock()

	var fired []ID
	for len(s.heap) > 0 {
		e := s.heap[0]
		if e.deadline.After(now) {
			break
		}
		heap.Pop(&s.heap)
		delete(s.entries, e.id)
		fired = append(fired, e.id)
	}
	return fired
}

// Next 最近的截止时间
func (s *Service) Next() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.heap) == 0 {
		return time.Time{}, false
	}
	return s.heap[0].deadline, true
}

// Pending 待触发数量
func (s *Service) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.heap)
}
