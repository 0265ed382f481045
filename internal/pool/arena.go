// =============================================================================
// 文件: internal/pool/arena.go
// 描述: 固定容量对象池 - 空闲链表 + 代数句柄 (不扩容)
// =============================================================================
package pool

import (
	"errors"
	"fmt"
	"sync"
)

// ErrExhausted 池已耗尽
var ErrExhausted = errors.New("pool exhausted")

// Handle 池内对象句柄
// 零值无效；释放后代数递增，旧句柄随即失效
type Handle struct {
	index uint32
	gen   uint32
}

// Valid 句柄是否非零
func (h Handle) Valid() bool { return h.gen != 0 }

// Index 槽位下标
func (h Handle) Index() int { return int(h.index) }

func (h Handle) String() string {
	if !h.Valid() {
		return "handle(nil)"
	}
	return fmt.Sprintf("handle(%d/%d)", h.index, h.gen)
}

type cell[T any] struct {
	value T
	gen   uint32
	used  bool
	next  int32
}

// Arena 固定容量的泛型对象池
// 只有出入空闲链表的操作加锁，对象内容由调用方串行访问
type Arena[T any] struct {
	cells []cell[T]
	free  int32
	inUse int

	mu sync.Mutex
}

// NewArena 创建对象池
func NewArena[T any](capacity int) *Arena[T] {
	if capacity < 1 {
		capacity = 1
	}
	a := &Arena[T]{
		cells: make([]cell[T], capacity),
	}
	for i := range a.cells {
		a.cells[i].gen = 1
		a.cells[i].next = int32(i + 1)
	}
	a.cells[capacity-1].next = -1
	return a
}

// Alloc 从空闲链表取出一个对象，对象被重置为零值
func (a *Arena[T]) Alloc() (Handle, *T, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.free < 0 {
		return Handle{}, nil, ErrExhausted
	}
	idx := a.free
	c := &a.cells[idx]
	a.free = c.next
	c.next = -1
	c.used = true
	var zero T
	c.value = zero
	a.inUse++

	return Handle{index: uint32(idx), gen: c.gen}, &c.value, nil
}

// Get 按句柄取对象，过期句柄返回 false
func (a *Arena[T]) Get(h Handle) (*T, bool) {
	if !h.Valid() || int(h.index) >= len(a.cells) {
		return nil, false
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	c := &a.cells[h.index]
	if !c.used || c.gen != h.gen {
		return nil, false
	}
	return &c.value, true
}

// Free 归还对象，重复释放或过期句柄返回 false
func (a *Arena[T]) Free(h Handle) bool {
	if !h.Valid() || int(h.index) >= len(a.cells) {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	c := &a.cells[h.index]
	if !c.used || c.gen != h.gen {
		return false
	}
	var zero T
	c.value = zero
	c.used = false
	c.gen++
	if c.gen == 0 {
		c.gen = 1
	}
	c.next = a.free
	a.free = int32(h.index)
	a.inUse--
	return true
}

// Each 遍历所有在用对象
// fn 内不得再调用 Alloc/Free
func (a *Arena[T]) Each(fn func(Handle, *T) bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i := range a.cells {
		c := &a.cells[i]
		if !c.used {
			continue
		}
		if !fn(Handle{index: uint32(i), gen: c.gen}, &c.value) {
			return
		}
	}
}

// InUse 在用数量
func (a *Arena[T]) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inUse
}

// Cap 容量
func (a *Arena[T]) Cap() int {
	return len(a.cells)
}
