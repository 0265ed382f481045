// =============================================================================
// 文件: internal/reorder/window.go
// 描述: Block Ack 重排序窗口 - 环形槽位 + 占用位图
// =============================================================================
package reorder

import (
	"time"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/mrcgq/wlanrx/internal/frame"
)

// State 窗口状态
type State uint8

const (
	StateCreated State = iota
	StateActive
	StateTornDown
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateActive:
		return "active"
	case StateTornDown:
		return "torn_down"
	}
	return "unknown"
}

// window 单个 (站点, TID) 的重排序窗口
// 槽位 head 对应 winStart，序列号 s 位于 (head + (s-winStart)) % size
type window struct {
	station int
	tid     uint8
	state   State

	size     int
	winStart uint16
	head     int

	slots    []*frame.Descriptor
	occupied *roaring.Bitmap

	// 最近一次有进展的时间 (按序到达、开始出现空洞、超时跳过)
	lastProgress time.Time
}

func (w *window) buffered() int {
	return int(w.occupied.GetCardinality())
}

func (w *window) index(dist int) int {
	return (w.head + dist) % w.size
}

func (w *window) has(idx int) bool {
	return w.occupied.Contains(uint32(idx))
}

func (w *window) put(idx int, d *frame.Descriptor) {
	w.slots[idx] = d
	w.occupied.Add(uint32(idx))
}

func (w *window) take(idx int) *frame.Descriptor {
	d := w.slots[idx]
	w.slots[idx] = nil
	w.occupied.Remove(uint32(idx))
	return d
}

// advance 窗口前移 n 个序列号，不处理槽位内容
func (w *window) advance(n int) {
	w.winStart = frame.SeqAdd(w.winStart, n)
	w.head = (w.head + n) % w.size
}
