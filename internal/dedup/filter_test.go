package dedup

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/mrcgq/wlanrx/internal/frame"
)

func TestStationDuplicate(t *testing.T) {
	f := NewFilter(nil)
	var st StationState

	if f.IsDuplicate(&st, 4, true, 100<<4) {
		t.Fatal("首帧即使带重传标志也不应判重")
	}
	if !f.IsDuplicate(&st, 4, true, 100<<4) {
		t.Fatal("重传且序列相同应判重")
	}
	if f.IsDuplicate(&st, 4, false, 100<<4) {
		t.Fatal("未置重传标志不应判重")
	}
	if f.IsDuplicate(&st, 5, true, 100<<4) {
		t.Fatal("不同 TID 记录独立")
	}
	if f.IsDuplicate(&st, NonQoS, true, 100<<4) {
		t.Fatal("非 QoS 槽位独立")
	}

	// 重复时记录不变
	f.IsDuplicate(&st, 4, true, 101<<4)
	f.IsDuplicate(&st, 4, true, 101<<4)
	if last, ok := st.Last(4); !ok || last != 101<<4 {
		t.Fatalf("记录错误: %#x %v", last, ok)
	}

	s := f.Stats()
	if s.Checks != 7 || s.Duplicates != 2 {
		t.Fatalf("统计错误: %+v", s)
	}
}

func TestUnknownRollingPair(t *testing.T) {
	f := NewFilter(nil)
	a := frame.MAC{2, 0, 0, 0, 0, 1}
	b := frame.MAC{2, 0, 0, 0, 0, 2}

	if f.IsDuplicateUnknown(a, true, 10) {
		t.Fatal("首帧不应判重")
	}
	if !f.IsDuplicateUnknown(a, true, 10) {
		t.Fatal("同源同序列重传应判重")
	}
	if f.IsDuplicateUnknown(b, true, 10) {
		t.Fatal("不同来源不应判重")
	}
	// 只保留最近一条记录，a 的记录已被 b 覆盖
	if f.IsDuplicateUnknown(a, true, 10) {
		t.Fatal("滚动记录被覆盖后不应判重")
	}
}

func TestUnknownWithHistory(t *testing.T) {
	clock := clockwork.NewFakeClock()
	h := NewHistory(clock, 100*time.Millisecond)
	f := NewFilter(h)
	a := frame.MAC{2, 0, 0, 0, 0, 1}
	b := frame.MAC{2, 0, 0, 0, 0, 2}

	f.IsDuplicateUnknown(a, false, 10)
	f.IsDuplicateUnknown(b, false, 20)
	if !f.IsDuplicateUnknown(a, true, 10) {
		t.Fatal("近期记录中已出现的重传应判重")
	}

	clock.Advance(time.Second)
	if f.IsDuplicateUnknown(b, true, 20) {
		t.Fatal("超出保留时长后不应判重")
	}
	if h.Stats().Rotations == 0 {
		t.Error("应发生时间片轮换")
	}
}
