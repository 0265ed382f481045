package reorder

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/mrcgq/wlanrx/internal/crypto"
	"github.com/mrcgq/wlanrx/internal/frame"
	"github.com/mrcgq/wlanrx/internal/pool"
	"github.com/mrcgq/wlanrx/internal/timer"
)

type recorder struct {
	forwarded []uint16
	discarded map[frame.Reason][]uint16
}

func newRecorder() *recorder {
	return &recorder{discarded: make(map[frame.Reason][]uint16)}
}

func (r *recorder) Forward(d *frame.Descriptor) { r.forwarded = append(r.forwarded, d.SN) }
func (r *recorder) Discard(d *frame.Descriptor, reason frame.Reason) {
	r.discarded[reason] = append(r.discarded[reason], d.SN)
}

type fixture struct {
	m      *Manager
	rec    *recorder
	timers *timer.Service
	clock  clockwork.FakeClock
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	clock := clockwork.NewFakeClock()
	timers := timer.NewService(clock)
	rec := newRecorder()
	return &fixture{
		m:      NewManager(cfg, timers, rec, nil),
		rec:    rec,
		timers: timers,
		clock:  clock,
	}
}

func (f *fixture) create(t *testing.T, ssn uint16, size int) pool.Handle {
	t.Helper()
	h, err := f.m.Create(0, 4, ssn, size)
	if err != nil {
		t.Fatalf("创建窗口失败: %v", err)
	}
	return h
}

func (f *fixture) feed(t *testing.T, h pool.Handle, sns ...uint16) {
	t.Helper()
	for _, sn := range sns {
		if err := f.m.OnReceive(h, &frame.Descriptor{Kind: frame.KindData, QoS: true, TID: 4, SN: sn}); err != nil {
			t.Fatalf("OnReceive(%d) 失败: %v", sn, err)
		}
	}
}

func (f *fixture) expire() {
	for _, id := range f.timers.Expire(f.clock.Now()) {
		f.m.OnTimeout(id.Handle)
	}
}

func (f *fixture) snapshot(t *testing.T, h pool.Handle) Snapshot {
	t.Helper()
	s, ok := f.m.Snapshot(h)
	if !ok {
		t.Fatal("窗口应存在")
	}
	return s
}

func equalSeq(a, b []uint16) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestConcreteScenario(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	h := f.create(t, 100, 0)

	f.feed(t, h, 102, 101)
	if s := f.snapshot(t, h); s.Buffered != 2 || s.WinStart != 100 {
		t.Fatalf("应缓存两个帧: %+v", s)
	}
	if len(f.rec.forwarded) != 0 {
		t.Fatal("空洞未填补前不应转发")
	}

	f.feed(t, h, 100)
	if !equalSeq(f.rec.forwarded, []uint16{100, 101, 102}) {
		t.Fatalf("转发顺序错误: %v", f.rec.forwarded)
	}
	s := f.snapshot(t, h)
	if s.Buffered != 0 || s.WinStart != 103 || s.State != StateActive {
		t.Fatalf("窗口状态错误: %+v", s)
	}
	if f.timers.Pending() != 0 {
		t.Error("无缓存时定时器应取消")
	}
}

func TestWraparound(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	h := f.create(t, 4094, 0)

	f.feed(t, h, 0, 4095, 4094)
	if !equalSeq(f.rec.forwarded, []uint16{4094, 4095, 0}) {
		t.Fatalf("回绕转发顺序错误: %v", f.rec.forwarded)
	}
	if s := f.snapshot(t, h); s.WinStart != 1 {
		t.Fatalf("win_start = %d, want 1", s.WinStart)
	}
}

func TestHalfSpaceTieBreak(t *testing.T) {
	t.Run("距离 2048 视为过期", func(t *testing.T) {
		f := newFixture(t, DefaultConfig())
		h := f.create(t, 100, 0)
		f.feed(t, h, frame.SeqAdd(100, 2048))
		if len(f.rec.discarded[frame.ReasonStale]) != 1 {
			t.Fatalf("应按过期丢弃: %v", f.rec.discarded)
		}
		if s := f.snapshot(t, h); s.WinStart != 100 {
			t.Fatalf("过期帧不应移动窗口: %d", s.WinStart)
		}
	})

	t.Run("距离 2047 视为前向滑动", func(t *testing.T) {
		f := newFixture(t, DefaultConfig())
		h := f.create(t, 100, 0)
		sn := frame.SeqAdd(100, 2047)
		f.feed(t, h, sn)
		s := f.snapshot(t, h)
		if want := frame.SeqAdd(sn, -(DefaultWindowSize - 1)); s.WinStart != want {
			t.Fatalf("win_start = %d, want %d", s.WinStart, want)
		}
		if s.Buffered != 1 {
			t.Fatalf("滑动后应缓存该帧: %+v", s)
		}
	})

	t.Run("落后一个", func(t *testing.T) {
		f := newFixture(t, DefaultConfig())
		h := f.create(t, 100, 0)
		f.feed(t, h, 99)
		if len(f.rec.discarded[frame.ReasonStale]) != 1 {
			t.Fatal("落后的帧应丢弃")
		}
	})
}

func TestWindowDuplicate(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	h := f.create(t, 10, 0)
	f.feed(t, h, 12, 12)
	if !equalSeq(f.rec.discarded[frame.ReasonWindowDuplicate], []uint16{12}) {
		t.Fatalf("窗口内重复应丢弃: %v", f.rec.discarded)
	}
	if s := f.snapshot(t, h); s.Buffered != 1 {
		t.Fatalf("只应缓存一份: %d", s.Buffered)
	}
}

func TestSlideFlush(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	h := f.create(t, 0, 4)

	f.feed(t, h, 2, 3)
	f.feed(t, h, 5)
	if !equalSeq(f.rec.forwarded, []uint16{2, 3}) {
		t.Fatalf("滑动应按序交付途经的缓存帧: %v", f.rec.forwarded)
	}
	s := f.snapshot(t, h)
	if s.WinStart != 4 || s.Buffered != 1 {
		t.Fatalf("窗口状态错误: %+v", s)
	}
}

func TestWindowBoundProperty(t *testing.T) {
	const size = 8
	f := newFixture(t, DefaultConfig())
	h := f.create(t, 0, size)
	rng := rand.New(rand.NewSource(1))

	base := uint16(0)
	for i := 0; i < 5000; i++ {
		sn := frame.SeqAdd(base, rng.Intn(3*size)-size)
		f.feed(t, h, sn)
		s := f.snapshot(t, h)
		if s.Buffered > size-1 {
			t.Fatalf("缓存数 %d 超过 %d", s.Buffered, size-1)
		}
		if rng.Intn(4) == 0 {
			base = frame.SeqAdd(base, 1)
		}
	}

	// 同一流内转发序号单调不减
	for i := 1; i < len(f.rec.forwarded); i++ {
		prev, cur := f.rec.forwarded[i-1], f.rec.forwarded[i]
		if !frame.SeqLess(prev, cur) {
			t.Fatalf("转发序号非单调: %d 之后是 %d", prev, cur)
		}
	}
}

func TestBlockAckRequest(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	h := f.create(t, 0, 0)
	f.feed(t, h, 2, 5)

	if err := f.m.OnBAR(h, 4); err != nil {
		t.Fatalf("OnBAR 失败: %v", err)
	}
	if !equalSeq(f.rec.forwarded, []uint16{2}) {
		t.Fatalf("BAR 应交付新起点之前的缓存帧: %v", f.rec.forwarded)
	}
	s := f.snapshot(t, h)
	if s.WinStart != 4 || s.Buffered != 1 {
		t.Fatalf("窗口状态错误: %+v", s)
	}

	// 相同起点、落后起点、恰为半空间的起点都不处理
	for _, ssn := range []uint16{4, 3, frame.SeqAdd(4, 2048)} {
		f.m.OnBAR(h, ssn)
		if got := f.snapshot(t, h).WinStart; got != 4 {
			t.Fatalf("BAR(%d) 不应移动窗口: %d", ssn, got)
		}
	}

	f.m.OnBAR(h, 5)
	if !equalSeq(f.rec.forwarded, []uint16{2, 5}) {
		t.Fatalf("BAR 后应交付连续的缓存帧: %v", f.rec.forwarded)
	}
	if s := f.snapshot(t, h); s.WinStart != 6 || s.Buffered != 0 {
		t.Fatalf("窗口状态错误: %+v", s)
	}
}

func TestTimeoutSkipsHole(t *testing.T) {
	f := newFixture(t, Config{Timeout: 50 * time.Millisecond})
	h := f.create(t, 0, 0)
	f.feed(t, h, 1, 2)

	f.clock.Advance(30 * time.Millisecond)
	f.expire()
	if len(f.rec.forwarded) != 0 {
		t.Fatal("未超时不应跳过空洞")
	}

	f.clock.Advance(30 * time.Millisecond)
	f.expire()
	if !equalSeq(f.rec.forwarded, []uint16{1, 2}) {
		t.Fatalf("超时后应跳过丢失的帧并交付: %v", f.rec.forwarded)
	}
	if s := f.snapshot(t, h); s.WinStart != 3 || s.Buffered != 0 {
		t.Fatalf("窗口状态错误: %+v", s)
	}
	if f.timers.Pending() != 0 {
		t.Error("无缓存时定时器应取消")
	}
}

func TestTimeoutOneSlotPerExpiry(t *testing.T) {
	f := newFixture(t, Config{Timeout: 50 * time.Millisecond})
	h := f.create(t, 0, 0)
	f.feed(t, h, 2)

	f.clock.Advance(60 * time.Millisecond)
	f.expire()
	if len(f.rec.forwarded) != 0 || f.snapshot(t, h).WinStart != 1 {
		t.Fatalf("每次超时只跳过一个序列号: %v", f.rec.forwarded)
	}

	f.clock.Advance(60 * time.Millisecond)
	f.expire()
	if !equalSeq(f.rec.forwarded, []uint16{2}) {
		t.Fatalf("第二次超时后应交付: %v", f.rec.forwarded)
	}
}

func TestInOrderArrivalDefersTimeout(t *testing.T) {
	f := newFixture(t, Config{Timeout: 50 * time.Millisecond})
	h := f.create(t, 0, 0)
	f.feed(t, h, 0, 2) // 0 按序交付，2 缓存

	f.clock.Advance(40 * time.Millisecond)
	f.feed(t, h, 1) // 填补空洞
	f.clock.Advance(20 * time.Millisecond)
	f.expire()
	if !equalSeq(f.rec.forwarded, []uint16{0, 1, 2}) {
		t.Fatalf("转发错误: %v", f.rec.forwarded)
	}
	if f.m.Stats().TimeoutSkips != 0 {
		t.Fatal("不应发生超时跳过")
	}
}

func TestLazyReplayCheck(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	h := f.create(t, 100, 0)
	key := crypto.NewKeyContext(crypto.SuiteCCMP128, 0, make([]byte, 16))

	mk := func(sn uint16, pn uint64) *frame.Descriptor {
		return &frame.Descriptor{Kind: frame.KindData, QoS: true, TID: 4, SN: sn, PN: pn, Protected: true, Key: key}
	}
	// 101 的 PN 比 100 小：缓存时不检查，交付时被拒绝
	f.m.OnReceive(h, mk(101, 11))
	if key.ReplayCounter(4) != 0 {
		t.Fatal("缓存时不应更新重放计数器")
	}
	f.m.OnReceive(h, mk(100, 12))

	if !equalSeq(f.rec.forwarded, []uint16{100}) {
		t.Fatalf("转发错误: %v", f.rec.forwarded)
	}
	if !equalSeq(f.rec.discarded[frame.ReasonReplay], []uint16{101}) {
		t.Fatalf("应按重放丢弃: %v", f.rec.discarded)
	}
	if key.ReplayCounter(4) != 12 {
		t.Fatalf("计数器 = %d, want 12", key.ReplayCounter(4))
	}
}

func TestDeleteAndStaleHandle(t *testing.T) {
	f := newFixture(t, Config{PoolSize: 1})
	h := f.create(t, 0, 0)
	f.feed(t, h, 3, 5)

	if _, err := f.m.Create(1, 0, 0, 0); !errors.Is(err, ErrPoolExhausted) {
		t.Fatalf("池满应返回 ErrPoolExhausted, got %v", err)
	}

	if !f.m.Delete(h) {
		t.Fatal("删除失败")
	}
	if !equalSeq(f.rec.discarded[frame.ReasonTornDown], []uint16{3, 5}) {
		t.Fatalf("拆除时缓存帧应按序丢弃: %v", f.rec.discarded)
	}
	if f.timers.Pending() != 0 {
		t.Fatal("拆除时应取消定时器")
	}
	if err := f.m.OnReceive(h, &frame.Descriptor{SN: 0}); !errors.Is(err, ErrUnknownWindow) {
		t.Fatalf("过期句柄应返回 ErrUnknownWindow, got %v", err)
	}
	if f.m.OnTimeout(h) {
		t.Fatal("拆除后的定时器应为空操作")
	}
	if f.m.Delete(h) {
		t.Fatal("重复删除应失败")
	}

	h2 := f.create(t, 7, 0)
	if s := f.snapshot(t, h2); s.Buffered != 0 || s.WinStart != 7 {
		t.Fatalf("复用的窗口应为干净状态: %+v", s)
	}
}
