package rx

import (
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/mrcgq/wlanrx/internal/crypto"
	"github.com/mrcgq/wlanrx/internal/defrag"
	"github.com/mrcgq/wlanrx/internal/frame"
	"github.com/mrcgq/wlanrx/internal/reorder"
	"github.com/mrcgq/wlanrx/internal/station"
	"github.com/mrcgq/wlanrx/internal/timer"
)

type verdict struct {
	d *frame.Descriptor
	r frame.Reason
}

type recorder struct {
	forwarded []*frame.Descriptor
	discarded []verdict
}

func (r *recorder) Forward(d *frame.Descriptor) { r.forwarded = append(r.forwarded, d) }
func (r *recorder) Discard(d *frame.Descriptor, reason frame.Reason) {
	r.discarded = append(r.discarded, verdict{d, reason})
}

func (r *recorder) sns() []uint16 {
	out := make([]uint16, 0, len(r.forwarded))
	for _, d := range r.forwarded {
		out = append(out, d.SN)
	}
	return out
}

func (r *recorder) lastReason(t *testing.T) frame.Reason {
	t.Helper()
	if len(r.discarded) == 0 {
		t.Fatal("没有丢弃记录")
	}
	return r.discarded[len(r.discarded)-1].r
}

var (
	apAddr  = frame.MAC{2, 0, 0, 0, 0, 1}
	staAddr = frame.MAC{2, 0, 0, 0, 0, 2}
	dstAddr = frame.MAC{2, 0, 0, 0, 0, 3}
	bcast   = frame.MAC{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
)

type fixture struct {
	e      *Engine
	rec    *recorder
	clock  clockwork.FakeClock
	timers *timer.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := clockwork.NewFakeClock()
	timers := timer.NewService(clock)
	rec := &recorder{}
	cfg := Config{
		Reassembly: defrag.Config{PoolSize: 2, Timeout: 100 * time.Millisecond},
		Reorder:    reorder.Config{WindowSize: 64, PoolSize: 4, Timeout: 50 * time.Millisecond},
	}
	e := NewEngine(cfg, station.NewRegistry(8), timers, rec, nil, nil)
	return &fixture{e: e, rec: rec, clock: clock, timers: timers}
}

func (f *fixture) associate(t *testing.T) *station.Station {
	t.Helper()
	s, err := f.e.Associate(staAddr)
	if err != nil {
		t.Fatalf("关联失败: %v", err)
	}
	return s
}

func qos(tid uint8, sn uint16) *frame.Descriptor {
	return &frame.Descriptor{
		Kind: frame.KindData, QoS: true, TID: tid, SN: sn,
		RA: apAddr, TA: staAddr, SA: staAddr, DA: dstAddr,
		Body: []byte("payload"),
	}
}

func mgmt(sn uint16) *frame.Descriptor {
	return &frame.Descriptor{Kind: frame.KindMgmt, SN: sn, RA: apAddr, TA: staAddr}
}

func TestHardwareError(t *testing.T) {
	f := newFixture(t)
	f.e.HandleFrame(qos(0, 1), false)
	if got := f.rec.lastReason(t); got != frame.ReasonHardwareError {
		t.Errorf("原因 = %s, 期望 HardwareError", got)
	}
}

func TestUnknownStation(t *testing.T) {
	f := newFixture(t)

	f.e.HandleFrame(qos(0, 1), true)
	if got := f.rec.lastReason(t); got != frame.ReasonUnauthorized {
		t.Errorf("未关联数据帧原因 = %s, 期望 Unauthorized", got)
	}

	f.e.HandleFrame(mgmt(10), true)
	if len(f.rec.forwarded) != 1 {
		t.Fatal("未关联的管理帧应被接受")
	}

	retry := mgmt(10)
	retry.Retry = true
	f.e.HandleFrame(retry, true)
	if got := f.rec.lastReason(t); got != frame.ReasonDuplicate {
		t.Errorf("重传管理帧原因 = %s, 期望 Duplicate", got)
	}

	prot := mgmt(11)
	prot.Protected = true
	prot.Decrypted = true
	f.e.HandleFrame(prot, true)
	if got := f.rec.lastReason(t); got != frame.ReasonUnauthorized {
		t.Errorf("无密钥的受保护管理帧原因 = %s, 期望 Unauthorized", got)
	}
}

func TestProtectedAdmission(t *testing.T) {
	f := newFixture(t)
	f.associate(t)

	t.Run("未解密", func(t *testing.T) {
		d := qos(0, 1)
		d.Protected = true
		f.e.HandleFrame(d, true)
		if got := f.rec.lastReason(t); got != frame.ReasonDecryptFailed {
			t.Errorf("原因 = %s, 期望 DecryptFailed", got)
		}
	})

	t.Run("无密钥", func(t *testing.T) {
		d := qos(0, 2)
		d.Protected = true
		d.Decrypted = true
		f.e.HandleFrame(d, true)
		if got := f.rec.lastReason(t); got != frame.ReasonUnauthorized {
			t.Errorf("原因 = %s, 期望 Unauthorized", got)
		}
	})
}

func TestDuplicateAndNull(t *testing.T) {
	f := newFixture(t)
	f.associate(t)

	f.e.HandleFrame(qos(0, 5), true)
	retry := qos(0, 5)
	retry.Retry = true
	f.e.HandleFrame(retry, true)
	if got := f.rec.lastReason(t); got != frame.ReasonDuplicate {
		t.Errorf("原因 = %s, 期望 Duplicate", got)
	}

	// 不同 TID 的相同序列号不是重复
	other := qos(1, 5)
	other.Retry = true
	f.e.HandleFrame(other, true)
	if len(f.rec.forwarded) != 2 {
		t.Errorf("转发数 = %d, 期望 2", len(f.rec.forwarded))
	}

	null := qos(0, 6)
	null.NoData = true
	f.e.HandleFrame(null, true)
	if got := f.rec.lastReason(t); got != frame.ReasonNoData {
		t.Errorf("原因 = %s, 期望 NoData", got)
	}
}

func TestControlFrames(t *testing.T) {
	f := newFixture(t)
	f.associate(t)

	f.e.HandleFrame(&frame.Descriptor{Kind: frame.KindCtrl, Subtype: 0x0b, TA: staAddr}, true)
	if got := f.rec.lastReason(t); got != frame.ReasonUnhandledControl {
		t.Errorf("原因 = %s, 期望 UnhandledControl", got)
	}

	// 没有协议的 BAR 被忽略
	f.e.HandleFrame(&frame.Descriptor{Kind: frame.KindCtrl, TA: staAddr, BAR: &frame.BlockAckReq{TID: 3, SSN: 9}}, true)
	st := f.e.Stats()
	if st.BARs != 1 || st.BARsIgnored != 1 {
		t.Errorf("BAR 统计 = %d/%d, 期望 1/1", st.BARs, st.BARsIgnored)
	}
}

func TestFragmentedMSDU(t *testing.T) {
	f := newFixture(t)
	f.associate(t)

	parts := []string{"ab", "cde", "f"}
	for i, p := range parts {
		d := qos(2, 30)
		d.FN = uint8(i)
		d.MoreFrag = i < len(parts)-1
		d.Body = []byte(p)
		f.e.HandleFrame(d, true)
	}
	if len(f.rec.forwarded) != 1 {
		t.Fatalf("转发数 = %d, 期望 1", len(f.rec.forwarded))
	}
	got := f.rec.forwarded[0]
	if string(got.Body) != "abcdef" || got.Fragments != 3 {
		t.Errorf("重组结果 = %q (%d 片)", got.Body, got.Fragments)
	}
}

func TestFragmentTimeoutViaSweep(t *testing.T) {
	f := newFixture(t)
	f.associate(t)

	d := qos(0, 40)
	d.MoreFrag = true
	f.e.HandleFrame(d, true)

	f.clock.Advance(150 * time.Millisecond)
	if n := f.e.Sweep(f.clock.Now()); n != 1 {
		t.Fatalf("到期定时器 = %d, 期望 1", n)
	}
	if got := f.rec.lastReason(t); got != frame.ReasonFragmentTimeout {
		t.Errorf("原因 = %s, 期望 FragmentTimeout", got)
	}
}

func TestBlockAckScenario(t *testing.T) {
	f := newFixture(t)
	f.associate(t)

	if err := f.e.AddBlockAck(staAddr, 4, 100, 64); err != nil {
		t.Fatalf("建立窗口失败: %v", err)
	}
	if err := f.e.AddBlockAck(staAddr, 4, 100, 64); !errors.Is(err, ErrAgreementExists) {
		t.Errorf("重复建立应返回 ErrAgreementExists, 实际 %v", err)
	}

	for _, sn := range []uint16{102, 101} {
		f.e.HandleFrame(qos(4, sn), true)
	}
	if len(f.rec.forwarded) != 0 {
		t.Fatal("窗口起点到达前不应转发")
	}
	f.e.HandleFrame(qos(4, 100), true)

	want := []uint16{100, 101, 102}
	got := f.rec.sns()
	if len(got) != len(want) {
		t.Fatalf("转发序列 = %v, 期望 %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("转发序列 = %v, 期望 %v", got, want)
		}
	}

	snap, ok := f.e.WindowState(staAddr, 4)
	if !ok || snap.WinStart != 103 || snap.Buffered != 0 {
		t.Errorf("窗口状态 = %+v", snap)
	}

	// BAR 推进窗口并释放缓存
	f.e.HandleFrame(qos(4, 105), true)
	f.e.HandleFrame(&frame.Descriptor{Kind: frame.KindCtrl, TA: staAddr, BAR: &frame.BlockAckReq{TID: 4, SSN: 106}}, true)
	got = f.rec.sns()
	if got[len(got)-1] != 105 {
		t.Errorf("BAR 后应释放 105, 转发序列 = %v", got)
	}
	if snap, _ := f.e.WindowState(staAddr, 4); snap.WinStart != 106 {
		t.Errorf("BAR 后窗口起点 = %d, 期望 106", snap.WinStart)
	}

	if err := f.e.DelBlockAck(staAddr, 4); err != nil {
		t.Fatalf("拆除窗口失败: %v", err)
	}
	if err := f.e.DelBlockAck(staAddr, 4); !errors.Is(err, ErrNoAgreement) {
		t.Errorf("重复拆除应返回 ErrNoAgreement, 实际 %v", err)
	}
}

func TestAddBlockAckErrors(t *testing.T) {
	f := newFixture(t)
	if err := f.e.AddBlockAck(staAddr, 0, 0, 64); !errors.Is(err, station.ErrUnknownStation) {
		t.Errorf("未关联站点应返回 ErrUnknownStation, 实际 %v", err)
	}
	f.associate(t)
	if err := f.e.AddBlockAck(staAddr, 16, 0, 64); !errors.Is(err, ErrInvalidTID) {
		t.Errorf("TID 越界应返回 ErrInvalidTID, 实际 %v", err)
	}
}

func TestReplayWithoutBlockAck(t *testing.T) {
	f := newFixture(t)
	s := f.associate(t)
	s.SetPairwise(crypto.NewKeyContext(crypto.SuiteCCMP128, 0, make([]byte, 16)))

	send := func(sn uint16, pn uint64) {
		d := qos(0, sn)
		d.Protected = true
		d.Decrypted = true
		d.PN = pn
		f.e.HandleFrame(d, true)
	}
	send(1, 5)
	send(2, 5)
	if got := f.rec.lastReason(t); got != frame.ReasonReplay {
		t.Errorf("原因 = %s, 期望 Replay", got)
	}
	send(3, 6)
	if len(f.rec.forwarded) != 2 {
		t.Errorf("转发数 = %d, 期望 2", len(f.rec.forwarded))
	}
}

func TestReplayCheckedAtRelease(t *testing.T) {
	f := newFixture(t)
	s := f.associate(t)
	s.SetPairwise(crypto.NewKeyContext(crypto.SuiteCCMP128, 0, make([]byte, 16)))
	if err := f.e.AddBlockAck(staAddr, 0, 10, 64); err != nil {
		t.Fatal(err)
	}

	send := func(sn uint16, pn uint64) {
		d := qos(0, sn)
		d.Protected = true
		d.Decrypted = true
		d.PN = pn
		f.e.HandleFrame(d, true)
	}
	// 乱序到达时 PN 也乱序，释放时按序列号顺序检查
	send(11, 21)
	send(10, 20)
	if len(f.rec.forwarded) != 2 {
		t.Fatalf("转发数 = %d, 期望 2", len(f.rec.forwarded))
	}
	send(12, 20)
	if got := f.rec.lastReason(t); got != frame.ReasonReplay {
		t.Errorf("原因 = %s, 期望 Replay", got)
	}
}

func TestGroupKey(t *testing.T) {
	f := newFixture(t)
	f.associate(t)
	f.e.Registry().InstallGroup(crypto.NewKeyContext(crypto.SuiteCCMP128, 1, make([]byte, 16)))

	d := qos(0, 1)
	d.RA = bcast
	d.DA = bcast
	d.Protected = true
	d.Decrypted = true
	d.KeyIndex = 1
	d.IVLen = 8
	d.IV = [8]byte{0x07, 0, 0, 0x20 | 1<<6, 0, 0, 0, 0}
	f.e.HandleFrame(d, true)
	if len(f.rec.forwarded) != 1 || f.rec.forwarded[0].PN != 7 {
		t.Fatalf("组播帧应以 PN 7 转发, 转发 %d", len(f.rec.forwarded))
	}

	d2 := qos(0, 2)
	d2.RA = bcast
	d2.DA = bcast
	d2.Protected = true
	d2.Decrypted = true
	d2.KeyIndex = 2
	f.e.HandleFrame(d2, true)
	if got := f.rec.lastReason(t); got != frame.ReasonUnauthorized {
		t.Errorf("未安装的组密钥索引原因 = %s, 期望 Unauthorized", got)
	}
}

func TestDisassociate(t *testing.T) {
	f := newFixture(t)
	f.associate(t)
	if err := f.e.AddBlockAck(staAddr, 4, 0, 64); err != nil {
		t.Fatal(err)
	}
	f.e.HandleFrame(qos(4, 2), true)
	frag := qos(1, 9)
	frag.MoreFrag = true
	f.e.HandleFrame(frag, true)

	if err := f.e.Disassociate(staAddr); err != nil {
		t.Fatalf("解除关联失败: %v", err)
	}
	st := f.e.Stats()
	// 重排序缓存一帧加上未完成的分片
	if st.Discards[frame.ReasonTornDown] != 2 {
		t.Errorf("TornDown 丢弃 = %d, 期望 2", st.Discards[frame.ReasonTornDown])
	}
	if f.timers.Pending() != 0 {
		t.Errorf("解除关联后仍有 %d 个定时器", f.timers.Pending())
	}
	if st.Reorder.Windows != 0 || st.Stations != 0 {
		t.Errorf("资源未释放: %+v", st)
	}

	f.e.HandleFrame(qos(4, 3), true)
	if got := f.rec.lastReason(t); got != frame.ReasonUnauthorized {
		t.Errorf("原因 = %s, 期望 Unauthorized", got)
	}
	if err := f.e.Disassociate(staAddr); !errors.Is(err, station.ErrUnknownStation) {
		t.Errorf("重复解除关联应返回 ErrUnknownStation, 实际 %v", err)
	}
}

func TestStatsAccounting(t *testing.T) {
	f := newFixture(t)
	f.associate(t)
	f.e.HandleFrame(qos(0, 1), true)
	f.e.HandleFrame(qos(0, 2), false)
	f.e.Overrun(qos(0, 3))

	st := f.e.Stats()
	if st.Received != 3 || st.Forwarded != 1 || st.TotalDiscards() != 2 {
		t.Errorf("统计 = %+v", st)
	}
	if st.Discards[frame.ReasonOverrun] != 1 {
		t.Errorf("Overrun = %d, 期望 1", st.Discards[frame.ReasonOverrun])
	}
}
