// =============================================================================
// 文件: cmd/wlanrx-replay/replay.go
// 描述: 回放器 - 组装站点、引擎、分发器与指标服务，读取 pcap 并提交帧
// =============================================================================
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync/atomic"
	"time"

	"github.com/decred/slog"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/mrcgq/wlanrx/internal/config"
	"github.com/mrcgq/wlanrx/internal/crypto"
	"github.com/mrcgq/wlanrx/internal/defrag"
	"github.com/mrcgq/wlanrx/internal/delivery"
	"github.com/mrcgq/wlanrx/internal/frame"
	"github.com/mrcgq/wlanrx/internal/logging"
	"github.com/mrcgq/wlanrx/internal/metrics"
	"github.com/mrcgq/wlanrx/internal/reorder"
	"github.com/mrcgq/wlanrx/internal/rx"
	"github.com/mrcgq/wlanrx/internal/station"
	"github.com/mrcgq/wlanrx/internal/timer"
)

type replayer struct {
	cfg   *config.Config
	log   slog.Logger
	clock clockwork.Clock

	engine *rx.Engine
	queue  *delivery.Queue
	disp   *rx.Dispatcher
	upper  *upperSink

	server  *metrics.MetricsServer
	metrics *metrics.RxMetrics
	hub     *metrics.EventHub

	read     uint64
	badFrame uint64
}

func newReplayer(cfg *config.Config, backend *logging.Backend) (*replayer, error) {
	r := &replayer{
		cfg:   cfg,
		log:   backend.Logger(logging.SubsysMain),
		clock: clockwork.NewRealClock(),
	}

	metricsLog := backend.Logger(logging.SubsysMetrics)
	if cfg.Metrics.Enabled {
		r.server = metrics.NewMetricsServer(metrics.ServerConfig{
			Listen:      cfg.Metrics.Listen,
			MetricsPath: cfg.Metrics.Path,
			HealthPath:  cfg.Metrics.HealthPath,
			Pprof:       cfg.Metrics.EnablePprof,
			Version:     Version,
		}, metricsLog)
		r.metrics = metrics.NewRxMetrics(r.server.Registry())
	}
	r.hub = metrics.NewEventHub(r.metrics, metricsLog)

	r.upper = &upperSink{log: r.log}
	r.queue = delivery.NewQueue(cfg.RX.DeliveryQueue, r.upper)

	engineCfg := rx.Config{
		Reassembly: defrag.Config{
			PoolSize: cfg.RX.ReassemblyPool,
			Timeout:  cfg.RX.ReassemblyTimeout(),
		},
		Reorder: reorder.Config{
			PoolSize:   cfg.RX.ReorderPool,
			WindowSize: cfg.RX.WindowSize,
			Timeout:    cfg.RX.ReorderTimeout(),
		},
		UnknownHistory: cfg.RX.UnknownHistory(),
	}
	r.engine = rx.NewEngine(engineCfg, station.NewRegistry(cfg.RX.StationCapacity),
		timer.NewService(r.clock), r.queue, r.hub, backend)
	r.disp = rx.NewDispatcher(rx.DispatcherConfig{
		EventQueueSize: cfg.RX.EventQueue,
		SweepInterval:  cfg.RX.SweepInterval(),
	}, r.engine, r.queue, backend.Logger(logging.SubsysDispatcher))

	if err := r.provision(); err != nil {
		return nil, err
	}

	if r.server != nil {
		r.disp.SetObserver(r.metrics.ObserveDecision)
		r.server.MustRegisterCollector(metrics.NewRxCollector(r.engine, r.queue))
		r.server.Handle(cfg.Metrics.EventsPath, r.hub)
		r.server.AddCheck("dispatcher", r.dispatcherHealth)
		r.server.AddCheck("delivery", r.deliveryHealth)
		r.server.SetReady(true)
	}
	return r, nil
}

// provision 在事件循环启动前关联站点、安装密钥、建立 Block Ack
func (r *replayer) provision() error {
	role, _ := crypto.ParseRole(r.cfg.Replay.Role)
	var local frame.MAC
	if r.cfg.Replay.Interface != "" {
		local, _ = frame.ParseMAC(r.cfg.Replay.Interface)
	}

	reg := r.engine.Registry()
	for i := range r.cfg.Stations {
		sc := &r.cfg.Stations[i]
		addr, err := frame.ParseMAC(sc.Address)
		if err != nil {
			return err
		}
		if _, err := r.engine.Associate(addr); err != nil {
			return err
		}

		key, err := sc.PairwiseKey(local, role)
		if err != nil {
			return fmt.Errorf("站点 %s 密钥派生失败: %w", addr, err)
		}
		if key != nil {
			if err := reg.InstallPairwise(addr, key); err != nil {
				return err
			}
		}

		for _, ba := range sc.BlockAck {
			if err := r.engine.AddBlockAck(addr, ba.TID, ba.SSN, ba.Size); err != nil {
				return fmt.Errorf("站点 %s 建立 Block Ack 失败: %w", addr, err)
			}
		}
		r.log.Debugf("Provisioned %s cipher=%s block_ack=%d", addr, sc.Suite(), len(sc.BlockAck))
	}

	if r.cfg.GroupKey != nil {
		k, err := r.cfg.GroupKey.KeyContext()
		if err != nil {
			return err
		}
		reg.InstallGroup(k)
	}
	return nil
}

// dispatcherHealth 事件队列满为 degraded，出现溢出时附带计数
func (r *replayer) dispatcherHealth() metrics.ComponentHealth {
	h := metrics.ComponentHealth{Status: metrics.StatusOK}
	if r.disp.Pending() >= r.disp.Cap() {
		h.Status = metrics.StatusDegraded
		h.Message = "event queue full"
	}
	if n := r.engine.Stats().Discards[frame.ReasonOverrun]; n > 0 {
		h.Message = fmt.Sprintf("%d overruns", n)
	}
	return h
}

// deliveryHealth 交付队列满时上层消费跟不上
func (r *replayer) deliveryHealth() metrics.ComponentHealth {
	st := r.queue.Stats()
	if st.Len >= st.Cap {
		return metrics.ComponentHealth{Status: metrics.StatusDegraded, Message: "delivery queue full"}
	}
	return metrics.ComponentHealth{Status: metrics.StatusOK}
}

// Run 回放抓包直到读完或 ctx 取消
func (r *replayer) Run(ctx context.Context) error {
	if r.server != nil {
		if err := r.server.Start(ctx); err != nil {
			return fmt.Errorf("metrics 启动失败: %w", err)
		}
		defer r.server.Stop()
	}
	defer r.hub.Close()

	// 事件循环在读取结束后才停止，保证已提交的帧都完成决策
	dispCtx, stopDisp := context.WithCancel(context.Background())
	defer stopDisp()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return r.disp.Run(dispCtx)
	})
	g.Go(func() error {
		defer stopDisp()
		err := r.readCapture(gctx)
		if err == nil && r.cfg.Replay.Linger {
			r.log.Infof("Capture finished, serving until interrupted")
			<-gctx.Done()
		}
		return err
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

func linkName(lt layers.LinkType) string {
	if lt == layers.LinkTypeIEEE80211Radio {
		return "radiotap"
	}
	return "ieee802_11"
}

func (r *replayer) readCapture(ctx context.Context) error {
	f, err := os.Open(r.cfg.Replay.Capture)
	if err != nil {
		return fmt.Errorf("打开抓包失败: %w", err)
	}
	defer f.Close()

	rd, err := pcapgo.NewReader(bufio.NewReader(f))
	if err != nil {
		return fmt.Errorf("读取 pcap 头失败: %w", err)
	}
	lt := rd.LinkType()
	switch lt {
	case layers.LinkTypeIEEE802_11, layers.LinkTypeIEEE80211Radio:
	default:
		return fmt.Errorf("不支持的链路类型: %s", lt)
	}
	link := linkName(lt)
	r.log.Infof("Replaying %s (link=%s)", r.cfg.Replay.Capture, link)

	var prev time.Time
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		data, ci, err := rd.ReadPacketData()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("读取抓包记录失败: %w", err)
		}
		atomic.AddUint64(&r.read, 1)
		if r.metrics != nil {
			r.metrics.RecordCapture(link)
		}

		if r.cfg.Replay.Pacing && !prev.IsZero() {
			if gap := ci.Timestamp.Sub(prev); gap > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-r.clock.After(gap):
				}
			}
		}
		prev = ci.Timestamp

		d, ok, err := r.decode(lt, data, ci.Timestamp)
		if err != nil {
			atomic.AddUint64(&r.badFrame, 1)
			r.log.Tracef("Record %d: %v", r.read, err)
			continue
		}

		if err := r.waitRoom(ctx); err != nil {
			return err
		}
		r.disp.Submit(d, ok)
	}

	r.log.Infof("Capture done: %d records, %d undecodable", atomic.LoadUint64(&r.read), atomic.LoadUint64(&r.badFrame))
	return nil
}

func (r *replayer) decode(lt layers.LinkType, data []byte, at time.Time) (*frame.Descriptor, bool, error) {
	mpdu, ok := data, true
	switch {
	case lt == layers.LinkTypeIEEE80211Radio:
		var err error
		mpdu, ok, err = frame.StripRadioTap(data)
		if err != nil {
			r.recordDecodeError("radiotap")
			return nil, false, err
		}
	case !r.cfg.Replay.FCS:
		mpdu = frame.AppendFCS(data)
	}

	d, err := frame.Decode(mpdu, frame.DecodeOptions{
		Decrypted: r.cfg.Replay.AssumeDecrypted,
		Trailer:   r.cfg.Replay.Trailer,
		At:        at,
	})
	if err != nil {
		kind := "malformed"
		if errors.Is(err, frame.ErrTruncated) {
			kind = "truncated"
		}
		r.recordDecodeError(kind)
		return nil, false, err
	}
	return d, ok, nil
}

func (r *replayer) recordDecodeError(kind string) {
	if r.metrics != nil {
		r.metrics.RecordDecodeError(kind)
	}
}

// waitRoom 文件回放时等待事件队列有空位，避免人为溢出
func (r *replayer) waitRoom(ctx context.Context) error {
	for r.disp.Pending() >= r.disp.Cap() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Microsecond):
		}
	}
	return nil
}

func (r *replayer) printSummary(w io.Writer) {
	st := r.engine.Stats()
	qs := r.queue.Stats()

	fmt.Fprintln(w)
	fmt.Fprintln(w, "回放统计:")
	fmt.Fprintf(w, "  抓包记录: %d (无法解码 %d)\n", atomic.LoadUint64(&r.read), atomic.LoadUint64(&r.badFrame))
	fmt.Fprintf(w, "  提交帧数: %d\n", st.Received)
	fmt.Fprintf(w, "  转发: %d (%d 字节)\n", r.upper.Forwarded(), r.upper.Bytes())
	fmt.Fprintf(w, "  丢弃: %d\n", st.TotalDiscards())

	type row struct {
		reason frame.Reason
		n      uint64
	}
	var rows []row
	for i, n := range st.Discards {
		if n > 0 {
			rows = append(rows, row{frame.Reason(i), n})
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].n > rows[j].n })
	for _, x := range rows {
		fmt.Fprintf(w, "    %-18s %d\n", x.reason, x.n)
	}

	fmt.Fprintf(w, "  分片重组: 完成 %d, 超时 %d, 淘汰 %d, MIC 失败 %d\n",
		st.Reassembly.Completed, st.Reassembly.Timeouts, st.Reassembly.Evicted, st.Reassembly.MICFailures)
	fmt.Fprintf(w, "  重排序: 缓存 %d, 滑动释放 %d, 超时跳过 %d, BAR %d\n",
		st.Reorder.Buffered, st.Reorder.Flushed, st.Reorder.TimeoutSkips, st.BARs)
	fmt.Fprintf(w, "  交付队列: 峰值 %d/%d, 同步转交 %d\n", qs.HighWater, qs.Cap, qs.Overflows)
	if ev := r.hub.Recent(); len(ev) > 0 {
		fmt.Fprintf(w, "  完整性事件: %d\n", len(ev))
	}
}

// upperSink 上层：统计转发与丢弃
type upperSink struct {
	log       slog.Logger
	forwarded uint64
	bytes     uint64
}

func (u *upperSink) Forward(d *frame.Descriptor) {
	atomic.AddUint64(&u.forwarded, 1)
	atomic.AddUint64(&u.bytes, uint64(len(d.Body)))
	u.log.Tracef("Forward %s", d)
}

func (u *upperSink) Discard(d *frame.Descriptor, r frame.Reason) {
	if r.Security() {
		u.log.Warnf("Security discard %s: %s", d, r)
		return
	}
	u.log.Tracef("Discard %s: %s", d, r)
}

func (u *upperSink) Forwarded() uint64 { return atomic.LoadUint64(&u.forwarded) }
func (u *upperSink) Bytes() uint64     { return atomic.LoadUint64(&u.bytes) }
