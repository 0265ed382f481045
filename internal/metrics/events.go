// =============================================================================
// 文件: internal/metrics/events.go
// 描述: 安全事件推送 - 完整性失败事件经 WebSocket 广播给订阅者
// =============================================================================
package metrics

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/decred/slog"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/mrcgq/wlanrx/internal/frame"
	"github.com/mrcgq/wlanrx/internal/logging"
)

const (
	eventBacklog      = 100
	subscriberBuffer  = 32
	eventWriteTimeout = 5 * time.Second
	eventPingInterval = 30 * time.Second
)

type subscriber struct {
	conn *websocket.Conn
	send chan frame.IntegrityEvent
}

// EventHub 事件中心，实现 frame.SecurityNotifier
type EventHub struct {
	metrics  *RxMetrics
	log      slog.Logger
	upgrader websocket.Upgrader

	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	recent []frame.IntegrityEvent
	closed bool
}

// NewEventHub 创建事件中心，m 可为 nil
func NewEventHub(m *RxMetrics, log slog.Logger) *EventHub {
	return &EventHub{
		metrics: m,
		log:     logging.OrDisabled(log),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		subs:   make(map[*subscriber]struct{}),
		recent: make([]frame.IntegrityEvent, 0, eventBacklog),
	}
}

// IntegrityFailure 记录并广播，不阻塞调用方
func (h *EventHub) IntegrityFailure(ev frame.IntegrityEvent) {
	if h.metrics != nil {
		h.metrics.RecordIntegrity(ev.Group)
	}
	h.log.Warnf("Integrity failure from %s (tid=%d pn=%d key=%d)", ev.Station, ev.TID, ev.PN, ev.KeyIndex)

	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.recent) == eventBacklog {
		copy(h.recent, h.recent[1:])
		h.recent = h.recent[:eventBacklog-1]
	}
	h.recent = append(h.recent, ev)

	for s := range h.subs {
		select {
		case s.send <- ev:
		default:
			if h.metrics != nil {
				h.metrics.EventsDropped.Inc()
			}
		}
	}
}

// Recent 最近的事件
func (h *EventHub) Recent() []frame.IntegrityEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]frame.IntegrityEvent, len(h.recent))
	copy(out, h.recent)
	return out
}

// Subscribers 当前订阅者数量
func (h *EventHub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *EventHub) register(conn *websocket.Conn) (*subscriber, []frame.IntegrityEvent, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, nil, false
	}
	s := &subscriber{conn: conn, send: make(chan frame.IntegrityEvent, subscriberBuffer)}
	h.subs[s] = struct{}{}
	backlog := make([]frame.IntegrityEvent, len(h.recent))
	copy(backlog, h.recent)
	if h.metrics != nil {
		h.metrics.EventSubscribers.Set(float64(len(h.subs)))
	}
	return s, backlog, true
}

func (h *EventHub) unregister(s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[s]; !ok {
		return
	}
	delete(h.subs, s)
	close(s.send)
	if h.metrics != nil {
		h.metrics.EventSubscribers.Set(float64(len(h.subs)))
	}
}

// ServeHTTP 升级为 WebSocket，先发送积压事件再推送新事件
func (h *EventHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		var herr websocket.HandshakeError
		if !errors.As(err, &herr) {
			h.log.Errorf("Unexpected websocket error: %v", err)
		}
		return
	}
	defer conn.Close()

	s, backlog, ok := h.register(conn)
	if !ok {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(time.Second))
		return
	}
	defer h.unregister(s)
	h.log.Debugf("Event subscriber connected from %s", r.RemoteAddr)

	g, gctx := errgroup.WithContext(r.Context())

	// 读循环只用于感知断开
	g.Go(func() error {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return err
			}
		}
	})

	g.Go(func() error {
		return h.writeLoop(gctx, s, backlog)
	})

	err = g.Wait()
	h.log.Debugf("Event subscriber %s disconnected: %v", r.RemoteAddr, err)
}

func (h *EventHub) writeLoop(ctx context.Context, s *subscriber, backlog []frame.IntegrityEvent) error {
	write := func(ev frame.IntegrityEvent) error {
		s.conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
		return s.conn.WriteJSON(ev)
	}
	for _, ev := range backlog {
		if err := write(ev); err != nil {
			return err
		}
	}

	ping := time.NewTicker(eventPingInterval)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-s.send:
			if !ok {
				s.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(time.Second))
				return websocket.ErrCloseSent
			}
			if err := write(ev); err != nil {
				return err
			}
		case <-ping.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)); err != nil {
				return err
			}
		}
	}
}

// Close 断开全部订阅者
func (h *EventHub) Close() {
	h.mu.Lock()
	h.closed = true
	subs := make([]*subscriber, 0, len(h.subs))
	for s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	for _, s := range subs {
		h.unregister(s)
		s.conn.Close()
	}
}
