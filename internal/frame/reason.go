// =============================================================================
// 文件: internal/frame/reason.go
// 描述: 丢弃原因与上层接口
// =============================================================================
package frame

import (
	"fmt"
	"time"
)

// Reason 丢弃原因
type Reason uint8

const (
	ReasonNone Reason = iota
	ReasonHardwareError
	ReasonMalformed
	ReasonUnauthorized
	ReasonDecryptFailed
	ReasonNoData
	ReasonUnhandledControl
	ReasonDuplicate
	ReasonStale
	ReasonWindowDuplicate
	ReasonReplay
	ReasonIntegrity
	ReasonFragmentOrder
	ReasonFragmentPN
	ReasonFragmentTimeout
	ReasonFragmentEvicted
	ReasonTornDown
	ReasonOverrun

	NumReasons
)

var reasonNames = [NumReasons]string{
	ReasonNone:             "none",
	ReasonHardwareError:    "hardware_error",
	ReasonMalformed:        "malformed",
	ReasonUnauthorized:     "unauthorized",
	ReasonDecryptFailed:    "decrypt_failed",
	ReasonNoData:           "no_data",
	ReasonUnhandledControl: "unhandled_control",
	ReasonDuplicate:        "duplicate",
	ReasonStale:            "stale",
	ReasonWindowDuplicate:  "window_duplicate",
	ReasonReplay:           "replay",
	ReasonIntegrity:        "integrity",
	ReasonFragmentOrder:    "fragment_order",
	ReasonFragmentPN:       "fragment_pn",
	ReasonFragmentTimeout:  "fragment_timeout",
	ReasonFragmentEvicted:  "fragment_evicted",
	ReasonTornDown:         "torn_down",
	ReasonOverrun:          "overrun",
}

func (r Reason) String() string {
	if r < NumReasons {
		return reasonNames[r]
	}
	return fmt.Sprintf("reason(%d)", uint8(r))
}

// Security 重放/完整性类原因
func (r Reason) Security() bool {
	return r == ReasonReplay || r == ReasonIntegrity
}

// Sink 上层接收者
type Sink interface {
	Forward(d *Descriptor)
	Discard(d *Descriptor, r Reason)
}

// IntegrityEvent 完整性校验失败事件 (TKIP Michael)
type IntegrityEvent struct {
	Station  MAC       `json:"station"`
	TID      uint8     `json:"tid"`
	PN       uint64    `json:"pn"`
	KeyIndex uint8     `json:"key_index"`
	Group    bool      `json:"group"`
	At       time.Time `json:"at"`
}

// SecurityNotifier 安全事件通知
type SecurityNotifier interface {
	IntegrityFailure(ev IntegrityEvent)
}

// SinkFuncs 以函数实现 Sink
type SinkFuncs struct {
	OnForward func(d *Descriptor)
	OnDiscard func(d *Descriptor, r Reason)
}

func (s SinkFuncs) Forward(d *Descriptor) {
	if s.OnForward != nil {
		s.OnForward(d)
	}
}

func (s SinkFuncs) Discard(d *Descriptor, r Reason) {
	if s.OnDiscard != nil {
		s.OnDiscard(d, r)
	}
}

// Deliver 交付前的惰性重放检查：受保护帧的 PN 必须严格递增
// 返回是否转发
func Deliver(sink Sink, d *Descriptor) bool {
	if d.Protected && d.Key != nil && d.Key.Suite.NeedsReplayCheck() {
		if !d.Key.CheckReplay(d.ReplayTID(), d.PN) {
			sink.Discard(d, ReasonReplay)
			return false
		}
	}
	sink.Forward(d)
	return true
}
