// =============================================================================
// 文件: internal/dedup/filter.go
// 描述: 重复帧过滤 - 已关联站点按 TID 记录序列控制字段，未关联来源使用单一滚动记录
// =============================================================================
package dedup

import (
	"sync/atomic"

	"github.com/mrcgq/wlanrx/internal/frame"
)

// NonQoS 非 QoS 帧使用的槽位
const NonQoS = -1

const numSlots = 17

// StationState 站点重复过滤状态 (零值可用)
type StationState struct {
	last [numSlots]uint16
	seen uint32
}

func slot(tid int) int {
	if tid < 0 || tid >= numSlots-1 {
		return numSlots - 1
	}
	return tid
}

// Last 最近记录的序列控制字段
func (s *StationState) Last(tid int) (uint16, bool) {
	i := slot(tid)
	return s.last[i], s.seen&(1<<i) != 0
}

// Reset 清空
func (s *StationState) Reset() {
	*s = StationState{}
}

// Stats 过滤统计
type Stats struct {
	Checks     uint64
	Duplicates uint64
	Unknown    uint64
}

// Filter 重复过滤器
// 决策在单一事件循环中执行，未关联来源的滚动记录不加锁
type Filter struct {
	nstaAddr frame.MAC
	nstaSeq  uint16
	nstaSeen bool

	history *History

	checks     uint64
	duplicates uint64
	unknown    uint64
}

// NewFilter 创建过滤器，history 可为 nil
func NewFilter(history *History) *Filter {
	return &Filter{history: history}
}

// IsDuplicate 已关联站点：重传且序列控制字段与该 TID 上次记录相同即为重复
// 非重复时更新记录，重复时记录不变
func (f *Filter) IsDuplicate(st *StationState, tid int, retry bool, seqCtrl uint16) bool {
	atomic.AddUint64(&f.checks, 1)

	i := slot(tid)
	if retry && st.seen&(1<<i) != 0 && st.last[i] == seqCtrl {
		atomic.AddUint64(&f.duplicates, 1)
		return true
	}
	st.last[i] = seqCtrl
	st.seen |= 1 << i
	return false
}

// IsDuplicateUnknown 未关联来源：与最近一条 (源地址, 序列控制) 比较
func (f *Filter) IsDuplicateUnknown(src frame.MAC, retry bool, seqCtrl uint16) bool {
	atomic.AddUint64(&f.checks, 1)
	atomic.AddUint64(&f.unknown, 1)

	if retry && f.nstaSeen && f.nstaSeq == seqCtrl && f.nstaAddr == src {
		atomic.AddUint64(&f.duplicates, 1)
		return true
	}

	seen := false
	if f.history != nil {
		seen = f.history.Observe(src, seqCtrl)
	}

	f.nstaAddr = src
	f.nstaSeq = seqCtrl
	f.nstaSeen = true

	if retry && seen {
		atomic.AddUint64(&f.duplicates, 1)
		return true
	}
	return false
}

// Stats 统计快照
func (f *Filter) Stats() Stats {
	return Stats{
		Checks:     atomic.LoadUint64(&f.checks),
		Duplicates: atomic.LoadUint64(&f.duplicates),
		Unknown:    atomic.LoadUint64(&f.unknown),
	}
}
