// =============================================================================
// 文件: internal/station/registry.go
// 描述: 站点与密钥注册表 - 关联状态、成对密钥、接口组播密钥
// =============================================================================
package station

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/mrcgq/wlanrx/internal/crypto"
	"github.com/mrcgq/wlanrx/internal/dedup"
	"github.com/mrcgq/wlanrx/internal/frame"
	"github.com/mrcgq/wlanrx/internal/pool"
)

var (
	// ErrUnknownStation 站点未关联
	ErrUnknownStation = errors.New("unknown station")
	// ErrPoolExhausted 站点表已满
	ErrPoolExhausted = errors.New("station table full")
)

// Station 站点上下文
// 除 Pairwise 外的字段只在事件循环内读写
type Station struct {
	Index int
	Addr  frame.MAC

	Dup dedup.StationState

	// 每个 TID 的重排序窗口，零值句柄表示未建立 Block Ack
	Windows [crypto.NumTIDs]pool.Handle

	AssociatedAt time.Time

	mu       sync.RWMutex
	pairwise *crypto.KeyContext
}

// Pairwise 成对密钥
func (s *Station) Pairwise() *crypto.KeyContext {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pairwise
}

// SetPairwise 安装成对密钥，nil 表示删除
func (s *Station) SetPairwise(k *crypto.KeyContext) {
	s.mu.Lock()
	s.pairwise = k
	s.mu.Unlock()
}

func (s *Station) String() string {
	return fmt.Sprintf("sta[%d]%s", s.Index, s.Addr)
}

// Registry 站点注册表
type Registry struct {
	stations *xsync.MapOf[frame.MAC, *Station]

	mu      sync.RWMutex
	byIndex []*Station
	group   [4]*crypto.KeyContext
}

// NewRegistry 创建注册表，capacity 为可同时关联的站点数
func NewRegistry(capacity int) *Registry {
	if capacity < 1 {
		capacity = 1
	}
	return &Registry{
		stations: xsync.NewMapOf[frame.MAC, *Station](),
		byIndex:  make([]*Station, capacity),
	}
}

// Associate 关联站点，已关联时返回原有上下文
func (r *Registry) Associate(addr frame.MAC) (*Station, error) {
	if s, ok := r.stations.Load(addr); ok {
		return s, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.stations.Load(addr); ok {
		return s, nil
	}
	for i, s := range r.byIndex {
		if s != nil {
			continue
		}
		s = &Station{
			Index:        i,
			Addr:         addr,
			AssociatedAt: time.Now(),
		}
		r.byIndex[i] = s
		r.stations.Store(addr, s)
		return s, nil
	}
	return nil, ErrPoolExhausted
}

// Lookup 按地址查找
func (r *Registry) Lookup(addr frame.MAC) (*Station, bool) {
	return r.stations.Load(addr)
}

// ByIndex 按下标查找
func (r *Registry) ByIndex(i int) (*Station, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if i < 0 || i >= len(r.byIndex) || r.byIndex[i] == nil {
		return nil, false
	}
	return r.byIndex[i], true
}

// Disassociate 移除站点，返回被移除的上下文
func (r *Registry) Disassociate(addr frame.MAC) (*Station, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.stations.LoadAndDelete(addr)
	if !ok {
		return nil, ErrUnknownStation
	}
	r.byIndex[s.Index] = nil
	return s, nil
}

// InstallPairwise 为已关联站点安装成对密钥
func (r *Registry) InstallPairwise(addr frame.MAC, k *crypto.KeyContext) error {
	s, ok := r.stations.Load(addr)
	if !ok {
		return ErrUnknownStation
	}
	s.SetPairwise(k)
	return nil
}

// InstallGroup 安装接口组播密钥
func (r *Registry) InstallGroup(k *crypto.KeyContext) {
	r.mu.Lock()
	r.group[k.Index&0x03] = k
	r.mu.Unlock()
}

// GroupKey 按密钥索引取组播密钥
func (r *Registry) GroupKey(index uint8) *crypto.KeyContext {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.group[index&0x03]
}

// Range 遍历已关联站点
func (r *Registry) Range(fn func(s *Station) bool) {
	r.stations.Range(func(_ frame.MAC, s *Station) bool {
		return fn(s)
	})
}

// Len 已关联数量
func (r *Registry) Len() int {
	return r.stations.Size()
}

// Cap 容量
func (r *Registry) Cap() int {
	return len(r.byIndex)
}
