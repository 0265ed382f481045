// =============================================================================
// 文件: internal/crypto/crypto.go
// 描述: 密钥上下文 - 加密套件、PN 提取与逐 TID 防重放计数器
// =============================================================================
package crypto

import (
	"fmt"
	"sync"
)

const (
	// NumTIDs QoS 流数量
	NumTIDs = 16
	// MgmtTID 管理帧专用的重放计数器槽位
	MgmtTID = NumTIDs
	// NumReplayCounters 每个密钥的重放计数器数量
	NumReplayCounters = NumTIDs + 1

	// MaxPN 48 位 PN 上限
	MaxPN = 1<<48 - 1
)

// Suite 加密套件
type Suite uint8

const (
	SuiteNone Suite = iota
	SuiteWEP40
	SuiteWEP104
	SuiteTKIP
	SuiteCCMP128
	SuiteCCMP256
	SuiteGCMP128
	SuiteGCMP256
)

var suiteNames = map[Suite]string{
	SuiteNone:    "none",
	SuiteWEP40:   "wep40",
	SuiteWEP104:  "wep104",
	SuiteTKIP:    "tkip",
	SuiteCCMP128: "ccmp",
	SuiteCCMP256: "ccmp256",
	SuiteGCMP128: "gcmp",
	SuiteGCMP256: "gcmp256",
}

func (s Suite) String() string {
	if n, ok := suiteNames[s]; ok {
		return n
	}
	return fmt.Sprintf("suite(%d)", uint8(s))
}

// ParseSuite 解析套件名称
func ParseSuite(name string) (Suite, error) {
	for s, n := range suiteNames {
		if n == name {
			return s, nil
		}
	}
	return SuiteNone, fmt.Errorf("未知加密套件: %s", name)
}

// NeedsReplayCheck 是否携带 PN/TSC
func (s Suite) NeedsReplayCheck() bool {
	switch s {
	case SuiteTKIP, SuiteCCMP128, SuiteCCMP256, SuiteGCMP128, SuiteGCMP256:
		return true
	}
	return false
}

// NeedsMIC 是否需要 Michael 完整性校验
func (s Suite) NeedsMIC() bool {
	return s == SuiteTKIP
}

// ExtIV 安全头是否为 8 字节扩展 IV
func (s Suite) ExtIV() bool {
	return s.NeedsReplayCheck()
}

// ExtractPN 从安全头中取出 48 位 PN (CCMP/GCMP) 或 TSC (TKIP)
func (s Suite) ExtractPN(iv [8]byte) uint64 {
	hi := uint64(iv[4])<<16 | uint64(iv[5])<<24 | uint64(iv[6])<<32 | uint64(iv[7])<<40
	switch s {
	case SuiteTKIP:
		// TSC1 在前，TSC0 在第三字节
		return uint64(iv[2]) | uint64(iv[0])<<8 | hi
	case SuiteCCMP128, SuiteCCMP256, SuiteGCMP128, SuiteGCMP256:
		return uint64(iv[0]) | uint64(iv[1])<<8 | hi
	}
	return 0
}

// KeyIndexFromIV 安全头第 4 字节高两位
func KeyIndexFromIV(iv [8]byte) uint8 {
	return iv[3] >> 6
}

// KeyContext 密钥上下文
type KeyContext struct {
	Suite Suite
	Index uint8
	Key   []byte

	// TKIP 接收方向 Michael 密钥
	RxMICKey [8]byte

	mu   sync.Mutex
	rxPN [NumReplayCounters]uint64
}

// NewKeyContext 创建密钥上下文
func NewKeyContext(suite Suite, index uint8, key []byte) *KeyContext {
	k := &KeyContext{
		Suite: suite,
		Index: index & 0x03,
		Key:   append([]byte(nil), key...),
	}
	if suite == SuiteTKIP && len(key) >= 32 {
		copy(k.RxMICKey[:], key[16:24])
	}
	return k
}

// CheckReplay PN 严格大于已记录值才接受，接受时更新
func (k *KeyContext) CheckReplay(tid int, pn uint64) bool {
	if tid < 0 || tid >= NumReplayCounters {
		return false
	}
	k.mu.Lock()
	defer k.mu.Unlock()

	if pn <= k.rxPN[tid] {
		return false
	}
	k.rxPN[tid] = pn
	return true
}

// ReplayCounter 当前记录值
func (k *KeyContext) ReplayCounter(tid int) uint64 {
	if tid < 0 || tid >= NumReplayCounters {
		return 0
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.rxPN[tid]
}

// Reset 以握手下发的接收序列计数器初始化所有槽位
func (k *KeyContext) Reset(rsc uint64) {
	k.mu.Lock()
	defer k.mu.Unlock()
	for i := range k.rxPN {
		k.rxPN[i] = rsc & MaxPN
	}
}

func (k *KeyContext) String() string {
	return fmt.Sprintf("%s/%d", k.Suite, k.Index)
}
