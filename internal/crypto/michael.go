// =============================================================================
// 文件: internal/crypto/michael.go
// 描述: TKIP Michael 消息完整性码 (流式计算，支持跨分片累积)
// =============================================================================
package crypto

import (
	"crypto/subtle"
	"encoding/binary"
	"math/bits"
)

// MICSize Michael 输出长度
const MICSize = 8

// Michael 流式 Michael 计算器
type Michael struct {
	key  [8]byte
	l, r uint32
	buf  [4]byte
	n    int
}

// NewMichael 创建计算器
func NewMichael(key [8]byte) *Michael {
	m := &Michael{key: key}
	m.Reset()
	return m
}

// Reset 恢复初始状态
func (m *Michael) Reset() {
	m.l = binary.LittleEndian.Uint32(m.key[0:4])
	m.r = binary.LittleEndian.Uint32(m.key[4:8])
	m.n = 0
}

func xswap(v uint32) uint32 {
	return (v&0xff00ff00)>>8 | (v&0x00ff00ff)<<8
}

func (m *Michael) block(w uint32) {
	l, r := m.l^w, m.r
	r ^= bits.RotateLeft32(l, 17)
	l += r
	r ^= xswap(l)
	l += r
	r ^= bits.RotateLeft32(l, 3)
	l += r
	r ^= bits.RotateLeft32(l, -2)
	l += r
	m.l, m.r = l, r
}

// Write 追加数据
func (m *Michael) Write(p []byte) (int, error) {
	n := len(p)
	if m.n > 0 {
		c := copy(m.buf[m.n:], p)
		m.n += c
		p = p[c:]
		if m.n < 4 {
			return n, nil
		}
		m.block(binary.LittleEndian.Uint32(m.buf[:]))
		m.n = 0
	}
	for len(p) >= 4 {
		m.block(binary.LittleEndian.Uint32(p))
		p = p[4:]
	}
	m.n = copy(m.buf[:], p)
	return n, nil
}

// Sum 计算结果，不改变当前状态
func (m *Michael) Sum() [MICSize]byte {
	c := *m
	// 0x5a 后补 4~7 个零，总长对齐到 4
	pad := [8]byte{0x5a}
	padLen := 5 + (3-c.n)&3
	c.Write(pad[:padLen])

	var out [MICSize]byte
	binary.LittleEndian.PutUint32(out[0:4], c.l)
	binary.LittleEndian.PutUint32(out[4:8], c.r)
	return out
}

// MichaelHeader 伪头：DA | SA | priority | 0 0 0
func MichaelHeader(da, sa [6]byte, priority uint8) [16]byte {
	var h [16]byte
	copy(h[0:6], da[:])
	copy(h[6:12], sa[:])
	h[12] = priority & 0x07
	return h
}

// MICVerifier 跨分片的 Michael 校验器
// 末尾 8 字节始终保留为待比较的 MIC，可能横跨两个分片
type MICVerifier struct {
	m    Michael
	tail []byte
}

// NewMICVerifier 以伪头初始化校验器
func NewMICVerifier(key [8]byte, da, sa [6]byte, priority uint8) *MICVerifier {
	v := &MICVerifier{m: *NewMichael(key), tail: make([]byte, 0, 2*MICSize)}
	h := MichaelHeader(da, sa, priority)
	v.m.Write(h[:])
	return v
}

// Write 追加一个分片的明文
func (v *MICVerifier) Write(p []byte) {
	v.tail = append(v.tail, p...)
	if len(v.tail) <= MICSize {
		return
	}
	cut := len(v.tail) - MICSize
	v.m.Write(v.tail[:cut])
	v.tail = append(v.tail[:0], v.tail[cut:]...)
}

// Verify 比较接收到的 MIC
func (v *MICVerifier) Verify() bool {
	if len(v.tail) != MICSize {
		return false
	}
	sum := v.m.Sum()
	return subtle.ConstantTimeCompare(sum[:], v.tail) == 1
}
