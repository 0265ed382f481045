// =============================================================================
// 文件: internal/frame/seq.go
// 描述: 12 位序列号运算 (模 4096)
// =============================================================================
package frame

const (
	SeqSpace  = 4096
	SeqMask   = SeqSpace - 1
	HalfSpace = SeqSpace / 2
)

// SeqAdd (a + n) mod 4096，n 可为负
func SeqAdd(a uint16, n int) uint16 {
	return uint16((int(a) + n) & SeqMask)
}

// SeqSub 前向距离 (a - b) mod 4096
func SeqSub(a, b uint16) uint16 {
	return (a - b) & SeqMask
}

// SeqAhead sn 是否位于 start 的前半空间 (含 start 本身)
// 距离恰为 2048 视为落后
func SeqAhead(sn, start uint16) bool {
	return SeqSub(sn, start) < HalfSpace
}

// SeqLess 半空间意义下 a 在 b 之前
func SeqLess(a, b uint16) bool {
	return a != b && SeqAhead(b, a)
}
