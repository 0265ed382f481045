// =============================================================================
// 文件: internal/frame/types.go
// 描述: 帧描述符与地址类型
// =============================================================================
package frame

import (
	"encoding/hex"
	"fmt"
	"net"
	"time"

	"github.com/mrcgq/wlanrx/internal/crypto"
)

// MAC 硬件地址
type MAC [6]byte

// Broadcast 广播地址
var Broadcast = MAC{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// ParseMAC 解析 aa:bb:cc:dd:ee:ff 形式的地址
func ParseMAC(s string) (MAC, error) {
	hw, err := net.ParseMAC(s)
	if err != nil {
		return MAC{}, err
	}
	if len(hw) != 6 {
		return MAC{}, fmt.Errorf("地址长度错误: %s", s)
	}
	var m MAC
	copy(m[:], hw)
	return m, nil
}

// MACFrom 从字节切片复制地址，长度不足时返回零地址
func MACFrom(b []byte) MAC {
	var m MAC
	if len(b) >= 6 {
		copy(m[:], b[:6])
	}
	return m
}

// IsGroup 组播/广播地址
func (m MAC) IsGroup() bool { return m[0]&0x01 != 0 }

// IsZero 零地址
func (m MAC) IsZero() bool { return m == MAC{} }

func (m MAC) String() string {
	return net.HardwareAddr(m[:]).String()
}

// Kind 帧主类型
type Kind uint8

const (
	KindMgmt Kind = iota
	KindCtrl
	KindData
)

func (k Kind) String() string {
	switch k {
	case KindMgmt:
		return "mgmt"
	case KindCtrl:
		return "ctrl"
	case KindData:
		return "data"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// BlockAckReq BAR 控制帧内容
type BlockAckReq struct {
	TID uint8
	SSN uint16
}

// Descriptor 接收帧描述符
// 分片重组后 Body 为整个 MSDU，Fragments 记录参与的分片数
type Descriptor struct {
	Kind    Kind
	Subtype uint8

	RA MAC // 接收地址 (addr1)
	TA MAC // 发送地址 (addr2)
	DA MAC
	SA MAC

	QoS      bool
	TID      uint8
	SN       uint16
	FN       uint8
	MoreFrag bool
	Retry    bool
	NoData   bool

	Protected bool
	Decrypted bool    // 硬件解密状态
	IV        [8]byte // 安全头原始字节
	IVLen     int
	KeyIndex  uint8
	PN        uint64

	BAR *BlockAckReq

	Header []byte
	Body   []byte

	// 分类器解析出的密钥
	Key *crypto.KeyContext

	Received  time.Time
	Fragments int
}

// SeqCtrl 序列控制字段 (SN<<4 | FN)
func (d *Descriptor) SeqCtrl() uint16 {
	return d.SN<<4 | uint16(d.FN&0x0f)
}

// Group 是否组播
func (d *Descriptor) Group() bool {
	return d.RA.IsGroup()
}

// ReplayTID 重放计数器槽位：QoS 数据按 TID，其余共用 0 号，管理帧单独一槽
func (d *Descriptor) ReplayTID() int {
	switch {
	case d.Kind == KindMgmt:
		return crypto.MgmtTID
	case d.QoS:
		return int(d.TID & 0x0f)
	default:
		return 0
	}
}

func (d *Descriptor) String() string {
	return fmt.Sprintf("%s ta=%s tid=%d sn=%d fn=%d len=%d", d.Kind, d.TA, d.TID, d.SN, d.FN, len(d.Body))
}

// Dump 调试输出
func (d *Descriptor) Dump() string {
	return fmt.Sprintf("%s\n%s", d, hex.Dump(d.Body))
}

// MarshalText 文本编码
func (m MAC) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText 文本解码
func (m *MAC) UnmarshalText(b []byte) error {
	v, err := ParseMAC(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}
