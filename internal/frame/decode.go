// =============================================================================
// 文件: internal/frame/decode.go
// 描述: 802.11 MPDU 解析 - 基于 gopacket layers.Dot11，产出帧描述符
// =============================================================================
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

var (
	// ErrTruncated 帧长度不足
	ErrTruncated = errors.New("frame truncated")
	// ErrMalformed 帧格式错误
	ErrMalformed = errors.New("frame malformed")
)

const fcsLen = 4

// DecodeOptions 硬件接收状态
type DecodeOptions struct {
	// 硬件解密是否成功
	Decrypted bool
	// 硬件未剥离的尾部 (ICV/MIC) 长度
	Trailer int
	// 接收时间
	At time.Time
}

// headerLen 按帧控制字段计算 MAC 头长度
func headerLen(raw []byte) (int, error) {
	fc0, fc1 := raw[0], raw[1]
	typ := (fc0 >> 2) & 0x03
	subtype := fc0 >> 4
	order := fc1&0x80 != 0

	switch typ {
	case 0: // mgmt
		n := 24
		if order {
			n += 4
		}
		return n, nil
	case 1: // ctrl
		if subtype == 8 { // BAR: RA | TA | BAR control | SSC
			return 20, nil
		}
		return 10, nil
	case 2: // data
		n := 24
		if fc1&0x03 == 0x03 {
			n += 6
		}
		if subtype&0x08 != 0 {
			n += 2
			if order {
				n += 4
			}
		}
		return n, nil
	}
	return 0, fmt.Errorf("%w: reserved type", ErrMalformed)
}

// Decode 解析带 FCS 的原始 MPDU
// 返回的描述符引用 raw 的内存，调用方不得复用 raw
func Decode(raw []byte, opts DecodeOptions) (*Descriptor, error) {
	if len(raw) < 10+fcsLen {
		return nil, ErrTruncated
	}
	hdr, err := headerLen(raw)
	if err != nil {
		return nil, err
	}
	if len(raw) < hdr+fcsLen {
		return nil, ErrTruncated
	}

	var dot layers.Dot11
	if err := dot.DecodeFromBytes(raw, gopacket.NilDecodeFeedback); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	d := &Descriptor{
		Subtype:   uint8(dot.Type) >> 2,
		RA:        MACFrom(dot.Address1),
		SN:        dot.SequenceNumber & SeqMask,
		FN:        uint8(dot.FragmentNumber),
		MoreFrag:  dot.Flags.MF(),
		Retry:     dot.Flags.Retry(),
		Protected: dot.Flags.WEP(),
		Decrypted: opts.Decrypted,
		Header:    dot.Contents,
		Received:  opts.At,
	}
	if d.Received.IsZero() {
		d.Received = time.Now()
	}

	switch dot.Type.MainType() {
	case layers.Dot11TypeMgmt:
		d.Kind = KindMgmt
		d.TA = MACFrom(dot.Address2)
		d.DA = d.RA
		d.SA = d.TA
	case layers.Dot11TypeCtrl:
		d.Kind = KindCtrl
		d.SN, d.FN = 0, 0
		if dot.Type == layers.Dot11TypeCtrlBlockAckReq {
			if err := decodeBAR(d, dot.Payload); err != nil {
				return nil, err
			}
		} else {
			d.TA = MACFrom(dot.Address2)
		}
		return d, nil
	case layers.Dot11TypeData:
		d.Kind = KindData
		d.TA = MACFrom(dot.Address2)
		mapDataAddrs(d, &dot)
		d.NoData = uint8(dot.Type)&0x10 != 0
		if dot.QOS != nil {
			d.QoS = true
			d.TID = dot.QOS.TID & 0x0f
		}
	default:
		return nil, fmt.Errorf("%w: type %v", ErrMalformed, dot.Type)
	}

	body := dot.Payload
	if d.Protected {
		if len(body) < 4 {
			return nil, fmt.Errorf("%w: security header", ErrTruncated)
		}
		ivLen := 4
		if body[3]&0x20 != 0 {
			ivLen = 8
		}
		if len(body) < ivLen {
			return nil, fmt.Errorf("%w: extended iv", ErrTruncated)
		}
		copy(d.IV[:], body[:ivLen])
		d.IVLen = ivLen
		d.KeyIndex = body[3] >> 6
		body = body[ivLen:]
	}
	if opts.Trailer > 0 && d.Protected {
		if len(body) < opts.Trailer {
			return nil, fmt.Errorf("%w: trailer", ErrTruncated)
		}
		body = body[:len(body)-opts.Trailer]
	}
	d.Body = body

	return d, nil
}

func mapDataAddrs(d *Descriptor, dot *layers.Dot11) {
	a1 := MACFrom(dot.Address1)
	a2 := MACFrom(dot.Address2)
	a3 := MACFrom(dot.Address3)
	switch {
	case dot.Flags.ToDS() && dot.Flags.FromDS():
		d.DA, d.SA = a3, MACFrom(dot.Address4)
	case dot.Flags.ToDS():
		d.DA, d.SA = a3, a2
	case dot.Flags.FromDS():
		d.DA, d.SA = a1, a3
	default:
		d.DA, d.SA = a1, a2
	}
}

// decodeBAR BAR 负载：TA(6) | BAR control(2) | SSC(2)
func decodeBAR(d *Descriptor, payload []byte) error {
	if len(payload) < 10 {
		return fmt.Errorf("%w: block ack request", ErrTruncated)
	}
	d.TA = MACFrom(payload[0:6])
	ctl := binary.LittleEndian.Uint16(payload[6:8])
	ssc := binary.LittleEndian.Uint16(payload[8:10])
	d.BAR = &BlockAckReq{
		TID: uint8(ctl >> 12),
		SSN: ssc >> 4,
	}
	return nil
}

// StripRadioTap 去掉 radiotap 头，返回带 FCS 的 MPDU
// Datapad 填充由 layers.RadioTap 去除，未携带 FCS 时由其补算；FCS 错误返回 ok=false
func StripRadioTap(raw []byte) (mpdu []byte, ok bool, err error) {
	var rt layers.RadioTap
	if err := rt.DecodeFromBytes(raw, gopacket.NilDecodeFeedback); err != nil {
		return nil, false, fmt.Errorf("%w: radiotap: %v", ErrMalformed, err)
	}
	payload := rt.Payload
	if len(payload) < 10+fcsLen {
		return nil, false, ErrTruncated
	}
	if rt.Flags.BadFCS() {
		return payload, false, nil
	}
	body := payload[:len(payload)-fcsLen]
	return payload, binary.LittleEndian.Uint32(payload[len(body):]) == crc32.ChecksumIEEE(body), nil
}

// AppendFCS 追加 FCS
func AppendFCS(mpdu []byte) []byte {
	return binary.LittleEndian.AppendUint32(mpdu, crc32.ChecksumIEEE(mpdu))
}
