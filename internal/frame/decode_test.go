package frame

import (
	"encoding/binary"
	"errors"
	"testing"
)

var (
	addrAP  = MAC{0x02, 0, 0, 0, 0, 0x01}
	addrSTA = MAC{0x02, 0, 0, 0, 0, 0x02}
	addrDst = MAC{0x02, 0, 0, 0, 0, 0x03}
)

func seqCtrl(sn uint16, fn uint8) []byte {
	return binary.LittleEndian.AppendUint16(nil, sn<<4|uint16(fn))
}

// qosData 构造 ToDS QoS 数据帧 (STA -> AP)
func qosData(fc1 byte, tid uint8, sn uint16, fn uint8, body []byte) []byte {
	b := []byte{0x88, fc1 | 0x01, 0, 0}
	b = append(b, addrAP[:]...)
	b = append(b, addrSTA[:]...)
	b = append(b, addrDst[:]...)
	b = append(b, seqCtrl(sn, fn)...)
	b = append(b, tid&0x0f, 0)
	b = append(b, body...)
	return AppendFCS(b)
}

func TestDecodeQoSData(t *testing.T) {
	raw := qosData(0x04|0x08, 5, 100, 1, []byte("hello"))

	d, err := Decode(raw, DecodeOptions{})
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if d.Kind != KindData || !d.QoS || d.TID != 5 {
		t.Fatalf("类型/TID 错误: %+v", d)
	}
	if d.SN != 100 || d.FN != 1 || !d.MoreFrag || !d.Retry {
		t.Fatalf("序列字段错误: sn=%d fn=%d mf=%v retry=%v", d.SN, d.FN, d.MoreFrag, d.Retry)
	}
	if d.TA != addrSTA || d.RA != addrAP || d.SA != addrSTA || d.DA != addrDst {
		t.Fatalf("地址映射错误: ta=%s ra=%s sa=%s da=%s", d.TA, d.RA, d.SA, d.DA)
	}
	if string(d.Body) != "hello" {
		t.Fatalf("负载错误: %q", d.Body)
	}
	if d.SeqCtrl() != 100<<4|1 {
		t.Errorf("SeqCtrl = %#x", d.SeqCtrl())
	}
}

func TestDecodeProtected(t *testing.T) {
	iv := []byte{0x01, 0x02, 0x00, 0x20 | 1<<6, 0x03, 0x04, 0x05, 0x06}
	body := append(append([]byte{}, iv...), []byte("plain")...)
	body = append(body, make([]byte, 8)...) // MIC
	raw := qosData(0x40, 3, 7, 0, body)

	d, err := Decode(raw, DecodeOptions{Decrypted: true, Trailer: 8})
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if !d.Protected || !d.Decrypted {
		t.Fatal("应标记为受保护且已解密")
	}
	if d.IVLen != 8 || d.KeyIndex != 1 {
		t.Fatalf("安全头错误: ivlen=%d keyidx=%d", d.IVLen, d.KeyIndex)
	}
	if string(d.Body) != "plain" {
		t.Fatalf("负载错误: %q", d.Body)
	}
}

func TestDecodeBlockAckReq(t *testing.T) {
	b := []byte{0x84, 0x00, 0, 0}
	b = append(b, addrAP[:]...)
	b = append(b, addrSTA[:]...)
	b = binary.LittleEndian.AppendUint16(b, 4<<12)
	b = binary.LittleEndian.AppendUint16(b, 200<<4)
	raw := AppendFCS(b)

	d, err := Decode(raw, DecodeOptions{})
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if d.Kind != KindCtrl || d.BAR == nil {
		t.Fatalf("应解析为 BAR: %+v", d)
	}
	if d.TA != addrSTA || d.BAR.TID != 4 || d.BAR.SSN != 200 {
		t.Fatalf("BAR 字段错误: ta=%s %+v", d.TA, *d.BAR)
	}
}

func TestDecodeNullData(t *testing.T) {
	b := []byte{0xc8, 0x01, 0, 0}
	b = append(b, addrAP[:]...)
	b = append(b, addrSTA[:]...)
	b = append(b, addrAP[:]...)
	b = append(b, seqCtrl(9, 0)...)
	b = append(b, 0x06, 0)
	d, err := Decode(AppendFCS(b), DecodeOptions{})
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if !d.NoData || d.TID != 6 {
		t.Fatalf("应为 QoS Null: nodata=%v tid=%d", d.NoData, d.TID)
	}
}

func TestDecodeErrors(t *testing.T) {
	t.Run("过短", func(t *testing.T) {
		if _, err := Decode(make([]byte, 8), DecodeOptions{}); !errors.Is(err, ErrTruncated) {
			t.Fatalf("应返回 ErrTruncated, got %v", err)
		}
	})
	t.Run("数据帧头不完整", func(t *testing.T) {
		raw := qosData(0, 0, 1, 0, nil)
		if _, err := Decode(raw[:20], DecodeOptions{}); !errors.Is(err, ErrTruncated) {
			t.Fatalf("应返回 ErrTruncated, got %v", err)
		}
	})
	t.Run("保留类型", func(t *testing.T) {
		raw := AppendFCS(append([]byte{0x0c, 0, 0, 0}, make([]byte, 20)...))
		if _, err := Decode(raw, DecodeOptions{}); !errors.Is(err, ErrMalformed) {
			t.Fatalf("应返回 ErrMalformed, got %v", err)
		}
	})
	t.Run("安全头不完整", func(t *testing.T) {
		raw := qosData(0x40, 0, 1, 0, []byte{0x01, 0x02, 0x00, 0x20})
		if _, err := Decode(raw, DecodeOptions{}); !errors.Is(err, ErrTruncated) {
			t.Fatalf("应返回 ErrTruncated, got %v", err)
		}
	})
}

func TestStripRadioTap(t *testing.T) {
	mpdu := qosData(0, 1, 2, 0, []byte("x"))
	// version | pad | len=9 | present=Flags | flags=FCS
	hdr := []byte{0, 0, 9, 0, 0x02, 0, 0, 0, 0x10}

	got, ok, err := StripRadioTap(append(append([]byte{}, hdr...), mpdu...))
	if err != nil || !ok {
		t.Fatalf("剥离失败: ok=%v err=%v", ok, err)
	}
	if len(got) != len(mpdu) {
		t.Fatalf("长度错误: %d != %d", len(got), len(mpdu))
	}

	bad := append(append([]byte{}, hdr...), mpdu...)
	bad[len(bad)-1] ^= 0xff
	if _, ok, err := StripRadioTap(bad); err != nil || ok {
		t.Fatalf("FCS 错误应返回 ok=false: ok=%v err=%v", ok, err)
	}
}
