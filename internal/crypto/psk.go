// =============================================================================
// 文件: internal/crypto/psk.go
// 描述: WPA-PSK 密钥派生 (PMK / PTK)，用于回放工具按口令安装会话密钥
// =============================================================================
package crypto

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha1"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	PMKSize = 32
	KCKSize = 16
	KEKSize = 16
)

// Role 本端在四次握手中的角色
type Role uint8

const (
	RoleSupplicant Role = iota
	RoleAuthenticator
)

// ParseRole 解析角色：sta / ap
func ParseRole(s string) (Role, error) {
	switch s {
	case "sta", "supplicant", "":
		return RoleSupplicant, nil
	case "ap", "authenticator":
		return RoleAuthenticator, nil
	}
	return RoleSupplicant, fmt.Errorf("未知角色: %s", s)
}

// DerivePMK 口令 + SSID 派生 PMK
func DerivePMK(passphrase, ssid string) ([]byte, error) {
	if len(passphrase) < 8 || len(passphrase) > 63 {
		return nil, errors.New("口令长度必须为 8-63")
	}
	if len(ssid) == 0 || len(ssid) > 32 {
		return nil, errors.New("SSID 长度必须为 1-32")
	}
	return pbkdf2.Key([]byte(passphrase), []byte(ssid), 4096, PMKSize, sha1.New), nil
}

// prf IEEE 802.11 PRF-n (HMAC-SHA1)
func prf(key []byte, label string, data []byte, size int) []byte {
	out := make([]byte, 0, size+sha1.Size)
	msg := make([]byte, 0, len(label)+1+len(data)+1)
	msg = append(msg, label...)
	msg = append(msg, 0)
	msg = append(msg, data...)
	msg = append(msg, 0)
	for i := byte(0); len(out) < size; i++ {
		msg[len(msg)-1] = i
		mac := hmac.New(sha1.New, key)
		mac.Write(msg)
		out = mac.Sum(out)
	}
	return out[:size]
}

func minMax(a, b []byte) ([]byte, []byte) {
	if bytes.Compare(a, b) < 0 {
		return a, b
	}
	return b, a
}

// PTK 成对临时密钥
type PTK struct {
	KCK []byte
	KEK []byte
	TK  []byte
}

// tkSize 各套件 TK 长度 (TKIP 含两把 Michael 密钥)
func tkSize(s Suite) (int, error) {
	switch s {
	case SuiteTKIP, SuiteCCMP256, SuiteGCMP256:
		return 32, nil
	case SuiteCCMP128, SuiteGCMP128:
		return 16, nil
	}
	return 0, fmt.Errorf("套件 %s 不支持 PTK 派生", s)
}

// DerivePTK 由 PMK、双方地址与随机数派生 PTK
func DerivePTK(suite Suite, pmk, aa, spa, anonce, snonce []byte) (*PTK, error) {
	tk, err := tkSize(suite)
	if err != nil {
		return nil, err
	}
	if len(aa) != 6 || len(spa) != 6 {
		return nil, errors.New("地址长度错误")
	}
	if len(anonce) != 32 || len(snonce) != 32 {
		return nil, errors.New("随机数长度必须为 32")
	}

	loA, hiA := minMax(aa, spa)
	loN, hiN := minMax(anonce, snonce)
	data := make([]byte, 0, 76)
	data = append(data, loA...)
	data = append(data, hiA...)
	data = append(data, loN...)
	data = append(data, hiN...)

	buf := prf(pmk, "Pairwise key expansion", data, KCKSize+KEKSize+tk)
	return &PTK{
		KCK: buf[:KCKSize],
		KEK: buf[KCKSize : KCKSize+KEKSize],
		TK:  buf[KCKSize+KEKSize:],
	}, nil
}

// PairwiseKey 由 TK 构造接收方向的成对密钥上下文
// TKIP 的 TK[16:24] 是认证方发送 MIC 密钥，TK[24:32] 是认证方接收 MIC 密钥
func PairwiseKey(suite Suite, tk []byte, role Role) *KeyContext {
	k := NewKeyContext(suite, 0, tk)
	if suite == SuiteTKIP && len(tk) >= 32 {
		if role == RoleAuthenticator {
			copy(k.RxMICKey[:], tk[24:32])
		} else {
			copy(k.RxMICKey[:], tk[16:24])
		}
	}
	return k
}
