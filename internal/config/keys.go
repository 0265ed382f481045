// =============================================================================
// 文件: internal/config/keys.go
// 描述: 由站点配置构造密钥上下文
// =============================================================================
package config

import (
	"encoding/hex"
	"fmt"

	"github.com/mrcgq/wlanrx/internal/crypto"
	"github.com/mrcgq/wlanrx/internal/frame"
)

// Suite 站点加密套件
func (s *StationConfig) Suite() crypto.Suite {
	suite, _ := crypto.ParseSuite(s.Cipher)
	return suite
}

// PairwiseKey 构造站点的接收方向成对密钥，明文站点返回 nil
// local 为本端地址，role 为本端角色
func (s *StationConfig) PairwiseKey(local frame.MAC, role crypto.Role) (*crypto.KeyContext, error) {
	suite, err := crypto.ParseSuite(s.Cipher)
	if err != nil {
		return nil, err
	}
	if suite == crypto.SuiteNone {
		return nil, nil
	}

	if s.TK != "" {
		tk, err := hex.DecodeString(s.TK)
		if err != nil {
			return nil, fmt.Errorf("tk: %w", err)
		}
		return crypto.PairwiseKey(suite, tk, role), nil
	}

	peer, err := frame.ParseMAC(s.Address)
	if err != nil {
		return nil, err
	}
	pmk, err := crypto.DerivePMK(s.Passphrase, s.SSID)
	if err != nil {
		return nil, err
	}
	anonce, err := hex.DecodeString(s.ANonce)
	if err != nil {
		return nil, fmt.Errorf("anonce: %w", err)
	}
	snonce, err := hex.DecodeString(s.SNonce)
	if err != nil {
		return nil, fmt.Errorf("snonce: %w", err)
	}

	aa, spa := local, peer
	if role == crypto.RoleSupplicant {
		aa, spa = peer, local
	}
	ptk, err := crypto.DerivePTK(suite, pmk, aa[:], spa[:], anonce, snonce)
	if err != nil {
		return nil, err
	}
	return crypto.PairwiseKey(suite, ptk.TK, role), nil
}

// KeyContext 构造组播密钥上下文
func (g *GroupKeyConfig) KeyContext() (*crypto.KeyContext, error) {
	suite, err := crypto.ParseSuite(g.Cipher)
	if err != nil {
		return nil, err
	}
	if g.KeyIndex > 3 {
		return nil, fmt.Errorf("key_index %d 越界", g.KeyIndex)
	}
	key, err := hex.DecodeString(g.Key)
	if err != nil {
		return nil, fmt.Errorf("key: %w", err)
	}
	k := crypto.NewKeyContext(suite, g.KeyIndex, key)
	if g.RxMICKey != "" {
		mic, err := hex.DecodeString(g.RxMICKey)
		if err != nil || len(mic) != len(k.RxMICKey) {
			return nil, fmt.Errorf("rx_mic_key 必须为 %d 字节十六进制", len(k.RxMICKey))
		}
		copy(k.RxMICKey[:], mic)
	}
	return k, nil
}
