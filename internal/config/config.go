// =============================================================================
// 文件: internal/config/config.go
// 描述: 配置管理 - 接收路径参数、指标服务、抓包回放与站点密钥
// =============================================================================
package config

import (
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mrcgq/wlanrx/internal/crypto"
	"github.com/mrcgq/wlanrx/internal/frame"
	"github.com/mrcgq/wlanrx/internal/logging"
)

// 802.11 Block Ack 接收缓冲上限
const MaxWindowSize = 64

// Config 主配置
type Config struct {
	LogLevel string `yaml:"log_level"`
	LogFile  string `yaml:"log_file"`

	RX       RXConfig        `yaml:"rx"`
	Metrics  MetricsConfig   `yaml:"metrics"`
	Replay   ReplayConfig    `yaml:"replay"`
	Stations []StationConfig `yaml:"stations"`
	GroupKey *GroupKeyConfig `yaml:"group_key"`
}

// RXConfig 接收路径参数
type RXConfig struct {
	WindowSize          int `yaml:"window_size"`
	ReorderTimeoutMs    int `yaml:"reorder_timeout_ms"`
	ReassemblyTimeoutMs int `yaml:"reassembly_timeout_ms"`
	ReassemblyPool      int `yaml:"reassembly_pool"`
	ReorderPool         int `yaml:"reorder_pool"`
	StationCapacity     int `yaml:"station_capacity"`
	DeliveryQueue       int `yaml:"delivery_queue"`
	EventQueue          int `yaml:"event_queue"`
	SweepIntervalMs     int `yaml:"sweep_interval_ms"`
	// 未关联来源的近期序列记录窗口，0 关闭
	UnknownHistoryMs int `yaml:"unknown_history_ms"`
}

// MetricsConfig 监控配置
type MetricsConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Listen      string `yaml:"listen"`
	Path        string `yaml:"path"`
	HealthPath  string `yaml:"health_path"`
	EventsPath  string `yaml:"events_path"`
	EnablePprof bool   `yaml:"enable_pprof"`
}

// ReplayConfig 抓包回放配置
type ReplayConfig struct {
	Capture string `yaml:"capture"`
	// 本端地址 (AP 角色时为 BSSID)
	Interface string `yaml:"interface"`
	Role      string `yaml:"role"` // ap, sta
	// 抓包中受保护帧视为已由硬件解密
	AssumeDecrypted bool `yaml:"assume_decrypted"`
	// 解密后残留在帧尾的 MIC/ICV 字节数
	Trailer int `yaml:"trailer"`
	// IEEE 802.11 链路类型的记录是否带 FCS
	FCS    bool `yaml:"fcs"`
	Pacing bool `yaml:"pacing"`
	// 读完后保持服务，直到收到信号
	Linger bool `yaml:"linger"`
}

// BlockAckConfig 预建立的 Block Ack 协议
type BlockAckConfig struct {
	TID  uint8  `yaml:"tid"`
	SSN  uint16 `yaml:"ssn"`
	Size int    `yaml:"size"`
}

// StationConfig 站点与成对密钥
type StationConfig struct {
	Address string `yaml:"address"`
	Cipher  string `yaml:"cipher"` // none, wep40, wep104, tkip, ccmp, ccmp256, gcmp, gcmp256

	// 口令派生 (WPA-PSK)
	Passphrase string `yaml:"passphrase"`
	SSID       string `yaml:"ssid"`
	ANonce     string `yaml:"anonce"`
	SNonce     string `yaml:"snonce"`

	// 直接给出 TK (十六进制)
	TK string `yaml:"tk"`

	BlockAck []BlockAckConfig `yaml:"block_ack"`
}

// GroupKeyConfig 组播密钥
type GroupKeyConfig struct {
	Cipher   string `yaml:"cipher"`
	KeyIndex uint8  `yaml:"key_index"`
	Key      string `yaml:"key"`
	// TKIP 组播接收 MIC 密钥
	RxMICKey string `yaml:"rx_mic_key"`
}

// Load 加载配置文件
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",

		RX: RXConfig{
			WindowSize:          64,
			ReorderTimeoutMs:    50,
			ReassemblyTimeoutMs: 100,
			ReassemblyPool:      4,
			ReorderPool:         8,
			StationCapacity:     32,
			DeliveryQueue:       256,
			EventQueue:          1024,
			SweepIntervalMs:     10,
		},

		Metrics: MetricsConfig{
			Enabled:     false,
			Listen:      ":9100",
			Path:        "/metrics",
			HealthPath:  "/health",
			EventsPath:  "/events",
			EnablePprof: false,
		},

		Replay: ReplayConfig{
			Role:            "ap",
			AssumeDecrypted: true,
		},
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	if _, _, err := logging.ParseLevels(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}

	if err := c.validateRX(); err != nil {
		return err
	}

	if c.Metrics.Enabled {
		if _, err := parsePort(c.Metrics.Listen); err != nil {
			return fmt.Errorf("metrics.listen 无效: %s", c.Metrics.Listen)
		}
		for _, p := range []string{c.Metrics.Path, c.Metrics.HealthPath, c.Metrics.EventsPath} {
			if !strings.HasPrefix(p, "/") {
				return fmt.Errorf("metrics 路径必须以 / 开头: %q", p)
			}
		}
		if c.Metrics.Path == c.Metrics.EventsPath || c.Metrics.Path == c.Metrics.HealthPath {
			return fmt.Errorf("metrics 路径冲突: %s", c.Metrics.Path)
		}
	}

	if _, err := crypto.ParseRole(c.Replay.Role); err != nil {
		return fmt.Errorf("replay.role: %w", err)
	}
	if c.Replay.Trailer < 0 {
		return fmt.Errorf("replay.trailer 不能为负数")
	}
	if c.Replay.Interface != "" {
		if _, err := frame.ParseMAC(c.Replay.Interface); err != nil {
			return fmt.Errorf("replay.interface: %w", err)
		}
	}

	seen := make(map[frame.MAC]bool, len(c.Stations))
	for i := range c.Stations {
		addr, err := c.validateStation(&c.Stations[i])
		if err != nil {
			return fmt.Errorf("stations[%d]: %w", i, err)
		}
		if seen[addr] {
			return fmt.Errorf("stations[%d]: 地址重复 %s", i, addr)
		}
		seen[addr] = true
	}
	if len(c.Stations) > c.RX.StationCapacity {
		return fmt.Errorf("站点数量 %d 超过 station_capacity %d", len(c.Stations), c.RX.StationCapacity)
	}

	if c.GroupKey != nil {
		if _, err := c.GroupKey.KeyContext(); err != nil {
			return fmt.Errorf("group_key: %w", err)
		}
	}
	return nil
}

func (c *Config) validateRX() error {
	rx := &c.RX
	if rx.WindowSize < 1 || rx.WindowSize > MaxWindowSize {
		return fmt.Errorf("rx.window_size 必须在 1-%d 之间", MaxWindowSize)
	}
	if rx.ReorderTimeoutMs <= 0 {
		return fmt.Errorf("rx.reorder_timeout_ms 必须大于 0")
	}
	if rx.ReassemblyTimeoutMs <= 0 {
		return fmt.Errorf("rx.reassembly_timeout_ms 必须大于 0")
	}
	if rx.SweepIntervalMs <= 0 {
		return fmt.Errorf("rx.sweep_interval_ms 必须大于 0")
	}
	if rx.UnknownHistoryMs < 0 {
		return fmt.Errorf("rx.unknown_history_ms 不能为负数")
	}
	for name, v := range map[string]int{
		"reassembly_pool":  rx.ReassemblyPool,
		"reorder_pool":     rx.ReorderPool,
		"station_capacity": rx.StationCapacity,
		"delivery_queue":   rx.DeliveryQueue,
		"event_queue":      rx.EventQueue,
	} {
		if v < 1 {
			return fmt.Errorf("rx.%s 必须至少为 1", name)
		}
	}
	return nil
}

func (c *Config) validateStation(s *StationConfig) (frame.MAC, error) {
	addr, err := frame.ParseMAC(s.Address)
	if err != nil {
		return addr, err
	}
	if s.Cipher == "" {
		s.Cipher = "none"
	}
	suite, err := crypto.ParseSuite(s.Cipher)
	if err != nil {
		return addr, err
	}

	if suite != crypto.SuiteNone {
		switch {
		case s.TK != "":
			if _, err := hex.DecodeString(s.TK); err != nil {
				return addr, fmt.Errorf("tk 不是有效的十六进制: %w", err)
			}
		case s.Passphrase != "":
			if c.Replay.Interface == "" {
				return addr, fmt.Errorf("口令派生需要 replay.interface")
			}
			for name, v := range map[string]string{"anonce": s.ANonce, "snonce": s.SNonce} {
				b, err := hex.DecodeString(v)
				if err != nil || len(b) != 32 {
					return addr, fmt.Errorf("%s 必须为 32 字节十六进制", name)
				}
			}
		default:
			return addr, fmt.Errorf("加密套件 %s 需要 tk 或 passphrase", suite)
		}
	}

	tids := make(map[uint8]bool)
	for _, ba := range s.BlockAck {
		if ba.TID >= crypto.NumTIDs {
			return addr, fmt.Errorf("block_ack tid %d 越界", ba.TID)
		}
		if tids[ba.TID] {
			return addr, fmt.Errorf("block_ack tid %d 重复", ba.TID)
		}
		tids[ba.TID] = true
		if ba.SSN >= frame.SeqSpace {
			return addr, fmt.Errorf("block_ack ssn %d 越界", ba.SSN)
		}
		if ba.Size < 0 || ba.Size > MaxWindowSize {
			return addr, fmt.Errorf("block_ack size 必须在 0-%d 之间", MaxWindowSize)
		}
	}
	return addr, nil
}

// parsePort 解析端口号
func parsePort(addr string) (int, error) {
	if strings.HasPrefix(addr, ":") {
		return strconv.Atoi(addr[1:])
	}
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return strconv.Atoi(addr)
	}
	return strconv.Atoi(portStr)
}

// ReorderTimeout 重排序超时
func (c *RXConfig) ReorderTimeout() time.Duration {
	return time.Duration(c.ReorderTimeoutMs) * time.Millisecond
}

// ReassemblyTimeout 重组超时
func (c *RXConfig) ReassemblyTimeout() time.Duration {
	return time.Duration(c.ReassemblyTimeoutMs) * time.Millisecond
}

// SweepInterval 定时器扫描间隔
func (c *RXConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalMs) * time.Millisecond
}

// UnknownHistory 未关联来源记录窗口
func (c *RXConfig) UnknownHistory() time.Duration {
	return time.Duration(c.UnknownHistoryMs) * time.Millisecond
}

// GenerateExampleConfig 生成示例配置
func GenerateExampleConfig() string {
	return `# wlanrx 配置示例

# 日志级别: trace, debug, info, warn, error, critical, off
# 可按子系统设置，如 "info,REOR=debug,DFRG=trace"
log_level: "info"
# 日志文件 (滚动)，为空只输出到终端
log_file: ""

rx:
  # Block Ack 窗口大小 (1-64)
  window_size: 64
  # 重排序缓存等待缺失帧的上限
  reorder_timeout_ms: 50
  # 分片重组超时
  reassembly_timeout_ms: 100
  reassembly_pool: 4
  reorder_pool: 8
  station_capacity: 32
  delivery_queue: 256
  event_queue: 1024
  sweep_interval_ms: 10
  # 未关联来源的重复检测记录 (0 关闭)
  unknown_history_ms: 0

metrics:
  enabled: false
  listen: ":9100"
  path: "/metrics"
  health_path: "/health"
  # 完整性事件 WebSocket 推送
  events_path: "/events"
  enable_pprof: false

replay:
  capture: "capture.pcap"
  # 本端地址，口令派生密钥时必填
  interface: "02:00:00:00:00:01"
  role: "ap"
  assume_decrypted: true
  # 硬件解密后残留的 MIC/ICV 字节
  trailer: 0
  # 无 radiotap 的抓包记录是否带 FCS
  fcs: false
  pacing: false
  linger: false

stations:
  - address: "02:00:00:00:00:02"
    cipher: "ccmp"
    passphrase: "correct horse battery"
    ssid: "wlanrx"
    anonce: "0000000000000000000000000000000000000000000000000000000000000001"
    snonce: "0000000000000000000000000000000000000000000000000000000000000002"
    block_ack:
      - tid: 0
        ssn: 0
        size: 64

  - address: "02:00:00:00:00:03"
    cipher: "none"

# group_key:
#   cipher: "ccmp"
#   key_index: 1
#   key: "000102030405060708090a0b0c0d0e0f"
`
}

// WriteExampleConfig 写入示例配置
func WriteExampleConfig(path string) error {
	return os.WriteFile(path, []byte(GenerateExampleConfig()), 0644)
}
