// =============================================================================
// 文件: internal/logging/log.go
// 描述: 日志后端 - 按子系统设置级别，可选滚动日志文件
// =============================================================================
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/decred/slog"
	"github.com/jrick/logrotate/rotator"
)

// 子系统标签
const (
	SubsysEngine     = "RXEN"
	SubsysDefrag     = "DFRG"
	SubsysReorder    = "REOR"
	SubsysDispatcher = "DISP"
	SubsysMetrics    = "METR"
	SubsysMain       = "MAIN"
)

// Subsystems 全部子系统
var Subsystems = []string{
	SubsysEngine, SubsysDefrag, SubsysReorder, SubsysDispatcher, SubsysMetrics, SubsysMain,
}

// Backend 日志后端
type Backend struct {
	stdOut       io.Writer
	logRotator   *rotator.Rotator
	bknd         *slog.Backend
	defaultLevel slog.Level
	levels       map[string]slog.Level

	mu      sync.Mutex
	loggers map[string]slog.Logger
}

// ParseLevels 解析 "info" 或 "info,DFRG=debug" 形式的级别字符串
func ParseLevels(debugLevel string) (slog.Level, map[string]slog.Level, error) {
	def := slog.LevelInfo
	levels := make(map[string]slog.Level)
	if strings.TrimSpace(debugLevel) == "" {
		return def, levels, nil
	}

	for _, v := range strings.Split(debugLevel, ",") {
		fields := strings.Split(strings.TrimSpace(v), "=")
		switch len(fields) {
		case 1:
			lvl, ok := slog.LevelFromString(fields[0])
			if !ok {
				return def, nil, fmt.Errorf("无效的日志级别: %q", fields[0])
			}
			def = lvl
		case 2:
			lvl, ok := slog.LevelFromString(fields[1])
			if !ok {
				return def, nil, fmt.Errorf("无效的日志级别: %q", fields[1])
			}
			levels[strings.ToUpper(fields[0])] = lvl
		default:
			return def, nil, fmt.Errorf("无法解析 %q (应为 subsys=level)", v)
		}
	}
	return def, levels, nil
}

// New 创建日志后端，logFile 为空时只写 stdOut
func New(logFile, debugLevel string, stdOut io.Writer) (*Backend, error) {
	def, levels, err := ParseLevels(debugLevel)
	if err != nil {
		return nil, err
	}

	var logRotator *rotator.Rotator
	if logFile != "" {
		logDir, _ := filepath.Split(logFile)
		if logDir != "" {
			if err := os.MkdirAll(logDir, 0700); err != nil {
				return nil, fmt.Errorf("创建日志目录失败: %w", err)
			}
		}
		logRotator, err = rotator.New(logFile, 1024, false, 10)
		if err != nil {
			return nil, fmt.Errorf("创建日志滚动器失败: %w", err)
		}
	}

	b := &Backend{
		stdOut:       stdOut,
		logRotator:   logRotator,
		defaultLevel: def,
		levels:       levels,
		loggers:      make(map[string]slog.Logger),
	}
	b.bknd = slog.NewBackend(b)
	return b, nil
}

// Write 同时写入终端与日志文件
func (b *Backend) Write(p []byte) (int, error) {
	if b.stdOut != nil {
		b.stdOut.Write(p)
	}
	if b.logRotator != nil {
		b.logRotator.Write(p)
	}
	return len(p), nil
}

// Logger 取子系统日志器
func (b *Backend) Logger(subsys string) slog.Logger {
	b.mu.Lock()
	defer b.mu.Unlock()

	if l, ok := b.loggers[subsys]; ok {
		return l
	}
	l := b.bknd.Logger(subsys)
	if lvl, ok := b.levels[subsys]; ok {
		l.SetLevel(lvl)
	} else {
		l.SetLevel(b.defaultLevel)
	}
	b.loggers[subsys] = l
	return l
}

// Close 关闭日志文件
func (b *Backend) Close() error {
	if b.logRotator != nil {
		return b.logRotator.Close()
	}
	return nil
}

// OrDisabled 为 nil 的日志器替换为静默日志器
func OrDisabled(l slog.Logger) slog.Logger {
	if l == nil {
		return slog.Disabled
	}
	return l
}
