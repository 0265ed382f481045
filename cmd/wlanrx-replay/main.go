// =============================================================================
// 文件: cmd/wlanrx-replay/main.go
// 描述: 主程序入口 - 抓包回放驱动接收引擎，可选 Prometheus 指标与事件推送
// =============================================================================
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	flags "github.com/jessevdk/go-flags"

	"github.com/mrcgq/wlanrx/internal/config"
	"github.com/mrcgq/wlanrx/internal/logging"
)

var (
	Version   = "1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

type options struct {
	ConfigFile string `short:"c" long:"config" description:"配置文件路径" default:"config.yaml"`
	Capture    string `short:"r" long:"capture" description:"抓包文件 (覆盖配置)"`
	DebugLevel string `short:"d" long:"debuglevel" description:"日志级别，如 info 或 info,REOR=debug (覆盖配置)"`
	Linger     bool   `long:"linger" description:"回放结束后继续提供指标服务直到收到信号"`
	GenConfig  bool   `long:"gen-config" description:"生成示例配置文件 config.example.yaml"`
	Version    bool   `short:"v" long:"version" description:"显示版本"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var opts options
	parser := flags.NewParser(&opts, flags.Default)
	if _, err := parser.Parse(); err != nil {
		var ferr *flags.Error
		if errors.As(err, &ferr) && ferr.Type == flags.ErrHelp {
			return nil
		}
		return err
	}

	if opts.Version {
		printVersion()
		return nil
	}

	if opts.GenConfig {
		if err := config.WriteExampleConfig("config.example.yaml"); err != nil {
			return fmt.Errorf("生成配置失败: %w", err)
		}
		fmt.Println("已生成示例配置文件: config.example.yaml")
		return nil
	}

	cfg, err := config.Load(opts.ConfigFile)
	if err != nil {
		return fmt.Errorf("配置错误: %w", err)
	}
	if opts.Capture != "" {
		cfg.Replay.Capture = opts.Capture
	}
	if opts.DebugLevel != "" {
		cfg.LogLevel = opts.DebugLevel
	}
	if opts.Linger {
		cfg.Replay.Linger = true
	}
	if cfg.Replay.Capture == "" {
		return errors.New("未指定抓包文件 (-r 或 replay.capture)")
	}

	backend, err := logging.New(cfg.LogFile, cfg.LogLevel, os.Stdout)
	if err != nil {
		return fmt.Errorf("日志初始化失败: %w", err)
	}
	defer backend.Close()
	log := backend.Logger(logging.SubsysMain)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	r, err := newReplayer(cfg, backend)
	if err != nil {
		return err
	}

	log.Infof("wlanrx-replay v%s (%s)", Version, GitCommit)
	err = r.Run(ctx)
	r.printSummary(os.Stdout)
	return err
}

func printVersion() {
	fmt.Printf("wlanrx-replay v%s\n", Version)
	fmt.Printf("  Build: %s\n", BuildTime)
	fmt.Printf("  Commit: %s\n", GitCommit)
	fmt.Printf("  Go: %s\n", runtime.Version())
	fmt.Printf("  OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Println()
	fmt.Println("支持的抓包链路类型:")
	fmt.Println("  - IEEE802_11        : 裸 802.11 帧 (replay.fcs 指明是否带 FCS)")
	fmt.Println("  - IEEE802_11_RADIO  : radiotap + 802.11")
	fmt.Println()
	fmt.Println("监控:")
	fmt.Println("  - /metrics  : Prometheus 格式指标")
	fmt.Println("  - /health   : JSON 健康状态")
	fmt.Println("  - /events   : 完整性失败事件 (WebSocket)")
}
