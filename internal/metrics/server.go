// =============================================================================
// 文件: internal/metrics/server.go
// 描述: 指标与健康探针服务 - Prometheus 抓取、组件健康汇总、可选 pprof
// =============================================================================
package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/pprof"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/decred/slog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mrcgq/wlanrx/internal/logging"
)

// 组件状态
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusDown     = "down"
)

const shutdownGrace = 5 * time.Second

// ServerConfig 指标服务配置
type ServerConfig struct {
	Listen      string
	MetricsPath string
	HealthPath  string
	Pprof       bool
	Version     string
}

// ComponentHealth 单个组件的健康状态
type ComponentHealth struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthReport /health 的输出
type HealthReport struct {
	Status     string                     `json:"status"`
	Version    string                     `json:"version,omitempty"`
	Uptime     string                     `json:"uptime"`
	Components map[string]ComponentHealth `json:"components,omitempty"`
}

type healthCheck struct {
	name string
	fn   func() ComponentHealth
}

// MetricsServer 指标服务器，使用私有 registry
type MetricsServer struct {
	cfg      ServerConfig
	log      slog.Logger
	registry *prometheus.Registry
	started  time.Time

	alive int32
	ready int32

	mu     sync.RWMutex
	checks []healthCheck
	extra  map[string]http.Handler

	httpServer *http.Server
	listener   net.Listener
	stopOnce   sync.Once
}

// NewMetricsServer 创建指标服务器并注册运行时收集器
func NewMetricsServer(cfg ServerConfig, log slog.Logger) *MetricsServer {
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	if cfg.HealthPath == "" {
		cfg.HealthPath = "/health"
	}
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return &MetricsServer{
		cfg:      cfg,
		log:      logging.OrDisabled(log),
		registry: registry,
		started:  time.Now(),
		alive:    1,
		extra:    make(map[string]http.Handler),
	}
}

// Registry 私有 registry
func (s *MetricsServer) Registry() *prometheus.Registry {
	return s.registry
}

// MustRegisterCollector 注册收集器，重复注册时 panic
func (s *MetricsServer) MustRegisterCollector(c prometheus.Collector) {
	s.registry.MustRegister(c)
}

// Handle 挂载额外的处理器，须在 Handler/Start 之前调用
func (s *MetricsServer) Handle(path string, h http.Handler) {
	s.mu.Lock()
	s.extra[path] = h
	s.mu.Unlock()
}

// AddCheck 注册组件健康检查，按名字排序输出
func (s *MetricsServer) AddCheck(name string, fn func() ComponentHealth) {
	s.mu.Lock()
	s.checks = append(s.checks, healthCheck{name: name, fn: fn})
	sort.Slice(s.checks, func(i, j int) bool { return s.checks[i].name < s.checks[j].name })
	s.mu.Unlock()
}

// SetAlive 存活探针状态
func (s *MetricsServer) SetAlive(alive bool) {
	atomic.StoreInt32(&s.alive, boolToInt32(alive))
}

// SetReady 就绪探针状态，站点与密钥装载完成后置位
func (s *MetricsServer) SetReady(ready bool) {
	atomic.StoreInt32(&s.ready, boolToInt32(ready))
}

func boolToInt32(b bool) int32 {
	if b {
		return 1
	}
	return 0
}

// Report 汇总所有组件；任一 down 则整体 down，否则任一 degraded 则整体 degraded
func (s *MetricsServer) Report() HealthReport {
	s.mu.RLock()
	checks := s.checks
	s.mu.RUnlock()

	rep := HealthReport{
		Status:  StatusOK,
		Version: s.cfg.Version,
		Uptime:  time.Since(s.started).Truncate(time.Second).String(),
	}
	if len(checks) > 0 {
		rep.Components = make(map[string]ComponentHealth, len(checks))
	}
	for _, c := range checks {
		h := c.fn()
		rep.Components[c.name] = h
		switch {
		case h.Status == StatusDown:
			rep.Status = StatusDown
		case h.Status == StatusDegraded && rep.Status == StatusOK:
			rep.Status = StatusDegraded
		}
	}
	return rep
}

// Handler 构建路由
func (s *MetricsServer) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc(s.cfg.HealthPath, s.serveHealth)
	mux.HandleFunc(s.cfg.HealthPath+"/live", s.serveLive)
	mux.HandleFunc(s.cfg.HealthPath+"/ready", s.serveReady)
	mux.Handle(s.cfg.MetricsPath, promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		Registry:          s.registry,
	}))

	if s.cfg.Pprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	s.mu.RLock()
	for path, h := range s.extra {
		mux.Handle(path, h)
	}
	s.mu.RUnlock()
	return mux
}

func (s *MetricsServer) serveHealth(w http.ResponseWriter, _ *http.Request) {
	rep := s.Report()
	w.Header().Set("Content-Type", "application/json")
	if rep.Status == StatusDown {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(rep); err != nil {
		s.log.Debugf("Health encode: %v", err)
	}
}

func (s *MetricsServer) serveLive(w http.ResponseWriter, _ *http.Request) {
	if atomic.LoadInt32(&s.alive) == 1 {
		w.Write([]byte("OK"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	w.Write([]byte("NOT OK"))
}

// serveReady 就绪需要显式置位且没有组件 down
func (s *MetricsServer) serveReady(w http.ResponseWriter, _ *http.Request) {
	if atomic.LoadInt32(&s.ready) == 1 && s.Report().Status != StatusDown {
		w.Write([]byte("READY"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	w.Write([]byte("NOT READY"))
}

// Start 监听并在后台提供服务，ctx 取消时优雅关闭
func (s *MetricsServer) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return err
	}
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Errorf("Metrics server: %v", err)
		}
	}()
	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	s.log.Infof("Metrics listening on %s%s", ln.Addr(), s.cfg.MetricsPath)
	return nil
}

// Addr 实际监听地址，未启动时为 nil
func (s *MetricsServer) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop 关闭服务，可重复调用
func (s *MetricsServer) Stop() {
	if s.httpServer == nil {
		return
	}
	s.stopOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.Warnf("Metrics shutdown: %v", err)
		}
	})
}
