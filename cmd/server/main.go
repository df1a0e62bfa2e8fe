package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/wfunc/paper-vendo/internal/api"
	"github.com/wfunc/paper-vendo/internal/coin"
	"github.com/wfunc/paper-vendo/internal/config"
	"github.com/wfunc/paper-vendo/internal/database"
	"github.com/wfunc/paper-vendo/internal/errors"
	"github.com/wfunc/paper-vendo/internal/hardware"
	"github.com/wfunc/paper-vendo/internal/logger"
	"github.com/wfunc/paper-vendo/internal/service"
	ws "github.com/wfunc/paper-vendo/internal/websocket"
)

// 版本信息
var (
	Version   = "1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// Server 纸品售卖机后端服务器
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	db       *gorm.DB
	channel  *hardware.Channel
	hub      *ws.Hub
	services *service.Services
	counter  *coin.Counter
	httpSrv  *http.Server

	// 关闭控制
	shutdownCh chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
}

func main() {
	// 命令行参数
	var (
		configPath  = flag.String("config", "", "配置文件路径")
		port        = flag.Int("port", 0, "HTTP端口，覆盖配置文件")
		showVersion = flag.Bool("version", false, "显示版本信息")
		showHelp    = flag.Bool("help", false, "显示帮助信息")
	)

	flag.Parse()

	if *showVersion {
		printVersion()
		os.Exit(0)
	}

	if *showHelp {
		printHelp()
		os.Exit(0)
	}

	// 加载配置
	if err := config.Init(*configPath); err != nil {
		fmt.Printf("加载配置失败: %v\n", err)
		os.Exit(1)
	}

	cfg := config.Get()

	// 命令行端口优先于配置文件
	if *port > 0 {
		cfg.Server.Port = *port
	}

	// 初始化日志系统
	if err := logger.Init(&cfg.Log); err != nil {
		fmt.Printf("初始化日志失败: %v\n", err)
		os.Exit(1)
	}

	// 设置系统参数
	setupSystem(&cfg.System)

	// 打印启动信息
	printStartInfo(cfg)

	// 创建服务器实例
	server := NewServer(cfg)

	// 启动服务器
	if err := server.Start(); err != nil {
		logger.Fatal("服务器启动失败", zap.Error(err))
	}

	// 等待退出信号
	server.WaitForShutdown()

	// 优雅关闭
	if err := server.Shutdown(); err != nil {
		logger.Error("服务器关闭失败", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("服务器已安全关闭")
}

// NewServer 创建服务器实例
func NewServer(cfg *config.Config) *Server {
	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		cfg:        cfg,
		logger:     logger.GetLogger(),
		shutdownCh: make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start 启动服务器
func (s *Server) Start() error {
	s.logger.Info("正在启动纸品售卖机服务器...",
		zap.String("version", Version),
		zap.String("mode", s.cfg.Server.Mode),
	)

	if err := s.initComponents(); err != nil {
		return errors.Wrap(err, errors.ErrUnknown, "初始化组件失败")
	}

	if err := s.startServices(); err != nil {
		return errors.Wrap(err, errors.ErrUnknown, "启动服务失败")
	}

	// 监听配置变化
	config.Watch(func(newCfg *config.Config) {
		s.logger.Info("配置已更新，正在重新加载...")
		s.reloadConfig(newCfg)
	})

	s.logger.Info("服务器启动成功",
		zap.String("http", fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)),
		zap.String("websocket", s.cfg.WebSocket.Path),
		zap.Bool("serial", s.cfg.Serial.Enabled),
	)

	return nil
}

// initComponents 初始化组件
// 顺序固定：数据库 → Hub → 串口通道 → 服务层 → 投币计数 → HTTP路由。
func (s *Server) initComponents() error {
	s.logger.Info("初始化组件...")

	if err := s.initDatabase(); err != nil {
		return err
	}

	s.hub = ws.NewHub(&s.cfg.WebSocket)

	if err := s.initChannel(); err != nil {
		return err
	}

	s.services = service.NewServices(s.cfg, s.channel, s.db)

	if err := s.initCoinCounter(); err != nil {
		return err
	}

	router := api.NewRouter(s.cfg, s.db, s.services, s.hub)
	s.httpSrv = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port),
		Handler:      router.Engine(),
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
	}

	s.logger.Info("所有组件初始化完成")
	return nil
}

// initDatabase 初始化数据库
func (s *Server) initDatabase() error {
	s.logger.Info("初始化数据库...")

	if err := database.Init(&s.cfg.Database); err != nil {
		return errors.Wrap(err, errors.ErrDatabaseConnect, "初始化数据库连接失败")
	}

	if s.cfg.Database.AutoMigrate {
		s.logger.Info("执行数据库自动迁移...")
		if err := database.AutoMigrate(); err != nil {
			return errors.Wrap(err, errors.ErrDatabaseConnect, "数据库迁移失败")
		}
	}

	if !database.IsConnected() {
		return errors.New(errors.ErrDatabaseConnect, "数据库连接检查失败")
	}

	s.db = database.GetDB()
	s.logger.Info("数据库初始化完成")
	return nil
}

// initChannel 初始化串口通道
// 串口不可用不算启动失败：后台重连会持续尝试，期间API返回设备离线。
func (s *Server) initChannel() error {
	s.channel = hardware.NewChannel(&s.cfg.Serial)

	// 连接状态变化推给所有面板
	s.channel.OnStatusChange(func(state hardware.ConnectionState, err error) {
		payload := map[string]interface{}{
			"state":     state.String(),
			"connected": state == hardware.StateConnected,
			"timestamp": time.Now().Unix(),
		}
		if err != nil {
			payload["error"] = err.Error()
		}
		s.hub.PushStatus(payload)
	})

	if !s.cfg.Serial.Enabled {
		s.logger.Warn("串口未启用，运行在离线模式")
		return nil
	}

	if err := s.channel.Connect(); err != nil {
		s.logger.Warn("串口初次连接失败，交给后台重连",
			zap.String("port", s.cfg.Serial.Port),
			zap.Error(err))
		s.channel.StartReconnect()
		return nil
	}

	s.logger.Info("串口已连接",
		zap.String("port", s.cfg.Serial.Port),
		zap.Int("baud_rate", s.cfg.Serial.BaudRate))
	return nil
}

// initCoinCounter 初始化投币脉冲计数
// 事件消费在这里接好：落库一条投币记录，并推送给面板。
// TODO: 接GPIO脉冲源（/dev/gpiochip0边沿事件），目前只有计数器本体
func (s *Server) initCoinCounter() error {
	if !s.cfg.CoinPulse.Enabled {
		return nil
	}

	counter, err := coin.NewCounter(&s.cfg.CoinPulse)
	if err != nil {
		return err
	}
	s.counter = counter

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-s.ctx.Done():
				return
			case event, ok := <-s.counter.Events():
				if !ok {
					return
				}
				s.logger.Info("投币",
					zap.Int("value", event.Value),
					zap.Int("pulses", event.Pulses))
				s.services.TransactionLog.RecordCoinInserted(event.Value, 1)
				s.hub.PushCoinIn(event)
			}
		}
	}()

	s.logger.Info("投币脉冲计数已启用",
		zap.String("mapping", s.cfg.CoinPulse.Mapping),
		zap.Duration("gap_window", s.cfg.CoinPulse.GapWindow))
	return nil
}

// startServices 启动服务
func (s *Server) startServices() error {
	s.logger.Info("启动服务...")

	// WebSocket Hub
	go s.hub.Run()

	// HTTP服务
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("HTTP服务已启动", zap.String("addr", s.httpSrv.Addr))
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP服务异常退出", zap.Error(err))
			s.requestShutdown()
		}
	}()

	s.logger.Info("所有服务启动完成")
	return nil
}

// requestShutdown 触发整体退出，幂等
func (s *Server) requestShutdown() {
	s.stopOnce.Do(func() {
		close(s.shutdownCh)
	})
}

// WaitForShutdown 等待关闭信号
func (s *Server) WaitForShutdown() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh,
		syscall.SIGINT,  // Ctrl+C
		syscall.SIGTERM, // kill命令
		syscall.SIGQUIT, // Ctrl+\
	)

	select {
	case sig := <-sigCh:
		s.logger.Info("收到退出信号", zap.String("signal", sig.String()))
	case <-s.shutdownCh:
		s.logger.Warn("内部组件请求退出")
	}

	s.requestShutdown()
}

// Shutdown 优雅关闭服务器
// 顺序：停HTTP → 断WebSocket → 停后台协程 → 刷日志关组件。
func (s *Server) Shutdown() error {
	s.logger.Info("正在优雅关闭服务器...")

	timeout := s.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	// 停止接收新请求
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("HTTP服务关闭超时", zap.Error(err))
		}
	}

	// 已升级的WebSocket连接不归http.Server管，单独断开
	if s.hub != nil {
		s.hub.Shutdown()
	}

	// 取消主上下文，触发所有后台协程退出
	s.cancel()
	if s.counter != nil {
		s.counter.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("所有服务已正常关闭")
	case <-shutdownCtx.Done():
		s.logger.Warn("关闭超时，强制退出")
		return errors.New(errors.ErrTimeout, "关闭超时")
	}

	if err := s.closeComponents(); err != nil {
		s.logger.Error("关闭组件失败", zap.Error(err))
		return err
	}

	logger.Cleanup()
	return nil
}

// closeComponents 关闭组件
// 服务层先关：交易日志还有缓冲没写完，必须赶在数据库关闭前落库。
func (s *Server) closeComponents() error {
	s.logger.Info("关闭组件...")

	if s.services != nil {
		s.services.Close()
	}

	if s.channel != nil {
		if err := s.channel.Close(); err != nil {
			s.logger.Error("关闭串口失败", zap.Error(err))
		}
	}

	if err := database.Close(); err != nil {
		s.logger.Error("关闭数据库失败", zap.Error(err))
	}

	s.logger.Info("所有组件已关闭")
	return nil
}

// reloadConfig 重新加载配置
// 只有日志级别支持热更，串口和路由的配置需要重启生效。
func (s *Server) reloadConfig(newCfg *config.Config) {
	if newCfg.Log.Level != s.cfg.Log.Level {
		logger.SetLevel(newCfg.Log.Level)
	}
	s.cfg = newCfg

	s.logger.Info("配置重新加载完成")
}

// setupSystem 设置系统参数
func setupSystem(cfg *config.SystemConfig) {
	// 设置时区
	if cfg.Timezone != "" {
		if loc, err := time.LoadLocation(cfg.Timezone); err == nil {
			time.Local = loc
		}
	}

	// 设置最大处理器数
	if cfg.MaxProcs > 0 {
		runtime.GOMAXPROCS(cfg.MaxProcs)
	}

	// 设置文件描述符限制（Unix系统）
	var rLimit syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rLimit); err == nil {
		rLimit.Cur = rLimit.Max
		syscall.Setrlimit(syscall.RLIMIT_NOFILE, &rLimit)
	}
}

// printVersion 打印版本信息
func printVersion() {
	fmt.Printf("纸品售卖机后端服务\n")
	fmt.Printf("版本: %s\n", Version)
	fmt.Printf("构建时间: %s\n", BuildTime)
	fmt.Printf("Git提交: %s\n", GitCommit)
	fmt.Printf("Go版本: %s\n", runtime.Version())
	fmt.Printf("操作系统: %s/%s\n", runtime.GOOS, runtime.GOARCH)
}

// printHelp 打印帮助信息
func printHelp() {
	fmt.Println("纸品售卖机后端服务")
	fmt.Println()
	fmt.Println("用法:")
	fmt.Println("  paper-vendo-server [选项]")
	fmt.Println()
	fmt.Println("选项:")
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println("环境变量:")
	fmt.Println("  VENDO_SERVER_PORT      HTTP端口")
	fmt.Println("  VENDO_SERIAL_PORT      串口设备路径")
	fmt.Println("  VENDO_LOG_LEVEL        日志级别 (debug/info/warn/error)")
	fmt.Println()
	fmt.Println("示例:")
	fmt.Println("  paper-vendo-server -config=/path/to/config.yaml")
	fmt.Println("  paper-vendo-server -port=8080")
	fmt.Println("  paper-vendo-server -version")
}

// printStartInfo 打印启动信息
func printStartInfo(cfg *config.Config) {
	banner := `
 ____                        __     __             _
|  _ \ __ _ _ __   ___ _ __  \ \   / /__ _ __   __| | ___
| |_) / _` + "`" + ` | '_ \ / _ \ '__|  \ \ / / _ \ '_ \ / _` + "`" + ` |/ _ \
|  __/ (_| | |_) |  __/ |      \ V /  __/ | | | (_| | (_) |
|_|   \__,_| .__/ \___|_|       \_/ \___|_| |_|\__,_|\___/
           |_|
                     纸品售卖机后端服务
`
	fmt.Println(banner)
	fmt.Printf("版本: %s | 模式: %s | PID: %d\n", Version, cfg.Server.Mode, os.Getpid())
	fmt.Printf("HTTP: %s:%d | 串口: %s\n", cfg.Server.Host, cfg.Server.Port, cfg.Serial.Port)
	fmt.Println("═══════════════════════════════════════════════════════════")
}
