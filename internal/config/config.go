package config

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config 全局配置结构体
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	WebSocket WebSocketConfig `mapstructure:"websocket"`
	Serial    SerialConfig    `mapstructure:"serial"`
	Dispenser DispenserConfig `mapstructure:"dispenser"`
	CoinPulse CoinPulseConfig `mapstructure:"coin_pulse"`
	Log       LogConfig       `mapstructure:"log"`
	Security  SecurityConfig  `mapstructure:"security"`
	System    SystemConfig    `mapstructure:"system"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Mode            string        `mapstructure:"mode"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	LogLevel        string        `mapstructure:"log_level"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// WebSocketConfig WebSocket配置
type WebSocketConfig struct {
	Path            string        `mapstructure:"path"`
	ReadBufferSize  int           `mapstructure:"read_buffer_size"`
	WriteBufferSize int           `mapstructure:"write_buffer_size"`
	MaxMessageSize  int64         `mapstructure:"max_message_size"`
	PingInterval    time.Duration `mapstructure:"ping_interval"`
	PongTimeout     time.Duration `mapstructure:"pong_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
}

// SerialConfig 串口通道配置
// 覆盖所有历史变体的行为差异：波特率、各级超时、重试次数都是参数而不是分支。
type SerialConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	Port              string        `mapstructure:"port"`
	BaudRate          int           `mapstructure:"baud_rate"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	CommandTimeout    time.Duration `mapstructure:"command_timeout"`    // sendCommand 默认响应超时
	QuiescenceWindow  time.Duration `mapstructure:"quiescence_window"`  // 静默窗口：已有行且无新数据则视为响应结束
	SettleAfterClose  time.Duration `mapstructure:"settle_after_close"` // 关闭旧连接后的稳定等待
	SettleAfterOpen   time.Duration `mapstructure:"settle_after_open"`  // 打开串口后的稳定等待
	MaxRetries        int           `mapstructure:"max_retries"`
	RetryBackoff      time.Duration `mapstructure:"retry_backoff"`      // 空响应重试的退避基数（×尝试次数）
	ErrorBackoff      time.Duration `mapstructure:"error_backoff"`      // 串口错误重试的退避基数（×尝试次数）
	ReconnectInterval time.Duration `mapstructure:"reconnect_interval"` // 后台重连间隔
	AutoDetect        bool          `mapstructure:"auto_detect"`
	DevicePatterns    []string      `mapstructure:"device_patterns"` // 自动探测的设备通配符
}

// DispenserConfig 找零/出纸配置
type DispenserConfig struct {
	Denominations     []int         `mapstructure:"denominations"`      // 可用硬币面额，降序
	ResetSettle       time.Duration `mapstructure:"reset_settle"`       // RESET 后的设备稳定等待
	HopperPause       time.Duration `mapstructure:"hopper_pause"`       // 相邻出币指令之间的机构停顿
	HopperBaseTimeout time.Duration `mapstructure:"hopper_base_timeout"`
	HopperPerCoin     time.Duration `mapstructure:"hopper_per_coin"` // 每枚硬币追加的超时
	PaperBaseTimeout  time.Duration `mapstructure:"paper_base_timeout"`
	PaperPerSheet     time.Duration `mapstructure:"paper_per_sheet"` // 每张纸追加的超时
}

// CoinPulseConfig 投币脉冲计数配置
// 历史上存在两张互不兼容的脉冲映射表，这里作为部署配置显式选择，代码不做猜测。
type CoinPulseConfig struct {
	Enabled   bool           `mapstructure:"enabled"`
	Mapping   string         `mapstructure:"mapping"`    // direct / offset / custom
	Custom    map[string]int `mapstructure:"custom"`     // mapping=custom 时：脉冲数 -> 面值
	GapWindow time.Duration  `mapstructure:"gap_window"` // 脉冲串之间的静默间隔
}

// LogConfig 日志配置
type LogConfig struct {
	Level   string            `mapstructure:"level"`
	Format  string            `mapstructure:"format"`
	Output  string            `mapstructure:"output"`
	File    LogFileConfig     `mapstructure:"file"`
	Modules map[string]string `mapstructure:"modules"`
}

// LogFileConfig 日志文件配置
type LogFileConfig struct {
	Path       string `mapstructure:"path"`
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxAge     int    `mapstructure:"max_age"`
	MaxBackups int    `mapstructure:"max_backups"`
	Compress   bool   `mapstructure:"compress"`
}

// SecurityConfig 安全配置
type SecurityConfig struct {
	JWT      JWTConfig      `mapstructure:"jwt"`
	Operator OperatorConfig `mapstructure:"operator"`
}

// JWTConfig JWT配置
type JWTConfig struct {
	Secret      string `mapstructure:"secret"`
	ExpireHours int    `mapstructure:"expire_hours"`
}

// OperatorConfig 运维账号配置（单账号，argon2id哈希存在配置里）
type OperatorConfig struct {
	Username     string `mapstructure:"username"`
	PasswordHash string `mapstructure:"password_hash"`
}

// SystemConfig 系统配置
type SystemConfig struct {
	Timezone string `mapstructure:"timezone"`
	MaxProcs int    `mapstructure:"max_procs"`
}

var (
	cfg  *Config
	once sync.Once
	mu   sync.RWMutex
	v    *viper.Viper
)

// Init 初始化配置
func Init(configPath string) error {
	var err error
	once.Do(func() {
		v = viper.New()

		// 设置配置文件路径
		if configPath != "" {
			v.SetConfigFile(configPath)
		} else {
			v.SetConfigName("config")
			v.SetConfigType("yaml")
			v.AddConfigPath("./config")
			v.AddConfigPath(".")
		}

		// 设置环境变量前缀
		v.SetEnvPrefix("VENDO")
		v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
		v.AutomaticEnv()

		// 设置默认值
		setDefaults(v)

		// 读取配置文件
		if err = v.ReadInConfig(); err != nil {
			// 如果配置文件不存在，使用默认配置
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return
			}
			err = nil
		}

		// 解析配置到结构体
		cfg = &Config{}
		err = v.Unmarshal(cfg)
	})

	return err
}

// setDefaults 设置默认配置值
func setDefaults(v *viper.Viper) {
	// 服务器默认配置
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "10s")

	// 数据库默认配置
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "./data/paper-vendo.db")
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.max_open_conns", 100)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.log_level", "warn")
	v.SetDefault("database.auto_migrate", true)

	// WebSocket默认配置
	v.SetDefault("websocket.path", "/ws")
	v.SetDefault("websocket.read_buffer_size", 1024)
	v.SetDefault("websocket.write_buffer_size", 1024)
	v.SetDefault("websocket.max_message_size", 4096)
	v.SetDefault("websocket.ping_interval", "30s")
	v.SetDefault("websocket.pong_timeout", "60s")
	v.SetDefault("websocket.write_timeout", "10s")

	// 串口默认配置（与固件约定一致：/dev/ttyACM0 @ 115200 8N1）
	v.SetDefault("serial.enabled", true)
	v.SetDefault("serial.port", "/dev/ttyACM0")
	v.SetDefault("serial.baud_rate", 115200)
	v.SetDefault("serial.read_timeout", "100ms")
	v.SetDefault("serial.command_timeout", "1s")
	v.SetDefault("serial.quiescence_window", "500ms")
	v.SetDefault("serial.settle_after_close", "300ms")
	v.SetDefault("serial.settle_after_open", "500ms")
	v.SetDefault("serial.max_retries", 3)
	v.SetDefault("serial.retry_backoff", "200ms")
	v.SetDefault("serial.error_backoff", "500ms")
	v.SetDefault("serial.reconnect_interval", "5s")
	v.SetDefault("serial.auto_detect", true)
	v.SetDefault("serial.device_patterns", []string{"/dev/ttyACM*", "/dev/ttyUSB*"})

	// 找零默认配置
	v.SetDefault("dispenser.denominations", []int{10, 5, 1})
	v.SetDefault("dispenser.reset_settle", "1s")
	v.SetDefault("dispenser.hopper_pause", "1s")
	v.SetDefault("dispenser.hopper_base_timeout", "10s")
	v.SetDefault("dispenser.hopper_per_coin", "2s")
	v.SetDefault("dispenser.paper_base_timeout", "20s")
	v.SetDefault("dispenser.paper_per_sheet", "10s")

	// 投币脉冲默认配置
	v.SetDefault("coin_pulse.enabled", false)
	v.SetDefault("coin_pulse.mapping", "direct")
	v.SetDefault("coin_pulse.gap_window", "200ms")

	// 日志默认配置
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output", "both")
	v.SetDefault("log.file.path", "./logs")
	v.SetDefault("log.file.filename", "paper-vendo.log")
	v.SetDefault("log.file.max_size", 100)
	v.SetDefault("log.file.max_age", 30)
	v.SetDefault("log.file.max_backups", 7)
	v.SetDefault("log.file.compress", true)

	// 安全默认配置
	v.SetDefault("security.jwt.secret", "change-me-in-production")
	v.SetDefault("security.jwt.expire_hours", 12)
	v.SetDefault("security.operator.username", "operator")
	v.SetDefault("security.operator.password_hash", "")

	// 系统默认配置
	v.SetDefault("system.timezone", "Asia/Manila")
	v.SetDefault("system.max_procs", 0)
}

// Get 获取配置实例
func Get() *Config {
	mu.RLock()
	defer mu.RUnlock()
	return cfg
}

// Watch 监听配置文件变化
func Watch(callback func(*Config)) {
	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		mu.Lock()
		defer mu.Unlock()

		newCfg := &Config{}
		if err := v.Unmarshal(newCfg); err != nil {
			fmt.Printf("配置重载失败: %v\n", err)
			return
		}

		cfg = newCfg

		if callback != nil {
			callback(cfg)
		}

		fmt.Println("配置已重新加载")
	})
}

// GetString 获取字符串配置
func GetString(key string) string {
	return v.GetString(key)
}

// GetInt 获取整数配置
func GetInt(key string) int {
	return v.GetInt(key)
}

// GetBool 获取布尔配置
func GetBool(key string) bool {
	return v.GetBool(key)
}

// GetDuration 获取时间间隔配置
func GetDuration(key string) time.Duration {
	return v.GetDuration(key)
}

// IsSet 检查配置项是否存在
func IsSet(key string) bool {
	return v.IsSet(key)
}

// Set 动态设置配置值
func Set(key string, value interface{}) {
	v.Set(key, value)
}
