package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 定义应用程序的配置结构
// 使用 mapstructure 标签来映射配置文件中的字段
type Config struct {
	HTTP      HTTPConfig      `mapstructure:"http"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Planner   PlannerConfig   `mapstructure:"planner"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Workflow  WorkflowConfig  `mapstructure:"workflow"`
	Ejector   EjectorConfig   `mapstructure:"ejector"`
	Shutdown  ShutdownConfig  `mapstructure:"shutdown"`
	Journal   JournalConfig   `mapstructure:"journal"`

	// PrinterProfiles 覆盖内置的打印机型号规则，按顺序匹配
	PrinterProfiles []ProfileRule `mapstructure:"printer_profiles"`
	Simulate        bool          `mapstructure:"simulate"` // 使用内存存储和模拟设备
}

type HTTPConfig struct {
	Addr      string `mapstructure:"addr"`
	UploadDir string `mapstructure:"upload_dir"` // 上传的切片文件保存目录
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"` // SQLite 文件路径
}

type SchedulerConfig struct {
	TickInterval time.Duration `mapstructure:"tick_interval"` // 调度循环间隔
	BatchLimit   int           `mapstructure:"batch_limit"`   // 每轮最多处理的排队任务数
	Enabled      bool          `mapstructure:"enabled"`       // 启动时是否开启自动调度
}

type PlannerConfig struct {
	SafetyMarginMm    float64 `mapstructure:"safety_margin_mm"`
	StorageStartSlot  int     `mapstructure:"storage_start_slot"`
	SupplySlots       []int   `mapstructure:"supply_slots"`
	TopSlotHeadroomMm float64 `mapstructure:"top_slot_headroom_mm"`
	LookaheadJobs     int     `mapstructure:"lookahead_jobs"`
	StrictHeight      bool    `mapstructure:"strict_height"` // 缺少高度元数据时拒绝规划，而不是按 0 处理
}

type CacheConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
}

type WorkflowConfig struct {
	PollInterval     time.Duration `mapstructure:"poll_interval"`      // 打印状态轮询间隔
	CompletionDelay  time.Duration `mapstructure:"completion_delay"`   // 下发打印后忽略打印机状态的去抖时间，避免读到上一次打印的完成状态
	MaxPrintDuration time.Duration `mapstructure:"max_print_duration"` // 监控上限，超过视为失败
	BedSettleDelay   time.Duration `mapstructure:"bed_settle_delay"`   // 热床移动后等待
}

type EjectorConfig struct {
	IdlePollInterval time.Duration `mapstructure:"idle_poll_interval"`
	IdleTimeout      time.Duration `mapstructure:"idle_timeout"` // 单条宏等待空闲的上限
	LockTimeout      time.Duration `mapstructure:"lock_timeout"` // 等待取板机被其他流程释放的上限
	HTTPTimeout      time.Duration `mapstructure:"http_timeout"`
}

type ShutdownConfig struct {
	Timeout time.Duration `mapstructure:"timeout"` // 等待进行中冲突处理的上限
}

type JournalConfig struct {
	Path string `mapstructure:"path"`
}

// ProfileRule 是一条打印机型号规则，Match 为 expr 表达式，环境变量为 brand / model
type ProfileRule struct {
	Name       string `mapstructure:"name"`
	Match      string `mapstructure:"match"`
	EjectMacro string `mapstructure:"eject_macro"`
	LoadMacro  string `mapstructure:"load_macro"`
	DoorMacro  string `mapstructure:"door_macro"`
	BedGcode   string `mapstructure:"bed_gcode"`
}

// setDefaults 为每一项配置设置默认值
func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.upload_dir", "uploads")
	v.SetDefault("database.path", "orchestrator.db")

	v.SetDefault("scheduler.tick_interval", 5*time.Second)
	v.SetDefault("scheduler.batch_limit", 10)
	v.SetDefault("scheduler.enabled", true)

	v.SetDefault("planner.safety_margin_mm", 10.0)
	v.SetDefault("planner.storage_start_slot", 3)
	v.SetDefault("planner.supply_slots", []int{1, 2})
	v.SetDefault("planner.top_slot_headroom_mm", 0.0)
	v.SetDefault("planner.lookahead_jobs", 3)
	v.SetDefault("planner.strict_height", false)

	v.SetDefault("cache.ttl", 30*time.Second)

	v.SetDefault("workflow.poll_interval", 30*time.Second)
	v.SetDefault("workflow.completion_delay", 2*time.Minute)
	v.SetDefault("workflow.max_print_duration", 24*time.Hour)
	v.SetDefault("workflow.bed_settle_delay", 5*time.Second)

	v.SetDefault("ejector.idle_poll_interval", 3*time.Second)
	v.SetDefault("ejector.idle_timeout", 180*time.Second)
	v.SetDefault("ejector.lock_timeout", 5*time.Minute)
	v.SetDefault("ejector.http_timeout", 5*time.Second)

	v.SetDefault("shutdown.timeout", 30*time.Second)
	v.SetDefault("journal.path", "alerts.jsonl")
	v.SetDefault("simulate", false)
}

// Default 返回只包含默认值的配置
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	// 默认值全部合法，忽略错误
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// LoadConfig 从 config.yaml 文件加载配置
// 使用 Viper 库来读取和解析配置文件，配置文件不存在时使用默认值，环境变量 ORCH_* 优先
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config") // 配置文件名称 (不带扩展名)
		v.SetConfigType("yaml")   // 配置文件类型
		v.AddConfigPath(".")      // 查找配置文件的路径 (当前目录)
	}

	v.SetEnvPrefix("ORCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 读取配置文件
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || path != "" {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	// 将配置解析到结构体中
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 检查配置的取值范围
func (c *Config) Validate() error {
	switch {
	case c.Scheduler.TickInterval <= 0:
		return fmt.Errorf("scheduler.tick_interval 必须大于 0")
	case c.Scheduler.BatchLimit <= 0:
		return fmt.Errorf("scheduler.batch_limit 必须大于 0")
	case c.Planner.SafetyMarginMm < 0:
		return fmt.Errorf("planner.safety_margin_mm 不能为负数")
	case c.Planner.StorageStartSlot <= 0:
		return fmt.Errorf("planner.storage_start_slot 必须大于 0")
	case c.Cache.TTL <= 0:
		return fmt.Errorf("cache.ttl 必须大于 0")
	case c.Workflow.PollInterval <= 0:
		return fmt.Errorf("workflow.poll_interval 必须大于 0")
	case c.Ejector.IdlePollInterval <= 0 || c.Ejector.IdleTimeout <= 0:
		return fmt.Errorf("ejector 轮询参数必须大于 0")
	}
	for _, s := range c.Planner.SupplySlots {
		if s >= c.Planner.StorageStartSlot {
			return fmt.Errorf("供板槽位 %d 不能位于存放区 (>= %d)", s, c.Planner.StorageStartSlot)
		}
	}
	for i, r := range c.PrinterProfiles {
		if r.Match == "" {
			return fmt.Errorf("printer_profiles[%d] 缺少 match 表达式", i)
		}
	}
	return nil
}
