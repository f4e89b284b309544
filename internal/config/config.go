package config

import (
	"fmt"

	"github.com/spf13/viper"

	"garment-ops-engine/internal/workorder"
)

// RedisConfig 是 Redis 存储后端的连接参数
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`     // 连接地址
	Password string `mapstructure:"password"` // 密码，默认为空
	DB       int    `mapstructure:"db"`       // 数据库编号
	Prefix   string `mapstructure:"prefix"`   // 键前缀，用于多实例共用一个 Redis
}

// StoreConfig 选择持久化后端
type StoreConfig struct {
	Backend string      `mapstructure:"backend"` // "inmem" 或 "redis"
	Redis   RedisConfig `mapstructure:"redis"`
}

// RetryConfig 是动作执行器的重试参数
type RetryConfig struct {
	BaseDelayMs    int `mapstructure:"base_delay_ms"`    // 重试退避的基础间隔
	DelayUnitMs    int `mapstructure:"delay_unit_ms"`    // 动作 delay 字段的时间单位
	HTTPTimeoutSec int `mapstructure:"http_timeout_sec"` // 外部调用超时
}

// Config 定义应用程序的配置结构
// 使用 mapstructure 标签来映射配置文件中的字段
type Config struct {
	HTTPAddr            string           `mapstructure:"http_addr"`             // API 服务监听地址
	MaxWorkers          int              `mapstructure:"max_workers"`           // 事件总线并发 worker 数
	QueueBuffer         int              `mapstructure:"queue_buffer"`          // 事件队列缓冲长度
	WALPath             string           `mapstructure:"wal_path"`              // 事件预写日志路径
	CollaboratorAddr    string           `mapstructure:"collaborator_addr"`     // 远程协作服务地址
	SeedDefaultTriggers bool             `mapstructure:"seed_default_triggers"` // 启动时写入默认触发器集合
	AssignSweepCron     string           `mapstructure:"assign_sweep_cron"`     // 待分配工单派工扫描的 cron 表达式
	Store               StoreConfig      `mapstructure:"store"`
	Retry               RetryConfig      `mapstructure:"retry"`
	Scheduling          workorder.Policy `mapstructure:"scheduling"` // 排程策略
}

// LoadConfig 从 config.yaml 文件加载配置
// 使用 Viper 库来读取和解析配置文件
func LoadConfig() (*Config, error) {
	viper.SetConfigName("config") // 配置文件名称 (不带扩展名)
	viper.SetConfigType("yaml")   // 配置文件类型
	viper.AddConfigPath(".")      // 查找配置文件的路径 (当前目录)

	// 设置默认值
	viper.SetDefault("http_addr", ":8080")
	viper.SetDefault("max_workers", 4)
	viper.SetDefault("queue_buffer", 256)
	viper.SetDefault("wal_path", "events.wal")
	viper.SetDefault("collaborator_addr", "http://localhost:9090")
	viper.SetDefault("seed_default_triggers", true)
	viper.SetDefault("assign_sweep_cron", "@every 1m")
	viper.SetDefault("store.backend", "inmem")
	viper.SetDefault("store.redis.addr", "localhost:6379")
	viper.SetDefault("store.redis.prefix", "garment")
	viper.SetDefault("retry.base_delay_ms", 1000)
	viper.SetDefault("retry.delay_unit_ms", 60000)
	viper.SetDefault("retry.http_timeout_sec", 5)

	// 读取配置文件
	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	// 将配置解析到结构体中
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	return &cfg, nil
}
