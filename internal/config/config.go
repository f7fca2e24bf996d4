package config

import (
	"log"

	"github.com/spf13/viper"
)

// Config 全局配置结构
type Config struct {
	Server ServerConfig `mapstructure:"server"`
	MySQL  MySQLConfig  `mapstructure:"mysql"`
	Redis  RedisConfig  `mapstructure:"redis"`
	Kafka  KafkaConfig  `mapstructure:"kafka"`
	Bonus  BonusConfig  `mapstructure:"bonus"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type MySQLConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Brokers []string         `mapstructure:"brokers"`
	Topic   KafkaTopicConfig `mapstructure:"topic"`
}

type KafkaTopicConfig struct {
	BonusUpdate string `mapstructure:"bonus_update"`
	LevelUp     string `mapstructure:"level_up"`
}

// BonusConfig 积分业务配置
type BonusConfig struct {
	Enabled               bool `mapstructure:"enabled"`                  // 积分功能总开关
	DefaultExpiresDays    int  `mapstructure:"default_expires_days"`     // 新发积分有效期（天）
	LevelWindowDays       int  `mapstructure:"level_window_days"`        // 等级消费统计窗口（天）
	LevelDegradeAfterDays int  `mapstructure:"level_degrade_after_days"` // 多少天无消费触发降级
	ExpirySweepHour       int  `mapstructure:"expiry_sweep_hour"`        // 过期清扫执行小时（0-23）
	ReconcileHour         int  `mapstructure:"reconcile_hour"`           // 对账执行小时，与清扫错开
	MaxRetryCount         int  `mapstructure:"max_retry_count"`          // 通知投递最大重试次数
}

var GlobalConfig *Config

// LoadConfig 加载配置文件
func LoadConfig(configPath string) *Config {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")

	if err := viper.ReadInConfig(); err != nil {
		log.Fatalf("读取配置文件失败: %v", err)
	}

	config := &Config{}
	if err := viper.Unmarshal(config); err != nil {
		log.Fatalf("解析配置文件失败: %v", err)
	}

	GlobalConfig = config
	return config
}

// Default 测试与本地开发用的缺省业务配置
func Default() *Config {
	return &Config{
		Bonus: BonusConfig{
			Enabled:               true,
			DefaultExpiresDays:    365,
			LevelWindowDays:       60,
			LevelDegradeAfterDays: 90,
			ExpirySweepHour:       3,
			ReconcileHour:         5,
			MaxRetryCount:         3,
		},
	}
}
