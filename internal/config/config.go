package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Store       StoreConfig       `mapstructure:"store"`
	Replication ReplicationConfig `mapstructure:"replication"`
	Log         LogConfig         `mapstructure:"log"`
}

type ServerConfig struct {
	Port int    `mapstructure:"port"`
	Host string `mapstructure:"host"`
}

// Addr 监听地址
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// StoreConfig 配置与任务记录的存储
type StoreConfig struct {
	Driver string       `mapstructure:"driver"`
	MySQL  DBConnection `mapstructure:"mysql"`
}

type DBConnection struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
}

// ReplicationConfig 调度节奏、超时与并发
type ReplicationConfig struct {
	RealTimeInterval  time.Duration `mapstructure:"real_time_interval"`
	BatchInterval     time.Duration `mapstructure:"batch_interval"`
	ScheduledInterval time.Duration `mapstructure:"scheduled_interval"`
	RunTimeout        time.Duration `mapstructure:"run_timeout"`
	Workers           int           `mapstructure:"workers"`
	BatchSize         int           `mapstructure:"batch_size"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	// 基本配置
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	// 环境变量配置
	v.SetEnvPrefix("APP")                              // 环境变量前缀 APP_
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_")) // 支持嵌套配置 使用 _ 分隔
	v.AutomaticEnv()                                   // 自动读取环境变量

	// 设置默认值
	setDefaults(v)

	// 读取配置文件
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	// 验证配置
	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}

	return config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 28081)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("store.driver", "mysql")
	v.SetDefault("store.mysql.host", "127.0.0.1")
	v.SetDefault("store.mysql.port", 3306)
	v.SetDefault("store.mysql.user", "root")
	v.SetDefault("store.mysql.database", "replication")
	v.SetDefault("replication.real_time_interval", 5*time.Second)
	v.SetDefault("replication.batch_interval", 5*time.Minute)
	v.SetDefault("replication.scheduled_interval", time.Hour)
	v.SetDefault("replication.run_timeout", 30*time.Minute)
	v.SetDefault("replication.workers", 8)
	v.SetDefault("replication.batch_size", 100)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

func validateConfig(cfg *Config) error {
	switch cfg.Store.Driver {
	case "mysql":
		if cfg.Store.MySQL.Password == "" {
			return fmt.Errorf("store mysql password is required")
		}
	case "memory":
	default:
		return fmt.Errorf("invalid store driver: %s", cfg.Store.Driver)
	}

	r := cfg.Replication
	if r.RealTimeInterval <= 0 || r.BatchInterval <= 0 || r.ScheduledInterval <= 0 {
		return fmt.Errorf("replication intervals must be greater than 0")
	}
	if r.RunTimeout <= 0 {
		return fmt.Errorf("run_timeout must be greater than 0")
	}
	if r.Workers <= 0 {
		return fmt.Errorf("workers must be greater than 0")
	}
	if r.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be greater than 0")
	}

	if _, err := logrus.ParseLevel(cfg.Log.Level); err != nil {
		return fmt.Errorf("invalid log level: %s", cfg.Log.Level)
	}
	if cfg.Log.Format != "text" && cfg.Log.Format != "json" {
		return fmt.Errorf("invalid log format: %s", cfg.Log.Format)
	}

	return nil
}

// GetDSN 返回数据库连接字符串
func (d *DBConnection) GetDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		d.User, d.Password, d.Host, d.Port, d.Database)
}

// NewLogger 按配置构建 logrus 日志
func (l LogConfig) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)
	level, err := logrus.ParseLevel(l.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	if l.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger
}
