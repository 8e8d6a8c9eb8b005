package config

import (
	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig   `mapstructure:"server"`
	Database   DatabaseConfig `mapstructure:"database"`
	RabbitMQ   RabbitMQConfig `mapstructure:"rabbitmq"`
	Worker     WorkerConfig   `mapstructure:"worker"`
	Watcher    WatcherConfig  `mapstructure:"watcher"`
	Scan       ScanConfig     `mapstructure:"scan"`
	Log        LogConfig      `mapstructure:"log"`
	InboundDir string         `mapstructure:"inbound_dir"`
}

type ServerConfig struct {
	Port  int    `mapstructure:"port"`
	Mode  string `mapstructure:"mode"`  // debug, release
	Token string `mapstructure:"token"` // 管理接口令牌，留空则不启用认证
}

type DatabaseConfig struct {
	Type     string `mapstructure:"type"` // mysql, sqlite
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"db_name"`
	Path     string `mapstructure:"path"` // sqlite 数据文件路径
}

type RabbitMQConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	VHost    string `mapstructure:"vhost"`
	Queue    string `mapstructure:"queue"`
}

type WorkerConfig struct {
	Concurrency int `mapstructure:"concurrency"` // Worker 数量
	QueueSize   int `mapstructure:"queue_size"`  // 任务队列大小
}

// WatcherConfig 入库目录监听配置
type WatcherConfig struct {
	Enabled      bool `mapstructure:"enabled"`
	ScanExisting bool `mapstructure:"scan_existing"` // 启动时处理目录中已有文件
}

// ScanConfig 扫描行为配置
type ScanConfig struct {
	TimeoutSeconds      int `mapstructure:"timeout_seconds"`       // 单个包扫描超时
	DedupeWindowMinutes int `mapstructure:"dedupe_window_minutes"` // 相同校验和的去重窗口
	MaxUploadMB         int `mapstructure:"max_upload_mb"`         // 上传接口大小上限
}

type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, text
}

func Load(path string) (*Config, error) {
	viper.SetConfigFile(path)
	viper.SetConfigType("yaml")

	// 环境变量覆盖（支持嵌套配置）
	viper.AutomaticEnv()

	// 绑定环境变量到嵌套配置路径
	// RabbitMQ
	viper.BindEnv("rabbitmq.host", "RABBITMQ_HOST")
	viper.BindEnv("rabbitmq.port", "RABBITMQ_PORT")
	viper.BindEnv("rabbitmq.user", "RABBITMQ_USER")
	viper.BindEnv("rabbitmq.password", "RABBITMQ_PASS")

	// Database
	viper.BindEnv("database.host", "MYSQL_HOST")
	viper.BindEnv("database.port", "MYSQL_PORT")
	viper.BindEnv("database.user", "MYSQL_USER")
	viper.BindEnv("database.password", "MYSQL_PASS")
	viper.BindEnv("database.db_name", "MYSQL_DB")

	// 缺省值
	viper.SetDefault("worker.concurrency", 4)
	viper.SetDefault("worker.queue_size", 100)
	viper.SetDefault("scan.timeout_seconds", 120)
	viper.SetDefault("scan.dedupe_window_minutes", 10)
	viper.SetDefault("scan.max_upload_mb", 512)
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "text")

	if err := viper.ReadInConfig(); err != nil {
		return nil, err
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
