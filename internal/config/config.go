package config

import (
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Device   DeviceConfig   `mapstructure:"device"`
	Database DatabaseConfig `mapstructure:"database"`
	Update   UpdateConfig   `mapstructure:"update"`
	Assets   AssetsConfig   `mapstructure:"assets"`
	Inbox    InboxConfig    `mapstructure:"inbox"`
	API      APIConfig      `mapstructure:"api"`
	Boot     BootConfig     `mapstructure:"boot"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Log      LogConfig      `mapstructure:"log"`
}

// DeviceConfig 设备后端配置
type DeviceConfig struct {
	Backend         string `mapstructure:"backend"` // sim, adb
	ADBTarget       string `mapstructure:"adb_target"`
	ADBTimeout      int    `mapstructure:"adb_timeout"` // seconds
	OwnPackage      string `mapstructure:"own_package"`
	SettingsPackage string `mapstructure:"settings_package"`
	SDKVersion      int    `mapstructure:"sdk_version"` // sim only
}

type DatabaseConfig struct {
	Type     string `mapstructure:"type"` // sqlite, mysql
	Path     string `mapstructure:"path"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"db_name"`
}

// UpdateConfig 自更新配置
type UpdateConfig struct {
	VersionURL   string `mapstructure:"version_url"`
	ChangelogURL string `mapstructure:"changelog_url"`
	APKURL       string `mapstructure:"apk_url"`
	DownloadDir  string `mapstructure:"download_dir"`
	VersionCode  int    `mapstructure:"version_code"`
	HTTPTimeout  int    `mapstructure:"http_timeout"` // seconds
}

// AssetsConfig bundled companion APK location
type AssetsConfig struct {
	Dir string `mapstructure:"dir"`
}

type InboxConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Dir        string `mapstructure:"dir"`
	StagingDir string `mapstructure:"staging_dir"` // 同一文件系统
}

type APIConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Listen   string `mapstructure:"listen"`
	Mode     string `mapstructure:"mode"`      // debug, release
	ReadOnly bool   `mapstructure:"read_only"` // 不挂载控制接口
}

type BootConfig struct {
	MaxAttempts       int `mapstructure:"max_attempts"`
	InitialIntervalMS int `mapstructure:"initial_interval_ms"`
}

type WorkerConfig struct {
	Concurrency int `mapstructure:"concurrency"`
	QueueSize   int `mapstructure:"queue_size"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, text
}

// ADBTimeoutDuration 返回 adb 命令超时
func (c DeviceConfig) ADBTimeoutDuration() time.Duration {
	if c.ADBTimeout <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.ADBTimeout) * time.Second
}

func (c UpdateConfig) HTTPTimeoutDuration() time.Duration {
	if c.HTTPTimeout <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.HTTPTimeout) * time.Second
}

func (c BootConfig) InitialInterval() time.Duration {
	return time.Duration(c.InitialIntervalMS) * time.Millisecond
}

// Default 默认配置（测试和无配置文件时使用）
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("device.backend", "sim")
	v.SetDefault("device.adb_timeout", 30)
	v.SetDefault("device.own_package", "org.devicelock.agent")
	v.SetDefault("device.settings_package", "com.android.settings")
	v.SetDefault("device.sdk_version", 34)

	v.SetDefault("database.type", "sqlite")
	v.SetDefault("database.path", "./data/devicelock.db")

	v.SetDefault("update.download_dir", "./data/updates")
	v.SetDefault("update.http_timeout", 30)

	v.SetDefault("assets.dir", "./assets")

	v.SetDefault("inbox.enabled", false)
	v.SetDefault("inbox.dir", "./data/inbox")
	v.SetDefault("inbox.staging_dir", "./data/inbox-staging")

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.listen", "127.0.0.1:8787")
	v.SetDefault("api.mode", "release")
	v.SetDefault("api.read_only", false)

	v.SetDefault("boot.max_attempts", 3)
	v.SetDefault("boot.initial_interval_ms", 2000)

	v.SetDefault("worker.concurrency", 1)
	v.SetDefault("worker.queue_size", 32)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	// 环境变量覆盖
	v.AutomaticEnv()
	v.BindEnv("device.backend", "DEVICELOCK_BACKEND")
	v.BindEnv("device.adb_target", "DEVICELOCK_ADB_TARGET")
	v.BindEnv("database.path", "DEVICELOCK_DB_PATH")
	v.BindEnv("database.password", "DEVICELOCK_DB_PASS")
	v.BindEnv("update.version_url", "DEVICELOCK_UPDATE_VERSION_URL")
	v.BindEnv("update.changelog_url", "DEVICELOCK_UPDATE_CHANGELOG_URL")
	v.BindEnv("update.apk_url", "DEVICELOCK_UPDATE_APK_URL")
	v.BindEnv("log.level", "DEVICELOCK_LOG_LEVEL")

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
