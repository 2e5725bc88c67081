// Package config 加载 devsnap 配置：默认值、配置文件、DEVSNAP_ 环境变量与命令行参数，
// 优先级从低到高。
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"devsnap/internal/content"
	"devsnap/internal/logger"
	"devsnap/internal/models"
)

const (
	// ConfigName 工作区内查找的配置文件名（不含扩展名）
	ConfigName = ".devsnap"
	// EnvPrefix 环境变量前缀
	EnvPrefix = "DEVSNAP"
	// DefaultBackupDirName 未指定备份目录时在工作区下使用的目录名
	DefaultBackupDirName = ".devsnap"
)

// 后端类型
const (
	BackendFile   = "file"
	BackendBadger = "badger"
)

// DefaultExclude 默认排除的路径
var DefaultExclude = []string{".git", "node_modules", ".devsnap", "vendor", "dist", "build"}

// flagKeys 配置键到命令行参数名的映射
var flagKeys = map[string]string{
	"workspace":  "workspace",
	"backup_dir": "backup-dir",
	"backend":    "backend",
	"verbose":    "verbose",
	"log_path":   "log-path",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("workspace", ".")
	v.SetDefault("backup_dir", "")
	v.SetDefault("backend", BackendFile)
	v.SetDefault("author", "")
	v.SetDefault("max_versions", 50)
	v.SetDefault("compression", content.LevelAuto)
	v.SetDefault("include", []string{})
	v.SetDefault("exclude", DefaultExclude)
	v.SetDefault("delta_chain_limit", 10)
	v.SetDefault("max_delta_size", 512<<10)
	v.SetDefault("auto_backup_threshold", 20)
	v.SetDefault("check_interval", 5*time.Minute)
	v.SetDefault("critical_paths", []string{})
	v.SetDefault("verbose", false)
	v.SetDefault("log_path", "")
}

// Load 读取配置。configFile 为空时在工作区目录中查找 .devsnap.yaml，flags 可以为 nil
func Load(fs afero.Fs, configFile string, flags *pflag.FlagSet) (*models.Config, error) {
	v := viper.New()
	v.SetFs(fs)
	setDefaults(v)

	if flags != nil {
		for key, name := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
				}
			}
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		if ok, err := afero.Exists(fs, configFile); err != nil || !ok {
			return nil, fmt.Errorf("config file %s not found", configFile)
		}
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName(ConfigName)
		v.SetConfigType("yaml")
		v.AddConfigPath(v.GetString("workspace"))
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		logger.Debug("No config file found, using defaults and environment variables")
	} else {
		logger.WithField("file", v.ConfigFileUsed()).Debug("Loaded config file")
	}

	config := new(models.Config)
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if config.BackupDir == "" {
		config.BackupDir = DefaultBackupDirName
	}
	// 相对的备份目录基于工作区解析
	if !filepath.IsAbs(config.BackupDir) {
		config.BackupDir = filepath.Join(config.Workspace, config.BackupDir)
	}
	if err := Validate(config); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate 检查配置取值
func Validate(config *models.Config) error {
	switch {
	case config.Workspace == "":
		return &models.ValidationError{Field: "workspace", Reason: "must not be empty"}
	case config.Backend != BackendFile && config.Backend != BackendBadger:
		return &models.ValidationError{Field: "backend", Reason: fmt.Sprintf("unknown backend %q", config.Backend)}
	case !content.ValidLevel(config.Compression):
		return &models.ValidationError{Field: "compression", Reason: fmt.Sprintf("unknown level %q", config.Compression)}
	case config.MaxVersions < 0:
		return &models.ValidationError{Field: "max_versions", Reason: "must not be negative"}
	case config.DeltaChainLimit < 1:
		return &models.ValidationError{Field: "delta_chain_limit", Reason: "must be at least 1"}
	case config.MaxDeltaSize < 0:
		return &models.ValidationError{Field: "max_delta_size", Reason: "must not be negative"}
	case config.CheckInterval <= 0:
		return &models.ValidationError{Field: "check_interval", Reason: "must be positive"}
	}
	return nil
}
