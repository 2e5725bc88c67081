package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/facebookgo/clock"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"devsnap/internal/backup"
	"devsnap/internal/config"
	"devsnap/internal/logger"
	"devsnap/internal/models"
	"devsnap/internal/storage"
)

// rootOptions 全局参数
type rootOptions struct {
	workspace  string
	backupDir  string
	configFile string
	backend    string
	verbose    bool
	logPath    string
	output     string

	fs afero.Fs
}

// app 一次命令执行所需的实例
type app struct {
	config  *models.Config
	fs      afero.Fs
	backend storage.Backend
	engine  *backup.Engine
	out     io.Writer
	format  string
}

// NewRootCommand 创建根命令，fs 为 nil 时使用操作系统文件系统
func NewRootCommand(fs afero.Fs) *cobra.Command {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	opts := &rootOptions{fs: fs}

	rootCmd := &cobra.Command{
		Use:   "devsnap",
		Short: "开发工作区的版本快照工具",
		Long: `开发工作区的版本快照工具，支持：
- 基于内容寻址的去重存储与差量压缩
- 版本比较、回滚（回滚前自动创建安全备份）
- 根据代码变更自动判断何时备份

所有版本保存在备份目录中，默认为工作区下的 .devsnap 目录。`,
		Example: `  # 创建备份
  devsnap create "finish login flow" --workspace ~/src/app

  # 查看最近的版本并比较
  devsnap list --limit 5
  devsnap compare v20240301093000-0a1b2c3d-1 v20240301101500-9f8e7d6c-2

  # 预览回滚
  devsnap rollback v20240301093000-0a1b2c3d-1 --preview

  # 持续监听并自动备份
  devsnap watch`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// 添加全局标志
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&opts.workspace, "workspace", "w", ".", "工作区目录")
	flags.StringVar(&opts.backupDir, "backup-dir", "", "备份目录，相对路径基于工作区（默认 <workspace>/.devsnap）")
	flags.StringVar(&opts.configFile, "config", "", "配置文件路径（默认 <workspace>/.devsnap.yaml）")
	flags.StringVar(&opts.backend, "backend", config.BackendFile, "存储后端：file 或 badger")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "启用详细输出")
	flags.StringVar(&opts.logPath, "log-path", "", "日志文件路径（可选，默认仅输出到控制台）")
	flags.StringVarP(&opts.output, "output", "o", formatText, "输出格式：text、json 或 yaml")

	// 添加子命令
	rootCmd.AddCommand(
		newCreateCommand(opts),
		newListCommand(opts),
		newPreviewCommand(opts),
		newCompareCommand(opts),
		newRollbackCommand(opts),
		newCurrentCommand(opts),
		newStatsCommand(opts),
		newPromptCommand(opts),
		newCleanupCommand(opts),
		newHealthCommand(opts),
		newExportCommand(opts),
		newWatchCommand(opts),
		newTriggersCommand(opts),
	)
	return rootCmd
}

// Execute 执行命令
func Execute() {
	if err := NewRootCommand(nil).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// open 加载配置并创建存储与备份引擎，调用方负责 Close
func (o *rootOptions) open(cmd *cobra.Command) (*app, error) {
	if !validFormat(o.output) {
		return nil, fmt.Errorf("未知的输出格式: %s", o.output)
	}

	cfg, err := config.Load(o.fs, o.configFile, cmd.Flags())
	if err != nil {
		return nil, fmt.Errorf("配置无效: %w", err)
	}
	if err := absolutize(cfg); err != nil {
		return nil, err
	}

	// 初始化日志系统
	if err := logger.InitLogger(cfg.Verbose, cfg.LogPath); err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}

	if ok, err := afero.DirExists(o.fs, cfg.Workspace); err != nil || !ok {
		return nil, fmt.Errorf("工作区目录不存在: %s", cfg.Workspace)
	}

	backend, err := openBackend(o.fs, cfg)
	if err != nil {
		return nil, fmt.Errorf("打开存储失败: %w", err)
	}

	engine, err := backup.NewEngine(cfg, o.fs, backend, clock.New())
	if err != nil {
		backend.Close()
		return nil, fmt.Errorf("创建备份引擎失败: %w", err)
	}

	return &app{
		config:  cfg,
		fs:      o.fs,
		backend: backend,
		engine:  engine,
		out:     cmd.OutOrStdout(),
		format:  o.output,
	}, nil
}

// Close 释放存储
func (a *app) Close() error {
	return a.backend.Close()
}

func absolutize(cfg *models.Config) error {
	workspace, err := filepath.Abs(cfg.Workspace)
	if err != nil {
		return fmt.Errorf("无法解析工作区路径: %w", err)
	}
	backupDir, err := filepath.Abs(cfg.BackupDir)
	if err != nil {
		return fmt.Errorf("无法解析备份目录: %w", err)
	}
	cfg.Workspace, cfg.BackupDir = workspace, backupDir
	return nil
}

// openBackend 按配置创建存储后端
func openBackend(fs afero.Fs, cfg *models.Config) (storage.Backend, error) {
	switch cfg.Backend {
	case config.BackendBadger:
		return storage.NewBadgerBackend(storage.BadgerConfig{Path: cfg.BackupDir})
	default:
		return storage.NewFileBackend(fs, cfg.BackupDir)
	}
}

// withApp 打开实例后执行 fn，结束时关闭存储
func (o *rootOptions) withApp(fn func(cmd *cobra.Command, a *app, args []string) error) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := o.open(cmd)
		if err != nil {
			return err
		}
		defer func() {
			if err := a.Close(); err != nil {
				logger.Warnf("Failed to close storage: %v", err)
			}
		}()
		return fn(cmd, a, args)
	}
}
