package cmd

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"devsnap/internal/archiver"
	"devsnap/internal/backup"
	"devsnap/internal/logger"
	"devsnap/internal/models"
)

// defaultCleanupKeep 未配置 max_versions 时 cleanup 保留的版本数
const defaultCleanupKeep = 10

// newCreateCommand 创建备份命令
func newCreateCommand(opts *rootOptions) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "create [comment]",
		Short: "创建备份",
		Long: `扫描工作区并创建新版本。
没有变更时不会创建新版本，除非指定 --force。
未提供说明时根据变更内容自动生成。`,
		RunE: opts.withApp(func(cmd *cobra.Command, a *app, args []string) error {
			res, err := a.engine.CreateBackup(cmd.Context(), backup.CreateOptions{
				Comment: strings.Join(args, " "),
				Force:   force,
				Kind:    models.KindManual,
			})
			if err != nil {
				logger.Errorf("Backup failed: %v", err)
				return fmt.Errorf("备份失败: %w", err)
			}
			return a.render(res, func(w io.Writer) {
				switch {
				case res.Created:
					fmt.Fprintf(w, "=== 备份完成 ===\n")
					printVersion(w, res.Version)
				case res.VersionID == "":
					fmt.Fprintln(w, "工作区中没有可备份的文件")
				default:
					fmt.Fprintf(w, "没有变更，当前版本: %s\n", res.VersionID)
				}
			})
		}),
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "没有变更时也创建新版本")
	return cmd
}

// newListCommand 列出版本命令
func newListCommand(opts *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "列出版本",
		Args:  cobra.NoArgs,
		RunE: opts.withApp(func(cmd *cobra.Command, a *app, args []string) error {
			list, err := a.engine.ListVersions(limit)
			if err != nil {
				return fmt.Errorf("读取版本失败: %w", err)
			}
			current, err := a.engine.CurrentVersion()
			if err != nil {
				return fmt.Errorf("读取当前版本失败: %w", err)
			}
			return a.render(list, func(w io.Writer) {
				if len(list) == 0 {
					fmt.Fprintln(w, "还没有任何版本")
					return
				}
				for _, v := range list {
					printVersionLine(w, v, current)
				}
			})
		}),
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "最多显示的版本数，0 表示全部")
	return cmd
}

// newPreviewCommand 查看版本详情命令
func newPreviewCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "preview <version>",
		Short: "查看版本详情",
		Args:  cobra.ExactArgs(1),
		RunE: opts.withApp(func(cmd *cobra.Command, a *app, args []string) error {
			v, err := a.engine.PreviewBackup(args[0])
			if err != nil {
				return fmt.Errorf("读取版本失败: %w", err)
			}
			return a.render(v, func(w io.Writer) {
				printVersion(w, v)
				fmt.Fprintf(w, "\n文件:\n")
				for _, f := range v.Files {
					fmt.Fprintf(w, "  %-8s %8s  %s\n", f.ContentType, humanize.IBytes(uint64(f.Size)), f.Path)
				}
			})
		}),
	}
}

// newCompareCommand 比较版本命令
func newCompareCommand(opts *rootOptions) *cobra.Command {
	var patch bool
	cmd := &cobra.Command{
		Use:   "compare <from> <to>",
		Short: "比较两个版本",
		Args:  cobra.ExactArgs(2),
		RunE: opts.withApp(func(cmd *cobra.Command, a *app, args []string) error {
			result, err := a.engine.CompareVersions(args[0], args[1])
			if err != nil {
				return fmt.Errorf("比较失败: %w", err)
			}
			return a.render(result, func(w io.Writer) {
				printComparison(w, result)
				if patch {
					fmt.Fprintln(w)
					printPatches(w, result)
				}
			})
		}),
	}
	cmd.Flags().BoolVarP(&patch, "patch", "p", false, "输出统一格式的差异")
	return cmd
}

// newRollbackCommand 回滚命令
func newRollbackCommand(opts *rootOptions) *cobra.Command {
	var preview bool
	cmd := &cobra.Command{
		Use:   "rollback <version>",
		Short: "回滚工作区到指定版本",
		Long: `将工作区恢复为指定版本的内容。
回滚前会为当前工作区创建安全备份；--preview 只显示将要写入和删除的文件。`,
		Args: cobra.ExactArgs(1),
		RunE: opts.withApp(func(cmd *cobra.Command, a *app, args []string) error {
			result, err := a.engine.RollbackToVersion(cmd.Context(), args[0], preview)
			if err != nil {
				return fmt.Errorf("回滚失败: %w", err)
			}
			return a.render(result, func(w io.Writer) {
				printRollback(w, result)
			})
		}),
	}
	cmd.Flags().BoolVar(&preview, "preview", false, "只预览，不修改工作区")
	return cmd
}

// newCurrentCommand 当前版本命令
func newCurrentCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "current",
		Short: "显示当前版本",
		Args:  cobra.NoArgs,
		RunE: opts.withApp(func(cmd *cobra.Command, a *app, args []string) error {
			current, err := a.engine.CurrentVersion()
			if err != nil {
				return fmt.Errorf("读取当前版本失败: %w", err)
			}
			return a.render(map[string]string{"current": current}, func(w io.Writer) {
				fmt.Fprintln(w, orNone(current))
			})
		}),
	}
}

// newStatsCommand 统计命令
func newStatsCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "显示备份库统计",
		Args:  cobra.NoArgs,
		RunE: opts.withApp(func(cmd *cobra.Command, a *app, args []string) error {
			stats, err := a.engine.Stats()
			if err != nil {
				return fmt.Errorf("统计失败: %w", err)
			}
			return a.render(stats, func(w io.Writer) {
				printStats(w, stats)
			})
		}),
	}
}

// newPromptCommand 备份提示命令
func newPromptCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "prompt",
		Short: "判断是否应该备份",
		Args:  cobra.NoArgs,
		RunE: opts.withApp(func(cmd *cobra.Command, a *app, args []string) error {
			result, err := a.engine.ShouldPromptForBackup()
			if err != nil {
				return fmt.Errorf("检查失败: %w", err)
			}
			return a.render(result, func(w io.Writer) {
				if result.ShouldPrompt {
					fmt.Fprintf(w, "建议备份 [%s]: %s\n", result.Urgency, result.Reason)
				} else {
					fmt.Fprintf(w, "暂不需要备份: %s\n", result.Reason)
				}
			})
		}),
	}
}

// newCleanupCommand 清理命令
func newCleanupCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup [keep]",
		Short: "清理旧版本并回收对象",
		Long: `只保留最新的 keep 个版本（默认使用 max_versions），当前版本总是保留。
不再被任何版本引用的对象会被删除。`,
		Args: cobra.MaximumNArgs(1),
		RunE: opts.withApp(func(cmd *cobra.Command, a *app, args []string) error {
			keep := a.config.MaxVersions
			if keep <= 0 {
				keep = defaultCleanupKeep
			}
			if len(args) == 1 {
				n, err := strconv.Atoi(args[0])
				if err != nil {
					return fmt.Errorf("无效的保留数量: %s", args[0])
				}
				keep = n
			}

			result, err := a.engine.Cleanup(keep)
			if err != nil {
				return fmt.Errorf("清理失败: %w", err)
			}
			return a.render(result, func(w io.Writer) {
				fmt.Fprintf(w, "保留版本数: %d\n", result.Kept)
				fmt.Fprintf(w, "删除版本数: %d\n", len(result.RemovedVersions))
				for _, id := range result.RemovedVersions {
					fmt.Fprintf(w, "  - %s\n", id)
				}
				fmt.Fprintf(w, "回收对象数: %d\n", result.RemovedObjects)
			})
		}),
	}
}

// newHealthCommand 健康检查命令
func newHealthCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "检查备份库完整性",
		Args:  cobra.NoArgs,
		RunE: opts.withApp(func(cmd *cobra.Command, a *app, args []string) error {
			report, err := a.engine.Health()
			if err != nil {
				return fmt.Errorf("健康检查失败: %w", err)
			}
			if err := a.render(report, func(w io.Writer) { printHealth(w, report) }); err != nil {
				return err
			}
			if !report.Healthy {
				return fmt.Errorf("备份库健康检查未通过")
			}
			return nil
		}),
	}
}

// newExportCommand 导出命令
func newExportCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "export <version> <file.tar.gz>",
		Short: "将版本导出为压缩包",
		Long:  `将版本中的全部文件写入 tar.gz，并生成同名的 .sha256 校验和文件。`,
		Args:  cobra.ExactArgs(2),
		RunE: opts.withApp(func(cmd *cobra.Command, a *app, args []string) error {
			result, err := archiver.NewArchiver(a.fs, a.engine).ExportVersion(args[0], args[1])
			if err != nil {
				return fmt.Errorf("导出失败: %w", err)
			}
			return a.render(result, func(w io.Writer) {
				fmt.Fprintf(w, "已导出 %s (%d 个文件, %s)\n", result.ArchivePath, result.Files, humanize.IBytes(uint64(result.Size)))
				fmt.Fprintf(w, "校验和: %s\n", result.Checksum)
			})
		}),
	}
}
