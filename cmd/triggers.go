package cmd

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/facebookgo/clock"
	"github.com/spf13/cobra"

	"devsnap/internal/trigger"
)

// newTriggerSystem 使用内置条件创建触发系统
func newTriggerSystem(a *app) (*trigger.System, error) {
	conditions := trigger.DefaultConditions(trigger.ConditionOptions{
		CriticalPaths:   a.config.CriticalPaths,
		ChangeThreshold: a.config.AutoBackupThreshold,
	})
	system, err := trigger.New(a.engine, a.backend, clock.New(), conditions, trigger.Options{
		Interval:   a.config.CheckInterval,
		WatchPaths: watchPaths(a.config.Workspace, a.config.CriticalPaths),
	})
	if err != nil {
		return nil, fmt.Errorf("创建触发系统失败: %w", err)
	}
	return system, nil
}

// watchPaths 将关键路径模式转换为可监听的绝对路径，含通配符的文件模式无法直接监听
func watchPaths(workspace string, patterns []string) []string {
	if len(patterns) == 0 {
		patterns = trigger.DefaultCriticalPaths
	}
	var paths []string
	for _, pattern := range patterns {
		pattern = strings.TrimSuffix(pattern, "/**")
		if strings.ContainsAny(pattern, "*?[") {
			continue
		}
		paths = append(paths, filepath.Join(workspace, filepath.FromSlash(pattern)))
	}
	return paths
}

// newWatchCommand 持续监听命令
func newWatchCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "持续监听工作区并自动备份",
		Long: `按 check_interval 定期评估触发条件，关键文件变化时立即检查。
满足条件时自动创建备份，按 Ctrl+C 退出。`,
		Args: cobra.NoArgs,
		RunE: opts.withApp(func(cmd *cobra.Command, a *app, args []string) error {
			system, err := newTriggerSystem(a)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := system.StartMonitoring(ctx); err != nil {
				return fmt.Errorf("启动监听失败: %w", err)
			}
			fmt.Fprintf(a.out, "正在监听 %s，检查间隔 %s\n", a.config.Workspace, a.config.CheckInterval)

			<-ctx.Done()
			system.StopMonitoring()
			fmt.Fprintln(a.out, "已停止监听")
			return nil
		}),
	}
}

// newTriggersCommand 触发器管理命令
func newTriggersCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "triggers",
		Short: "管理自动备份触发器",
	}

	check := &cobra.Command{
		Use:   "check",
		Short: "立即评估一次所有条件",
		Args:  cobra.NoArgs,
		RunE: opts.withApp(func(cmd *cobra.Command, a *app, args []string) error {
			system, err := newTriggerSystem(a)
			if err != nil {
				return err
			}
			events, err := system.CheckTriggers(cmd.Context())
			if err != nil {
				return fmt.Errorf("检查失败: %w", err)
			}
			return a.render(events, func(w io.Writer) { printEvents(w, events) })
		}),
	}

	suppress := &cobra.Command{
		Use:   "suppress <minutes>",
		Short: "在接下来的若干分钟内暂停自动备份",
		Args:  cobra.ExactArgs(1),
		RunE: opts.withApp(func(cmd *cobra.Command, a *app, args []string) error {
			minutes, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("无效的分钟数: %s", args[0])
			}
			system, err := newTriggerSystem(a)
			if err != nil {
				return err
			}
			if err := system.SuppressTriggers(minutes); err != nil {
				return fmt.Errorf("暂停失败: %w", err)
			}
			until, _ := system.SuppressedUntil()
			return a.render(map[string]time.Time{"suppressed_until": until}, func(w io.Writer) {
				fmt.Fprintf(w, "自动备份已暂停至 %s\n", until.Local().Format(time.DateTime))
			})
		}),
	}

	resume := &cobra.Command{
		Use:   "clear",
		Short: "取消暂停",
		Args:  cobra.NoArgs,
		RunE: opts.withApp(func(cmd *cobra.Command, a *app, args []string) error {
			system, err := newTriggerSystem(a)
			if err != nil {
				return err
			}
			if err := system.ClearSuppression(); err != nil {
				return fmt.Errorf("取消暂停失败: %w", err)
			}
			fmt.Fprintln(a.out, "自动备份已恢复")
			return nil
		}),
	}

	var limit int
	history := &cobra.Command{
		Use:   "history",
		Short: "显示最近的触发记录",
		Args:  cobra.NoArgs,
		RunE: opts.withApp(func(cmd *cobra.Command, a *app, args []string) error {
			system, err := newTriggerSystem(a)
			if err != nil {
				return err
			}
			events := system.History(limit)
			return a.render(events, func(w io.Writer) { printEvents(w, events) })
		}),
	}
	history.Flags().IntVarP(&limit, "limit", "n", 20, "最多显示的记录数，0 表示全部")

	list := &cobra.Command{
		Use:   "list",
		Short: "列出触发条件",
		Args:  cobra.NoArgs,
		RunE: opts.withApp(func(cmd *cobra.Command, a *app, args []string) error {
			system, err := newTriggerSystem(a)
			if err != nil {
				return err
			}
			conditions := system.Conditions()
			return a.render(conditions, func(w io.Writer) {
				for _, c := range conditions {
					last := "从未"
					if !c.LastTriggered.IsZero() {
						last = humanize.Time(c.LastTriggered)
					}
					fmt.Fprintf(w, "%2d  %-22s 冷却 %-6s 上次触发 %-14s %s\n",
						c.Priority, c.ID, c.Cooldown, last, c.Description)
				}
				if until, ok := system.SuppressedUntil(); ok {
					fmt.Fprintf(w, "\n已暂停至 %s\n", until.Local().Format(time.DateTime))
				}
			})
		}),
	}

	cmd.AddCommand(check, suppress, resume, history, list)
	return cmd
}
