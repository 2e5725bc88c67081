package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"devsnap/internal/models"
)

// 输出格式
const (
	formatText = "text"
	formatJSON = "json"
	formatYAML = "yaml"
)

func validFormat(format string) bool {
	switch format {
	case formatText, formatJSON, formatYAML:
		return true
	}
	return false
}

// render 按输出格式写出结果，text 格式由 text 函数负责
func (a *app) render(v interface{}, text func(w io.Writer)) error {
	switch a.format {
	case formatJSON:
		enc := json.NewEncoder(a.out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case formatYAML:
		// 经 JSON 中转，字段名与 json 格式保持一致
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		var doc interface{}
		if err := json.Unmarshal(data, &doc); err != nil {
			return err
		}
		enc := yaml.NewEncoder(a.out)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return err
		}
		return enc.Close()
	default:
		text(a.out)
		return nil
	}
}

func printVersionLine(w io.Writer, v *models.BackupVersion, current string) {
	marker := " "
	if v.VersionID == current {
		marker = "*"
	}
	fmt.Fprintf(w, "%s %s  %-8s %-14s %8s  %s\n",
		marker, v.VersionID, v.Kind, humanize.Time(v.Timestamp),
		humanize.IBytes(uint64(v.Size)), v.Comment)
}

func printVersion(w io.Writer, v *models.BackupVersion) {
	fmt.Fprintf(w, "版本: %s\n", v.VersionID)
	fmt.Fprintf(w, "时间: %s (%s)\n", v.Timestamp.Local().Format(time.DateTime), humanize.Time(v.Timestamp))
	fmt.Fprintf(w, "说明: %s\n", v.Comment)
	fmt.Fprintf(w, "作者: %s\n", v.Author)
	fmt.Fprintf(w, "类型: %s\n", v.Kind)
	if v.Trigger != "" {
		fmt.Fprintf(w, "触发条件: %s\n", v.Trigger)
	}
	if v.ParentVersion != "" {
		fmt.Fprintf(w, "父版本: %s\n", v.ParentVersion)
	}
	if v.PrunedParent != "" {
		fmt.Fprintf(w, "已清理的父版本: %s\n", v.PrunedParent)
	}
	fmt.Fprintf(w, "文件数: %d\n", len(v.Files))
	fmt.Fprintf(w, "总大小: %s\n", humanize.IBytes(uint64(v.Size)))
	fmt.Fprintf(w, "写入大小: %s\n", humanize.IBytes(uint64(v.StoredBytes)))
	fmt.Fprintf(w, "压缩比: %.2f\n", v.CompressionRatio)

	m := v.Metadata
	fmt.Fprintf(w, "\n变更: %s\n", m.ChangesSummary)
	fmt.Fprintf(w, "风险: %s  性能影响: %s\n", m.RiskLevel, m.PerformanceImpact)
	printList(w, "新增功能", m.AddedFeatures)
	printList(w, "修改功能", m.ModifiedFeatures)
	printList(w, "删除功能", m.RemovedFeatures)
	printList(w, "任务", m.TasksWorkedOn)
}

func printList(w io.Writer, title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(w, "%s:\n", title)
	for _, item := range items {
		fmt.Fprintf(w, "  - %s\n", item)
	}
}

func printComparison(w io.Writer, c *models.ComparisonResult) {
	fmt.Fprintf(w, "比较 %s -> %s\n", c.From, c.To)
	fmt.Fprintf(w, "新增 %d，删除 %d，修改 %d\n", len(c.AddedFiles), len(c.RemovedFiles), len(c.ModifiedFiles))
	for _, p := range c.AddedFiles {
		fmt.Fprintf(w, "  A %s\n", p)
	}
	for _, p := range c.RemovedFiles {
		fmt.Fprintf(w, "  D %s\n", p)
	}
	for _, d := range c.PerFileDiffs {
		switch {
		case d.Binary:
			fmt.Fprintf(w, "  M %s (二进制)\n", d.Path)
		case d.Oversize:
			fmt.Fprintf(w, "  M %s (文件过大，未比较)\n", d.Path)
		default:
			fmt.Fprintf(w, "  M %s +%d -%d\n", d.Path, d.LinesAdded, d.LinesRemoved)
		}
	}
}

func printPatches(w io.Writer, c *models.ComparisonResult) {
	for _, d := range c.PerFileDiffs {
		if d.Patch != "" {
			fmt.Fprint(w, d.Patch)
			if !strings.HasSuffix(d.Patch, "\n") {
				fmt.Fprintln(w)
			}
		}
	}
}

func printRollback(w io.Writer, r *models.RollbackResult) {
	if r.Preview {
		fmt.Fprintf(w, "=== 回滚预览: %s ===\n", r.TargetVersion)
	} else {
		fmt.Fprintf(w, "=== 已回滚到 %s ===\n", r.TargetVersion)
		fmt.Fprintf(w, "安全备份: %s\n", r.SafetyBackup)
	}
	fmt.Fprintf(w, "写入文件数: %d\n", len(r.FilesToWrite))
	for _, p := range r.FilesToWrite {
		fmt.Fprintf(w, "  W %s\n", p)
	}
	fmt.Fprintf(w, "删除文件数: %d\n", len(r.FilesToDelete))
	for _, p := range r.FilesToDelete {
		fmt.Fprintf(w, "  D %s\n", p)
	}
	fmt.Fprintf(w, "未变化文件数: %d\n", r.Unchanged)
}

func printStats(w io.Writer, s *models.Stats) {
	fmt.Fprintf(w, "版本数: %d\n", s.Count)
	fmt.Fprintf(w, "当前版本: %s\n", orNone(s.Current))
	fmt.Fprintf(w, "总大小: %s\n", humanize.IBytes(uint64(s.TotalSize)))
	fmt.Fprintf(w, "实际写入: %s\n", humanize.IBytes(uint64(s.StoredBytes)))
	fmt.Fprintf(w, "平均压缩比: %.2f\n", s.AvgCompressionRatio)
	if !s.LastTimestamp.IsZero() {
		fmt.Fprintf(w, "最近备份: %s\n", humanize.Time(s.LastTimestamp))
	}
}

func printHealth(w io.Writer, h *models.HealthReport) {
	for _, c := range h.Checks {
		status := "OK  "
		if !c.OK {
			status = "FAIL"
		}
		fmt.Fprintf(w, "[%s] %-14s %s\n", status, c.Name, c.Message)
	}
	if h.Healthy {
		fmt.Fprintln(w, "\n备份库状态正常")
	} else {
		fmt.Fprintln(w, "\n备份库存在问题")
	}
}

func printEvents(w io.Writer, events []models.TriggerEvent) {
	if len(events) == 0 {
		fmt.Fprintln(w, "没有触发任何条件")
		return
	}
	for _, ev := range events {
		status := "ok"
		if !ev.Success {
			status = "failed"
		}
		fmt.Fprintf(w, "%s  %-22s %-7s %s  %s\n",
			ev.Timestamp.Local().Format(time.DateTime), ev.TriggerID, status, orNone(ev.BackupID), ev.Reason)
	}
}

func orNone(s string) string {
	if s == "" {
		return "(无)"
	}
	return s
}
