// Package analyzer 从变更文件中提取功能、任务与风险信息，并生成版本说明。
// 只读取文件内容，不写入任何存储。
package analyzer

import (
	"bytes"
	"fmt"
	"path"
	"sort"
	"strings"

	"devsnap/internal/models"
)

// 风险规则阈值
const (
	criticalRemovedFiles = 5
	highChangedFiles     = 20
	mediumChangedFiles   = 5

	highImpactBytes   = 1 << 20
	mediumImpactBytes = 100 << 10

	// 超过该大小的文件不做模式提取
	maxAnalyzeSize = 1 << 20

	commentTopN = 3
)

// 清单与构建文件，任何改动都视为 critical
var manifestFiles = map[string]struct{}{
	"go.mod": {}, "go.sum": {}, "package.json": {}, "package-lock.json": {}, "yarn.lock": {},
	"pnpm-lock.yaml": {}, "Dockerfile": {}, "docker-compose.yml": {}, "docker-compose.yaml": {},
	"Makefile": {}, "Cargo.toml": {}, "Cargo.lock": {}, "requirements.txt": {}, "pyproject.toml": {},
	"Gemfile": {}, "Gemfile.lock": {}, "pom.xml": {}, "build.gradle": {}, "build.gradle.kts": {},
}

// IsManifest 是否为清单或构建文件
func IsManifest(p string) bool {
	base := path.Base(p)
	if _, ok := manifestFiles[base]; ok {
		return true
	}
	return strings.HasSuffix(base, ".csproj")
}

// ContentSource 为分析器提供文件内容
type ContentSource interface {
	// Current 读取工作区中的当前内容
	Current(path string) ([]byte, error)
	// Previous 读取上一版本中的内容
	Previous(path string) ([]byte, error)
}

// Analyzer 变更分析器
type Analyzer struct{}

// New 创建变更分析器
func New() *Analyzer {
	return &Analyzer{}
}

type accumulator struct {
	added    map[string]struct{}
	removed  map[string]struct{}
	modified map[string]struct{}
	tasks    map[string]struct{}
}

func newAccumulator() *accumulator {
	return &accumulator{
		added:    make(map[string]struct{}),
		removed:  make(map[string]struct{}),
		modified: make(map[string]struct{}),
		tasks:    make(map[string]struct{}),
	}
}

// AnalyzeChanges 分析变更集合，返回该次备份的元数据
func (a *Analyzer) AnalyzeChanges(changes models.ChangeSet, src ContentSource) models.BackupMetadata {
	acc := newAccumulator()
	var changedBytes int64

	for _, p := range changes.Added {
		data, ok := readable(src.Current, p)
		changedBytes += int64(len(data))
		if !ok {
			continue
		}
		for _, d := range extractDecls(p, data) {
			acc.added[d.Feature] = struct{}{}
		}
		for _, task := range extractTasks(data) {
			acc.tasks[task] = struct{}{}
		}
	}

	for _, p := range changes.Removed {
		data, ok := readable(src.Previous, p)
		if !ok {
			continue
		}
		for _, d := range extractDecls(p, data) {
			acc.removed[d.Feature] = struct{}{}
		}
	}

	for _, p := range changes.Modified {
		newData, okNew := readable(src.Current, p)
		changedBytes += int64(len(newData))
		oldData, okOld := readable(src.Previous, p)
		if !okNew {
			continue
		}
		if !okOld {
			oldData = nil
		}
		a.diffDeclarations(p, oldData, newData, acc)

		oldTasks := toSet(extractTasks(oldData))
		for _, task := range extractTasks(newData) {
			if _, seen := oldTasks[task]; !seen {
				acc.tasks[task] = struct{}{}
			}
		}
	}

	meta := models.BackupMetadata{
		AddedFeatures:     sortedKeys(acc.added),
		RemovedFeatures:   sortedKeys(acc.removed),
		ModifiedFeatures:  sortedKeys(acc.modified),
		TasksWorkedOn:     sortedKeys(acc.tasks),
		FilesAdded:        len(changes.Added),
		FilesModified:     len(changes.Modified),
		FilesRemoved:      len(changes.Removed),
		RiskLevel:         AssessRisk(changes),
		PerformanceImpact: assessPerformance(changedBytes),
	}
	meta.ChangesSummary = fmt.Sprintf("%d added, %d modified, %d removed",
		meta.FilesAdded, meta.FilesModified, meta.FilesRemoved)
	return meta
}

func (a *Analyzer) diffDeclarations(p string, oldData, newData []byte, acc *accumulator) {
	oldBlocks := declBlocks(p, oldData)
	newBlocks := declBlocks(p, newData)

	for feature, block := range newBlocks {
		prev, existed := oldBlocks[feature]
		switch {
		case !existed:
			acc.added[feature] = struct{}{}
		case prev != block:
			acc.modified[feature] = struct{}{}
		}
	}
	for feature := range oldBlocks {
		if _, ok := newBlocks[feature]; !ok {
			acc.removed[feature] = struct{}{}
		}
	}
}

// AssessRisk 固定的风险规则：
// 删除文件达到阈值或改动清单/构建文件 ⇒ critical；变更文件很多 ⇒ high/medium；否则 low
func AssessRisk(changes models.ChangeSet) string {
	if len(changes.Removed) >= criticalRemovedFiles {
		return models.RiskCritical
	}
	for _, list := range [][]string{changes.Added, changes.Modified, changes.Removed} {
		for _, p := range list {
			if IsManifest(p) {
				return models.RiskCritical
			}
		}
	}
	switch n := changes.Count(); {
	case n > highChangedFiles:
		return models.RiskHigh
	case n > mediumChangedFiles:
		return models.RiskMedium
	}
	return models.RiskLow
}

func assessPerformance(changedBytes int64) string {
	switch {
	case changedBytes > highImpactBytes:
		return "high"
	case changedBytes > mediumImpactBytes:
		return "medium"
	}
	return "low"
}

// GenerateAutomatedComment 根据元数据生成确定性的版本说明
func GenerateAutomatedComment(meta models.BackupMetadata) string {
	var parts []string
	if len(meta.AddedFeatures) > 0 {
		parts = append(parts, "Added "+topN(meta.AddedFeatures))
	}
	if len(meta.RemovedFeatures) > 0 {
		parts = append(parts, "Removed "+topN(meta.RemovedFeatures))
	}
	if len(meta.TasksWorkedOn) > 0 {
		parts = append(parts, "Tasks "+topN(meta.TasksWorkedOn))
	}
	if len(parts) == 0 && len(meta.ModifiedFeatures) > 0 {
		parts = append(parts, "Updated "+topN(meta.ModifiedFeatures))
	}
	if len(parts) == 0 {
		parts = append(parts, "Changes: "+meta.ChangesSummary)
	}

	comment := strings.Join(parts, "; ")
	if meta.RiskLevel != "" && meta.RiskLevel != models.RiskLow {
		comment += fmt.Sprintf(" [risk: %s]", meta.RiskLevel)
	}
	if meta.PerformanceImpact != "" && meta.PerformanceImpact != "low" {
		comment += fmt.Sprintf(" [perf: %s]", meta.PerformanceImpact)
	}
	return comment
}

func topN(items []string) string {
	if len(items) <= commentTopN {
		return strings.Join(items, ", ")
	}
	return fmt.Sprintf("%s and %d more", strings.Join(items[:commentTopN], ", "), len(items)-commentTopN)
}

// readable 读取文件并判断是否适合做模式提取（非二进制且不过大）
func readable(read func(string) ([]byte, error), p string) ([]byte, bool) {
	data, err := read(p)
	if err != nil {
		return nil, false
	}
	if len(data) > maxAnalyzeSize || bytes.IndexByte(data, 0) >= 0 {
		return data, false
	}
	return data, true
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, item := range items {
		set[item] = struct{}{}
	}
	return set
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
