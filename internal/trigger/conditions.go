package trigger

import (
	"bytes"
	"context"
	"path"
	"strings"
	"time"

	"devsnap/internal/analyzer"
	"devsnap/internal/models"
)

// 内置条件ID
const (
	TaskMilestone       = "task-milestone"
	FeatureCompletion   = "feature-completion"
	CriticalFileChanges = "critical-file-changes"
	TimeBased           = "time-based"
	ErrorDetection      = "error-detection"
	DependencyChanges   = "dependency-changes"
	LargeRefactor       = "large-refactor"
	PreDeployment       = "pre-deployment"
)

const (
	milestoneTaskCount   = 3
	featureCount         = 3
	timeBasedMinutes     = 60
	refactorFeatureCount = 10
	maxScanSize          = 1 << 20
)

// DefaultCriticalPaths 未配置时视为关键文件的路径
var DefaultCriticalPaths = []string{
	"go.mod", "package.json", "Dockerfile", ".env", "main.go", "config/**", "src/index.*", "src/main.*",
}

var deploymentPaths = []string{
	"Dockerfile", "docker-compose*.yml", "docker-compose*.yaml", "Procfile", "fly.toml", "vercel.json",
	"netlify.toml", "app.yaml", ".github/workflows/**", "deploy/**", "k8s/**", "helm/**", "VERSION", "CHANGELOG.md",
}

var notesFiles = map[string]struct{}{
	".md": {}, ".markdown": {}, ".txt": {}, ".todo": {},
}

// ConditionOptions 内置条件的参数
type ConditionOptions struct {
	CriticalPaths   []string
	ChangeThreshold int
}

// DefaultConditions 按评估顺序返回内置条件
func DefaultConditions(opts ConditionOptions) []*models.TriggerCondition {
	critical := opts.CriticalPaths
	if len(critical) == 0 {
		critical = DefaultCriticalPaths
	}
	threshold := opts.ChangeThreshold
	if threshold <= 0 {
		threshold = 20
	}

	return []*models.TriggerCondition{
		{
			ID:          TaskMilestone,
			Name:        "Task milestone",
			Description: "a task list gained completed items or several tasks were worked on",
			Predicate:   taskMilestone,
			Priority:    8,
			Cooldown:    15 * time.Minute,
		},
		{
			ID:          FeatureCompletion,
			Name:        "Feature completion",
			Description: "several new functions or components were added",
			Predicate:   featureCompletion,
			Priority:    6,
			Cooldown:    20 * time.Minute,
		},
		{
			ID:          CriticalFileChanges,
			Name:        "Critical file changes",
			Description: "a critical path was changed",
			Predicate:   pathsChanged(critical),
			Priority:    9,
			Cooldown:    10 * time.Minute,
		},
		{
			ID:          TimeBased,
			Name:        "Time based",
			Description: "pending changes and no backup in the last hour",
			Predicate:   timeBased,
			Priority:    3,
			Cooldown:    30 * time.Minute,
		},
		{
			ID:          ErrorDetection,
			Name:        "Error detection",
			Description: "conflict markers or FIXME notes appeared in changed files",
			Predicate:   errorDetection,
			Priority:    7,
			Cooldown:    5 * time.Minute,
		},
		{
			ID:          DependencyChanges,
			Name:        "Dependency changes",
			Description: "a manifest or lock file was changed",
			Predicate:   dependencyChanges,
			Priority:    8,
			Cooldown:    15 * time.Minute,
		},
		{
			ID:          LargeRefactor,
			Name:        "Large refactor",
			Description: "many files or declarations changed at once",
			Predicate:   largeRefactor(threshold),
			Priority:    7,
			Cooldown:    30 * time.Minute,
		},
		{
			ID:          PreDeployment,
			Name:        "Pre-deployment",
			Description: "deployment configuration was changed",
			Predicate:   pathsChanged(deploymentPaths),
			Priority:    10,
			Cooldown:    60 * time.Minute,
		},
	}
}

func taskMilestone(ctx context.Context, s *models.Signals) (bool, error) {
	if len(s.Metadata.TasksWorkedOn) >= milestoneTaskCount {
		return true, nil
	}
	for _, p := range changedPaths(s) {
		if _, ok := notesFiles[strings.ToLower(path.Ext(p))]; !ok {
			continue
		}
		cur, prev, err := readPair(s, p)
		if err != nil {
			return false, err
		}
		if countChecked(cur) > countChecked(prev) {
			return true, nil
		}
	}
	return false, nil
}

func featureCompletion(ctx context.Context, s *models.Signals) (bool, error) {
	return len(s.Metadata.AddedFeatures) >= featureCount, nil
}

func timeBased(ctx context.Context, s *models.Signals) (bool, error) {
	if s.Changes.Empty() {
		return false, nil
	}
	return !s.HasBackup || s.MinutesSinceBackup >= timeBasedMinutes, nil
}

func errorDetection(ctx context.Context, s *models.Signals) (bool, error) {
	for _, p := range changedPaths(s) {
		cur, prev, err := readPair(s, p)
		if err != nil {
			return false, err
		}
		if len(cur) > maxScanSize || bytes.IndexByte(cur, 0) >= 0 {
			continue
		}
		if countMarkers(cur) > countMarkers(prev) {
			return true, nil
		}
	}
	return false, nil
}

func dependencyChanges(ctx context.Context, s *models.Signals) (bool, error) {
	for _, p := range allChanged(s) {
		if analyzer.IsManifest(p) {
			return true, nil
		}
	}
	return false, nil
}

func largeRefactor(threshold int) models.Predicate {
	return func(ctx context.Context, s *models.Signals) (bool, error) {
		if s.Changes.Count() >= threshold {
			return true, nil
		}
		touched := len(s.Metadata.ModifiedFeatures) + len(s.Metadata.RemovedFeatures)
		return touched >= refactorFeatureCount, nil
	}
}

func pathsChanged(patterns []string) models.Predicate {
	return func(ctx context.Context, s *models.Signals) (bool, error) {
		for _, p := range allChanged(s) {
			if matchAny(patterns, p) {
				return true, nil
			}
		}
		return false, nil
	}
}

// changedPaths 新增与修改的文件
func changedPaths(s *models.Signals) []string {
	out := make([]string, 0, len(s.Changes.Added)+len(s.Changes.Modified))
	out = append(out, s.Changes.Added...)
	return append(out, s.Changes.Modified...)
}

func allChanged(s *models.Signals) []string {
	return append(changedPaths(s), s.Changes.Removed...)
}

// readPair 读取文件的当前与上一版本内容，不存在的一侧返回 nil
func readPair(s *models.Signals, p string) ([]byte, []byte, error) {
	var cur, prev []byte
	var err error
	if s.ReadCurrent != nil {
		cur, err = s.ReadCurrent(p)
		if err != nil && !models.IsNotFound(err) {
			return nil, nil, err
		}
	}
	if s.ReadPrevious != nil {
		prev, err = s.ReadPrevious(p)
		if err != nil && !models.IsNotFound(err) {
			return nil, nil, err
		}
	}
	return cur, prev, nil
}

func countChecked(data []byte) int {
	n := 0
	for _, line := range bytes.Split(data, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if bytes.HasPrefix(line, []byte("- [x]")) || bytes.HasPrefix(line, []byte("- [X]")) ||
			bytes.HasPrefix(line, []byte("* [x]")) || bytes.HasPrefix(line, []byte("* [X]")) {
			n++
		}
	}
	return n
}

func countMarkers(data []byte) int {
	n := 0
	for _, line := range bytes.Split(data, []byte("\n")) {
		if bytes.HasPrefix(line, []byte("<<<<<<< ")) || bytes.HasPrefix(line, []byte(">>>>>>> ")) {
			n++
			continue
		}
		if bytes.Contains(line, []byte("FIXME")) {
			n++
		}
	}
	return n
}

// matchAny 模式可匹配完整路径、文件名，或以 /** 结尾匹配目录下所有文件
func matchAny(patterns []string, p string) bool {
	for _, pattern := range patterns {
		if strings.HasSuffix(pattern, "/**") {
			if strings.HasPrefix(p, strings.TrimSuffix(pattern, "**")) {
				return true
			}
			continue
		}
		if ok, _ := path.Match(pattern, p); ok {
			return true
		}
		if !strings.Contains(pattern, "/") {
			if ok, _ := path.Match(pattern, path.Base(p)); ok {
				return true
			}
		}
	}
	return false
}
