package models

import (
	"context"
	"time"
)

// 风险等级
const (
	RiskLow      = "low"
	RiskMedium   = "medium"
	RiskHigh     = "high"
	RiskCritical = "critical"
)

// 版本类型
const (
	KindManual = "manual"
	KindAuto   = "auto"
	KindSafety = "safety"
)

// 提示紧急程度，critical > high > medium > none
const (
	UrgencyNone     = "none"
	UrgencyMedium   = "medium"
	UrgencyHigh     = "high"
	UrgencyCritical = "critical"
)

// BackupFile 版本中的单个文件条目
type BackupFile struct {
	Path         string    `json:"path"`                 // 相对工作区的路径，使用正斜杠
	Hash         string    `json:"hash"`                 // 原始内容的SHA256，即内容地址
	Size         int64     `json:"size"`                 // 原始内容大小
	LastModified time.Time `json:"last_modified"`        // 文件修改时间
	ContentType  string    `json:"content_type"`         // 压缩策略标签：text/binary/default
	DeltaFrom    string    `json:"delta_from,omitempty"` // 引用或差量的父内容哈希
}

// BackupMetadata 由变更文件推导出的元数据，创建后不可修改
type BackupMetadata struct {
	AddedFeatures     []string `json:"added_features"`
	RemovedFeatures   []string `json:"removed_features"`
	ModifiedFeatures  []string `json:"modified_features"`
	TasksWorkedOn     []string `json:"tasks_worked_on"`
	RiskLevel         string   `json:"risk_level"`
	ChangesSummary    string   `json:"changes_summary"`
	PerformanceImpact string   `json:"performance_impact"`
	FilesAdded        int      `json:"files_added"`
	FilesModified     int      `json:"files_modified"`
	FilesRemoved      int      `json:"files_removed"`
}

// BackupVersion 一个快照版本，ParentVersion 构成单链血缘
type BackupVersion struct {
	VersionID        string         `json:"version_id"`
	Timestamp        time.Time      `json:"timestamp"`
	Comment          string         `json:"comment"`
	Author           string         `json:"author"`
	ParentVersion    string         `json:"parent_version,omitempty"`
	PrunedParent     string         `json:"pruned_parent,omitempty"` // 清理后被截断的原父版本
	Kind             string         `json:"kind"`
	Trigger          string         `json:"trigger,omitempty"`
	Files            []BackupFile   `json:"files"`
	Metadata         BackupMetadata `json:"metadata"`
	Size             int64          `json:"size"`
	StoredBytes      int64          `json:"stored_bytes"`
	CompressionRatio float64        `json:"compression_ratio"`
}

// FileByPath 按路径索引文件条目
func (v *BackupVersion) FileByPath() map[string]BackupFile {
	m := make(map[string]BackupFile, len(v.Files))
	for _, f := range v.Files {
		m[f.Path] = f
	}
	return m
}

// ChangeSet 工作区相对某个版本的变更
type ChangeSet struct {
	Added    []string `json:"added"`
	Modified []string `json:"modified"`
	Removed  []string `json:"removed"`
}

// Count 变更文件总数
func (c ChangeSet) Count() int {
	return len(c.Added) + len(c.Modified) + len(c.Removed)
}

// Empty 是否没有任何变更
func (c ChangeSet) Empty() bool {
	return c.Count() == 0
}

// FileDiff 单个修改文件的行级差异摘要
type FileDiff struct {
	Path         string `json:"path"`
	LinesAdded   int    `json:"lines_added"`
	LinesRemoved int    `json:"lines_removed"`
	Binary       bool   `json:"binary"`
	Oversize     bool   `json:"oversize"`
	Patch        string `json:"patch,omitempty"`
}

// ComparisonResult 两个版本之间的比较结果
type ComparisonResult struct {
	From          string     `json:"from"`
	To            string     `json:"to"`
	AddedFiles    []string   `json:"added_files"`
	RemovedFiles  []string   `json:"removed_files"`
	ModifiedFiles []string   `json:"modified_files"`
	PerFileDiffs  []FileDiff `json:"per_file_diffs"`
}

// RollbackResult 回滚结果，Preview 为 true 时未做任何修改
type RollbackResult struct {
	TargetVersion string   `json:"target_version"`
	SafetyBackup  string   `json:"safety_backup,omitempty"`
	Preview       bool     `json:"preview"`
	FilesToWrite  []string `json:"files_to_write"`
	FilesToDelete []string `json:"files_to_delete"`
	Unchanged     int      `json:"unchanged"`
}

// PromptResult 是否提示用户备份
type PromptResult struct {
	ShouldPrompt       bool    `json:"should_prompt"`
	Urgency            string  `json:"urgency"`
	Reason             string  `json:"reason"`
	MinutesSinceBackup float64 `json:"minutes_since_backup"`
	PendingChanges     int     `json:"pending_changes"`
}

// Stats 版本库统计信息
type Stats struct {
	Count               int       `json:"count"`
	TotalSize           int64     `json:"total_size"`
	StoredBytes         int64     `json:"stored_bytes"`
	AvgCompressionRatio float64   `json:"avg_compression_ratio"`
	Current             string    `json:"current"`
	LastTimestamp       time.Time `json:"last_timestamp"`
}

// HealthCheck 单项健康检查
type HealthCheck struct {
	Name    string `json:"name"`
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

// HealthReport 健康检查报告
type HealthReport struct {
	Healthy bool          `json:"healthy"`
	Checks  []HealthCheck `json:"checks"`
}

// CleanupResult 清理结果
type CleanupResult struct {
	RemovedVersions []string `json:"removed_versions"`
	RemovedObjects  int      `json:"removed_objects"`
	Kept            int      `json:"kept"`
}

// ExportResult 版本导出结果
type ExportResult struct {
	VersionID    string `json:"version_id"`
	ArchivePath  string `json:"archive_path"`
	ChecksumPath string `json:"checksum_path"`
	Checksum     string `json:"checksum"`
	Files        int    `json:"files"`
	Size         int64  `json:"size"` // 压缩包大小
}

// Predicate 触发条件判定函数，不能有副作用
type Predicate func(ctx context.Context, s *Signals) (bool, error)

// TriggerCondition 一个具名触发条件
type TriggerCondition struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"`
	Description   string        `json:"description"`
	Predicate     Predicate     `json:"-"`
	Priority      int           `json:"priority"`
	Cooldown      time.Duration `json:"cooldown"`
	LastTriggered time.Time     `json:"last_triggered"`
}

// Signals 一次检查过程中供所有条件共享的工作区快照
type Signals struct {
	Now                time.Time
	LastBackup         time.Time
	HasBackup          bool
	MinutesSinceBackup float64
	Changes            ChangeSet
	Metadata           BackupMetadata
	ChangedBytes       int64
	// ReadCurrent 读取工作区中的文件内容
	ReadCurrent func(path string) ([]byte, error)
	// ReadPrevious 读取当前版本中的文件内容，不存在时返回 ErrNotFound
	ReadPrevious func(path string) ([]byte, error)
}

// TriggerEvent 一次条件评估的不可变记录
type TriggerEvent struct {
	ID        string    `json:"id"`
	TriggerID string    `json:"trigger_id"`
	Timestamp time.Time `json:"timestamp"`
	Condition string    `json:"condition"`
	BackupID  string    `json:"backup_id,omitempty"`
	Success   bool      `json:"success"`
	Reason    string    `json:"reason"`
}

// TriggerState 持久化的触发器状态
type TriggerState struct {
	LastCheck        time.Time            `json:"last_check"`
	TriggerHistory   []TriggerEvent       `json:"trigger_history"`
	ActiveConditions []string             `json:"active_conditions"`
	SuppressedUntil  *time.Time           `json:"suppressed_until,omitempty"`
	LastTriggered    map[string]time.Time `json:"last_triggered"`
}

// Config 配置
type Config struct {
	Workspace           string        `json:"workspace" mapstructure:"workspace"`                         // 工作区根目录
	BackupDir           string        `json:"backup_dir" mapstructure:"backup_dir"`                       // 备份存储目录
	Backend             string        `json:"backend" mapstructure:"backend"`                             // 存储后端：file/badger
	Author              string        `json:"author" mapstructure:"author"`                               // 版本作者
	MaxVersions         int           `json:"max_versions" mapstructure:"max_versions"`                   // 最多保留的版本数
	Compression         string        `json:"compression" mapstructure:"compression"`                     // 压缩级别：auto/fast/none
	Include             []string      `json:"include" mapstructure:"include"`                             // 包含模式，为空表示全部
	Exclude             []string      `json:"exclude" mapstructure:"exclude"`                             // 排除模式
	DeltaChainLimit     int           `json:"delta_chain_limit" mapstructure:"delta_chain_limit"`         // 差量链最大长度
	MaxDeltaSize        int64         `json:"max_delta_size" mapstructure:"max_delta_size"`               // 超过该大小不计算差量
	AutoBackupThreshold int           `json:"auto_backup_threshold" mapstructure:"auto_backup_threshold"` // 自动备份变更数阈值
	CheckInterval       time.Duration `json:"check_interval" mapstructure:"check_interval"`               // 触发器检查间隔
	CriticalPaths       []string      `json:"critical_paths" mapstructure:"critical_paths"`               // 监听的关键路径
	Verbose             bool          `json:"verbose" mapstructure:"verbose"`
	LogPath             string        `json:"log_path" mapstructure:"log_path"`
}
