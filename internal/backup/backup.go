package backup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/facebookgo/clock"
	"github.com/spf13/afero"

	"devsnap/internal/analyzer"
	"devsnap/internal/content"
	"devsnap/internal/logger"
	"devsnap/internal/models"
	"devsnap/internal/scanner"
	"devsnap/internal/storage"
	"devsnap/internal/versions"
)

// CreateOptions 创建备份的参数
type CreateOptions struct {
	Comment string // 为空时自动生成
	Force   bool   // 没有变更时也创建新版本
	Kind    string // manual/auto/safety，默认 manual
	Trigger string // 自动备份的触发条件ID

	skipPrune bool
}

// CreateResult 创建备份的结果
type CreateResult struct {
	VersionID string                `json:"version_id"`
	Created   bool                  `json:"created"` // false 表示没有变更，返回的是当前版本
	Changes   models.ChangeSet      `json:"changes"`
	Version   *models.BackupVersion `json:"version,omitempty"`
}

// Engine 备份引擎，所有公开方法在同一把锁下串行执行
type Engine struct {
	mu sync.Mutex

	config     *models.Config
	clock      clock.Clock
	scanner    *scanner.WorkspaceScanner
	objects    *content.Store
	compressor *content.Compressor
	versions   *versions.Store
	analyzer   *analyzer.Analyzer
}

// NewEngine 创建备份引擎
func NewEngine(config *models.Config, fs afero.Fs, backend storage.Backend, clk clock.Clock) (*Engine, error) {
	if config.Workspace == "" {
		return nil, &models.ValidationError{Field: "workspace", Reason: "must not be empty"}
	}
	if config.Compression != "" && !content.ValidLevel(config.Compression) {
		return nil, &models.ValidationError{Field: "compression", Reason: fmt.Sprintf("unknown level %q", config.Compression)}
	}
	if clk == nil {
		clk = clock.New()
	}
	exclude, err := scanExclude(config)
	if err != nil {
		return nil, err
	}

	versionStore, err := versions.NewStore(backend, clk, versions.DefaultCacheSize)
	if err != nil {
		return nil, err
	}
	objects := content.NewStore(backend, config.Compression)

	return &Engine{
		config:     config,
		clock:      clk,
		scanner:    scanner.NewWorkspaceScanner(fs, config.Workspace, config.Include, exclude),
		objects:    objects,
		compressor: content.NewCompressor(objects, config.DeltaChainLimit, config.MaxDeltaSize),
		versions:   versionStore,
		analyzer:   analyzer.New(),
	}, nil
}

// scanExclude 在用户的排除规则之外，始终排除位于工作区内的备份目录
func scanExclude(config *models.Config) ([]string, error) {
	exclude := append([]string(nil), config.Exclude...)
	if config.BackupDir == "" {
		return exclude, nil
	}
	rel, err := filepath.Rel(filepath.Clean(config.Workspace), filepath.Clean(config.BackupDir))
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return exclude, nil
	}
	if rel == "." {
		return nil, &models.ValidationError{Field: "backup_dir", Reason: "must not be the workspace itself"}
	}
	return append(exclude, filepath.ToSlash(rel)+"/**"), nil
}

// Config 获取引擎配置
func (e *Engine) Config() *models.Config {
	return e.config
}

// CreateBackup 为工作区创建新版本。
// 没有变更且未强制时返回当前版本ID，不写入任何记录。
func (e *Engine) CreateBackup(ctx context.Context, opts CreateOptions) (*CreateResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.createLocked(ctx, opts)
}

func (e *Engine) createLocked(ctx context.Context, opts CreateOptions) (*CreateResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	startTime := e.clock.Now()
	logger.LogBackupStart(e.config.Workspace, e.config.BackupDir, opts.Force)

	// 1. 与当前版本比较，找出变更文件
	current, parent, err := e.currentLocked()
	if err != nil {
		return nil, err
	}
	var previous map[string]models.BackupFile
	if parent != nil {
		previous = parent.FileByPath()
	}

	scan, err := e.scanner.ScanAgainst(previous)
	if err != nil {
		return nil, fmt.Errorf("failed to detect changes: %w", err)
	}

	// 2. 没有变更时直接返回当前版本
	if scan.Changes.Empty() && !opts.Force {
		logger.WithField("version", current).Info("No changes detected, backup skipped")
		return &CreateResult{VersionID: current, Changes: scan.Changes, Version: parent}, nil
	}

	// 3. 分析变更
	metadata := e.analyzer.AnalyzeChanges(scan.Changes, e.contentSource(previous))

	// 4. 保存文件内容
	files, written, changedRaw, err := e.persistFiles(scan, previous)
	if err != nil {
		return nil, err
	}

	// 5. 组装并写入版本记录
	comment := opts.Comment
	if comment == "" {
		comment = analyzer.GenerateAutomatedComment(metadata)
	}
	kind := opts.Kind
	if kind == "" {
		kind = models.KindManual
	}

	versionID, err := e.versions.NextVersionID(versionSeed(current, comment, files))
	if err != nil {
		return nil, fmt.Errorf("failed to allocate version id: %w", err)
	}

	version := &models.BackupVersion{
		VersionID:     versionID,
		Timestamp:     e.clock.Now().UTC(),
		Comment:       comment,
		Author:        e.config.Author,
		ParentVersion: current,
		Kind:          kind,
		Trigger:       opts.Trigger,
		Files:         files,
		Metadata:      metadata,
		StoredBytes:   written,
	}
	for _, f := range files {
		version.Size += f.Size
	}
	if written > 0 {
		version.CompressionRatio = float64(changedRaw) / float64(written)
	}

	if err := e.versions.WriteVersion(version); err != nil {
		return nil, fmt.Errorf("failed to write version: %w", err)
	}

	// 6. 版本记录写入后才移动当前指针
	if err := e.versions.SetCurrent(versionID); err != nil {
		return nil, fmt.Errorf("failed to advance current version: %w", err)
	}

	logger.LogBackupComplete(versionID, e.clock.Now().Sub(startTime), len(files), scan.Changes.Count(), written, metadata.RiskLevel)

	// 7. 超出保留数量时清理旧版本
	if !opts.skipPrune && e.config.MaxVersions > 0 {
		if _, err := e.cleanupLocked(e.config.MaxVersions); err != nil {
			logger.Warnf("Failed to prune old versions after %s: %v", versionID, err)
		}
	}

	return &CreateResult{
		VersionID: versionID,
		Created:   true,
		Changes:   scan.Changes,
		Version:   version,
	}, nil
}

// persistFiles 保存变更文件并为所有文件生成条目，未变更文件只保存引用
func (e *Engine) persistFiles(scan *scanner.ScanResult, previous map[string]models.BackupFile) ([]models.BackupFile, int64, int64, error) {
	var written, changedRaw int64
	paths := scan.Paths()
	files := make([]models.BackupFile, 0, len(paths))

	for _, p := range paths {
		f := scan.Files[p]
		prev, existed := previous[p]

		if existed && prev.Hash == f.Hash {
			files = append(files, models.BackupFile{
				Path:         p,
				Hash:         prev.Hash,
				Size:         f.Size,
				LastModified: f.ModTime,
				ContentType:  prev.ContentType,
				DeltaFrom:    prev.Hash,
			})
			continue
		}

		data, err := e.scanner.ReadFile(p)
		if err != nil {
			return nil, 0, 0, fmt.Errorf("failed to read %s: %w", p, err)
		}
		decision, err := e.compressor.DiffAgainstParent(p, prev.Hash, data)
		if err != nil {
			return nil, 0, 0, fmt.Errorf("failed to store %s: %w", p, err)
		}

		written += decision.Written
		changedRaw += int64(len(data))
		files = append(files, models.BackupFile{
			Path:         p,
			Hash:         decision.Hash,
			Size:         int64(len(data)),
			LastModified: f.ModTime,
			ContentType:  decision.ContentType,
			DeltaFrom:    decision.DeltaFrom,
		})
	}
	return files, written, changedRaw, nil
}

// versionSeed 版本ID中短哈希的输入：父版本、说明与所有文件哈希
func versionSeed(parent, comment string, files []models.BackupFile) string {
	h := sha256.New()
	h.Write([]byte(parent))
	h.Write([]byte(comment))
	for _, f := range files {
		h.Write([]byte(f.Path))
		h.Write([]byte(f.Hash))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// currentLocked 读取当前版本ID与记录，没有版本时返回空
func (e *Engine) currentLocked() (string, *models.BackupVersion, error) {
	current, err := e.versions.CurrentVersion()
	if err != nil {
		return "", nil, err
	}
	if current == "" {
		return "", nil, nil
	}
	version, err := e.versions.ReadVersion(current)
	if err != nil {
		return "", nil, fmt.Errorf("failed to load current version: %w", err)
	}
	return current, version, nil
}

// workspaceSource 分析器读取工作区与上一版本内容
type workspaceSource struct {
	engine   *Engine
	previous map[string]models.BackupFile
}

func (s workspaceSource) Current(p string) ([]byte, error) {
	return s.engine.scanner.ReadFile(p)
}

func (s workspaceSource) Previous(p string) ([]byte, error) {
	f, ok := s.previous[p]
	if !ok {
		return nil, &models.NotFoundError{Kind: "file", ID: p}
	}
	return s.engine.objects.Retrieve(f.Hash)
}

func (e *Engine) contentSource(previous map[string]models.BackupFile) workspaceSource {
	return workspaceSource{engine: e, previous: previous}
}

// PreviewBackup 读取版本记录
func (e *Engine) PreviewBackup(versionID string) (*models.BackupVersion, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.versions.ReadVersion(versionID)
}

// ListVersions 从新到旧列出版本，limit<=0 表示全部
func (e *Engine) ListVersions(limit int) ([]*models.BackupVersion, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ids, err := e.versions.ListIDs()
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	list := make([]*models.BackupVersion, 0, len(ids))
	for _, id := range ids {
		v, err := e.versions.ReadVersion(id)
		if err != nil {
			return nil, err
		}
		list = append(list, v)
	}
	return list, nil
}

// CurrentVersion 当前版本ID，没有版本时为空
func (e *Engine) CurrentVersion() (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.versions.CurrentVersion()
}

// Stats 版本库统计
func (e *Engine) Stats() (*models.Stats, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.versions.Stats()
}

// Lineage 版本血缘，从指定版本到初始版本
func (e *Engine) Lineage(versionID string) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.versions.Lineage(versionID)
}

// ReadFile 读取某个版本中的文件内容
func (e *Engine) ReadFile(versionID, path string) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	version, err := e.versions.ReadVersion(versionID)
	if err != nil {
		return nil, err
	}
	f, ok := version.FileByPath()[path]
	if !ok {
		return nil, &models.NotFoundError{Kind: "file", ID: versionID + ":" + path}
	}
	return e.objects.Retrieve(f.Hash)
}

// PendingChanges 工作区相对当前版本的变更，只读
func (e *Engine) PendingChanges() (models.ChangeSet, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	_, changes, err := e.pendingLocked()
	return changes, err
}

func (e *Engine) pendingLocked() (*models.BackupVersion, models.ChangeSet, error) {
	_, parent, err := e.currentLocked()
	if err != nil {
		return nil, models.ChangeSet{}, err
	}
	var previous map[string]models.BackupFile
	if parent != nil {
		previous = parent.FileByPath()
	}
	scan, err := e.scanner.ScanAgainst(previous)
	if err != nil {
		return nil, models.ChangeSet{}, fmt.Errorf("failed to detect changes: %w", err)
	}
	return parent, scan.Changes, nil
}

// Signals 计算一次触发器检查所需的工作区快照
func (e *Engine) Signals(ctx context.Context) (*models.Signals, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	parent, changes, err := e.pendingLocked()
	if err != nil {
		return nil, err
	}
	var previous map[string]models.BackupFile
	if parent != nil {
		previous = parent.FileByPath()
	}
	src := e.contentSource(previous)

	now := e.clock.Now()
	signals := &models.Signals{
		Now:          now,
		Changes:      changes,
		Metadata:     e.analyzer.AnalyzeChanges(changes, src),
		ReadCurrent:  src.Current,
		ReadPrevious: src.Previous,
	}
	if parent != nil {
		signals.HasBackup = true
		signals.LastBackup = parent.Timestamp
		signals.MinutesSinceBackup = now.Sub(parent.Timestamp).Minutes()
	}
	for _, p := range append(append([]string{}, changes.Added...), changes.Modified...) {
		if data, err := e.scanner.ReadFile(p); err == nil {
			signals.ChangedBytes += int64(len(data))
		}
	}
	return signals, nil
}

// CompareVersions 比较两个版本的文件列表与行级差异
func (e *Engine) CompareVersions(from, to string) (*models.ComparisonResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	a, err := e.versions.ReadVersion(from)
	if err != nil {
		return nil, err
	}
	b, err := e.versions.ReadVersion(to)
	if err != nil {
		return nil, err
	}

	result := &models.ComparisonResult{
		From:          from,
		To:            to,
		AddedFiles:    []string{},
		RemovedFiles:  []string{},
		ModifiedFiles: []string{},
		PerFileDiffs:  []models.FileDiff{},
	}
	filesA := a.FileByPath()
	filesB := b.FileByPath()

	for p, fb := range filesB {
		fa, ok := filesA[p]
		switch {
		case !ok:
			result.AddedFiles = append(result.AddedFiles, p)
		case fa.Hash != fb.Hash:
			result.ModifiedFiles = append(result.ModifiedFiles, p)
		}
	}
	for p := range filesA {
		if _, ok := filesB[p]; !ok {
			result.RemovedFiles = append(result.RemovedFiles, p)
		}
	}
	sort.Strings(result.AddedFiles)
	sort.Strings(result.RemovedFiles)
	sort.Strings(result.ModifiedFiles)

	for _, p := range result.ModifiedFiles {
		fd, err := e.diffFile(p, filesA[p].Hash, filesB[p].Hash)
		if err != nil {
			return nil, fmt.Errorf("failed to diff %s: %w", p, err)
		}
		result.PerFileDiffs = append(result.PerFileDiffs, fd)
	}
	return result, nil
}

func (e *Engine) diffFile(p, hashA, hashB string) (models.FileDiff, error) {
	oldData, err := e.objects.Retrieve(hashA)
	if err != nil {
		return models.FileDiff{}, err
	}
	newData, err := e.objects.Retrieve(hashB)
	if err != nil {
		return models.FileDiff{}, err
	}
	res := compareContent(p, oldData, newData)
	return models.FileDiff{
		Path:         p,
		LinesAdded:   res.LinesAdded,
		LinesRemoved: res.LinesRemoved,
		Binary:       res.Binary,
		Oversize:     res.Oversize,
		Patch:        res.Patch,
	}, nil
}

// describe 版本的一行描述，用于日志
func describe(v *models.BackupVersion) string {
	comment := v.Comment
	if i := strings.IndexByte(comment, '\n'); i >= 0 {
		comment = comment[:i]
	}
	return fmt.Sprintf("%s (%s)", v.VersionID, comment)
}
