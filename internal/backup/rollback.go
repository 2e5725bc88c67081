package backup

import (
	"context"
	"fmt"
	"sort"

	"devsnap/internal/diff"
	"devsnap/internal/logger"
	"devsnap/internal/models"
)

// 比较时超过该大小的文件不生成补丁
const compareMaxBytes = 4 << 20

func compareContent(p string, oldData, newData []byte) diff.Result {
	return diff.Compare(p, oldData, newData, diff.Options{MaxBytes: compareMaxBytes, Patch: true})
}

// rollbackPlan 将工作区恢复到目标版本需要的操作
type rollbackPlan struct {
	writes    []models.BackupFile
	deletes   []string
	unchanged int
}

// RollbackToVersion 将工作区恢复到指定版本。
// preview 为 true 时只计算将要写入和删除的文件，没有任何副作用，因此也不创建安全备份；
// 否则先创建安全备份，再恢复文件并移动当前指针。
func (e *Engine) RollbackToVersion(ctx context.Context, versionID string, preview bool) (*models.RollbackResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	target, err := e.versions.ReadVersion(versionID)
	if err != nil {
		return nil, err
	}

	plan, err := e.planRollback(target)
	if err != nil {
		return nil, err
	}

	result := &models.RollbackResult{
		TargetVersion: versionID,
		Preview:       preview,
		FilesToWrite:  make([]string, 0, len(plan.writes)),
		FilesToDelete: plan.deletes,
		Unchanged:     plan.unchanged,
	}
	for _, f := range plan.writes {
		result.FilesToWrite = append(result.FilesToWrite, f.Path)
	}

	if preview {
		logger.LogRollback(versionID, "", true, len(plan.writes), len(plan.deletes))
		return result, nil
	}

	// 1. 无条件创建安全备份，父版本为回滚前的当前版本
	safety, err := e.createLocked(ctx, CreateOptions{
		Comment:   fmt.Sprintf("Safety backup before rollback to %s", versionID),
		Force:     true,
		Kind:      models.KindSafety,
		skipPrune: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create safety backup: %w", err)
	}
	result.SafetyBackup = safety.VersionID

	// 2. 先取出所有内容，避免写到一半时因对象缺失而失败
	contents := make(map[string][]byte, len(plan.writes))
	for _, f := range plan.writes {
		data, err := e.objects.Retrieve(f.Hash)
		if err != nil {
			return result, fmt.Errorf("failed to load %s from %s: %w", f.Path, versionID, err)
		}
		contents[f.Path] = data
	}

	// 3. 恢复目标版本的文件
	for _, f := range plan.writes {
		if err := e.scanner.WriteFile(f.Path, contents[f.Path], f.LastModified); err != nil {
			return result, fmt.Errorf("failed to restore %s: %w", f.Path, err)
		}
	}
	for _, p := range plan.deletes {
		if err := e.scanner.RemoveFile(p); err != nil {
			return result, fmt.Errorf("failed to remove %s: %w", p, err)
		}
	}

	// 4. 移动当前指针
	if err := e.versions.SetCurrent(versionID); err != nil {
		return result, fmt.Errorf("failed to move current pointer: %w", err)
	}

	logger.LogRollback(describe(target), safety.VersionID, false, len(plan.writes), len(plan.deletes))

	if e.config.MaxVersions > 0 {
		if _, err := e.cleanupLocked(e.config.MaxVersions); err != nil {
			logger.Warnf("Failed to prune old versions after rollback: %v", err)
		}
	}
	return result, nil
}

// planRollback 比较工作区与目标版本
func (e *Engine) planRollback(target *models.BackupVersion) (*rollbackPlan, error) {
	scanned, err := e.scanner.Scan()
	if err != nil {
		return nil, fmt.Errorf("failed to scan workspace: %w", err)
	}
	onDisk := make(map[string]int64, len(scanned))
	for _, f := range scanned {
		onDisk[f.Path] = f.Size
	}

	plan := &rollbackPlan{deletes: []string{}}
	for _, f := range target.Files {
		size, ok := onDisk[f.Path]
		if ok && size == f.Size {
			hash, err := e.scanner.HashFile(f.Path)
			if err != nil {
				return nil, err
			}
			if hash == f.Hash {
				plan.unchanged++
				continue
			}
		}
		plan.writes = append(plan.writes, f)
	}

	targetFiles := target.FileByPath()
	for _, f := range scanned {
		if _, ok := targetFiles[f.Path]; !ok {
			plan.deletes = append(plan.deletes, f.Path)
		}
	}
	sort.Strings(plan.deletes)
	return plan, nil
}
