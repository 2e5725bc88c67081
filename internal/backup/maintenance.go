package backup

import (
	"fmt"

	"devsnap/internal/logger"
	"devsnap/internal/models"
)

// 提示阈值：距上次备份的分钟数或待备份的变更数
var promptTiers = []struct {
	urgency string
	minutes float64
	changes int
}{
	{models.UrgencyCritical, 60, 50},
	{models.UrgencyHigh, 30, 20},
	{models.UrgencyMedium, 15, 10},
}

// ShouldPromptForBackup 根据距上次备份的时间与待备份的变更数判断是否提示，不产生副作用
func (e *Engine) ShouldPromptForBackup() (*models.PromptResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	parent, changes, err := e.pendingLocked()
	if err != nil {
		return nil, err
	}
	result := &models.PromptResult{
		Urgency:        models.UrgencyNone,
		PendingChanges: changes.Count(),
	}
	if changes.Empty() {
		result.Reason = "no pending changes"
		return result, nil
	}

	if parent == nil {
		result.ShouldPrompt = true
		result.Urgency = models.UrgencyCritical
		result.Reason = fmt.Sprintf("no backup exists yet, %d files pending", result.PendingChanges)
		return result, nil
	}

	result.MinutesSinceBackup = e.clock.Now().Sub(parent.Timestamp).Minutes()
	return evaluatePrompt(result), nil
}

func evaluatePrompt(result *models.PromptResult) *models.PromptResult {
	for _, tier := range promptTiers {
		if result.MinutesSinceBackup > tier.minutes || result.PendingChanges > tier.changes {
			result.ShouldPrompt = true
			result.Urgency = tier.urgency
			result.Reason = fmt.Sprintf("%.0f minutes since last backup, %d changed files",
				result.MinutesSinceBackup, result.PendingChanges)
			return result
		}
	}
	result.Reason = "recent backup covers most changes"
	return result
}

// Cleanup 只保留最新的 keep 个版本（当前版本总是保留），并回收不再被引用的对象
func (e *Engine) Cleanup(keep int) (*models.CleanupResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cleanupLocked(keep)
}

func (e *Engine) cleanupLocked(keep int) (*models.CleanupResult, error) {
	if keep < 1 {
		return nil, &models.ValidationError{Field: "keep", Reason: "must be at least 1"}
	}

	ids, err := e.versions.ListIDs()
	if err != nil {
		return nil, err
	}
	current, err := e.versions.CurrentVersion()
	if err != nil {
		return nil, err
	}

	result := &models.CleanupResult{RemovedVersions: []string{}}
	removed := make(map[string]struct{})
	var survivors []string
	for i, id := range ids {
		if i < keep || id == current {
			survivors = append(survivors, id)
			continue
		}
		removed[id] = struct{}{}
		result.RemovedVersions = append(result.RemovedVersions, id)
	}
	result.Kept = len(survivors)

	if len(removed) == 0 {
		return result, nil
	}

	// 父版本将被删除的版本改为新的根，原父版本记录在 PrunedParent
	for _, id := range survivors {
		v, err := e.versions.ReadVersion(id)
		if err != nil {
			return nil, err
		}
		if _, gone := removed[v.ParentVersion]; !gone {
			continue
		}
		v.PrunedParent = v.ParentVersion
		v.ParentVersion = ""
		if err := e.versions.RewriteVersion(v); err != nil {
			return nil, fmt.Errorf("failed to re-root %s: %w", id, err)
		}
	}

	for _, id := range result.RemovedVersions {
		if err := e.versions.DeleteVersion(id); err != nil {
			return nil, err
		}
	}

	result.RemovedObjects, err = e.collectGarbage(survivors)
	if err != nil {
		return nil, fmt.Errorf("failed to collect unreferenced objects: %w", err)
	}

	logger.WithField("removed_versions", len(result.RemovedVersions)).
		WithField("removed_objects", result.RemovedObjects).
		Info("Old versions pruned")
	return result, nil
}

// collectGarbage 删除存活版本与其差量基准都不引用的对象
func (e *Engine) collectGarbage(survivors []string) (int, error) {
	live := make(map[string]struct{})
	for _, id := range survivors {
		v, err := e.versions.ReadVersion(id)
		if err != nil {
			return 0, err
		}
		for _, f := range v.Files {
			if err := e.markLive(f.Hash, live); err != nil {
				return 0, err
			}
		}
	}

	hashes, err := e.objects.List()
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, hash := range hashes {
		if _, ok := live[hash]; ok {
			continue
		}
		if err := e.objects.Delete(hash); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func (e *Engine) markLive(hash string, live map[string]struct{}) error {
	for hash != "" {
		if _, seen := live[hash]; seen {
			return nil
		}
		live[hash] = struct{}{}
		base, err := e.objects.Base(hash)
		if err != nil {
			if models.IsNotFound(err) {
				return nil
			}
			return err
		}
		hash = base
	}
	return nil
}

// Health 检查当前指针、版本血缘与所有对象是否可读
func (e *Engine) Health() (*models.HealthReport, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	report := &models.HealthReport{Healthy: true}
	add := func(name string, err error, okMessage string) {
		check := models.HealthCheck{Name: name, OK: err == nil, Message: okMessage}
		if err != nil {
			check.Message = err.Error()
			report.Healthy = false
		}
		report.Checks = append(report.Checks, check)
	}

	_, err := e.scanner.Scan()
	add("workspace", err, e.config.Workspace)

	current, err := e.versions.CurrentVersion()
	if err == nil && current != "" {
		_, err = e.versions.ReadVersion(current)
	}
	if current == "" && err == nil {
		add("current-pointer", nil, "no versions yet")
	} else {
		add("current-pointer", err, current)
	}

	ids, err := e.versions.ListIDs()
	if err != nil {
		add("versions", err, "")
		return report, nil
	}
	add("versions", nil, fmt.Sprintf("%d versions", len(ids)))

	var lineageErr error
	for _, id := range ids {
		if _, err := e.versions.Lineage(id); err != nil {
			lineageErr = fmt.Errorf("%s: %w", id, err)
			break
		}
	}
	add("lineage", lineageErr, "all parent chains resolve")

	checked := make(map[string]struct{})
	var objectErr error
	for _, id := range ids {
		v, err := e.versions.ReadVersion(id)
		if err != nil {
			objectErr = err
			break
		}
		for _, f := range v.Files {
			if _, ok := checked[f.Hash]; ok {
				continue
			}
			checked[f.Hash] = struct{}{}
			if _, err := e.objects.Retrieve(f.Hash); err != nil {
				objectErr = fmt.Errorf("%s in %s: %w", f.Path, id, err)
				break
			}
		}
		if objectErr != nil {
			break
		}
	}
	add("objects", objectErr, fmt.Sprintf("%d objects verified", len(checked)))

	return report, nil
}
