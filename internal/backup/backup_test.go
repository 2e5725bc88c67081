package backup

import (
	"context"
	"fmt"
	"path"
	"testing"
	"time"

	"github.com/facebookgo/clock"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"devsnap/internal/content"
	"devsnap/internal/models"
	"devsnap/internal/storage"
)

type testEnv struct {
	fs      afero.Fs
	clock   *clock.Mock
	backend storage.Backend
	engine  *Engine
}

func testConfig() *models.Config {
	return &models.Config{
		Workspace:       "/ws",
		BackupDir:       "/backups",
		Author:          "tester",
		Compression:     content.LevelAuto,
		Exclude:         []string{".git", "node_modules"},
		DeltaChainLimit: 10,
		MaxDeltaSize:    512 << 10,
	}
}

func newEnv(t *testing.T, config *models.Config) *testEnv {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll(config.Workspace, 0755))
	backend, err := storage.NewFileBackend(fs, config.BackupDir)
	require.NoError(t, err)
	return newEnvWithBackend(t, fs, backend, config)
}

func newEnvWithBackend(t *testing.T, fs afero.Fs, backend storage.Backend, config *models.Config) *testEnv {
	clk := clock.NewMock()
	engine, err := NewEngine(config, fs, backend, clk)
	require.NoError(t, err)
	return &testEnv{fs: fs, clock: clk, backend: backend, engine: engine}
}

func (env *testEnv) write(t *testing.T, rel, data string) {
	require.NoError(t, afero.WriteFile(env.fs, path.Join("/ws", rel), []byte(data), 0644))
}

func (env *testEnv) read(t *testing.T, rel string) string {
	data, err := afero.ReadFile(env.fs, path.Join("/ws", rel))
	require.NoError(t, err)
	return string(data)
}

func (env *testEnv) create(t *testing.T, comment string) *CreateResult {
	res, err := env.engine.CreateBackup(context.Background(), CreateOptions{Comment: comment})
	require.NoError(t, err)
	return res
}

func (env *testEnv) objectCount(t *testing.T) int {
	entries, err := env.backend.List(storage.ObjectsPrefix)
	require.NoError(t, err)
	return len(entries)
}

// TestBackupScenario 初始备份、修改一个文件、再次备份并比较
func TestBackupScenario(t *testing.T) {
	env := newEnv(t, testConfig())
	env.write(t, "main.go", "package main\n")
	env.write(t, "README.md", "# demo\n")

	t.Log("=== 第1步: 初始备份 ===")
	v1 := env.create(t, "init")
	require.True(t, v1.Created)

	current, err := env.engine.CurrentVersion()
	require.NoError(t, err)
	assert.Equal(t, v1.VersionID, current)
	assert.Empty(t, v1.Version.ParentVersion)
	assert.Equal(t, "init", v1.Version.Comment)
	assert.Equal(t, "tester", v1.Version.Author)
	assert.Equal(t, models.KindManual, v1.Version.Kind)
	assert.Len(t, v1.Version.Files, 2)

	t.Log("=== 第2步: 修改一个文件后再次备份 ===")
	env.write(t, "main.go", "package main\n\nfunc main() {}\n")
	v2 := env.create(t, "edit")
	require.True(t, v2.Created)
	assert.Equal(t, v1.VersionID, v2.Version.ParentVersion)
	assert.Equal(t, []string{"main.go"}, v2.Changes.Modified)

	readme := v2.Version.FileByPath()["README.md"]
	assert.Equal(t, readme.Hash, readme.DeltaFrom, "unchanged file is stored by reference")

	t.Log("=== 第3步: 比较两个版本 ===")
	cmp, err := env.engine.CompareVersions(v1.VersionID, v2.VersionID)
	require.NoError(t, err)
	assert.Equal(t, []string{"main.go"}, cmp.ModifiedFiles)
	assert.Empty(t, cmp.AddedFiles)
	assert.Empty(t, cmp.RemovedFiles)
	require.Len(t, cmp.PerFileDiffs, 1)
	assert.Equal(t, 2, cmp.PerFileDiffs[0].LinesAdded)
	assert.Zero(t, cmp.PerFileDiffs[0].LinesRemoved)
	assert.Contains(t, cmp.PerFileDiffs[0].Patch, "+func main() {}")

	data, err := env.engine.ReadFile(v1.VersionID, "main.go")
	require.NoError(t, err)
	assert.Equal(t, "package main\n", string(data))
}

func TestCreateBackupIsIdempotent(t *testing.T) {
	env := newEnv(t, testConfig())
	env.write(t, "a.txt", "alpha\n")

	first := env.create(t, "first")
	second := env.create(t, "second")

	assert.Equal(t, first.VersionID, second.VersionID)
	assert.False(t, second.Created)

	list, err := env.engine.ListVersions(0)
	require.NoError(t, err)
	assert.Len(t, list, 1, "no-op backup must not write a version record")

	forced, err := env.engine.CreateBackup(context.Background(), CreateOptions{Comment: "forced", Force: true})
	require.NoError(t, err)
	assert.True(t, forced.Created)
	assert.NotEqual(t, first.VersionID, forced.VersionID)
	assert.Equal(t, first.VersionID, forced.Version.ParentVersion)
}

func TestEmptyWorkspaceWithoutForce(t *testing.T) {
	env := newEnv(t, testConfig())

	res := env.create(t, "")
	assert.False(t, res.Created)
	assert.Empty(t, res.VersionID)
}

func TestCreateBackupDeduplicates(t *testing.T) {
	env := newEnv(t, testConfig())
	env.write(t, "a.txt", "same bytes\n")
	env.write(t, "b/copy.txt", "same bytes\n")
	env.write(t, "c.txt", "other\n")

	v1 := env.create(t, "dedup")
	files := v1.Version.FileByPath()
	assert.Equal(t, files["a.txt"].Hash, files["b/copy.txt"].Hash)
	assert.Equal(t, 2, env.objectCount(t))

	// 另一个版本中出现相同内容也不会产生新对象
	env.write(t, "d.txt", "other\n")
	v2 := env.create(t, "")
	assert.Equal(t, files["c.txt"].Hash, v2.Version.FileByPath()["d.txt"].Hash)
	assert.Equal(t, 2, env.objectCount(t))
	assert.Zero(t, v2.Version.StoredBytes)
}

func TestAutomatedComment(t *testing.T) {
	env := newEnv(t, testConfig())
	env.write(t, "api/server.go", "package api\n\nfunc Serve() {}\n")

	res := env.create(t, "")
	assert.Equal(t, "Added function Serve", res.Version.Comment)
	assert.Equal(t, []string{"function Serve"}, res.Version.Metadata.AddedFeatures)
}

func TestRollbackSafetyInvariant(t *testing.T) {
	env := newEnv(t, testConfig())
	ctx := context.Background()
	env.write(t, "main.go", "package main\n")
	env.write(t, "README.md", "# demo\n")
	v1 := env.create(t, "v1")

	env.write(t, "main.go", "package main\n\n// changed\n")
	env.write(t, "extra.go", "package main\n\nvar x = 1\n")
	v2 := env.create(t, "v2")

	t.Log("=== 预览回滚不修改任何内容 ===")
	preview, err := env.engine.RollbackToVersion(ctx, v1.VersionID, true)
	require.NoError(t, err)
	assert.True(t, preview.Preview)
	assert.Empty(t, preview.SafetyBackup)
	assert.Equal(t, []string{"main.go"}, preview.FilesToWrite)
	assert.Equal(t, []string{"extra.go"}, preview.FilesToDelete)
	assert.Equal(t, 1, preview.Unchanged)

	current, err := env.engine.CurrentVersion()
	require.NoError(t, err)
	assert.Equal(t, v2.VersionID, current)
	assert.Equal(t, "package main\n\n// changed\n", env.read(t, "main.go"))

	t.Log("=== 执行回滚 ===")
	result, err := env.engine.RollbackToVersion(ctx, v1.VersionID, false)
	require.NoError(t, err)
	require.NotEmpty(t, result.SafetyBackup)

	safety, err := env.engine.PreviewBackup(result.SafetyBackup)
	require.NoError(t, err)
	assert.Equal(t, v2.VersionID, safety.ParentVersion)
	assert.Equal(t, models.KindSafety, safety.Kind)

	current, err = env.engine.CurrentVersion()
	require.NoError(t, err)
	assert.Equal(t, v1.VersionID, current)

	assert.Equal(t, "package main\n", env.read(t, "main.go"))
	exists, err := afero.Exists(env.fs, "/ws/extra.go")
	require.NoError(t, err)
	assert.False(t, exists)

	// 回滚后工作区与当前版本一致
	pending, err := env.engine.PendingChanges()
	require.NoError(t, err)
	assert.True(t, pending.Empty())

	// 安全备份保留了回滚前的内容
	data, err := env.engine.ReadFile(result.SafetyBackup, "extra.go")
	require.NoError(t, err)
	assert.Equal(t, "package main\n\nvar x = 1\n", string(data))
}

func TestRollbackUnknownVersion(t *testing.T) {
	env := newEnv(t, testConfig())
	_, err := env.engine.RollbackToVersion(context.Background(), "v20240101000000-deadbeef-9", false)
	assert.True(t, models.IsNotFound(err))

	_, err = env.engine.PreviewBackup("bogus")
	var verr *models.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestLineageIntegrity(t *testing.T) {
	env := newEnv(t, testConfig())
	ctx := context.Background()

	env.write(t, "f.txt", "0\n")
	first := env.create(t, "0")
	for i := 1; i <= 3; i++ {
		env.write(t, "f.txt", fmt.Sprintf("%d\n", i))
		env.create(t, "")
	}
	_, err := env.engine.RollbackToVersion(ctx, first.VersionID, false)
	require.NoError(t, err)
	env.write(t, "g.txt", "branch\n")
	env.create(t, "branch")

	list, err := env.engine.ListVersions(0)
	require.NoError(t, err)
	require.Len(t, list, 6)

	for _, v := range list {
		chain, err := env.engine.Lineage(v.VersionID)
		require.NoError(t, err)
		assert.Equal(t, first.VersionID, chain[len(chain)-1])
	}
}

func TestShouldPromptForBackup(t *testing.T) {
	env := newEnv(t, testConfig())

	prompt, err := env.engine.ShouldPromptForBackup()
	require.NoError(t, err)
	assert.False(t, prompt.ShouldPrompt)
	assert.Equal(t, models.UrgencyNone, prompt.Urgency)

	env.write(t, "a.txt", "a\n")
	prompt, err = env.engine.ShouldPromptForBackup()
	require.NoError(t, err)
	assert.True(t, prompt.ShouldPrompt)
	assert.Equal(t, models.UrgencyCritical, prompt.Urgency, "nothing backed up yet")

	env.create(t, "base")
	env.write(t, "a.txt", "changed\n")

	cases := []struct {
		advance time.Duration
		want    string
	}{
		{5 * time.Minute, models.UrgencyNone},
		{11 * time.Minute, models.UrgencyMedium},
		{15 * time.Minute, models.UrgencyHigh},
		{30 * time.Minute, models.UrgencyCritical},
	}
	for _, c := range cases {
		env.clock.Add(c.advance)
		prompt, err = env.engine.ShouldPromptForBackup()
		require.NoError(t, err)
		assert.Equal(t, c.want, prompt.Urgency, "after %.0f minutes", prompt.MinutesSinceBackup)
		assert.Equal(t, 1, prompt.PendingChanges)
	}
}

func TestEvaluatePromptByChangeCount(t *testing.T) {
	cases := map[int]string{
		10: models.UrgencyNone,
		11: models.UrgencyMedium,
		21: models.UrgencyHigh,
		51: models.UrgencyCritical,
	}
	for changes, want := range cases {
		res := evaluatePrompt(&models.PromptResult{Urgency: models.UrgencyNone, PendingChanges: changes, MinutesSinceBackup: 1})
		assert.Equal(t, want, res.Urgency, "%d changes", changes)
		assert.Equal(t, want != models.UrgencyNone, res.ShouldPrompt)
	}
}

func TestCleanupPrunesAndCollectsObjects(t *testing.T) {
	env := newEnv(t, testConfig())
	env.write(t, "main.go", "package main\n")

	var ids []string
	for i := 0; i < 5; i++ {
		env.write(t, "data.txt", fmt.Sprintf("content %d\n", i))
		ids = append(ids, env.create(t, fmt.Sprintf("v%d", i)).VersionID)
	}
	assert.Equal(t, 6, env.objectCount(t))

	result, err := env.engine.Cleanup(2)
	require.NoError(t, err)
	assert.ElementsMatch(t, ids[:3], result.RemovedVersions)
	assert.Equal(t, 2, result.Kept)
	assert.Equal(t, 3, result.RemovedObjects)
	assert.Equal(t, 3, env.objectCount(t))

	oldest, err := env.engine.PreviewBackup(ids[3])
	require.NoError(t, err)
	assert.Empty(t, oldest.ParentVersion)
	assert.Equal(t, ids[2], oldest.PrunedParent)

	_, err = env.engine.PreviewBackup(ids[0])
	assert.True(t, models.IsNotFound(err))

	list, err := env.engine.ListVersions(0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, ids[4], list[0].VersionID)
	assert.Equal(t, ids[3], list[1].VersionID)

	report, err := env.engine.Health()
	require.NoError(t, err)
	assert.True(t, report.Healthy, "%+v", report.Checks)

	_, err = env.engine.Cleanup(0)
	var verr *models.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestCleanupNeverRemovesCurrent(t *testing.T) {
	env := newEnv(t, testConfig())
	env.write(t, "f.txt", "0\n")
	first := env.create(t, "first")
	for i := 1; i <= 3; i++ {
		env.write(t, "f.txt", fmt.Sprintf("%d\n", i))
		env.create(t, "")
	}
	_, err := env.engine.RollbackToVersion(context.Background(), first.VersionID, false)
	require.NoError(t, err)

	result, err := env.engine.Cleanup(1)
	require.NoError(t, err)
	assert.NotContains(t, result.RemovedVersions, first.VersionID)

	current, err := env.engine.CurrentVersion()
	require.NoError(t, err)
	assert.Equal(t, first.VersionID, current)

	report, err := env.engine.Health()
	require.NoError(t, err)
	assert.True(t, report.Healthy, "%+v", report.Checks)
}

func TestMaxVersionsPrunesOnCreate(t *testing.T) {
	config := testConfig()
	config.MaxVersions = 3
	env := newEnv(t, config)

	for i := 0; i < 5; i++ {
		env.write(t, "f.txt", fmt.Sprintf("revision %d\n", i))
		env.create(t, "")
	}

	stats, err := env.engine.Stats()
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Count)
}

func TestHealthDetectsMissingObject(t *testing.T) {
	env := newEnv(t, testConfig())
	env.write(t, "a.txt", "alpha\n")
	v := env.create(t, "")

	require.NoError(t, env.backend.Delete(storage.ObjectKey(v.Version.Files[0].Hash)))

	report, err := env.engine.Health()
	require.NoError(t, err)
	assert.False(t, report.Healthy)

	failed := map[string]bool{}
	for _, c := range report.Checks {
		if !c.OK {
			failed[c.Name] = true
		}
	}
	assert.Equal(t, map[string]bool{"objects": true}, failed)
}

func TestEngineOnBadgerBackend(t *testing.T) {
	backend, err := storage.NewBadgerBackend(storage.BadgerConfig{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })

	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/ws", 0755))
	env := newEnvWithBackend(t, fs, backend, testConfig())

	env.write(t, "main.go", "package main\n")
	v1 := env.create(t, "init")
	env.write(t, "main.go", "package main\n\nfunc main() {}\n")
	v2 := env.create(t, "edit")
	assert.Equal(t, v1.VersionID, v2.Version.ParentVersion)

	cmp, err := env.engine.CompareVersions(v1.VersionID, v2.VersionID)
	require.NoError(t, err)
	assert.Equal(t, []string{"main.go"}, cmp.ModifiedFiles)

	_, err = env.engine.RollbackToVersion(context.Background(), v1.VersionID, false)
	require.NoError(t, err)
	assert.Equal(t, "package main\n", env.read(t, "main.go"))
}

func TestSignals(t *testing.T) {
	env := newEnv(t, testConfig())
	env.write(t, "go.mod", "module demo\n")
	env.create(t, "base")

	env.clock.Add(42 * time.Minute)
	env.write(t, "go.mod", "module demo\n\ngo 1.22\n")
	env.write(t, "web/App.tsx", "export function App() {}\n")

	signals, err := env.engine.Signals(context.Background())
	require.NoError(t, err)
	assert.True(t, signals.HasBackup)
	assert.InDelta(t, 42, signals.MinutesSinceBackup, 0.01)
	assert.Equal(t, []string{"web/App.tsx"}, signals.Changes.Added)
	assert.Equal(t, []string{"go.mod"}, signals.Changes.Modified)
	assert.Equal(t, models.RiskCritical, signals.Metadata.RiskLevel)
	assert.Equal(t, []string{"component App"}, signals.Metadata.AddedFeatures)

	prev, err := signals.ReadPrevious("go.mod")
	require.NoError(t, err)
	assert.Equal(t, "module demo\n", string(prev))
}

// storeInWorkspaceConfig 备份目录位于工作区内，且用户的排除规则没有覆盖它
func storeInWorkspaceConfig() *models.Config {
	config := testConfig()
	config.BackupDir = "/ws/snapshots"
	config.Exclude = nil
	return config
}

func TestBackupDirInsideWorkspaceIsNotTracked(t *testing.T) {
	env := newEnv(t, storeInWorkspaceConfig())
	env.write(t, "a.txt", "alpha\n")

	first := env.create(t, "first")
	assert.Equal(t, []string{"a.txt"}, first.Changes.Added)

	second := env.create(t, "second")
	assert.False(t, second.Created)
	assert.Equal(t, first.VersionID, second.VersionID)

	pending, err := env.engine.PendingChanges()
	require.NoError(t, err)
	assert.True(t, pending.Empty())
}

func TestRollbackKeepsBackupDirInsideWorkspace(t *testing.T) {
	env := newEnv(t, storeInWorkspaceConfig())
	ctx := context.Background()
	env.write(t, "a.txt", "alpha\n")
	v1 := env.create(t, "v1")

	env.write(t, "a.txt", "beta\n")
	env.create(t, "v2")

	result, err := env.engine.RollbackToVersion(ctx, v1.VersionID, false)
	require.NoError(t, err)
	assert.Empty(t, result.FilesToDelete)
	assert.Equal(t, []string{"a.txt"}, result.FilesToWrite)
	assert.Equal(t, "alpha\n", env.read(t, "a.txt"))

	data, err := env.engine.ReadFile(result.SafetyBackup, "a.txt")
	require.NoError(t, err)
	assert.Equal(t, "beta\n", string(data))

	report, err := env.engine.Health()
	require.NoError(t, err)
	assert.True(t, report.Healthy, "%+v", report.Checks)

	list, err := env.engine.ListVersions(0)
	require.NoError(t, err)
	assert.Len(t, list, 3)
}

func TestNewEngineRejectsWorkspaceAsBackupDir(t *testing.T) {
	config := testConfig()
	config.BackupDir = "/ws/"
	fs := afero.NewMemMapFs()
	backend, err := storage.NewFileBackend(fs, "/backups")
	require.NoError(t, err)

	_, err = NewEngine(config, fs, backend, clock.NewMock())
	var verr *models.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "backup_dir", verr.Field)
}
