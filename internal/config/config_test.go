package config

import (
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"devsnap/internal/models"
)

func workspaceFlags(t *testing.T, args ...string) *pflag.FlagSet {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("workspace", ".", "")
	flags.String("backup-dir", "", "")
	flags.String("backend", BackendFile, "")
	flags.Bool("verbose", false, "")
	flags.String("log-path", "", "")
	require.NoError(t, flags.Parse(args))
	return flags
}

func TestLoadDefaults(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/ws", 0755))

	config, err := Load(fs, "", workspaceFlags(t, "--workspace", "/ws"))
	require.NoError(t, err)

	assert.Equal(t, "/ws", config.Workspace)
	assert.Equal(t, "/ws/.devsnap", config.BackupDir)
	assert.Equal(t, BackendFile, config.Backend)
	assert.Equal(t, 50, config.MaxVersions)
	assert.Equal(t, "auto", config.Compression)
	assert.Equal(t, DefaultExclude, config.Exclude)
	assert.Empty(t, config.Include)
	assert.Equal(t, 10, config.DeltaChainLimit)
	assert.Equal(t, int64(512<<10), config.MaxDeltaSize)
	assert.Equal(t, 20, config.AutoBackupThreshold)
	assert.Equal(t, 5*time.Minute, config.CheckInterval)
	assert.False(t, config.Verbose)
}

func TestLoadWorkspaceFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	yaml := `
author: alice
max_versions: 12
compression: fast
check_interval: 90s
exclude:
  - .git
  - tmp
critical_paths:
  - go.mod
  - deploy/**
`
	require.NoError(t, afero.WriteFile(fs, "/ws/.devsnap.yaml", []byte(yaml), 0644))

	config, err := Load(fs, "", workspaceFlags(t, "--workspace", "/ws", "--backend", BackendBadger))
	require.NoError(t, err)

	assert.Equal(t, "alice", config.Author)
	assert.Equal(t, 12, config.MaxVersions)
	assert.Equal(t, "fast", config.Compression)
	assert.Equal(t, 90*time.Second, config.CheckInterval)
	assert.Equal(t, []string{".git", "tmp"}, config.Exclude)
	assert.Equal(t, []string{"go.mod", "deploy/**"}, config.CriticalPaths)
	assert.Equal(t, BackendBadger, config.Backend)
}

func TestLoadPrecedence(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/etc/devsnap.yaml", []byte("max_versions: 12\nauthor: alice\nbackup_dir: /from-file\n"), 0644))

	t.Setenv("DEVSNAP_MAX_VERSIONS", "7")
	t.Setenv("DEVSNAP_BACKUP_DIR", "/from-env")

	config, err := Load(fs, "/etc/devsnap.yaml", workspaceFlags(t, "--workspace", "/ws", "--backup-dir", "/from-flag"))
	require.NoError(t, err)

	assert.Equal(t, 7, config.MaxVersions, "env overrides file")
	assert.Equal(t, "alice", config.Author)
	assert.Equal(t, "/from-flag", config.BackupDir, "flag overrides env")
}

func TestLoadWithoutFlags(t *testing.T) {
	t.Setenv("DEVSNAP_WORKSPACE", "/project")

	config, err := Load(afero.NewMemMapFs(), "", nil)
	require.NoError(t, err)
	assert.Equal(t, "/project", config.Workspace)
	assert.Equal(t, "/project/.devsnap", config.BackupDir)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"compression":       "compression: ultra\n",
		"backend":           "backend: s3\n",
		"delta_chain_limit": "delta_chain_limit: 0\n",
		"check_interval":    "check_interval: 0s\n",
	}
	for field, yaml := range cases {
		t.Run(field, func(t *testing.T) {
			fs := afero.NewMemMapFs()
			require.NoError(t, afero.WriteFile(fs, "/c.yaml", []byte(yaml), 0644))

			_, err := Load(fs, "/c.yaml", workspaceFlags(t, "--workspace", "/ws"))
			var verr *models.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, field, verr.Field)
		})
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(afero.NewMemMapFs(), "/nope.yaml", nil)
	require.Error(t, err)
}

func TestLoadRelativeBackupDir(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/ws/.devsnap.yaml", []byte("backup_dir: snapshots\n"), 0644))

	config, err := Load(fs, "", workspaceFlags(t, "--workspace", "/ws"))
	require.NoError(t, err)
	assert.Equal(t, "/ws/snapshots", config.BackupDir)

	config, err = Load(fs, "", workspaceFlags(t, "--workspace", "/ws", "--backup-dir", "../elsewhere"))
	require.NoError(t, err)
	assert.Equal(t, "/elsewhere", config.BackupDir)
}
