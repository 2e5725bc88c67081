package archiver

import (
	"archive/tar"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"devsnap/internal/models"
)

type memSource struct {
	version *models.BackupVersion
	files   map[string]string
}

func (s *memSource) PreviewBackup(versionID string) (*models.BackupVersion, error) {
	if versionID != s.version.VersionID {
		return nil, &models.NotFoundError{Kind: "version", ID: versionID}
	}
	return s.version, nil
}

func (s *memSource) ReadFile(versionID, path string) ([]byte, error) {
	data, ok := s.files[path]
	if !ok {
		return nil, &models.NotFoundError{Kind: "file", ID: path}
	}
	return []byte(data), nil
}

func newSource() *memSource {
	ts := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)
	return &memSource{
		version: &models.BackupVersion{
			VersionID: "v20240301093000-0a1b2c3d-1",
			Timestamp: ts,
			Comment:   "release",
			Files: []models.BackupFile{
				{Path: "src/app.go", Size: 12, LastModified: ts},
				{Path: "README.md", Size: 7, LastModified: ts},
			},
		},
		files: map[string]string{
			"src/app.go": "package app\n",
			"README.md":  "# demo\n",
		},
	}
}

func readArchive(t *testing.T, fs afero.Fs, archivePath string) map[string]string {
	file, err := fs.Open(archivePath)
	require.NoError(t, err)
	defer file.Close()

	gz, err := gzip.NewReader(file)
	require.NoError(t, err)
	tr := tar.NewReader(gz)

	entries := make(map[string]string)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		data, err := io.ReadAll(tr)
		require.NoError(t, err)
		entries[header.Name] = string(data)
	}
	return entries
}

// TestExportVersion 导出版本并校验内容与校验和
func TestExportVersion(t *testing.T) {
	fs := afero.NewMemMapFs()
	source := newSource()
	archiver := NewArchiver(fs, source)

	result, err := archiver.ExportVersion(source.version.VersionID, "/exports/release.tar.gz")
	require.NoError(t, err)
	assert.Equal(t, 2, result.Files)
	assert.Len(t, result.Checksum, 64)
	assert.Equal(t, "/exports/release.tar.gz.sha256", result.ChecksumPath)
	assert.Positive(t, result.Size)

	entries := readArchive(t, fs, result.ArchivePath)
	assert.Equal(t, "package app\n", entries["src/app.go"])
	assert.Equal(t, "# demo\n", entries["README.md"])

	var record models.BackupVersion
	require.NoError(t, json.Unmarshal([]byte(entries[ManifestName]), &record))
	assert.Equal(t, "release", record.Comment)

	sidecar, err := afero.ReadFile(fs, result.ChecksumPath)
	require.NoError(t, err)
	assert.Equal(t, result.Checksum+"  release.tar.gz\n", string(sidecar))

	require.NoError(t, archiver.VerifyChecksum(result.ArchivePath))
	t.Logf("导出压缩包: %s (%d bytes)", result.ArchivePath, result.Size)
}

// TestExportDeterministic 同一版本两次导出内容一致
func TestExportDeterministic(t *testing.T) {
	fs := afero.NewMemMapFs()
	source := newSource()
	archiver := NewArchiver(fs, source)

	first, err := archiver.ExportVersion(source.version.VersionID, "/a.tar.gz")
	require.NoError(t, err)
	second, err := archiver.ExportVersion(source.version.VersionID, "/b.tar.gz")
	require.NoError(t, err)
	assert.Equal(t, first.Checksum, second.Checksum)
}

// TestVerifyChecksumDetectsTampering 压缩包被修改后校验失败
func TestVerifyChecksumDetectsTampering(t *testing.T) {
	fs := afero.NewMemMapFs()
	source := newSource()
	archiver := NewArchiver(fs, source)

	result, err := archiver.ExportVersion(source.version.VersionID, "/out/v.tar.gz")
	require.NoError(t, err)
	require.NoError(t, afero.WriteFile(fs, result.ArchivePath, []byte("corrupted"), 0644))

	var verr *models.ValidationError
	assert.ErrorAs(t, archiver.VerifyChecksum(result.ArchivePath), &verr)
}

// TestExportFailures 未知版本或缺失对象时不留下压缩包
func TestExportFailures(t *testing.T) {
	fs := afero.NewMemMapFs()
	source := newSource()
	archiver := NewArchiver(fs, source)

	_, err := archiver.ExportVersion("v20240301093000-ffffffff-9", "/out/missing.tar.gz")
	assert.True(t, models.IsNotFound(err))

	delete(source.files, "README.md")
	_, err = archiver.ExportVersion(source.version.VersionID, "/out/broken.tar.gz")
	require.Error(t, err)
	assert.True(t, models.IsNotFound(err))

	exists, err := afero.Exists(fs, "/out/broken.tar.gz")
	require.NoError(t, err)
	assert.False(t, exists)
}
