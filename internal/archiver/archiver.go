package archiver

import (
	"archive/tar"
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/spf13/afero"

	"devsnap/internal/logger"
	"devsnap/internal/models"
)

// ManifestName 压缩包内保存版本记录的路径
const ManifestName = ".devsnap/version.json"

// Source 导出所需的版本读取能力
type Source interface {
	PreviewBackup(versionID string) (*models.BackupVersion, error)
	ReadFile(versionID, path string) ([]byte, error)
}

// Archiver 负责把版本导出为压缩包
type Archiver struct {
	fs     afero.Fs
	source Source
}

// NewArchiver 创建新的导出器，fs 为压缩包写入的文件系统
func NewArchiver(fs afero.Fs, source Source) *Archiver {
	return &Archiver{
		fs:     fs,
		source: source,
	}
}

// ExportVersion 将版本中的全部文件写入 tar.gz，并生成校验和文件
func (a *Archiver) ExportVersion(versionID, archivePath string) (*models.ExportResult, error) {
	version, err := a.source.PreviewBackup(versionID)
	if err != nil {
		return nil, err
	}

	if dir := filepath.Dir(archivePath); dir != "" {
		if err := a.fs.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create archive directory: %w", err)
		}
	}

	if err := a.writeArchive(version, archivePath); err != nil {
		a.fs.Remove(archivePath)
		return nil, err
	}

	checksum, err := a.CalculateChecksum(archivePath)
	if err != nil {
		return nil, err
	}
	checksumPath, err := a.CreateChecksumFile(archivePath, checksum)
	if err != nil {
		return nil, err
	}

	info, err := a.fs.Stat(archivePath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat archive: %w", err)
	}

	logger.LogFileOperation(filepath.Base(archivePath), "export", info.Size())
	return &models.ExportResult{
		VersionID:    version.VersionID,
		ArchivePath:  archivePath,
		ChecksumPath: checksumPath,
		Checksum:     checksum,
		Files:        len(version.Files),
		Size:         info.Size(),
	}, nil
}

func (a *Archiver) writeArchive(version *models.BackupVersion, archivePath string) error {
	file, err := a.fs.Create(archivePath)
	if err != nil {
		return fmt.Errorf("failed to create archive file: %w", err)
	}
	defer file.Close()

	gzipWriter, err := gzip.NewWriterLevel(file, gzip.BestCompression)
	if err != nil {
		return fmt.Errorf("failed to create gzip writer: %w", err)
	}
	tarWriter := tar.NewWriter(gzipWriter)

	files := append([]models.BackupFile(nil), version.Files...)
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })

	for _, f := range files {
		data, err := a.source.ReadFile(version.VersionID, f.Path)
		if err != nil {
			return fmt.Errorf("failed to read %s from version %s: %w", f.Path, version.VersionID, err)
		}
		header := &tar.Header{
			Name:     f.Path,
			Mode:     0644,
			Size:     int64(len(data)),
			ModTime:  f.LastModified,
			Typeflag: tar.TypeReg,
		}
		if err := addToTar(tarWriter, header, data); err != nil {
			return fmt.Errorf("failed to add %s to archive: %w", f.Path, err)
		}
	}

	record, err := json.MarshalIndent(version, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal version record: %w", err)
	}
	header := &tar.Header{
		Name:     ManifestName,
		Mode:     0644,
		Size:     int64(len(record)),
		ModTime:  version.Timestamp,
		Typeflag: tar.TypeReg,
	}
	if err := addToTar(tarWriter, header, record); err != nil {
		return fmt.Errorf("failed to add version record to archive: %w", err)
	}

	if err := tarWriter.Close(); err != nil {
		return fmt.Errorf("failed to finish tar stream: %w", err)
	}
	if err := gzipWriter.Close(); err != nil {
		return fmt.Errorf("failed to finish gzip stream: %w", err)
	}
	return nil
}

// addToTar 写入单个文件条目
func addToTar(tarWriter *tar.Writer, header *tar.Header, data []byte) error {
	if err := tarWriter.WriteHeader(header); err != nil {
		return err
	}
	_, err := tarWriter.Write(data)
	return err
}

// CalculateChecksum 计算文件的SHA256校验和
func (a *Archiver) CalculateChecksum(filePath string) (string, error) {
	file, err := a.fs.Open(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to open file for checksum: %w", err)
	}
	defer file.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", fmt.Errorf("failed to calculate checksum: %w", err)
	}

	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// CreateChecksumFile 创建校验和文件
func (a *Archiver) CreateChecksumFile(archivePath, checksum string) (string, error) {
	checksumPath := archivePath + ".sha256"

	// 格式：<checksum>  <filename>，与 sha256sum 兼容
	content := fmt.Sprintf("%s  %s\n", checksum, filepath.Base(archivePath))
	if err := afero.WriteFile(a.fs, checksumPath, []byte(content), 0644); err != nil {
		return "", fmt.Errorf("failed to write checksum: %w", err)
	}

	return checksumPath, nil
}

// VerifyChecksum 用校验和文件验证压缩包
func (a *Archiver) VerifyChecksum(archivePath string) error {
	file, err := a.fs.Open(archivePath + ".sha256")
	if err != nil {
		return fmt.Errorf("failed to open checksum file: %w", err)
	}
	defer file.Close()

	line, err := bufio.NewReader(file).ReadString('\n')
	if err != nil && err != io.EOF {
		return fmt.Errorf("failed to read checksum file: %w", err)
	}
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return &models.ValidationError{Field: "checksum", Reason: "checksum file is empty"}
	}

	actual, err := a.CalculateChecksum(archivePath)
	if err != nil {
		return err
	}
	if actual != fields[0] {
		return &models.ValidationError{Field: "checksum", Reason: fmt.Sprintf("expected %s, got %s", fields[0], actual)}
	}
	return nil
}
