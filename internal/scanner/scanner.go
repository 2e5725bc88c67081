package scanner

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/afero"

	"devsnap/internal/models"
)

// ScannedFile 工作区中的一个被跟踪文件
type ScannedFile struct {
	Path    string    // 相对路径，使用正斜杠
	Size    int64     // 文件大小
	ModTime time.Time // 修改时间
	Hash    string    // 内容SHA256，比较后填充
}

// ScanResult 扫描并与某个版本比较后的结果
type ScanResult struct {
	Files   map[string]*ScannedFile
	Changes models.ChangeSet
}

// Paths 按字典序返回所有文件路径
func (r *ScanResult) Paths() []string {
	paths := make([]string, 0, len(r.Files))
	for p := range r.Files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// WorkspaceScanner 负责扫描工作区目录
type WorkspaceScanner struct {
	fs      afero.Fs
	root    string
	include []string
	exclude []string
}

// NewWorkspaceScanner 创建新的扫描器
func NewWorkspaceScanner(fs afero.Fs, root string, include, exclude []string) *WorkspaceScanner {
	return &WorkspaceScanner{
		fs:      fs,
		root:    root,
		include: include,
		exclude: exclude,
	}
}

// Root 工作区根目录
func (s *WorkspaceScanner) Root() string {
	return s.root
}

// Tracked 判断相对路径是否被包含/排除规则跟踪
func (s *WorkspaceScanner) Tracked(rel string) bool {
	for _, pattern := range s.exclude {
		if matchPattern(pattern, rel) {
			return false
		}
	}
	if len(s.include) == 0 {
		return true
	}
	for _, pattern := range s.include {
		if matchPattern(pattern, rel) {
			return true
		}
	}
	return false
}

// Scan 扫描工作区，返回按路径排序的文件列表
func (s *WorkspaceScanner) Scan() ([]ScannedFile, error) {
	// 检查工作区是否存在
	if _, err := s.fs.Stat(s.root); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("workspace does not exist: %s", s.root)
		}
		return nil, fmt.Errorf("failed to stat workspace: %w", err)
	}

	var files []ScannedFile
	err := afero.Walk(s.fs, s.root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == "." {
			return nil
		}

		if info.IsDir() {
			// 被排除的目录整体跳过
			for _, pattern := range s.exclude {
				if matchPattern(pattern, rel) {
					return filepath.SkipDir
				}
			}
			return nil
		}

		// 只处理普通文件，跳过符号链接等
		if !info.Mode().IsRegular() || !s.Tracked(rel) {
			return nil
		}

		files = append(files, ScannedFile{
			Path:    rel,
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan workspace: %w", err)
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

// ScanAgainst 扫描工作区并与上一版本的文件列表比较。
// 大小与修改时间都未变化的文件直接复用上一版本的哈希。
func (s *WorkspaceScanner) ScanAgainst(previous map[string]models.BackupFile) (*ScanResult, error) {
	files, err := s.Scan()
	if err != nil {
		return nil, err
	}

	result := &ScanResult{
		Files: make(map[string]*ScannedFile, len(files)),
	}

	for i := range files {
		f := files[i]
		prev, existed := previous[f.Path]

		if existed && prev.Size == f.Size && prev.LastModified.Equal(f.ModTime) {
			f.Hash = prev.Hash
		} else {
			f.Hash, err = s.HashFile(f.Path)
			if err != nil {
				return nil, err
			}
		}

		switch {
		case !existed:
			result.Changes.Added = append(result.Changes.Added, f.Path)
		case prev.Hash != f.Hash:
			result.Changes.Modified = append(result.Changes.Modified, f.Path)
		}
		result.Files[f.Path] = &f
	}

	// 检查删除的文件
	for p := range previous {
		if _, ok := result.Files[p]; !ok {
			result.Changes.Removed = append(result.Changes.Removed, p)
		}
	}
	sort.Strings(result.Changes.Removed)

	return result, nil
}

// HashFile 计算工作区文件的SHA256
func (s *WorkspaceScanner) HashFile(rel string) (string, error) {
	file, err := s.fs.Open(s.abs(rel))
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

// ReadFile 读取工作区文件
func (s *WorkspaceScanner) ReadFile(rel string) ([]byte, error) {
	data, err := afero.ReadFile(s.fs, s.abs(rel))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &models.NotFoundError{Kind: "file", ID: rel}
		}
		return nil, fmt.Errorf("failed to read %s: %w", rel, err)
	}
	return data, nil
}

// WriteFile 写入工作区文件并恢复修改时间
func (s *WorkspaceScanner) WriteFile(rel string, data []byte, modTime time.Time) error {
	target := s.abs(rel)
	if err := s.fs.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", rel, err)
	}
	if err := afero.WriteFile(s.fs, target, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", rel, err)
	}
	if !modTime.IsZero() {
		if err := s.fs.Chtimes(target, modTime, modTime); err != nil {
			return fmt.Errorf("failed to set times on %s: %w", rel, err)
		}
	}
	return nil
}

// RemoveFile 删除工作区文件，文件不存在时不报错
func (s *WorkspaceScanner) RemoveFile(rel string) error {
	err := s.fs.Remove(s.abs(rel))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove %s: %w", rel, err)
	}
	return nil
}

func (s *WorkspaceScanner) abs(rel string) string {
	return filepath.Join(s.root, filepath.FromSlash(rel))
}

// matchPattern 判断相对路径是否匹配模式：
//   - 不含 "/" 的模式匹配任意一级路径名（如 node_modules、*.log）
//   - 以 "/**" 结尾的模式匹配该目录下的所有内容
//   - 其他模式按完整相对路径匹配
func matchPattern(pattern, rel string) bool {
	pattern = strings.TrimSuffix(strings.TrimPrefix(pattern, "./"), "/")
	if pattern == "" {
		return false
	}

	if strings.HasSuffix(pattern, "/**") {
		prefix := strings.TrimSuffix(pattern, "/**")
		return rel == prefix || strings.HasPrefix(rel, prefix+"/")
	}

	if !strings.Contains(pattern, "/") {
		for _, segment := range strings.Split(rel, "/") {
			if ok, _ := path.Match(pattern, segment); ok {
				return true
			}
		}
		return false
	}

	if ok, _ := path.Match(pattern, rel); ok {
		return true
	}
	// 目录模式同样作用于其下的文件
	return strings.HasPrefix(rel, pattern+"/")
}
