package storage

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/afero"

	"devsnap/internal/models"
)

const tempPattern = ".devsnap-tmp-*"

// FileBackend 目录式存储实现，键直接映射为备份目录下的文件
type FileBackend struct {
	fs   afero.Fs
	root string
}

// NewFileBackend 创建目录式存储实例
func NewFileBackend(fs afero.Fs, root string) (*FileBackend, error) {
	// 确保根目录存在
	if err := fs.MkdirAll(root, 0755); err != nil {
		return nil, &models.StorageError{Op: "init", Key: root, Err: err}
	}
	return &FileBackend{
		fs:   fs,
		root: root,
	}, nil
}

// Root 获取存储根目录
func (b *FileBackend) Root() string {
	return b.root
}

func (b *FileBackend) fullPath(key string) string {
	return filepath.Join(b.root, filepath.FromSlash(key))
}

// Get 实现Backend接口 - 读取值
func (b *FileBackend) Get(key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	data, err := afero.ReadFile(b.fs, b.fullPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &models.NotFoundError{Kind: "key", ID: key}
		}
		return nil, &models.StorageError{Op: "read", Key: key, Err: err}
	}
	return data, nil
}

// Put 实现Backend接口 - 先写临时文件再重命名
func (b *FileBackend) Put(key string, data []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	dst := b.fullPath(key)
	dir := filepath.Dir(dst)

	// 确保目标目录存在
	if err := b.fs.MkdirAll(dir, 0755); err != nil {
		return &models.StorageError{Op: "mkdir", Key: key, Err: err}
	}

	tmp, err := afero.TempFile(b.fs, dir, tempPattern)
	if err != nil {
		return &models.StorageError{Op: "write", Key: key, Err: err}
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		b.fs.Remove(tmpName)
		return &models.StorageError{Op: "write", Key: key, Err: err}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		b.fs.Remove(tmpName)
		return &models.StorageError{Op: "sync", Key: key, Err: err}
	}
	if err := tmp.Close(); err != nil {
		b.fs.Remove(tmpName)
		return &models.StorageError{Op: "write", Key: key, Err: err}
	}

	if err := b.fs.Rename(tmpName, dst); err != nil {
		b.fs.Remove(tmpName)
		return &models.StorageError{Op: "rename", Key: key, Err: err}
	}
	return nil
}

// Exists 实现Backend接口 - 检查键是否存在
func (b *FileBackend) Exists(key string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}
	_, err := b.fs.Stat(b.fullPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, &models.StorageError{Op: "stat", Key: key, Err: err}
	}
	return true, nil
}

// Delete 实现Backend接口 - 删除键
func (b *FileBackend) Delete(key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	err := b.fs.Remove(b.fullPath(key))
	if err != nil && !os.IsNotExist(err) {
		return &models.StorageError{Op: "delete", Key: key, Err: err}
	}
	return nil
}

// List 实现Backend接口 - 列出前缀下的文件
func (b *FileBackend) List(prefix string) ([]Entry, error) {
	// 从前缀中最深的完整目录开始遍历
	startDir := b.root
	if i := strings.LastIndex(prefix, "/"); i >= 0 {
		startDir = b.fullPath(prefix[:i])
	}

	if _, err := b.fs.Stat(startDir); err != nil {
		if os.IsNotExist(err) {
			return []Entry{}, nil
		}
		return nil, &models.StorageError{Op: "list", Key: prefix, Err: err}
	}

	var entries []Entry
	err := afero.Walk(b.fs, startDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		// 跳过未完成的临时文件
		if matched, _ := filepath.Match(tempPattern, info.Name()); matched {
			return nil
		}

		rel, err := filepath.Rel(b.root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}

		entries = append(entries, Entry{
			Key:     key,
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, &models.StorageError{Op: "list", Key: prefix, Err: err}
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries, nil
}

// SetModTime 实现Backend接口 - 修改文件时间
func (b *FileBackend) SetModTime(key string, modTime time.Time) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if err := b.fs.Chtimes(b.fullPath(key), modTime, modTime); err != nil {
		if os.IsNotExist(err) {
			return &models.NotFoundError{Kind: "key", ID: key}
		}
		return &models.StorageError{Op: "chtimes", Key: key, Err: err}
	}
	return nil
}

// Close 实现Backend接口，目录式存储无需释放资源
func (b *FileBackend) Close() error {
	return nil
}
