package storage

import (
	"path"
	"strings"
	"time"

	"devsnap/internal/models"
)

// 存储布局中的固定键
const (
	CurrentKey      = "current"
	CounterKey      = "counter"
	TriggerStateKey = "trigger-state.json"
	VersionsPrefix  = "versions/"
	ObjectsPrefix   = "objects/"
)

// Entry 存储条目信息
type Entry struct {
	Key     string    // 以正斜杠分隔的键
	Size    int64     // 值大小
	ModTime time.Time // 最后写入时间
}

// Backend 存储后端接口，抽象化目录式存储与嵌入式KV存储
type Backend interface {
	// Get 读取键对应的值，不存在时返回 models.ErrNotFound
	Get(key string) ([]byte, error)

	// Put 原子写入，其他调用不会看到部分写入的值
	Put(key string, data []byte) error

	// Exists 检查键是否存在
	Exists(key string) (bool, error)

	// Delete 删除键，键不存在时不报错
	Delete(key string) error

	// List 列出指定前缀下的所有条目
	List(prefix string) ([]Entry, error)

	// SetModTime 修改条目的修改时间，用于重写记录时保持原有顺序
	SetModTime(key string, modTime time.Time) error

	// Close 释放底层资源
	Close() error
}

// ObjectKey 内容哈希对应的对象键：objects/<hash[0:2]>/<hash[2:]>
func ObjectKey(hash string) string {
	return ObjectsPrefix + hash[:2] + "/" + hash[2:]
}

// HashFromObjectKey 从对象键还原内容哈希
func HashFromObjectKey(key string) (string, bool) {
	rest := strings.TrimPrefix(key, ObjectsPrefix)
	if rest == key {
		return "", false
	}
	dir, file := path.Split(rest)
	dir = strings.TrimSuffix(dir, "/")
	if len(dir) != 2 || file == "" {
		return "", false
	}
	return dir + file, true
}

// VersionKey 版本记录键
func VersionKey(versionID string) string {
	return VersionsPrefix + versionID + ".json"
}

// VersionIDFromKey 从版本记录键还原版本ID
func VersionIDFromKey(key string) (string, bool) {
	if !strings.HasPrefix(key, VersionsPrefix) || !strings.HasSuffix(key, ".json") {
		return "", false
	}
	id := strings.TrimSuffix(strings.TrimPrefix(key, VersionsPrefix), ".json")
	if id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

func validateKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "..") || strings.Contains(key, "\\") {
		return &models.ValidationError{Field: "key", Reason: "malformed storage key " + key}
	}
	return nil
}
