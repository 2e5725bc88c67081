// Package versions 管理版本记录、当前版本指针与版本血缘。
package versions

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/facebookgo/clock"
	lru "github.com/hashicorp/golang-lru/v2"

	"devsnap/internal/logger"
	"devsnap/internal/models"
	"devsnap/internal/storage"
)

// DefaultCacheSize 版本记录缓存的默认条目数
const DefaultCacheSize = 128

// v<UTC yyyymmddHHMMSS>-<8位十六进制>-<计数器>
var versionIDPattern = regexp.MustCompile(`^v(\d{14})-([0-9a-f]{8})-(\d+)$`)

// ValidateID 校验版本ID格式
func ValidateID(id string) error {
	if !versionIDPattern.MatchString(id) {
		return &models.ValidationError{Field: "version id", Reason: fmt.Sprintf("malformed id %q", id)}
	}
	return nil
}

// Counter 从版本ID中取出计数器，格式非法时返回 0
func Counter(id string) uint64 {
	m := versionIDPattern.FindStringSubmatch(id)
	if m == nil {
		return 0
	}
	n, _ := strconv.ParseUint(m[3], 10, 64)
	return n
}

// Store 版本存储
type Store struct {
	backend storage.Backend
	clock   clock.Clock
	cache   *lru.Cache[string, []byte]
}

// NewStore 创建版本存储实例
func NewStore(backend storage.Backend, clk clock.Clock, cacheSize int) (*Store, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, err := lru.New[string, []byte](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create version cache: %w", err)
	}
	return &Store{
		backend: backend,
		clock:   clk,
		cache:   cache,
	}, nil
}

// NextVersionID 生成新的版本ID并持久化计数器。
// 计数器单调递增，同一秒内的多次调用也不会重复。
func (s *Store) NextVersionID(seed string) (string, error) {
	counter, err := s.readCounter()
	if err != nil {
		return "", err
	}
	counter++
	if err := s.backend.Put(storage.CounterKey, []byte(strconv.FormatUint(counter, 10))); err != nil {
		return "", fmt.Errorf("failed to persist version counter: %w", err)
	}

	sum := sha256.Sum256([]byte(seed + strconv.FormatUint(counter, 10)))
	id := fmt.Sprintf("v%s-%s-%d",
		s.clock.Now().UTC().Format("20060102150405"),
		hex.EncodeToString(sum[:])[:8],
		counter)
	return id, nil
}

func (s *Store) readCounter() (uint64, error) {
	data, err := s.backend.Get(storage.CounterKey)
	if err != nil {
		if models.IsNotFound(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read version counter: %w", err)
	}
	counter, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, &models.StorageError{Op: "parse", Key: storage.CounterKey, Err: err}
	}
	return counter, nil
}

// WriteVersion 写入版本记录。
// 父版本必须已经存在。
func (s *Store) WriteVersion(v *models.BackupVersion) error {
	if err := ValidateID(v.VersionID); err != nil {
		return err
	}
	if v.ParentVersion != "" {
		exists, err := s.backend.Exists(storage.VersionKey(v.ParentVersion))
		if err != nil {
			return fmt.Errorf("failed to check parent version: %w", err)
		}
		if !exists {
			return fmt.Errorf("parent of %s: %w", v.VersionID, &models.NotFoundError{Kind: "version", ID: v.ParentVersion})
		}
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal version %s: %w", v.VersionID, err)
	}
	if err := s.backend.Put(storage.VersionKey(v.VersionID), data); err != nil {
		return fmt.Errorf("failed to write version %s: %w", v.VersionID, err)
	}
	s.cache.Add(v.VersionID, data)
	return nil
}

// RewriteVersion 重写已存在的版本记录，保留原记录的修改时间以维持列表顺序
func (s *Store) RewriteVersion(v *models.BackupVersion) error {
	entry, err := s.entry(v.VersionID)
	if err != nil {
		return err
	}
	if err := s.WriteVersion(v); err != nil {
		return err
	}
	if err := s.backend.SetModTime(storage.VersionKey(v.VersionID), entry.ModTime); err != nil {
		return fmt.Errorf("failed to restore mtime of %s: %w", v.VersionID, err)
	}
	return nil
}

func (s *Store) entry(id string) (storage.Entry, error) {
	entries, err := s.backend.List(storage.VersionKey(id))
	if err != nil {
		return storage.Entry{}, fmt.Errorf("failed to stat version %s: %w", id, err)
	}
	for _, e := range entries {
		if e.Key == storage.VersionKey(id) {
			return e, nil
		}
	}
	return storage.Entry{}, &models.NotFoundError{Kind: "version", ID: id}
}

// ReadVersion 读取版本记录，优先使用缓存
func (s *Store) ReadVersion(id string) (*models.BackupVersion, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}

	data, ok := s.cache.Get(id)
	if !ok {
		var err error
		data, err = s.backend.Get(storage.VersionKey(id))
		if err != nil {
			if models.IsNotFound(err) {
				return nil, &models.NotFoundError{Kind: "version", ID: id}
			}
			return nil, fmt.Errorf("failed to read version %s: %w", id, err)
		}
		s.cache.Add(id, data)
	}

	var v models.BackupVersion
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, &models.StorageError{Op: "decode", Key: storage.VersionKey(id), Err: err}
	}
	return &v, nil
}

// HasVersion 版本记录是否存在
func (s *Store) HasVersion(id string) (bool, error) {
	if err := ValidateID(id); err != nil {
		return false, err
	}
	if s.cache.Contains(id) {
		return true, nil
	}
	return s.backend.Exists(storage.VersionKey(id))
}

// DeleteVersion 删除版本记录
func (s *Store) DeleteVersion(id string) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	s.cache.Remove(id)
	if err := s.backend.Delete(storage.VersionKey(id)); err != nil {
		return fmt.Errorf("failed to delete version %s: %w", id, err)
	}
	return nil
}

// ListIDs 按记录修改时间从新到旧返回版本ID，时间相同按计数器排序
func (s *Store) ListIDs() ([]string, error) {
	entries, err := s.backend.List(storage.VersionsPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list versions: %w", err)
	}

	type listed struct {
		id      string
		entry   storage.Entry
		counter uint64
	}
	var items []listed
	for _, e := range entries {
		id, ok := storage.VersionIDFromKey(e.Key)
		if !ok || ValidateID(id) != nil {
			logger.Warnf("Skipping unexpected version record %s", e.Key)
			continue
		}
		items = append(items, listed{id: id, entry: e, counter: Counter(id)})
	}

	sort.Slice(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if !a.entry.ModTime.Equal(b.entry.ModTime) {
			return a.entry.ModTime.After(b.entry.ModTime)
		}
		return a.counter > b.counter
	})

	ids := make([]string, len(items))
	for i, item := range items {
		ids[i] = item.id
	}
	return ids, nil
}

// ListVersions 按从新到旧返回所有版本记录
func (s *Store) ListVersions() ([]*models.BackupVersion, error) {
	ids, err := s.ListIDs()
	if err != nil {
		return nil, err
	}
	versions := make([]*models.BackupVersion, 0, len(ids))
	for _, id := range ids {
		v, err := s.ReadVersion(id)
		if err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, nil
}

// CurrentVersion 读取当前版本指针，没有版本时返回空字符串
func (s *Store) CurrentVersion() (string, error) {
	data, err := s.backend.Get(storage.CurrentKey)
	if err != nil {
		if models.IsNotFound(err) {
			return "", nil
		}
		return "", fmt.Errorf("failed to read current pointer: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// SetCurrent 原子更新当前版本指针，目标版本必须存在
func (s *Store) SetCurrent(id string) error {
	exists, err := s.HasVersion(id)
	if err != nil {
		return err
	}
	if !exists {
		return &models.NotFoundError{Kind: "version", ID: id}
	}
	if err := s.backend.Put(storage.CurrentKey, []byte(id)); err != nil {
		return fmt.Errorf("failed to update current pointer: %w", err)
	}
	logger.WithField("version_id", id).Debug("Current version updated")
	return nil
}

// Lineage 从指定版本沿父指针走到初始版本，返回经过的版本ID。
// 父版本缺失或出现环时返回错误。
func (s *Store) Lineage(id string) ([]string, error) {
	seen := make(map[string]struct{})
	var chain []string
	for cur := id; cur != ""; {
		if _, dup := seen[cur]; dup {
			return chain, &models.ValidationError{Field: "lineage", Reason: fmt.Sprintf("cycle detected at %s", cur)}
		}
		seen[cur] = struct{}{}

		v, err := s.ReadVersion(cur)
		if err != nil {
			if len(chain) > 0 {
				return chain, fmt.Errorf("dangling parent of %s: %w", chain[len(chain)-1], err)
			}
			return nil, err
		}
		chain = append(chain, cur)
		cur = v.ParentVersion
	}
	return chain, nil
}

// Stats 扫描所有版本计算统计信息
func (s *Store) Stats() (*models.Stats, error) {
	versions, err := s.ListVersions()
	if err != nil {
		return nil, err
	}
	current, err := s.CurrentVersion()
	if err != nil {
		return nil, err
	}

	stats := &models.Stats{
		Count:   len(versions),
		Current: current,
	}
	var ratioSum float64
	for _, v := range versions {
		stats.TotalSize += v.Size
		stats.StoredBytes += v.StoredBytes
		ratioSum += v.CompressionRatio
		if v.Timestamp.After(stats.LastTimestamp) {
			stats.LastTimestamp = v.Timestamp
		}
	}
	if len(versions) > 0 {
		stats.AvgCompressionRatio = ratioSum / float64(len(versions))
	}
	return stats, nil
}
