// Package content 实现内容寻址对象存储与差量压缩。
//
// 对象以原始内容的SHA256为地址，保存在 objects/<hash[0:2]>/<hash[2:]>。
// 对象可以是完整内容，也可以是相对另一个对象的差量；无论哪种形式，
// Retrieve 返回的都是原始字节，且会校验哈希。
package content

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"devsnap/internal/logger"
	"devsnap/internal/models"
	"devsnap/internal/storage"
)

// 差量链解析的硬上限，防止损坏数据导致无限递归
const maxResolveDepth = 255

// Store 内容寻址对象存储
type Store struct {
	backend storage.Backend
	level   string
}

// NewStore 创建对象存储
func NewStore(backend storage.Backend, level string) *Store {
	if !ValidLevel(level) {
		level = LevelAuto
	}
	return &Store{
		backend: backend,
		level:   level,
	}
}

// Hash 计算内容的SHA256（小写十六进制）
func Hash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// ValidateHash 检查内容哈希格式
func ValidateHash(hash string) error {
	if len(hash) != hashLen {
		return &models.ValidationError{Field: "hash", Reason: fmt.Sprintf("expected %d hex chars, got %d", hashLen, len(hash))}
	}
	if _, err := hex.DecodeString(hash); err != nil {
		return &models.ValidationError{Field: "hash", Reason: "not hex: " + hash}
	}
	return nil
}

// Store 保存内容并返回哈希，已存在时不重复写入
func (s *Store) Store(content []byte) (string, error) {
	hash, _, err := s.Put(content, TypeDefault)
	return hash, err
}

// Put 按内容类型压缩并保存完整对象，返回哈希与实际写入的字节数
func (s *Store) Put(content []byte, contentType string) (string, int64, error) {
	hash := Hash(content)

	exists, err := s.Exists(hash)
	if err != nil {
		return "", 0, err
	}
	if exists {
		logger.WithField("hash", hash[:12]).Debug("Object deduplicated")
		return hash, 0, nil
	}

	data, err := encodeFull(codecFor(contentType, s.level), content)
	if err != nil {
		return "", 0, &models.StorageError{Op: "compress", Key: hash, Err: err}
	}
	if err := s.backend.Put(storage.ObjectKey(hash), data); err != nil {
		return "", 0, err
	}

	logger.LogFileOperation(hash[:12], "store", int64(len(data)))
	return hash, int64(len(data)), nil
}

// putDelta 保存差量对象；raw 为编码后的差量指令
func (s *Store) putDelta(hash, base string, depth int, raw []byte) (int64, error) {
	codec := codecFor(TypeDefault, s.level)
	data, err := encodeDelta(codec, base, depth, raw)
	if err != nil {
		return 0, &models.StorageError{Op: "compress", Key: hash, Err: err}
	}
	if err := s.backend.Put(storage.ObjectKey(hash), data); err != nil {
		return 0, err
	}

	logger.LogFileOperation(hash[:12], "store-delta", int64(len(data)))
	return int64(len(data)), nil
}

// Exists 检查对象是否存在
func (s *Store) Exists(hash string) (bool, error) {
	if err := ValidateHash(hash); err != nil {
		return false, err
	}
	return s.backend.Exists(storage.ObjectKey(hash))
}

// Retrieve 解压并返回原始内容，未知哈希返回 NotFound
func (s *Store) Retrieve(hash string) ([]byte, error) {
	return s.retrieve(hash, 0)
}

func (s *Store) retrieve(hash string, level int) ([]byte, error) {
	if level > maxResolveDepth {
		return nil, &models.StorageError{Op: "resolve", Key: hash, Err: fmt.Errorf("delta chain exceeds %d", maxResolveDepth)}
	}

	obj, err := s.load(hash)
	if err != nil {
		return nil, err
	}

	content := obj.payload
	if obj.kind == kindDelta {
		base, err := s.retrieve(obj.base, level+1)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve delta base for %s: %w", hash[:12], err)
		}
		content, err = applyDelta(base, obj.payload)
		if err != nil {
			return nil, &models.StorageError{Op: "apply-delta", Key: hash, Err: err}
		}
	}

	if got := Hash(content); got != hash {
		return nil, &models.StorageError{Op: "verify", Key: hash, Err: fmt.Errorf("content hash mismatch: got %s", got)}
	}
	return content, nil
}

func (s *Store) load(hash string) (*object, error) {
	if err := ValidateHash(hash); err != nil {
		return nil, err
	}
	data, err := s.backend.Get(storage.ObjectKey(hash))
	if err != nil {
		if models.IsNotFound(err) {
			return nil, &models.NotFoundError{Kind: "object", ID: hash}
		}
		return nil, err
	}
	obj, err := decodeObject(data)
	if err != nil {
		return nil, &models.StorageError{Op: "decode", Key: hash, Err: err}
	}
	return obj, nil
}

// header 读取对象头（差量基准与链深度）
func (s *Store) header(hash string) (*object, error) {
	if err := ValidateHash(hash); err != nil {
		return nil, err
	}
	data, err := s.backend.Get(storage.ObjectKey(hash))
	if err != nil {
		if models.IsNotFound(err) {
			return nil, &models.NotFoundError{Kind: "object", ID: hash}
		}
		return nil, err
	}
	obj, _, err := decodeHeader(data)
	if err != nil {
		return nil, &models.StorageError{Op: "decode", Key: hash, Err: err}
	}
	return obj, nil
}

// Depth 返回对象的差量链深度，完整对象为0
func (s *Store) Depth(hash string) (int, error) {
	obj, err := s.header(hash)
	if err != nil {
		return 0, err
	}
	return obj.depth, nil
}

// Base 返回差量对象依赖的基准哈希，完整对象返回空串
func (s *Store) Base(hash string) (string, error) {
	obj, err := s.header(hash)
	if err != nil {
		return "", err
	}
	return obj.base, nil
}

// Delete 删除对象
func (s *Store) Delete(hash string) error {
	if err := ValidateHash(hash); err != nil {
		return err
	}
	return s.backend.Delete(storage.ObjectKey(hash))
}

// List 列出所有对象哈希
func (s *Store) List() ([]string, error) {
	entries, err := s.backend.List(storage.ObjectsPrefix)
	if err != nil {
		return nil, err
	}
	hashes := make([]string, 0, len(entries))
	for _, e := range entries {
		if hash, ok := storage.HashFromObjectKey(e.Key); ok {
			hashes = append(hashes, hash)
		}
	}
	return hashes, nil
}
