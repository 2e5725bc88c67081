package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"devsnap/internal/models"
)

// 值的前8字节保存写入时间（UnixNano，大端），用于按修改时间排序
const mtimeHeaderSize = 8

// BadgerConfig 嵌入式KV存储配置
type BadgerConfig struct {
	Path     string // 数据目录
	InMemory bool   // 仅内存模式，用于测试
}

// BadgerBackend 基于badger的存储实现
type BadgerBackend struct {
	db  *badger.DB
	now func() time.Time
}

// NewBadgerBackend 创建badger存储实例
func NewBadgerBackend(config BadgerConfig) (*BadgerBackend, error) {
	var opts badger.Options
	if config.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if config.Path == "" {
			return nil, &models.ValidationError{Field: "badger path", Reason: "must not be empty"}
		}
		opts = badger.DefaultOptions(config.Path)
		opts.ValueLogFileSize = 1024 * 1024 * 100
	}
	opts.Logger = nil
	opts.SyncWrites = true

	db, err := badger.Open(opts)
	if err != nil {
		return nil, &models.StorageError{Op: "open", Key: config.Path, Err: err}
	}

	return &BadgerBackend{
		db:  db,
		now: time.Now,
	}, nil
}

// Get 实现Backend接口 - 读取值
func (k *BadgerBackend) Get(key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	var value []byte
	err := k.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, &models.NotFoundError{Kind: "key", ID: key}
		}
		return nil, &models.StorageError{Op: "read", Key: key, Err: err}
	}
	_, data, err := splitMTime(value)
	if err != nil {
		return nil, &models.StorageError{Op: "read", Key: key, Err: err}
	}
	return data, nil
}

// Put 实现Backend接口 - 在单个事务中写入
func (k *BadgerBackend) Put(key string, data []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	err := k.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), joinMTime(k.now(), data))
	})
	if err != nil {
		return &models.StorageError{Op: "write", Key: key, Err: err}
	}
	return nil
}

// SetModTime 实现Backend接口 - 以新的时间头重写值
func (k *BadgerBackend) SetModTime(key string, modTime time.Time) error {
	if err := validateKey(key); err != nil {
		return err
	}
	err := k.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		_, data, err := splitMTime(value)
		if err != nil {
			return err
		}
		return txn.Set([]byte(key), joinMTime(modTime, data))
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return &models.NotFoundError{Kind: "key", ID: key}
		}
		return &models.StorageError{Op: "chtimes", Key: key, Err: err}
	}
	return nil
}

// Exists 实现Backend接口 - 检查键是否存在
func (k *BadgerBackend) Exists(key string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}
	exists := false
	err := k.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(key))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		exists = true
		return nil
	})
	if err != nil {
		return false, &models.StorageError{Op: "stat", Key: key, Err: err}
	}
	return exists, nil
}

// Delete 实现Backend接口 - 删除键
func (k *BadgerBackend) Delete(key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	err := k.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return &models.StorageError{Op: "delete", Key: key, Err: err}
	}
	return nil
}

// List 实现Backend接口 - 前缀迭代
func (k *BadgerBackend) List(prefix string) ([]Entry, error) {
	entries := []Entry{}
	err := k.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek([]byte(prefix)); it.ValidForPrefix([]byte(prefix)); it.Next() {
			item := it.Item()
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			mtime, data, err := splitMTime(value)
			if err != nil {
				return fmt.Errorf("key %s: %w", item.Key(), err)
			}
			entries = append(entries, Entry{
				Key:     string(item.KeyCopy(nil)),
				Size:    int64(len(data)),
				ModTime: mtime,
			})
		}
		return nil
	})
	if err != nil {
		return nil, &models.StorageError{Op: "list", Key: prefix, Err: err}
	}
	return entries, nil
}

// Close 实现Backend接口 - 关闭数据库
func (k *BadgerBackend) Close() error {
	if err := k.db.Close(); err != nil {
		return fmt.Errorf("error closing db: %w", err)
	}
	return nil
}

func joinMTime(mtime time.Time, data []byte) []byte {
	value := make([]byte, mtimeHeaderSize+len(data))
	binary.BigEndian.PutUint64(value[:mtimeHeaderSize], uint64(mtime.UnixNano()))
	copy(value[mtimeHeaderSize:], data)
	return value
}

func splitMTime(value []byte) (time.Time, []byte, error) {
	if len(value) < mtimeHeaderSize {
		return time.Time{}, nil, fmt.Errorf("value too short: %d bytes", len(value))
	}
	nanos := int64(binary.BigEndian.Uint64(value[:mtimeHeaderSize]))
	return time.Unix(0, nanos), value[mtimeHeaderSize:], nil
}
