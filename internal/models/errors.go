package models

import (
	"errors"
	"fmt"
)

// ErrNotFound 版本或内容哈希不存在
var ErrNotFound = errors.New("not found")

// NotFoundError 带具体对象信息的未找到错误
type NotFoundError struct {
	Kind string // version / object / key
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// Is 使 errors.Is(err, ErrNotFound) 成立
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// StorageError 读写对象或版本记录时的I/O错误，不会自动重试
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// ValidationError 非法的触发条件或版本ID格式
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ConditionEvaluationError 触发条件判定失败
type ConditionEvaluationError struct {
	ConditionID string
	Err         error
}

func (e *ConditionEvaluationError) Error() string {
	return fmt.Sprintf("condition %s evaluation failed: %v", e.ConditionID, e.Err)
}

func (e *ConditionEvaluationError) Unwrap() error {
	return e.Err
}

// IsNotFound 判断错误链中是否包含 ErrNotFound
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
