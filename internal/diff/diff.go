// Package diff 为版本比较生成统一格式补丁与行级统计。
// 基于 github.com/pmezard/go-difflib/difflib。
package diff

import (
	"bytes"
	"fmt"
	"strings"

	difflib "github.com/pmezard/go-difflib/difflib"
)

// 默认上下文行数
const defaultContext = 3

// Options 补丁生成选项
type Options struct {
	// MaxBytes 新旧内容合计超过该值时不生成补丁，0 表示不限制
	MaxBytes int
	// Context 统一补丁中的上下文行数，0 使用默认值
	Context int
	// Patch 是否生成补丁文本，否则只统计行数
	Patch bool
}

// Result 单个文件的行级差异
type Result struct {
	LinesAdded   int
	LinesRemoved int
	Binary       bool
	Oversize     bool
	Patch        string
}

// Compare 比较两个版本的文件内容
func Compare(name string, a, b []byte, opt Options) Result {
	if IsBinary(a) || IsBinary(b) {
		return Result{Binary: true}
	}
	if opt.MaxBytes > 0 && len(a)+len(b) > opt.MaxBytes {
		return Result{Oversize: true, Patch: omitted(name)}
	}

	la := splitLines(string(a))
	lb := splitLines(string(b))

	var res Result
	matcher := difflib.NewMatcher(la, lb)
	for _, op := range matcher.GetOpCodes() {
		switch op.Tag {
		case 'r':
			res.LinesRemoved += op.I2 - op.I1
			res.LinesAdded += op.J2 - op.J1
		case 'd':
			res.LinesRemoved += op.I2 - op.I1
		case 'i':
			res.LinesAdded += op.J2 - op.J1
		}
	}

	if opt.Patch && (res.LinesAdded > 0 || res.LinesRemoved > 0) {
		res.Patch = Unified(name, la, lb, opt.Context)
	}
	return res
}

// Unified 生成统一格式补丁（---/+++ 头、@@ 块）
func Unified(name string, a, b []string, context int) string {
	if context <= 0 {
		context = defaultContext
	}
	u := difflib.UnifiedDiff{
		A:        a,
		B:        b,
		FromFile: "a/" + name,
		ToFile:   "b/" + name,
		Context:  context,
	}
	s, err := difflib.GetUnifiedDiffString(u)
	if err != nil || s == "" {
		return omitted(name)
	}
	return s
}

// IsBinary 含 NUL 字节的内容按二进制处理
func IsBinary(data []byte) bool {
	probe := data
	if len(probe) > 8000 {
		probe = probe[:8000]
	}
	return bytes.IndexByte(probe, 0) >= 0
}

// splitLines 保留换行符拆分
func splitLines(s string) []string {
	if s == "" {
		return []string{}
	}
	lines := strings.SplitAfter(s, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

func omitted(name string) string {
	return fmt.Sprintf("--- a/%s\n+++ b/%s\n@@\n# diff omitted (oversize)\n", name, name)
}
