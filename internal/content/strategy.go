package content

import (
	"path"
	"strings"
)

// 内容类型，即压缩策略标签
const (
	TypeText    = "text"    // 源码与文本：最大压缩
	TypeBinary  = "binary"  // 已压缩的二进制格式：不压缩
	TypeDefault = "default" // 其他：中等压缩
)

// 压缩级别配置
const (
	LevelAuto = "auto" // 按扩展名策略表
	LevelFast = "fast" // 所有可压缩内容使用最快的zstd
	LevelNone = "none" // 全部原样存储
)

var textExtensions = map[string]struct{}{
	".go": {}, ".mod": {}, ".sum": {}, ".js": {}, ".mjs": {}, ".cjs": {}, ".ts": {}, ".tsx": {}, ".jsx": {},
	".vue": {}, ".svelte": {}, ".py": {}, ".rb": {}, ".php": {}, ".java": {}, ".kt": {}, ".cs": {},
	".c": {}, ".h": {}, ".cc": {}, ".cpp": {}, ".hpp": {}, ".rs": {}, ".swift": {}, ".sh": {}, ".bash": {},
	".sql": {}, ".html": {}, ".htm": {}, ".css": {}, ".scss": {}, ".less": {}, ".md": {}, ".mdx": {},
	".txt": {}, ".json": {}, ".yaml": {}, ".yml": {}, ".toml": {}, ".ini": {}, ".cfg": {}, ".conf": {},
	".xml": {}, ".csv": {}, ".env": {}, ".graphql": {}, ".proto": {}, ".log": {}, ".lock": {},
}

var binaryExtensions = map[string]struct{}{
	".png": {}, ".jpg": {}, ".jpeg": {}, ".gif": {}, ".webp": {}, ".ico": {}, ".avif": {}, ".heic": {},
	".zip": {}, ".gz": {}, ".tgz": {}, ".bz2": {}, ".xz": {}, ".zst": {}, ".7z": {}, ".rar": {}, ".jar": {},
	".mp3": {}, ".mp4": {}, ".mov": {}, ".avi": {}, ".mkv": {}, ".webm": {}, ".ogg": {}, ".flac": {},
	".pdf": {}, ".woff": {}, ".woff2": {}, ".docx": {}, ".xlsx": {}, ".pptx": {},
}

// 无扩展名但属于文本的常见文件
var textBaseNames = map[string]struct{}{
	"Dockerfile": {}, "Makefile": {}, "LICENSE": {}, "README": {}, "Procfile": {}, ".gitignore": {},
	".dockerignore": {}, ".editorconfig": {},
}

// ContentTypeFor 根据扩展名选择压缩策略，纯静态表
func ContentTypeFor(p string) string {
	base := path.Base(p)
	if _, ok := textBaseNames[base]; ok {
		return TypeText
	}
	ext := strings.ToLower(path.Ext(base))
	if _, ok := textExtensions[ext]; ok {
		return TypeText
	}
	if _, ok := binaryExtensions[ext]; ok {
		return TypeBinary
	}
	return TypeDefault
}

// ValidLevel 检查压缩级别是否合法
func ValidLevel(level string) bool {
	switch level {
	case LevelAuto, LevelFast, LevelNone:
		return true
	}
	return false
}

// codecFor 返回内容类型在给定级别下使用的编码
func codecFor(contentType, level string) byte {
	if level == LevelNone || contentType == TypeBinary {
		return codecNone
	}
	if level == LevelFast {
		return codecZstdFast
	}
	if contentType == TypeText {
		return codecXZ
	}
	return codecZstd
}
