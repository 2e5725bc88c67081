package content

import (
	"encoding/json"
	"fmt"
	"strings"

	difflib "github.com/pmezard/go-difflib/difflib"

	"devsnap/internal/models"
)

// deltaOp 一条差量指令：复制基准的 [S,E) 行，或插入 D
type deltaOp struct {
	S int    `json:"s,omitempty"`
	E int    `json:"e,omitempty"`
	D string `json:"d,omitempty"`
}

// Decision 一个文件的存储决策
type Decision struct {
	Hash        string // 原始内容哈希
	ContentType string // 压缩策略标签
	DeltaFrom   string // 引用或差量的父哈希
	Reference   bool   // 与父内容相同，仅保存引用
	Delta       bool   // 以差量形式保存
	Written     int64  // 本次实际写入的字节数
}

// Compressor 根据父版本决定完整存储、差量存储或仅引用
type Compressor struct {
	store        *Store
	chainLimit   int
	maxDeltaSize int64
}

// NewCompressor 创建差量压缩器
func NewCompressor(store *Store, chainLimit int, maxDeltaSize int64) *Compressor {
	return &Compressor{
		store:        store,
		chainLimit:   chainLimit,
		maxDeltaSize: maxDeltaSize,
	}
}

// Store 获取底层对象存储
func (c *Compressor) Store() *Store {
	return c.store
}

// DiffAgainstParent 为 path 的新内容做出存储决策。
// 相同的父哈希和内容在相同存储状态下总是得到相同的决策和哈希。
func (c *Compressor) DiffAgainstParent(path, parentHash string, content []byte) (Decision, error) {
	d := Decision{
		Hash:        Hash(content),
		ContentType: ContentTypeFor(path),
	}

	// 与父版本完全相同：仅引用
	if parentHash != "" && parentHash == d.Hash {
		d.DeltaFrom = parentHash
		d.Reference = true
		return d, nil
	}

	exists, err := c.store.Exists(d.Hash)
	if err != nil {
		return d, err
	}
	if exists {
		return d, nil
	}

	if c.deltaCandidate(parentHash, d.ContentType, content) {
		written, ok, err := c.tryDelta(d.Hash, parentHash, content)
		if err != nil {
			return d, err
		}
		if ok {
			d.Delta = true
			d.DeltaFrom = parentHash
			d.Written = written
			return d, nil
		}
	}

	_, written, err := c.store.Put(content, d.ContentType)
	if err != nil {
		return d, err
	}
	d.Written = written
	return d, nil
}

func (c *Compressor) deltaCandidate(parentHash, contentType string, content []byte) bool {
	if parentHash == "" || contentType != TypeText || c.store.level == LevelNone {
		return false
	}
	if c.chainLimit <= 0 {
		return false
	}
	return c.maxDeltaSize <= 0 || int64(len(content)) <= c.maxDeltaSize
}

func (c *Compressor) tryDelta(hash, parentHash string, content []byte) (int64, bool, error) {
	depth, err := c.store.Depth(parentHash)
	if err != nil {
		// 父对象不可用时退回完整存储
		if models.IsNotFound(err) {
			return 0, false, nil
		}
		return 0, false, err
	}
	if depth+1 > c.chainLimit {
		return 0, false, nil
	}

	base, err := c.store.Retrieve(parentHash)
	if err != nil {
		return 0, false, err
	}
	if c.maxDeltaSize > 0 && int64(len(base)) > c.maxDeltaSize {
		return 0, false, nil
	}

	raw, err := encodeOps(computeDelta(base, content))
	if err != nil {
		return 0, false, err
	}
	// 差量不足原内容一半时才值得保存
	if len(raw) >= len(content)/2 {
		return 0, false, nil
	}

	written, err := c.store.putDelta(hash, parentHash, depth+1, raw)
	if err != nil {
		return 0, false, err
	}
	return written, true, nil
}

// splitLines 按行切分并保留换行符，拼接后与原内容逐字节一致
func splitLines(data []byte) []string {
	if len(data) == 0 {
		return []string{}
	}
	lines := strings.SplitAfter(string(data), "\n")
	// 以换行结尾时 SplitAfter 会多出一个空串
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

func computeDelta(base, target []byte) []deltaOp {
	a := splitLines(base)
	b := splitLines(target)

	matcher := difflib.NewMatcher(a, b)
	var ops []deltaOp
	for _, oc := range matcher.GetOpCodes() {
		switch oc.Tag {
		case 'e':
			ops = append(ops, deltaOp{S: oc.I1, E: oc.I2})
		case 'r', 'i':
			ops = append(ops, deltaOp{D: strings.Join(b[oc.J1:oc.J2], "")})
		}
	}
	return ops
}

func encodeOps(ops []deltaOp) ([]byte, error) {
	if ops == nil {
		ops = []deltaOp{}
	}
	return json.Marshal(ops)
}

func applyDelta(base []byte, raw []byte) ([]byte, error) {
	var ops []deltaOp
	if err := json.Unmarshal(raw, &ops); err != nil {
		return nil, fmt.Errorf("invalid delta payload: %w", err)
	}

	lines := splitLines(base)
	var sb strings.Builder
	for i, op := range ops {
		if op.D != "" {
			sb.WriteString(op.D)
			continue
		}
		if op.S < 0 || op.E > len(lines) || op.S >= op.E {
			return nil, fmt.Errorf("delta op %d copies invalid range [%d,%d) of %d lines", i, op.S, op.E, len(lines))
		}
		for _, line := range lines[op.S:op.E] {
			sb.WriteString(line)
		}
	}
	return []byte(sb.String()), nil
}
