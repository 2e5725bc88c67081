package analyzer

import (
	"bytes"
	"path"
	"regexp"
	"sort"
	"strings"
)

// decl 一个顶层声明，Start 为0起始的行号
type decl struct {
	Feature string
	Start   int
}

var (
	// func Name( / func (r *T) Name( / func Name[T any](
	reGoFunc = regexp.MustCompile(`(?m)^func\s+(\([^)]*\)\s*)?([A-Za-z_]\w*)\s*[\(\[]`)
	reGoType = regexp.MustCompile(`(?m)^type\s+([A-Za-z_]\w*)\s`)

	reJSFunc  = regexp.MustCompile(`(?m)^\s*(?:export\s+)?(?:default\s+)?(?:async\s+)?function\s*\*?\s*([A-Za-z_$][\w$]*)\s*[(<]`)
	reJSArrow = regexp.MustCompile(`(?m)^\s*(?:export\s+)?(?:const|let|var)\s+([A-Za-z_$][\w$]*)\s*(?::[^=]+)?=\s*(?:async\s+)?(?:\([^)]*\)|[A-Za-z_$][\w$]*)\s*(?::[^=]+)?=>`)
	reJSClass = regexp.MustCompile(`(?m)^\s*(?:export\s+)?(?:default\s+)?(?:abstract\s+)?class\s+([A-Za-z_$][\w$]*)(\s+extends\s+[\w.$]+)?`)
	reTSType  = regexp.MustCompile(`(?m)^\s*(?:export\s+)?(?:interface|type|enum)\s+([A-Za-z_$][\w$]*)`)

	rePyDef   = regexp.MustCompile(`(?m)^\s*(?:async\s+)?def\s+([A-Za-z_]\w*)\s*\(`)
	rePyClass = regexp.MustCompile(`(?m)^\s*class\s+([A-Za-z_]\w*)\s*[(:]`)

	reJavaClass = regexp.MustCompile(`(?m)^\s*(?:public\s+|private\s+|protected\s+)?(?:abstract\s+|final\s+|data\s+|open\s+)*(?:class|interface|enum|object)\s+([A-Za-z_]\w*)`)

	// 任务引用：PROJ-123、fixes #42、@task name、task: name
	reTaskKey    = regexp.MustCompile(`\b([A-Z][A-Z0-9]{1,9}-\d+)\b`)
	reTaskIssue  = regexp.MustCompile(`(?i)\b(?:fix(?:es|ed)?|close[sd]?|resolve[sd]?|refs?)\s+#(\d+)\b`)
	reTaskAnnot  = regexp.MustCompile(`(?i)@task\s+([\w./-]+)`)
	reTaskPrefix = regexp.MustCompile(`(?im)^\s*(?://|#|\*|--)?\s*task:\s*([^\n]+?)\s*$`)
)

// 形如任务编号但实际是标准名称的前缀
var taskKeyStoplist = map[string]struct{}{
	"UTF": {}, "SHA": {}, "ISO": {}, "MD": {}, "HTTP": {}, "TLS": {}, "AES": {}, "RSA": {}, "CVE": {},
}

func lineOf(data []byte, off int) int {
	return bytes.Count(data[:off], []byte("\n"))
}

// extractDecls 按语言提取顶层声明
func extractDecls(p string, data []byte) []decl {
	ext := strings.ToLower(path.Ext(p))
	var decls []decl
	add := func(feature string, off int) {
		decls = append(decls, decl{Feature: feature, Start: lineOf(data, off)})
	}

	switch ext {
	case ".go":
		for _, m := range reGoFunc.FindAllSubmatchIndex(data, -1) {
			add("function "+string(data[m[4]:m[5]]), m[0])
		}
		for _, m := range reGoType.FindAllSubmatchIndex(data, -1) {
			add("type "+string(data[m[2]:m[3]]), m[0])
		}
	case ".js", ".jsx", ".ts", ".tsx", ".mjs", ".cjs":
		ui := ext == ".jsx" || ext == ".tsx"
		for _, re := range []*regexp.Regexp{reJSFunc, reJSArrow} {
			for _, m := range re.FindAllSubmatchIndex(data, -1) {
				add(jsFeature(string(data[m[2]:m[3]]), ui), m[0])
			}
		}
		for _, m := range reJSClass.FindAllSubmatchIndex(data, -1) {
			name := string(data[m[2]:m[3]])
			kind := "class "
			if m[4] >= 0 && strings.Contains(string(data[m[4]:m[5]]), "Component") {
				kind = "component "
			}
			add(kind+name, m[0])
		}
		if ext == ".ts" || ext == ".tsx" {
			for _, m := range reTSType.FindAllSubmatchIndex(data, -1) {
				add("type "+string(data[m[2]:m[3]]), m[0])
			}
		}
	case ".vue", ".svelte":
		base := path.Base(p)
		add("component "+strings.TrimSuffix(base, path.Ext(base)), 0)
	case ".py":
		for _, m := range rePyDef.FindAllSubmatchIndex(data, -1) {
			add("function "+string(data[m[2]:m[3]]), m[0])
		}
		for _, m := range rePyClass.FindAllSubmatchIndex(data, -1) {
			add("class "+string(data[m[2]:m[3]]), m[0])
		}
	case ".java", ".kt", ".cs":
		for _, m := range reJavaClass.FindAllSubmatchIndex(data, -1) {
			add("class "+string(data[m[2]:m[3]]), m[0])
		}
	}

	sort.SliceStable(decls, func(i, j int) bool { return decls[i].Start < decls[j].Start })
	return decls
}

// jsFeature 在 UI 文件中，首字母大写的函数视为组件
func jsFeature(name string, ui bool) string {
	if ui && name != "" && name[0] >= 'A' && name[0] <= 'Z' {
		return "component " + name
	}
	return "function " + name
}

// declBlocks 每个声明的文本块为其起始行到下一个声明之前
func declBlocks(p string, data []byte) map[string]string {
	decls := extractDecls(p, data)
	blocks := make(map[string]string, len(decls))
	if len(decls) == 0 {
		return blocks
	}
	lines := strings.Split(string(data), "\n")
	for i, d := range decls {
		end := len(lines)
		if i+1 < len(decls) {
			end = decls[i+1].Start
		}
		if end < d.Start {
			end = d.Start
		}
		blocks[d.Feature] += strings.Join(lines[d.Start:end], "\n")
	}
	return blocks
}

// extractTasks 提取任务引用
func extractTasks(data []byte) []string {
	var tasks []string
	for _, m := range reTaskKey.FindAllSubmatch(data, -1) {
		key := string(m[1])
		if _, skip := taskKeyStoplist[key[:strings.IndexByte(key, '-')]]; skip {
			continue
		}
		tasks = append(tasks, key)
	}
	for _, m := range reTaskIssue.FindAllSubmatch(data, -1) {
		tasks = append(tasks, "#"+string(m[1]))
	}
	for _, m := range reTaskAnnot.FindAllSubmatch(data, -1) {
		tasks = append(tasks, string(m[1]))
	}
	for _, m := range reTaskPrefix.FindAllSubmatch(data, -1) {
		tasks = append(tasks, strings.TrimSpace(string(m[1])))
	}
	return tasks
}
