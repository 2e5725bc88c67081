package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"devsnap/cmd"
)

func TestMain(m *testing.M) {
	// 运行所有测试
	code := m.Run()

	// 退出
	os.Exit(code)
}

func devsnap(t *testing.T, workspace string, args ...string) string {
	t.Helper()
	root := cmd.NewRootCommand(nil)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--workspace", workspace}, args...))
	require.NoError(t, root.Execute(), out.String())
	return out.String()
}

// TestEndToEnd 在真实目录上创建备份、修改文件并回滚
func TestEndToEnd(t *testing.T) {
	for _, backend := range []string{"file", "badger"} {
		t.Run(backend, func(t *testing.T) {
			workspace := t.TempDir()
			mainPath := filepath.Join(workspace, "main.go")
			require.NoError(t, os.WriteFile(mainPath, []byte("package main\n"), 0644))

			t.Log("=== 第1步: 初始备份 ===")
			devsnap(t, workspace, "--backend", backend, "create", "init")
			v1 := strings.TrimSpace(devsnap(t, workspace, "--backend", backend, "current"))
			require.Regexp(t, `^v\d{14}-[0-9a-f]{8}-1$`, v1)

			t.Log("=== 第2步: 修改后再次备份 ===")
			require.NoError(t, os.WriteFile(mainPath, []byte("package main\n\nfunc main() {}\n"), 0644))
			devsnap(t, workspace, "--backend", backend, "create")

			t.Log("=== 第3步: 回滚到初始版本 ===")
			out := devsnap(t, workspace, "--backend", backend, "rollback", v1)
			assert.Contains(t, out, "已回滚到 "+v1)

			data, err := os.ReadFile(mainPath)
			require.NoError(t, err)
			assert.Equal(t, "package main\n", string(data))

			out = devsnap(t, workspace, "--backend", backend, "list", "--limit", "0")
			assert.Equal(t, 3, strings.Count(out, "\n"), out)

			_, err = os.Stat(filepath.Join(workspace, ".devsnap"))
			require.NoError(t, err)
		})
	}
}
