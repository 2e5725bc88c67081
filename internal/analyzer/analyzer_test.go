package analyzer

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"devsnap/internal/models"
)

type mapSource struct {
	current  map[string]string
	previous map[string]string
}

func (m mapSource) Current(p string) ([]byte, error) {
	if s, ok := m.current[p]; ok {
		return []byte(s), nil
	}
	return nil, &models.NotFoundError{Kind: "file", ID: p}
}

func (m mapSource) Previous(p string) ([]byte, error) {
	if s, ok := m.previous[p]; ok {
		return []byte(s), nil
	}
	return nil, &models.NotFoundError{Kind: "file", ID: p}
}

func TestExtractDecls(t *testing.T) {
	goSrc := "package api\n\ntype Server struct{}\n\nfunc (s *Server) Start() error { return nil }\n\nfunc NewServer() *Server { return nil }\n"
	tsxSrc := "export default function LoginForm() {}\nconst useAuth = () => {}\nexport const Header: React.FC = (props) => null\nclass Panel extends React.Component {}\ninterface Props {}\n"
	pySrc := "class Repo:\n    def save(self):\n        pass\n\nasync def fetch(url):\n    pass\n"

	features := func(p, src string) []string {
		var out []string
		for _, d := range extractDecls(p, []byte(src)) {
			out = append(out, d.Feature)
		}
		return out
	}

	assert.Equal(t, []string{"type Server", "function Start", "function NewServer"}, features("api/server.go", goSrc))
	assert.ElementsMatch(t, []string{"component LoginForm", "function useAuth", "component Header", "component Panel", "type Props"}, features("ui/Login.tsx", tsxSrc))
	assert.ElementsMatch(t, []string{"class Repo", "function save", "function fetch"}, features("repo.py", pySrc))
	assert.Equal(t, []string{"component UserCard"}, features("src/UserCard.vue", "<template></template>"))
}

func TestExtractTasks(t *testing.T) {
	src := "// implements AUTH-42\n// fixes #17\n# @task onboarding-flow\n// task: wire settings page\n// encoded as UTF-8 with SHA-256\n"
	assert.ElementsMatch(t, []string{"AUTH-42", "#17", "onboarding-flow", "wire settings page"}, extractTasks([]byte(src)))
}

func TestAnalyzeChanges(t *testing.T) {
	src := mapSource{
		current: map[string]string{
			"api/auth.go":  "package api\n\n// AUTH-7\nfunc Login() {}\n",
			"api/users.go": "package api\n\nfunc ListUsers() { return }\n\nfunc CreateUser() {}\n",
		},
		previous: map[string]string{
			"api/users.go":  "package api\n\nfunc ListUsers() {}\n\nfunc DeleteUser() {}\n",
			"api/legacy.go": "package api\n\nfunc OldHandler() {}\n",
		},
	}
	changes := models.ChangeSet{
		Added:    []string{"api/auth.go"},
		Modified: []string{"api/users.go"},
		Removed:  []string{"api/legacy.go"},
	}

	meta := New().AnalyzeChanges(changes, src)

	assert.Equal(t, []string{"function CreateUser", "function Login"}, meta.AddedFeatures)
	assert.Equal(t, []string{"function DeleteUser", "function OldHandler"}, meta.RemovedFeatures)
	assert.Equal(t, []string{"function ListUsers"}, meta.ModifiedFeatures)
	assert.Equal(t, []string{"AUTH-7"}, meta.TasksWorkedOn)
	assert.Equal(t, models.RiskLow, meta.RiskLevel)
	assert.Equal(t, "low", meta.PerformanceImpact)
	assert.Equal(t, "1 added, 1 modified, 1 removed", meta.ChangesSummary)
}

func TestAssessRiskLadder(t *testing.T) {
	many := func(n int) []string {
		out := make([]string, n)
		for i := range out {
			out[i] = fmt.Sprintf("src/file%d.go", i)
		}
		return out
	}

	assert.Equal(t, models.RiskCritical, AssessRisk(models.ChangeSet{Removed: many(5)}))
	assert.Equal(t, models.RiskCritical, AssessRisk(models.ChangeSet{Modified: []string{"go.mod"}}))
	assert.Equal(t, models.RiskCritical, AssessRisk(models.ChangeSet{Modified: []string{"web/package.json"}}))
	assert.Equal(t, models.RiskHigh, AssessRisk(models.ChangeSet{Modified: many(21)}))
	assert.Equal(t, models.RiskMedium, AssessRisk(models.ChangeSet{Added: many(6)}))
	assert.Equal(t, models.RiskLow, AssessRisk(models.ChangeSet{Added: many(2)}))
}

func TestGenerateAutomatedComment(t *testing.T) {
	meta := models.BackupMetadata{
		AddedFeatures:     []string{"function A", "function B", "function C", "function D"},
		RemovedFeatures:   []string{"type Old"},
		TasksWorkedOn:     []string{"AUTH-1"},
		RiskLevel:         models.RiskHigh,
		PerformanceImpact: "medium",
		ChangesSummary:    "4 added, 0 modified, 1 removed",
	}
	want := "Added function A, function B, function C and 1 more; Removed type Old; Tasks AUTH-1 [risk: high] [perf: medium]"
	assert.Equal(t, want, GenerateAutomatedComment(meta))
	assert.Equal(t, want, GenerateAutomatedComment(meta), "comment must be deterministic")

	plain := models.BackupMetadata{RiskLevel: models.RiskLow, PerformanceImpact: "low", ChangesSummary: "0 added, 2 modified, 0 removed"}
	assert.Equal(t, "Changes: 0 added, 2 modified, 0 removed", GenerateAutomatedComment(plain))
}
