package deliberation

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/vthunder/delibd/internal/config"
)

func TestParseToolRequests_HandlesEmbeddedBraces(t *testing.T) {
	response := `Let me check something.
TOOL_REQUEST: {"name": "search_code", "arguments": {"pattern": "func \\{.*\\}"}}
Thanks.`

	reqs := ParseToolRequests(response)
	if len(reqs) != 1 {
		t.Fatalf("expected 1 tool request, got %d", len(reqs))
	}
	if reqs[0].Name != "search_code" {
		t.Errorf("expected search_code, got %q", reqs[0].Name)
	}
}

func TestParseToolRequests_MultipleMarkers(t *testing.T) {
	response := "TOOL_REQUEST: {\"name\": \"read_file\", \"arguments\": {\"path\": \"a.go\"}}\n" +
		"TOOL_REQUEST: {\"name\": \"list_files\", \"arguments\": {}}"
	reqs := ParseToolRequests(response)
	if len(reqs) != 2 {
		t.Fatalf("expected 2 tool requests, got %d", len(reqs))
	}
}

func TestParseToolRequests_InvalidPayloadSkipped(t *testing.T) {
	response := "TOOL_REQUEST: {not json}\nTOOL_REQUEST: {\"name\": \"\"}"
	reqs := ParseToolRequests(response)
	if len(reqs) != 0 {
		t.Errorf("expected invalid/empty-name requests to be skipped, got %d", len(reqs))
	}
}

func TestIsPathExcluded(t *testing.T) {
	cases := []struct {
		path     string
		patterns []string
		want     bool
	}{
		{"node_modules/pkg/index.js", []string{"node_modules/**"}, true},
		{"src/node_modules/pkg/index.js", []string{"node_modules/**"}, true},
		{"src/main.go", []string{"node_modules/**"}, false},
		{".git/HEAD", []string{".git/"}, true},
		{"secrets.env", []string{"secrets.env"}, true},
		{"README.md", []string{"node_modules/**", ".git/"}, false},
	}
	for _, c := range cases {
		if got := isPathExcluded(c.path, c.patterns); got != c.want {
			t.Errorf("isPathExcluded(%q, %v) = %v, want %v", c.path, c.patterns, got, c.want)
		}
	}
}

func TestReadFileTool_RespectsExclusionAndSize(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "allowed.txt"), []byte("hello"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "secret"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "secret", "data.txt"), []byte("nope"), 0644); err != nil {
		t.Fatal(err)
	}

	tool := &ReadFileTool{security: config.ToolSecurity{ExcludePatterns: []string{"secret/**"}, MaxFileSizeBytes: 1024}}

	res := tool.Execute(context.Background(), map[string]any{"path": "allowed.txt"}, dir)
	if !res.Success || res.Output != "hello" {
		t.Fatalf("expected successful read of allowed file, got %+v", res)
	}

	res = tool.Execute(context.Background(), map[string]any{"path": "secret/data.txt"}, dir)
	if res.Success {
		t.Error("expected excluded path to fail")
	}

	bigTool := &ReadFileTool{security: config.ToolSecurity{MaxFileSizeBytes: 1}}
	res = bigTool.Execute(context.Background(), map[string]any{"path": "allowed.txt"}, dir)
	if res.Success {
		t.Error("expected oversized file to fail")
	}
}

func TestRunCommandTool_WhitelistAndGitBlocklist(t *testing.T) {
	tool := &RunCommandTool{}

	res := tool.Execute(context.Background(), map[string]any{"command": "rm -rf /"}, "")
	if res.Success {
		t.Error("expected non-whitelisted command to be rejected")
	}

	res = tool.Execute(context.Background(), map[string]any{"command": "git push origin main"}, "")
	if res.Success {
		t.Error("expected mutating git subcommand to be rejected even though git is whitelisted")
	}

	res = tool.Execute(context.Background(), map[string]any{"command": "echo hello"}, "")
	if !res.Success {
		t.Errorf("expected whitelisted read-only command to succeed, got %+v", res)
	}
}

func TestToolExecutor_UnregisteredToolFails(t *testing.T) {
	e := NewToolExecutor(config.ToolSecurity{})
	res := e.ExecuteTool(context.Background(), ToolRequest{Name: "delete_everything"}, "")
	if res.Success {
		t.Error("expected unregistered tool to fail")
	}
}

// slowTool blocks past ToolTimeout to exercise the timeout path without
// waiting the full 30s in the test.
type slowTool struct{}

func (slowTool) Name() string { return "slow" }
func (slowTool) Execute(ctx context.Context, args map[string]any, workingDirectory string) ToolResult {
	select {
	case <-time.After(time.Hour):
	case <-ctx.Done():
	}
	return ToolResult{Success: true}
}

func TestToolExecutor_TimeoutSurfacesAsFailure(t *testing.T) {
	e := NewToolExecutor(config.ToolSecurity{})
	e.Register(slowTool{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	res := e.ExecuteTool(ctx, ToolRequest{Name: "slow"}, "")
	if res.Success {
		t.Error("expected timed-out tool call to fail")
	}
}
