package deliberation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/vthunder/delibd/internal/config"
	"github.com/vthunder/delibd/internal/dlog"
)

// ToolTimeout is the hard per-invocation timeout enforced around every
// tool call (spec §4.8, §5).
const ToolTimeout = 30 * time.Second

// Tool is one whitelisted, read-only action a participant may request.
type Tool interface {
	Name() string
	Execute(ctx context.Context, args map[string]any, workingDirectory string) ToolResult
}

// ToolExecutor parses embedded TOOL_REQUEST markers and dispatches to
// registered tools. Adapted in shape from internal/mcp/tools/register.go's
// registration-table pattern, but driven by model-output markers instead
// of an external JSON-RPC client.
type ToolExecutor struct {
	tools map[string]Tool
}

// NewToolExecutor constructs an executor with the standard five
// whitelisted tools registered (spec §4.8).
func NewToolExecutor(sec config.ToolSecurity) *ToolExecutor {
	e := &ToolExecutor{tools: map[string]Tool{}}
	e.Register(&ReadFileTool{security: sec})
	e.Register(&SearchCodeTool{security: sec})
	e.Register(&ListFilesTool{security: sec})
	e.Register(&RunCommandTool{})
	e.Register(&GetFileTreeTool{})
	return e
}

// Register adds a tool to the registry.
func (e *ToolExecutor) Register(t Tool) {
	e.tools[t.Name()] = t
	dlog.Info("tools", "registered tool: %s", t.Name())
}

var toolRequestMarker = "TOOL_REQUEST:"

// ParseToolRequests scans response text line by line for TOOL_REQUEST:
// markers, decoding the JSON object that follows with a streaming
// decoder anchored at the first '{' after the marker, so payloads
// containing '}' inside string fields still parse correctly (spec §4.8,
// §6). Invalid payloads are silently skipped.
func ParseToolRequests(responseText string) []ToolRequest {
	var out []ToolRequest

	for _, line := range strings.Split(responseText, "\n") {
		idx := strings.Index(line, toolRequestMarker)
		if idx == -1 {
			continue
		}
		rest := line[idx+len(toolRequestMarker):]
		braceIdx := strings.IndexByte(rest, '{')
		if braceIdx == -1 {
			continue
		}

		dec := json.NewDecoder(strings.NewReader(rest[braceIdx:]))
		var raw struct {
			Name      string         `json:"name"`
			Arguments map[string]any `json:"arguments"`
		}
		if err := dec.Decode(&raw); err != nil {
			dlog.Debug("tools", "failed to parse tool request: %v", err)
			continue
		}
		if raw.Name == "" {
			continue
		}
		out = append(out, ToolRequest{Name: raw.Name, Arguments: raw.Arguments})
	}
	return out
}

// scopedChdir changes to dir for the duration of fn and unconditionally
// restores the previous working directory afterward (spec §5, §9:
// "scoped chdir primitive that acquires, runs, and restores even on
// error"). The tool executor is the only component permitted to chdir.
func scopedChdir(dir string, fn func() ToolResult) ToolResult {
	if dir == "" {
		return fn()
	}

	original, err := os.Getwd()
	if err != nil {
		return ToolResult{Success: false, Error: fmt.Sprintf("failed to read current directory: %v", err)}
	}
	if err := os.Chdir(dir); err != nil {
		return ToolResult{Success: false, Error: fmt.Sprintf("failed to change to working directory %q: %v", dir, err)}
	}
	defer func() {
		if err := os.Chdir(original); err != nil {
			dlog.Warn("tools", "failed to restore working directory to %s: %v", original, err)
		}
	}()

	return fn()
}

// ExecuteTool dispatches request to its registered tool under the hard
// 30s timeout; a timeout or any panic/exception yields a failed
// ToolResult rather than propagating (spec §4.8, §7 kind 2).
func (e *ToolExecutor) ExecuteTool(ctx context.Context, request ToolRequest, workingDirectory string) (result ToolResult) {
	tool, ok := e.tools[request.Name]
	if !ok {
		return ToolResult{ToolName: request.Name, Success: false, Error: fmt.Sprintf("tool %q is not registered", request.Name)}
	}

	ctx, cancel := context.WithTimeout(ctx, ToolTimeout)
	defer cancel()

	type outcome struct{ result ToolResult }
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{ToolResult{ToolName: request.Name, Success: false, Error: fmt.Sprintf("panic: %v", r)}}
			}
		}()
		var res ToolResult
		scopedChdir(workingDirectory, func() ToolResult {
			res = tool.Execute(ctx, request.Arguments, workingDirectory)
			return res
		})
		done <- outcome{res}
	}()

	select {
	case o := <-done:
		o.result.ToolName = request.Name
		return o.result
	case <-ctx.Done():
		return ToolResult{ToolName: request.Name, Success: false, Error: "tool execution timeout after 30s"}
	}
}

// --- Path exclusion (supplemented from original_source/deliberation/tools.py) ---

// isPathExcluded matches a candidate path against glob-ish exclusion
// patterns, mirroring is_path_excluded in the original Python tool
// security layer: a trailing "/**" or "/" pattern excludes the whole
// directory; anything else is a substring match.
func isPathExcluded(path string, patterns []string) bool {
	for _, pattern := range patterns {
		switch {
		case strings.HasSuffix(pattern, "/**"):
			dir := strings.TrimSuffix(pattern, "/**")
			if strings.HasPrefix(path, dir) || strings.Contains(path, "/"+dir) {
				return true
			}
		case strings.HasSuffix(pattern, "/"):
			if strings.HasPrefix(path, pattern) || strings.Contains(path, "/"+pattern) {
				return true
			}
		default:
			if strings.Contains(path, pattern) {
				return true
			}
		}
	}
	return false
}

func resolveUnderCwd(workingDirectory, rel string) (string, error) {
	base := workingDirectory
	if base == "" {
		base = "."
	}
	return filepath.Join(base, rel), nil
}

// --- read_file ---

type ReadFileTool struct{ security config.ToolSecurity }

func (t *ReadFileTool) Name() string { return "read_file" }

func (t *ReadFileTool) Execute(ctx context.Context, args map[string]any, workingDirectory string) ToolResult {
	path, _ := args["path"].(string)
	if path == "" {
		return ToolResult{Success: false, Error: "missing required argument: path"}
	}
	if isPathExcluded(path, t.security.ExcludePatterns) {
		return ToolResult{Success: false, Error: fmt.Sprintf("path %q is excluded by tool security policy", path)}
	}

	full, err := resolveUnderCwd(workingDirectory, path)
	if err != nil {
		return ToolResult{Success: false, Error: err.Error()}
	}

	info, err := os.Stat(full)
	if err != nil {
		return ToolResult{Success: false, Error: fmt.Sprintf("stat %s: %v", path, err)}
	}
	maxSize := t.security.MaxFileSizeBytes
	if maxSize <= 0 {
		maxSize = 1 << 20
	}
	if info.Size() > maxSize {
		return ToolResult{Success: false, Error: fmt.Sprintf("file %s exceeds max size (%d > %d bytes)", path, info.Size(), maxSize)}
	}

	data, err := os.ReadFile(full)
	if err != nil {
		return ToolResult{Success: false, Error: fmt.Sprintf("read %s: %v", path, err)}
	}
	return ToolResult{Success: true, Output: string(data)}
}

// --- search_code ---

type SearchCodeTool struct{ security config.ToolSecurity }

func (t *SearchCodeTool) Name() string { return "search_code" }

func (t *SearchCodeTool) Execute(ctx context.Context, args map[string]any, workingDirectory string) ToolResult {
	pattern, _ := args["pattern"].(string)
	if pattern == "" {
		return ToolResult{Success: false, Error: "missing required argument: pattern"}
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return ToolResult{Success: false, Error: fmt.Sprintf("invalid regex %q: %v", pattern, err)}
	}

	root := workingDirectory
	if root == "" {
		root = "."
	}

	var matches []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		rel, _ := filepath.Rel(root, path)
		if isPathExcluded(rel, t.security.ExcludePatterns) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		for i, line := range strings.Split(string(data), "\n") {
			if re.MatchString(line) {
				matches = append(matches, fmt.Sprintf("%s:%d: %s", rel, i+1, strings.TrimSpace(line)))
				if len(matches) >= 200 {
					return fs.SkipAll
				}
			}
		}
		return nil
	})
	if err != nil && err != fs.SkipAll {
		return ToolResult{Success: false, Error: err.Error()}
	}
	return ToolResult{Success: true, Output: strings.Join(matches, "\n")}
}

// --- list_files ---

type ListFilesTool struct{ security config.ToolSecurity }

func (t *ListFilesTool) Name() string { return "list_files" }

func (t *ListFilesTool) Execute(ctx context.Context, args map[string]any, workingDirectory string) ToolResult {
	pattern, _ := args["pattern"].(string)
	if pattern == "" {
		pattern = "**/*"
	}
	root := workingDirectory
	if root == "" {
		root = "."
	}

	var out []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		rel, _ := filepath.Rel(root, path)
		if isPathExcluded(rel, t.security.ExcludePatterns) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if ok, _ := filepath.Match(strings.TrimPrefix(pattern, "**/"), filepath.Base(path)); ok {
			out = append(out, rel)
		}
		return nil
	})
	if err != nil {
		return ToolResult{Success: false, Error: err.Error()}
	}
	return ToolResult{Success: true, Output: strings.Join(out, "\n")}
}

// --- run_command (whitelist: read/inspect only, never mutate) ---

var runCommandWhitelist = map[string]bool{
	"ls": true, "cat": true, "grep": true, "find": true, "head": true,
	"tail": true, "wc": true, "git": true, "pwd": true, "echo": true,
}

// gitMutatingSubcommands are git subcommands excluded even though "git"
// itself is whitelisted, since the tool may only read/inspect.
var gitMutatingSubcommands = map[string]bool{
	"commit": true, "push": true, "checkout": true, "reset": true,
	"rebase": true, "merge": true, "apply": true, "clean": true,
	"branch": true, "tag": true, "rm": true,
}

type RunCommandTool struct{}

func (t *RunCommandTool) Name() string { return "run_command" }

func (t *RunCommandTool) Execute(ctx context.Context, args map[string]any, workingDirectory string) ToolResult {
	commandLine, _ := args["command"].(string)
	fields := strings.Fields(commandLine)
	if len(fields) == 0 {
		return ToolResult{Success: false, Error: "missing required argument: command"}
	}
	if !runCommandWhitelist[fields[0]] {
		return ToolResult{Success: false, Error: fmt.Sprintf("command %q is not in the read-only whitelist", fields[0])}
	}
	if fields[0] == "git" && len(fields) > 1 && gitMutatingSubcommands[fields[1]] {
		return ToolResult{Success: false, Error: fmt.Sprintf("git subcommand %q is mutating and not permitted", fields[1])}
	}

	cmd := exec.CommandContext(ctx, fields[0], fields[1:]...)
	if workingDirectory != "" {
		cmd.Dir = workingDirectory
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return ToolResult{Success: false, Error: fmt.Sprintf("%v: %s", err, stderr.String())}
	}
	return ToolResult{Success: true, Output: stdout.String()}
}

// --- get_file_tree ---

type GetFileTreeTool struct{}

func (t *GetFileTreeTool) Name() string { return "get_file_tree" }

func (t *GetFileTreeTool) Execute(ctx context.Context, args map[string]any, workingDirectory string) ToolResult {
	maxDepth := 3
	maxFiles := 200
	if v, ok := args["max_depth"]; ok {
		if f, ok := toFloat(v); ok {
			maxDepth = int(f)
		}
	}
	if v, ok := args["max_files"]; ok {
		if f, ok := toFloat(v); ok {
			maxFiles = int(f)
		}
	}
	tree := GenerateFileTree(workingDirectory, maxDepth, maxFiles)
	return ToolResult{Success: true, Output: tree}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}
