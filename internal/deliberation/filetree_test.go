package deliberation

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/vthunder/delibd/internal/config"
)

func TestGenerateFileTree_ListsFilesAndDirsSorted(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "b.go"), []byte("x"), 0644)
	os.WriteFile(filepath.Join(dir, "a.go"), []byte("x"), 0644)
	os.MkdirAll(filepath.Join(dir, "sub"), 0755)

	tree := GenerateFileTree(dir, 3, 200)
	lines := strings.Split(tree, "\n")
	if len(lines) < 3 {
		t.Fatalf("expected at least 3 entries, got %v", lines)
	}
	if lines[0] != "a.go" {
		t.Errorf("expected alphabetical order with a.go first, got %q", lines[0])
	}
}

func TestGenerateFileTree_ExcludesGitAndNodeModules(t *testing.T) {
	dir := t.TempDir()
	os.MkdirAll(filepath.Join(dir, ".git"), 0755)
	os.WriteFile(filepath.Join(dir, ".git", "HEAD"), []byte("x"), 0644)
	os.MkdirAll(filepath.Join(dir, "node_modules", "pkg"), 0755)
	os.WriteFile(filepath.Join(dir, "node_modules", "pkg", "index.js"), []byte("x"), 0644)
	os.WriteFile(filepath.Join(dir, "main.go"), []byte("x"), 0644)

	tree := GenerateFileTree(dir, 5, 200)
	if strings.Contains(tree, "HEAD") || strings.Contains(tree, "index.js") {
		t.Errorf("expected excluded paths to be omitted, got %q", tree)
	}
	if !strings.Contains(tree, "main.go") {
		t.Errorf("expected main.go to be listed, got %q", tree)
	}
}

func TestGenerateFileTree_TruncatesAtMaxFiles(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 10; i++ {
		os.WriteFile(filepath.Join(dir, strings.Repeat("f", i+1)+".txt"), []byte("x"), 0644)
	}

	tree := GenerateFileTree(dir, 3, 3)
	if !strings.Contains(tree, "truncated") {
		t.Errorf("expected a truncation marker when maxFiles is exceeded, got %q", tree)
	}
}

func TestGenerateFileTree_EmptyDirectoryReturnsEmptyString(t *testing.T) {
	dir := t.TempDir()
	if got := GenerateFileTree(dir, 3, 200); got != "" {
		t.Errorf("expected empty string for an empty directory, got %q", got)
	}
}

func TestBuildFileTreeBlock_DisabledReturnsEmpty(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "a.go"), []byte("x"), 0644)

	got := BuildFileTreeBlock(dir, config.FileTree{Enabled: false})
	if got != "" {
		t.Errorf("expected disabled file tree injection to return empty, got %q", got)
	}
}

func TestBuildFileTreeBlock_EnabledWrapsWithHeader(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "a.go"), []byte("x"), 0644)

	got := BuildFileTreeBlock(dir, config.FileTree{Enabled: true, MaxDepth: 3, MaxFiles: 200})
	if !strings.HasPrefix(got, "Repository structure:\n") {
		t.Errorf("expected a header prefix, got %q", got)
	}
}

func TestBuildFileTreeBlock_EmptyWorkingDirectoryReturnsEmpty(t *testing.T) {
	got := BuildFileTreeBlock("", config.FileTree{Enabled: true})
	if got != "" {
		t.Errorf("expected empty working directory to short-circuit, got %q", got)
	}
}
