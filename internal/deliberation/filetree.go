package deliberation

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/vthunder/delibd/internal/config"
)

// GenerateFileTree renders a depth- and file-count-bounded directory
// listing rooted at workingDirectory, used to orient participants on
// round 1 (supplemented from original_source/deliberation/file_tree.py,
// which injects the same kind of listing before the question text).
// The default exclusions (.git, node_modules, vendor) always apply; the
// configured tool security exclude_patterns are not consulted here.
func GenerateFileTree(workingDirectory string, maxDepth, maxFiles int) string {
	root := workingDirectory
	if root == "" {
		root = "."
	}
	if maxDepth <= 0 {
		maxDepth = 3
	}
	if maxFiles <= 0 {
		maxFiles = 200
	}

	var lines []string
	count := 0
	truncated := false

	var walk func(dir string, depth int)
	walk = func(dir string, depth int) {
		if truncated || depth > maxDepth {
			return
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			return
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

		for _, e := range entries {
			if truncated {
				return
			}
			rel, _ := filepath.Rel(root, filepath.Join(dir, e.Name()))
			if isPathExcluded(rel, []string{".git/**", "node_modules/**", "vendor/**"}) {
				continue
			}
			if count >= maxFiles {
				truncated = true
				return
			}
			indent := strings.Repeat("  ", depth-1)
			if e.IsDir() {
				lines = append(lines, fmt.Sprintf("%s%s/", indent, e.Name()))
				count++
				walk(filepath.Join(dir, e.Name()), depth+1)
			} else {
				lines = append(lines, fmt.Sprintf("%s%s", indent, e.Name()))
				count++
			}
		}
	}

	walk(root, 1)

	if truncated {
		lines = append(lines, fmt.Sprintf("... (truncated at %d entries)", maxFiles))
	}
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n")
}

// BuildFileTreeBlock renders GenerateFileTree's output wrapped with a
// header, or "" if file-tree injection is disabled or the directory is
// empty/unreadable, so callers can unconditionally prepend the result.
func BuildFileTreeBlock(workingDirectory string, cfg config.FileTree) string {
	if !cfg.Enabled || workingDirectory == "" {
		return ""
	}
	tree := GenerateFileTree(workingDirectory, cfg.MaxDepth, cfg.MaxFiles)
	if tree == "" {
		return ""
	}
	return "Repository structure:\n" + tree
}
