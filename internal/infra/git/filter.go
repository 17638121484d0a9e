package git

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-enry/go-enry/v2"
	gitignore "github.com/sabhiram/go-gitignore"
)

// IgnoreFilter はナレッジとして取り込まない対象のパターンマッチングを提供します
// リポジトリの .gitignore に加え、デフォルトの除外パターンを適用します
type IgnoreFilter struct {
	patterns *gitignore.GitIgnore
}

// NewIgnoreFilter は新しいIgnoreFilterを作成します
func NewIgnoreFilter(repoPath string) (*IgnoreFilter, error) {
	var patterns []string

	gitignorePath := filepath.Join(repoPath, ".gitignore")
	if _, err := os.Stat(gitignorePath); err == nil {
		loaded, err := readIgnoreFile(gitignorePath)
		if err != nil {
			return nil, fmt.Errorf("failed to read .gitignore: %w", err)
		}
		patterns = append(patterns, loaded...)
	}

	patterns = append(patterns, defaultIgnorePatterns()...)

	return &IgnoreFilter{
		patterns: gitignore.CompileIgnoreLines(patterns...),
	}, nil
}

// ShouldIgnore はパスが除外対象かどうかを判定します
func (f *IgnoreFilter) ShouldIgnore(path string) bool {
	if f.patterns == nil {
		return false
	}
	return f.patterns.MatchesPath(path)
}

// ShouldSkipContent は内容ベースの除外判定を行います
// バイナリやベンダリングされたファイルはナレッジにしません
func ShouldSkipContent(path string, content []byte) bool {
	if enry.IsBinary(content) {
		return true
	}
	if enry.IsVendor(path) {
		return true
	}
	if enry.IsGenerated(path, content) {
		return true
	}
	return false
}

func readIgnoreFile(path string) ([]string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var patterns []string
	for _, line := range strings.Split(string(content), "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		patterns = append(patterns, line)
	}

	return patterns, nil
}

func defaultIgnorePatterns() []string {
	return []string{
		".git",
		".gitignore",
		".gitattributes",
		".gitmodules",
		"node_modules",
		"vendor",
		"dist",
		"build",
		"target",
		"bin",
		".vscode",
		".idea",
		".DS_Store",
		"*.log",
		"*.tmp",
		"*.lock",
		"*.min.js",
		"*.min.css",
	}
}
