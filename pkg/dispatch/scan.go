// Package dispatch ties the dispatcher together: it normalizes a
// compile invocation, scans its includes, ships the request to the
// remote cluster, memoizes results locally, and falls back to the
// bounded subprocess pool when the remote path fails.
package dispatch

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/remotecc/remotecc/internal/logger"
	"github.com/remotecc/remotecc/pkg/cpp"
	"github.com/remotecc/remotecc/pkg/execreq"
	"github.com/remotecc/remotecc/pkg/metrics"
)

// ScannedInput is one header or source discovered by the scanner.
type ScannedInput struct {
	Path    string
	HashKey string
}

// IncludeScanner computes the exact header set one compilation needs,
// using the preprocessor core with guard skipping and the shared
// macro-environment cache.
type IncludeScanner struct {
	parser      *cpp.Parser
	cwd         string
	includeDirs []string

	inputs    map[string]*ScannedInput
	readCount map[string]int
	skipCount map[string]int
	errors    []string
}

// NewIncludeScanner creates a scanner rooted at cwd. includeDirs are
// searched in order for both quote and angle includes (after the
// including file's own directory, for quotes).
func NewIncludeScanner(cwd string, includeDirs []string, info *cpp.CompilerInfo, envCache *cpp.MacroEnvCache) *IncludeScanner {
	s := &IncludeScanner{
		parser:      cpp.NewParser(),
		cwd:         cwd,
		includeDirs: includeDirs,
		inputs:      make(map[string]*ScannedInput),
		readCount:   make(map[string]int),
		skipCount:   make(map[string]int),
	}
	s.parser.SetIncludeObserver(s)
	s.parser.SetErrorObserver(s)
	if info != nil {
		s.parser.SetCompilerInfo(info)
	}
	if envCache != nil {
		s.parser.SetMacroEnvCache(envCache)
	}
	return s
}

// HandleError implements cpp.ErrorObserver; scan errors are non-fatal.
func (s *IncludeScanner) HandleError(msg string) {
	s.errors = append(s.errors, msg)
	logger.Warn("include scan error", logger.KeyError, msg)
}

// Errors returns the accumulated scan errors.
func (s *IncludeScanner) Errors() []string { return s.errors }

// resolve finds the file for an include directive. Returns the
// resolved path and the include-dir index that matched (0 for the
// including file's own directory).
func (s *IncludeScanner) resolve(path, currentDir string, quote byte) (string, int, bool) {
	if filepath.IsAbs(path) {
		if fileExists(path) {
			return path, 0, true
		}
		return "", 0, false
	}
	if quote == '"' && currentDir != "" {
		candidate := filepath.Join(currentDir, path)
		if fileExists(candidate) {
			return candidate, 0, true
		}
	}
	for i, dir := range s.includeDirs {
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(s.cwd, dir)
		}
		candidate := filepath.Join(dir, path)
		if fileExists(candidate) {
			return candidate, i + 1, true
		}
	}
	return "", 0, false
}

func fileExists(path string) bool {
	st, err := os.Stat(path)
	return err == nil && st.Mode().IsRegular()
}

// HandleInclude implements cpp.IncludeObserver.
func (s *IncludeScanner) HandleInclude(path, currentDir, currentFile string, quote byte, dirIndex int) bool {
	resolved, idx, ok := s.resolve(path, currentDir, quote)
	if !ok {
		return false
	}
	if s.parser.IsProcessedFile(resolved, idx) {
		s.skipCount[resolved]++
		metrics.IncludeGuardSkips.Inc()
		return true
	}
	content, err := os.ReadFile(resolved)
	if err != nil {
		return false
	}
	s.readCount[resolved]++
	metrics.IncludeScanFiles.Inc()
	s.addInput(resolved, content)
	s.parser.AddFileInput(content, resolved, idx)
	return true
}

// HasInclude implements cpp.IncludeObserver for __has_include.
func (s *IncludeScanner) HasInclude(path, currentDir, currentFile string, quote byte, dirIndex int) bool {
	_, _, ok := s.resolve(path, currentDir, quote)
	return ok
}

func (s *IncludeScanner) addInput(path string, content []byte) {
	if _, ok := s.inputs[path]; ok {
		return
	}
	sum := sha256.Sum256(content)
	s.inputs[path] = &ScannedInput{Path: path, HashKey: hex.EncodeToString(sum[:])}
}

// Scan processes one source file and returns every input the remote
// server needs, the source itself included, ordered by path.
func (s *IncludeScanner) Scan(sourcePath string) ([]execreq.Input, error) {
	abs := sourcePath
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(s.cwd, sourcePath)
	}
	content, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("read source %s: %w", sourcePath, err)
	}
	s.addInput(abs, content)
	s.readCount[abs]++

	if isCSource(abs) {
		s.parser.SetIsCPlusPlus(false)
	}
	s.parser.AddFileInput(content, abs, 0)
	s.parser.ProcessDirectives()

	paths := make([]string, 0, len(s.inputs))
	for p := range s.inputs {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	inputs := make([]execreq.Input, 0, len(paths))
	for _, p := range paths {
		inputs = append(inputs, execreq.Input{Filename: p, HashKey: s.inputs[p].HashKey})
	}
	return inputs, nil
}

// ReadCount reports how many times a file was physically read.
func (s *IncludeScanner) ReadCount(path string) int { return s.readCount[path] }

// SkipCount reports how many re-inclusions were skipped via guard.
func (s *IncludeScanner) SkipCount(path string) int { return s.skipCount[path] }

func isCSource(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".c":
		return true
	default:
		return false
	}
}

// includeDirsFromArgs extracts -I and -isystem directories in order.
func includeDirsFromArgs(args []string) []string {
	var dirs []string
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "-I" || arg == "-isystem":
			if i+1 < len(args) {
				i++
				dirs = append(dirs, args[i])
			}
		case strings.HasPrefix(arg, "-I") && len(arg) > 2:
			dirs = append(dirs, arg[2:])
		}
	}
	return dirs
}

// sourceFilesFromArgs extracts the compilation inputs by extension.
func sourceFilesFromArgs(args []string) []string {
	var sources []string
	for i, arg := range args {
		if i == 0 || strings.HasPrefix(arg, "-") {
			continue
		}
		switch strings.ToLower(filepath.Ext(arg)) {
		case ".c", ".cc", ".cpp", ".cxx", ".m", ".mm", ".s":
			sources = append(sources, arg)
		}
	}
	return sources
}

// outputFromArgs extracts the -o value, or "".
func outputFromArgs(args []string) string {
	for i, arg := range args {
		if arg == "-o" && i+1 < len(args) {
			return args[i+1]
		}
		if val, ok := strings.CutPrefix(arg, "-o"); ok && val != "" && !strings.HasPrefix(arg, "-openmp") {
			return val
		}
	}
	return ""
}
