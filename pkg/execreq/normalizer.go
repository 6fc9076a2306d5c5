package execreq

import (
	"path/filepath"
	"sort"
	"strings"

	"github.com/remotecc/remotecc/internal/logger"
)

// Normalizer canonicalizes a CompileRequest for cache-key
// equivalence. req is modified in place; id is for logging only.
type Normalizer interface {
	NormalizeForCacheKey(id int, req *CompileRequest)
}

// Normalization modes, bit-flag composable.
const (
	// Omit drops the field entirely.
	Omit = 0
	// NormalizeWithCwd rewrites absolute paths relative to cwd.
	NormalizeWithCwd = 1 << 0
	// NormalizeWithDebugPrefixMap rewrites paths through the
	// -fdebug-prefix-map entries, longest key first.
	NormalizeWithDebugPrefixMap = 1 << 1
	// PreserveI keeps -I flag values untouched while other weak
	// relative flags normalize.
	PreserveI = 1 << 2
	// AsIs keeps the field untouched.
	AsIs = 1 << 3
)

// Config tells the shared normalization passes what to do per field.
type Config struct {
	KeepCwd               int
	KeepArgs              int
	KeepPathnamesInInput  int
	KeepSystemIncludeDirs int

	// NewCwd, when set, replaces cwd (used for
	// -fdebug-compilation-dir). Ignored when KeepCwd has AsIs.
	NewCwd *string
}

// ConfigAsIs keeps everything untouched.
func ConfigAsIs() Config {
	return Config{KeepCwd: AsIs, KeepArgs: AsIs, KeepPathnamesInInput: AsIs, KeepSystemIncludeDirs: AsIs}
}

// configurable runs the shared passes with a per-dialect Configure.
type configurable struct {
	configure func(id int, req *CompileRequest) Config
}

// weakRelativeFlags are the flags whose path values may be rewritten
// to be cwd-relative: -I, -B, --sysroot=, -resource-dir=,
// -gcc-toolchain=, and the path after -Xclang.
var weakRelativeFlags = []string{"-I", "-B", "--sysroot=", "-resource-dir=", "-gcc-toolchain="}

func (n *configurable) NormalizeForCacheKey(id int, req *CompileRequest) {
	cfg := n.configure(id, req)
	debugPrefixMap := ParseDebugPrefixMap(req.Args)
	if HasAmbiguityInDebugPrefixMap(debugPrefixMap) {
		logger.Warn("ambiguous debug prefix map inhibits path rewriting", logger.KeyCompileID, id)
		debugPrefixMap = nil
		// Paths cannot be made canonical; fall back to keeping them.
		if cfg.KeepCwd&NormalizeWithDebugPrefixMap != 0 {
			cfg.KeepCwd = AsIs
		}
		if cfg.KeepArgs&NormalizeWithDebugPrefixMap != 0 {
			cfg.KeepArgs = AsIs
		}
		if cfg.KeepPathnamesInInput&NormalizeWithDebugPrefixMap != 0 {
			cfg.KeepPathnamesInInput = AsIs
		}
		if cfg.KeepSystemIncludeDirs&NormalizeWithDebugPrefixMap != 0 {
			cfg.KeepSystemIncludeDirs = AsIs
		}
	}

	// Input order must be fixed before pathnames and cwd are
	// rewritten, since the sort key uses both.
	n.normalizeInputOrder(req)
	n.normalizeSystemIncludeDirs(cfg.KeepSystemIncludeDirs, debugPrefixMap, req)
	n.normalizeArgs(cfg.KeepArgs, debugPrefixMap, req)
	n.normalizePathnamesInInput(cfg.KeepPathnamesInInput, debugPrefixMap, req)
	n.normalizeCwd(cfg.KeepCwd, cfg.NewCwd, debugPrefixMap, req)
	n.normalizeSubprograms(req)
	n.normalizeEnvs(req)
	n.dropInputContent(req)
}

// normalizeInputOrder stable-sorts inputs by (depth from cwd
// ascending, filename ascending) so independent builds produce
// identical key material.
func (n *configurable) normalizeInputOrder(req *CompileRequest) {
	depth := func(in Input) int {
		rel := in.Filename
		if filepath.IsAbs(rel) && req.Cwd != "" {
			if r, err := filepath.Rel(req.Cwd, rel); err == nil {
				rel = r
			}
		}
		return strings.Count(rel, string(filepath.Separator))
	}
	sort.SliceStable(req.Inputs, func(i, j int) bool {
		di, dj := depth(req.Inputs[i]), depth(req.Inputs[j])
		if di != dj {
			return di < dj
		}
		return req.Inputs[i].Filename < req.Inputs[j].Filename
	})
}

func (n *configurable) normalizeSystemIncludeDirs(keep int, m map[string]string, req *CompileRequest) {
	rewrite := func(paths []string) []string {
		switch {
		case keep&AsIs != 0:
			return paths
		case keep == Omit:
			return nil
		default:
			out := make([]string, len(paths))
			for i, p := range paths {
				out[i] = n.rewritePath(keep, m, req.Cwd, p)
			}
			return out
		}
	}
	req.Command.SystemIncludePaths = rewrite(req.Command.SystemIncludePaths)
	req.Command.CxxSystemIncludePaths = rewrite(req.Command.CxxSystemIncludePaths)
}

// normalizeArgs rewrites path values of the weak relative flags, and
// removes the -fdebug-prefix-map arguments themselves when the map is
// the normalization vehicle (its effect is already burned into every
// rewritten path).
func (n *configurable) normalizeArgs(keep int, m map[string]string, req *CompileRequest) {
	if keep&AsIs != 0 {
		return
	}
	var out []string
	prevXclang := false
	for i := 0; i < len(req.Args); i++ {
		arg := req.Args[i]

		if keep&NormalizeWithDebugPrefixMap != 0 && strings.HasPrefix(arg, "-fdebug-prefix-map=") {
			continue
		}

		if prevXclang {
			prevXclang = false
			out = append(out, n.rewritePath(keep, m, req.Cwd, arg))
			continue
		}
		if arg == "-Xclang" {
			prevXclang = true
			out = append(out, arg)
			continue
		}

		rewritten := arg
		for _, flag := range weakRelativeFlags {
			if flag == "-I" && keep&PreserveI != 0 {
				continue
			}
			if strings.HasSuffix(flag, "=") {
				if strings.HasPrefix(arg, flag) {
					rewritten = flag + n.rewritePath(keep, m, req.Cwd, arg[len(flag):])
					break
				}
				continue
			}
			if arg == flag && i+1 < len(req.Args) {
				out = append(out, arg)
				i++
				rewritten = n.rewritePath(keep, m, req.Cwd, req.Args[i])
				break
			}
			if strings.HasPrefix(arg, flag) && len(arg) > len(flag) {
				rewritten = flag + n.rewritePath(keep, m, req.Cwd, arg[len(flag):])
				break
			}
		}
		out = append(out, rewritten)
	}
	req.Args = out
}

func (n *configurable) normalizePathnamesInInput(keep int, m map[string]string, req *CompileRequest) {
	switch {
	case keep&AsIs != 0:
		return
	case keep == Omit:
		for i := range req.Inputs {
			req.Inputs[i].Filename = ""
		}
	default:
		for i := range req.Inputs {
			req.Inputs[i].Filename = n.rewritePath(keep, m, req.Cwd, req.Inputs[i].Filename)
		}
	}
}

func (n *configurable) normalizeCwd(keep int, newCwd *string, m map[string]string, req *CompileRequest) {
	if keep&AsIs != 0 {
		return
	}
	if newCwd != nil {
		// The user pinned the compilation dir; the override is the
		// canonical cwd.
		req.Cwd = *newCwd
		return
	}
	switch {
	case keep == Omit, keep&NormalizeWithCwd != 0:
		// With all paths now cwd-relative, the cwd itself carries no
		// information.
		req.Cwd = ""
	case keep&NormalizeWithDebugPrefixMap != 0:
		if rewritten, ok := RewritePathWithDebugPrefixMap(m, req.Cwd); ok {
			req.Cwd = rewritten
		}
	}
}

// normalizeSubprograms blanks subprogram paths; only the binary hash
// identifies the tool.
func (n *configurable) normalizeSubprograms(req *CompileRequest) {
	for i := range req.Subprograms {
		req.Subprograms[i].Path = ""
	}
	sort.SliceStable(req.Subprograms, func(i, j int) bool {
		return req.Subprograms[i].BinaryHash < req.Subprograms[j].BinaryHash
	})
}

// normalizeEnvs strips the ephemeral environment: PWD and
// DEVELOPER_DIR never affect the compilation output. requester_info
// is always cleared.
func (n *configurable) normalizeEnvs(req *CompileRequest) {
	var out []string
	for _, e := range req.Env {
		if strings.HasPrefix(e, "PWD=") || strings.HasPrefix(e, "DEVELOPER_DIR=") {
			continue
		}
		out = append(out, e)
	}
	req.Env = out
	req.RequesterInfo = ""
}

// dropInputContent removes embedded file content; only hash keys
// identify inputs in the cache key.
func (n *configurable) dropInputContent(req *CompileRequest) {
	for i := range req.Inputs {
		req.Inputs[i].Content = nil
	}
}

// rewritePath applies the configured path normalization to one path.
func (n *configurable) rewritePath(keep int, m map[string]string, cwd, path string) string {
	if keep&NormalizeWithDebugPrefixMap != 0 {
		if rewritten, ok := RewritePathWithDebugPrefixMap(m, path); ok {
			return rewritten
		}
		return path
	}
	if keep&NormalizeWithCwd != 0 {
		if filepath.IsAbs(path) && cwd != "" {
			if rel, err := filepath.Rel(cwd, path); err == nil {
				return rel
			}
		}
		return path
	}
	return path
}

// ParseDebugPrefixMap collects -fdebug-prefix-map=K=V entries.
func ParseDebugPrefixMap(args []string) map[string]string {
	var m map[string]string
	for _, arg := range args {
		val, ok := strings.CutPrefix(arg, "-fdebug-prefix-map=")
		if !ok {
			continue
		}
		k, v, ok := strings.Cut(val, "=")
		if !ok {
			continue
		}
		if m == nil {
			m = make(map[string]string)
		}
		m[k] = v
	}
	return m
}

// RewritePathWithDebugPrefixMap rewrites path through the map; the
// longest matching key wins. Returns false when no key matches.
func RewritePathWithDebugPrefixMap(m map[string]string, path string) (string, bool) {
	if len(m) == 0 || path == "" {
		return path, false
	}
	bestKey := ""
	for k := range m {
		if strings.HasPrefix(path, k) && len(k) > len(bestKey) {
			bestKey = k
		}
	}
	if bestKey == "" {
		return path, false
	}
	return m[bestKey] + path[len(bestKey):], true
}

// HasAmbiguityInDebugPrefixMap reports whether one key prefixes
// another, which would make rewrite results order-dependent.
func HasAmbiguityInDebugPrefixMap(m map[string]string) bool {
	for a := range m {
		for b := range m {
			if a != b && strings.HasPrefix(a, b) {
				return true
			}
		}
	}
	return false
}
