package execreq

import "strings"

// NewGCCNormalizer normalizes requests for the GCC family (gcc, g++,
// clang, clang++).
func NewGCCNormalizer() Normalizer {
	return &configurable{configure: gccConfigure}
}

// gccConfigure decides how much of the request must stay in the cache
// key:
//
//   - Debug builds (-g and friends) bake cwd into the debug info, so
//     the full cwd must stay — unless -fdebug-prefix-map rewrites the
//     relevant prefixes, in which case paths normalize through the
//     map.
//   - Without debug info, include paths and input names rewrite to be
//     cwd-relative and the cwd itself is dropped.
//   - Dependency-file flags (-MD, -MMD, -MM) embed pathnames in the
//     outputs, so input filenames stay as-is.
func gccConfigure(id int, req *CompileRequest) Config {
	debug := gccHasDebugFlag(req.Args)
	prefixMap := ParseDebugPrefixMap(req.Args)
	depFiles := gccHasDepsFlag(req.Args)

	cfg := Config{
		KeepCwd:               Omit,
		KeepArgs:              NormalizeWithCwd,
		KeepPathnamesInInput:  NormalizeWithCwd,
		KeepSystemIncludeDirs: NormalizeWithCwd,
	}

	if debug {
		if len(prefixMap) > 0 && !HasAmbiguityInDebugPrefixMap(prefixMap) {
			cfg.KeepCwd = NormalizeWithDebugPrefixMap
			cfg.KeepArgs = NormalizeWithDebugPrefixMap
			cfg.KeepPathnamesInInput = NormalizeWithDebugPrefixMap
			cfg.KeepSystemIncludeDirs = NormalizeWithDebugPrefixMap
		} else {
			// Debug info depends on the real cwd.
			cfg.KeepCwd = AsIs
			cfg.KeepArgs = AsIs
			cfg.KeepPathnamesInInput = AsIs
			cfg.KeepSystemIncludeDirs = AsIs
		}
	}

	if depFiles {
		cfg.KeepPathnamesInInput = AsIs
	}

	if newCwd := gccDebugCompilationDir(req.Args); newCwd != "" {
		dir := newCwd
		cfg.NewCwd = &dir
		// The override replaces cwd even in debug builds.
		cfg.KeepCwd &^= AsIs
	}
	return cfg
}

// gccHasDebugFlag detects flags that make the output depend on
// pathnames: -g, -gN (N>0), -ggdb and friends, -gsplit-dwarf,
// -fdebug-prefix-map.
func gccHasDebugFlag(args []string) bool {
	for _, arg := range args {
		if arg == "-g0" {
			continue
		}
		if arg == "-g" || arg == "-gsplit-dwarf" {
			return true
		}
		if strings.HasPrefix(arg, "-fdebug-prefix-map=") {
			return true
		}
		if strings.HasPrefix(arg, "-g") && len(arg) > 2 {
			// -g1, -g2, -g3, -ggdb, -gdwarf-4, ...
			return true
		}
	}
	return false
}

func gccHasDepsFlag(args []string) bool {
	for _, arg := range args {
		switch arg {
		case "-MD", "-MMD", "-MM":
			return true
		}
	}
	return false
}

// gccDebugCompilationDir extracts D from `-fdebug-compilation-dir D`
// (plain or behind -Xclang).
func gccDebugCompilationDir(args []string) string {
	for i, arg := range args {
		if arg == "-fdebug-compilation-dir" && i+1 < len(args) {
			next := args[i+1]
			if next == "-Xclang" && i+2 < len(args) {
				return args[i+2]
			}
			return next
		}
		if val, ok := strings.CutPrefix(arg, "-fdebug-compilation-dir="); ok {
			return val
		}
	}
	return ""
}
